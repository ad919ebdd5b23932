package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	neturl "net/url"
	"sync"
	"testing"
	"time"

	"deployproof/internal/archive"
	"deployproof/internal/config"
	"deployproof/internal/db"
	"deployproof/internal/domain"
	"deployproof/internal/engine"
	"deployproof/internal/events"
	"deployproof/internal/migrate"
	"deployproof/internal/repo"
	"deployproof/internal/vcs"
)

const testFixture = `
stories:
  - name: US-1
    status: Completed
    environment: prod
    commit: abc123
    components:
      - {type: ApexClass, api_name: QuoteService}
environments:
  prod:
    records:
      - object: ApexClass
        id: 01p1
        fields: {Name: QuoteService}
        last_modified: 2024-05-02T10:00:00Z
`

const testSecret = "test-secret"

type fakeVCS struct{}

func (fakeVCS) GetCommit(_ context.Context, sha string) (vcs.Commit, bool, error) {
	if sha != "abc123" {
		return vcs.Commit{}, false, nil
	}
	return vcs.Commit{Hash: sha, Author: "ana", Date: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}, true, nil
}

func (fakeVCS) GetDiffstat(context.Context, string) ([]vcs.FileChange, bool, error) {
	return nil, true, nil
}

func (fakeVCS) GetFileContent(context.Context, string, string) (string, bool, error) {
	return "", false, nil
}

type testServer struct {
	URL     string
	Engine  engine.Engine
	Archive *archive.MemoryStore
	client  *http.Client
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, db.DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, err := engine.New(conn, db.DriverSQLite, config.Default(), fakeVCS{}, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if _, err := e.ImportFixture(context.Background(), []byte(testFixture), "tester"); err != nil {
		t.Fatalf("import fixture: %v", err)
	}
	store := archive.NewMemoryStore("")
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Archive:  store,
		Auth: AuthConfig{
			JWTSecret:              testSecret,
			AllowLegacyActorHeader: true,
			AllowDevLogin:          true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:     "http://" + ln.Addr().String(),
		Engine:  e,
		Archive: store,
		client:  &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

var actor = map[string]string{"X-Actor-Id": "ci"}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, data)
	}
	return env.Error.Code
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/levels", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, data)
	}
}

func TestProveRecordAndFetch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proofs", map[string]any{
		"stories":     []string{"US-1"},
		"environment": "prod",
		"branch":      "main",
	}, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("prove status %d: %s", res.StatusCode, data)
	}
	var created ProofResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal proof: %v", err)
	}
	if created.Proof.Overall.Verdict != domain.VerdictProven || !created.Recorded {
		t.Fatalf("unexpected proof %+v", created.Proof.Overall)
	}
	if created.ArchiveKey != "proofs/prod/"+created.Proof.ID+".json" {
		t.Fatalf("unexpected archive key %q", created.ArchiveKey)
	}
	if _, err := srv.Archive.Get(context.Background(), "prod", created.Proof.ID); err != nil {
		t.Fatalf("archived proof: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/proofs/"+created.Proof.ID, nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get proof status %d: %s", res.StatusCode, data)
	}
	var fetched ProofResponse
	_ = json.Unmarshal(data, &fetched)
	if fetched.Proof.Overall != created.Proof.Overall || len(fetched.Proof.ComponentProofs) != 1 {
		t.Fatalf("fetched proof differs: %+v", fetched.Proof.Overall)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/proofs?story=US-1&environment=prod", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, data)
	}
	var list paginatedProofs
	_ = json.Unmarshal(data, &list)
	if len(list.Items) != 1 || list.Items[0].ActorID != "ci" || list.Items[0].Stories[0] != "US-1" {
		t.Fatalf("unexpected list %+v", list)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type="+events.ProofRecorded, nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, data)
	}
	var evts paginatedEvents
	_ = json.Unmarshal(data, &evts)
	if len(evts.Items) != 1 || evts.Items[0].Payload["verdict"] != string(domain.VerdictProven) {
		t.Fatalf("unexpected events %+v", evts)
	}
}

func TestListProofsPagesRunsFromTheSameSecond(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	eng := srv.Engine
	eng.Now = func() time.Time { return time.Date(2024, 5, 3, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	recorded := map[string]bool{}
	for i := 0; i < 3; i++ {
		res, err := eng.ProveDeployment(ctx, engine.ProveRequest{Stories: []string{"US-1"}, Environment: "prod"})
		if err != nil {
			t.Fatalf("prove: %v", err)
		}
		if _, err := eng.Record(ctx, res, "ci"); err != nil {
			t.Fatalf("record: %v", err)
		}
		recorded[res.ID] = true
	}

	seen := map[string]bool{}
	url := srv.URL + "/v0/proofs?limit=2"
	for page := 0; page < 5; page++ {
		res, data := doJSON(t, srv.Client(), http.MethodGet, url, nil, actor)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list status %d: %s", res.StatusCode, data)
		}
		var list paginatedProofs
		if err := json.Unmarshal(data, &list); err != nil {
			t.Fatalf("unmarshal list: %v", err)
		}
		for _, item := range list.Items {
			if seen[item.ID] {
				t.Fatalf("run %s returned twice", item.ID)
			}
			seen[item.ID] = true
		}
		if list.NextCursor == "" {
			break
		}
		url = srv.URL + "/v0/proofs?limit=2&cursor=" + neturl.QueryEscape(list.NextCursor)
	}
	if len(seen) != len(recorded) {
		t.Fatalf("paged through %d of %d runs", len(seen), len(recorded))
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/proofs?cursor=2024-05-03T12:00:00Z", nil, actor)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed cursor, got %d %s", res.StatusCode, data)
	}
}

func TestProveWithoutRecording(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/proofs", map[string]any{
		"stories":     []string{"US-1", "US-9"},
		"environment": "prod",
		"level":       "basic",
		"record":      false,
	}, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("prove status %d: %s", res.StatusCode, data)
	}
	var out ProofResponse
	_ = json.Unmarshal(data, &out)
	if out.Recorded || out.Proof.Report.Executed != 1 || len(out.Proof.InvalidStories) != 1 {
		t.Fatalf("unexpected response %+v", out)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/proofs/"+out.Proof.ID, nil, actor)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unrecorded proof must not be stored, got %d", res.StatusCode)
	}
}

func TestProveRejectsBadInput(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proofs", map[string]any{
		"stories":     []string{"US-1"},
		"environment": "prod",
		"level":       "extreme",
	}, actor)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "unknown_level" {
		t.Fatalf("expected unknown_level, got %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proofs", map[string]any{
		"stories": []string{"US-1"},
	}, actor)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without environment, got %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/proofs/nope", nil, actor)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected not_found, got %d %s", res.StatusCode, data)
	}
}

func TestLevels(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/levels", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("levels status %d: %s", res.StatusCode, data)
	}
	var out LevelsResponse
	_ = json.Unmarshal(data, &out)
	if out.DefaultLevel != "standard" || len(out.Levels) != 4 || out.Levels[0].Name != "basic" {
		t.Fatalf("unexpected levels %+v", out)
	}
	for _, l := range out.Levels {
		if len(l.Unregistered) != 0 {
			t.Fatalf("level %s has unregistered validators %v", l.Name, l.Unregistered)
		}
	}
}

func TestTokenAndAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "ana"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, data)
	}
	var login DevLoginResponse
	_ = json.Unmarshal(data, &login)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	var me MeResponse
	_ = json.Unmarshal(data, &me)
	if res.StatusCode != http.StatusOK || me.ActorID != "ana" || me.Source != "jwt" {
		t.Fatalf("me via jwt: %d %s", res.StatusCode, data)
	}

	bad, err := SignToken("other-secret", "mallory", nil, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + bad})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("foreign token accepted: %d", res.StatusCode)
	}

	key, secret := repo.IssueAPIKey("pipeline", "ci", time.Now())
	if err := srv.Engine.Repo.InsertAPIKey(context.Background(), nil, key); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "s3cret"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unissued key accepted: %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": secret})
	_ = json.Unmarshal(data, &me)
	if res.StatusCode != http.StatusOK || me.ActorID != "pipeline" || me.Source != "api_key" {
		t.Fatalf("me via api key: %d %s", res.StatusCode, data)
	}
}

func TestOpenAPIServed(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !bytes.Contains(data, []byte("/v0/proofs")) {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	var doc struct {
		Paths map[string]map[string]struct {
			Security []map[string][]string `json:"security"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	if len(doc.Paths["/v0/proofs"]["post"].Security) == 0 {
		t.Fatalf("prove operation must declare security")
	}
	if len(doc.Paths["/v0/health"]["get"].Security) != 0 || len(doc.Paths["/v0/auth/dev/login"]["post"].Security) != 0 {
		t.Fatalf("public operations must not declare security")
	}
}

type memEvents struct {
	mu        sync.Mutex
	events    []domain.Event
	latestErr error
}

func (m *memEvents) add(typ string, payload map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, _ := json.Marshal(payload)
	m.events = append(m.events, domain.Event{ID: int64(len(m.events) + 1), Type: typ, EntityKind: "proof_run", Payload: string(data)})
}

func (m *memEvents) EventsAfter(_ context.Context, limit int, cursor int64) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, e := range m.events {
		if e.ID > cursor && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memEvents) LatestEventID(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latestErr != nil {
		return 0, m.latestErr
	}
	return int64(len(m.events)), nil
}

func TestWebhookDispatcherFiltersAndSigns(t *testing.T) {
	var mu sync.Mutex
	var got []webhookEvent
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.Header.Get(SignatureHeader) != Sign("hook-secret", body) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var evt webhookEvent
		_ = json.Unmarshal(body, &evt)
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
	}))
	defer hook.Close()

	src := &memEvents{}
	src.add(events.ProofRecorded, map[string]any{"verdict": "PROVEN"})
	d := NewWebhookDispatcher(src, []config.WebhookConfig{{
		URL:      hook.URL,
		Events:   []string{events.ProofRecorded},
		Verdicts: []string{"UNPROVEN", "ERROR"},
		Secret:   "hook-secret",
	}}, nil)
	ctx := context.Background()
	// events before the first pass are not replayed
	d.DispatchAll(ctx)

	src.add(events.ProofRecorded, map[string]any{"verdict": "PROVEN"})
	src.add(events.FixtureImported, map[string]any{"stories": 1})
	src.add(events.ProofRecorded, map[string]any{"verdict": "UNPROVEN"})
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].ID != 4 {
		t.Fatalf("expected only the UNPROVEN event, got %+v", got)
	}
}

func TestWebhookCursorRetriesInsteadOfReplaying(t *testing.T) {
	var mu sync.Mutex
	var got []int64
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		got = append(got, evt.ID)
		mu.Unlock()
	}))
	defer hook.Close()

	src := &memEvents{latestErr: errors.New("db unavailable")}
	src.add(events.ProofRecorded, map[string]any{"verdict": "PROVEN"})
	src.add(events.ProofRecorded, map[string]any{"verdict": "UNPROVEN"})
	d := NewWebhookDispatcher(src, []config.WebhookConfig{{URL: hook.URL}}, nil)
	ctx := context.Background()
	d.DispatchAll(ctx)

	src.mu.Lock()
	src.latestErr = nil
	src.mu.Unlock()
	d.DispatchAll(ctx)
	src.add(events.ProofRecorded, map[string]any{"verdict": "PROVEN"})
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != 3 {
		t.Fatalf("history must not be replayed after a failed cursor init, got %v", got)
	}
}

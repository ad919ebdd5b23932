package repo_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"deployproof/internal/db"
	"deployproof/internal/domain"
	"deployproof/internal/events"
	"deployproof/internal/migrate"
	"deployproof/internal/repo"
)

const fixture = `
stories:
  - name: US-1
    title: Quote editor
    status: Completed
    environment: prod
    developer: ana
    commit: abc123
    commits:
      - sha: abc000
        committed_at: 2024-04-30T09:00:00Z
      - sha: abc123
        committed_at: 2024-05-01T09:00:00Z
    components:
      - {type: ApexClass, api_name: QuoteService, action: Update}
      - {type: LightningComponentBundle, api_name: quoteEditor}
  - name: US-2
    status: Cancelled
    environment: prod
environments:
  prod:
    records:
      - object: ApexClass
        id: 01p000000000001
        fields: {Name: QuoteService}
        last_modified: 2024-05-02T10:00:00Z
        last_modified_by: deployer
      - object: LightningComponentBundle
        id: 0Rb000000000001
        fields: {DeveloperName: quoteEditor}
        last_modified: 2024-04-01T10:00:00Z
        members:
          - path: lwc/quoteEditor/quoteEditor.js
            last_modified: 2024-05-02T11:00:00Z
            last_modified_by: ana
    deployments:
      - source: copado
        story: US-1
        status: Completed
        completed_at: 2024-05-02T10:00:00Z
`

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn, Dialect: db.DriverSQLite}
}

func TestImportFixtureAndReadBack(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	sum, err := r.ImportFixture(ctx, []byte(fixture))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if sum.Stories != 2 || sum.Records != 2 || sum.Members != 1 || sum.Deployments != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	// stories and records are upserted on re-import
	if _, err := r.ImportFixture(ctx, []byte(fixture)); err != nil {
		t.Fatalf("second import: %v", err)
	}

	stories, err := r.StoriesByName(ctx, []string{"US-1", "US-2", "US-404"})
	if err != nil {
		t.Fatalf("stories: %v", err)
	}
	if len(stories) != 2 {
		t.Fatalf("expected 2 stories, got %d", len(stories))
	}
	us1 := stories[0]
	if us1.Name != "US-1" || us1.Commit() != "abc123" || len(us1.Components) != 2 {
		t.Fatalf("unexpected story %+v", us1)
	}
	if us1.Components[0].APIName != "QuoteService" || us1.Components[0].Action != "Update" {
		t.Fatalf("component order not preserved: %+v", us1.Components)
	}

	sha, ok, err := r.LatestCommit(ctx, "US-1")
	if err != nil || !ok || sha != "abc123" {
		t.Fatalf("latest commit = %s %v %v", sha, ok, err)
	}
	if _, ok, err := r.LatestCommit(ctx, "US-2"); err != nil || ok {
		t.Fatalf("US-2 has no commits: ok=%v err=%v", ok, err)
	}
}

func TestQueryIsCaseInsensitiveAndScoped(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	if _, err := r.ImportFixture(ctx, []byte(fixture)); err != nil {
		t.Fatalf("import: %v", err)
	}
	rows, err := r.Query(ctx, domain.RecordQuery{Environment: "prod", Object: "ApexClass", Field: "Name", Values: []string{"quoteservice", "Missing"}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].Fields["Name"] != "QuoteService" {
		t.Fatalf("unexpected rows %+v", rows)
	}
	if !rows[0].LastModified.Equal(time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected time %s", rows[0].LastModified)
	}
	rows, err = r.Query(ctx, domain.RecordQuery{Environment: "uat", Object: "ApexClass", Field: "Name", Values: []string{"QuoteService"}})
	if err != nil || len(rows) != 0 {
		t.Fatalf("other environment must be empty: %v %v", rows, err)
	}
	members, err := r.BundleMembers(ctx, "prod", "LightningComponentBundle", "0Rb000000000001")
	if err != nil || len(members) != 1 || members[0].LastModifiedBy != "ana" {
		t.Fatalf("members = %+v err=%v", members, err)
	}
}

func TestDeploymentRecords(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	if _, err := r.ImportFixture(ctx, []byte(fixture)); err != nil {
		t.Fatalf("import: %v", err)
	}
	recs, err := r.DeploymentRecords(ctx, "prod", "copado", []string{"US-1", "US-2"})
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(recs) != 1 || recs[0].Story != "US-1" {
		t.Fatalf("unexpected records %+v", recs)
	}
	recs, err = r.DeploymentRecords(ctx, "prod", "salesforce", []string{"US-1"})
	if err != nil || len(recs) != 0 {
		t.Fatalf("salesforce records = %+v err=%v", recs, err)
	}
}

func TestProofRunsAndEvents(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB, Now: func() time.Time { return time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC) }}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i, id := range []string{"run-1", "run-2"} {
		run := domain.ProofRun{
			ID:          id,
			Environment: "prod",
			Level:       "standard",
			Stories:     "US-1,US-3",
			Verdict:     domain.VerdictProven,
			Score:       92.5,
			ActorID:     "tester",
			CreatedAt:   time.Date(2024, 5, 3, i, 0, 0, 0, time.UTC).Format(time.RFC3339),
			ResultJSON:  `{"id":"` + id + `"}`,
		}
		if err := r.InsertProofRun(ctx, tx, run); err != nil {
			t.Fatalf("insert run: %v", err)
		}
		if err := w.Append(ctx, tx, events.ProofRecorded, "proof_run", id, "tester", events.EventPayload{"verdict": string(run.Verdict)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	run, err := r.GetProofRun(ctx, "run-1")
	if err != nil || run.ResultJSON != `{"id":"run-1"}` || run.Score != 92.5 {
		t.Fatalf("get run = %+v err=%v", run, err)
	}
	if _, err := r.GetProofRun(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	runs, err := r.ListProofRuns(ctx, repo.ProofRunFilters{Environment: "prod", Story: "US-3"})
	if err != nil || len(runs) != 2 || runs[0].ID != "run-2" {
		t.Fatalf("list runs = %+v err=%v", runs, err)
	}
	runs, err = r.ListProofRuns(ctx, repo.ProofRunFilters{Story: "US-30"})
	if err != nil || len(runs) != 0 {
		t.Fatalf("story filter must match whole names: %+v", runs)
	}

	evts, err := r.LatestEvents(ctx, repo.EventFilters{Type: events.ProofRecorded, Limit: 10})
	if err != nil || len(evts) != 2 || evts[0].EntityID != "run-2" {
		t.Fatalf("events = %+v err=%v", evts, err)
	}
	after, err := r.EventsAfter(ctx, 10, evts[1].ID)
	if err != nil || len(after) != 1 || after[0].ID != evts[0].ID {
		t.Fatalf("events after = %+v err=%v", after, err)
	}
	latest, err := r.LatestEventID(ctx)
	if err != nil || latest != evts[0].ID {
		t.Fatalf("latest id = %d err=%v", latest, err)
	}
}

func TestProofRunPagingWithinOneSecond(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	stamp := time.Date(2024, 5, 3, 12, 0, 0, 0, time.UTC).Format(time.RFC3339)
	for _, id := range []string{"run-a", "run-b", "run-c"} {
		run := domain.ProofRun{ID: id, Environment: "prod", Level: "basic", Stories: "US-1", Verdict: domain.VerdictProven, Score: 100, ActorID: "tester", CreatedAt: stamp, ResultJSON: "{}"}
		if err := r.InsertProofRun(ctx, nil, run); err != nil {
			t.Fatalf("insert run: %v", err)
		}
	}
	var seen []string
	cursor := ""
	for page := 0; page < 5; page++ {
		runs, err := r.ListProofRuns(ctx, repo.ProofRunFilters{Limit: 2, After: cursor})
		if err != nil {
			t.Fatalf("list page %d: %v", page, err)
		}
		for _, run := range runs {
			seen = append(seen, run.ID)
		}
		if len(runs) < 2 {
			break
		}
		cursor = repo.ProofRunCursor(runs[len(runs)-1])
	}
	if strings.Join(seen, ",") != "run-c,run-b,run-a" {
		t.Fatalf("paged runs = %v", seen)
	}
	if _, err := r.ListProofRuns(ctx, repo.ProofRunFilters{After: stamp}); err == nil {
		t.Fatalf("cursor without id must be rejected")
	}
}

func TestAPIKeys(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	issued := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	key, secret := repo.IssueAPIKey("ci", "pipeline", issued)
	if !strings.HasPrefix(secret, repo.APIKeyPrefix) || key.KeyHash != repo.HashAPIKey(secret) {
		t.Fatalf("issued key %+v secret %q", key, secret)
	}
	if err := r.InsertAPIKey(ctx, nil, key); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k2", ActorID: "ci", KeyHash: "plain"}); err == nil {
		t.Fatalf("unhashed key must be rejected")
	}

	used := issued.Add(time.Hour)
	got, err := r.AuthenticateAPIKey(ctx, " "+secret+" ", used)
	if err != nil || got.ActorID != "ci" || got.LastUsedAt != used.Format(time.RFC3339) {
		t.Fatalf("authenticate = %+v err=%v", got, err)
	}
	if _, err := r.AuthenticateAPIKey(ctx, "secret", used); !errors.Is(err, repo.ErrMalformedAPIKey) {
		t.Fatalf("expected malformed key, got %v", err)
	}
	if _, err := r.AuthenticateAPIKey(ctx, repo.APIKeyPrefix+"unknown", used); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	keys, err := r.ListAPIKeys(ctx, "ci")
	if err != nil || len(keys) != 1 || keys[0].LastUsedAt == "" || keys[0].Name != "pipeline" {
		t.Fatalf("list = %+v err=%v", keys, err)
	}

	if err := r.DeleteAPIKey(ctx, key.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.DeleteAPIKey(ctx, key.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

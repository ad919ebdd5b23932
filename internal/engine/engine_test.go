package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"deployproof/internal/config"
	"deployproof/internal/db"
	"deployproof/internal/domain"
	"deployproof/internal/engine"
	"deployproof/internal/events"
	"deployproof/internal/migrate"
	"deployproof/internal/repo"
	"deployproof/internal/validators"
	"deployproof/internal/vcs"
)

const fixture = `
stories:
  - name: US-1
    status: Completed
    environment: prod
    commit: abc123
    components:
      - {type: ApexClass, api_name: QuoteService}
      - {type: LightningComponentBundle, api_name: quoteEditor}
  - name: US-2
    status: Cancelled
    environment: prod
    commit: def456
    components:
      - {type: ApexClass, api_name: Legacy}
  - name: US-3
    status: Completed
    environment: prod
    commit: gone999
    components:
      - {type: ApexClass, api_name: QuoteService}
  - name: US-4
    status: Completed
    environment: prod
    commits:
      - sha: abc123
        committed_at: 2024-05-01T09:00:00Z
    components:
      - {type: ApexClass, api_name: A}
      - {type: ApexClass, api_name: B}
      - {type: ApexClass, api_name: C}
environments:
  prod:
    records:
      - object: ApexClass
        id: 01p1
        fields: {Name: QuoteService}
        last_modified: 2024-05-02T10:00:00Z
      - object: ApexClass
        id: 01p2
        fields: {Name: A}
        last_modified: 2024-05-02T10:00:00Z
      - object: LightningComponentBundle
        id: 0Rb1
        fields: {DeveloperName: quoteEditor}
        last_modified: 2024-04-01T10:00:00Z
        members:
          - path: lwc/quoteEditor/quoteEditor.js
            last_modified: 2024-05-02T11:00:00Z
`

type fakeVCS struct {
	commits map[string]vcs.Commit
}

func (f fakeVCS) GetCommit(_ context.Context, sha string) (vcs.Commit, bool, error) {
	c, ok := f.commits[sha]
	return c, ok, nil
}

func (f fakeVCS) GetDiffstat(_ context.Context, sha string) ([]vcs.FileChange, bool, error) {
	if _, ok := f.commits[sha]; !ok {
		return nil, false, nil
	}
	return []vcs.FileChange{{Path: "force-app/main/default/classes/QuoteService.cls", Status: "modified", LinesAdded: 4}}, true, nil
}

func (f fakeVCS) GetFileContent(context.Context, string, string) (string, bool, error) {
	return "", false, nil
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T, client vcs.Client) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng, err := engine.New(conn, db.DriverSQLite, config.Default(), client, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	eng.Now = func() time.Time { return time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.ImportFixture(ctx, []byte(fixture), "tester"); err != nil {
		t.Fatalf("import fixture: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func defaultVCS() vcs.Client {
	return fakeVCS{commits: map[string]vcs.Commit{
		"abc123": {Hash: "abc123", Author: "ana", Date: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), Message: "US-1"},
	}}
}

func checkCounts(t *testing.T, res domain.ProofResult) {
	t.Helper()
	if res.Report.Counts.Total() != res.Report.Executed {
		t.Fatalf("counts %+v do not sum to executed %d", res.Report.Counts, res.Report.Executed)
	}
	if res.Report.Executed > len(res.Report.Planned) {
		t.Fatalf("executed %d > planned %d", res.Report.Executed, len(res.Report.Planned))
	}
	keys := map[string]bool{}
	for _, c := range res.Components {
		if keys[c.Key()] {
			t.Fatalf("component %s duplicated", c.Key())
		}
		keys[c.Key()] = true
	}
	for _, p := range res.ComponentProofs {
		if !keys[p.Component.Key()] {
			t.Fatalf("proof for unknown component %s", p.Component.Key())
		}
	}
}

func TestProveStandardLevel(t *testing.T) {
	env := newTestEnv(t, defaultVCS())
	res, err := env.Engine.ProveDeployment(env.Ctx, engine.ProveRequest{
		Stories:          []string{"US-1"},
		Environment:      "prod",
		Branch:           "main",
		ValidateStoryEnv: true,
		Level:            "standard",
	})
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	checkCounts(t, res)
	if res.Overall.Verdict != domain.VerdictProven || res.Overall.Score != 100 {
		t.Fatalf("unexpected overall %+v outcomes %+v", res.Overall, res.Report.Outcomes)
	}
	if len(res.ComponentProofs) != 2 {
		t.Fatalf("expected 2 component proofs, got %d", len(res.ComponentProofs))
	}
	for _, p := range res.ComponentProofs {
		if !p.Proven || p.Score != 100 || p.Confidence != domain.ConfidenceVeryHigh {
			t.Fatalf("unexpected proof %+v", p)
		}
	}
	if len(res.Commits) != 1 || res.Commits[0] != "abc123" {
		t.Fatalf("unexpected commits %v", res.Commits)
	}
}

func TestProveCancelledStoryIsError(t *testing.T) {
	env := newTestEnv(t, defaultVCS())
	res, err := env.Engine.ProveDeployment(env.Ctx, engine.ProveRequest{Stories: []string{"US-2"}, Environment: "prod", Level: "standard"})
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	if res.Overall.Verdict != domain.VerdictError {
		t.Fatalf("expected ERROR, got %s", res.Overall.Verdict)
	}
	if len(res.ComponentProofs) != 0 || res.Report.Executed != 0 {
		t.Fatalf("no validator may run: %+v", res.Report)
	}
	if len(res.InvalidStories) != 1 || res.InvalidStories[0].Reason != "invalid_status" {
		t.Fatalf("unexpected invalid stories %+v", res.InvalidStories)
	}
	if res.Message == "" {
		t.Fatalf("error result needs a message")
	}
}

func TestProveEnvironmentMismatchAndNotFound(t *testing.T) {
	env := newTestEnv(t, defaultVCS())
	res, err := env.Engine.ProveDeployment(env.Ctx, engine.ProveRequest{Stories: []string{"US-1", "US-404"}, Environment: "PROD", ValidateStoryEnv: true})
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	if res.Overall.Verdict != domain.VerdictError || len(res.InvalidStories) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.InvalidStories[0].Reason != "environment_mismatch" || res.InvalidStories[1].Reason != "not_found" {
		t.Fatalf("unexpected reasons %+v", res.InvalidStories)
	}
}

func TestProveBasicRunsOneValidator(t *testing.T) {
	env := newTestEnv(t, defaultVCS())
	res, err := env.Engine.ProveDeployment(env.Ctx, engine.ProveRequest{Stories: []string{"US-4"}, Environment: "prod", Level: "basic"})
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	checkCounts(t, res)
	if res.Report.Executed != 1 || res.Report.Outcomes[0].Validator != validators.ComponentExists {
		t.Fatalf("unexpected report %+v", res.Report)
	}
	if res.Report.Outcomes[0].Status != domain.StatusWarning {
		t.Fatalf("1 of 3 found should warn, got %s", res.Report.Outcomes[0].Status)
	}
	// the story had no commit on record; the latest commit is looked up
	if len(res.Commits) != 1 || res.Commits[0] != "abc123" {
		t.Fatalf("expected latest commit fill-in, got %v", res.Commits)
	}
}

func TestProveMissingCommitForcesUnproven(t *testing.T) {
	env := newTestEnv(t, defaultVCS())
	res, err := env.Engine.ProveDeployment(env.Ctx, engine.ProveRequest{Stories: []string{"US-3"}, Environment: "prod", Level: "high"})
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	checkCounts(t, res)
	o, ok := res.Report.Outcome(validators.CommitExists)
	if !ok || o.Status != domain.StatusFailed {
		t.Fatalf("commit_exists should fail: %+v", o)
	}
	if res.Overall.Verdict != domain.VerdictUnproven || res.Overall.Score != 0 {
		t.Fatalf("critical override not applied: %+v", res.Overall)
	}
	for _, p := range res.ComponentProofs {
		if p.Proven || p.Confidence != domain.ConfidenceVeryLow {
			t.Fatalf("component proof contradicts override: %+v", p)
		}
	}
}

func TestProveWithoutVCSReportsNoAccess(t *testing.T) {
	env := newTestEnv(t, nil)
	res, err := env.Engine.ProveDeployment(env.Ctx, engine.ProveRequest{Stories: []string{"US-1"}, Environment: "prod", Level: "standard"})
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	checkCounts(t, res)
	if res.Report.Counts.NoAccess != 2 {
		t.Fatalf("commit_exists and component_timestamp need vcs: %+v", res.Report.Counts)
	}
	if res.Overall.Verdict != domain.VerdictPossiblyProven || res.Overall.Score != 50 {
		t.Fatalf("validators without access must dilute the score: %+v", res.Overall)
	}
	for _, p := range res.ComponentProofs {
		if p.Proven {
			t.Fatalf("component proven without commit evidence: %+v", p)
		}
	}
}

func TestProveInvalidInput(t *testing.T) {
	env := newTestEnv(t, defaultVCS())
	if _, err := env.Engine.ProveDeployment(env.Ctx, engine.ProveRequest{Environment: "prod"}); !errors.Is(err, engine.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if _, err := env.Engine.ProveDeployment(env.Ctx, engine.ProveRequest{Stories: []string{"US-1"}}); !errors.Is(err, engine.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	_, err := env.Engine.ProveDeployment(env.Ctx, engine.ProveRequest{Stories: []string{"US-1"}, Environment: "prod", Level: "extreme"})
	if !errors.Is(err, engine.ErrInvalidRequest) || !errors.Is(err, validators.ErrUnknownLevel) {
		t.Fatalf("expected unknown level, got %v", err)
	}
}

type slowStories struct{}

func (slowStories) StoriesByName(ctx context.Context, _ []string) ([]domain.Story, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (slowStories) LatestCommit(context.Context, string) (string, bool, error) {
	return "", false, nil
}

func TestProveDeadlineReturnsError(t *testing.T) {
	env := newTestEnv(t, defaultVCS())
	eng := env.Engine
	eng.Stories = slowStories{}
	ctx, cancel := context.WithTimeout(env.Ctx, 10*time.Millisecond)
	defer cancel()
	res, err := eng.ProveDeployment(ctx, engine.ProveRequest{Stories: []string{"US-1"}, Environment: "prod"})
	if err != nil {
		t.Fatalf("deadline must not surface as error: %v", err)
	}
	if res.Overall.Verdict != domain.VerdictError || len(res.ComponentProofs) != 0 {
		t.Fatalf("expected ERROR shape, got %+v", res.Overall)
	}
}

func TestRecordStoresRunAndEvent(t *testing.T) {
	env := newTestEnv(t, defaultVCS())
	res, err := env.Engine.ProveDeployment(env.Ctx, engine.ProveRequest{Stories: []string{"US-1", "US-2"}, Environment: "prod"})
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	run, err := env.Engine.Record(env.Ctx, res, "ci")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if run.Stories != "US-1,US-2" || run.Verdict != res.Overall.Verdict {
		t.Fatalf("unexpected run %+v", run)
	}
	_, loaded, err := env.Engine.LoadResult(env.Ctx, res.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Overall != res.Overall || len(loaded.ComponentProofs) != len(res.ComponentProofs) {
		t.Fatalf("round trip mismatch: %+v vs %+v", loaded.Overall, res.Overall)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: events.ProofRecorded})
	if err != nil || len(evts) != 1 || evts[0].EntityID != res.ID || evts[0].ActorID != "ci" {
		t.Fatalf("events = %+v err=%v", evts, err)
	}
}

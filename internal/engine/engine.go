package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"deployproof/internal/config"
	"deployproof/internal/domain"
	"deployproof/internal/events"
	"deployproof/internal/proof"
	"deployproof/internal/repo"
	"deployproof/internal/resolver"
	"deployproof/internal/screen"
	"deployproof/internal/validators"
	"deployproof/internal/vcs"
)

// ErrInvalidRequest marks input errors; every other outcome is a result.
var ErrInvalidRequest = errors.New("invalid proof request")

// StoryStore is the metadata source of stories and their commits.
type StoryStore interface {
	StoriesByName(ctx context.Context, names []string) ([]domain.Story, error)
	LatestCommit(ctx context.Context, story string) (string, bool, error)
}

type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Config      *config.Config
	Stories     StoryStore
	Resolver    *resolver.Resolver
	Executor    validators.Executor
	VCS         vcs.Client
	Deployments validators.DeploymentSource
	Critical    []string
	Log         *zap.Logger
	Now         func() time.Time
}

// New wires an engine on the SQL store. client may be nil, in which case
// validators needing version control report no_access.
func New(conn *sql.DB, dialect string, cfg *config.Config, client vcs.Client, log *zap.Logger) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := repo.Repo{DB: conn, Dialect: dialect}

	vcfg, fallback := config.NewValidatorConfig(&cfg.Validation)
	if fallback {
		log.Warn("validation levels not configured, using built-in table")
	}
	types, fallback := config.NewComponentQueryConfig(cfg.Components)
	if fallback {
		log.Warn("component query types not configured, using built-in table")
	}
	res, err := resolver.New(r, types, cfg.ResolverSettings(), log.Named("resolver"))
	if err != nil {
		return Engine{}, err
	}
	registry, err := validators.Default(vcfg, cfg.Mappings())
	if err != nil {
		return Engine{}, err
	}
	access := validators.NewAccessSet(cfg.GrantedAccess()...)
	if client == nil {
		access.Revoke("vcs")
	}
	e := Engine{
		DB:          conn,
		Repo:        r,
		Events:      events.Writer{DB: conn, Dialect: dialect},
		Config:      cfg,
		Stories:     r,
		Resolver:    res,
		VCS:         client,
		Deployments: r,
		Critical:    vcfg.Critical,
		Log:         log,
		Now:         time.Now,
		Executor: validators.Executor{
			Registry: registry,
			Config:   vcfg,
			Access:   access,
			Log:      log.Named("validators"),
		},
	}
	return e, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

type ProveRequest struct {
	Stories          []string
	Environment      string
	Branch           string
	ValidateStoryEnv bool
	Level            string
}

func (req ProveRequest) names() []string {
	var out []string
	for _, s := range req.Stories {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ProveDeployment screens the stories, resolves their components in the
// target environment once, runs the level's validators and scores the
// evidence. Only invalid input is returned as an error.
func (e Engine) ProveDeployment(ctx context.Context, req ProveRequest) (domain.ProofResult, error) {
	names := req.names()
	if len(names) == 0 {
		return domain.ProofResult{}, fmt.Errorf("%w: at least one story is required", ErrInvalidRequest)
	}
	env := strings.TrimSpace(req.Environment)
	if env == "" {
		return domain.ProofResult{}, fmt.Errorf("%w: environment is required", ErrInvalidRequest)
	}
	level := strings.TrimSpace(req.Level)
	if level == "" {
		level = e.Executor.Config.DefaultLevel
	}
	planned, err := e.Executor.Plan(level)
	if err != nil {
		return domain.ProofResult{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if e.Stories == nil || e.Resolver == nil {
		return domain.ProofResult{}, errors.New("engine not configured")
	}

	if timeout := e.Config.RequestTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := e.now()
	res := domain.ProofResult{
		ID:              uuid.NewString(),
		Environment:     env,
		Branch:          req.Branch,
		Level:           level,
		ValidStories:    []domain.Story{},
		InvalidStories:  []domain.InvalidStory{},
		Commits:         []string{},
		Components:      []domain.Component{},
		ComponentProofs: []domain.ComponentProof{},
		Report:          domain.ExecutionReport{Level: level, Planned: planned, Outcomes: []domain.ValidatorOutcome{}},
		GeneratedAt:     started.UTC().Format(time.RFC3339),
	}
	log := e.log().With(zap.String("proof_id", res.ID), zap.String("environment", env), zap.String("level", level))

	found, err := e.Stories.StoriesByName(ctx, names)
	if err != nil {
		return e.fail(res, started, fmt.Sprintf("story lookup failed: %v", err), log), nil
	}
	checked := screen.Screen(names, found, env, req.ValidateStoryEnv, screen.NewStatusSet(e.Config.InvalidStatuses()))
	res.InvalidStories = append(res.InvalidStories, checked.Invalid...)
	if len(checked.Valid) == 0 {
		return e.fail(res, started, "no valid stories to prove", log), nil
	}
	valid, err := e.withCommits(ctx, checked.Valid)
	if err != nil {
		return e.fail(res, started, fmt.Sprintf("commit lookup failed: %v", err), log), nil
	}
	res.ValidStories = valid

	components := screen.Components(valid)
	commits, byComponent := screen.Commits(valid)
	res.Commits = append(res.Commits, commits...)
	res.Components = append(res.Components, components...)
	if len(components) == 0 {
		return e.fail(res, started, "valid stories carry no components", log), nil
	}
	proofs := proof.Initial(components)

	snap, err := e.Resolver.Resolve(ctx, env, components)
	if err != nil {
		return e.fail(res, started, fmt.Sprintf("production lookup aborted: %v", err), log), nil
	}
	storyNames := make([]string, len(valid))
	for i, s := range valid {
		storyNames[i] = s.Name
	}
	vc := &validators.Context{
		Environment:      env,
		Branch:           req.Branch,
		Commits:          commits,
		Stories:          storyNames,
		ComponentCommits: byComponent,
		Snapshot:         snap,
		VCS:              e.VCS,
		Deployments:      e.Deployments,
	}
	report, err := e.Executor.Execute(ctx, level, components, vc)
	if err != nil {
		return e.fail(res, started, fmt.Sprintf("validation aborted: %v", err), log), nil
	}
	res.Report = report
	res.Overall = proof.Aggregate(report, e.Critical)
	res.ComponentProofs = proof.Synthesize(proofs, report, e.Critical)
	res.Elapsed = e.now().Sub(started)
	res.ElapsedMS = res.Elapsed.Milliseconds()
	log.Info("deployment proof computed",
		zap.String("verdict", string(res.Overall.Verdict)),
		zap.Float64("score", res.Overall.Score),
		zap.Int("stories", len(valid)),
		zap.Int("components", len(components)),
		zap.Int("validators", report.Executed),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

// withCommits fills missing story commits from the commit history. The
// input stories are not modified.
func (e Engine) withCommits(ctx context.Context, stories []domain.Story) ([]domain.Story, error) {
	out := make([]domain.Story, len(stories))
	for i, s := range stories {
		out[i] = s
		if s.Commit() != "" {
			continue
		}
		sha, ok, err := e.Stories.LatestCommit(ctx, s.Name)
		if err != nil {
			return nil, fmt.Errorf("story %s: %w", s.Name, err)
		}
		if ok && sha != "" {
			out[i].CommitSHA = &sha
		}
	}
	return out, nil
}

// fail returns the ERROR shape: no component proofs and no partial scores.
func (e Engine) fail(res domain.ProofResult, started time.Time, msg string, log *zap.Logger) domain.ProofResult {
	res.Overall = domain.OverallProof{Score: 0, Confidence: domain.ConfidenceUnknown, Verdict: domain.VerdictError}
	res.ComponentProofs = []domain.ComponentProof{}
	res.Report.Outcomes = []domain.ValidatorOutcome{}
	res.Report.Counts = domain.StatusCounts{}
	res.Report.Executed = 0
	res.Message = msg
	res.Elapsed = e.now().Sub(started)
	res.ElapsedMS = res.Elapsed.Milliseconds()
	log.Warn("deployment proof failed", zap.String("reason", msg))
	return res
}

// Record stores a proof result in the run history and appends a
// proof.recorded event in the same transaction.
func (e Engine) Record(ctx context.Context, res domain.ProofResult, actorID string) (domain.ProofRun, error) {
	if res.ID == "" {
		return domain.ProofRun{}, fmt.Errorf("%w: result has no id", ErrInvalidRequest)
	}
	if actorID == "" {
		actorID = "local"
	}
	body, err := json.Marshal(res)
	if err != nil {
		return domain.ProofRun{}, fmt.Errorf("marshal result: %w", err)
	}
	stories := make([]string, 0, len(res.ValidStories)+len(res.InvalidStories))
	for _, s := range res.ValidStories {
		stories = append(stories, s.Name)
	}
	for _, s := range res.InvalidStories {
		stories = append(stories, s.Story)
	}
	run := domain.ProofRun{
		ID:          res.ID,
		Environment: res.Environment,
		Branch:      res.Branch,
		Level:       res.Level,
		Stories:     strings.Join(stories, ","),
		Verdict:     res.Overall.Verdict,
		Score:       res.Overall.Score,
		ActorID:     actorID,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
		ResultJSON:  string(body),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProofRun{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProofRun(ctx, tx, run); err != nil {
		return domain.ProofRun{}, fmt.Errorf("insert proof run: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ProofRecorded, "proof_run", run.ID, actorID, events.EventPayload{
		"environment": run.Environment,
		"level":       run.Level,
		"stories":     stories,
		"verdict":     string(run.Verdict),
		"score":       run.Score,
	}); err != nil {
		return domain.ProofRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProofRun{}, err
	}
	return run, nil
}

// LoadResult decodes the stored result of a recorded run.
func (e Engine) LoadResult(ctx context.Context, id string) (domain.ProofRun, domain.ProofResult, error) {
	run, err := e.Repo.GetProofRun(ctx, id)
	if err != nil {
		return domain.ProofRun{}, domain.ProofResult{}, err
	}
	var res domain.ProofResult
	if err := json.Unmarshal([]byte(run.ResultJSON), &res); err != nil {
		return run, res, fmt.Errorf("decode proof %s: %w", id, err)
	}
	return run, res, nil
}

// ImportFixture loads stories and environment state and logs the import.
func (e Engine) ImportFixture(ctx context.Context, data []byte, actorID string) (repo.ImportSummary, error) {
	sum, err := e.Repo.ImportFixture(ctx, data)
	if err != nil {
		return sum, err
	}
	if actorID == "" {
		actorID = "local"
	}
	if err := e.Events.Append(ctx, nil, events.FixtureImported, "fixture", "", actorID, events.EventPayload{
		"stories":     sum.Stories,
		"records":     sum.Records,
		"members":     sum.Members,
		"deployments": sum.Deployments,
	}); err != nil {
		return sum, err
	}
	return sum, nil
}

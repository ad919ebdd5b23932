// Package validators holds the named checks run against a request's
// components and the executor that runs them for a validation level.
package validators

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"deployproof/internal/domain"
	"deployproof/internal/resolver"
	"deployproof/internal/vcs"
)

// Validator is one independent check. Run returns an error only for
// unexpected failures; expected negative evidence is a status.
type Validator interface {
	Name() string
	Run(ctx context.Context, components []domain.Component, vc *Context) (Result, error)
}

type Result struct {
	Status  domain.ValidatorStatus
	Details map[string]any
	Notes   []string
}

// DeploymentSource returns deployment audit records that reference stories.
type DeploymentSource interface {
	DeploymentRecords(ctx context.Context, env, source string, stories []string) ([]domain.DeploymentRecord, error)
}

// Context is the per-request validation context. The snapshot is fetched
// once before any validator runs and is never mutated.
type Context struct {
	Environment      string
	Branch           string
	Commits          []string
	Stories          []string
	ComponentCommits map[string][]string
	Snapshot         *resolver.Snapshot

	VCS         vcs.Client
	Deployments DeploymentSource

	mu      sync.Mutex
	commits map[string]commitLookup
}

type commitLookup struct {
	commit vcs.Commit
	found  bool
}

// Commit looks up a commit once per request. Lookup errors are not memoized.
func (c *Context) Commit(ctx context.Context, sha string) (vcs.Commit, bool, error) {
	c.mu.Lock()
	if hit, ok := c.commits[sha]; ok {
		c.mu.Unlock()
		return hit.commit, hit.found, nil
	}
	c.mu.Unlock()
	if c.VCS == nil {
		return vcs.Commit{}, false, fmt.Errorf("no version control client configured")
	}
	commit, found, err := c.VCS.GetCommit(ctx, sha)
	if err != nil {
		return vcs.Commit{}, false, fmt.Errorf("commit %s: %w", sha, err)
	}
	c.mu.Lock()
	if c.commits == nil {
		c.commits = map[string]commitLookup{}
	}
	c.commits[sha] = commitLookup{commit: commit, found: found}
	c.mu.Unlock()
	return commit, found, nil
}

// NewestCommitDate returns the latest authored date among shas that exist.
func (c *Context) NewestCommitDate(ctx context.Context, shas []string) (time.Time, bool, error) {
	var newest time.Time
	found := false
	for _, sha := range shas {
		commit, ok, err := c.Commit(ctx, sha)
		if err != nil {
			return time.Time{}, false, err
		}
		if !ok || commit.Date.IsZero() {
			continue
		}
		if !found || commit.Date.After(newest) {
			newest = commit.Date
			found = true
		}
	}
	return newest, found, nil
}

// Registry holds validators by name in registration order.
type Registry struct {
	order  []string
	byName map[string]Validator
}

func NewRegistry() *Registry {
	return &Registry{byName: map[string]Validator{}}
}

func (r *Registry) Register(v Validator) error {
	if v == nil || v.Name() == "" {
		return fmt.Errorf("validator name is required")
	}
	if _, exists := r.byName[v.Name()]; exists {
		return fmt.Errorf("validator %s already registered", v.Name())
	}
	r.byName[v.Name()] = v
	r.order = append(r.order, v.Name())
	return nil
}

func (r *Registry) MustRegister(v Validator) {
	if err := r.Register(v); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(name string) (Validator, bool) {
	v, ok := r.byName[name]
	return v, ok
}

func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// AccessSet is the set of capabilities granted to the current session.
type AccessSet map[string]bool

func NewAccessSet(granted ...string) AccessSet {
	set := AccessSet{}
	for _, g := range granted {
		set[g] = true
	}
	return set
}

// Revoke removes capabilities whose backing client is unavailable.
func (a AccessSet) Revoke(names ...string) {
	for _, n := range names {
		delete(a, n)
	}
}

// Missing returns the required capabilities not granted, sorted.
func (a AccessSet) Missing(required []string) []string {
	var missing []string
	for _, r := range required {
		if !a[r] {
			missing = append(missing, r)
		}
	}
	sort.Strings(missing)
	return missing
}

func details(kv ...any) map[string]any {
	out := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i].(string)] = kv[i+1]
	}
	return out
}

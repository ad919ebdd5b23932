// Package resolver fetches the production state of a set of components with
// batched, bounded-concurrency queries and matches it back to the components.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"deployproof/internal/config"
	"deployproof/internal/domain"
)

// Querier is the metadata-record query client.
type Querier interface {
	Query(ctx context.Context, q domain.RecordQuery) ([]domain.EnvironmentRecord, error)
	BundleMembers(ctx context.Context, env, object, bundleID string) ([]domain.BundleMember, error)
}

type Resolver struct {
	querier Querier
	types   config.ComponentQueryConfig
	limits  config.ResolverConfig
	cleaner *Cleaner
	log     *zap.Logger
}

func New(q Querier, types config.ComponentQueryConfig, limits config.ResolverConfig, log *zap.Logger) (*Resolver, error) {
	if q == nil {
		return nil, errors.New("resolver: querier is required")
	}
	cleaner, err := NewCleaner(types)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	if limits.MaxConcurrency <= 0 {
		limits.MaxConcurrency = 1
	}
	if limits.BatchSize <= 0 {
		limits.BatchSize = 100
	}
	return &Resolver{querier: q, types: types, limits: limits, cleaner: cleaner, log: log}, nil
}

// Cleaner exposes the compiled name cleaning rules.
func (r *Resolver) Cleaner() *Cleaner { return r.cleaner }

type member struct {
	component domain.Component
	clean     string
}

// group is one logical batched lookup.
type group struct {
	strategy string
	object   string
	field    string
	values   []string
	members  []member
	rows     []domain.EnvironmentRecord
	failed   bool
}

func (g *group) name() string {
	return g.strategy + ":" + g.object + "." + g.field
}

// Resolve fetches every component's environment record. Components without a
// match are absent from the snapshot. A failed group is logged and yields no
// records; only cancellation of ctx aborts the whole resolution.
func (r *Resolver) Resolve(ctx context.Context, env string, components []domain.Component) (*Snapshot, error) {
	snap := newSnapshot(env, r.cleaner)
	groups := r.partition(components, snap)

	var g errgroup.Group
	g.SetLimit(r.limits.MaxConcurrency)
	for _, grp := range groups {
		grp := grp
		g.Go(func() error {
			rows, err := r.queryGroup(ctx, env, grp)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.log.Warn("production query failed",
					zap.String("group", grp.name()),
					zap.Int("values", len(grp.values)),
					zap.Error(err))
				grp.failed = true
				return nil
			}
			grp.rows = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := r.resolveBundles(ctx, env, groups); err != nil {
		return nil, err
	}

	found := map[string]domain.ProductionRecord{}
	for _, grp := range groups {
		if grp.failed {
			snap.FailedGroups = append(snap.FailedGroups, grp.name())
			continue
		}
		for _, row := range grp.rows {
			rec := domain.ProductionRecord{
				Strategy:       grp.strategy,
				Object:         grp.object,
				MatchField:     grp.field,
				MatchValue:     row.Fields[grp.field],
				RecordID:       row.ID,
				LastModified:   row.LastModified,
				LastModifiedBy: row.LastModifiedBy,
			}
			for _, m := range grp.members {
				if strings.EqualFold(m.clean, rec.MatchValue) {
					snap.index(m.component.Type, rec)
				}
			}
		}
		for _, m := range grp.members {
			if rec, ok := snap.Match(m.component); ok {
				found[m.component.Key()] = rec
			}
		}
	}
	for _, c := range components {
		if rec, ok := found[c.Key()]; ok {
			snap.records = append(snap.records, rec)
			delete(found, c.Key())
		}
	}
	r.log.Debug("production snapshot resolved",
		zap.String("environment", env),
		zap.Int("components", len(components)),
		zap.Int("found", snap.Len()),
		zap.Int("dropped", len(snap.Dropped)),
		zap.Int("groups", len(groups)))
	return snap, nil
}

// partition assigns each unique component to its query group. Unconfigured
// types are recorded as dropped.
func (r *Resolver) partition(components []domain.Component, snap *Snapshot) []*group {
	byKey := map[string]*group{}
	var order []string
	seen := map[string]bool{}
	for _, c := range components {
		if seen[c.Key()] {
			continue
		}
		seen[c.Key()] = true
		q, ok := r.types.Lookup(c.Type)
		if !ok {
			r.log.Warn("component type not configured for production lookup",
				zap.String("type", c.Type),
				zap.String("component", c.APIName))
			snap.Dropped = append(snap.Dropped, c)
			continue
		}
		clean := r.cleaner.Clean(c)
		if clean == "" {
			snap.Dropped = append(snap.Dropped, c)
			continue
		}
		key := q.Strategy + "|" + q.Object + "|" + q.Field()
		grp, ok := byKey[key]
		if !ok {
			grp = &group{strategy: q.Strategy, object: q.Object, field: q.Field()}
			byKey[key] = grp
			order = append(order, key)
		}
		if !containsFold(grp.values, clean) {
			grp.values = append(grp.values, clean)
		}
		grp.members = append(grp.members, member{component: c, clean: clean})
	}
	sort.Strings(order)
	groups := make([]*group, 0, len(order))
	for _, k := range order {
		groups = append(groups, byKey[k])
	}
	return groups
}

func (r *Resolver) queryGroup(ctx context.Context, env string, grp *group) ([]domain.EnvironmentRecord, error) {
	var rows []domain.EnvironmentRecord
	for start := 0; start < len(grp.values); start += r.limits.BatchSize {
		end := start + r.limits.BatchSize
		if end > len(grp.values) {
			end = len(grp.values)
		}
		chunk, err := r.query(ctx, domain.RecordQuery{
			Environment: env,
			Strategy:    grp.strategy,
			Object:      grp.object,
			Field:       grp.field,
			Values:      grp.values[start:end],
		})
		if err != nil {
			return nil, err
		}
		rows = append(rows, chunk...)
	}
	return rows, nil
}

func (r *Resolver) query(ctx context.Context, q domain.RecordQuery) ([]domain.EnvironmentRecord, error) {
	if r.limits.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.limits.QueryTimeout)
		defer cancel()
	}
	rows, err := r.querier.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query %s.%s: %w", q.Object, q.Field, err)
	}
	return rows, nil
}

// resolveBundles replaces each bundle row's modification time with the newest
// member file time. Member lookups fan out under the same concurrency limit.
func (r *Resolver) resolveBundles(ctx context.Context, env string, groups []*group) error {
	var g errgroup.Group
	g.SetLimit(r.limits.MaxConcurrency)
	for _, grp := range groups {
		if grp.strategy != config.StrategyBundle || grp.failed {
			continue
		}
		grp := grp
		for i := range grp.rows {
			i := i
			g.Go(func() error {
				row := &grp.rows[i]
				mctx := ctx
				if r.limits.QueryTimeout > 0 {
					var cancel context.CancelFunc
					mctx, cancel = context.WithTimeout(ctx, r.limits.QueryTimeout)
					defer cancel()
				}
				members, err := r.querier.BundleMembers(mctx, env, grp.object, row.ID)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					r.log.Warn("bundle member lookup failed",
						zap.String("object", grp.object),
						zap.String("bundle", row.ID),
						zap.Error(err))
					return nil
				}
				latest, by := newestMember(members)
				if latest.After(row.LastModified) {
					row.LastModified = latest
					row.LastModifiedBy = by
				}
				return nil
			})
		}
	}
	return g.Wait()
}

func newestMember(members []domain.BundleMember) (time.Time, string) {
	var latest time.Time
	var by string
	for _, m := range members {
		if m.LastModified.After(latest) {
			latest = m.LastModified
			by = m.LastModifiedBy
		}
	}
	return latest, by
}

func containsFold(list []string, v string) bool {
	for _, x := range list {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}

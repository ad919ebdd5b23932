package resolver

import (
	"strings"

	"deployproof/internal/domain"
)

// Snapshot is the production state fetched once per request. It is read-only
// after Resolve returns and safe for concurrent readers.
type Snapshot struct {
	Environment string
	// Dropped lists components whose type is unconfigured or disabled.
	Dropped []domain.Component
	// FailedGroups names query groups whose lookup failed.
	FailedGroups []string

	cleaner *Cleaner
	byType  map[string]map[string]domain.ProductionRecord
	records []domain.ProductionRecord
}

func newSnapshot(env string, cleaner *Cleaner) *Snapshot {
	return &Snapshot{
		Environment: env,
		cleaner:     cleaner,
		byType:      map[string]map[string]domain.ProductionRecord{},
	}
}

func (s *Snapshot) index(componentType string, rec domain.ProductionRecord) {
	m := s.byType[componentType]
	if m == nil {
		m = map[string]domain.ProductionRecord{}
		s.byType[componentType] = m
	}
	key := strings.ToLower(rec.MatchValue)
	if prev, ok := m[key]; ok && !rec.LastModified.After(prev.LastModified) {
		return
	}
	m[key] = rec
}

// Match cleans the component name and returns the same-type record whose
// comparison field matches case-insensitively.
func (s *Snapshot) Match(c domain.Component) (domain.ProductionRecord, bool) {
	if s == nil {
		return domain.ProductionRecord{}, false
	}
	clean := s.cleaner.Clean(c)
	rec, ok := s.byType[c.Type][strings.ToLower(clean)]
	if !ok {
		return domain.ProductionRecord{}, false
	}
	rec.Type = c.Type
	rec.APIName = c.APIName
	rec.CleanName = clean
	return rec, true
}

// Records returns one record per found component in request order.
func (s *Snapshot) Records() []domain.ProductionRecord {
	if s == nil {
		return nil
	}
	out := make([]domain.ProductionRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Len is the number of components found.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.records)
}

// NewStaticSnapshot builds a snapshot from already-matched records.
func NewStaticSnapshot(env string, cleaner *Cleaner, records []domain.ProductionRecord) *Snapshot {
	s := newSnapshot(env, cleaner)
	for _, r := range records {
		s.index(r.Type, r)
		s.records = append(s.records, r)
	}
	return s
}

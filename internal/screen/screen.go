// Package screen classifies candidate stories before any component is proven.
package screen

import (
	"fmt"
	"strings"

	"deployproof/internal/domain"
)

const (
	ReasonInvalidStatus       = "invalid_status"
	ReasonEnvironmentMismatch = "environment_mismatch"
	ReasonNotFound            = "not_found"
)

// StatusSet is the set of story statuses that are never eligible.
type StatusSet map[string]struct{}

func NewStatusSet(statuses []string) StatusSet {
	set := make(StatusSet, len(statuses))
	for _, s := range statuses {
		set[strings.TrimSpace(s)] = struct{}{}
	}
	return set
}

func (s StatusSet) Has(status string) bool {
	_, ok := s[strings.TrimSpace(status)]
	return ok
}

type Result struct {
	Valid   []domain.Story
	Invalid []domain.InvalidStory
}

// Screen splits the requested stories into valid and invalid ones. Requested
// names without a metadata record are reported as not_found. Output order
// follows the request order; duplicate names are screened once.
func Screen(requested []string, found []domain.Story, targetEnv string, checkEnv bool, invalid StatusSet) Result {
	byName := make(map[string]domain.Story, len(found))
	for _, s := range found {
		if _, ok := byName[s.Name]; !ok {
			byName[s.Name] = s
		}
	}
	var res Result
	seen := make(map[string]bool, len(requested))
	for _, name := range requested {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		story, ok := byName[name]
		if !ok {
			res.Invalid = append(res.Invalid, domain.InvalidStory{Story: name, Reason: ReasonNotFound, Detail: "no story record"})
			continue
		}
		if invalid.Has(story.Status) {
			res.Invalid = append(res.Invalid, domain.InvalidStory{
				Story:  name,
				Reason: ReasonInvalidStatus,
				Detail: fmt.Sprintf("status %q", story.Status),
			})
			continue
		}
		// exact comparison: "UAT" and "uat" are different environments
		if checkEnv && story.Environment != targetEnv {
			res.Invalid = append(res.Invalid, domain.InvalidStory{
				Story:  name,
				Reason: ReasonEnvironmentMismatch,
				Detail: fmt.Sprintf("story environment %q, target %q", story.Environment, targetEnv),
			})
			continue
		}
		res.Valid = append(res.Valid, story)
	}
	return res
}

// Components returns the unique components of the stories, keyed by
// (type, api name), in first-seen order.
func Components(stories []domain.Story) []domain.Component {
	seen := map[string]bool{}
	var out []domain.Component
	for _, s := range stories {
		for _, c := range s.Components {
			if seen[c.Key()] {
				continue
			}
			seen[c.Key()] = true
			out = append(out, c)
		}
	}
	return out
}

// Commits returns the distinct commit identifiers of the stories and, per
// component key, the commits of every story that touched it.
func Commits(stories []domain.Story) ([]string, map[string][]string) {
	var commits []string
	seen := map[string]bool{}
	byComponent := map[string][]string{}
	for _, s := range stories {
		sha := s.Commit()
		if sha == "" {
			continue
		}
		if !seen[sha] {
			seen[sha] = true
			commits = append(commits, sha)
		}
		for _, c := range s.Components {
			if !contains(byComponent[c.Key()], sha) {
				byComponent[c.Key()] = append(byComponent[c.Key()], sha)
			}
		}
	}
	return commits, byComponent
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

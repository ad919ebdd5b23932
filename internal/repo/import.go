package repo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"deployproof/internal/domain"
)

// Fixture is the YAML layout accepted by ImportFixture: stories with their
// components and commits, plus per-environment records and audit entries.
type Fixture struct {
	Stories      []FixtureStory                `yaml:"stories"`
	Environments map[string]FixtureEnvironment `yaml:"environments"`
}

type FixtureStory struct {
	Name        string             `yaml:"name"`
	Title       string             `yaml:"title"`
	Status      string             `yaml:"status"`
	Environment string             `yaml:"environment"`
	Developer   string             `yaml:"developer"`
	Release     string             `yaml:"release"`
	Commit      string             `yaml:"commit"`
	Commits     []FixtureCommit    `yaml:"commits"`
	Components  []domain.Component `yaml:"components"`
}

type FixtureCommit struct {
	SHA         string    `yaml:"sha"`
	CommittedAt time.Time `yaml:"committed_at"`
}

type FixtureEnvironment struct {
	Records     []FixtureRecord     `yaml:"records"`
	Deployments []FixtureDeployment `yaml:"deployments"`
}

type FixtureRecord struct {
	Object         string            `yaml:"object"`
	ID             string            `yaml:"id"`
	Fields         map[string]string `yaml:"fields"`
	LastModified   time.Time         `yaml:"last_modified"`
	LastModifiedBy string            `yaml:"last_modified_by"`
	Members        []FixtureMember   `yaml:"members"`
}

type FixtureMember struct {
	Path           string    `yaml:"path"`
	LastModified   time.Time `yaml:"last_modified"`
	LastModifiedBy string    `yaml:"last_modified_by"`
}

type FixtureDeployment struct {
	ID          string `yaml:"id"`
	Source      string `yaml:"source"`
	Story       string `yaml:"story"`
	Status      string `yaml:"status"`
	CompletedAt string `yaml:"completed_at"`
}

type ImportSummary struct {
	Stories     int `json:"stories"`
	Records     int `json:"records"`
	Members     int `json:"members"`
	Deployments int `json:"deployments"`
}

// ParseFixture decodes and checks a fixture document.
func ParseFixture(data []byte) (Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse fixture: %w", err)
	}
	for i, s := range f.Stories {
		if strings.TrimSpace(s.Name) == "" {
			return f, fmt.Errorf("stories[%d]: name required", i)
		}
		if s.Status == "" || s.Environment == "" {
			return f, fmt.Errorf("story %s: status and environment required", s.Name)
		}
		for j, c := range s.Components {
			if c.Type == "" || c.APIName == "" {
				return f, fmt.Errorf("story %s components[%d]: type and api_name required", s.Name, j)
			}
		}
	}
	for env, e := range f.Environments {
		for i, rec := range e.Records {
			if rec.Object == "" || rec.ID == "" {
				return f, fmt.Errorf("environment %s records[%d]: object and id required", env, i)
			}
			if rec.LastModified.IsZero() {
				return f, fmt.Errorf("environment %s record %s: last_modified required", env, rec.ID)
			}
		}
	}
	return f, nil
}

// ImportFixture loads a fixture in one transaction.
func (r Repo) ImportFixture(ctx context.Context, data []byte) (ImportSummary, error) {
	var sum ImportSummary
	f, err := ParseFixture(data)
	if err != nil {
		return sum, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return sum, err
	}
	defer tx.Rollback()

	for _, s := range f.Stories {
		story := domain.Story{
			Name:        s.Name,
			Title:       s.Title,
			Status:      s.Status,
			Environment: s.Environment,
			Developer:   s.Developer,
			Release:     s.Release,
			Components:  s.Components,
		}
		if s.Commit != "" {
			sha := s.Commit
			story.CommitSHA = &sha
		}
		commits := make([]StoryCommit, 0, len(s.Commits))
		for _, c := range s.Commits {
			commits = append(commits, StoryCommit{SHA: c.SHA, CommittedAt: c.CommittedAt})
		}
		if _, err := r.UpsertStory(ctx, tx, story, commits); err != nil {
			return sum, err
		}
		sum.Stories++
	}
	for env, e := range f.Environments {
		for _, rec := range e.Records {
			if err := r.UpsertEnvironmentRecord(ctx, tx, env, domain.EnvironmentRecord{
				ID:             rec.ID,
				Object:         rec.Object,
				Fields:         rec.Fields,
				LastModified:   rec.LastModified,
				LastModifiedBy: rec.LastModifiedBy,
			}); err != nil {
				return sum, err
			}
			sum.Records++
			for _, m := range rec.Members {
				if err := r.UpsertBundleMember(ctx, tx, env, rec.Object, rec.ID, domain.BundleMember{
					Path:           m.Path,
					LastModified:   m.LastModified,
					LastModifiedBy: m.LastModifiedBy,
				}); err != nil {
					return sum, fmt.Errorf("bundle member %s: %w", m.Path, err)
				}
				sum.Members++
			}
		}
		for _, d := range e.Deployments {
			if _, err := r.InsertDeploymentRecord(ctx, tx, domain.DeploymentRecord{
				ID:          d.ID,
				Environment: env,
				Source:      d.Source,
				Story:       d.Story,
				Status:      d.Status,
				CompletedAt: d.CompletedAt,
			}); err != nil {
				return sum, fmt.Errorf("deployment record for %s: %w", d.Story, err)
			}
			sum.Deployments++
		}
	}
	if err := tx.Commit(); err != nil {
		return sum, err
	}
	return sum, nil
}

package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"deployproof/internal/db"
	"deployproof/internal/domain"
)

// Repo is the SQL metadata store. Queries are written with ? placeholders and
// rebound for the configured dialect.
type Repo struct {
	DB      *sql.DB
	Dialect string
}

var ErrNotFound = errors.New("not found")

// maxInArgs bounds the size of IN lists per statement.
const maxInArgs = 500

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(query string) string {
	return db.Rebind(r.Dialect, query)
}

func (r Repo) conn(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func chunks(values []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(values); start += size {
		end := start + size
		if end > len(values) {
			end = len(values)
		}
		out = append(out, values[start:end])
	}
	return out
}

// StoryCommit is one commit recorded against a story.
type StoryCommit struct {
	SHA         string
	CommittedAt time.Time
}

// StoriesByName returns the stories with the given names and their ordered
// components. Unknown names are absent from the result.
func (r Repo) StoriesByName(ctx context.Context, names []string) ([]domain.Story, error) {
	var stories []domain.Story
	for _, batch := range chunks(names, maxInArgs) {
		args := make([]any, len(batch))
		for i, n := range batch {
			args[i] = n
		}
		rows, err := r.DB.QueryContext(ctx, r.q(fmt.Sprintf(`SELECT id,name,COALESCE(title,''),status,environment,COALESCE(developer,''),COALESCE(release_name,''),commit_sha FROM stories WHERE name IN (%s) ORDER BY name`, placeholders(len(batch)))), args...)
		if err != nil {
			return nil, fmt.Errorf("query stories: %w", err)
		}
		for rows.Next() {
			var s domain.Story
			var sha sql.NullString
			if err := rows.Scan(&s.ID, &s.Name, &s.Title, &s.Status, &s.Environment, &s.Developer, &s.Release, &sha); err != nil {
				rows.Close()
				return nil, err
			}
			if sha.Valid && sha.String != "" {
				v := sha.String
				s.CommitSHA = &v
			}
			stories = append(stories, s)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	if len(stories) == 0 {
		return stories, nil
	}
	byID := make(map[string]int, len(stories))
	ids := make([]string, len(stories))
	for i, s := range stories {
		byID[s.ID] = i
		ids[i] = s.ID
	}
	for _, batch := range chunks(ids, maxInArgs) {
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		rows, err := r.DB.QueryContext(ctx, r.q(fmt.Sprintf(`SELECT story_id,type,api_name,COALESCE(action,'') FROM story_components WHERE story_id IN (%s) ORDER BY story_id,ordinal`, placeholders(len(batch)))), args...)
		if err != nil {
			return nil, fmt.Errorf("query story components: %w", err)
		}
		for rows.Next() {
			var storyID string
			var c domain.Component
			if err := rows.Scan(&storyID, &c.Type, &c.APIName, &c.Action); err != nil {
				rows.Close()
				return nil, err
			}
			i := byID[storyID]
			stories[i].Components = append(stories[i].Components, c)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return stories, nil
}

// GetStory returns one story by name.
func (r Repo) GetStory(ctx context.Context, name string) (domain.Story, error) {
	stories, err := r.StoriesByName(ctx, []string{name})
	if err != nil {
		return domain.Story{}, err
	}
	if len(stories) == 0 {
		return domain.Story{}, ErrNotFound
	}
	return stories[0], nil
}

// LatestCommit returns the most recent commit recorded for a story.
func (r Repo) LatestCommit(ctx context.Context, story string) (string, bool, error) {
	row := r.DB.QueryRowContext(ctx, r.q(`SELECT c.sha FROM story_commits c JOIN stories s ON s.id=c.story_id WHERE s.name=? ORDER BY c.committed_at DESC LIMIT 1`), story)
	var sha string
	err := row.Scan(&sha)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return sha, true, nil
}

// UpsertStory inserts or replaces a story, its components and commits.
func (r Repo) UpsertStory(ctx context.Context, tx *sql.Tx, s domain.Story, commits []StoryCommit) (string, error) {
	if strings.TrimSpace(s.Name) == "" {
		return "", errors.New("story name required")
	}
	c := r.conn(tx)
	id := s.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := formatTime(time.Now())
	_, err := c.ExecContext(ctx, r.q(`INSERT INTO stories(id,name,title,status,environment,developer,release_name,commit_sha,created_at) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(name) DO UPDATE SET title=excluded.title,status=excluded.status,environment=excluded.environment,developer=excluded.developer,release_name=excluded.release_name,commit_sha=excluded.commit_sha`),
		id, s.Name, nullable(s.Title), s.Status, s.Environment, nullable(s.Developer), nullable(s.Release), nullableStringPtr(s.CommitSHA), now)
	if err != nil {
		return "", fmt.Errorf("upsert story %s: %w", s.Name, err)
	}
	if err := c.QueryRowContext(ctx, r.q(`SELECT id FROM stories WHERE name=?`), s.Name).Scan(&id); err != nil {
		return "", err
	}
	if _, err := c.ExecContext(ctx, r.q(`DELETE FROM story_components WHERE story_id=?`), id); err != nil {
		return "", err
	}
	for i, comp := range s.Components {
		if _, err := c.ExecContext(ctx, r.q(`INSERT INTO story_components(story_id,ordinal,type,api_name,action) VALUES (?,?,?,?,?)`),
			id, i, comp.Type, comp.APIName, nullable(comp.Action)); err != nil {
			return "", fmt.Errorf("insert component %s: %w", comp, err)
		}
	}
	for _, commit := range commits {
		if _, err := c.ExecContext(ctx, r.q(`INSERT INTO story_commits(story_id,sha,committed_at) VALUES (?,?,?)
ON CONFLICT(story_id,sha) DO UPDATE SET committed_at=excluded.committed_at`),
			id, commit.SHA, formatTime(commit.CommittedAt)); err != nil {
			return "", fmt.Errorf("insert commit %s: %w", commit.SHA, err)
		}
	}
	return id, nil
}

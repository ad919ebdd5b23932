package validators

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/pmezard/go-difflib/difflib"
	"golang.org/x/sync/errgroup"

	"deployproof/internal/domain"
	"deployproof/internal/vcs"
)

const (
	CommitExists   = "commit_exists"
	FilesInCommit  = "files_in_commit"
	CommitContents = "commit_contents"
)

type commitExists struct{}

func (commitExists) Name() string { return CommitExists }

// Run fails when the stories carry no commit at all; a story without a
// resolvable commit is a hard signal.
func (commitExists) Run(ctx context.Context, _ []domain.Component, vc *Context) (Result, error) {
	if len(vc.Commits) == 0 {
		return Result{Status: domain.StatusFailed, Details: details("reason", "no commit recorded for the valid stories")}, nil
	}
	var found, missing []string
	var commits []map[string]any
	for _, sha := range vc.Commits {
		commit, ok, err := vc.Commit(ctx, sha)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			missing = append(missing, sha)
			continue
		}
		found = append(found, sha)
		commits = append(commits, map[string]any{
			"hash":    sha,
			"author":  commit.Author,
			"date":    commit.Date,
			"message": firstLine(commit.Message),
		})
	}
	status := domain.StatusSuccess
	switch {
	case len(found) == 0:
		status = domain.StatusFailed
	case len(missing) > 0:
		status = domain.StatusWarning
	}
	return Result{Status: status, Details: details(
		"commits_checked", len(vc.Commits),
		"found", len(found),
		"missing_commits", nonNil(missing),
		"commits", commits,
	)}, nil
}

type filesInCommit struct{}

func (filesInCommit) Name() string { return FilesInCommit }

func (filesInCommit) Run(ctx context.Context, _ []domain.Component, vc *Context) (Result, error) {
	if len(vc.Commits) == 0 {
		return Result{Status: domain.StatusSkipped, Details: details("reason", "no commits to inspect")}, nil
	}
	if vc.VCS == nil {
		return Result{}, fmt.Errorf("no version control client configured")
	}
	var missing []string
	perCommit := map[string]int{}
	total := 0
	for _, sha := range vc.Commits {
		changes, ok, err := vc.VCS.GetDiffstat(ctx, sha)
		if err != nil {
			return Result{}, fmt.Errorf("diffstat %s: %w", sha, err)
		}
		if !ok {
			missing = append(missing, sha)
			continue
		}
		perCommit[sha] = len(changes)
		total += len(changes)
	}
	status := domain.StatusSuccess
	if len(missing) > 0 {
		status = domain.StatusFailed
	}
	return Result{Status: status, Details: details(
		"files_changed", total,
		"files_per_commit", perCommit,
		"missing_commits", nonNil(missing),
	)}, nil
}

// ContentsOptions bounds the diff excerpts embedded by commit_contents.
type ContentsOptions struct {
	IncludeDiff     bool
	MaxDiffLines    int
	MaxFiles        int
	Concurrency     int
	ExcludePatterns []*regexp.Regexp
}

// ContentsOptionsFrom reads commit_contents options from a validator spec.
func ContentsOptionsFrom(opts map[string]any) (ContentsOptions, error) {
	out := ContentsOptions{
		IncludeDiff:  optBool(opts, "include_diff", false),
		MaxDiffLines: optInt(opts, "max_diff_lines", 40),
		MaxFiles:     optInt(opts, "max_files", 10),
		Concurrency:  optInt(opts, "concurrency", 4),
	}
	for _, p := range optStrings(opts, "exclude_patterns") {
		re, err := regexp.Compile(p)
		if err != nil {
			return out, fmt.Errorf("commit_contents exclude pattern %q: %w", p, err)
		}
		out.ExcludePatterns = append(out.ExcludePatterns, re)
	}
	return out, nil
}

func (o ContentsOptions) excluded(path string) bool {
	for _, re := range o.ExcludePatterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

type commitContents struct {
	opts ContentsOptions
}

func (commitContents) Name() string { return CommitContents }

type diffExcerpt struct {
	Commit    string `json:"commit"`
	Path      string `json:"path"`
	Excerpt   string `json:"excerpt,omitempty"`
	Truncated bool   `json:"truncated"`
	Error     string `json:"error,omitempty"`
}

// Run is informational: it summarizes each commit and is successful unless a
// commit lookup fails.
func (c commitContents) Run(ctx context.Context, _ []domain.Component, vc *Context) (Result, error) {
	if len(vc.Commits) == 0 {
		return Result{Status: domain.StatusSkipped, Details: details("reason", "no commits to summarize")}, nil
	}
	if vc.VCS == nil {
		return Result{}, fmt.Errorf("no version control client configured")
	}
	var notes []string
	var excerpts []diffExcerpt
	var missing []string
	added, removed, files := 0, 0, 0
	for _, sha := range vc.Commits {
		commit, ok, err := vc.Commit(ctx, sha)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			missing = append(missing, sha)
			continue
		}
		changes, ok, err := vc.VCS.GetDiffstat(ctx, sha)
		if err != nil {
			return Result{}, fmt.Errorf("diffstat %s: %w", sha, err)
		}
		if !ok {
			missing = append(missing, sha)
			continue
		}
		a, r := 0, 0
		for _, ch := range changes {
			a += ch.LinesAdded
			r += ch.LinesRemoved
		}
		added += a
		removed += r
		files += len(changes)
		notes = append(notes, fmt.Sprintf("%s by %s: %d files, +%d/-%d, %q",
			shortSHA(sha), commit.Author, len(changes), a, r, firstLine(commit.Message)))
		if c.opts.IncludeDiff {
			excerpts = append(excerpts, c.excerpts(ctx, vc.VCS, commit, changes)...)
		}
	}
	status := domain.StatusSuccess
	if len(missing) > 0 {
		status = domain.StatusFailed
	}
	d := details(
		"commits", len(vc.Commits),
		"files_changed", files,
		"lines_added", added,
		"lines_removed", removed,
		"missing_commits", nonNil(missing),
	)
	if c.opts.IncludeDiff {
		d["diffs"] = excerpts
	}
	return Result{Status: status, Details: d, Notes: notes}, nil
}

// excerpts fetches both sides of up to MaxFiles changed files in parallel and
// renders bounded unified diffs. Fetch failures are reported per file.
func (c commitContents) excerpts(ctx context.Context, client vcs.Client, commit vcs.Commit, changes []vcs.FileChange) []diffExcerpt {
	var selected []vcs.FileChange
	for _, ch := range changes {
		if c.opts.MaxFiles > 0 && len(selected) >= c.opts.MaxFiles {
			break
		}
		if c.opts.excluded(ch.Path) {
			continue
		}
		selected = append(selected, ch)
	}
	out := make([]diffExcerpt, len(selected))
	parent := ""
	if len(commit.Parents) > 0 {
		parent = commit.Parents[0]
	}
	var g errgroup.Group
	limit := c.opts.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	var mu sync.Mutex
	for i, ch := range selected {
		i, ch := i, ch
		g.Go(func() error {
			ex := diffExcerpt{Commit: commit.Hash, Path: ch.Path}
			text, err := c.diff(ctx, client, commit.Hash, parent, ch)
			if err != nil {
				ex.Error = err.Error()
			} else {
				ex.Excerpt, ex.Truncated = truncateLines(text, c.opts.MaxDiffLines)
			}
			mu.Lock()
			out[i] = ex
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (c commitContents) diff(ctx context.Context, client vcs.Client, ref, parent string, ch vcs.FileChange) (string, error) {
	var after, before string
	if ch.Status != "removed" {
		content, _, err := client.GetFileContent(ctx, ch.Path, ref)
		if err != nil {
			return "", err
		}
		after = content
	}
	if parent != "" && ch.Status != "added" {
		oldPath := ch.OldPath
		if oldPath == "" {
			oldPath = ch.Path
		}
		content, _, err := client.GetFileContent(ctx, oldPath, parent)
		if err != nil {
			return "", err
		}
		before = content
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "a/" + ch.Path,
		ToFile:   "b/" + ch.Path,
		Context:  2,
	})
}

func truncateLines(text string, max int) (string, bool) {
	if max <= 0 {
		return text, false
	}
	lines := strings.SplitAfter(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) <= max {
		return text, false
	}
	return strings.Join(lines[:max], ""), true
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

func optBool(opts map[string]any, key string, def bool) bool {
	if v, ok := opts[key].(bool); ok {
		return v
	}
	return def
}

func optInt(opts map[string]any, key string, def int) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func optStrings(opts map[string]any, key string) []string {
	switch v := opts[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

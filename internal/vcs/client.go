// Package vcs reads commits, diffstats and file contents from the version
// control host. Ordinary absence is reported as found=false, never an error.
package vcs

import (
	"context"
	"time"
)

type Commit struct {
	Hash    string    `json:"hash"`
	Author  string    `json:"author"`
	Date    time.Time `json:"date"`
	Message string    `json:"message"`
	Parents []string  `json:"parents,omitempty"`
}

// FileChange is one diffstat entry.
type FileChange struct {
	Path         string `json:"path"`
	OldPath      string `json:"old_path,omitempty"`
	Status       string `json:"status"`
	LinesAdded   int    `json:"lines_added"`
	LinesRemoved int    `json:"lines_removed"`
}

type Client interface {
	GetCommit(ctx context.Context, sha string) (Commit, bool, error)
	GetDiffstat(ctx context.Context, sha string) ([]FileChange, bool, error)
	GetFileContent(ctx context.Context, path, ref string) (string, bool, error)
}

package vcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// APIError wraps non-2xx responses other than 404.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vcs api error: status=%d body=%s", e.StatusCode, e.Body)
}

var errNotFound = errors.New("not found")

// HTTPClient talks to a Bitbucket Cloud style REST API. Commits are immutable
// by hash and cached across requests.
type HTTPClient struct {
	BaseURL    string
	Workspace  string
	Repository string
	Username   string
	Token      string
	HTTPClient *http.Client

	commits *lru.Cache[string, Commit]
}

type HTTPOptions struct {
	BaseURL    string
	Workspace  string
	Repository string
	Username   string
	Token      string
	Timeout    time.Duration
	CacheSize  int
}

func NewHTTPClient(opts HTTPOptions) (*HTTPClient, error) {
	if opts.Workspace == "" || opts.Repository == "" {
		return nil, errors.New("vcs: workspace and repository are required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 512
	}
	cache, err := lru.New[string, Commit](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("vcs: commit cache: %w", err)
	}
	base := opts.BaseURL
	if base == "" {
		base = "https://api.bitbucket.org/2.0"
	}
	return &HTTPClient{
		BaseURL:    base,
		Workspace:  opts.Workspace,
		Repository: opts.Repository,
		Username:   opts.Username,
		Token:      opts.Token,
		HTTPClient: &http.Client{Timeout: opts.Timeout},
		commits:    cache,
	}, nil
}

type commitResponse struct {
	Hash    string `json:"hash"`
	Date    string `json:"date"`
	Message string `json:"message"`
	Author  struct {
		Raw  string `json:"raw"`
		User struct {
			DisplayName string `json:"display_name"`
		} `json:"user"`
	} `json:"author"`
	Parents []struct {
		Hash string `json:"hash"`
	} `json:"parents"`
}

func (c *HTTPClient) GetCommit(ctx context.Context, sha string) (Commit, bool, error) {
	sha = strings.TrimSpace(sha)
	if sha == "" {
		return Commit{}, false, nil
	}
	if c.commits != nil {
		if commit, ok := c.commits.Get(sha); ok {
			return commit, true, nil
		}
	}
	var resp commitResponse
	err := c.getJSON(ctx, c.repoPath("commit", url.PathEscape(sha)), &resp)
	if errors.Is(err, errNotFound) {
		return Commit{}, false, nil
	}
	if err != nil {
		return Commit{}, false, err
	}
	commit := Commit{Hash: resp.Hash, Message: strings.TrimSpace(resp.Message)}
	commit.Author = resp.Author.User.DisplayName
	if commit.Author == "" {
		commit.Author = resp.Author.Raw
	}
	if resp.Date != "" {
		date, err := time.Parse(time.RFC3339, resp.Date)
		if err != nil {
			return Commit{}, false, fmt.Errorf("commit %s date: %w", sha, err)
		}
		commit.Date = date
	}
	for _, p := range resp.Parents {
		commit.Parents = append(commit.Parents, p.Hash)
	}
	if c.commits != nil {
		c.commits.Add(sha, commit)
		if commit.Hash != "" && commit.Hash != sha {
			c.commits.Add(commit.Hash, commit)
		}
	}
	return commit, true, nil
}

type diffstatPage struct {
	Values []struct {
		Status       string `json:"status"`
		LinesAdded   int    `json:"lines_added"`
		LinesRemoved int    `json:"lines_removed"`
		Old          *struct {
			Path string `json:"path"`
		} `json:"old"`
		New *struct {
			Path string `json:"path"`
		} `json:"new"`
	} `json:"values"`
	Next string `json:"next"`
}

// GetDiffstat follows pagination until the last page.
func (c *HTTPClient) GetDiffstat(ctx context.Context, sha string) ([]FileChange, bool, error) {
	sha = strings.TrimSpace(sha)
	if sha == "" {
		return nil, false, nil
	}
	endpoint := c.repoPath("diffstat", url.PathEscape(sha)) + "?pagelen=500"
	var changes []FileChange
	for endpoint != "" {
		var page diffstatPage
		err := c.getJSON(ctx, endpoint, &page)
		if errors.Is(err, errNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		for _, v := range page.Values {
			fc := FileChange{Status: v.Status, LinesAdded: v.LinesAdded, LinesRemoved: v.LinesRemoved}
			if v.New != nil {
				fc.Path = v.New.Path
			}
			if v.Old != nil {
				fc.OldPath = v.Old.Path
				if fc.Path == "" {
					fc.Path = v.Old.Path
				}
			}
			changes = append(changes, fc)
		}
		endpoint = page.Next
	}
	return changes, true, nil
}

func (c *HTTPClient) GetFileContent(ctx context.Context, path, ref string) (string, bool, error) {
	if strings.TrimSpace(path) == "" || strings.TrimSpace(ref) == "" {
		return "", false, nil
	}
	segments := strings.Split(strings.TrimLeft(path, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	body, err := c.get(ctx, c.repoPath("src", url.PathEscape(ref), strings.Join(segments, "/")))
	if errors.Is(err, errNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(body), true, nil
}

func (c *HTTPClient) repoPath(parts ...string) string {
	return fmt.Sprintf("repositories/%s/%s/%s",
		url.PathEscape(c.Workspace), url.PathEscape(c.Repository), strings.Join(parts, "/"))
}

func (c *HTTPClient) getJSON(ctx context.Context, endpoint string, out any) error {
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

func (c *HTTPClient) get(ctx context.Context, endpoint string) ([]byte, error) {
	target := endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		target = strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	switch {
	case c.Token != "" && c.Username != "":
		req.SetBasicAuth(c.Username, c.Token)
	case c.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, errNotFound
	}
	if resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

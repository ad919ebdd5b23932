package deployproofsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal deployment proof HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client. baseURL includes the API base path, e.g. http://host:8080/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 2 * time.Minute,
	}
}

// ProveRequest asks whether stories reached an environment.
type ProveRequest struct {
	Stories          []string `json:"stories"`
	Environment      string   `json:"environment"`
	Branch           string   `json:"branch,omitempty"`
	ValidateStoryEnv bool     `json:"validate_story_env,omitempty"`
	Level            string   `json:"level,omitempty"`
	Record           *bool    `json:"record,omitempty"`
}

type Component struct {
	Type    string `json:"type"`
	APIName string `json:"api_name"`
}

type ComponentProof struct {
	Component  Component `json:"component"`
	Proven     bool      `json:"proven"`
	Confidence string    `json:"confidence"`
	Methods    []string  `json:"methods"`
	Score      int       `json:"confidence_score"`
}

type OverallProof struct {
	Score      float64 `json:"score"`
	Confidence string  `json:"confidence"`
	Verdict    string  `json:"verdict"`
}

type InvalidStory struct {
	Story  string `json:"story"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

type ValidatorOutcome struct {
	Validator  string         `json:"validator"`
	Status     string         `json:"status"`
	DurationMS int64          `json:"execution_time_ms"`
	Details    map[string]any `json:"details,omitempty"`
	Notes      []string       `json:"notes,omitempty"`
}

type ExecutionReport struct {
	Level      string             `json:"level"`
	Planned    []string           `json:"validators_planned"`
	Executed   int                `json:"validators_executed"`
	Outcomes   []ValidatorOutcome `json:"outcomes"`
	DurationMS int64              `json:"execution_time_ms"`
}

// Proof is the full result of one proof run.
type Proof struct {
	ID              string           `json:"id"`
	Environment     string           `json:"environment"`
	Branch          string           `json:"branch"`
	Level           string           `json:"level"`
	InvalidStories  []InvalidStory   `json:"invalid_stories"`
	Commits         []string         `json:"commits"`
	Components      []Component      `json:"components"`
	Report          ExecutionReport  `json:"execution"`
	Overall         OverallProof     `json:"overall_proof"`
	ComponentProofs []ComponentProof `json:"component_proofs"`
	Message         string           `json:"message,omitempty"`
	ElapsedMS       int64            `json:"elapsed_ms"`
	GeneratedAt     string           `json:"generated_at"`
}

// Proven reports whether the verdict is PROVEN or LIKELY PROVEN.
func (p Proof) Proven() bool {
	return p.Overall.Verdict == "PROVEN" || p.Overall.Verdict == "LIKELY PROVEN"
}

type ProofResponse struct {
	Proof      Proof  `json:"proof"`
	Recorded   bool   `json:"recorded"`
	ArchiveKey string `json:"archive_key,omitempty"`
}

// ProofRun is a recorded proof summary.
type ProofRun struct {
	ID          string   `json:"id"`
	Environment string   `json:"environment"`
	Branch      string   `json:"branch,omitempty"`
	Level       string   `json:"level"`
	Stories     []string `json:"stories"`
	Verdict     string   `json:"verdict"`
	Score       float64  `json:"score"`
	ActorID     string   `json:"actor_id"`
	CreatedAt   string   `json:"created_at"`
}

// PaginatedProofs wraps list responses with cursors.
type PaginatedProofs struct {
	Items      []ProofRun `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

type ListOptions struct {
	Environment string
	Verdict     string
	Story       string
	Limit       int
	Cursor      string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Prove runs a proof and, unless req.Record is false, records it.
func (c *Client) Prove(ctx context.Context, req ProveRequest) (ProofResponse, error) {
	var resp ProofResponse
	err := c.do(ctx, http.MethodPost, "proofs", req, &resp)
	return resp, err
}

// GetProof fetches a recorded proof by id.
func (c *Client) GetProof(ctx context.Context, id string) (Proof, error) {
	var resp ProofResponse
	err := c.do(ctx, http.MethodGet, "proofs/"+url.PathEscape(id), nil, &resp)
	return resp.Proof, err
}

// ListProofs returns one page of recorded proofs, newest first.
func (c *Client) ListProofs(ctx context.Context, opts ListOptions) (PaginatedProofs, error) {
	q := url.Values{}
	if opts.Environment != "" {
		q.Set("environment", opts.Environment)
	}
	if opts.Verdict != "" {
		q.Set("verdict", opts.Verdict)
	}
	if opts.Story != "" {
		q.Set("story", opts.Story)
	}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	endpoint := "proofs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedProofs
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

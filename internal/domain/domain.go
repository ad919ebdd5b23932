package domain

import (
	"strings"
	"time"
)

type Story struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Title       string      `json:"title,omitempty"`
	Status      string      `json:"status"`
	Environment string      `json:"environment"`
	Developer   string      `json:"developer,omitempty"`
	CommitSHA   *string     `json:"commit_sha,omitempty"`
	Release     string      `json:"release,omitempty"`
	Components  []Component `json:"components"`
}

// Commit returns the story commit or "" when none is recorded.
func (s Story) Commit() string {
	if s.CommitSHA == nil {
		return ""
	}
	return strings.TrimSpace(*s.CommitSHA)
}

type Component struct {
	Type    string `json:"type" yaml:"type"`
	APIName string `json:"api_name" yaml:"api_name"`
	Action  string `json:"action,omitempty" yaml:"action,omitempty"`
}

// Key is the deduplication identity of a component.
func (c Component) Key() string {
	return c.Type + "|" + c.APIName
}

func (c Component) String() string {
	return c.Type + ":" + c.APIName
}

// ProductionRecord is a normalized environment-state record matched to one component.
type ProductionRecord struct {
	Type           string    `json:"type"`
	APIName        string    `json:"api_name"`
	CleanName      string    `json:"clean_name"`
	Strategy       string    `json:"strategy"`
	Object         string    `json:"object"`
	MatchField     string    `json:"match_field"`
	MatchValue     string    `json:"match_value"`
	RecordID       string    `json:"record_id"`
	LastModified   time.Time `json:"last_modified" format:"date-time"`
	LastModifiedBy string    `json:"last_modified_by,omitempty"`
}

type ValidatorStatus string

const (
	StatusSuccess  ValidatorStatus = "success"
	StatusFailed   ValidatorStatus = "failed"
	StatusWarning  ValidatorStatus = "warning"
	StatusSkipped  ValidatorStatus = "skipped"
	StatusNoAccess ValidatorStatus = "no_access"
)

type ValidatorOutcome struct {
	Validator  string          `json:"validator"`
	Status     ValidatorStatus `json:"status" enum:"success,failed,warning,skipped,no_access"`
	Duration   time.Duration   `json:"-"`
	DurationMS int64           `json:"execution_time_ms"`
	Details    map[string]any  `json:"details,omitempty"`
	Notes      []string        `json:"notes,omitempty"`
}

type StatusCounts struct {
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Warning    int `json:"warning"`
	Skipped    int `json:"skipped"`
	NoAccess   int `json:"no_access"`
}

// Total is the number of outcomes counted.
func (c StatusCounts) Total() int {
	return c.Successful + c.Failed + c.Warning + c.Skipped + c.NoAccess
}

// Add counts one outcome status.
func (c *StatusCounts) Add(s ValidatorStatus) {
	switch s {
	case StatusSuccess:
		c.Successful++
	case StatusFailed:
		c.Failed++
	case StatusWarning:
		c.Warning++
	case StatusSkipped:
		c.Skipped++
	case StatusNoAccess:
		c.NoAccess++
	}
}

type ExecutionReport struct {
	Level      string             `json:"level"`
	Planned    []string           `json:"validators_planned"`
	Executed   int                `json:"validators_executed"`
	Outcomes   []ValidatorOutcome `json:"outcomes"`
	Counts     StatusCounts       `json:"counts"`
	Duration   time.Duration      `json:"-"`
	DurationMS int64              `json:"execution_time_ms"`
}

// Outcome returns the outcome recorded for the named validator.
func (r ExecutionReport) Outcome(name string) (ValidatorOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.Validator == name {
			return o, true
		}
	}
	return ValidatorOutcome{}, false
}

type Confidence string

const (
	ConfidenceUnknown  Confidence = "unknown"
	ConfidenceVeryLow  Confidence = "very low"
	ConfidenceLow      Confidence = "low"
	ConfidenceMedium   Confidence = "medium"
	ConfidenceHigh     Confidence = "high"
	ConfidenceVeryHigh Confidence = "very high"
)

type Verdict string

const (
	VerdictProven         Verdict = "PROVEN"
	VerdictLikelyProven   Verdict = "LIKELY PROVEN"
	VerdictPossiblyProven Verdict = "POSSIBLY PROVEN"
	VerdictUnproven       Verdict = "UNPROVEN"
	VerdictError          Verdict = "ERROR"
)

type ComponentProof struct {
	Component  Component  `json:"component"`
	Proven     bool       `json:"proven"`
	Confidence Confidence `json:"confidence"`
	Methods    []string   `json:"methods"`
	Score      int        `json:"confidence_score"`
}

type OverallProof struct {
	Score      float64    `json:"score"`
	Confidence Confidence `json:"confidence"`
	Verdict    Verdict    `json:"verdict" enum:"PROVEN,LIKELY PROVEN,POSSIBLY PROVEN,UNPROVEN,ERROR"`
}

type InvalidStory struct {
	Story  string `json:"story"`
	Reason string `json:"reason" enum:"invalid_status,environment_mismatch,not_found"`
	Detail string `json:"detail,omitempty"`
}

type ProofResult struct {
	ID              string           `json:"id"`
	Environment     string           `json:"environment"`
	Branch          string           `json:"branch"`
	Level           string           `json:"level"`
	ValidStories    []Story          `json:"valid_stories"`
	InvalidStories  []InvalidStory   `json:"invalid_stories"`
	Commits         []string         `json:"commits"`
	Components      []Component      `json:"components"`
	Report          ExecutionReport  `json:"execution"`
	Overall         OverallProof     `json:"overall_proof"`
	ComponentProofs []ComponentProof `json:"component_proofs"`
	Message         string           `json:"message,omitempty"`
	Elapsed         time.Duration    `json:"-"`
	ElapsedMS       int64            `json:"elapsed_ms"`
	GeneratedAt     string           `json:"generated_at" format:"date-time"`
}

// ProofRun is a recorded proof result summary.
type ProofRun struct {
	ID          string  `json:"id"`
	Environment string  `json:"environment"`
	Branch      string  `json:"branch,omitempty"`
	Level       string  `json:"level"`
	Stories     string  `json:"stories"`
	Verdict     Verdict `json:"verdict"`
	Score       float64 `json:"score"`
	ActorID     string  `json:"actor_id"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ResultJSON  string  `json:"-"`
}

// DeploymentRecord is an audit trail entry stating that a story was deployed.
type DeploymentRecord struct {
	ID          string `json:"id"`
	Environment string `json:"environment"`
	Source      string `json:"source"`
	Story       string `json:"story"`
	Status      string `json:"status"`
	CompletedAt string `json:"completed_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID         string `json:"id"`
	ActorID    string `json:"actor_id"`
	Name       string `json:"name,omitempty"`
	KeyHash    string `json:"-"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	LastUsedAt string `json:"last_used_at,omitempty"`
}

// RecordQuery is one batched lookup of environment records by a comparison field.
type RecordQuery struct {
	Environment string
	Strategy    string
	Object      string
	Field       string
	Values      []string
}

// EnvironmentRecord is a raw row returned by a record query.
type EnvironmentRecord struct {
	ID             string
	Object         string
	Fields         map[string]string
	LastModified   time.Time
	LastModifiedBy string
}

// BundleMember is one file of a multi-file bundle component.
type BundleMember struct {
	Path           string
	LastModified   time.Time
	LastModifiedBy string
}

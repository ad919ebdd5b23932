package server

import (
	"encoding/json"
	"strings"

	"deployproof/internal/domain"
	"deployproof/internal/engine"
)

// Request payloads

type ProveRequest struct {
	Stories          []string `json:"stories" minItems:"1"`
	Environment      string   `json:"environment"`
	Branch           string   `json:"branch,omitempty"`
	ValidateStoryEnv bool     `json:"validate_story_env,omitempty"`
	Level            string   `json:"level,omitempty"`
	// Record defaults to true.
	Record *bool `json:"record,omitempty"`
}

func (r ProveRequest) engineRequest() engine.ProveRequest {
	return engine.ProveRequest{
		Stories:          r.Stories,
		Environment:      strings.TrimSpace(r.Environment),
		Branch:           strings.TrimSpace(r.Branch),
		ValidateStoryEnv: r.ValidateStoryEnv,
		Level:            strings.TrimSpace(r.Level),
	}
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Responses

type ProofResponse struct {
	Proof      domain.ProofResult `json:"proof"`
	Recorded   bool               `json:"recorded"`
	ArchiveKey string             `json:"archive_key,omitempty"`
}

type ProofRunResponse struct {
	ID          string   `json:"id"`
	Environment string   `json:"environment"`
	Branch      string   `json:"branch,omitempty"`
	Level       string   `json:"level"`
	Stories     []string `json:"stories"`
	Verdict     string   `json:"verdict" enum:"PROVEN,LIKELY PROVEN,POSSIBLY PROVEN,UNPROVEN,ERROR"`
	Score       float64  `json:"score"`
	ActorID     string   `json:"actor_id"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

type LevelResponse struct {
	Name         string   `json:"name"`
	Validators   []string `json:"validators"`
	Unregistered []string `json:"unregistered,omitempty"`
}

type LevelsResponse struct {
	DefaultLevel string          `json:"default_level"`
	Levels       []LevelResponse `json:"levels"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type MeResponse struct {
	ActorID string   `json:"actor_id"`
	Source  string   `json:"source"`
	Roles   []string `json:"roles"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedProofs struct {
	Items      []ProofRunResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func proofRunResponse(run domain.ProofRun) ProofRunResponse {
	stories := []string{}
	for _, s := range strings.Split(run.Stories, ",") {
		if s = strings.TrimSpace(s); s != "" {
			stories = append(stories, s)
		}
	}
	return ProofRunResponse{
		ID:          run.ID,
		Environment: run.Environment,
		Branch:      run.Branch,
		Level:       run.Level,
		Stories:     stories,
		Verdict:     string(run.Verdict),
		Score:       run.Score,
		ActorID:     run.ActorID,
		CreatedAt:   run.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

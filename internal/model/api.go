package model

import (
	"fmt"
	"strings"
	"time"
)

// Field length limits for caller-supplied text. These keep a single oversized
// field from filling TEXT columns or the SSE stream with garbage.
const (
	MaxIDLen        = 200
	MaxDecisionLen  = 32 * 1024 // 32 KB
	MaxRationaleLen = 64 * 1024 // 64 KB
	MaxListItems    = 100
	MaxListItemLen  = 4 * 1024
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// InitiateConsensusRequest is the request body for POST /v1/consensus.
// Threshold and MaxIterations fall back to the configured defaults when nil.
type InitiateConsensusRequest struct {
	ConversationID string   `json:"conversation_id"`
	DecisionTopic  string   `json:"decision_topic"`
	RequiredRoles  []string `json:"required_roles,omitempty"`
	Threshold      *float64 `json:"threshold,omitempty"`
	MaxIterations  *int     `json:"max_iterations,omitempty"`
}

// Validate checks field presence, ranges, and length limits.
func (r InitiateConsensusRequest) Validate() error {
	if strings.TrimSpace(r.ConversationID) == "" {
		return fmt.Errorf("conversation_id is required")
	}
	if len(r.ConversationID) > MaxIDLen {
		return fmt.Errorf("conversation_id exceeds maximum length of %d characters", MaxIDLen)
	}
	if strings.TrimSpace(r.DecisionTopic) == "" {
		return fmt.Errorf("decision_topic is required")
	}
	if len(r.DecisionTopic) > MaxDecisionLen {
		return fmt.Errorf("decision_topic exceeds maximum length of %d bytes", MaxDecisionLen)
	}
	if err := validateList("required_roles", r.RequiredRoles); err != nil {
		return err
	}
	if r.Threshold != nil && (*r.Threshold <= 0 || *r.Threshold > 1) {
		return fmt.Errorf("threshold must be in (0, 1]")
	}
	if r.MaxIterations != nil && *r.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1")
	}
	return nil
}

// SubmitVoteRequest is the request body for POST /v1/consensus/{id}/votes.
// It is the structured vote tuple produced by a vote source.
type SubmitVoteRequest struct {
	RoleName      string   `json:"role_name"`
	ParticipantID string   `json:"participant_id"`
	Position      string   `json:"position"`
	Confidence    *float64 `json:"confidence,omitempty"`
	Rationale     string   `json:"rationale"`
	Concerns      []string `json:"concerns,omitempty"`
	Suggestions   []string `json:"suggestions,omitempty"`
}

// DefaultVoteConfidence applies when a vote source omits confidence.
const DefaultVoteConfidence = 0.8

// ConfidenceOrDefault returns the supplied confidence or DefaultVoteConfidence.
func (r SubmitVoteRequest) ConfidenceOrDefault() float64 {
	if r.Confidence == nil {
		return DefaultVoteConfidence
	}
	return *r.Confidence
}

// Validate checks field presence and length limits. Position and confidence
// ranges are checked by the engine.
func (r SubmitVoteRequest) Validate() error {
	if strings.TrimSpace(r.RoleName) == "" {
		return fmt.Errorf("role_name is required")
	}
	if len(r.RoleName) > MaxIDLen {
		return fmt.Errorf("role_name exceeds maximum length of %d characters", MaxIDLen)
	}
	if len(r.ParticipantID) > MaxIDLen {
		return fmt.Errorf("participant_id exceeds maximum length of %d characters", MaxIDLen)
	}
	if len(r.Rationale) > MaxRationaleLen {
		return fmt.Errorf("rationale exceeds maximum length of %d bytes", MaxRationaleLen)
	}
	if err := validateList("concerns", r.Concerns); err != nil {
		return err
	}
	return validateList("suggestions", r.Suggestions)
}

// EscalateRequest is the request body for POST /v1/consensus/{id}/escalate.
// An empty Reason asks the service to derive one from the consensus state.
type EscalateRequest struct {
	Reason           TriggerReason    `json:"reason,omitempty"`
	InterventionType InterventionType `json:"intervention_type,omitempty"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
}

// ResolveInterventionRequest is the request body for
// POST /v1/interventions/{id}/resolve. The intervener identity comes from the
// caller's token, not the body.
type ResolveInterventionRequest struct {
	HumanDecision  string         `json:"human_decision"`
	HumanRationale string         `json:"human_rationale"`
	OverrideData   map[string]any `json:"override_data,omitempty"`
}

// Validate checks field presence and length limits.
func (r ResolveInterventionRequest) Validate() error {
	if strings.TrimSpace(r.HumanDecision) == "" {
		return fmt.Errorf("human_decision is required")
	}
	if len(r.HumanDecision) > MaxDecisionLen {
		return fmt.Errorf("human_decision exceeds maximum length of %d bytes", MaxDecisionLen)
	}
	if len(r.HumanRationale) > MaxRationaleLen {
		return fmt.Errorf("human_rationale exceeds maximum length of %d bytes", MaxRationaleLen)
	}
	return nil
}

// CancelInterventionRequest is the request body for
// POST /v1/interventions/{id}/cancel.
type CancelInterventionRequest struct {
	Reason string `json:"reason"`
}

// EscalateResponse is returned after an intervention has been triggered.
type EscalateResponse struct {
	InterventionID string        `json:"intervention_id"`
	Reason         TriggerReason `json:"reason"`
}

// IterateResponse is returned by POST /v1/consensus/{id}/iterate.
type IterateResponse struct {
	Continue  bool            `json:"continue"`
	Consensus ConsensusResult `json:"consensus"`
}

// AutoResolveResponse is returned by POST /v1/consensus/{id}/auto-resolve.
type AutoResolveResponse struct {
	ResolvedAny bool            `json:"resolved_any"`
	Consensus   ConsensusResult `json:"consensus"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	OperatorID string `json:"operator_id"`
	APIKey     string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Store     string `json:"store"`
	SSEBroker string `json:"sse_broker,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}

func validateList(field string, items []string) error {
	if len(items) > MaxListItems {
		return fmt.Errorf("%s exceeds maximum of %d items", field, MaxListItems)
	}
	for i, s := range items {
		if len(s) > MaxListItemLen {
			return fmt.Errorf("%s[%d] exceeds maximum length of %d bytes", field, i, MaxListItemLen)
		}
	}
	return nil
}

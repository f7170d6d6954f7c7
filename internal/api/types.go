package api

import (
	"time"

	"github.com/triage-ai/bastion/internal/engine"
	"github.com/triage-ai/bastion/internal/limiter"
	"github.com/triage-ai/bastion/internal/storage"
)

// --- POST /v1/validate ---

// ToolCallReq describes a tool invocation to validate.
type ToolCallReq struct {
	Name          string `json:"name"`
	ArgumentsJSON string `json:"arguments_json,omitempty"`
}

// ValidateRequest is the JSON body for POST /v1/validate.
type ValidateRequest struct {
	RequestID string               `json:"request_id,omitempty"`
	Identity  string               `json:"identity"`
	Text      string               `json:"text"`
	Source    string               `json:"source,omitempty"`
	ToolCall  *ToolCallReq         `json:"tool_call,omitempty"`
	Policy    *engine.PolicyConfig `json:"policy,omitempty"`
}

// The response body is engine.ValidationResult.

// --- Identities ---

// IdentityResp is an identity's current rate-limit and reputation state.
type IdentityResp struct {
	Identity      string            `json:"identity"`
	State         engine.LimitState `json:"state"`
	TrustScore    float64           `json:"trust_score"`
	Allowlisted   bool              `json:"allowlisted"`
	Blocklisted   bool              `json:"blocklisted"`
	TotalRequests int64             `json:"total_requests"`
	BlockedCount  int64             `json:"blocked_count"`
	RequestCount  int               `json:"request_count"`
	WindowStart   *time.Time        `json:"window_start"`
	LockedUntil   *time.Time        `json:"locked_until"`
	LastViolation *time.Time        `json:"last_violation"`
}

func identityResp(identity string, snap limiter.Snapshot) IdentityResp {
	return IdentityResp{
		Identity:      identity,
		State:         snap.State,
		TrustScore:    snap.Reputation.TrustScore,
		Allowlisted:   snap.Reputation.Allowlisted,
		Blocklisted:   snap.Reputation.Blocklisted,
		TotalRequests: snap.Reputation.TotalRequests,
		BlockedCount:  snap.Reputation.BlockedCount,
		RequestCount:  snap.RateLimit.RequestCount,
		WindowStart:   timePtr(snap.RateLimit.WindowStart),
		LockedUntil:   timePtr(snap.RateLimit.LockedUntil),
		LastViolation: timePtr(snap.Reputation.LastViolation),
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// --- Events ---

// EventListResp is a page of validation events.
type EventListResp struct {
	Events   []storage.EventRow `json:"events"`
	Total    int                `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
}

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail string `json:"detail"`
}

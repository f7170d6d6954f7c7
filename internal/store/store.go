// Package store persists per-identity rate-limit and reputation state and
// the validation event log.
package store

import (
	"context"
	"time"

	"github.com/triage-ai/bastion/internal/engine"
)

// RateLimitState is one identity's request window and lockout record.
type RateLimitState struct {
	Identity              string    `json:"identity"`
	WindowStart           time.Time `json:"window_start"`
	RequestCount          int       `json:"request_count"`
	ConsecutiveViolations int       `json:"consecutive_violations"`
	LockedUntil           time.Time `json:"locked_until,omitempty"` // zero = not locked out
	UpdatedAt             time.Time `json:"updated_at"`
}

// ReputationRecord is one identity's trust score and list flags.
type ReputationRecord struct {
	Identity      string    `json:"identity"`
	TrustScore    float64   `json:"trust_score"`
	TotalRequests int64     `json:"total_requests"`
	BlockedCount  int64     `json:"blocked_count"`
	LastViolation time.Time `json:"last_violation,omitempty"`
	Allowlisted   bool      `json:"allowlisted"`
	Blocklisted   bool      `json:"blocklisted"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// EventRecord is a persisted validation outcome.
type EventRecord struct {
	ID              string            `json:"id"`
	RequestID       string            `json:"request_id"`
	Identity        string            `json:"identity"`
	Source          engine.Source     `json:"source"`
	Severity        engine.Severity   `json:"severity"`
	Action          engine.Action     `json:"action"`
	State           engine.LimitState `json:"state"`
	TrustScore      float64           `json:"trust_score"`
	Fingerprint     string            `json:"fingerprint"`
	Findings        []engine.Finding  `json:"findings"`
	Recommendations []string          `json:"recommendations"`
	Reason          string            `json:"reason,omitempty"`
	LatencyMs       float64           `json:"latency_ms"`
	CreatedAt       time.Time         `json:"created_at"`
}

// StateStore is the durable backing for identity state and events.
// Get methods return (nil, nil) when the identity has no record.
type StateStore interface {
	GetRateLimit(ctx context.Context, identity string) (*RateLimitState, error)
	UpsertRateLimit(ctx context.Context, st RateLimitState) error
	GetReputation(ctx context.Context, identity string) (*ReputationRecord, error)
	// UpsertReputation writes the score and counters. The list flags of an
	// existing record are left as they are; they change only through
	// SetListFlags.
	UpsertReputation(ctx context.Context, rec ReputationRecord) error
	// SetListFlags writes rec's Allowlisted and Blocklisted flags, inserting
	// rec whole when the identity has no record yet.
	SetListFlags(ctx context.Context, rec ReputationRecord) error
	InsertEvent(ctx context.Context, ev EventRecord) (string, error)
	DeleteEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

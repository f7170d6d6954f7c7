package validator

import (
	"github.com/triage-ai/bastion/internal/engine"
	"github.com/triage-ai/bastion/internal/store"
)

// TaskKind names the work a persistence task carries.
type TaskKind string

const (
	TaskEvent        TaskKind = "event"
	TaskRateLimit    TaskKind = "rate_limit"
	TaskReputation   TaskKind = "reputation"
	TaskNotification TaskKind = "notification"
)

// Task is a deferred unit of persistence work. It is built from value
// copies, so the queue worker shares nothing with the request path.
type Task struct {
	Kind         TaskKind
	Event        store.EventRecord
	RateLimit    store.RateLimitState
	Reputation   store.ReputationRecord
	Notification Notification
	// Seq is the tracker snapshot sequence of a rate-limit or reputation
	// task. Higher is newer.
	Seq uint64
}

// Notification is an operator alert raised by a BLOCK_NOTIFY decision.
type Notification struct {
	Channel   string
	Severity  engine.Severity
	Identity  string
	RequestID string
	Message   string
}

// SyncRecorder is told which identity snapshots reached the store.
// *limiter.Tracker satisfies it.
type SyncRecorder interface {
	Persisted(identity string, rateLimitSeq, reputationSeq uint64)
}

// TaskQueue accepts tasks without blocking. *queue.Queue[Task] satisfies it.
type TaskQueue interface {
	Enqueue(Task)
}

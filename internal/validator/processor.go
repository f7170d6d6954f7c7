package validator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/triage-ai/bastion/internal/notify"
	"github.com/triage-ai/bastion/internal/storage"
	"github.com/triage-ai/bastion/internal/store"
)

// TaskProcessor applies batches of tasks for the persistence queue. Each
// task fails independently: a failure is logged and the task dropped.
type TaskProcessor struct {
	store    store.StateStore
	sink     storage.EventSink // optional analytics sink
	notifier notify.Sink
	synced   SyncRecorder
	logger   *zap.Logger
}

// NewTaskProcessor returns a processor. sink and synced may be nil.
func NewTaskProcessor(st store.StateStore, sink storage.EventSink, notifier notify.Sink, synced SyncRecorder, logger *zap.Logger) *TaskProcessor {
	return &TaskProcessor{store: st, sink: sink, notifier: notifier, synced: synced, logger: logger}
}

// Process implements queue.Processor. State upserts are coalesced so only
// the newest snapshot per identity in the batch is written, and each
// successful write is reported to the SyncRecorder.
func (p *TaskProcessor) Process(ctx context.Context, batch []Task) error {
	var (
		events      []store.EventRecord
		rateLimits  = map[string]Task{}
		reputations = map[string]Task{}
		rlOrder     []string
		repOrder    []string
	)

	for _, t := range batch {
		switch t.Kind {
		case TaskEvent:
			ev := t.Event
			id, err := p.store.InsertEvent(ctx, ev)
			if err != nil {
				p.logger.Warn("event insert failed, dropping",
					zap.String("request_id", ev.RequestID),
					zap.Error(err),
				)
				continue
			}
			ev.ID = id
			events = append(events, ev)

		case TaskRateLimit:
			id := t.RateLimit.Identity
			prev, seen := rateLimits[id]
			if !seen {
				rlOrder = append(rlOrder, id)
			}
			if !seen || newerRateLimit(t, prev) {
				rateLimits[id] = t
			}

		case TaskReputation:
			id := t.Reputation.Identity
			prev, seen := reputations[id]
			if !seen {
				repOrder = append(repOrder, id)
			}
			if !seen || newerReputation(t, prev) {
				reputations[id] = t
			}

		case TaskNotification:
			p.deliver(ctx, t.Notification)

		default:
			p.logger.Warn("unknown task kind, dropping", zap.String("kind", string(t.Kind)))
		}
	}

	for _, id := range rlOrder {
		t := rateLimits[id]
		if err := p.store.UpsertRateLimit(ctx, t.RateLimit); err != nil {
			p.logger.Warn("rate limit upsert failed, dropping", zap.String("identity", id), zap.Error(err))
			continue
		}
		p.persisted(id, t.Seq, 0)
	}
	for _, id := range repOrder {
		t := reputations[id]
		if err := p.store.UpsertReputation(ctx, t.Reputation); err != nil {
			p.logger.Warn("reputation upsert failed, dropping", zap.String("identity", id), zap.Error(err))
			continue
		}
		p.persisted(id, 0, t.Seq)
	}

	if p.sink != nil && len(events) > 0 {
		if err := p.sink.WriteBatch(ctx, events); err != nil {
			return fmt.Errorf("analytics sink: %w", err)
		}
	}
	return nil
}

func (p *TaskProcessor) persisted(identity string, rateLimitSeq, reputationSeq uint64) {
	if p.synced != nil {
		p.synced.Persisted(identity, rateLimitSeq, reputationSeq)
	}
}

// newerRateLimit orders by snapshot sequence, falling back to UpdatedAt
// for tasks built outside the tracker.
func newerRateLimit(t, prev Task) bool {
	if t.Seq != prev.Seq {
		return t.Seq > prev.Seq
	}
	return !t.RateLimit.UpdatedAt.Before(prev.RateLimit.UpdatedAt)
}

func newerReputation(t, prev Task) bool {
	if t.Seq != prev.Seq {
		return t.Seq > prev.Seq
	}
	return t.Reputation.TotalRequests >= prev.Reputation.TotalRequests
}

func (p *TaskProcessor) deliver(ctx context.Context, n Notification) {
	if p.notifier == nil {
		return
	}
	status, err := p.notifier.Deliver(ctx, n.Channel, n.Severity, n.Message)
	if err != nil {
		p.logger.Warn("notification delivery failed, dropping",
			zap.String("channel", n.Channel),
			zap.String("request_id", n.RequestID),
			zap.String("status", status),
			zap.Error(err),
		)
		return
	}
	p.logger.Debug("notification delivered",
		zap.String("channel", n.Channel),
		zap.String("request_id", n.RequestID),
		zap.String("status", status),
	)
}

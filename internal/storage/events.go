// Package storage writes validation events to analytics backends and
// reads aggregate views back out of them.
package storage

import (
	"context"

	"go.uber.org/zap"

	"github.com/triage-ai/bastion/internal/store"
)

// EventSink receives batches of validation events from the persistence
// queue. WriteBatch is called from the queue worker, never the request path.
type EventSink interface {
	WriteBatch(ctx context.Context, events []store.EventRecord) error
	Close() error
}

// eventRow is the flattened analytics shape of an EventRecord.
type eventRow struct {
	ID                string
	RequestID         string
	Identity          string
	Source            string
	Severity          string
	Action            string
	State             string
	TrustScore        float64
	Fingerprint       string
	Reason            string
	LatencyMs         float64
	FindingDetectors  []string
	FindingRules      []string
	FindingCategories []string
	FindingSeverities []string
	Recommendations   []string
}

func toRow(ev store.EventRecord) eventRow {
	row := eventRow{
		ID:                ev.ID,
		RequestID:         ev.RequestID,
		Identity:          ev.Identity,
		Source:            string(ev.Source),
		Severity:          ev.Severity.String(),
		Action:            ev.Action.String(),
		State:             string(ev.State),
		TrustScore:        ev.TrustScore,
		Fingerprint:       ev.Fingerprint,
		Reason:            ev.Reason,
		LatencyMs:         ev.LatencyMs,
		FindingDetectors:  make([]string, len(ev.Findings)),
		FindingRules:      make([]string, len(ev.Findings)),
		FindingCategories: make([]string, len(ev.Findings)),
		FindingSeverities: make([]string, len(ev.Findings)),
		Recommendations:   ev.Recommendations,
	}
	for i, f := range ev.Findings {
		row.FindingDetectors[i] = f.Detector
		row.FindingRules[i] = f.RuleID
		row.FindingCategories[i] = string(f.Category)
		row.FindingSeverities[i] = f.Severity.String()
	}
	if row.Recommendations == nil {
		row.Recommendations = []string{}
	}
	return row
}

// LogSink is a fallback EventSink for local development. It logs each
// event as a structured line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a LogSink writing to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) WriteBatch(_ context.Context, events []store.EventRecord) error {
	for _, ev := range events {
		row := toRow(ev)
		s.logger.Info("validation_event",
			zap.String("request_id", row.RequestID),
			zap.String("identity", row.Identity),
			zap.String("source", row.Source),
			zap.String("severity", row.Severity),
			zap.String("action", row.Action),
			zap.String("state", row.State),
			zap.Float64("trust_score", row.TrustScore),
			zap.Strings("rules", row.FindingRules),
			zap.String("fingerprint", row.Fingerprint),
			zap.Float64("latency_ms", row.LatencyMs),
		)
	}
	return nil
}

func (s *LogSink) Close() error { return nil }

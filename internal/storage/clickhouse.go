package storage

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/triage-ai/bastion/internal/store"
)

const eventsSchema = `
CREATE TABLE IF NOT EXISTS validation_events (
	id                 String,
	request_id         String,
	identity           String,
	timestamp          DateTime64(3, 'UTC'),
	source             LowCardinality(String),
	severity           LowCardinality(String),
	action             LowCardinality(String),
	state              LowCardinality(String),
	trust_score        Float64,
	fingerprint        String,
	reason             String,
	latency_ms         Float64,
	finding_detectors  Array(String),
	finding_rules      Array(String),
	finding_categories Array(String),
	finding_severities Array(String),
	recommendations    Array(String)
) ENGINE = MergeTree
ORDER BY (identity, timestamp)
TTL toDateTime(timestamp) + INTERVAL 90 DAY`

// ClickHouseSink batch-inserts validation events into ClickHouse and
// serves the analytics queries over them.
type ClickHouseSink struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewClickHouseSink opens and pings a ClickHouse connection. TLS follows
// the DSN's secure parameter.
func NewClickHouseSink(ctx context.Context, dsn string, logger *zap.Logger) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseSink: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseSink: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("NewClickHouseSink: %w", err)
	}

	return &ClickHouseSink{conn: conn, logger: logger}, nil
}

// Migrate creates the events table if it does not exist.
func (s *ClickHouseSink) Migrate(ctx context.Context) error {
	if err := s.conn.Exec(ctx, eventsSchema); err != nil {
		return fmt.Errorf("Migrate: %w", err)
	}
	return nil
}

// WriteBatch inserts events with one batch round trip. Rows that fail to
// append are logged and skipped.
func (s *ClickHouseSink) WriteBatch(ctx context.Context, events []store.EventRecord) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO validation_events (
			id, request_id, identity, timestamp,
			source, severity, action, state,
			trust_score, fingerprint, reason, latency_ms,
			finding_detectors, finding_rules, finding_categories, finding_severities,
			recommendations
		)
	`)
	if err != nil {
		return fmt.Errorf("WriteBatch prepare: %w", err)
	}

	for _, ev := range events {
		r := toRow(ev)
		if err := batch.Append(
			r.ID, r.RequestID, r.Identity, ev.CreatedAt,
			r.Source, r.Severity, r.Action, r.State,
			r.TrustScore, r.Fingerprint, r.Reason, r.LatencyMs,
			r.FindingDetectors, r.FindingRules, r.FindingCategories, r.FindingSeverities,
			r.Recommendations,
		); err != nil {
			s.logger.Error("clickhouse append event failed",
				zap.String("request_id", r.RequestID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("WriteBatch send (%d events): %w", len(events), err)
	}
	return nil
}

// Close closes the connection.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}


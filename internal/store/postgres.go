package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const schema = `
CREATE TABLE IF NOT EXISTS rate_limit_state (
	identity               TEXT PRIMARY KEY,
	window_start           TIMESTAMPTZ NOT NULL,
	request_count          INTEGER NOT NULL DEFAULT 0,
	consecutive_violations INTEGER NOT NULL DEFAULT 0,
	locked_until           TIMESTAMPTZ,
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS reputation (
	identity       TEXT PRIMARY KEY,
	trust_score    DOUBLE PRECISION NOT NULL,
	total_requests BIGINT NOT NULL DEFAULT 0,
	blocked_count  BIGINT NOT NULL DEFAULT 0,
	last_violation TIMESTAMPTZ,
	allowlisted    BOOLEAN NOT NULL DEFAULT false,
	blocklisted    BOOLEAN NOT NULL DEFAULT false,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS validation_events (
	id              UUID PRIMARY KEY,
	request_id      TEXT NOT NULL,
	identity        TEXT NOT NULL,
	source          TEXT NOT NULL,
	severity        TEXT NOT NULL,
	action          TEXT NOT NULL,
	state           TEXT NOT NULL,
	trust_score     DOUBLE PRECISION NOT NULL,
	fingerprint     TEXT NOT NULL,
	findings        JSONB NOT NULL,
	recommendations JSONB NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	latency_ms      DOUBLE PRECISION NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS validation_events_created_at_idx ON validation_events (created_at);
CREATE INDEX IF NOT EXISTS validation_events_identity_idx ON validation_events (identity, created_at);
`

// PostgresStore is a StateStore over database/sql, opened with the pgx
// driver (sql.Open("pgx", dsn)).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("Migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRateLimit(ctx context.Context, identity string) (*RateLimitState, error) {
	var st RateLimitState
	var lockedUntil sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT identity, window_start, request_count, consecutive_violations, locked_until, updated_at
		FROM rate_limit_state WHERE identity = $1`, identity,
	).Scan(&st.Identity, &st.WindowStart, &st.RequestCount, &st.ConsecutiveViolations,
		&lockedUntil, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetRateLimit: %w", err)
	}
	if lockedUntil.Valid {
		st.LockedUntil = lockedUntil.Time
	}
	return &st, nil
}

func (s *PostgresStore) UpsertRateLimit(ctx context.Context, st RateLimitState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_state
			(identity, window_start, request_count, consecutive_violations, locked_until, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (identity) DO UPDATE SET
			window_start           = EXCLUDED.window_start,
			request_count          = EXCLUDED.request_count,
			consecutive_violations = EXCLUDED.consecutive_violations,
			locked_until           = EXCLUDED.locked_until,
			updated_at             = EXCLUDED.updated_at`,
		st.Identity, st.WindowStart, st.RequestCount, st.ConsecutiveViolations,
		nullableTime(st.LockedUntil), updatedAt(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("UpsertRateLimit: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReputation(ctx context.Context, identity string) (*ReputationRecord, error) {
	var rec ReputationRecord
	var lastViolation sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT identity, trust_score, total_requests, blocked_count, last_violation,
		       allowlisted, blocklisted, updated_at
		FROM reputation WHERE identity = $1`, identity,
	).Scan(&rec.Identity, &rec.TrustScore, &rec.TotalRequests, &rec.BlockedCount,
		&lastViolation, &rec.Allowlisted, &rec.Blocklisted, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetReputation: %w", err)
	}
	if lastViolation.Valid {
		rec.LastViolation = lastViolation.Time
	}
	return &rec, nil
}

func (s *PostgresStore) UpsertReputation(ctx context.Context, rec ReputationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reputation
			(identity, trust_score, total_requests, blocked_count, last_violation,
			 allowlisted, blocklisted, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (identity) DO UPDATE SET
			trust_score    = EXCLUDED.trust_score,
			total_requests = EXCLUDED.total_requests,
			blocked_count  = EXCLUDED.blocked_count,
			last_violation = EXCLUDED.last_violation,
			updated_at     = EXCLUDED.updated_at`,
		rec.Identity, rec.TrustScore, rec.TotalRequests, rec.BlockedCount,
		nullableTime(rec.LastViolation), rec.Allowlisted, rec.Blocklisted, updatedAt(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("UpsertReputation: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetListFlags(ctx context.Context, rec ReputationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reputation
			(identity, trust_score, total_requests, blocked_count, last_violation,
			 allowlisted, blocklisted, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (identity) DO UPDATE SET
			allowlisted = EXCLUDED.allowlisted,
			blocklisted = EXCLUDED.blocklisted`,
		rec.Identity, rec.TrustScore, rec.TotalRequests, rec.BlockedCount,
		nullableTime(rec.LastViolation), rec.Allowlisted, rec.Blocklisted, updatedAt(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("SetListFlags: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, ev EventRecord) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	findings, err := json.Marshal(ev.Findings)
	if err != nil {
		return "", fmt.Errorf("InsertEvent: %w", err)
	}
	recs, err := json.Marshal(ev.Recommendations)
	if err != nil {
		return "", fmt.Errorf("InsertEvent: %w", err)
	}

	var id string
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO validation_events
			(id, request_id, identity, source, severity, action, state, trust_score,
			 fingerprint, findings, recommendations, reason, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		ev.ID, ev.RequestID, ev.Identity, string(ev.Source), ev.Severity.String(), ev.Action.String(),
		string(ev.State), ev.TrustScore, ev.Fingerprint, findings, recs, ev.Reason, ev.LatencyMs,
		updatedAt(ev.CreatedAt),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("InsertEvent: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) DeleteEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM validation_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("DeleteEventsOlderThan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("DeleteEventsOlderThan: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// nullableTime returns nil (SQL NULL) for the zero time.
func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func updatedAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

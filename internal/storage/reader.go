package storage

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// EventRow is one row of the validation_events table.
type EventRow struct {
	ID                string    `json:"id"`
	RequestID         string    `json:"request_id"`
	Identity          string    `json:"identity"`
	Timestamp         time.Time `json:"timestamp"`
	Source            string    `json:"source"`
	Severity          string    `json:"severity"`
	Action            string    `json:"action"`
	State             string    `json:"state"`
	TrustScore        float64   `json:"trust_score"`
	Fingerprint       string    `json:"fingerprint"`
	Reason            string    `json:"reason"`
	LatencyMs         float64   `json:"latency_ms"`
	FindingRules      []string  `json:"finding_rules"`
	FindingCategories []string  `json:"finding_categories"`
	Recommendations   []string  `json:"recommendations"`
}

// ListEventsParams holds filters and pagination for event listing.
type ListEventsParams struct {
	Identity  *string
	Severity  *string
	Action    *string
	Category  *string
	StartTime *time.Time
	EndTime   *time.Time
	Page      int
	PageSize  int
}

// where builds the filter clause and its named arguments.
func (p ListEventsParams) where() (string, []any) {
	conditions := []string{"1 = 1"}
	var args []any

	if p.Identity != nil {
		conditions = append(conditions, "identity = @identity")
		args = append(args, clickhouse.Named("identity", *p.Identity))
	}
	if p.Severity != nil {
		conditions = append(conditions, "severity = @severity")
		args = append(args, clickhouse.Named("severity", *p.Severity))
	}
	if p.Action != nil {
		conditions = append(conditions, "action = @action")
		args = append(args, clickhouse.Named("action", *p.Action))
	}
	if p.Category != nil {
		conditions = append(conditions, "has(finding_categories, @category)")
		args = append(args, clickhouse.Named("category", *p.Category))
	}
	if p.StartTime != nil {
		conditions = append(conditions, "timestamp >= @start_time")
		args = append(args, clickhouse.Named("start_time", *p.StartTime))
	}
	if p.EndTime != nil {
		conditions = append(conditions, "timestamp <= @end_time")
		args = append(args, clickhouse.Named("end_time", *p.EndTime))
	}
	return strings.Join(conditions, " AND "), args
}

func (p ListEventsParams) page() (limit, offset uint32) {
	size := p.PageSize
	if size <= 0 || size > 500 {
		size = 50
	}
	page := p.Page
	if page < 1 {
		page = 1
	}
	return uint32(size), uint32((page - 1) * size)
}

// ListEvents returns paginated, filtered events, newest first, and the
// total match count.
func (s *ClickHouseSink) ListEvents(ctx context.Context, params ListEventsParams) ([]EventRow, int, error) {
	where, args := params.where()

	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM validation_events WHERE %s", where)
	if err := s.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListEvents count: %w", err)
	}

	limit, offset := params.page()
	dataQuery := fmt.Sprintf(
		"SELECT id, request_id, identity, timestamp, source, severity, action, state, "+
			"trust_score, fingerprint, reason, latency_ms, "+
			"finding_rules, finding_categories, recommendations "+
			"FROM validation_events WHERE %s "+
			"ORDER BY timestamp DESC "+
			"LIMIT @limit OFFSET @offset",
		where,
	)
	args = append(args,
		clickhouse.Named("limit", limit),
		clickhouse.Named("offset", offset),
	)

	rows, err := s.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListEvents query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []EventRow{}
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.ID, &e.RequestID, &e.Identity, &e.Timestamp, &e.Source, &e.Severity, &e.Action, &e.State,
			&e.TrustScore, &e.Fingerprint, &e.Reason, &e.LatencyMs,
			&e.FindingRules, &e.FindingCategories, &e.Recommendations,
		); err != nil {
			return nil, 0, fmt.Errorf("ListEvents scan: %w", err)
		}
		events = append(events, e)
	}

	return events, int(total), rows.Err()
}

// SummaryStats holds aggregate counts.
type SummaryStats struct {
	Total  int `json:"total"`
	Blocks int `json:"blocks"`
	Warns  int `json:"warns"`
	Allows int `json:"allows"`
}

// TimeSeriesBucket holds an hourly count.
type TimeSeriesBucket struct {
	Hour  string `json:"hour"`
	Count int    `json:"count"`
}

// CategoryCount holds a finding category and its count.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// LatencyStats holds latency percentiles.
type LatencyStats struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// IdentityCount holds an identity and its count.
type IdentityCount struct {
	Identity string `json:"identity"`
	Count    int    `json:"count"`
}

// AnalyticsResult holds all analytics aggregations.
type AnalyticsResult struct {
	Summary              SummaryStats       `json:"summary"`
	BlocksOverTime       []TimeSeriesBucket `json:"blocks_over_time"`
	TopCategories        []CategoryCount    `json:"top_categories"`
	LatencyPercentiles   LatencyStats       `json:"latency_percentiles"`
	TopBlockedIdentities []IdentityCount    `json:"top_blocked_identities"`
}

// Analytics aggregates the last days of events.
func (s *ClickHouseSink) Analytics(ctx context.Context, days int) (*AnalyticsResult, error) {
	if days <= 0 {
		days = 7
	}
	rangeStart := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	args := []any{clickhouse.Named("range_start", rangeStart)}

	result := &AnalyticsResult{
		BlocksOverTime:       []TimeSeriesBucket{},
		TopCategories:        []CategoryCount{},
		TopBlockedIdentities: []IdentityCount{},
	}

	var total, blocks, warns, allows uint64
	err := s.conn.QueryRow(ctx,
		"SELECT count(), "+
			"countIf(action IN ('block', 'block_notify')), "+
			"countIf(action = 'warn'), "+
			"countIf(action = 'allow') "+
			"FROM validation_events WHERE timestamp >= @range_start",
		args...,
	).Scan(&total, &blocks, &warns, &allows)
	if err != nil {
		return nil, fmt.Errorf("Analytics summary: %w", err)
	}
	result.Summary = SummaryStats{Total: int(total), Blocks: int(blocks), Warns: int(warns), Allows: int(allows)}

	botRows, err := s.conn.Query(ctx,
		"SELECT toStartOfHour(timestamp) AS hour, count() "+
			"FROM validation_events "+
			"WHERE action IN ('block', 'block_notify') AND timestamp >= @range_start "+
			"GROUP BY hour ORDER BY hour",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("Analytics blocks_over_time: %w", err)
	}
	defer func() { _ = botRows.Close() }()
	for botRows.Next() {
		var hour time.Time
		var count uint64
		if err := botRows.Scan(&hour, &count); err != nil {
			return nil, fmt.Errorf("Analytics blocks_over_time scan: %w", err)
		}
		result.BlocksOverTime = append(result.BlocksOverTime, TimeSeriesBucket{
			Hour:  hour.Format(time.RFC3339),
			Count: int(count),
		})
	}

	catRows, err := s.conn.Query(ctx,
		"SELECT arrayJoin(finding_categories) AS category, count() AS c "+
			"FROM validation_events WHERE timestamp >= @range_start "+
			"GROUP BY category ORDER BY c DESC LIMIT 10",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("Analytics top_categories: %w", err)
	}
	defer func() { _ = catRows.Close() }()
	for catRows.Next() {
		var cat string
		var count uint64
		if err := catRows.Scan(&cat, &count); err != nil {
			return nil, fmt.Errorf("Analytics top_categories scan: %w", err)
		}
		result.TopCategories = append(result.TopCategories, CategoryCount{Category: cat, Count: int(count)})
	}

	var p50, p95, p99 float64
	err = s.conn.QueryRow(ctx,
		"SELECT quantile(0.5)(latency_ms), quantile(0.95)(latency_ms), quantile(0.99)(latency_ms) "+
			"FROM validation_events WHERE timestamp >= @range_start",
		args...,
	).Scan(&p50, &p95, &p99)
	if err != nil {
		return nil, fmt.Errorf("Analytics latency: %w", err)
	}
	result.LatencyPercentiles = LatencyStats{P50: safeFloat(p50), P95: safeFloat(p95), P99: safeFloat(p99)}

	idRows, err := s.conn.Query(ctx,
		"SELECT identity, count() AS c "+
			"FROM validation_events "+
			"WHERE action IN ('block', 'block_notify') AND identity != '' AND timestamp >= @range_start "+
			"GROUP BY identity ORDER BY c DESC LIMIT 10",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("Analytics top_identities: %w", err)
	}
	defer func() { _ = idRows.Close() }()
	for idRows.Next() {
		var id string
		var count uint64
		if err := idRows.Scan(&id, &count); err != nil {
			return nil, fmt.Errorf("Analytics top_identities scan: %w", err)
		}
		result.TopBlockedIdentities = append(result.TopBlockedIdentities, IdentityCount{Identity: id, Count: int(count)})
	}

	return result, nil
}

// safeFloat replaces NaN/Inf with 0. quantile() on an empty set is NaN.
func safeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

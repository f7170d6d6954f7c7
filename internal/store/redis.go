package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key written by RedisStore.
const DefaultRedisPrefix = "bastion"

// RedisStore is a StateStore over Redis. Identity records are JSON values
// under {prefix}:ratelimit:{identity} and {prefix}:reputation:{identity}.
// List flags live in the {prefix}:flags:{identity} hash and override the
// copies in the reputation body. Events are appended to the
// {prefix}:events stream.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

// OpenRedis parses a redis:// URL, connects and pings.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("OpenRedis: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("OpenRedis: %w", err)
	}
	return rdb, nil
}

func (s *RedisStore) key(kind, identity string) string {
	return s.prefix + ":" + kind + ":" + identity
}

func (s *RedisStore) eventStream() string {
	return s.prefix + ":events"
}

func (s *RedisStore) GetRateLimit(ctx context.Context, identity string) (*RateLimitState, error) {
	var st RateLimitState
	found, err := s.getJSON(ctx, s.key("ratelimit", identity), &st)
	if err != nil {
		return nil, fmt.Errorf("GetRateLimit: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &st, nil
}

func (s *RedisStore) UpsertRateLimit(ctx context.Context, st RateLimitState) error {
	st.UpdatedAt = updatedAt(st.UpdatedAt)
	if err := s.setJSON(ctx, s.key("ratelimit", st.Identity), st); err != nil {
		return fmt.Errorf("UpsertRateLimit: %w", err)
	}
	return nil
}

func (s *RedisStore) GetReputation(ctx context.Context, identity string) (*ReputationRecord, error) {
	pipe := s.rdb.Pipeline()
	recCmd := pipe.Get(ctx, s.key("reputation", identity))
	flagsCmd := pipe.HGetAll(ctx, s.key("flags", identity))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("GetReputation: %w", err)
	}

	b, err := recCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetReputation: %w", err)
	}
	var rec ReputationRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("GetReputation: decode: %w", err)
	}

	flags := flagsCmd.Val()
	if v, ok := flags["allowlisted"]; ok {
		rec.Allowlisted = v == "1"
	}
	if v, ok := flags["blocklisted"]; ok {
		rec.Blocklisted = v == "1"
	}
	return &rec, nil
}

// UpsertReputation replaces the record body. The flags hash is only
// initialized here; an existing one is never overwritten.
func (s *RedisStore) UpsertReputation(ctx context.Context, rec ReputationRecord) error {
	rec.UpdatedAt = updatedAt(rec.UpdatedAt)
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("UpsertReputation: %w", err)
	}
	flagsKey := s.key("flags", rec.Identity)
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.key("reputation", rec.Identity), b, 0)
	pipe.HSetNX(ctx, flagsKey, "allowlisted", flagValue(rec.Allowlisted))
	pipe.HSetNX(ctx, flagsKey, "blocklisted", flagValue(rec.Blocklisted))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("UpsertReputation: %w", err)
	}
	return nil
}

func (s *RedisStore) SetListFlags(ctx context.Context, rec ReputationRecord) error {
	rec.UpdatedAt = updatedAt(rec.UpdatedAt)
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("SetListFlags: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.SetNX(ctx, s.key("reputation", rec.Identity), b, 0)
	pipe.HSet(ctx, s.key("flags", rec.Identity),
		"allowlisted", flagValue(rec.Allowlisted),
		"blocklisted", flagValue(rec.Blocklisted),
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("SetListFlags: %w", err)
	}
	return nil
}

func flagValue(on bool) string {
	if on {
		return "1"
	}
	return "0"
}

// InsertEvent appends the event to the stream. The stream entry id is
// assigned by the server; the returned id is the event's uuid.
func (s *RedisStore) InsertEvent(ctx context.Context, ev EventRecord) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.CreatedAt = updatedAt(ev.CreatedAt)
	body, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("InsertEvent: %w", err)
	}
	err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.eventStream(),
		ID:     "*",
		Values: map[string]interface{}{
			"id":       ev.ID,
			"identity": ev.Identity,
			"severity": ev.Severity.String(),
			"event":    body,
		},
	}).Err()
	if err != nil {
		return "", fmt.Errorf("InsertEvent: %w", err)
	}
	return ev.ID, nil
}

// DeleteEventsOlderThan trims stream entries whose id timestamp is before cutoff.
func (s *RedisStore) DeleteEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	minID := strconv.FormatInt(cutoff.UnixMilli(), 10) + "-0"
	n, err := s.rdb.XTrimMinID(ctx, s.eventStream(), minID).Result()
	if err != nil {
		return 0, fmt.Errorf("DeleteEventsOlderThan: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) getJSON(ctx context.Context, key string, dst interface{}) (bool, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, b, 0).Err()
}

// Package limiter tracks per-identity rate-limit state and reputation.
//
// Each identity has one in-memory entry holding its RateLimitState and
// ReputationRecord. Entries live in fnv-hashed shards; a shard lock is
// held only to find or create an entry, and the read-modify-write of an
// identity's state runs under that entry's own lock. Different identities
// therefore never wait on each other's critical sections.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/bastion/internal/engine"
	"github.com/triage-ai/bastion/internal/store"
)

// ErrStateUnavailable is returned by list updates when the identity's
// stored state could not be read.
var ErrStateUnavailable = errors.New("identity state unavailable")

// Status is what the action engine sees for an identity.
type Status struct {
	State       engine.LimitState
	Blocklisted bool
	Allowlisted bool
	TrustScore  float64
}

// Snapshot is a value copy of an identity's state after an observation,
// safe to hand to another goroutine.
//
// Seq orders snapshots across the whole tracker. It is zero when the
// identity's durable state has not been read yet (a store outage), and
// such a snapshot must not be persisted: it was built from defaults and
// would overwrite the real record.
type Snapshot struct {
	State      engine.LimitState
	RateLimit  store.RateLimitState
	Reputation store.ReputationRecord
	Seq        uint64
}

// DecideFunc maps the identity's status to a decision. It runs inside the
// identity's critical section and must not block.
type DecideFunc func(Status) engine.Decision

// Tracker owns all per-identity state for the process.
type Tracker struct {
	cfg    Config
	store  store.StateStore
	logger *zap.Logger
	now    func() time.Time
	shards []*shard
	seq    atomic.Uint64

	// hardLimit is the per-shard size past which entries with unwritten
	// snapshots are evicted too.
	hardLimit int
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *lruKeys
}

type entry struct {
	refs int // guarded by shard.mu

	// seq is the newest snapshot handed out for persistence; the synced
	// fields are the newest known to be written. An entry is evictable
	// only once both have caught up.
	seq       atomic.Uint64
	rlSynced  atomic.Uint64
	repSynced atomic.Uint64

	// lockedUntil mirrors rl.LockedUntil in unix nanoseconds for readers
	// holding only the shard lock.
	lockedUntil atomic.Int64

	mu          sync.Mutex
	initialized bool
	loaded      bool
	rl          store.RateLimitState
	rep         store.ReputationRecord
}

func (e *entry) dirty() bool {
	seq := e.seq.Load()
	return e.rlSynced.Load() < seq || e.repSynced.Load() < seq
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker validates cfg and returns a tracker reading initial state
// from st on first use of each identity.
func NewTracker(cfg Config, st store.StateStore, logger *zap.Logger, opts ...Option) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("NewTracker: %w", err)
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultConfig().Shards
	}
	if cfg.MaxIdentities <= 0 {
		cfg.MaxIdentities = DefaultConfig().MaxIdentities
	}
	perShard := cfg.MaxIdentities / cfg.Shards
	if perShard < 1 {
		perShard = 1
	}

	t := &Tracker{
		cfg:       cfg,
		store:     st,
		logger:    logger,
		now:       time.Now,
		shards:    make([]*shard, cfg.Shards),
		hardLimit: 2 * perShard,
	}
	for i := range t.shards {
		t.shards[i] = &shard{
			entries: make(map[string]*entry),
			lru:     newLRUKeys(perShard),
		}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Observe records one validation for identity and returns the decision
// made by decide together with a snapshot of the updated state. Window
// and lockout expiry are evaluated here, at time of use.
func (t *Tracker) Observe(ctx context.Context, identity string, sev engine.Severity, decide DecideFunc) (engine.Decision, Snapshot) {
	e, release := t.acquire(identity)
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()
	t.load(ctx, identity, e)

	now := t.now()
	state := t.advance(e, sev, now)

	d := decide(Status{
		State:       state,
		Blocklisted: e.rep.Blocklisted,
		Allowlisted: e.rep.Allowlisted,
		TrustScore:  e.rep.TrustScore,
	})

	t.cfg.Score.scoreUpdate(&e.rep, sev, d, state, now)
	e.rl.UpdatedAt = now
	e.rep.UpdatedAt = now
	e.lockedUntil.Store(unixNano(e.rl.LockedUntil))

	snap := Snapshot{State: state, RateLimit: e.rl, Reputation: e.rep}
	if e.loaded {
		snap.Seq = t.seq.Add(1)
		e.seq.Store(snap.Seq)
	}
	return d, snap
}

// Persisted records that the identity's snapshots up to the given
// sequences reached the store. A zero sequence leaves that half
// unchanged. Entries with unwritten snapshots are kept in memory, so a
// reload never reads state older than the last decision.
func (t *Tracker) Persisted(identity string, rateLimitSeq, reputationSeq uint64) {
	s := t.shardFor(identity)
	s.mu.Lock()
	e, ok := s.entries[identity]
	s.mu.Unlock()
	if !ok {
		return
	}
	raise(&e.rlSynced, rateLimitSeq)
	raise(&e.repSynced, reputationSeq)
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func raise(v *atomic.Uint64, to uint64) {
	for {
		cur := v.Load()
		if to <= cur || v.CompareAndSwap(cur, to) {
			return
		}
	}
}

// advance applies one request to the rate-limit state machine and returns
// the identity's state for this request.
func (t *Tracker) advance(e *entry, sev engine.Severity, now time.Time) engine.LimitState {
	rl := &e.rl

	if !rl.LockedUntil.IsZero() && !now.Before(rl.LockedUntil) {
		*rl = store.RateLimitState{Identity: rl.Identity, WindowStart: now}
	}
	if e.rep.Blocklisted || !rl.LockedUntil.IsZero() {
		return engine.StateLockedOut
	}

	if rl.WindowStart.IsZero() || now.After(rl.WindowStart.Add(t.cfg.Window)) {
		rl.WindowStart = now
		rl.RequestCount = 0
	}
	rl.RequestCount++

	if sev >= engine.SeverityHigh {
		rl.ConsecutiveViolations++
	} else {
		rl.ConsecutiveViolations = 0
	}

	if rl.ConsecutiveViolations > t.cfg.MaxConsecutiveViolations {
		t.logger.Warn("identity locked out",
			zap.String("identity", rl.Identity),
			zap.Int("consecutive_violations", rl.ConsecutiveViolations),
			zap.Duration("lockout", t.cfg.LockoutDuration),
		)
		rl.LockedUntil = now.Add(t.cfg.LockoutDuration)
		rl.WindowStart = now
		rl.RequestCount = 0
		rl.ConsecutiveViolations = 0
		return engine.StateLockedOut
	}

	if rl.RequestCount > t.cfg.MaxRequestsPerWindow {
		return engine.StateThrottled
	}
	return engine.StateNormal
}

// Peek returns the identity's current state without recording a request.
func (t *Tracker) Peek(ctx context.Context, identity string) Snapshot {
	e, release := t.acquire(identity)
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()
	t.load(ctx, identity, e)

	now := t.now()
	rl := e.rl
	state := engine.StateNormal
	switch {
	case e.rep.Blocklisted:
		state = engine.StateLockedOut
	case !rl.LockedUntil.IsZero() && now.Before(rl.LockedUntil):
		state = engine.StateLockedOut
	case !rl.WindowStart.IsZero() && !now.After(rl.WindowStart.Add(t.cfg.Window)) &&
		rl.RequestCount > t.cfg.MaxRequestsPerWindow:
		state = engine.StateThrottled
	}
	return Snapshot{State: state, RateLimit: rl, Reputation: e.rep}
}

// SetBlocklisted sets the identity's blocklist flag and writes it
// through to the store.
func (t *Tracker) SetBlocklisted(ctx context.Context, identity string, on bool) (Snapshot, error) {
	return t.setFlag(ctx, identity, func(rec *store.ReputationRecord) { rec.Blocklisted = on })
}

// SetAllowlisted sets the identity's allowlist flag and writes it
// through to the store.
func (t *Tracker) SetAllowlisted(ctx context.Context, identity string, on bool) (Snapshot, error) {
	return t.setFlag(ctx, identity, func(rec *store.ReputationRecord) {
		rec.Allowlisted = on
		if on {
			rec.TrustScore = t.cfg.Score.clamp(rec.TrustScore, true)
		}
	})
}

func (t *Tracker) setFlag(ctx context.Context, identity string, apply func(*store.ReputationRecord)) (Snapshot, error) {
	e, release := t.acquire(identity)
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()
	t.load(ctx, identity, e)
	// Both flags are written, so the other one must come from the store.
	if !e.loaded {
		return Snapshot{}, fmt.Errorf("setFlag: %w", ErrStateUnavailable)
	}

	rec := e.rep
	apply(&rec)
	rec.UpdatedAt = t.now()
	if err := t.store.SetListFlags(ctx, rec); err != nil {
		return Snapshot{}, fmt.Errorf("setFlag: %w", err)
	}
	e.rep = rec
	return Snapshot{State: t.stateLocked(e), RateLimit: e.rl, Reputation: e.rep}, nil
}

func (t *Tracker) stateLocked(e *entry) engine.LimitState {
	if e.rep.Blocklisted || (!e.rl.LockedUntil.IsZero() && t.now().Before(e.rl.LockedUntil)) {
		return engine.StateLockedOut
	}
	return engine.StateNormal
}

// load fills an entry from the store on first use. A failed read leaves
// the entry unloaded so the next request retries; until then the entry
// runs on permissive defaults and its snapshots are not persisted.
func (t *Tracker) load(ctx context.Context, identity string, e *entry) {
	if e.loaded {
		return
	}
	if !e.initialized {
		e.initialized = true
		e.rl = store.RateLimitState{Identity: identity}
		e.rep = store.ReputationRecord{Identity: identity, TrustScore: t.cfg.Score.Baseline}
	}

	rl, err := t.store.GetRateLimit(ctx, identity)
	if err != nil {
		t.logger.Warn("rate limit lookup failed, using permissive default",
			zap.String("identity", identity),
			zap.Error(err),
		)
		return
	}
	rep, err := t.store.GetReputation(ctx, identity)
	if err != nil {
		t.logger.Warn("reputation lookup failed, using neutral trust",
			zap.String("identity", identity),
			zap.Error(err),
		)
		return
	}
	e.loaded = true

	if rl != nil {
		// A lockout raised in memory while the store was unreachable outlives the read.
		inMemory := e.rl.LockedUntil
		e.rl = *rl
		e.rl.Identity = identity
		if inMemory.After(e.rl.LockedUntil) {
			e.rl.LockedUntil = inMemory
		}
	}
	if rep != nil {
		e.rep = *rep
		e.rep.Identity = identity
		e.rep.TrustScore = t.cfg.Score.clamp(e.rep.TrustScore, e.rep.Allowlisted)
	}
}

// acquire pins the identity's entry, creating it if needed. The returned
// func unpins it.
func (t *Tracker) acquire(identity string) (*entry, func()) {
	s := t.shardFor(identity)

	s.mu.Lock()
	e, ok := s.entries[identity]
	if !ok {
		e = &entry{}
		s.entries[identity] = e
	}
	e.refs++
	s.lru.touch(identity)
	for _, key := range s.lru.evict(s.lru.max, func(key string) bool {
		ent := s.entries[key]
		return ent.refs > 0 || ent.dirty()
	}) {
		delete(s.entries, key)
	}
	// Past the hard limit unwritten state goes too, except a lockout
	// still in force.
	if s.lru.len() > t.hardLimit {
		now := t.now().UnixNano()
		for _, key := range s.lru.evict(t.hardLimit, func(key string) bool {
			ent := s.entries[key]
			return ent.refs > 0 || (ent.dirty() && ent.lockedUntil.Load() > now)
		}) {
			t.logger.Warn("evicting identity with unwritten state",
				zap.String("identity", key),
			)
			delete(s.entries, key)
		}
	}
	s.mu.Unlock()

	return e, func() {
		s.mu.Lock()
		e.refs--
		s.mu.Unlock()
	}
}

// Len returns the number of identities held in memory.
func (t *Tracker) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += s.lru.len()
		s.mu.Unlock()
	}
	return n
}

func (t *Tracker) shardFor(identity string) *shard {
	if len(t.shards) == 1 {
		return t.shards[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}

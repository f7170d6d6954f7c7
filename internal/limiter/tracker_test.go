package limiter

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/triage-ai/bastion/internal/engine"
	"github.com/triage-ai/bastion/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestTracker(t *testing.T, cfg Config, st store.StateStore, clock *fakeClock) *Tracker {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore()
	}
	tr, err := NewTracker(cfg, st, zap.NewNop(), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return tr
}

// decider wires the default action table the way the validator does.
func decider(t *testing.T, identity string, sev engine.Severity) DecideFunc {
	t.Helper()
	ae, err := engine.NewActionEngine(engine.DefaultActionTable(), nil)
	if err != nil {
		t.Fatalf("NewActionEngine: %v", err)
	}
	return func(s Status) engine.Decision {
		return ae.Decide(engine.DecisionInput{
			Identity:    identity,
			Severity:    sev,
			State:       s.State,
			Blocklisted: s.Blocklisted,
		})
	}
}

func observe(t *testing.T, tr *Tracker, identity string, sev engine.Severity) (engine.Decision, Snapshot) {
	t.Helper()
	return tr.Observe(context.Background(), identity, sev, decider(t, identity, sev))
}

func TestObserve_ThrottledAfterThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRequestsPerWindow = 1
	tr := newTestTracker(t, cfg, nil, newFakeClock())

	var last Snapshot
	var lastDecision engine.Decision
	for i := 1; i <= 6; i++ {
		lastDecision, last = observe(t, tr, "user-1", engine.SeveritySafe)
		if i == 1 && last.State != engine.StateNormal {
			t.Fatalf("first request should be normal, got %s", last.State)
		}
	}
	if last.State != engine.StateThrottled {
		t.Fatalf("6th request should be throttled, got %s", last.State)
	}
	if lastDecision.Action != engine.ActionWarn {
		t.Errorf("throttled SAFE request should escalate to WARN, got %v", lastDecision.Action)
	}
	if last.RateLimit.RequestCount != 6 {
		t.Errorf("expected 6 requests in window, got %d", last.RateLimit.RequestCount)
	}
}

func TestObserve_WindowResets(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.MaxRequestsPerWindow = 3
	tr := newTestTracker(t, cfg, nil, clock)

	for i := 0; i < 3; i++ {
		if _, snap := observe(t, tr, "user-1", engine.SeveritySafe); snap.State != engine.StateNormal {
			t.Fatalf("request %d should be normal, got %s", i+1, snap.State)
		}
	}

	// Exactly at the window edge the old window still applies.
	clock.Advance(cfg.Window)
	if _, snap := observe(t, tr, "user-1", engine.SeveritySafe); snap.State != engine.StateThrottled {
		t.Fatalf("4th request inside the window should be throttled, got %s", snap.State)
	}

	clock.Advance(time.Nanosecond)
	_, snap := observe(t, tr, "user-1", engine.SeveritySafe)
	if snap.State != engine.StateNormal {
		t.Fatalf("request after the window should start fresh, got %s", snap.State)
	}
	if snap.RateLimit.RequestCount != 1 || !snap.RateLimit.WindowStart.Equal(clock.Now()) {
		t.Errorf("expected a fresh window, got %+v", snap.RateLimit)
	}
}

func TestObserve_LockoutAndExpiry(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.MaxConsecutiveViolations = 2
	tr := newTestTracker(t, cfg, nil, clock)

	for i := 1; i <= 2; i++ {
		if _, snap := observe(t, tr, "attacker", engine.SeverityHigh); snap.State != engine.StateNormal {
			t.Fatalf("violation %d should not lock out yet, got %s", i, snap.State)
		}
	}
	d, snap := observe(t, tr, "attacker", engine.SeverityHigh)
	if snap.State != engine.StateLockedOut || d.Action != engine.ActionBlock {
		t.Fatalf("3rd consecutive violation should lock out, got %s / %v", snap.State, d.Action)
	}
	if want := clock.Now().Add(cfg.LockoutDuration); !snap.RateLimit.LockedUntil.Equal(want) {
		t.Errorf("expected lockout until %v, got %v", want, snap.RateLimit.LockedUntil)
	}

	// Locked out regardless of severity; counters frozen.
	clock.Advance(cfg.LockoutDuration - time.Second)
	d, snap = observe(t, tr, "attacker", engine.SeveritySafe)
	if snap.State != engine.StateLockedOut || d.Action != engine.ActionBlock {
		t.Fatalf("SAFE request during lockout should be blocked, got %s / %v", snap.State, d.Action)
	}
	if snap.RateLimit.RequestCount != 0 {
		t.Errorf("requests during lockout should not be counted, got %d", snap.RateLimit.RequestCount)
	}

	clock.Advance(time.Second)
	d, snap = observe(t, tr, "attacker", engine.SeveritySafe)
	if snap.State != engine.StateNormal || d.Action != engine.ActionAllow {
		t.Fatalf("lockout should expire at lockout_until, got %s / %v", snap.State, d.Action)
	}
	if snap.RateLimit.RequestCount != 1 || snap.RateLimit.ConsecutiveViolations != 0 || !snap.RateLimit.LockedUntil.IsZero() {
		t.Errorf("counters should be reset after lockout, got %+v", snap.RateLimit)
	}
}

func TestObserve_LowerSeverityResetsConsecutive(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveViolations = 2
	tr := newTestTracker(t, cfg, nil, newFakeClock())

	sevs := []engine.Severity{engine.SeverityHigh, engine.SeverityCritical, engine.SeverityMedium, engine.SeverityHigh, engine.SeverityHigh}
	for _, sev := range sevs {
		if _, snap := observe(t, tr, "user-1", sev); snap.State == engine.StateLockedOut {
			t.Fatalf("interrupted violations should not lock out (at %v)", sev)
		}
	}
}

func TestObserve_BlocklistedAlwaysLockedOut(t *testing.T) {
	tr := newTestTracker(t, DefaultConfig(), nil, newFakeClock())
	ctx := context.Background()

	if _, err := tr.SetBlocklisted(ctx, "bad", true); err != nil {
		t.Fatalf("SetBlocklisted: %v", err)
	}
	for _, sev := range engine.Severities {
		d, snap := observe(t, tr, "bad", sev)
		if snap.State != engine.StateLockedOut || d.Action != engine.ActionBlock {
			t.Errorf("blocklisted with %v: expected locked_out/BLOCK, got %s/%v", sev, snap.State, d.Action)
		}
		if snap.Reputation.TrustScore != DefaultScoreConfig().Baseline {
			t.Errorf("blocklisted identities are not scored, got %v", snap.Reputation.TrustScore)
		}
	}

	if _, err := tr.SetBlocklisted(ctx, "bad", false); err != nil {
		t.Fatalf("SetBlocklisted: %v", err)
	}
	if _, snap := observe(t, tr, "bad", engine.SeveritySafe); snap.State != engine.StateNormal {
		t.Errorf("removing the blocklist flag should restore normal, got %s", snap.State)
	}
}

func TestObserve_TrustScore(t *testing.T) {
	tr := newTestTracker(t, DefaultConfig(), nil, newFakeClock())
	sc := DefaultScoreConfig()

	_, snap := observe(t, tr, "user-1", engine.SeverityCritical)
	want := sc.Baseline - sc.CriticalPenalty - sc.BlockPenalty
	if snap.Reputation.TrustScore != want {
		t.Fatalf("expected %v after CRITICAL+block, got %v", want, snap.Reputation.TrustScore)
	}
	if snap.Reputation.BlockedCount != 1 || snap.Reputation.LastViolation.IsZero() {
		t.Errorf("unexpected reputation %+v", snap.Reputation)
	}

	_, snap = observe(t, tr, "user-1", engine.SeveritySafe)
	if snap.Reputation.TrustScore != want+sc.RecoveryStep {
		t.Errorf("SAFE request should recover by one step, got %v", snap.Reputation.TrustScore)
	}

	_, snap = observe(t, tr, "user-1", engine.SeverityMedium)
	if snap.Reputation.TrustScore != want+sc.RecoveryStep {
		t.Errorf("MEDIUM should leave the score unchanged, got %v", snap.Reputation.TrustScore)
	}

	for i := 0; i < 10; i++ {
		_, snap = observe(t, tr, "user-2", engine.SeverityCritical)
	}
	if snap.Reputation.TrustScore != sc.Min {
		t.Errorf("score should clamp at %v, got %v", sc.Min, snap.Reputation.TrustScore)
	}
	if snap.Reputation.TotalRequests != 10 {
		t.Errorf("expected 10 total requests, got %d", snap.Reputation.TotalRequests)
	}
}

func TestObserve_AllowlistFloor(t *testing.T) {
	tr := newTestTracker(t, DefaultConfig(), nil, newFakeClock())
	if _, err := tr.SetAllowlisted(context.Background(), "trusted", true); err != nil {
		t.Fatalf("SetAllowlisted: %v", err)
	}
	var snap Snapshot
	for i := 0; i < 5; i++ {
		_, snap = observe(t, tr, "trusted", engine.SeverityCritical)
	}
	if snap.Reputation.TrustScore != DefaultScoreConfig().AllowlistFloor {
		t.Errorf("allowlisted score should not drop below floor, got %v", snap.Reputation.TrustScore)
	}
}

func TestScoreConfig_RecoveryDoesNotOvershoot(t *testing.T) {
	sc := DefaultScoreConfig()
	sc.RecoveryStep = 3
	if got := sc.towardBaseline(49); got != 50 {
		t.Errorf("expected 50, got %v", got)
	}
	if got := sc.towardBaseline(52); got != 50 {
		t.Errorf("expected 50, got %v", got)
	}
	if got := sc.towardBaseline(80); got != 77 {
		t.Errorf("expected 77, got %v", got)
	}
}

func TestObserve_LoadsPersistedState(t *testing.T) {
	clock := newFakeClock()
	st := store.NewMemoryStore()
	ctx := context.Background()
	st.UpsertRateLimit(ctx, store.RateLimitState{
		Identity:    "returning",
		WindowStart: clock.Now().Add(-time.Minute),
		LockedUntil: clock.Now().Add(time.Minute),
	})
	st.UpsertReputation(ctx, store.ReputationRecord{Identity: "returning", TrustScore: 12, TotalRequests: 40})

	tr := newTestTracker(t, DefaultConfig(), st, clock)
	_, snap := observe(t, tr, "returning", engine.SeveritySafe)
	if snap.State != engine.StateLockedOut {
		t.Errorf("persisted lockout should apply, got %s", snap.State)
	}
	if snap.Reputation.TotalRequests != 41 {
		t.Errorf("expected persisted counters to continue, got %d", snap.Reputation.TotalRequests)
	}
}

type failingStore struct {
	store.StateStore
}

func (failingStore) GetRateLimit(context.Context, string) (*store.RateLimitState, error) {
	return nil, errors.New("connection refused")
}

func (failingStore) GetReputation(context.Context, string) (*store.ReputationRecord, error) {
	return nil, errors.New("connection refused")
}

func TestObserve_StoreOutageIsPermissive(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	tr, err := NewTracker(DefaultConfig(), failingStore{}, zap.New(core))
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	d, snap := observe(t, tr, "user-1", engine.SeveritySafe)
	if snap.State != engine.StateNormal || d.Action != engine.ActionAllow {
		t.Errorf("store outage should fall back to normal/ALLOW, got %s/%v", snap.State, d.Action)
	}
	if snap.Reputation.TrustScore != DefaultScoreConfig().Baseline {
		t.Errorf("expected neutral trust, got %v", snap.Reputation.TrustScore)
	}
	if logs.FilterMessageSnippet("using permissive default").Len() != 1 {
		t.Errorf("expected a warning for the failed lookup, got %v", logs.All())
	}
	if snap.Seq != 0 {
		t.Errorf("a snapshot built on defaults must not be persistable, got seq %d", snap.Seq)
	}
}

// flakyReadStore fails the next n reputation reads.
type flakyReadStore struct {
	*store.MemoryStore
	failures atomic.Int32
}

func (s *flakyReadStore) GetReputation(ctx context.Context, identity string) (*store.ReputationRecord, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, errors.New("i/o timeout")
	}
	return s.MemoryStore.GetReputation(ctx, identity)
}

func TestObserve_RetriesLoadAfterFailedRead(t *testing.T) {
	ctx := context.Background()
	st := &flakyReadStore{MemoryStore: store.NewMemoryStore()}
	st.SetListFlags(ctx, store.ReputationRecord{Identity: "mallory", TrustScore: 20, TotalRequests: 9, Blocklisted: true})
	st.failures.Store(2)
	tr := newTestTracker(t, DefaultConfig(), st, newFakeClock())

	for i := 0; i < 2; i++ {
		d, snap := observe(t, tr, "mallory", engine.SeveritySafe)
		if d.Action != engine.ActionAllow || snap.Seq != 0 {
			t.Fatalf("request %d: expected permissive unpersisted snapshot, got %v seq=%d", i, d.Action, snap.Seq)
		}
	}

	d, snap := observe(t, tr, "mallory", engine.SeveritySafe)
	if !d.Action.Blocks() || snap.State != engine.StateLockedOut {
		t.Errorf("expected the durable blocklist once the read succeeds, got %v/%s", d.Action, snap.State)
	}
	if snap.Seq == 0 {
		t.Error("expected a persistable snapshot after a successful load")
	}
	if snap.Reputation.TotalRequests != 10 || snap.Reputation.TrustScore != 20 {
		t.Errorf("expected durable counters to continue, got %+v", snap.Reputation)
	}
}

func TestObserve_LockoutRaisedDuringOutageSurvivesLoad(t *testing.T) {
	ctx := context.Background()
	st := &flakyReadStore{MemoryStore: store.NewMemoryStore()}
	clock := newFakeClock()
	st.UpsertRateLimit(ctx, store.RateLimitState{Identity: "attacker", WindowStart: clock.Now()})
	st.UpsertReputation(ctx, store.ReputationRecord{Identity: "attacker", TrustScore: 50})
	st.failures.Store(5)
	cfg := DefaultConfig()
	tr := newTestTracker(t, cfg, st, clock)

	var snap Snapshot
	for i := 0; i <= cfg.MaxConsecutiveViolations; i++ {
		_, snap = observe(t, tr, "attacker", engine.SeverityHigh)
	}
	if snap.State != engine.StateLockedOut {
		t.Fatalf("expected lockout during the outage, got %s", snap.State)
	}

	_, snap = observe(t, tr, "attacker", engine.SeveritySafe)
	if snap.State != engine.StateLockedOut || snap.Seq == 0 {
		t.Errorf("expected the in-memory lockout kept over the loaded record, got %s seq=%d", snap.State, snap.Seq)
	}
}

func TestObserve_ConcurrentIdentitiesAreIsolated(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRequestsPerWindow = 1_000_000
	cfg.MaxConsecutiveViolations = 1_000_000
	tr := newTestTracker(t, cfg, nil, newFakeClock())

	rng := rand.New(rand.NewSource(7))
	const identities = 40
	plan := make([][]engine.Severity, identities)
	for i := range plan {
		n := 1 + rng.Intn(60)
		for j := 0; j < n; j++ {
			plan[i] = append(plan[i], engine.Severities[rng.Intn(len(engine.Severities))])
		}
	}

	var wg sync.WaitGroup
	for i, sevs := range plan {
		sevs := sevs
		id := fmt.Sprintf("identity-%d", i)
		// Several goroutines per identity contend for the same entry.
		for w := 0; w < 3; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for j := w; j < len(sevs); j += 3 {
					tr.Observe(context.Background(), id, sevs[j], func(Status) engine.Decision {
						return engine.Decision{Action: engine.ActionAllow}
					})
				}
			}(w)
		}
	}
	wg.Wait()

	for i, sevs := range plan {
		id := fmt.Sprintf("identity-%d", i)
		snap := tr.Peek(context.Background(), id)
		if snap.Reputation.TotalRequests != int64(len(sevs)) {
			t.Errorf("%s: expected %d requests, got %d", id, len(sevs), snap.Reputation.TotalRequests)
		}
		if snap.RateLimit.RequestCount != len(sevs) {
			t.Errorf("%s: expected window count %d, got %d", id, len(sevs), snap.RateLimit.RequestCount)
		}
		var violations int64
		for _, s := range sevs {
			if s >= engine.SeverityHigh {
				violations++
			}
		}
		if violations == 0 && !snap.Reputation.LastViolation.IsZero() {
			t.Errorf("%s: saw another identity's violation", id)
		}
	}
}

func TestTracker_EvictsIdleIdentities(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Shards = 1
	cfg.MaxIdentities = 8
	tr := newTestTracker(t, cfg, nil, newFakeClock())

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("user-%d", i)
		_, snap := observe(t, tr, id, engine.SeveritySafe)
		tr.Persisted(id, snap.Seq, snap.Seq)
	}
	if n := tr.Len(); n > 8 {
		t.Errorf("expected at most 8 identities in memory, got %d", n)
	}
}

func TestTracker_KeepsEntriesWithUnwrittenSnapshots(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Shards = 1
	cfg.MaxIdentities = 2
	tr := newTestTracker(t, cfg, nil, newFakeClock())

	seqs := map[string]uint64{}
	for _, id := range []string{"a", "b", "c", "d"} {
		_, snap := observe(t, tr, id, engine.SeveritySafe)
		seqs[id] = snap.Seq
	}
	if n := tr.Len(); n != 4 {
		t.Fatalf("unwritten entries must stay in memory, got %d", n)
	}

	a := tr.shards[0].entries["a"]
	tr.Persisted("a", seqs["a"], 0)
	if !a.dirty() {
		t.Error("an entry with only its rate limit written is still dirty")
	}
	tr.Persisted("a", 0, seqs["a"])
	if a.dirty() {
		t.Error("expected the entry clean once both halves are written")
	}

	for id, seq := range seqs {
		tr.Persisted(id, seq, seq)
	}
	observe(t, tr, "e", engine.SeveritySafe)
	if n := tr.Len(); n != 2 {
		t.Errorf("written entries should be evicted down to the limit, got %d in memory", n)
	}
}

func TestTracker_HardLimitKeepsActiveLockouts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Shards = 1
	cfg.MaxIdentities = 1
	tr := newTestTracker(t, cfg, nil, newFakeClock())

	for i := 0; i <= cfg.MaxConsecutiveViolations; i++ {
		observe(t, tr, "attacker", engine.SeverityHigh)
	}
	for i := 0; i < 10; i++ {
		observe(t, tr, fmt.Sprintf("user-%d", i), engine.SeveritySafe)
	}
	if n := tr.Len(); n > 2 {
		t.Errorf("expected the hard limit to bound memory, got %d entries", n)
	}
	if snap := tr.Peek(context.Background(), "attacker"); snap.State != engine.StateLockedOut {
		t.Errorf("an unwritten lockout must not be evicted, got %s", snap.State)
	}
}

func TestPersisted_StaleSequenceDoesNotCleanNewerSnapshot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Shards = 1
	cfg.MaxIdentities = 1
	tr := newTestTracker(t, cfg, nil, newFakeClock())

	_, first := observe(t, tr, "a", engine.SeveritySafe)
	observe(t, tr, "a", engine.SeveritySafe)
	tr.Persisted("a", first.Seq, first.Seq)

	observe(t, tr, "b", engine.SeveritySafe)
	if n := tr.Len(); n != 2 {
		t.Errorf("entry with a newer unwritten snapshot was evicted, %d in memory", n)
	}
}

func TestSetBlocklisted_WritesThrough(t *testing.T) {
	st := store.NewMemoryStore()
	tr := newTestTracker(t, DefaultConfig(), st, newFakeClock())

	snap, err := tr.SetBlocklisted(context.Background(), "bad", true)
	if err != nil {
		t.Fatalf("SetBlocklisted: %v", err)
	}
	if snap.State != engine.StateLockedOut {
		t.Errorf("expected locked_out, got %s", snap.State)
	}
	rec, _ := st.GetReputation(context.Background(), "bad")
	if rec == nil || !rec.Blocklisted {
		t.Fatalf("expected persisted blocklist flag, got %+v", rec)
	}
}

func TestSetAllowlisted_RefusedWhileStateUnreadable(t *testing.T) {
	ctx := context.Background()
	st := &flakyReadStore{MemoryStore: store.NewMemoryStore()}
	st.SetListFlags(ctx, store.ReputationRecord{Identity: "mallory", TrustScore: 50, Blocklisted: true})
	st.failures.Store(1)
	tr := newTestTracker(t, DefaultConfig(), st, newFakeClock())

	if _, err := tr.SetAllowlisted(ctx, "mallory", true); !errors.Is(err, ErrStateUnavailable) {
		t.Fatalf("expected ErrStateUnavailable, got %v", err)
	}
	rec, _ := st.MemoryStore.GetReputation(ctx, "mallory")
	if rec == nil || !rec.Blocklisted || rec.Allowlisted {
		t.Fatalf("durable flags changed by a refused update: %+v", rec)
	}

	snap, err := tr.SetAllowlisted(ctx, "mallory", true)
	if err != nil {
		t.Fatalf("SetAllowlisted after recovery: %v", err)
	}
	if !snap.Reputation.Blocklisted || !snap.Reputation.Allowlisted {
		t.Errorf("expected both flags set, got %+v", snap.Reputation)
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero window", func(c *Config) { c.Window = 0 }},
		{"zero requests", func(c *Config) { c.MaxRequestsPerWindow = 0 }},
		{"zero lockout", func(c *Config) { c.LockoutDuration = 0 }},
		{"inverted score range", func(c *Config) { c.Score.Min, c.Score.Max = 100, 0 }},
		{"baseline outside range", func(c *Config) { c.Score.Baseline = 150 }},
		{"negative penalty", func(c *Config) { c.Score.HighPenalty = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func BenchmarkObserve(b *testing.B) {
	tr, _ := NewTracker(DefaultConfig(), store.NewMemoryStore(), zap.NewNop())
	decide := func(Status) engine.Decision { return engine.Decision{Action: engine.ActionAllow} }
	ids := make([]string, 1024)
	for i := range ids {
		ids[i] = fmt.Sprintf("user-%d", i)
	}

	b.ResetTimer()
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			tr.Observe(context.Background(), ids[i%len(ids)], engine.SeverityLow, decide)
			i++
		}
	})
}

package limiter

import (
	"time"

	"github.com/triage-ai/bastion/internal/engine"
	"github.com/triage-ai/bastion/internal/store"
)

// scoreUpdate applies one decision to the reputation record in place.
// Blocklisted identities are not scored.
func (c ScoreConfig) scoreUpdate(rec *store.ReputationRecord, sev engine.Severity, d engine.Decision, state engine.LimitState, now time.Time) {
	rec.TotalRequests++
	if d.Action.Blocks() {
		rec.BlockedCount++
	}
	if sev >= engine.SeverityHigh {
		rec.LastViolation = now
	}
	if rec.Blocklisted {
		return
	}

	score := rec.TrustScore
	switch {
	case sev == engine.SeverityCritical:
		score -= c.CriticalPenalty
	case sev == engine.SeverityHigh:
		score -= c.HighPenalty
	case sev <= engine.SeverityLow && !d.Action.Blocks():
		score = c.towardBaseline(score)
	}
	// A lockout is not new evidence; only fresh blocks cost extra.
	if d.Action.Blocks() && state != engine.StateLockedOut {
		score -= c.BlockPenalty
	}

	rec.TrustScore = c.clamp(score, rec.Allowlisted)
}

// towardBaseline moves score one step toward the baseline without overshooting.
func (c ScoreConfig) towardBaseline(score float64) float64 {
	switch {
	case score < c.Baseline:
		score += c.RecoveryStep
		if score > c.Baseline {
			score = c.Baseline
		}
	case score > c.Baseline:
		score -= c.RecoveryStep
		if score < c.Baseline {
			score = c.Baseline
		}
	}
	return score
}

func (c ScoreConfig) clamp(score float64, allowlisted bool) float64 {
	floor := c.Min
	if allowlisted && c.AllowlistFloor > floor {
		floor = c.AllowlistFloor
	}
	if score < floor {
		return floor
	}
	if score > c.Max {
		return c.Max
	}
	return score
}

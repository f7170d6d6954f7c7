package limiter

import (
	"errors"
	"time"
)

// Config holds rate-limit thresholds and reputation scoring constants.
// Thresholds are exclusive: an identity is throttled once its window count
// exceeds MaxRequestsPerWindow, and locked out once its consecutive
// HIGH/CRITICAL count exceeds MaxConsecutiveViolations.
type Config struct {
	Window                   time.Duration `yaml:"window"`
	MaxRequestsPerWindow     int           `yaml:"max_requests_per_window"`
	MaxConsecutiveViolations int           `yaml:"max_consecutive_violations"`
	LockoutDuration          time.Duration `yaml:"lockout_duration"`

	Shards        int `yaml:"shards"`
	// MaxIdentities caps in-memory identities across all shards. Entries
	// whose latest snapshot is not yet written may hold a shard at up to
	// twice its share.
	MaxIdentities int `yaml:"max_identities"`

	Score ScoreConfig `yaml:"score"`
}

// ScoreConfig bounds and weights the trust score.
type ScoreConfig struct {
	Min             float64 `yaml:"min"`
	Max             float64 `yaml:"max"`
	Baseline        float64 `yaml:"baseline"`
	RecoveryStep    float64 `yaml:"recovery_step"`
	HighPenalty     float64 `yaml:"high_penalty"`
	CriticalPenalty float64 `yaml:"critical_penalty"`
	BlockPenalty    float64 `yaml:"block_penalty"`
	AllowlistFloor  float64 `yaml:"allowlist_floor"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Window:                   time.Minute,
		MaxRequestsPerWindow:     60,
		MaxConsecutiveViolations: 4,
		LockoutDuration:          15 * time.Minute,
		Shards:                   32,
		MaxIdentities:            100_000,
		Score:                    DefaultScoreConfig(),
	}
}

// DefaultScoreConfig returns the documented scoring defaults.
func DefaultScoreConfig() ScoreConfig {
	return ScoreConfig{
		Min:             0,
		Max:             100,
		Baseline:        50,
		RecoveryStep:    1,
		HighPenalty:     10,
		CriticalPenalty: 20,
		BlockPenalty:    5,
		AllowlistFloor:  50,
	}
}

// Validate rejects configurations the state machine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Window <= 0 {
		errs = append(errs, errors.New("window must be positive"))
	}
	if c.MaxRequestsPerWindow <= 0 {
		errs = append(errs, errors.New("max_requests_per_window must be positive"))
	}
	if c.MaxConsecutiveViolations < 0 {
		errs = append(errs, errors.New("max_consecutive_violations must not be negative"))
	}
	if c.LockoutDuration <= 0 {
		errs = append(errs, errors.New("lockout_duration must be positive"))
	}
	s := c.Score
	if s.Min >= s.Max {
		errs = append(errs, errors.New("score.min must be below score.max"))
	}
	if s.Baseline < s.Min || s.Baseline > s.Max {
		errs = append(errs, errors.New("score.baseline must lie within [min, max]"))
	}
	if s.AllowlistFloor < s.Min || s.AllowlistFloor > s.Max {
		errs = append(errs, errors.New("score.allowlist_floor must lie within [min, max]"))
	}
	if s.RecoveryStep < 0 || s.HighPenalty < 0 || s.CriticalPenalty < 0 || s.BlockPenalty < 0 {
		errs = append(errs, errors.New("score steps and penalties must not be negative"))
	}
	return errors.Join(errs...)
}

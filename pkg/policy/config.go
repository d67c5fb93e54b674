package policy

import (
	"errors"
	"fmt"
)

// Unbounded disables a failure-tolerance threshold.
const Unbounded = -1

var ErrInvalidConfig = errors.New("invalid outcome policy configuration")

// Config selects the failure-tolerance rule of a rollout. Exactly one rule is
// active: rollback on any failure, a failure count, or a failure percentage.
// With all three disabled every failure is tolerated.
type Config struct {
	RollbackOnAnyFailure bool    `mapstructure:"rollback_on_any_failure" json:"rollback_on_any_failure"`
	MaxFailureCount      int     `mapstructure:"max_failure_count" json:"max_failure_count"`
	MaxFailurePercent    float64 `mapstructure:"max_failure_percent" json:"max_failure_percent"`
	// EarlyDecision lets Decide return ROLLBACK before every participant has
	// reported, once the recorded failures are already disqualifying.
	EarlyDecision bool `mapstructure:"early_decision" json:"early_decision"`
}

// RollbackOnAnyFailure is the default configuration.
func RollbackOnAnyFailure() Config {
	return Config{
		RollbackOnAnyFailure: true,
		MaxFailureCount:      Unbounded,
		MaxFailurePercent:    Unbounded,
	}
}

// MaxFailures tolerates up to n failed participants.
func MaxFailures(n int) Config {
	return Config{
		MaxFailureCount:   n,
		MaxFailurePercent: Unbounded,
	}
}

// MaxFailurePercent tolerates up to pct percent of failed participants.
func MaxFailurePercent(pct float64) Config {
	return Config{
		MaxFailureCount:   Unbounded,
		MaxFailurePercent: pct,
	}
}

// Validate checks that at most one tolerance rule is active and thresholds are sane.
func (c Config) Validate() error {
	active := 0
	if c.RollbackOnAnyFailure {
		active++
	}
	if c.MaxFailureCount != Unbounded {
		if c.MaxFailureCount < 0 {
			return fmt.Errorf("%w: max failure count %d", ErrInvalidConfig, c.MaxFailureCount)
		}
		active++
	}
	if c.MaxFailurePercent != Unbounded {
		if c.MaxFailurePercent < 0 || c.MaxFailurePercent > 100 {
			return fmt.Errorf("%w: max failure percent %.2f", ErrInvalidConfig, c.MaxFailurePercent)
		}
		active++
	}
	if active > 1 {
		return fmt.Errorf("%w: %d failure-tolerance rules active, expected one", ErrInvalidConfig, active)
	}
	return nil
}

func (c Config) String() string {
	switch {
	case c.RollbackOnAnyFailure:
		return "rollback-on-any-failure"
	case c.MaxFailureCount != Unbounded:
		return fmt.Sprintf("max-failed-servers=%d", c.MaxFailureCount)
	case c.MaxFailurePercent != Unbounded:
		return fmt.Sprintf("max-failure-percentage=%.2f", c.MaxFailurePercent)
	default:
		return "tolerate-all-failures"
	}
}

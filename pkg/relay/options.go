package relay

import (
	"time"

	"github.com/polisai/polis-mta/internal/governance"
	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
)

// durationSeconds reads a number of seconds.
func durationSeconds(sec *config.Section, key string, def time.Duration) (time.Duration, error) {
	f, err := sec.Float(key, def.Seconds())
	if err != nil {
		return 0, err
	}
	if f <= 0 {
		return 0, domain.ConfigErrorf(sec.Path(), key, "must be positive, got %v", f)
	}
	return time.Duration(f * float64(time.Second)), nil
}

// breaker reads an optional circuit_breaker {max_failures, cooldown}
// section. A missing section yields nil.
func breaker(sec *config.Section) (*governance.Breaker, error) {
	cb := sec.Section("circuit_breaker")
	if cb == nil {
		return nil, nil
	}
	def := governance.DefaultConfig()
	maxFailures, err := cb.Int("max_failures", def.MaxFailures)
	if err != nil {
		return nil, err
	}
	if maxFailures <= 0 {
		return nil, domain.ConfigErrorf(cb.Path(), "max_failures", "must be positive, got %d", maxFailures)
	}
	cooldown, err := durationSeconds(cb, "cooldown", def.Cooldown)
	if err != nil {
		return nil, err
	}
	return governance.NewBreaker(governance.Config{MaxFailures: maxFailures, Cooldown: cooldown}), nil
}

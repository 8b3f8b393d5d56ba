package governance

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Allow while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the position of a breaker.
type State string

const (
	// StateClosed lets every call through.
	StateClosed State = "closed"
	// StateOpen rejects calls until the cooldown elapses.
	StateOpen State = "open"
	// StateHalfOpen lets a single probe through.
	StateHalfOpen State = "half-open"
)

// Config holds the breaker thresholds.
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Zero disables it.
	MaxFailures int
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
}

// DefaultConfig is used for zero fields of Config.
func DefaultConfig() Config {
	return Config{MaxFailures: 5, Cooldown: 30 * time.Second}
}

// Breaker counts consecutive failures of one upstream.
type Breaker struct {
	mu        sync.Mutex
	cfg       Config
	state     State
	failures  int
	openUntil time.Time
	probing   bool
	now       func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg Config) *Breaker {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.MaxFailures < 0 {
		cfg.MaxFailures = 0
	}
	return &Breaker{cfg: cfg, state: StateClosed, now: time.Now}
}

// Allow reports whether a call may proceed. Once the cooldown has elapsed
// exactly one caller is let through as a probe; its Record decides the
// next state.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Before(b.openUntil) {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// Record feeds the outcome of an allowed call back. failed should be true
// only for failures that say something about the upstream's health.
func (b *Breaker) Record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if !failed {
		b.failures = 0
		b.state = StateClosed
		return
	}
	b.failures++
	if b.state == StateHalfOpen || (b.cfg.MaxFailures > 0 && b.failures >= b.cfg.MaxFailures) {
		b.state = StateOpen
		b.openUntil = b.now().Add(b.cfg.Cooldown)
	}
}

// State returns the current position, moving an expired open breaker to
// half-open for reporting purposes only.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.now().Before(b.openUntil) {
		return StateHalfOpen
	}
	return b.state
}

package retry

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrCircuitOpen is returned while a breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	// BreakerHalfOpen lets calls through to probe recovery. One failure
	// reopens the breaker.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// MaxFailures is the run of consecutive failures that opens the
	// breaker.
	MaxFailures int
	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration
	// SuccessThreshold is the run of probe successes that closes it.
	SuccessThreshold int

	OnStateChange func(from, to BreakerState)
	Clock         clock.Clock
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:      5,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
	}
}

// Breaker fails calls fast while a dependency keeps failing.
type Breaker struct {
	cfg   BreakerConfig
	clock clock.Clock

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	return &Breaker{cfg: cfg, clock: c}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed. An open breaker turns
// half-open once ResetTimeout has passed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return nil
	}
	if b.clock.Since(b.openedAt) < b.cfg.ResetTimeout {
		return ErrCircuitOpen
	}
	b.setLocked(BreakerHalfOpen)
	b.successes = 0
	return nil
}

// Success records a call that reached the dependency.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.failures, b.successes = 0, 0
			b.setLocked(BreakerClosed)
		}
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			b.openLocked()
		}
	case BreakerHalfOpen:
		b.openLocked()
	}
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures, b.successes = 0, 0
	b.setLocked(BreakerClosed)
}

func (b *Breaker) openLocked() {
	b.openedAt = b.clock.Now()
	b.successes = 0
	b.setLocked(BreakerOpen)
}

func (b *Breaker) setLocked(to BreakerState) {
	from := b.state
	b.state = to
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

// Guard runs fn through b. A permanent error is an answer from the
// dependency and counts as a success.
func Guard[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if err := b.Allow(); err != nil {
		return zero, err
	}
	v, err := fn()
	if err != nil && !IsPermanentError(err) {
		b.Failure()
		return v, err
	}
	b.Success()
	return v, err
}

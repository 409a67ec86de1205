// Package reconnect keeps a client converging while its push transport is
// down: it polls the snapshot endpoint and redials with exponential
// backoff until the transport is back or the attempt budget is spent.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/gabrielmiguelok/watchsync/pkg/logging"
	"github.com/gabrielmiguelok/watchsync/pkg/retry"
)

var (
	// ErrInvalidTransition is returned for a state change the machine
	// does not allow.
	ErrInvalidTransition = errors.New("reconnect: invalid state transition")
	// ErrConnectionLost marks a redial whose connection dropped before the
	// cycle could settle on it.
	ErrConnectionLost = errors.New("reconnect: connection lost during redial")
)

// State is the connection dimension of a client.
type State int

const (
	Connected State = iota
	Disconnected
	Polling
	// GaveUp is entered once the attempt budget is spent. Only Retry
	// leaves it.
	GaveUp
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Polling:
		return "polling"
	case GaveUp:
		return "gave_up"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var transitions = map[State][]State{
	Connected:    {Disconnected},
	Disconnected: {Polling, Connected, GaveUp},
	Polling:      {Connected, GaveUp},
	GaveUp:       {Disconnected},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is one state change.
type Transition struct {
	From    State
	To      State
	Attempt int
}

// Config tunes the reconnect cycle.
type Config struct {
	// Redial backoff: BaseDelay * Factor^n capped at MaxDelay.
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
	MaxAttempts int

	// TriggerEvery makes every n-th failed attempt redial at once instead
	// of waiting out the backoff.
	TriggerEvery int

	// Snapshot polling interval: PollBase * PollFactor^n capped at PollMax.
	PollBase   time.Duration
	PollFactor float64
	PollMax    time.Duration

	// OnRetry is called once the wait after a failed attempt is armed.
	OnRetry func(attempt int, delay time.Duration)
	// OnTrigger is called when an explicit redial is triggered.
	OnTrigger func(attempt int)

	Clock clock.Clock
}

// DefaultConfig returns the schedule browsers use.
func DefaultConfig() Config {
	return Config{
		BaseDelay:    time.Second,
		Factor:       2,
		MaxDelay:     5 * time.Second,
		MaxAttempts:  10,
		TriggerEvery: 3,
		PollBase:     time.Second,
		PollFactor:   1.5,
		PollMax:      10 * time.Second,
	}
}

// Delay returns the wait after failed attempt n, counted from 1.
func (c Config) Delay(attempt int) time.Duration {
	return retry.Backoff(attempt-1, &retry.Config{
		InitialDelay: c.BaseDelay,
		Multiplier:   c.Factor,
		MaxDelay:     c.MaxDelay,
	})
}

// PollInterval returns the wait after poll n, counted from 0.
func (c Config) PollInterval(n int) time.Duration {
	return retry.Backoff(n, &retry.Config{
		InitialDelay: c.PollBase,
		Multiplier:   c.PollFactor,
		MaxDelay:     c.PollMax,
	})
}

// Func is one of the operations the manager drives.
type Func func(ctx context.Context) error

// Manager runs the reconnect cycle.
type Manager struct {
	cfg     Config
	clock   clock.Clock
	connect Func
	poll    Func
	resync  Func
	logger  logging.Logger

	mu        sync.Mutex
	state     State
	attempts  int
	lost      bool
	listeners []func(Transition)
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

func WithLogger(l logging.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// New creates a manager in the Connected state. connect redials the push
// transport, poll fetches a snapshot over HTTP and resync re-announces
// presence and requests a snapshot once connect succeeds.
func New(connect, poll, resync Func, opts ...Option) *Manager {
	m := &Manager{
		cfg:     DefaultConfig(),
		connect: connect,
		poll:    poll,
		resync:  resync,
		logger:  logging.NopLogger{},
		state:   Connected,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.clock = m.cfg.Clock
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.cfg.MaxAttempts <= 0 {
		m.cfg.MaxAttempts = 1
	}
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the failed redials of the current cycle.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// OnTransition registers fn for every state change. fn runs on the
// manager's goroutines and must not block.
func (m *Manager) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Disconnected reports the loss of the push transport and starts the
// cycle. A loss reported while a cycle is running fails the redial in
// flight, so the cycle keeps going instead of settling on a dead
// connection.
func (m *Manager) Disconnected(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Disconnected || m.state == Polling {
		m.lost = true
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return m.start(ctx, Connected)
}

// Retry restarts the cycle after the manager gave up.
func (m *Manager) Retry(ctx context.Context) error {
	return m.start(ctx, GaveUp)
}

func (m *Manager) start(ctx context.Context, from State) error {
	m.mu.Lock()
	if m.state != from {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, m.state, Disconnected)
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.attempts = 0
	m.lost = false
	m.state = Disconnected
	t := Transition{From: from, To: Disconnected}
	listeners := append([]func(Transition){}, m.listeners...)
	m.mu.Unlock()

	m.notify(listeners, t)
	go func() {
		defer close(done)
		m.cycle(ctx)
	}()
	return nil
}

// Stop cancels a running cycle and waits for it to end.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Done is closed when the current cycle ends. It is nil before the
// first disconnect.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

func (m *Manager) cycle(ctx context.Context) {
	pollCtx, stopPoll := context.WithCancel(ctx)
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		m.pollLoop(pollCtx)
	}()
	stopPolling := func() {
		stopPoll()
		<-pollDone
	}

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		m.mu.Lock()
		m.lost = false
		m.mu.Unlock()

		err := m.connect(ctx)
		if err == nil && !m.settle() {
			err = ErrConnectionLost
		}
		if err == nil {
			stopPolling()
			if err := m.resync(ctx); err != nil {
				m.logger.Warn("resync after reconnect failed", logging.Err(err))
			}
			return
		}
		if ctx.Err() != nil {
			stopPolling()
			return
		}

		m.mu.Lock()
		m.attempts = attempt
		m.mu.Unlock()
		m.logger.Debug("reconnect attempt failed",
			logging.Int("attempt", attempt),
			logging.Err(err),
		)

		if attempt == m.cfg.MaxAttempts {
			break
		}
		if m.cfg.TriggerEvery > 0 && attempt%m.cfg.TriggerEvery == 0 {
			if m.cfg.OnTrigger != nil {
				m.cfg.OnTrigger(attempt)
			}
			continue
		}

		delay := m.cfg.Delay(attempt)
		timer := m.clock.Timer(delay)
		if m.cfg.OnRetry != nil {
			m.cfg.OnRetry(attempt, delay)
		}
		select {
		case <-ctx.Done():
			timer.Stop()
			stopPolling()
			return
		case <-timer.C:
		}
	}

	stopPolling()
	m.transition(m.State(), GaveUp)
	m.logger.Warn("giving up on push reconnect", logging.Int("attempts", m.cfg.MaxAttempts))
}

func (m *Manager) pollLoop(ctx context.Context) {
	for n := 0; ; n++ {
		if err := m.poll(ctx); err != nil && ctx.Err() == nil {
			m.logger.Debug("snapshot poll failed", logging.Err(err))
		}
		if ctx.Err() != nil {
			return
		}
		if n == 0 {
			m.transition(Disconnected, Polling)
		}

		timer := m.clock.Timer(m.cfg.PollInterval(n))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// settle moves to Connected after a successful redial unless the new
// connection was already reported lost.
func (m *Manager) settle() bool {
	m.mu.Lock()
	if m.lost {
		m.lost = false
		m.mu.Unlock()
		return false
	}
	from := m.state
	if !CanTransition(from, Connected) {
		m.mu.Unlock()
		return false
	}
	m.state = Connected
	t := Transition{From: from, To: Connected, Attempt: m.attempts}
	listeners := append([]func(Transition){}, m.listeners...)
	m.mu.Unlock()

	m.notify(listeners, t)
	return true
}

// transition moves from to to when the current state is still from.
func (m *Manager) transition(from, to State) bool {
	m.mu.Lock()
	if m.state != from || !CanTransition(from, to) {
		m.mu.Unlock()
		return false
	}
	m.state = to
	t := Transition{From: from, To: to, Attempt: m.attempts}
	listeners := append([]func(Transition){}, m.listeners...)
	m.mu.Unlock()

	m.notify(listeners, t)
	return true
}

func (m *Manager) notify(listeners []func(Transition), t Transition) {
	for _, fn := range listeners {
		fn(t)
	}
}

package reconnect

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

var errDown = errors.New("connection refused")

func TestSchedule(t *testing.T) {
	cfg := DefaultConfig()

	delays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, want := range delays {
		if got := cfg.Delay(i + 1); got != want {
			t.Errorf("Delay(%d): expected %v, got %v", i+1, want, got)
		}
	}

	polls := []time.Duration{time.Second, 1500 * time.Millisecond, 2250 * time.Millisecond, 3375 * time.Millisecond}
	for n, want := range polls {
		if got := cfg.PollInterval(n); got != want {
			t.Errorf("PollInterval(%d): expected %v, got %v", n, want, got)
		}
	}
	if got := cfg.PollInterval(20); got != 10*time.Second {
		t.Errorf("Expected poll interval to cap at 10s, got %v", got)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{Connected, Disconnected, true},
		{Connected, Polling, false},
		{Connected, GaveUp, false},
		{Disconnected, Polling, true},
		{Disconnected, Connected, true},
		{Disconnected, GaveUp, true},
		{Polling, Connected, true},
		{Polling, Disconnected, false},
		{GaveUp, Disconnected, true},
		{GaveUp, Connected, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

type harness struct {
	mock      *clock.Mock
	retries   chan time.Duration
	triggers  chan int
	polls     chan struct{}
	states    chan State
	connects  atomic.Int32
	resyncs   atomic.Int32
	failUntil atomic.Int32
	// dropNext makes the next successful dial lose its connection at once.
	dropNext  atomic.Bool
}

func newHarness(t *testing.T, maxAttempts int) (*Manager, *harness) {
	t.Helper()
	h := &harness{
		mock:     clock.NewMock(),
		retries:  make(chan time.Duration, 32),
		triggers: make(chan int, 32),
		polls:    make(chan struct{}, 256),
		states:   make(chan State, 32),
	}

	cfg := DefaultConfig()
	cfg.MaxAttempts = maxAttempts
	cfg.Clock = h.mock
	cfg.OnRetry = func(attempt int, delay time.Duration) { h.retries <- delay }
	cfg.OnTrigger = func(attempt int) { h.triggers <- attempt }

	var m *Manager
	connect := func(ctx context.Context) error {
		n := h.connects.Add(1)
		if n <= h.failUntil.Load() {
			return errDown
		}
		if h.dropNext.CompareAndSwap(true, false) {
			if err := m.Disconnected(ctx); err != nil {
				t.Errorf("Expected the loss to be accepted mid-cycle, got %v", err)
			}
		}
		return nil
	}
	poll := func(ctx context.Context) error {
		select {
		case h.polls <- struct{}{}:
		default:
		}
		return nil
	}
	resync := func(ctx context.Context) error {
		h.resyncs.Add(1)
		return nil
	}

	m = New(connect, poll, resync, WithConfig(cfg))
	m.OnTransition(func(tr Transition) { h.states <- tr.To })
	t.Cleanup(m.Stop)
	return m, h
}

func (h *harness) expectRetry(t *testing.T, want time.Duration) {
	t.Helper()
	select {
	case got := <-h.retries:
		if got != want {
			t.Errorf("Expected backoff %v, got %v", want, got)
		}
		h.mock.Add(got)
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for a %v backoff", want)
	}
}

func (h *harness) expectState(t *testing.T, want State) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-h.states:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for state %s", want)
		}
	}
}

func TestReconnectAfterBackoff(t *testing.T) {
	m, h := newHarness(t, 10)
	h.failUntil.Store(2)

	if err := m.Disconnected(context.Background()); err != nil {
		t.Fatalf("Disconnected failed: %v", err)
	}
	h.expectState(t, Disconnected)

	h.expectRetry(t, time.Second)
	h.expectRetry(t, 2*time.Second)
	h.expectState(t, Connected)
	<-m.Done()

	if m.State() != Connected {
		t.Errorf("Expected connected, got %s", m.State())
	}
	if n := h.connects.Load(); n != 3 {
		t.Errorf("Expected 3 connect attempts, got %d", n)
	}
	if n := h.resyncs.Load(); n != 1 {
		t.Errorf("Expected one resync after reconnect, got %d", n)
	}
}

func TestPollsImmediatelyWhileDisconnected(t *testing.T) {
	m, h := newHarness(t, 10)
	h.failUntil.Store(1000)

	if err := m.Disconnected(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-h.polls:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a snapshot poll without waiting on the clock")
	}
	h.expectState(t, Polling)
}

func TestEveryThirdFailureTriggersRedial(t *testing.T) {
	m, h := newHarness(t, 10)
	h.failUntil.Store(4)

	m.Disconnected(context.Background())

	h.expectRetry(t, time.Second)
	h.expectRetry(t, 2*time.Second)

	select {
	case attempt := <-h.triggers:
		if attempt != 3 {
			t.Errorf("Expected the trigger after attempt 3, got %d", attempt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected an explicit redial trigger")
	}

	// Attempt 4 ran at once and failed; its wait is the capped 5s.
	h.expectRetry(t, 5*time.Second)
	h.expectState(t, Connected)

	if n := h.connects.Load(); n != 5 {
		t.Errorf("Expected 5 connect attempts, got %d", n)
	}
}

func TestGiveUpAndRetry(t *testing.T) {
	m, h := newHarness(t, 2)
	h.failUntil.Store(2)

	m.Disconnected(context.Background())
	h.expectRetry(t, time.Second)
	h.expectState(t, GaveUp)
	<-m.Done()

	if m.Attempts() != 2 {
		t.Errorf("Expected 2 failed attempts, got %d", m.Attempts())
	}
	if err := m.Disconnected(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition from GaveUp, got %v", err)
	}

	if err := m.Retry(context.Background()); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	h.expectState(t, Connected)
	if n := h.resyncs.Load(); n != 1 {
		t.Errorf("Expected one resync, got %d", n)
	}
}

func TestRetryOnlyFromGaveUp(t *testing.T) {
	m, _ := newHarness(t, 10)
	if err := m.Retry(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
}

func TestStopCancelsCycle(t *testing.T) {
	m, h := newHarness(t, 10)
	h.failUntil.Store(1000)

	m.Disconnected(context.Background())
	<-h.retries

	m.Stop()

	select {
	case <-m.Done():
	default:
		t.Error("Expected the cycle to be finished after Stop")
	}
	if m.State() == Connected || m.State() == GaveUp {
		t.Errorf("Expected the cycle to stop mid-way, got %s", m.State())
	}
}

func TestLossDuringRedialKeepsCycling(t *testing.T) {
	m, h := newHarness(t, 10)
	h.dropNext.Store(true)

	if err := m.Disconnected(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The first dial succeeded but dropped: it counts as a failed attempt.
	h.expectRetry(t, time.Second)
	h.expectState(t, Connected)
	<-m.Done()

	if n := h.connects.Load(); n != 2 {
		t.Errorf("Expected 2 connect attempts, got %d", n)
	}
	if n := h.resyncs.Load(); n != 1 {
		t.Errorf("Expected one resync, got %d", n)
	}
	if m.State() != Connected {
		t.Errorf("Expected connected, got %s", m.State())
	}
}

func TestLossAfterSettleStartsNewCycle(t *testing.T) {
	m, h := newHarness(t, 10)

	if err := m.Disconnected(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.expectState(t, Connected)
	<-m.Done()

	if err := m.Disconnected(context.Background()); err != nil {
		t.Fatalf("Expected a fresh cycle after a settled reconnect, got %v", err)
	}
	h.expectState(t, Disconnected)
	h.expectState(t, Connected)
}

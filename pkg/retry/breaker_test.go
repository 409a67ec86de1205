package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newTestBreaker(mock *clock.Mock) *Breaker {
	return NewBreaker(BreakerConfig{
		MaxFailures:      3,
		ResetTimeout:     time.Second,
		SuccessThreshold: 2,
		Clock:            mock,
	})
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	b := newTestBreaker(clock.NewMock())
	for i := 0; i < 2; i++ {
		b.Failure()
	}
	if b.State() != BreakerClosed {
		t.Fatalf("Expected closed below the threshold, got %s", b.State())
	}
	b.Failure()
	if b.State() != BreakerOpen {
		t.Fatalf("Expected open after 3 failures, got %s", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerSuccessResetsRun(t *testing.T) {
	b := newTestBreaker(clock.NewMock())
	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	if b.State() != BreakerClosed {
		t.Errorf("Expected a success to reset the failure run, got %s", b.State())
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	mock := clock.NewMock()
	var changes []BreakerState
	b := NewBreaker(BreakerConfig{
		MaxFailures:      1,
		ResetTimeout:     time.Second,
		SuccessThreshold: 2,
		Clock:            mock,
		OnStateChange:    func(from, to BreakerState) { changes = append(changes, to) },
	})

	b.Failure()
	mock.Add(time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Expected a probe after the reset timeout, got %v", err)
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("Expected half-open, got %s", b.State())
	}

	b.Failure()
	if b.State() != BreakerOpen {
		t.Fatalf("Expected a failed probe to reopen, got %s", b.State())
	}

	mock.Add(time.Second)
	b.Allow()
	b.Success()
	b.Success()
	if b.State() != BreakerClosed {
		t.Errorf("Expected closed after two probe successes, got %s", b.State())
	}

	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(changes) != len(want) {
		t.Fatalf("Expected transitions %v, got %v", want, changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("Transition %d: expected %s, got %s", i, want[i], changes[i])
		}
	}
}

func TestGuard(t *testing.T) {
	b := newTestBreaker(clock.NewMock())
	boom := errors.New("boom")

	for i := 0; i < 5; i++ {
		if _, err := Guard(b, func() (int, error) { return 0, Permanent(boom) }); !errors.Is(err, boom) {
			t.Fatalf("Expected the permanent error back, got %v", err)
		}
	}
	if b.State() != BreakerClosed {
		t.Fatalf("Expected permanent errors not to open the breaker, got %s", b.State())
	}

	for i := 0; i < 3; i++ {
		Guard(b, func() (int, error) { return 0, boom })
	}
	calls := 0
	_, err := Guard(b, func() (int, error) {
		calls++
		return 1, nil
	})
	if !errors.Is(err, ErrCircuitOpen) || calls != 0 {
		t.Errorf("Expected an open breaker to skip the call, got err=%v calls=%d", err, calls)
	}
}

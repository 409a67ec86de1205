// Package health answers liveness and readiness probes for the sync
// server: session repository reachability, event bus reachability and
// push connection headroom.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Status represents the health status of a service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a single health check.
type CheckResult struct {
	Status     Status  `json:"status"`
	DurationMS float64 `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
}

// Report is the overall health status.
type Report struct {
	Status    Status                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
}

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) error

type check struct {
	name     string
	fn       CheckFunc
	timeout  time.Duration
	critical bool
}

// Checker runs the registered checks concurrently.
type Checker struct {
	checks  []check
	version string
	clock   clock.Clock
	mu      sync.RWMutex
}

// NewChecker creates a checker reporting version.
func NewChecker(version string, clk clock.Clock) *Checker {
	if clk == nil {
		clk = clock.New()
	}
	return &Checker{version: version, clock: clk}
}

// Add registers a check whose failure degrades the service.
func (hc *Checker) Add(name string, fn CheckFunc, timeout time.Duration) {
	hc.add(check{name: name, fn: fn, timeout: timeout})
}

// AddCritical registers a check whose failure makes the service unhealthy.
func (hc *Checker) AddCritical(name string, fn CheckFunc, timeout time.Duration) {
	hc.add(check{name: name, fn: fn, timeout: timeout, critical: true})
}

func (hc *Checker) add(c check) {
	if c.timeout <= 0 {
		c.timeout = 5 * time.Second
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks = append(hc.checks, c)
}

// Check runs all checks and aggregates the result.
func (hc *Checker) Check(ctx context.Context) Report {
	hc.mu.RLock()
	checks := make([]check, len(hc.checks))
	copy(checks, hc.checks)
	hc.mu.RUnlock()

	report := Report{
		Status:    StatusHealthy,
		Checks:    make(map[string]CheckResult, len(checks)),
		Timestamp: hc.clock.Now(),
		Version:   hc.version,
	}

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c check) {
			defer wg.Done()
			results[i] = hc.run(ctx, c)
		}(i, c)
	}
	wg.Wait()

	for i, c := range checks {
		r := results[i]
		report.Checks[c.name] = r
		if r.Status == StatusHealthy {
			continue
		}
		if c.critical {
			report.Status = StatusUnhealthy
		} else if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
	}
	return report
}

func (hc *Checker) run(ctx context.Context, c check) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := hc.clock.Now()
	done := make(chan error, 1)
	go func() { done <- c.fn(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("check timed out after %s", c.timeout)
	}

	r := CheckResult{
		Status:     StatusHealthy,
		DurationMS: float64(hc.clock.Since(start)) / float64(time.Millisecond),
	}
	if err != nil {
		r.Status = StatusUnhealthy
		r.Error = err.Error()
	}
	return r
}

// Handler answers 200 unless a critical check fails, then 503.
func (hc *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := hc.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(report)
	})
}

// LivenessHandler answers 200 while the process runs.
func (hc *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "alive",
			"timestamp": hc.clock.Now(),
		})
	})
}

// Pinger is anything reachable with a ping, such as the session
// repository or the Redis event bus.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck probes p.
func PingCheck(p Pinger) CheckFunc {
	return p.Ping
}

// CapacityCheck fails when count reaches max push connections.
func CapacityCheck(count func() int, max int) CheckFunc {
	return func(ctx context.Context) error {
		if max <= 0 {
			return nil
		}
		if n := count(); n >= max {
			return fmt.Errorf("push connections at capacity: %d/%d", n, max)
		}
		return nil
	}
}

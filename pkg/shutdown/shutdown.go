// Package shutdown runs ordered teardown hooks under a shared deadline.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gabrielmiguelok/watchsync/pkg/logging"
)

// Common shutdown errors.
var (
	ErrShutdownTimeout = errors.New("shutdown timed out")
	ErrAlreadyClosed   = errors.New("shutdown already ran")
)

// Hook priorities. Lower runs earlier.
const (
	// PriorityHTTP stops accepting requests and push connections.
	PriorityHTTP = 100
	// PriorityBus detaches the hub from the pub/sub bus.
	PriorityBus = 200
	// PriorityStore closes repositories and clients.
	PriorityStore = 300
)

// Hook is one teardown step.
type Hook struct {
	Name     string
	Priority int
	Fn       func(ctx context.Context) error
}

// Handler collects hooks and runs them once.
type Handler struct {
	timeout time.Duration
	logger  logging.Logger

	mu     sync.Mutex
	hooks  []Hook
	closed bool
}

// NewHandler creates a handler whose hooks share timeout.
func NewHandler(timeout time.Duration, logger logging.Logger) *Handler {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = logging.NopLogger{}
	}
	return &Handler{timeout: timeout, logger: logger}
}

// Register adds a hook.
func (h *Handler) Register(hook Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, hook)
}

func (h *Handler) RegisterFunc(name string, priority int, fn func(ctx context.Context) error) {
	h.Register(Hook{Name: name, Priority: priority, Fn: fn})
}

// RegisterCloser registers anything with a Close method.
func (h *Handler) RegisterCloser(name string, priority int, c interface{ Close() error }) {
	h.RegisterFunc(name, priority, func(context.Context) error { return c.Close() })
}

// Shutdown runs the hooks in priority order, registration order within a
// priority. It stops early once the deadline passes and reports every
// hook error.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrAlreadyClosed
	}
	h.closed = true
	hooks := append([]Hook(nil), h.hooks...)
	h.mu.Unlock()

	sort.SliceStable(hooks, func(i, j int) bool {
		return hooks[i].Priority < hooks[j].Priority
	})

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
	defer cancel()

	var errs []error
	for _, hook := range hooks {
		start := time.Now()
		err := hook.Fn(ctx)
		fields := []logging.Field{
			logging.String("hook", hook.Name),
			logging.Duration("duration", time.Since(start)),
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", hook.Name, err))
			h.logger.Warn("shutdown hook failed", append(fields, logging.Err(err))...)
		} else {
			h.logger.Debug("shutdown hook finished", fields...)
		}
		if ctx.Err() != nil {
			return errors.Join(append(errs, ErrShutdownTimeout)...)
		}
	}
	return errors.Join(errs...)
}

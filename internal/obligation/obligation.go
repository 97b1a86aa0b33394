// Package obligation implements the Obligation Manager (C7): fire-and-forget
// execution of directives after the downstream call completes, with bounded
// retry scheduled by a pending-map-plus-ticker loop — the same shape the
// reference service's approval queue uses for its timeout sweep, generalized
// here from a single blocking wait to N independently-retried background
// items.
package obligation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aegis-proxy/aegis/internal/decision"
)

// Executor runs one class of obligation directive.
type Executor interface {
	CanExecute(directive string) bool
	Execute(ctx context.Context, directive string, dc *decision.Context, d decision.Decision) error
}

// pending is one obligation awaiting its next retry.
type pending struct {
	directive  string
	dc         *decision.Context
	d          decision.Decision
	executor   Executor
	retriesLeft int
	nextAttempt time.Time
}

// ringEntry is one completed execution record kept in the bounded history
// ring for observability.
type ringEntry struct {
	Directive string
	Executor  string
	Success   bool
	At        time.Time
}

// Manager dispatches obligation directives to registered executors and
// tracks bounded retry + execution history.
type Manager struct {
	executors []Executor
	timeout   time.Duration
	retries   int
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]*pending // keyed by a generated attempt id
	nextID  int

	ring     []ringEntry
	ringSize int
	ringPos  int

	successCount map[string]int
	failureCount map[string]int

	observer func(directive string, success bool)
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout overrides the default 30s per-executor timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithRetries overrides the default retry count (0 disables retry).
func WithRetries(n int) Option {
	return func(m *Manager) { m.retries = n }
}

// WithRingSize overrides the default 1000-entry bounded execution history.
func WithRingSize(n int) Option {
	return func(m *Manager) { m.ringSize = n }
}

// WithObserver registers a callback invoked after every executor run
// (including retries), for metrics/observability.
func WithObserver(obs func(directive string, success bool)) Option {
	return func(m *Manager) { m.observer = obs }
}

// New creates a Manager with the given executors registered in dispatch
// order.
func New(logger *slog.Logger, executors []Executor, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		executors:    executors,
		timeout:      30 * time.Second,
		retries:      2,
		ringSize:     1000,
		logger:       logger.With("component", "obligation.Manager"),
		pending:      make(map[string]*pending),
		successCount: make(map[string]int),
		failureCount: make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Execute dispatches every directive to its matching executor,
// fire-and-forget: it never blocks the critical path and never revokes a
// PERMIT already granted. Directives with no matching executor are logged
// and skipped.
func (m *Manager) Execute(directives []string, dc *decision.Context, d decision.Decision) {
	for _, directive := range directives {
		exec := m.find(directive)
		if exec == nil {
			m.logger.Warn("no executor registered for obligation directive", "directive", directive)
			continue
		}
		go m.runOnce(directive, dc, d, exec, m.retries)
	}
}

func (m *Manager) find(directive string) Executor {
	for _, e := range m.executors {
		if e.CanExecute(directive) {
			return e
		}
	}
	return nil
}

func (m *Manager) runOnce(directive string, dc *decision.Context, d decision.Decision, exec Executor, retriesLeft int) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	err := exec.Execute(ctx, directive, dc, d)
	m.record(directive, exec, err == nil)

	if err == nil {
		return
	}
	m.logger.Warn("obligation execution failed", "directive", directive, "error", err, "retries_left", retriesLeft)
	if retriesLeft <= 0 {
		return
	}

	m.mu.Lock()
	m.nextID++
	id := fmt.Sprintf("ob_%d", m.nextID)
	m.pending[id] = &pending{
		directive:   directive,
		dc:          dc,
		d:           d,
		executor:    exec,
		retriesLeft: retriesLeft - 1,
		nextAttempt: time.Now().Add(retryBackoff(m.retries - retriesLeft)),
	}
	m.mu.Unlock()
}

// retryBackoff grows linearly with attempt number, bounded to keep retries
// from piling up during an extended executor outage.
func retryBackoff(attempt int) time.Duration {
	d := time.Duration(attempt+1) * 5 * time.Second
	if d > time.Minute {
		return time.Minute
	}
	return d
}

func (m *Manager) record(directive string, exec Executor, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if success {
		m.successCount[directive]++
	} else {
		m.failureCount[directive]++
	}

	entry := ringEntry{Directive: directive, Executor: fmt.Sprintf("%T", exec), Success: success, At: time.Now()}
	if len(m.ring) < m.ringSize {
		m.ring = append(m.ring, entry)
	} else {
		m.ring[m.ringPos] = entry
		m.ringPos = (m.ringPos + 1) % m.ringSize
	}

	if m.observer != nil {
		m.observer(directive, success)
	}
}

// Sweep starts a background goroutine that retries due pending obligations
// every interval, returning a stop function.
func (m *Manager) Sweep(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.sweepOnce()
			}
		}
	}()
	return func() { close(done) }
}

func (m *Manager) sweepOnce() {
	now := time.Now()
	var due []struct {
		id string
		p  *pending
	}
	m.mu.Lock()
	for id, p := range m.pending {
		if now.After(p.nextAttempt) {
			due = append(due, struct {
				id string
				p  *pending
			}{id, p})
			delete(m.pending, id)
		}
	}
	m.mu.Unlock()

	for _, item := range due {
		go m.runOnce(item.p.directive, item.p.dc, item.p.d, item.p.executor, item.p.retriesLeft)
	}
}

// Counts returns success/failure counts per directive, for the
// observability package's obligation gauges.
func (m *Manager) Counts() (success, failure map[string]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	success = make(map[string]int, len(m.successCount))
	failure = make(map[string]int, len(m.failureCount))
	for k, v := range m.successCount {
		success[k] = v
	}
	for k, v := range m.failureCount {
		failure[k] = v
	}
	return success, failure
}

// History returns a snapshot of the bounded execution ring, oldest first.
func (m *Manager) History() []ringEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ringEntry, 0, len(m.ring))
	out = append(out, m.ring[m.ringPos:]...)
	out = append(out, m.ring[:m.ringPos]...)
	return out
}

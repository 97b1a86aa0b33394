// Package constraint implements the Constraint Manager (C6): a registry of
// directive processors dispatched in order against a keyword-match
// predicate, following the same first-match-wins dispatch idiom the
// reference service's policy engine uses for its effect pipeline, applied
// here to response-shaping directives instead of allow/deny effects.
package constraint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aegis-proxy/aegis/internal/aegiserr"
	"github.com/aegis-proxy/aegis/internal/decision"
)

// Payload is the upstream response body being shaped by constraint
// processors. Processors may mutate it in place or replace fields.
type Payload struct {
	Body     map[string]any
	Headers  map[string]string
}

// Processor handles one class of constraint directive.
type Processor interface {
	// CanProcess reports whether this processor handles directive.
	CanProcess(directive string) bool
	// Process applies directive to payload, returning the transformed
	// payload or an error (typically a *aegiserr.Error such as
	// CodeConstraintViolated or CodeRateLimitExceeded).
	Process(ctx context.Context, directive string, payload Payload, dc *decision.Context) (Payload, error)
}

// Manager dispatches directives to registered processors in order.
type Manager struct {
	processors []Processor
	timeout    time.Duration
	logger     *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout overrides the default 30s per-processor timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// New creates a Manager with the given processors registered in dispatch
// order; the first whose CanProcess matches a directive handles it.
func New(logger *slog.Logger, processors []Processor, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		processors: processors,
		timeout:    30 * time.Second,
		logger:     logger.With("component", "constraint.Manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply runs every directive against payload in order. A directive with no
// matching processor is a soft failure: logged and skipped, request
// proceeds. A processor that returns an error aborts the whole request: a
// *aegiserr.Error is returned with its own code, any other error is wrapped
// as CodeConstraintViolated. A processor that exceeds its timeout aborts
// with CodeConstraintTimeout.
func (m *Manager) Apply(ctx context.Context, directives []string, payload Payload, dc *decision.Context) (Payload, *aegiserr.Error) {
	for _, directive := range directives {
		proc := m.find(directive)
		if proc == nil {
			m.logger.Warn("no processor registered for directive, skipping", "directive", directive)
			continue
		}

		result, err := m.runWithTimeout(ctx, proc, directive, payload, dc)
		if err != nil {
			if aerr, ok := err.(*aegiserr.Error); ok {
				return Payload{}, aerr
			}
			return Payload{}, aegiserr.New(aegiserr.CodeConstraintViolated, fmt.Sprintf("directive %q: %v", directive, err))
		}
		payload = result
	}
	return payload, nil
}

func (m *Manager) find(directive string) Processor {
	for _, p := range m.processors {
		if p.CanProcess(directive) {
			return p
		}
	}
	return nil
}

func (m *Manager) runWithTimeout(ctx context.Context, proc Processor, directive string, payload Payload, dc *decision.Context) (Payload, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	type outcome struct {
		payload Payload
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		p, err := proc.Process(callCtx, directive, payload, dc)
		done <- outcome{payload: p, err: err}
	}()

	select {
	case o := <-done:
		return o.payload, o.err
	case <-callCtx.Done():
		return Payload{}, aegiserr.New(aegiserr.CodeConstraintTimeout, fmt.Sprintf("directive %q timed out", directive))
	}
}

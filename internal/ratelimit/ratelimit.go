// Package ratelimit implements the Rate Limiter (C8): a per-key sliding
// window over raw admission timestamps, following the same
// map-of-counters-plus-lazy-GC shape the reference service's policy rate
// limiter uses, generalized from (session, actionType) pairs to an
// arbitrary key template and from time-bucketed counts to an exact sliding
// window of timestamps.
package ratelimit

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// gcInterval controls how often Admit opportunistically prunes windows
// that have gone fully idle, to bound memory without a background
// goroutine on the hot path.
const gcInterval = 30 * time.Second

// Decision is the outcome of one Admit call.
type Decision struct {
	Allowed      bool
	Remaining    int
	ResetAt      time.Time
	RetryAfterMs int64 // only set when !Allowed
}

// window holds the raw admission timestamps for one key, oldest first.
type window struct {
	timestamps []time.Time
}

// Limiter is a thread-safe, per-key sliding-window rate limiter.
type Limiter struct {
	mu       sync.Mutex
	windows  map[string]*window
	lastGC   time.Time
	logger   *slog.Logger
	observer func(allowed bool)
}

// Option configures a Limiter at construction.
type Option func(*Limiter)

// WithObserver registers a callback invoked after every Admit decision, for
// metrics/observability.
func WithObserver(obs func(allowed bool)) Option {
	return func(l *Limiter) { l.observer = obs }
}

// New creates a Limiter.
func New(logger *slog.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		windows: make(map[string]*window),
		lastGC:  time.Now(),
		logger:  logger.With("component", "ratelimit.Limiter"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit atomically checks and, if allowed, records one admission for key
// against a limit of limit requests per window. It drops every timestamp
// older than now-window before counting, so the check is always an exact
// rolling window rather than a fixed bucket.
func (l *Limiter) Admit(key string, limit int, win time.Duration) Decision {
	now := time.Now()
	cutoff := now.Add(-win)

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}

	kept := w.timestamps[:0]
	for _, t := range w.timestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.timestamps = kept

	if len(w.timestamps) < limit {
		w.timestamps = append(w.timestamps, now)
		l.maybeGC(now)
		if l.observer != nil {
			l.observer(true)
		}
		return Decision{
			Allowed:   true,
			Remaining: limit - len(w.timestamps),
			ResetAt:   now.Add(win),
		}
	}

	oldest := w.timestamps[0]
	resetAt := oldest.Add(win)
	l.maybeGC(now)
	if l.observer != nil {
		l.observer(false)
	}
	return Decision{
		Allowed:      false,
		Remaining:    0,
		ResetAt:      resetAt,
		RetryAfterMs: resetAt.Sub(now).Milliseconds(),
	}
}

// maybeGC removes windows with no timestamps in the last 24h, bounding
// memory from keys that stop being used. Caller must hold l.mu.
func (l *Limiter) maybeGC(now time.Time) {
	if now.Sub(l.lastGC) < gcInterval {
		return
	}
	l.lastGC = now
	cutoff := now.Add(-24 * time.Hour)
	pruned := 0
	for k, w := range l.windows {
		if len(w.timestamps) == 0 || w.timestamps[len(w.timestamps)-1].Before(cutoff) {
			delete(l.windows, k)
			pruned++
		}
	}
	if pruned > 0 {
		l.logger.Debug("rate limiter GC complete", "pruned_keys", pruned, "active_keys", len(l.windows))
	}
}

// Key renders the default key template {agent}:{action}:{resource_root}
// optionally suffixed with :{client_ip}, §4.8's default template.
func Key(agent, action, resourceRoot, clientIP string) string {
	if clientIP == "" {
		return fmt.Sprintf("%s:%s:%s", agent, action, resourceRoot)
	}
	return fmt.Sprintf("%s:%s:%s:%s", agent, action, resourceRoot, clientIP)
}

// limitPattern accepts the canonical "N per {sec,min,hour}" phrase and its
// localized unit equivalents (秒/分/時間), per the canonical directive
// table's "any locale" requirement.
var limitPattern = regexp.MustCompile(`(?i)^\s*(\d+)\s*(?:/|per\s+)\s*(sec|second|min|minute|hour|秒|分|時間)s?\s*$`)

// ParseLimit parses rate-limit directive strings of the form "N/sec",
// "N per min", "100/hour", "N/分", "N/時間", etc., returning the admission
// count and window duration. Unrecognized formats are a load-time error,
// not a silent default.
func ParseLimit(spec string) (limit int, win time.Duration, err error) {
	m := limitPattern.FindStringSubmatch(strings.TrimSpace(spec))
	if m == nil {
		return 0, 0, fmt.Errorf("unrecognized rate limit spec %q", spec)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid rate limit count in %q: %w", spec, err)
	}
	switch strings.ToLower(m[2]) {
	case "sec", "second", "秒":
		win = time.Second
	case "min", "minute", "分":
		win = time.Minute
	case "hour", "時間":
		win = time.Hour
	}
	return n, win, nil
}

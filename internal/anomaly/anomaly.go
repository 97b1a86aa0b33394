// Package anomaly implements the Anomaly Detector (C10): a sliding-window
// pattern matcher over recent audit records. Patterns are predicates over a
// bounded ring of AuditEntry, evaluated synchronously on every Detect call;
// a CRITICAL match may trigger the Kill Switch's (S5) agent soft-block.
//
// Adapted from the reference service's detection engine: a fixed registry
// of checks, each independently enabled, run against one incoming event and
// reported through a shared handler — generalized here from per-session
// detector state to a single shared ring of audit entries, since the
// patterns this package implements (rapid access, repeated denials,
// off-hours, sensitive resource, new-agent surge) all reason over an
// agent's recent history rather than one session's lifecycle.
package anomaly

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aegis-proxy/aegis/internal/classify"
	"github.com/aegis-proxy/aegis/internal/decision"
)

// ringWindow bounds how long entries are retained for pattern matching.
const ringWindow = 24 * time.Hour

// Registry tracks per-agent historical counts, the same source the
// new-agent-surge pattern needs for "historical count ≤ 5".
type Registry interface {
	HistoricalCount(agentID string) int
}

// SoftBlocker is the Kill Switch capability the detector's auto-mitigation
// path needs, kept narrow to avoid importing the killswitch package's
// full surface.
type SoftBlocker interface {
	SoftBlock(agentID, reason string, duration time.Duration)
}

// Listener receives every AnomalyAlert as it is detected. Listener
// failures are logged and never block further detection.
type Listener func(decision.AnomalyAlert)

// Pattern is one named anomaly check evaluated against the current ring.
type Pattern struct {
	ID        string
	Severity  decision.AnomalySeverity
	Window    time.Duration
	Threshold int
	Check     func(entries []decision.AuditEntry, classifier *classify.Classifier) bool
	Suggest   []string
}

// Detector maintains the bounded ring and runs the registered patterns.
type Detector struct {
	mu      sync.Mutex
	entries []decision.AuditEntry
	ring    map[string][]decision.AuditEntry // agent -> entries within ringWindow

	patterns   []Pattern
	classifier *classify.Classifier
	registry   Registry
	killSwitch SoftBlocker

	businessStart int // hour_of_day, inclusive
	businessEnd   int // hour_of_day, exclusive

	softBlockDuration time.Duration
	listeners         []Listener

	logger *slog.Logger

	idCounter uint64
}

// Option configures a Detector at construction.
type Option func(*Detector)

// WithBusinessWindow sets the hours (local, 0-23) treated as business
// hours for the off-hours pattern. Defaults to 09:00-18:00.
func WithBusinessWindow(startHour, endHour int) Option {
	return func(d *Detector) { d.businessStart, d.businessEnd = startHour, endHour }
}

// WithSoftBlockDuration overrides the default 15-minute auto-mitigation
// soft-block window.
func WithSoftBlockDuration(dur time.Duration) Option {
	return func(d *Detector) { d.softBlockDuration = dur }
}

// WithListener registers an alert listener.
func WithListener(l Listener) Option {
	return func(d *Detector) { d.listeners = append(d.listeners, l) }
}

// New creates a Detector with the five mandatory patterns registered.
func New(classifier *classify.Classifier, registry Registry, killSwitch SoftBlocker, logger *slog.Logger, opts ...Option) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Detector{
		ring:              make(map[string][]decision.AuditEntry),
		classifier:        classifier,
		registry:          registry,
		killSwitch:        killSwitch,
		businessStart:     9,
		businessEnd:       18,
		softBlockDuration: 15 * time.Minute,
		logger:            logger.With("component", "anomaly.Detector"),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.patterns = d.defaultPatterns()
	return d
}

func (d *Detector) defaultPatterns() []Pattern {
	return []Pattern{
		{
			ID:        "rapid-access",
			Severity:  decision.SeverityMedium,
			Window:    60 * time.Second,
			Threshold: 10,
			Suggest:   []string{"review agent activity", "consider rate-limiting"},
			Check: func(entries []decision.AuditEntry, _ *classify.Classifier) bool {
				return len(entries) > 10
			},
		},
		{
			ID:        "repeated-denials",
			Severity:  decision.SeverityHigh,
			Window:    5 * time.Minute,
			Threshold: 5,
			Suggest:   []string{"investigate agent intent", "consider soft-block"},
			Check: func(entries []decision.AuditEntry, _ *classify.Classifier) bool {
				streak := 0
				for i := len(entries) - 1; i >= 0; i-- {
					if entries[i].Verdict != decision.Deny {
						break
					}
					streak++
				}
				return streak >= 5
			},
		},
		{
			ID:        "off-hours-access",
			Severity:  decision.SeverityLow,
			Window:    0,
			Threshold: 1,
			Suggest:   []string{"confirm access was expected outside business hours"},
			Check: func(entries []decision.AuditEntry, _ *classify.Classifier) bool {
				if len(entries) == 0 {
					return false
				}
				return true // hour check is applied by Detect before invoking patterns
			},
		},
		{
			ID:        "sensitive-resource",
			Severity:  decision.SeverityCritical,
			Window:    0,
			Threshold: 1,
			Suggest:   []string{"auto-mitigated: agent soft-blocked pending review"},
			Check: func(entries []decision.AuditEntry, classifier *classify.Classifier) bool {
				if len(entries) == 0 || classifier == nil {
					return false
				}
				return classifier.IsSensitive(entries[len(entries)-1].Resource)
			},
		},
		{
			ID:        "new-agent-surge",
			Severity:  decision.SeverityCritical,
			Window:    time.Hour,
			Threshold: 3,
			Suggest:   []string{"auto-mitigated: agent soft-blocked pending review"},
			Check: func(entries []decision.AuditEntry, _ *classify.Classifier) bool {
				return len(entries) >= 3
			},
		},
	}
}

// Detect appends entry to the ring and evaluates every registered pattern
// against the agent's recent history, dispatching any resulting alerts to
// registered listeners. Returns the alerts produced, for callers that want
// them synchronously in addition to the listener fan-out.
func (d *Detector) Detect(entry decision.AuditEntry) []decision.AnomalyAlert {
	d.mu.Lock()
	d.entries = append(d.entries, entry)
	agentEntries := append(d.ring[entry.Agent], entry)
	agentEntries = pruneOlderThan(agentEntries, ringWindow)
	d.ring[entry.Agent] = agentEntries
	newAgent := d.registry != nil && d.registry.HistoricalCount(entry.Agent) <= 5
	businessStart, businessEnd := d.businessStart, d.businessEnd
	d.mu.Unlock()

	var alerts []decision.AnomalyAlert
	for _, p := range d.patterns {
		window := withinWindow(agentEntries, p.Window)

		var fired bool
		switch p.ID {
		case "off-hours-access":
			hour := hourOfDay(entry.Timestamp)
			fired = hour < businessStart || hour >= businessEnd
		case "new-agent-surge":
			fired = newAgent && p.Check(window, d.classifier)
		default:
			fired = p.Check(window, d.classifier)
		}
		if !fired {
			continue
		}

		alert := d.buildAlert(p, entry)
		if p.Severity == decision.SeverityCritical && d.killSwitch != nil {
			d.killSwitch.SoftBlock(entry.Agent, "anomaly: "+p.ID, d.softBlockDuration)
			alert.AutoMitigated = true
		}
		alerts = append(alerts, alert)
		d.dispatch(alert)
	}
	return alerts
}

func (d *Detector) buildAlert(p Pattern, entry decision.AuditEntry) decision.AnomalyAlert {
	d.mu.Lock()
	d.idCounter++
	id := d.idCounter
	d.mu.Unlock()

	return decision.AnomalyAlert{
		AlertID:    fmt.Sprintf("anom_%d_%d", entry.Timestamp.UnixNano(), id),
		DetectedAt: time.Now(),
		PatternID:  p.ID,
		Severity:   p.Severity,
		Agent:      entry.Agent,
		TriggeringContext: map[string]any{
			"action":   entry.Action,
			"resource": entry.Resource,
			"verdict":  string(entry.Verdict),
		},
		SuggestedActions: p.Suggest,
	}
}

func (d *Detector) dispatch(alert decision.AnomalyAlert) {
	d.mu.Lock()
	listeners := d.listeners
	d.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("anomaly listener panicked", "pattern_id", alert.PatternID, "panic", r)
				}
			}()
			l(alert)
		}()
	}
}

// Sweep evicts ring entries older than ringWindow. Call on an hourly
// ticker.
func (d *Detector) Sweep() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for agent, entries := range d.ring {
		pruned := pruneOlderThan(entries, ringWindow)
		if len(pruned) == 0 {
			delete(d.ring, agent)
			continue
		}
		d.ring[agent] = pruned
	}
	d.entries = pruneOlderThan(d.entries, ringWindow)
}

// Len returns the total number of entries currently retained, across all
// agents, for observability.
func (d *Detector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func pruneOlderThan(entries []decision.AuditEntry, window time.Duration) []decision.AuditEntry {
	if len(entries) == 0 {
		return entries
	}
	cutoff := time.Now().Add(-window)
	i := 0
	for i < len(entries) && entries[i].Timestamp.Before(cutoff) {
		i++
	}
	if i == 0 {
		return entries
	}
	out := make([]decision.AuditEntry, len(entries)-i)
	copy(out, entries[i:])
	return out
}

func withinWindow(entries []decision.AuditEntry, window time.Duration) []decision.AuditEntry {
	if window <= 0 {
		return entries
	}
	cutoff := time.Now().Add(-window)
	i := 0
	for i < len(entries) && entries[i].Timestamp.Before(cutoff) {
		i++
	}
	return entries[i:]
}

func hourOfDay(t time.Time) int {
	return t.Local().Hour()
}

package obligation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aegis-proxy/aegis/internal/alert"
	"github.com/aegis-proxy/aegis/internal/decision"
)

// AuditSink is the minimal interface the Audit Logger executor needs from
// the Audit Sink (C9), kept narrow to avoid an import cycle between the two
// packages.
type AuditSink interface {
	Write(entry decision.AuditEntry) error
}

// AuditLogger executes "log" obligation directives by writing an
// AuditEntry through the Audit Sink.
type AuditLogger struct {
	sink AuditSink
}

// NewAuditLogger creates an AuditLogger.
func NewAuditLogger(sink AuditSink) *AuditLogger {
	return &AuditLogger{sink: sink}
}

func (a *AuditLogger) CanExecute(directive string) bool {
	return directive == "log"
}

func (a *AuditLogger) Execute(_ context.Context, _ string, dc *decision.Context, d decision.Decision) error {
	return a.sink.Write(decision.AuditEntry{
		Agent:     dc.Agent,
		Action:    dc.Action,
		Resource:  dc.Resource,
		Verdict:   d.Verdict,
		Reason:    d.Reason,
		Timestamp: time.Now(),
	})
}

// Notifier executes "notify:<target>" obligation directives by dispatching
// through the Alert Dispatch package (S4).
type Notifier struct {
	alerts *alert.Manager
}

// NewNotifier creates a Notifier.
func NewNotifier(alerts *alert.Manager) *Notifier {
	return &Notifier{alerts: alerts}
}

func (n *Notifier) CanExecute(directive string) bool {
	return strings.HasPrefix(directive, "notify:")
}

func (n *Notifier) Execute(_ context.Context, directive string, dc *decision.Context, d decision.Decision) error {
	target := strings.TrimPrefix(directive, "notify:")
	n.alerts.Send(alert.Alert{
		Type:     "policy_decision",
		Severity: severityFor(d.Verdict),
		Title:    "Policy decision notification",
		Message:  "agent " + dc.Agent + " action " + dc.Action + " verdict " + string(d.Verdict) + " (" + d.Reason + ")",
		AgentID:  dc.Agent,
		Action:   dc.Action,
		Resource: dc.Resource,
		Details:  map[string]interface{}{"target": target},
	})
	return nil
}

func severityFor(v decision.Verdict) string {
	switch v {
	case decision.Deny:
		return "warning"
	case decision.Indeterminate:
		return "critical"
	default:
		return "info"
	}
}

// RetentionScheduler is the interface the Retention Scheduler executor uses
// to record a TTL for external enforcement, kept narrow to avoid coupling
// to a concrete storage backend.
type RetentionScheduler interface {
	ScheduleDeletion(resource string, after time.Duration) error
}

// RetentionExecutor executes "delete-after:Nd" obligation directives by
// recording a retention deadline.
type RetentionExecutor struct {
	scheduler RetentionScheduler
}

// NewRetentionExecutor creates a RetentionExecutor.
func NewRetentionExecutor(scheduler RetentionScheduler) *RetentionExecutor {
	return &RetentionExecutor{scheduler: scheduler}
}

func (r *RetentionExecutor) CanExecute(directive string) bool {
	return strings.HasPrefix(directive, "delete-after:")
}

func (r *RetentionExecutor) Execute(_ context.Context, directive string, dc *decision.Context, _ decision.Decision) error {
	spec := strings.TrimSuffix(strings.TrimPrefix(directive, "delete-after:"), "d")
	days, err := strconv.Atoi(spec)
	if err != nil {
		return fmt.Errorf("malformed delete-after directive %q: %w", directive, err)
	}
	return r.scheduler.ScheduleDeletion(dc.Resource, time.Duration(days)*24*time.Hour)
}

// Package enforcer implements the Policy Enforcer (C11): the public entry
// point that strings the Context Collector, Hybrid Engine, Constraint
// Manager, Obligation Manager, Audit Sink, and Anomaly Detector into one
// enforce() call.
//
// Adapted from the reference proxy's handleRequest pipeline: collect ->
// evaluate -> (deny | call-upstream -> shape -> record), with the upstream
// call itself injected as a function so the core stays testable without a
// real MCP transport, the same inversion the reference proxy's Router gives
// it for provider selection.
package enforcer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aegis-proxy/aegis/internal/aegiserr"
	"github.com/aegis-proxy/aegis/internal/constraint"
	"github.com/aegis-proxy/aegis/internal/decision"
	"github.com/aegis-proxy/aegis/internal/reqcontext"
)

// Upstream forwards the normalized request to whatever the request should
// actually reach, returning its response. Supplied by the caller — out of
// core scope per the enforcer's external interface.
type Upstream func(ctx context.Context, req reqcontext.RawRequest) (constraint.Payload, error)

// Engine is the subset of the Hybrid Engine the enforcer drives.
type Engine interface {
	Decide(ctx context.Context, dc *decision.Context) decision.Decision
}

// KillSwitch is the subset of the Kill Switch the enforcer consults before
// ever calling the Hybrid Engine.
type KillSwitch interface {
	IsBlocked(agentID, sessionID string) (bool, string)
}

// ConstraintApplier is the subset of the Constraint Manager the enforcer
// drives on egress.
type ConstraintApplier interface {
	Apply(ctx context.Context, directives []string, payload constraint.Payload, dc *decision.Context) (constraint.Payload, *aegiserr.Error)
}

// ObligationExecutor is the subset of the Obligation Manager the enforcer
// fires in the background after a decision is finalized.
type ObligationExecutor interface {
	Execute(directives []string, dc *decision.Context, d decision.Decision)
}

// AuditRecorder is the subset of the Audit Sink the enforcer writes to.
type AuditRecorder interface {
	Write(entry decision.AuditEntry) error
}

// AnomalyDetector is the subset of the Anomaly Detector the enforcer feeds
// every finalized decision to.
type AnomalyDetector interface {
	Detect(entry decision.AuditEntry) []decision.AnomalyAlert
}

// AgentObserver records that an agent was seen, backing S3's historical
// action counts.
type AgentObserver interface {
	Observe(agentID, agentType string)
}

// DelegationObserver records an agent's delegation chain for the S1
// registry's cross-request tree view.
type DelegationObserver interface {
	Observe(agent string, chain []string)
}

// Enforcer is the top-level request handler (C11).
type Enforcer struct {
	collector   *reqcontext.Collector
	killSwitch  KillSwitch
	engine      Engine
	constraints ConstraintApplier
	obligations ObligationExecutor
	audit       AuditRecorder
	anomaly     AnomalyDetector
	agents      AgentObserver
	delegations DelegationObserver
	upstream    Upstream

	logger *slog.Logger
}

// Option configures an Enforcer at construction.
type Option func(*Enforcer)

// WithAgentObserver attaches the agent registry (S3) so every processed
// request bumps the agent's historical count.
func WithAgentObserver(a AgentObserver) Option {
	return func(e *Enforcer) { e.agents = a }
}

// WithDelegationObserver attaches the delegation registry (S1) so every
// processed request's delegation chain is recorded for cross-request tree
// observability.
func WithDelegationObserver(d DelegationObserver) Option {
	return func(e *Enforcer) { e.delegations = d }
}

// New creates an Enforcer wiring every pipeline stage together.
func New(
	collector *reqcontext.Collector,
	killSwitch KillSwitch,
	eng Engine,
	constraints ConstraintApplier,
	obligations ObligationExecutor,
	audit AuditRecorder,
	anomalyDetector AnomalyDetector,
	upstream Upstream,
	logger *slog.Logger,
	opts ...Option,
) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Enforcer{
		collector:   collector,
		killSwitch:  killSwitch,
		engine:      eng,
		constraints: constraints,
		obligations: obligations,
		audit:       audit,
		anomaly:     anomalyDetector,
		upstream:    upstream,
		logger:      logger.With("component", "enforcer.Enforcer"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is returned to the enforce() caller: either a shaped upstream
// response, or a structured error identifying why the request was denied.
type Result struct {
	Response constraint.Payload
	Err      *aegiserr.Error
}

// Enforce runs one request through the full policy pipeline: collect ->
// kill-switch check -> decide -> (deny | call-upstream -> shape) -> record
// audit/anomaly -> background obligations.
func (e *Enforcer) Enforce(ctx context.Context, req reqcontext.RawRequest) Result {
	start := time.Now()

	dc, cerr := e.collector.Collect(req)
	if cerr != nil {
		return Result{Err: cerr}
	}

	if e.agents != nil {
		e.agents.Observe(dc.Agent, dc.AgentType)
	}
	if e.delegations != nil {
		e.delegations.Observe(dc.Agent, dc.DelegationChain)
	}

	if e.killSwitch != nil {
		if blocked, reason := e.killSwitch.IsBlocked(dc.Agent, req.SessionID); blocked {
			e.recordOutcome(dc, decision.Decision{Verdict: decision.Deny, Reason: reason}, decision.OutcomeError, start)
			return Result{Err: aegiserr.New(aegiserr.CodePolicyDeny, reason)}
		}
	}

	d := e.engine.Decide(ctx, dc)
	if d.Verdict == decision.Indeterminate {
		// Fail-closed boundary: INDETERMINATE is never returned to a caller.
		d.Verdict = decision.Deny
		if d.Reason == "" {
			d.Reason = "indeterminate decision coerced to deny"
		}
	}

	if d.Verdict != decision.Permit {
		e.recordOutcome(dc, d, decision.OutcomeFailure, start)
		return Result{Err: aegiserr.Newf(aegiserr.CodePolicyDeny, "%s", d.Reason)}
	}

	resp, err := e.upstream(ctx, req)
	if err != nil {
		e.recordOutcome(dc, d, decision.OutcomeError, start)
		return Result{Err: aegiserr.Newf(aegiserr.CodeUpstreamError, "%v", err)}
	}

	if e.constraints != nil && len(d.Constraints) > 0 {
		shaped, cerr := e.constraints.Apply(ctx, d.Constraints, resp, dc)
		if cerr != nil {
			outcome := decision.OutcomeFailure
			if cerr.Code == aegiserr.CodeConstraintTimeout {
				outcome = decision.OutcomeError
			}
			e.recordOutcome(dc, d, outcome, start)
			return Result{Err: cerr}
		}
		resp = shaped
	}

	e.recordOutcome(dc, d, decision.OutcomeSuccess, start)

	if e.obligations != nil && len(d.Obligations) > 0 {
		go e.obligations.Execute(d.Obligations, dc, d)
	}

	return Result{Response: resp}
}

// recordOutcome writes the audit entry and feeds the anomaly detector,
// both synchronously on the request path; errors are logged, never
// propagated, since audit/anomaly failures must never revoke a decision
// already made.
func (e *Enforcer) recordOutcome(dc *decision.Context, d decision.Decision, outcome decision.Outcome, start time.Time) {
	entry := decision.AuditEntry{
		Agent:            dc.Agent,
		Action:           dc.Action,
		Resource:         dc.Resource,
		Verdict:          d.Verdict,
		Outcome:          outcome,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		Confidence:       d.Confidence,
		Reason:           d.Reason,
		ContextJSON:      marshalQuiet(dc),
		DecisionJSON:     marshalQuiet(d),
	}

	if e.audit != nil {
		if err := e.audit.Write(entry); err != nil {
			e.logger.Error("audit write failed", "agent", dc.Agent, "error", err)
		}
	}

	if e.anomaly != nil {
		e.anomaly.Detect(entry)
	}
}

func marshalQuiet(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

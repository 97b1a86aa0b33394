package enforcer

import (
	"context"
	"errors"
	"testing"

	"github.com/aegis-proxy/aegis/internal/aegiserr"
	"github.com/aegis-proxy/aegis/internal/constraint"
	"github.com/aegis-proxy/aegis/internal/decision"
	"github.com/aegis-proxy/aegis/internal/reqcontext"
)

type fakeEngine struct{ d decision.Decision }

func (f fakeEngine) Decide(context.Context, *decision.Context) decision.Decision { return f.d }

type fakeKillSwitch struct {
	blocked bool
	reason  string
}

func (f fakeKillSwitch) IsBlocked(string, string) (bool, string) { return f.blocked, f.reason }

type fakeAudit struct{ entries []decision.AuditEntry }

func (f *fakeAudit) Write(e decision.AuditEntry) error {
	f.entries = append(f.entries, e)
	return nil
}

type fakeAnomaly struct{ calls int }

func (f *fakeAnomaly) Detect(decision.AuditEntry) []decision.AnomalyAlert {
	f.calls++
	return nil
}

type fakeObligations struct{ calls int }

func (f *fakeObligations) Execute([]string, *decision.Context, decision.Decision) { f.calls++ }

func testReq() reqcontext.RawRequest {
	return reqcontext.RawRequest{
		Agent:    "agent-1",
		Action:   "tools/call",
		Resource: "filesystem:read_file",
	}
}

func TestEnforcer_Permit(t *testing.T) {
	audit := &fakeAudit{}
	anom := &fakeAnomaly{}
	obl := &fakeObligations{}

	e := New(
		reqcontext.New(),
		fakeKillSwitch{},
		fakeEngine{d: decision.Decision{Verdict: decision.Permit, Confidence: 1}},
		nil,
		obl,
		audit,
		anom,
		func(context.Context, reqcontext.RawRequest) (constraint.Payload, error) {
			return constraint.Payload{Body: map[string]any{"ok": true}}, nil
		},
		nil,
	)

	res := e.Enforce(context.Background(), testReq())
	if res.Err != nil {
		t.Fatalf("expected no error, got %v", res.Err)
	}
	if len(audit.entries) != 1 || audit.entries[0].Outcome != decision.OutcomeSuccess {
		t.Fatalf("expected one SUCCESS audit entry, got %+v", audit.entries)
	}
	if anom.calls != 1 {
		t.Errorf("expected anomaly detector to be fed once, got %d", anom.calls)
	}
}

func TestEnforcer_Deny(t *testing.T) {
	audit := &fakeAudit{}
	anom := &fakeAnomaly{}

	e := New(
		reqcontext.New(),
		fakeKillSwitch{},
		fakeEngine{d: decision.Decision{Verdict: decision.Deny, Reason: "blocked by policy"}},
		nil, nil, audit, anom,
		func(context.Context, reqcontext.RawRequest) (constraint.Payload, error) {
			t.Fatal("upstream must not be called on DENY")
			return constraint.Payload{}, nil
		},
		nil,
	)

	res := e.Enforce(context.Background(), testReq())
	if res.Err == nil || res.Err.Code != aegiserr.CodePolicyDeny {
		t.Fatalf("expected POLICY_DENY, got %v", res.Err)
	}
	if len(audit.entries) != 1 || audit.entries[0].Outcome != decision.OutcomeFailure {
		t.Fatalf("expected one FAILURE audit entry, got %+v", audit.entries)
	}
}

func TestEnforcer_IndeterminateCoercedToDeny(t *testing.T) {
	e := New(
		reqcontext.New(),
		fakeKillSwitch{},
		fakeEngine{d: decision.Decision{Verdict: decision.Indeterminate, Reason: "ai-unreachable"}},
		nil, nil, &fakeAudit{}, &fakeAnomaly{},
		func(context.Context, reqcontext.RawRequest) (constraint.Payload, error) {
			t.Fatal("upstream must not be called on INDETERMINATE")
			return constraint.Payload{}, nil
		},
		nil,
	)

	res := e.Enforce(context.Background(), testReq())
	if res.Err == nil || res.Err.Code != aegiserr.CodePolicyDeny {
		t.Fatalf("expected INDETERMINATE to be coerced to POLICY_DENY, got %v", res.Err)
	}
}

func TestEnforcer_KillSwitchShortCircuits(t *testing.T) {
	var engineCalled bool
	e := New(
		reqcontext.New(),
		fakeKillSwitch{blocked: true, reason: "agent soft-blocked pending anomaly review"},
		fakeEngineFunc(func() decision.Decision {
			engineCalled = true
			return decision.Decision{Verdict: decision.Permit}
		}),
		nil, nil, &fakeAudit{}, &fakeAnomaly{},
		func(context.Context, reqcontext.RawRequest) (constraint.Payload, error) {
			return constraint.Payload{}, nil
		},
		nil,
	)

	res := e.Enforce(context.Background(), testReq())
	if res.Err == nil {
		t.Fatal("expected kill-switch block to produce an error")
	}
	if engineCalled {
		t.Error("expected the Hybrid Engine not to be called when the kill switch is tripped")
	}
}

func TestEnforcer_UpstreamError(t *testing.T) {
	audit := &fakeAudit{}
	e := New(
		reqcontext.New(),
		fakeKillSwitch{},
		fakeEngine{d: decision.Decision{Verdict: decision.Permit}},
		nil, nil, audit, &fakeAnomaly{},
		func(context.Context, reqcontext.RawRequest) (constraint.Payload, error) {
			return constraint.Payload{}, errors.New("connection refused")
		},
		nil,
	)

	res := e.Enforce(context.Background(), testReq())
	if res.Err == nil || res.Err.Code != aegiserr.CodeUpstreamError {
		t.Fatalf("expected UPSTREAM_ERROR, got %v", res.Err)
	}
	if audit.entries[0].Outcome != decision.OutcomeError {
		t.Errorf("expected ERROR outcome recorded, got %v", audit.entries[0].Outcome)
	}
}

func TestEnforcer_InvalidContext(t *testing.T) {
	e := New(
		reqcontext.New(),
		fakeKillSwitch{},
		fakeEngine{d: decision.Decision{Verdict: decision.Permit}},
		nil, nil, &fakeAudit{}, &fakeAnomaly{},
		func(context.Context, reqcontext.RawRequest) (constraint.Payload, error) {
			t.Fatal("upstream must not be called for an invalid context")
			return constraint.Payload{}, nil
		},
		nil,
	)

	res := e.Enforce(context.Background(), reqcontext.RawRequest{Agent: "a"})
	if res.Err == nil || res.Err.Code != aegiserr.CodeInvalidContext {
		t.Fatalf("expected INVALID_CONTEXT, got %v", res.Err)
	}
}

type fakeEngineFunc func() decision.Decision

func (f fakeEngineFunc) Decide(context.Context, *decision.Context) decision.Decision { return f() }

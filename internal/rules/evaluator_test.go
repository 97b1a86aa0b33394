package rules

import (
	"testing"

	"github.com/aegis-proxy/aegis/internal/decision"
)

func permitAllPolicy(priority int) decision.Policy {
	return decision.Policy{
		Name:     "allow-reads",
		Status:   decision.StatusActive,
		Priority: priority,
		Rules: []decision.Rule{
			{
				Kind:   decision.KindPermission,
				Action: "read",
				Target: "*",
			},
		},
	}
}

func TestEvaluator_NoMatchWhenPolicySetEmpty(t *testing.T) {
	e, err := New(nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	res, err := e.Evaluate(&decision.Context{Agent: "a1", Action: "read", Resource: "file:/tmp/x"})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if res.Matched {
		t.Error("expected no match against an empty policy set")
	}
}

func TestEvaluator_PermitMatch(t *testing.T) {
	e, err := New(nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := e.LoadPolicies([]decision.Policy{permitAllPolicy(1)}); err != nil {
		t.Fatalf("LoadPolicies() error: %v", err)
	}

	res, err := e.Evaluate(&decision.Context{Agent: "a1", Action: "read", Resource: "file:/tmp/x"})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if !res.Matched || res.Verdict != decision.Permit {
		t.Fatalf("expected PERMIT match, got %+v", res)
	}
}

func TestEvaluator_ProhibitionOverridesPermission(t *testing.T) {
	e, err := New(nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	policies := []decision.Policy{
		permitAllPolicy(1),
		{
			Name:     "deny-secrets",
			Status:   decision.StatusActive,
			Priority: 5,
			Rules: []decision.Rule{
				{
					Kind:   decision.KindProhibition,
					Action: "read",
					Target: "secret:*",
				},
			},
		},
	}
	if err := e.LoadPolicies(policies); err != nil {
		t.Fatalf("LoadPolicies() error: %v", err)
	}

	res, err := e.Evaluate(&decision.Context{Agent: "a1", Action: "read", Resource: "secret:/db/password"})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if !res.Matched || res.Verdict != decision.Deny {
		t.Fatalf("expected a prohibition to override the permission, got %+v", res)
	}
}

func TestEvaluator_ConstraintGatesFiring(t *testing.T) {
	e, err := New(nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	policy := decision.Policy{
		Name:     "business-hours-only",
		Status:   decision.StatusActive,
		Priority: 1,
		Rules: []decision.Rule{
			{
				Kind:   decision.KindPermission,
				Action: "write",
				Target: "*",
				Constraints: []decision.Constraint{
					{LeftOperand: decision.OperandIsBusinessHours, Operator: decision.OpEq, RightOperand: true},
				},
			},
		},
	}
	if err := e.LoadPolicies([]decision.Policy{policy}); err != nil {
		t.Fatalf("LoadPolicies() error: %v", err)
	}

	outOfHours := &decision.Context{Agent: "a1", Action: "write", Resource: "file:/tmp/x", IsBusinessHours: false}
	res, err := e.Evaluate(outOfHours)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if res.Matched {
		t.Errorf("expected no match outside business hours, got %+v", res)
	}

	inHours := &decision.Context{Agent: "a1", Action: "write", Resource: "file:/tmp/x", IsBusinessHours: true}
	res, err = e.Evaluate(inHours)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if !res.Matched || res.Verdict != decision.Permit {
		t.Fatalf("expected a match during business hours, got %+v", res)
	}
}

func TestEvaluator_DirectivesAndDutiesCarried(t *testing.T) {
	e, err := New(nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	policy := decision.Policy{
		Name:     "shape-and-log",
		Status:   decision.StatusActive,
		Priority: 1,
		Rules: []decision.Rule{
			{
				Kind:       decision.KindPermission,
				Action:     "read",
				Target:     "*",
				Directives: []string{"anonymize-pii"},
				Duties:     []decision.Duty{{Action: "log"}},
			},
		},
	}
	if err := e.LoadPolicies([]decision.Policy{policy}); err != nil {
		t.Fatalf("LoadPolicies() error: %v", err)
	}

	res, err := e.Evaluate(&decision.Context{Agent: "a1", Action: "read", Resource: "file:/tmp/x"})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(res.Constraints) != 1 || res.Constraints[0] != "anonymize-pii" {
		t.Errorf("expected directive carried through, got %v", res.Constraints)
	}
	if len(res.Duties) != 1 || res.Duties[0] != "log" {
		t.Errorf("expected duty action carried through, got %v", res.Duties)
	}
}

func TestEvaluator_InactivePoliciesIgnored(t *testing.T) {
	e, err := New(nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	policy := permitAllPolicy(1)
	policy.Status = decision.StatusDraft
	if err := e.LoadPolicies([]decision.Policy{policy}); err != nil {
		t.Fatalf("LoadPolicies() error: %v", err)
	}
	if e.PolicyCount() != 0 {
		t.Errorf("PolicyCount() = %d, want 0 for a draft policy", e.PolicyCount())
	}
}

func TestEvaluator_VersionBumpsOnLoad(t *testing.T) {
	e, err := New(nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	v0 := e.Version()
	if err := e.LoadPolicies([]decision.Policy{permitAllPolicy(1)}); err != nil {
		t.Fatalf("LoadPolicies() error: %v", err)
	}
	if e.Version() != v0+1 {
		t.Errorf("Version() = %d, want %d", e.Version(), v0+1)
	}
}

func TestEvaluator_LoadPoliciesRejectsUnknownOperand(t *testing.T) {
	e, err := New(nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	bad := decision.Policy{
		Name:   "broken",
		Status: decision.StatusActive,
		Rules: []decision.Rule{
			{
				Kind:   decision.KindPermission,
				Action: "read",
				Constraints: []decision.Constraint{
					{LeftOperand: "not_a_real_operand", Operator: decision.OpEq, RightOperand: 1},
				},
			},
		},
	}
	if err := e.LoadPolicies([]decision.Policy{bad}); err == nil {
		t.Error("expected LoadPolicies to reject an unknown left operand")
	}
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		value, pattern string
		want           bool
	}{
		{"read", "", true},
		{"read", "read", true},
		{"read", "write", false},
		{"file:/tmp/a.txt", "file:/tmp/*", true},
		{"file:/tmp/sub/a.txt", "file:/tmp/**", true},
		{"file:/other/a.txt", "file:/tmp/**", false},
		{"tool.call.weird[chars", "tool.call.*", true},
	}
	for _, c := range cases {
		if got := matchPattern(c.value, c.pattern); got != c.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", c.value, c.pattern, got, c.want)
		}
	}
}

func TestValidate(t *testing.T) {
	ok := decision.Rule{Kind: decision.KindPermission, Action: "read"}
	if err := Validate(ok); err != nil {
		t.Errorf("Validate() on a well-formed rule: %v", err)
	}

	noAction := decision.Rule{Kind: decision.KindPermission}
	if err := Validate(noAction); err == nil {
		t.Error("expected Validate to reject a rule with no action pattern")
	}

	badOperator := decision.Rule{
		Kind:   decision.KindPermission,
		Action: "read",
		Constraints: []decision.Constraint{
			{LeftOperand: decision.OperandTrustScore, Operator: "greater_than", RightOperand: 0.5},
		},
	}
	if err := Validate(badOperator); err == nil {
		t.Error("expected Validate to reject an unknown operator")
	}
}

func TestValidateDocument_WarnsOnEmptyPolicy(t *testing.T) {
	res := ValidateDocument(decision.Policy{Name: "empty"})
	if !res.OK() {
		t.Errorf("expected no hard errors for an empty-but-well-formed policy, got %v", res.Errors)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a warning for a policy with no rules")
	}
}

func TestValidateDocument_CollectsErrorsAcrossRules(t *testing.T) {
	p := decision.Policy{
		Name: "broken",
		Rules: []decision.Rule{
			{Kind: decision.KindPermission, Action: "read"},
			{Kind: "bogus", Action: "write"},
		},
	}
	res := ValidateDocument(p)
	if res.OK() {
		t.Error("expected ValidateDocument to surface the bad rule kind as an error")
	}
}

package rules

import (
	"fmt"

	"github.com/aegis-proxy/aegis/internal/decision"
)

// Validate checks a Rule's operators and left operands against the fixed,
// closed sets §4.2 names. A rule referencing anything outside these sets is
// a load-time error, never a runtime surprise on the hot path.
func Validate(r decision.Rule) error {
	if r.Kind != decision.KindPermission && r.Kind != decision.KindProhibition {
		return fmt.Errorf("unknown rule kind %q", r.Kind)
	}
	if r.Action == "" {
		return fmt.Errorf("rule action pattern is required")
	}
	for _, c := range r.Constraints {
		if !decision.ValidLeftOperands[c.LeftOperand] {
			return fmt.Errorf("unknown left operand %q", c.LeftOperand)
		}
		if !decision.ValidOperators[c.Operator] {
			return fmt.Errorf("unknown operator %q", c.Operator)
		}
	}
	for _, d := range r.Duties {
		if d.Action == "" {
			return fmt.Errorf("duty action is required")
		}
		for _, c := range d.Constraints {
			if !decision.ValidLeftOperands[c.LeftOperand] {
				return fmt.Errorf("duty %q: unknown left operand %q", d.Action, c.LeftOperand)
			}
			if !decision.ValidOperators[c.Operator] {
				return fmt.Errorf("duty %q: unknown operator %q", d.Action, c.Operator)
			}
		}
	}
	return nil
}

// ValidationResult holds the outcome of validating a whole policy document,
// distinguishing hard errors from advisory warnings. Modeled on the
// reference service's markdown-config validator, which reports the same
// errors-vs-warnings split for its own document set.
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

// OK reports whether validation found no hard errors.
func (v *ValidationResult) OK() bool {
	return len(v.Errors) == 0
}

// ValidateDocument checks every rule in a Policy document and returns a
// ValidationResult rather than failing fast, so a policy author sees every
// problem in one pass.
func ValidateDocument(p decision.Policy) ValidationResult {
	var res ValidationResult
	if p.Name == "" {
		res.Warnings = append(res.Warnings, "policy has no name")
	}
	if len(p.Rules) == 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("policy %q has no rules", p.Name))
	}
	for i, r := range p.Rules {
		if err := Validate(r); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("policy %q rule[%d]: %v", p.Name, i, err))
		}
	}
	return res
}

// Package rules implements the Rule Evaluator (C2): a deterministic
// matcher over a set of structured policy rules. Structurally this
// replaces the reference policy engine's open-ended CEL-expression
// policies with the fixed ODRL-style permission/prohibition/constraint/duty
// shape §4.2 specifies, while keeping the reference engine's actual
// technique for the constraint sub-language — compile once at load time,
// evaluate a single precompiled CEL program per rule on the hot path.
package rules

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/cel-go/cel"

	"github.com/aegis-proxy/aegis/internal/decision"
)

// compiledRule is a decision.Rule with its constraint CEL program
// precompiled.
type compiledRule struct {
	decision.Rule
	constraints *compiledConstraints
}

// compiledPolicy is a decision.Policy with every active rule precompiled.
type compiledPolicy struct {
	decision.Policy
	rules []compiledRule
}

// Result is the outcome of evaluating a context against the active policy
// set.
type Result struct {
	Matched     bool // false means NO_MATCH
	Verdict     decision.Verdict
	Confidence  float64
	MatchedRule *decision.Rule
	Constraints []string
	Duties      []string
}

// Evaluator holds an immutable, versioned policy set and evaluates
// contexts against it without locking on the hot path: LoadPolicies
// atomically swaps in a new slice, readers capture their own reference at
// entry. This is the copy-on-write discipline §5 requires of the policy
// set.
type Evaluator struct {
	env     *cel.Env
	logger  *slog.Logger
	version int64 // atomic

	mu       sync.RWMutex
	policies []compiledPolicy
}

// New creates an Evaluator. Call LoadPolicies to populate it.
func New(logger *slog.Logger) (*Evaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := celEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to build constraint CEL environment: %w", err)
	}
	return &Evaluator{
		env:    env,
		logger: logger.With("component", "rules.Evaluator"),
	}, nil
}

// Version returns the current policy-set version. It changes on every
// successful LoadPolicies call, and is embedded in
// cache fingerprints so policy changes invalidate stale entries.
func (e *Evaluator) Version() int64 {
	return atomic.LoadInt64(&e.version)
}

// LoadPolicies validates, compiles, and atomically installs a new policy
// set, replacing whatever was loaded before. Each call bumps Version().
func (e *Evaluator) LoadPolicies(policies []decision.Policy) error {
	compiled := make([]compiledPolicy, 0, len(policies))
	for _, p := range policies {
		if p.Status != decision.StatusActive {
			continue
		}
		cp := compiledPolicy{Policy: p}
		for _, r := range p.Rules {
			if err := Validate(r); err != nil {
				return fmt.Errorf("policy %q rule %q/%q: %w", p.Name, r.Kind, r.Action, err)
			}
			cc, err := compileConstraints(e.env, r.Constraints)
			if err != nil {
				return fmt.Errorf("policy %q rule %q/%q: %w", p.Name, r.Kind, r.Action, err)
			}
			cp.rules = append(cp.rules, compiledRule{Rule: r, constraints: cc})
		}
		compiled = append(compiled, cp)
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Priority > compiled[j].Priority
	})

	e.mu.Lock()
	e.policies = compiled
	e.mu.Unlock()
	atomic.AddInt64(&e.version, 1)

	e.logger.Info("policy set loaded", "policies", len(compiled), "version", e.Version())
	return nil
}

// Evaluate matches a context against the active policy set. Pure and
// lock-free apart from capturing the current policy slice reference; safe
// to call concurrently from many goroutines.
func (e *Evaluator) Evaluate(ctx *decision.Context) (Result, error) {
	e.mu.RLock()
	policies := e.policies
	e.mu.RUnlock()

	var bestPermission *compiledRule
	var bestPermissionPriority int
	var prohibitionFired bool
	var prohibitionRule *decision.Rule

	for _, p := range policies {
		for i := range p.rules {
			r := &p.rules[i]
			if !matchPattern(ctx.Action, r.Action) {
				continue
			}
			if r.Target != "" && !matchPattern(ctx.Resource, r.Target) {
				continue
			}

			fires, err := r.constraints.eval(ctx)
			if err != nil {
				return Result{}, fmt.Errorf("constraint evaluation failed: %w", err)
			}
			if !fires {
				continue
			}

			if r.Kind == decision.KindProhibition {
				prohibitionFired = true
				ruleCopy := r.Rule
				prohibitionRule = &ruleCopy
				// Prohibitions override permissions for the same
				// (action, target); the first matching prohibition in
				// priority order is authoritative.
				break
			}

			if bestPermission == nil || p.Priority > bestPermissionPriority {
				ruleCopy := *r
				bestPermission = &ruleCopy
				bestPermissionPriority = p.Priority
			}
		}
		if prohibitionFired {
			break
		}
	}

	if prohibitionFired {
		return Result{
			Matched:     true,
			Verdict:     decision.Deny,
			Confidence:  1.0,
			MatchedRule: prohibitionRule,
			Constraints: append([]string(nil), prohibitionRule.Directives...),
			Duties:      dutyDirectives(prohibitionRule.Duties),
		}, nil
	}

	if bestPermission != nil {
		ruleCopy := bestPermission.Rule
		return Result{
			Matched:     true,
			Verdict:     decision.Permit,
			Confidence:  1.0,
			MatchedRule: &ruleCopy,
			Constraints: append([]string(nil), ruleCopy.Directives...),
			Duties:      dutyDirectives(ruleCopy.Duties),
		}, nil
	}

	return Result{Matched: false}, nil
}

// PolicyCount returns the number of currently loaded (active) policies.
func (e *Evaluator) PolicyCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.policies)
}

// dutyDirectives renders each duty's action as a directive string, per
// §6's obligation directive format.
func dutyDirectives(duties []decision.Duty) []string {
	out := make([]string, 0, len(duties))
	for _, d := range duties {
		out = append(out, d.Action)
	}
	return out
}

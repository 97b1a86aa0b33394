// Package engine implements the Hybrid Engine (C5): the orchestrator that
// strings the Rule Evaluator, AI Judge, and Decision Cache into one
// decide() call, following the same strict-pipeline-with-short-circuit
// shape the reference service's policy engine uses for its own
// budget/rate-limit/CEL/AI/approval chain, narrowed here to the fixed
// cache -> rules -> AI fallback order.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aegis-proxy/aegis/internal/cache"
	"github.com/aegis-proxy/aegis/internal/decision"
	"github.com/aegis-proxy/aegis/internal/judge"
	"github.com/aegis-proxy/aegis/internal/rules"
)

// Stats are atomically updated decision counters, queryable in-process.
// They are not exported to the observability package's otel instruments,
// which count decisions separately.
type Stats struct {
	RulesHits      atomic.Int64
	AIHits         atomic.Int64
	CacheHits      atomic.Int64
	TotalDecisions atomic.Int64
}

// Engine orchestrates the Rule Evaluator, AI Judge, and Decision Cache into
// one decide() call.
type Engine struct {
	evaluator *rules.Evaluator
	judge     *judge.Judge
	cache     *cache.Cache
	logger    *slog.Logger

	mu          sync.RWMutex
	useCache    bool
	useRules    bool
	useAI       bool
	aiThreshold float64
	policyText  string
	policies    []decision.Policy

	Stats Stats
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache disables or enables the Decision Cache stage. Enabled by
// default when a non-nil cache.Cache is passed to New.
func WithCache(enabled bool) Option {
	return func(e *Engine) { e.useCache = enabled }
}

// WithRules disables or enables the Rule Evaluator stage.
func WithRules(enabled bool) Option {
	return func(e *Engine) { e.useRules = enabled }
}

// WithAI disables or enables the AI Judge stage.
func WithAI(enabled bool) Option {
	return func(e *Engine) { e.useAI = enabled }
}

// WithAIThreshold sets the minimum AI confidence a verdict must meet to be
// retained as-is rather than coerced to INDETERMINATE.
func WithAIThreshold(threshold float64) Option {
	return func(e *Engine) { e.aiThreshold = threshold }
}

// WithPolicyText sets the human-readable policy description forwarded to
// the AI Judge on every call.
func WithPolicyText(text string) Option {
	return func(e *Engine) { e.policyText = text }
}

// New creates an Engine. Pass a nil judge.Judge to run rules-only (useAI
// defaults to false in that case).
func New(evaluator *rules.Evaluator, j *judge.Judge, c *cache.Cache, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		evaluator:   evaluator,
		judge:       j,
		cache:       c,
		logger:      logger.With("component", "engine.Engine"),
		useCache:    c != nil,
		useRules:    evaluator != nil,
		useAI:       j != nil,
		aiThreshold: 0.7,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide runs the full cache -> rules -> AI pipeline against ctx and
// returns the final Decision. It never panics on the critical path: a
// rule-evaluation failure with the AI stage disabled yields a fail-closed
// DENY whose reason describes the error, and an AI result that is
// unreachable or below the threshold yields INDETERMINATE.
func (e *Engine) Decide(ctx context.Context, dc *decision.Context) decision.Decision {
	start := time.Now()
	e.Stats.TotalDecisions.Add(1)

	e.mu.RLock()
	useCache, useRules, useAI := e.useCache, e.useRules, e.useAI
	aiThreshold, policyText := e.aiThreshold, e.policyText
	e.mu.RUnlock()

	var fp decision.Fingerprint
	if useCache {
		fp = cache.Fingerprint(dc, e.policyVersion())
		if cached, hit := e.cache.Get(fp); hit {
			e.Stats.CacheHits.Add(1)
			cached.Metadata.Engine = decision.EngineCache
			cached.Metadata.Cached = true
			return cached
		}
	}

	if !useRules && !useAI {
		return e.finish(decision.Decision{
			Verdict:    decision.Deny,
			Reason:     "no policy engines enabled",
			Confidence: 1.0,
			Metadata:   decision.Metadata{Engine: decision.EngineNone},
		}, start, fp, useCache)
	}

	var ruleResult rules.Result
	var ruleErr error
	if useRules {
		ruleResult, ruleErr = e.evaluator.Evaluate(dc)
		if ruleErr != nil {
			e.logger.Error("rule evaluation failed", "error", ruleErr)
		} else if ruleResult.Matched {
			decided := ruleResult.Verdict == decision.Deny || !useAI || ruleResult.Confidence >= aiThreshold
			if decided {
				e.Stats.RulesHits.Add(1)
				return e.finish(decision.Decision{
					Verdict:     ruleResult.Verdict,
					Reason:      "rule-match",
					Confidence:  ruleResult.Confidence,
					Constraints: ruleResult.Constraints,
					Obligations: ruleResult.Duties,
					Metadata:    decision.Metadata{Engine: decision.EngineRules},
				}, start, fp, useCache)
			}
		}
	}

	if useAI {
		aiResult := e.judge.Judge(ctx, judge.Input{PolicyText: policyText, Context: dc})
		if aiResult.Verdict != decision.Indeterminate && aiResult.Confidence >= aiThreshold {
			e.Stats.AIHits.Add(1)
			eng := decision.EngineAI
			constraints := aiResult.Constraints
			obligations := aiResult.Obligations
			if ruleResult.Matched {
				eng = decision.EngineHybrid
				constraints = append(append([]string(nil), ruleResult.Constraints...), constraints...)
				obligations = append(append([]string(nil), ruleResult.Duties...), obligations...)
			}
			return e.finish(decision.Decision{
				Verdict:     aiResult.Verdict,
				Reason:      aiResult.Reason,
				Confidence:  aiResult.Confidence,
				Constraints: constraints,
				Obligations: obligations,
				Metadata:    decision.Metadata{Engine: eng},
			}, start, fp, useCache)
		}
		if aiResult.Reason == "" {
			aiResult.Reason = "ai-low-confidence"
		}
		return e.finish(decision.Decision{
			Verdict:    decision.Indeterminate,
			Reason:     aiResult.Reason,
			Confidence: aiResult.Confidence,
			Metadata:   decision.Metadata{Engine: decision.EngineAI},
		}, start, fp, false)
	}

	if ruleErr != nil {
		return e.finish(decision.Decision{
			Verdict:    decision.Deny,
			Reason:     fmt.Sprintf("engine-error: %v", ruleErr),
			Confidence: 1.0,
			Metadata:   decision.Metadata{Engine: decision.EngineRules},
		}, start, fp, false)
	}

	return e.finish(decision.Decision{
		Verdict:    decision.Deny,
		Reason:     "no-match",
		Confidence: 1.0,
		Metadata:   decision.Metadata{Engine: decision.EngineRules},
	}, start, fp, useCache)
}

// finish stamps the evaluation time, optionally caches the result, and
// returns it.
func (e *Engine) finish(d decision.Decision, start time.Time, fp decision.Fingerprint, cacheable bool) decision.Decision {
	d.Metadata.EvaluationTimeMs = time.Since(start).Milliseconds()
	if cacheable && fp != "" && d.Verdict != decision.Indeterminate {
		e.cache.Put(fp, d)
	}
	return d
}

// policyVersion returns the Rule Evaluator's current policy-set version, or
// 0 if rules are disabled. Embedded in cache fingerprints so a policy
// mutation naturally invalidates stale entries without an explicit purge.
func (e *Engine) policyVersion() int64 {
	if e.evaluator == nil {
		return 0
	}
	return e.evaluator.Version()
}

// AddPolicy appends one policy to the active set and reloads the Rule
// Evaluator, invalidating the cache since the policy-set version changes.
func (e *Engine) AddPolicy(p decision.Policy) error {
	e.mu.Lock()
	policies := append(append([]decision.Policy(nil), e.policies...), p)
	e.mu.Unlock()
	return e.reload(policies)
}

// RemovePolicy removes the policy with the given id, reporting whether it
// was present.
func (e *Engine) RemovePolicy(id string) (bool, error) {
	e.mu.Lock()
	idx := -1
	for i, p := range e.policies {
		if p.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		e.mu.Unlock()
		return false, nil
	}
	policies := append(append([]decision.Policy(nil), e.policies[:idx]...), e.policies[idx+1:]...)
	e.mu.Unlock()
	return true, e.reload(policies)
}

// ListPolicies returns a snapshot of the currently loaded policy set.
func (e *Engine) ListPolicies() []decision.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]decision.Policy(nil), e.policies...)
}

// reload installs a new policy slice into both the Engine's own bookkeeping
// and the Rule Evaluator, then invalidates the cache.
func (e *Engine) reload(policies []decision.Policy) error {
	if e.evaluator == nil {
		return fmt.Errorf("rule evaluator not configured")
	}
	if err := e.evaluator.LoadPolicies(policies); err != nil {
		return err
	}
	e.mu.Lock()
	e.policies = policies
	e.mu.Unlock()
	if e.cache != nil {
		e.cache.InvalidateAll()
	}
	return nil
}

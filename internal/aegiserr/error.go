// Package aegiserr defines the closed set of error codes AEGIS surfaces to
// callers, per the enforcer's external interface.
package aegiserr

import "fmt"

// Code is a machine-readable error code returned to callers of the enforcer.
type Code string

const (
	CodeInvalidContext          Code = "INVALID_CONTEXT"
	CodeDelegationCycle         Code = "DELEGATION_CYCLE"
	CodeDelegationDepthExceeded Code = "DELEGATION_DEPTH_EXCEEDED"
	CodePolicyDeny              Code = "POLICY_DENY"
	CodeConstraintViolated      Code = "CONSTRAINT_VIOLATED"
	CodeConstraintTimeout       Code = "CONSTRAINT_TIMEOUT"
	CodeRateLimitExceeded       Code = "RATE_LIMIT_EXCEEDED"
	CodeEngineError              Code = "ENGINE_ERROR"
	CodeUpstreamError            Code = "UPSTREAM_ERROR"
	CodeAITimeout                Code = "AI_TIMEOUT"
	CodeAIUnreachable            Code = "AI_UNREACHABLE"
	CodeAILowConfidence          Code = "AI_LOW_CONFIDENCE"
	CodeRulesError               Code = "RULES_ERROR"
	CodeObligationTimeout        Code = "OBLIGATION_TIMEOUT"
	CodeObligationFailed         Code = "OBLIGATION_FAILED"
	CodeAuditFailed              Code = "AUDIT_FAILED"
	CodeAnomalyListenerFailed    Code = "ANOMALY_LISTENER_FAILED"
)

// Error is the structured error returned across the enforcer boundary. It
// implements the standard error interface so it composes with fmt.Errorf
// wrapping and errors.As at call sites.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New constructs an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an *Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail returns a copy of e with one additional detail key set.
func (e *Error) WithDetail(key string, value any) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

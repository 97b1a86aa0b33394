// Package decision defines the shared data model consumed and produced by
// every stage of the policy pipeline: Context Collector, Rule Evaluator, AI
// Judge, Decision Cache, and Hybrid Engine. Keeping these types in one leaf
// package avoids import cycles between the components that read and write
// them.
package decision

import "time"

// Engine identifies which component produced a Decision.
type Engine string

const (
	EngineRules  Engine = "RULES"
	EngineAI     Engine = "AI"
	EngineHybrid Engine = "HYBRID"
	EngineCache  Engine = "CACHE"
	EngineNone   Engine = ""
)

// Verdict is the outcome of a policy decision.
type Verdict string

const (
	Permit        Verdict = "PERMIT"
	Deny          Verdict = "DENY"
	Indeterminate Verdict = "INDETERMINATE"
)

// Context is one per inbound request: the normalized facts the policy
// pipeline reasons over.
type Context struct {
	Agent             string
	AgentType         string
	Action            string
	Resource          string
	Time              time.Time
	TrustScore        *float64 // optional; nil means "unknown"
	DelegationChain   []string
	Emergency         bool
	Environment       map[string]any // client_ip, session_id, hour_of_day, is_business_hours
	ResourceClass     string         // derived by the resource classifier (S2)
	HourOfDay         int
	IsBusinessHours   bool
}

// Env returns a typed lookup into Environment, returning ok=false when the
// key is absent.
func (c *Context) Env(key string) (any, bool) {
	if c.Environment == nil {
		return nil, false
	}
	v, ok := c.Environment[key]
	return v, ok
}

// Operator is one of the fixed comparison operators the rule evaluator's
// constraint triples may use.
type Operator string

const (
	OpEq     Operator = "eq"
	OpNeq    Operator = "neq"
	OpLt     Operator = "lt"
	OpLteq   Operator = "lteq"
	OpGt     Operator = "gt"
	OpGteq   Operator = "gteq"
	OpIn     Operator = "in"
	OpNotIn  Operator = "not_in"
)

// ValidOperators is the fixed, closed set of operators §4.2 allows.
var ValidOperators = map[Operator]bool{
	OpEq: true, OpNeq: true, OpLt: true, OpLteq: true,
	OpGt: true, OpGteq: true, OpIn: true, OpNotIn: true,
}

// LeftOperand is one of the fixed known left operands a constraint triple
// may reference.
type LeftOperand string

const (
	OperandTimeOfDay            LeftOperand = "time_of_day"
	OperandIsBusinessHours      LeftOperand = "is_business_hours"
	OperandAgentType            LeftOperand = "agent_type"
	OperandTrustScore           LeftOperand = "trust_score"
	OperandResourceClassification LeftOperand = "resource_classification"
	OperandDelegationDepth       LeftOperand = "delegation_depth"
	OperandEmergencyFlag         LeftOperand = "emergency_flag"
)

// ValidLeftOperands is the fixed, closed set of left operands §4.2 allows.
var ValidLeftOperands = map[LeftOperand]bool{
	OperandTimeOfDay: true, OperandIsBusinessHours: true, OperandAgentType: true,
	OperandTrustScore: true, OperandResourceClassification: true,
	OperandDelegationDepth: true, OperandEmergencyFlag: true,
}

// Constraint is one operand/operator/literal triple attached to a Rule or
// Duty.
type Constraint struct {
	LeftOperand LeftOperand
	Operator    Operator
	RightOperand any
}

// Duty is an obligation template attached to a fired rule: an action plus
// optional constraints, emitted as a directive string once the rule fires.
type Duty struct {
	Action      string
	Constraints []Constraint
}

// RuleKind distinguishes permission from prohibition rules.
type RuleKind string

const (
	KindPermission  RuleKind = "permission"
	KindProhibition RuleKind = "prohibition"
)

// Rule is a tagged permission/prohibition record.
type Rule struct {
	Kind   RuleKind
	Action string // glob or exact pattern
	Target string // glob or exact pattern, optional

	// Constraints are operand/operator/literal preconditions: the rule
	// fires only if every one evaluates true against the context.
	Constraints []Constraint

	// Directives are response-shaping directive strings forwarded to the
	// Constraint Manager (C6) once the rule fires — e.g. "anonymize-pii",
	// "100 per min", "geo-restrict:US". Distinct from Constraints, which
	// gate whether the rule fires at all rather than describing an effect.
	Directives []string

	// Duties are obligation templates forwarded to the Obligation Manager
	// (C7) once the rule fires — e.g. "log", "notify:admin".
	Duties []Duty
}

// PolicyStatus is the lifecycle state of a Policy.
type PolicyStatus string

const (
	StatusActive     PolicyStatus = "active"
	StatusInactive   PolicyStatus = "inactive"
	StatusDraft      PolicyStatus = "draft"
	StatusDeprecated PolicyStatus = "deprecated"
)

// Policy is an ordered set of Rules with lifecycle metadata.
type Policy struct {
	ID       string
	Name     string
	Version  int
	Status   PolicyStatus
	Priority int
	Created  time.Time
	Modified time.Time
	Rules    []Rule
}

// Metadata describes provenance and timing of a Decision.
type Metadata struct {
	Engine            Engine
	EvaluationTimeMs   int64
	Cached             bool
}

// Decision is the outcome of evaluating a Context against the active policy
// set (and possibly the AI judge).
type Decision struct {
	Verdict     Verdict
	Reason      string
	Confidence  float64
	Constraints []string
	Obligations []string
	Metadata    Metadata
}

// Fingerprint is a deterministic summary of a Context plus policy-set
// version, used as the Decision Cache key.
type Fingerprint string

// Outcome is the terminal status of a completed decision, as recorded in
// an AuditEntry.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
	OutcomeError   Outcome = "ERROR"
)

// AuditEntry is one append-only record of a completed decision. Entries
// are never mutated after creation and are ordered by Timestamp.
// PrevHash/Hash support the tamper-evident hash chain the Audit Sink
// maintains over the append-only stream; they are a supplemental integrity
// feature, not required for audit completeness itself.
type AuditEntry struct {
	ID               string
	Timestamp        time.Time
	Agent            string
	Action           string
	Resource         string
	PolicyApplied    string
	Verdict          Verdict
	Outcome          Outcome
	ProcessingTimeMs int64
	Confidence       float64
	ContextJSON      string
	DecisionJSON     string
	Reason           string
	PrevHash         string
	Hash             string
}

// AnomalySeverity classifies how serious a detected anomaly pattern is.
type AnomalySeverity string

const (
	SeverityLow      AnomalySeverity = "LOW"
	SeverityMedium   AnomalySeverity = "MEDIUM"
	SeverityHigh     AnomalySeverity = "HIGH"
	SeverityCritical AnomalySeverity = "CRITICAL"
)

// AnomalyAlert is one detected anomaly pattern match.
type AnomalyAlert struct {
	AlertID           string
	DetectedAt        time.Time
	PatternID         string
	Severity          AnomalySeverity
	Agent             string
	TriggeringContext map[string]any
	SuggestedActions  []string
	AutoMitigated     bool
}

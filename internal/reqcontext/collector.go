// Package reqcontext implements the Context Collector: the pure,
// no-I/O normalization step that turns a raw inbound request into a
// decision.Context. It mirrors the way the reference proxy assembles its
// ActionContext before handing it to the policy engine, but adds the
// delegation cycle/depth checks and resource classification the base
// request assembly never needed.
package reqcontext

import (
	"strings"
	"time"

	"github.com/aegis-proxy/aegis/internal/aegiserr"
	"github.com/aegis-proxy/aegis/internal/decision"
)

// defaultMaxDelegationDepth is the default; overridable via the
// WithMaxDelegationDepth option to match config.delegation_max_depth.
const defaultMaxDelegationDepth = 3

// Classifier computes a resource classification string for a normalized
// resource identifier. Satisfied by internal/classify.Classifier.
type Classifier interface {
	Classify(resource string) string
}

// AgentLookup supplies trust_score/agent_type for an agent when the raw
// request didn't carry them explicitly. Satisfied by internal/registry.Registry.
type AgentLookup interface {
	TrustScore(agentID string) (float64, bool)
	AgentType(agentID string) (string, bool)
}

// RawRequest is the uncollected, externally-supplied shape of an inbound
// call, per §6's normalized inbound request.
type RawRequest struct {
	Agent           string
	AgentType       string
	Action          string
	Resource        string
	Time            time.Time
	TrustScore      *float64
	DelegationChain []string
	Emergency       bool
	ClientIP        string
	SessionID       string
}

// Collector turns RawRequests into decision.Context values.
type Collector struct {
	businessStart   int // minutes since midnight
	businessEnd     int
	maxDepth        int
	classifier      Classifier
	agents          AgentLookup
}

// Option configures a Collector.
type Option func(*Collector)

// WithBusinessHours sets the local business-hours window used to derive
// is_business_hours. Defaults to 09:00-18:00.
func WithBusinessHours(startHour, startMin, endHour, endMin int) Option {
	return func(c *Collector) {
		c.businessStart = startHour*60 + startMin
		c.businessEnd = endHour*60 + endMin
	}
}

// WithMaxDelegationDepth overrides the default delegation chain depth limit.
func WithMaxDelegationDepth(n int) Option {
	return func(c *Collector) { c.maxDepth = n }
}

// WithClassifier attaches a resource classifier (S2).
func WithClassifier(cl Classifier) Option {
	return func(c *Collector) { c.classifier = cl }
}

// WithAgentLookup attaches an agent registry (S3) for trust_score/agent_type
// backfill.
func WithAgentLookup(a AgentLookup) Option {
	return func(c *Collector) { c.agents = a }
}

// New creates a Collector with 09:00-18:00 business hours and depth 3
// unless overridden by options.
func New(opts ...Option) *Collector {
	c := &Collector{
		businessStart: 9 * 60,
		businessEnd:   18 * 60,
		maxDepth:      defaultMaxDelegationDepth,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect normalizes a RawRequest into a decision.Context. It is a pure
// function apart from the optional Classifier/AgentLookup calls, both of
// which are in-process and non-blocking.
func (c *Collector) Collect(req RawRequest) (*decision.Context, *aegiserr.Error) {
	if req.Agent == "" || req.Action == "" || req.Resource == "" {
		return nil, aegiserr.New(aegiserr.CodeInvalidContext, "agent, action, and resource are required")
	}

	for _, a := range req.DelegationChain {
		if a == req.Agent {
			return nil, aegiserr.New(aegiserr.CodeDelegationCycle, "agent appears in its own delegation chain")
		}
	}
	if len(req.DelegationChain) > c.maxDepth {
		return nil, aegiserr.Newf(aegiserr.CodeDelegationDepthExceeded,
			"delegation chain depth %d exceeds max %d", len(req.DelegationChain), c.maxDepth)
	}

	t := req.Time
	if t.IsZero() {
		t = time.Now()
	}

	resource := normalizeResource(req.Resource)

	ctx := &decision.Context{
		Agent:           req.Agent,
		AgentType:       req.AgentType,
		Action:          strings.ToLower(strings.TrimSpace(req.Action)),
		Resource:        resource,
		Time:            t,
		TrustScore:      req.TrustScore,
		DelegationChain: append([]string(nil), req.DelegationChain...),
		Emergency:       req.Emergency,
		Environment:     map[string]any{},
	}

	if req.ClientIP != "" {
		ctx.Environment["client_ip"] = req.ClientIP
	}
	if req.SessionID != "" {
		ctx.Environment["session_id"] = req.SessionID
	}

	ctx.HourOfDay = t.Hour()
	minutesOfDay := t.Hour()*60 + t.Minute()
	ctx.IsBusinessHours = minutesOfDay >= c.businessStart && minutesOfDay < c.businessEnd
	ctx.Environment["hour_of_day"] = ctx.HourOfDay
	ctx.Environment["is_business_hours"] = ctx.IsBusinessHours

	if c.classifier != nil {
		ctx.ResourceClass = c.classifier.Classify(resource)
	}

	if c.agents != nil {
		if ctx.TrustScore == nil {
			if ts, ok := c.agents.TrustScore(req.Agent); ok {
				ctx.TrustScore = &ts
			}
		}
		if ctx.AgentType == "" {
			if at, ok := c.agents.AgentType(req.Agent); ok {
				ctx.AgentType = at
			}
		}
	}
	if ctx.AgentType == "" {
		ctx.AgentType = "unknown"
	}

	return ctx, nil
}

// normalizeResource lowercases the scheme portion and strips redundant
// separators, e.g. "Filesystem__Read_File://tmp//a.txt" stays addressable
// but is directly comparable against rule patterns.
func normalizeResource(resource string) string {
	resource = strings.TrimSpace(resource)
	scheme, rest, found := strings.Cut(resource, ":")
	if !found {
		return collapseSlashes(resource)
	}
	return strings.ToLower(scheme) + ":" + collapseSlashes(rest)
}

func collapseSlashes(s string) string {
	for strings.Contains(s, "//") {
		s = strings.ReplaceAll(s, "//", "/")
	}
	return s
}

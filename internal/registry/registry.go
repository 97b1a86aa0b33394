// Package registry tracks per-agent state that outlives a single request:
// trust score, classification, and historical action counts. It backs two
// places in the pipeline that need memory across requests without owning
// a full session lifecycle — the Context Collector's trust_score/agent_type
// backfill (§4.1) and the Anomaly Detector's new-agent-surge pattern, which
// needs "that agent's total historical count" (§4.10, pattern 5).
//
// Adapted from the reference service's session manager: same
// lock-a-map-of-per-key-state shape, but keyed by agent rather than
// session, and carrying trust/counts instead of cost/session lifecycle —
// this domain has no session concept of its own (MCP sessions, if any,
// are opaque environment data, not a first-class state machine here).
package registry

import (
	"sync"
	"time"
)

// record holds the mutable state tracked for one agent.
type record struct {
	agentType     string
	trustScore    float64
	hasTrustScore bool
	firstSeen     time.Time
	lastSeen      time.Time
	actionCount   int
}

// Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*record
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{agents: make(map[string]*record)}
}

// Observe records that an agent was seen, bumping its historical action
// count. Call this once per processed context.
func (r *Registry) Observe(agentID, agentType string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[agentID]
	if !ok {
		rec = &record{firstSeen: time.Now()}
		r.agents[agentID] = rec
	}
	rec.lastSeen = time.Now()
	rec.actionCount++
	if agentType != "" {
		rec.agentType = agentType
	}
}

// SetTrustScore records a trust score for an agent, overriding any prior
// value.
func (r *Registry) SetTrustScore(agentID string, score float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[agentID]
	if !ok {
		rec = &record{firstSeen: time.Now()}
		r.agents[agentID] = rec
	}
	rec.trustScore = score
	rec.hasTrustScore = true
}

// TrustScore returns the agent's recorded trust score, if any.
func (r *Registry) TrustScore(agentID string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.agents[agentID]
	if !ok || !rec.hasTrustScore {
		return 0, false
	}
	return rec.trustScore, true
}

// AgentType returns the agent's recorded classification, if any.
func (r *Registry) AgentType(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.agents[agentID]
	if !ok || rec.agentType == "" {
		return "", false
	}
	return rec.agentType, true
}

// HistoricalCount returns the total number of contexts observed for an
// agent since process start. Used by the new-agent-surge pattern to test
// "historical count ≤ 5".
func (r *Registry) HistoricalCount(agentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.agents[agentID]
	if !ok {
		return 0
	}
	return rec.actionCount
}

// IsNewAgent reports whether an agent's historical count is at or below
// the given threshold.
func (r *Registry) IsNewAgent(agentID string, threshold int) bool {
	return r.HistoricalCount(agentID) <= threshold
}

// AgentCount returns the number of distinct agents tracked.
func (r *Registry) AgentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// FirstSeen returns when the agent was first observed.
func (r *Registry) FirstSeen(agentID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return time.Time{}, false
	}
	return rec.firstSeen, true
}

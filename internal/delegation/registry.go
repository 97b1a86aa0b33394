// Package delegation maintains an observability-only view of the
// delegation trees formed by DecisionContext.DelegationChain values as
// they arrive. The Context Collector (C1) already enforces the hard
// cycle/depth invariants per request; this registry is the durable,
// cross-request counterpart used by audit tooling and the admin surface
// to answer "who delegated to whom" without re-deriving it from the audit
// log on every query.
//
// Adapted from the reference service's spawn governor, which tracks a
// live agent spawn tree with cascade-kill semantics. Spawning isn't part
// of this domain, so the budget/approval/cascade-kill machinery is
// dropped; what's kept is the tree bookkeeping shape (parent/children
// edges recorded under one lock, snapshot reads copy out of the lock).
package delegation

import (
	"sync"
	"time"
)

// Node is one agent's position in the observed delegation tree.
type Node struct {
	AgentID   string
	ParentID  string
	Depth     int
	Children  []string
	FirstSeen time.Time
	LastSeen  time.Time
}

// Registry records delegation edges observed in DecisionContexts.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Node
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{agents: make(map[string]*Node)}
}

// Observe records the delegation chain for one request: chain[0] is the
// root, chain[i+1] was delegated to by chain[i], and agent was delegated
// to by the last element of chain (or is a root if chain is empty).
func (r *Registry) Observe(agent string, chain []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	full := append(append([]string(nil), chain...), agent)

	var parentID string
	for depth, id := range full {
		node, ok := r.agents[id]
		if !ok {
			node = &Node{AgentID: id, FirstSeen: now}
			r.agents[id] = node
		}
		node.LastSeen = now
		node.Depth = depth
		if parentID != "" && node.ParentID == "" {
			node.ParentID = parentID
			r.addChild(parentID, id)
		}
		parentID = id
	}
}

func (r *Registry) addChild(parentID, childID string) {
	parent, ok := r.agents[parentID]
	if !ok {
		return
	}
	for _, c := range parent.Children {
		if c == childID {
			return
		}
	}
	parent.Children = append(parent.Children, childID)
}

// Tree returns a snapshot of every observed agent node.
func (r *Registry) Tree() map[string]*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*Node, len(r.agents))
	for id, n := range r.agents {
		cp := *n
		cp.Children = append([]string(nil), n.Children...)
		out[id] = &cp
	}
	return out
}

// Descendants returns every agent transitively delegated to by agentID.
func (r *Registry) Descendants(agentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	r.collect(agentID, &out)
	return out
}

func (r *Registry) collect(agentID string, out *[]string) {
	node, ok := r.agents[agentID]
	if !ok {
		return
	}
	for _, childID := range node.Children {
		*out = append(*out, childID)
		r.collect(childID, out)
	}
}

// AgentCount returns the number of distinct agents observed.
func (r *Registry) AgentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

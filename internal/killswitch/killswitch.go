// Package killswitch implements the Kill Switch (S5): an emergency stop
// mechanism checked before policy evaluation, so it can never be bypassed
// by a misbehaving policy or a stale cache entry. Beyond the manual
// global/agent/session triggers, it also serves the Anomaly Detector's
// (C10) auto-mitigation path: a CRITICAL alert soft-blocks the triggering
// agent for a bounded duration, consulted by the Policy Enforcer (C11) on
// every subsequent request from that agent.
package killswitch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// defaultSoftBlockDuration is the soft-block window applied when the
// Anomaly Detector's auto-mitigation fires and no explicit duration is
// given.
const defaultSoftBlockDuration = 15 * time.Minute

// State represents the kill switch state.
type State string

const (
	StateArmed     State = "armed"     // normal operation, ready to trigger
	StateTriggered State = "triggered" // kill switch active, all actions blocked
)

// Scope determines what the kill switch affects.
type Scope string

const (
	ScopeGlobal  Scope = "global"  // all agents and sessions
	ScopeAgent   Scope = "agent"   // specific agent
	ScopeSession Scope = "session" // specific session
)

// TriggerRecord logs who/what triggered the kill switch and when.
type TriggerRecord struct {
	Scope     Scope     `json:"scope"`
	TargetID  string    `json:"target_id,omitempty"` // agent ID or session ID
	Reason    string    `json:"reason"`
	Source    string    `json:"source"` // api, cli, dashboard, slack, file
	Timestamp time.Time `json:"timestamp"`
}

// KillSwitch is an emergency stop mechanism that blocks all agent actions
// when triggered. It is consulted before every policy evaluation — it
// cannot be bypassed by a misbehaving policy, a stale cache entry, or an
// agent ignoring an in-band stop instruction.
type KillSwitch struct {
	mu sync.RWMutex

	// globalTriggered is the master kill switch.
	globalTriggered bool

	// agentKills tracks per-agent kill switches. Key is agent ID.
	agentKills map[string]TriggerRecord

	// sessionKills tracks per-session kill switches. Key is session ID.
	sessionKills map[string]TriggerRecord

	// softBlocks tracks per-agent, time-bounded auto-mitigation blocks
	// applied by the Anomaly Detector. Key is agent ID; value is the
	// expiry time.
	softBlocks map[string]time.Time

	// history keeps a record of all triggers for audit.
	history []TriggerRecord

	// fileWatchPath is checked for a KILL sentinel file.
	fileWatchPath string

	logger *slog.Logger
}

// New creates a new KillSwitch whose KILL sentinel path is
// defaultSentinelPath(); when CheckFileKill finds a file at that path, it
// triggers a global kill.
func New(logger *slog.Logger) *KillSwitch {
	if logger == nil {
		logger = slog.Default()
	}

	return &KillSwitch{
		agentKills:    make(map[string]TriggerRecord),
		sessionKills:  make(map[string]TriggerRecord),
		softBlocks:    make(map[string]time.Time),
		fileWatchPath: defaultSentinelPath(),
		logger:        logger.With("component", "killswitch.KillSwitch"),
	}
}

// defaultSentinelPath is the default location for the KILL sentinel file,
// under the user's home directory so CheckFileKill works out of the box
// without any configuration.
func defaultSentinelPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".aegis", "KILL")
}

// SoftBlock applies a time-bounded block for agentID, called by the
// Anomaly Detector's auto-mitigation path when a CRITICAL pattern fires.
// A duration of 0 uses the default 15-minute window.
func (ks *KillSwitch) SoftBlock(agentID, reason string, duration time.Duration) {
	if duration <= 0 {
		duration = defaultSoftBlockDuration
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.softBlocks[agentID] = time.Now().Add(duration)
	ks.recordLocked(TriggerRecord{
		Scope:    ScopeAgent,
		TargetID: agentID,
		Reason:   reason,
		Source:   "anomaly-auto-mitigation",
	})
	ks.logger.Warn("agent soft-blocked", "agent_id", agentID, "reason", reason, "duration", duration)
}

// IsSoftBlocked reports whether agentID is currently under an unexpired
// soft-block, without requiring a call to IsBlocked's full scope check.
func (ks *KillSwitch) IsSoftBlocked(agentID string) bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	expiry, ok := ks.softBlocks[agentID]
	return ok && time.Now().Before(expiry)
}

// IsBlocked checks whether an action should be blocked. This is the hot
// path, called on every single request, so each scope is a direct map
// lookup rather than a scan — global first, then agent, then session,
// then the anomaly-driven soft-block, in order of how absolute each
// scope's intent is.
func (ks *KillSwitch) IsBlocked(agentID, sessionID string) (bool, string) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	if ks.globalTriggered {
		return true, "global kill switch activated"
	}
	if record, ok := ks.agentKills[agentID]; ok {
		return true, fmt.Sprintf("agent kill switch activated: %s", record.Reason)
	}
	if record, ok := ks.sessionKills[sessionID]; ok {
		return true, fmt.Sprintf("session kill switch activated: %s", record.Reason)
	}
	if expiry, ok := ks.softBlocks[agentID]; ok && time.Now().Before(expiry) {
		return true, "agent soft-blocked pending anomaly review"
	}
	return false, ""
}

// recordLocked appends a trigger to history, stamping its timestamp.
// Caller must hold ks.mu.
func (ks *KillSwitch) recordLocked(record TriggerRecord) TriggerRecord {
	record.Timestamp = time.Now()
	ks.history = append(ks.history, record)
	return record
}

// TriggerGlobal activates the global kill switch, blocking ALL actions.
func (ks *KillSwitch) TriggerGlobal(reason, source string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.globalTriggered = true
	ks.recordLocked(TriggerRecord{Scope: ScopeGlobal, Reason: reason, Source: source})
	ks.logger.Error("global kill switch triggered", "reason", reason, "source", source)
}

// TriggerAgent activates the kill switch for a specific agent.
func (ks *KillSwitch) TriggerAgent(agentID, reason, source string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	record := ks.recordLocked(TriggerRecord{Scope: ScopeAgent, TargetID: agentID, Reason: reason, Source: source})
	ks.agentKills[agentID] = record
	ks.logger.Error("agent kill switch triggered", "agent_id", agentID, "reason", reason, "source", source)
}

// TriggerSession activates the kill switch for a specific session.
func (ks *KillSwitch) TriggerSession(sessionID, reason, source string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	record := ks.recordLocked(TriggerRecord{Scope: ScopeSession, TargetID: sessionID, Reason: reason, Source: source})
	ks.sessionKills[sessionID] = record
	ks.logger.Error("session kill switch triggered", "session_id", sessionID, "reason", reason, "source", source)
}

// ResetGlobal disarms the global kill switch.
func (ks *KillSwitch) ResetGlobal() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.globalTriggered = false
	ks.logger.Info("global kill switch reset")
}

// ResetAgent disarms the kill switch for a specific agent.
func (ks *KillSwitch) ResetAgent(agentID string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	delete(ks.agentKills, agentID)
	ks.logger.Info("agent kill switch reset", "agent_id", agentID)
}

// ResetSession disarms the kill switch for a specific session.
func (ks *KillSwitch) ResetSession(sessionID string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	delete(ks.sessionKills, sessionID)
	ks.logger.Info("session kill switch reset", "session_id", sessionID)
}

// Status returns the current state of all kill switches, for the /status
// operator endpoint.
func (ks *KillSwitch) Status() map[string]any {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	agentKills := make(map[string]TriggerRecord, len(ks.agentKills))
	for k, v := range ks.agentKills {
		agentKills[k] = v
	}
	sessionKills := make(map[string]TriggerRecord, len(ks.sessionKills))
	for k, v := range ks.sessionKills {
		sessionKills[k] = v
	}

	return map[string]any{
		"global_triggered": ks.globalTriggered,
		"agent_kills":      agentKills,
		"session_kills":    sessionKills,
		"history_count":    len(ks.history),
	}
}

// History returns the full trigger history for audit purposes.
func (ks *KillSwitch) History() []TriggerRecord {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]TriggerRecord, len(ks.history))
	copy(out, ks.history)
	return out
}

// CheckFileKill checks for a sentinel KILL file and triggers the global
// kill switch if found. Call this periodically (e.g., every second) —
// it gives an operator a way to halt everything without going through
// the HTTP surface at all, for when that surface itself is suspect.
func (ks *KillSwitch) CheckFileKill() {
	if ks.fileWatchPath == "" {
		return
	}
	if _, err := os.Stat(ks.fileWatchPath); err != nil {
		return
	}

	ks.mu.RLock()
	alreadyTriggered := ks.globalTriggered
	ks.mu.RUnlock()
	if !alreadyTriggered {
		ks.TriggerGlobal("KILL sentinel file detected", "file")
	}
}

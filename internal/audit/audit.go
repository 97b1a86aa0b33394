// Package audit implements the Audit Sink (C9): an append-only log of
// completed decisions, written directly to a SQLite database opened in
// WAL mode — the same storage technology and open-string the reference
// service's trace store uses, restructured here around one audit_entries
// table instead of per-HTTP-call traces. A tamper-evident hash chain is
// maintained over the stream using the same chaining technique as the
// reference service's own hash-chained traces.
package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/aegis-proxy/aegis/internal/decision"
)

// Sink writes AuditEntry records to SQLite, one synchronous insert per
// Write call.
type Sink struct {
	db     *sql.DB
	logger *slog.Logger

	mu       sync.Mutex
	lastHash string
}

// Open creates (or attaches to) a SQLite-backed Sink at path.
func Open(path string, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	s := &Sink{db: db, logger: logger.With("component", "audit.Sink")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadLastHash(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id                 TEXT PRIMARY KEY,
		timestamp          DATETIME NOT NULL,
		agent              TEXT NOT NULL,
		action             TEXT NOT NULL,
		resource           TEXT NOT NULL,
		policy_applied     TEXT,
		verdict            TEXT NOT NULL,
		outcome            TEXT NOT NULL,
		processing_time_ms INTEGER,
		confidence         REAL,
		context_json       TEXT,
		decision_json      TEXT,
		reason             TEXT,
		prev_hash          TEXT,
		hash               TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_agent ON audit_entries(agent);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_timestamp ON audit_entries(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Sink) loadLastHash() error {
	row := s.db.QueryRow(`SELECT hash FROM audit_entries ORDER BY timestamp DESC LIMIT 1`)
	var hash string
	err := row.Scan(&hash)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading last audit hash: %w", err)
	}
	s.lastHash = hash
	return nil
}

// Write appends one AuditEntry, committing synchronously: it is recorded
// even when verdict is DENY, per the append-every-decision invariant.
func (s *Sink) Write(entry decision.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = generateID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.PrevHash = s.lastHash
	entry.Hash = computeHash(entry)

	_, err := s.db.Exec(`INSERT INTO audit_entries
		(id, timestamp, agent, action, resource, policy_applied, verdict, outcome,
		 processing_time_ms, confidence, context_json, decision_json, reason, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp, entry.Agent, entry.Action, entry.Resource,
		entry.PolicyApplied, entry.Verdict, entry.Outcome, entry.ProcessingTimeMs,
		entry.Confidence, entry.ContextJSON, entry.DecisionJSON, entry.Reason,
		entry.PrevHash, entry.Hash,
	)
	if err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	s.lastHash = entry.Hash
	return nil
}

// computeHash hashes the entry chained to the previous entry's hash, the
// same chaining shape the reference service's trace hash chain uses.
func computeHash(e decision.AuditEntry) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s",
		e.ID, e.Agent, e.Action, e.Resource, string(e.Verdict), string(e.Outcome), e.PrevHash)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// VerifyChain walks entries in timestamp order and checks hash integrity,
// returning the index of the first broken link, or -1 if the chain is
// intact.
func VerifyChain(entries []decision.AuditEntry) (valid bool, brokenAt int) {
	for i, e := range entries {
		if e.Hash != computeHash(e) {
			return false, i
		}
		if i > 0 && e.PrevHash != entries[i-1].Hash {
			return false, i
		}
	}
	return true, -1
}

// ForAgent returns entries for agent within [since, now), ordered by
// timestamp ascending, for audit/anomaly queries.
func (s *Sink) ForAgent(agent string, since time.Time) ([]decision.AuditEntry, error) {
	rows, err := s.db.Query(`SELECT id, timestamp, agent, action, resource, policy_applied, verdict,
		outcome, processing_time_ms, confidence, context_json, decision_json, reason, prev_hash, hash
		FROM audit_entries WHERE agent = ? AND timestamp >= ? ORDER BY timestamp ASC`, agent, since)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var out []decision.AuditEntry
	for rows.Next() {
		var e decision.AuditEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Agent, &e.Action, &e.Resource,
			&e.PolicyApplied, &e.Verdict, &e.Outcome, &e.ProcessingTimeMs, &e.Confidence,
			&e.ContextJSON, &e.DecisionJSON, &e.Reason, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (s *Sink) Close() error {
	return s.db.Close()
}

// generateID produces a lexicographically sortable id when no id is
// supplied by the caller, so audit entries sort correctly by id even
// without consulting the timestamp column.
func generateID() string {
	return "aud_" + ulid.Make().String()
}

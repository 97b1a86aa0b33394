package anomaly

import (
	"testing"
	"time"

	"github.com/aegis-proxy/aegis/internal/classify"
	"github.com/aegis-proxy/aegis/internal/decision"
)

type fakeRegistry struct{ count int }

func (f fakeRegistry) HistoricalCount(string) int { return f.count }

type fakeKillSwitch struct {
	blocked  string
	duration time.Duration
}

func (f *fakeKillSwitch) SoftBlock(agentID, reason string, duration time.Duration) {
	f.blocked = agentID
	f.duration = duration
}

func TestDetector_RapidAccess(t *testing.T) {
	d := New(classify.New(), fakeRegistry{count: 100}, nil, nil)

	var alerts []decision.AnomalyAlert
	for i := 0; i < 11; i++ {
		alerts = d.Detect(decision.AuditEntry{
			Agent:     "agent-1",
			Action:    "tools/call",
			Resource:  "filesystem:read",
			Verdict:   decision.Permit,
			Timestamp: time.Now(),
		})
	}

	found := false
	for _, a := range alerts {
		if a.PatternID == "rapid-access" {
			found = true
		}
	}
	if !found {
		t.Error("expected rapid-access alert after 11 entries within 60s")
	}
}

func TestDetector_RepeatedDenials(t *testing.T) {
	d := New(classify.New(), fakeRegistry{count: 100}, nil, nil)

	var alerts []decision.AnomalyAlert
	for i := 0; i < 5; i++ {
		alerts = d.Detect(decision.AuditEntry{
			Agent:     "agent-2",
			Action:    "tools/call",
			Resource:  "filesystem:write",
			Verdict:   decision.Deny,
			Timestamp: time.Now(),
		})
	}

	found := false
	for _, a := range alerts {
		if a.PatternID == "repeated-denials" {
			found = true
		}
	}
	if !found {
		t.Error("expected repeated-denials alert after 5 consecutive DENY")
	}
}

func TestDetector_SensitiveResource(t *testing.T) {
	ks := &fakeKillSwitch{}
	d := New(classify.New(), fakeRegistry{count: 100}, ks, nil)

	alerts := d.Detect(decision.AuditEntry{
		Agent:     "agent-3",
		Action:    "resources/read",
		Resource:  "filesystem:/etc/secrets/.env",
		Verdict:   decision.Permit,
		Timestamp: time.Now(),
	})

	var found *decision.AnomalyAlert
	for i := range alerts {
		if alerts[i].PatternID == "sensitive-resource" {
			found = &alerts[i]
		}
	}
	if found == nil {
		t.Fatal("expected sensitive-resource alert for .env path")
	}
	if found.Severity != decision.SeverityCritical {
		t.Errorf("expected CRITICAL severity for .env access, got %v", found.Severity)
	}
	if !found.AutoMitigated {
		t.Error("expected AutoMitigated=true for .env access")
	}
	if ks.blocked != "agent-3" {
		t.Errorf("expected the kill switch to soft-block agent-3, got %q", ks.blocked)
	}
}

func TestDetector_NewAgentSurge_AutoMitigates(t *testing.T) {
	ks := &fakeKillSwitch{}
	d := New(classify.New(), fakeRegistry{count: 2}, ks, nil)

	var alerts []decision.AnomalyAlert
	for i := 0; i < 3; i++ {
		alerts = d.Detect(decision.AuditEntry{
			Agent:     "new-agent",
			Action:    "tools/call",
			Resource:  "filesystem:read",
			Verdict:   decision.Permit,
			Timestamp: time.Now(),
		})
	}

	var surge *decision.AnomalyAlert
	for i := range alerts {
		if alerts[i].PatternID == "new-agent-surge" {
			surge = &alerts[i]
		}
	}
	if surge == nil {
		t.Fatal("expected new-agent-surge alert")
	}
	if !surge.AutoMitigated {
		t.Error("expected CRITICAL new-agent-surge alert to be auto-mitigated")
	}
	if ks.blocked != "new-agent" {
		t.Errorf("expected kill switch soft-block for new-agent, got %q", ks.blocked)
	}
}

func TestDetector_NoFalsePositiveForQuietAgent(t *testing.T) {
	d := New(classify.New(), fakeRegistry{count: 100}, nil, nil)

	alerts := d.Detect(decision.AuditEntry{
		Agent:     "quiet-agent",
		Action:    "tools/call",
		Resource:  "filesystem:read",
		Verdict:   decision.Permit,
		Timestamp: time.Now(),
	})

	for _, a := range alerts {
		if a.PatternID == "rapid-access" || a.PatternID == "repeated-denials" || a.PatternID == "new-agent-surge" {
			t.Errorf("unexpected alert %q for a single quiet request", a.PatternID)
		}
	}
}

func TestDetector_Sweep(t *testing.T) {
	d := New(classify.New(), fakeRegistry{count: 100}, nil, nil)
	d.Detect(decision.AuditEntry{Agent: "a", Resource: "r", Timestamp: time.Now().Add(-48 * time.Hour)})
	d.Sweep()
	if d.Len() != 0 {
		t.Errorf("expected sweep to evict entries older than the ring window, got %d remaining", d.Len())
	}
}

package alert

import (
	"log/slog"
	"sync"
	"testing"
	"time"
)

type mockSender struct {
	name       string
	sendFunc   func(Alert) error
	mu         sync.Mutex
	sentAlerts []Alert
}

func newMockSender(name string) *mockSender {
	return &mockSender{name: name}
}

func (m *mockSender) Name() string { return m.name }

func (m *mockSender) Send(a Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentAlerts = append(m.sentAlerts, a)
	if m.sendFunc != nil {
		return m.sendFunc(a)
	}
	return nil
}

func (m *mockSender) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sentAlerts)
}

func (m *mockSender) lastAlert() *Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sentAlerts) == 0 {
		return nil
	}
	a := m.sentAlerts[len(m.sentAlerts)-1]
	return &a
}

func TestNewManager_RegistersConfiguredSenders(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want int
	}{
		{"no senders configured", Config{}, 0},
		{"only slack configured", Config{Slack: SlackConfig{WebhookURL: "https://hooks.slack.com/test"}}, 1},
		{"only webhook configured", Config{Webhook: WebhookConfig{URL: "https://example.com/webhook"}}, 1},
		{"both configured", Config{
			Slack:   SlackConfig{WebhookURL: "https://hooks.slack.com/test"},
			Webhook: WebhookConfig{URL: "https://example.com/webhook"},
		}, 2},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m := NewManager(c.cfg, nil)
			if len(m.senders) != c.want {
				t.Errorf("expected %d senders, got %d", c.want, len(m.senders))
			}
			if m.HasSenders() != (c.want > 0) {
				t.Errorf("HasSenders() = %v, want %v", m.HasSenders(), c.want > 0)
			}
		})
	}
}

func newTestManager(ttl time.Duration) *Manager {
	return &Manager{
		senders:  make([]Sender, 0),
		dedup:    make(map[string]time.Time),
		dedupTTL: ttl,
		logger:   slog.Default(),
	}
}

func TestManager_SendDispatchesToAllSenders(t *testing.T) {
	m := newTestManager(5 * time.Minute)
	s1, s2 := newMockSender("s1"), newMockSender("s2")
	m.senders = append(m.senders, s1, s2)

	m.Send(Alert{Type: "policy_violation", Severity: "warning", AgentID: "agent-1"})
	time.Sleep(50 * time.Millisecond)

	if s1.callCount() != 1 || s2.callCount() != 1 {
		t.Errorf("expected both senders called once, got s1=%d s2=%d", s1.callCount(), s2.callCount())
	}
}

func TestManager_DedupSuppressesRepeats(t *testing.T) {
	m := newTestManager(5 * time.Minute)
	mock := newMockSender("s")
	m.senders = append(m.senders, mock)

	a := Alert{Type: "policy_violation", Severity: "warning", AgentID: "agent-1"}
	m.Send(a)
	m.Send(a)
	m.Send(a)
	time.Sleep(50 * time.Millisecond)

	if mock.callCount() != 1 {
		t.Errorf("expected 1 call due to dedup, got %d", mock.callCount())
	}
}

func TestManager_DedupAllowsAfterTTL(t *testing.T) {
	m := newTestManager(50 * time.Millisecond)
	mock := newMockSender("s")
	m.senders = append(m.senders, mock)

	a := Alert{Type: "policy_violation", Severity: "warning", AgentID: "agent-1"}
	m.Send(a)
	time.Sleep(100 * time.Millisecond)
	m.Send(a)
	time.Sleep(50 * time.Millisecond)

	if mock.callCount() != 2 {
		t.Errorf("expected 2 calls across TTL boundary, got %d", mock.callCount())
	}
}

func TestManager_DifferentKeysNotDeduped(t *testing.T) {
	m := newTestManager(5 * time.Minute)
	mock := newMockSender("s")
	m.senders = append(m.senders, mock)

	m.Send(Alert{Type: "policy_violation", Severity: "warning", AgentID: "agent-1"})
	m.Send(Alert{Type: "rate_limit_exceeded", Severity: "warning", AgentID: "agent-1"})
	m.Send(Alert{Type: "policy_violation", Severity: "warning", AgentID: "agent-2"})
	time.Sleep(50 * time.Millisecond)

	if mock.callCount() != 3 {
		t.Errorf("expected 3 calls for distinct (type, agent) pairs, got %d", mock.callCount())
	}
}

func TestManager_CriticalBypassesDedup(t *testing.T) {
	m := newTestManager(5 * time.Minute)
	mock := newMockSender("s")
	m.senders = append(m.senders, mock)

	a := Alert{Type: "anomaly", Severity: "critical", AgentID: "agent-1"}
	m.Send(a)
	m.Send(a)
	m.Send(a)
	time.Sleep(50 * time.Millisecond)

	if mock.callCount() != 3 {
		t.Errorf("expected every critical alert to be sent, got %d calls", mock.callCount())
	}
}

func TestManager_SenderErrorDoesNotPanic(t *testing.T) {
	m := newTestManager(5 * time.Minute)
	mock := newMockSender("s")
	mock.sendFunc = func(Alert) error { return errSend }
	m.senders = append(m.senders, mock)

	m.Send(Alert{Type: "policy_violation", Severity: "warning"})
	time.Sleep(50 * time.Millisecond)

	if mock.callCount() != 1 {
		t.Errorf("expected 1 call attempt even with sender error, got %d", mock.callCount())
	}
}

var errSend = &sendError{"synthetic failure"}

type sendError struct{ msg string }

func (e *sendError) Error() string { return e.msg }

func TestManager_PruneDedupRemovesStaleEntries(t *testing.T) {
	m := newTestManager(100 * time.Millisecond)
	now := time.Now()
	m.dedup["key1"] = now.Add(-300 * time.Millisecond)
	m.dedup["key2"] = now.Add(-10 * time.Millisecond)

	m.PruneDedup()

	if _, ok := m.dedup["key1"]; ok {
		t.Error("expected key1 (older than 2x TTL) to be pruned")
	}
	if _, ok := m.dedup["key2"]; !ok {
		t.Error("expected key2 (within 2x TTL) to survive")
	}
}

func TestManager_ConcurrentSendDedupsSafely(t *testing.T) {
	m := newTestManager(5 * time.Minute)
	mock := newMockSender("s")
	m.senders = append(m.senders, mock)

	a := Alert{Type: "policy_violation", Severity: "warning", AgentID: "agent-1"}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Send(a)
		}()
	}
	wg.Wait()
	time.Sleep(100 * time.Millisecond)

	if mock.callCount() != 1 {
		t.Errorf("expected 1 call under concurrent sends with dedup, got %d", mock.callCount())
	}
}

func TestManager_AlertCarriesResourceAndAction(t *testing.T) {
	m := newTestManager(5 * time.Minute)
	mock := newMockSender("s")
	m.senders = append(m.senders, mock)

	m.Send(Alert{
		Type:     "anomaly",
		Severity: "critical",
		AgentID:  "agent-1",
		Action:   "resources/read",
		Resource: "filesystem:/etc/secrets/.env",
	})
	time.Sleep(50 * time.Millisecond)

	got := mock.lastAlert()
	if got == nil {
		t.Fatal("expected an alert to have been sent")
	}
	if got.Action != "resources/read" || got.Resource != "filesystem:/etc/secrets/.env" {
		t.Errorf("expected Action/Resource to be carried through, got %+v", got)
	}
}

// Package alert implements Alert Dispatch (S4): out-of-band delivery of
// anomaly and obligation notifications to configured channels, with dedup
// so a repeating condition doesn't flood the same channel.
package alert

import (
	"log/slog"
	"sync"
	"time"
)

// Alert represents a notification to be sent.
type Alert struct {
	Type      string                 `json:"type"` // policy_violation, rate_limit_exceeded, anomaly, kill_switch
	Severity  string                 `json:"severity"` // info, warning, critical
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Resource  string                 `json:"resource,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Config holds sender endpoint configuration.
type Config struct {
	Slack   SlackConfig   `yaml:"slack"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// SlackConfig configures the Slack incoming-webhook sender.
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

// WebhookConfig configures the generic HMAC-signed webhook sender.
type WebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// Manager orchestrates alert delivery across configured channels with
// deduplication.
type Manager struct {
	mu       sync.Mutex
	senders  []Sender
	dedup    map[string]time.Time // dedupKey → lastSent
	dedupTTL time.Duration
	logger   *slog.Logger
}

// Sender is an alert delivery channel.
type Sender interface {
	Send(alert Alert) error
	Name() string
}

// NewManager creates a Manager, registering a sender for every configured
// endpoint.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		senders:  make([]Sender, 0),
		dedup:    make(map[string]time.Time),
		dedupTTL: 5 * time.Minute,
		logger:   logger.With("component", "alert.Manager"),
	}
	if cfg.Slack.WebhookURL != "" {
		m.senders = append(m.senders, NewSlackSender(cfg.Slack))
	}
	if cfg.Webhook.URL != "" {
		m.senders = append(m.senders, NewWebhookSender(cfg.Webhook))
	}
	return m
}

// Send dispatches an alert to all configured channels, asynchronously,
// deduplicating repeats of the same (type, agent) pair within dedupTTL.
// Critical alerts bypass dedup entirely: a kill-switch auto-mitigation or
// a repeated policy violation is exactly the case where an operator needs
// every occurrence, not a coalesced first one.
func (m *Manager) Send(a Alert) {
	a.Timestamp = time.Now()

	if a.Severity != "critical" {
		dedupKey := a.Type + "|" + a.AgentID
		m.mu.Lock()
		if lastSent, ok := m.dedup[dedupKey]; ok && time.Since(lastSent) < m.dedupTTL {
			m.mu.Unlock()
			m.logger.Debug("alert deduplicated", "type", a.Type, "key", dedupKey)
			return
		}
		m.dedup[dedupKey] = time.Now()
		m.mu.Unlock()
	}

	m.mu.Lock()
	senders := m.senders
	m.mu.Unlock()

	for _, sender := range senders {
		go func(s Sender) {
			if err := s.Send(a); err != nil {
				m.logger.Error("failed to send alert", "sender", s.Name(), "type", a.Type, "error", err)
			}
		}(sender)
	}
}

// PruneDedup removes dedup entries older than twice the dedup TTL. Call
// periodically from a background sweep.
func (m *Manager) PruneDedup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for key, ts := range m.dedup {
		if now.Sub(ts) > m.dedupTTL*2 {
			delete(m.dedup, key)
		}
	}
}

// HasSenders reports whether any alert channels are configured.
func (m *Manager) HasSenders() bool {
	return len(m.senders) > 0
}

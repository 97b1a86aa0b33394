package obligation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aegis-proxy/aegis/internal/alert"
	"github.com/aegis-proxy/aegis/internal/decision"
)

type countingExecutor struct {
	mu        sync.Mutex
	prefix    string
	calls     int
	failUntil int
}

func (c *countingExecutor) CanExecute(directive string) bool {
	return len(directive) >= len(c.prefix) && directive[:len(c.prefix)] == c.prefix
}

func (c *countingExecutor) Execute(_ context.Context, _ string, _ *decision.Context, _ decision.Decision) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failUntil {
		return errors.New("synthetic failure")
	}
	return nil
}

func (c *countingExecutor) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestManager_ExecuteDispatchesToMatchingExecutor(t *testing.T) {
	exec := &countingExecutor{prefix: "log"}
	m := New(nil, []Executor{exec})

	m.Execute([]string{"log"}, &decision.Context{Agent: "a1"}, decision.Decision{Verdict: decision.Permit})
	waitFor(t, time.Second, func() bool { return exec.count() == 1 })
}

func TestManager_UnmatchedDirectiveSkippedWithoutPanic(t *testing.T) {
	m := New(nil, nil)
	m.Execute([]string{"no-such-directive"}, &decision.Context{}, decision.Decision{})
	success, failure := m.Counts()
	if len(success) != 0 || len(failure) != 0 {
		t.Error("expected no counts recorded for an unmatched directive")
	}
}

func TestManager_RecordsSuccessAndFailureCounts(t *testing.T) {
	exec := &countingExecutor{prefix: "log", failUntil: 1}
	m := New(nil, []Executor{exec}, WithRetries(0))

	m.Execute([]string{"log"}, &decision.Context{}, decision.Decision{})
	waitFor(t, time.Second, func() bool { return exec.count() == 1 })

	success, failure := m.Counts()
	if success["log"] != 0 || failure["log"] != 1 {
		t.Errorf("expected 1 failure 0 success, got success=%v failure=%v", success, failure)
	}
}

func TestManager_RetriesOnFailureViaSweep(t *testing.T) {
	exec := &countingExecutor{prefix: "log", failUntil: 1}
	m := New(nil, []Executor{exec}, WithRetries(2))

	m.Execute([]string{"log"}, &decision.Context{}, decision.Decision{})
	waitFor(t, time.Second, func() bool { return exec.count() == 1 })

	// Sweep right away: the failure has just been scheduled for retry on a
	// real-time backoff clock.
	time.Sleep(10 * time.Millisecond)
	m.sweepOnce()

	// The scheduled retry isn't due yet (backoff >= 5s), so a sweep this
	// soon should be a no-op; only the original call should have run.
	if exec.count() != 1 {
		t.Errorf("expected no premature retry, calls = %d", exec.count())
	}

	// Make the pending retry due and sweep again: the sweep runs the retry.
	m.mu.Lock()
	for _, p := range m.pending {
		p.nextAttempt = time.Now().Add(-time.Millisecond)
	}
	m.mu.Unlock()
	m.sweepOnce()
	waitFor(t, time.Second, func() bool { return exec.count() == 2 })
}

func TestManager_ObserverSeesEveryRun(t *testing.T) {
	exec := &countingExecutor{prefix: "log", failUntil: 1}
	var mu sync.Mutex
	var seen []bool
	m := New(nil, []Executor{exec}, WithRetries(0), WithObserver(func(_ string, success bool) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, success)
	}))

	m.Execute([]string{"log"}, &decision.Context{}, decision.Decision{})
	m.Execute([]string{"log"}, &decision.Context{}, decision.Decision{})
	waitFor(t, time.Second, func() bool { return exec.count() == 2 })

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] || !seen[1] {
		t.Errorf("seen = %v, want [false true]", seen)
	}
}

func TestManager_HistoryBounded(t *testing.T) {
	exec := &countingExecutor{prefix: "log"}
	m := New(nil, []Executor{exec}, WithRingSize(2))

	for i := 0; i < 5; i++ {
		m.Execute([]string{"log"}, &decision.Context{}, decision.Decision{})
	}
	waitFor(t, time.Second, func() bool { return exec.count() == 5 })

	if len(m.History()) != 2 {
		t.Errorf("History() length = %d, want bounded to 2", len(m.History()))
	}
}

type fakeAuditSink struct {
	mu      sync.Mutex
	entries []decision.AuditEntry
}

func (f *fakeAuditSink) Write(entry decision.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func TestAuditLogger_WritesEntry(t *testing.T) {
	sink := &fakeAuditSink{}
	logger := NewAuditLogger(sink)
	if !logger.CanExecute("log") {
		t.Fatal("expected CanExecute(\"log\") to be true")
	}
	err := logger.Execute(context.Background(), "log", &decision.Context{Agent: "a1", Action: "read"}, decision.Decision{Verdict: decision.Permit})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.entries) != 1 || sink.entries[0].Agent != "a1" {
		t.Errorf("unexpected entries: %+v", sink.entries)
	}
}

func TestNotifier_CanExecute(t *testing.T) {
	n := NewNotifier(alert.NewManager(alert.Config{}, nil))
	if !n.CanExecute("notify:admin") {
		t.Error("expected CanExecute(\"notify:admin\") to be true")
	}
	if n.CanExecute("log") {
		t.Error("expected CanExecute(\"log\") to be false")
	}
	if err := n.Execute(context.Background(), "notify:admin", &decision.Context{Agent: "a1"}, decision.Decision{Verdict: decision.Deny}); err != nil {
		t.Errorf("Execute() error: %v", err)
	}
}

type fakeRetentionScheduler struct {
	mu       sync.Mutex
	resource string
	after    time.Duration
}

func (f *fakeRetentionScheduler) ScheduleDeletion(resource string, after time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resource = resource
	f.after = after
	return nil
}

func TestRetentionExecutor_ParsesDays(t *testing.T) {
	sched := &fakeRetentionScheduler{}
	r := NewRetentionExecutor(sched)
	if !r.CanExecute("delete-after:30d") {
		t.Fatal("expected CanExecute(\"delete-after:30d\") to be true")
	}
	if err := r.Execute(context.Background(), "delete-after:30d", &decision.Context{Resource: "file:x"}, decision.Decision{}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	sched.mu.Lock()
	defer sched.mu.Unlock()
	if sched.resource != "file:x" || sched.after != 30*24*time.Hour {
		t.Errorf("unexpected schedule: resource=%q after=%v", sched.resource, sched.after)
	}
}

func TestRetentionExecutor_MalformedDirective(t *testing.T) {
	r := NewRetentionExecutor(&fakeRetentionScheduler{})
	if err := r.Execute(context.Background(), "delete-after:notanumber", &decision.Context{}, decision.Decision{}); err == nil {
		t.Error("expected an error for a malformed delete-after directive")
	}
}

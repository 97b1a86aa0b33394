package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_AdmitsUnderLimit(t *testing.T) {
	l := New(nil)
	for i := 0; i < 3; i++ {
		d := l.Admit("agent1:read:file", 3, time.Minute)
		if !d.Allowed {
			t.Fatalf("Admit() call %d: expected allowed under limit", i)
		}
	}
}

func TestLimiter_DeniesOverLimit(t *testing.T) {
	l := New(nil)
	for i := 0; i < 3; i++ {
		l.Admit("agent1:read:file", 3, time.Minute)
	}
	d := l.Admit("agent1:read:file", 3, time.Minute)
	if d.Allowed {
		t.Error("expected the 4th admission over a limit of 3 to be denied")
	}
	if d.RetryAfterMs <= 0 {
		t.Error("expected a positive RetryAfterMs on denial")
	}
}

func TestLimiter_WindowSlidesOpen(t *testing.T) {
	l := New(nil)
	win := 30 * time.Millisecond
	l.Admit("k", 1, win)
	if d := l.Admit("k", 1, win); d.Allowed {
		t.Fatal("expected second admission within window to be denied")
	}

	time.Sleep(50 * time.Millisecond)
	if d := l.Admit("k", 1, win); !d.Allowed {
		t.Error("expected admission to be allowed again once the window slides past it")
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := New(nil)
	l.Admit("agent1:read:file", 1, time.Minute)
	d := l.Admit("agent2:read:file", 1, time.Minute)
	if !d.Allowed {
		t.Error("expected a different key to have its own independent window")
	}
}

func TestLimiter_ObserverSeesEveryDecision(t *testing.T) {
	var results []bool
	l := New(nil, WithObserver(func(allowed bool) { results = append(results, allowed) }))

	l.Admit("k", 1, time.Minute)
	l.Admit("k", 1, time.Minute)

	if len(results) != 2 {
		t.Fatalf("expected 2 observed decisions, got %d", len(results))
	}
	if !results[0] || results[1] {
		t.Errorf("results = %v, want [true false]", results)
	}
}

func TestKey_WithAndWithoutClientIP(t *testing.T) {
	if got := Key("a1", "read", "file", ""); got != "a1:read:file" {
		t.Errorf("Key() = %q, want \"a1:read:file\"", got)
	}
	if got := Key("a1", "read", "file", "10.0.0.1"); got != "a1:read:file:10.0.0.1" {
		t.Errorf("Key() = %q, want suffixed with client IP", got)
	}
}

func TestParseLimit(t *testing.T) {
	cases := []struct {
		spec      string
		wantN     int
		wantWin   time.Duration
		wantError bool
	}{
		{"100/min", 100, time.Minute, false},
		{"5 per sec", 5, time.Second, false},
		{"10/hour", 10, time.Hour, false},
		{"20/分", 20, time.Minute, false},
		{"3/時間", 3, time.Hour, false},
		{"garbage", 0, 0, true},
		{"", 0, 0, true},
	}
	for _, c := range cases {
		n, win, err := ParseLimit(c.spec)
		if c.wantError {
			if err == nil {
				t.Errorf("ParseLimit(%q): expected error", c.spec)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLimit(%q) unexpected error: %v", c.spec, err)
			continue
		}
		if n != c.wantN || win != c.wantWin {
			t.Errorf("ParseLimit(%q) = (%d, %v), want (%d, %v)", c.spec, n, win, c.wantN, c.wantWin)
		}
	}
}

package observability

import (
	"context"
	"testing"
)

func TestRecorder_RecordsWithoutError(t *testing.T) {
	r, err := New()
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer r.Shutdown(context.Background())

	r.SetCacheHitRatioFunc(func() float64 { return 0.42 })
	r.RecordDecision(context.Background(), "RULES", "PERMIT")
	r.RecordRateLimit(context.Background(), true)
	r.RecordAnomaly(context.Background(), "rapid-access", "MEDIUM")
	r.RecordObligation(context.Background(), "log", true)

	if r.Handler() == nil {
		t.Error("expected a non-nil Prometheus handler")
	}
}

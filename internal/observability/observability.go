// Package observability implements S6: otel metric instruments for the
// decision pipeline, exported via a Prometheus HTTP handler. Its counters
// are incremented through the Recorder methods and are separate from the
// Hybrid Engine's in-process Stats counters (§4.5); neither updates the
// other.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Recorder owns every otel instrument AEGIS exports.
type Recorder struct {
	provider *sdkmetric.MeterProvider

	decisions       metric.Int64Counter // by engine, verdict
	cacheHitRatio   metric.Float64ObservableGauge
	rateLimitAdmits metric.Int64Counter // by allowed
	anomalyAlerts   metric.Int64Counter // by pattern_id, severity
	obligationRuns  metric.Int64Counter // by directive, outcome

	cacheHitRatioFn func() float64
}

// New builds a Recorder backed by a fresh Prometheus exporter and registers
// every instrument. Call Handler to get the HTTP handler to serve.
func New() (*Recorder, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("aegis")

	r := &Recorder{provider: provider}

	r.decisions, err = meter.Int64Counter("aegis_decisions_total",
		metric.WithDescription("Total policy decisions by engine and verdict"))
	if err != nil {
		return nil, err
	}
	r.rateLimitAdmits, err = meter.Int64Counter("aegis_rate_limit_admissions_total",
		metric.WithDescription("Rate limiter admission outcomes"))
	if err != nil {
		return nil, err
	}
	r.anomalyAlerts, err = meter.Int64Counter("aegis_anomaly_alerts_total",
		metric.WithDescription("Anomaly alerts by pattern and severity"))
	if err != nil {
		return nil, err
	}
	r.obligationRuns, err = meter.Int64Counter("aegis_obligation_runs_total",
		metric.WithDescription("Obligation executor runs by directive and outcome"))
	if err != nil {
		return nil, err
	}
	r.cacheHitRatio, err = meter.Float64ObservableGauge("aegis_cache_hit_ratio",
		metric.WithDescription("Decision cache hit ratio"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			if r.cacheHitRatioFn != nil {
				obs.Observe(r.cacheHitRatioFn())
			}
			return nil
		}))
	if err != nil {
		return nil, err
	}

	return r, nil
}

// SetCacheHitRatioFunc registers the callback used to sample the cache hit
// ratio gauge, typically cache.Cache.HitRatio.
func (r *Recorder) SetCacheHitRatioFunc(fn func() float64) {
	r.cacheHitRatioFn = fn
}

// RecordDecision increments the decision counter for one finalized Decision.
func (r *Recorder) RecordDecision(ctx context.Context, engine, verdict string) {
	r.decisions.Add(ctx, 1, metric.WithAttributes(
		attrEngine(engine), attrVerdict(verdict),
	))
}

// RecordRateLimit increments the admission counter.
func (r *Recorder) RecordRateLimit(ctx context.Context, allowed bool) {
	r.rateLimitAdmits.Add(ctx, 1, metric.WithAttributes(attrAllowed(allowed)))
}

// RecordAnomaly increments the anomaly alert counter.
func (r *Recorder) RecordAnomaly(ctx context.Context, patternID, severity string) {
	r.anomalyAlerts.Add(ctx, 1, metric.WithAttributes(attrPattern(patternID), attrSeverity(severity)))
}

// RecordObligation increments the obligation run counter.
func (r *Recorder) RecordObligation(ctx context.Context, directive string, success bool) {
	r.obligationRuns.Add(ctx, 1, metric.WithAttributes(attrDirective(directive), attrOutcome(success)))
}

// Handler returns the HTTP handler to mount for Prometheus scraping.
func (r *Recorder) Handler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes and stops the meter provider.
func (r *Recorder) Shutdown(ctx context.Context) error {
	return r.provider.Shutdown(ctx)
}

func attrEngine(v string) attribute.KeyValue     { return attribute.String("engine", v) }
func attrVerdict(v string) attribute.KeyValue    { return attribute.String("verdict", v) }
func attrPattern(v string) attribute.KeyValue    { return attribute.String("pattern_id", v) }
func attrSeverity(v string) attribute.KeyValue   { return attribute.String("severity", v) }
func attrDirective(v string) attribute.KeyValue  { return attribute.String("directive", v) }

func attrAllowed(allowed bool) attribute.KeyValue {
	if allowed {
		return attribute.String("allowed", "true")
	}
	return attribute.String("allowed", "false")
}

func attrOutcome(success bool) attribute.KeyValue {
	if success {
		return attribute.String("outcome", "success")
	}
	return attribute.String("outcome", "failure")
}

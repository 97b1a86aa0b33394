package constraint

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aegis-proxy/aegis/internal/aegiserr"
	"github.com/aegis-proxy/aegis/internal/decision"
	"github.com/aegis-proxy/aegis/internal/ratelimit"
)

// RateLimitProcessor enforces "N per {sec,min,hour}" directives by
// delegating to the shared Rate Limiter (C8).
type RateLimitProcessor struct {
	limiter *ratelimit.Limiter
}

// NewRateLimitProcessor wraps a ratelimit.Limiter as a Processor.
func NewRateLimitProcessor(limiter *ratelimit.Limiter) *RateLimitProcessor {
	return &RateLimitProcessor{limiter: limiter}
}

func (p *RateLimitProcessor) CanProcess(directive string) bool {
	_, _, err := ratelimit.ParseLimit(directive)
	return err == nil
}

func (p *RateLimitProcessor) Process(_ context.Context, directive string, payload Payload, dc *decision.Context) (Payload, error) {
	limit, window, err := ratelimit.ParseLimit(directive)
	if err != nil {
		return payload, err
	}
	key := ratelimit.Key(dc.Agent, dc.Action, resourceRoot(dc.Resource), clientIP(dc))
	d := p.limiter.Admit(key, limit, window)
	if payload.Headers == nil {
		payload.Headers = make(map[string]string)
	}
	payload.Headers["X-RateLimit-Remaining"] = fmt.Sprintf("%d", d.Remaining)
	payload.Headers["X-RateLimit-Reset"] = d.ResetAt.Format(time.RFC3339)
	if !d.Allowed {
		return payload, aegiserr.New(aegiserr.CodeRateLimitExceeded, "rate limit exceeded").
			WithDetail("retry_after_ms", d.RetryAfterMs)
	}
	return payload, nil
}

func clientIP(dc *decision.Context) string {
	if v, ok := dc.Env("client_ip"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func resourceRoot(resource string) string {
	parts := strings.SplitN(strings.TrimPrefix(resource, "/"), "/", 2)
	if len(parts) == 0 {
		return resource
	}
	return parts[0]
}

// Anonymizer replaces values at configured key-paths with a masked
// surrogate when the "anonymize-pii" directive fires.
type Anonymizer struct {
	keyPaths []string
}

// NewAnonymizer creates an Anonymizer masking the given dot-separated
// key-paths (e.g. "user.email", "metadata.ssn").
func NewAnonymizer(keyPaths []string) *Anonymizer {
	return &Anonymizer{keyPaths: keyPaths}
}

// CanProcess recognizes both the canonical "anonymize-pii" phrase and its
// localized form ("個人情報…匿名化"), per the canonical directive table's
// "any locale" requirement.
func (a *Anonymizer) CanProcess(directive string) bool {
	return strings.Contains(strings.ToLower(directive), "anonymize") || strings.Contains(directive, "匿名化")
}

func (a *Anonymizer) Process(_ context.Context, _ string, payload Payload, _ *decision.Context) (Payload, error) {
	if payload.Body == nil {
		return payload, nil
	}
	for _, path := range a.keyPaths {
		maskPath(payload.Body, strings.Split(path, "."))
	}
	return payload, nil
}

// maskPath walks body following the dot-path segments and replaces the
// leaf value with a masked surrogate, if present.
func maskPath(body map[string]any, segments []string) {
	if len(segments) == 0 {
		return
	}
	key := segments[0]
	if len(segments) == 1 {
		if _, ok := body[key]; ok {
			body[key] = "***"
		}
		return
	}
	child, ok := body[key].(map[string]any)
	if !ok {
		return
	}
	maskPath(child, segments[1:])
}

// GeoRestrictor asserts environment.client_ip's country is in an allowed
// set, per a "geo-restrict:XX[,YY...]" directive. With a nil lookup, or
// when the context carries no client_ip, the directive is not checked and
// the payload passes unchanged.
type GeoRestrictor struct {
	// lookup resolves a client IP to an ISO country code.
	lookup func(ip string) string
}

// NewGeoRestrictor creates a GeoRestrictor using the given IP-to-country
// lookup function.
func NewGeoRestrictor(lookup func(ip string) string) *GeoRestrictor {
	return &GeoRestrictor{lookup: lookup}
}

func (g *GeoRestrictor) CanProcess(directive string) bool {
	return strings.HasPrefix(directive, "geo-restrict:")
}

func (g *GeoRestrictor) Process(_ context.Context, directive string, payload Payload, dc *decision.Context) (Payload, error) {
	allowed := strings.Split(strings.TrimPrefix(directive, "geo-restrict:"), ",")
	ip := clientIP(dc)
	if ip == "" || g.lookup == nil {
		return payload, nil
	}
	country := g.lookup(ip)
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimSpace(a), country) {
			return payload, nil
		}
	}
	return payload, aegiserr.New(aegiserr.CodeConstraintViolated, fmt.Sprintf("client country %q not in allowed set %v", country, allowed))
}

// TimeWindow asserts context.time falls within a "time-window:HH:MM-HH:MM"
// directive's range.
type TimeWindow struct{}

// NewTimeWindow creates a TimeWindow processor.
func NewTimeWindow() *TimeWindow {
	return &TimeWindow{}
}

func (t *TimeWindow) CanProcess(directive string) bool {
	return strings.HasPrefix(directive, "time-window:")
}

func (t *TimeWindow) Process(_ context.Context, directive string, payload Payload, dc *decision.Context) (Payload, error) {
	spec := strings.TrimPrefix(directive, "time-window:")
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return payload, aegiserr.New(aegiserr.CodeConstraintViolated, fmt.Sprintf("malformed time window directive %q", directive))
	}
	start, err1 := time.Parse("15:04", parts[0])
	end, err2 := time.Parse("15:04", parts[1])
	if err1 != nil || err2 != nil {
		return payload, aegiserr.New(aegiserr.CodeConstraintViolated, fmt.Sprintf("malformed time window directive %q", directive))
	}
	minutes := dc.Time.Hour()*60 + dc.Time.Minute()
	startMinutes := start.Hour()*60 + start.Minute()
	endMinutes := end.Hour()*60 + end.Minute()
	if minutes < startMinutes || minutes > endMinutes {
		return payload, aegiserr.New(aegiserr.CodeConstraintViolated, fmt.Sprintf("time %02d:%02d outside window %s", dc.Time.Hour(), dc.Time.Minute(), spec))
	}
	return payload, nil
}

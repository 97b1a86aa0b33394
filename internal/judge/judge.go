// Package judge implements the AI Judge (C3): a stateless caller of an
// external OpenAI-compatible chat-completions endpoint, consolidating what
// the reference service split across its policy-engine judge and its
// detection playbook executor into one shared LLM-calling helper.
package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aegis-proxy/aegis/internal/decision"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
)

// Input is everything the judge needs to evaluate one request.
type Input struct {
	PolicyText string // human-readable policy description
	Context    *decision.Context
	Model      string // overrides Judge's default model when set
}

// Result is the judge's structured verdict before the Hybrid Engine applies
// the confidence-threshold comparison.
type Result struct {
	Verdict     decision.Verdict
	Reason      string
	Confidence  float64
	Constraints []string
	Obligations []string
}

// Judge calls an external LLM endpoint and parses its response into a
// Result. It is stateless between calls; all per-call context is passed
// through Input.
type Judge struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	timeout    time.Duration
	logger     *slog.Logger
}

// Option configures a Judge.
type Option func(*Judge)

// WithTimeout overrides the default 30s per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(j *Judge) { j.timeout = d }
}

// WithModel overrides the default model used when Input.Model is empty.
func WithModel(model string) Option {
	return func(j *Judge) { j.model = model }
}

// WithHTTPClient overrides the HTTP client used to reach the LLM endpoint.
func WithHTTPClient(c *http.Client) Option {
	return func(j *Judge) { j.httpClient = c }
}

// New creates a Judge talking to baseURL with apiKey, following the
// AEGIS_LLM_BASE_URL / AEGIS_LLM_API_KEY configuration convention.
func New(baseURL, apiKey string, logger *slog.Logger, opts ...Option) *Judge {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	j := &Judge{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      defaultModel,
		timeout:    30 * time.Second,
		logger:     logger.With("component", "judge.Judge"),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Judge evaluates one Input. Failure policy: on network error (after one
// retry), on parse failure, or when the API key is unset, it returns
// INDETERMINATE with reason "ai-unreachable" rather than an error — the
// Hybrid Engine decides how to fail closed. A confidence-threshold
// comparison against the configured ai_threshold is the Hybrid Engine's
// job, not this package's; Judge always reports the raw confidence it
// received.
func (j *Judge) Judge(ctx context.Context, in Input) Result {
	if j.apiKey == "" {
		j.logger.Warn("AI judge called with no API key configured")
		return Result{Verdict: decision.Indeterminate, Reason: "ai-unreachable"}
	}

	model := in.Model
	if model == "" {
		model = j.model
	}

	callCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	raw, err := j.callWithRetry(callCtx, model, in)
	if err != nil {
		j.logger.Warn("AI judge call failed", "error", err)
		return Result{Verdict: decision.Indeterminate, Reason: "ai-unreachable"}
	}

	result, err := parseResponse(raw)
	if err != nil {
		j.logger.Warn("AI judge response unparsable", "error", err, "raw", truncate(raw, 200))
		return Result{Verdict: decision.Indeterminate, Reason: "ai-unreachable"}
	}
	return result
}

// callWithRetry calls the LLM once, retrying exactly once on a transient
// network failure (a request-level error, not an API error response).
func (j *Judge) callWithRetry(ctx context.Context, model string, in Input) (string, error) {
	raw, err := j.call(ctx, model, in)
	if err == nil {
		return raw, nil
	}
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		return "", err
	}
	j.logger.Debug("AI judge retrying after transient failure", "error", err)
	return j.call(ctx, model, in)
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (j *Judge) call(ctx context.Context, model string, in Input) (string, error) {
	reqBody := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(in.PolicyText)},
			{Role: "user", Content: userPrompt(in.Context)},
		},
		Temperature: 0.1,
		MaxTokens:   256,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling judge request: %w", err)
	}

	endpoint := strings.TrimRight(j.baseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building judge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+j.apiKey)

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("judge HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading judge response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decoding judge response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		if parsed.Error != nil {
			msg += ": " + parsed.Error.Message
		}
		return "", fmt.Errorf("judge API error: %s", msg)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("judge API returned no choices")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

func systemPrompt(policyText string) string {
	return fmt.Sprintf(`You are a policy enforcement judge for an AI agent proxy.

Read the policy below and decide whether the pending action should be permitted or denied. Consider intent, scope, and risk.

## POLICY

%s

## RESPONSE FORMAT

Respond with a single JSON object, no markdown fencing, no extra text:
{"verdict": "PERMIT"|"DENY", "reason": "<concise explanation>", "confidence": <0.0-1.0>, "constraints": ["..."], "obligations": ["..."]}

- "confidence" reflects how certain you are (1.0 = completely certain).
- "constraints"/"obligations" are optional directive strings (e.g. "anonymize-pii", "notify:admin").
- Err on the side of DENY when the action is ambiguous and risky, PERMIT when ambiguous and low-risk.`, policyText)
}

func userPrompt(ctx *decision.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Pending action\n\n")
	fmt.Fprintf(&b, "- **Agent**: %s (%s)\n", ctx.Agent, ctx.AgentType)
	fmt.Fprintf(&b, "- **Action**: %s\n", ctx.Action)
	fmt.Fprintf(&b, "- **Resource**: %s (class: %s)\n", ctx.Resource, ctx.ResourceClass)
	fmt.Fprintf(&b, "- **Delegation depth**: %d\n", len(ctx.DelegationChain))
	fmt.Fprintf(&b, "- **Emergency flag**: %v\n", ctx.Emergency)
	if ctx.TrustScore != nil {
		fmt.Fprintf(&b, "- **Trust score**: %.2f\n", *ctx.TrustScore)
	}
	fmt.Fprintf(&b, "\nShould this action be permitted? Respond with JSON.")
	return b.String()
}

type judgeJSON struct {
	Verdict     string   `json:"verdict"`
	Reason      string   `json:"reason"`
	Confidence  float64  `json:"confidence"`
	Constraints []string `json:"constraints"`
	Obligations []string `json:"obligations"`
}

// parseResponse extracts a Result from raw LLM text, stripping any
// surrounding markdown fencing before decoding the JSON object.
func parseResponse(raw string) (Result, error) {
	cleaned := raw
	if idx := strings.Index(cleaned, "{"); idx >= 0 {
		cleaned = cleaned[idx:]
	}
	if idx := strings.LastIndex(cleaned, "}"); idx >= 0 {
		cleaned = cleaned[:idx+1]
	}

	var parsed judgeJSON
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return Result{}, fmt.Errorf("invalid judge JSON: %w", err)
	}

	confidence := parsed.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	verdict := decision.Deny
	if strings.EqualFold(parsed.Verdict, "PERMIT") {
		verdict = decision.Permit
	}

	return Result{
		Verdict:     verdict,
		Reason:      parsed.Reason,
		Confidence:  confidence,
		Constraints: parsed.Constraints,
		Obligations: parsed.Obligations,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

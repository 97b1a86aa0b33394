package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aegis-proxy/aegis/internal/aegiserr"
	"github.com/aegis-proxy/aegis/internal/alert"
	"github.com/aegis-proxy/aegis/internal/anomaly"
	"github.com/aegis-proxy/aegis/internal/audit"
	"github.com/aegis-proxy/aegis/internal/cache"
	"github.com/aegis-proxy/aegis/internal/classify"
	"github.com/aegis-proxy/aegis/internal/config"
	"github.com/aegis-proxy/aegis/internal/constraint"
	"github.com/aegis-proxy/aegis/internal/decision"
	"github.com/aegis-proxy/aegis/internal/delegation"
	"github.com/aegis-proxy/aegis/internal/enforcer"
	"github.com/aegis-proxy/aegis/internal/engine"
	"github.com/aegis-proxy/aegis/internal/judge"
	"github.com/aegis-proxy/aegis/internal/killswitch"
	"github.com/aegis-proxy/aegis/internal/obligation"
	"github.com/aegis-proxy/aegis/internal/observability"
	"github.com/aegis-proxy/aegis/internal/ratelimit"
	"github.com/aegis-proxy/aegis/internal/registry"
	"github.com/aegis-proxy/aegis/internal/reqcontext"
	"github.com/aegis-proxy/aegis/internal/rules"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "aegis",
		Short: "Policy enforcement proxy for AI agents and MCP tool servers",
		Long:  "AEGIS — a policy-enforcement proxy sitting between AI agents/MCP clients and upstream tool servers,\nevaluating every tool call against rule-based and AI-judged policy before it is allowed to run.",
	}

	var configFile string
	var port int

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the AEGIS enforcement server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configFile, port)
		},
	}
	startCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: aegis.yaml)")
	startCmd.Flags().IntVarP(&port, "port", "p", 0, "Override HTTP port")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config file and policies directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(configFile)
		},
	}
	initCmd.Flags().StringVarP(&configFile, "config", "c", "aegis.yaml", "Path to write the config file")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running server's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(port)
		},
	}
	statusCmd.Flags().IntVarP(&port, "port", "p", 8443, "Server port")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("AEGIS %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Policy management commands",
	}

	policyListCmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return httpGET(port, "/policies")
		},
	}

	policyReloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "Hot-reload the policy directory without restarting",
		RunE: func(cmd *cobra.Command, args []string) error {
			return httpPOST(port, "/policies/reload")
		},
	}

	policyCmd.AddCommand(policyListCmd, policyReloadCmd)
	policyCmd.PersistentFlags().IntVarP(&port, "port", "p", 8443, "Server port")

	rootCmd.AddCommand(startCmd, initCmd, statusCmd, versionCmd, policyCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runInit(path string) error {
	if path == "" {
		path = "aegis.yaml"
	}
	if err := config.GenerateDefault(path); err != nil {
		return fmt.Errorf("generating default config: %w", err)
	}
	if err := os.MkdirAll("policies", 0755); err != nil {
		return fmt.Errorf("creating policies directory: %w", err)
	}
	fmt.Printf("Wrote %s and ./policies\n", path)
	return nil
}

func runStatus(port int) error {
	return httpGET(port, "/status")
}

func httpGET(port int, path string) error {
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d%s", port, path))
	if err != nil {
		return fmt.Errorf("failed to reach AEGIS: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	fmt.Printf("%s\n", resp.Status)
	return nil
}

func httpPOST(port int, path string) error {
	resp, err := http.Post(fmt.Sprintf("http://localhost:%d%s", port, path), "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to reach AEGIS: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	fmt.Printf("%s\n", resp.Status)
	return nil
}

func findConfigFile() string {
	for _, candidate := range []string{"aegis.yaml", "aegis.yml"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// runStart wires every component together: watchers first, then engines,
// then the serving entry point — reversed on teardown.
func runStart(configFile string, portOverride int) error {
	cfgLoader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := cfgLoader.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg := cfgLoader.Get()
	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}

	logLevel := slog.LevelInfo
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	auditSink, err := audit.Open(cfg.Storage.Path, logger)
	if err != nil {
		return fmt.Errorf("opening audit store: %w", err)
	}
	defer func() { _ = auditSink.Close() }()

	classifier := classify.New()
	agentRegistry := registry.New()
	delegationRegistry := delegation.New()

	ks := killswitch.New(logger)

	collector := reqcontext.New(
		reqcontext.WithBusinessHours(cfg.Engine.BusinessHoursStart, 0, cfg.Engine.BusinessHoursEnd, 0),
		reqcontext.WithMaxDelegationDepth(cfg.Engine.MaxDelegationDepth),
		reqcontext.WithClassifier(classifier),
		reqcontext.WithAgentLookup(agentRegistry),
	)

	evaluator, err := rules.New(logger)
	if err != nil {
		return fmt.Errorf("creating rule evaluator: %w", err)
	}
	policyLoader := rules.NewLoader(cfg.PoliciesDir, evaluator, logger)
	if err := policyLoader.Load(); err != nil {
		logger.Warn("some policies failed to load", "error", err)
	}
	if err := policyLoader.Watch(); err != nil {
		logger.Warn("failed to start policy file watcher", "error", err)
	} else {
		defer func() { _ = policyLoader.Stop() }()
	}

	aiJudge := judge.New(cfg.LLM.BaseURL, cfg.LLM.APIKey, logger,
		judge.WithTimeout(cfg.LLM.Timeout),
		judge.WithModel(cfg.LLM.Model),
	)

	decisionCache := cache.New(logger,
		cache.WithTTL(cfg.Engine.CacheTTL),
		cache.WithMaxSize(cfg.Engine.CacheSize),
	)

	hybrid := engine.New(evaluator, aiJudge, decisionCache, logger,
		engine.WithCache(cfg.Engine.UseCache),
		engine.WithRules(cfg.Engine.UseRules),
		engine.WithAI(cfg.Engine.UseAI),
		engine.WithAIThreshold(cfg.Engine.AIThreshold),
	)

	var recorder *observability.Recorder
	if cfg.Observability.Enabled {
		recorder, err = observability.New()
		if err != nil {
			logger.Warn("failed to start observability", "error", err)
		} else {
			recorder.SetCacheHitRatioFunc(decisionCache.HitRatio)
		}
	}

	var limiterOpts []ratelimit.Option
	if recorder != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithObserver(func(allowed bool) {
			recorder.RecordRateLimit(context.Background(), allowed)
		}))
	}
	limiter := ratelimit.New(logger, limiterOpts...)

	constraintMgr := constraint.New(logger, []constraint.Processor{
		constraint.NewRateLimitProcessor(limiter),
		constraint.NewAnonymizer(nil),
		constraint.NewGeoRestrictor(nil),
		constraint.NewTimeWindow(),
	})

	alertMgr := alert.NewManager(cfg.Alerts, logger)
	go sweepForever(5*time.Minute, alertMgr.PruneDedup)

	retention := &noopRetentionScheduler{logger: logger}
	var obligationOpts []obligation.Option
	if recorder != nil {
		obligationOpts = append(obligationOpts, obligation.WithObserver(func(directive string, success bool) {
			recorder.RecordObligation(context.Background(), directive, success)
		}))
	}
	obligationMgr := obligation.New(logger, []obligation.Executor{
		obligation.NewAuditLogger(auditSink),
		obligation.NewNotifier(alertMgr),
		obligation.NewRetentionExecutor(retention),
	}, obligationOpts...)
	stopSweep := obligationMgr.Sweep(30 * time.Second)
	defer stopSweep()

	anomalyDetector := anomaly.New(classifier, agentRegistry, ks, logger,
		anomaly.WithBusinessWindow(cfg.Engine.BusinessHoursStart, cfg.Engine.BusinessHoursEnd),
		anomaly.WithSoftBlockDuration(cfg.Anomaly.SoftBlockDuration),
		anomaly.WithListener(func(a decision.AnomalyAlert) {
			action, _ := a.TriggeringContext["action"].(string)
			resource, _ := a.TriggeringContext["resource"].(string)
			alertMgr.Send(alert.Alert{
				Type:     "anomaly",
				Severity: severityToAlert(a.Severity),
				Title:    "Anomaly detected: " + a.PatternID,
				AgentID:  a.Agent,
				Action:   action,
				Resource: resource,
				Details:  a.TriggeringContext,
			})
			if recorder != nil {
				recorder.RecordAnomaly(context.Background(), a.PatternID, string(a.Severity))
			}
		}),
	)

	upstream := func(ctx context.Context, req reqcontext.RawRequest) (constraint.Payload, error) {
		// Out of core scope: a real deployment wires in the actual MCP
		// transport here. Absent that, every call is denied upstream.
		return constraint.Payload{}, fmt.Errorf("no upstream transport configured")
	}

	enf := enforcer.New(collector, ks, hybrid, constraintMgr, obligationMgr, auditSink, anomalyDetector, upstream, logger,
		enforcer.WithAgentObserver(agentRegistry),
		enforcer.WithDelegationObserver(delegationRegistry))

	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/policies", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(fmt.Sprintf(`{"count":%d}`, len(hybrid.ListPolicies()))))
	})
	mux.HandleFunc("/policies/reload", func(w http.ResponseWriter, r *http.Request) {
		if err := policyLoader.Load(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/enforce", handleEnforce(enf, recorder))
	if recorder != nil {
		mux.Handle("/metrics", recorder.Handler())
	}

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: mux}

	go func() {
		logger.Info("AEGIS listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// enforceRequestBody is the JSON shape POSTed to /enforce, mapping directly
// onto reqcontext.RawRequest.
type enforceRequestBody struct {
	Agent           string   `json:"agent"`
	AgentType       string   `json:"agent_type,omitempty"`
	Action          string   `json:"action"`
	Resource        string   `json:"resource"`
	TrustScore      *float64 `json:"trust_score,omitempty"`
	DelegationChain []string `json:"delegation_chain,omitempty"`
	Emergency       bool     `json:"emergency,omitempty"`
	SessionID       string   `json:"session_id,omitempty"`
}

// codeToStatus maps a structured enforcer error code to an HTTP status,
// per the enforcer's external interface.
func codeToStatus(code aegiserr.Code) int {
	switch code {
	case aegiserr.CodeInvalidContext, aegiserr.CodeDelegationCycle, aegiserr.CodeDelegationDepthExceeded:
		return http.StatusBadRequest
	case aegiserr.CodePolicyDeny, aegiserr.CodeConstraintViolated:
		return http.StatusForbidden
	case aegiserr.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case aegiserr.CodeConstraintTimeout, aegiserr.CodeAITimeout, aegiserr.CodeObligationTimeout:
		return http.StatusGatewayTimeout
	case aegiserr.CodeUpstreamError, aegiserr.CodeAIUnreachable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// handleEnforce decodes an inbound tool-call request, runs it through the
// full policy pipeline, and writes back the shaped upstream response or the
// structured denial.
func handleEnforce(enf *enforcer.Enforcer, recorder *observability.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var body enforceRequestBody
		if err := decodeJSON(r, &body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		req := reqcontext.RawRequest{
			Agent:           body.Agent,
			AgentType:       body.AgentType,
			Action:          body.Action,
			Resource:        body.Resource,
			TrustScore:      body.TrustScore,
			DelegationChain: body.DelegationChain,
			Emergency:       body.Emergency,
			ClientIP:        clientIP(r),
			SessionID:       body.SessionID,
		}

		result := enf.Enforce(r.Context(), req)

		if recorder != nil {
			verdict := "PERMIT"
			if result.Err != nil {
				verdict = "DENY"
			}
			recorder.RecordDecision(r.Context(), "hybrid", verdict)
		}

		if result.Err != nil {
			writeJSONError(w, result.Err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = encodeJSON(w, result.Response.Body)
	}
}

func writeJSONError(w http.ResponseWriter, aerr *aegiserr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(codeToStatus(aerr.Code))
	_ = encodeJSON(w, map[string]any{
		"code":    aerr.Code,
		"message": aerr.Message,
		"details": aerr.Details,
	})
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func decodeJSON(r *http.Request, v any) error {
	defer func() { _, _ = io.Copy(io.Discard, r.Body); _ = r.Body.Close() }()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func encodeJSON(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func sweepForever(interval time.Duration, fn func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		fn()
	}
}

func severityToAlert(s decision.AnomalySeverity) string {
	switch s {
	case decision.SeverityCritical, decision.SeverityHigh:
		return "critical"
	case decision.SeverityMedium:
		return "warning"
	default:
		return "info"
	}
}

// noopRetentionScheduler logs retention deadlines rather than enforcing
// them, since the underlying storage driver to enforce them against is
// deployment-specific and out of core scope.
type noopRetentionScheduler struct {
	logger *slog.Logger
}

func (n *noopRetentionScheduler) ScheduleDeletion(resource string, after time.Duration) error {
	n.logger.Info("retention scheduled", "resource", resource, "after", after)
	return nil
}

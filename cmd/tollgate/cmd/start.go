// Package cmd provides the CLI commands for Tollgate.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tollgate-mcp/tollgate/internal/adapter/inbound/http"
	"github.com/tollgate-mcp/tollgate/internal/adapter/inbound/stdio"
	"github.com/tollgate-mcp/tollgate/internal/adapter/outbound/memory"
	"github.com/tollgate-mcp/tollgate/internal/config"
	"github.com/tollgate-mcp/tollgate/internal/domain/auth"
	"github.com/tollgate-mcp/tollgate/internal/domain/debug"
	"github.com/tollgate-mcp/tollgate/internal/domain/policy"
	"github.com/tollgate-mcp/tollgate/internal/domain/proxy"
	"github.com/tollgate-mcp/tollgate/internal/domain/ratelimit"
	"github.com/tollgate-mcp/tollgate/internal/domain/registry"
	"github.com/tollgate-mcp/tollgate/internal/domain/session"
	"github.com/tollgate-mcp/tollgate/internal/service"
	"github.com/tollgate-mcp/tollgate/pkg/mcp"
)

var startCmd = &cobra.Command{
	Use:   "start [-- command [args...]]",
	Short: "Start the aggregating proxy server",
	Long: `Start the Tollgate aggregating proxy server.

Tollgate multiplexes one client-facing MCP endpoint over any number of
upstream MCP servers, configured via "servers" in the config file (stdio
subprocesses, or WebSocket/SSE/streamable-HTTP network upstreams). Each
upstream's tools are namespaced "<upstream>__<tool>" in the aggregated
catalog.

A single upstream can also be passed directly as a stdio subprocess;
it is used only when the config file defines no servers:

Examples:
  # Start with config file settings (servers: [...] in tollgate.yaml)
  tollgate start

  # Start against one ad hoc stdio MCP server
  tollgate start -- npx @modelcontextprotocol/server-filesystem /tmp

  # Start with a specific config file
  tollgate --config /path/to/config.yaml start`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (verbose logging, relaxed validation)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if devMode {
		cfg.DevMode = true
	}

	// Stdio transport is used ONLY when the user explicitly passes "--
	// command [args]"; decoupled from cfg.Upstream so Viper contamination
	// of the YAML upstream fields can't trigger it by accident.
	stdioTransport := len(args) > 0
	if len(args) > 0 {
		cfg.Upstream.Command = args[0]
		if len(args) > 1 {
			cfg.Upstream.Args = args[1:]
		} else {
			cfg.Upstream.Args = nil
		}
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop() // Restore default: a second Ctrl+C does a hard kill.
	}()

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	logger.Debug("log level configured", "level", cfg.Server.LogLevel, "effective", logLevel.String())

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, stdioTransport, logger); err != nil {
		return err
	}

	logger.Info("tollgate stopped")
	return nil
}

// run wires every component together: the security interceptor chain
// (validation -> rate limiting -> auth -> audit -> policy), the tool
// registry and core tools, the upstream aggregator that keeps the registry
// in sync, and finally the inbound transport (stdio or HTTP).
func run(ctx context.Context, cfg *config.OSSConfig, stdioTransport bool, logger *slog.Logger) error {
	if err := proxy.LogDevModeWarning(logger, cfg.DevMode); err != nil {
		return err
	}

	authStore := memory.NewAuthStore()
	sessionStore := memory.NewSessionStore()
	sessionStore.StartCleanup(ctx)
	defer sessionStore.Stop()
	policyStore := memory.NewPolicyStore()

	if err := seedAuthFromConfig(cfg, authStore); err != nil {
		return fmt.Errorf("failed to seed auth: %w", err)
	}
	logger.Debug("seeded auth from config",
		"identities", len(cfg.Auth.Identities),
		"api_keys", len(cfg.Auth.APIKeys),
	)

	if err := seedPoliciesFromConfig(cfg, policyStore); err != nil {
		return fmt.Errorf("failed to seed policies: %w", err)
	}
	logger.Debug("seeded policies from config", "policies", len(cfg.Policies))

	sessionTimeout, err := time.ParseDuration(cfg.Server.SessionTimeout)
	if err != nil {
		sessionTimeout = 30 * time.Minute
		logger.Warn("invalid session_timeout, using default", "value", cfg.Server.SessionTimeout, "default", "30m")
	}

	apiKeyService := auth.NewAPIKeyService(authStore)
	sessionService := session.NewSessionService(sessionStore, session.Config{Timeout: sessionTimeout})

	policyService, err := service.NewPolicyService(ctx, policyStore, logger)
	if err != nil {
		return fmt.Errorf("failed to create policy service: %w", err)
	}

	auditStore, err := createAuditStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create audit store: %w", err)
	}
	defer func() { _ = auditStore.Close() }()

	flushInterval, err := time.ParseDuration(cfg.Audit.FlushInterval)
	if err != nil {
		flushInterval = time.Second
		logger.Warn("invalid flush_interval, using default", "value", cfg.Audit.FlushInterval, "default", "1s")
	}
	sendTimeout, err := time.ParseDuration(cfg.Audit.SendTimeout)
	if err != nil {
		sendTimeout = 100 * time.Millisecond
		logger.Warn("invalid send_timeout, using default", "value", cfg.Audit.SendTimeout, "default", "100ms")
	}

	auditService := service.NewAuditService(auditStore, logger,
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithFlushInterval(flushInterval),
		service.WithSendTimeout(sendTimeout),
		service.WithWarningThreshold(cfg.Audit.WarningThreshold),
	)
	auditService.Start(ctx)
	defer auditService.Stop()

	// ===== Tool registry, core tools, command tools =====
	exposure := registry.ExposureConfig{
		ExposePatterns:        cfg.ExposeTools,
		HidePatterns:          cfg.HideTools,
		AlwaysVisiblePatterns: cfg.AlwaysVisibleTools,
		AllowShortNames:       cfg.AllowShortToolNames,
	}
	reg := registry.New(exposure)

	toolsets := make([]registry.Toolset, 0, len(cfg.Toolsets))
	for name, fqNames := range cfg.Toolsets {
		toolsets = append(toolsets, registry.Toolset{Name: name, FQNames: fqNames})
	}
	reg.SetToolsets(toolsets)

	notifier := mcp.NewNotifier(os.Stdout, logger)
	go notifier.Run(ctx)

	registry.RegisterCoreTools(reg, notifier)
	if cfg.Commands.Enabled {
		debugManager := debug.NewManager(logger)
		defer debugManager.Shutdown()
		debug.RegisterCommands(reg, debugManager)
	}

	// ===== Upstream aggregator =====
	servers := cfg.ResolvedServers()
	if len(servers) == 0 && stdioTransport {
		servers = []config.ServerSpec{{Name: "upstream", Command: cfg.Upstream.Command, Args: cfg.Upstream.Args}}
	}
	aggregator := service.NewAggregator(reg, notifier, logger)
	aggregator.Start(ctx, servers, cfg.AutoReconnect)
	logger.Info("aggregator starting", "upstreams", len(servers))

	// ===== Interceptor chain =====
	// Innermost to outermost: AggregatingRouter -> Policy -> UserRateLimit (optional)
	//   -> Audit -> Auth -> IPRateLimit (optional) -> Validation.
	router := proxy.NewAggregatingRouter(reg, "tollgate", Version, logger)
	policyInterceptor := proxy.NewPolicyInterceptor(policyService, router, logger)

	var rateLimiter *memory.MemoryRateLimiter
	var ipConfig, userConfig ratelimit.RateLimitConfig
	var preAuditChain proxy.MessageInterceptor = policyInterceptor

	if cfg.RateLimit.Enabled {
		cleanupInterval, err := time.ParseDuration(cfg.RateLimit.CleanupInterval)
		if err != nil {
			cleanupInterval = 5 * time.Minute
			logger.Warn("invalid rate_limit.cleanup_interval, using default", "value", cfg.RateLimit.CleanupInterval, "default", "5m")
		}
		maxTTL, err := time.ParseDuration(cfg.RateLimit.MaxTTL)
		if err != nil {
			maxTTL = time.Hour
			logger.Warn("invalid rate_limit.max_ttl, using default", "value", cfg.RateLimit.MaxTTL, "default", "1h")
		}
		rateLimiter = memory.NewRateLimiterWithConfig(cleanupInterval, maxTTL)

		ipConfig = ratelimit.RateLimitConfig{Rate: cfg.RateLimit.IPRate, Burst: cfg.RateLimit.IPRate, Period: time.Minute}
		userConfig = ratelimit.RateLimitConfig{Rate: cfg.RateLimit.UserRate, Burst: cfg.RateLimit.UserRate, Period: time.Minute}

		preAuditChain = proxy.NewUserRateLimitInterceptor(rateLimiter, userConfig, policyInterceptor, logger)
		logger.Debug("rate limiting enabled", "ip_rate", cfg.RateLimit.IPRate, "user_rate", cfg.RateLimit.UserRate)
	} else {
		rateLimiter = memory.NewRateLimiter()
	}

	auditInterceptor := proxy.NewAuditInterceptor(auditService, nil, preAuditChain, logger)

	authInterceptor := proxy.NewAuthInterceptor(apiKeyService, sessionService, auditInterceptor, logger, cfg.DevMode)
	authInterceptor.StartCleanup(ctx)
	defer authInterceptor.Stop()

	var chainHead proxy.MessageInterceptor = authInterceptor
	if cfg.RateLimit.Enabled {
		chainHead = proxy.NewIPRateLimitInterceptor(rateLimiter, ipConfig, authInterceptor, logger)
	}
	rateLimiter.StartCleanup(ctx)
	defer rateLimiter.Stop()

	interceptorChain := proxy.NewValidationInterceptor(chainHead, logger)

	proxyService := service.NewProxyService(nil, interceptorChain, logger)

	ruleCount := countRules(ctx, policyStore)
	logger.Info("tollgate starting",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"http_addr", cfg.Server.HTTPAddr,
		"upstreams", len(servers),
		"rate_limit", cfg.RateLimit.Enabled,
		"audit_output", cfg.Audit.Output,
		"rules", ruleCount,
	)

	if stdioTransport {
		transport := stdio.NewStdioTransport(proxyService)
		logger.Info("transport mode: stdio")
		return transport.Start(ctx)
	}

	printBanner(Version, cfg.Server.HTTPAddr, cfg.DevMode, len(servers), ruleCount)

	healthChecker := http.NewHealthChecker(sessionStore, rateLimiter, auditService, aggregator, Version)

	transportOpts := []http.Option{
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithLogger(logger),
		http.WithHealthChecker(healthChecker),
	}

	transport := http.NewHTTPTransport(proxyService, transportOpts...)
	logger.Info("transport mode: HTTP", "addr", cfg.Server.HTTPAddr)
	return transport.Start(ctx)
}



// seedAuthFromConfig seeds identities and API keys from configuration into the auth store.
func seedAuthFromConfig(cfg *config.OSSConfig, authStore *memory.AuthStore) error {
	for _, identityCfg := range cfg.Auth.Identities {
		roles := make([]auth.Role, len(identityCfg.Roles))
		for i, role := range identityCfg.Roles {
			roles[i] = auth.Role(role)
		}
		authStore.AddIdentity(&auth.Identity{
			ID:    identityCfg.ID,
			Name:  identityCfg.Name,
			Roles: roles,
		})
	}

	for _, keyCfg := range cfg.Auth.APIKeys {
		// Config stores "sha256:abc123", AuthStore stores raw "abc123".
		hash := strings.TrimPrefix(keyCfg.KeyHash, "sha256:")
		authStore.AddKey(&auth.APIKey{
			Key:        hash,
			IdentityID: keyCfg.IdentityID,
			CreatedAt:  time.Now(),
		})
	}

	return nil
}

// seedPoliciesFromConfig seeds policies from configuration into the policy store.
func seedPoliciesFromConfig(cfg *config.OSSConfig, policyStore *memory.MemoryPolicyStore) error {
	now := time.Now()

	for _, policyCfg := range cfg.Policies {
		rules := make([]policy.Rule, len(policyCfg.Rules))
		for i, ruleCfg := range policyCfg.Rules {
			rules[i] = policy.Rule{
				ID:        fmt.Sprintf("%s-rule-%d", policyCfg.Name, i),
				Name:      ruleCfg.Name,
				Condition: ruleCfg.Condition,
				Action:    policy.Action(ruleCfg.Action),
				ToolMatch: "*", // condition handles filtering
				Priority:  100 - i,
			}
		}

		policyStore.AddPolicy(&policy.Policy{
			ID:        policyCfg.Name,
			Name:      policyCfg.Name,
			Enabled:   true,
			Rules:     rules,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	return nil
}

// createAuditStore creates an audit store based on configuration.
func createAuditStore(cfg *config.OSSConfig, logger *slog.Logger) (*memory.MemoryAuditStore, error) {
	switch {
	case cfg.Audit.Output == "stdout":
		logger.Debug("audit output: stdout", "buffer_size", cfg.Audit.BufferSize)
		return memory.NewAuditStore(cfg.Audit.BufferSize), nil

	case strings.HasPrefix(cfg.Audit.Output, "file://"):
		path := parseFileURI(cfg.Audit.Output)
		if path == "" {
			return nil, fmt.Errorf("invalid audit file URI: %s", cfg.Audit.Output)
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit file %s: %w", path, err)
		}
		logger.Debug("audit output: file", "path", path, "buffer_size", cfg.Audit.BufferSize)
		return memory.NewAuditStoreWithWriter(f, cfg.Audit.BufferSize), nil

	default:
		return nil, fmt.Errorf("invalid audit output: %s (must be 'stdout' or 'file://path')", cfg.Audit.Output)
	}
}

// parseFileURI extracts the file path from a "file:///path" URI.
func parseFileURI(uri string) string {
	const prefix = "file://"
	if len(uri) <= len(prefix) || uri[:len(prefix)] != prefix {
		return ""
	}
	path := uri[len(prefix):]
	if len(path) >= 3 && path[0] == '/' && path[2] == ':' {
		path = path[1:] // Windows: file:///C:/path -> C:/path
	}
	return path
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// countRules returns the total number of rules across all enabled policies.
func countRules(ctx context.Context, policyStore *memory.MemoryPolicyStore) int {
	policies, err := policyStore.GetAllPolicies(ctx)
	if err != nil {
		return 0
	}
	count := 0
	for _, p := range policies {
		count += len(p.Rules)
	}
	return count
}

// printBanner prints a formatted startup banner to stderr with version,
// addresses, mode, and resource counts. Only called in HTTP mode to avoid
// interfering with stdio MCP transport on stdout.
func printBanner(version, httpAddr string, devMode bool, upstreamCount, ruleCount int) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		dim    = "\033[2m"
	)

	proxyURL := fmt.Sprintf("http://localhost%s/mcp", httpAddr)
	if !strings.HasPrefix(httpAddr, ":") {
		proxyURL = fmt.Sprintf("http://%s/mcp", httpAddr)
	}

	modeStr := green + "production" + reset
	if devMode {
		modeStr = yellow + "development" + reset + dim + " (no auth)" + reset
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%s Tollgate %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Proxy:", proxyURL)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Mode:", modeStr)
	fmt.Fprintf(os.Stderr, "  %-14s %d configured\n", "Upstreams:", upstreamCount)
	fmt.Fprintf(os.Stderr, "  %-14s %d active\n", "Rules:", ruleCount)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}

// pidFilePath returns the standard location for the Tollgate PID file.
func pidFilePath() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".tollgate", "server.pid")
	}
	return filepath.Join(os.TempDir(), "tollgate-server.pid")
}

// writePIDFile writes the current process PID to the given path, creating
// parent directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}

// Sift watches group chat traffic for urgent messages and rolls up daily
// conversation digests.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/sift/internal/authmw"
	sc "github.com/linnemanlabs/sift/internal/cfg"
	"github.com/linnemanlabs/sift/internal/chat"
	"github.com/linnemanlabs/sift/internal/classify"
	"github.com/linnemanlabs/sift/internal/dedup"
	"github.com/linnemanlabs/sift/internal/escalate"
	"github.com/linnemanlabs/sift/internal/history"
	"github.com/linnemanlabs/sift/internal/ingest"
	"github.com/linnemanlabs/sift/internal/keyword"
	"github.com/linnemanlabs/sift/internal/llm"
	"github.com/linnemanlabs/sift/internal/llm/claude"
	"github.com/linnemanlabs/sift/internal/llm/openai"
	"github.com/linnemanlabs/sift/internal/msgapi"
	"github.com/linnemanlabs/sift/internal/notify"
	"github.com/linnemanlabs/sift/internal/notify/pushgw"
	"github.com/linnemanlabs/sift/internal/postgres"
	"github.com/linnemanlabs/sift/internal/rollup"
	"github.com/linnemanlabs/sift/internal/sched"
	"github.com/linnemanlabs/sift/internal/store"
	"github.com/linnemanlabs/sift/internal/store/memstore"
	"github.com/linnemanlabs/sift/internal/store/pgstore"
)

const appName = "sift"
const component = "server"

// scratchSweepInterval is how often the scratch directory is swept; files
// older than scratchMaxAge are removed.
const (
	scratchSweepInterval = 4 * time.Hour
	scratchMaxAge        = 4 * time.Hour
)

// defaultKeywords seeds the in-memory store so a database-less instance
// still escalates. The postgres schema carries the same seed rows.
var defaultKeywords = []chat.KeywordRule{
	{Keyword: "urgent", Category: "urgent", Weight: 2.0, Active: true},
	{Keyword: "emergency", Category: "urgent", Weight: 2.0, Active: true},
	{Keyword: "deadline", Category: "urgent", Weight: 2.0, Active: true},
	{Keyword: "asap", Category: "urgent", Weight: 1.8, Active: true},
	{Keyword: "outage", Category: "urgent", Weight: 1.8, Active: true},
	{Keyword: "incident", Category: "urgent", Weight: 1.8, Active: true},
	{Keyword: "help needed", Category: "urgent", Weight: 1.6, Active: true},
	{Keyword: "important", Category: "work", Weight: 1.5, Active: true},
	{Keyword: "@everyone", Category: "work", Weight: 1.5, Active: true},
	{Keyword: "notice", Category: "work", Weight: 1.2, Active: true},
	{Keyword: "meeting", Category: "work", Weight: 1.0, Active: true},
	{Keyword: "task", Category: "work", Weight: 1.0, Active: true},
	{Keyword: "project", Category: "work", Weight: 0.8, Active: true},
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    sc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix SIFT_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "SIFT_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"ai_provider", appCfg.AIProvider,
		"urgency_threshold", appCfg.UrgencyThreshold,
		"dedup_window_hours", appCfg.DedupWindowHours,
		"rollup_time", appCfg.RollupTime,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	// Start profiling, returns a stop function to call for clean shutdown (flush buffers, etc)
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to call for clean shutdown (flush buffers, etc)
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Initialize the message store
	var msgStore store.Store
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		msgStore = pgStore
		L.Info(ctx, "using postgres store")
	} else {
		mem := memstore.New()
		mem.SetKeywords(defaultKeywords)
		msgStore = mem
		L.Info(ctx, "using in-memory store (no database-url configured)")
	}

	// Initialize the AI provider for classification and digests.
	var provider llm.Provider
	switch appCfg.AIProvider {
	case "claude":
		provider = claude.New(appCfg.ClaudeAPIKey, appCfg.ClaudeModel)
		L.Info(ctx, "initialized LLM provider", "provider", "claude", "model", appCfg.ClaudeModel)
	default:
		provider = openai.New(appCfg.OpenAIAPIKey, appCfg.OpenAIBaseURL, appCfg.OpenAIModel)
		L.Info(ctx, "initialized LLM provider", "provider", "openai", "model", appCfg.OpenAIModel)
	}
	retryPolicy := llm.DefaultPolicy()

	// Push gateway sender. With no gateway configured every send reports
	// ErrDisabled and the pipeline records nothing.
	sender := pushgw.New(appCfg.PushGatewayURL, appCfg.PushTarget)
	if appCfg.PushGatewayURL != "" {
		L.Info(ctx, "push gateway enabled", "target", appCfg.PushTarget)
	} else {
		L.Info(ctx, "push gateway disabled (no push-gateway-url configured)")
	}

	// Escalation pipeline: keyword pre-filter, classification, threshold
	// gate, push dispatch.
	escalateMetrics := escalate.NewMetrics(m.Registry())
	matcher := keyword.NewMatcher(msgStore, L)
	reader := history.NewReader(msgStore, appCfg.MaxContextMessages)
	classifier := classify.New(provider, retryPolicy, appCfg.AITimeout())
	engine := escalate.NewEngine(matcher, reader, classifier, sender, msgStore, appCfg.UrgencyThreshold, escalateMetrics, L)

	// Ingest path: dedup window in front of the escalation pipeline.
	deduper := dedup.New(msgStore,
		time.Duration(appCfg.DedupWindowHours)*time.Hour,
		time.Duration(appCfg.DedupRetentionDays)*24*time.Hour,
		L,
	)
	ingestSvc := ingest.New(msgStore, deduper, engine, L)

	// Daily rollup: per-conversation digests then the combined report.
	generator := rollup.NewGenerator(msgStore, provider, retryPolicy, appCfg.AITimeout(), L)
	reporter := rollup.NewReporter(msgStore, sender, L)

	// Background jobs. Clock values were validated with the config.
	rollupAt, _ := sc.ParseClock(appCfg.RollupTime)
	housekeepingAt, _ := sc.ParseClock(appCfg.HousekeepingTime)

	scheduler := sched.New(L)
	scheduler.Daily("daily-rollup", rollupAt.Hour, rollupAt.Minute, func(jctx context.Context) error {
		date := generator.TargetDate()
		if _, err := generator.Run(jctx, date); err != nil {
			return fmt.Errorf("rollup %s: %w", date, err)
		}
		if err := reporter.Send(jctx, date); err != nil && !errors.Is(err, notify.ErrDisabled) {
			return fmt.Errorf("report %s: %w", date, err)
		}
		return nil
	})
	scheduler.Daily("housekeeping", housekeepingAt.Hour, housekeepingAt.Minute, func(jctx context.Context) error {
		now := time.Now()
		cutoff := now.AddDate(0, 0, -appCfg.RetentionDays)
		digestCutoff := now.AddDate(0, 0, -2*appCfg.RetentionDays)

		var errs []error
		if n, err := msgStore.PruneMessages(jctx, cutoff); err != nil {
			errs = append(errs, fmt.Errorf("prune messages: %w", err))
		} else if n > 0 {
			L.Info(jctx, "pruned messages", "count", n)
		}
		if n, err := msgStore.PruneAlerts(jctx, cutoff); err != nil {
			errs = append(errs, fmt.Errorf("prune alerts: %w", err))
		} else if n > 0 {
			L.Info(jctx, "pruned alerts", "count", n)
		}
		if n, err := msgStore.PruneDigests(jctx, digestCutoff); err != nil {
			errs = append(errs, fmt.Errorf("prune digests: %w", err))
		} else if n > 0 {
			L.Info(jctx, "pruned digests", "count", n)
		}
		return errors.Join(errs...)
	})
	scheduler.Every("dedup-prune", time.Duration(appCfg.CleanupIntervalHours)*time.Hour, func(jctx context.Context) error {
		n, err := deduper.Prune(jctx)
		if err != nil {
			return fmt.Errorf("prune dedup ledger: %w", err)
		}
		if n > 0 {
			L.Info(jctx, "pruned dedup ledger", "count", n)
		}
		return nil
	})
	if appCfg.ScratchDir != "" {
		scheduler.Every("scratch-sweep", scratchSweepInterval, func(jctx context.Context) error {
			n, err := sched.SweepScratch(jctx, appCfg.ScratchDir, scratchMaxAge, L)
			if err != nil {
				return fmt.Errorf("sweep scratch: %w", err)
			}
			if n > 0 {
				L.Info(jctx, "swept scratch files", "count", n)
			}
			return nil
		})
	}

	schedCtx, schedCancel := context.WithCancel(log.WithContext(context.Background(), L))
	defer schedCancel()
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		scheduler.Run(schedCtx)
	}()

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	// setup readiness checks, currently just the shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener. sg restricts inbound to internal monitoring infrastructure.
	// we reject connections from public ips and requests with x-forwarded set in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic here
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	// Compress text responses (we are JSON only for now)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Limit request body size, this is a wrapper around http.MaxBytesHandler which returns 413 if limit is exceeded
	r.Use(httpmw.MaxBody(1024 * 64)) // 64KB covers the largest extracted-text payloads seen so far

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// register api routes, behind bearer auth when a token is configured
	api := msgapi.New(L, ingestSvc, msgStore, deduper)
	if appCfg.APIToken != "" {
		r.Group(func(gr chi.Router) {
			gr.Use(authmw.BearerToken(appCfg.APIToken))
			api.RegisterRoutes(gr)
		})
	} else {
		api.RegisterRoutes(r)
	}

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response, innermost is last to see request and first to see response but
	// has access to the full rich context from outer middleware and handlers
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		// WithPublicEndpointFn is the replacement for WithPublicEndpoint()
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Client IP resolution and spoofing protection middleware, outer so downstream middleware
	// and handlers can use the resolved client ip from context for consistency and security
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h) // request ID

	// Recovery middleware to recover and log panics and serve 500 response.
	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	// Configure http server options from config
	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	// Start api HTTP server with middleware and handlers
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// stop scheduling new background work
	schedCancel()

	// Wait for in-flight requests to finish and for load balancer
	// to detect unhealthy and stop sending new requests.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Wait for in-flight escalations before tearing down the store.
	ingestSvc.Drain()
	L.Info(context.Background(), "escalation queue drained")

	// A rollup or sweep already in flight finishes before the store goes
	// away; its LLM calls are bounded by the configured AI timeout.
	<-schedDone
	L.Info(context.Background(), "scheduler drained")

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and needs no context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return nil
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}

// Package montecast embeds a complete Monte Carlo simulation server behind a
// small options-based API.
//
// Host platforms import it to run, configure and extend the server in-process
// instead of forking it:
//
//	app, err := montecast.New(
//	    montecast.WithVersion(version),
//	    montecast.WithLogger(logger),
//	    montecast.WithFormula(myProjectionFactory),
//	    montecast.WithJobHook(myWebhookNotifier),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// Imports flow one way only: this package depends on internal/*, and nothing
// under internal/ may depend back on it. The public types (Job, Result,
// MonthRecord) therefore stand alone, and the converters between them and
// their internal counterparts live in this file, the single place that sees
// both sides.
package montecast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"

	"github.com/montecast-ai/montecast/api"
	"github.com/montecast-ai/montecast/internal/config"
	"github.com/montecast-ai/montecast/internal/engine"
	"github.com/montecast-ai/montecast/internal/job"
	"github.com/montecast-ai/montecast/internal/model"
	"github.com/montecast-ai/montecast/internal/project"
	"github.com/montecast-ai/montecast/internal/ratelimit"
	"github.com/montecast-ai/montecast/internal/server"
	"github.com/montecast-ai/montecast/internal/storage"
	"github.com/montecast-ai/montecast/internal/telemetry"
	"github.com/montecast-ai/montecast/migrations"
)

// App is a fully wired Montecast instance. New builds it, Run drives it.
// All configuration goes through Options; there are no public fields.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	manager      *job.Manager
	broker       *server.Broker // nil when no notify connection
	limiter      ratelimit.Limiter
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New wires a Montecast server: configuration, telemetry, database with
// migrations, the simulation engine, the job manager and the HTTP surface.
// Nothing runs yet. No goroutine starts and no port is bound until Run.
func New(opts ...Option) (*App, error) {
	// Collect caller options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Pick up a local .env in development; missing is fine.
	_ = godotenv.Load()

	// Env config first, option overrides second.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("montecast starting", "version", version, "port", cfg.Port)

	// Telemetry comes up before everything else so later constructors can
	// register instruments against the installed provider.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Postgres pool plus the optional LISTEN/NOTIFY connection.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	// From here on, construction failures unwind the pool and telemetry.
	fail := func(err error) (*App, error) {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, err
	}

	// Embedded schema migrations, unless disabled.
	if !cfg.MigrateOnStart {
		logger.Info("migrations skipped (MONTECAST_MIGRATE_ON_START=false)")
	} else if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		return fail(fmt.Errorf("migrations: %w", err))
	}

	// Embedder-supplied migrations run after the built-in ones.
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			return fail(fmt.Errorf("extra migrations[%d]: %w", i, err))
		}
	}

	// Sanity-check the schema before wiring anything on top of it.
	var schemaOK bool
	if err := db.Pool().QueryRow(context.Background(),
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'simulation_jobs')`,
	).Scan(&schemaOK); err != nil {
		return fail(fmt.Errorf("verify schema: %w", err))
	}
	if !schemaOK {
		return fail(fmt.Errorf("table simulation_jobs missing after migration: set MONTECAST_MIGRATE_ON_START=true or apply migrations by hand"))
	}

	// Projection formula. An external override wins over the built-in
	// SaaS formula.
	var factory project.Factory
	if o.formulaFactory != nil {
		factory = newFactoryAdapter(o.formulaFactory)
		logger.Info("projection formula: external override")
	}

	// Simulation engine.
	runner := engine.New(factory, engine.Config{
		Workers:            cfg.TrialWorkers,
		BatchSize:          cfg.BatchSize,
		SensitivitySamples: cfg.SensitivitySamples,
	}, logger)

	// Job manager.
	manager := job.New(db, runner, logger, job.Config{
		Workers:       cfg.JobWorkers,
		JobTimeout:    cfg.JobTimeout,
		PollInterval:  cfg.JobPollInterval,
		SweepInterval: cfg.RetentionSweepInterval,
		ResultTTL:     cfg.ResultTTL,
	})

	// Adapt job hooks from public montecast.JobHook to the internal
	// terminal-transition callback.
	if len(o.jobHooks) > 0 {
		manager.SetHook(newHookFanout(o.jobHooks, logger))
	}

	// LISTEN/NOTIFY fan-out behind the events stream.
	var broker *server.Broker
	if db.HasNotifyConn() {
		broker = server.NewBroker(db, logger)
	} else {
		logger.Info("events stream: disabled (no notify connection)")
	}

	// Per-client request limiting.
	var limiter ratelimit.Limiter
	if cfg.RateLimitPerMinute > 0 {
		limiter = ratelimit.NewMemoryLimiter(float64(cfg.RateLimitPerMinute)/60.0, cfg.RateLimitBurst)
		logger.Info("rate limiting: per-client token bucket",
			"per_minute", cfg.RateLimitPerMinute, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// Public Middleware values become plain http.Handler wrappers.
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		mw := mw // capture
		middlewares = append(middlewares, func(h http.Handler) http.Handler { return mw(h) })
	}

	// HTTP server and routes.
	srv := server.New(server.Config{
		DB:                  db,
		Manager:             manager,
		Runner:              runner,
		Broker:              broker,
		Limiter:             limiter,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MaxQueuedJobs:       cfg.MaxQueuedJobs,
		OpenAPISpec:         api.OpenAPISpec,
		ExtraRoutes:         o.extraRoutes,
		ExtraMiddleware:     middlewares,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		manager:      manager,
		broker:       broker,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the job workers, the events broker and the HTTP server, then
// blocks until ctx is cancelled or the listener fails. Run handles its own
// shutdown on the way out, so callers should not also call Shutdown.
func (a *App) Run(ctx context.Context) error {
	// Broker and job workers before the listener, so the first request
	// finds them running.
	if a.broker != nil {
		go a.broker.Start(ctx)
	}
	a.manager.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for cancellation or a listener failure.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops the server in two phases:
// (1) stop accepting HTTP requests and drain in-flight ones,
// (2) stop the claim workers and wait for running jobs to finish or requeue.
// Whatever remains (limiter, telemetry, pool) is closed afterwards.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("montecast shutting down")

	// Phase 1: stop the listener and drain in-flight requests.
	httpCtx, httpCancel := drainContext(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http drain error", "error", err)
	}
	httpCancel()

	// Phase 2: job drain. Running jobs requeue for another instance to
	// pick up; the drain only waits out the current batch.
	drainCtx, drainCancel := drainContext(ctx, a.cfg.ShutdownDrainTimeout)
	a.manager.Drain(drainCtx)
	drainCancel()

	// Remaining teardown.
	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("montecast stopped")
	return nil
}

// ── Adapters between the public surface and internal packages ──────────────────

// factoryAdapter wraps a public FormulaFactory to satisfy project.Factory.
type factoryAdapter struct {
	factory FormulaFactory
}

func newFactoryAdapter(factory FormulaFactory) project.Factory {
	a := &factoryAdapter{factory: factory}
	return a.build
}

func (a *factoryAdapter) build(assumptions map[string]any) (project.Formula, error) {
	f, err := a.factory(assumptions)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, errors.New("formula factory returned nil")
	}
	return &formulaAdapter{f: f}, nil
}

// formulaAdapter wraps a public montecast.Formula to satisfy project.Formula.
// It converts MonthRecord values at the boundary in both directions.
type formulaAdapter struct {
	f Formula
}

func (a *formulaAdapter) Start(drivers map[string]float64) model.MonthRecord {
	rec := a.f.Start(drivers)
	return model.MonthRecord{Revenue: rec.Revenue, Expenses: rec.Expenses, CashBalance: rec.CashBalance}
}

func (a *formulaAdapter) Month(m int, prev model.MonthRecord, drivers map[string]float64) (float64, float64) {
	return a.f.Month(m, MonthRecord{
		Revenue:     prev.Revenue,
		Expenses:    prev.Expenses,
		CashBalance: prev.CashBalance,
	}, drivers)
}

// newHookFanout adapts registered JobHooks into the internal job.Hook
// callback. Hooks fire asynchronously so a slow consumer never blocks the
// worker that finished the job.
func newHookFanout(hooks []JobHook, logger *slog.Logger) job.Hook {
	return func(j model.SimulationJob, bundle *model.ResultBundle) {
		pubJob := toPublicJob(j)
		pubResult, err := toPublicResult(bundle)
		if err != nil {
			logger.Warn("job hook: result conversion failed", "error", err, "job_id", j.ID)
		}
		go func() {
			hookCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			for _, h := range hooks {
				if err := h.OnJobFinished(hookCtx, pubJob, pubResult); err != nil {
					logger.Warn("job hook OnJobFinished failed", "error", err, "job_id", pubJob.ID)
				}
			}
		}()
	}
}

// ── Internal-to-public converters ──────────────────────────────────────────────

// toPublicJob flattens an internal job record into the public Job shape,
// collapsing nil error fields to empty strings.
func toPublicJob(j model.SimulationJob) Job {
	errCode := ""
	if j.ErrorCode != nil {
		errCode = *j.ErrorCode
	}
	errMessage := ""
	if j.ErrorMessage != nil {
		errMessage = *j.ErrorMessage
	}
	return Job{
		ID:           j.ID,
		Status:       JobStatus(j.Status),
		Progress:     j.Progress,
		ErrorCode:    errCode,
		ErrorMessage: errMessage,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
	}
}

// toPublicResult converts an internal result bundle to the public
// montecast.Result. A nil bundle (failed or cancelled job) converts to nil.
func toPublicResult(bundle *model.ResultBundle) (*Result, error) {
	if bundle == nil {
		return nil, nil
	}

	raw, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("marshal result bundle: %w", err)
	}

	medianTerminal := 0.0
	if p50 := bundle.PercentilesTable.P50; len(p50) > 0 {
		medianTerminal = p50[len(p50)-1]
	}

	topDrivers := make([]string, len(bundle.TopDrivers))
	for i, d := range bundle.TopDrivers {
		topDrivers[i] = d.DriverID
	}

	return &Result{
		SurvivalProbability:  bundle.SurvivalProbability.Overall.ProbabilitySurvivingFullPeriod,
		MedianTerminalCash:   medianTerminal,
		ValueAtRisk95:        bundle.ConfidenceMetrics.ValueAtRisk95,
		TopDrivers:           topDrivers,
		CompletedSimulations: bundle.Metadata.CompletedSimulations,
		DiscardedTrials:      bundle.Metadata.DiscardedTrials,
		Seed:                 bundle.Metadata.Seed,
		Raw:                  raw,
	}, nil
}

// ── Helpers ────────────────────────────────────────────────────────────────────

// drainContext bounds a shutdown phase. A zero or negative timeout means the
// phase runs until the parent is cancelled.
func drainContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

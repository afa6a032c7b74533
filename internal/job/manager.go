// Package job runs queued simulation jobs in the background. Workers claim
// jobs from Postgres with SKIP LOCKED, execute them through the engine, and
// persist results and terminal states. A janitor loop fails abandoned jobs
// and purges expired ones.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/montecast-ai/montecast/internal/engine"
	"github.com/montecast-ai/montecast/internal/model"
	"github.com/montecast-ai/montecast/internal/storage"
	"github.com/montecast-ai/montecast/internal/telemetry"
)

// Hook is called after every terminal job transition. result is non-nil
// only for successful jobs. Hooks run on the worker goroutine, so they
// should return quickly.
type Hook func(job model.SimulationJob, result *model.ResultBundle)

// Config controls the worker pool and the janitor.
type Config struct {
	// Workers is the number of concurrent claim loops.
	Workers int
	// JobTimeout bounds a single job's execution.
	JobTimeout time.Duration
	// PollInterval is how often an idle worker checks the queue. Wake
	// short-circuits the wait after an enqueue.
	PollInterval time.Duration
	// SweepInterval is how often the janitor runs.
	SweepInterval time.Duration
	// StaleAfter is how long a running job may go without a progress
	// heartbeat before the janitor declares it abandoned. Must exceed
	// JobTimeout: a live job always heartbeats or finishes within it.
	StaleAfter time.Duration
	// ResultTTL is how long finished jobs and their results are retained.
	ResultTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 10 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = c.JobTimeout + time.Minute
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = 30 * 24 * time.Hour
	}
	return c
}

// Stats is a point-in-time snapshot of worker activity since startup.
type Stats struct {
	InFlight  int64 `json:"in_flight"`
	Done      int64 `json:"done"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

// Manager owns the claim workers and the janitor loop.
type Manager struct {
	db     *storage.DB
	runner *engine.Runner
	logger *slog.Logger
	cfg    Config
	hook   Hook

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	wg         sync.WaitGroup
	wakeCh     chan struct{}

	inFlight       atomic.Int64
	doneCount      atomic.Int64
	failedCount    atomic.Int64
	cancelledCount atomic.Int64

	jobsFinished metric.Int64Counter
	jobDuration  metric.Float64Histogram
}

// New creates a job manager. Call Start to launch the workers.
func New(db *storage.DB, runner *engine.Runner, logger *slog.Logger, cfg Config) *Manager {
	return &Manager{
		db:     db,
		runner: runner,
		logger: logger,
		cfg:    cfg.withDefaults(),
		done:   make(chan struct{}),
		wakeCh: make(chan struct{}, 1),
	}
}

// SetHook registers a terminal-transition callback. Must be called before
// Start.
func (m *Manager) SetHook(h Hook) {
	m.hook = h
}

// Start launches the claim workers and the janitor. It is safe to call only
// once; subsequent calls are no-ops and log a warning.
func (m *Manager) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		m.logger.Warn("job: Start called more than once, ignoring")
		return
	}
	m.registerMetrics()

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancelLoop = cancel

	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.claimLoop(loopCtx, i)
	}
	m.wg.Add(1)
	go m.sweepLoop(loopCtx)

	go func() {
		m.wg.Wait()
		close(m.done)
	}()

	m.logger.Info("job: manager started",
		"workers", m.cfg.Workers,
		"poll_interval", m.cfg.PollInterval,
		"job_timeout", m.cfg.JobTimeout,
	)
}

// Wake nudges an idle worker to check the queue immediately. A single wake
// is enough: the woken worker drains the queue and the rest join on their
// next poll tick.
func (m *Manager) Wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// Drain stops the workers and blocks until in-flight jobs have been
// requeued or finished, or until ctx expires.
func (m *Manager) Drain(ctx context.Context) {
	if m.cancelLoop != nil {
		m.cancelLoop()
	}
	select {
	case <-m.done:
	case <-ctx.Done():
		m.logger.Warn("job: drain timed out waiting for workers")
	}
}

// Stats returns a snapshot of worker activity since startup.
func (m *Manager) Stats() Stats {
	return Stats{
		InFlight:  m.inFlight.Load(),
		Done:      m.doneCount.Load(),
		Failed:    m.failedCount.Load(),
		Cancelled: m.cancelledCount.Load(),
	}
}

// Workers returns the configured number of claim workers.
func (m *Manager) Workers() int {
	return m.cfg.Workers
}

func (m *Manager) claimLoop(ctx context.Context, worker int) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Drain the queue before going back to sleep.
		for ctx.Err() == nil {
			job, err := m.db.ClaimNextJob(ctx)
			if errors.Is(err, storage.ErrNotFound) {
				break
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Error("job: claim failed", "error", err, "worker", worker)
				break
			}
			m.execute(ctx, job)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.wakeCh:
		}
	}
}

// execute runs one claimed job to a terminal state. On shutdown the job is
// requeued instead so the next process picks it up.
func (m *Manager) execute(ctx context.Context, job model.SimulationJob) {
	m.inFlight.Add(1)
	defer m.inFlight.Add(-1)

	logger := m.logger.With("job_id", job.ID)
	logger.Info("job: started",
		"trials", job.Config.NumSimulations,
		"horizon_months", job.Config.HorizonMonths,
	)
	m.notifyEvent(ctx, model.JobEvent{JobID: job.ID, Status: model.JobStatusRunning})

	runCtx, cancel := context.WithTimeout(ctx, m.cfg.JobTimeout)
	defer cancel()

	// Progress heartbeats double as the cooperative-cancellation check:
	// the UPDATE returns the cancel_requested flag.
	var cancelled atomic.Bool
	onProgress := func(completed, total int) {
		if total == 0 {
			return
		}
		frac := float64(completed) / float64(total)
		flagged, err := m.db.UpdateJobProgress(runCtx, job.ID, frac)
		if err != nil {
			if runCtx.Err() == nil {
				logger.Warn("job: progress update failed", "error", err)
			}
			return
		}
		if flagged && cancelled.CompareAndSwap(false, true) {
			logger.Info("job: cancellation requested, stopping")
			cancel()
			return
		}
		m.notifyEvent(runCtx, model.JobEvent{JobID: job.ID, Status: model.JobStatusRunning, Progress: frac})
	}

	bundle, err := m.runner.Run(runCtx, job.Config, onProgress)

	// Terminal writes use a detached context: runCtx is already dead on
	// the timeout and shutdown paths.
	finishCtx, finishCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer finishCancel()

	switch {
	case err == nil:
		m.succeed(finishCtx, logger, job, bundle)
	case cancelled.Load():
		if final, ok := m.finish(finishCtx, logger, job.ID, model.JobStatusCancelled, nil, nil); ok {
			m.cancelledCount.Add(1)
			logger.Info("job: cancelled", "progress", final.Progress)
			m.runHook(final, nil)
		}
	case errors.Is(err, context.Canceled):
		// Shutdown took this worker out mid-run; put the job back.
		if rqErr := m.db.RequeueJob(finishCtx, job.ID); rqErr != nil {
			logger.Error("job: requeue on shutdown failed", "error", rqErr)
		} else {
			logger.Info("job: requeued for restart")
			m.notifyEvent(finishCtx, model.JobEvent{JobID: job.ID, Status: model.JobStatusQueued})
		}
	case errors.Is(err, context.DeadlineExceeded):
		msg := fmt.Sprintf("job timed out after %s", m.cfg.JobTimeout)
		m.appendLog(finishCtx, logger, job.ID, model.LogLevelError, msg)
		m.fail(finishCtx, logger, job.ID, model.JobErrTimeout, msg)
	default:
		m.failFromError(finishCtx, logger, job.ID, err)
	}
}

func (m *Manager) succeed(ctx context.Context, logger *slog.Logger, job model.SimulationJob, bundle *model.ResultBundle) {
	err := storage.WithRetry(ctx, 3, 100*time.Millisecond, func() error {
		return m.db.SaveResult(ctx, job.ID, bundle)
	})
	if err != nil {
		logger.Error("job: save result failed", "error", err)
		m.fail(ctx, logger, job.ID, model.JobErrInternal, "failed to persist result")
		return
	}

	if bundle.Metadata.DiscardedTrials > 0 {
		m.appendLog(ctx, logger, job.ID, model.LogLevelWarning,
			fmt.Sprintf("discarded %d of %d trials with non-finite projections",
				bundle.Metadata.DiscardedTrials, bundle.Metadata.RequestedSimulations))
	}

	if final, ok := m.finish(ctx, logger, job.ID, model.JobStatusDone, nil, nil); ok {
		m.doneCount.Add(1)
		logger.Info("job: completed",
			"completed_trials", bundle.Metadata.CompletedSimulations,
			"discarded_trials", bundle.Metadata.DiscardedTrials,
			"duration_ms", bundle.Metadata.DurationMS,
		)
		m.runHook(final, bundle)
	}
}

// failFromError maps engine errors onto the job error taxonomy.
func (m *Manager) failFromError(ctx context.Context, logger *slog.Logger, id uuid.UUID, err error) {
	var vErr *model.ValidationError
	var iErr *engine.IntegrityError
	switch {
	case errors.As(err, &vErr):
		m.fail(ctx, logger, id, model.JobErrValidation, vErr.Error())
	case errors.As(err, &iErr):
		logger.Error("job: integrity failure",
			"error", iErr,
			"first_trial", iErr.FirstTrial,
			"driver_values", iErr.DriverValues,
		)
		m.appendLog(ctx, logger, id, model.LogLevelError, iErr.Error())
		m.fail(ctx, logger, id, model.JobErrIntegrity, "too many trials produced non-finite projections")
	default:
		logger.Error("job: run failed", "error", err)
		m.fail(ctx, logger, id, model.JobErrInternal, "internal simulation error")
	}
}

func (m *Manager) fail(ctx context.Context, logger *slog.Logger, id uuid.UUID, code, message string) {
	if final, ok := m.finish(ctx, logger, id, model.JobStatusFailed, &code, &message); ok {
		m.failedCount.Add(1)
		logger.Warn("job: failed", "error_code", code, "message", message)
		m.runHook(final, nil)
	}
}

// finish writes the terminal state and returns the final job row for event
// and hook delivery.
func (m *Manager) finish(ctx context.Context, logger *slog.Logger, id uuid.UUID, status model.JobStatus, errCode, errMessage *string) (model.SimulationJob, bool) {
	err := storage.WithRetry(ctx, 3, 100*time.Millisecond, func() error {
		return m.db.FinishJob(ctx, id, status, errCode, errMessage)
	})
	if err != nil {
		logger.Error("job: finish failed", "error", err, "status", status)
		return model.SimulationJob{}, false
	}

	final, err := m.db.GetJob(ctx, id)
	if err != nil {
		logger.Warn("job: reload after finish failed", "error", err)
		final = model.SimulationJob{ID: id, Status: status}
	}
	m.notifyEvent(ctx, model.JobEvent{JobID: final.ID, Status: final.Status, Progress: final.Progress})

	m.jobsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	if final.StartedAt != nil && final.CompletedAt != nil {
		m.jobDuration.Record(ctx, float64(final.CompletedAt.Sub(*final.StartedAt).Milliseconds()))
	}
	return final, true
}

func (m *Manager) runHook(job model.SimulationJob, result *model.ResultBundle) {
	if m.hook != nil {
		m.hook(job, result)
	}
}

func (m *Manager) appendLog(ctx context.Context, logger *slog.Logger, id uuid.UUID, level, message string) {
	if err := m.db.AppendJobLog(ctx, id, level, message); err != nil {
		logger.Warn("job: append log failed", "error", err)
	}
}

// notifyEvent broadcasts a job lifecycle event on the jobs channel. Losing
// an event only delays SSE clients until their next reconnect, so failures
// are logged and swallowed.
func (m *Manager) notifyEvent(ctx context.Context, ev model.JobEvent) {
	ev.At = time.Now().UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		m.logger.Warn("job: event marshal failed", "error", err)
		return
	}
	if err := m.db.Notify(ctx, storage.ChannelJobs, string(payload)); err != nil && ctx.Err() == nil {
		m.logger.Warn("job: event notify failed", "error", err)
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	// Initial sweep recovers abandoned jobs promptly after an unclean
	// restart.
	m.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	failed, err := m.db.FailAbandonedJobs(ctx, m.cfg.StaleAfter)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("job: abandoned sweep failed", "error", err)
		}
	} else if failed > 0 {
		m.logger.Warn("job: failed abandoned jobs", "count", failed)
	}

	purged, err := m.db.PurgeOldJobs(ctx, m.cfg.ResultTTL)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("job: retention purge failed", "error", err)
		}
	} else if purged > 0 {
		m.logger.Info("job: purged expired jobs", "count", purged)
	}
}

// registerMetrics registers the job instruments and queue-health gauges.
// Called from Start() after the global meter provider has been initialized.
func (m *Manager) registerMetrics() {
	meter := telemetry.Meter("montecast/jobs")

	m.jobsFinished, _ = meter.Int64Counter("montecast.jobs.finished",
		metric.WithDescription("Terminal job transitions, by status"),
	)
	m.jobDuration, _ = meter.Float64Histogram("montecast.jobs.duration",
		metric.WithDescription("Wall-clock job execution time (ms)"),
		metric.WithUnit("ms"),
	)

	_, _ = meter.Int64ObservableGauge("montecast.jobs.queue_depth",
		metric.WithDescription("Number of queued simulation jobs"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var count int64
			err := m.db.Pool().QueryRow(ctx,
				`SELECT COUNT(*) FROM simulation_jobs WHERE status = 'queued'`).Scan(&count)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(count)
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("montecast.jobs.in_flight",
		metric.WithDescription("Jobs currently executing in this process"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.inFlight.Load())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("montecast.jobs.failed_total",
		metric.WithDescription("Total jobs failed by this process since startup"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.failedCount.Load())
			return nil
		}),
	)
}

package job

import (
	"context"
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/montecast-ai/montecast/internal/engine"
	"github.com/montecast-ai/montecast/internal/model"
	"github.com/montecast-ai/montecast/internal/project"
	"github.com/montecast-ai/montecast/internal/storage"
	"github.com/montecast-ai/montecast/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "job tests: prepare database: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func makeJobConfig(trials, horizon int) model.SimulationConfig {
	seed := int64(7)
	return model.SimulationConfig{
		NumSimulations: trials,
		HorizonMonths:  horizon,
		Drivers: map[string]model.DriverSpec{
			"revenue_growth": {
				ID:           "revenue_growth",
				Distribution: model.DistributionNormal,
				Mean:         5, StdDev: 2, Min: 0, Max: 10,
			},
		},
		BaselineAssumptions: map[string]any{
			"starting_cash":    50000.0,
			"monthly_revenue":  40000.0,
			"monthly_expenses": 38000.0,
		},
		Seed: &seed,
	}
}

// resetJobs removes all jobs (and, via cascade, results) for test isolation.
func resetJobs(t *testing.T) {
	t.Helper()
	_, err := testDB.Pool().Exec(context.Background(), `DELETE FROM simulation_jobs`)
	require.NoError(t, err)
}

func enqueue(t *testing.T, cfg model.SimulationConfig) model.SimulationJob {
	t.Helper()
	job, created, err := testDB.CreateJob(context.Background(), model.SimulationJob{
		Config:     cfg,
		ConfigHash: "hash-" + uuid.NewString(),
	})
	require.NoError(t, err)
	require.True(t, created)
	return job
}

func newTestManager(factory project.Factory, cfg Config) *Manager {
	runner := engine.New(factory, engine.Config{Workers: 1, BatchSize: 20}, testutil.TestLogger())
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	return New(testDB, runner, testutil.TestLogger(), cfg)
}

func drainManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.Drain(ctx)
}

func awaitStatus(t *testing.T, id uuid.UUID, want model.JobStatus, within time.Duration) model.SimulationJob {
	t.Helper()
	ctx := context.Background()
	var got model.SimulationJob
	require.Eventually(t, func() bool {
		j, err := testDB.GetJob(ctx, id)
		if err != nil {
			return false
		}
		got = j
		return j.Status == want
	}, within, 25*time.Millisecond, "job %s never reached %s (last seen: %s)", id, want, got.Status)
	return got
}

// slowFormula delays each trial so mid-run behavior (cancel, drain, timeout)
// can be observed deterministically.
type slowFormula struct {
	inner project.Formula
	delay time.Duration
}

func (f *slowFormula) Start(drivers map[string]float64) model.MonthRecord {
	time.Sleep(f.delay)
	return f.inner.Start(drivers)
}

func (f *slowFormula) Month(m int, prev model.MonthRecord, drivers map[string]float64) (float64, float64) {
	return f.inner.Month(m, prev, drivers)
}

func slowFactory(delay time.Duration) project.Factory {
	return func(assumptions map[string]any) (project.Formula, error) {
		inner, err := project.NewStandard(assumptions)
		if err != nil {
			return nil, err
		}
		return &slowFormula{inner: inner, delay: delay}, nil
	}
}

// brokenFormula blows up every trial at month 1.
type brokenFormula struct{}

func (brokenFormula) Start(map[string]float64) model.MonthRecord {
	return model.MonthRecord{Revenue: 1000, Expenses: 900, CashBalance: 1000}
}

func (brokenFormula) Month(int, model.MonthRecord, map[string]float64) (float64, float64) {
	return math.Inf(1), 0
}

func brokenFactory(map[string]any) (project.Formula, error) {
	return brokenFormula{}, nil
}

func TestManagerRunsJobToCompletion(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()

	mgr := newTestManager(nil, Config{})

	type hookCall struct {
		job    model.SimulationJob
		result *model.ResultBundle
	}
	hookCh := make(chan hookCall, 1)
	mgr.SetHook(func(job model.SimulationJob, result *model.ResultBundle) {
		hookCh <- hookCall{job, result}
	})

	job := enqueue(t, makeJobConfig(500, 12))

	mgr.Start(ctx)
	defer drainManager(t, mgr)
	mgr.Wake()

	final := awaitStatus(t, job.ID, model.JobStatusDone, 15*time.Second)
	assert.Equal(t, 1.0, final.Progress)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)
	assert.Nil(t, final.ErrorCode)

	bundle, err := testDB.GetResult(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 500, bundle.Metadata.RequestedSimulations)
	assert.Equal(t, int64(7), bundle.Metadata.Seed)
	assert.Len(t, bundle.PercentilesTable.P50, 12)

	select {
	case call := <-hookCh:
		assert.Equal(t, job.ID, call.job.ID)
		assert.Equal(t, model.JobStatusDone, call.job.Status)
		require.NotNil(t, call.result)
		assert.Equal(t, 500, call.result.Metadata.RequestedSimulations)
	case <-time.After(5 * time.Second):
		t.Fatal("hook was not invoked")
	}

	assert.GreaterOrEqual(t, mgr.Stats().Done, int64(1))
}

func TestManagerFailsInvalidConfig(t *testing.T) {
	resetJobs(t)

	mgr := newTestManager(nil, Config{})
	cfg := makeJobConfig(0, 12) // zero trials is rejected by the engine
	job := enqueue(t, cfg)

	mgr.Start(context.Background())
	defer drainManager(t, mgr)
	mgr.Wake()

	final := awaitStatus(t, job.ID, model.JobStatusFailed, 15*time.Second)
	require.NotNil(t, final.ErrorCode)
	assert.Equal(t, model.JobErrValidation, *final.ErrorCode)
	require.NotNil(t, final.ErrorMessage)
	assert.GreaterOrEqual(t, mgr.Stats().Failed, int64(1))
}

func TestManagerFailsIntegrityBreach(t *testing.T) {
	resetJobs(t)

	mgr := newTestManager(brokenFactory, Config{})
	job := enqueue(t, makeJobConfig(200, 6))

	mgr.Start(context.Background())
	defer drainManager(t, mgr)
	mgr.Wake()

	final := awaitStatus(t, job.ID, model.JobStatusFailed, 15*time.Second)
	require.NotNil(t, final.ErrorCode)
	assert.Equal(t, model.JobErrIntegrity, *final.ErrorCode)

	// The integrity detail lands in the job log.
	require.NotEmpty(t, final.Logs)
	assert.Equal(t, model.LogLevelError, final.Logs[0].Level)
	assert.Contains(t, final.Logs[0].Message, "non-finite projections")
}

func TestManagerCancelsRunningJob(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()

	// ~2ms per trial, 400 trials, batches of 20: roughly 800ms of work with
	// a heartbeat every batch.
	mgr := newTestManager(slowFactory(2*time.Millisecond), Config{})
	job := enqueue(t, makeJobConfig(400, 6))

	mgr.Start(ctx)
	defer drainManager(t, mgr)
	mgr.Wake()

	// Wait for the first heartbeat so the cancel flag is picked up mid-run.
	require.Eventually(t, func() bool {
		j, err := testDB.GetJob(ctx, job.ID)
		return err == nil && j.Status == model.JobStatusRunning && j.Progress > 0
	}, 10*time.Second, 10*time.Millisecond)

	status, err := testDB.RequestCancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, status)

	final := awaitStatus(t, job.ID, model.JobStatusCancelled, 15*time.Second)
	assert.Nil(t, final.ErrorCode)
	assert.NotNil(t, final.CompletedAt)
	assert.Less(t, final.Progress, 1.0)
}

func TestManagerRequeuesInFlightJobOnDrain(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()

	// Slow enough that the job is still running when Drain hits.
	mgr := newTestManager(slowFactory(2*time.Millisecond), Config{})
	job := enqueue(t, makeJobConfig(2000, 6))

	mgr.Start(ctx)
	mgr.Wake()

	require.Eventually(t, func() bool {
		j, err := testDB.GetJob(ctx, job.ID)
		return err == nil && j.Status == model.JobStatusRunning
	}, 10*time.Second, 10*time.Millisecond)

	drainManager(t, mgr)

	// Drain waits for the worker, which requeues before exiting.
	got, err := testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, got.Status)
	assert.Equal(t, 0.0, got.Progress)
	assert.Nil(t, got.StartedAt)
}

func TestManagerTimesOutLongJob(t *testing.T) {
	resetJobs(t)

	mgr := newTestManager(slowFactory(5*time.Millisecond), Config{
		JobTimeout: 200 * time.Millisecond,
	})
	job := enqueue(t, makeJobConfig(2000, 6))

	mgr.Start(context.Background())
	defer drainManager(t, mgr)
	mgr.Wake()

	final := awaitStatus(t, job.ID, model.JobStatusFailed, 15*time.Second)
	require.NotNil(t, final.ErrorCode)
	assert.Equal(t, model.JobErrTimeout, *final.ErrorCode)
	require.NotEmpty(t, final.Logs)
	assert.Contains(t, final.Logs[0].Message, "timed out")
}

func TestManagerSweepRecoversAndPurges(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()

	// Abandoned job: running with a stale heartbeat.
	abandoned := enqueue(t, makeJobConfig(100, 6))
	_, err := testDB.ClaimNextJob(ctx)
	require.NoError(t, err)
	_, err = testDB.Pool().Exec(ctx,
		`UPDATE simulation_jobs SET updated_at = now() - interval '1 hour' WHERE id = $1`, abandoned.ID)
	require.NoError(t, err)

	// Expired job: finished well past the retention TTL.
	expired := enqueue(t, makeJobConfig(100, 6))
	_, err = testDB.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.NoError(t, testDB.FinishJob(ctx, expired.ID, model.JobStatusDone, nil, nil))
	require.NoError(t, testDB.SaveResult(ctx, expired.ID, &model.ResultBundle{}))
	_, err = testDB.Pool().Exec(ctx,
		`UPDATE simulation_jobs SET completed_at = now() - interval '40 days' WHERE id = $1`, expired.ID)
	require.NoError(t, err)

	mgr := newTestManager(nil, Config{
		StaleAfter: 10 * time.Minute,
		ResultTTL:  30 * 24 * time.Hour,
	})
	mgr.sweep(ctx)

	got, err := testDB.GetJob(ctx, abandoned.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, model.JobErrInternal, *got.ErrorCode)

	_, err = testDB.GetJob(ctx, expired.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestManagerEmitsLifecycleEvents(t *testing.T) {
	resetJobs(t)
	ctx := context.Background()

	require.NoError(t, testDB.Listen(ctx, storage.ChannelJobs))

	mgr := newTestManager(nil, Config{})
	job := enqueue(t, makeJobConfig(200, 6))

	mgr.Start(ctx)
	defer drainManager(t, mgr)
	mgr.Wake()

	// Collect events for this job until the terminal one arrives.
	sawRunning := false
	sawDone := false
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) && !sawDone {
		waitCtx, cancel := context.WithDeadline(ctx, deadline)
		_, payload, err := testDB.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			break
		}

		var ev model.JobEvent
		require.NoError(t, json.Unmarshal([]byte(payload), &ev))
		if ev.JobID != job.ID {
			continue
		}
		switch ev.Status {
		case model.JobStatusRunning:
			sawRunning = true
		case model.JobStatusDone:
			sawDone = true
			assert.Equal(t, 1.0, ev.Progress)
		}
		assert.False(t, ev.At.IsZero())
	}

	assert.True(t, sawRunning, "expected a running event")
	assert.True(t, sawDone, "expected a done event")
}

func TestManagerStartIsIdempotent(t *testing.T) {
	resetJobs(t)

	mgr := newTestManager(nil, Config{})
	mgr.Start(context.Background())
	mgr.Start(context.Background()) // no-op
	assert.True(t, mgr.started.Load())
	drainManager(t, mgr)

	select {
	case <-mgr.done:
	default:
		t.Fatal("done channel should be closed after drain")
	}
}

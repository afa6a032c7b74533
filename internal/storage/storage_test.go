package storage_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/montecast-ai/montecast/internal/model"
	"github.com/montecast-ai/montecast/internal/storage"
	"github.com/montecast-ai/montecast/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage tests: prepare database: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func makeConfig() model.SimulationConfig {
	seed := int64(42)
	return model.SimulationConfig{
		NumSimulations: 100,
		HorizonMonths:  12,
		Drivers: map[string]model.DriverSpec{
			"revenue_growth": {
				ID:           "revenue_growth",
				Distribution: model.DistributionNormal,
				Mean:         8, StdDev: 3, Min: 2, Max: 15,
			},
		},
		BaselineAssumptions: map[string]any{
			"starting_cash":   100000.0,
			"monthly_revenue": 45000.0,
		},
		Seed: &seed,
	}
}

// enqueueJob creates a queued job whose created_at lies age in the past,
// so claim-order tests stay deterministic regardless of leftover rows.
func enqueueJob(t *testing.T, age time.Duration) model.SimulationJob {
	t.Helper()
	job, created, err := testDB.CreateJob(context.Background(), model.SimulationJob{
		Config:     makeConfig(),
		ConfigHash: "hash-" + uuid.NewString(),
		CreatedAt:  time.Now().UTC().Add(-age),
	})
	require.NoError(t, err)
	require.True(t, created)
	return job
}

// drainQueue claims and cancels every queued job.
func drainQueue(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		job, err := testDB.ClaimNextJob(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			return
		}
		require.NoError(t, err)
		require.NoError(t, testDB.FinishJob(ctx, job.ID, model.JobStatusCancelled, nil, nil))
	}
}

func TestCreateAndGetJob(t *testing.T) {
	ctx := context.Background()

	job := enqueueJob(t, 0)
	assert.Equal(t, model.JobStatusQueued, job.Status)

	got, err := testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, model.JobStatusQueued, got.Status)
	assert.Equal(t, 0.0, got.Progress)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.False(t, got.CancelRequested)

	// Config survives the JSONB round trip.
	assert.Equal(t, job.Config.NumSimulations, got.Config.NumSimulations)
	assert.Equal(t, job.Config.Drivers["revenue_growth"], got.Config.Drivers["revenue_growth"])
	require.NotNil(t, got.Config.Seed)
	assert.Equal(t, int64(42), *got.Config.Seed)
}

func TestGetJobNotFound(t *testing.T) {
	_, err := testDB.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateJobIdempotency(t *testing.T) {
	ctx := context.Background()
	key := "idem-" + uuid.NewString()

	first, created, err := testDB.CreateJob(ctx, model.SimulationJob{
		Config:         makeConfig(),
		ConfigHash:     "hash-a",
		IdempotencyKey: &key,
	})
	require.NoError(t, err)
	require.True(t, created)

	// Same key, same hash: the original job is replayed.
	replay, created, err := testDB.CreateJob(ctx, model.SimulationJob{
		Config:         makeConfig(),
		ConfigHash:     "hash-a",
		IdempotencyKey: &key,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, replay.ID)

	// Same key, different hash: conflict.
	_, _, err = testDB.CreateJob(ctx, model.SimulationJob{
		Config:         makeConfig(),
		ConfigHash:     "hash-b",
		IdempotencyKey: &key,
	})
	assert.ErrorIs(t, err, storage.ErrIdempotencyMismatch)
}

func TestClaimNextJobOldestFirst(t *testing.T) {
	ctx := context.Background()
	drainQueue(t)

	older := enqueueJob(t, 2*time.Hour)
	newer := enqueueJob(t, 1*time.Hour)

	claimed, err := testDB.ClaimNextJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, older.ID, claimed.ID)
	assert.Equal(t, model.JobStatusRunning, claimed.Status)
	assert.NotNil(t, claimed.StartedAt)

	claimed2, err := testDB.ClaimNextJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, claimed2.ID)

	_, err = testDB.ClaimNextJob(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Leave no running jobs behind.
	require.NoError(t, testDB.FinishJob(ctx, claimed.ID, model.JobStatusCancelled, nil, nil))
	require.NoError(t, testDB.FinishJob(ctx, claimed2.ID, model.JobStatusCancelled, nil, nil))
}

func TestProgressAndCooperativeCancel(t *testing.T) {
	ctx := context.Background()
	drainQueue(t)

	job := enqueueJob(t, time.Hour)
	claimed, err := testDB.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	cancelRequested, err := testDB.UpdateJobProgress(ctx, job.ID, 0.25)
	require.NoError(t, err)
	assert.False(t, cancelRequested)

	status, err := testDB.RequestCancel(ctx, job.ID)
	require.NoError(t, err)
	// A running job is only flagged; the worker finishes it.
	assert.Equal(t, model.JobStatusRunning, status)

	cancelRequested, err = testDB.UpdateJobProgress(ctx, job.ID, 0.5)
	require.NoError(t, err)
	assert.True(t, cancelRequested)

	require.NoError(t, testDB.FinishJob(ctx, job.ID, model.JobStatusCancelled, nil, nil))

	got, err := testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 0.5, got.Progress)
}

func TestRequestCancelQueuedJob(t *testing.T) {
	ctx := context.Background()

	job := enqueueJob(t, 0)
	status, err := testDB.RequestCancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, status)

	// Terminal jobs cannot be cancelled again.
	status, err = testDB.RequestCancel(ctx, job.ID)
	assert.ErrorIs(t, err, storage.ErrNotCancellable)
	assert.Equal(t, model.JobStatusCancelled, status)
}

func TestFinishJobSnapsProgressOnSuccess(t *testing.T) {
	ctx := context.Background()
	drainQueue(t)

	job := enqueueJob(t, time.Hour)
	_, err := testDB.ClaimNextJob(ctx)
	require.NoError(t, err)

	_, err = testDB.UpdateJobProgress(ctx, job.ID, 0.4)
	require.NoError(t, err)

	require.NoError(t, testDB.FinishJob(ctx, job.ID, model.JobStatusDone, nil, nil))

	got, err := testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusDone, got.Status)
	assert.Equal(t, 1.0, got.Progress)
}

func TestFinishJobRequiresRunning(t *testing.T) {
	ctx := context.Background()

	job := enqueueJob(t, 0)
	err := testDB.FinishJob(ctx, job.ID, model.JobStatusDone, nil, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = testDB.RequestCancel(ctx, job.ID)
	require.NoError(t, err)
}

func TestFinishJobRejectsNonTerminalStatus(t *testing.T) {
	err := testDB.FinishJob(context.Background(), uuid.New(), model.JobStatusRunning, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a terminal status")
}

func TestAppendJobLog(t *testing.T) {
	ctx := context.Background()

	job := enqueueJob(t, 0)
	require.NoError(t, testDB.AppendJobLog(ctx, job.ID, model.LogLevelWarning, "discarded 12 trials"))
	require.NoError(t, testDB.AppendJobLog(ctx, job.ID, model.LogLevelError, "integrity threshold exceeded"))

	got, err := testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, got.Logs, 2)
	assert.Equal(t, model.LogLevelWarning, got.Logs[0].Level)
	assert.Equal(t, "discarded 12 trials", got.Logs[0].Message)
	assert.Equal(t, model.LogLevelError, got.Logs[1].Level)

	err = testDB.AppendJobLog(ctx, uuid.New(), model.LogLevelInfo, "orphan")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSaveAndGetResult(t *testing.T) {
	ctx := context.Background()
	job := enqueueJob(t, 0)

	bundle := &model.ResultBundle{
		PercentilesTable: model.PercentilesTable{
			PercentileSeries: model.PercentileSeries{
				P5:  []float64{1, 2},
				P10: []float64{2, 3},
				P25: []float64{3, 4},
				P50: []float64{4, 5},
				P75: []float64{5, 6},
				P90: []float64{6, 7},
				P95: []float64{7, 8},
			},
			Revenue: model.PercentileSeries{
				P5: []float64{10, 20}, P10: []float64{11, 21}, P25: []float64{12, 22},
				P50: []float64{13, 23}, P75: []float64{14, 24}, P90: []float64{15, 25}, P95: []float64{16, 26},
			},
		},
		SurvivalProbability: model.SurvivalProbability{
			Overall: model.SurvivalOverall{
				ProbabilitySurvivingFullPeriod: 0.93,
				AverageMonthsToFailure:         7.5,
				TotalSimulations:               100,
			},
			RunwayThresholds: map[string]model.RunwayThreshold{
				"6_months": {Percentage: 97.0},
			},
		},
		TornadoData: []model.SensitivityEntry{
			{DriverID: "revenue_growth", UpsideImpact: 1500, DownsideImpact: -900, TotalImpact: 2400},
		},
		TopDrivers: []model.TopDriver{
			{DriverID: "revenue_growth", ContributionPct: 100, Description: "Revenue growth dominates"},
		},
		ConfidenceMetrics: model.ConfidenceMetrics{
			MeanAbsoluteError: 123.4,
			ValueAtRisk95:     456.7,
			TerminalCash:      model.SeriesSummary{Mean: 1000, StdDev: 50, Min: 900, Max: 1100},
			TerminalRevenue:   model.SeriesSummary{Mean: 500, StdDev: 25, Min: 450, Max: 550},
		},
		Metadata: model.RunMetadata{
			RequestedSimulations: 100,
			CompletedSimulations: 98,
			DiscardedTrials:      2,
			Seed:                 42,
			HorizonMonths:        2,
			EngineVersion:        "1.0.0",
			DurationMS:           57,
		},
	}

	require.NoError(t, testDB.SaveResult(ctx, job.ID, bundle))

	got, err := testDB.GetResult(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, bundle, got)

	// Bundles are written exactly once per job.
	assert.Error(t, testDB.SaveResult(ctx, job.ID, bundle))
}

func TestGetResultNotFound(t *testing.T) {
	_, err := testDB.GetResult(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPurgeOldJobsCascadesResults(t *testing.T) {
	ctx := context.Background()
	drainQueue(t)

	job := enqueueJob(t, time.Hour)
	_, err := testDB.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.NoError(t, testDB.FinishJob(ctx, job.ID, model.JobStatusDone, nil, nil))
	require.NoError(t, testDB.SaveResult(ctx, job.ID, &model.ResultBundle{}))

	// Backdate completion past the TTL.
	_, err = testDB.Pool().Exec(ctx,
		`UPDATE simulation_jobs SET completed_at = now() - interval '40 days' WHERE id = $1`, job.ID)
	require.NoError(t, err)

	purged, err := testDB.PurgeOldJobs(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, purged, int64(1))

	_, err = testDB.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = testDB.GetResult(ctx, job.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFailAbandonedJobs(t *testing.T) {
	ctx := context.Background()
	drainQueue(t)

	job := enqueueJob(t, time.Hour)
	_, err := testDB.ClaimNextJob(ctx)
	require.NoError(t, err)

	// Simulate a worker that died: no heartbeat for 20 minutes.
	_, err = testDB.Pool().Exec(ctx,
		`UPDATE simulation_jobs SET updated_at = now() - interval '20 minutes' WHERE id = $1`, job.ID)
	require.NoError(t, err)

	failed, err := testDB.FailAbandonedJobs(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, failed, int64(1))

	got, err := testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, model.JobErrInternal, *got.ErrorCode)
}

func TestRequeueJob(t *testing.T) {
	ctx := context.Background()
	drainQueue(t)

	job := enqueueJob(t, time.Hour)
	_, err := testDB.ClaimNextJob(ctx)
	require.NoError(t, err)
	_, err = testDB.UpdateJobProgress(ctx, job.ID, 0.7)
	require.NoError(t, err)

	require.NoError(t, testDB.RequeueJob(ctx, job.ID))

	got, err := testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, got.Status)
	assert.Equal(t, 0.0, got.Progress)
	assert.Nil(t, got.StartedAt)

	// Only running jobs can be requeued.
	assert.ErrorIs(t, testDB.RequeueJob(ctx, job.ID), storage.ErrNotFound)

	drainQueue(t)
}

func TestListJobsFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	drainQueue(t)

	older := enqueueJob(t, 3*time.Hour)
	newer := enqueueJob(t, 2*time.Hour)

	jobs, total, err := testDB.ListJobs(ctx, storage.ListJobsFilter{Status: model.JobStatusQueued})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, jobs, 2)
	// Newest first.
	assert.Equal(t, newer.ID, jobs[0].ID)
	assert.Equal(t, older.ID, jobs[1].ID)

	page, total, err := testDB.ListJobs(ctx, storage.ListJobsFilter{Status: model.JobStatusQueued, Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, page, 1)
	assert.Equal(t, older.ID, page[0].ID)

	drainQueue(t)
}

func TestCountJobsByStatus(t *testing.T) {
	ctx := context.Background()

	before, err := testDB.CountJobsByStatus(ctx)
	require.NoError(t, err)

	enqueueJob(t, 0)
	enqueueJob(t, 0)

	after, err := testDB.CountJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Queued+2, after.Queued)
}

func TestNotifyRoundTrip(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, testDB.Listen(ctx, storage.ChannelJobs))
	require.NoError(t, testDB.Notify(ctx, storage.ChannelJobs, `{"status":"done"}`))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	channel, payload, err := testDB.WaitForNotification(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelJobs, channel)
	assert.Equal(t, `{"status":"done"}`, payload)
}

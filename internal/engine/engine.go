// Package engine orchestrates complete simulation runs: sampling driver
// values, projecting trial trajectories in parallel, reducing them into
// percentile, survival, sensitivity and confidence sections, and
// assembling the final result bundle.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/montecast-ai/montecast/internal/analyze"
	"github.com/montecast-ai/montecast/internal/driver"
	"github.com/montecast-ai/montecast/internal/model"
	"github.com/montecast-ai/montecast/internal/project"
	"github.com/montecast-ai/montecast/internal/sample"
	"github.com/montecast-ai/montecast/internal/telemetry"
)

// Version is stamped into every result bundle's metadata. Bump it when
// sampling or aggregation semantics change, so stored results remain
// attributable to the code that produced them.
const Version = "1.0.0"

// defaultBatchSize balances progress granularity against scheduling
// overhead. A batch is the unit of progress reporting and cancellation.
const defaultBatchSize = 1000

// Config tunes a Runner. Zero values select defaults.
type Config struct {
	// Workers is the number of goroutines projecting trials within a
	// batch. Defaults to GOMAXPROCS.
	Workers int

	// BatchSize is how many trials run between progress callbacks and
	// cancellation checks.
	BatchSize int

	// SensitivitySamples is the per-driver sub-sample size for the
	// tornado sweep.
	SensitivitySamples int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.SensitivitySamples <= 0 {
		c.SensitivitySamples = analyze.DefaultSensitivitySamples
	}
	return c
}

// Progress receives completed and total trial counts at batch
// boundaries. Implementations must be fast; the runner blocks on them.
type Progress func(completed, total int)

// Runner executes simulation runs. It is stateless across runs and safe
// for concurrent use.
type Runner struct {
	factory project.Factory
	cfg     Config
	logger  *slog.Logger
	trials  metric.Int64Counter
}

// New builds a Runner around a formula factory. A nil factory selects
// the standard SaaS projection formula.
func New(factory project.Factory, cfg Config, logger *slog.Logger) *Runner {
	if factory == nil {
		factory = project.NewStandard
	}
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("montecast/engine")
	trials, _ := meter.Int64Counter("montecast.engine.trials",
		metric.WithDescription("Simulation trials executed, including discarded ones"),
	)
	return &Runner{factory: factory, cfg: cfg.withDefaults(), logger: logger, trials: trials}
}

// Config returns the resolved runner configuration.
func (r *Runner) Config() Config {
	return r.cfg
}

// Run executes one complete simulation. The returned bundle is
// bit-identical for a given (config, seed) pair regardless of worker
// count. Errors are *model.ValidationError for rejected configs,
// *IntegrityError when too many trials produced non-finite numbers, or
// the context error when cancelled.
func (r *Runner) Run(ctx context.Context, cfg model.SimulationConfig, onProgress Progress) (*model.ResultBundle, error) {
	start := time.Now()

	if err := driver.ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	seed := effectiveSeed(cfg.Seed)
	specs := sortedSpecs(cfg.Drivers)

	formula, err := r.factory(cfg.BaselineAssumptions)
	if err != nil {
		return nil, fmt.Errorf("engine: build formula: %w", err)
	}

	total := cfg.NumSimulations
	horizon := cfg.HorizonMonths

	r.logger.Debug("engine: run starting",
		"trials", total,
		"horizon_months", horizon,
		"drivers", len(specs),
		"seed", seed,
		"workers", r.cfg.Workers,
	)

	pct := analyze.NewPercentileAggregator(horizon, total)
	surv := analyze.NewSurvivalAnalyzer(horizon, total)
	discarded := make([]bool, total)
	failures := newFailureRecorder()

	completed := 0
	for batchStart := 0; batchStart < total; batchStart += r.cfg.BatchSize {
		batchEnd := batchStart + r.cfg.BatchSize
		if batchEnd > total {
			batchEnd = total
		}

		g := new(errgroup.Group)
		for _, span := range splitRange(batchStart, batchEnd, r.cfg.Workers) {
			g.Go(func() error {
				vals := make(map[string]float64, len(specs))
				traj := make([]model.MonthRecord, horizon)
				for trial := span.lo; trial < span.hi; trial++ {
					if err := ctx.Err(); err != nil {
						return err
					}
					runTrial(formula, specs, seed, trial, vals, traj, pct, surv, discarded, failures)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		completed = batchEnd
		r.trials.Add(ctx, int64(batchEnd-batchStart))
		if onProgress != nil {
			onProgress(completed, total)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.integrityCheck(countDiscarded(discarded[:completed]), total, failures); err != nil {
			return nil, err
		}
	}

	discardCount := countDiscarded(discarded)
	if err := r.integrityCheck(discardCount, total, failures); err != nil {
		return nil, err
	}
	if discardCount > 0 {
		r.logger.Warn("engine: trials discarded for non-finite projections",
			"discarded", discardCount,
			"requested", total,
		)
	}

	pctRes := pct.Finalize(discarded)
	survival := surv.Finalize(discarded)

	entries := []model.SensitivityEntry{}
	top := []model.TopDriver{}
	sens := analyze.NewSensitivity(r.cfg.SensitivitySamples, seed)
	if e, tp, err := sens.Run(formula, specs, horizon); err != nil {
		r.logger.Warn("engine: sensitivity analysis skipped", "error", err)
	} else {
		entries, top = e, tp
	}

	bundle := &model.ResultBundle{
		PercentilesTable:    pctRes.Table,
		SurvivalProbability: survival,
		TornadoData:         entries,
		TopDrivers:          top,
		ConfidenceMetrics:   analyze.Confidence(pctRes.TerminalCash, pctRes.TerminalRevenue),
		Metadata: model.RunMetadata{
			RequestedSimulations: total,
			CompletedSimulations: total - discardCount,
			DiscardedTrials:      discardCount,
			Seed:                 seed,
			HorizonMonths:        horizon,
			EngineVersion:        Version,
			DurationMS:           time.Since(start).Milliseconds(),
		},
	}

	r.logger.Info("engine: run finished",
		"trials", total,
		"discarded", discardCount,
		"duration_ms", bundle.Metadata.DurationMS,
	)
	return bundle, nil
}

// runTrial samples one driver set, projects it and folds the trajectory
// into the aggregators. The trial index selects an independent PRNG
// stream and a dedicated slot in every aggregator, so trials may run in
// any order on any worker.
func runTrial(
	formula project.Formula,
	specs []model.DriverSpec,
	seed int64,
	trial int,
	vals map[string]float64,
	traj []model.MonthRecord,
	pct *analyze.PercentileAggregator,
	surv *analyze.SurvivalAnalyzer,
	discarded []bool,
	failures *failureRecorder,
) {
	s := sample.New(sample.ChildSeed(seed, uint64(trial)))
	s.DriverSet(specs, vals)

	badMonth, ok := project.Run(formula, vals, traj)
	if !ok {
		discarded[trial] = true
		failures.record(trial, badMonth, vals)
		return
	}
	pct.Observe(trial, traj)
	surv.Observe(trial, traj)
}

func (r *Runner) integrityCheck(discardCount, total int, failures *failureRecorder) error {
	if float64(discardCount) <= maxDiscardFraction*float64(total) {
		return nil
	}
	err := failures.integrityError(discardCount, total)
	r.logger.Error("engine: integrity threshold exceeded",
		"discarded", discardCount,
		"requested", total,
		"first_failed_trial", err.FirstTrial,
	)
	return err
}

func effectiveSeed(s *int64) int64 {
	if s != nil {
		return *s
	}
	return time.Now().UnixNano()
}

// sortedSpecs flattens the driver map into the canonical ID order that
// sampling and sensitivity streams are assigned in.
func sortedSpecs(drivers map[string]model.DriverSpec) []model.DriverSpec {
	specs := make([]model.DriverSpec, 0, len(drivers))
	for _, d := range drivers {
		specs = append(specs, d)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs
}

type trialSpan struct{ lo, hi int }

// splitRange divides [lo, hi) into at most n contiguous spans of
// near-equal size. Contiguous assignment keeps each worker's writes in
// adjacent buffer slots.
func splitRange(lo, hi, n int) []trialSpan {
	count := hi - lo
	if count <= 0 {
		return nil
	}
	if n > count {
		n = count
	}
	spans := make([]trialSpan, 0, n)
	size := count / n
	rem := count % n
	cur := lo
	for i := 0; i < n; i++ {
		next := cur + size
		if i < rem {
			next++
		}
		spans = append(spans, trialSpan{lo: cur, hi: next})
		cur = next
	}
	return spans
}

func countDiscarded(discarded []bool) int {
	n := 0
	for _, d := range discarded {
		if d {
			n++
		}
	}
	return n
}

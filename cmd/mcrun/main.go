// Command mcrun executes one simulation scenario in-process, with no
// database or HTTP server: load a YAML scenario, run the engine, print a
// summary and optionally write the full result bundle as JSON.
//
//	mcrun -scenario scenarios/runway.yaml -out result.json
//
// Exit codes: 0 on success, 1 when the scenario or its config is invalid,
// 2 when the run itself fails (integrity abort, I/O error, interrupt).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"

	"github.com/montecast-ai/montecast/internal/engine"
	"github.com/montecast-ai/montecast/internal/model"
	"github.com/montecast-ai/montecast/internal/scenario"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

const (
	exitOK      = 0
	exitInvalid = 1
	exitRuntime = 2
)

func main() {
	os.Exit(realMain())
}

// realMain carries the whole CLI so its defers have already run by the
// time main calls os.Exit.
func realMain() int {
	fs := flag.NewFlagSet("mcrun", flag.ExitOnError)
	var (
		scenarioPath = fs.String("scenario", "", "path to the scenario YAML file (required)")
		outPath      = fs.String("out", "", "write the full result bundle JSON to this file")
		seed         = fs.Int64("seed", 0, "override the scenario's seed")
		simulations  = fs.Int("simulations", 0, "override the scenario's trial count")
		quiet        = fs.Bool("quiet", false, "suppress progress and summary output")
		showVersion  = fs.Bool("version", false, "print the version and exit")
	)
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println("mcrun", version)
		return exitOK
	}
	if *scenarioPath == "" {
		fmt.Fprintln(os.Stderr, "mcrun: -scenario is required")
		fs.Usage()
		return exitInvalid
	}

	// Engine warnings (an inconclusive sensitivity sweep, for instance)
	// go to stderr so -out and stdout stay clean for consumers.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return run(ctx, logger, runOptions{
		scenarioPath: *scenarioPath,
		outPath:      *outPath,
		seed:         seed,
		seedSet:      flagWasSet(fs, "seed"),
		simulations:  *simulations,
		quiet:        *quiet,
	})
}

type runOptions struct {
	scenarioPath string
	outPath      string
	seed         *int64
	seedSet      bool
	simulations  int
	quiet        bool
}

func run(ctx context.Context, logger *slog.Logger, opts runOptions) int {
	s, err := scenario.Load(opts.scenarioPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mcrun:", err)
		return exitInvalid
	}

	cfg := s.SimulationConfig()
	if opts.simulations > 0 {
		cfg.NumSimulations = opts.simulations
	}
	if opts.seedSet {
		cfg.Seed = opts.seed
	}

	runner := engine.New(nil, engine.Config{}, logger)

	var onProgress engine.Progress
	if !opts.quiet {
		onProgress = func(completed, total int) {
			fmt.Fprintf(os.Stderr, "\r%d/%d trials", completed, total)
			if completed == total {
				fmt.Fprintln(os.Stderr)
			}
		}
	}

	started := time.Now()
	bundle, err := runner.Run(ctx, cfg, onProgress)
	if err != nil {
		if !opts.quiet {
			fmt.Fprintln(os.Stderr)
		}
		fmt.Fprintln(os.Stderr, "mcrun:", err)

		var vErr *model.ValidationError
		if errors.As(err, &vErr) {
			return exitInvalid
		}
		return exitRuntime
	}

	if opts.outPath != "" {
		data, err := json.MarshalIndent(bundle, "", "  ")
		if err != nil {
			fmt.Fprintln(os.Stderr, "mcrun: encode result:", err)
			return exitRuntime
		}
		if err := os.WriteFile(opts.outPath, append(data, '\n'), 0o644); err != nil {
			fmt.Fprintln(os.Stderr, "mcrun: write result:", err)
			return exitRuntime
		}
	}

	if !opts.quiet {
		printSummary(os.Stdout, s, bundle, time.Since(started))
	}
	return exitOK
}

// flagWasSet reports whether the named flag appeared on the command line,
// distinguishing an explicit -seed 0 from the default.
func flagWasSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func printSummary(w *os.File, s *scenario.Scenario, b *model.ResultBundle, elapsed time.Duration) {
	meta := b.Metadata
	overall := b.SurvivalProbability.Overall

	fmt.Fprintf(w, "scenario:  %s\n", s.Name)
	if s.Description != "" {
		fmt.Fprintf(w, "           %s\n", s.Description)
	}
	fmt.Fprintf(w, "trials:    %d requested, %d completed (%d discarded)\n",
		meta.RequestedSimulations, meta.CompletedSimulations, meta.DiscardedTrials)
	fmt.Fprintf(w, "horizon:   %d months\n", meta.HorizonMonths)
	fmt.Fprintf(w, "seed:      %d\n", meta.Seed)
	fmt.Fprintf(w, "elapsed:   %s\n\n", elapsed.Round(time.Millisecond))

	fmt.Fprintf(w, "survival:  %.1f%% of trials kept a positive cash balance\n", overall.ProbabilitySurvivingFullPeriod*100)
	if overall.AverageMonthsToFailure > 0 {
		fmt.Fprintf(w, "           failing trials ran out after %.1f months on average\n", overall.AverageMonthsToFailure)
	}
	thresholds := formatThresholds(b.SurvivalProbability.RunwayThresholds)
	if thresholds != "" {
		fmt.Fprintf(w, "           %s\n", thresholds)
	}

	fmt.Fprintf(w, "\nterminal cash (month %d):\n", meta.HorizonMonths)
	table := b.PercentilesTable
	fmt.Fprintf(w, "           p5 %s   p25 %s   p50 %s   p75 %s   p95 %s\n",
		money(last(table.P5)), money(last(table.P25)), money(last(table.P50)),
		money(last(table.P75)), money(last(table.P95)))
	fmt.Fprintf(w, "value at risk (95%%): %s\n", money(b.ConfidenceMetrics.ValueAtRisk95))

	if len(b.TopDrivers) > 0 {
		fmt.Fprintf(w, "\ntop drivers:\n")
		for i, d := range b.TopDrivers {
			fmt.Fprintf(w, "           %d. %-24s %.1f%%\n", i+1, d.DriverID, d.ContributionPct)
		}
	}
}

// formatThresholds renders the runway thresholds in ascending month order.
func formatThresholds(thresholds map[string]model.RunwayThreshold) string {
	var parts []string
	for _, months := range model.RunwayThresholdMonths {
		key := fmt.Sprintf("%d_months", months)
		t, ok := thresholds[key]
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("%d months %.1f%%", months, t.Percentage))
	}
	return strings.Join(parts, "   ")
}

func last(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

// money renders a dollar amount with thousands separators and no cents.
func money(v float64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	digits := strconv.FormatFloat(v, 'f', 0, 64)

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteByte('$')
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
		if len(digits) > lead {
			b.WriteByte(',')
		}
	}
	for i := lead; i < len(digits); i += 3 {
		b.WriteString(digits[i : i+3])
		if i+3 < len(digits) {
			b.WriteByte(',')
		}
	}
	return b.String()
}

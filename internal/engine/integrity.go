package engine

import (
	"fmt"
	"sync"
)

// maxDiscardFraction is the tolerated share of discarded trials,
// measured against the requested trial count. Above it the run is
// worthless as a distribution and fails instead of finishing.
const maxDiscardFraction = 0.05

// IntegrityError reports a run whose discarded-trial share exceeded the
// tolerance. It carries the sampled driver values of the lowest-indexed
// failing trial so the offending input region can be found without
// re-running.
type IntegrityError struct {
	Requested    int
	Discarded    int
	FirstTrial   int
	FirstMonth   int // 1-based month in which the projection blew up
	DriverValues map[string]float64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf(
		"engine: %d of %d trials (%.1f%%) produced non-finite projections, first at trial %d month %d",
		e.Discarded, e.Requested,
		float64(e.Discarded)/float64(e.Requested)*100,
		e.FirstTrial, e.FirstMonth,
	)
}

// failureRecorder keeps the diagnostics of the lowest-indexed failing
// trial. Lowest-index wins, so the captured failure is the same no
// matter how trials are scheduled across workers.
type failureRecorder struct {
	mu     sync.Mutex
	trial  int
	month  int
	values map[string]float64
}

func newFailureRecorder() *failureRecorder {
	return &failureRecorder{trial: -1}
}

func (f *failureRecorder) record(trial, badMonth int, vals map[string]float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trial != -1 && trial >= f.trial {
		return
	}
	f.trial = trial
	f.month = badMonth + 1
	f.values = make(map[string]float64, len(vals))
	for k, v := range vals {
		f.values[k] = v
	}
}

func (f *failureRecorder) integrityError(discarded, requested int) *IntegrityError {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &IntegrityError{
		Requested:    requested,
		Discarded:    discarded,
		FirstTrial:   f.trial,
		FirstMonth:   f.month,
		DriverValues: f.values,
	}
}

package montecast

import (
	"context"
	"net/http"
)

// Formula projects one trial month by month. Implementations must be pure
// functions of their inputs: the engine calls the same formula from many
// goroutines, and determinism across worker counts depends on the formula
// producing identical output for identical input.
type Formula interface {
	// Start returns month zero from the sampled driver values.
	Start(drivers map[string]float64) MonthRecord

	// Month returns the revenue and expenses for month m (m >= 1) given
	// the previous month. The engine carries the cash balance forward.
	Month(m int, prev MonthRecord, drivers map[string]float64) (revenue, expenses float64)
}

// FormulaFactory builds a Formula from a job's opaque baseline assumptions.
// When provided via WithFormula, it replaces the built-in SaaS projection
// for every job the server runs. Returning an error rejects the job as
// invalid input.
type FormulaFactory func(assumptions map[string]any) (Formula, error)

// JobHook receives async notifications when a simulation job reaches a
// terminal state. Multiple hooks may be registered via multiple WithJobHook
// calls. Hook methods run in goroutines and must not block indefinitely.
// Failures are logged but never affect the job's recorded outcome.
type JobHook interface {
	// OnJobFinished fires after a job transitions to done, failed or
	// cancelled. result is non-nil only when the job finished
	// successfully.
	OnJobFinished(ctx context.Context, job Job, result *Result) error
}

// Middleware wraps the HTTP handler chain. Registered middleware runs after
// request ID assignment and request logging, before rate limiting, so it
// sees every API request with the request ID already in context.
// Multiple middlewares are applied in registration order
// (first-registered = outermost).
type Middleware func(http.Handler) http.Handler

package montecast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

// stubAPI starts a stub Montecast server from a routes table and returns
// a Client pointed at it. The server is torn down with the test.
func stubAPI(t *testing.T, routes map[string]http.HandlerFunc) *Client {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range routes {
		mux.HandleFunc(pattern, handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

// respond writes v as JSON with the given status.
func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func testConfig() SimulationConfig {
	return SimulationConfig{
		NumSimulations: 1000,
		HorizonMonths:  12,
		Drivers: map[string]DriverSpec{
			"revenue_growth": {
				ID:           "revenue_growth",
				Distribution: DistributionNormal,
				Mean:         5,
				StdDev:       2,
				Min:          -5,
				Max:          15,
			},
		},
		BaselineAssumptions: map[string]any{
			"starting_cash":   500000,
			"monthly_revenue": 80000,
		},
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error for empty BaseURL")
	}
}

func TestCreateSimulation(t *testing.T) {
	jobID := uuid.New()

	c := stubAPI(t, map[string]http.HandlerFunc{
		"POST /v1/simulations": func(w http.ResponseWriter, r *http.Request) {
			var cfg SimulationConfig
			if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			if cfg.NumSimulations != 1000 {
				t.Errorf("numSimulations = %d, want 1000", cfg.NumSimulations)
			}
			if _, ok := cfg.Drivers["revenue_growth"]; !ok {
				t.Error("driver revenue_growth missing from request")
			}
			respond(w, http.StatusAccepted, map[string]any{
				"data": Job{ID: jobID, Status: JobQueued, Config: cfg, CreatedAt: time.Now()},
			})
		},
	})

	job, err := c.CreateSimulation(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("CreateSimulation: %v", err)
	}
	if job.ID != jobID {
		t.Errorf("job ID = %s, want %s", job.ID, jobID)
	}
	if job.Status != JobQueued {
		t.Errorf("status = %s, want queued", job.Status)
	}
}

func TestCreateSimulationSendsIdempotencyKey(t *testing.T) {
	c := stubAPI(t, map[string]http.HandlerFunc{
		"POST /v1/simulations": func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("Idempotency-Key"); got != "retry-safe-42" {
				t.Errorf("Idempotency-Key = %q, want retry-safe-42", got)
			}
			respond(w, http.StatusAccepted, map[string]any{
				"data": Job{ID: uuid.New(), Status: JobQueued},
			})
		},
	})

	_, err := c.CreateSimulation(context.Background(), testConfig(), WithIdempotencyKey("retry-safe-42"))
	if err != nil {
		t.Fatalf("CreateSimulation: %v", err)
	}
}

func TestCreateSimulationInvalidInput(t *testing.T) {
	c := stubAPI(t, map[string]http.HandlerFunc{
		"POST /v1/simulations": func(w http.ResponseWriter, r *http.Request) {
			respond(w, http.StatusBadRequest, map[string]any{
				"error": map[string]any{
					"code":    "INVALID_INPUT",
					"message": "invalid simulation config",
				},
			})
		},
	})

	_, err := c.CreateSimulation(context.Background(), SimulationConfig{})
	if !IsInvalidInput(err) {
		t.Fatalf("expected INVALID_INPUT error, got %v", err)
	}
}

func TestGetSimulationNotFound(t *testing.T) {
	c := stubAPI(t, map[string]http.HandlerFunc{
		"GET /v1/simulations/{id}": func(w http.ResponseWriter, r *http.Request) {
			respond(w, http.StatusNotFound, map[string]any{
				"error": map[string]any{"code": "NOT_FOUND", "message": "no such simulation"},
			})
		},
	})

	_, err := c.GetSimulation(context.Background(), uuid.New())
	if !IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestListSimulations(t *testing.T) {
	c := stubAPI(t, map[string]http.HandlerFunc{
		"GET /v1/simulations": func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			if q.Get("status") != "done" {
				t.Errorf("status = %q, want done", q.Get("status"))
			}
			if q.Get("limit") != "2" {
				t.Errorf("limit = %q, want 2", q.Get("limit"))
			}
			respond(w, http.StatusOK, map[string]any{
				"data":     []Job{{ID: uuid.New(), Status: JobDone}, {ID: uuid.New(), Status: JobDone}},
				"total":    7,
				"has_more": true,
				"limit":    2,
				"offset":   0,
			})
		},
	})

	list, err := c.ListSimulations(context.Background(), &ListOptions{
		Status: JobDone,
		Limit:  2,
	})
	if err != nil {
		t.Fatalf("ListSimulations: %v", err)
	}
	if len(list.Jobs) != 2 {
		t.Errorf("len(jobs) = %d, want 2", len(list.Jobs))
	}
	if list.Total != 7 || !list.HasMore {
		t.Errorf("total = %d hasMore = %v, want 7 true", list.Total, list.HasMore)
	}
}

func TestGetResultNotReady(t *testing.T) {
	c := stubAPI(t, map[string]http.HandlerFunc{
		"GET /v1/simulations/{id}/result": func(w http.ResponseWriter, r *http.Request) {
			respond(w, http.StatusConflict, map[string]any{
				"error": map[string]any{"code": "NOT_READY", "message": "simulation is running"},
			})
		},
	})

	_, err := c.GetResult(context.Background(), uuid.New())
	if !IsNotReady(err) {
		t.Fatalf("expected not-ready error, got %v", err)
	}
	if !IsConflict(err) {
		t.Fatalf("NOT_READY should also be a 409 conflict, got %v", err)
	}
}

func TestGetResultDecodesBundle(t *testing.T) {
	c := stubAPI(t, map[string]http.HandlerFunc{
		"GET /v1/simulations/{id}/result": func(w http.ResponseWriter, r *http.Request) {
			respond(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"percentiles_table": map[string]any{
						"p5":  []float64{1, 2},
						"p50": []float64{5, 6},
						"p95": []float64{9, 10},
						"revenue": map[string]any{
							"p50": []float64{100, 110},
						},
					},
					"survival_probability": map[string]any{
						"overall": map[string]any{
							"probabilitySurvivingFullPeriod": 92.5,
							"totalSimulations":               1000,
						},
						"runwayThresholds": map[string]any{
							"12_months": map[string]any{"percentage": 95.0},
						},
					},
					"topDrivers": []map[string]any{
						{"driverId": "churn_rate", "contributionPct": 61.0},
					},
					"metadata": map[string]any{
						"requestedSimulations": 1000,
						"seed":                 42,
					},
				},
			})
		},
	})

	bundle, err := c.GetResult(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if got := bundle.SurvivalProbability.Overall.ProbabilitySurvivingFullPeriod; got != 92.5 {
		t.Errorf("survival = %v, want 92.5", got)
	}
	if got := bundle.PercentilesTable.P50; len(got) != 2 || got[1] != 6 {
		t.Errorf("cash p50 = %v, want [5 6]", got)
	}
	if got := bundle.PercentilesTable.Revenue.P50; len(got) != 2 || got[0] != 100 {
		t.Errorf("revenue p50 = %v, want [100 110]", got)
	}
	if len(bundle.TopDrivers) != 1 || bundle.TopDrivers[0].DriverID != "churn_rate" {
		t.Errorf("topDrivers = %+v", bundle.TopDrivers)
	}
	if bundle.Metadata.Seed != 42 {
		t.Errorf("seed = %d, want 42", bundle.Metadata.Seed)
	}
}

func TestCancel(t *testing.T) {
	jobID := uuid.New()
	c := stubAPI(t, map[string]http.HandlerFunc{
		"DELETE /v1/simulations/{id}": func(w http.ResponseWriter, r *http.Request) {
			respond(w, http.StatusAccepted, map[string]any{
				"data": Job{ID: jobID, Status: JobCancelled},
			})
		},
	})

	job, err := c.Cancel(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if job.Status != JobCancelled {
		t.Errorf("status = %s, want cancelled", job.Status)
	}
}

func TestValidateReportsIssues(t *testing.T) {
	c := stubAPI(t, map[string]http.HandlerFunc{
		"POST /v1/simulations/validate": func(w http.ResponseWriter, r *http.Request) {
			respond(w, http.StatusOK, map[string]any{
				"data": ValidateResponse{
					Valid: false,
					Issues: []ValidationIssue{
						{Field: "numSimulations", Message: "must be at least 100"},
					},
				},
			})
		},
	})

	resp, err := c.Validate(context.Background(), SimulationConfig{NumSimulations: 3})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if resp.Valid {
		t.Error("expected invalid config")
	}
	if len(resp.Issues) != 1 || resp.Issues[0].Field != "numSimulations" {
		t.Errorf("issues = %+v", resp.Issues)
	}
}

func TestWaitForResultPollsUntilDone(t *testing.T) {
	jobID := uuid.New()
	var polls atomic.Int32

	c := stubAPI(t, map[string]http.HandlerFunc{
		"GET /v1/simulations/{id}": func(w http.ResponseWriter, r *http.Request) {
			status := JobRunning
			if polls.Add(1) >= 3 {
				status = JobDone
			}
			respond(w, http.StatusOK, map[string]any{
				"data": Job{ID: jobID, Status: status},
			})
		},
		"GET /v1/simulations/{id}/result": func(w http.ResponseWriter, r *http.Request) {
			respond(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"metadata": map[string]any{"seed": 99},
				},
			})
		},
	})

	bundle, err := c.WaitForResult(context.Background(), jobID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForResult: %v", err)
	}
	if bundle.Metadata.Seed != 99 {
		t.Errorf("seed = %d, want 99", bundle.Metadata.Seed)
	}
	if polls.Load() < 3 {
		t.Errorf("polls = %d, want at least 3", polls.Load())
	}
}

func TestWaitForResultFailedJob(t *testing.T) {
	jobID := uuid.New()
	code, message := "SIMULATION_INTEGRITY", "too many discarded trials"

	c := stubAPI(t, map[string]http.HandlerFunc{
		"GET /v1/simulations/{id}": func(w http.ResponseWriter, r *http.Request) {
			respond(w, http.StatusOK, map[string]any{
				"data": Job{ID: jobID, Status: JobFailed, ErrorCode: &code, ErrorMessage: &message},
			})
		},
	})

	_, err := c.WaitForResult(context.Background(), jobID, 10*time.Millisecond)

	var jobErr *JobError
	if !errors.As(err, &jobErr) {
		t.Fatalf("expected *JobError, got %v", err)
	}
	if jobErr.Job.ErrorCode == nil || *jobErr.Job.ErrorCode != code {
		t.Errorf("error code = %v, want %s", jobErr.Job.ErrorCode, code)
	}
}

func TestWaitForResultContextCancelled(t *testing.T) {
	c := stubAPI(t, map[string]http.HandlerFunc{
		"GET /v1/simulations/{id}": func(w http.ResponseWriter, r *http.Request) {
			respond(w, http.StatusOK, map[string]any{
				"data": Job{ID: uuid.New(), Status: JobRunning},
			})
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.WaitForResult(ctx, uuid.New(), 10*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRateLimitedError(t *testing.T) {
	c := stubAPI(t, map[string]http.HandlerFunc{
		"GET /v1/engine/stats": func(w http.ResponseWriter, r *http.Request) {
			respond(w, http.StatusTooManyRequests, map[string]any{
				"error": map[string]any{"code": "RATE_LIMITED", "message": "rate limit exceeded"},
			})
		},
	})

	_, err := c.EngineStats(context.Background())
	if !IsRateLimited(err) {
		t.Fatalf("expected rate-limited error, got %v", err)
	}
}

func TestHealthAndVersion(t *testing.T) {
	c := stubAPI(t, map[string]http.HandlerFunc{
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			respond(w, http.StatusOK, map[string]any{
				"data": Health{Status: "healthy", Version: "1.2.3", Postgres: "connected"},
			})
		},
		"GET /version": func(w http.ResponseWriter, r *http.Request) {
			respond(w, http.StatusOK, map[string]any{
				"data": Version{Version: "1.2.3", EngineVersion: "1.0.0"},
			})
		},
	})

	h, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "healthy" || h.Postgres != "connected" {
		t.Errorf("health = %+v", h)
	}

	v, err := c.Version(context.Background())
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v.EngineVersion != "1.0.0" {
		t.Errorf("engine version = %q, want 1.0.0", v.EngineVersion)
	}
}

func TestErrorParsingNonEnvelopeBody(t *testing.T) {
	c := stubAPI(t, map[string]http.HandlerFunc{
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream proxy error"))
		},
	})

	_, err := c.Health(context.Background())

	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", apiErr.StatusCode)
	}
	if apiErr.Message != "upstream proxy error" {
		t.Errorf("message = %q", apiErr.Message)
	}
}

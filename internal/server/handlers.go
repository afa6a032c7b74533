package server

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/montecast-ai/montecast/internal/driver"
	"github.com/montecast-ai/montecast/internal/engine"
	"github.com/montecast-ai/montecast/internal/job"
	"github.com/montecast-ai/montecast/internal/model"
	"github.com/montecast-ai/montecast/internal/storage"
)

// Handlers carries everything the HTTP endpoints need.
type Handlers struct {
	db                  *storage.DB
	manager             *job.Manager
	runner              *engine.Runner
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	maxQueuedJobs       int
	openapiSpec         []byte
}

// HandlersDeps names the dependencies NewHandlers wires in.
// Optional (nil-safe): Broker, OpenAPISpec.
type HandlersDeps struct {
	DB                  *storage.DB
	Manager             *job.Manager
	Runner              *engine.Runner
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	MaxQueuedJobs       int
	OpenAPISpec         []byte
}

// NewHandlers builds the handler set and stamps the process start time
// used by the health endpoint's uptime field.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		manager:             d.Manager,
		runner:              d.Runner,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		maxQueuedJobs:       d.MaxQueuedJobs,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleCreateSimulation handles POST /v1/simulations.
//
// The config is validated up front so every problem comes back in one
// round trip; valid requests are enqueued and run asynchronously. An
// Idempotency-Key header makes retries safe: replaying the same key with
// the same config returns the original job, reusing the key with a
// different config is a conflict.
func (h *Handlers) HandleCreateSimulation(w http.ResponseWriter, r *http.Request) {
	var cfg model.SimulationConfig
	if err := decodeJSON(w, r, &cfg, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if err := driver.ValidateConfig(&cfg); err != nil {
		var vErr *model.ValidationError
		if errors.As(err, &vErr) {
			writeErrorDetails(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"invalid simulation config", vErr.Issues)
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if h.maxQueuedJobs > 0 {
		counts, err := h.db.CountJobsByStatus(r.Context())
		if err != nil {
			h.writeInternalError(w, r, "failed to check queue depth", err)
			return
		}
		if counts.Queued >= h.maxQueuedJobs {
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeNotReady,
				fmt.Sprintf("job queue is full (%d queued), retry later", counts.Queued))
			return
		}
	}

	hash, err := configHash(cfg)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash config", err)
		return
	}
	newJob := model.SimulationJob{
		ID:         uuid.New(),
		Status:     model.JobStatusQueued,
		Config:     cfg,
		ConfigHash: hash,
	}
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		newJob.IdempotencyKey = &key
	}

	stored, created, err := h.db.CreateJob(r.Context(), newJob)
	switch {
	case errors.Is(err, storage.ErrIdempotencyMismatch):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
			"idempotency key was already used with a different config")
		return
	case err != nil:
		h.writeInternalError(w, r, "failed to enqueue simulation", err)
		return
	}

	if created {
		h.manager.Wake()
		h.notifyEvent(r, model.JobEvent{JobID: stored.ID, Status: stored.Status})
	}
	writeJSON(w, r, http.StatusAccepted, stored)
}

// HandleListSimulations handles GET /v1/simulations.
func (h *Handlers) HandleListSimulations(w http.ResponseWriter, r *http.Request) {
	filter := storage.ListJobsFilter{
		Limit:  queryLimit(r, 50),
		Offset: queryOffset(r),
	}
	if s := r.URL.Query().Get("status"); s != "" {
		status := model.JobStatus(s)
		switch status {
		case model.JobStatusQueued, model.JobStatusRunning, model.JobStatusDone,
			model.JobStatusFailed, model.JobStatusCancelled:
			filter.Status = status
		default:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"unknown status "+strconv.Quote(s))
			return
		}
	}

	sims, total, err := h.db.ListJobs(r.Context(), filter)
	if err != nil {
		h.writeInternalError(w, r, "failed to list simulations", err)
		return
	}

	writeList(w, r, model.ListResponse{
		Data:    sims,
		Total:   total,
		HasMore: filter.Offset+len(sims) < total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	})
}

// HandleGetSimulation handles GET /v1/simulations/{id}.
func (h *Handlers) HandleGetSimulation(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	sim, err := h.db.GetJob(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "simulation not found: "+id.String())
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to load simulation", err)
		return
	}
	writeJSON(w, r, http.StatusOK, sim)
}

// HandleGetResult handles GET /v1/simulations/{id}/result.
//
// The result exists only once the job is done. Earlier requests get a
// conflict with NOT_READY so pollers can tell "not yet" from "gone";
// failed and cancelled jobs get a conflict carrying the failure reason.
func (h *Handlers) HandleGetResult(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	sim, err := h.db.GetJob(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "simulation not found: "+id.String())
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to load simulation", err)
		return
	}

	switch sim.Status {
	case model.JobStatusDone:
	case model.JobStatusQueued, model.JobStatusRunning:
		writeError(w, r, http.StatusConflict, model.ErrCodeNotReady,
			fmt.Sprintf("simulation is %s, result not available yet", sim.Status))
		return
	default:
		msg := fmt.Sprintf("simulation was %s, no result was produced", sim.Status)
		if sim.ErrorMessage != nil {
			msg = fmt.Sprintf("simulation %s: %s", sim.Status, *sim.ErrorMessage)
		}
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, msg)
		return
	}

	bundle, err := h.db.GetResult(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		// Done but already purged by the retention sweep.
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "result not found: "+id.String())
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to load result", err)
		return
	}
	writeJSON(w, r, http.StatusOK, bundle)
}

// HandleCancelSimulation handles DELETE /v1/simulations/{id}.
//
// Queued jobs cancel immediately. Running jobs get the cancel flag and
// stop at the next progress checkpoint. Repeating the request while the
// job is running or already cancelled is a no-op; done and failed jobs
// are a conflict.
func (h *Handlers) HandleCancelSimulation(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	status, err := h.db.RequestCancel(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "simulation not found: "+id.String())
		return
	case errors.Is(err, storage.ErrNotCancellable) && status == model.JobStatusCancelled:
		// Repeated cancel of an already-cancelled job stays idempotent.
	case errors.Is(err, storage.ErrNotCancellable):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
			fmt.Sprintf("simulation already %s", status))
		return
	case err != nil:
		h.writeInternalError(w, r, "failed to cancel simulation", err)
		return
	default:
		if status == model.JobStatusCancelled {
			// Queued jobs never reach a worker, so the transition is
			// broadcast here instead of by the job manager.
			h.notifyEvent(r, model.JobEvent{JobID: id, Status: status})
		}
	}

	sim, err := h.db.GetJob(r.Context(), id)
	if err != nil {
		h.writeInternalError(w, r, "failed to reload simulation", err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, sim)
}

// HandleValidateConfig handles POST /v1/simulations/validate.
// Dry-run validation for interactive forms: always 200, never enqueues.
func (h *Handlers) HandleValidateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg model.SimulationConfig
	if err := decodeJSON(w, r, &cfg, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	resp := model.ValidateConfigResponse{Valid: true, Issues: []model.ValidationIssue{}}
	if err := driver.ValidateConfig(&cfg); err != nil {
		resp.Valid = false
		var vErr *model.ValidationError
		if errors.As(err, &vErr) {
			resp.Issues = vErr.Issues
		} else {
			resp.Issues = []model.ValidationIssue{{Field: "config", Message: err.Error()}}
		}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleEvents handles GET /v1/events (SSE).
//
// Streams job lifecycle transitions as they arrive over LISTEN/NOTIFY,
// so clients see transitions made by any instance. An optional job_id
// query parameter restricts the stream to one job.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"event stream not available (LISTEN/NOTIFY not configured)")
		return
	}

	filter := uuid.Nil
	if v := r.URL.Query().Get("job_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid job_id: "+v)
			return
		}
		filter = id
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// The server's WriteTimeout would sever this long-lived stream, so
	// clear the per-request write deadline.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(filter)
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleEngineStats handles GET /v1/engine/stats.
func (h *Handlers) HandleEngineStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.db.CountJobsByStatus(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to count jobs", err)
		return
	}

	engineCfg := h.runner.Config()
	writeJSON(w, r, http.StatusOK, model.EngineStatsResponse{
		Jobs:               counts,
		Workers:            h.manager.Workers(),
		TrialWorkers:       engineCfg.Workers,
		BatchSize:          engineCfg.BatchSize,
		SensitivitySamples: engineCfg.SensitivitySamples,
	})
}

// HandleHealth handles GET /health. It reports liveness plus the state
// of the Postgres link, returning 503 when the database is unreachable.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleVersion handles GET /version.
func (h *Handlers) HandleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, model.VersionResponse{
		Version:       h.version,
		EngineVersion: engine.Version,
	})
}

// HandleOpenAPISpec handles GET /openapi.yaml.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeInternalError logs the error with its request ID and returns a
// generic 500 so internals never leak to clients.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", RequestIDFromContext(r.Context()),
	)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// notifyEvent broadcasts a lifecycle transition that happened inside the
// request path (enqueue, queued-job cancel). Worker-side transitions are
// broadcast by the job manager. Best-effort: a lost event only delays
// SSE clients until their next poll.
func (h *Handlers) notifyEvent(r *http.Request, ev model.JobEvent) {
	ev.At = time.Now().UTC()
	payload, err := json.Marshal(ev)
	if err == nil {
		err = h.db.Notify(r.Context(), storage.ChannelJobs, string(payload))
	}
	if err != nil {
		h.logger.Warn("failed to notify job event",
			"job_id", ev.JobID, "status", ev.Status, "error", err)
	}
}

// configHash returns a stable hash of a config for idempotency
// comparisons. Map keys marshal in sorted order, so equal configs hash
// equal regardless of field arrival order.
func configHash(cfg model.SimulationConfig) (string, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// --- Request parsing helpers ---

func parseJobID(r *http.Request) (uuid.UUID, error) {
	idStr := r.PathValue("id")
	if idStr == "" {
		return uuid.Nil, fmt.Errorf("id is required")
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id: %s", idStr)
	}
	return id, nil
}

// maxQueryLimit caps the limit query parameter on list endpoints.
const maxQueryLimit = 500

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset bounds how deep OFFSET pagination can reach.
const maxQueryOffset = 100_000

// queryOffset reads the offset query parameter, clamped to [0, maxQueryOffset].
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit reads the limit query parameter, clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

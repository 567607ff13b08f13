package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ChuLiYu/shard-recovery/internal/jobmanager"
	"github.com/ChuLiYu/shard-recovery/internal/journal"
	"github.com/ChuLiYu/shard-recovery/pkg/types"
)

const defaultEventCount = 50

// JobService is the management surface the API exposes.
// *jobmanager.Manager implements it.
type JobService interface {
	Create(ctx context.Context, spec types.JobSpec) (types.JobSummary, error)
	Get(id string) (types.JobSummary, error)
	List() []types.JobSummary
	Stop(ctx context.Context, id string) (types.JobSummary, error)
	Delete(ctx context.Context, id string, purge bool) error
	Events(id string, n int) ([]journal.Event, error)
}

// CreateJobRequest is the body of POST /v1/jobs. Zero fields take the
// server defaults; durations use time.ParseDuration syntax. max_restarts is
// a pointer so that an explicit 0 disables restarts instead of meaning
// "default".
type CreateJobRequest struct {
	ID                 string `json:"id"`
	WorldSize          int    `json:"world_size"`
	ShardCount         int    `json:"shard_count"`
	CheckpointInterval int    `json:"checkpoint_interval"`
	HeartbeatTimeout   string `json:"heartbeat_timeout"`
	MaxRestarts        *int   `json:"max_restarts,omitempty"`
	BackoffBase        string `json:"backoff_base"`
	BackoffMax         string `json:"backoff_max"`
}

// Spec converts the request into a job spec.
func (r CreateJobRequest) Spec() (types.JobSpec, error) {
	spec := types.JobSpec{
		ID:                 r.ID,
		WorldSize:          r.WorldSize,
		ShardCount:         r.ShardCount,
		CheckpointInterval: r.CheckpointInterval,
	}
	if r.MaxRestarts != nil {
		switch n := *r.MaxRestarts; {
		case n < 0:
			return spec, errors.New("max_restarts: " + strconv.Itoa(n) + " is negative")
		case n == 0:
			spec.MaxRestarts = jobmanager.NoRestarts
		default:
			spec.MaxRestarts = n
		}
	}
	for _, d := range []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"heartbeat_timeout", r.HeartbeatTimeout, &spec.HeartbeatTimeout},
		{"backoff_base", r.BackoffBase, &spec.BackoffBase},
		{"backoff_max", r.BackoffMax, &spec.BackoffMax},
	} {
		if d.in == "" {
			continue
		}
		v, err := time.ParseDuration(d.in)
		if err != nil {
			return spec, errors.New(d.name + ": " + err.Error())
		}
		*d.out = v
	}
	return spec, nil
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// JobHandler serves the job endpoints.
type JobHandler struct {
	jobs JobService
	log  *slog.Logger
}

// NewRouter mounts the management API:
//
//	POST   /v1/jobs
//	GET    /v1/jobs
//	GET    /v1/jobs/{id}
//	POST   /v1/jobs/{id}/stop
//	DELETE /v1/jobs/{id}?purge=true
//	GET    /v1/jobs/{id}/events?n=50
//	GET    /health
func NewRouter(jobs JobService, logger *slog.Logger) *mux.Router {
	if logger == nil {
		logger = slog.Default()
	}
	h := &JobHandler{jobs: jobs, log: logger}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.Health).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/jobs", h.CreateJob).Methods("POST")
	api.HandleFunc("/jobs", h.ListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}", h.DeleteJob).Methods("DELETE")
	api.HandleFunc("/jobs/{id}/stop", h.StopJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/events", h.GetJobEvents).Methods("GET")
	return r
}

// Health handles GET /health
func (h *JobHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateJob handles POST /v1/jobs
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	spec, err := req.Spec()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	s, err := h.jobs.Create(r.Context(), spec)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// ListJobs handles GET /v1/jobs
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.jobs.List())
}

// GetJob handles GET /v1/jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	s, err := h.jobs.Get(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// StopJob handles POST /v1/jobs/{id}/stop
func (h *JobHandler) StopJob(w http.ResponseWriter, r *http.Request) {
	s, err := h.jobs.Stop(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// DeleteJob handles DELETE /v1/jobs/{id}
func (h *JobHandler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	purge, _ := strconv.ParseBool(r.URL.Query().Get("purge"))
	if err := h.jobs.Delete(r.Context(), mux.Vars(r)["id"], purge); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetJobEvents handles GET /v1/jobs/{id}/events
func (h *JobHandler) GetJobEvents(w http.ResponseWriter, r *http.Request) {
	n := defaultEventCount
	if q := r.URL.Query().Get("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "n must be a positive integer"})
			return
		}
		n = v
	}
	events, err := h.jobs.Events(mux.Vars(r)["id"], n)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *JobHandler) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, jobmanager.ErrJobNotFound):
		code = http.StatusNotFound
	case errors.Is(err, jobmanager.ErrDuplicateJob):
		code = http.StatusConflict
	case errors.Is(err, jobmanager.ErrInvalidSpec):
		code = http.StatusBadRequest
	case errors.Is(err, jobmanager.ErrClosed):
		code = http.StatusServiceUnavailable
	default:
		h.log.Error("request failed", "error", err)
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

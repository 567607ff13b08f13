package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/shard-recovery/internal/heartbeat"
	"github.com/ChuLiYu/shard-recovery/internal/jobmanager"
	"github.com/ChuLiYu/shard-recovery/internal/journal"
	"github.com/ChuLiYu/shard-recovery/pkg/types"
)

// fakeJobs is an in-memory JobService.
type fakeJobs struct {
	mu         sync.Mutex
	jobs       map[string]types.JobSummary
	created    []types.JobSpec
	deleted    map[string]bool // id -> purge
	heartbeats []types.HeartbeatRecord
	failCreate error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: make(map[string]types.JobSummary), deleted: make(map[string]bool)}
}

func (f *fakeJobs) Create(_ context.Context, spec types.JobSpec) (types.JobSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return types.JobSummary{}, f.failCreate
	}
	if _, ok := f.jobs[spec.ID]; ok {
		return types.JobSummary{}, fmt.Errorf("%w: %s", jobmanager.ErrDuplicateJob, spec.ID)
	}
	f.created = append(f.created, spec)
	s := types.JobSummary{Spec: spec, Status: types.JobRunning}
	f.jobs[spec.ID] = s
	return s, nil
}

func (f *fakeJobs) Get(id string) (types.JobSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.jobs[id]
	if !ok {
		return s, fmt.Errorf("%w: %s", jobmanager.ErrJobNotFound, id)
	}
	return s, nil
}

func (f *fakeJobs) List() []types.JobSummary {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.JobSummary, 0, len(f.jobs))
	for _, s := range f.jobs {
		out = append(out, s)
	}
	return out
}

func (f *fakeJobs) Stop(_ context.Context, id string) (types.JobSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.jobs[id]
	if !ok {
		return s, fmt.Errorf("%w: %s", jobmanager.ErrJobNotFound, id)
	}
	s.Status = types.JobStopped
	f.jobs[id] = s
	return s, nil
}

func (f *fakeJobs) Delete(_ context.Context, id string, purge bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[id]; !ok {
		return fmt.Errorf("%w: %s", jobmanager.ErrJobNotFound, id)
	}
	delete(f.jobs, id)
	f.deleted[id] = purge
	return nil
}

func (f *fakeJobs) Events(id string, n int) ([]journal.Event, error) {
	if _, err := f.Get(id); err != nil {
		return nil, err
	}
	var out []journal.Event
	for i := 0; i < n && i < 3; i++ {
		out = append(out, journal.Event{Seq: uint64(i + 1), Type: journal.EventUnitSpawned, JobID: id, Rank: i})
	}
	return out, nil
}

func (f *fakeJobs) Record(jobID string, rank int, rec types.HeartbeatRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[jobID]; !ok {
		return fmt.Errorf("%w: %s", heartbeat.ErrUnknownJob, jobID)
	}
	f.heartbeats = append(f.heartbeats, rec)
	return nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := do(t, NewRouter(newFakeJobs(), nil), "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestCreateJob(t *testing.T) {
	jobs := newFakeJobs()
	r := NewRouter(jobs, nil)

	rec := do(t, r, "POST", "/v1/jobs", `{"id":"job-a","world_size":2,"heartbeat_timeout":"3s","backoff_base":"250ms"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var s types.JobSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, "job-a", s.Spec.ID)
	assert.Equal(t, types.JobRunning, s.Status)

	require.Len(t, jobs.created, 1)
	assert.Equal(t, 3*time.Second, jobs.created[0].HeartbeatTimeout)
	assert.Equal(t, 250*time.Millisecond, jobs.created[0].BackoffBase)
	assert.Zero(t, jobs.created[0].BackoffMax)

	rec = do(t, r, "POST", "/v1/jobs", `{"id":"job-a"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateJobMaxRestarts(t *testing.T) {
	jobs := newFakeJobs()
	r := NewRouter(jobs, nil)

	require.Equal(t, http.StatusCreated, do(t, r, "POST", "/v1/jobs", `{"id":"omitted"}`).Code)
	require.Equal(t, http.StatusCreated, do(t, r, "POST", "/v1/jobs", `{"id":"zero","max_restarts":0}`).Code)
	require.Equal(t, http.StatusCreated, do(t, r, "POST", "/v1/jobs", `{"id":"five","max_restarts":5}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, "POST", "/v1/jobs", `{"id":"neg","max_restarts":-1}`).Code)

	require.Len(t, jobs.created, 3)
	assert.Zero(t, jobs.created[0].MaxRestarts)
	assert.Equal(t, jobmanager.NoRestarts, jobs.created[1].MaxRestarts)
	assert.Equal(t, 5, jobs.created[2].MaxRestarts)
}

func TestCreateJobBadRequests(t *testing.T) {
	jobs := newFakeJobs()
	r := NewRouter(jobs, nil)

	assert.Equal(t, http.StatusBadRequest, do(t, r, "POST", "/v1/jobs", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, "POST", "/v1/jobs", `{"heartbeat_timeout":"soon"}`).Code)

	jobs.failCreate = fmt.Errorf("%w: world size 0", jobmanager.ErrInvalidSpec)
	assert.Equal(t, http.StatusBadRequest, do(t, r, "POST", "/v1/jobs", `{}`).Code)

	jobs.failCreate = jobmanager.ErrClosed
	assert.Equal(t, http.StatusServiceUnavailable, do(t, r, "POST", "/v1/jobs", `{}`).Code)

	jobs.failCreate = fmt.Errorf("disk on fire")
	rec := do(t, r, "POST", "/v1/jobs", `{}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	assert.Equal(t, "disk on fire", e.Error)
}

func TestGetListStopDelete(t *testing.T) {
	jobs := newFakeJobs()
	r := NewRouter(jobs, nil)
	require.Equal(t, http.StatusCreated, do(t, r, "POST", "/v1/jobs", `{"id":"job-a"}`).Code)

	rec := do(t, r, "GET", "/v1/jobs/job-a", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, "GET", "/v1/jobs/ghost", "").Code)

	rec = do(t, r, "GET", "/v1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []types.JobSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = do(t, r, "POST", "/v1/jobs/job-a/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var s types.JobSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, types.JobStopped, s.Status)

	assert.Equal(t, http.StatusNoContent, do(t, r, "DELETE", "/v1/jobs/job-a?purge=true", "").Code)
	assert.True(t, jobs.deleted["job-a"])
	assert.Equal(t, http.StatusNotFound, do(t, r, "DELETE", "/v1/jobs/job-a", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, "POST", "/v1/jobs/job-a/stop", "").Code)
}

func TestGetJobEvents(t *testing.T) {
	jobs := newFakeJobs()
	r := NewRouter(jobs, nil)
	require.Equal(t, http.StatusCreated, do(t, r, "POST", "/v1/jobs", `{"id":"job-a"}`).Code)

	rec := do(t, r, "GET", "/v1/jobs/job-a/events?n=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []journal.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	assert.Len(t, events, 2)

	assert.Equal(t, http.StatusBadRequest, do(t, r, "GET", "/v1/jobs/job-a/events?n=zero", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, "GET", "/v1/jobs/job-a/events?n=-1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, "GET", "/v1/jobs/ghost/events", "").Code)
}

func TestMethodNotAllowed(t *testing.T) {
	r := NewRouter(newFakeJobs(), nil)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, r, "PUT", "/v1/jobs", "").Code)
}

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/photokeep/photokeep/internal/jobs"
)

func jobsRouter(queue *jobs.Queue) *chi.Mux {
	h := NewJobsHandler(queue)
	r := chi.NewRouter()
	r.Get("/jobs", h.List)
	r.Get("/jobs/{id}", h.Get)
	r.Delete("/jobs/{id}", h.Cancel)
	return r
}

func TestJobsList(t *testing.T) {
	queue := jobs.NewQueue()
	defer queue.Close()

	_, err := queue.Submit(jobs.TypeImageProcessing, jobs.PriorityNormal, nil)
	require.NoError(t, err)
	_, err = queue.Submit(jobs.TypeTraining, jobs.PriorityLow, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	jobsRouter(queue).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp jobListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Jobs, 2)
	assert.Equal(t, 2, resp.Stats.Pending)
}

func TestJobGet(t *testing.T) {
	queue := jobs.NewQueue()
	defer queue.Close()

	job, err := queue.Submit(jobs.TypeImageProcessing, jobs.PriorityHigh, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	jobsRouter(queue).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var view jobs.JobView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, job.ID, view.ID)
	assert.Equal(t, jobs.TypeImageProcessing, view.Type)
}

func TestJobGetUnknown(t *testing.T) {
	queue := jobs.NewQueue()
	defer queue.Close()

	rec := httptest.NewRecorder()
	jobsRouter(queue).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobCancelPending(t *testing.T) {
	queue := jobs.NewQueue()
	defer queue.Close()

	job, err := queue.Submit(jobs.TypeSmartAlbums, jobs.PriorityNormal, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	jobsRouter(queue).ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/jobs/"+job.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, jobs.StatusCancelled, job.Status())
}

func TestJobCancelRunningConflicts(t *testing.T) {
	queue := jobs.NewQueue()
	defer queue.Close()

	job, err := queue.Submit(jobs.TypeImageProcessing, jobs.PriorityNormal, nil)
	require.NoError(t, err)

	running, err := queue.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, job.ID, running.ID)

	rec := httptest.NewRecorder()
	jobsRouter(queue).ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/jobs/"+job.ID, nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

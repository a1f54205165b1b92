package handlers

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/photokeep/photokeep/internal/jobs"
)

// JobsHandler exposes the in-process job queue.
type JobsHandler struct {
	queue *jobs.Queue
}

// NewJobsHandler creates a jobs handler.
func NewJobsHandler(queue *jobs.Queue) *JobsHandler {
	return &JobsHandler{queue: queue}
}

type jobListResponse struct {
	Jobs  []jobs.JobView `json:"jobs"`
	Stats jobs.Stats     `json:"stats"`
}

// List handles GET /api/v1/jobs. Jobs come back newest first.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	views := h.queue.List()
	sort.Slice(views, func(i, j int) bool {
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})
	respondJSON(w, http.StatusOK, jobListResponse{
		Jobs:  views,
		Stats: h.queue.Stats(),
	})
}

// Get handles GET /api/v1/jobs/{id}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job := h.queue.Get(id)
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	respondJSON(w, http.StatusOK, job.View())
}

// Cancel handles DELETE /api/v1/jobs/{id}. Only pending jobs can be
// cancelled.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.queue.Get(id) == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if err := h.queue.Cancel(id); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

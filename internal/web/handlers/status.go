package handlers

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/photokeep/photokeep/internal/database"
)

// failureListLimit bounds how many failed files the status endpoint reports.
const failureListLimit = 20

// ScanIndex is the slice of the file index the status endpoint reads.
type ScanIndex interface {
	Stats(ctx context.Context) (*database.FileIndexStats, error)
	ListFailed(ctx context.Context, limit int) ([]database.FileIndexEntry, error)
}

// ProgressTracker observes files moving through the pipeline so the status
// endpoint can report the current files and a processing rate. Workers call
// FileStarted and FileFinished; the tracker is safe for concurrent use.
type ProgressTracker struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
	firstAt  time.Time
	done     int64
}

// NewProgressTracker returns an empty tracker.
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{inFlight: make(map[string]struct{})}
}

// FileStarted records that a worker picked up path.
func (t *ProgressTracker) FileStarted(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.firstAt.IsZero() {
		t.firstAt = time.Now()
	}
	t.inFlight[path] = struct{}{}
}

// FileFinished records that a worker is done with path, whatever the outcome.
func (t *ProgressTracker) FileFinished(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inFlight, path)
	t.done++
}

// snapshot returns the in-flight paths sorted for stable output and the
// observed rate in files per second. Rate is zero until a file finishes.
func (t *ProgressTracker) snapshot() (current []string, rate float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current = make([]string, 0, len(t.inFlight))
	for path := range t.inFlight {
		current = append(current, path)
	}
	sort.Strings(current)

	if t.done > 0 {
		if elapsed := time.Since(t.firstAt).Seconds(); elapsed > 0 {
			rate = float64(t.done) / elapsed
		}
	}
	return current, rate
}

// StatusHandler reports scan progress over the file index.
type StatusHandler struct {
	index   ScanIndex
	tracker *ProgressTracker
}

// NewStatusHandler creates a status handler.
func NewStatusHandler(index ScanIndex, tracker *ProgressTracker) *StatusHandler {
	return &StatusHandler{index: index, tracker: tracker}
}

type statusResponse struct {
	Total          int64           `json:"total"`
	Processed      int64           `json:"processed"`
	Pending        int64           `json:"pending"`
	Processing     int64           `json:"processing"`
	Completed      int64           `json:"completed"`
	Failed         int64           `json:"failed"`
	Percent        float64         `json:"percent"`
	CurrentFiles   []string        `json:"current_files,omitempty"`
	FilesPerMinute float64         `json:"files_per_minute"`
	ETASeconds     *int64          `json:"eta_seconds,omitempty"`
	Failures       []failureDetail `json:"failures,omitempty"`
}

type failureDetail struct {
	Path        string     `json:"path"`
	Error       string     `json:"error"`
	Retries     int        `json:"retries"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
}

// Get handles GET /api/v1/status.
func (h *StatusHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := h.index.Stats(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "reading file index stats")
		return
	}

	resp := statusResponse{
		Total:      stats.Total(),
		Processed:  stats.Completed + stats.Failed,
		Pending:    stats.Pending,
		Processing: stats.Processing,
		Completed:  stats.Completed,
		Failed:     stats.Failed,
	}
	if resp.Total > 0 {
		resp.Percent = float64(resp.Processed) / float64(resp.Total) * 100
	}

	current, rate := h.tracker.snapshot()
	resp.CurrentFiles = current
	resp.FilesPerMinute = rate * 60
	if remaining := stats.Pending + stats.Processing; remaining > 0 && rate > 0 {
		eta := int64(float64(remaining) / rate)
		resp.ETASeconds = &eta
	}

	if stats.Failed > 0 {
		failed, err := h.index.ListFailed(ctx, failureListLimit)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "reading failed files")
			return
		}
		for _, e := range failed {
			detail := failureDetail{
				Path:        e.SourcePath,
				Retries:     e.RetryCount,
				LastAttempt: e.LastProcessedAt,
			}
			if e.LastError != nil {
				detail.Error = *e.LastError
			}
			resp.Failures = append(resp.Failures, detail)
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

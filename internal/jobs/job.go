// Package jobs provides the in-process priority job queue and the worker
// pool that drains it.
package jobs

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority orders jobs in the queue. Within one priority, jobs run FIFO.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Job statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Job types.
const (
	TypeImageProcessing = "image_processing"
	TypeFaceDetection   = "face_detection"
	TypeObjectDetection = "object_detection"
	TypeSmartAlbums     = "smart_albums"
	TypeTraining        = "training"
	TypeThumbnail       = "thumbnail"
)

// Job is one unit of queued work. Mutable fields are guarded by mu;
// callers read through View.
type Job struct {
	ID       string
	Type     string
	Priority Priority
	Payload  any

	seq uint64 // submission order within a priority

	mu         sync.Mutex
	status     string
	err        string
	errs       []string
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	done       int
	failed     int
	total      int
}

func newJob(jobType string, priority Priority, payload any, seq uint64) *Job {
	return &Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		Priority:  priority,
		Payload:   payload,
		seq:       seq,
		status:    StatusPending,
		createdAt: time.Now(),
	}
}

// Status returns the job's current status.
func (j *Job) Status() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// SetProgress updates the job's progress counters.
func (j *Job) SetProgress(done, total int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.done = done
	j.total = total
}

// AddItemError records one failed item without failing the whole job.
func (j *Job) AddItemError(msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.failed++
	j.errs = append(j.errs, msg)
}

// terminal reports whether the job has finished in any way.
func terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// JobView is an immutable snapshot for status reporting.
type JobView struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Priority   string    `json:"priority"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Errors     []string  `json:"errors,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	StartedAt  time.Time `json:"startedAt,omitzero"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
	Done       int       `json:"done"`
	Failed     int       `json:"failed"`
	Total      int       `json:"total"`
	Progress   float64   `json:"progress"` // percent
}

// View snapshots the job.
func (j *Job) View() JobView {
	j.mu.Lock()
	defer j.mu.Unlock()
	view := JobView{
		ID:         j.ID,
		Type:       j.Type,
		Priority:   j.Priority.String(),
		Status:     j.status,
		Error:      j.err,
		Errors:     append([]string(nil), j.errs...),
		CreatedAt:  j.createdAt,
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
		Done:       j.done,
		Failed:     j.failed,
		Total:      j.total,
	}
	if j.total > 0 {
		view.Progress = float64(j.done) / float64(j.total) * 100
	}
	return view
}

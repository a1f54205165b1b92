package jobs

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrQueueClosed is returned by Next after Close.
var ErrQueueClosed = errors.New("job queue closed")

// cleanupAge is how long terminal jobs stay visible before Cleanup drops
// them.
const cleanupAge = 24 * time.Hour

// Queue is a priority FIFO of jobs. Higher priority first; equal priority
// in submission order.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	heap   jobHeap
	jobs   map[string]*Job
	seq    uint64
	closed bool
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	q := &Queue{jobs: make(map[string]*Job)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Submit enqueues a job and returns it.
func (q *Queue) Submit(jobType string, priority Priority, payload any) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	q.seq++
	job := newJob(jobType, priority, payload, q.seq)
	q.jobs[job.ID] = job
	heap.Push(&q.heap, job)
	q.cond.Signal()

	logrus.WithFields(logrus.Fields{
		"job":      job.ID,
		"type":     jobType,
		"priority": priority.String(),
	}).Debug("job submitted")
	return job, nil
}

// Next blocks until a job is available, the context is cancelled, or the
// queue is closed. The returned job is already marked running.
func (q *Queue) Next(ctx context.Context) (*Job, error) {
	// Wake the cond wait when the context ends.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if q.heap.Len() > 0 {
			job := heap.Pop(&q.heap).(*Job)
			// Cancelled while queued: skip.
			if job.Status() != StatusPending {
				continue
			}
			job.mu.Lock()
			job.status = StatusRunning
			job.startedAt = time.Now()
			job.mu.Unlock()
			return job, nil
		}
		if q.closed {
			return nil, ErrQueueClosed
		}
		q.cond.Wait()
	}
}

// Finish marks a running job completed or failed.
func (q *Queue) Finish(job *Job, err error) {
	job.mu.Lock()
	defer job.mu.Unlock()

	job.finishedAt = time.Now()
	if err != nil {
		job.status = StatusFailed
		job.err = err.Error()
	} else {
		job.status = StatusCompleted
	}
}

// Cancel cancels a pending job. Running jobs cannot be cancelled through
// the queue; their context handles that.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	job, ok := q.jobs[id]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}

	job.mu.Lock()
	defer job.mu.Unlock()
	if job.status != StatusPending {
		return fmt.Errorf("job %s is %s, only pending jobs can be cancelled", id, job.status)
	}
	job.status = StatusCancelled
	job.finishedAt = time.Now()
	return nil
}

// Get returns a job by id, nil when unknown.
func (q *Queue) Get(id string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs[id]
}

// List snapshots all tracked jobs.
func (q *Queue) List() []JobView {
	q.mu.Lock()
	jobs := make([]*Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		jobs = append(jobs, j)
	}
	q.mu.Unlock()

	views := make([]JobView, len(jobs))
	for i, j := range jobs {
		views[i] = j.View()
	}
	return views
}

// Stats counts jobs per status.
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Stats counts tracked jobs by status.
func (q *Queue) Stats() Stats {
	var stats Stats
	for _, v := range q.List() {
		switch v.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

// Cleanup drops terminal jobs older than cleanupAge and returns how many
// were removed.
func (q *Queue) Cleanup() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-cleanupAge)
	removed := 0
	for id, job := range q.jobs {
		view := job.View()
		if terminal(view.Status) && !view.FinishedAt.IsZero() && view.FinishedAt.Before(cutoff) {
			delete(q.jobs, id)
			removed++
		}
	}
	return removed
}

// Close stops Next from returning further jobs.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// jobHeap orders by priority descending, then submission order ascending.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*Job)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}

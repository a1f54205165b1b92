package jobs

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

// Handler executes one job. A non-nil error marks the job failed.
type Handler func(ctx context.Context, job *Job) error

// Pool drains a Queue with a fixed number of workers.
type Pool struct {
	queue    *Queue
	workers  int
	handlers map[string]Handler

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool builds a pool over the queue. Zero or negative workers defaults
// to the number of CPUs.
func NewPool(queue *Queue, workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{
		queue:    queue,
		workers:  workers,
		handlers: make(map[string]Handler),
	}
}

// Register installs the handler for a job type. Must be called before
// Start.
func (p *Pool) Register(jobType string, handler Handler) {
	p.handlers[jobType] = handler
}

// Start launches the workers. They run until Stop or the context ends.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := range p.workers {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	logrus.WithField("workers", p.workers).Info("worker pool started")
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	log := logrus.WithField("worker", id)
	for {
		job, err := p.queue.Next(ctx)
		if err != nil {
			return
		}

		handler, ok := p.handlers[job.Type]
		if !ok {
			p.queue.Finish(job, fmt.Errorf("no handler registered for job type %q", job.Type))
			log.WithField("type", job.Type).Error("unhandled job type")
			continue
		}

		p.queue.Finish(job, p.run(ctx, handler, job))

		view := job.View()
		entry := log.WithFields(logrus.Fields{
			"job":      job.ID,
			"type":     job.Type,
			"duration": view.FinishedAt.Sub(view.StartedAt).String(),
		})
		if view.Status == StatusFailed {
			entry.WithField("error", view.Error).Warn("job failed")
		} else {
			entry.Debug("job completed")
		}
	}
}

// run executes the handler, converting a panic into a job failure so one
// bad image cannot take down a worker.
func (p *Pool) run(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

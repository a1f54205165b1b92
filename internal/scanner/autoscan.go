package scanner

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/photokeep/photokeep/internal/config"
	"github.com/photokeep/photokeep/internal/database"
	"github.com/photokeep/photokeep/internal/jobs"
)

// Batch is the payload of an image_processing job: the pending files one
// auto-scan tick picked up.
type Batch struct {
	Entries []database.FileIndexEntry
}

// AutoScanner periodically pulls pending files from the file index and
// submits them to the job queue. One instance runs per process; a tick is
// skipped while the previous batch is still in flight.
type AutoScanner struct {
	scanner     *Scanner
	index       database.FileIndexRepository
	queue       *jobs.Queue
	interval    time.Duration
	startDelay  time.Duration
	rewalkEvery time.Duration
	batchSize   int
	fileTimeout time.Duration
	maxRetries  int

	current  *jobs.Job
	lastWalk time.Time
}

// NewAutoScanner wires the loop from configuration.
func NewAutoScanner(cfg *config.Config, scanner *Scanner, index database.FileIndexRepository, queue *jobs.Queue) *AutoScanner {
	return &AutoScanner{
		scanner:     scanner,
		index:       index,
		queue:       queue,
		interval:    cfg.AutoScanInterval(),
		startDelay:  cfg.AutoScanStartDelay(),
		rewalkEvery: time.Duration(cfg.AutoScan.RewalkMinutes) * time.Minute,
		batchSize:   cfg.Server.ScanBatchSize,
		fileTimeout: cfg.FileTimeout(),
		maxRetries:  cfg.Processing.MaxRetries,
	}
}

// Run ticks until the context ends. It never returns a batch error; a bad
// tick is logged and the next tick tries again.
func (a *AutoScanner) Run(ctx context.Context) {
	if a.startDelay > 0 {
		select {
		case <-time.After(a.startDelay):
		case <-ctx.Done():
			return
		}
	}

	logrus.WithField("interval", a.interval.String()).Info("auto-scanner started")
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *AutoScanner) tick(ctx context.Context) {
	if a.current != nil && !a.currentFinished() {
		logrus.Debug("auto-scan tick skipped, batch still in flight")
		return
	}
	a.current = nil

	a.housekeep(ctx)

	if a.rewalkDue() {
		if _, err := a.scanner.Scan(ctx); err != nil {
			logrus.WithError(err).Warn("source re-walk failed")
		} else {
			a.lastWalk = time.Now()
		}
	}

	entries, err := a.index.GetPending(ctx, a.batchSize)
	if err != nil {
		logrus.WithError(err).Error("cannot list pending files")
		return
	}
	if len(entries) == 0 {
		return
	}

	job, err := a.queue.Submit(jobs.TypeImageProcessing, jobs.PriorityNormal, Batch{Entries: entries})
	if err != nil {
		logrus.WithError(err).Error("cannot submit processing batch")
		return
	}
	job.SetProgress(0, len(entries))
	a.current = job
	logrus.WithFields(logrus.Fields{
		"job":   job.ID,
		"files": len(entries),
	}).Info("processing batch submitted")
}

// housekeep recovers rows stuck by crashed workers and requeues failures
// still under the retry budget.
func (a *AutoScanner) housekeep(ctx context.Context) {
	if reset, err := a.index.ResetStale(ctx, a.fileTimeout); err != nil {
		logrus.WithError(err).Warn("cannot reset stale files")
	} else if reset > 0 {
		logrus.WithField("files", reset).Warn("reset stale processing files")
	}

	if requeued, err := a.index.Requeue(ctx, a.maxRetries); err != nil {
		logrus.WithError(err).Warn("cannot requeue failed files")
	} else if requeued > 0 {
		logrus.WithField("files", requeued).Info("requeued failed files")
	}
}

func (a *AutoScanner) currentFinished() bool {
	switch a.current.Status() {
	case jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusCancelled:
		return true
	}
	return false
}

func (a *AutoScanner) rewalkDue() bool {
	if a.rewalkEvery <= 0 {
		return a.lastWalk.IsZero()
	}
	return time.Since(a.lastWalk) >= a.rewalkEvery
}

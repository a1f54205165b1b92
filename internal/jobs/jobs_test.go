package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePriorityOrdering(t *testing.T) {
	q := NewQueue()

	low, err := q.Submit(TypeThumbnail, PriorityLow, nil)
	require.NoError(t, err)
	high, err := q.Submit(TypeImageProcessing, PriorityHigh, nil)
	require.NoError(t, err)
	normal, err := q.Submit(TypeSmartAlbums, PriorityNormal, nil)
	require.NoError(t, err)

	ctx := context.Background()
	for _, want := range []*Job{high, normal, low} {
		got, err := q.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, StatusRunning, got.Status())
	}
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := NewQueue()

	var ids []string
	for range 5 {
		job, err := q.Submit(TypeImageProcessing, PriorityNormal, nil)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	ctx := context.Background()
	for _, want := range ids {
		got, err := q.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got.ID)
	}
}

func TestQueueNextBlocksUntilSubmit(t *testing.T) {
	q := NewQueue()

	got := make(chan *Job, 1)
	go func() {
		job, err := q.Next(context.Background())
		if err == nil {
			got <- job
		}
	}()

	time.Sleep(20 * time.Millisecond)
	submitted, err := q.Submit(TypeThumbnail, PriorityNormal, nil)
	require.NoError(t, err)

	select {
	case job := <-got:
		assert.Equal(t, submitted.ID, job.ID)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Submit")
	}
}

func TestQueueNextHonoursContext(t *testing.T) {
	q := NewQueue()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueEachJobDequeuedOnce(t *testing.T) {
	q := NewQueue()

	const n = 50
	for range n {
		_, err := q.Submit(TypeImageProcessing, PriorityNormal, nil)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[string]int)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
				job, err := q.Next(ctx)
				cancel()
				if err != nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equalf(t, 1, count, "job %s dequeued %d times", id, count)
	}
}

func TestQueueCancelPendingOnly(t *testing.T) {
	q := NewQueue()

	job, err := q.Submit(TypeTraining, PriorityNormal, nil)
	require.NoError(t, err)
	require.NoError(t, q.Cancel(job.ID))
	assert.Equal(t, StatusCancelled, job.Status())

	// Cancelled jobs never come out of the queue.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = q.Next(ctx)
	require.Error(t, err)

	// A running job cannot be cancelled.
	running, err := q.Submit(TypeTraining, PriorityNormal, nil)
	require.NoError(t, err)
	_, err = q.Next(context.Background())
	require.NoError(t, err)
	require.Error(t, q.Cancel(running.ID))

	require.Error(t, q.Cancel("no-such-job"))
}

func TestQueueStatsAndCleanup(t *testing.T) {
	q := NewQueue()

	pending, err := q.Submit(TypeThumbnail, PriorityNormal, nil)
	require.NoError(t, err)
	_ = pending

	done, err := q.Submit(TypeThumbnail, PriorityHigh, nil)
	require.NoError(t, err)
	got, err := q.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, done.ID, got.ID)
	q.Finish(got, nil)

	failed, err := q.Submit(TypeThumbnail, PriorityHigh, nil)
	require.NoError(t, err)
	got, err = q.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, failed.ID, got.ID)
	q.Finish(got, errors.New("boom"))

	stats := q.Stats()
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)

	// Nothing is old enough to clean up yet.
	assert.Equal(t, 0, q.Cleanup())

	// Age the finished jobs past the retention window.
	for _, job := range []*Job{done, failed} {
		job.mu.Lock()
		job.finishedAt = time.Now().Add(-25 * time.Hour)
		job.mu.Unlock()
	}
	assert.Equal(t, 2, q.Cleanup())
	assert.Len(t, q.List(), 1)
}

func TestQueueClose(t *testing.T) {
	q := NewQueue()
	q.Close()

	_, err := q.Submit(TypeThumbnail, PriorityNormal, nil)
	require.ErrorIs(t, err, ErrQueueClosed)

	_, err = q.Next(context.Background())
	require.ErrorIs(t, err, ErrQueueClosed)
}

func TestPoolRunsJobs(t *testing.T) {
	q := NewQueue()
	pool := NewPool(q, 2)

	var mu sync.Mutex
	handled := make(map[string]bool)
	pool.Register(TypeImageProcessing, func(_ context.Context, job *Job) error {
		mu.Lock()
		handled[job.ID] = true
		mu.Unlock()
		return nil
	})

	pool.Start(context.Background())
	defer pool.Stop()

	var jobs []*Job
	for range 10 {
		job, err := q.Submit(TypeImageProcessing, PriorityNormal, nil)
		require.NoError(t, err)
		jobs = append(jobs, job)
	}

	require.Eventually(t, func() bool {
		for _, job := range jobs {
			if job.Status() != StatusCompleted {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, handled, 10)
}

func TestPoolMarksFailures(t *testing.T) {
	q := NewQueue()
	pool := NewPool(q, 1)
	pool.Register(TypeSmartAlbums, func(context.Context, *Job) error {
		return errors.New("not enough faces")
	})

	pool.Start(context.Background())
	defer pool.Stop()

	job, err := q.Submit(TypeSmartAlbums, PriorityNormal, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return job.Status() == StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, job.View().Error, "not enough faces")
}

func TestPoolRecoversFromPanic(t *testing.T) {
	q := NewQueue()
	pool := NewPool(q, 1)
	pool.Register(TypeImageProcessing, func(context.Context, *Job) error {
		panic("corrupt frame")
	})
	pool.Register(TypeThumbnail, func(context.Context, *Job) error { return nil })

	pool.Start(context.Background())
	defer pool.Stop()

	bad, err := q.Submit(TypeImageProcessing, PriorityNormal, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bad.Status() == StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, bad.View().Error, "panicked")

	// The worker survives and keeps draining.
	next, err := q.Submit(TypeThumbnail, PriorityNormal, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return next.Status() == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolUnregisteredTypeFails(t *testing.T) {
	q := NewQueue()
	pool := NewPool(q, 1)
	pool.Start(context.Background())
	defer pool.Stop()

	job, err := q.Submit("mystery", PriorityNormal, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return job.Status() == StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, job.View().Error, "no handler")
}

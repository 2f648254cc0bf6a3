// internal/delivery/cleanup.go
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/tgmux/internal/types"
)

// Job is one durable-store mutation scheduled after a batch was handed off.
type Job func(ctx context.Context) error

// CleanupQueue runs removal jobs on per-session FIFO lanes. Jobs of one
// session run in order; the semaphore limits how many lanes run a job at
// the same time.
type CleanupQueue struct {
	lanes     map[types.SessionID]chan Job
	semaphore *semaphore.Weighted
	pending   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewCleanupQueue creates a queue allowing maxConcurrent jobs at once.
func NewCleanupQueue(maxConcurrent int64) *CleanupQueue {
	return &CleanupQueue{
		lanes:     make(map[types.SessionID]chan Job),
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *CleanupQueue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop closes all lanes, lets queued jobs finish and then cancels the
// queue context.
func (q *CleanupQueue) Stop() {
	q.mu.Lock()
	for id, lane := range q.lanes {
		close(lane)
		delete(q.lanes, id)
	}
	q.mu.Unlock()
	q.wg.Wait()
	if q.cancel != nil {
		q.cancel()
	}
}

// Enqueue adds job to the session's lane, creating the lane on first use.
func (q *CleanupQueue) Enqueue(id types.SessionID, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	lane, exists := q.lanes[id]
	if !exists {
		lane = make(chan Job, 100)
		q.lanes[id] = lane
		q.wg.Add(1)
		go q.processLane(id, lane)
	}

	q.pending.Add(1)
	select {
	case lane <- job:
		return nil
	default:
		q.pending.Add(-1)
		return fmt.Errorf("cleanup queue full for session %s", id.Redacted())
	}
}

// Release closes the session's lane. Jobs already queued still run.
func (q *CleanupQueue) Release(id types.SessionID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if lane, ok := q.lanes[id]; ok {
		close(lane)
		delete(q.lanes, id)
	}
}

func (q *CleanupQueue) processLane(id types.SessionID, lane chan Job) {
	defer q.wg.Done()
	for job := range lane {
		if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
			return
		}
		if err := job(q.ctx); err != nil {
			slog.Error("cleanup job failed", "session", id.Redacted(), "error", err)
		}
		q.pending.Add(-1)
		q.semaphore.Release(1)
	}
}

// WaitIdle blocks until every enqueued job has run, or the timeout
// expires. Returns true if idle.
func (q *CleanupQueue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.pending.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// internal/download/cache.go
package download

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/tgmux/internal/state"
	"github.com/user/tgmux/internal/types"
)

const DefaultWaitInterval = 5 * time.Second

// Fetcher streams a remote file starting at a byte offset.
type Fetcher interface {
	DownloadChunks(ctx context.Context, fileID string, offset int64) iter.Seq2[[]byte, error]
}

type Options struct {
	// MaxConcurrent bounds the fetches running at once. Zero means 4.
	MaxConcurrent int64
	// WaitInterval bounds how long a reader waits before re-checking the
	// task.
	WaitInterval time.Duration
}

// Cache serves one session's files from the chunk store, running at most
// one fetch per file id. Readers of an in-flight file each receive every
// chunk.
type Cache struct {
	fetcher Fetcher
	chunks  *state.ChunkStore
	sem     *semaphore.Weighted
	wait    time.Duration
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*task
}

// task is one running fetch. changed is closed and replaced whenever parts
// or done change.
type task struct {
	mu      sync.Mutex
	parts   int
	done    bool
	err     error
	changed chan struct{}
}

type progress struct {
	parts   int
	done    bool
	err     error
	changed <-chan struct{}
}

func (t *task) snapshot() progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return progress{parts: t.parts, done: t.done, err: t.err, changed: t.changed}
}

func (t *task) advance(parts int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.parts = parts
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *task) finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	t.err = err
	close(t.changed)
	t.changed = make(chan struct{})
}

// NewCache creates the download cache of one session.
func NewCache(id types.SessionID, fetcher Fetcher, chunks *state.ChunkStore, opts Options) *Cache {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.WaitInterval <= 0 {
		opts.WaitInterval = DefaultWaitInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		fetcher: fetcher,
		chunks:  chunks,
		sem:     semaphore.NewWeighted(opts.MaxConcurrent),
		wait:    opts.WaitInterval,
		logger:  slog.Default().With("component", "download", "session", id.Redacted()),
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(map[string]*task),
	}
}

// Stream yields the chunks of fileID in order, persisted ones first. It can
// be called again at any time; stored chunks are never fetched twice. A
// fetch failure is yielded as the final error and leaves the stored prefix
// in place for the next call to resume from.
func (c *Cache) Stream(ctx context.Context, fileID string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		st, err := c.chunks.State(fileID)
		if err != nil {
			yield(nil, err)
			return
		}

		var t *task
		if !st.Complete {
			if t, err = c.ensureTask(fileID); err != nil {
				yield(nil, err)
				return
			}
		}

		next := 0
		for {
			p := progress{parts: st.Parts, done: true}
			if t != nil {
				p = t.snapshot()
			}

			for ; next < p.parts; next++ {
				data, err := c.chunks.Read(fileID, next)
				if err != nil {
					yield(nil, err)
					return
				}
				if !yield(data, nil) {
					return
				}
			}
			if p.done {
				if p.err != nil {
					yield(nil, p.err)
				}
				return
			}

			timer := time.NewTimer(c.wait)
			select {
			case <-p.changed:
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				yield(nil, ctx.Err())
				return
			}
			timer.Stop()
		}
	}
}

// ensureTask returns the running task for fileID, starting one when none
// runs. The store is checked again under the lock so a fetch that just
// completed is not repeated.
func (c *Cache) ensureTask(fileID string) (*task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.tasks[fileID]; ok {
		return t, nil
	}
	st, err := c.chunks.State(fileID)
	if err != nil {
		return nil, err
	}
	if st.Complete {
		return &task{parts: st.Parts, done: true, changed: make(chan struct{})}, nil
	}
	if err := c.ctx.Err(); err != nil {
		return nil, err
	}

	t := &task{parts: st.Parts, changed: make(chan struct{})}
	c.tasks[fileID] = t
	c.wg.Add(1)
	go c.fetch(fileID, t, st)
	return t, nil
}

func (c *Cache) fetch(fileID string, t *task, st types.DownloadState) {
	defer c.wg.Done()
	err := c.runFetch(fileID, t, st)
	if err != nil {
		c.logger.Warn("download failed", "file_id", fileID, "error", err)
	}

	c.mu.Lock()
	delete(c.tasks, fileID)
	c.mu.Unlock()
	t.finish(err)
}

func (c *Cache) runFetch(fileID string, t *task, st types.DownloadState) error {
	if err := c.sem.Acquire(c.ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	c.logger.Debug("download started", "file_id", fileID, "offset", st.Offset, "parts", st.Parts)
	n := st.Parts
	for chunk, err := range c.fetcher.DownloadChunks(c.ctx, fileID, st.Offset) {
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			continue
		}
		if err := c.chunks.Write(fileID, n, chunk); err != nil {
			return err
		}
		n++
		t.advance(n)
	}
	if err := c.chunks.MarkComplete(fileID); err != nil {
		return err
	}
	c.logger.Debug("download complete", "file_id", fileID, "parts", n)
	return nil
}

// Active reports whether any fetch is running.
func (c *Cache) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks) > 0
}

// Close cancels running fetches and waits for them to stop.
func (c *Cache) Close() {
	c.cancel()
	c.wg.Wait()
}

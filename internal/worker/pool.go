// internal/worker/pool.go
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/user/tgmux/internal/session"
	"github.com/user/tgmux/internal/state"
	"github.com/user/tgmux/internal/types"
)

// Pool shards sessions across workers. A session is pinned to the worker
// chosen on first touch for the life of the process.
type Pool struct {
	workers []*Worker
	calls   []*callTable
	kvdir   *state.KVDir

	mu     sync.RWMutex
	assign map[types.SessionID]int
	// reserved counts placements whose first call has not returned yet.
	reserved []int
	group    singleflight.Group

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// callTable maps outstanding call tokens of one worker to their waiters.
type callTable struct {
	mu      sync.Mutex
	waiters map[types.CallToken]chan Result
}

func (t *callTable) add(token types.CallToken) chan Result {
	ch := make(chan Result, 1)
	t.mu.Lock()
	t.waiters[token] = ch
	t.mu.Unlock()
	return ch
}

// remove forgets token. It reports false when the result was already
// handed to the waiter's channel.
func (t *callTable) remove(token types.CallToken) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.waiters[token]
	delete(t.waiters, token)
	return ok
}

func (t *callTable) resolve(res Result) bool {
	t.mu.Lock()
	ch, ok := t.waiters[res.Token]
	delete(t.waiters, res.Token)
	t.mu.Unlock()
	if ok {
		ch <- res
	}
	return ok
}

// NewPool creates n workers, each with the cache built by newCache.
func NewPool(n int, dataDir string, newCache func(index int) *session.Cache) *Pool {
	p := &Pool{
		kvdir:  state.NewKVDir(dataDir),
		assign:   make(map[types.SessionID]int),
		reserved: make([]int, n),
	}
	for i := range n {
		p.workers = append(p.workers, NewWorker(i, newCache(i)))
		p.calls = append(p.calls, &callTable{waiters: make(map[types.CallToken]chan Result)})
	}
	return p
}

// Start runs every worker and its reply dispatcher until Stop.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i, w := range p.workers {
		p.wg.Add(2)
		go func() {
			defer p.wg.Done()
			w.Run(ctx)
		}()
		go func() {
			defer p.wg.Done()
			p.dispatchReplies(ctx, i, p.calls[i])
		}()
		slog.Info("started worker", "worker", i)
	}
}

func (p *Pool) dispatchReplies(ctx context.Context, index int, calls *callTable) {
	for {
		select {
		case res := <-p.workers[index].replies:
			if !calls.resolve(res) {
				p.abandon(index, res)
			}
		case <-ctx.Done():
			return
		}
	}
}

// abandon releases what an unclaimed result holds on its worker.
func (p *Pool) abandon(index int, res Result) {
	if res.Stream == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := p.Call(ctx, index, Request{Op: OpCloseStream, Stream: res.Stream}); err != nil {
			slog.Warn("failed to close abandoned stream", "worker", index, "error", err)
		}
	}()
}

// Stop halts the workers' inbox loops and dispatchers.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Lookup returns the worker id is pinned to, if any.
func (p *Pool) Lookup(id types.SessionID) (int, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	index, ok := p.assign[id]
	return index, ok
}

// place returns the worker of id, pinning it on first touch to the worker
// with the fewest live sessions. Ties go to the lowest index and an empty
// worker is taken immediately. placed is true for the caller that pinned
// the id; it must call release once its first call returns.
func (p *Pool) place(ctx context.Context, id types.SessionID) (index int, placed bool, err error) {
	if index, ok := p.Lookup(id); ok {
		return index, false, nil
	}

	v, err, _ := p.group.Do(string(id), func() (any, error) {
		if index, ok := p.Lookup(id); ok {
			return index, nil
		}
		counts, err := p.SessionCounts(ctx)
		if err != nil {
			return 0, err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		for i := range counts {
			counts[i] += p.reserved[i]
		}
		index := leastLoaded(counts)
		p.assign[id] = index
		p.reserved[index]++
		placed = true
		return index, nil
	})
	if err != nil {
		return 0, false, err
	}
	return v.(int), placed, nil
}

func (p *Pool) release(index int) {
	p.mu.Lock()
	p.reserved[index]--
	p.mu.Unlock()
}

func leastLoaded(loads []int) int {
	best := 0
	for i, load := range loads {
		if load == 0 {
			return i
		}
		if load < loads[best] {
			best = i
		}
	}
	return best
}

// Call sends req to worker index and waits for the correlated result.
// Calls are independent and may run concurrently on the same worker.
func (p *Pool) Call(ctx context.Context, index int, req Request) (Result, error) {
	if index < 0 || index >= len(p.workers) {
		return Result{}, fmt.Errorf("no worker %d", index)
	}
	req.Token = types.NewCallToken()
	req.ctx = ctx
	calls := p.calls[index]
	ch := calls.add(req.Token)

	select {
	case p.workers[index].inbox <- req:
	case <-ctx.Done():
		calls.remove(req.Token)
		return Result{}, ctx.Err()
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		if !calls.remove(req.Token) {
			p.abandon(index, <-ch)
		}
		return Result{}, ctx.Err()
	}
}

// Do places req.Session and calls its worker. Ids that cannot name a
// session are rejected here and never pinned.
func (p *Pool) Do(ctx context.Context, req Request) (Result, error) {
	if req.Op == OpServe && dropped(req) {
		return Result{Drop: true}, nil
	}
	if err := req.Session.Validate(); err != nil {
		res, _ := errorResult(err)
		return res, nil
	}
	index, placed, err := p.place(ctx, req.Session)
	if err != nil {
		return Result{}, err
	}
	if placed {
		defer p.release(index)
	}
	return p.Call(ctx, index, req)
}

// RestoreWebhooks starts the webhook loop of every stored session that has
// a registered webhook. It returns how many loops were started.
func (p *Pool) RestoreWebhooks(ctx context.Context) (int, error) {
	ids, err := p.kvdir.List()
	if err != nil {
		return 0, err
	}

	var started atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range ids {
		g.Go(func() error {
			hook, err := storedWebhook(ctx, p.kvdir, id)
			if err != nil {
				slog.Warn("skipping unreadable session store", "session", id.Redacted(), "error", err)
				return nil
			}
			if hook == "" {
				return nil
			}
			res, err := p.Do(ctx, Request{Op: OpStartWebhookLoop, Session: id})
			if err != nil {
				return err
			}
			if err := res.Err(); err != nil {
				slog.Warn("failed to start webhook loop", "session", id.Redacted(), "error", err)
				return nil
			}
			var running bool
			if json.Unmarshal(res.Body, &running) == nil && running {
				started.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()
	return int(started.Load()), err
}

func storedWebhook(ctx context.Context, dir *state.KVDir, id types.SessionID) (string, error) {
	kv, err := dir.Open(id)
	if err != nil {
		return "", err
	}
	defer kv.Close()
	return state.NewPendingStore(kv).Webhook(ctx)
}

// Stats collects the stats of every worker in index order.
func (p *Pool) Stats(ctx context.Context) ([]types.WorkerStats, error) {
	stats := make([]types.WorkerStats, len(p.workers))
	g, ctx := errgroup.WithContext(ctx)
	for i := range p.workers {
		g.Go(func() error {
			res, err := p.Call(ctx, i, Request{Op: OpStats})
			if err != nil {
				return err
			}
			if res.Stats != nil {
				stats[i] = *res.Stats
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}

// SessionCounts returns the live session count of every worker.
func (p *Pool) SessionCounts(ctx context.Context) ([]int, error) {
	counts := make([]int, len(p.workers))
	for i := range p.workers {
		res, err := p.Call(ctx, i, Request{Op: OpSessionCount})
		if err != nil {
			return nil, err
		}
		counts[i] = res.Count
	}
	return counts, nil
}

// Unload evicts every session on every worker.
func (p *Pool) Unload(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range p.workers {
		g.Go(func() error {
			_, err := p.Call(ctx, i, Request{Op: OpUnload})
			return err
		})
	}
	return g.Wait()
}

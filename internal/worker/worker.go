// internal/worker/worker.go
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/tgmux/internal/session"
	"github.com/user/tgmux/internal/types"
)

var errUnloaded = errors.New("worker unloaded")

// Worker owns one shard of sessions. Requests arrive on its inbox and each
// is handled on its own goroutine; answers leave through its reply channel
// in completion order.
type Worker struct {
	index   int
	cache   *session.Cache
	inbox   chan Request
	replies chan Result
	logger  *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	unloaded atomic.Bool
	wg       sync.WaitGroup

	streamsMu sync.Mutex
	streams   map[types.StreamToken]*stream
}

// stream is a pulled download iterator. Calls to next are serialized.
type stream struct {
	mu   sync.Mutex
	next func() ([]byte, error, bool)
	stop func()
}

// NewWorker creates worker index over its own session cache.
func NewWorker(index int, cache *session.Cache) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		index:   index,
		cache:   cache,
		inbox:   make(chan Request, 64),
		replies: make(chan Result, 64),
		logger:  slog.Default().With("component", "worker", "worker", index),
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[types.StreamToken]*stream),
	}
}

// Run serves the inbox until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case req := <-w.inbox:
			w.wg.Add(1)
			go w.handle(req)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) handle(req Request) {
	defer w.wg.Done()
	ctx := req.ctx
	if ctx == nil {
		ctx = w.ctx
	}
	w.logger.Debug("in", "token", req.Token, "op", req.Op, "method", req.Method)

	res := w.safeDispatch(ctx, req)
	res.Token = req.Token

	w.logger.Debug("out", "token", req.Token, "op", req.Op, "status", res.Status)
	w.replies <- res
}

func (w *Worker) safeDispatch(ctx context.Context, req Request) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panicked", "token", req.Token, "op", req.Op, "panic", r, "stack", string(debug.Stack()))
			res = internalResult()
		}
	}()

	res, err := w.dispatch(ctx, req)
	if err == nil {
		return res
	}
	res, expected := errorResult(err)
	if !expected {
		w.logger.Error("unexpected error", "token", req.Token, "op", req.Op, "error", err)
	}
	return res
}

func (w *Worker) dispatch(ctx context.Context, req Request) (Result, error) {
	switch req.Op {
	case OpSessionCount:
		return Result{Status: 200, Count: w.cache.Count()}, nil
	case OpStats:
		stats := w.stats()
		return Result{Status: 200, Stats: &stats}, nil
	case OpUnload:
		w.unload()
		return ok(nil), nil
	case OpNext:
		return w.next(req.Stream)
	case OpCloseStream:
		w.closeStream(req.Stream)
		return ok(nil), nil
	}

	if w.unloaded.Load() {
		return Result{}, errUnloaded
	}

	switch req.Op {
	case OpServe:
		return w.serve(ctx, req)
	case OpInvoke:
		return w.invoke(ctx, req)
	case OpGetUpdates:
		return w.getUpdates(ctx, req)
	case OpSetWebhook:
		return w.setWebhook(ctx, req)
	case OpDeleteWebhook:
		s, err := w.cache.Open(ctx, req.Session)
		if err != nil {
			return Result{}, err
		}
		if err := s.Delivery.DeleteWebhook(ctx); err != nil {
			return Result{}, err
		}
		return ok("Webhook was deleted."), nil
	case OpDropPendingUpdates:
		s, err := w.cache.Open(ctx, req.Session)
		if err != nil {
			return Result{}, err
		}
		if err := s.Delivery.DropPending(ctx); err != nil {
			return Result{}, err
		}
		return ok(nil), nil
	case OpStartWebhookLoop:
		s, err := w.cache.Open(ctx, req.Session)
		if err != nil {
			return Result{}, err
		}
		return ok(s.Delivery.StartWebhookLoop()), nil
	case OpDownload:
		return w.download(req)
	}
	return Result{}, fmt.Errorf("unknown op %q", req.Op)
}

// dropped reports whether a pass-through request gets no response at all.
func dropped(req Request) bool {
	return strings.TrimSpace(string(req.Session)) == "" || !IsAllowedMethod(req.Method)
}

func (w *Worker) serve(ctx context.Context, req Request) (Result, error) {
	if dropped(req) {
		return Result{Drop: true}, nil
	}
	s, err := w.cache.Get(ctx, req.Session)
	if err != nil {
		return Result{}, err
	}
	body, err := w.cache.Call(ctx, s, req.Method, req.Args)
	if err != nil {
		return Result{}, err
	}
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	return Result{Status: 200, Body: body}, nil
}

func (w *Worker) invoke(ctx context.Context, req Request) (Result, error) {
	if len(req.Args) != 1 {
		return Result{}, types.NewInputError("A single argument was expected.")
	}
	var fn struct {
		Name string `json:"_"`
	}
	if err := json.Unmarshal(req.Args[0], &fn); err != nil || fn.Name == "" {
		return Result{}, types.NewInputError("Expected a function")
	}
	if !IsFunctionAllowed(fn.Name) {
		return Result{}, types.NewInputError("Unallowed function")
	}
	s, err := w.cache.Get(ctx, req.Session)
	if err != nil {
		return Result{}, err
	}
	body, err := w.cache.Invoke(ctx, s, req.Args[0])
	if err != nil {
		return Result{}, err
	}
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	return Result{Status: 200, Body: body}, nil
}

func (w *Worker) getUpdates(ctx context.Context, req Request) (Result, error) {
	var seconds float64
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args[0], &seconds); err != nil {
			return Result{}, types.NewInputError("Invalid timeout: %s", req.Args[0])
		}
	}
	if seconds < 0 || math.IsNaN(seconds) || seconds > math.MaxInt32 {
		return Result{}, types.NewInputError("Invalid timeout: %v", seconds)
	}
	s, err := w.cache.Open(ctx, req.Session)
	if err != nil {
		return Result{}, err
	}
	events, err := s.Delivery.Poll(ctx, time.Duration(seconds*float64(time.Second)))
	if err != nil {
		return Result{}, err
	}
	if events == nil {
		events = []types.Event{}
	}
	return ok(events), nil
}

func (w *Worker) setWebhook(ctx context.Context, req Request) (Result, error) {
	var url string
	if len(req.Args) != 1 || json.Unmarshal(req.Args[0], &url) != nil {
		return Result{}, types.NewInputError("Invalid webhook URL.")
	}
	s, err := w.cache.Open(ctx, req.Session)
	if err != nil {
		return Result{}, err
	}
	if err := s.Delivery.SetWebhook(ctx, url); err != nil {
		return Result{}, err
	}
	return ok("Webhook was set."), nil
}

func (w *Worker) download(req Request) (Result, error) {
	var fileID string
	if len(req.Args) != 1 || json.Unmarshal(req.Args[0], &fileID) != nil {
		return Result{}, types.NewInputError("A file ID was expected.")
	}
	// The stream outlives this request, so it is bound to the worker.
	s, err := w.cache.Get(w.ctx, req.Session)
	if err != nil {
		return Result{}, err
	}
	token := w.openStream(s.Downloads.Stream(w.ctx, fileID))
	return Result{Status: 200, Stream: token}, nil
}

func (w *Worker) openStream(seq iter.Seq2[[]byte, error]) types.StreamToken {
	next, stop := iter.Pull2(seq)
	token := types.NewStreamToken()
	w.streamsMu.Lock()
	w.streams[token] = &stream{next: next, stop: stop}
	w.streamsMu.Unlock()
	return token
}

func (w *Worker) next(token types.StreamToken) (Result, error) {
	w.streamsMu.Lock()
	st, found := w.streams[token]
	w.streamsMu.Unlock()
	if !found {
		return Result{Status: 200, Done: true}, nil
	}

	st.mu.Lock()
	chunk, err, more := st.next()
	st.mu.Unlock()
	if !more || err != nil {
		w.closeStream(token)
	}
	if err != nil {
		return Result{}, err
	}
	if !more {
		return Result{Status: 200, Done: true}, nil
	}
	return Result{Status: 200, Chunk: chunk}, nil
}

func (w *Worker) closeStream(token types.StreamToken) {
	w.streamsMu.Lock()
	st, found := w.streams[token]
	delete(w.streams, token)
	w.streamsMu.Unlock()
	if found {
		st.mu.Lock()
		st.stop()
		st.mu.Unlock()
	}
}

func (w *Worker) stats() types.WorkerStats {
	sessions := w.cache.Stats()
	return types.WorkerStats{
		Worker:       w.index,
		SessionCount: len(sessions),
		Sessions:     sessions,
	}
}

// unload stops every stream and evicts every session. Later session
// requests fail.
func (w *Worker) unload() {
	if !w.unloaded.CompareAndSwap(false, true) {
		return
	}
	w.cancel()
	w.streamsMu.Lock()
	tokens := make([]types.StreamToken, 0, len(w.streams))
	for token := range w.streams {
		tokens = append(tokens, token)
	}
	w.streamsMu.Unlock()
	for _, token := range tokens {
		w.closeStream(token)
	}
	w.cache.Close()
	w.logger.Info("worker unloaded")
}

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/tgmux/internal/session"
	"github.com/user/tgmux/internal/state"
	"github.com/user/tgmux/internal/types"
)

type fakeProtocol struct {
	connected atomic.Bool
	calls     *atomic.Int32
}

func (p *fakeProtocol) Connect(ctx context.Context) error {
	p.connected.Store(true)
	return nil
}

func (p *fakeProtocol) Disconnect(ctx context.Context) error {
	p.connected.Store(false)
	return nil
}

func (p *fakeProtocol) Connected() bool { return p.connected.Load() }

func (p *fakeProtocol) Call(ctx context.Context, method string, args []json.RawMessage) (json.RawMessage, error) {
	p.calls.Add(1)
	switch method {
	case "sendDice":
		panic("boom")
	case "getChat":
		return nil, &types.ProtocolError{Code: 400, Message: "Bad Request: chat not found"}
	case "sendChatAction":
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return json.Marshal(map[string]any{"method": method, "args": len(args)})
}

func (p *fakeProtocol) Invoke(ctx context.Context, fn json.RawMessage) (json.RawMessage, error) {
	return fn, nil
}

func (p *fakeProtocol) DownloadChunks(ctx context.Context, fileID string, offset int64) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		content := []byte("0123456789")
		for pos := int(offset); pos < len(content); pos += 4 {
			if !yield(content[pos:min(pos+4, len(content))], nil) {
				return
			}
		}
	}
}

type testEnv struct {
	pool    *Pool
	dataDir string
	calls   atomic.Int32
}

func newTestPool(t *testing.T, workers int) *testEnv {
	t.Helper()
	env := &testEnv{dataDir: t.TempDir()}
	dialers := session.NewDialers()
	dialers.Register(types.RoleBot, session.DialerFunc(func(id types.SessionID, hooks types.Hooks) (types.Protocol, error) {
		return &fakeProtocol{calls: &env.calls}, nil
	}))
	env.pool = NewPool(workers, env.dataDir, func(int) *session.Cache {
		return session.NewCache(dialers, session.Options{DataDir: env.dataDir})
	})
	env.pool.Start(context.Background())
	t.Cleanup(func() {
		env.pool.Unload(context.Background())
		env.pool.Stop()
	})
	return env
}

func rawArgs(t *testing.T, args ...any) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(args))
	for i, a := range args {
		data, err := json.Marshal(a)
		require.NoError(t, err)
		out[i] = data
	}
	return out
}

func serveGetMe(t *testing.T, env *testEnv, id types.SessionID) Result {
	t.Helper()
	res, err := env.pool.Do(t.Context(), Request{Op: OpServe, Session: id, Method: "getMe"})
	require.NoError(t, err)
	return res
}

func pinned(t *testing.T, env *testEnv, id types.SessionID) int {
	t.Helper()
	index, ok := env.pool.Lookup(id)
	require.True(t, ok, "%s is not pinned", id)
	return index
}

func TestPlacement_OnePerWorkerBeforeSecond(t *testing.T) {
	env := newTestPool(t, 4)

	seen := make(map[int]int)
	for i := range 4 {
		id := types.SessionID(fmt.Sprintf("bot%d:x", i))
		require.Equal(t, 200, serveGetMe(t, env, id).Status)
		seen[pinned(t, env, id)]++
	}
	assert.Len(t, seen, 4)
	for w, n := range seen {
		assert.Equal(t, 1, n, "worker %d", w)
	}

	// The fifth goes to the lowest index among the now equal loads.
	serveGetMe(t, env, "bot99:x")
	assert.Equal(t, 0, pinned(t, env, "bot99:x"))
	// Placement is sticky.
	before := pinned(t, env, "bot2:x")
	serveGetMe(t, env, "bot2:x")
	assert.Equal(t, before, pinned(t, env, "bot2:x"))
}

func TestPlacement_ConcurrentFirstTouch(t *testing.T) {
	env := newTestPool(t, 3)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.pool.Do(context.Background(), Request{Op: OpServe, Session: "bot7:x", Method: "getMe"})
			assert.NoError(t, err)
			assert.Equal(t, 200, res.Status)
		}()
	}
	wg.Wait()

	counts, err := env.pool.SessionCounts(t.Context())
	require.NoError(t, err)
	total := 0
	for _, n := range counts {
		total += n
	}
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, counts[pinned(t, env, "bot7:x")])

	env.pool.mu.RLock()
	defer env.pool.mu.RUnlock()
	assert.Equal(t, []int{0, 0, 0}, env.pool.reserved)
}

func TestPlacement_IgnoresRejectedAndEvictedSessions(t *testing.T) {
	env := newTestPool(t, 2)

	for i := range 3 {
		id := types.SessionID(fmt.Sprintf("garbage%d", i))
		res := serveGetMe(t, env, id)
		assert.Equal(t, 400, res.Status)
		assert.Equal(t, types.KindInput, res.Kind)
		_, ok := env.pool.Lookup(id)
		assert.False(t, ok)
	}
	assert.True(t, serveGetMe(t, env, " ").Drop)

	env.pool.mu.RLock()
	assert.Empty(t, env.pool.assign)
	env.pool.mu.RUnlock()

	serveGetMe(t, env, "bot1:a")
	assert.Equal(t, 0, pinned(t, env, "bot1:a"))
	serveGetMe(t, env, "bot2:b")
	assert.Equal(t, 1, pinned(t, env, "bot2:b"))

	// An evicted session no longer weighs on its worker.
	require.True(t, env.pool.workers[0].cache.Evict("bot1:a"))
	serveGetMe(t, env, "bot3:c")
	assert.Equal(t, 0, pinned(t, env, "bot3:c"))
}

func TestUnclaimedStreamIsClosed(t *testing.T) {
	env := newTestPool(t, 1)
	w := env.pool.workers[0]

	stopped := make(chan struct{})
	token := w.openStream(func(yield func([]byte, error) bool) {
		defer close(stopped)
		yield([]byte("chunk"), nil)
	})
	res, err := w.next(token)
	require.NoError(t, err)
	require.Equal(t, "chunk", string(res.Chunk))

	// A reply nobody waits for, as when the caller went away mid-call.
	w.replies <- Result{Token: types.NewCallToken(), Status: 200, Stream: token}

	require.Eventually(t, func() bool {
		w.streamsMu.Lock()
		defer w.streamsMu.Unlock()
		return len(w.streams) == 0
	}, 2*time.Second, 10*time.Millisecond)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stream iterator was not stopped")
	}
}

func TestResultErr_KeepsPercentSigns(t *testing.T) {
	res, _ := errorResult(types.NewInputError("Invalid timeout: %s", "100%"))
	var inputErr *types.InputError
	require.ErrorAs(t, res.Err(), &inputErr)
	assert.Equal(t, "Invalid timeout: 100%", inputErr.Message)
}

func TestServe(t *testing.T) {
	env := newTestPool(t, 2)
	ctx := t.Context()

	res, err := env.pool.Do(ctx, Request{Op: OpServe, Session: "bot1:x", Method: "getMe"})
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	assert.JSONEq(t, `{"method":"getMe","args":0}`, string(res.Body))

	res, err = env.pool.Do(ctx, Request{Op: OpServe, Session: "bot1:x", Method: "getChat", Args: rawArgs(t, map[string]any{"chat_id": 1})})
	require.NoError(t, err)
	assert.Equal(t, 400, res.Status)
	assert.Equal(t, types.KindProtocol, res.Kind)
	assert.JSONEq(t, `"Bad Request: chat not found"`, string(res.Body))

	res, err = env.pool.Do(ctx, Request{Op: OpServe, Session: "bot1:x", Method: "exportSessionString"})
	require.NoError(t, err)
	assert.True(t, res.Drop)

	res, err = env.pool.Do(ctx, Request{Op: OpServe, Session: "nobody", Method: "getMe"})
	require.NoError(t, err)
	assert.Equal(t, 400, res.Status)
	assert.Equal(t, types.KindInput, res.Kind)
}

func TestServe_PanicBecomesInternalError(t *testing.T) {
	env := newTestPool(t, 1)

	res, err := env.pool.Do(t.Context(), Request{Op: OpServe, Session: "bot1:x", Method: "sendDice"})
	require.NoError(t, err)
	assert.Equal(t, 500, res.Status)
	assert.Equal(t, types.KindInternal, res.Kind)
	assert.JSONEq(t, `null`, string(res.Body))

	// The worker keeps serving.
	res, err = env.pool.Do(t.Context(), Request{Op: OpServe, Session: "bot1:x", Method: "getMe"})
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
}

func TestCall_ConcurrentOnSameWorker(t *testing.T) {
	env := newTestPool(t, 1)
	ctx := t.Context()

	const n = 20
	var wg sync.WaitGroup
	start := time.Now()
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			method := "sendChatAction"
			if i%2 == 0 {
				method = "getMe"
			}
			res, err := env.pool.Do(ctx, Request{Op: OpServe, Session: "bot1:x", Method: method})
			assert.NoError(t, err)
			var body struct {
				Method string `json:"method"`
			}
			assert.NoError(t, json.Unmarshal(res.Body, &body))
			assert.Equal(t, method, body.Method)
		}()
	}
	wg.Wait()
	// Slow calls overlap rather than queue behind each other.
	assert.Less(t, time.Since(start), time.Duration(n/2)*50*time.Millisecond)
	assert.Equal(t, int32(n), env.calls.Load())
}

func TestInvoke_Gating(t *testing.T) {
	env := newTestPool(t, 1)
	ctx := t.Context()

	tests := []struct {
		fn     any
		status int
		body   string
	}{
		{map[string]any{"_": "getMe"}, 200, `{"_":"getMe"}`},
		{map[string]any{"_": "ping"}, 200, `{"_":"ping"}`},
		{map[string]any{"_": "auth.signIn"}, 400, `"Unallowed function"`},
		{map[string]any{"_": "setWebhook", "url": "x"}, 400, `"Unallowed function"`},
		{map[string]any{"_": "req_pq_multi"}, 400, `"Unallowed function"`},
		{map[string]any{"a": 1}, 400, `"Expected a function"`},
		{"getMe", 400, `"Expected a function"`},
	}
	for _, tt := range tests {
		res, err := env.pool.Do(ctx, Request{Op: OpInvoke, Session: "bot1:x", Args: rawArgs(t, tt.fn)})
		require.NoError(t, err)
		assert.Equal(t, tt.status, res.Status, "%v", tt.fn)
		assert.JSONEq(t, tt.body, string(res.Body), "%v", tt.fn)
	}
}

func TestGetUpdates(t *testing.T) {
	env := newTestPool(t, 1)
	ctx := t.Context()

	res, err := env.pool.Do(ctx, Request{Op: OpGetUpdates, Session: "bot1:x", Args: rawArgs(t, -1)})
	require.NoError(t, err)
	assert.Equal(t, 400, res.Status)
	assert.JSONEq(t, `"Invalid timeout: -1"`, string(res.Body))

	res, err = env.pool.Do(ctx, Request{Op: OpGetUpdates, Session: "bot1:x", Args: rawArgs(t, 0.05)})
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	assert.JSONEq(t, `[]`, string(res.Body))
}

func TestWebhookOps(t *testing.T) {
	env := newTestPool(t, 1)
	ctx := t.Context()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	res, err := env.pool.Do(ctx, Request{Op: OpSetWebhook, Session: "bot1:x", Args: rawArgs(t, "gopher://x")})
	require.NoError(t, err)
	assert.Equal(t, 400, res.Status)
	assert.JSONEq(t, `"Webhook protocol must be HTTP(S)."`, string(res.Body))

	res, err = env.pool.Do(ctx, Request{Op: OpSetWebhook, Session: "bot1:x", Args: rawArgs(t, srv.URL)})
	require.NoError(t, err)
	assert.JSONEq(t, `"Webhook was set."`, string(res.Body))

	res, err = env.pool.Do(ctx, Request{Op: OpGetUpdates, Session: "bot1:x", Args: rawArgs(t, 0)})
	require.NoError(t, err)
	assert.Equal(t, 400, res.Status)
	assert.Equal(t, types.KindInput, res.Kind)

	res, err = env.pool.Do(ctx, Request{Op: OpDeleteWebhook, Session: "bot1:x"})
	require.NoError(t, err)
	assert.JSONEq(t, `"Webhook was deleted."`, string(res.Body))

	res, err = env.pool.Do(ctx, Request{Op: OpDropPendingUpdates, Session: "bot1:x"})
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	assert.JSONEq(t, `null`, string(res.Body))
}

func TestDownloadStream(t *testing.T) {
	env := newTestPool(t, 1)
	ctx := t.Context()

	res, err := env.pool.Do(ctx, Request{Op: OpDownload, Session: "bot1:x", Args: rawArgs(t, "file_1")})
	require.NoError(t, err)
	require.NotEmpty(t, res.Stream)
	worker := pinned(t, env, "bot1:x")

	var got []byte
	for {
		res, err := env.pool.Call(ctx, worker, Request{Op: OpNext, Stream: res.Stream})
		require.NoError(t, err)
		require.Empty(t, res.Kind)
		if res.Done {
			break
		}
		got = append(got, res.Chunk...)
	}
	assert.Equal(t, "0123456789", string(got))

	res, err = env.pool.Do(ctx, Request{Op: OpDownload, Session: "bot1:x", Args: rawArgs(t, "../x")})
	require.NoError(t, err)
	next, err := env.pool.Call(ctx, worker, Request{Op: OpNext, Stream: res.Stream})
	require.NoError(t, err)
	assert.Equal(t, 400, next.Status)
	assert.Equal(t, types.KindInput, next.Kind)
}

func TestRestoreWebhooks(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
	}))
	defer srv.Close()

	env := newTestPool(t, 2)
	ctx := t.Context()

	kvdir := state.NewKVDir(env.dataDir)
	for i, hook := range []string{srv.URL, "", srv.URL} {
		kv, err := kvdir.Open(types.SessionID(fmt.Sprintf("bot%d:x", i)))
		require.NoError(t, err)
		store := state.NewPendingStore(kv)
		if hook != "" {
			require.NoError(t, store.SetWebhook(ctx, hook))
			ev := types.NewEvent(fmt.Appendf(nil, `{"update_id":%d,"message":{"message_id":1,"chat":{"id":1}}}`, i))
			key, _ := ev.Key()
			require.NoError(t, store.Put(ctx, key, ev))
		}
		require.NoError(t, kv.Close())
	}

	started, err := env.pool.RestoreWebhooks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, started)
	require.Eventually(t, func() bool { return posts.Load() == 2 }, 2*time.Second, 10*time.Millisecond)

	stats, err := env.pool.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	total := 0
	for _, s := range stats {
		total += s.SessionCount
	}
	assert.Equal(t, 2, total)
}

func TestUnload(t *testing.T) {
	env := newTestPool(t, 2)
	ctx := t.Context()

	_, err := env.pool.Do(ctx, Request{Op: OpServe, Session: "bot1:x", Method: "getMe"})
	require.NoError(t, err)
	require.NoError(t, env.pool.Unload(ctx))

	counts, err := env.pool.SessionCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0}, counts)

	res, err := env.pool.Do(ctx, Request{Op: OpServe, Session: "bot1:x", Method: "getMe"})
	require.NoError(t, err)
	assert.Equal(t, 503, res.Status)
}

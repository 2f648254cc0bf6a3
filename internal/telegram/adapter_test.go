package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/tgmux/internal/types"
)

const testToken = "42:secret"

// fakeBotAPI serves the subset of the Bot API the protocol uses.
type fakeBotAPI struct {
	t *testing.T

	mu      sync.Mutex
	updates []string
	offsets []string
	params  map[string]string
	file    []byte
	failGet int
}

func (f *fakeBotAPI) reply(w http.ResponseWriter, result string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok":true,"result":` + result + `}`))
}

func (f *fakeBotAPI) fail(w http.ResponseWriter, code int, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body, _ := json.Marshal(map[string]any{"ok": false, "error_code": code, "description": description})
	_, _ = w.Write(body)
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if rest, ok := strings.CutPrefix(r.URL.Path, "/file/bot"+testToken+"/"); ok {
		http.ServeContent(w, r, rest, time.Time{}, bytes.NewReader(f.file))
		return
	}
	prefix, method, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/bot"), "/")
	if prefix != testToken {
		f.fail(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	assert.NoError(f.t, r.ParseForm())

	switch method {
	case "getMe":
		f.reply(w, `{"id":42,"is_bot":true,"first_name":"Test","username":"test_bot"}`)
	case "getUpdates":
		f.mu.Lock()
		f.offsets = append(f.offsets, r.Form.Get("offset"))
		if f.failGet > 0 {
			f.failGet--
			f.mu.Unlock()
			f.fail(w, http.StatusBadGateway, "Bad Gateway")
			return
		}
		batch := f.updates
		f.updates = nil
		f.mu.Unlock()
		if len(batch) == 0 {
			// Stand in for a long poll without holding the test up.
			select {
			case <-r.Context().Done():
			case <-time.After(20 * time.Millisecond):
			}
		}
		f.reply(w, "["+strings.Join(batch, ",")+"]")
	case "sendMessage":
		f.mu.Lock()
		f.params = map[string]string{}
		for key := range r.Form {
			f.params[key] = r.Form.Get(key)
		}
		f.mu.Unlock()
		f.reply(w, `{"message_id":7,"date":0,"chat":{"id":1,"type":"private"}}`)
	case "getFile":
		f.reply(w, `{"file_id":"`+r.Form.Get("file_id")+`","file_path":"docs/a.bin"}`)
	default:
		f.fail(w, http.StatusBadRequest, "Bad Request: method not found")
	}
}

func (f *fakeBotAPI) seenOffsets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.offsets...)
}

type recorder struct {
	mu     sync.Mutex
	events []types.Event
	fatal  error
}

func (r *recorder) hooks() types.Hooks {
	return types.Hooks{
		OnEvent: func(ev types.Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		},
		OnFatal: func(err error) {
			r.mu.Lock()
			r.fatal = err
			r.mu.Unlock()
		},
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestBot(t *testing.T, api *fakeBotAPI, token string, rec *recorder) *Bot {
	t.Helper()
	api.t = t
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	d := NewDialer(Config{
		APIEndpoint:  srv.URL + "/bot%s/%s",
		FileEndpoint: srv.URL + "/file/bot%s/%s",
		ChunkSize:    4,
		RetryDelay:   10 * time.Millisecond,
	})
	p, err := d.Dial(types.SessionID("bot"+token), rec.hooks())
	require.NoError(t, err)
	b := p.(*Bot)
	t.Cleanup(func() { _ = b.Disconnect(context.Background()) })
	return b
}

func TestDial_RejectsMalformedToken(t *testing.T) {
	_, err := NewDialer(Config{}).Dial("botnotatoken", types.Hooks{})
	require.Error(t, err)
	assert.Equal(t, types.KindInput, types.KindOf(err))
}

func TestConnect_ReceivesUpdatesInOrder(t *testing.T) {
	api := &fakeBotAPI{updates: []string{
		`{"update_id":10,"message":{"message_id":1,"chat":{"id":1}}}`,
		`{"update_id":11,"message":{"message_id":2,"chat":{"id":1}}}`,
	}}
	rec := &recorder{}
	b := newTestBot(t, api, testToken, rec)

	require.NoError(t, b.Connect(t.Context()))
	assert.True(t, b.Connected())

	require.Eventually(t, func() bool { return rec.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		offsets := api.seenOffsets()
		return len(offsets) >= 2 && offsets[len(offsets)-1] == "12"
	}, 2*time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.JSONEq(t, `{"update_id":10,"message":{"message_id":1,"chat":{"id":1}}}`, string(rec.events[0].Raw()))
	assert.JSONEq(t, `{"update_id":11,"message":{"message_id":2,"chat":{"id":1}}}`, string(rec.events[1].Raw()))
}

func TestReceive_RetriesAfterFailure(t *testing.T) {
	api := &fakeBotAPI{failGet: 2, updates: []string{`{"update_id":1}`}}
	rec := &recorder{}
	b := newTestBot(t, api, testToken, rec)

	require.NoError(t, b.Connect(t.Context()))
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, len(api.seenOffsets()), 3)
}

func TestConnect_UnauthorizedIsFatal(t *testing.T) {
	rec := &recorder{}
	b := newTestBot(t, &fakeBotAPI{}, "1:wrong", rec)

	err := b.Connect(t.Context())
	require.ErrorIs(t, err, types.ErrUnauthorized)
	var protoErr *types.ProtocolError
	require.True(t, errors.As(err, &protoErr))
	assert.Equal(t, 401, protoErr.Code)
	assert.False(t, b.Connected())
}

func TestCall_NamedParameters(t *testing.T) {
	api := &fakeBotAPI{}
	b := newTestBot(t, api, testToken, &recorder{})
	require.NoError(t, b.Connect(t.Context()))

	res, err := b.Call(t.Context(), "sendMessage", []json.RawMessage{
		json.RawMessage(`{"chat_id":1,"text":"hi","reply_markup":{"remove_keyboard":true},"skip":null}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"message_id":7,"date":0,"chat":{"id":1,"type":"private"}}`, string(res))

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, map[string]string{
		"chat_id":      "1",
		"text":         "hi",
		"reply_markup": `{"remove_keyboard":true}`,
	}, api.params)
}

func TestCall_Errors(t *testing.T) {
	b := newTestBot(t, &fakeBotAPI{}, testToken, &recorder{})

	_, err := b.Call(t.Context(), "getMe", nil)
	require.ErrorIs(t, err, types.ErrNotConnected)

	require.NoError(t, b.Connect(t.Context()))

	_, err = b.Call(t.Context(), "sendMessage", []json.RawMessage{json.RawMessage(`1`), json.RawMessage(`2`)})
	assert.Equal(t, types.KindInput, types.KindOf(err))

	_, err = b.Call(t.Context(), "sendMessage", []json.RawMessage{json.RawMessage(`[1]`)})
	assert.Equal(t, types.KindInput, types.KindOf(err))

	_, err = b.Call(t.Context(), "noSuchMethod", nil)
	var protoErr *types.ProtocolError
	require.True(t, errors.As(err, &protoErr))
	assert.Equal(t, 400, protoErr.Code)
	assert.False(t, protoErr.Fatal)
}

func TestInvoke_MapsFunctionOntoRequest(t *testing.T) {
	api := &fakeBotAPI{}
	b := newTestBot(t, api, testToken, &recorder{})
	require.NoError(t, b.Connect(t.Context()))

	_, err := b.Invoke(t.Context(), json.RawMessage(`{"_":"sendMessage","chat_id":5,"text":"x"}`))
	require.NoError(t, err)
	api.mu.Lock()
	assert.Equal(t, map[string]string{"chat_id": "5", "text": "x"}, api.params)
	api.mu.Unlock()

	_, err = b.Invoke(t.Context(), json.RawMessage(`{"chat_id":5}`))
	assert.Equal(t, types.KindInput, types.KindOf(err))
}

func TestDownloadChunks(t *testing.T) {
	api := &fakeBotAPI{file: []byte("0123456789")}
	b := newTestBot(t, api, testToken, &recorder{})
	require.NoError(t, b.Connect(t.Context()))

	collect := func(offset int64) []string {
		var chunks []string
		for chunk, err := range b.DownloadChunks(t.Context(), "abc", offset) {
			require.NoError(t, err)
			chunks = append(chunks, string(chunk))
		}
		return chunks
	}

	assert.Equal(t, []string{"0123", "4567", "89"}, collect(0))
	assert.Equal(t, []string{"6789"}, collect(6))
	assert.Empty(t, collect(10))
}

func TestDisconnect_StopsReceiveLoop(t *testing.T) {
	api := &fakeBotAPI{}
	b := newTestBot(t, api, testToken, &recorder{})
	require.NoError(t, b.Connect(t.Context()))

	require.NoError(t, b.Disconnect(t.Context()))
	assert.False(t, b.Connected())

	n := len(api.seenOffsets())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, len(api.seenOffsets()))

	// Reconnecting starts a fresh loop.
	require.NoError(t, b.Connect(t.Context()))
	assert.True(t, b.Connected())
}

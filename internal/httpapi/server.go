// internal/httpapi/server.go
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/user/tgmux/internal/types"
	"github.com/user/tgmux/internal/worker"
)

// Dispatcher routes a request to the worker owning its session.
type Dispatcher interface {
	Do(ctx context.Context, req worker.Request) (worker.Result, error)
}

// Server is the session API: every request is /{session}/{method}.
type Server struct {
	pool   Dispatcher
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer creates the API handler over pool.
func NewServer(pool Dispatcher) *Server {
	s := &Server{
		pool:   pool,
		logger: slog.Default().With("component", "http"),
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("/", s.handle)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeJSON(w, http.StatusForbidden, "Method not allowed")
		return
	}
	id, method, ok := splitPath(r.URL.EscapedPath())
	if !ok {
		writeJSON(w, http.StatusNotFound, "Not found")
		return
	}
	args, err := parseArgs(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	req := worker.Request{Session: types.SessionID(id), Method: method, Args: args}
	if err := route(&req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Op == worker.OpDownload {
		s.stream(w, r, req)
		return
	}

	res, err := s.pool.Do(r.Context(), req)
	if err != nil {
		s.writeCallError(w, r, err)
		return
	}
	if res.Drop {
		drop(w)
		return
	}
	writeResult(w, res)
}

func splitPath(escaped string) (id, method string, ok bool) {
	parts := strings.Split(strings.TrimPrefix(escaped, "/"), "/")
	if len(parts) != 2 {
		return "", "", false
	}
	id, err := url.PathUnescape(parts[0])
	if err != nil {
		return "", "", false
	}
	method, err = url.PathUnescape(parts[1])
	if err != nil {
		return "", "", false
	}
	return id, method, true
}

// route picks the worker op for req.Method and checks its argument count.
func route(req *worker.Request) error {
	if worker.IsAllowedMethod(req.Method) {
		req.Op = worker.OpServe
		return nil
	}
	switch req.Method {
	case "download":
		req.Op = worker.OpDownload
		return assertArgCount(len(req.Args), 1)
	case "getUpdates":
		req.Op = worker.OpGetUpdates
		return assertArgCount(len(req.Args), 1)
	case "invoke":
		req.Op = worker.OpInvoke
		return assertArgCount(len(req.Args), 1)
	case "setWebhook":
		req.Op = worker.OpSetWebhook
		return assertArgCount(len(req.Args), 1)
	case "deleteWebhook":
		req.Op = worker.OpDeleteWebhook
		return assertArgCount(len(req.Args), 0)
	case "dropPendingUpdates":
		req.Op = worker.OpDropPendingUpdates
		return assertArgCount(len(req.Args), 0)
	}
	return types.NewInputError("Invalid method")
}

func assertArgCount(actual, expected int) error {
	switch {
	case actual == expected:
		return nil
	case expected == 0:
		return types.NewInputError("No arguments were expected.")
	case expected == 1:
		return types.NewInputError("A single argument was expected.")
	}
	return types.NewInputError("%d arguments were expected.", expected)
}

// stream answers a download with the file body. The first chunk is fetched
// before any header is written so early failures keep their status.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, req worker.Request) {
	ctx := r.Context()
	res, err := s.pool.Do(ctx, req)
	if err != nil {
		s.writeCallError(w, r, err)
		return
	}
	if res.Kind != "" {
		writeResult(w, res)
		return
	}
	token := res.Stream
	defer s.closeStream(req.Session, token)

	next := func() (worker.Result, error) {
		return s.pool.Do(ctx, worker.Request{Op: worker.OpNext, Session: req.Session, Stream: token})
	}
	chunk, err := next()
	if err != nil {
		s.writeCallError(w, r, err)
		return
	}
	if chunk.Kind != "" {
		writeResult(w, chunk)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for !chunk.Done {
		if _, err := w.Write(chunk.Chunk); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		chunk, err = next()
		if err != nil || chunk.Kind != "" {
			if err == nil {
				err = chunk.Err()
			}
			s.logger.Warn("download aborted", "session", req.Session.Redacted(), "error", err)
			// The status is already out; closing the connection tells the
			// client the body is incomplete.
			panic(http.ErrAbortHandler)
		}
	}
}

func (s *Server) closeStream(id types.SessionID, token types.StreamToken) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.pool.Do(ctx, worker.Request{Op: worker.OpCloseStream, Session: id, Stream: token}); err != nil {
		s.logger.Warn("failed to close stream", "session", id.Redacted(), "error", err)
	}
}

// writeCallError handles a failed worker round trip. A request whose client
// went away gets no response.
func (s *Server) writeCallError(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil {
		return
	}
	s.logger.Error("worker call failed", "path", r.URL.Path, "error", err)
	writeResult(w, worker.Result{Status: http.StatusInternalServerError, Kind: types.KindInternal, Body: json.RawMessage("null")})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var inputErr *types.InputError
	if errors.As(err, &inputErr) {
		body, _ := json.Marshal(inputErr.Message)
		writeResult(w, worker.Result{Status: http.StatusBadRequest, Kind: types.KindInput, Body: body})
		return
	}
	s.logger.Error("request failed", "error", err)
	writeResult(w, worker.Result{Status: http.StatusInternalServerError, Kind: types.KindInternal, Body: json.RawMessage("null")})
}

func writeResult(w http.ResponseWriter, res worker.Result) {
	switch res.Kind {
	case types.KindInput, types.KindProtocol:
		w.Header().Set("x-error-type", string(res.Kind))
	}
	body := res.Body
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Status)
	w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// drop closes the client connection without a response.
func drop(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic(http.ErrAbortHandler)
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic(http.ErrAbortHandler)
	}
	conn.Close()
}

// internal/worker/ops.go
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/user/tgmux/internal/delivery"
	"github.com/user/tgmux/internal/types"
)

// Op names a worker operation.
type Op string

const (
	OpServe              Op = "serve"
	OpInvoke             Op = "invoke"
	OpGetUpdates         Op = "getUpdates"
	OpSetWebhook         Op = "setWebhook"
	OpDeleteWebhook      Op = "deleteWebhook"
	OpDropPendingUpdates Op = "dropPendingUpdates"
	OpStartWebhookLoop   Op = "startWebhookLoop"
	OpDownload           Op = "download"
	OpNext               Op = "next"
	OpCloseStream        Op = "closeStream"
	OpSessionCount       Op = "sessionCount"
	OpStats              Op = "stats"
	OpUnload             Op = "unload"
)

// Request is the envelope sent to a worker. Token correlates it with its
// Result.
type Request struct {
	Token   types.CallToken
	Op      Op
	Session types.SessionID
	Method  string
	Args    []json.RawMessage
	Stream  types.StreamToken

	ctx context.Context
}

// Result is a worker's answer. Status and Body are ready for the HTTP
// boundary; Kind is empty on success.
type Result struct {
	Token  types.CallToken
	Status int
	Kind   types.Kind
	Body   json.RawMessage

	// Drop asks the boundary to close the connection without a response.
	Drop bool

	Stream types.StreamToken
	Chunk  []byte
	Done   bool

	Count int
	Stats *types.WorkerStats
}

// Err returns the failure carried by r, or nil.
func (r Result) Err() error {
	if r.Kind == "" {
		return nil
	}
	var msg string
	json.Unmarshal(r.Body, &msg)
	switch r.Kind {
	case types.KindInput:
		return &types.InputError{Message: msg}
	case types.KindProtocol:
		return &types.ProtocolError{Code: r.Status, Message: msg}
	}
	return errors.New("internal error")
}

func ok(body any) Result {
	data, err := json.Marshal(body)
	if err != nil {
		return internalResult()
	}
	return Result{Status: http.StatusOK, Body: data}
}

func internalResult() Result {
	return Result{Status: http.StatusInternalServerError, Kind: types.KindInternal, Body: json.RawMessage("null")}
}

// errorResult maps err to its boundary form. It reports false for faults
// the caller should log as unexpected.
func errorResult(err error) (Result, bool) {
	var inputErr *types.InputError
	if errors.As(err, &inputErr) {
		body, _ := json.Marshal(inputErr.Message)
		return Result{Status: http.StatusBadRequest, Kind: types.KindInput, Body: body}, true
	}
	var protoErr *types.ProtocolError
	if errors.As(err, &protoErr) {
		status := protoErr.Code
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		body, _ := json.Marshal(protoErr.Message)
		return Result{Status: status, Kind: types.KindProtocol, Body: body}, true
	}
	if errors.Is(err, types.ErrNotConnected) || errors.Is(err, delivery.ErrEvicted) || errors.Is(err, errUnloaded) {
		res := internalResult()
		res.Status = http.StatusServiceUnavailable
		return res, true
	}
	return internalResult(), false
}

package types

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the HTTP boundary.
type Kind string

const (
	KindInput    Kind = "input"
	KindProtocol Kind = "rpc"
	KindInternal Kind = "internal"
)

var (
	// ErrUnauthorized marks a fatal authorization fault from the protocol.
	// The session is evicted and must be re-provisioned.
	ErrUnauthorized = errors.New("session unauthorized")

	// ErrNotConnected is returned when the bounded connect retry gives up.
	ErrNotConnected = errors.New("session not yet connected")
)

// InputError is a client fault. It is never retried.
type InputError struct {
	Message string
}

func NewInputError(format string, args ...any) *InputError {
	if len(args) == 0 {
		return &InputError{Message: format}
	}
	return &InputError{Message: fmt.Sprintf(format, args...)}
}

func (e *InputError) Error() string { return e.Message }

// ProtocolError is a rejection reported by the remote network. Fatal
// errors unwrap to ErrUnauthorized.
type ProtocolError struct {
	Code    int
	Message string
	Fatal   bool
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

func (e *ProtocolError) Unwrap() error {
	if e.Fatal {
		return ErrUnauthorized
	}
	return nil
}

// KindOf reports how err should be surfaced.
func KindOf(err error) Kind {
	var inputErr *InputError
	if errors.As(err, &inputErr) {
		return KindInput
	}
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return KindProtocol
	}
	return KindInternal
}

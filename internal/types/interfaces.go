// internal/types/interfaces.go
package types

import (
	"context"
	"encoding/json"
	"iter"
)

// Protocol is one authenticated account handle on the messaging network.
type Protocol interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Connected() bool
	Call(ctx context.Context, method string, args []json.RawMessage) (json.RawMessage, error)
	Invoke(ctx context.Context, fn json.RawMessage) (json.RawMessage, error)
	DownloadChunks(ctx context.Context, fileID string, offset int64) iter.Seq2[[]byte, error]
}

// Hooks receive asynchronous output of a Protocol. OnEvent is called in
// receive order from a single goroutine.
type Hooks struct {
	OnEvent func(Event)
	OnFatal func(error)
}

// Dialer builds the Protocol for a session id. It must not touch the
// network; Connect does that.
type Dialer interface {
	Dial(id SessionID, hooks Hooks) (Protocol, error)
}

// KV is a namespaced key-value store for one session.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns entries under prefix in first-insertion order.
	List(ctx context.Context, prefix string) ([]KVEntry, error)
	Close() error
}

type KVEntry struct {
	Key   string
	Value []byte
}

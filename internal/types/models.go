// internal/types/models.go
package types

import (
	"encoding/json"
	"errors"
	"time"
)

// Event is one inbound update, kept as the JSON the protocol produced.
type Event struct {
	raw json.RawMessage
}

// NewEvent copies raw so the caller may reuse its buffer.
func NewEvent(raw []byte) Event {
	return Event{raw: append(json.RawMessage(nil), raw...)}
}

func (e Event) Raw() json.RawMessage { return e.raw }

func (e Event) MarshalJSON() ([]byte, error) {
	if len(e.raw) == 0 {
		return []byte("null"), nil
	}
	return e.raw, nil
}

func (e *Event) UnmarshalJSON(data []byte) error {
	if !json.Valid(data) {
		return errors.New("event: invalid JSON")
	}
	e.raw = append(e.raw[:0], data...)
	return nil
}

// DownloadState describes what the chunk store holds for one file.
type DownloadState struct {
	Parts    int
	Offset   int64
	Complete bool
}

// SessionStats is the per-session row reported by worker stats.
type SessionStats struct {
	ID          SessionID  `json:"id"`
	Connected   bool       `json:"connected"`
	LastEventAt *time.Time `json:"last_event_at"`
	LastPollAt  *time.Time `json:"last_poll_at"`
	Webhook     bool       `json:"webhook"`
	Buffered    int        `json:"buffered"`
}

// WorkerStats is the stats payload of one worker.
type WorkerStats struct {
	Worker       int            `json:"worker"`
	SessionCount int            `json:"session_count"`
	Sessions     []SessionStats `json:"sessions"`
}

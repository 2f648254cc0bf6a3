// internal/session/session.go
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/user/tgmux/internal/delivery"
	"github.com/user/tgmux/internal/download"
	"github.com/user/tgmux/internal/types"
)

// Session is one live account handle with its delivery and download state.
type Session struct {
	ID        types.SessionID
	Protocol  types.Protocol
	Delivery  *delivery.Coordinator
	Downloads *download.Cache

	kv        types.KV
	createdAt time.Time
}

// lastActivity is the later of creation and the last long poll.
func (s *Session) lastActivity() time.Time {
	last := s.createdAt
	if poll := s.Delivery.Snapshot().LastPollAt; poll.After(last) {
		last = poll
	}
	return last
}

// busy reports whether a poll, webhook loop or download keeps the session
// alive regardless of idleness.
func (s *Session) busy() bool {
	snap := s.Delivery.Snapshot()
	return snap.Polling || snap.LoopRunning || s.Downloads.Active()
}

// Stats reports the session with its id redacted.
func (s *Session) Stats() types.SessionStats {
	snap := s.Delivery.Snapshot()
	return types.SessionStats{
		ID:          types.SessionID(s.ID.Redacted()),
		Connected:   s.Protocol.Connected(),
		LastEventAt: timePtr(snap.LastEventAt),
		LastPollAt:  timePtr(snap.LastPollAt),
		Webhook:     snap.Webhook,
		Buffered:    snap.Buffered,
	}
}

func (s *Session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.Protocol.Disconnect(ctx); err != nil {
		slog.Warn("disconnect failed", "session", s.ID.Redacted(), "error", err)
	}
	s.Delivery.Close()
	s.Downloads.Close()
	if err := s.kv.Close(); err != nil {
		slog.Warn("close session store failed", "session", s.ID.Redacted(), "error", err)
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

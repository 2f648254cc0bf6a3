// internal/session/reaper.go
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type reaper struct {
	cron *cron.Cron
}

// StartReaper schedules the idle sweep on the configured cron spec.
func (c *Cache) StartReaper() error {
	r := &reaper{cron: cron.New(cron.WithParser(cronParser))}
	if _, err := r.cron.AddFunc(c.opts.ReapSchedule, func() {
		if n := c.Reap(time.Now()); n > 0 {
			slog.Info("reaped idle sessions", "count", n, "remaining", c.Count())
		}
	}); err != nil {
		return err
	}
	r.cron.Start()
	c.reaper = r
	return nil
}

// StopReaper stops the sweep schedule. Safe to call when not started.
func (c *Cache) StopReaper() {
	if c.reaper != nil {
		<-c.reaper.cron.Stop().Done()
		c.reaper = nil
	}
}

// Reap evicts sessions with no long-poll activity within the idle window
// as of now. Sessions with a poll, webhook loop or download in progress are
// kept; a kept webhook session that lost its connection is reconnected in
// the background. Returns the number evicted.
func (c *Cache) Reap(now time.Time) int {
	evicted := 0
	for _, s := range c.snapshot() {
		if s.busy() {
			if !s.Protocol.Connected() {
				go c.reconnect(s)
			}
			continue
		}
		if now.Sub(s.lastActivity()) < c.opts.IdleWindow {
			continue
		}
		if c.evict(s) {
			evicted++
		}
	}
	return evicted
}

func (c *Cache) reconnect(s *Session) {
	unlock := c.lock(s.ID)
	defer unlock()
	if c.lookup(s.ID) != s {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := c.connect(ctx, s); err != nil {
		slog.Warn("background reconnect failed", "session", s.ID.Redacted(), "error", err)
	}
}

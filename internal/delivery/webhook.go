// internal/delivery/webhook.go
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/user/tgmux/internal/types"
)

const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

func (c *Coordinator) startLoopLocked() {
	if c.loopStop != nil {
		return
	}
	stop := make(chan struct{})
	c.loopStop = stop
	c.loops.Add(1)
	go c.runWebhookLoop(stop)
}

func (c *Coordinator) runWebhookLoop(stop chan struct{}) {
	defer c.loops.Done()
	c.logger.Info("webhook loop started")
	defer c.logger.Info("webhook loop stopped")

	for {
		batch, target, ok := c.nextWebhookBatch(stop)
		if !ok {
			return
		}
		events := eventsOf(batch)
		if err := c.post(target, events); err != nil {
			c.logger.Warn("webhook delivery failed", "count", len(events), "error", err)
		}
		c.scheduleRemoval(batch)
	}
}

// nextWebhookBatch blocks until the buffer is non-empty and drains it. It
// returns false once stop is closed or the coordinator is closed.
func (c *Coordinator) nextWebhookBatch(stop chan struct{}) ([]pending, string, bool) {
	for {
		c.mu.Lock()
		if c.closed || isClosed(stop) {
			c.mu.Unlock()
			return nil, "", false
		}
		if len(c.buffer) > 0 {
			batch := c.drainLocked()
			target := c.webhookURL
			c.mu.Unlock()
			return batch, target, true
		}
		c.wakeLocked(ErrSuperseded)
		w := &waiter{ch: make(chan struct{})}
		c.wait = w
		c.mu.Unlock()

		select {
		case <-w.ch:
		case <-stop:
		}

		c.mu.Lock()
		if c.wait == w {
			c.wait = nil
		}
		c.mu.Unlock()
	}
}

func (c *Coordinator) post(target string, events []types.Event) error {
	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WebhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.WebhookSecret != "" {
		req.Header.Set(secretHeader, c.opts.WebhookSecret)
	}

	resp, err := c.opts.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("post batch: status %d", resp.StatusCode)
	}
	c.logger.Debug("webhook batch delivered", "count", len(events))
	return nil
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

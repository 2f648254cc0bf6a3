// internal/delivery/coordinator.go
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/user/tgmux/internal/state"
	"github.com/user/tgmux/internal/types"
)

const DefaultMaxBatch = 100

var (
	// ErrSuperseded resolves a poll that a newer poll replaced.
	ErrSuperseded = types.NewInputError("Aborted by another getUpdates request.")

	// ErrEvicted resolves waits on a coordinator whose session was evicted.
	ErrEvicted = errors.New("session evicted")

	ErrWebhookActive = types.NewInputError("getUpdates is not allowed when a webhook is set.")
	ErrPollActive    = types.NewInputError("setWebhook is not allowed while getUpdates is in progress.")
)

// Options tune a Coordinator.
type Options struct {
	MaxBatch       int
	WebhookTimeout time.Duration
	WebhookSecret  string
	Client         *http.Client
}

func (o Options) withDefaults() Options {
	if o.MaxBatch <= 0 {
		o.MaxBatch = DefaultMaxBatch
	}
	if o.WebhookTimeout <= 0 {
		o.WebhookTimeout = 30 * time.Second
	}
	if o.Client == nil {
		o.Client = &http.Client{}
	}
	return o
}

type pending struct {
	key   string
	keyed bool
	event types.Event
}

// waiter is the single wait slot. err is written under the coordinator
// mutex before ch is closed.
type waiter struct {
	ch   chan struct{}
	poll bool
	err  error
}

// Snapshot is a point-in-time view of a coordinator.
type Snapshot struct {
	Buffered    int
	Polling     bool
	Webhook     bool
	LoopRunning bool
	LastEventAt time.Time
	LastPollAt  time.Time
}

// Coordinator arbitrates delivery of one session's events between long
// polls and the webhook loop. It owns the in-memory buffer and the wait
// slot; the pending store holds the durable copy.
type Coordinator struct {
	id      types.SessionID
	store   *state.PendingStore
	cleanup *CleanupQueue
	opts    Options
	logger  *slog.Logger

	mu          sync.Mutex
	buffer      []pending
	keys        map[string]struct{}
	wait        *waiter
	webhookURL  string
	loopStop    chan struct{}
	closed      bool
	lastEventAt time.Time
	lastPollAt  time.Time

	loops sync.WaitGroup
	acks  sync.WaitGroup
}

// NewCoordinator creates the coordinator of one session.
func NewCoordinator(id types.SessionID, store *state.PendingStore, cleanup *CleanupQueue, opts Options) *Coordinator {
	return &Coordinator{
		id:      id,
		store:   store,
		cleanup: cleanup,
		opts:    opts.withDefaults(),
		logger:  slog.Default().With("component", "delivery", "session", id.Redacted()),
		keys:    make(map[string]struct{}),
	}
}

// Restore loads persisted events and the webhook registration. Call it
// once, before the session starts receiving.
func (c *Coordinator) Restore(ctx context.Context) error {
	entries, err := c.store.Load(ctx)
	if err != nil {
		return err
	}
	hook, err := c.store.Webhook(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		if _, dup := c.keys[e.Key]; dup {
			continue
		}
		c.keys[e.Key] = struct{}{}
		c.buffer = append(c.buffer, pending{key: e.Key, keyed: true, event: e.Event})
	}
	c.webhookURL = hook
	if len(entries) > 0 {
		c.logger.Info("restored pending events", "count", len(entries))
	}
	return nil
}

// Push persists ev (when it has a dedup key) and appends it to the buffer,
// waking the current waiter. An event whose key is already buffered is
// dropped.
func (c *Coordinator) Push(ctx context.Context, ev types.Event) error {
	key, keyed := ev.Key()
	if keyed {
		c.mu.Lock()
		_, dup := c.keys[key]
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return ErrEvicted
		}
		if dup {
			return nil
		}
		if err := c.store.Put(ctx, key, ev); err != nil {
			c.logger.Error("failed to persist event", "key", key, "error", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrEvicted
	}
	if keyed {
		if _, dup := c.keys[key]; dup {
			return nil
		}
		c.keys[key] = struct{}{}
	}
	c.buffer = append(c.buffer, pending{key: key, keyed: keyed, event: ev})
	c.lastEventAt = time.Now()
	c.wakeLocked(nil)
	return nil
}

// Poll returns buffered events, waiting up to timeout for some to arrive.
// A zero timeout waits until events arrive or ctx is done. A poll that is
// replaced by a newer one fails with ErrSuperseded.
func (c *Coordinator) Poll(ctx context.Context, timeout time.Duration) ([]types.Event, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrEvicted
	}
	if c.webhookURL != "" {
		c.mu.Unlock()
		return nil, ErrWebhookActive
	}
	c.lastPollAt = time.Now()
	c.wakeLocked(ErrSuperseded)
	if len(c.buffer) > 0 {
		batch := c.drainLocked()
		c.mu.Unlock()
		return c.handOff(batch), nil
	}
	w := &waiter{ch: make(chan struct{}), poll: true}
	c.wait = w
	c.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var ctxErr error
	select {
	case <-w.ch:
	case <-expired:
	case <-ctx.Done():
		ctxErr = ctx.Err()
	}

	c.mu.Lock()
	if c.wait == w {
		c.wait = nil
	} else if w.err != nil {
		c.mu.Unlock()
		return nil, w.err
	}
	if ctxErr != nil {
		c.mu.Unlock()
		return nil, ctxErr
	}
	c.lastPollAt = time.Now()
	batch := c.drainLocked()
	c.mu.Unlock()
	return c.handOff(batch), nil
}

// SetWebhook registers rawURL durably and starts the webhook loop.
func (c *Coordinator) SetWebhook(ctx context.Context, rawURL string) error {
	if err := validateWebhookURL(rawURL); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrEvicted
	}
	if c.wait != nil && c.wait.poll {
		return ErrPollActive
	}
	if err := c.store.SetWebhook(ctx, rawURL); err != nil {
		return err
	}
	c.webhookURL = rawURL
	c.startLoopLocked()
	return nil
}

// DeleteWebhook removes the registration. A running loop exits after its
// current iteration.
func (c *Coordinator) DeleteWebhook(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrEvicted
	}
	if err := c.store.DeleteWebhook(ctx); err != nil {
		return err
	}
	c.webhookURL = ""
	if c.loopStop != nil {
		close(c.loopStop)
		c.loopStop = nil
	}
	return nil
}

// StartWebhookLoop starts the loop when a webhook is registered and none
// is running. It reports whether a loop is running afterwards.
func (c *Coordinator) StartWebhookLoop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.webhookURL == "" {
		return false
	}
	c.startLoopLocked()
	return true
}

// DropPending discards every buffered and persisted event.
func (c *Coordinator) DropPending(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrEvicted
	}
	c.buffer = nil
	clear(c.keys)
	return c.store.Drop(ctx)
}

// Webhook returns the registered URL, or "".
func (c *Coordinator) Webhook() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.webhookURL
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Buffered:    len(c.buffer),
		Polling:     c.wait != nil && c.wait.poll,
		Webhook:     c.webhookURL != "",
		LoopRunning: c.loopStop != nil,
		LastEventAt: c.lastEventAt,
		LastPollAt:  c.lastPollAt,
	}
}

// Close resolves the current waiter with ErrEvicted, stops the webhook
// loop and waits for in-flight removals so the store can be closed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.wakeLocked(ErrEvicted)
	if c.loopStop != nil {
		close(c.loopStop)
		c.loopStop = nil
	}
	c.mu.Unlock()

	c.loops.Wait()
	done := make(chan struct{})
	go func() {
		c.acks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("timed out waiting for pending removals")
	}
}

// wakeLocked resolves the current waiter with err (nil means events
// arrived) and empties the slot.
func (c *Coordinator) wakeLocked(err error) {
	if c.wait == nil {
		return
	}
	c.wait.err = err
	close(c.wait.ch)
	c.wait = nil
}

func (c *Coordinator) drainLocked() []pending {
	n := min(len(c.buffer), c.opts.MaxBatch)
	batch := make([]pending, n)
	copy(batch, c.buffer[:n])
	c.buffer = c.buffer[n:]
	for _, p := range batch {
		if p.keyed {
			delete(c.keys, p.key)
		}
	}
	return batch
}

// handOff schedules durable removal of the batch and returns its events.
func (c *Coordinator) handOff(batch []pending) []types.Event {
	c.scheduleRemoval(batch)
	return eventsOf(batch)
}

func eventsOf(batch []pending) []types.Event {
	events := make([]types.Event, len(batch))
	for i, p := range batch {
		events[i] = p.event
	}
	return events
}

func (c *Coordinator) scheduleRemoval(batch []pending) {
	var keys []string
	for _, p := range batch {
		if p.keyed {
			keys = append(keys, p.key)
		}
	}
	if len(keys) == 0 || c.cleanup == nil {
		return
	}

	c.acks.Add(1)
	err := c.cleanup.Enqueue(c.id, func(ctx context.Context) error {
		defer c.acks.Done()
		return c.store.Remove(ctx, keys)
	})
	if err != nil {
		c.acks.Done()
		c.logger.Warn("failed to schedule removal", "count", len(keys), "error", err)
	}
}

func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return types.NewInputError("Invalid webhook URL.")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return types.NewInputError("Webhook protocol must be HTTP(S).")
	}
	return nil
}

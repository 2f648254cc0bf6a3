// internal/session/cache.go
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/user/tgmux/internal/delivery"
	"github.com/user/tgmux/internal/download"
	"github.com/user/tgmux/internal/state"
	"github.com/user/tgmux/internal/types"
)

// Options configure a Cache.
type Options struct {
	DataDir   string
	Delivery  delivery.Options
	Downloads download.Options
	Retry     *RetryPolicy

	// IdleWindow is how long a session may go without long-poll activity
	// before the reaper evicts it.
	IdleWindow time.Duration
	// ReapSchedule is the cron spec of the reaper sweep.
	ReapSchedule string
	// CleanupConcurrency bounds concurrent pending-event removals.
	CleanupConcurrency int64
}

func (o Options) withDefaults() Options {
	if o.Retry == nil {
		o.Retry = DefaultRetryPolicy()
	}
	if o.IdleWindow <= 0 {
		o.IdleWindow = 5 * time.Minute
	}
	if o.ReapSchedule == "" {
		o.ReapSchedule = "@every 30m"
	}
	if o.CleanupConcurrency <= 0 {
		o.CleanupConcurrency = 4
	}
	return o
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

// Cache owns the live sessions of one worker. Sessions are created on first
// access, at most once per id, and evicted on fatal authorization errors or
// by the idle reaper. Their durable state outlives eviction.
type Cache struct {
	dialers *Dialers
	kvdir   *state.KVDir
	cleanup *delivery.CleanupQueue
	opts    Options
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[types.SessionID]*Session

	locksMu sync.Mutex
	locks   map[types.SessionID]*idLock

	reaper *reaper
}

// NewCache creates a session cache storing state under opts.DataDir.
func NewCache(dialers *Dialers, opts Options) *Cache {
	opts = opts.withDefaults()
	cleanup := delivery.NewCleanupQueue(opts.CleanupConcurrency)
	cleanup.Start(context.Background())
	return &Cache{
		dialers:  dialers,
		kvdir:    state.NewKVDir(opts.DataDir),
		cleanup:  cleanup,
		opts:     opts,
		logger:   slog.Default().With("component", "session"),
		sessions: make(map[types.SessionID]*Session),
		locks:    make(map[types.SessionID]*idLock),
	}
}

// lock acquires the per-id creation lock. Lock entries are reference
// counted and removed when unused.
func (c *Cache) lock(id types.SessionID) func() {
	c.locksMu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &idLock{}
		c.locks[id] = l
	}
	l.refs++
	c.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, id)
		}
		c.locksMu.Unlock()
	}
}

func (c *Cache) lookup(id types.SessionID) *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[id]
}

// Get returns the connected session for id, creating it on first access.
// A session whose connection dropped is reconnected with the retry policy;
// when that gives up the error wraps types.ErrNotConnected.
func (c *Cache) Get(ctx context.Context, id types.SessionID) (*Session, error) {
	return c.open(ctx, id, true)
}

// Open returns the session for id, creating it on first access. Unlike Get
// it succeeds when the session could not connect yet, so delivery state can
// be served while the network is unreachable.
func (c *Cache) Open(ctx context.Context, id types.SessionID) (*Session, error) {
	return c.open(ctx, id, false)
}

func (c *Cache) open(ctx context.Context, id types.SessionID, requireConn bool) (*Session, error) {
	if s := c.lookup(id); s != nil && (!requireConn || s.Protocol.Connected()) {
		return s, nil
	}

	unlock := c.lock(id)
	defer unlock()

	s := c.lookup(id)
	if s == nil {
		if err := id.Validate(); err != nil {
			return nil, err
		}
		var err error
		if s, err = c.create(ctx, id); err != nil {
			return nil, err
		}
	}

	err := c.connect(ctx, s)
	if err == nil {
		return s, nil
	}
	if !requireConn && errors.Is(err, types.ErrNotConnected) {
		c.logger.Warn("session opened without connection", "session", id.Redacted(), "error", err)
		return s, nil
	}
	return nil, err
}

func (c *Cache) create(ctx context.Context, id types.SessionID) (*Session, error) {
	kv, err := c.kvdir.Open(id)
	if err != nil {
		return nil, err
	}
	coord := delivery.NewCoordinator(id, state.NewPendingStore(kv), c.cleanup, c.opts.Delivery)
	if err := coord.Restore(ctx); err != nil {
		kv.Close()
		return nil, fmt.Errorf("restore session: %w", err)
	}

	s := &Session{
		ID:        id,
		Delivery:  coord,
		kv:        kv,
		createdAt: time.Now(),
	}
	hooks := types.Hooks{
		OnEvent: func(ev types.Event) {
			if err := coord.Push(context.Background(), ev); err != nil && !errors.Is(err, delivery.ErrEvicted) {
				c.logger.Error("failed to buffer event", "session", id.Redacted(), "error", err)
			}
		},
		OnFatal: func(err error) {
			c.logger.Warn("fatal session error", "session", id.Redacted(), "error", err)
			go c.evict(s)
		},
	}

	proto, err := c.dialers.Dial(id, hooks)
	if err != nil {
		coord.Close()
		kv.Close()
		return nil, err
	}
	s.Protocol = proto
	s.Downloads = download.NewCache(id, proto, state.NewChunkStore(c.opts.DataDir, id), c.opts.Downloads)

	c.mu.Lock()
	c.sessions[id] = s
	c.mu.Unlock()
	c.logger.Info("session created", "session", id.Redacted())

	// A session recreated after eviction resumes its registered webhook.
	if coord.StartWebhookLoop() {
		c.logger.Info("resumed webhook loop", "session", id.Redacted())
	}
	return s, nil
}

// connect brings the session up with the retry policy. A fatal
// authorization error evicts the session; any other failure is reported
// as types.ErrNotConnected. The caller holds the id lock.
func (c *Cache) connect(ctx context.Context, s *Session) error {
	if s.Protocol.Connected() {
		return nil
	}
	err := c.opts.Retry.Execute(ctx, s.Protocol.Connect)
	if err == nil {
		return nil
	}
	if errors.Is(err, types.ErrUnauthorized) {
		c.evict(s)
		return err
	}
	var inputErr *types.InputError
	if errors.As(err, &inputErr) {
		c.evict(s)
		return err
	}
	return fmt.Errorf("%w: %w", types.ErrNotConnected, err)
}

// Call invokes method on the session, evicting it on fatal authorization
// errors.
func (c *Cache) Call(ctx context.Context, s *Session, method string, args []json.RawMessage) (json.RawMessage, error) {
	res, err := s.Protocol.Call(ctx, method, args)
	c.checkFatal(s, err)
	return res, err
}

// Invoke sends a raw function on the session, evicting it on fatal
// authorization errors.
func (c *Cache) Invoke(ctx context.Context, s *Session, fn json.RawMessage) (json.RawMessage, error) {
	res, err := s.Protocol.Invoke(ctx, fn)
	c.checkFatal(s, err)
	return res, err
}

func (c *Cache) checkFatal(s *Session, err error) {
	if errors.Is(err, types.ErrUnauthorized) {
		c.logger.Warn("evicting unauthorized session", "session", s.ID.Redacted())
		c.evict(s)
	}
}

// Evict closes and forgets the session for id, if cached.
func (c *Cache) Evict(id types.SessionID) bool {
	s := c.lookup(id)
	if s == nil {
		return false
	}
	return c.evict(s)
}

// evict removes s if it is still the cached session for its id. Only the
// caller that removed it closes it.
func (c *Cache) evict(s *Session) bool {
	c.mu.Lock()
	if c.sessions[s.ID] != s {
		c.mu.Unlock()
		return false
	}
	delete(c.sessions, s.ID)
	c.mu.Unlock()

	s.close()
	c.cleanup.Release(s.ID)
	c.logger.Info("session evicted", "session", s.ID.Redacted())
	return true
}

// Count returns the number of live sessions.
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

func (c *Cache) snapshot() []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		list = append(list, s)
	}
	return list
}

// Stats reports every live session, sorted by id.
func (c *Cache) Stats() []types.SessionStats {
	list := c.snapshot()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	stats := make([]types.SessionStats, len(list))
	for i, s := range list {
		stats[i] = s.Stats()
	}
	return stats
}

// Close stops the reaper and evicts every session.
func (c *Cache) Close() {
	c.StopReaper()
	for _, s := range c.snapshot() {
		c.evict(s)
	}
	c.cleanup.Stop()
}

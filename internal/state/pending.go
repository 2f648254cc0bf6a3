// internal/state/pending.go
package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/user/tgmux/internal/types"
)

const (
	pendingPrefix = "pending/"
	webhookKey    = "webhook"
)

// prefixDeleter is implemented by stores that can drop a key range in one
// statement.
type prefixDeleter interface {
	DeletePrefix(ctx context.Context, prefix string) error
}

// PendingEntry is one persisted event with its dedup key.
type PendingEntry struct {
	Key   string
	Event types.Event
}

// PendingStore keeps undelivered events and the registered webhook URL of a
// session. Events are stored under pending/<dedup key>, so re-persisting
// the same event overwrites rather than duplicates.
type PendingStore struct {
	kv types.KV
}

// NewPendingStore wraps a session's KV.
func NewPendingStore(kv types.KV) *PendingStore {
	return &PendingStore{kv: kv}
}

// Put persists ev under key. It is idempotent for a given key.
func (p *PendingStore) Put(ctx context.Context, key string, ev types.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.kv.Set(ctx, pendingPrefix+key, data); err != nil {
		return fmt.Errorf("persist event %s: %w", key, err)
	}
	return nil
}

// Remove deletes the given keys. Missing keys are ignored.
func (p *PendingStore) Remove(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if err := p.kv.Delete(ctx, pendingPrefix+key); err != nil {
			return fmt.Errorf("remove event %s: %w", key, err)
		}
	}
	return nil
}

// Load returns every persisted event in persistence order. Unreadable rows
// are skipped.
func (p *PendingStore) Load(ctx context.Context) ([]PendingEntry, error) {
	rows, err := p.kv.List(ctx, pendingPrefix)
	if err != nil {
		return nil, fmt.Errorf("load pending events: %w", err)
	}
	entries := make([]PendingEntry, 0, len(rows))
	for _, row := range rows {
		var ev types.Event
		if err := json.Unmarshal(row.Value, &ev); err != nil {
			continue
		}
		entries = append(entries, PendingEntry{
			Key:   row.Key[len(pendingPrefix):],
			Event: ev,
		})
	}
	return entries, nil
}

// Drop deletes every persisted event.
func (p *PendingStore) Drop(ctx context.Context) error {
	if d, ok := p.kv.(prefixDeleter); ok {
		return d.DeletePrefix(ctx, pendingPrefix)
	}
	rows, err := p.kv.List(ctx, pendingPrefix)
	if err != nil {
		return fmt.Errorf("drop pending events: %w", err)
	}
	for _, row := range rows {
		if err := p.kv.Delete(ctx, row.Key); err != nil {
			return fmt.Errorf("drop pending events: %w", err)
		}
	}
	return nil
}

// Webhook returns the registered webhook URL, or "" if none.
func (p *PendingStore) Webhook(ctx context.Context) (string, error) {
	value, ok, err := p.kv.Get(ctx, webhookKey)
	if err != nil || !ok {
		return "", err
	}
	return string(value), nil
}

func (p *PendingStore) SetWebhook(ctx context.Context, url string) error {
	return p.kv.Set(ctx, webhookKey, []byte(url))
}

func (p *PendingStore) DeleteWebhook(ctx context.Context) error {
	return p.kv.Delete(ctx, webhookKey)
}

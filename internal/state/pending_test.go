package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/tgmux/internal/types"
)

func newPendingStore(t *testing.T) *PendingStore {
	t.Helper()
	kv, err := OpenKV(filepath.Join(t.TempDir(), "s.db"))
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return NewPendingStore(kv)
}

func TestPendingStore_PutLoadRemove(t *testing.T) {
	ctx := t.Context()
	p := newPendingStore(t)

	e1 := types.NewEvent([]byte(`{"update_id":1}`))
	e2 := types.NewEvent([]byte(`{"update_id":2}`))
	require.NoError(t, p.Put(ctx, "k1", e1))
	require.NoError(t, p.Put(ctx, "k2", e2))
	require.NoError(t, p.Put(ctx, "k1", e1))

	entries, err := p.Load(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "k1", entries[0].Key)
	assert.JSONEq(t, `{"update_id":1}`, string(entries[0].Event.Raw()))
	assert.Equal(t, "k2", entries[1].Key)

	require.NoError(t, p.Remove(ctx, []string{"k1", "absent"}))
	entries, err = p.Load(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "k2", entries[0].Key)
}

func TestPendingStore_DropLeavesWebhook(t *testing.T) {
	ctx := t.Context()
	p := newPendingStore(t)

	require.NoError(t, p.SetWebhook(ctx, "https://example.com/hook"))
	require.NoError(t, p.Put(ctx, "k1", types.NewEvent([]byte(`{}`))))
	require.NoError(t, p.Drop(ctx))

	entries, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	url, err := p.Webhook(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/hook", url)

	require.NoError(t, p.DeleteWebhook(ctx))
	url, err = p.Webhook(ctx)
	require.NoError(t, err)
	assert.Empty(t, url)
}

// Package state provides the durable per-session stores: a SQLite-backed
// key-value store, the pending-event log built on it, and the on-disk
// download chunk store.
package state

import "github.com/user/tgmux/internal/types"

// Compile-time interface compliance checks.
var _ types.KV = (*SQLiteKV)(nil)

// internal/session/dialers.go
package session

import (
	"sync"

	"github.com/user/tgmux/internal/types"
)

// DialerFunc adapts a function to types.Dialer.
type DialerFunc func(id types.SessionID, hooks types.Hooks) (types.Protocol, error)

func (f DialerFunc) Dial(id types.SessionID, hooks types.Hooks) (types.Protocol, error) {
	return f(id, hooks)
}

// Dialers routes session ids to the dialer registered for their role
// prefix.
type Dialers struct {
	mu      sync.RWMutex
	dialers map[types.Role]types.Dialer
}

// NewDialers creates an empty dialer registry.
func NewDialers() *Dialers {
	return &Dialers{
		dialers: make(map[types.Role]types.Dialer),
	}
}

// Register sets the dialer for sessions of role.
func (d *Dialers) Register(role types.Role, dialer types.Dialer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialers[role] = dialer
}

// Dial finds the dialer matching the id's role and calls it.
func (d *Dialers) Dial(id types.SessionID, hooks types.Hooks) (types.Protocol, error) {
	role, ok := id.Role()
	if !ok {
		return nil, types.NewInputError("Invalid client ID")
	}
	d.mu.RLock()
	dialer, ok := d.dialers[role]
	d.mu.RUnlock()
	if !ok {
		return nil, types.NewInputError("Sessions of role %q are not supported by this server", role)
	}
	return dialer.Dial(id, hooks)
}

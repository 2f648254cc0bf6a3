// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

// Role is the credential kind encoded in a session id prefix.
type Role string

const (
	RoleBot  Role = "bot"
	RoleUser Role = "user"
)

// SessionID names one account session. It is also the sharding key and the
// name of the session's on-disk stores.
type SessionID string

// CallToken correlates a worker request with its reply.
type CallToken string

// StreamToken names an open download stream inside a worker.
type StreamToken string

func NewCallToken() CallToken {
	return CallToken(uuid.New().String())
}

func NewStreamToken() StreamToken {
	return StreamToken(uuid.New().String())
}

// NewUserSessionID returns a fresh id for a user-role session.
func NewUserSessionID() SessionID {
	return SessionID(string(RoleUser) + uuid.New().String())
}

// Role returns the role prefix of the id.
func (id SessionID) Role() (Role, bool) {
	s := string(id)
	switch {
	case strings.HasPrefix(s, string(RoleBot)):
		return RoleBot, true
	case strings.HasPrefix(s, string(RoleUser)):
		return RoleUser, true
	}
	return "", false
}

// Credential returns the id with its role prefix removed.
func (id SessionID) Credential() string {
	role, ok := id.Role()
	if !ok {
		return ""
	}
	return strings.TrimPrefix(string(id), string(role))
}

// Validate rejects ids that cannot name a session.
func (id SessionID) Validate() error {
	s := string(id)
	if strings.TrimSpace(s) == "" {
		return NewInputError("Invalid client ID")
	}
	if strings.ContainsAny(s, `/\`) || s == "." || s == ".." {
		return NewInputError("Invalid client ID")
	}
	if _, ok := id.Role(); !ok {
		return NewInputError("Invalid client ID")
	}
	return nil
}

// Redacted returns the id with its secret part masked, for logs and stats.
func (id SessionID) Redacted() string {
	role, ok := id.Role()
	if !ok {
		return "***"
	}
	cred := id.Credential()
	if i := strings.IndexByte(cred, ':'); role == RoleBot && i >= 0 {
		return string(role) + cred[:i] + ":***"
	}
	if len(cred) > 8 {
		return string(role) + cred[:8] + "***"
	}
	return string(role) + "***"
}

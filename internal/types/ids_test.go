// internal/types/ids_test.go
package types

import (
	"errors"
	"strings"
	"testing"
)

func TestNewCallToken(t *testing.T) {
	tok := NewCallToken()
	if tok == "" {
		t.Error("expected non-empty CallToken")
	}
	if len(string(tok)) != 36 {
		t.Errorf("expected UUID format, got %s", tok)
	}
	if NewCallToken() == tok {
		t.Error("expected distinct tokens")
	}
}

func TestSessionIDRole(t *testing.T) {
	cases := []struct {
		id   SessionID
		role Role
		ok   bool
	}{
		{"bot123:abc", RoleBot, true},
		{"user4f0c", RoleUser, true},
		{"admin", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		role, ok := c.id.Role()
		if role != c.role || ok != c.ok {
			t.Errorf("%q: expected (%q, %v), got (%q, %v)", c.id, c.role, c.ok, role, ok)
		}
	}
}

func TestSessionIDCredential(t *testing.T) {
	if got := SessionID("bot123:abc").Credential(); got != "123:abc" {
		t.Errorf("expected 123:abc, got %q", got)
	}
	if got := SessionID("nope").Credential(); got != "" {
		t.Errorf("expected empty credential, got %q", got)
	}
}

func TestSessionIDValidate(t *testing.T) {
	for _, id := range []SessionID{"", "  ", "chan1", "bot1/../x", `user\x`} {
		err := id.Validate()
		var inputErr *InputError
		if !errors.As(err, &inputErr) {
			t.Errorf("%q: expected InputError, got %v", id, err)
		}
	}
	if err := SessionID("bot1:x").Validate(); err != nil {
		t.Errorf("expected valid id, got %v", err)
	}
}

func TestNewUserSessionID(t *testing.T) {
	id := NewUserSessionID()
	if !strings.HasPrefix(string(id), "user") {
		t.Errorf("expected user prefix, got %s", id)
	}
	if err := id.Validate(); err != nil {
		t.Errorf("expected valid id, got %v", err)
	}
}

func TestSessionIDRedacted(t *testing.T) {
	tests := map[SessionID]string{
		"bot123456:AAHsecret":  "bot123456:***",
		"user0123456789abcdef": "user01234567***",
		"usershort":            "user***",
		"other":                "***",
	}
	for id, want := range tests {
		if got := id.Redacted(); got != want {
			t.Errorf("%q: expected %q, got %q", id, want, got)
		}
	}
}

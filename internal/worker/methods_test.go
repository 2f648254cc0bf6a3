package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsAllowedMethod(t *testing.T) {
	for _, m := range []string{"getMe", "sendMessage", "getMessages"} {
		assert.True(t, IsAllowedMethod(m), m)
	}
	for _, m := range []string{"", "getUpdates", "invoke", "download", "exportSessionString", "SendMessage"} {
		assert.False(t, IsAllowedMethod(m), m)
	}
}

func TestIsFunctionAllowed(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"ping", true},
		{"messages.sendMessage", true},
		{"sendMessage", true},
		{"invokeWithLayer", false},
		{"auth.signIn", false},
		{"auth.logOut", false},
		{"getUpdates", false},
		{"setWebhook", false},
		{"logOut", false},
		{"req_pq_multi", false},
		{"msgs_ack", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsFunctionAllowed(tt.name), tt.name)
	}
}

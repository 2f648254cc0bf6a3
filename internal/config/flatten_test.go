package config

import (
	"testing"
)

func TestFlatten_Nested(t *testing.T) {
	m := map[string]any{
		"log_level": "info",
		"http": map[string]any{
			"listen": ":8000",
		},
		"delivery": map[string]any{
			"max_batch":      100.0,
			"webhook_secret": "s3cret",
		},
	}
	got := Flatten(m)
	if len(got) != 4 {
		t.Fatalf("expected 4 keys, got %d: %v", len(got), got)
	}
	if got["http.listen"] != ":8000" {
		t.Errorf("expected http.listen=:8000, got %v", got["http.listen"])
	}
	if got["delivery.max_batch"] != 100.0 {
		t.Errorf("expected delivery.max_batch=100, got %v", got["delivery.max_batch"])
	}
	if got["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", got["log_level"])
	}
}

func TestFlatten_EmptyNestedMap(t *testing.T) {
	got := Flatten(map[string]any{"stats": map[string]any{}})
	if len(got) != 0 {
		t.Errorf("expected empty map, got %v", got)
	}
}

func TestUnflatten_Nested(t *testing.T) {
	got := Unflatten(map[string]any{
		"data_dir":             "/tmp/x",
		"stats.enabled":        true,
		"stats.listen":         ":3000",
		"sessions.idle_window": "5m0s",
	})
	stats, ok := got["stats"].(map[string]any)
	if !ok {
		t.Fatalf("expected stats to be a map, got %T", got["stats"])
	}
	if stats["enabled"] != true || stats["listen"] != ":3000" {
		t.Errorf("unexpected stats section: %v", stats)
	}
	sessions := got["sessions"].(map[string]any)
	if sessions["idle_window"] != "5m0s" {
		t.Errorf("expected sessions.idle_window=5m0s, got %v", sessions["idle_window"])
	}
	if got["data_dir"] != "/tmp/x" {
		t.Errorf("expected data_dir=/tmp/x, got %v", got["data_dir"])
	}
}

func TestRoundTrip_FlattenUnflatten(t *testing.T) {
	original := map[string]any{
		"workers": 4.0,
		"telegram": map[string]any{
			"api_endpoint":  "http://localhost:8081/bot%s/%s",
			"file_endpoint": "http://localhost:8081/file/bot%s/%s",
		},
	}
	restored := Unflatten(Flatten(original))

	if restored["workers"] != 4.0 {
		t.Errorf("workers mismatch: %v", restored["workers"])
	}
	tg := restored["telegram"].(map[string]any)
	origTg := original["telegram"].(map[string]any)
	for _, key := range []string{"api_endpoint", "file_endpoint"} {
		if tg[key] != origTg[key] {
			t.Errorf("telegram.%s mismatch: %v != %v", key, tg[key], origTg[key])
		}
	}
}

func TestMaskSecrets(t *testing.T) {
	tests := []struct {
		value any
		want  any
	}{
		{"whsec-123456", "***3456"},
		{"ab", "***ab"},
		{"abcd", "***abcd"},
		{"", ""},
	}
	for _, tt := range tests {
		got := MaskSecrets(map[string]any{
			"delivery.webhook_secret": tt.value,
			"http.listen":             ":8000",
		})
		if got["delivery.webhook_secret"] != tt.want {
			t.Errorf("mask %q: expected %v, got %v", tt.value, tt.want, got["delivery.webhook_secret"])
		}
		if got["http.listen"] != ":8000" {
			t.Errorf("non-secret changed: %v", got["http.listen"])
		}
	}
}

func TestIsSecretKey(t *testing.T) {
	if !IsSecretKey("delivery.webhook_secret") {
		t.Error("expected delivery.webhook_secret to be secret")
	}
	if IsSecretKey("delivery.max_batch") {
		t.Error("expected delivery.max_batch not to be secret")
	}
}

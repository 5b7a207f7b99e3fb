package state

import (
	"strings"
	"testing"
)

func TestNewCapabilityRequestNormalizesArgs(t *testing.T) {
	t.Parallel()

	a, err := NewCapabilityRequest(" Weather ", map[string]any{
		"location":   "  Chiang Mai ",
		"start_date": "2026-10-17",
		"end_date":   "2026-10-17",
		"units":      "",
		"extra":      nil,
	})
	if err != nil {
		t.Fatalf("NewCapabilityRequest() error = %v", err)
	}
	b, err := NewCapabilityRequest("weather", map[string]any{
		"end_date":   "2026-10-17",
		"location":   "Chiang Mai",
		"start_date": "2026-10-17",
	})
	if err != nil {
		t.Fatalf("NewCapabilityRequest() error = %v", err)
	}

	if a.IdempotencyKey != b.IdempotencyKey {
		t.Fatalf("keys differ: %s vs %s", a.IdempotencyKey, b.IdempotencyKey)
	}
	if !strings.HasPrefix(a.IdempotencyKey, "weather:") {
		t.Fatalf("unexpected key prefix: %s", a.IdempotencyKey)
	}
	if a.Capability != "weather" {
		t.Fatalf("Capability = %q, want weather", a.Capability)
	}
	if _, ok := a.Args["units"]; ok {
		t.Fatal("empty args must be dropped")
	}
	if a.Args["location"] != "Chiang Mai" {
		t.Fatalf("location = %q, want trimmed", a.Args["location"])
	}
}

func TestIdempotencyKeyDistinguishesArgs(t *testing.T) {
	t.Parallel()

	a, err := NewCapabilityRequest("search", map[string]any{"query": "night markets", "max_results": 5})
	if err != nil {
		t.Fatalf("NewCapabilityRequest() error = %v", err)
	}
	b, err := NewCapabilityRequest("search", map[string]any{"query": "night markets", "max_results": 6})
	if err != nil {
		t.Fatalf("NewCapabilityRequest() error = %v", err)
	}
	c, err := NewCapabilityRequest("weather", map[string]any{"query": "night markets", "max_results": 5})
	if err != nil {
		t.Fatalf("NewCapabilityRequest() error = %v", err)
	}

	if a.IdempotencyKey == b.IdempotencyKey || a.IdempotencyKey == c.IdempotencyKey {
		t.Fatal("expected distinct keys for distinct requests")
	}
}

func TestIdempotencyKeyTreatsIntAndFloatAlike(t *testing.T) {
	t.Parallel()

	a, err := NewCapabilityRequest("search", map[string]any{"query": "x", "max_results": 5})
	if err != nil {
		t.Fatalf("NewCapabilityRequest() error = %v", err)
	}
	b, err := NewCapabilityRequest("search", map[string]any{"query": "x", "max_results": float64(5)})
	if err != nil {
		t.Fatalf("NewCapabilityRequest() error = %v", err)
	}
	if a.IdempotencyKey != b.IdempotencyKey {
		t.Fatalf("keys differ: %s vs %s", a.IdempotencyKey, b.IdempotencyKey)
	}
}

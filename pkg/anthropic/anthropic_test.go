package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/cloudwego/eino/schema"
)

func TestChatModelGenerate(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		body map[string]any
		key  string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		mu.Lock()
		key = r.Header.Get("X-Api-Key")
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"{\"kind\":"},{"type":"text","text":"\"clarify\"}"}],
			"stop_reason":"end_turn","usage":{"input_tokens":12,"output_tokens":5}}`)
	}))
	t.Cleanup(server.Close)

	m, err := New(Config{BaseURL: server.URL, APIKey: "sk-test", Model: "claude-test", Temperature: 0.2})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	out, err := m.Generate(context.Background(), []*schema.Message{
		schema.SystemMessage("you plan trips"),
		schema.UserMessage("plan saturday"),
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if out.Content != `{"kind":"clarify"}` {
		t.Fatalf("content = %q", out.Content)
	}
	if out.ResponseMeta == nil || out.ResponseMeta.Usage.TotalTokens != 17 {
		t.Fatalf("unexpected response meta: %+v", out.ResponseMeta)
	}

	mu.Lock()
	defer mu.Unlock()
	if key != "sk-test" {
		t.Fatalf("api key header = %q", key)
	}
	if body["model"] != "claude-test" {
		t.Fatalf("model = %v", body["model"])
	}
	if msgs, ok := body["messages"].([]any); !ok || len(msgs) != 1 {
		t.Fatalf("messages = %v, want only the user message", body["messages"])
	}
	if system, ok := body["system"].([]any); !ok || len(system) != 1 {
		t.Fatalf("system = %v", body["system"])
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Model: "claude-test"}); err == nil {
		t.Fatal("expected missing api key error")
	}
	if _, err := New(Config{APIKey: "sk"}); err == nil {
		t.Fatal("expected missing model error")
	}
}

package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type tavilyRecorder struct {
	mu      sync.Mutex
	request tavilyRequest
	auth    string
}

func (r *tavilyRecorder) snapshot() (tavilyRequest, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.request, r.auth
}

func newSearchServer(t *testing.T, rec *tavilyRecorder, body string) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req tavilyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		rec.mu.Lock()
		rec.request = req
		rec.auth = r.Header.Get("Authorization")
		rec.mu.Unlock()
		fmt.Fprint(w, body)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestSearchSourceFetchRanksByScore(t *testing.T) {
	t.Parallel()

	rec := &tavilyRecorder{}
	server := newSearchServer(t, rec, `{
		"answer": "Chatuchak opens on weekends.",
		"results": [
			{"title": "Low", "url": "https://a.example", "content": "low   score", "score": 0.2},
			{"title": "High", "url": "https://b.example", "content": "high score", "score": 0.9},
			{"title": "Mid", "url": "https://c.example", "content": "mid score", "score": 0.5}
		]
	}`)
	src := NewSearchSource(SearchConfig{BaseURL: server.URL, APIKey: "tvly"}, server.Client())

	out, err := src.Fetch(context.Background(), map[string]any{"query": "weekend market bangkok", "locale": "Thailand", "max_results": float64(2)})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	req, auth := rec.snapshot()
	if auth != "Bearer tvly" {
		t.Fatalf("auth = %q", auth)
	}
	wantReq := tavilyRequest{Query: "weekend market bangkok", SearchDepth: "basic", MaxResults: 2, IncludeAnswer: true, Country: "thailand"}
	if diff := cmp.Diff(wantReq, req); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}

	results := out.Data.(SearchResults)
	want := []SearchHit{
		{Rank: 1, Title: "High", URL: "https://b.example", Snippet: "high score", Score: 0.9},
		{Rank: 2, Title: "Mid", URL: "https://c.example", Snippet: "mid score", Score: 0.5},
	}
	if diff := cmp.Diff(want, results.Results); diff != "" {
		t.Fatalf("results mismatch (-want +got):\n%s", diff)
	}
	if results.Answer != "Chatuchak opens on weekends." {
		t.Fatalf("answer = %q", results.Answer)
	}
	if out.Summary == "" {
		t.Fatal("summary must not be empty")
	}
}

func TestSearchSourceValidate(t *testing.T) {
	t.Parallel()

	src := NewSearchSource(SearchConfig{APIKey: "tvly"}, nil)
	if err := src.Validate(map[string]any{"query": "x", "max_results": float64(11)}); err == nil {
		t.Fatal("expected max_results bound error")
	}
	if err := src.Validate(map[string]any{"query": "x", "search_depth": "deep"}); err == nil {
		t.Fatal("expected search_depth error")
	}
	if err := src.Validate(map[string]any{"query": "x", "search_depth": "advanced", "max_results": float64(10)}); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

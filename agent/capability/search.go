package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/skyplanner/agent/contract"
)

const (
	defaultSearchBaseURL = "https://api.tavily.com"
	defaultSearchResults = 5
	maxSearchResults     = 10
	maxSnippetLen        = 500
)

type SearchConfig struct {
	BaseURL string        `envconfig:"BASE_URL" split_words:"true" default:"https://api.tavily.com"`
	APIKey  string        `envconfig:"API_KEY" split_words:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
}

func (c SearchConfig) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: tavily api key is required", contractx.ErrValidation)
	}
	return nil
}

type searchArgs struct {
	Query       string `json:"query" validate:"required"`
	Locale      string `json:"locale"`
	SearchDepth string `json:"search_depth" validate:"omitempty,oneof=basic advanced"`
	MaxResults  int    `json:"max_results" validate:"omitempty,min=1,max=10"`
}

type SearchHit struct {
	Rank    int     `json:"rank"`
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

type SearchResults struct {
	Query   string      `json:"query"`
	Answer  string      `json:"answer,omitempty"`
	Results []SearchHit `json:"results"`
}

type tavilyRequest struct {
	Query         string `json:"query"`
	SearchDepth   string `json:"search_depth"`
	MaxResults    int    `json:"max_results"`
	IncludeAnswer bool   `json:"include_answer"`
	Country       string `json:"country,omitempty"`
}

type tavilyResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// SearchSource queries the Tavily search API.
type SearchSource struct {
	cfg        SearchConfig
	httpClient *http.Client
}

func NewSearchSource(cfg SearchConfig, httpClient *http.Client) *SearchSource {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultSearchBaseURL
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &SearchSource{cfg: cfg, httpClient: httpClient}
}

func (s *SearchSource) Descriptor() contractx.CapabilityDescriptor {
	return contractx.CapabilityDescriptor{
		Name:        CapabilitySearch,
		Description: "Web search for places, opening hours, events and travel facts. Returns ranked snippets and a short answer.",
		Params: map[string]*schema.ParameterInfo{
			"query":        {Type: schema.String, Desc: "Search query", Required: true},
			"locale":       {Type: schema.String, Desc: "Optional country to boost, e.g. thailand"},
			"search_depth": {Type: schema.String, Desc: "Search depth", Enum: []string{"basic", "advanced"}},
			"max_results":  {Type: schema.Integer, Desc: "Number of results, 1-10 (default 5)"},
		},
	}
}

func (s *SearchSource) Validate(args map[string]any) error {
	_, err := decodeArgs[searchArgs](args)
	return err
}

func (s *SearchSource) Fetch(ctx context.Context, args map[string]any) (Output, error) {
	a, err := decodeArgs[searchArgs](args)
	if err != nil {
		return Output{}, err
	}

	payload := tavilyRequest{
		Query:         strings.TrimSpace(a.Query),
		SearchDepth:   a.SearchDepth,
		MaxResults:    a.MaxResults,
		IncludeAnswer: true,
		Country:       strings.ToLower(strings.TrimSpace(a.Locale)),
	}
	if payload.SearchDepth == "" {
		payload.SearchDepth = "basic"
	}
	if payload.MaxResults == 0 {
		payload.MaxResults = defaultSearchResults
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Output{}, fmt.Errorf("marshal search request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return Output{}, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Output{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if err != nil {
		return Output{}, fmt.Errorf("read search response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Output{}, &StatusError{Capability: CapabilitySearch, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var decoded tavilyResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Output{}, fmt.Errorf("decode search response: %w", err)
	}
	results := rankResults(payload.Query, decoded, payload.MaxResults)
	if len(results.Results) == 0 && results.Answer == "" {
		return Output{}, fmt.Errorf("%w: no search results for %q", ErrNoData, payload.Query)
	}
	return Output{Data: results, Summary: searchSummary(results)}, nil
}

func rankResults(query string, resp tavilyResponse, limit int) SearchResults {
	hits := make([]SearchHit, 0, len(resp.Results))
	for _, r := range resp.Results {
		snippet := strings.Join(strings.Fields(r.Content), " ")
		if len(snippet) > maxSnippetLen {
			snippet = snippet[:maxSnippetLen] + "..."
		}
		hits = append(hits, SearchHit{
			Title:   strings.TrimSpace(r.Title),
			URL:     strings.TrimSpace(r.URL),
			Snippet: snippet,
			Score:   r.Score,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit <= 0 || limit > maxSearchResults {
		limit = maxSearchResults
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	for i := range hits {
		hits[i].Rank = i + 1
	}
	return SearchResults{Query: query, Answer: strings.TrimSpace(resp.Answer), Results: hits}
}

func searchSummary(r SearchResults) string {
	var b strings.Builder
	if r.Answer != "" {
		b.WriteString(r.Answer)
	}
	for i, hit := range r.Results {
		if i == 3 {
			break
		}
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "#%d %s", hit.Rank, hit.Title)
	}
	return b.String()
}

var _ Source = (*SearchSource)(nil)

package capability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	contractx "github.com/tanpawarit/skyplanner/agent/contract"
	statex "github.com/tanpawarit/skyplanner/agent/state"
)

const bangkokOffset = 7 * 3600

// owmFixture returns 3-hourly points from 2026-10-17 00:00 to 2026-10-18 21:00 Bangkok time.
func owmFixture() map[string]any {
	loc := time.FixedZone("Bangkok", bangkokOffset)
	first := time.Date(2026, 10, 17, 0, 0, 0, 0, loc)

	var list []map[string]any
	for i := 0; i < 16; i++ {
		at := first.Add(time.Duration(i) * 3 * time.Hour)
		cond, pop := "Clear", 0.1
		if at.Day() == 18 && at.Hour() >= 12 {
			cond, pop = "Rain", 0.8
		}
		list = append(list, map[string]any{
			"dt":      at.Unix(),
			"main":    map[string]any{"temp": 25.0 + float64(i%4), "humidity": 70},
			"weather": []map[string]any{{"main": cond, "description": "desc " + cond}},
			"pop":     pop,
		})
	}
	return map[string]any{
		"list": list,
		"city": map[string]any{"name": "Bangkok", "country": "TH", "timezone": bangkokOffset},
	}
}

type queryRecorder struct {
	mu    sync.Mutex
	query url.Values
}

func (q *queryRecorder) Get(key string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.query.Get(key)
}

func newWeatherServer(t *testing.T, status int) (*httptest.Server, *queryRecorder) {
	t.Helper()

	seen := &queryRecorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.mu.Lock()
		seen.query = r.URL.Query()
		seen.mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"cod":"404","message":"city not found"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(owmFixture())
	}))
	t.Cleanup(server.Close)
	return server, seen
}

func TestWeatherSourceFetch(t *testing.T) {
	t.Parallel()

	server, seen := newWeatherServer(t, http.StatusOK)
	src := NewWeatherSource(WeatherConfig{BaseURL: server.URL, APIKey: "key"}, server.Client())

	out, err := src.Fetch(context.Background(), map[string]any{
		"location":     "Bangkok",
		"country_code": "th",
		"start_date":   "2026-10-18",
		"end_date":     "2026-10-18",
	})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got := seen.Get("q"); got != "Bangkok,TH" {
		t.Fatalf("q = %q, want Bangkok,TH", got)
	}
	if got := seen.Get("appid"); got != "key" {
		t.Fatalf("appid = %q", got)
	}
	if out.Partial {
		t.Fatalf("range within horizon must not be partial: %s", out.Note)
	}

	forecast := out.Data.(Forecast)
	if len(forecast.Points) != 8 {
		t.Fatalf("points = %d, want 8", len(forecast.Points))
	}
	want := []DaySummary{{
		Date:          "2026-10-18",
		MinTemp:       25,
		MaxTemp:       28,
		AvgTemp:       26.5,
		MaxPrecipPct:  80,
		AvgHumidity:   70,
		Condition:     "Clear",
		ForecastCount: 8,
	}}
	if diff := cmp.Diff(want, forecast.Days); diff != "" {
		t.Fatalf("days mismatch (-want +got):\n%s", diff)
	}
}

func TestWeatherSourcePartialAndNoData(t *testing.T) {
	t.Parallel()

	server, _ := newWeatherServer(t, http.StatusOK)
	src := NewWeatherSource(WeatherConfig{BaseURL: server.URL, APIKey: "key"}, server.Client())

	out, err := src.Fetch(context.Background(), map[string]any{
		"location": "Bangkok", "start_date": "2026-10-18", "end_date": "2026-10-20",
	})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !out.Partial || out.Note == "" {
		t.Fatalf("range past horizon must be partial, got %+v", out)
	}

	_, err = src.Fetch(context.Background(), map[string]any{
		"location": "Bangkok", "start_date": "2026-10-25", "end_date": "2026-10-26",
	})
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("Fetch() error = %v, want ErrNoData", err)
	}
}

func TestWeatherSourceValidate(t *testing.T) {
	t.Parallel()

	src := NewWeatherSource(WeatherConfig{APIKey: "key"}, nil)
	tests := []struct {
		name string
		args map[string]any
	}{
		{name: "missing location", args: map[string]any{"start_date": "2026-10-18", "end_date": "2026-10-18"}},
		{name: "bad date", args: map[string]any{"location": "Bangkok", "start_date": "18/10/2026", "end_date": "2026-10-18"}},
		{name: "inverted range", args: map[string]any{"location": "Bangkok", "start_date": "2026-10-19", "end_date": "2026-10-18"}},
		{name: "bad units", args: map[string]any{"location": "Bangkok", "start_date": "2026-10-18", "end_date": "2026-10-18", "units": "kelvin"}},
		{name: "unknown arg", args: map[string]any{"location": "Bangkok", "start_date": "2026-10-18", "end_date": "2026-10-18", "city": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := src.Validate(tt.args); !errors.Is(err, contractx.ErrInvalidArgument) {
				t.Fatalf("Validate() error = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestWeatherNotFoundIsInvalidArgument(t *testing.T) {
	t.Parallel()

	server, _ := newWeatherServer(t, http.StatusNotFound)
	adapter := Wrap(NewWeatherSource(WeatherConfig{BaseURL: server.URL, APIKey: "key"}, server.Client()), fastPolicy())

	res := adapter.Invoke(context.Background(), mustRequest(t, CapabilityWeather, map[string]any{
		"location": "Atlantis", "start_date": "2026-10-18", "end_date": "2026-10-18",
	}))
	if res.Status != statex.StatusFailure || res.Reason != statex.ReasonInvalidArgument {
		t.Fatalf("result = %s/%s, want failure/%s", res.Status, res.Reason, statex.ReasonInvalidArgument)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", res.Attempts)
	}
}

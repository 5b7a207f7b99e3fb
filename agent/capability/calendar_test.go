package capability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/oauth2"

	contractx "github.com/tanpawarit/skyplanner/agent/contract"
)

func newCalendarServer(t *testing.T, failing string) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/users/me/calendarList"):
			fmt.Fprint(w, `{"items":[{"id":"team"},{"id":"home"},{"id":"old","deleted":true}]}`)
		case strings.Contains(r.URL.Path, "/calendars/"+failing+"/"):
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":{"code":500,"message":"backend error"}}`)
		case strings.Contains(r.URL.Path, "/calendars/home/events"):
			fmt.Fprint(w, `{"items":[
				{"summary":"Dentist","start":{"dateTime":"2026-10-17T13:00:00Z"},"end":{"dateTime":"2026-10-17T14:30:00Z"}},
				{"summary":"Cancelled","status":"cancelled","start":{"dateTime":"2026-10-17T15:00:00Z"},"end":{"dateTime":"2026-10-17T16:00:00Z"}}
			]}`)
		case strings.Contains(r.URL.Path, "/calendars/team/events"):
			fmt.Fprint(w, `{"items":[
				{"summary":"Standup","start":{"dateTime":"2026-10-17T10:00:00Z"},"end":{"dateTime":"2026-10-17T11:00:00Z"}}
			]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func newTestCalendarSource(t *testing.T, server *httptest.Server, tokens oauth2.TokenSource) *CalendarSource {
	t.Helper()

	src, err := NewCalendarSource(CalendarConfig{Endpoint: server.URL + "/", Timezone: "UTC"}, tokens, server.Client())
	if err != nil {
		t.Fatalf("NewCalendarSource() error = %v", err)
	}
	return src
}

func validToken() oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "token", TokenType: "Bearer"})
}

func TestCalendarSourceFetchAllCalendars(t *testing.T) {
	t.Parallel()

	server, _ := newCalendarServer(t, "none")
	src := newTestCalendarSource(t, server, validToken())

	out, err := src.Fetch(context.Background(), map[string]any{"start_date": "2026-10-17", "end_date": "2026-10-17"})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if out.Partial {
		t.Fatalf("unexpected partial: %s", out.Note)
	}

	sched := out.Data.(Schedule)
	if diff := cmp.Diff([]string{"home", "team"}, sched.Calendars); diff != "" {
		t.Fatalf("calendars mismatch (-want +got):\n%s", diff)
	}
	titles := make([]string, 0, len(sched.Events))
	for _, ev := range sched.Events {
		titles = append(titles, ev.Title)
	}
	if diff := cmp.Diff([]string{"Standup", "Dentist"}, titles); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}

	day := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	want := []FreeSlot{
		{Start: day.Add(9 * time.Hour), End: day.Add(10 * time.Hour)},
		{Start: day.Add(11 * time.Hour), End: day.Add(13 * time.Hour)},
		{Start: day.Add(14*time.Hour + 30*time.Minute), End: day.Add(18 * time.Hour)},
	}
	if diff := cmp.Diff(want, sched.FreeSlots); diff != "" {
		t.Fatalf("free slots mismatch (-want +got):\n%s", diff)
	}
}

func TestCalendarSourcePartialWhenOneCalendarFails(t *testing.T) {
	t.Parallel()

	server, _ := newCalendarServer(t, "team")
	src := newTestCalendarSource(t, server, validToken())

	out, err := src.Fetch(context.Background(), map[string]any{"start_date": "2026-10-17", "end_date": "2026-10-17"})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !out.Partial {
		t.Fatal("expected partial result")
	}
	sched := out.Data.(Schedule)
	if diff := cmp.Diff([]string{"team"}, sched.Failed); diff != "" {
		t.Fatalf("failed calendars mismatch (-want +got):\n%s", diff)
	}
}

func TestCalendarSourceSingleCalendarFailure(t *testing.T) {
	t.Parallel()

	server, _ := newCalendarServer(t, "team")
	src := newTestCalendarSource(t, server, validToken())

	_, err := src.Fetch(context.Background(), map[string]any{"start_date": "2026-10-17", "end_date": "2026-10-17", "calendar_id": "team"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("Fetch() error = %v, want provider status 500", err)
	}
}

func TestCalendarSourceAuthorization(t *testing.T) {
	t.Parallel()

	expired := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "token", Expiry: time.Now().Add(-time.Hour)})
	tests := []struct {
		name   string
		tokens oauth2.TokenSource
	}{
		{name: "missing", tokens: nil},
		{name: "expired", tokens: expired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server, calls := newCalendarServer(t, "none")
			src := newTestCalendarSource(t, server, tt.tokens)
			_, err := src.Fetch(context.Background(), map[string]any{"start_date": "2026-10-17", "end_date": "2026-10-17"})
			if !errors.Is(err, contractx.ErrAuthorization) {
				t.Fatalf("Fetch() error = %v, want ErrAuthorization", err)
			}
			if calls.Load() != 0 {
				t.Fatalf("provider called %d times without credentials", calls.Load())
			}
		})
	}
}

func TestFreeSlotsSpanningDays(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	events := []CalendarEvent{
		{Title: "Offsite", Start: start.Add(8 * time.Hour), End: start.Add(24*time.Hour + 12*time.Hour)},
	}

	got := freeSlots(events, start, start.AddDate(0, 0, 2), 9, 18)
	want := []FreeSlot{{Start: start.Add(24*time.Hour + 12*time.Hour), End: start.Add(24*time.Hour + 18*time.Hour)}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("freeSlots() mismatch (-want +got):\n%s", diff)
	}
}

func TestCalendarSourceBoundsFanOut(t *testing.T) {
	t.Parallel()

	var inflight, peak atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/users/me/calendarList") {
			fmt.Fprint(w, `{"items":[{"id":"c1"},{"id":"c2"},{"id":"c3"},{"id":"c4"},{"id":"c5"},{"id":"c6"},{"id":"c7"}]}`)
			return
		}
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		fmt.Fprint(w, `{"items":[]}`)
	}))
	t.Cleanup(server.Close)
	src := newTestCalendarSource(t, server, validToken())

	out, err := src.Fetch(context.Background(), map[string]any{"start_date": "2026-10-17", "end_date": "2026-10-17"})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	sched := out.Data.(Schedule)
	if len(sched.Calendars) != 7 || out.Partial {
		t.Fatalf("calendars = %v partial = %v", sched.Calendars, out.Partial)
	}
	if got := peak.Load(); got > maxCalendarFanout {
		t.Fatalf("peak concurrent event lists = %d, want <= %d", got, maxCalendarFanout)
	}
}

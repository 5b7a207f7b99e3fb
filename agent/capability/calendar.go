package capability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	contractx "github.com/tanpawarit/skyplanner/agent/contract"
)

const (
	allCalendars      = "all"
	maxCalendarFanout = 4
)

type CalendarConfig struct {
	Endpoint     string        `envconfig:"ENDPOINT" split_words:"true"`
	AccessToken  string        `envconfig:"ACCESS_TOKEN" split_words:"true"`
	Timezone     string        `envconfig:"TIMEZONE" split_words:"true" default:"UTC"`
	WorkdayStart int           `envconfig:"WORKDAY_START" split_words:"true" default:"9"`
	WorkdayEnd   int           `envconfig:"WORKDAY_END" split_words:"true" default:"18"`
	Timeout      time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"8s"`
}

func (c CalendarConfig) Validate() error {
	if c.WorkdayStart < 0 || c.WorkdayEnd > 24 || c.WorkdayStart >= c.WorkdayEnd {
		return fmt.Errorf("%w: workday hours must satisfy 0 <= start < end <= 24", contractx.ErrValidation)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("%w: calendar timezone: %v", contractx.ErrValidation, err)
	}
	return nil
}

// TokenSource returns a static source for the configured access token, or nil when
// none is configured.
func (c CalendarConfig) TokenSource() oauth2.TokenSource {
	token := strings.TrimSpace(c.AccessToken)
	if token == "" {
		return nil
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}

type calendarArgs struct {
	StartDate  string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate    string `json:"end_date" validate:"required,datetime=2006-01-02"`
	CalendarID string `json:"calendar_id"`
}

type CalendarEvent struct {
	CalendarID string    `json:"calendar_id"`
	Title      string    `json:"title"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	AllDay     bool      `json:"all_day,omitempty"`
	Location   string    `json:"location,omitempty"`
	Status     string    `json:"status,omitempty"`
}

type FreeSlot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type Schedule struct {
	Timezone  string          `json:"timezone"`
	Calendars []string        `json:"calendars"`
	Failed    []string        `json:"failed_calendars,omitempty"`
	Events    []CalendarEvent `json:"events"`
	FreeSlots []FreeSlot      `json:"free_slots"`
}

// CalendarSource reads events from Google Calendar with a token supplied by the
// auth collaborator. It never refreshes or acquires credentials itself.
type CalendarSource struct {
	cfg        CalendarConfig
	tokens     oauth2.TokenSource
	httpClient *http.Client
	loc        *time.Location
}

func NewCalendarSource(cfg CalendarConfig, tokens oauth2.TokenSource, httpClient *http.Client) (*CalendarSource, error) {
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if cfg.WorkdayStart == 0 && cfg.WorkdayEnd == 0 {
		cfg.WorkdayStart, cfg.WorkdayEnd = 9, 18
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, _ := time.LoadLocation(cfg.Timezone)
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &CalendarSource{cfg: cfg, tokens: tokens, httpClient: httpClient, loc: loc}, nil
}

func (c *CalendarSource) Descriptor() contractx.CapabilityDescriptor {
	return contractx.CapabilityDescriptor{
		Name:        CapabilityCalendar,
		Description: "The user's existing calendar events and free working-hour slots over a date range.",
		Params: map[string]*schema.ParameterInfo{
			"start_date":  {Type: schema.String, Desc: "First day, YYYY-MM-DD", Required: true},
			"end_date":    {Type: schema.String, Desc: "Last day, YYYY-MM-DD", Required: true},
			"calendar_id": {Type: schema.String, Desc: "Calendar id, or \"all\" for every calendar (default)"},
		},
	}
}

func (c *CalendarSource) Validate(args map[string]any) error {
	a, err := decodeArgs[calendarArgs](args)
	if err != nil {
		return err
	}
	_, _, err = dateRange(a.StartDate, a.EndDate, c.loc)
	return err
}

func (c *CalendarSource) Fetch(ctx context.Context, args map[string]any) (Output, error) {
	a, err := decodeArgs[calendarArgs](args)
	if err != nil {
		return Output{}, err
	}
	start, end, err := dateRange(a.StartDate, a.EndDate, c.loc)
	if err != nil {
		return Output{}, err
	}

	svc, err := c.service(ctx)
	if err != nil {
		return Output{}, err
	}

	ids, err := c.calendarIDs(ctx, svc, strings.TrimSpace(a.CalendarID))
	if err != nil {
		return Output{}, err
	}

	type listed struct {
		id     string
		events []CalendarEvent
		err    error
	}
	results := make([]listed, len(ids))
	// Per-calendar errors stay in results so one failing calendar yields a partial schedule.
	var g errgroup.Group
	g.SetLimit(maxCalendarFanout)
	for i, id := range ids {
		g.Go(func() error {
			events, err := c.listEvents(ctx, svc, id, start, end)
			results[i] = listed{id: id, events: events, err: err}
			return nil
		})
	}
	_ = g.Wait()

	sched := Schedule{Timezone: c.loc.String()}
	var firstErr error
	for _, r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			sched.Failed = append(sched.Failed, r.id)
			continue
		}
		sched.Calendars = append(sched.Calendars, r.id)
		sched.Events = append(sched.Events, r.events...)
	}
	if len(sched.Calendars) == 0 {
		return Output{}, firstErr
	}

	sort.SliceStable(sched.Events, func(i, j int) bool {
		if !sched.Events[i].Start.Equal(sched.Events[j].Start) {
			return sched.Events[i].Start.Before(sched.Events[j].Start)
		}
		return sched.Events[i].Title < sched.Events[j].Title
	})
	sched.FreeSlots = freeSlots(sched.Events, start, end, c.cfg.WorkdayStart, c.cfg.WorkdayEnd)

	out := Output{Data: sched, Summary: calendarSummary(sched)}
	if len(sched.Failed) > 0 {
		out.Partial = true
		out.Note = fmt.Sprintf("calendars unavailable: %s (%v)", strings.Join(sched.Failed, ", "), firstErr)
	}
	return out, nil
}

func (c *CalendarSource) service(ctx context.Context) (*calendar.Service, error) {
	if c.tokens == nil {
		return nil, fmt.Errorf("%w: no calendar credentials", contractx.ErrAuthorization)
	}
	token, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: calendar token: %v", contractx.ErrAuthorization, err)
	}
	if !token.Valid() {
		return nil, fmt.Errorf("%w: calendar token is expired or empty", contractx.ErrAuthorization)
	}

	client := &http.Client{
		Timeout: c.httpClient.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.ReuseTokenSource(token, c.tokens),
			Base:   c.httpClient.Transport,
		},
	}
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if endpoint := strings.TrimSpace(c.cfg.Endpoint); endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return svc, nil
}

func (c *CalendarSource) calendarIDs(ctx context.Context, svc *calendar.Service, requested string) ([]string, error) {
	if requested != "" && !strings.EqualFold(requested, allCalendars) {
		return []string{requested}, nil
	}
	list, err := svc.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, googleError(err)
	}
	ids := make([]string, 0, len(list.Items))
	for _, item := range list.Items {
		if item.Hidden || item.Deleted {
			continue
		}
		ids = append(ids, item.Id)
	}
	if len(ids) == 0 {
		return []string{"primary"}, nil
	}
	sort.Strings(ids)
	return ids, nil
}

func (c *CalendarSource) listEvents(ctx context.Context, svc *calendar.Service, id string, start, end time.Time) ([]CalendarEvent, error) {
	var out []CalendarEvent
	pageToken := ""
	for {
		call := svc.Events.List(id).
			TimeMin(start.Format(time.RFC3339)).
			TimeMax(end.Format(time.RFC3339)).
			SingleEvents(true).
			OrderBy("startTime").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		events, err := call.Do()
		if err != nil {
			return nil, googleError(err)
		}
		for _, item := range events.Items {
			if item.Status == "cancelled" {
				continue
			}
			ev, ok := c.normalizeEvent(id, item)
			if ok {
				out = append(out, ev)
			}
		}
		if events.NextPageToken == "" {
			return out, nil
		}
		pageToken = events.NextPageToken
	}
}

func (c *CalendarSource) normalizeEvent(calendarID string, item *calendar.Event) (CalendarEvent, bool) {
	if item.Start == nil || item.End == nil {
		return CalendarEvent{}, false
	}
	ev := CalendarEvent{
		CalendarID: calendarID,
		Title:      strings.TrimSpace(item.Summary),
		Location:   strings.TrimSpace(item.Location),
		Status:     item.Status,
	}
	if ev.Title == "" {
		ev.Title = "(busy)"
	}

	if item.Start.DateTime != "" {
		start, err := time.Parse(time.RFC3339, item.Start.DateTime)
		if err != nil {
			return CalendarEvent{}, false
		}
		end, err := time.Parse(time.RFC3339, item.End.DateTime)
		if err != nil {
			return CalendarEvent{}, false
		}
		ev.Start, ev.End = start.In(c.loc), end.In(c.loc)
		return ev, true
	}

	start, err := time.ParseInLocation(dateLayout, item.Start.Date, c.loc)
	if err != nil {
		return CalendarEvent{}, false
	}
	end, err := time.ParseInLocation(dateLayout, item.End.Date, c.loc)
	if err != nil {
		return CalendarEvent{}, false
	}
	ev.Start, ev.End, ev.AllDay = start, end, true
	return ev, true
}

// freeSlots returns the gaps between busy events inside working hours of each day
// in [start, end).
func freeSlots(events []CalendarEvent, start, end time.Time, workStart, workEnd int) []FreeSlot {
	var slots []FreeSlot
	for day := start; day.Before(end); day = day.AddDate(0, 0, 1) {
		open := time.Date(day.Year(), day.Month(), day.Day(), workStart, 0, 0, 0, day.Location())
		closing := time.Date(day.Year(), day.Month(), day.Day(), workEnd, 0, 0, 0, day.Location())

		cursor := open
		for _, ev := range events {
			if !ev.End.After(cursor) || !ev.Start.Before(closing) {
				continue
			}
			if ev.Start.After(cursor) {
				slots = append(slots, FreeSlot{Start: cursor, End: ev.Start})
			}
			if ev.End.After(cursor) {
				cursor = ev.End
			}
			if !cursor.Before(closing) {
				break
			}
		}
		if cursor.Before(closing) {
			slots = append(slots, FreeSlot{Start: cursor, End: closing})
		}
	}
	return slots
}

func calendarSummary(s Schedule) string {
	if len(s.Events) == 0 {
		return fmt.Sprintf("no events in %d calendar(s); %d free slot(s)", len(s.Calendars), len(s.FreeSlots))
	}
	parts := make([]string, 0, len(s.Events))
	for _, ev := range s.Events {
		if ev.AllDay {
			parts = append(parts, fmt.Sprintf("%s all day %s", ev.Start.Format(dateLayout), ev.Title))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %s-%s %s", ev.Start.Format(dateLayout), ev.Start.Format("15:04"), ev.End.Format("15:04"), ev.Title))
	}
	return fmt.Sprintf("%d event(s): %s; %d free slot(s)", len(s.Events), strings.Join(parts, "; "), len(s.FreeSlots))
}

// googleError converts API errors into StatusError so classify can map them.
func googleError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &StatusError{Capability: CapabilityCalendar, StatusCode: gerr.Code, Body: gerr.Message}
	}
	return err
}

var _ Source = (*CalendarSource)(nil)

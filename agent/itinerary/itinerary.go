package itinerary

import (
	"fmt"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	statex "github.com/tanpawarit/skyplanner/agent/state"
)

const (
	dateLayout = "2006-01-02"
	dayLayout  = "Monday, 2 Jan 2006"
	clock      = "15:04"
)

type Options struct {
	SessionID string
	// Location is the session timezone. Nil means UTC.
	Location *time.Location
}

// Itinerary is the user-facing view of a draft plan.
type Itinerary struct {
	SessionID string  `json:"session_id"`
	Summary   string  `json:"summary,omitempty"`
	Revision  int     `json:"revision"`
	Timezone  string  `json:"timezone"`
	Entries   []Entry `json:"entries"`
}

type Entry struct {
	Date      string             `json:"date"`
	Day       string             `json:"day"`
	TimeRange string             `json:"time_range"`
	Title     string             `json:"title"`
	Start     time.Time          `json:"start"`
	End       time.Time          `json:"end"`
	Location  string             `json:"location,omitempty"`
	Rationale string             `json:"rationale,omitempty"`
	Sources   []statex.SourceRef `json:"sources,omitempty"`
}

func (it Itinerary) Empty() bool {
	return len(it.Entries) == 0
}

// Assemble orders the draft chronologically and renders it in the session timezone.
// It has no side effects and its output depends only on its inputs.
func Assemble(draft statex.DraftPlan, opts Options) Itinerary {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	items := make([]statex.ScheduledItem, len(draft.Items))
	copy(items, draft.Items)
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if !a.End.Equal(b.End) {
			return a.End.Before(b.End)
		}
		return a.Title < b.Title
	})

	it := Itinerary{
		SessionID: opts.SessionID,
		Summary:   draft.Summary,
		Revision:  draft.Revision,
		Timezone:  loc.String(),
		Entries:   make([]Entry, 0, len(items)),
	}
	for _, item := range items {
		start, end := item.Start.In(loc), item.End.In(loc)
		it.Entries = append(it.Entries, Entry{
			Date:      start.Format(dateLayout),
			Day:       start.Format(dayLayout),
			TimeRange: timeRange(start, end),
			Title:     item.Title,
			Start:     start,
			End:       end,
			Location:  item.Location,
			Rationale: rationale(item),
			Sources:   append([]statex.SourceRef(nil), item.Sources...),
		})
	}
	return it
}

func timeRange(start, end time.Time) string {
	if start.Format(dateLayout) == end.Format(dateLayout) {
		return start.Format(clock) + "-" + end.Format(clock)
	}
	return start.Format(clock) + "-" + end.Format("Mon "+clock)
}

func rationale(item statex.ScheduledItem) string {
	text := strings.TrimSpace(item.Rationale)
	if len(item.Sources) == 0 {
		return text
	}

	parts := make([]string, 0, len(item.Sources))
	for _, src := range item.Sources {
		switch {
		case src.Status == statex.StatusFailure:
			parts = append(parts, fmt.Sprintf("%s: unavailable (%s)", src.Capability, src.Reason))
		case strings.TrimSpace(src.Summary) != "":
			parts = append(parts, fmt.Sprintf("%s: %s", src.Capability, strings.TrimSpace(src.Summary)))
		default:
			parts = append(parts, src.Capability)
		}
	}
	based := "Based on: " + strings.Join(parts, "; ")
	if text == "" {
		return based
	}
	if !strings.HasSuffix(text, ".") {
		text += "."
	}
	return text + " " + based
}

// Render formats the itinerary as plain text grouped by day.
func Render(it Itinerary) string {
	if it.Empty() {
		return ""
	}
	var b strings.Builder
	if it.Summary != "" {
		fmt.Fprintf(&b, "%s\n", it.Summary)
	}
	day := ""
	for _, e := range it.Entries {
		if e.Day != day {
			day = e.Day
			fmt.Fprintf(&b, "\n%s (%s)\n", day, it.Timezone)
		}
		fmt.Fprintf(&b, "  %s  %s", e.TimeRange, e.Title)
		if e.Location != "" {
			fmt.Fprintf(&b, " @ %s", e.Location)
		}
		b.WriteString("\n")
		if e.Rationale != "" {
			fmt.Fprintf(&b, "      %s\n", e.Rationale)
		}
	}
	return b.String()
}

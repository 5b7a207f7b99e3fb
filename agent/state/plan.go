package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DraftPlan is the in-progress itinerary of a session. Items reference capability
// results by id only.
type DraftPlan struct {
	Summary   string          `json:"summary,omitempty"`
	Items     []ScheduledItem `json:"items,omitempty"`
	Revision  int             `json:"revision"`
	UpdatedAt time.Time       `json:"updated_at,omitempty"`
}

type ScheduledItem struct {
	Title     string      `json:"title"`
	Start     time.Time   `json:"start"`
	End       time.Time   `json:"end"`
	Location  string      `json:"location,omitempty"`
	Rationale string      `json:"rationale,omitempty"`
	Sources   []SourceRef `json:"sources,omitempty"`
}

// SourceRef is the part of a CapabilityResult an item carries for explanation.
type SourceRef struct {
	ResultID   string        `json:"result_id"`
	Capability string        `json:"capability"`
	Status     ResultStatus  `json:"status"`
	Reason     FailureReason `json:"reason,omitempty"`
	Summary    string        `json:"summary,omitempty"`
	FetchedAt  time.Time     `json:"fetched_at"`
}

type DecisionKind string

const (
	DecisionInvokeCapability DecisionKind = "invoke_capability"
	DecisionEmitPlan         DecisionKind = "emit_plan"
	DecisionClarify          DecisionKind = "clarify"
	DecisionAbort            DecisionKind = "abort"
)

// PlannerDecision tells the controller exactly what to do next. Only the fields of
// the selected Kind are meaningful.
type PlannerDecision struct {
	Kind       DecisionKind   `json:"kind"`
	Capability string         `json:"capability,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Plan       *ProposedPlan  `json:"plan,omitempty"`
	Question   string         `json:"question,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Message    string         `json:"message,omitempty"`

	// Usage is what the model reported for the call that produced this decision.
	Usage *TokenUsage `json:"usage,omitempty"`
}

// ProposedPlan is a plan as authored by the planner, before it is accepted as a draft.
type ProposedPlan struct {
	Summary string         `json:"summary,omitempty"`
	Items   []ProposedItem `json:"items"`
}

type ProposedItem struct {
	Title     string    `json:"title"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Location  string    `json:"location,omitempty"`
	Rationale string    `json:"rationale,omitempty"`
	ResultIDs []string  `json:"result_ids,omitempty"`
}

var (
	ErrMalformedDecision      = errors.New("malformed planner decision")
	ErrPlanInvariantViolation = errors.New("plan invariant violation")
)

func InvokeCapability(capability string, args map[string]any) PlannerDecision {
	return PlannerDecision{Kind: DecisionInvokeCapability, Capability: capability, Args: args}
}

func EmitPlan(plan ProposedPlan, message string) PlannerDecision {
	return PlannerDecision{Kind: DecisionEmitPlan, Plan: &plan, Message: message}
}

func Clarify(question string) PlannerDecision {
	return PlannerDecision{Kind: DecisionClarify, Question: question}
}

func Abort(reason string) PlannerDecision {
	return PlannerDecision{Kind: DecisionAbort, Reason: reason}
}

// Validate checks that the variant selected by Kind carries its payload.
func (d PlannerDecision) Validate() error {
	switch d.Kind {
	case DecisionInvokeCapability:
		if strings.TrimSpace(d.Capability) == "" {
			return fmt.Errorf("%w: invoke_capability requires capability", ErrMalformedDecision)
		}
	case DecisionEmitPlan:
		if d.Plan == nil {
			return fmt.Errorf("%w: emit_plan requires plan", ErrMalformedDecision)
		}
	case DecisionClarify:
		if strings.TrimSpace(d.Question) == "" {
			return fmt.Errorf("%w: clarify requires question", ErrMalformedDecision)
		}
	case DecisionAbort:
		if strings.TrimSpace(d.Reason) == "" {
			return fmt.Errorf("%w: abort requires reason", ErrMalformedDecision)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedDecision, d.Kind)
	}
	return nil
}

// PlanViolation describes why one item of a proposed plan was rejected.
type PlanViolation struct {
	Index  int
	Title  string
	Reason string
}

func (v PlanViolation) String() string {
	return fmt.Sprintf("item %d (%q): %s", v.Index, v.Title, v.Reason)
}

// PlanInvariantError lists every violation found in a proposed plan.
type PlanInvariantError struct {
	Violations []PlanViolation
}

func (e *PlanInvariantError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return ErrPlanInvariantViolation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *PlanInvariantError) Unwrap() error {
	return ErrPlanInvariantViolation
}

// ValidatePlan enforces the no-orphan rule: every item cites at least one usable
// capability result of the session or carries a planner rationale. Unknown result
// ids, results fetched after now, empty titles and inverted windows are violations too.
func ValidatePlan(plan ProposedPlan, results map[string]CapabilityResult, now time.Time) error {
	var violations []PlanViolation
	add := func(i int, item ProposedItem, reason string) {
		violations = append(violations, PlanViolation{Index: i, Title: item.Title, Reason: reason})
	}

	if len(plan.Items) == 0 {
		return &PlanInvariantError{Violations: []PlanViolation{{Index: -1, Reason: "plan has no items"}}}
	}

	for i, item := range plan.Items {
		if strings.TrimSpace(item.Title) == "" {
			add(i, item, "title is empty")
		}
		if item.Start.IsZero() || item.End.IsZero() {
			add(i, item, "start and end are required")
		} else if !item.Start.Before(item.End) {
			add(i, item, "start must be before end")
		}

		usable := 0
		for _, id := range item.ResultIDs {
			res, ok := results[strings.TrimSpace(id)]
			if !ok {
				add(i, item, fmt.Sprintf("cites unknown result %q", id))
				continue
			}
			if res.FetchedAt.After(now) {
				add(i, item, fmt.Sprintf("result %q was fetched after the plan", id))
				continue
			}
			if res.Usable() {
				usable++
			}
		}
		if usable == 0 && strings.TrimSpace(item.Rationale) == "" {
			add(i, item, "item cites no usable capability result and has no rationale")
		}
	}

	if len(violations) > 0 {
		return &PlanInvariantError{Violations: violations}
	}
	return nil
}

// BuildDraft turns a validated proposal into the next revision of the draft.
func BuildDraft(plan ProposedPlan, results map[string]CapabilityResult, prev DraftPlan, now time.Time) DraftPlan {
	items := make([]ScheduledItem, 0, len(plan.Items))
	for _, p := range plan.Items {
		item := ScheduledItem{
			Title:     strings.TrimSpace(p.Title),
			Start:     p.Start,
			End:       p.End,
			Location:  strings.TrimSpace(p.Location),
			Rationale: strings.TrimSpace(p.Rationale),
		}
		seen := make(map[string]bool, len(p.ResultIDs))
		for _, id := range p.ResultIDs {
			id = strings.TrimSpace(id)
			res, ok := results[id]
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			item.Sources = append(item.Sources, SourceRef{
				ResultID:   res.ID,
				Capability: res.Capability,
				Status:     res.Status,
				Reason:     res.Reason,
				Summary:    res.Summary,
				FetchedAt:  res.FetchedAt,
			})
		}
		items = append(items, item)
	}

	return DraftPlan{
		Summary:   strings.TrimSpace(plan.Summary),
		Items:     items,
		Revision:  prev.Revision + 1,
		UpdatedAt: now.UTC(),
	}
}

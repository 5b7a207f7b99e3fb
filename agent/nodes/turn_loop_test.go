package orchestratornode

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tanpawarit/skyplanner/agent/capability"
	contractx "github.com/tanpawarit/skyplanner/agent/contract"
	statex "github.com/tanpawarit/skyplanner/agent/state"
)

type stubSource struct {
	name  string
	calls atomic.Int32
	fetch func(ctx context.Context, args map[string]any) (capability.Output, error)
}

func (s *stubSource) Descriptor() contractx.CapabilityDescriptor {
	return contractx.CapabilityDescriptor{Name: s.name, Description: s.name + " lookup"}
}

func (s *stubSource) Validate(map[string]any) error { return nil }

func (s *stubSource) Fetch(ctx context.Context, args map[string]any) (capability.Output, error) {
	s.calls.Add(1)
	return s.fetch(ctx, args)
}

func okSource(name, summary string) *stubSource {
	return &stubSource{name: name, fetch: func(context.Context, map[string]any) (capability.Output, error) {
		return capability.Output{Data: map[string]any{"summary": summary}, Summary: summary}, nil
	}}
}

type decideFunc func(ctx context.Context, req contractx.PlannerRequest) (statex.PlannerDecision, error)

// scriptedPlanner answers with steps in order and repeats the last one.
type scriptedPlanner struct {
	mu    sync.Mutex
	steps []decideFunc
	reqs  []contractx.PlannerRequest
}

func (p *scriptedPlanner) Decide(ctx context.Context, req contractx.PlannerRequest) (statex.PlannerDecision, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	i := min(len(p.reqs), len(p.steps)) - 1
	step := p.steps[i]
	p.mu.Unlock()
	return step(ctx, req)
}

func (p *scriptedPlanner) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reqs)
}

func decide(d statex.PlannerDecision) decideFunc {
	return func(context.Context, contractx.PlannerRequest) (statex.PlannerDecision, error) {
		return d, nil
	}
}

func testWrapPolicy() capability.Policy {
	return capability.Policy{
		Timeout:         30 * time.Millisecond,
		MaxRetries:      2,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      2 * time.Millisecond,
		BreakerFailures: 100,
		BreakerCooldown: time.Minute,
	}
}

func newTestStore(t *testing.T) *statex.Store {
	t.Helper()
	store, err := statex.NewStore(statex.NewMemoryBackend())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return store
}

func newTestDispatcher(t *testing.T, store *statex.Store, sources ...capability.Source) *capability.Dispatcher {
	t.Helper()
	adapters := make([]capability.Adapter, 0, len(sources))
	for _, s := range sources {
		adapters = append(adapters, capability.Wrap(s, testWrapPolicy()))
	}
	reg, err := capability.NewRegistry(adapters...)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	d, err := capability.NewDispatcher(reg, store)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	return d
}

// newTestLoop starts a Bangkok session holding one user message.
func newTestLoop(t *testing.T, planner contractx.Planner, policy LoopPolicy, sources ...capability.Source) (*TurnLoop, *statex.Store, string) {
	t.Helper()

	store := newTestStore(t)
	loop, err := NewTurnLoop(store, planner, newTestDispatcher(t, store, sources...), policy, time.Now)
	if err != nil {
		t.Fatalf("NewTurnLoop() error = %v", err)
	}

	ctx := context.Background()
	sess, err := store.Create(ctx, "Asia/Bangkok")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := store.Append(ctx, sess.ID, statex.Turn{
		Role: statex.RoleUser,
		Kind: statex.TurnMessage,
		Text: "Plan my Saturday outdoors if it's sunny",
	}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	return loop, store, sess.ID
}

func lastResult(turns []statex.Turn, capabilityName string) *statex.CapabilityResult {
	for i := len(turns) - 1; i >= 0; i-- {
		if r := turns[i].Result; r != nil && r.Capability == capabilityName {
			return r
		}
	}
	return nil
}

func turnKinds(t *testing.T, store *statex.Store, sessionID string) []statex.TurnKind {
	t.Helper()
	sess, err := store.Get(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	kinds := make([]statex.TurnKind, 0, len(sess.Turns))
	for i, turn := range sess.Turns {
		if turn.Seq != i+1 {
			t.Fatalf("turn %d has seq %d", i, turn.Seq)
		}
		kinds = append(kinds, turn.Kind)
	}
	return kinds
}

func saturday(hour, minute int) time.Time {
	bkk, _ := time.LoadLocation("Asia/Bangkok")
	return time.Date(2026, 10, 17, hour, minute, 0, 0, bkk)
}

func TestTurnLoopSaturdayScenario(t *testing.T) {
	t.Parallel()

	weather := okSource(capability.CapabilityWeather, "Sat: clear 27-33C rain 10%")
	calendar := okSource(capability.CapabilityCalendar, "1 event on Sat 18:00-19:00")
	weatherArgs := map[string]any{"location": "Bangkok", "start_date": "2026-10-17", "end_date": "2026-10-17"}

	planner := &scriptedPlanner{steps: []decideFunc{
		decide(statex.InvokeCapability(capability.CapabilityWeather, weatherArgs)),
		decide(statex.InvokeCapability(capability.CapabilityCalendar, map[string]any{"start_date": "2026-10-17", "end_date": "2026-10-17"})),
		func(_ context.Context, req contractx.PlannerRequest) (statex.PlannerDecision, error) {
			w := lastResult(req.Turns, capability.CapabilityWeather)
			c := lastResult(req.Turns, capability.CapabilityCalendar)
			if w == nil || c == nil {
				return statex.PlannerDecision{}, errors.New("results missing from history")
			}
			return statex.EmitPlan(statex.ProposedPlan{
				Summary: "Sunny Saturday in Bangkok",
				Items: []statex.ProposedItem{
					{Title: "Lumphini Park walk", Start: saturday(9, 0), End: saturday(11, 0), ResultIDs: []string{w.ID}},
					{Title: "Chatuchak market", Start: saturday(13, 0), End: saturday(16, 0), ResultIDs: []string{w.ID, c.ID}},
				},
			}, "Saturday looks dry, so I planned outdoor stops."), nil
		},
	}}

	loop, store, sessionID := newTestLoop(t, planner, LoopPolicy{}, weather, calendar)
	res, err := loop.Run(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.Outcome != OutcomePlanEmitted || res.Failure != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Invocations != 2 || res.Corrections != 0 {
		t.Fatalf("invocations/corrections = %d/%d", res.Invocations, res.Corrections)
	}
	if res.Message != "Saturday looks dry, so I planned outdoor stops." {
		t.Fatalf("message = %q", res.Message)
	}

	wantKinds := []statex.TurnKind{
		statex.TurnMessage,
		statex.TurnCapabilityRequest, statex.TurnCapabilityResult,
		statex.TurnCapabilityRequest, statex.TurnCapabilityResult,
		statex.TurnPlan,
	}
	if diff := cmp.Diff(wantKinds, turnKinds(t, store, sessionID)); diff != "" {
		t.Fatalf("turn kinds mismatch (-want +got):\n%s", diff)
	}

	draft, err := store.LoadDraft(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("LoadDraft() error = %v", err)
	}
	if draft.Revision != 1 || len(draft.Items) != 2 {
		t.Fatalf("unexpected draft: %+v", draft)
	}
	if got := len(draft.Items[1].Sources); got != 2 {
		t.Fatalf("market sources = %d, want 2", got)
	}

	sess, _ := store.Get(context.Background(), sessionID)
	if sess.Status != statex.SessionPlanned {
		t.Fatalf("status = %s, want planned", sess.Status)
	}

	first := planner.reqs[0]
	if first.Timezone != "Asia/Bangkok" || first.InvocationsLeft != DefaultTurnBudget || len(first.Catalog) != 2 {
		t.Fatalf("unexpected first planner request: %+v", first)
	}
	if planner.reqs[2].InvocationsLeft != DefaultTurnBudget-2 {
		t.Fatalf("invocations left = %d", planner.reqs[2].InvocationsLeft)
	}

	// A follow-up asking for the same forecast is served from the session cache.
	if _, err := store.Append(context.Background(), sessionID, statex.Turn{Role: statex.RoleUser, Kind: statex.TurnMessage, Text: "Move the market later"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	planner.mu.Lock()
	planner.steps = append(planner.steps, planner.steps[0], planner.steps[2])
	planner.reqs = planner.reqs[:3]
	planner.mu.Unlock()

	if _, err := loop.Run(context.Background(), sessionID); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := weather.calls.Load(); got != 1 {
		t.Fatalf("weather provider calls = %d, want 1", got)
	}
	draft, _ = store.LoadDraft(context.Background(), sessionID)
	if draft.Revision != 2 {
		t.Fatalf("draft revision = %d, want 2", draft.Revision)
	}
}

func TestTurnLoopBudgetExceeded(t *testing.T) {
	t.Parallel()

	search := okSource(capability.CapabilitySearch, "3 results")
	planner := &scriptedPlanner{steps: []decideFunc{
		decide(statex.InvokeCapability(capability.CapabilitySearch, map[string]any{"query": "rooftop bars"})),
	}}

	loop, store, sessionID := newTestLoop(t, planner, LoopPolicy{TurnBudget: 3}, search)
	res, err := loop.Run(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.Outcome != OutcomeAborted || res.Failure == nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Failure.Category != contractx.CategoryTurnBudgetExceeded || !errors.Is(res.Failure, contractx.ErrTurnBudgetExceeded) {
		t.Fatalf("failure = %+v", res.Failure)
	}
	if res.Invocations != 3 || planner.calls() != 4 {
		t.Fatalf("invocations = %d, planner calls = %d", res.Invocations, planner.calls())
	}
	if got := search.calls.Load(); got != 1 {
		t.Fatalf("search provider calls = %d, want 1", got)
	}

	kinds := turnKinds(t, store, sessionID)
	if len(kinds) != 8 || kinds[len(kinds)-1] != statex.TurnAbort {
		t.Fatalf("turn kinds = %v", kinds)
	}
	sess, _ := store.Get(context.Background(), sessionID)
	if sess.Status != statex.SessionAborted {
		t.Fatalf("status = %s, want aborted", sess.Status)
	}
	if draft, _ := store.LoadDraft(context.Background(), sessionID); draft.Revision != 0 {
		t.Fatalf("aborted run must not save a draft: %+v", draft)
	}
}

func TestTurnLoopCorrectsOrphanItems(t *testing.T) {
	t.Parallel()

	orphan := statex.EmitPlan(statex.ProposedPlan{Items: []statex.ProposedItem{
		{Title: "Sky bar", Start: saturday(19, 0), End: saturday(21, 0)},
	}}, "")
	planner := &scriptedPlanner{steps: []decideFunc{
		decide(orphan),
		func(_ context.Context, req contractx.PlannerRequest) (statex.PlannerDecision, error) {
			last := req.Turns[len(req.Turns)-1]
			if last.Kind != statex.TurnCorrection || last.Role != statex.RoleSystem {
				return statex.PlannerDecision{}, errors.New("expected a correction turn")
			}
			return statex.EmitPlan(statex.ProposedPlan{Items: []statex.ProposedItem{
				{Title: "Sky bar", Start: saturday(19, 0), End: saturday(21, 0), Rationale: "You asked for an evening out"},
			}}, "Here is your evening."), nil
		},
	}}

	loop, store, sessionID := newTestLoop(t, planner, LoopPolicy{})
	res, err := loop.Run(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Outcome != OutcomePlanEmitted || res.Corrections != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	want := []statex.TurnKind{statex.TurnMessage, statex.TurnPlanRejected, statex.TurnCorrection, statex.TurnPlan}
	if diff := cmp.Diff(want, turnKinds(t, store, sessionID)); diff != "" {
		t.Fatalf("turn kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestTurnLoopAbortsAfterMaxCorrections(t *testing.T) {
	t.Parallel()

	planner := &scriptedPlanner{steps: []decideFunc{
		decide(statex.EmitPlan(statex.ProposedPlan{Items: []statex.ProposedItem{
			{Title: "Boat tour", Start: saturday(10, 0), End: saturday(12, 0), ResultIDs: []string{"made-up"}},
		}}, "")),
	}}

	loop, store, sessionID := newTestLoop(t, planner, LoopPolicy{MaxCorrections: 2})
	res, err := loop.Run(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Outcome != OutcomeAborted || res.Failure.Category != contractx.CategoryPlanInvariantViolation {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !errors.Is(res.Failure, contractx.ErrPlanInvariantViolation) {
		t.Fatalf("failure must wrap ErrPlanInvariantViolation: %v", res.Failure.Err)
	}
	if planner.calls() != 3 {
		t.Fatalf("planner calls = %d, want 3", planner.calls())
	}
	if draft, _ := store.LoadDraft(context.Background(), sessionID); draft.Revision != 0 || len(draft.Items) != 0 {
		t.Fatalf("rejected plan must not reach the draft: %+v", draft)
	}
}

func TestTurnLoopCalendarTimeoutIsNotFatal(t *testing.T) {
	t.Parallel()

	calendar := &stubSource{name: capability.CapabilityCalendar, fetch: func(ctx context.Context, _ map[string]any) (capability.Output, error) {
		<-ctx.Done()
		return capability.Output{}, ctx.Err()
	}}

	var seen statex.CapabilityResult
	planner := &scriptedPlanner{steps: []decideFunc{
		decide(statex.InvokeCapability(capability.CapabilityCalendar, map[string]any{"start_date": "2026-10-17"})),
		func(_ context.Context, req contractx.PlannerRequest) (statex.PlannerDecision, error) {
			r := lastResult(req.Turns, capability.CapabilityCalendar)
			if r == nil {
				return statex.PlannerDecision{}, errors.New("calendar result missing")
			}
			seen = *r
			return statex.EmitPlan(statex.ProposedPlan{Items: []statex.ProposedItem{
				{Title: "Wat Pho", Start: saturday(9, 0), End: saturday(11, 0), ResultIDs: []string{r.ID}, Rationale: "Calendar unavailable, kept the morning light"},
			}}, "Your calendar could not be checked, so double-check for clashes."), nil
		},
	}}

	loop, _, sessionID := newTestLoop(t, planner, LoopPolicy{}, calendar)
	res, err := loop.Run(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if seen.Status != statex.StatusFailure || seen.Reason != statex.ReasonTimeout {
		t.Fatalf("planner saw %s/%s, want failure/Timeout", seen.Status, seen.Reason)
	}
	if got := calendar.calls.Load(); got != 3 {
		t.Fatalf("calendar attempts = %d, want 3", got)
	}
	if res.Outcome != OutcomePlanEmitted {
		t.Fatalf("outcome = %s, want plan_emitted", res.Outcome)
	}
	src := res.Draft.Items[0].Sources
	if len(src) != 1 || src[0].Reason != statex.ReasonTimeout {
		t.Fatalf("item sources = %+v", src)
	}
}

func TestTurnLoopSchemaViolationThenClarify(t *testing.T) {
	t.Parallel()

	planner := &scriptedPlanner{steps: []decideFunc{
		func(context.Context, contractx.PlannerRequest) (statex.PlannerDecision, error) {
			return statex.PlannerDecision{}, contractx.ErrSchemaViolation
		},
		decide(statex.Clarify("Which city are you in?")),
	}}

	loop, store, sessionID := newTestLoop(t, planner, LoopPolicy{})
	res, err := loop.Run(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Outcome != OutcomeClarificationRequested || res.Message != "Which city are you in?" || res.Corrections != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	want := []statex.TurnKind{statex.TurnMessage, statex.TurnCorrection, statex.TurnClarify}
	if diff := cmp.Diff(want, turnKinds(t, store, sessionID)); diff != "" {
		t.Fatalf("turn kinds mismatch (-want +got):\n%s", diff)
	}
	sess, _ := store.Get(context.Background(), sessionID)
	if sess.Status != statex.SessionAwaitingUser {
		t.Fatalf("status = %s, want awaiting_user", sess.Status)
	}
}

func TestTurnLoopPlannerAbortAndOutage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		step         decideFunc
		wantCategory contractx.Category
		wantStatus   statex.SessionStatus
	}{
		{
			name:         "planner abort",
			step:         decide(statex.Abort("no flights exist to the moon")),
			wantCategory: contractx.CategoryAborted,
			wantStatus:   statex.SessionAborted,
		},
		{
			name: "model outage",
			step: func(context.Context, contractx.PlannerRequest) (statex.PlannerDecision, error) {
				return statex.PlannerDecision{}, contractx.ErrModelInvoke
			},
			wantCategory: contractx.CategoryPlannerUnavailable,
			wantStatus:   statex.SessionActive,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			loop, store, sessionID := newTestLoop(t, &scriptedPlanner{steps: []decideFunc{tt.step}}, LoopPolicy{})
			res, err := loop.Run(context.Background(), sessionID)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if res.Outcome != OutcomeAborted || res.Failure == nil || res.Failure.Category != tt.wantCategory {
				t.Fatalf("unexpected result: %+v", res)
			}
			if res.Message == "" {
				t.Fatal("aborted run must carry a message")
			}
			sess, _ := store.Get(context.Background(), sessionID)
			if sess.Status != tt.wantStatus {
				t.Fatalf("status = %s, want %s", sess.Status, tt.wantStatus)
			}
		})
	}
}

func TestTurnLoopCancelledRunLeavesDraft(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	weather := &stubSource{name: capability.CapabilityWeather, fetch: func(context.Context, map[string]any) (capability.Output, error) {
		<-release
		return capability.Output{Data: "late", Summary: "late forecast"}, nil
	}}
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	planner := &scriptedPlanner{steps: []decideFunc{
		func(context.Context, contractx.PlannerRequest) (statex.PlannerDecision, error) {
			cancel()
			return statex.InvokeCapability(capability.CapabilityWeather, map[string]any{"location": "Bangkok"}), nil
		},
	}}

	loop, store, sessionID := newTestLoop(t, planner, LoopPolicy{}, weather)
	prev := statex.DraftPlan{Summary: "Earlier plan", Revision: 1, Items: []statex.ScheduledItem{
		{Title: "Brunch", Start: saturday(10, 0), End: saturday(11, 0), Rationale: "requested"},
	}}
	if err := store.SaveDraft(context.Background(), sessionID, prev); err != nil {
		t.Fatalf("SaveDraft() error = %v", err)
	}

	_, err := loop.Run(ctx, sessionID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}

	if diff := cmp.Diff([]statex.TurnKind{statex.TurnMessage}, turnKinds(t, store, sessionID)); diff != "" {
		t.Fatalf("cancelled run appended turns (-want +got):\n%s", diff)
	}
	draft, err := store.LoadDraft(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("LoadDraft() error = %v", err)
	}
	if draft.Revision != 1 || draft.Summary != "Earlier plan" {
		t.Fatalf("draft changed: %+v", draft)
	}
}

func withUsage(d statex.PlannerDecision, total int) statex.PlannerDecision {
	d.Usage = &statex.TokenUsage{PromptTokens: total - 10, CompletionTokens: 10, TotalTokens: total}
	return d
}

func TestTurnLoopAccumulatesTokenUsage(t *testing.T) {
	t.Parallel()

	planner := &scriptedPlanner{steps: []decideFunc{
		decide(withUsage(statex.InvokeCapability(capability.CapabilitySearch, map[string]any{"query": "rooftop bars"}), 100)),
		func(context.Context, contractx.PlannerRequest) (statex.PlannerDecision, error) {
			return statex.PlannerDecision{Usage: &statex.TokenUsage{TotalTokens: 50}}, contractx.ErrSchemaViolation
		},
		decide(withUsage(statex.Clarify("Which night works for you?"), 30)),
	}}
	loop, store, sessionID := newTestLoop(t, planner, LoopPolicy{}, okSource(capability.CapabilitySearch, "3 bars"))
	ctx := context.Background()

	res, err := loop.Run(ctx, sessionID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Outcome != OutcomeClarificationRequested || res.Tokens.TotalTokens != 180 {
		t.Fatalf("outcome = %s tokens = %+v, want clarification with 180 tokens", res.Outcome, res.Tokens)
	}

	if _, err := store.Append(ctx, sessionID, statex.Turn{Role: statex.RoleUser, Kind: statex.TurnMessage, Text: "Friday"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	res, err = loop.Run(ctx, sessionID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Tokens.TotalTokens != 30 {
		t.Fatalf("second run tokens = %+v, want 30", res.Tokens)
	}

	sess, err := store.Get(ctx, sessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	want := statex.TokenUsage{PromptTokens: 90 + 20 + 20, CompletionTokens: 30, TotalTokens: 210}
	if diff := cmp.Diff(want, sess.Tokens); diff != "" {
		t.Fatalf("session tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestTurnLoopRecordsUnfingerprintableArgsAsFailure(t *testing.T) {
	t.Parallel()

	search := okSource(capability.CapabilitySearch, "unused")
	planner := &scriptedPlanner{steps: []decideFunc{
		decide(statex.InvokeCapability(capability.CapabilitySearch, map[string]any{"query": make(chan int)})),
		decide(statex.Clarify("What should I search for?")),
	}}
	loop, store, sessionID := newTestLoop(t, planner, LoopPolicy{}, search)

	res, err := loop.Run(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Outcome != OutcomeClarificationRequested || res.Invocations != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if search.calls.Load() != 0 {
		t.Fatalf("search calls = %d, want 0", search.calls.Load())
	}

	sess, err := store.Get(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	r := lastResult(sess.Turns, capability.CapabilitySearch)
	if r == nil || r.Status != statex.StatusFailure || r.Reason != statex.ReasonInvalidArgument {
		t.Fatalf("recorded result = %+v, want InvalidArgument failure", r)
	}
	if got := planner.reqs[1].Turns; got[len(got)-1].Result == nil {
		t.Fatal("planner did not see the failure result")
	}
}

package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/skyplanner/agent/contract"
	statex "github.com/tanpawarit/skyplanner/agent/state"
)

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// LLMPlanner asks a chat model for the next decision.
type LLMPlanner struct {
	runner compose.Runnable[map[string]any, *schema.Message]
	parser schema.MessageParser[plannerLLMOutput]
	logger zerolog.Logger
}

var _ contractx.Planner = (*LLMPlanner)(nil)

type plannerLLMOutput struct {
	Kind       string          `json:"kind"`
	Capability string          `json:"capability,omitempty"`
	Args       map[string]any  `json:"args,omitempty"`
	Plan       *plannerLLMPlan `json:"plan,omitempty"`
	Question   string          `json:"question,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Message    string          `json:"message,omitempty"`
}

type plannerLLMPlan struct {
	Summary string           `json:"summary,omitempty"`
	Items   []plannerLLMItem `json:"items"`
}

type plannerLLMItem struct {
	Title     string   `json:"title"`
	Start     string   `json:"start"`
	End       string   `json:"end"`
	Location  string   `json:"location,omitempty"`
	Rationale string   `json:"rationale,omitempty"`
	ResultIDs []string `json:"result_ids,omitempty"`
}

func New(ctx context.Context, chatModel einomodel.BaseChatModel, systemPrompt string) (*LLMPlanner, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("%w: planner chat model is nil", contractx.ErrValidation)
	}
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, fmt.Errorf("%w: planner", contractx.ErrPromptMissing)
	}
	runner, err := compileModelGraph(ctx, chatModel, systemPrompt, "planner.model_graph")
	if err != nil {
		return nil, fmt.Errorf("%w: compile planner graph: %v", contractx.ErrModelInvoke, err)
	}
	return &LLMPlanner{
		runner: runner,
		parser: schema.NewMessageJSONParser[plannerLLMOutput](&schema.MessageJSONParseConfig{
			ParseFrom: schema.MessageParseFromContent,
		}),
		logger: log.With().Str("component", "planner").Logger(),
	}, nil
}

func (p *LLMPlanner) Decide(ctx context.Context, req contractx.PlannerRequest) (statex.PlannerDecision, error) {
	loc := loadLocation(req.Timezone)

	input, err := json.Marshal(buildPayload(req, loc))
	if err != nil {
		return statex.PlannerDecision{}, fmt.Errorf("%w: marshal planner payload: %v", contractx.ErrValidation, err)
	}

	msg, err := p.runner.Invoke(ctx, map[string]any{
		"input": string(input),
	})
	if err != nil {
		return statex.PlannerDecision{}, fmt.Errorf("%w: planner invoke: %v", contractx.ErrModelInvoke, err)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return statex.PlannerDecision{}, fmt.Errorf("%w: empty planner response", contractx.ErrSchemaViolation)
	}
	usage := usageOf(msg)

	cleaned := *msg
	cleaned.Content = stripCodeFence(msg.Content)
	out, err := p.parser.Parse(ctx, &cleaned)
	if err != nil {
		p.logger.Debug().Str("session_id", req.SessionID).Str("content", msg.Content).Msg("unparseable planner response")
		return statex.PlannerDecision{Usage: usage}, fmt.Errorf("%w: %v", contractx.ErrSchemaViolation, err)
	}

	decision, err := toDecision(out, loc)
	decision.Usage = usage
	if err != nil {
		return decision, err
	}
	p.logger.Debug().Str("session_id", req.SessionID).Str("kind", string(decision.Kind)).Msg("planner decided")
	return decision, nil
}

func usageOf(msg *schema.Message) *statex.TokenUsage {
	if msg.ResponseMeta == nil || msg.ResponseMeta.Usage == nil {
		return nil
	}
	u := msg.ResponseMeta.Usage
	return &statex.TokenUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func toDecision(out plannerLLMOutput, loc *time.Location) (statex.PlannerDecision, error) {
	var d statex.PlannerDecision
	switch statex.DecisionKind(strings.ToLower(strings.TrimSpace(out.Kind))) {
	case statex.DecisionInvokeCapability:
		d = statex.InvokeCapability(strings.TrimSpace(out.Capability), out.Args)
	case statex.DecisionEmitPlan:
		if out.Plan == nil {
			return statex.PlannerDecision{}, fmt.Errorf("%w: emit_plan without plan", contractx.ErrSchemaViolation)
		}
		plan, err := toProposedPlan(*out.Plan, loc)
		if err != nil {
			return statex.PlannerDecision{}, err
		}
		d = statex.EmitPlan(plan, strings.TrimSpace(out.Message))
	case statex.DecisionClarify:
		d = statex.Clarify(strings.TrimSpace(out.Question))
	case statex.DecisionAbort:
		d = statex.Abort(strings.TrimSpace(out.Reason))
		d.Message = strings.TrimSpace(out.Message)
	default:
		return statex.PlannerDecision{}, fmt.Errorf("%w: unsupported kind=%q", contractx.ErrSchemaViolation, out.Kind)
	}

	if err := d.Validate(); err != nil {
		return statex.PlannerDecision{}, fmt.Errorf("%w: %v", contractx.ErrSchemaViolation, err)
	}
	return d, nil
}

func toProposedPlan(in plannerLLMPlan, loc *time.Location) (statex.ProposedPlan, error) {
	plan := statex.ProposedPlan{Summary: strings.TrimSpace(in.Summary)}
	for i, item := range in.Items {
		start, err := parseLocalTime(item.Start, loc)
		if err != nil {
			return statex.ProposedPlan{}, fmt.Errorf("%w: item %d start: %v", contractx.ErrSchemaViolation, i, err)
		}
		end, err := parseLocalTime(item.End, loc)
		if err != nil {
			return statex.ProposedPlan{}, fmt.Errorf("%w: item %d end: %v", contractx.ErrSchemaViolation, i, err)
		}
		plan.Items = append(plan.Items, statex.ProposedItem{
			Title:     item.Title,
			Start:     start,
			End:       end,
			Location:  item.Location,
			Rationale: item.Rationale,
			ResultIDs: item.ResultIDs,
		})
	}
	return plan, nil
}

// parseLocalTime accepts RFC 3339 or a wall-clock time in loc.
func parseLocalTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

func loadLocation(name string) *time.Location {
	if loc, err := time.LoadLocation(strings.TrimSpace(name)); err == nil {
		return loc
	}
	return time.UTC
}

func stripCodeFence(content string) string {
	s := strings.TrimSpace(content)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

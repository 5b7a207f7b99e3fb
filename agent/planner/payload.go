package planner

import (
	"encoding/json"
	"time"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/skyplanner/agent/contract"
	statex "github.com/tanpawarit/skyplanner/agent/state"
)

const wallClock = "2006-01-02T15:04"

type payloadTurn struct {
	Seq        int             `json:"seq"`
	Role       statex.Role     `json:"role"`
	Kind       statex.TurnKind `json:"kind"`
	Text       string          `json:"text,omitempty"`
	Capability string          `json:"capability,omitempty"`
	Args       map[string]any  `json:"args,omitempty"`
	Result     *payloadResult  `json:"result,omitempty"`
}

type payloadResult struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	Message   string          `json:"message,omitempty"`
	Summary   string          `json:"summary,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	FetchedAt string          `json:"fetched_at"`
}

type payloadItem struct {
	Title     string   `json:"title"`
	Start     string   `json:"start"`
	End       string   `json:"end"`
	Location  string   `json:"location,omitempty"`
	Rationale string   `json:"rationale,omitempty"`
	ResultIDs []string `json:"result_ids,omitempty"`
}

type payloadDraft struct {
	Revision int           `json:"revision"`
	Summary  string        `json:"summary,omitempty"`
	Items    []payloadItem `json:"items"`
}

type payloadCapability struct {
	Name        string                           `json:"name"`
	Description string                           `json:"description"`
	Params      map[string]*schema.ParameterInfo `json:"params,omitempty"`
}

type plannerPayload struct {
	Now             string              `json:"now"`
	Weekday         string              `json:"weekday"`
	Timezone        string              `json:"timezone"`
	Turns           []payloadTurn       `json:"turns"`
	Draft           payloadDraft        `json:"draft"`
	Catalog         []payloadCapability `json:"catalog"`
	InvocationsLeft int                 `json:"invocations_left"`
}

func buildPayload(req contractx.PlannerRequest, loc *time.Location) plannerPayload {
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.In(loc)

	p := plannerPayload{
		Now:             now.Format(time.RFC3339),
		Weekday:         now.Weekday().String(),
		Timezone:        loc.String(),
		Turns:           make([]payloadTurn, 0, len(req.Turns)),
		Draft:           payloadDraft{Revision: req.Draft.Revision, Summary: req.Draft.Summary, Items: []payloadItem{}},
		Catalog:         make([]payloadCapability, 0, len(req.Catalog)),
		InvocationsLeft: req.InvocationsLeft,
	}

	for _, t := range req.Turns {
		pt := payloadTurn{Seq: t.Seq, Role: t.Role, Kind: t.Kind, Text: t.Text}
		if t.Request != nil {
			pt.Capability = t.Request.Capability
			pt.Args = t.Request.Args
		}
		if t.Result != nil {
			pt.Capability = t.Result.Capability
			pt.Result = &payloadResult{
				ID:        t.Result.ID,
				Status:    string(t.Result.Status),
				Reason:    string(t.Result.Reason),
				Message:   t.Result.Message,
				Summary:   t.Result.Summary,
				Payload:   t.Result.Payload,
				FetchedAt: t.Result.FetchedAt.In(loc).Format(time.RFC3339),
			}
		}
		p.Turns = append(p.Turns, pt)
	}

	for _, item := range req.Draft.Items {
		ids := make([]string, 0, len(item.Sources))
		for _, src := range item.Sources {
			ids = append(ids, src.ResultID)
		}
		p.Draft.Items = append(p.Draft.Items, payloadItem{
			Title:     item.Title,
			Start:     item.Start.In(loc).Format(wallClock),
			End:       item.End.In(loc).Format(wallClock),
			Location:  item.Location,
			Rationale: item.Rationale,
			ResultIDs: ids,
		})
	}

	for _, c := range req.Catalog {
		p.Catalog = append(p.Catalog, payloadCapability{Name: c.Name, Description: c.Description, Params: c.Params})
	}
	return p
}

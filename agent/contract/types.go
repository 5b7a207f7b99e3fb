package contract

import (
	"time"

	"github.com/cloudwego/eino/schema"
	statex "github.com/tanpawarit/skyplanner/agent/state"
)

type AgentType string

const (
	AgentTypePlanner AgentType = "planner"
	AgentTypeTitle   AgentType = "title"
)

// CapabilityDescriptor is the catalog entry the planner sees for one capability.
type CapabilityDescriptor struct {
	Name        string                           `json:"name"`
	Description string                           `json:"description"`
	Params      map[string]*schema.ParameterInfo `json:"params"`
}

type PlannerRequest struct {
	SessionID string                 `json:"session_id"`
	Turns     []statex.Turn          `json:"turns"`
	Draft     statex.DraftPlan       `json:"draft"`
	Catalog   []CapabilityDescriptor `json:"catalog"`
	Now       time.Time              `json:"now"`
	Timezone  string                 `json:"timezone"`

	// InvocationsLeft is how many capability calls remain for the current user message.
	InvocationsLeft int `json:"invocations_left"`
}

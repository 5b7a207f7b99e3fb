package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Session is the persistent record of one planning conversation.
// Turns are append-only; the DraftPlan lives in its own record keyed by the same id.
type Session struct {
	ID       string        `json:"id"`
	Title    string        `json:"title,omitempty"`
	Status   SessionStatus `json:"status"`
	Timezone string        `json:"timezone,omitempty"`
	Turns    []Turn        `json:"turns,omitempty"`

	// Tokens totals the model usage of every planner call made for this session.
	Tokens TokenUsage `json:"tokens"`

	// Version increases on every write and backs optimistic concurrency checks.
	Version int64 `json:"version"`

	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at,omitempty"`
}

type SessionStatus string

type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

func (u TokenUsage) IsZero() bool {
	return u == TokenUsage{}
}

const (
	SessionActive       SessionStatus = "active"
	SessionAwaitingUser SessionStatus = "awaiting_user"
	SessionPlanned      SessionStatus = "planned"
	SessionAborted      SessionStatus = "aborted"
)

type Role string

const (
	RoleUser    Role = "user"
	RolePlanner Role = "planner"
	RoleSystem  Role = "system"
)

type TurnKind string

const (
	TurnMessage           TurnKind = "message"
	TurnCapabilityRequest TurnKind = "capability_request"
	TurnCapabilityResult  TurnKind = "capability_result"
	TurnPlan              TurnKind = "plan"
	TurnPlanRejected      TurnKind = "plan_rejected"
	TurnCorrection        TurnKind = "correction"
	TurnClarify           TurnKind = "clarify"
	TurnAbort             TurnKind = "abort"
)

// Turn is one immutable entry of a session history. Seq is assigned by the Store.
type Turn struct {
	Seq       int                `json:"seq"`
	Role      Role               `json:"role"`
	Kind      TurnKind           `json:"kind"`
	Text      string             `json:"text,omitempty"`
	Decision  *PlannerDecision   `json:"decision,omitempty"`
	Request   *CapabilityRequest `json:"request,omitempty"`
	Result    *CapabilityResult  `json:"result,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidSession  = errors.New("session id is empty")
	ErrNilSession      = errors.New("session is nil")
	ErrInvalidTurn     = errors.New("invalid turn")
	ErrVersionConflict = errors.New("session version conflict")
)

func NewSession(id, timezone string, now time.Time, ttl time.Duration) *Session {
	s := &Session{
		ID:             id,
		Status:         SessionActive,
		Timezone:       strings.TrimSpace(timezone),
		CreatedAt:      now.UTC(),
		LastActivityAt: now.UTC(),
	}
	s.Touch(now, ttl)
	return s
}

// Touch records activity and pushes the expiry forward. A ttl of zero means no expiry.
func (s *Session) Touch(now time.Time, ttl time.Duration) {
	s.LastActivityAt = now.UTC()
	if ttl > 0 {
		s.ExpiresAt = s.LastActivityAt.Add(ttl)
	} else {
		s.ExpiresAt = time.Time{}
	}
}

func (s *Session) Expired(now time.Time) bool {
	return s != nil && !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

func (s *Session) LastSeq() int {
	if s == nil || len(s.Turns) == 0 {
		return 0
	}
	return s.Turns[len(s.Turns)-1].Seq
}

// Results indexes every capability result recorded in the history by result id.
func (s *Session) Results() map[string]CapabilityResult {
	out := make(map[string]CapabilityResult)
	if s == nil {
		return out
	}
	for _, t := range s.Turns {
		if t.Kind == TurnCapabilityResult && t.Result != nil && t.Result.ID != "" {
			out[t.Result.ID] = *t.Result
		}
	}
	return out
}

// FirstUserMessage returns the text of the earliest user message, used for titling.
func (s *Session) FirstUserMessage() string {
	if s == nil {
		return ""
	}
	for _, t := range s.Turns {
		if t.Role == RoleUser && t.Kind == TurnMessage {
			return t.Text
		}
	}
	return ""
}

// Location resolves the session timezone, falling back to UTC.
func (s *Session) Location() *time.Location {
	if s == nil || s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate checks the structural invariants of a loaded record.
func (s *Session) Validate() error {
	if s == nil {
		return ErrNilSession
	}
	if strings.TrimSpace(s.ID) == "" {
		return ErrInvalidSession
	}
	for i, t := range s.Turns {
		if t.Seq != i+1 {
			return fmt.Errorf("%w: turn %d has seq %d", ErrInvalidTurn, i+1, t.Seq)
		}
	}
	return nil
}

func (t Turn) validate() error {
	switch t.Role {
	case RoleUser, RolePlanner, RoleSystem:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidTurn, t.Role)
	}
	if t.Kind == "" {
		return fmt.Errorf("%w: kind is empty", ErrInvalidTurn)
	}
	if t.Kind == TurnCapabilityRequest && t.Request == nil {
		return fmt.Errorf("%w: capability request turn without request", ErrInvalidTurn)
	}
	if t.Kind == TurnCapabilityResult && t.Result == nil {
		return fmt.Errorf("%w: capability result turn without result", ErrInvalidTurn)
	}
	return nil
}

package orchestratornode

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	contractx "github.com/tanpawarit/skyplanner/agent/contract"
	"github.com/tanpawarit/skyplanner/agent/itinerary"
	statex "github.com/tanpawarit/skyplanner/agent/state"
)

const maxMessageRunes = 4000

var ErrInvalidMessage = errors.New("message is empty")

// GraphInput is one user message. An empty SessionID starts a new session.
type GraphInput struct {
	SessionID string
	Text      string
}

type GraphOutput struct {
	SessionID        string
	Title            string
	FreshSession     bool
	Outcome          Outcome
	AssistantMessage string
	Itinerary        *itinerary.Itinerary
	Failure          *contractx.Failure
}

type GraphState struct {
	SessionID string
	Text      string
	Now       time.Time

	Session      *statex.Session
	FreshSession bool

	Result    LoopResult
	Itinerary *itinerary.Itinerary
}

func ValidateRequest(in GraphInput, nowFn func() time.Time) (*GraphState, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: %w", contractx.ErrInvalidArgument, ErrInvalidMessage)
	}
	if utf8.RuneCountInString(text) > maxMessageRunes {
		return nil, fmt.Errorf("%w: message longer than %d characters", contractx.ErrInvalidArgument, maxMessageRunes)
	}

	return &GraphState{
		SessionID: strings.TrimSpace(in.SessionID),
		Text:      text,
		Now:       nowFn().UTC(),
	}, nil
}

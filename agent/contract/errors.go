package contract

import (
	"context"
	"errors"
	"fmt"

	statex "github.com/tanpawarit/skyplanner/agent/state"
)

var (
	ErrModelInvoke     = errors.New("model invoke failed")
	ErrSchemaViolation = errors.New("model response violates schema")
	ErrPromptMissing   = errors.New("required prompt is missing")
	ErrValidation      = errors.New("validation failed")

	ErrInvalidArgument    = errors.New("invalid argument")
	ErrTimeout            = errors.New("capability timed out")
	ErrTransientService   = errors.New("transient service error")
	ErrAuthorization      = errors.New("authorization error")
	ErrUnknownCapability  = errors.New("unknown capability")
	ErrTurnBudgetExceeded = errors.New("turn budget exceeded")
	ErrAborted            = errors.New("planner aborted")

	ErrSessionNotFound        = statex.ErrSessionNotFound
	ErrPlanInvariantViolation = statex.ErrPlanInvariantViolation
)

// Category is the failure class reported to callers.
type Category string

const (
	CategoryInvalidArgument        Category = "invalid_argument"
	CategoryTimeout                Category = "timeout"
	CategoryTransientService       Category = "transient_service_error"
	CategoryAuthorization          Category = "authorization_error"
	CategoryUnknownCapability      Category = "unknown_capability"
	CategorySessionNotFound        Category = "session_not_found"
	CategoryTurnBudgetExceeded     Category = "turn_budget_exceeded"
	CategoryPlanInvariantViolation Category = "plan_invariant_violation"
	CategoryAborted                Category = "aborted"
	CategoryPlannerUnavailable     Category = "planner_unavailable"
	CategoryCancelled              Category = "cancelled"
	CategoryInternal               Category = "internal"
)

// Failure is the only error shape handed to callers: a category plus a readable reason.
// The underlying cause is kept for logs and errors.Is, not for display.
type Failure struct {
	Category Category `json:"category"`
	Reason   string   `json:"reason"`
	Err      error    `json:"-"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Category, f.Reason)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func NewFailure(category Category, reason string, err error) *Failure {
	return &Failure{Category: category, Reason: reason, Err: err}
}

// AsFailure maps any error onto a Failure, keeping an existing one untouched.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}

	switch {
	case errors.Is(err, context.Canceled):
		return NewFailure(CategoryCancelled, "the request was cancelled", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return NewFailure(CategoryTimeout, "the request took too long", err)
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrValidation), errors.Is(err, statex.ErrInvalidSession):
		return NewFailure(CategoryInvalidArgument, "the request is invalid", err)
	case errors.Is(err, ErrAuthorization):
		return NewFailure(CategoryAuthorization, "access to a data source was denied", err)
	case errors.Is(err, ErrTransientService):
		return NewFailure(CategoryTransientService, "a data source is temporarily unavailable", err)
	case errors.Is(err, ErrUnknownCapability):
		return NewFailure(CategoryUnknownCapability, "an unknown data source was requested", err)
	case errors.Is(err, ErrSessionNotFound):
		return NewFailure(CategorySessionNotFound, "the session does not exist or has expired", err)
	case errors.Is(err, ErrTurnBudgetExceeded):
		return NewFailure(CategoryTurnBudgetExceeded, "planning needed too many lookups", err)
	case errors.Is(err, ErrPlanInvariantViolation):
		return NewFailure(CategoryPlanInvariantViolation, "the planner could not produce a consistent plan", err)
	case errors.Is(err, ErrAborted):
		return NewFailure(CategoryAborted, "the planner gave up", err)
	case errors.Is(err, ErrModelInvoke), errors.Is(err, ErrSchemaViolation):
		return NewFailure(CategoryPlannerUnavailable, "the planner is unavailable", err)
	default:
		return NewFailure(CategoryInternal, "an internal error occurred", err)
	}
}

package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// CapabilityRequest is a planner request for one external capability call.
type CapabilityRequest struct {
	Capability     string         `json:"capability"`
	Args           map[string]any `json:"args,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
}

type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusFailure ResultStatus = "failure"
	StatusPartial ResultStatus = "partial"
)

type FailureReason string

const (
	ReasonInvalidArgument   FailureReason = "InvalidArgument"
	ReasonTimeout           FailureReason = "Timeout"
	ReasonTransient         FailureReason = "TransientServiceError"
	ReasonAuthorization     FailureReason = "AuthorizationError"
	ReasonUnknownCapability FailureReason = "UnknownCapability"
	ReasonProvider          FailureReason = "ProviderError"
	ReasonNoData            FailureReason = "NoData"
)

// CapabilityResult is the normalized outcome of a capability call.
// Payload holds the capability specific fields (forecast points, events, snippets).
type CapabilityResult struct {
	ID             string          `json:"id"`
	Capability     string          `json:"capability"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         ResultStatus    `json:"status"`
	Reason         FailureReason   `json:"reason,omitempty"`
	Message        string          `json:"message,omitempty"`
	Summary        string          `json:"summary,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Attempts       int             `json:"attempts,omitempty"`
	FetchedAt      time.Time       `json:"fetched_at"`
}

// Usable reports whether the result carries data a plan may cite.
func (r CapabilityResult) Usable() bool {
	return r.Status == StatusSuccess || r.Status == StatusPartial
}

// NewCapabilityRequest normalizes args and derives the idempotency key.
func NewCapabilityRequest(capability string, args map[string]any) (CapabilityRequest, error) {
	name := strings.ToLower(strings.TrimSpace(capability))
	normalized := NormalizeArgs(args)
	key, err := IdempotencyKey(name, normalized)
	if err != nil {
		return CapabilityRequest{}, err
	}
	return CapabilityRequest{
		Capability:     name,
		Args:           normalized,
		IdempotencyKey: key,
	}, nil
}

// IdempotencyKey fingerprints a capability name and normalized args as
// "<capability>:<sha256 of sorted-key json>".
func IdempotencyKey(capability string, normalizedArgs map[string]any) (string, error) {
	if normalizedArgs == nil {
		normalizedArgs = map[string]any{}
	}
	raw, err := sonic.ConfigStd.Marshal(normalizedArgs)
	if err != nil {
		return "", fmt.Errorf("marshal capability args: %w", err)
	}
	sum := sha256.Sum256(raw)
	return capability + ":" + hex.EncodeToString(sum[:]), nil
}

// NormalizeArgs trims keys and string values and drops nil or empty values,
// so requests that differ only in formatting share a key.
func NormalizeArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		if nv, ok := normalizeValue(v); ok {
			out[key] = nv
		}
	}
	return out
}

func normalizeValue(v any) (any, bool) {
	switch tv := v.(type) {
	case nil:
		return nil, false
	case string:
		trimmed := strings.TrimSpace(tv)
		return trimmed, trimmed != ""
	case map[string]any:
		nested := NormalizeArgs(tv)
		return nested, len(nested) > 0
	case []any:
		items := make([]any, 0, len(tv))
		for _, item := range tv {
			if nv, ok := normalizeValue(item); ok {
				items = append(items, nv)
			}
		}
		return items, len(items) > 0
	default:
		return v, true
	}
}

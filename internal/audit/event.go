package audit

import (
	"fmt"
	"time"

	"github.com/s8ken/yseeku-platform-sub013/internal/hashchain"
	"github.com/s8ken/yseeku-platform-sub013/pkg/jcs"
)

// Level classifies event severity.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Category groups events by the concern that emitted them.
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryDataAccess     Category = "data_access"
	CategoryConfiguration  Category = "configuration"
	CategorySecurity       Category = "security"
	CategoryKeyManagement  Category = "key_management"
)

// Outcome records whether the audited action succeeded.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Actor identifies who performed an action.
type Actor struct {
	ID     string `json:"id"`
	Type   string `json:"type,omitempty"` // user, service, system
	Tenant string `json:"tenant,omitempty"`
}

// Resource identifies what was acted upon.
type Resource struct {
	Type   string `json:"type,omitempty"`
	ID     string `json:"id,omitempty"`
	Tenant string `json:"tenant,omitempty"`
}

// Event is the caller-supplied description of an auditable action. ID and
// Timestamp are assigned on append when left empty.
type Event struct {
	ID        string         `json:"id,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
	Level     Level          `json:"level,omitempty"`
	Category  Category       `json:"category"`
	Action    string         `json:"action"`
	Actor     Actor          `json:"actor"`
	Resource  Resource       `json:"resource,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Outcome   Outcome        `json:"outcome"`
}

func (e *Event) validate() error {
	if e.Action == "" {
		return fmt.Errorf("event action is required")
	}
	switch e.Level {
	case "", LevelInfo, LevelWarning, LevelError, LevelCritical:
	default:
		return fmt.Errorf("unknown event level %q", e.Level)
	}
	switch e.Category {
	case CategoryAuthentication, CategoryAuthorization, CategoryDataAccess,
		CategoryConfiguration, CategorySecurity, CategoryKeyManagement:
	default:
		return fmt.Errorf("unknown event category %q", e.Category)
	}
	switch e.Outcome {
	case OutcomeSuccess, OutcomeFailure:
	default:
		return fmt.Errorf("unknown event outcome %q", e.Outcome)
	}
	return nil
}

// SignedEvent is an event chained into the audit trail. Hash covers every
// event field plus PreviousHash; Signature, when present, covers Hash.
type SignedEvent struct {
	Event
	PreviousHash string `json:"previous_hash"`
	Hash         string `json:"hash"`
	Signature    string `json:"signature,omitempty"` // hex encoded
	KeyID        string `json:"key_id,omitempty"`
}

const eventTag = "sonate:audit:v1"

// hashEvent computes the chained digest for an event. The context map goes
// through canonical JSON so its digest is independent of map iteration
// order.
func hashEvent(e *SignedEvent) (string, error) {
	contextJSON := []byte("null")
	if len(e.Context) > 0 {
		b, err := jcs.Marshal(e.Context)
		if err != nil {
			return "", fmt.Errorf("canonicalize event context: %w", err)
		}
		contextJSON = b
	}
	return hashchain.Digest(eventTag,
		[]byte(e.ID),
		[]byte(e.Timestamp.UTC().Format(time.RFC3339Nano)),
		[]byte(e.Level),
		[]byte(e.Category),
		[]byte(e.Action),
		[]byte(e.Actor.ID),
		[]byte(e.Actor.Type),
		[]byte(e.Actor.Tenant),
		[]byte(e.Resource.Type),
		[]byte(e.Resource.ID),
		[]byte(e.Resource.Tenant),
		contextJSON,
		[]byte(e.Outcome),
		[]byte(e.PreviousHash),
	), nil
}

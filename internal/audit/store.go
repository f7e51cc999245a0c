package audit

import (
	"context"
	"errors"
	"time"
)

// ErrEventNotFound is returned when a lookup names an unknown event.
var ErrEventNotFound = errors.New("audit event not found")

// ErrStaleTip is returned by Append when the event's PreviousHash no longer
// matches the trail tip because another writer got there first. Callers
// rebuild the event against the new tip and retry.
var ErrStaleTip = errors.New("audit trail tip has moved")

// Store persists the ordered audit trail. Implementations must preserve
// append order and reject appends whose PreviousHash no longer matches the
// tip; that check is what keeps concurrent writers from forking the chain.
type Store interface {
	// Append adds an event at the end of the trail. It returns
	// ErrStaleTip when e.PreviousHash does not match the current tip.
	Append(ctx context.Context, e *SignedEvent) error

	// GetByID returns the event with the given id.
	GetByID(ctx context.Context, id string) (*SignedEvent, error)

	// GetByHash returns the event with the given chain hash.
	GetByHash(ctx context.Context, hash string) (*SignedEvent, error)

	// First returns the oldest retained event, nil when the trail is empty.
	First(ctx context.Context) (*SignedEvent, error)

	// Tip returns the newest event, nil when the trail is empty.
	Tip(ctx context.Context) (*SignedEvent, error)

	// Len returns the number of retained events.
	Len(ctx context.Context) (int, error)

	// Iterate calls fn for each event in append order until fn returns
	// false or an error.
	Iterate(ctx context.Context, fn func(*SignedEvent) (bool, error)) error

	// RemovePrefix removes and returns the first n events in append
	// order. It exists solely for archival; nothing else removes events.
	RemovePrefix(ctx context.Context, n int) ([]*SignedEvent, error)
}

// ArchiveSink receives events that age out of the active trail.
type ArchiveSink interface {
	Archive(ctx context.Context, events []*SignedEvent) error
}

// cloneEvent copies an event so store internals never alias caller memory.
func cloneEvent(e *SignedEvent) *SignedEvent {
	cp := *e
	if e.Context != nil {
		cp.Context = make(map[string]any, len(e.Context))
		for k, v := range e.Context {
			cp.Context[k] = v
		}
	}
	return &cp
}

// eventOlderThan reports whether e predates cut.
func eventOlderThan(e *SignedEvent, cut time.Time) bool {
	return e.Timestamp.Before(cut)
}

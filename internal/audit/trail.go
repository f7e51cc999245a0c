// Package audit maintains a tamper-evident, append-only trail of security
// events. Every event carries a chained hash over its content and its
// predecessor, so any later modification, insertion, or deletion is
// detectable by re-walking the chain.
package audit

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/s8ken/yseeku-platform-sub013/internal/hashchain"
	"github.com/s8ken/yseeku-platform-sub013/internal/signing"
)

// Config carries Trail construction options.
type Config struct {
	// ChainID seeds the genesis hash of a fresh trail. Defaults to
	// "audit".
	ChainID string

	// Backend, when set, signs each event hash with KeyID. Signing is
	// fail closed: if the backend cannot sign, the event is not
	// appended.
	Backend signing.Backend
	KeyID   string

	Logger *zap.Logger
}

// Trail is the append-only audit log. Writers coordinate through the
// store's tip check, so multiple goroutines may call Log concurrently.
type Trail struct {
	store    Store
	chainID  string
	backend  signing.Backend
	keyID    string
	logger   *zap.Logger
	onAppend func(*SignedEvent)

	archiveMu sync.Mutex // one archival run at a time
}

// NewTrail creates a Trail over store.
func NewTrail(store Store, cfg Config) *Trail {
	if cfg.ChainID == "" {
		cfg.ChainID = "audit"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Trail{
		store:   store,
		chainID: cfg.ChainID,
		backend: cfg.Backend,
		keyID:   cfg.KeyID,
		logger:  cfg.Logger,
	}
}

// SetAppendHook registers fn to run after every successful append. Used for
// metrics. Call before the Trail is shared.
func (t *Trail) SetAppendHook(fn func(*SignedEvent)) {
	t.onAppend = fn
}

// Log validates e, assigns identity and time where the caller left them
// empty, chains it onto the trail, signs the hash when a backend is
// configured, and appends it. The returned event is the stored form.
func (t *Trail) Log(ctx context.Context, e Event) (*SignedEvent, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	} else {
		e.Timestamp = e.Timestamp.UTC()
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}

	// Build against the observed tip and retry when another writer beat
	// us to it. One writer wins every round, so the loop terminates once
	// the contenders drain.
	for {
		signed, err := t.buildSigned(ctx, e)
		if err != nil {
			return nil, err
		}
		switch err := t.store.Append(ctx, signed); {
		case err == nil:
			t.logger.Debug("audit event logged",
				zap.String("id", signed.ID),
				zap.String("action", signed.Action),
				zap.String("category", string(signed.Category)),
			)
			if t.onAppend != nil {
				t.onAppend(signed)
			}
			return signed, nil
		case !errors.Is(err, ErrStaleTip):
			return nil, fmt.Errorf("append audit event: %w", err)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}
	}
}

// buildSigned reads the current tip, chains e onto it, and signs the hash.
func (t *Trail) buildSigned(ctx context.Context, e Event) (*SignedEvent, error) {
	tip, err := t.store.Tip(ctx)
	if err != nil {
		return nil, fmt.Errorf("read trail tip: %w", err)
	}
	prev := ""
	if tip != nil {
		prev = tip.Hash
	} else {
		prev = hashchain.Genesis(t.chainID, e.Timestamp)
	}

	signed := &SignedEvent{Event: e, PreviousHash: prev}
	hash, err := hashEvent(signed)
	if err != nil {
		return nil, err
	}
	signed.Hash = hash

	if t.backend != nil {
		sig, err := t.backend.Sign(ctx, t.keyID, []byte(hash))
		if err != nil {
			return nil, fmt.Errorf("sign audit event: %w", err)
		}
		signed.Signature = hex.EncodeToString(sig)
		signed.KeyID = t.keyID
	}
	return signed, nil
}

// EventStatus is the outcome of verifying a single event.
type EventStatus struct {
	Valid   bool   `json:"valid"`
	EventID string `json:"event_id"`
	Hash    string `json:"hash"`
	Reason  string `json:"reason,omitempty"`
}

// VerifyEvent recomputes the named event's hash from its stored fields and,
// when the event carries a signature and a backend is configured, checks
// the signature too. Unknown ids return ErrEventNotFound.
func (t *Trail) VerifyEvent(ctx context.Context, id string) (EventStatus, error) {
	e, err := t.store.GetByID(ctx, id)
	if err != nil {
		return EventStatus{}, err
	}
	status := EventStatus{EventID: e.ID, Hash: e.Hash}

	recomputed, err := hashEvent(e)
	if err != nil {
		return EventStatus{}, err
	}
	if recomputed != e.Hash {
		status.Reason = hashchain.ReasonHashMismatch
		return status, nil
	}

	if e.Signature != "" && t.backend != nil {
		sig, err := hex.DecodeString(e.Signature)
		if err != nil {
			status.Reason = "signature invalid"
			return status, nil
		}
		ok, err := t.backend.Verify(ctx, e.KeyID, []byte(e.Hash), sig)
		if err != nil {
			return EventStatus{}, fmt.Errorf("verify audit signature: %w", err)
		}
		if !ok {
			status.Reason = "signature invalid"
			return status, nil
		}
	}

	status.Valid = true
	return status, nil
}

// ChainStatus is the outcome of verifying the whole trail.
type ChainStatus struct {
	Valid          bool   `json:"valid"`
	TotalEvents    int    `json:"total_events"`
	VerifiedEvents int    `json:"verified_events"`
	BrokenAt       string `json:"broken_at,omitempty"`       // chain hash
	BrokenAtEvent  string `json:"broken_at_event,omitempty"` // event id when resolvable
	Reason         string `json:"reason,omitempty"`
}

// VerifyChain re-walks the retained trail from tip to its base and
// recomputes every hash. The base is self-describing: the oldest retained
// event's PreviousHash is the verification floor, so verification survives
// restarts and archival without extra state.
func (t *Trail) VerifyChain(ctx context.Context) (ChainStatus, error) {
	events := make(map[string]*SignedEvent)
	var first, tip *SignedEvent
	err := t.store.Iterate(ctx, func(e *SignedEvent) (bool, error) {
		if first == nil {
			first = e
		}
		tip = e
		events[e.Hash] = e
		return true, nil
	})
	if err != nil {
		return ChainStatus{}, fmt.Errorf("snapshot audit trail: %w", err)
	}
	if tip == nil {
		return ChainStatus{Valid: true}, nil
	}

	rep := hashchain.Walk(tip.Hash, first.PreviousHash,
		func(hash string) (string, bool) {
			e, ok := events[hash]
			if !ok {
				return "", false
			}
			return e.PreviousHash, true
		},
		func(hash string) (bool, string) {
			recomputed, err := hashEvent(events[hash])
			if err != nil || recomputed != hash {
				return false, hashchain.ReasonHashMismatch
			}
			return true, ""
		},
	)

	status := ChainStatus{
		Valid:          rep.Valid,
		TotalEvents:    rep.TotalLinks,
		VerifiedEvents: rep.VerifiedLinks,
		BrokenAt:       rep.BrokenAt,
	}
	if len(rep.Issues) > 0 {
		status.Reason = rep.Issues[0].Reason
	}
	if e, ok := events[rep.BrokenAt]; ok {
		status.BrokenAtEvent = e.ID
	}
	return status, nil
}

// Filter selects events. Zero fields match everything; set fields combine
// with AND.
type Filter struct {
	Category   Category
	Level      Level
	Outcome    Outcome
	ActorID    string
	ResourceID string
	From       time.Time // inclusive
	To         time.Time // exclusive
	Limit      int       // 0 means no limit
}

func (f Filter) matches(e *SignedEvent) bool {
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.ActorID != "" && e.Actor.ID != f.ActorID {
		return false
	}
	if f.ResourceID != "" && e.Resource.ID != f.ResourceID {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.Timestamp.Before(f.To) {
		return false
	}
	return true
}

// Query returns events matching f in append order.
func (t *Trail) Query(ctx context.Context, f Filter) ([]*SignedEvent, error) {
	var out []*SignedEvent
	err := t.store.Iterate(ctx, func(e *SignedEvent) (bool, error) {
		if !f.matches(e) {
			return true, nil
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	return out, nil
}

// Statistics summarises the retained trail.
type Statistics struct {
	TotalEvents int              `json:"total_events"`
	ByLevel     map[Level]int    `json:"by_level"`
	ByCategory  map[Category]int `json:"by_category"`
	ByOutcome   map[Outcome]int  `json:"by_outcome"`
	Earliest    time.Time        `json:"earliest"`
	Latest      time.Time        `json:"latest"`
	ChainValid  bool             `json:"chain_valid"`
}

// Statistics walks the trail once and verifies the chain.
func (t *Trail) Statistics(ctx context.Context) (Statistics, error) {
	stats := Statistics{
		ByLevel:    make(map[Level]int),
		ByCategory: make(map[Category]int),
		ByOutcome:  make(map[Outcome]int),
	}
	err := t.store.Iterate(ctx, func(e *SignedEvent) (bool, error) {
		stats.TotalEvents++
		stats.ByLevel[e.Level]++
		stats.ByCategory[e.Category]++
		stats.ByOutcome[e.Outcome]++
		if stats.Earliest.IsZero() || e.Timestamp.Before(stats.Earliest) {
			stats.Earliest = e.Timestamp
		}
		if e.Timestamp.After(stats.Latest) {
			stats.Latest = e.Timestamp
		}
		return true, nil
	})
	if err != nil {
		return Statistics{}, fmt.Errorf("scan audit trail: %w", err)
	}

	chain, err := t.VerifyChain(ctx)
	if err != nil {
		return Statistics{}, err
	}
	stats.ChainValid = chain.Valid
	return stats, nil
}

// ArchiveReport describes one archival run.
type ArchiveReport struct {
	Archived   int    `json:"archived"`
	NewGenesis string `json:"new_genesis,omitempty"`
}

// Archive moves events older than cut to sink and removes them from the
// active trail. Only a contiguous prefix is eligible, and the newest event
// always stays so the chain keeps its anchor. The sink receives events
// before they are removed; a sink failure leaves the trail untouched.
//
// After archival the oldest retained event's PreviousHash, the hash of the
// last archived event, becomes the new verification floor.
func (t *Trail) Archive(ctx context.Context, cut time.Time, sink ArchiveSink) (ArchiveReport, error) {
	t.archiveMu.Lock()
	defer t.archiveMu.Unlock()

	total, err := t.store.Len(ctx)
	if err != nil {
		return ArchiveReport{}, fmt.Errorf("measure audit trail: %w", err)
	}

	var prefix []*SignedEvent
	err = t.store.Iterate(ctx, func(e *SignedEvent) (bool, error) {
		if !eventOlderThan(e, cut) || len(prefix) >= total-1 {
			return false, nil
		}
		prefix = append(prefix, e)
		return true, nil
	})
	if err != nil {
		return ArchiveReport{}, fmt.Errorf("scan archive prefix: %w", err)
	}
	if len(prefix) == 0 {
		return ArchiveReport{}, nil
	}

	if err := sink.Archive(ctx, prefix); err != nil {
		return ArchiveReport{}, fmt.Errorf("archive audit events: %w", err)
	}
	removed, err := t.store.RemovePrefix(ctx, len(prefix))
	if err != nil {
		return ArchiveReport{}, fmt.Errorf("remove archived events: %w", err)
	}

	report := ArchiveReport{
		Archived:   len(removed),
		NewGenesis: removed[len(removed)-1].Hash,
	}
	t.logger.Info("audit trail archived",
		zap.Int("archived", report.Archived),
		zap.String("new_genesis", report.NewGenesis),
		zap.Time("cut", cut),
	)
	return report, nil
}

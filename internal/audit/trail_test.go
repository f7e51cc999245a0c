package audit_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/s8ken/yseeku-platform-sub013/internal/audit"
	"github.com/s8ken/yseeku-platform-sub013/internal/hashchain"
	"github.com/s8ken/yseeku-platform-sub013/internal/signing"
)

var ctx = context.Background()

func newTrail(t *testing.T) (*audit.Trail, *audit.MemoryStore) {
	t.Helper()
	store := audit.NewMemoryStore()
	trail := audit.NewTrail(store, audit.Config{ChainID: "test-trail"})
	return trail, store
}

func newSignedTrail(t *testing.T) (*audit.Trail, signing.Backend) {
	t.Helper()
	backend, err := signing.NewSoftwareBackend("test", nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSoftwareBackend: %v", err)
	}
	if _, err := backend.GenerateKeyPair(ctx, "audit-key"); err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	trail := audit.NewTrail(audit.NewMemoryStore(), audit.Config{
		ChainID: "test-trail",
		Backend: backend,
		KeyID:   "audit-key",
	})
	return trail, backend
}

func event(action string) audit.Event {
	return audit.Event{
		Category: audit.CategorySecurity,
		Action:   action,
		Actor:    audit.Actor{ID: "svc-1", Type: "service"},
		Outcome:  audit.OutcomeSuccess,
	}
}

func TestLog_assignsIdentityAndChains(t *testing.T) {
	trail, _ := newTrail(t)

	first, err := trail.Log(ctx, event("login"))
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if first.ID == "" {
		t.Error("expected an assigned event id")
	}
	if first.Timestamp.IsZero() {
		t.Error("expected an assigned timestamp")
	}
	if first.Level != audit.LevelInfo {
		t.Errorf("default level = %q, want %q", first.Level, audit.LevelInfo)
	}
	if len(first.PreviousHash) != 64 {
		t.Errorf("genesis previous hash length = %d, want 64", len(first.PreviousHash))
	}
	if len(first.Hash) != 64 {
		t.Errorf("hash length = %d, want 64", len(first.Hash))
	}

	second, err := trail.Log(ctx, event("logout"))
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if second.PreviousHash != first.Hash {
		t.Errorf("second event previous = %q, want %q", second.PreviousHash, first.Hash)
	}
}

func TestLog_rejectsInvalidEvents(t *testing.T) {
	trail, store := newTrail(t)
	cases := []struct {
		name string
		ev   audit.Event
	}{
		{"missing action", audit.Event{Category: audit.CategorySecurity, Outcome: audit.OutcomeSuccess}},
		{"unknown category", audit.Event{Category: "gossip", Action: "x", Outcome: audit.OutcomeSuccess}},
		{"unknown outcome", audit.Event{Category: audit.CategorySecurity, Action: "x", Outcome: "maybe"}},
		{"unknown level", audit.Event{Category: audit.CategorySecurity, Action: "x", Outcome: audit.OutcomeSuccess, Level: "loud"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := trail.Log(ctx, tc.ev); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
	if n, _ := store.Len(ctx); n != 0 {
		t.Errorf("store length = %d, want 0 after rejected events", n)
	}
}

func TestLog_signsEvents(t *testing.T) {
	trail, _ := newSignedTrail(t)

	e, err := trail.Log(ctx, event("key.rotated"))
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if len(e.Signature) != 128 {
		t.Errorf("signature length = %d, want 128 hex chars", len(e.Signature))
	}
	if e.KeyID != "audit-key" {
		t.Errorf("key id = %q, want audit-key", e.KeyID)
	}

	status, err := trail.VerifyEvent(ctx, e.ID)
	if err != nil {
		t.Fatalf("VerifyEvent: %v", err)
	}
	if !status.Valid {
		t.Errorf("signed event did not verify: %+v", status)
	}
}

func TestLog_failsClosedWhenSigningUnavailable(t *testing.T) {
	trail, backend := newSignedTrail(t)
	if err := backend.Revoke(ctx, "audit-key"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	if _, err := trail.Log(ctx, event("doomed")); err == nil {
		t.Fatal("expected Log to fail when the signing key is revoked")
	}
	status, err := trail.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if status.TotalEvents != 0 {
		t.Errorf("trail length = %d, want 0 after failed signing", status.TotalEvents)
	}
}

func TestVerifyEvent_unknownID(t *testing.T) {
	trail, _ := newTrail(t)
	if _, err := trail.VerifyEvent(ctx, "nope"); !errors.Is(err, audit.ErrEventNotFound) {
		t.Errorf("err = %v, want ErrEventNotFound", err)
	}
}

func TestVerifyEvent_detectsTamperedHash(t *testing.T) {
	trail, store := newTrail(t)
	prev, err := trail.Log(ctx, event("first"))
	if err != nil {
		t.Fatalf("Log: %v", err)
	}

	// Plant an event whose stored hash does not match its content.
	forged := &audit.SignedEvent{
		Event: audit.Event{
			ID:        "forged-1",
			Timestamp: time.Now().UTC(),
			Level:     audit.LevelInfo,
			Category:  audit.CategorySecurity,
			Action:    "privilege.grant",
			Actor:     audit.Actor{ID: "mallory"},
			Outcome:   audit.OutcomeSuccess,
		},
		PreviousHash: prev.Hash,
		Hash:         strings.Repeat("ab", 32),
	}
	if err := store.Append(ctx, forged); err != nil {
		t.Fatalf("Append: %v", err)
	}

	status, err := trail.VerifyEvent(ctx, "forged-1")
	if err != nil {
		t.Fatalf("VerifyEvent: %v", err)
	}
	if status.Valid {
		t.Fatal("forged event passed verification")
	}
	if status.Reason != hashchain.ReasonHashMismatch {
		t.Errorf("reason = %q, want %q", status.Reason, hashchain.ReasonHashMismatch)
	}

	chain, err := trail.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if chain.Valid {
		t.Fatal("chain with forged event passed verification")
	}
	if chain.BrokenAt != forged.Hash {
		t.Errorf("broken at = %q, want %q", chain.BrokenAt, forged.Hash)
	}
	if chain.BrokenAtEvent != "forged-1" {
		t.Errorf("broken at event = %q, want forged-1", chain.BrokenAtEvent)
	}
}

func TestVerifyChain_empty(t *testing.T) {
	trail, _ := newTrail(t)
	status, err := trail.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !status.Valid || status.TotalEvents != 0 {
		t.Errorf("empty trail status = %+v, want valid and empty", status)
	}
}

func TestVerifyChain_valid(t *testing.T) {
	trail, _ := newTrail(t)
	for i := 0; i < 5; i++ {
		if _, err := trail.Log(ctx, event("step")); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}
	status, err := trail.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !status.Valid {
		t.Fatalf("chain invalid: %+v", status)
	}
	if status.TotalEvents != 5 || status.VerifiedEvents != 5 {
		t.Errorf("total/verified = %d/%d, want 5/5", status.TotalEvents, status.VerifiedEvents)
	}
}

func TestStaleTipRejectedByStore(t *testing.T) {
	trail, store := newTrail(t)
	first, err := trail.Log(ctx, event("first"))
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	stale := &audit.SignedEvent{
		Event:        audit.Event{ID: "stale", Category: audit.CategorySecurity, Action: "x", Outcome: audit.OutcomeSuccess},
		PreviousHash: first.PreviousHash, // points past the tip
		Hash:         strings.Repeat("cd", 32),
	}
	if err := store.Append(ctx, stale); !errors.Is(err, audit.ErrStaleTip) {
		t.Errorf("err = %v, want ErrStaleTip", err)
	}
}

func TestQuery_filtersWithANDSemantics(t *testing.T) {
	trail, _ := newTrail(t)

	seed := []audit.Event{
		{Category: audit.CategoryAuthentication, Action: "login", Actor: audit.Actor{ID: "alice"}, Outcome: audit.OutcomeSuccess},
		{Category: audit.CategoryAuthentication, Action: "login", Actor: audit.Actor{ID: "bob"}, Outcome: audit.OutcomeFailure, Level: audit.LevelWarning},
		{Category: audit.CategoryDataAccess, Action: "read", Actor: audit.Actor{ID: "alice"}, Outcome: audit.OutcomeSuccess, Resource: audit.Resource{Type: "receipt", ID: "r-1"}},
		{Category: audit.CategoryAuthentication, Action: "login", Actor: audit.Actor{ID: "alice"}, Outcome: audit.OutcomeFailure, Level: audit.LevelWarning},
	}
	for _, ev := range seed {
		if _, err := trail.Log(ctx, ev); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	got, err := trail.Query(ctx, audit.Filter{
		Category: audit.CategoryAuthentication,
		ActorID:  "alice",
		Outcome:  audit.OutcomeFailure,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("matched %d events, want 1", len(got))
	}
	if got[0].Actor.ID != "alice" || got[0].Outcome != audit.OutcomeFailure {
		t.Errorf("unexpected match: %+v", got[0].Event)
	}

	all, err := trail.Query(ctx, audit.Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("unfiltered query matched %d, want 4", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].PreviousHash != all[i-1].Hash {
			t.Fatal("query results are not in append order")
		}
	}

	limited, err := trail.Query(ctx, audit.Filter{Limit: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited query matched %d, want 2", len(limited))
	}

	byResource, err := trail.Query(ctx, audit.Filter{ResourceID: "r-1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(byResource) != 1 || byResource[0].Action != "read" {
		t.Errorf("resource query = %+v, want one read event", byResource)
	}
}

func TestQuery_timeWindow(t *testing.T) {
	trail, _ := newTrail(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		ev := event("tick")
		ev.Timestamp = base.Add(time.Duration(i) * time.Hour)
		if _, err := trail.Log(ctx, ev); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	got, err := trail.Query(ctx, audit.Filter{
		From: base.Add(time.Hour),
		To:   base.Add(3 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("window matched %d events, want 2 (From inclusive, To exclusive)", len(got))
	}
	if !got[0].Timestamp.Equal(base.Add(time.Hour)) {
		t.Errorf("first match at %v, want %v", got[0].Timestamp, base.Add(time.Hour))
	}
}

func TestStatistics(t *testing.T) {
	trail, _ := newTrail(t)
	seed := []audit.Event{
		{Category: audit.CategoryAuthentication, Action: "login", Actor: audit.Actor{ID: "a"}, Outcome: audit.OutcomeSuccess},
		{Category: audit.CategoryAuthentication, Action: "login", Actor: audit.Actor{ID: "b"}, Outcome: audit.OutcomeFailure, Level: audit.LevelError},
		{Category: audit.CategorySecurity, Action: "rotate", Actor: audit.Actor{ID: "a"}, Outcome: audit.OutcomeSuccess},
	}
	for _, ev := range seed {
		if _, err := trail.Log(ctx, ev); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	stats, err := trail.Statistics(ctx)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.TotalEvents != 3 {
		t.Errorf("total = %d, want 3", stats.TotalEvents)
	}
	if stats.ByCategory[audit.CategoryAuthentication] != 2 {
		t.Errorf("authentication count = %d, want 2", stats.ByCategory[audit.CategoryAuthentication])
	}
	if stats.ByOutcome[audit.OutcomeFailure] != 1 {
		t.Errorf("failure count = %d, want 1", stats.ByOutcome[audit.OutcomeFailure])
	}
	if stats.ByLevel[audit.LevelError] != 1 {
		t.Errorf("error count = %d, want 1", stats.ByLevel[audit.LevelError])
	}
	if !stats.ChainValid {
		t.Error("expected a valid chain")
	}
	if stats.Earliest.After(stats.Latest) {
		t.Errorf("earliest %v after latest %v", stats.Earliest, stats.Latest)
	}
}

func TestArchive_movesPrefixAndRebasesChain(t *testing.T) {
	trail, store := newTrail(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var logged []*audit.SignedEvent
	for i := 0; i < 5; i++ {
		ev := event("tick")
		ev.Timestamp = base.AddDate(0, 0, i)
		e, err := trail.Log(ctx, ev)
		if err != nil {
			t.Fatalf("Log: %v", err)
		}
		logged = append(logged, e)
	}

	dir := t.TempDir()
	sink := audit.NewFileArchive(filepath.Join(dir, "audit", "archive.jsonl"))

	report, err := trail.Archive(ctx, base.AddDate(0, 0, 3), sink)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if report.Archived != 3 {
		t.Errorf("archived = %d, want 3", report.Archived)
	}
	if report.NewGenesis != logged[2].Hash {
		t.Errorf("new genesis = %q, want hash of last archived event %q", report.NewGenesis, logged[2].Hash)
	}

	if n, _ := store.Len(ctx); n != 2 {
		t.Errorf("retained = %d, want 2", n)
	}
	first, err := store.First(ctx)
	if err != nil {
		t.Fatalf("First: %v", err)
	}
	if first.PreviousHash != report.NewGenesis {
		t.Errorf("retained base previous = %q, want %q", first.PreviousHash, report.NewGenesis)
	}

	status, err := trail.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !status.Valid || status.TotalEvents != 2 {
		t.Errorf("post-archive chain = %+v, want valid with 2 events", status)
	}

	// Archived events land in the JSONL file intact.
	f, err := os.Open(filepath.Join(dir, "audit", "archive.jsonl"))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e audit.SignedEvent
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("archive line %d: %v", lines, err)
		}
		if e.Hash != logged[lines].Hash {
			t.Errorf("archive line %d hash = %q, want %q", lines, e.Hash, logged[lines].Hash)
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("archive holds %d events, want 3", lines)
	}

	// Appending after archival keeps chaining from the retained tip.
	next, err := trail.Log(ctx, event("after-archive"))
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if next.PreviousHash != logged[4].Hash {
		t.Errorf("post-archive event previous = %q, want %q", next.PreviousHash, logged[4].Hash)
	}
}

func TestArchive_keepsNewestEvent(t *testing.T) {
	trail, store := newTrail(t)
	for i := 0; i < 3; i++ {
		if _, err := trail.Log(ctx, event("old")); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	sink := audit.NewFileArchive(filepath.Join(t.TempDir(), "archive.jsonl"))
	report, err := trail.Archive(ctx, time.Now().Add(time.Hour), sink)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if report.Archived != 2 {
		t.Errorf("archived = %d, want 2 (newest event stays)", report.Archived)
	}
	if n, _ := store.Len(ctx); n != 1 {
		t.Errorf("retained = %d, want 1", n)
	}
}

type failingSink struct{}

func (failingSink) Archive(context.Context, []*audit.SignedEvent) error {
	return errors.New("disk full")
}

func TestArchive_sinkFailureLeavesTrailIntact(t *testing.T) {
	trail, store := newTrail(t)
	for i := 0; i < 3; i++ {
		if _, err := trail.Log(ctx, event("keep")); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	if _, err := trail.Archive(ctx, time.Now().Add(time.Hour), failingSink{}); err == nil {
		t.Fatal("expected sink failure to surface")
	}
	if n, _ := store.Len(ctx); n != 3 {
		t.Errorf("retained = %d, want 3 after failed archive", n)
	}
}

func TestArchive_nothingOldEnough(t *testing.T) {
	trail, _ := newTrail(t)
	if _, err := trail.Log(ctx, event("fresh")); err != nil {
		t.Fatalf("Log: %v", err)
	}
	report, err := trail.Archive(ctx, time.Now().Add(-time.Hour), audit.NewFileArchive(filepath.Join(t.TempDir(), "a.jsonl")))
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if report.Archived != 0 {
		t.Errorf("archived = %d, want 0", report.Archived)
	}
}

func TestLog_concurrentWritersKeepOneChain(t *testing.T) {
	trail, store := newTrail(t)

	const writers = 8
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			if _, err := trail.Log(ctx, event("race")); err != nil {
				t.Errorf("Log: %v", err)
			}
		}()
	}
	wg.Wait()

	if n, _ := store.Len(ctx); n != writers {
		t.Errorf("store length = %d, want %d", n, writers)
	}
	status, err := trail.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !status.Valid || status.TotalEvents != writers {
		t.Errorf("chain after concurrent writes = %+v, want valid with %d events", status, writers)
	}
}

func TestContextDigestIndependentOfMapOrder(t *testing.T) {
	mk := func(m map[string]any) string {
		t.Helper()
		trail := audit.NewTrail(audit.NewMemoryStore(), audit.Config{ChainID: "ctx"})
		ev := event("with-context")
		ev.Timestamp = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
		ev.ID = "fixed"
		ev.Context = m
		e, err := trail.Log(ctx, ev)
		if err != nil {
			t.Fatalf("Log: %v", err)
		}
		return e.Hash
	}

	a := mk(map[string]any{"ip": "10.0.0.1", "attempts": 3, "mfa": true})
	b := mk(map[string]any{"mfa": true, "attempts": 3, "ip": "10.0.0.1"})
	if a != b {
		t.Errorf("same context hashed differently: %q vs %q", a, b)
	}
	c := mk(map[string]any{"ip": "10.0.0.2", "attempts": 3, "mfa": true})
	if a == c {
		t.Error("different context produced the same hash")
	}
}

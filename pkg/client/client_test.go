package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/s8ken/yseeku-platform-sub013/pkg/client"
)

// ── Stub server ─────────────────────────────────────────────────────────

func stubTrustServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"initialized":       true,
			"signing":           map[string]any{"state": "ok", "backend": "software", "keys": 2},
			"audit_chain_valid": true,
			"audit_events":      3,
		})
	})

	mux.HandleFunc("/api/v1/receipts", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			http.Error(w, `{"error":"Bearer service token required"}`, http.StatusUnauthorized)
			return
		}
		var p map[string]any
		json.NewDecoder(r.Body).Decode(&p)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"payload":         p,
			"integrity_hash":  strings.Repeat("ab", 32),
			"chain_signature": strings.Repeat("cd", 64),
			"key_id":          "receipts",
			"issued_at":       "2026-08-01T12:00:00Z",
		})
	})

	mux.HandleFunc("/api/v1/receipts/verify", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Receipt struct {
				IntegrityHash string `json:"integrity_hash"`
			} `json:"receipt"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Receipt.IntegrityHash == "tampered" {
			json.NewEncoder(w).Encode(map[string]any{
				"valid":  false,
				"reason": "Integrity hash mismatch",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"valid":          true,
			"integrity_hash": req.Receipt.IntegrityHash,
			"key_id":         "receipts",
		})
	})

	mux.HandleFunc("/api/v1/receipts/", func(w http.ResponseWriter, r *http.Request) {
		session := strings.TrimPrefix(r.URL.Path, "/api/v1/receipts/")
		if session == "ghost" {
			http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"session_id": session,
			"receipts": []map[string]any{
				{"integrity_hash": strings.Repeat("ab", 32), "key_id": "receipts"},
				{"integrity_hash": strings.Repeat("ef", 32), "previous_hash": strings.Repeat("ab", 32), "key_id": "receipts"},
			},
			"chain": map[string]any{"valid": true, "total_links": 2, "verified_links": 2},
		})
	})

	mux.HandleFunc("/api/v1/audit/events", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var e map[string]any
			json.NewDecoder(r.Body).Decode(&e)
			e["id"] = "evt-1"
			e["timestamp"] = "2026-08-01T12:00:00Z"
			e["previous_hash"] = strings.Repeat("00", 32)
			e["hash"] = strings.Repeat("11", 32)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(e)
		case http.MethodGet:
			if r.URL.Query().Get("category") == "empty" {
				json.NewEncoder(w).Encode(map[string]any{"events": []any{}, "count": 0})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"events": []map[string]any{
					{"id": "evt-1", "category": r.URL.Query().Get("category"), "action": "read", "outcome": "success"},
				},
				"count": 1,
			})
		}
	})

	mux.HandleFunc("/api/v1/audit/events/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/v1/audit/events/"), "/verify")
		if id == "ghost" {
			http.Error(w, `{"error":"event not found"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"valid":    true,
			"event_id": id,
			"hash":     strings.Repeat("11", 32),
		})
	})

	mux.HandleFunc("/api/v1/audit/verify", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"valid":           true,
			"total_events":    3,
			"verified_events": 3,
		})
	})

	mux.HandleFunc("/api/v1/audit/statistics", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"total_events": 3,
			"by_category":  map[string]int{"data_access": 2, "security": 1},
			"chain_valid":  true,
		})
	})

	mux.HandleFunc("/api/v1/keys", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{
				"keys": []map[string]any{
					{"key_id": "receipts", "algorithm": "ed25519", "status": "active", "version": 1},
					{"key_id": "audit", "algorithm": "ed25519", "status": "active", "version": 1},
				},
				"count": 2,
			})
		case http.MethodPost:
			var req struct {
				KeyID string `json:"key_id"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			if req.KeyID == "receipts" {
				http.Error(w, `{"error":"key already exists"}`, http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{
				"key_id": req.KeyID, "algorithm": "ed25519", "status": "active", "version": 1,
			})
		}
	})

	mux.HandleFunc("/api/v1/keys/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		if strings.HasSuffix(path, "/rotate") {
			id := strings.TrimSuffix(strings.TrimPrefix(path, "/api/v1/keys/"), "/rotate")
			if id == "ghost" {
				http.Error(w, `{"error":"key not found"}`, http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"key_id": id + ".v2", "algorithm": "ed25519", "status": "active", "version": 2,
			})
			return
		}

		id := strings.TrimPrefix(path, "/api/v1/keys/")
		if id == "ghost" {
			http.Error(w, `{"error":"key not found"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"key_id": id, "algorithm": "ed25519", "status": "deprecated", "version": 1,
		})
	})

	return httptest.NewServer(mux)
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestCreateReceipt_success(t *testing.T) {
	srv := stubTrustServer(t)
	defer srv.Close()

	c, err := client.New(srv.URL, client.WithToken("test-token"))
	if err != nil {
		t.Fatal(err)
	}

	rec, err := c.CreateReceipt(context.Background(), client.Payload{
		Version:   "1.0.0",
		SessionID: "s-1",
		Timestamp: time.Now().UnixMilli(),
		Mode:      "constitutional",
		Metrics:   map[string]float64{"clarity": 0.9},
	})
	if err != nil {
		t.Fatalf("CreateReceipt: %v", err)
	}
	if rec.IntegrityHash != strings.Repeat("ab", 32) {
		t.Errorf("unexpected integrity hash: %s", rec.IntegrityHash)
	}
	if rec.KeyID != "receipts" {
		t.Errorf("unexpected key id: %s", rec.KeyID)
	}
}

func TestCreateReceipt_401(t *testing.T) {
	srv := stubTrustServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL) // no token

	_, err := c.CreateReceipt(context.Background(), client.Payload{
		Version: "1.0.0", SessionID: "s-1", Timestamp: 1, Mode: "constitutional",
	})
	if err == nil {
		t.Error("expected error for unauthorized create")
	}
}

func TestVerifyReceipt_valid(t *testing.T) {
	srv := stubTrustServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)

	res, err := c.VerifyReceipt(context.Background(), &client.Receipt{IntegrityHash: strings.Repeat("ab", 32)}, "", nil)
	if err != nil {
		t.Fatalf("VerifyReceipt: %v", err)
	}
	if !res.Valid {
		t.Errorf("expected valid result, got %+v", res)
	}
}

func TestVerifyReceipt_invalidIsDataNotError(t *testing.T) {
	srv := stubTrustServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)

	res, err := c.VerifyReceipt(context.Background(), &client.Receipt{IntegrityHash: "tampered"}, "", nil)
	if err != nil {
		t.Fatalf("VerifyReceipt: %v", err)
	}
	if res.Valid {
		t.Error("expected invalid result")
	}
	if res.Reason != "Integrity hash mismatch" {
		t.Errorf("unexpected reason: %s", res.Reason)
	}
}

func TestSessionReceipts_success(t *testing.T) {
	srv := stubTrustServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)

	sess, err := c.SessionReceipts(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("SessionReceipts: %v", err)
	}
	if len(sess.Receipts) != 2 {
		t.Errorf("expected 2 receipts, got %d", len(sess.Receipts))
	}
	if !sess.Chain.Valid || sess.Chain.VerifiedLinks != 2 {
		t.Errorf("unexpected chain report: %+v", sess.Chain)
	}
}

func TestSessionReceipts_notFound(t *testing.T) {
	srv := stubTrustServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)

	_, err := c.SessionReceipts(context.Background(), "ghost")
	if err == nil {
		t.Error("expected error for unknown session")
	}
}

func TestLogEvent_success(t *testing.T) {
	srv := stubTrustServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL, client.WithToken("test-token"))

	stored, err := c.LogEvent(context.Background(), client.Event{
		Category: "data_access",
		Action:   "document.read",
		Actor:    client.Actor{ID: "user-7", Type: "user"},
		Outcome:  "success",
	})
	if err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	if stored.ID != "evt-1" {
		t.Errorf("unexpected event id: %s", stored.ID)
	}
	if stored.Hash == "" {
		t.Error("expected stored event to carry a hash")
	}
}

func TestQueryEvents_filters(t *testing.T) {
	srv := stubTrustServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)

	events, err := c.QueryEvents(context.Background(), client.EventQuery{
		Category: "data_access",
		From:     time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		Limit:    10,
	})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Category != "data_access" {
		t.Errorf("category filter not forwarded: %s", events[0].Category)
	}
}

func TestQueryEvents_empty(t *testing.T) {
	srv := stubTrustServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)

	events, err := c.QueryEvents(context.Background(), client.EventQuery{Category: "empty"})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}

func TestVerifyEvent_success(t *testing.T) {
	srv := stubTrustServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)

	status, err := c.VerifyEvent(context.Background(), "evt-1")
	if err != nil {
		t.Fatalf("VerifyEvent: %v", err)
	}
	if !status.Valid || status.EventID != "evt-1" {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestVerifyEvent_notFound(t *testing.T) {
	srv := stubTrustServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)

	_, err := c.VerifyEvent(context.Background(), "ghost")
	if err == nil {
		t.Error("expected error for unknown event")
	}
}

func TestVerifyAuditChain_success(t *testing.T) {
	srv := stubTrustServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)

	status, err := c.VerifyAuditChain(context.Background())
	if err != nil {
		t.Fatalf("VerifyAuditChain: %v", err)
	}
	if !status.Valid || status.VerifiedEvents != 3 {
		t.Errorf("unexpected chain status: %+v", status)
	}
}

func TestAuditStatistics_success(t *testing.T) {
	srv := stubTrustServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)

	stats, err := c.AuditStatistics(context.Background())
	if err != nil {
		t.Fatalf("AuditStatistics: %v", err)
	}
	if stats.TotalEvents != 3 || !stats.ChainValid {
		t.Errorf("unexpected statistics: %+v", stats)
	}
	if stats.ByCategory["data_access"] != 2 {
		t.Errorf("unexpected category counts: %v", stats.ByCategory)
	}
}

func TestListKeys_success(t *testing.T) {
	srv := stubTrustServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)

	keys, err := c.ListKeys(context.Background())
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("expected 2 keys, got %d", len(keys))
	}
}

func TestGenerateKey_conflict(t *testing.T) {
	srv := stubTrustServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL, client.WithToken("test-token"))

	_, err := c.GenerateKey(context.Background(), "receipts")
	if !errors.Is(err, client.ErrKeyExists) {
		t.Errorf("expected ErrKeyExists, got %v", err)
	}
}

func TestGenerateKey_success(t *testing.T) {
	srv := stubTrustServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL, client.WithToken("test-token"))

	meta, err := c.GenerateKey(context.Background(), "webhooks")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if meta.KeyID != "webhooks" {
		t.Errorf("unexpected key id: %s", meta.KeyID)
	}
}

func TestRotateKey_success(t *testing.T) {
	srv := stubTrustServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL, client.WithToken("test-token"))

	meta, err := c.RotateKey(context.Background(), "receipts")
	if err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	if meta.KeyID != "receipts.v2" || meta.Version != 2 {
		t.Errorf("unexpected successor: %+v", meta)
	}
}

func TestRotateKey_notFound(t *testing.T) {
	srv := stubTrustServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL, client.WithToken("test-token"))

	_, err := c.RotateKey(context.Background(), "ghost")
	if err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestHealth_success(t *testing.T) {
	srv := stubTrustServer(t)
	defer srv.Close()

	c, _ := client.New(srv.URL)

	h, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if !h.Initialized || !h.AuditChain {
		t.Errorf("unexpected health: %+v", h)
	}
	if h.Signing.State != "ok" {
		t.Errorf("unexpected signing state: %s", h.Signing.State)
	}
}

func TestHealth_decodes503(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{
			"initialized": false,
			"signing":     map[string]any{"state": "down", "detail": "not initialized"},
		})
	}))
	defer srv.Close()

	c, _ := client.New(srv.URL)

	h, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Initialized {
		t.Error("expected uninitialized health")
	}
	if h.Signing.State != "down" {
		t.Errorf("unexpected signing state: %s", h.Signing.State)
	}
}

func TestNew_emptyBaseURL(t *testing.T) {
	if _, err := client.New(""); err == nil {
		t.Error("expected error for empty base URL")
	}
}

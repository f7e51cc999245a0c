package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Actor identifies who performed an audited action.
type Actor struct {
	ID     string `json:"id"`
	Type   string `json:"type,omitempty"` // user, service, system
	Tenant string `json:"tenant,omitempty"`
}

// Resource identifies what an audited action touched.
type Resource struct {
	Type   string `json:"type,omitempty"`
	ID     string `json:"id,omitempty"`
	Tenant string `json:"tenant,omitempty"`
}

// Event is an audit event. When logging, ID and Timestamp may be left zero;
// the server assigns them. The chain fields are set on stored events.
type Event struct {
	ID        string         `json:"id,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
	Level     string         `json:"level,omitempty"` // info, warning, error, critical
	Category  string         `json:"category"`
	Action    string         `json:"action"`
	Actor     Actor          `json:"actor"`
	Resource  Resource       `json:"resource,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Outcome   string         `json:"outcome"` // success, failure

	PreviousHash string `json:"previous_hash,omitempty"`
	Hash         string `json:"hash,omitempty"`
	Signature    string `json:"signature,omitempty"`
	KeyID        string `json:"key_id,omitempty"`
}

// EventQuery filters QueryEvents. Zero fields match everything; set fields
// combine with AND semantics.
type EventQuery struct {
	Category string
	Level    string
	Outcome  string
	Actor    string
	Resource string
	From     time.Time // inclusive
	To       time.Time // exclusive
	Limit    int
}

// EventStatus is the outcome of verifying a single audit event.
type EventStatus struct {
	Valid   bool   `json:"valid"`
	EventID string `json:"event_id"`
	Hash    string `json:"hash"`
	Reason  string `json:"reason,omitempty"`
}

// ChainStatus is the outcome of verifying the whole audit chain.
type ChainStatus struct {
	Valid          bool   `json:"valid"`
	TotalEvents    int    `json:"total_events"`
	VerifiedEvents int    `json:"verified_events"`
	BrokenAt       string `json:"broken_at,omitempty"`
	BrokenAtEvent  string `json:"broken_at_event,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Statistics summarizes the audit trail.
type Statistics struct {
	TotalEvents int            `json:"total_events"`
	ByLevel     map[string]int `json:"by_level"`
	ByCategory  map[string]int `json:"by_category"`
	ByOutcome   map[string]int `json:"by_outcome"`
	Earliest    time.Time      `json:"earliest"`
	Latest      time.Time      `json:"latest"`
	ChainValid  bool           `json:"chain_valid"`
}

// LogEvent posts an event to /api/v1/audit/events and returns the stored,
// chained form with its assigned id, hash, and signature.
func (c *Client) LogEvent(ctx context.Context, e Event) (*Event, error) {
	body, err := c.postJSON(ctx, "/api/v1/audit/events", e)
	if err != nil {
		return nil, err
	}

	var stored Event
	if err := json.Unmarshal(body, &stored); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &stored, nil
}

// QueryEvents fetches events matching q in chain order.
func (c *Client) QueryEvents(ctx context.Context, q EventQuery) ([]Event, error) {
	params := url.Values{}
	if q.Category != "" {
		params.Set("category", q.Category)
	}
	if q.Level != "" {
		params.Set("level", q.Level)
	}
	if q.Outcome != "" {
		params.Set("outcome", q.Outcome)
	}
	if q.Actor != "" {
		params.Set("actor", q.Actor)
	}
	if q.Resource != "" {
		params.Set("resource", q.Resource)
	}
	if !q.From.IsZero() {
		params.Set("from", q.From.Format(time.RFC3339))
	}
	if !q.To.IsZero() {
		params.Set("to", q.To.Format(time.RFC3339))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	path := "/api/v1/audit/events"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	body, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		Events []Event `json:"events"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("decode events response: %w", err)
	}
	return wrapper.Events, nil
}

// VerifyEvent checks a single stored event's hash and signature via
// GET /api/v1/audit/events/:id/verify.
func (c *Client) VerifyEvent(ctx context.Context, eventID string) (*EventStatus, error) {
	body, err := c.get(ctx, "/api/v1/audit/events/"+url.PathEscape(eventID)+"/verify")
	if err != nil {
		return nil, err
	}

	var status EventStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("decode event status: %w", err)
	}
	return &status, nil
}

// VerifyAuditChain walks the server's whole audit chain and reports where
// it breaks, if anywhere.
func (c *Client) VerifyAuditChain(ctx context.Context) (*ChainStatus, error) {
	body, err := c.get(ctx, "/api/v1/audit/verify")
	if err != nil {
		return nil, err
	}

	var status ChainStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("decode chain status: %w", err)
	}
	return &status, nil
}

// AuditStatistics fetches trail counts and chain validity.
func (c *Client) AuditStatistics(ctx context.Context) (*Statistics, error) {
	body, err := c.get(ctx, "/api/v1/audit/statistics")
	if err != nil {
		return nil, err
	}

	var stats Statistics
	if err := json.Unmarshal(body, &stats); err != nil {
		return nil, fmt.Errorf("decode statistics: %w", err)
	}
	return &stats, nil
}

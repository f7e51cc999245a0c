package receipt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Mode selects how the receipted interaction was governed.
type Mode string

const (
	// ModeConstitutional marks interactions evaluated against the
	// platform's principle set.
	ModeConstitutional Mode = "constitutional"
	// ModeDirective marks interactions following direct instructions.
	ModeDirective Mode = "directive"
)

// Payload is the application content covered by a receipt's integrity hash.
// Its canonical JSON form is the receipt's identity: any change to any field
// produces a different hash.
type Payload struct {
	Version   string             `json:"version"`
	SessionID string             `json:"session_id"`
	AgentID   string             `json:"agent_id,omitempty"`
	Timestamp int64              `json:"timestamp"` // unix milliseconds
	Mode      Mode               `json:"mode"`
	Metrics   map[string]float64 `json:"metrics"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
}

// Validate checks the payload's structural invariants.
func (p *Payload) Validate() error {
	if p == nil {
		return errors.New("nil payload")
	}
	if p.Version == "" {
		return errors.New("payload version is required")
	}
	if p.SessionID == "" {
		return errors.New("payload session_id is required")
	}
	if p.Timestamp <= 0 {
		return errors.New("payload timestamp must be positive")
	}
	switch p.Mode {
	case ModeConstitutional, ModeDirective:
	default:
		return fmt.Errorf("unknown payload mode %q", p.Mode)
	}
	for name, v := range p.Metrics {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("metric %q is not a finite number", name)
		}
	}
	return nil
}

// DecodePayload parses raw JSON strictly. Unknown fields are rejected so the
// struct always reproduces the exact canonical bytes that were hashed.
func DecodePayload(raw []byte) (*Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Package audit seals workflow audit events into a per-instance hash chain
// and verifies chains read back from storage.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pitabwire/signet/model"
)

// GenesisHash is the PrevHash of the first event of every instance.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// sealedFields is the canonical form hashed for an event. Field order is fixed
// and map keys are sorted by encoding/json.
type sealedFields struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	StepID     string         `json:"step_id"`
	EventType  string         `json:"event_type"`
	Actor      string         `json:"actor"`
	Details    map[string]any `json:"details"`
	Timestamp  string         `json:"timestamp"`
	PrevHash   string         `json:"prev_hash"`
}

// Seal links ev to prevHash and sets its Hash. An empty prevHash starts a
// new chain. Timestamps are truncated to microseconds so the hash survives a
// round trip through Postgres.
func Seal(ev *model.AuditEvent, prevHash string) error {
	if prevHash == "" {
		prevHash = GenesisHash
	}
	ev.Timestamp = ev.Timestamp.UTC().Truncate(time.Microsecond)
	ev.PrevHash = prevHash
	sum, err := digest(*ev)
	if err != nil {
		return err
	}
	ev.Hash = sum
	return nil
}

func digest(ev model.AuditEvent) (string, error) {
	b, err := json.Marshal(sealedFields{
		ID:         ev.ID,
		InstanceID: ev.InstanceID,
		StepID:     ev.StepID,
		EventType:  ev.EventType,
		Actor:      ev.Actor,
		Details:    ev.Details,
		Timestamp:  ev.Timestamp.UTC().Format(time.RFC3339Nano),
		PrevHash:   ev.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("marshal audit event %s: %w", ev.ID, err)
	}
	h := sha256.Sum256(append([]byte(ev.PrevHash), b...))
	return hex.EncodeToString(h[:]), nil
}

// ChainError identifies the first event whose link does not verify.
type ChainError struct {
	Index   int
	EventID string
	Reason  string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at event %d (%s): %s", e.Index, e.EventID, e.Reason)
}

// Verify checks that events, in append order, form an unbroken chain.
func Verify(events []model.AuditEvent) error {
	prev := GenesisHash
	for i, ev := range events {
		if ev.PrevHash != prev {
			return &ChainError{Index: i, EventID: ev.ID, Reason: "prev_hash does not match preceding event"}
		}
		sum, err := digest(ev)
		if err != nil {
			return err
		}
		if sum != ev.Hash {
			return &ChainError{Index: i, EventID: ev.ID, Reason: "hash does not match event contents"}
		}
		prev = ev.Hash
	}
	return nil
}

// Report is the result of verifying an instance's trail.
type Report struct {
	Events []model.AuditEvent `json:"events"`
	Valid  bool               `json:"valid"`
	Broken *ChainError        `json:"broken,omitempty"`
}

// NewReport verifies events and wraps the outcome.
func NewReport(events []model.AuditEvent) (Report, error) {
	r := Report{Events: events, Valid: true}
	if err := Verify(events); err != nil {
		ce, ok := err.(*ChainError)
		if !ok {
			return Report{}, err
		}
		r.Valid = false
		r.Broken = ce
	}
	return r, nil
}

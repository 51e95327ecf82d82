package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/signet/internal/notify"
	"github.com/pitabwire/signet/model"
)

// --- Test helpers ---

// fakeTokens issues sequential tokens and stores their hashes.
type fakeTokens struct {
	mu     sync.Mutex
	n      int
	window time.Duration
	now    func() time.Time
	issued map[string]string // step id -> latest token
	err    error
}

func newFakeTokens(now func() time.Time) *fakeTokens {
	return &fakeTokens{window: time.Hour, now: now, issued: make(map[string]string)}
}

func hashOf(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (f *fakeTokens) Issue(ctx context.Context, tx Tx, step model.WorkflowStep, deadline *time.Time) (string, model.SignatureRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", model.SignatureRequest{}, f.err
	}
	f.n++
	token := fmt.Sprintf("tok-%d", f.n)
	now := f.now().UTC()
	expires := now.Add(f.window)
	if deadline != nil {
		expires = *deadline
	}
	req := model.SignatureRequest{
		ID:         fmt.Sprintf("req-%d", f.n),
		StepID:     step.ID,
		InstanceID: step.InstanceID,
		TokenHash:  hashOf(token),
		ExpiresAt:  expires,
		CreatedAt:  now,
	}
	if err := tx.InsertRequest(ctx, req); err != nil {
		return "", model.SignatureRequest{}, err
	}
	f.issued[step.ID] = token
	return token, req, nil
}

func (f *fakeTokens) tokenFor(stepID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issued[stepID]
}

// testClock is a settable clock shared by the engine and token issuer.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	engine   *Engine
	store    *MemoryStore
	tokens   *fakeTokens
	clock    *testClock
	recorder *notify.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := newTestClock()
	store := NewMemoryStore()
	tokens := newFakeTokens(clock.Now)
	rec := &notify.Recorder{}
	engine := NewEngine(store, tokens, WithNotifier(rec), WithClock(clock.Now))
	return &harness{engine: engine, store: store, tokens: tokens, clock: clock, recorder: rec}
}

func party(id string, phase, order int) model.Party {
	return model.Party{
		ID:             id,
		Name:           id,
		PhaseIndex:     phase,
		OrderIndex:     order,
		AllowTypedName: true,
	}
}

func buildRequest(parties ...model.Party) BuildRequest {
	return BuildRequest{
		Document: Document{ID: "doc-1", VersionID: "v1"},
		Parties:  parties,
		Actor:    "operator-1",
	}
}

func (h *harness) build(t *testing.T, parties ...model.Party) BuildResult {
	t.Helper()
	res, err := h.engine.Build(context.Background(), buildRequest(parties...))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return res
}

func stepOf(t *testing.T, res BuildResult, partyID string) model.WorkflowStep {
	t.Helper()
	for _, s := range res.Steps {
		if s.PartyID == partyID {
			return s
		}
	}
	t.Fatalf("no step for party %q", partyID)
	return model.WorkflowStep{}
}

func (h *harness) step(t *testing.T, id string) model.WorkflowStep {
	t.Helper()
	st, err := h.store.Step(context.Background(), id)
	if err != nil {
		t.Fatalf("Step(%s): %v", id, err)
	}
	return st
}

func (h *harness) instance(t *testing.T, id string) model.WorkflowInstance {
	t.Helper()
	inst, err := h.store.Instance(context.Background(), id)
	if err != nil {
		t.Fatalf("Instance(%s): %v", id, err)
	}
	return inst
}

func (h *harness) sign(t *testing.T, stepID string) model.WorkflowStep {
	t.Helper()
	st, err := h.engine.Transition(context.Background(), stepID, Outcome{
		Kind:   model.StepSigned,
		Actor:  "party:" + stepID,
		Method: model.MethodTypedName,
	})
	if err != nil {
		t.Fatalf("sign %s: %v", stepID, err)
	}
	return st
}

func eventTypes(events []model.AuditEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.EventType
	}
	return out
}

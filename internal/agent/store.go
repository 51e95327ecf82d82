package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/signet/model"
)

// AttemptStore persists signing attempts. Complete only moves a PENDING
// attempt to a terminal status; terminal rows are never modified.
type AttemptStore interface {
	Create(ctx context.Context, a model.SigningAgentAttempt) (model.SigningAgentAttempt, error)
	Get(ctx context.Context, id string) (model.SigningAgentAttempt, error)
	Complete(ctx context.Context, id string, status model.AttemptStatus, errMsg string, details json.RawMessage, at time.Time) (model.SigningAgentAttempt, error)
	ListByStep(ctx context.Context, stepID string) ([]model.SigningAgentAttempt, error)
}

// MemoryAttemptStore is an in-memory AttemptStore for tests and the memory driver.
type MemoryAttemptStore struct {
	mu       sync.Mutex
	attempts map[string]model.SigningAgentAttempt
	seq      int64
}

// NewMemoryAttemptStore creates an empty store.
func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{attempts: make(map[string]model.SigningAgentAttempt)}
}

func (s *MemoryAttemptStore) Create(_ context.Context, a model.SigningAgentAttempt) (model.SigningAgentAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.attempts[a.ID]; exists {
		return model.SigningAgentAttempt{}, model.NewConflictError(fmt.Sprintf("attempt %q already exists", a.ID))
	}
	s.seq++
	a.Sequence = s.seq
	s.attempts[a.ID] = a
	return a, nil
}

func (s *MemoryAttemptStore) Get(_ context.Context, id string) (model.SigningAgentAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return model.SigningAgentAttempt{}, attemptNotFound(id)
	}
	return a, nil
}

func (s *MemoryAttemptStore) Complete(_ context.Context, id string, status model.AttemptStatus, errMsg string, details json.RawMessage, at time.Time) (model.SigningAgentAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return model.SigningAgentAttempt{}, attemptNotFound(id)
	}
	if !a.Status.CanTransitionTo(status) {
		return model.SigningAgentAttempt{}, attemptTerminal(id, a.Status)
	}
	a.Status = status
	a.ErrorMessage = errMsg
	a.AgentDetails = details
	a.CompletedAt = &at
	s.attempts[id] = a
	return a, nil
}

func (s *MemoryAttemptStore) ListByStep(_ context.Context, stepID string) ([]model.SigningAgentAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SigningAgentAttempt
	for _, a := range s.attempts {
		if a.StepID == stepID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func attemptNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("signing attempt %q not found", id))
}

func attemptTerminal(id string, status model.AttemptStatus) error {
	return model.NewInvalidTransitionError(fmt.Sprintf("signing attempt %q is already %s", id, status))
}

package workflow

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/signet/model"
)

// aggregate holds everything owned by one instance.
type aggregate struct {
	instance model.WorkflowInstance
	parties  []model.Party
	steps    []model.WorkflowStep
	requests []model.SignatureRequest
	events   []model.AuditEvent
}

func (a *aggregate) clone() *aggregate {
	if a == nil {
		return &aggregate{}
	}
	cp := &aggregate{
		instance: a.instance,
		parties:  slices.Clone(a.parties),
		steps:    slices.Clone(a.steps),
		requests: slices.Clone(a.requests),
		events:   make([]model.AuditEvent, len(a.events)),
	}
	for i, ev := range a.events {
		ev.Details = maps.Clone(ev.Details)
		cp.events[i] = ev
	}
	return cp
}

// MemoryStore is an in-memory Store. Each Atomic call holds a per-instance
// mutex, works on a copy of the instance aggregate, and swaps the copy in on
// success. Suitable for testing and single-node deployments.
type MemoryStore struct {
	mu         sync.RWMutex
	aggregates map[string]*aggregate
	stepIndex  map[string]string // step id -> instance id
	hashIndex  map[string]string // token hash -> instance id

	locksMu sync.Mutex
	locks   map[string]*instanceLock
}

// instanceLock is dropped from the table once no caller holds or waits on it.
type instanceLock struct {
	sync.Mutex
	refs int
}

// NewMemoryStore creates a new in-memory workflow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		aggregates: make(map[string]*aggregate),
		stepIndex:  make(map[string]string),
		hashIndex:  make(map[string]string),
		locks:      make(map[string]*instanceLock),
	}
}

func (s *MemoryStore) acquire(instanceID string) *instanceLock {
	s.locksMu.Lock()
	l, ok := s.locks[instanceID]
	if !ok {
		l = &instanceLock{}
		s.locks[instanceID] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.Lock()
	return l
}

func (s *MemoryStore) release(instanceID string, l *instanceLock) {
	l.Unlock()

	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, instanceID)
	}
}

// Atomic runs fn against a private copy of the instance aggregate.
func (s *MemoryStore) Atomic(ctx context.Context, instanceID string, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := s.acquire(instanceID)
	defer s.release(instanceID, l)

	s.mu.RLock()
	base, exists := s.aggregates[instanceID]
	work := base.clone()
	s.mu.RUnlock()

	tx := &memTx{store: s, instanceID: instanceID, agg: work, exists: exists}
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.exists {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggregates[instanceID] = work
	for _, st := range work.steps {
		s.stepIndex[st.ID] = instanceID
	}
	for _, r := range work.requests {
		s.hashIndex[r.TokenHash] = instanceID
	}
	return nil
}

func (s *MemoryStore) snapshot(instanceID string) (*aggregate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.aggregates[instanceID]
	if !ok {
		return nil, false
	}
	return a.clone(), true
}

func (s *MemoryStore) instanceOfStep(stepID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.stepIndex[stepID]
	return id, ok
}

// Instance retrieves a workflow instance by ID.
func (s *MemoryStore) Instance(_ context.Context, instanceID string) (model.WorkflowInstance, error) {
	a, ok := s.snapshot(instanceID)
	if !ok {
		return model.WorkflowInstance{}, instanceNotFound(instanceID)
	}
	return a.instance, nil
}

// Steps returns the steps of an instance.
func (s *MemoryStore) Steps(_ context.Context, instanceID string) ([]model.WorkflowStep, error) {
	a, ok := s.snapshot(instanceID)
	if !ok {
		return nil, instanceNotFound(instanceID)
	}
	return a.sortedSteps(), nil
}

// Step retrieves a step by ID.
func (s *MemoryStore) Step(_ context.Context, stepID string) (model.WorkflowStep, error) {
	instanceID, ok := s.instanceOfStep(stepID)
	if !ok {
		return model.WorkflowStep{}, stepNotFound(stepID)
	}
	a, _ := s.snapshot(instanceID)
	return a.step(stepID)
}

// Parties returns the party snapshot of an instance.
func (s *MemoryStore) Parties(_ context.Context, instanceID string) ([]model.Party, error) {
	a, ok := s.snapshot(instanceID)
	if !ok {
		return nil, instanceNotFound(instanceID)
	}
	return a.parties, nil
}

// RequestByHash looks up a request by token hash.
func (s *MemoryStore) RequestByHash(_ context.Context, tokenHash string) (model.SignatureRequest, error) {
	s.mu.RLock()
	instanceID, ok := s.hashIndex[tokenHash]
	s.mu.RUnlock()
	if !ok {
		return model.SignatureRequest{}, model.NewTokenNotFoundError()
	}
	a, _ := s.snapshot(instanceID)
	return a.requestByHash(tokenHash)
}

// LiveRequest returns the unconsumed request of a step.
func (s *MemoryStore) LiveRequest(_ context.Context, stepID string) (model.SignatureRequest, bool, error) {
	instanceID, ok := s.instanceOfStep(stepID)
	if !ok {
		return model.SignatureRequest{}, false, nil
	}
	a, _ := s.snapshot(instanceID)
	r, found := a.liveRequest(stepID)
	return r, found, nil
}

// AuditEvents returns the audit trail of an instance.
func (s *MemoryStore) AuditEvents(_ context.Context, instanceID string) ([]model.AuditEvent, error) {
	a, ok := s.snapshot(instanceID)
	if !ok {
		return nil, instanceNotFound(instanceID)
	}
	return a.events, nil
}

// StaleSteps returns ACTIVE steps whose live request expired before cutoff.
func (s *MemoryStore) StaleSteps(_ context.Context, cutoff time.Time, limit int) ([]model.WorkflowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.WorkflowStep
	for _, a := range s.aggregates {
		if a.instance.State != model.InstanceRunning {
			continue
		}
		for _, st := range a.steps {
			if st.State != model.StepActive {
				continue
			}
			if r, ok := a.liveRequest(st.ID); ok && r.ExpiredAt(cutoff) {
				out = append(out, st)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of stored instances. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.aggregates)
}

// TamperAuditEvent overwrites the actor of a stored event. For testing.
func (s *MemoryStore) TamperAuditEvent(instanceID string, index int, actor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.aggregates[instanceID]; ok && index < len(a.events) {
		a.events[index].Actor = actor
	}
}

// --- aggregate helpers ---

func (a *aggregate) sortedSteps() []model.WorkflowStep {
	out := slices.Clone(a.steps)
	sortSteps(out)
	return out
}

func (a *aggregate) step(stepID string) (model.WorkflowStep, error) {
	for _, st := range a.steps {
		if st.ID == stepID {
			return st, nil
		}
	}
	return model.WorkflowStep{}, stepNotFound(stepID)
}

func (a *aggregate) requestByHash(hash string) (model.SignatureRequest, error) {
	for _, r := range a.requests {
		if r.TokenHash == hash {
			return r, nil
		}
	}
	return model.SignatureRequest{}, model.NewTokenNotFoundError()
}

func (a *aggregate) liveRequest(stepID string) (model.SignatureRequest, bool) {
	for i := len(a.requests) - 1; i >= 0; i-- {
		r := a.requests[i]
		if r.StepID == stepID && !r.Consumed() {
			return r, true
		}
	}
	return model.SignatureRequest{}, false
}

// --- memTx ---

type memTx struct {
	store      *MemoryStore
	instanceID string
	agg        *aggregate
	exists     bool
}

func (tx *memTx) requireInstance() error {
	if !tx.exists {
		return instanceNotFound(tx.instanceID)
	}
	return nil
}

func (tx *memTx) Instance(_ context.Context, instanceID string) (model.WorkflowInstance, error) {
	if instanceID != tx.instanceID || !tx.exists {
		return model.WorkflowInstance{}, instanceNotFound(instanceID)
	}
	return tx.agg.instance, nil
}

func (tx *memTx) Steps(_ context.Context, instanceID string) ([]model.WorkflowStep, error) {
	if instanceID != tx.instanceID {
		return nil, outOfScope(instanceID)
	}
	if err := tx.requireInstance(); err != nil {
		return nil, err
	}
	return tx.agg.sortedSteps(), nil
}

func (tx *memTx) Step(_ context.Context, stepID string) (model.WorkflowStep, error) {
	return tx.agg.step(stepID)
}

func (tx *memTx) Parties(_ context.Context, instanceID string) ([]model.Party, error) {
	if instanceID != tx.instanceID {
		return nil, outOfScope(instanceID)
	}
	if err := tx.requireInstance(); err != nil {
		return nil, err
	}
	return slices.Clone(tx.agg.parties), nil
}

func (tx *memTx) RequestByHash(_ context.Context, tokenHash string) (model.SignatureRequest, error) {
	return tx.agg.requestByHash(tokenHash)
}

func (tx *memTx) LiveRequest(_ context.Context, stepID string) (model.SignatureRequest, bool, error) {
	r, ok := tx.agg.liveRequest(stepID)
	return r, ok, nil
}

func (tx *memTx) AuditEvents(_ context.Context, instanceID string) ([]model.AuditEvent, error) {
	if instanceID != tx.instanceID {
		return nil, outOfScope(instanceID)
	}
	return slices.Clone(tx.agg.events), nil
}

func (tx *memTx) InsertInstance(_ context.Context, inst model.WorkflowInstance, parties []model.Party) error {
	if inst.ID != tx.instanceID {
		return outOfScope(inst.ID)
	}
	if tx.exists {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	tx.agg.instance = inst
	tx.agg.parties = slices.Clone(parties)
	tx.exists = true
	return nil
}

func (tx *memTx) UpdateInstanceState(_ context.Context, instanceID string, from, to model.InstanceState, reason string, at time.Time) error {
	if instanceID != tx.instanceID {
		return outOfScope(instanceID)
	}
	if err := tx.requireInstance(); err != nil {
		return err
	}
	if tx.agg.instance.State != from {
		return instanceStateMismatch(instanceID, from, tx.agg.instance.State)
	}
	tx.agg.instance.State = to
	tx.agg.instance.UpdatedAt = at
	if reason != "" {
		tx.agg.instance.CancelReason = reason
	}
	return nil
}

func (tx *memTx) InsertSteps(_ context.Context, steps []model.WorkflowStep) error {
	if err := tx.requireInstance(); err != nil {
		return err
	}
	for _, st := range steps {
		if st.InstanceID != tx.instanceID {
			return outOfScope(st.InstanceID)
		}
		if _, err := tx.agg.step(st.ID); err == nil {
			return model.NewConflictError(fmt.Sprintf("workflow step %q already exists", st.ID))
		}
		if other, ok := tx.store.instanceOfStep(st.ID); ok && other != tx.instanceID {
			return model.NewConflictError(fmt.Sprintf("workflow step %q already exists", st.ID))
		}
		tx.agg.steps = append(tx.agg.steps, st)
	}
	return nil
}

func (tx *memTx) UpdateStep(_ context.Context, step model.WorkflowStep, from model.StepState) error {
	for i, st := range tx.agg.steps {
		if st.ID != step.ID {
			continue
		}
		if st.State != from {
			return stepStateMismatch(step.ID, from, st.State)
		}
		step.InstanceID = st.InstanceID
		tx.agg.steps[i] = step
		return nil
	}
	return stepNotFound(step.ID)
}

func (tx *memTx) InsertRequest(_ context.Context, req model.SignatureRequest) error {
	if req.InstanceID != tx.instanceID {
		return outOfScope(req.InstanceID)
	}
	if _, ok := tx.agg.liveRequest(req.StepID); ok {
		return model.NewConflictError(fmt.Sprintf("step %q already has a live signature request", req.StepID))
	}
	tx.agg.requests = append(tx.agg.requests, req)
	return nil
}

func (tx *memTx) ConsumeRequest(_ context.Context, requestID string, at time.Time, voided bool) error {
	for i, r := range tx.agg.requests {
		if r.ID != requestID {
			continue
		}
		if r.Consumed() {
			return model.NewTokenAlreadyConsumedError()
		}
		ts := at
		tx.agg.requests[i].ConsumedAt = &ts
		tx.agg.requests[i].Voided = voided
		return nil
	}
	return model.NewTokenNotFoundError()
}

func (tx *memTx) LastAuditHash(_ context.Context, instanceID string) (string, error) {
	if instanceID != tx.instanceID {
		return "", outOfScope(instanceID)
	}
	if n := len(tx.agg.events); n > 0 {
		return tx.agg.events[n-1].Hash, nil
	}
	return "", nil
}

func (tx *memTx) AppendAudit(_ context.Context, ev model.AuditEvent) error {
	if ev.InstanceID != tx.instanceID {
		return outOfScope(ev.InstanceID)
	}
	tx.agg.events = append(tx.agg.events, ev)
	return nil
}

// --- shared helpers ---

func sortSteps(steps []model.WorkflowStep) {
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].PhaseIndex != steps[j].PhaseIndex {
			return steps[i].PhaseIndex < steps[j].PhaseIndex
		}
		return steps[i].OrderIndex < steps[j].OrderIndex
	})
}

func instanceNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
}

func stepNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("workflow step %q not found", id))
}

func outOfScope(id string) error {
	return fmt.Errorf("instance %q is outside the current transaction", id)
}

func instanceStateMismatch(id string, want, got model.InstanceState) error {
	return model.NewInvalidTransitionError(
		fmt.Sprintf("workflow instance %q is %s, expected %s", id, got, want),
	)
}

func stepStateMismatch(id string, want, got model.StepState) error {
	return model.NewInvalidTransitionError(
		fmt.Sprintf("workflow step %q is %s, expected %s", id, got, want),
	)
}

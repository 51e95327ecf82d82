package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/signet/model"
)

var t0 = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

// seed stores one RUNNING instance with a single ACTIVE step and a live
// request expiring at expires.
func seed(t *testing.T, s *MemoryStore, id string, expires time.Time) {
	t.Helper()
	err := s.Atomic(context.Background(), id, func(tx Tx) error {
		if err := tx.InsertInstance(context.Background(), model.WorkflowInstance{ID: id, State: model.InstanceRunning}, nil); err != nil {
			return err
		}
		if err := tx.InsertSteps(context.Background(), []model.WorkflowStep{{ID: id + "-s1", InstanceID: id, PhaseIndex: 1, State: model.StepActive}}); err != nil {
			return err
		}
		return tx.InsertRequest(context.Background(), model.SignatureRequest{
			ID: id + "-r1", StepID: id + "-s1", InstanceID: id, TokenHash: "hash-" + id, ExpiresAt: expires,
		})
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestMemoryStore_Atomic_rollsBackOnError(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "i1", t0.Add(time.Hour))
	boom := errors.New("boom")

	err := s.Atomic(context.Background(), "i1", func(tx Tx) error {
		st, _ := tx.Step(context.Background(), "i1-s1")
		st.State = model.StepSigned
		if err := tx.UpdateStep(context.Background(), st, model.StepActive); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	st, _ := s.Step(context.Background(), "i1-s1")
	if st.State != model.StepActive {
		t.Errorf("step = %s, want ACTIVE after rollback", st.State)
	}
}

func TestMemoryStore_Atomic_newInstanceRolledBack(t *testing.T) {
	s := NewMemoryStore()
	err := s.Atomic(context.Background(), "i1", func(tx Tx) error {
		if err := tx.InsertInstance(context.Background(), model.WorkflowInstance{ID: "i1"}, nil); err != nil {
			return err
		}
		return errors.New("abort")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
	if _, err := s.Instance(context.Background(), "i1"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("Instance err = %v, want NOT_FOUND", err)
	}
}

func TestMemoryStore_Atomic_cancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := s.Atomic(ctx, "i1", func(Tx) error { called = true; return nil })
	if !errors.Is(err, context.Canceled) || called {
		t.Errorf("err = %v, called = %v", err, called)
	}
}

func TestMemoryStore_Atomic_releasesInstanceLocks(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "i1", t0.Add(time.Hour))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		overlap bool
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Atomic(context.Background(), "i1", func(Tx) error {
				mu.Lock()
				inside++
				if inside > 1 {
					overlap = true
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if overlap {
		t.Error("Atomic calls on one instance overlapped")
	}
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if len(s.locks) != 0 {
		t.Errorf("locks = %d, want 0 once no call holds them", len(s.locks))
	}
}

func TestMemoryStore_scopedToInstance(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "i1", t0)
	seed(t, s, "i2", t0)

	err := s.Atomic(context.Background(), "i1", func(tx Tx) error {
		return tx.UpdateInstanceState(context.Background(), "i2", model.InstanceRunning, model.InstanceCancelled, "", t0)
	})
	if err == nil {
		t.Fatal("writes outside the locked instance should fail")
	}
}

func TestMemoryStore_InsertInstance_duplicate(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "i1", t0)
	err := s.Atomic(context.Background(), "i1", func(tx Tx) error {
		return tx.InsertInstance(context.Background(), model.WorkflowInstance{ID: "i1"}, nil)
	})
	if !model.IsCode(err, model.ErrConflict) {
		t.Errorf("err = %v, want CONFLICT", err)
	}
}

func TestMemoryStore_UpdateStep_conditional(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "i1", t0)
	err := s.Atomic(context.Background(), "i1", func(tx Tx) error {
		return tx.UpdateStep(context.Background(), model.WorkflowStep{ID: "i1-s1", State: model.StepSigned}, model.StepPending)
	})
	if !model.IsCode(err, model.ErrInvalidTransition) {
		t.Errorf("err = %v, want INVALID_TRANSITION", err)
	}
}

func TestMemoryStore_InsertRequest_oneLivePerStep(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "i1", t0.Add(time.Hour))

	second := model.SignatureRequest{ID: "i1-r2", StepID: "i1-s1", InstanceID: "i1", TokenHash: "hash-2", ExpiresAt: t0.Add(time.Hour)}
	err := s.Atomic(context.Background(), "i1", func(tx Tx) error {
		return tx.InsertRequest(context.Background(), second)
	})
	if !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("err = %v, want CONFLICT", err)
	}

	// Once the first is consumed a new one may be issued.
	err = s.Atomic(context.Background(), "i1", func(tx Tx) error {
		if err := tx.ConsumeRequest(context.Background(), "i1-r1", t0, true); err != nil {
			return err
		}
		return tx.InsertRequest(context.Background(), second)
	})
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	live, ok, _ := s.LiveRequest(context.Background(), "i1-s1")
	if !ok || live.ID != "i1-r2" {
		t.Errorf("live = %+v, want i1-r2", live)
	}
	if _, err := s.RequestByHash(context.Background(), "hash-2"); err != nil {
		t.Errorf("RequestByHash: %v", err)
	}
}

func TestMemoryStore_ConsumeRequest_once(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "i1", t0.Add(time.Hour))
	consume := func() error {
		return s.Atomic(context.Background(), "i1", func(tx Tx) error {
			return tx.ConsumeRequest(context.Background(), "i1-r1", t0, false)
		})
	}

	if err := consume(); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if err := consume(); !model.IsCode(err, model.ErrTokenAlreadyConsumed) {
		t.Errorf("second consume: err = %v, want TOKEN_ALREADY_CONSUMED", err)
	}
	req, _ := s.RequestByHash(context.Background(), "hash-i1")
	if req.ConsumedAt == nil || req.Voided {
		t.Errorf("request = %+v, want consumed and not voided", req)
	}
}

func TestMemoryStore_RequestByHash_unknown(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.RequestByHash(context.Background(), "nope"); !model.IsCode(err, model.ErrTokenNotFound) {
		t.Errorf("err = %v, want TOKEN_NOT_FOUND", err)
	}
}

func TestMemoryStore_StaleSteps(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "b", t0.Add(-time.Minute))
	seed(t, s, "a", t0.Add(-time.Hour))
	seed(t, s, "fresh", t0.Add(time.Hour))
	seed(t, s, "done", t0.Add(-time.Hour))
	if err := s.Atomic(context.Background(), "done", func(tx Tx) error {
		return tx.UpdateInstanceState(context.Background(), "done", model.InstanceRunning, model.InstanceCancelled, "x", t0)
	}); err != nil {
		t.Fatal(err)
	}

	stale, err := s.StaleSteps(context.Background(), t0, 0)
	if err != nil {
		t.Fatalf("StaleSteps: %v", err)
	}
	if len(stale) != 2 || stale[0].ID != "a-s1" || stale[1].ID != "b-s1" {
		t.Errorf("stale = %+v, want [a-s1 b-s1]", stale)
	}

	limited, _ := s.StaleSteps(context.Background(), t0, 1)
	if len(limited) != 1 {
		t.Errorf("limited = %d, want 1", len(limited))
	}
}

func TestMemoryStore_readsAreCopies(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "i1", t0)

	steps, _ := s.Steps(context.Background(), "i1")
	steps[0].State = model.StepSigned

	st, _ := s.Step(context.Background(), "i1-s1")
	if st.State != model.StepActive {
		t.Error("mutating a read result should not change the store")
	}
}

package workflow

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/signet/model"
)

// --- Build ---

func TestEngine_Build_activatesFirstPhase(t *testing.T) {
	h := newHarness(t)
	res := h.build(t, party("alice", 1, 1), party("bob", 1, 2), party("carol", 2, 3))

	if res.Instance.State != model.InstanceRunning {
		t.Errorf("instance state = %s, want RUNNING", res.Instance.State)
	}
	if len(res.Steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(res.Steps))
	}
	for _, id := range []string{"alice", "bob"} {
		if st := stepOf(t, res, id); st.State != model.StepActive || st.ActivatedAt == nil {
			t.Errorf("%s state = %s, want ACTIVE with activated_at", id, st.State)
		}
	}
	if st := stepOf(t, res, "carol"); st.State != model.StepPending {
		t.Errorf("carol state = %s, want PENDING", st.State)
	}
	if len(res.Tokens) != 2 {
		t.Errorf("tokens = %d, want 2", len(res.Tokens))
	}
	if n := len(h.recorder.OfType(model.NotifyStepActivated)); n != 2 {
		t.Errorf("activation notifications = %d, want 2", n)
	}
}

func TestEngine_Build_unsetPhaseIsSinglePhase(t *testing.T) {
	h := newHarness(t)
	res := h.build(t, party("alice", 0, 1), party("bob", 0, 2))

	for _, st := range res.Steps {
		if st.PhaseIndex != 1 || st.State != model.StepActive {
			t.Errorf("step %s = phase %d %s, want phase 1 ACTIVE", st.PartyID, st.PhaseIndex, st.State)
		}
	}
}

func TestEngine_Build_lowestPhaseFirst(t *testing.T) {
	h := newHarness(t)
	res := h.build(t, party("late", 5, 2), party("early", 3, 1))

	if st := stepOf(t, res, "early"); st.State != model.StepActive {
		t.Errorf("early = %s, want ACTIVE", st.State)
	}
	if st := stepOf(t, res, "late"); st.State != model.StepPending {
		t.Errorf("late = %s, want PENDING", st.State)
	}
}

func TestEngine_Build_separateDocuments(t *testing.T) {
	h := newHarness(t)
	req := buildRequest(party("alice", 1, 1), party("bob", 1, 2))
	req.Template.SeparateDocuments = true

	res, err := h.engine.Build(context.Background(), req)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := stepOf(t, res, "alice").VersionID; got != "v1.alice" {
		t.Errorf("alice version = %q, want v1.alice", got)
	}
	if got := stepOf(t, res, "bob").VersionID; got != "v1.bob" {
		t.Errorf("bob version = %q, want v1.bob", got)
	}
	if !res.Instance.SeparateDocuments {
		t.Error("instance should record separate_documents")
	}
}

func TestEngine_Build_deadlineSetsExpiry(t *testing.T) {
	h := newHarness(t)
	deadline := h.clock.Now().Add(48 * time.Hour)
	req := buildRequest(party("alice", 1, 1))
	req.Template.Deadline = &deadline

	res, err := h.engine.Build(context.Background(), req)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	req2, ok, _ := h.store.LiveRequest(context.Background(), res.Steps[0].ID)
	if !ok {
		t.Fatal("live request missing")
	}
	if !req2.ExpiresAt.Equal(deadline) {
		t.Errorf("expires_at = %v, want %v", req2.ExpiresAt, deadline)
	}
}

func TestEngine_Build_validation(t *testing.T) {
	noDocument := buildRequest(party("alice", 1, 1))
	noDocument.Document = Document{}
	lapsed := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	pastDeadline := buildRequest(party("alice", 1, 1))
	pastDeadline.Template.Deadline = &lapsed

	tests := []struct {
		name  string
		req   BuildRequest
		field string
		code  string
	}{
		{"no parties", BuildRequest{Document: Document{ID: "d", VersionID: "v"}}, "parties", "REQUIRED"},
		{"missing document", noDocument, "document.id", "REQUIRED"},
		{"missing version", noDocument, "document.version_id", "REQUIRED"},
		{"duplicate order index", buildRequest(party("alice", 1, 1), party("bob", 2, 1)), "parties[1].order_index", "DUPLICATE"},
		{"duplicate party id", buildRequest(party("alice", 1, 1), party("alice", 1, 2)), "parties[1].id", "DUPLICATE"},
		{"no signing method", buildRequest(model.Party{ID: "alice", OrderIndex: 1}), "parties[0]", "NO_SIGNING_METHOD"},
		{"bad email", buildRequest(model.Party{ID: "alice", OrderIndex: 1, Email: "nope", AllowTypedName: true}), "parties[0].email", "EMAIL"},
		{"missing party id", buildRequest(model.Party{OrderIndex: 1, AllowTypedName: true}), "parties[0].id", "REQUIRED"},
		{"past deadline", pastDeadline, "template.deadline", "PAST"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.engine.Build(context.Background(), tc.req)
			if !model.IsCode(err, model.ErrValidationError) {
				t.Fatalf("err = %v, want VALIDATION_ERROR", err)
			}
			env, _ := model.AsEnvelope(err)
			found := false
			for _, d := range env.Details {
				if d.Field == tc.field && d.Code == tc.code {
					found = true
				}
			}
			if !found {
				t.Errorf("details = %+v, want %s/%s", env.Details, tc.field, tc.code)
			}
			if h.store.Len() != 0 {
				t.Error("nothing should be persisted")
			}
		})
	}
}

func TestEngine_Build_issuerFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.tokens.err = errors.New("entropy exhausted")

	_, err := h.engine.Build(context.Background(), buildRequest(party("alice", 1, 1)))
	if err == nil {
		t.Fatal("expected error")
	}
	if h.store.Len() != 0 {
		t.Errorf("instances = %d, want 0 after rollback", h.store.Len())
	}
	if len(h.recorder.Notifications()) != 0 {
		t.Error("no notifications should be sent for a rolled-back build")
	}
}

// --- Transition ---

func TestEngine_Transition_phaseAdvancement(t *testing.T) {
	h := newHarness(t)
	res := h.build(t, party("alice", 1, 1), party("bob", 1, 2), party("carol", 2, 3))
	alice, bob, carol := stepOf(t, res, "alice"), stepOf(t, res, "bob"), stepOf(t, res, "carol")

	h.sign(t, alice.ID)
	if st := h.step(t, carol.ID); st.State != model.StepPending {
		t.Fatalf("carol = %s after partial phase, want PENDING", st.State)
	}

	h.sign(t, bob.ID)
	if st := h.step(t, carol.ID); st.State != model.StepActive {
		t.Fatalf("carol = %s after phase 1 completes, want ACTIVE", st.State)
	}
	if h.tokens.tokenFor(carol.ID) == "" {
		t.Error("carol should have a token")
	}

	h.sign(t, carol.ID)
	inst := h.instance(t, res.Instance.ID)
	if inst.State != model.InstanceCompleted {
		t.Errorf("instance = %s, want COMPLETED", inst.State)
	}
	if n := len(h.recorder.OfType(model.NotifyInstanceCompleted)); n != 1 {
		t.Errorf("completed notifications = %d, want 1", n)
	}
}

func TestEngine_Transition_orderWithinPhaseIsFree(t *testing.T) {
	h := newHarness(t)
	res := h.build(t, party("alice", 1, 1), party("bob", 1, 2))

	// bob signs before alice despite the higher order index.
	h.sign(t, stepOf(t, res, "bob").ID)
	h.sign(t, stepOf(t, res, "alice").ID)

	if inst := h.instance(t, res.Instance.ID); inst.State != model.InstanceCompleted {
		t.Errorf("instance = %s, want COMPLETED", inst.State)
	}
}

func TestEngine_Transition_skipsPhaseGap(t *testing.T) {
	h := newHarness(t)
	res := h.build(t, party("alice", 1, 1), party("bob", 4, 2))

	h.sign(t, stepOf(t, res, "alice").ID)
	if st := h.step(t, stepOf(t, res, "bob").ID); st.State != model.StepActive {
		t.Errorf("bob = %s, want ACTIVE", st.State)
	}
}

func TestEngine_Transition_nonActiveStep(t *testing.T) {
	h := newHarness(t)
	res := h.build(t, party("alice", 1, 1), party("bob", 2, 2))

	_, err := h.engine.Transition(context.Background(), stepOf(t, res, "bob").ID, Outcome{Kind: model.StepSigned, Method: model.MethodTypedName})
	if !model.IsCode(err, model.ErrInvalidTransition) {
		t.Errorf("pending step: err = %v, want INVALID_TRANSITION", err)
	}

	alice := stepOf(t, res, "alice")
	h.sign(t, alice.ID)
	_, err = h.engine.Transition(context.Background(), alice.ID, Outcome{Kind: model.StepSigned, Method: model.MethodTypedName})
	if !model.IsCode(err, model.ErrInvalidTransition) {
		t.Errorf("signed step: err = %v, want INVALID_TRANSITION", err)
	}
}

func TestEngine_Transition_unknownMethod(t *testing.T) {
	h := newHarness(t)
	res := h.build(t, party("alice", 1, 1))

	_, err := h.engine.Transition(context.Background(), res.Steps[0].ID, Outcome{Kind: model.StepSigned, Method: "fax"})
	if !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("err = %v, want BAD_REQUEST", err)
	}
	if st := h.step(t, res.Steps[0].ID); st.State != model.StepActive {
		t.Errorf("step = %s, want ACTIVE after failed transition", st.State)
	}
}

func TestEngine_Transition_signVoidsLiveRequest(t *testing.T) {
	h := newHarness(t)
	res := h.build(t, party("alice", 1, 1), party("bob", 1, 2))
	alice := stepOf(t, res, "alice")

	h.sign(t, alice.ID)
	if _, ok, _ := h.store.LiveRequest(context.Background(), alice.ID); ok {
		t.Error("signed step should have no live request")
	}
}

func TestEngine_Transition_rejectCancelsInstance(t *testing.T) {
	h := newHarness(t)
	res := h.build(t, party("alice", 1, 1), party("bob", 1, 2), party("carol", 2, 3))
	alice, bob, carol := stepOf(t, res, "alice"), stepOf(t, res, "bob"), stepOf(t, res, "carol")

	h.sign(t, alice.ID)
	_, err := h.engine.Transition(context.Background(), bob.ID, Outcome{Kind: model.StepRejected, Actor: "party:bob", Reason: "terms"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}

	inst := h.instance(t, res.Instance.ID)
	if inst.State != model.InstanceCancelled || inst.CancelReason != "terms" {
		t.Errorf("instance = %s/%q, want CANCELLED/terms", inst.State, inst.CancelReason)
	}
	want := map[string]model.StepState{alice.ID: model.StepSigned, bob.ID: model.StepRejected, carol.ID: model.StepSkipped}
	for id, state := range want {
		if st := h.step(t, id); st.State != state {
			t.Errorf("step %s = %s, want %s", id, st.State, state)
		}
	}

	// Terminal instance: no further transitions.
	_, err = h.engine.Transition(context.Background(), carol.ID, Outcome{Kind: model.StepSigned, Method: model.MethodTypedName})
	if !model.IsCode(err, model.ErrInvalidTransition) {
		t.Errorf("transition after cancel: err = %v, want INVALID_TRANSITION", err)
	}
}

func TestEngine_Transition_expiredDoesNotCancel(t *testing.T) {
	h := newHarness(t)
	res := h.build(t, party("alice", 1, 1), party("bob", 1, 2))
	alice := stepOf(t, res, "alice")

	_, err := h.engine.Transition(context.Background(), alice.ID, Outcome{Kind: model.StepExpired, Actor: SystemActor})
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if inst := h.instance(t, res.Instance.ID); inst.State != model.InstanceRunning {
		t.Errorf("instance = %s, want RUNNING", inst.State)
	}
	if st := h.step(t, stepOf(t, res, "bob").ID); st.State != model.StepActive {
		t.Errorf("bob = %s, want ACTIVE", st.State)
	}
}

func TestEngine_Transition_concurrentSignsAdvanceOnce(t *testing.T) {
	h := newHarness(t)
	parties := []model.Party{party("p1", 1, 1), party("p2", 1, 2), party("p3", 1, 3), party("p4", 1, 4), party("next", 2, 5)}
	res := h.build(t, parties...)

	var wg sync.WaitGroup
	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		stepID := stepOf(t, res, id).ID
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.Transition(context.Background(), stepID, Outcome{Kind: model.StepSigned, Method: model.MethodTypedName}); err != nil {
				t.Errorf("sign %s: %v", stepID, err)
			}
		}()
	}
	wg.Wait()

	if st := h.step(t, stepOf(t, res, "next").ID); st.State != model.StepActive {
		t.Errorf("next = %s, want ACTIVE", st.State)
	}
	activations := 0
	for _, n := range h.recorder.OfType(model.NotifyStepActivated) {
		if n.PartyID == "next" {
			activations++
		}
	}
	if activations != 1 {
		t.Errorf("next activated %d times, want 1", activations)
	}
}

func TestEngine_Transition_concurrentDoubleSign(t *testing.T) {
	h := newHarness(t)
	res := h.build(t, party("alice", 1, 1))
	stepID := res.Steps[0].ID

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Transition(context.Background(), stepID, Outcome{Kind: model.StepSigned, Method: model.MethodTypedName})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case !model.IsCode(err, model.ErrInvalidTransition):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("successful transitions = %d, want 1", ok)
	}
}

// --- Cancel ---

func TestEngine_Cancel(t *testing.T) {
	h := newHarness(t)
	res := h.build(t, party("alice", 1, 1), party("bob", 2, 2))

	inst, err := h.engine.Cancel(context.Background(), res.Instance.ID, "operator-1", "")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if inst.State != model.InstanceCancelled || inst.CancelReason != "cancelled" {
		t.Errorf("instance = %s/%q, want CANCELLED/cancelled", inst.State, inst.CancelReason)
	}
	for _, st := range res.Steps {
		if got := h.step(t, st.ID); got.State != model.StepSkipped {
			t.Errorf("step %s = %s, want SKIPPED", st.PartyID, got.State)
		}
	}
	if _, ok, _ := h.store.LiveRequest(context.Background(), stepOf(t, res, "alice").ID); ok {
		t.Error("live request should be voided")
	}

	_, err = h.engine.Cancel(context.Background(), res.Instance.ID, "operator-1", "")
	if !model.IsCode(err, model.ErrInvalidTransition) {
		t.Errorf("second cancel: err = %v, want INVALID_TRANSITION", err)
	}
}

func TestEngine_Cancel_notFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Cancel(context.Background(), "missing", "op", "")
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

// --- Reissue and expiry ---

func TestEngine_Reissue_activeStep(t *testing.T) {
	h := newHarness(t)
	res := h.build(t, party("alice", 1, 1))
	stepID := res.Steps[0].ID
	old, _, _ := h.store.LiveRequest(context.Background(), stepID)

	out, err := h.engine.Reissue(context.Background(), stepID, "operator-1")
	if err != nil {
		t.Fatalf("Reissue: %v", err)
	}
	if out.Token == "" || out.Token == res.Tokens[stepID] {
		t.Error("reissue should return a new token")
	}
	live, ok, _ := h.store.LiveRequest(context.Background(), stepID)
	if !ok || live.ID == old.ID {
		t.Error("a new live request should replace the old one")
	}
	prev, _ := h.store.RequestByHash(context.Background(), old.TokenHash)
	if !prev.Voided || !prev.Consumed() {
		t.Error("old request should be voided")
	}
}

func TestEngine_ExpireStaleAndReissue(t *testing.T) {
	h := newHarness(t)
	res := h.build(t, party("alice", 1, 1), party("bob", 1, 2))
	alice := stepOf(t, res, "alice")

	if n, _ := h.engine.ExpireStale(context.Background(), h.clock.Now()); n != 0 {
		t.Fatalf("expired = %d before window, want 0", n)
	}

	h.clock.Advance(2 * time.Hour)
	n, err := h.engine.ExpireStale(context.Background(), h.clock.Now())
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if n != 2 {
		t.Fatalf("expired = %d, want 2", n)
	}
	if st := h.step(t, alice.ID); st.State != model.StepExpired {
		t.Fatalf("alice = %s, want EXPIRED", st.State)
	}
	if inst := h.instance(t, res.Instance.ID); inst.State != model.InstanceRunning {
		t.Errorf("instance = %s, want RUNNING", inst.State)
	}

	// Running the sweep again is a no-op.
	if n, _ := h.engine.ExpireStale(context.Background(), h.clock.Now()); n != 0 {
		t.Errorf("second sweep expired %d, want 0", n)
	}

	out, err := h.engine.Reissue(context.Background(), alice.ID, "operator-1")
	if err != nil {
		t.Fatalf("Reissue: %v", err)
	}
	if out.Step.State != model.StepActive {
		t.Errorf("reissued step = %s, want ACTIVE", out.Step.State)
	}
	if !out.ExpiresAt.After(h.clock.Now()) {
		t.Error("new request should expire in the future")
	}
	h.sign(t, alice.ID)
}

func TestEngine_Reissue_pastDeadlineFallsBackToWindow(t *testing.T) {
	h := newHarness(t)
	deadline := h.clock.Now().Add(time.Minute)
	req := buildRequest(party("alice", 1, 1))
	req.Template.Deadline = &deadline
	res, err := h.engine.Build(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(5 * time.Minute)
	if _, err := h.engine.ExpireStale(context.Background(), h.clock.Now()); err != nil {
		t.Fatal(err)
	}
	out, err := h.engine.Reissue(context.Background(), res.Steps[0].ID, "operator-1")
	if err != nil {
		t.Fatalf("Reissue: %v", err)
	}
	if want := h.clock.Now().Add(h.tokens.window); !out.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want %v", out.ExpiresAt, want)
	}
}

func TestEngine_Transition_lapsedDeadlineFallsBackToWindow(t *testing.T) {
	h := newHarness(t)
	deadline := h.clock.Now().Add(time.Minute)
	req := buildRequest(party("alice", 1, 1), party("bob", 2, 2))
	req.Template.Deadline = &deadline
	res, err := h.engine.Build(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(5 * time.Minute)
	h.sign(t, stepOf(t, res, "alice").ID)

	live, ok, err := h.store.LiveRequest(context.Background(), stepOf(t, res, "bob").ID)
	if err != nil || !ok {
		t.Fatalf("LiveRequest = %v, %v", ok, err)
	}
	if want := h.clock.Now().Add(h.tokens.window); !live.ExpiresAt.Equal(want) {
		t.Errorf("bob expires_at = %v, want %v", live.ExpiresAt, want)
	}
}

func TestEngine_Reissue_rejectsTerminal(t *testing.T) {
	h := newHarness(t)
	res := h.build(t, party("alice", 1, 1), party("bob", 1, 2))
	alice := stepOf(t, res, "alice")
	h.sign(t, alice.ID)

	_, err := h.engine.Reissue(context.Background(), alice.ID, "operator-1")
	if !model.IsCode(err, model.ErrInvalidTransition) {
		t.Errorf("err = %v, want INVALID_TRANSITION", err)
	}
}

// --- Read side ---

func TestEngine_GetAndAuditTrail(t *testing.T) {
	h := newHarness(t)
	res := h.build(t, party("alice", 1, 1), party("bob", 2, 2))
	h.sign(t, stepOf(t, res, "alice").ID)

	view, err := h.engine.Get(context.Background(), res.Instance.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(view.Steps) != 2 || len(view.Parties) != 2 {
		t.Errorf("view = %d steps, %d parties", len(view.Steps), len(view.Parties))
	}
	if p, ok := view.Party("bob"); !ok || p.Name != "bob" {
		t.Error("view should include bob")
	}

	report, err := h.engine.AuditTrail(context.Background(), res.Instance.ID)
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	if !report.Valid {
		t.Errorf("chain invalid: %v", report.Broken)
	}
	types := eventTypes(report.Events)
	for _, want := range []string{
		model.EventInstanceCreated, model.EventStepActivated, model.EventRequestIssued,
		model.EventInstanceStarted, model.EventStepSigned, model.EventRequestVoided,
	} {
		if !slices.Contains(types, want) {
			t.Errorf("audit trail missing %s: %v", want, types)
		}
	}
	if types[0] != model.EventInstanceCreated {
		t.Errorf("first event = %s, want %s", types[0], model.EventInstanceCreated)
	}
}

func TestEngine_AuditTrail_detectsTampering(t *testing.T) {
	h := newHarness(t)
	res := h.build(t, party("alice", 1, 1))
	h.store.TamperAuditEvent(res.Instance.ID, 0, "mallory")

	report, err := h.engine.AuditTrail(context.Background(), res.Instance.ID)
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	if report.Valid || report.Broken == nil || report.Broken.Index != 0 {
		t.Errorf("report = valid %v broken %+v, want broken at 0", report.Valid, report.Broken)
	}
}

func TestEngine_Dispatch_failureIsLogged(t *testing.T) {
	h := newHarness(t)
	h.recorder.Err = errors.New("smtp down")

	// Notification failure never fails the transition that produced it.
	res := h.build(t, party("alice", 1, 1))
	h.sign(t, res.Steps[0].ID)
	if inst := h.instance(t, res.Instance.ID); inst.State != model.InstanceCompleted {
		t.Errorf("instance = %s, want COMPLETED", inst.State)
	}
}

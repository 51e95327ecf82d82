package transport

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/signet/internal/agent"
	"github.com/pitabwire/signet/internal/workflow"
	"github.com/pitabwire/signet/model"
)

func handleStepReissue(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		res, err := engine.Reissue(r.Context(), chi.URLParam(r, "stepId"), rctx.SubjectID)
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

// handleStepCertificate runs the signing agent for an ACTIVE step on behalf
// of an operator. The step itself is not transitioned; the signer still
// redeems their token.
func handleStepCertificate(engine *workflow.Engine, coord *agent.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		step, err := engine.Store().Step(r.Context(), chi.URLParam(r, "stepId"))
		if err != nil {
			respondError(w, r, err)
			return
		}
		if step.State != model.StepActive {
			WriteError(w, model.NewInvalidTransitionError(
				fmt.Sprintf("step %q is %s; only ACTIVE steps can be signed", step.ID, step.State),
			))
			return
		}

		att, err := coord.SignStep(r.Context(), step, rctx.SubjectID)
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, att)
	}
}

func handleStepAttempts(engine *workflow.Engine, coord *agent.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stepID := chi.URLParam(r, "stepId")
		if _, err := engine.Store().Step(r.Context(), stepID); err != nil {
			respondError(w, r, err)
			return
		}

		attempts, err := coord.Attempts(r.Context(), stepID)
		if err != nil {
			respondError(w, r, err)
			return
		}
		if attempts == nil {
			attempts = []model.SigningAgentAttempt{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": attempts})
	}
}

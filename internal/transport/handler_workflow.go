package transport

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/signet/internal/blob"
	"github.com/pitabwire/signet/internal/idempotency"
	"github.com/pitabwire/signet/internal/observability"
	"github.com/pitabwire/signet/internal/workflow"
	"github.com/pitabwire/signet/model"
)

// IdempotencyHeader carries the caller's deduplication key for workflow creation.
const IdempotencyHeader = "X-Idempotency-Key"

type createWorkflowRequest struct {
	Document struct {
		ID        string `json:"id"`
		VersionID string `json:"version_id"`
		Content   []byte `json:"content,omitempty"`
	} `json:"document"`
	Parties  []model.Party     `json:"parties"`
	Template workflow.Template `json:"template"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Idempotency bundles the deduplication store with its retention.
type Idempotency struct {
	Store idempotency.Store
	TTL   time.Duration
}

func handleWorkflowCreate(engine *workflow.Engine, blobs blob.Store, idem *Idempotency) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		raw, err := io.ReadAll(r.Body)
		if err != nil {
			WriteError(w, model.NewBadRequestError("unreadable request body"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(raw))

		var idemKey, inputHash string
		if key := r.Header.Get(IdempotencyHeader); key != "" && idem != nil && idem.Store != nil {
			idemKey = idempotency.FormatKey(rctx.SubjectID, key)
			sum := sha256.Sum256(raw)
			inputHash = hex.EncodeToString(sum[:])

			instanceID, reserved, err := idem.Store.Reserve(r.Context(), idemKey, inputHash, idem.TTL)
			if err != nil {
				respondError(w, r, err)
				return
			}
			if !reserved {
				view, err := engine.Get(r.Context(), instanceID)
				if err != nil {
					respondError(w, r, err)
					return
				}
				w.Header().Set("X-Idempotent-Replay", "true")
				WriteJSON(w, http.StatusOK, view)
				return
			}
		}

		result, err := createWorkflow(r, engine, blobs, rctx.SubjectID)
		if err != nil {
			if idemKey != "" {
				if rerr := idem.Store.Release(r.Context(), idemKey); rerr != nil {
					observability.RequestLogger(r.Context(), zap.NewNop()).Warn("idempotency release failed", zap.Error(rerr))
				}
			}
			respondError(w, r, err)
			return
		}

		if idemKey != "" {
			if err := idem.Store.Complete(r.Context(), idemKey, inputHash, result.Instance.ID, idem.TTL); err != nil {
				observability.RequestLogger(r.Context(), zap.NewNop()).Warn("idempotency save failed",
					zap.String("instance_id", result.Instance.ID),
					zap.Error(err),
				)
			}
		}

		WriteJSON(w, http.StatusCreated, result)
	}
}

func createWorkflow(r *http.Request, engine *workflow.Engine, blobs blob.Store, actor string) (workflow.BuildResult, error) {
	var body createWorkflowRequest
	if err := decodeJSON(r, &body, false); err != nil {
		return workflow.BuildResult{}, err
	}

	if len(body.Document.Content) > 0 && blobs != nil && body.Document.ID != "" && body.Document.VersionID != "" {
		if err := storeContent(r, blobs, body); err != nil {
			return workflow.BuildResult{}, err
		}
	}

	return engine.Build(r.Context(), workflow.BuildRequest{
		Document: workflow.Document{ID: body.Document.ID, VersionID: body.Document.VersionID},
		Parties:  body.Parties,
		Template: body.Template,
		Actor:    actor,
	})
}

// storeContent writes the document bytes under the base version and, for
// separate documents, under every party's version.
func storeContent(r *http.Request, blobs blob.Store, body createWorkflowRequest) error {
	doc := body.Document
	if err := blobs.Put(r.Context(), blob.DocumentKey(doc.ID, doc.VersionID), doc.Content); err != nil {
		return err
	}
	if !body.Template.SeparateDocuments {
		return nil
	}
	for _, p := range body.Parties {
		if p.ID == "" {
			continue
		}
		key := blob.DocumentKey(doc.ID, workflow.SeparateVersionID(doc.VersionID, p.ID))
		if err := blobs.Put(r.Context(), key, doc.Content); err != nil {
			return err
		}
	}
	return nil
}

func handleWorkflowGet(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := engine.Get(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleWorkflowAudit(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := engine.AuditTrail(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}

func handleWorkflowCancel(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body cancelRequest
		if err := decodeJSON(r, &body, true); err != nil {
			WriteError(w, err)
			return
		}

		inst, err := engine.Cancel(r.Context(), chi.URLParam(r, "instanceId"), rctx.SubjectID, body.Reason)
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

// respondError writes err and logs it when it maps to a server error.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	if StatusFor(err) >= http.StatusInternalServerError {
		observability.RequestLogger(r.Context(), zap.NewNop()).Error("request failed", zap.Error(err))
	}
	WriteError(w, err)
}

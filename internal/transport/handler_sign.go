package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/signet/internal/signreq"
)

type declineRequest struct {
	Reason string `json:"reason"`
}

func handleSignInspect(issuer *signreq.Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sc, err := issuer.Inspect(r.Context(), chi.URLParam(r, "token"))
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, sc)
	}
}

func handleSignRedeem(issuer *signreq.Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Actor is not bound from JSON; the issuer attributes the party.
		var sub signreq.Submission
		if err := decodeJSON(r, &sub, false); err != nil {
			WriteError(w, err)
			return
		}

		res, err := issuer.Redeem(r.Context(), chi.URLParam(r, "token"), sub)
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleSignDecline(issuer *signreq.Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body declineRequest
		if err := decodeJSON(r, &body, true); err != nil {
			WriteError(w, err)
			return
		}

		res, err := issuer.Decline(r.Context(), chi.URLParam(r, "token"), body.Reason, "")
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

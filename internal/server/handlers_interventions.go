package server

import (
	"net/http"

	"github.com/wtfzdotnet/storyteller-sub002/internal/ctxutil"
	"github.com/wtfzdotnet/storyteller-sub002/internal/model"
	"github.com/wtfzdotnet/storyteller-sub002/internal/storage"
)

// HandlePendingInterventions handles GET /v1/interventions/pending.
func (h *Handlers) HandlePendingInterventions(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.PendingInterventions(r.Context(), queryLimit(r, storage.DefaultPendingLimit))
	if err != nil {
		h.writeServiceError(w, r, "failed to list pending interventions", err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleGetIntervention handles GET /v1/interventions/{id}.
func (h *Handlers) HandleGetIntervention(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.GetIntervention(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, "intervention", err)
		return
	}
	writeJSON(w, r, http.StatusOK, m)
}

// HandleConversationInterventions handles
// GET /v1/conversations/{conversation_id}/interventions?status=.
func (h *Handlers) HandleConversationInterventions(w http.ResponseWriter, r *http.Request) {
	status := model.InterventionStatus(r.URL.Query().Get("status"))
	out, err := h.svc.InterventionsForConversation(r.Context(), r.PathValue("conversation_id"), status)
	if err != nil {
		h.writeServiceError(w, r, "failed to list interventions", err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleResolveIntervention handles POST /v1/interventions/{id}/resolve. The
// intervener is the authenticated operator.
func (h *Handlers) HandleResolveIntervention(w http.ResponseWriter, r *http.Request) {
	var req model.ResolveInterventionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}

	m, err := h.svc.ResolveIntervention(r.Context(), r.PathValue("id"), req, claims.Operator())
	if err != nil {
		h.writeServiceError(w, r, "failed to resolve intervention", err)
		return
	}
	writeJSON(w, r, http.StatusOK, m)
}

// HandleCancelIntervention handles POST /v1/interventions/{id}/cancel.
func (h *Handlers) HandleCancelIntervention(w http.ResponseWriter, r *http.Request) {
	var req model.CancelInterventionRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
	}
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}

	m, err := h.svc.CancelIntervention(r.Context(), r.PathValue("id"), ctxutil.Actor(r.Context()), req.Reason)
	if err != nil {
		h.writeServiceError(w, r, "failed to cancel intervention", err)
		return
	}
	writeJSON(w, r, http.StatusOK, m)
}

package server

import (
	"net/http"

	"github.com/wtfzdotnet/storyteller-sub002/internal/model"
)

// HandleInitiateConsensus handles POST /v1/consensus.
func (h *Handlers) HandleInitiateConsensus(w http.ResponseWriter, r *http.Request) {
	var req model.InitiateConsensusRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	c, err := h.svc.Initiate(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, "failed to initiate consensus", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, c)
}

// HandleGetConsensus handles GET /v1/consensus/{id}.
func (h *Handlers) HandleGetConsensus(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, "consensus", err)
		return
	}
	writeJSON(w, r, http.StatusOK, c)
}

// HandleSubmitVote handles POST /v1/consensus/{id}/votes.
func (h *Handlers) HandleSubmitVote(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitVoteRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ParticipantID == "" {
		if claims := ClaimsFromContext(r.Context()); claims != nil {
			req.ParticipantID = claims.OperatorID
		}
	}

	c, err := h.svc.SubmitVote(r.Context(), r.PathValue("id"), req)
	if err != nil {
		h.writeServiceError(w, r, "failed to submit vote", err)
		return
	}
	writeJSON(w, r, http.StatusOK, c)
}

// HandleIterate handles POST /v1/consensus/{id}/iterate.
func (h *Handlers) HandleIterate(w http.ResponseWriter, r *http.Request) {
	cont, c, err := h.svc.Iterate(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, "failed to iterate consensus", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.IterateResponse{Continue: cont, Consensus: c})
}

// HandleAutoResolve handles POST /v1/consensus/{id}/auto-resolve.
func (h *Handlers) HandleAutoResolve(w http.ResponseWriter, r *http.Request) {
	changed, c, err := h.svc.AutoResolve(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, "failed to auto-resolve conflicts", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.AutoResolveResponse{ResolvedAny: changed, Consensus: c})
}

// HandleReport handles GET /v1/consensus/{id}/report.
func (h *Handlers) HandleReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Report(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, "failed to generate report", err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// HandleEscalate handles POST /v1/consensus/{id}/escalate. An empty body is
// allowed and asks for a derived reason.
func (h *Handlers) HandleEscalate(w http.ResponseWriter, r *http.Request) {
	var req model.EscalateRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
	}

	m, err := h.svc.Escalate(r.Context(), r.PathValue("id"), req)
	if err != nil {
		h.writeServiceError(w, r, "failed to escalate consensus", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, m)
}

// HandleListConversationConsensus handles
// GET /v1/conversations/{conversation_id}/consensus.
func (h *Handlers) HandleListConversationConsensus(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.ListForConversation(r.Context(), r.PathValue("conversation_id"))
	if err != nil {
		h.writeServiceError(w, r, "failed to list consensus processes", err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

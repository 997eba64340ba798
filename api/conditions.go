package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sparkbloom/clinic-engine/clinic"
)

// =============================================================================
// COMMERCIAL CONDITION HANDLERS - Thin wrappers over the pricing ledger
// =============================================================================

// ListConditions returns the patient's conditions, most recent start first.
func (h *Handler) ListConditions(w http.ResponseWriter, r *http.Request) {
	p, ok := h.loadPatient(w, r, clinic.PatientID(chi.URLParam(r, "id")))
	if !ok {
		return
	}

	conds, err := h.Store.ListConditions(r.Context(), p.ID)
	if err != nil {
		h.fail(w, r, "Failed to list conditions", err)
		return
	}

	now := h.now()
	dtos := make([]ConditionDTO, len(conds))
	for i, c := range conds {
		dtos[i] = toConditionDTO(c, now)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCondition returns one condition of the patient.
func (h *Handler) GetCondition(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadCondition(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toConditionDTO(*c, h.now()))
}

// CreateCondition records a new condition. Earlier conditions of the same
// (patient, article) still in force at its start are closed just before it.
func (h *Handler) CreateCondition(w http.ResponseWriter, r *http.Request) {
	p, ok := h.loadPatient(w, r, clinic.PatientID(chi.URLParam(r, "id")))
	if !ok {
		return
	}

	var req ConditionRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, "Invalid request body", err)
		return
	}
	if !h.articleExists(w, r, req.ArticleID) {
		return
	}

	c, err := h.Ledger.Create(r.Context(), p.ID, req)
	if err != nil {
		h.fail(w, r, "Failed to create condition", err)
		return
	}
	h.Logger.Info().
		Str("patient_id", string(p.ID)).
		Str("condition_id", string(c.ID)).
		Time("start", c.Range.Start).
		Msg("condition created")
	writeJSON(w, http.StatusCreated, toConditionDTO(c, h.now()))
}

// UpdateCondition rewrites a condition through the ledger.
func (h *Handler) UpdateCondition(w http.ResponseWriter, r *http.Request) {
	current, ok := h.loadCondition(w, r)
	if !ok {
		return
	}

	var req ConditionRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, "Invalid request body", err)
		return
	}
	if !h.articleExists(w, r, req.ArticleID) {
		return
	}

	c, err := h.Ledger.Update(r.Context(), current.ID, req)
	if err != nil {
		h.fail(w, r, "Failed to update condition", err)
		return
	}
	writeJSON(w, http.StatusOK, toConditionDTO(c, h.now()))
}

// DeleteCondition removes a condition. Predecessors it closed stay closed.
func (h *Handler) DeleteCondition(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadCondition(w, r)
	if !ok {
		return
	}
	if err := h.Ledger.Delete(r.Context(), c.ID); err != nil {
		h.fail(w, r, "Failed to delete condition", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// loadCondition resolves {cid} and checks it belongs to patient {id}.
func (h *Handler) loadCondition(w http.ResponseWriter, r *http.Request) (*clinic.Condition, bool) {
	patientID := clinic.PatientID(chi.URLParam(r, "id"))
	c, err := h.Store.GetCondition(r.Context(), clinic.ConditionID(chi.URLParam(r, "cid")))
	if err != nil {
		h.fail(w, r, "Failed to get condition", err)
		return nil, false
	}
	if c == nil || c.PatientID != patientID {
		writeError(w, http.StatusNotFound, "Condition not found", nil)
		return nil, false
	}
	return c, true
}

func (h *Handler) articleExists(w http.ResponseWriter, r *http.Request, id *clinic.ArticleID) bool {
	if id == nil {
		return true
	}
	a, err := h.Store.GetArticle(r.Context(), *id)
	if err != nil {
		h.fail(w, r, "Failed to get article", err)
		return false
	}
	if a == nil {
		writeError(w, http.StatusNotFound, "Article not found", clinic.NotFound("article", string(*id)))
		return false
	}
	return true
}

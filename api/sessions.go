package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sparkbloom/clinic-engine/clinic"
)

// =============================================================================
// SESSION HANDLERS
// =============================================================================

// ListSessions returns sessions matching the query filters, newest first.
//
// Filters: patient_id, state, payment_state, receipt_status
// (with_receipt | without_receipt | not_applicable), from, to.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	f, err := sessionFilter(r)
	if err != nil {
		h.fail(w, r, "Invalid filter", err)
		return
	}

	sessions, err := h.Store.ListSessions(r.Context(), f)
	if err != nil {
		h.fail(w, r, "Failed to list sessions", err)
		return
	}

	dtos := make([]SessionDTO, len(sessions))
	for i, s := range sessions {
		dtos[i] = toSessionDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetSession returns a single session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(*s))
}

// CreateSession books a manual session. Its monetary snapshot comes from the
// condition in force on the session date; without one the request fails
// with 422.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, "Invalid request body", err)
		return
	}
	if err := clinic.Validate(req); err != nil {
		h.fail(w, r, "Invalid session", err)
		return
	}

	p, ok := h.loadPatient(w, r, clinic.PatientID(req.PatientID))
	if !ok {
		return
	}
	var articleID *clinic.ArticleID
	if req.ArticleID != nil && *req.ArticleID != "" {
		id := clinic.ArticleID(*req.ArticleID)
		articleID = &id
	}

	at := clinic.Truncate(req.ScheduledAt)
	values, err := h.Ledger.Price(r.Context(), p.ID, articleID, at)
	if err != nil {
		h.fail(w, r, "Failed to price session", err)
		return
	}

	now := clinic.Truncate(h.now())
	s := clinic.Session{
		ID:           clinic.SessionID(newID()),
		PatientID:    p.ID,
		ScheduledAt:  at,
		State:        clinic.SessionPending,
		PaymentState: clinic.PaymentUnpaid,
		Values:       values,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.Store.InsertSession(r.Context(), s); err != nil {
		h.fail(w, r, "Failed to create session", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionDTO(s))
}

// UpdateSession changes state, payment and receipt fields. The date and the
// monetary snapshot are never written here.
func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.loadSession(w, r)
	if !ok {
		return
	}

	var req UpdateSessionRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, "Invalid request body", err)
		return
	}
	if err := clinic.Validate(req); err != nil {
		h.fail(w, r, "Invalid session", err)
		return
	}

	if req.State != nil {
		s.State = clinic.SessionState(*req.State)
	}
	if req.PaymentState != nil {
		s.PaymentState = clinic.PaymentState(*req.PaymentState)
	}
	if req.PaidAt != nil {
		paid := clinic.Truncate(*req.PaidAt)
		s.PaidAt = &paid
	}
	if req.ReceiptNumber != nil {
		if n := strings.TrimSpace(*req.ReceiptNumber); n != "" {
			s.ReceiptNumber = &n
		} else {
			s.ReceiptNumber = nil
		}
	}
	if req.RejectionReason != nil {
		s.RejectionReason = req.RejectionReason
	}
	s.UpdatedAt = clinic.Truncate(h.now())

	if err := h.Store.UpdateSession(r.Context(), *s); err != nil {
		h.fail(w, r, "Failed to update session", err)
		return
	}

	// Date and values may have been re-synced since the read above.
	stored, err := h.Store.GetSession(r.Context(), s.ID)
	if err != nil {
		h.fail(w, r, "Failed to get session", err)
		return
	}
	if stored == nil {
		h.fail(w, r, "Failed to get session", clinic.NotFound("session", string(s.ID)))
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(*stored))
}

func (h *Handler) loadSession(w http.ResponseWriter, r *http.Request) (*clinic.Session, bool) {
	s, err := h.Store.GetSession(r.Context(), clinic.SessionID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to get session", err)
		return nil, false
	}
	if s == nil {
		writeError(w, http.StatusNotFound, "Session not found", nil)
		return nil, false
	}
	return s, true
}

// sessionFilter parses the session list query. Shared by the list, the
// dashboard and the export.
func sessionFilter(r *http.Request) (clinic.SessionFilter, error) {
	q := r.URL.Query()
	var f clinic.SessionFilter

	if v := q.Get("patient_id"); v != "" {
		id := clinic.PatientID(v)
		f.PatientID = &id
	}
	if v := q.Get("state"); v != "" {
		st := clinic.SessionState(v)
		switch st {
		case clinic.SessionPending, clinic.SessionConfirmed, clinic.SessionRejected:
		default:
			return f, clinic.Invalid("state", "oneof=pending confirmed rejected", "unknown session state")
		}
		f.State = &st
	}
	if v := q.Get("payment_state"); v != "" {
		ps := clinic.PaymentState(v)
		if ps != clinic.PaymentPaid && ps != clinic.PaymentUnpaid {
			return f, clinic.Invalid("payment_state", "oneof=paid unpaid", "unknown payment state")
		}
		f.PaymentState = &ps
	}
	if v := q.Get("receipt_status"); v != "" {
		rs := clinic.ReceiptStatus(v)
		switch rs {
		case clinic.ReceiptIssued, clinic.ReceiptMissing, clinic.ReceiptNotApplicable:
		default:
			return f, clinic.Invalid("receipt_status", "oneof=with_receipt without_receipt not_applicable", "unknown receipt status")
		}
		f.ReceiptStatus = rs
	}
	if v := q.Get("from"); v != "" {
		t, err := parseInstant("from", v, false)
		if err != nil {
			return f, err
		}
		f.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := parseInstant("to", v, true)
		if err != nil {
			return f, err
		}
		f.To = &t
	}
	return f, nil
}

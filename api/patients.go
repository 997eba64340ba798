package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sparkbloom/clinic-engine/clinic"
)

// =============================================================================
// PATIENT HANDLERS
// =============================================================================

// ListPatients returns patients filtered by ?search= and ?status=.
func (h *Handler) ListPatients(w http.ResponseWriter, r *http.Request) {
	f := clinic.PatientFilter{Search: strings.TrimSpace(r.URL.Query().Get("search"))}
	if s := r.URL.Query().Get("status"); s != "" {
		status := clinic.PatientStatus(s)
		if status != clinic.PatientActive && status != clinic.PatientInactive {
			writeError(w, http.StatusBadRequest, "Invalid status filter",
				clinic.Invalid("status", "oneof=active inactive", "must be active or inactive"))
			return
		}
		f.Status = &status
	}

	patients, err := h.Store.ListPatients(r.Context(), f)
	if err != nil {
		h.fail(w, r, "Failed to list patients", err)
		return
	}

	dtos := make([]PatientDTO, len(patients))
	for i, p := range patients {
		dtos[i] = toPatientDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPatient returns a single patient.
func (h *Handler) GetPatient(w http.ResponseWriter, r *http.Request) {
	p, ok := h.loadPatient(w, r, clinic.PatientID(chi.URLParam(r, "id")))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toPatientDTO(*p))
}

// CreatePatient creates a patient and assigns the next code.
func (h *Handler) CreatePatient(w http.ResponseWriter, r *http.Request) {
	var req PatientRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, "Invalid request body", err)
		return
	}
	p, err := req.toPatient()
	if err != nil {
		h.fail(w, r, "Invalid patient", err)
		return
	}

	created, err := h.Store.CreatePatient(r.Context(), p)
	if err != nil {
		h.fail(w, r, "Failed to create patient", err)
		return
	}
	h.Logger.Info().Str("patient_id", string(created.ID)).Int64("code", created.Code).Msg("patient created")
	writeJSON(w, http.StatusCreated, toPatientDTO(created))
}

// UpdatePatient replaces the editable fields of a patient. The code never
// changes.
func (h *Handler) UpdatePatient(w http.ResponseWriter, r *http.Request) {
	current, ok := h.loadPatient(w, r, clinic.PatientID(chi.URLParam(r, "id")))
	if !ok {
		return
	}

	var req PatientRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, "Invalid request body", err)
		return
	}
	p, err := req.toPatient()
	if err != nil {
		h.fail(w, r, "Invalid patient", err)
		return
	}
	p.ID = current.ID
	p.Code = current.Code
	p.CreatedAt = current.CreatedAt
	if p.OpenedAt.IsZero() {
		p.OpenedAt = current.OpenedAt
	}
	if p.Status == "" {
		p.Status = current.Status
	}
	if p.BillingEntityType == "" {
		p.BillingEntityType = current.BillingEntityType
	}

	if err := h.Store.UpdatePatient(r.Context(), p); err != nil {
		h.fail(w, r, "Failed to update patient", err)
		return
	}
	updated, ok := h.loadPatient(w, r, p.ID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toPatientDTO(*updated))
}

// DeletePatient removes a patient with its conditions and sessions.
func (h *Handler) DeletePatient(w http.ResponseWriter, r *http.Request) {
	id := clinic.PatientID(chi.URLParam(r, "id"))
	if err := h.Store.DeletePatient(r.Context(), id); err != nil {
		h.fail(w, r, "Failed to delete patient", err)
		return
	}
	h.Logger.Info().Str("patient_id", string(id)).Msg("patient deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) loadPatient(w http.ResponseWriter, r *http.Request, id clinic.PatientID) (*clinic.Patient, bool) {
	p, err := h.Store.GetPatient(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to get patient", err)
		return nil, false
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "Patient not found", nil)
		return nil, false
	}
	return p, true
}

func (req PatientRequest) toPatient() (clinic.Patient, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := clinic.Validate(req); err != nil {
		return clinic.Patient{}, err
	}
	birth, err := parseOptionalDate("birth_date", req.BirthDate)
	if err != nil {
		return clinic.Patient{}, err
	}
	opened, err := parseOptionalDate("opened_at", req.OpenedAt)
	if err != nil {
		return clinic.Patient{}, err
	}

	p := clinic.Patient{
		Name:                 req.Name,
		BirthDate:            birth,
		Phone:                req.Phone,
		Email:                strings.TrimSpace(req.Email),
		Guardian1:            req.Guardian1.toGuardian(),
		Guardian2:            req.Guardian2.toGuardian(),
		BillingEntityType:    clinic.BillingEntityType(req.BillingEntityType),
		BillingEntityName:    req.BillingEntityName,
		BillingEntityAddress: req.BillingEntityAddress,
		Status:               clinic.PatientStatus(req.Status),
		Notes:                req.Notes,
	}
	if opened != nil {
		p.OpenedAt = *opened
	}
	return p, nil
}

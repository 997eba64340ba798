/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	clinic data for testing and demos. Each scenario creates articles,
	patients, commercial conditions and sessions that demonstrate specific
	features.

AVAILABLE SCENARIOS:

	demo-clinic:   One patient, one condition, a pending and a paid session
	price-change:  Mid-year price rise closing the earlier condition
	receipts:      Mixed payment and receipt states for the dashboard

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create articles
 3. Create patients (codes assigned by the store)
 4. Create conditions through the pricing ledger
 5. Create sessions priced by the ledger on their date

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "price-change"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler and store wiring
  - pricing/ledger.go: Condition writes
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sparkbloom/clinic-engine/clinic"
	"github.com/sparkbloom/clinic-engine/pricing"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "demo-clinic",
		Name:        "Demo Clinic",
		Description: "One patient with guardians, one condition, a pending session tomorrow and a paid one last week",
	},
	{
		ID:          "price-change",
		Name:        "Mid-Year Price Change",
		Description: "Condition replaced on July 1st; sessions before and after keep their own values",
	},
	{
		ID:          "receipts",
		Name:        "Receipts & Payments",
		Description: "Paid, unpaid, rejected and receipt-less sessions across three months",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, "Invalid request body", err)
		return
	}
	if err := clinic.Validate(req); err != nil {
		h.fail(w, r, "Invalid request body", err)
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "demo-clinic":
		load = h.loadDemoClinicScenario
	case "price-change":
		load = h.loadPriceChangeScenario
	case "receipts":
		load = h.loadReceiptsScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario",
			clinic.Invalid("scenario_id", "oneof=demo-clinic price-change receipts", "unknown scenario"))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		h.fail(w, r, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		h.fail(w, r, fmt.Sprintf("Failed to load scenario %s", req.ScenarioID), err)
		return
	}
	h.currentScenario = req.ScenarioID
	h.Logger.Info().Str("scenario", req.ScenarioID).Msg("scenario loaded")

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetScenario clears all data.
func (h *Handler) ResetScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		h.fail(w, r, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadDemoClinicScenario(ctx context.Context) error {
	now := clinic.Truncate(h.now())

	therapy, err := h.seedArticle(ctx, "STF001", "Speech Therapy Session")
	if err != nil {
		return err
	}
	if _, err := h.seedArticle(ctx, "AV001", "Initial Assessment"); err != nil {
		return err
	}

	birth := time.Date(2015, time.May, 15, 0, 0, 0, 0, time.UTC)
	p, err := h.Store.CreatePatient(ctx, clinic.Patient{
		Name:      "João Silva",
		BirthDate: &birth,
		Phone:     "912345678",
		Email:     "joao.silva@example.com",
		Guardian1: clinic.Guardian{
			Name:    "Carlos Silva",
			Phone:   "912345679",
			Email:   "carlos.silva@example.com",
			Address: "Rua Exemplo, 123, Lisboa",
		},
		Guardian2: clinic.Guardian{
			Name:    "Maria Silva",
			Phone:   "912345680",
			Email:   "maria.silva@example.com",
			Address: "Rua Exemplo, 123, Lisboa",
		},
		BillingEntityType: clinic.BillingOwn,
		Status:            clinic.PatientActive,
	})
	if err != nil {
		return err
	}

	// Starts before the paid session so both sessions price from it.
	if _, err := h.seedCondition(ctx, p.ID, &therapy, "50.00", "20.00", "30.00", "11", true, now.AddDate(0, 0, -30)); err != nil {
		return err
	}

	if _, err := h.seedSession(ctx, p.ID, &therapy, now.AddDate(0, 0, 1), nil); err != nil {
		return err
	}
	_, err = h.seedSession(ctx, p.ID, &therapy, now.AddDate(0, 0, -7), func(s *clinic.Session) {
		paid := now.AddDate(0, 0, -6)
		s.State = clinic.SessionConfirmed
		s.PaymentState = clinic.PaymentPaid
		s.PaidAt = &paid
		s.ReceiptNumber = strPtr("REC-001")
	})
	return err
}

func (h *Handler) loadPriceChangeScenario(ctx context.Context) error {
	year := h.now().UTC().Year()
	jan := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	jul := time.Date(year, time.July, 1, 0, 0, 0, 0, time.UTC)

	therapy, err := h.seedArticle(ctx, "STF001", "Speech Therapy Session")
	if err != nil {
		return err
	}
	p, err := h.Store.CreatePatient(ctx, clinic.Patient{
		Name:     "Ana Costa",
		Email:    "ana.costa@example.com",
		OpenedAt: jan,
	})
	if err != nil {
		return err
	}

	// The July condition closes the January one at June 30th 23:59:59.999.
	if _, err := h.seedCondition(ctx, p.ID, &therapy, "45.00", "18.00", "27.00", "11", true, jan); err != nil {
		return err
	}
	if _, err := h.seedCondition(ctx, p.ID, &therapy, "50.00", "20.00", "30.00", "11", true, jul); err != nil {
		return err
	}

	for _, at := range []time.Time{
		time.Date(year, time.June, 10, 10, 0, 0, 0, time.UTC),
		time.Date(year, time.June, 24, 10, 0, 0, 0, time.UTC),
		time.Date(year, time.July, 8, 10, 0, 0, 0, time.UTC),
		time.Date(year, time.July, 22, 10, 0, 0, 0, time.UTC),
	} {
		if _, err := h.seedSession(ctx, p.ID, &therapy, at, confirmed); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadReceiptsScenario(ctx context.Context) error {
	now := clinic.Truncate(h.now())
	start := now.AddDate(0, -4, 0)

	therapy, err := h.seedArticle(ctx, "STF001", "Speech Therapy Session")
	if err != nil {
		return err
	}

	own, err := h.Store.CreatePatient(ctx, clinic.Patient{
		Name:  "Beatriz Santos",
		Email: "beatriz.santos@example.com",
	})
	if err != nil {
		return err
	}
	school, err := h.Store.CreatePatient(ctx, clinic.Patient{
		Name:                 "Diogo Ferreira",
		BillingEntityType:    clinic.BillingClinic,
		BillingEntityName:    "Escola Básica do Lumiar",
		BillingEntityAddress: "Rua do Lumiar, 10, Lisboa",
	})
	if err != nil {
		return err
	}

	if _, err := h.seedCondition(ctx, own.ID, &therapy, "50.00", "20.00", "30.00", "11", true, start); err != nil {
		return err
	}
	// Billed to the school: no receipt, no retention.
	if _, err := h.seedCondition(ctx, school.ID, nil, "40.00", "15.00", "25.00", "0", false, start); err != nil {
		return err
	}

	paidWith := func(receipt string) func(*clinic.Session) {
		return func(s *clinic.Session) {
			confirmed(s)
			paid := s.ScheduledAt.Add(24 * time.Hour)
			s.PaymentState = clinic.PaymentPaid
			s.PaidAt = &paid
			if receipt != "" {
				s.ReceiptNumber = strPtr(receipt)
			}
		}
	}
	rejected := func(s *clinic.Session) {
		s.State = clinic.SessionRejected
		s.RejectionReason = strPtr("Patient ill")
	}

	seeds := []struct {
		patient clinic.PatientID
		article *clinic.ArticleID
		at      time.Time
		apply   func(*clinic.Session)
	}{
		{own.ID, &therapy, now.AddDate(0, -3, 0), paidWith("REC-101")},
		{own.ID, &therapy, now.AddDate(0, -3, 7), paidWith("REC-102")},
		{own.ID, &therapy, now.AddDate(0, -2, 0), paidWith("")},
		{own.ID, &therapy, now.AddDate(0, -2, 7), rejected},
		{own.ID, &therapy, now.AddDate(0, -1, 0), confirmed},
		{school.ID, nil, now.AddDate(0, -2, 3), paidWith("")},
		{school.ID, nil, now.AddDate(0, -1, 3), confirmed},
		{school.ID, nil, now.AddDate(0, 0, 2), nil},
	}
	for _, s := range seeds {
		if _, err := h.seedSession(ctx, s.patient, s.article, s.at, s.apply); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// SEED HELPERS
// =============================================================================

func confirmed(s *clinic.Session) {
	s.State = clinic.SessionConfirmed
}

func (h *Handler) seedArticle(ctx context.Context, code, name string) (clinic.ArticleID, error) {
	now := clinic.Truncate(h.now())
	a := clinic.Article{
		ID:        clinic.ArticleID(newID()),
		Code:      code,
		Name:      name,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.Store.SaveArticle(ctx, a); err != nil {
		return "", fmt.Errorf("seed article %s: %w", code, err)
	}
	return a.ID, nil
}

func (h *Handler) seedCondition(ctx context.Context, patientID clinic.PatientID, articleID *clinic.ArticleID, price, clinicShare, therapist, retention string, receipt bool, start time.Time) (clinic.Condition, error) {
	c, err := h.Ledger.Create(ctx, patientID, pricing.ConditionInput{
		ArticleID:       articleID,
		ClientPrice:     decimal.RequireFromString(price),
		ClinicShare:     decimal.RequireFromString(clinicShare),
		TherapistShare:  decimal.RequireFromString(therapist),
		Retention:       decimal.RequireFromString(retention),
		ReceiptRequired: receipt,
		Start:           start,
	})
	if err != nil {
		return clinic.Condition{}, fmt.Errorf("seed condition: %w", err)
	}
	return c, nil
}

// seedSession inserts a pending, unpaid session priced on its date; apply
// adjusts workflow fields before the insert.
func (h *Handler) seedSession(ctx context.Context, patientID clinic.PatientID, articleID *clinic.ArticleID, at time.Time, apply func(*clinic.Session)) (clinic.Session, error) {
	at = clinic.Truncate(at)
	values, err := h.Ledger.Price(ctx, patientID, articleID, at)
	if err != nil {
		return clinic.Session{}, fmt.Errorf("seed session at %s: %w", at.Format(time.RFC3339), err)
	}

	now := clinic.Truncate(h.now())
	s := clinic.Session{
		ID:           clinic.SessionID(newID()),
		PatientID:    patientID,
		ScheduledAt:  at,
		State:        clinic.SessionPending,
		PaymentState: clinic.PaymentUnpaid,
		Values:       values,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if apply != nil {
		apply(&s)
	}
	if err := h.Store.InsertSession(ctx, s); err != nil {
		return clinic.Session{}, fmt.Errorf("seed session: %w", err)
	}
	return s, nil
}

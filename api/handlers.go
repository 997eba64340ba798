/*
handlers.go - HTTP API handlers for the clinic engine

PURPOSE:
  Exposes the pricing ledger, the calendar reconciler and the confirmation
  workflow over REST. Handles HTTP request/response and JSON serialization,
  and delegates to domain logic.

ENDPOINTS:
  Patients:
    GET    /api/patients                         List (search, status)
    POST   /api/patients                         Create (assigns code)
    GET    /api/patients/{id}                    Get
    PUT    /api/patients/{id}                    Update (code immutable)
    DELETE /api/patients/{id}                    Delete (cascades)

  Conditions:
    GET    /api/patients/{id}/conditions         List, start descending
    POST   /api/patients/{id}/conditions         Create (closes predecessors)
    GET    /api/patients/{id}/conditions/{cid}   Get
    PUT    /api/patients/{id}/conditions/{cid}   Update
    DELETE /api/patients/{id}/conditions/{cid}   Delete

  Articles:
    GET/POST /api/articles, GET/PUT/DELETE /api/articles/{id}

  Sessions:
    GET    /api/sessions                         List with filters
    POST   /api/sessions                         Manual create, priced by ledger
    GET    /api/sessions/{id}                    Get
    PUT    /api/sessions/{id}                    Update state/payment/receipt

  Sync:
    POST   /api/sync                             Run the reconciler
    GET    /api/sync/runs                        Recorded runs

  Webhooks (?token= required):
    GET    /api/webhooks/sessions/{id}/confirm   Landing page for the emailed link
    POST   /api/webhooks/sessions/{id}/confirm   Magic-link confirm
    GET    /api/webhooks/sessions/{id}/reject    Landing page with reason form
    POST   /api/webhooks/sessions/{id}/reject    Magic-link reject (reason required)

  Reports:
    GET    /api/reports/dashboard                KPIs
    GET    /api/reports/export?format=csv|xlsx|pdf   Session export / report

  Scenarios (demo data, resets the database):
    GET /api/scenarios, GET /api/scenarios/current,
    POST /api/scenarios/load, POST /api/scenarios/reset

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors (fields listed), session already processed
  - 401: Invalid or expired magic link
  - 404: Resource not found
  - 409: Conflict (duplicate article code)
  - 422: No commercial condition in force for a manual session
  - 500: Internal errors (reported to Sentry)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scheduler.go: Periodic sync and email jobs
  - scenarios.go: Demo data sets
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sparkbloom/clinic-engine/clinic"
	"github.com/sparkbloom/clinic-engine/notify"
	"github.com/sparkbloom/clinic-engine/pricing"
	"github.com/sparkbloom/clinic-engine/reconcile"
	"github.com/sparkbloom/clinic-engine/report"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is everything the API persists. Both store/sqlite and store/memory
// satisfy it.
type Store interface {
	clinic.ConditionTxStore
	clinic.PatientStore
	clinic.ArticleStore
	clinic.SessionStore
	clinic.SyncRunStore
	Reset(ctx context.Context) error
}

// Syncer runs one reconciliation.
type Syncer interface {
	Run(ctx context.Context, req reconcile.Request) (reconcile.Summary, error)
}

// SyncDefaults fill in POST /api/sync requests that omit fields.
type SyncDefaults struct {
	CalendarIDs []string
	Strategy    reconcile.Strategy
	Window      time.Duration
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store         Store
	Ledger        *pricing.Ledger
	Sync          Syncer                // nil when the calendar is not configured
	Confirmations *notify.Confirmations // nil when email is not configured
	Reports       *report.Reporter
	Logger        zerolog.Logger
	SyncDefaults  SyncDefaults
	Location      *time.Location // for export dates
	Now           func() time.Time

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over store. Sync and Confirmations are left
// for the caller to wire.
func NewHandler(store Store, logger zerolog.Logger) *Handler {
	return &Handler{
		Store:   store,
		Ledger:  pricing.NewLedger(store),
		Reports: report.NewReporter(store, store),
		Logger:  logger,
		SyncDefaults: SyncDefaults{
			Strategy: reconcile.StrategySubject,
			Window:   30 * 24 * time.Hour,
		},
		Now: time.Now,
	}
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func newID() string { return uuid.NewString() }

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
		resp.Fields = fieldErrors(err)
	}
	writeJSON(w, status, resp)
}

// fail maps a domain error to its HTTP status. Server errors are logged and
// reported to Sentry.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg(message)
		captureError(r, err)
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, notify.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, clinic.ErrNoPricing):
		return http.StatusUnprocessableEntity
	case errors.Is(err, clinic.ErrValidation), errors.Is(err, clinic.ErrAlreadyProcessed):
		return http.StatusBadRequest
	case clinic.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, clinic.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func fieldErrors(err error) []FieldErrorDTO {
	var many clinic.ValidationErrors
	if errors.As(err, &many) {
		out := make([]FieldErrorDTO, len(many))
		for i, fe := range many {
			out[i] = FieldErrorDTO{Field: fe.Field, Constraint: fe.Constraint, Message: fe.Message}
		}
		return out
	}
	var one *clinic.ValidationError
	if errors.As(err, &one) {
		return []FieldErrorDTO{{Field: one.Field, Constraint: one.Constraint, Message: one.Message}}
	}
	return nil
}

func captureError(r *http.Request, err error) {
	hub := sentry.GetHubFromContext(r.Context())
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.CaptureException(err)
}

// decode reads a JSON body into v. Malformed bodies are validation errors.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return clinic.Invalid("body", "json", err.Error())
	}
	return nil
}

// =============================================================================
// TIME FORMATS
// =============================================================================

const (
	dateLayout      = "2006-01-02"
	timestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func formatTimestampPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTimestamp(*t)
	return &s
}

func formatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// parseInstant accepts RFC 3339 or a bare date (midnight UTC). With endOfDay
// a bare date means the last millisecond of that day.
func parseInstant(field, s string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, clinic.Invalid(field, "datetime", "must be RFC 3339 or YYYY-MM-DD")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return t, nil
}

func parseOptionalDate(field, s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, clinic.Invalid(field, "datetime="+dateLayout, "must be a date (YYYY-MM-DD)")
	}
	return &t, nil
}

func strPtr(s string) *string {
	return &s
}

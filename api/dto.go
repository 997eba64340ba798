/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Monetary fields are rendered as strings with two decimals ("26.70") so no
  client ever sees a float rounding artefact. Retention keeps its own scale.

VALIDATION:
  Request types carry `validate` tags checked with clinic.Validate before any
  store call. Errors name the json field.

SEE ALSO:
  - handlers.go: Uses these types
  - pricing/ledger.go: ConditionInput, used as the condition request body
*/
package api

import (
	"time"

	"github.com/sparkbloom/clinic-engine/clinic"
	"github.com/sparkbloom/clinic-engine/pricing"
	"github.com/sparkbloom/clinic-engine/reconcile"
	"github.com/sparkbloom/clinic-engine/report"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string          `json:"error"`
	Details string          `json:"details,omitempty"`
	Fields  []FieldErrorDTO `json:"fields,omitempty"`
}

// FieldErrorDTO names one invalid field and the constraint it broke.
type FieldErrorDTO struct {
	Field      string `json:"field"`
	Constraint string `json:"constraint"`
	Message    string `json:"message,omitempty"`
}

// =============================================================================
// PATIENTS
// =============================================================================

type GuardianDTO struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Email   string `json:"email" validate:"omitempty,email"`
	Address string `json:"address"`
}

// PatientDTO represents a patient in API responses.
type PatientDTO struct {
	ID                   string      `json:"id"`
	Code                 int64       `json:"code"`
	Name                 string      `json:"name"`
	BirthDate            *string     `json:"birth_date,omitempty"`
	Phone                string      `json:"phone"`
	Email                string      `json:"email"`
	Guardian1            GuardianDTO `json:"guardian1"`
	Guardian2            GuardianDTO `json:"guardian2"`
	BillingEntityType    string      `json:"billing_entity_type"`
	BillingEntityName    string      `json:"billing_entity_name"`
	BillingEntityAddress string      `json:"billing_entity_address"`
	Status               string      `json:"status"`
	OpenedAt             string      `json:"opened_at"`
	Notes                string      `json:"notes"`
	CreatedAt            string      `json:"created_at"`
	UpdatedAt            string      `json:"updated_at"`
}

// PatientRequest is the body of patient create and update.
type PatientRequest struct {
	Name                 string      `json:"name" validate:"required"`
	BirthDate            string      `json:"birth_date" validate:"omitempty,datetime=2006-01-02"`
	Phone                string      `json:"phone"`
	Email                string      `json:"email" validate:"omitempty,email"`
	Guardian1            GuardianDTO `json:"guardian1"`
	Guardian2            GuardianDTO `json:"guardian2"`
	BillingEntityType    string      `json:"billing_entity_type" validate:"omitempty,oneof=own clinic"`
	BillingEntityName    string      `json:"billing_entity_name"`
	BillingEntityAddress string      `json:"billing_entity_address"`
	Status               string      `json:"status" validate:"omitempty,oneof=active inactive"`
	OpenedAt             string      `json:"opened_at" validate:"omitempty,datetime=2006-01-02"`
	Notes                string      `json:"notes"`
}

func toGuardianDTO(g clinic.Guardian) GuardianDTO {
	return GuardianDTO{Name: g.Name, Phone: g.Phone, Email: g.Email, Address: g.Address}
}

func (g GuardianDTO) toGuardian() clinic.Guardian {
	return clinic.Guardian{Name: g.Name, Phone: g.Phone, Email: g.Email, Address: g.Address}
}

func toPatientDTO(p clinic.Patient) PatientDTO {
	dto := PatientDTO{
		ID:                   string(p.ID),
		Code:                 p.Code,
		Name:                 p.Name,
		Phone:                p.Phone,
		Email:                p.Email,
		Guardian1:            toGuardianDTO(p.Guardian1),
		Guardian2:            toGuardianDTO(p.Guardian2),
		BillingEntityType:    string(p.BillingEntityType),
		BillingEntityName:    p.BillingEntityName,
		BillingEntityAddress: p.BillingEntityAddress,
		Status:               string(p.Status),
		OpenedAt:             formatDate(p.OpenedAt),
		Notes:                p.Notes,
		CreatedAt:            formatTimestamp(p.CreatedAt),
		UpdatedAt:            formatTimestamp(p.UpdatedAt),
	}
	if p.BirthDate != nil {
		dto.BirthDate = strPtr(formatDate(*p.BirthDate))
	}
	return dto
}

// =============================================================================
// ARTICLES
// =============================================================================

// ArticleDTO represents an article in API responses.
type ArticleDTO struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// ArticleRequest is the body of article create and update.
type ArticleRequest struct {
	Code   string `json:"code" validate:"required"`
	Name   string `json:"name" validate:"required"`
	Active *bool  `json:"active"`
}

func toArticleDTO(a clinic.Article) ArticleDTO {
	return ArticleDTO{
		ID:        string(a.ID),
		Code:      a.Code,
		Name:      a.Name,
		Active:    a.Active,
		CreatedAt: formatTimestamp(a.CreatedAt),
		UpdatedAt: formatTimestamp(a.UpdatedAt),
	}
}

// =============================================================================
// CONDITIONS
// =============================================================================

// ConditionRequest is the body of condition create and update.
type ConditionRequest = pricing.ConditionInput

// ConditionDTO represents a commercial condition in API responses.
type ConditionDTO struct {
	ID              string  `json:"id"`
	PatientID       string  `json:"patient_id"`
	ArticleID       *string `json:"article_id"`
	ClientPrice     string  `json:"client_price"`
	ClinicShare     string  `json:"clinic_share"`
	TherapistShare  string  `json:"therapist_share"`
	Retention       string  `json:"retention"`
	Net             string  `json:"net"`
	ReceiptRequired bool    `json:"receipt_required"`
	Start           string  `json:"start"`
	End             *string `json:"end"`
	InForce         bool    `json:"in_force"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

func toConditionDTO(c clinic.Condition, now time.Time) ConditionDTO {
	dto := ConditionDTO{
		ID:              string(c.ID),
		PatientID:       string(c.PatientID),
		ClientPrice:     c.ClientPrice.StringFixed(2),
		ClinicShare:     c.ClinicShare.StringFixed(2),
		TherapistShare:  c.TherapistShare.StringFixed(2),
		Retention:       c.Retention.String(),
		Net:             c.Net.StringFixed(2),
		ReceiptRequired: c.ReceiptRequired,
		Start:           formatTimestamp(c.Range.Start),
		End:             formatTimestampPtr(c.Range.End),
		InForce:         c.Range.Covers(now),
		CreatedAt:       formatTimestamp(c.CreatedAt),
		UpdatedAt:       formatTimestamp(c.UpdatedAt),
	}
	if c.ArticleID != nil {
		dto.ArticleID = strPtr(string(*c.ArticleID))
	}
	return dto
}

// =============================================================================
// SESSIONS
// =============================================================================

// SessionDTO represents a session in API responses.
type SessionDTO struct {
	ID                 string  `json:"id"`
	PatientID          string  `json:"patient_id"`
	ScheduledAt        string  `json:"scheduled_at"`
	State              string  `json:"state"`
	PaymentState       string  `json:"payment_state"`
	PaidAt             *string `json:"paid_at"`
	ReceiptNumber      *string `json:"receipt_number"`
	RejectionReason    *string `json:"rejection_reason"`
	SessionValue       string  `json:"session_value"`
	TherapistValue     string  `json:"therapist_value"`
	Retention          string  `json:"retention"`
	NetValue           string  `json:"net_value"`
	ReceiptRequired    bool    `json:"receipt_required"`
	ExternalEventID    *string `json:"external_event_id"`
	ExternalCalendarID *string `json:"external_calendar_id"`
	ConfirmationSentAt *string `json:"confirmation_sent_at"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
}

// CreateSessionRequest is the body of a manual session.
type CreateSessionRequest struct {
	PatientID   string    `json:"patient_id" validate:"required"`
	ArticleID   *string   `json:"article_id"`
	ScheduledAt time.Time `json:"scheduled_at" validate:"required"`
}

// UpdateSessionRequest changes workflow fields only. Monetary snapshot
// fields are not accepted.
type UpdateSessionRequest struct {
	State           *string    `json:"state" validate:"omitempty,oneof=pending confirmed rejected"`
	PaymentState    *string    `json:"payment_state" validate:"omitempty,oneof=paid unpaid"`
	PaidAt          *time.Time `json:"paid_at"`
	ReceiptNumber   *string    `json:"receipt_number"`
	RejectionReason *string    `json:"rejection_reason"`
}

func toSessionDTO(s clinic.Session) SessionDTO {
	dto := SessionDTO{
		ID:                 string(s.ID),
		PatientID:          string(s.PatientID),
		ScheduledAt:        formatTimestamp(s.ScheduledAt),
		State:              string(s.State),
		PaymentState:       string(s.PaymentState),
		PaidAt:             formatTimestampPtr(s.PaidAt),
		ReceiptNumber:      s.ReceiptNumber,
		RejectionReason:    s.RejectionReason,
		SessionValue:       s.Values.SessionValue.StringFixed(2),
		TherapistValue:     s.Values.TherapistValue.StringFixed(2),
		Retention:          s.Values.Retention.String(),
		NetValue:           s.Values.NetValue.StringFixed(2),
		ReceiptRequired:    s.Values.ReceiptRequired,
		ConfirmationSentAt: formatTimestampPtr(s.ConfirmationSentAt),
		CreatedAt:          formatTimestamp(s.CreatedAt),
		UpdatedAt:          formatTimestamp(s.UpdatedAt),
	}
	if s.External != nil {
		dto.ExternalEventID = strPtr(s.External.EventID)
		dto.ExternalCalendarID = strPtr(s.External.CalendarID)
	}
	return dto
}

// =============================================================================
// SYNC
// =============================================================================

// SyncRequest is the body of POST /api/sync. Omitted fields take the
// server defaults.
type SyncRequest struct {
	CalendarIDs []string   `json:"calendar_ids"`
	From        *time.Time `json:"from"`
	To          *time.Time `json:"to"`
	Strategy    string     `json:"strategy"`
}

// SyncResponse reports the counters of one run.
type SyncResponse = reconcile.Summary

// SyncRunDTO represents a recorded reconciler run.
type SyncRunDTO struct {
	ID          string   `json:"id"`
	Trigger     string   `json:"trigger"`
	Strategy    string   `json:"strategy"`
	CalendarIDs []string `json:"calendar_ids"`
	From        string   `json:"from"`
	To          string   `json:"to"`
	Status      string   `json:"status"`
	Created     int      `json:"created"`
	Updated     int      `json:"updated"`
	Skipped     int      `json:"skipped"`
	Errors      int      `json:"errors"`
	Error       string   `json:"error,omitempty"`
	StartedAt   string   `json:"started_at"`
	CompletedAt *string  `json:"completed_at"`
}

func toSyncRunDTO(r clinic.SyncRun) SyncRunDTO {
	return SyncRunDTO{
		ID:          r.ID,
		Trigger:     r.Trigger,
		Strategy:    r.Strategy,
		CalendarIDs: r.CalendarIDs,
		From:        formatTimestamp(r.From),
		To:          formatTimestamp(r.To),
		Status:      string(r.Status),
		Created:     r.Created,
		Updated:     r.Updated,
		Skipped:     r.Skipped,
		Errors:      r.Errors,
		Error:       r.Error,
		StartedAt:   formatTimestamp(r.StartedAt),
		CompletedAt: formatTimestampPtr(r.CompletedAt),
	}
}

// =============================================================================
// WEBHOOKS
// =============================================================================

// RejectRequest is the body of the reject webhook.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// =============================================================================
// REPORTS
// =============================================================================

// ReportRowDTO is one session line of the dashboard.
type ReportRowDTO struct {
	SessionID     string  `json:"session_id"`
	ScheduledAt   string  `json:"scheduled_at"`
	PatientName   string  `json:"patient_name"`
	State         string  `json:"state"`
	Value         string  `json:"value"`
	PaymentState  string  `json:"payment_state"`
	ReceiptNumber *string `json:"receipt_number"`
}

// DashboardDTO carries the dashboard KPIs.
type DashboardDTO struct {
	TotalSessions      int            `json:"total_sessions"`
	TotalValue         string         `json:"total_value"`
	UnpaidValue        string         `json:"unpaid_value"`
	PaidWithoutReceipt int            `json:"paid_without_receipt"`
	SessionsPerMonth   map[string]int `json:"sessions_per_month"`
	Sessions           []ReportRowDTO `json:"sessions"`
}

func toDashboardDTO(d report.Dashboard) DashboardDTO {
	rows := make([]ReportRowDTO, len(d.Rows))
	for i, r := range d.Rows {
		rows[i] = ReportRowDTO{
			SessionID:    string(r.SessionID),
			ScheduledAt:  formatTimestamp(r.ScheduledAt),
			PatientName:  r.PatientName,
			State:        string(r.State),
			Value:        r.Value.StringFixed(2),
			PaymentState: string(r.PaymentState),
		}
		if r.ReceiptNumber != "" {
			rows[i].ReceiptNumber = strPtr(r.ReceiptNumber)
		}
	}
	return DashboardDTO{
		TotalSessions:      d.TotalSessions,
		TotalValue:         d.TotalValue.StringFixed(2),
		UnpaidValue:        d.UnpaidValue.StringFixed(2),
		PaidWithoutReceipt: d.PaidWithoutReceipt,
		SessionsPerMonth:   d.SessionsPerMonth,
		Sessions:           rows,
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects the scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

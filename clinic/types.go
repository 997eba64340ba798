/*
Package clinic provides the core domain model of the clinic engine.

PURPOSE:
  This package holds the types shared by every other package: patients
  ("utentes"), billable articles, commercial conditions and therapy sessions,
  plus the error taxonomy and the store interfaces. It has no knowledge of
  SQLite, HTTP or the calendar provider.

KEY CONCEPTS IN THIS FILE (types.go):
  - Patient:   identity root, owns conditions and sessions
  - Article:   catalog entry referenced by conditions
  - Condition: pricing agreement with an effective range
  - Session:   one appointment with a point-in-time monetary snapshot
  - Values:    the monetary snapshot copied onto a session

DESIGN PRINCIPLES:
  1. Precision: all money uses decimal.Decimal, never float64
  2. Snapshots: session values are copied at creation and never recomputed
  3. Type Safety: distinct ID types so a PatientID never becomes an ArticleID

SEE ALSO:
  - period.go: EffectiveRange (condition validity)
  - errors.go: Error taxonomy
  - store.go: Persistence interfaces
*/
package clinic

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PatientID string
type ArticleID string
type ConditionID string
type SessionID string

// =============================================================================
// PATIENT
// =============================================================================

type PatientStatus string

const (
	PatientActive   PatientStatus = "active"
	PatientInactive PatientStatus = "inactive"
)

type BillingEntityType string

const (
	BillingOwn    BillingEntityType = "own"
	BillingClinic BillingEntityType = "clinic"
)

// Guardian holds the contact details of a parent or legal guardian.
type Guardian struct {
	Name    string
	Phone   string
	Email   string
	Address string
}

// Patient is the identity root. Code is sequential, assigned once at creation
// and never reused, even after the patient is deleted.
type Patient struct {
	ID        PatientID
	Code      int64
	Name      string
	BirthDate *time.Time
	Phone     string
	Email     string
	Guardian1 Guardian
	Guardian2 Guardian

	BillingEntityType    BillingEntityType
	BillingEntityName    string
	BillingEntityAddress string

	Status    PatientStatus
	OpenedAt  time.Time
	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Emails returns the patient's own and guardian emails, skipping blanks.
func (p Patient) Emails() []string {
	var out []string
	for _, e := range []string{p.Email, p.Guardian1.Email, p.Guardian2.Email} {
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

// =============================================================================
// ARTICLE
// =============================================================================

// Article is a billable catalog entry. Once referenced by a condition it is
// deactivated rather than deleted.
type Article struct {
	ID        ArticleID
	Code      string
	Name      string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// COMMERCIAL CONDITION
// =============================================================================

// Terms are the monetary fields of a commercial condition.
type Terms struct {
	ClientPrice     decimal.Decimal
	ClinicShare     decimal.Decimal
	TherapistShare  decimal.Decimal
	Retention       decimal.Decimal // percentage in [0,100]
	ReceiptRequired bool
}

// Condition is a pricing agreement for a patient and, optionally, one article.
// Net is derived from TherapistShare and Retention when the condition is
// written; it is stored so readers never recompute it.
type Condition struct {
	ID        ConditionID
	PatientID PatientID
	ArticleID *ArticleID
	Terms
	Net       decimal.Decimal
	Range     EffectiveRange
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SamePair reports whether two conditions share (patient, article).
func (c Condition) SamePair(patientID PatientID, articleID *ArticleID) bool {
	return c.PatientID == patientID && SameArticle(c.ArticleID, articleID)
}

// SameArticle compares two optional article ids. Two nil ids are equal.
func SameArticle(a, b *ArticleID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// =============================================================================
// SESSION
// =============================================================================

type SessionState string

const (
	SessionPending   SessionState = "pending"
	SessionConfirmed SessionState = "confirmed"
	SessionRejected  SessionState = "rejected"
)

type PaymentState string

const (
	PaymentPaid   PaymentState = "paid"
	PaymentUnpaid PaymentState = "unpaid"
)

// Values is the monetary snapshot copied onto a session from the condition in
// force on the session date.
type Values struct {
	SessionValue    decimal.Decimal
	TherapistValue  decimal.Decimal
	Retention       decimal.Decimal
	NetValue        decimal.Decimal
	ReceiptRequired bool
}

// ExternalLink ties a session to the calendar event it was created from.
type ExternalLink struct {
	EventID    string
	CalendarID string
}

// Session is one therapy appointment.
type Session struct {
	ID                 SessionID
	PatientID          PatientID
	ScheduledAt        time.Time
	State              SessionState
	PaymentState       PaymentState
	PaidAt             *time.Time
	ReceiptNumber      *string
	RejectionReason    *string
	Values             Values
	External           *ExternalLink
	ConfirmationSentAt *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsProcessed reports whether the session already left the pending state.
func (s Session) IsProcessed() bool {
	return s.State == SessionConfirmed || s.State == SessionRejected
}

// MissingReceipt reports a paid session that requires a receipt but has none.
func (s Session) MissingReceipt() bool {
	return s.Values.ReceiptRequired && s.PaymentState == PaymentPaid &&
		(s.ReceiptNumber == nil || *s.ReceiptNumber == "")
}

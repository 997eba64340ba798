/*
store.go - Persistence interfaces

PURPOSE:
  Defines the boundary between domain logic and the database. The pricing
  ledger, reconciler, notifier and API depend on these interfaces; the
  SQLite and in-memory stores implement them.

KEY INTERFACES:
  ConditionStore:   commercial condition reads/writes
  ConditionTxStore: ConditionStore + WithTx (atomic close-and-insert)
  SessionStore:     sessions incl. atomic upsert by external event
  PatientStore:     patients incl. sequential code assignment
  ArticleStore:     billable articles
  SyncRunStore:     reconciliation run records

ATOMICITY:
  WithTx runs fn against a store bound to one database transaction. If fn
  returns an error nothing persists. The pricing ledger relies on this so a
  reader never observes two open conditions for the same pair, or none,
  while a successor is being written.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: production
  - store/memory/memory.go: unit tests

SEE ALSO:
  - pricing/ledger.go: ConditionTxStore consumer
  - reconcile/reconciler.go: SessionStore/PatientStore consumer
*/
package clinic

import (
	"context"
	"time"
)

// =============================================================================
// CONDITIONS
// =============================================================================

// ConditionStore persists commercial conditions.
type ConditionStore interface {
	// ListConditionsForPair returns every condition for (patient, article),
	// ordered by start ascending. A nil article selects the article-less pair.
	ListConditionsForPair(ctx context.Context, patientID PatientID, articleID *ArticleID) ([]Condition, error)

	// ListConditions returns every condition of a patient, start descending.
	ListConditions(ctx context.Context, patientID PatientID) ([]Condition, error)

	// GetCondition returns nil, nil when the condition does not exist.
	GetCondition(ctx context.Context, id ConditionID) (*Condition, error)

	InsertCondition(ctx context.Context, c Condition) error
	UpdateCondition(ctx context.Context, c Condition) error

	// CloseCondition sets the end of an existing condition.
	CloseCondition(ctx context.Context, id ConditionID, end time.Time) error

	DeleteCondition(ctx context.Context, id ConditionID) error
}

// ConditionTxStore wraps ConditionStore with transaction support.
type ConditionTxStore interface {
	ConditionStore

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	WithTx(ctx context.Context, fn func(ConditionStore) error) error
}

// =============================================================================
// SESSIONS
// =============================================================================

// SessionFilter narrows session listings. Zero values mean "any".
type SessionFilter struct {
	PatientID     *PatientID
	State         *SessionState
	PaymentState  *PaymentState
	ReceiptStatus ReceiptStatus
	From          *time.Time
	To            *time.Time
}

// ReceiptStatus filters sessions by receipt situation.
type ReceiptStatus string

const (
	ReceiptAny           ReceiptStatus = ""
	ReceiptIssued        ReceiptStatus = "with_receipt"
	ReceiptMissing       ReceiptStatus = "without_receipt"
	ReceiptNotApplicable ReceiptStatus = "not_applicable"
)

// Match reports whether a session satisfies the filter.
func (f SessionFilter) Match(s Session) bool {
	if f.PatientID != nil && s.PatientID != *f.PatientID {
		return false
	}
	if f.State != nil && s.State != *f.State {
		return false
	}
	if f.PaymentState != nil && s.PaymentState != *f.PaymentState {
		return false
	}
	if f.From != nil && s.ScheduledAt.Before(*f.From) {
		return false
	}
	if f.To != nil && s.ScheduledAt.After(*f.To) {
		return false
	}
	hasReceipt := s.ReceiptNumber != nil && *s.ReceiptNumber != ""
	switch f.ReceiptStatus {
	case ReceiptIssued:
		return s.Values.ReceiptRequired && hasReceipt
	case ReceiptMissing:
		return s.Values.ReceiptRequired && !hasReceipt
	case ReceiptNotApplicable:
		return !s.Values.ReceiptRequired
	}
	return true
}

// SessionStore persists sessions.
type SessionStore interface {
	InsertSession(ctx context.Context, s Session) error

	// UpdateSession writes the staff-editable fields of s: state, payment
	// state, paid date, receipt number, rejection reason and updated_at. The
	// date, the monetary snapshot and the confirmation stamp belong to the
	// reconciler and the email job and are left as stored.
	UpdateSession(ctx context.Context, s Session) error

	// TransitionSession moves a pending session to state in one guarded
	// write. It returns ErrAlreadyProcessed when the session is no longer
	// pending and a NotFoundError when it does not exist.
	TransitionSession(ctx context.Context, id SessionID, state SessionState, reason *string, at time.Time) error

	GetSession(ctx context.Context, id SessionID) (*Session, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]Session, error)

	// UpsertSessionFromEvent inserts s, or, when a session already carries the
	// same external (event, calendar) link, updates that session's date and
	// values. A pending session whose date moves loses its confirmation
	// stamp so the email job notifies it again. It is a single atomic write keyed on the unique link, so two
	// concurrent runs never produce duplicates. Returns the stored session id
	// and whether a new row was created.
	UpsertSessionFromEvent(ctx context.Context, s Session) (SessionID, bool, error)

	// ListSessionsAwaitingConfirmation returns pending sessions scheduled in
	// [from, to] whose confirmation email was not sent yet.
	ListSessionsAwaitingConfirmation(ctx context.Context, from, to time.Time) ([]Session, error)

	MarkConfirmationSent(ctx context.Context, id SessionID, at time.Time) error
}

// =============================================================================
// PATIENTS & ARTICLES
// =============================================================================

// PatientFilter narrows patient listings.
type PatientFilter struct {
	Search string
	Status *PatientStatus
}

// PatientStore persists patients. CreatePatient assigns ID-independent
// sequential codes and returns the stored record.
type PatientStore interface {
	CreatePatient(ctx context.Context, p Patient) (Patient, error)
	UpdatePatient(ctx context.Context, p Patient) error
	GetPatient(ctx context.Context, id PatientID) (*Patient, error)
	ListPatients(ctx context.Context, f PatientFilter) ([]Patient, error)

	// ListActivePatients returns active patients ordered by code.
	ListActivePatients(ctx context.Context) ([]Patient, error)

	// DeletePatient removes the patient together with its conditions and
	// sessions.
	DeletePatient(ctx context.Context, id PatientID) error
}

// ArticleStore persists billable articles.
type ArticleStore interface {
	SaveArticle(ctx context.Context, a Article) error
	GetArticle(ctx context.Context, id ArticleID) (*Article, error)
	ListArticles(ctx context.Context, active *bool) ([]Article, error)
	CountConditionsForArticle(ctx context.Context, id ArticleID) (int, error)
	DeleteArticle(ctx context.Context, id ArticleID) error
}

// =============================================================================
// SYNC RUNS - Audit of reconciler invocations
// =============================================================================

type SyncRunStatus string

const (
	SyncRunning   SyncRunStatus = "running"
	SyncCompleted SyncRunStatus = "completed"
	SyncFailed    SyncRunStatus = "failed"
)

// SyncRun records one reconciler invocation.
type SyncRun struct {
	ID          string
	Trigger     string // "manual", "scheduled", "cli"
	Strategy    string
	CalendarIDs []string
	From        time.Time
	To          time.Time
	Status      SyncRunStatus
	Created     int
	Updated     int
	Skipped     int
	Errors      int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// SyncRunStore persists sync runs.
type SyncRunStore interface {
	SaveSyncRun(ctx context.Context, run SyncRun) error
	ListSyncRuns(ctx context.Context, limit int) ([]SyncRun, error)
}

/*
Package sqlite provides a SQLite-backed implementation of the clinic stores.

PURPOSE:
  Implements every persistence interface of package clinic using SQLite.

INTERFACES IMPLEMENTED:
  clinic.ConditionTxStore: Commercial conditions + atomic close-and-insert
  clinic.SessionStore:     Sessions incl. upsert by external event
  clinic.PatientStore:     Patients with sequential codes
  clinic.ArticleStore:     Billable articles
  clinic.SyncRunStore:     Reconciler run audit

KEY TABLES:
  patients:    Identity root, code assigned from the sequences table
  sequences:   Monotonic counters; codes are never reused
  articles:    Catalog, code unique
  conditions:  Effective-dated pricing, cascades with patient
  sessions:    Appointments, UNIQUE(external_event_id, external_calendar_id)
  sync_runs:   One row per reconciler invocation

TIMESTAMPS:
  Stored as fixed-width UTC text with millisecond precision
  ("2006-01-02T15:04:05.000Z") so lexical order equals time order.

MONEY:
  Stored as decimal text and parsed back with shopspring/decimal.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single open connection, so
  ":memory:" databases are shared by every query. Queries issued inside
  WithTx go through the transaction.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) and foreign keys on.

USAGE:
  store, err := sqlite.New("./data/clinic.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := pricing.NewLedger(store)

SEE ALSO:
  - clinic/store.go: Interface definitions
  - store/memory/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/sparkbloom/clinic-engine/clinic"
)

// TimeLayout is the on-disk timestamp format.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the database schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	-- Patients
	CREATE TABLE IF NOT EXISTS patients (
		id TEXT PRIMARY KEY,
		code INTEGER NOT NULL UNIQUE,
		name TEXT NOT NULL,
		birth_date TEXT,
		phone TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		guardian1_name TEXT NOT NULL DEFAULT '',
		guardian1_phone TEXT NOT NULL DEFAULT '',
		guardian1_email TEXT NOT NULL DEFAULT '',
		guardian1_address TEXT NOT NULL DEFAULT '',
		guardian2_name TEXT NOT NULL DEFAULT '',
		guardian2_phone TEXT NOT NULL DEFAULT '',
		guardian2_email TEXT NOT NULL DEFAULT '',
		guardian2_address TEXT NOT NULL DEFAULT '',
		billing_entity_type TEXT NOT NULL DEFAULT 'own',
		billing_entity_name TEXT NOT NULL DEFAULT '',
		billing_entity_address TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		opened_at TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_patients_status
		ON patients(status, code);

	-- Monotonic counters (patient codes are never reused)
	CREATE TABLE IF NOT EXISTS sequences (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	-- Articles
	CREATE TABLE IF NOT EXISTS articles (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Commercial conditions
	CREATE TABLE IF NOT EXISTS conditions (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL REFERENCES patients(id) ON DELETE CASCADE,
		article_id TEXT REFERENCES articles(id),
		client_price TEXT NOT NULL,
		clinic_share TEXT NOT NULL,
		therapist_share TEXT NOT NULL,
		retention TEXT NOT NULL,
		net_value TEXT NOT NULL,
		receipt_required BOOLEAN NOT NULL DEFAULT FALSE,
		start_at TEXT NOT NULL,
		end_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Hot path: findEffective and closing by (patient, article)
	CREATE INDEX IF NOT EXISTS idx_conditions_pair_start
		ON conditions(patient_id, article_id, start_at);

	-- Sessions
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL REFERENCES patients(id) ON DELETE CASCADE,
		scheduled_at TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		payment_state TEXT NOT NULL DEFAULT 'unpaid',
		paid_at TEXT,
		receipt_number TEXT,
		rejection_reason TEXT,
		session_value TEXT NOT NULL,
		therapist_value TEXT NOT NULL,
		retention TEXT NOT NULL,
		net_value TEXT NOT NULL,
		receipt_required BOOLEAN NOT NULL DEFAULT FALSE,
		external_event_id TEXT,
		external_calendar_id TEXT,
		confirmation_sent_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(external_event_id, external_calendar_id)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_patient_date
		ON sessions(patient_id, scheduled_at DESC);
	CREATE INDEX IF NOT EXISTS idx_sessions_state_date
		ON sessions(state, scheduled_at);

	-- Reconciler runs
	CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT PRIMARY KEY,
		trigger_source TEXT NOT NULL,
		strategy TEXT NOT NULL,
		calendar_ids_json TEXT NOT NULL,
		window_from TEXT NOT NULL,
		window_to TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		created_count INTEGER NOT NULL DEFAULT 0,
		updated_count INTEGER NOT NULL DEFAULT 0,
		skipped_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sync_runs_started
		ON sync_runs(started_at DESC);
	`

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// CONDITION STORE (clinic.ConditionStore interface)
// =============================================================================

const conditionColumns = `id, patient_id, article_id, client_price, clinic_share, therapist_share,
	retention, net_value, receipt_required, start_at, end_at, created_at, updated_at`

// conditions implements clinic.ConditionStore over any querier, so the same
// code runs inside and outside a transaction.
type conditions struct{ q querier }

func (c conditions) ListConditionsForPair(ctx context.Context, patientID clinic.PatientID, articleID *clinic.ArticleID) ([]clinic.Condition, error) {
	if articleID == nil {
		return c.query(ctx, `SELECT `+conditionColumns+` FROM conditions
			WHERE patient_id = ? AND article_id IS NULL ORDER BY start_at ASC`, patientID)
	}
	return c.query(ctx, `SELECT `+conditionColumns+` FROM conditions
		WHERE patient_id = ? AND article_id = ? ORDER BY start_at ASC`, patientID, *articleID)
}

func (c conditions) ListConditions(ctx context.Context, patientID clinic.PatientID) ([]clinic.Condition, error) {
	return c.query(ctx, `SELECT `+conditionColumns+` FROM conditions
		WHERE patient_id = ? ORDER BY start_at DESC`, patientID)
}

func (c conditions) GetCondition(ctx context.Context, id clinic.ConditionID) (*clinic.Condition, error) {
	list, err := c.query(ctx, `SELECT `+conditionColumns+` FROM conditions WHERE id = ?`, id)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (c conditions) InsertCondition(ctx context.Context, cond clinic.Condition) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO conditions (`+conditionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cond.ID,
		cond.PatientID,
		nullArticle(cond.ArticleID),
		cond.ClientPrice.String(),
		cond.ClinicShare.String(),
		cond.TherapistShare.String(),
		cond.Retention.String(),
		cond.Net.String(),
		cond.ReceiptRequired,
		formatTime(cond.Range.Start),
		nullTime(cond.Range.End),
		formatTime(cond.CreatedAt),
		formatTime(cond.UpdatedAt),
	)
	if err != nil {
		return classify(err, "condition", string(cond.ID))
	}
	return nil
}

func (c conditions) UpdateCondition(ctx context.Context, cond clinic.Condition) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE conditions SET article_id = ?, client_price = ?, clinic_share = ?,
			therapist_share = ?, retention = ?, net_value = ?, receipt_required = ?,
			start_at = ?, end_at = ?, updated_at = ?
		WHERE id = ?`,
		nullArticle(cond.ArticleID),
		cond.ClientPrice.String(),
		cond.ClinicShare.String(),
		cond.TherapistShare.String(),
		cond.Retention.String(),
		cond.Net.String(),
		cond.ReceiptRequired,
		formatTime(cond.Range.Start),
		nullTime(cond.Range.End),
		formatTime(cond.UpdatedAt),
		cond.ID,
	)
	if err != nil {
		return classify(err, "condition", string(cond.ID))
	}
	return requireRow(res, "condition", string(cond.ID))
}

func (c conditions) CloseCondition(ctx context.Context, id clinic.ConditionID, end time.Time) error {
	res, err := c.q.ExecContext(ctx, `UPDATE conditions SET end_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(end), formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res, "condition", string(id))
}

func (c conditions) DeleteCondition(ctx context.Context, id clinic.ConditionID) error {
	_, err := c.q.ExecContext(ctx, `DELETE FROM conditions WHERE id = ?`, id)
	return err
}

func (c conditions) query(ctx context.Context, query string, args ...any) ([]clinic.Condition, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []clinic.Condition
	for rows.Next() {
		var (
			cond                                    clinic.Condition
			articleID, endAt                        sql.NullString
			price, clinicShare, therapist, ret, net string
			startAt, createdAt, updatedAt           string
		)
		if err := rows.Scan(&cond.ID, &cond.PatientID, &articleID, &price, &clinicShare, &therapist,
			&ret, &net, &cond.ReceiptRequired, &startAt, &endAt, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if articleID.Valid {
			a := clinic.ArticleID(articleID.String)
			cond.ArticleID = &a
		}
		cond.ClientPrice = parseDecimal(price)
		cond.ClinicShare = parseDecimal(clinicShare)
		cond.TherapistShare = parseDecimal(therapist)
		cond.Retention = parseDecimal(ret)
		cond.Net = parseDecimal(net)
		cond.Range = clinic.EffectiveRange{Start: parseTime(startAt), End: parseNullTime(endAt)}
		cond.CreatedAt = parseTime(createdAt)
		cond.UpdatedAt = parseTime(updatedAt)
		out = append(out, cond)
	}
	return out, rows.Err()
}

func (s *Store) ListConditionsForPair(ctx context.Context, patientID clinic.PatientID, articleID *clinic.ArticleID) ([]clinic.Condition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conditions{s.db}.ListConditionsForPair(ctx, patientID, articleID)
}

func (s *Store) ListConditions(ctx context.Context, patientID clinic.PatientID) ([]clinic.Condition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conditions{s.db}.ListConditions(ctx, patientID)
}

func (s *Store) GetCondition(ctx context.Context, id clinic.ConditionID) (*clinic.Condition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conditions{s.db}.GetCondition(ctx, id)
}

func (s *Store) InsertCondition(ctx context.Context, c clinic.Condition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return conditions{s.db}.InsertCondition(ctx, c)
}

func (s *Store) UpdateCondition(ctx context.Context, c clinic.Condition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return conditions{s.db}.UpdateCondition(ctx, c)
}

func (s *Store) CloseCondition(ctx context.Context, id clinic.ConditionID, end time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return conditions{s.db}.CloseCondition(ctx, id, end)
}

func (s *Store) DeleteCondition(ctx context.Context, id clinic.ConditionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return conditions{s.db}.DeleteCondition(ctx, id)
}

// =============================================================================
// TRANSACTIONAL STORE (clinic.ConditionTxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store clinic.ConditionStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(conditions{sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// PATIENT STORE
// =============================================================================

const patientColumns = `id, code, name, birth_date, phone, email,
	guardian1_name, guardian1_phone, guardian1_email, guardian1_address,
	guardian2_name, guardian2_phone, guardian2_email, guardian2_address,
	billing_entity_type, billing_entity_name, billing_entity_address,
	status, opened_at, notes, created_at, updated_at`

// CreatePatient assigns the next code from the sequence and inserts p.
func (s *Store) CreatePatient(ctx context.Context, p clinic.Patient) (clinic.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return clinic.Patient{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO sequences (name, value) VALUES ('patient_code', 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value`).Scan(&p.Code)
	if err != nil {
		return clinic.Patient{}, fmt.Errorf("failed to allocate patient code: %w", err)
	}

	if p.ID == "" {
		p.ID = clinic.PatientID(uuid.NewString())
	}
	now := clinic.Truncate(time.Now())
	p.CreatedAt, p.UpdatedAt = now, now
	if p.OpenedAt.IsZero() {
		p.OpenedAt = now
	}
	if p.Status == "" {
		p.Status = clinic.PatientActive
	}
	if p.BillingEntityType == "" {
		p.BillingEntityType = clinic.BillingOwn
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO patients (`+patientColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		patientArgs(p)...)
	if err != nil {
		return clinic.Patient{}, classify(err, "patient", string(p.ID))
	}
	if err := tx.Commit(); err != nil {
		return clinic.Patient{}, err
	}
	return p, nil
}

func patientArgs(p clinic.Patient) []any {
	return []any{
		p.ID, p.Code, p.Name, nullTime(p.BirthDate), p.Phone, p.Email,
		p.Guardian1.Name, p.Guardian1.Phone, p.Guardian1.Email, p.Guardian1.Address,
		p.Guardian2.Name, p.Guardian2.Phone, p.Guardian2.Email, p.Guardian2.Address,
		p.BillingEntityType, p.BillingEntityName, p.BillingEntityAddress,
		p.Status, formatTime(p.OpenedAt), p.Notes, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	}
}

// UpdatePatient rewrites the editable fields. Code and created_at are kept.
func (s *Store) UpdatePatient(ctx context.Context, p clinic.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE patients SET name = ?, birth_date = ?, phone = ?, email = ?,
			guardian1_name = ?, guardian1_phone = ?, guardian1_email = ?, guardian1_address = ?,
			guardian2_name = ?, guardian2_phone = ?, guardian2_email = ?, guardian2_address = ?,
			billing_entity_type = ?, billing_entity_name = ?, billing_entity_address = ?,
			status = ?, opened_at = ?, notes = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, nullTime(p.BirthDate), p.Phone, p.Email,
		p.Guardian1.Name, p.Guardian1.Phone, p.Guardian1.Email, p.Guardian1.Address,
		p.Guardian2.Name, p.Guardian2.Phone, p.Guardian2.Email, p.Guardian2.Address,
		p.BillingEntityType, p.BillingEntityName, p.BillingEntityAddress,
		p.Status, formatTime(p.OpenedAt), p.Notes, formatTime(time.Now()),
		p.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(res, "patient", string(p.ID))
}

func (s *Store) GetPatient(ctx context.Context, id clinic.PatientID) (*clinic.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list, err := s.queryPatients(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = ?`, id)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (s *Store) ListPatients(ctx context.Context, f clinic.PatientFilter) ([]clinic.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + patientColumns + ` FROM patients WHERE 1=1`
	var args []any
	if f.Status != nil {
		query += ` AND status = ?`
		args = append(args, *f.Status)
	}
	if f.Search != "" {
		like := "%" + strings.ToLower(f.Search) + "%"
		query += ` AND (LOWER(name) LIKE ? OR LOWER(email) LIKE ? OR phone LIKE ? OR CAST(code AS TEXT) = ?)`
		args = append(args, like, like, like, f.Search)
	}
	query += ` ORDER BY name ASC`
	return s.queryPatients(ctx, query, args...)
}

func (s *Store) ListActivePatients(ctx context.Context) ([]clinic.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryPatients(ctx, `SELECT `+patientColumns+` FROM patients
		WHERE status = ? ORDER BY code ASC`, clinic.PatientActive)
}

// DeletePatient removes the patient; conditions and sessions cascade.
func (s *Store) DeletePatient(ctx context.Context, id clinic.PatientID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM patients WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, "patient", string(id))
}

func (s *Store) queryPatients(ctx context.Context, query string, args ...any) ([]clinic.Patient, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []clinic.Patient
	for rows.Next() {
		var (
			p                              clinic.Patient
			birth                          sql.NullString
			openedAt, createdAt, updatedAt string
		)
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &birth, &p.Phone, &p.Email,
			&p.Guardian1.Name, &p.Guardian1.Phone, &p.Guardian1.Email, &p.Guardian1.Address,
			&p.Guardian2.Name, &p.Guardian2.Phone, &p.Guardian2.Email, &p.Guardian2.Address,
			&p.BillingEntityType, &p.BillingEntityName, &p.BillingEntityAddress,
			&p.Status, &openedAt, &p.Notes, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p.BirthDate = parseNullTime(birth)
		p.OpenedAt = parseTime(openedAt)
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// ARTICLE STORE
// =============================================================================

// SaveArticle inserts or updates an article. A duplicate code is a conflict.
func (s *Store) SaveArticle(ctx context.Context, a clinic.Article) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO articles (id, code, name, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		a.ID, a.Code, a.Name, a.Active, formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &clinic.ConflictError{Kind: "article", Detail: "code " + a.Code + " already exists"}
		}
		return err
	}
	return nil
}

func (s *Store) GetArticle(ctx context.Context, id clinic.ArticleID) (*clinic.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list, err := s.queryArticles(ctx, `SELECT id, code, name, active, created_at, updated_at
		FROM articles WHERE id = ?`, id)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (s *Store) ListArticles(ctx context.Context, active *bool) ([]clinic.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, code, name, active, created_at, updated_at FROM articles`
	var args []any
	if active != nil {
		query += ` WHERE active = ?`
		args = append(args, *active)
	}
	return s.queryArticles(ctx, query+` ORDER BY name ASC`, args...)
}

func (s *Store) CountConditionsForArticle(ctx context.Context, id clinic.ArticleID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conditions WHERE article_id = ?`, id).Scan(&n)
	return n, err
}

func (s *Store) DeleteArticle(ctx context.Context, id clinic.ArticleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM articles WHERE id = ?`, id)
	if err != nil {
		return classify(err, "article", string(id))
	}
	return nil
}

func (s *Store) queryArticles(ctx context.Context, query string, args ...any) ([]clinic.Article, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []clinic.Article
	for rows.Next() {
		var a clinic.Article
		var createdAt, updatedAt string
		if err := rows.Scan(&a.ID, &a.Code, &a.Name, &a.Active, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(createdAt)
		a.UpdatedAt = parseTime(updatedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// SESSION STORE
// =============================================================================

const sessionColumns = `id, patient_id, scheduled_at, state, payment_state, paid_at,
	receipt_number, rejection_reason, session_value, therapist_value, retention,
	net_value, receipt_required, external_event_id, external_calendar_id,
	confirmation_sent_at, created_at, updated_at`

func sessionArgs(s clinic.Session) []any {
	var eventID, calendarID sql.NullString
	if s.External != nil {
		eventID = sql.NullString{String: s.External.EventID, Valid: true}
		calendarID = sql.NullString{String: s.External.CalendarID, Valid: true}
	}
	return []any{
		s.ID, s.PatientID, formatTime(s.ScheduledAt), s.State, s.PaymentState, nullTime(s.PaidAt),
		nullStringPtr(s.ReceiptNumber), nullStringPtr(s.RejectionReason),
		s.Values.SessionValue.String(), s.Values.TherapistValue.String(), s.Values.Retention.String(),
		s.Values.NetValue.String(), s.Values.ReceiptRequired, eventID, calendarID,
		nullTime(s.ConfirmationSentAt), formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	}
}

func (s *Store) InsertSession(ctx context.Context, sess clinic.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, sessionArgs(sess)...)
	if err != nil {
		return classify(err, "session", string(sess.ID))
	}
	return nil
}

func (s *Store) UpdateSession(ctx context.Context, sess clinic.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET state = ?, payment_state = ?, paid_at = ?,
			receipt_number = ?, rejection_reason = ?, updated_at = ?
		WHERE id = ?`,
		sess.State, sess.PaymentState, nullTime(sess.PaidAt),
		nullStringPtr(sess.ReceiptNumber), nullStringPtr(sess.RejectionReason),
		formatTime(sess.UpdatedAt),
		sess.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(res, "session", string(sess.ID))
}

// TransitionSession changes state only while the row is still pending.
func (s *Store) TransitionSession(ctx context.Context, id clinic.SessionID, state clinic.SessionState, reason *string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET state = ?, rejection_reason = COALESCE(?, rejection_reason), updated_at = ?
		WHERE id = ? AND state = ?`,
		state, nullStringPtr(reason), formatTime(at), id, clinic.SessionPending)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return clinic.NotFound("session", string(id))
	}
	return clinic.ErrAlreadyProcessed
}

// UpsertSessionFromEvent inserts the session or, when the (event, calendar)
// link already exists, refreshes its date and values in the same statement.
// SET expressions see the old row, so the stamp is cleared only on a move.
func (s *Store) UpsertSessionFromEvent(ctx context.Context, sess clinic.Session) (clinic.SessionID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id clinic.SessionID
	err := s.db.QueryRowContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_event_id, external_calendar_id) DO UPDATE SET
			scheduled_at = excluded.scheduled_at,
			session_value = excluded.session_value,
			therapist_value = excluded.therapist_value,
			retention = excluded.retention,
			net_value = excluded.net_value,
			receipt_required = excluded.receipt_required,
			confirmation_sent_at = CASE
				WHEN sessions.state = 'pending' AND sessions.scheduled_at <> excluded.scheduled_at THEN NULL
				ELSE sessions.confirmation_sent_at
			END,
			updated_at = excluded.updated_at
		RETURNING id`, sessionArgs(sess)...).Scan(&id)
	if err != nil {
		return "", false, classify(err, "session", string(sess.ID))
	}
	return id, id == sess.ID, nil
}

func (s *Store) GetSession(ctx context.Context, id clinic.SessionID) (*clinic.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list, err := s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (s *Store) ListSessions(ctx context.Context, f clinic.SessionFilter) ([]clinic.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any
	if f.PatientID != nil {
		query += ` AND patient_id = ?`
		args = append(args, *f.PatientID)
	}
	if f.State != nil {
		query += ` AND state = ?`
		args = append(args, *f.State)
	}
	if f.PaymentState != nil {
		query += ` AND payment_state = ?`
		args = append(args, *f.PaymentState)
	}
	if f.From != nil {
		query += ` AND scheduled_at >= ?`
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		query += ` AND scheduled_at <= ?`
		args = append(args, formatTime(*f.To))
	}
	switch f.ReceiptStatus {
	case clinic.ReceiptIssued:
		query += ` AND receipt_required = TRUE AND COALESCE(receipt_number, '') <> ''`
	case clinic.ReceiptMissing:
		query += ` AND receipt_required = TRUE AND COALESCE(receipt_number, '') = ''`
	case clinic.ReceiptNotApplicable:
		query += ` AND receipt_required = FALSE`
	}
	query += ` ORDER BY scheduled_at DESC`
	return s.querySessions(ctx, query, args...)
}

func (s *Store) ListSessionsAwaitingConfirmation(ctx context.Context, from, to time.Time) ([]clinic.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE state = ? AND confirmation_sent_at IS NULL
		AND scheduled_at >= ? AND scheduled_at <= ?
		ORDER BY scheduled_at ASC`,
		clinic.SessionPending, formatTime(from), formatTime(to))
}

func (s *Store) MarkConfirmationSent(ctx context.Context, id clinic.SessionID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET confirmation_sent_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(at), formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res, "session", string(id))
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]clinic.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []clinic.Session
	for rows.Next() {
		var (
			sess                                               clinic.Session
			scheduledAt, createdAt, updatedAt                  string
			paidAt, receipt, reason, eventID, calendarID, sent sql.NullString
			value, therapist, ret, net                         string
		)
		if err := rows.Scan(&sess.ID, &sess.PatientID, &scheduledAt, &sess.State, &sess.PaymentState,
			&paidAt, &receipt, &reason, &value, &therapist, &ret, &net, &sess.Values.ReceiptRequired,
			&eventID, &calendarID, &sent, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		sess.ScheduledAt = parseTime(scheduledAt)
		sess.PaidAt = parseNullTime(paidAt)
		sess.ReceiptNumber = stringPtr(receipt)
		sess.RejectionReason = stringPtr(reason)
		sess.Values.SessionValue = parseDecimal(value)
		sess.Values.TherapistValue = parseDecimal(therapist)
		sess.Values.Retention = parseDecimal(ret)
		sess.Values.NetValue = parseDecimal(net)
		if eventID.Valid {
			sess.External = &clinic.ExternalLink{EventID: eventID.String, CalendarID: calendarID.String}
		}
		sess.ConfirmationSentAt = parseNullTime(sent)
		sess.CreatedAt = parseTime(createdAt)
		sess.UpdatedAt = parseTime(updatedAt)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// =============================================================================
// SYNC RUN STORE
// =============================================================================

// SaveSyncRun inserts or updates a run record.
func (s *Store) SaveSyncRun(ctx context.Context, r clinic.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	calendars, _ := json.Marshal(r.CalendarIDs)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs
		(id, trigger_source, strategy, calendar_ids_json, window_from, window_to, status,
		 created_count, updated_count, skipped_count, error_count, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			created_count = excluded.created_count,
			updated_count = excluded.updated_count,
			skipped_count = excluded.skipped_count,
			error_count = excluded.error_count,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		r.ID, r.Trigger, r.Strategy, string(calendars), formatTime(r.From), formatTime(r.To), r.Status,
		r.Created, r.Updated, r.Skipped, r.Errors, nullString(r.Error), formatTime(r.StartedAt), nullTime(r.CompletedAt),
	)
	return err
}

// ListSyncRuns returns the most recent runs first.
func (s *Store) ListSyncRuns(ctx context.Context, limit int) ([]clinic.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger_source, strategy, calendar_ids_json, window_from, window_to, status,
			created_count, updated_count, skipped_count, error_count, error, started_at, completed_at
		FROM sync_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []clinic.SyncRun
	for rows.Next() {
		var (
			r                            clinic.SyncRun
			calendars, from, to, started string
			errMsg, completed            sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Trigger, &r.Strategy, &calendars, &from, &to, &r.Status,
			&r.Created, &r.Updated, &r.Skipped, &r.Errors, &errMsg, &started, &completed); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(calendars), &r.CalendarIDs)
		r.From = parseTime(from)
		r.To = parseTime(to)
		r.Error = errMsg.String
		r.StartedAt = parseTime(started)
		r.CompletedAt = parseNullTime(completed)
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// Reset clears all data (for testing/demo purposes). The patient code
// sequence is kept so codes stay unique across resets.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"sessions", "conditions", "articles", "patients", "sync_runs"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

// Helper functions

func formatTime(t time.Time) string {
	return clinic.Truncate(t).Format(TimeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullArticle(id *clinic.ArticleID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return clinic.NotFound(kind, id)
	}
	return nil
}

// classify maps driver constraint failures onto the clinic error taxonomy.
func classify(err error, kind, id string) error {
	switch {
	case isForeignKeyError(err):
		return fmt.Errorf("%s %s: %w", kind, id, clinic.NotFound("referenced record", id))
	case isUniqueConstraintError(err):
		return &clinic.ConflictError{Kind: kind, Detail: err.Error()}
	}
	return err
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

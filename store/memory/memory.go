// Package memory provides an in-memory implementation of the clinic stores.
package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sparkbloom/clinic-engine/clinic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu         sync.RWMutex
	patients   map[clinic.PatientID]clinic.Patient
	articles   map[clinic.ArticleID]clinic.Article
	conditions map[clinic.ConditionID]clinic.Condition
	sessions   map[clinic.SessionID]clinic.Session
	runs       []clinic.SyncRun
	lastCode   int64

	// FailInsert makes InsertCondition fail, to exercise rollback paths.
	FailInsert error
}

func NewMemory() *Memory {
	return &Memory{
		patients:   make(map[clinic.PatientID]clinic.Patient),
		articles:   make(map[clinic.ArticleID]clinic.Article),
		conditions: make(map[clinic.ConditionID]clinic.Condition),
		sessions:   make(map[clinic.SessionID]clinic.Session),
	}
}

// =============================================================================
// CONDITIONS
// =============================================================================

func (m *Memory) ListConditionsForPair(_ context.Context, patientID clinic.PatientID, articleID *clinic.ArticleID) ([]clinic.Condition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pairLocked(patientID, articleID), nil
}

func (m *Memory) pairLocked(patientID clinic.PatientID, articleID *clinic.ArticleID) []clinic.Condition {
	var out []clinic.Condition
	for _, c := range m.conditions {
		if c.SamePair(patientID, articleID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Range.Start.Before(out[j].Range.Start) })
	return out
}

func (m *Memory) ListConditions(_ context.Context, patientID clinic.PatientID) ([]clinic.Condition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []clinic.Condition
	for _, c := range m.conditions {
		if c.PatientID == patientID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Range.Start.After(out[j].Range.Start) })
	return out, nil
}

func (m *Memory) GetCondition(_ context.Context, id clinic.ConditionID) (*clinic.Condition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conditions[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *Memory) InsertCondition(_ context.Context, c clinic.Condition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertConditionLocked(c)
}

func (m *Memory) insertConditionLocked(c clinic.Condition) error {
	if m.FailInsert != nil {
		return m.FailInsert
	}
	m.conditions[c.ID] = c
	return nil
}

func (m *Memory) UpdateCondition(_ context.Context, c clinic.Condition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conditions[c.ID]; !ok {
		return clinic.NotFound("condition", string(c.ID))
	}
	m.conditions[c.ID] = c
	return nil
}

func (m *Memory) CloseCondition(_ context.Context, id clinic.ConditionID, end time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked(id, end)
}

func (m *Memory) closeLocked(id clinic.ConditionID, end time.Time) error {
	c, ok := m.conditions[id]
	if !ok {
		return clinic.NotFound("condition", string(id))
	}
	e := clinic.Truncate(end)
	c.Range.End = &e
	m.conditions[id] = c
	return nil
}

func (m *Memory) DeleteCondition(_ context.Context, id clinic.ConditionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conditions, id)
	return nil
}

// WithTx runs fn against a scratch copy of the conditions and swaps it in
// only when fn succeeds.
func (m *Memory) WithTx(ctx context.Context, fn func(clinic.ConditionStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{parent: m, conditions: make(map[clinic.ConditionID]clinic.Condition, len(m.conditions))}
	for k, v := range m.conditions {
		tx.conditions[k] = v
	}
	if err := fn(tx); err != nil {
		return err
	}
	m.conditions = tx.conditions
	return nil
}

// memoryTx is the store handed to WithTx callbacks. The parent lock is held
// for the whole callback, so it must not call back into locking methods.
type memoryTx struct {
	parent     *Memory
	conditions map[clinic.ConditionID]clinic.Condition
}

func (t *memoryTx) view() *Memory {
	return &Memory{patients: t.parent.patients, conditions: t.conditions, FailInsert: t.parent.FailInsert}
}

func (t *memoryTx) ListConditionsForPair(_ context.Context, patientID clinic.PatientID, articleID *clinic.ArticleID) ([]clinic.Condition, error) {
	return t.view().pairLocked(patientID, articleID), nil
}

func (t *memoryTx) ListConditions(ctx context.Context, patientID clinic.PatientID) ([]clinic.Condition, error) {
	return t.view().ListConditions(ctx, patientID)
}

func (t *memoryTx) GetCondition(_ context.Context, id clinic.ConditionID) (*clinic.Condition, error) {
	c, ok := t.conditions[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (t *memoryTx) InsertCondition(_ context.Context, c clinic.Condition) error {
	return t.view().insertConditionLocked(c)
}

func (t *memoryTx) UpdateCondition(_ context.Context, c clinic.Condition) error {
	if _, ok := t.conditions[c.ID]; !ok {
		return clinic.NotFound("condition", string(c.ID))
	}
	t.conditions[c.ID] = c
	return nil
}

func (t *memoryTx) CloseCondition(_ context.Context, id clinic.ConditionID, end time.Time) error {
	return t.view().closeLocked(id, end)
}

func (t *memoryTx) DeleteCondition(_ context.Context, id clinic.ConditionID) error {
	delete(t.conditions, id)
	return nil
}

// =============================================================================
// PATIENTS
// =============================================================================

func (m *Memory) CreatePatient(_ context.Context, p clinic.Patient) (clinic.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCode++
	p.Code = m.lastCode
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
	m.patients[p.ID] = p
	return p, nil
}

func (m *Memory) UpdatePatient(_ context.Context, p clinic.Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.patients[p.ID]
	if !ok {
		return clinic.NotFound("patient", string(p.ID))
	}
	p.Code = cur.Code
	p.CreatedAt = cur.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	m.patients[p.ID] = p
	return nil
}

func (m *Memory) GetPatient(_ context.Context, id clinic.PatientID) (*clinic.Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *Memory) ListPatients(_ context.Context, f clinic.PatientFilter) ([]clinic.Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	search := strings.ToLower(f.Search)
	code, codeErr := strconv.ParseInt(f.Search, 10, 64)
	var out []clinic.Patient
	for _, p := range m.patients {
		if f.Status != nil && p.Status != *f.Status {
			continue
		}
		if search != "" {
			hit := strings.Contains(strings.ToLower(p.Name), search) ||
				strings.Contains(strings.ToLower(p.Email), search) ||
				strings.Contains(strings.ToLower(p.Phone), search) ||
				(codeErr == nil && p.Code == code)
			if !hit {
				continue
			}
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) ListActivePatients(_ context.Context) ([]clinic.Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []clinic.Patient
	for _, p := range m.patients {
		if p.Status == clinic.PatientActive {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *Memory) DeletePatient(_ context.Context, id clinic.PatientID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patients[id]; !ok {
		return clinic.NotFound("patient", string(id))
	}
	delete(m.patients, id)
	for cid, c := range m.conditions {
		if c.PatientID == id {
			delete(m.conditions, cid)
		}
	}
	for sid, s := range m.sessions {
		if s.PatientID == id {
			delete(m.sessions, sid)
		}
	}
	return nil
}

// =============================================================================
// ARTICLES
// =============================================================================

func (m *Memory) SaveArticle(_ context.Context, a clinic.Article) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.articles {
		if other.Code == a.Code && other.ID != a.ID {
			return &clinic.ConflictError{Kind: "article", Detail: "code " + a.Code + " already exists"}
		}
	}
	m.articles[a.ID] = a
	return nil
}

func (m *Memory) GetArticle(_ context.Context, id clinic.ArticleID) (*clinic.Article, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.articles[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *Memory) ListArticles(_ context.Context, active *bool) ([]clinic.Article, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []clinic.Article
	for _, a := range m.articles {
		if active != nil && a.Active != *active {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) CountConditionsForArticle(_ context.Context, id clinic.ArticleID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.conditions {
		if c.ArticleID != nil && *c.ArticleID == id {
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteArticle(_ context.Context, id clinic.ArticleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.articles, id)
	return nil
}

// =============================================================================
// SESSIONS
// =============================================================================

func (m *Memory) InsertSession(_ context.Context, s clinic.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.External != nil {
		if _, ok := m.findByLinkLocked(*s.External); ok {
			return &clinic.ConflictError{Kind: "session", Detail: "external event already linked"}
		}
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *Memory) UpdateSession(_ context.Context, s clinic.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.sessions[s.ID]
	if !ok {
		return clinic.NotFound("session", string(s.ID))
	}
	stored.State = s.State
	stored.PaymentState = s.PaymentState
	stored.PaidAt = s.PaidAt
	stored.ReceiptNumber = s.ReceiptNumber
	stored.RejectionReason = s.RejectionReason
	stored.UpdatedAt = s.UpdatedAt
	m.sessions[s.ID] = stored
	return nil
}

func (m *Memory) TransitionSession(_ context.Context, id clinic.SessionID, state clinic.SessionState, reason *string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return clinic.NotFound("session", string(id))
	}
	if s.State != clinic.SessionPending {
		return clinic.ErrAlreadyProcessed
	}
	s.State = state
	if reason != nil {
		s.RejectionReason = reason
	}
	s.UpdatedAt = clinic.Truncate(at)
	m.sessions[id] = s
	return nil
}

func (m *Memory) GetSession(_ context.Context, id clinic.SessionID) (*clinic.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) ListSessions(_ context.Context, f clinic.SessionFilter) ([]clinic.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []clinic.Session
	for _, s := range m.sessions {
		if f.Match(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })
	return out, nil
}

func (m *Memory) UpsertSessionFromEvent(_ context.Context, s clinic.Session) (clinic.SessionID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.External == nil {
		m.sessions[s.ID] = s
		return s.ID, true, nil
	}
	if existing, ok := m.findByLinkLocked(*s.External); ok {
		if existing.State == clinic.SessionPending && !existing.ScheduledAt.Equal(s.ScheduledAt) {
			existing.ConfirmationSentAt = nil
		}
		existing.ScheduledAt = s.ScheduledAt
		existing.Values = s.Values
		existing.UpdatedAt = s.UpdatedAt
		m.sessions[existing.ID] = existing
		return existing.ID, false, nil
	}
	m.sessions[s.ID] = s
	return s.ID, true, nil
}

func (m *Memory) findByLinkLocked(link clinic.ExternalLink) (clinic.Session, bool) {
	for _, s := range m.sessions {
		if s.External != nil && *s.External == link {
			return s, true
		}
	}
	return clinic.Session{}, false
}

func (m *Memory) ListSessionsAwaitingConfirmation(_ context.Context, from, to time.Time) ([]clinic.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []clinic.Session
	for _, s := range m.sessions {
		if s.State != clinic.SessionPending || s.ConfirmationSentAt != nil {
			continue
		}
		if s.ScheduledAt.Before(from) || s.ScheduledAt.After(to) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (m *Memory) MarkConfirmationSent(_ context.Context, id clinic.SessionID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return clinic.NotFound("session", string(id))
	}
	at = clinic.Truncate(at)
	s.ConfirmationSentAt = &at
	m.sessions[id] = s
	return nil
}

// =============================================================================
// SYNC RUNS
// =============================================================================

func (m *Memory) SaveSyncRun(_ context.Context, run clinic.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *Memory) ListSyncRuns(_ context.Context, limit int) ([]clinic.SyncRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]clinic.SyncRun, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0; i-- {
		out = append(out, m.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Reset clears all data. The code sequence is kept so codes stay unique.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients = make(map[clinic.PatientID]clinic.Patient)
	m.articles = make(map[clinic.ArticleID]clinic.Article)
	m.conditions = make(map[clinic.ConditionID]clinic.Condition)
	m.sessions = make(map[clinic.SessionID]clinic.Session)
	m.runs = nil
	return nil
}

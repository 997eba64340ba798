/*
reconciler.go - Calendar events to sessions

PURPOSE:
  Pulls the events of each configured calendar for a window, ties each event
  to an active patient, prices it with the condition in force on the event
  date and upserts one session per (event, calendar).

FLOW (per run):
  1. Refuse to start without calendar ids, a credential or the patient list
  2. For each calendar, in order: list events (bounded by CallTimeout)
  3. For each event, in provider order:
       resolve patient  -> none: skipped
       price            -> no condition: skipped
       upsert session   -> created or updated
  4. Return Summary{Created, Updated, Skipped, Errors}

FAILURE POLICY:
  A failing calendar or event increments Errors and the run moves on. Run
  only returns an error when it could not begin.

RACES:
  Overlapping runs are safe: the store upsert is a single statement keyed on
  the unique (event, calendar) pair.

SEE ALSO:
  - strategy.go: identity resolution
  - pricing/ledger.go: Price
  - calendar/graph.go: EventSource
*/
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sparkbloom/clinic-engine/calendar"
	"github.com/sparkbloom/clinic-engine/clinic"
)

// DefaultCallTimeout bounds each provider call and each event.
const DefaultCallTimeout = 30 * time.Second

// Pricer prices a session date for a (patient, article) pair.
type Pricer interface {
	Price(ctx context.Context, patientID clinic.PatientID, articleID *clinic.ArticleID, at time.Time) (clinic.Values, error)
}

// PatientSource lists the patients eligible for matching.
type PatientSource interface {
	ListActivePatients(ctx context.Context) ([]clinic.Patient, error)
}

// SessionUpserter writes sessions keyed on their external link.
type SessionUpserter interface {
	UpsertSessionFromEvent(ctx context.Context, s clinic.Session) (clinic.SessionID, bool, error)
}

// Request describes one reconciliation run.
type Request struct {
	CalendarIDs []string
	From        time.Time
	To          time.Time
	Strategy    Strategy
	Trigger     string // "manual", "scheduled", "cli"
}

// Summary aggregates the outcome of a run.
type Summary struct {
	RunID   string `json:"run_id,omitempty"`
	Created int    `json:"created"`
	Updated int    `json:"updated"`
	Skipped int    `json:"skipped"`
	Errors  int    `json:"errors"`
}

// Reconciler turns calendar events into sessions.
type Reconciler struct {
	Events      calendar.EventSource
	Credentials calendar.TokenSource
	Patients    PatientSource
	Sessions    SessionUpserter
	Pricing     Pricer
	Runs        clinic.SyncRunStore // optional
	Logger      zerolog.Logger
	CallTimeout time.Duration
	Now         func() time.Time
}

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeUpdated
	outcomeSkipped
)

// Run reconciles the window [req.From, req.To) of every calendar in
// req.CalendarIDs.
func (r *Reconciler) Run(ctx context.Context, req Request) (Summary, error) {
	if len(req.CalendarIDs) == 0 {
		return Summary{}, clinic.Invalid("calendar_ids", "required", "at least one calendar id is required")
	}
	if !req.To.After(req.From) {
		return Summary{}, clinic.Invalid("to", "gtfield=from", "window end must be after its start")
	}
	strategy, err := ParseStrategy(string(req.Strategy))
	if err != nil {
		return Summary{}, err
	}
	if req.Trigger == "" {
		req.Trigger = "manual"
	}

	run := clinic.SyncRun{
		ID:          uuid.NewString(),
		Trigger:     req.Trigger,
		Strategy:    string(strategy),
		CalendarIDs: req.CalendarIDs,
		From:        req.From,
		To:          req.To,
		Status:      clinic.SyncRunning,
		StartedAt:   r.now(),
	}
	r.saveRun(ctx, run)

	log := r.Logger.With().Str("run_id", run.ID).Str("strategy", string(strategy)).Logger()

	index, err := r.prepare(ctx)
	if err != nil {
		r.finish(ctx, run, Summary{}, err)
		log.Error().Err(err).Msg("reconciliation could not start")
		return Summary{}, err
	}

	summary := Summary{RunID: run.ID}
	for _, calendarID := range req.CalendarIDs {
		r.syncCalendar(ctx, log, calendarID, req, strategy, index, &summary)
	}

	r.finish(ctx, run, summary, nil)
	log.Info().
		Int("created", summary.Created).
		Int("updated", summary.Updated).
		Int("skipped", summary.Skipped).
		Int("errors", summary.Errors).
		Msg("reconciliation finished")
	return summary, nil
}

// prepare obtains a credential and indexes the active patients.
func (r *Reconciler) prepare(ctx context.Context) (*identityIndex, error) {
	callCtx, cancel := r.callContext(ctx)
	_, err := r.Credentials.AccessToken(callCtx)
	cancel()
	if err != nil {
		return nil, &clinic.ExternalServiceError{Op: "obtain access credential", Err: err}
	}

	patients, err := r.Patients.ListActivePatients(ctx)
	if err != nil {
		return nil, &clinic.PersistenceError{Op: "load active patients", Err: err}
	}
	return newIdentityIndex(patients), nil
}

func (r *Reconciler) syncCalendar(ctx context.Context, log zerolog.Logger, calendarID string, req Request, strategy Strategy, index *identityIndex, summary *Summary) {
	log = log.With().Str("calendar_id", calendarID).Logger()

	callCtx, cancel := r.callContext(ctx)
	events, err := r.Events.ListEvents(callCtx, calendarID, req.From, req.To)
	cancel()
	if err != nil {
		summary.Errors++
		log.Error().Err(err).Msg("calendar sync failed")
		return
	}

	for _, ev := range events {
		res, reason, err := r.syncEvent(ctx, calendarID, ev, strategy, index)
		switch {
		case err != nil:
			summary.Errors++
			log.Error().Err(err).Str("event_id", ev.ID).Msg("event sync failed")
		case res == outcomeCreated:
			summary.Created++
		case res == outcomeUpdated:
			summary.Updated++
		default:
			summary.Skipped++
			log.Debug().Str("event_id", ev.ID).Str("reason", reason).Msg("event skipped")
		}
	}
}

// syncEvent handles one event. The returned reason explains a skip.
func (r *Reconciler) syncEvent(ctx context.Context, calendarID string, ev calendar.Event, strategy Strategy, index *identityIndex) (outcome, string, error) {
	if ev.Err != nil {
		return 0, "", fmt.Errorf("malformed event: %w", ev.Err)
	}

	patientID, ok := index.resolve(ev, strategy)
	if !ok {
		return outcomeSkipped, "no_patient", nil
	}

	ctx, cancel := r.callContext(ctx)
	defer cancel()

	at := clinic.Truncate(ev.Start)
	values, err := r.Pricing.Price(ctx, patientID, nil, at)
	if errors.Is(err, clinic.ErrNoPricing) {
		return outcomeSkipped, "no_pricing", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("price session: %w", err)
	}

	now := r.now()
	proposed := clinic.Session{
		ID:           clinic.SessionID(uuid.NewString()),
		PatientID:    patientID,
		ScheduledAt:  at,
		State:        clinic.SessionPending,
		PaymentState: clinic.PaymentUnpaid,
		Values:       values,
		External:     &clinic.ExternalLink{EventID: ev.ID, CalendarID: calendarID},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, created, err := r.Sessions.UpsertSessionFromEvent(ctx, proposed)
	if err != nil {
		return 0, "", &clinic.PersistenceError{Op: "upsert session", Err: err}
	}
	if created {
		return outcomeCreated, "", nil
	}
	return outcomeUpdated, "", nil
}

func (r *Reconciler) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := r.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return clinic.Truncate(r.Now())
	}
	return clinic.Truncate(time.Now())
}

func (r *Reconciler) saveRun(ctx context.Context, run clinic.SyncRun) {
	if r.Runs == nil {
		return
	}
	if err := r.Runs.SaveSyncRun(ctx, run); err != nil {
		r.Logger.Warn().Err(err).Str("run_id", run.ID).Msg("failed to record sync run")
	}
}

func (r *Reconciler) finish(ctx context.Context, run clinic.SyncRun, s Summary, runErr error) {
	done := r.now()
	run.CompletedAt = &done
	run.Created, run.Updated, run.Skipped, run.Errors = s.Created, s.Updated, s.Skipped, s.Errors
	run.Status = clinic.SyncCompleted
	if runErr != nil {
		run.Status = clinic.SyncFailed
		run.Error = runErr.Error()
	}
	r.saveRun(context.WithoutCancel(ctx), run)
}

/*
confirm.go - Session confirmation by email

PURPOSE:
  Shortly before each pending session the therapist receives one email with
  two magic links. Following a link confirms or rejects the session without
  logging in.

FLOW:
  1. SendDue (job tick): pending sessions in [now-1h, now+5m] that were not
     notified yet get one email each; confirmation_sent_at is stamped after a
     successful send so the mail goes out once.
  2. Confirm / Reject (webhook): token valid for (session, action), session
     exists and is still pending, then the state changes. The pending check
     and the write are one store operation, so two clicks cannot both win.

SEE ALSO:
  - token.go: magic-link tokens
  - api/webhooks.go: HTTP entry points
  - api/scheduler.go: job tick
*/
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sparkbloom/clinic-engine/clinic"
)

// Look-behind and look-ahead of the confirmation job.
const (
	DueLookBehind = time.Hour
	DueLookAhead  = 5 * time.Minute
)

// SessionStore is the subset of clinic.SessionStore the workflow needs.
type SessionStore interface {
	GetSession(ctx context.Context, id clinic.SessionID) (*clinic.Session, error)
	TransitionSession(ctx context.Context, id clinic.SessionID, state clinic.SessionState, reason *string, at time.Time) error
	ListSessionsAwaitingConfirmation(ctx context.Context, from, to time.Time) ([]clinic.Session, error)
	MarkConfirmationSent(ctx context.Context, id clinic.SessionID, at time.Time) error
}

// PatientGetter loads a patient by id.
type PatientGetter interface {
	GetPatient(ctx context.Context, id clinic.PatientID) (*clinic.Patient, error)
}

// Confirmations runs the email confirmation workflow.
type Confirmations struct {
	Sessions       SessionStore
	Patients       PatientGetter
	Mailer         Mailer
	Signer         *Signer
	BaseURL        string
	TherapistEmail string
	Location       *time.Location // for dates shown in the email
	Logger         zerolog.Logger
	Now            func() time.Time
}

func (c *Confirmations) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// =============================================================================
// EMAIL JOB
// =============================================================================

// SendDue emails every session that is about to start and was not notified
// yet. It returns how many emails were sent. A failed send leaves the
// session unstamped so the next tick retries it.
func (c *Confirmations) SendDue(ctx context.Context) (int, error) {
	if c.TherapistEmail == "" {
		return 0, fmt.Errorf("therapist email not configured")
	}
	now := c.now()
	due, err := c.Sessions.ListSessionsAwaitingConfirmation(ctx, now.Add(-DueLookBehind), now.Add(DueLookAhead))
	if err != nil {
		return 0, &clinic.PersistenceError{Op: "list sessions awaiting confirmation", Err: err}
	}

	sent := 0
	for _, s := range due {
		if err := c.sendOne(ctx, s); err != nil {
			c.Logger.Error().Err(err).Str("session_id", string(s.ID)).Msg("confirmation email failed")
			continue
		}
		if err := c.Sessions.MarkConfirmationSent(ctx, s.ID, c.now()); err != nil {
			c.Logger.Error().Err(err).Str("session_id", string(s.ID)).Msg("failed to stamp confirmation")
			continue
		}
		sent++
	}
	if sent > 0 {
		c.Logger.Info().Int("sent", sent).Msg("confirmation emails sent")
	}
	return sent, nil
}

func (c *Confirmations) sendOne(ctx context.Context, s clinic.Session) error {
	name := "Patient"
	if p, err := c.Patients.GetPatient(ctx, s.PatientID); err == nil && p != nil {
		name = p.Name
	}

	confirmLink, err := c.link(s.ID, ActionConfirm)
	if err != nil {
		return err
	}
	rejectLink, err := c.link(s.ID, ActionReject)
	if err != nil {
		return err
	}

	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	body, err := renderConfirmation(confirmationData{
		PatientName: name,
		When:        s.ScheduledAt.In(loc).Format("02/01/2006 15:04"),
		ConfirmURL:  confirmLink,
		RejectURL:   rejectLink,
		ValidFor:    c.Signer.ValidFor(),
	})
	if err != nil {
		return err
	}
	return c.Mailer.Send(ctx, c.TherapistEmail, "Session confirmation - "+name, body)
}

func (c *Confirmations) link(id clinic.SessionID, action Action) (string, error) {
	token, err := c.Signer.Issue(id, action)
	if err != nil {
		return "", fmt.Errorf("issue %s token: %w", action, err)
	}
	base := strings.TrimRight(c.BaseURL, "/")
	return fmt.Sprintf("%s/api/webhooks/sessions/%s/%s?token=%s",
		base, url.PathEscape(string(id)), action, url.QueryEscape(token)), nil
}

// =============================================================================
// WEBHOOK ACTIONS
// =============================================================================

// Confirm marks a pending session confirmed.
func (c *Confirmations) Confirm(ctx context.Context, id clinic.SessionID, token string) (clinic.Session, error) {
	return c.transition(ctx, id, token, ActionConfirm, "")
}

// Reject marks a pending session rejected with reason.
func (c *Confirmations) Reject(ctx context.Context, id clinic.SessionID, token, reason string) (clinic.Session, error) {
	if strings.TrimSpace(reason) == "" {
		return clinic.Session{}, clinic.Invalid("reason", "required", "is required")
	}
	return c.transition(ctx, id, token, ActionReject, strings.TrimSpace(reason))
}

func (c *Confirmations) transition(ctx context.Context, id clinic.SessionID, token string, action Action, reason string) (clinic.Session, error) {
	if token == "" {
		return clinic.Session{}, clinic.Invalid("token", "required", "is required")
	}
	if err := c.Signer.Verify(token, id, action); err != nil {
		return clinic.Session{}, err
	}

	state := clinic.SessionConfirmed
	var why *string
	if action == ActionReject {
		state = clinic.SessionRejected
		why = &reason
	}
	err := c.Sessions.TransitionSession(ctx, id, state, why, clinic.Truncate(c.now()))
	if err != nil {
		if clinic.IsNotFound(err) || errors.Is(err, clinic.ErrAlreadyProcessed) {
			return clinic.Session{}, err
		}
		return clinic.Session{}, &clinic.PersistenceError{Op: "update session", Err: err}
	}

	s, err := c.Sessions.GetSession(ctx, id)
	if err != nil {
		return clinic.Session{}, &clinic.PersistenceError{Op: "load session", Err: err}
	}
	if s == nil {
		return clinic.Session{}, clinic.NotFound("session", string(id))
	}
	c.Logger.Info().Str("session_id", string(id)).Str("action", string(action)).Msg("session processed via magic link")
	return *s, nil
}

// =============================================================================
// TEMPLATE
// =============================================================================

type confirmationData struct {
	PatientName string
	When        string
	ConfirmURL  string
	RejectURL   string
	ValidFor    time.Duration
}

var confirmationTemplate = template.Must(template.New("confirmation").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
  <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
    <h2>Session confirmation</h2>
    <p>You have a scheduled session:</p>
    <ul>
      <li><strong>Patient:</strong> {{.PatientName}}</li>
      <li><strong>Date/time:</strong> {{.When}}</li>
    </ul>
    <p>Please confirm or reject this session:</p>
    <p>
      <a href="{{.ConfirmURL}}" style="padding: 12px 24px; background: #4CAF50; color: white; text-decoration: none;">Confirm session</a>
      <a href="{{.RejectURL}}" style="padding: 12px 24px; background: #f44336; color: white; text-decoration: none;">Reject session</a>
    </p>
    <p><small>These links expire in {{.ValidFor}}.</small></p>
  </div>
</body>
</html>`))

func renderConfirmation(d confirmationData) (string, error) {
	var b bytes.Buffer
	if err := confirmationTemplate.Execute(&b, d); err != nil {
		return "", err
	}
	return b.String(), nil
}

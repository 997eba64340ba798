package notify_test

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkbloom/clinic-engine/clinic"
	"github.com/sparkbloom/clinic-engine/notify"
	"github.com/sparkbloom/clinic-engine/store/memory"
	"github.com/sparkbloom/clinic-engine/store/sqlite"
)

// =============================================================================
// TOKENS
// =============================================================================

func TestSigner_IssueAndVerify(t *testing.T) {
	s := notify.NewSigner("test-secret-min-32-chars!!")

	tok, err := s.Issue("sess-1", notify.ActionConfirm)
	require.NoError(t, err)

	assert.NoError(t, s.Verify(tok, "sess-1", notify.ActionConfirm))
	assert.ErrorIs(t, s.Verify(tok, "sess-2", notify.ActionConfirm), notify.ErrInvalidToken)
	assert.ErrorIs(t, s.Verify(tok, "sess-1", notify.ActionReject), notify.ErrInvalidToken)
	assert.ErrorIs(t, s.Verify(tok+"x", "sess-1", notify.ActionConfirm), notify.ErrInvalidToken)
	assert.ErrorIs(t, s.Verify("", "sess-1", notify.ActionConfirm), notify.ErrInvalidToken)

	other := notify.NewSigner("another-secret-min-32-chars!")
	assert.ErrorIs(t, other.Verify(tok, "sess-1", notify.ActionConfirm), notify.ErrInvalidToken)
}

func TestSigner_Expiry(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	s := notify.NewSigner("test-secret-min-32-chars!!")
	s.Now = func() time.Time { return now }

	tok, err := s.Issue("sess-1", notify.ActionConfirm)
	require.NoError(t, err)

	now = now.Add(23 * time.Hour)
	assert.NoError(t, s.Verify(tok, "sess-1", notify.ActionConfirm))

	now = now.Add(2 * time.Hour)
	assert.ErrorIs(t, s.Verify(tok, "sess-1", notify.ActionConfirm), notify.ErrInvalidToken)
}

// =============================================================================
// CONFIRMATION WORKFLOW
// =============================================================================

type sentMail struct{ to, subject, html string }

type recordingMailer struct {
	sent []sentMail
	err  error
}

func (m *recordingMailer) Send(_ context.Context, to, subject, html string) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{to, subject, html})
	return nil
}

type workflow struct {
	store  *memory.Memory
	mailer *recordingMailer
	conf   *notify.Confirmations
	now    time.Time
}

func newWorkflow(t *testing.T) *workflow {
	t.Helper()
	w := &workflow{
		store:  memory.NewMemory(),
		mailer: &recordingMailer{},
		now:    time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	signer := notify.NewSigner("test-secret-min-32-chars!!")
	signer.Now = func() time.Time { return w.now }
	w.conf = &notify.Confirmations{
		Sessions:       w.store,
		Patients:       w.store,
		Mailer:         w.mailer,
		Signer:         signer,
		BaseURL:        "https://clinic.example.com/",
		TherapistEmail: "therapist@clinic.example.com",
		Logger:         zerolog.Nop(),
		Now:            func() time.Time { return w.now },
	}
	return w
}

func (w *workflow) session(t *testing.T, id clinic.SessionID, at time.Time) clinic.Session {
	t.Helper()
	p, err := w.store.CreatePatient(context.Background(), clinic.Patient{Name: "Ana Silva"})
	require.NoError(t, err)
	s := clinic.Session{ID: id, PatientID: p.ID, ScheduledAt: at, State: clinic.SessionPending, PaymentState: clinic.PaymentUnpaid}
	require.NoError(t, w.store.InsertSession(context.Background(), s))
	return s
}

var tokenParam = regexp.MustCompile(`/(confirm|reject)\?token=([^"&]+)`)

func tokensFrom(t *testing.T, html string) map[string]string {
	t.Helper()
	out := map[string]string{}
	for _, m := range tokenParam.FindAllStringSubmatch(html, -1) {
		tok, err := url.QueryUnescape(m[2])
		require.NoError(t, err)
		out[m[1]] = tok
	}
	return out
}

func TestSendDue_EmailsOnceWithinWindow(t *testing.T) {
	ctx := context.Background()
	w := newWorkflow(t)

	// GIVEN: one session starting in 2 minutes, one tomorrow, one 2h ago
	w.session(t, "soon", w.now.Add(2*time.Minute))
	w.session(t, "tomorrow", w.now.Add(24*time.Hour))
	w.session(t, "stale", w.now.Add(-2*time.Hour))

	// WHEN
	n, err := w.conf.SendDue(ctx)

	// THEN: only "soon" is mailed, with both links
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, w.mailer.sent, 1)
	mail := w.mailer.sent[0]
	assert.Equal(t, "therapist@clinic.example.com", mail.to)
	assert.Contains(t, mail.subject, "Ana Silva")
	assert.Contains(t, mail.html, "01/03/2024 10:02")
	assert.Contains(t, mail.html, "https://clinic.example.com/api/webhooks/sessions/soon/confirm?token=")
	assert.Len(t, tokensFrom(t, mail.html), 2)

	// A second tick does not resend
	n, err = w.conf.SendDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, w.mailer.sent, 1)
}

func TestSendDue_FailedSendIsRetriedNextTick(t *testing.T) {
	ctx := context.Background()
	w := newWorkflow(t)
	w.session(t, "soon", w.now.Add(time.Minute))

	w.mailer.err = errors.New("relay down")
	n, err := w.conf.SendDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	w.mailer.err = nil
	n, err = w.conf.SendDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestConfirm_WithEmailedLink(t *testing.T) {
	ctx := context.Background()
	w := newWorkflow(t)
	w.session(t, "soon", w.now.Add(time.Minute))
	_, err := w.conf.SendDue(ctx)
	require.NoError(t, err)
	tokens := tokensFrom(t, w.mailer.sent[0].html)

	s, err := w.conf.Confirm(ctx, "soon", tokens["confirm"])
	require.NoError(t, err)
	assert.Equal(t, clinic.SessionConfirmed, s.State)

	// Processing twice is refused
	_, err = w.conf.Confirm(ctx, "soon", tokens["confirm"])
	assert.ErrorIs(t, err, clinic.ErrAlreadyProcessed)
}

func TestReject(t *testing.T) {
	ctx := context.Background()
	w := newWorkflow(t)
	w.session(t, "s1", w.now)
	tok, err := w.conf.Signer.Issue("s1", notify.ActionReject)
	require.NoError(t, err)

	_, err = w.conf.Reject(ctx, "s1", tok, "   ")
	assert.ErrorIs(t, err, clinic.ErrValidation)

	s, err := w.conf.Reject(ctx, "s1", tok, "patient was sick")
	require.NoError(t, err)
	assert.Equal(t, clinic.SessionRejected, s.State)
	require.NotNil(t, s.RejectionReason)
	assert.Equal(t, "patient was sick", *s.RejectionReason)
}

func TestTransition_Errors(t *testing.T) {
	ctx := context.Background()
	w := newWorkflow(t)
	w.session(t, "s1", w.now)

	confirmTok, err := w.conf.Signer.Issue("s1", notify.ActionConfirm)
	require.NoError(t, err)
	ghostTok, err := w.conf.Signer.Issue("ghost", notify.ActionConfirm)
	require.NoError(t, err)

	_, err = w.conf.Confirm(ctx, "s1", "")
	assert.ErrorIs(t, err, clinic.ErrValidation)

	_, err = w.conf.Confirm(ctx, "s1", ghostTok)
	assert.ErrorIs(t, err, notify.ErrInvalidToken)

	_, err = w.conf.Reject(ctx, "s1", confirmTok, "reason")
	assert.ErrorIs(t, err, notify.ErrInvalidToken)

	_, err = w.conf.Confirm(ctx, "ghost", ghostTok)
	assert.ErrorIs(t, err, clinic.ErrNotFound)

	// Expired link
	w.now = w.now.Add(25 * time.Hour)
	_, err = w.conf.Confirm(ctx, "s1", confirmTok)
	assert.ErrorIs(t, err, notify.ErrInvalidToken)
	assert.False(t, strings.Contains(err.Error(), "s1"))
}

func TestConfirmAndReject_ConcurrentClicksOneWins(t *testing.T) {
	stores := map[string]func(t *testing.T) notify.SessionStore{
		"memory": func(t *testing.T) notify.SessionStore { return memory.NewMemory() },
		"sqlite": func(t *testing.T) notify.SessionStore {
			s, err := sqlite.New(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)
			patients := store.(interface {
				notify.PatientGetter
				CreatePatient(context.Context, clinic.Patient) (clinic.Patient, error)
				InsertSession(context.Context, clinic.Session) error
			})
			signer := notify.NewSigner("test-secret-min-32-chars!!")
			conf := &notify.Confirmations{Sessions: store, Patients: patients, Signer: signer, Logger: zerolog.Nop()}

			for i := 0; i < 20; i++ {
				// GIVEN: a pending session and both of its links
				p, err := patients.CreatePatient(ctx, clinic.Patient{Name: "Ana Silva"})
				require.NoError(t, err)
				id := clinic.SessionID(string(p.ID) + "-s")
				require.NoError(t, patients.InsertSession(ctx, clinic.Session{
					ID: id, PatientID: p.ID, ScheduledAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
					State: clinic.SessionPending, PaymentState: clinic.PaymentUnpaid,
				}))
				confirmTok, err := signer.Issue(id, notify.ActionConfirm)
				require.NoError(t, err)
				rejectTok, err := signer.Issue(id, notify.ActionReject)
				require.NoError(t, err)

				// WHEN: both links are followed at the same time
				var (
					wg                    sync.WaitGroup
					start                 = make(chan struct{})
					confirmErr, rejectErr error
				)
				wg.Add(2)
				go func() {
					defer wg.Done()
					<-start
					_, confirmErr = conf.Confirm(ctx, id, confirmTok)
				}()
				go func() {
					defer wg.Done()
					<-start
					_, rejectErr = conf.Reject(ctx, id, rejectTok, "patient travelling")
				}()
				close(start)
				wg.Wait()

				// THEN: exactly one wins and the stored state is the winner's
				got, err := store.GetSession(ctx, id)
				require.NoError(t, err)
				switch {
				case confirmErr == nil:
					assert.ErrorIs(t, rejectErr, clinic.ErrAlreadyProcessed)
					assert.Equal(t, clinic.SessionConfirmed, got.State)
					assert.Nil(t, got.RejectionReason)
				case rejectErr == nil:
					assert.ErrorIs(t, confirmErr, clinic.ErrAlreadyProcessed)
					assert.Equal(t, clinic.SessionRejected, got.State)
				default:
					t.Fatalf("both transitions failed: confirm=%v reject=%v", confirmErr, rejectErr)
				}
			}
		})
	}
}

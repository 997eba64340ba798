/*
scheduler.go - Background jobs: calendar sync and confirmation emails

PURPOSE:
  Runs the two periodic jobs of the clinic:
  - sync:   reconcile the configured calendars over [now, now+window)
  - emails: send confirmation emails for sessions about to start

DESIGN:
  - gocron scheduler, one job per concern, each with its own interval
  - Singleton mode: a tick that finds the previous run of the same job
    still going is skipped, so runs never overlap
  - Both jobs run once immediately on Start
  - Job errors are logged; a failed tick never stops the scheduler

CONFIGURATION:
  - SyncInterval:  default 5 minutes
  - EmailInterval: default 1 minute

USAGE:
  s := NewScheduler(syncer, confirmations, defaults, logger)
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - sync.go: TriggerSync endpoint (manual reconciliation)
  - notify/confirm.go: SendDue
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"github.com/sparkbloom/clinic-engine/reconcile"
)

// DueSender sends the confirmation emails that are due.
type DueSender interface {
	SendDue(ctx context.Context) (int, error)
}

// Scheduler owns the periodic sync and email jobs.
type Scheduler struct {
	Sync          Syncer    // nil disables the sync job
	Emails        DueSender // nil disables the email job
	Defaults      SyncDefaults
	SyncInterval  time.Duration
	EmailInterval time.Duration
	Logger        zerolog.Logger
	Now           func() time.Time

	cron *gocron.Scheduler
	mu   sync.Mutex
}

// NewScheduler creates a scheduler with default intervals.
func NewScheduler(syncer Syncer, emails DueSender, defaults SyncDefaults, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		Sync:          syncer,
		Emails:        emails,
		Defaults:      defaults,
		SyncInterval:  5 * time.Minute,
		EmailInterval: time.Minute,
		Logger:        logger.With().Str("component", "scheduler").Logger(),
		Now:           time.Now,
	}
}

// Start registers the jobs and starts them in the background.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	cron := gocron.NewScheduler(time.UTC)
	cron.SingletonModeAll()

	if s.Sync != nil {
		if s.SyncInterval <= 0 {
			return fmt.Errorf("sync interval must be positive")
		}
		if _, err := cron.Every(s.SyncInterval).Tag("sync").Do(s.syncTick); err != nil {
			return fmt.Errorf("schedule sync job: %w", err)
		}
	}
	if s.Emails != nil {
		if s.EmailInterval <= 0 {
			return fmt.Errorf("email interval must be positive")
		}
		if _, err := cron.Every(s.EmailInterval).Tag("emails").Do(s.emailTick); err != nil {
			return fmt.Errorf("schedule email job: %w", err)
		}
	}

	cron.StartAsync()
	s.cron = cron
	s.Logger.Info().
		Dur("sync_interval", s.SyncInterval).
		Dur("email_interval", s.EmailInterval).
		Bool("sync", s.Sync != nil).
		Bool("emails", s.Emails != nil).
		Msg("scheduler started")
	return nil
}

// Stop stops the scheduler. Running jobs finish first.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
		s.Logger.Info().Msg("scheduler stopped")
	}
}

// RunSyncNow runs one scheduled reconciliation synchronously.
func (s *Scheduler) RunSyncNow(ctx context.Context) (reconcile.Summary, error) {
	if s.Sync == nil {
		return reconcile.Summary{}, fmt.Errorf("calendar sync is not configured")
	}
	now := s.now()
	window := s.Defaults.Window
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	return s.Sync.Run(ctx, reconcile.Request{
		CalendarIDs: s.Defaults.CalendarIDs,
		From:        now,
		To:          now.Add(window),
		Strategy:    s.Defaults.Strategy,
		Trigger:     "scheduled",
	})
}

// RunEmailsNow runs one email tick synchronously.
func (s *Scheduler) RunEmailsNow(ctx context.Context) (int, error) {
	if s.Emails == nil {
		return 0, fmt.Errorf("confirmation emails are not configured")
	}
	return s.Emails.SendDue(ctx)
}

func (s *Scheduler) syncTick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.SyncInterval)
	defer cancel()

	if _, err := s.RunSyncNow(ctx); err != nil {
		s.Logger.Error().Err(err).Msg("scheduled sync failed")
	}
}

func (s *Scheduler) emailTick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.EmailInterval)
	defer cancel()

	if _, err := s.RunEmailsNow(ctx); err != nil {
		s.Logger.Error().Err(err).Msg("confirmation email job failed")
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

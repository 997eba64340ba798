/*
ledger.go - Effective-dated commercial conditions

PURPOSE:
  The pricing ledger keeps, per (patient, article) pair, a time-ordered
  sequence of commercial conditions and answers "which condition applies on
  date D". Every session, manual or calendar-driven, takes its monetary
  snapshot from here.

CRITICAL INVARIANTS:
  1. NO OVERLAP FROM THE PAST: when a condition starting at S is written, every
     earlier-starting condition of the same pair that is still in force at S
     is closed at S - 1ms.
  2. ATOMIC: closing predecessors and writing the new row happen in one store
     transaction. A reader sees the old state or the new one, never a mix.
  3. PAIR SCOPED: conditions of different articles never close each other.
     The article-less pair (nil article) is a pair of its own.
  4. NO REOPENING: deleting a condition never reopens the predecessor it
     closed.

KNOWN ASYMMETRY:
  Writing a condition that starts BEFORE an existing one leaves the later one
  untouched; only earlier-starting conditions are closed.

CLOSING NEVER EXTENDS:
  A predecessor that already ends before S keeps its end. Closing only ever
  shortens a range.

EXAMPLE FLOW:
  1. Create A: start Jan 1, open
  2. Create B: start Mar 1, open     -> A.end = Feb 28 23:59:59.999
  3. FindEffective(Feb 10)           -> A
  4. FindEffective(Mar 10)           -> B

SEE ALSO:
  - values.go: net formula and session snapshot
  - clinic/store.go: ConditionTxStore
*/
package pricing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sparkbloom/clinic-engine/clinic"
)

// =============================================================================
// INPUT
// =============================================================================

// ConditionInput carries the staff-editable fields of a condition.
type ConditionInput struct {
	ArticleID       *clinic.ArticleID `json:"article_id"`
	ClientPrice     decimal.Decimal   `json:"client_price" validate:"gt=0"`
	ClinicShare     decimal.Decimal   `json:"clinic_share" validate:"gte=0"`
	TherapistShare  decimal.Decimal   `json:"therapist_share" validate:"gte=0"`
	Retention       decimal.Decimal   `json:"retention" validate:"gte=0,lte=100"`
	ReceiptRequired bool              `json:"receipt_required"`
	Start           time.Time         `json:"start" validate:"required"`
	End             *time.Time        `json:"end"`
}

// Validate checks numeric ranges and dates before anything is written.
func (in ConditionInput) Validate() error {
	if err := clinic.Validate(in); err != nil {
		return err
	}
	if !clinic.NewRange(in.Start, in.End).Valid() {
		return clinic.ValidationErrors{{
			Field:      "end",
			Constraint: "gtefield=start",
			Message:    "must not be before start",
		}}
	}
	return nil
}

func (in ConditionInput) terms() clinic.Terms {
	return clinic.Terms{
		ClientPrice:     in.ClientPrice,
		ClinicShare:     in.ClinicShare,
		TherapistShare:  in.TherapistShare,
		Retention:       in.Retention,
		ReceiptRequired: in.ReceiptRequired,
	}
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger maintains effective-dated commercial conditions.
type Ledger struct {
	Store clinic.ConditionTxStore
	Now   func() time.Time
	NewID func() clinic.ConditionID
}

// NewLedger creates a ledger over store.
func NewLedger(store clinic.ConditionTxStore) *Ledger {
	return &Ledger{
		Store: store,
		Now:   time.Now,
		NewID: func() clinic.ConditionID { return clinic.ConditionID(uuid.NewString()) },
	}
}

// FindEffective returns the condition of (patient, article) in force at the
// given instant: start <= at and (end is nil or end >= at), latest start
// wins. Returns nil, nil when no condition applies.
func (l *Ledger) FindEffective(ctx context.Context, patientID clinic.PatientID, articleID *clinic.ArticleID, at time.Time) (*clinic.Condition, error) {
	conds, err := l.Store.ListConditionsForPair(ctx, patientID, articleID)
	if err != nil {
		return nil, wrapStore("load conditions", err)
	}
	return pickEffective(conds, clinic.Truncate(at)), nil
}

func pickEffective(conds []clinic.Condition, at time.Time) *clinic.Condition {
	var best *clinic.Condition
	for i := range conds {
		c := conds[i]
		if !c.Range.Covers(at) {
			continue
		}
		if best == nil || c.Range.Start.After(best.Range.Start) {
			best = &c
		}
	}
	return best
}

// Price returns the session snapshot for (patient, article) at the given
// instant, or ErrNoPricing when no condition applies.
func (l *Ledger) Price(ctx context.Context, patientID clinic.PatientID, articleID *clinic.ArticleID, at time.Time) (clinic.Values, error) {
	cond, err := l.FindEffective(ctx, patientID, articleID, at)
	if err != nil {
		return clinic.Values{}, err
	}
	if cond == nil {
		return clinic.Values{}, clinic.ErrNoPricing
	}
	return SessionValues(*cond), nil
}

// Create validates in, closes earlier conditions of the same pair still in
// force at the new start and inserts the new condition, atomically.
func (l *Ledger) Create(ctx context.Context, patientID clinic.PatientID, in ConditionInput) (clinic.Condition, error) {
	if err := in.Validate(); err != nil {
		return clinic.Condition{}, err
	}

	now := l.Now().UTC()
	cond := clinic.Condition{
		ID:        l.NewID(),
		PatientID: patientID,
		ArticleID: in.ArticleID,
		Terms:     in.terms(),
		Net:       NetValue(in.TherapistShare, in.Retention),
		Range:     clinic.NewRange(in.Start, in.End),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := l.Store.WithTx(ctx, func(s clinic.ConditionStore) error {
		if err := closePredecessors(ctx, s, patientID, in.ArticleID, cond.Range.Start, ""); err != nil {
			return err
		}
		return s.InsertCondition(ctx, cond)
	})
	if err != nil {
		return clinic.Condition{}, wrapStore("create condition", err)
	}
	return cond, nil
}

// Update rewrites an existing condition. Earlier-starting conditions of the
// (possibly new) pair are closed as in Create; the edited condition itself is
// never a closing candidate.
func (l *Ledger) Update(ctx context.Context, id clinic.ConditionID, in ConditionInput) (clinic.Condition, error) {
	if err := in.Validate(); err != nil {
		return clinic.Condition{}, err
	}

	var updated clinic.Condition
	err := l.Store.WithTx(ctx, func(s clinic.ConditionStore) error {
		current, err := s.GetCondition(ctx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return clinic.NotFound("condition", string(id))
		}

		updated = *current
		updated.ArticleID = in.ArticleID
		updated.Terms = in.terms()
		updated.Net = NetValue(in.TherapistShare, in.Retention)
		updated.Range = clinic.NewRange(in.Start, in.End)
		updated.UpdatedAt = l.Now().UTC()

		if err := closePredecessors(ctx, s, current.PatientID, in.ArticleID, updated.Range.Start, id); err != nil {
			return err
		}
		return s.UpdateCondition(ctx, updated)
	})
	if err != nil {
		return clinic.Condition{}, wrapStore("update condition", err)
	}
	return updated, nil
}

// Delete removes a condition. Predecessors it closed stay closed.
func (l *Ledger) Delete(ctx context.Context, id clinic.ConditionID) error {
	current, err := l.Store.GetCondition(ctx, id)
	if err != nil {
		return wrapStore("load condition", err)
	}
	if current == nil {
		return clinic.NotFound("condition", string(id))
	}
	if err := l.Store.DeleteCondition(ctx, id); err != nil {
		return wrapStore("delete condition", err)
	}
	return nil
}

// closePredecessors ends every condition of the pair that starts strictly
// before start and is still in force at start. exclude skips the condition
// being edited.
func closePredecessors(ctx context.Context, s clinic.ConditionStore, patientID clinic.PatientID, articleID *clinic.ArticleID, start time.Time, exclude clinic.ConditionID) error {
	conds, err := s.ListConditionsForPair(ctx, patientID, articleID)
	if err != nil {
		return err
	}
	end := clinic.ClosedBefore(start)
	for _, c := range conds {
		if c.ID == exclude {
			continue
		}
		if !c.Range.Start.Before(start) || !c.Range.ReachesOrPasses(start) {
			continue
		}
		if err := s.CloseCondition(ctx, c.ID, end); err != nil {
			return err
		}
	}
	return nil
}

// wrapStore keeps domain errors intact and classifies the rest as
// persistence failures.
func wrapStore(op string, err error) error {
	if errors.Is(err, clinic.ErrValidation) || errors.Is(err, clinic.ErrNotFound) ||
		errors.Is(err, clinic.ErrConflict) || errors.Is(err, clinic.ErrPersistence) {
		return err
	}
	return &clinic.PersistenceError{Op: op, Err: err}
}

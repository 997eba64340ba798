package pricing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkbloom/clinic-engine/clinic"
	"github.com/sparkbloom/clinic-engine/pricing"
	"github.com/sparkbloom/clinic-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const patient = clinic.PatientID("p-7")

func newTestLedger() (*pricing.Ledger, *memory.Memory) {
	store := memory.NewMemory()
	return pricing.NewLedger(store), store
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func article(id string) *clinic.ArticleID {
	a := clinic.ArticleID(id)
	return &a
}

func input(price string, start time.Time) pricing.ConditionInput {
	return pricing.ConditionInput{
		ClientPrice:    dec(price),
		ClinicShare:    dec("20"),
		TherapistShare: dec("30"),
		Retention:      dec("11"),
		Start:          start,
	}
}

// =============================================================================
// CREATE & CLOSE
// =============================================================================

func TestCreate_ClosesPredecessorOfSamePair(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger()

	// GIVEN: an open condition since Jan 1
	a, err := ledger.Create(ctx, patient, input("50", day(2024, time.January, 1)))
	require.NoError(t, err)
	assert.True(t, a.Range.IsOpen())

	// WHEN: a successor starting Mar 1 is created
	b, err := ledger.Create(ctx, patient, input("55", day(2024, time.March, 1)))
	require.NoError(t, err)

	// THEN: the first one ends 1ms before Mar 1
	got, err := ledger.Store.GetCondition(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Range.End)
	assert.Equal(t, day(2024, time.March, 1).Add(-time.Millisecond), *got.Range.End)

	feb, err := ledger.FindEffective(ctx, patient, nil, day(2024, time.February, 10))
	require.NoError(t, err)
	require.NotNil(t, feb)
	assert.Equal(t, a.ID, feb.ID)

	mar, err := ledger.FindEffective(ctx, patient, nil, day(2024, time.March, 10))
	require.NoError(t, err)
	require.NotNil(t, mar)
	assert.Equal(t, b.ID, mar.ID)
}

func TestCreate_DifferentArticlesDoNotInteract(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger()

	in := input("50", day(2024, time.January, 1))
	in.ArticleID = article("A1")
	a, err := ledger.Create(ctx, patient, in)
	require.NoError(t, err)

	in = input("60", day(2024, time.March, 1))
	in.ArticleID = article("A2")
	_, err = ledger.Create(ctx, patient, in)
	require.NoError(t, err)

	// Article-less pair is separate too
	_, err = ledger.Create(ctx, patient, input("70", day(2024, time.April, 1)))
	require.NoError(t, err)

	got, err := ledger.Store.GetCondition(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Range.IsOpen(), "A1 must stay open")
}

func TestCreate_LaterStartingConditionStaysUntouched(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger()

	later, err := ledger.Create(ctx, patient, input("55", day(2024, time.June, 1)))
	require.NoError(t, err)

	_, err = ledger.Create(ctx, patient, input("50", day(2024, time.January, 1)))
	require.NoError(t, err)

	got, err := ledger.Store.GetCondition(ctx, later.ID)
	require.NoError(t, err)
	assert.True(t, got.Range.IsOpen())
}

func TestCreate_NeverExtendsAnAlreadyClosedPredecessor(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger()

	// GIVEN: a condition already ended Jan 31
	in := input("50", day(2024, time.January, 1))
	end := day(2024, time.January, 31)
	in.End = &end
	a, err := ledger.Create(ctx, patient, in)
	require.NoError(t, err)

	// WHEN: a successor starts much later
	_, err = ledger.Create(ctx, patient, input("55", day(2024, time.June, 1)))
	require.NoError(t, err)

	// THEN: its end is unchanged
	got, err := ledger.Store.GetCondition(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, end, *got.Range.End)
}

func TestCreate_StoresNetValue(t *testing.T) {
	ledger, _ := newTestLedger()

	c, err := ledger.Create(context.Background(), patient, input("50", day(2024, time.January, 1)))
	require.NoError(t, err)
	assert.True(t, dec("26.70").Equal(c.Net))
}

// =============================================================================
// FIND EFFECTIVE
// =============================================================================

func TestFindEffective_Boundaries(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger()

	in := input("50", day(2024, time.January, 1))
	end := day(2024, time.March, 31)
	in.End = &end
	c, err := ledger.Create(ctx, patient, in)
	require.NoError(t, err)

	tests := []struct {
		name  string
		at    time.Time
		found bool
	}{
		{"before first start", day(2023, time.December, 31), false},
		{"exactly at start", day(2024, time.January, 1), true},
		{"inside", day(2024, time.February, 15), true},
		{"exactly at end", end, true},
		{"after end", end.Add(time.Millisecond), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ledger.FindEffective(ctx, patient, nil, tt.at)
			require.NoError(t, err)
			if !tt.found {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, c.ID, got.ID)
		})
	}
}

func TestFindEffective_LatestStartWinsOnOverlap(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger()

	// A later-starting condition written first is not closed, so the two overlap
	late, err := ledger.Create(ctx, patient, input("55", day(2024, time.June, 1)))
	require.NoError(t, err)
	_, err = ledger.Create(ctx, patient, input("50", day(2024, time.January, 1)))
	require.NoError(t, err)

	got, err := ledger.FindEffective(ctx, patient, nil, day(2024, time.July, 1))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, late.ID, got.ID)
}

func TestPrice_NoCondition(t *testing.T) {
	ledger, _ := newTestLedger()

	_, err := ledger.Price(context.Background(), patient, nil, day(2024, time.January, 1))
	assert.ErrorIs(t, err, clinic.ErrNoPricing)
}

func TestPrice_Snapshot(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger()

	in := input("50", day(2024, time.January, 1))
	in.ReceiptRequired = true
	_, err := ledger.Create(ctx, patient, in)
	require.NoError(t, err)

	v, err := ledger.Price(ctx, patient, nil, day(2024, time.January, 8))
	require.NoError(t, err)
	assert.True(t, dec("50").Equal(v.SessionValue))
	assert.True(t, dec("30").Equal(v.TherapistValue))
	assert.True(t, dec("11").Equal(v.Retention))
	assert.True(t, dec("26.70").Equal(v.NetValue))
	assert.True(t, v.ReceiptRequired)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestCreate_ValidationNamesField(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*pricing.ConditionInput)
		field string
	}{
		{"zero price", func(in *pricing.ConditionInput) { in.ClientPrice = dec("0") }, "client_price"},
		{"negative clinic share", func(in *pricing.ConditionInput) { in.ClinicShare = dec("-1") }, "clinic_share"},
		{"negative therapist share", func(in *pricing.ConditionInput) { in.TherapistShare = dec("-0.01") }, "therapist_share"},
		{"retention above 100", func(in *pricing.ConditionInput) { in.Retention = dec("100.5") }, "retention"},
		{"negative retention", func(in *pricing.ConditionInput) { in.Retention = dec("-1") }, "retention"},
		{"missing start", func(in *pricing.ConditionInput) { in.Start = time.Time{} }, "start"},
		{"end before start", func(in *pricing.ConditionInput) {
			e := in.Start.Add(-time.Hour)
			in.End = &e
		}, "end"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger, store := newTestLedger()
			in := input("50", day(2024, time.January, 1))
			tt.edit(&in)

			_, err := ledger.Create(context.Background(), patient, in)
			require.Error(t, err)
			assert.ErrorIs(t, err, clinic.ErrValidation)

			var verrs clinic.ValidationErrors
			require.True(t, errors.As(err, &verrs))
			assert.Equal(t, tt.field, verrs[0].Field)

			// nothing was written
			conds, _ := store.ListConditions(context.Background(), patient)
			assert.Empty(t, conds)
		})
	}
}

func TestCreate_BoundaryValuesAccepted(t *testing.T) {
	ledger, _ := newTestLedger()
	in := input("0.01", day(2024, time.January, 1))
	in.ClinicShare = dec("0")
	in.TherapistShare = dec("0")
	in.Retention = dec("100")

	_, err := ledger.Create(context.Background(), patient, in)
	assert.NoError(t, err)
}

// =============================================================================
// ATOMICITY
// =============================================================================

func TestCreate_FailedInsertRollsBackClosing(t *testing.T) {
	ctx := context.Background()
	ledger, store := newTestLedger()

	a, err := ledger.Create(ctx, patient, input("50", day(2024, time.January, 1)))
	require.NoError(t, err)

	// WHEN: the insert of the successor fails
	store.FailInsert = errors.New("disk full")
	_, err = ledger.Create(ctx, patient, input("55", day(2024, time.March, 1)))

	// THEN: a persistence error surfaces and the predecessor is still open
	require.Error(t, err)
	assert.ErrorIs(t, err, clinic.ErrPersistence)

	store.FailInsert = nil
	got, err := store.GetCondition(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Range.IsOpen())
}

// =============================================================================
// UPDATE & DELETE
// =============================================================================

func TestUpdate_DoesNotCloseItself(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger()

	a, err := ledger.Create(ctx, patient, input("50", day(2024, time.January, 1)))
	require.NoError(t, err)

	// Moving the start later must not close the edited condition
	updated, err := ledger.Update(ctx, a.ID, input("52", day(2024, time.February, 1)))
	require.NoError(t, err)
	assert.True(t, updated.Range.IsOpen())
	assert.True(t, dec("52").Equal(updated.ClientPrice))
	assert.Equal(t, a.CreatedAt, updated.CreatedAt)
}

func TestUpdate_ClosesPredecessors(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger()

	a, err := ledger.Create(ctx, patient, input("50", day(2024, time.January, 1)))
	require.NoError(t, err)

	// b starts before a, so creating it leaves a untouched and b open
	b, err := ledger.Create(ctx, patient, input("40", day(2023, time.January, 1)))
	require.NoError(t, err)

	// Updating b re-runs closing: a starts after b, so a stays open
	_, err = ledger.Update(ctx, b.ID, input("45", day(2023, time.January, 1)))
	require.NoError(t, err)
	got, _ := ledger.Store.GetCondition(ctx, a.ID)
	assert.True(t, got.Range.IsOpen())

	// Updating a re-runs closing and now closes b
	_, err = ledger.Update(ctx, a.ID, input("50", day(2024, time.January, 1)))
	require.NoError(t, err)
	got, _ = ledger.Store.GetCondition(ctx, b.ID)
	require.NotNil(t, got.Range.End)
	assert.Equal(t, day(2024, time.January, 1).Add(-time.Millisecond), *got.Range.End)
}

func TestUpdate_NotFound(t *testing.T) {
	ledger, _ := newTestLedger()

	_, err := ledger.Update(context.Background(), "missing", input("50", day(2024, time.January, 1)))
	assert.ErrorIs(t, err, clinic.ErrNotFound)
}

func TestDelete_DoesNotReopenPredecessor(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger()

	a, err := ledger.Create(ctx, patient, input("50", day(2024, time.January, 1)))
	require.NoError(t, err)
	b, err := ledger.Create(ctx, patient, input("55", day(2024, time.March, 1)))
	require.NoError(t, err)

	require.NoError(t, ledger.Delete(ctx, b.ID))

	got, err := ledger.Store.GetCondition(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, got.Range.IsOpen())

	// Dates after the gap have no pricing
	eff, err := ledger.FindEffective(ctx, patient, nil, day(2024, time.April, 1))
	require.NoError(t, err)
	assert.Nil(t, eff)
}

func TestDelete_NotFound(t *testing.T) {
	ledger, _ := newTestLedger()
	assert.ErrorIs(t, ledger.Delete(context.Background(), "missing"), clinic.ErrNotFound)
}

// =============================================================================
// SEQUENCES
// =============================================================================

type ledgerStep struct {
	update  bool // false: create
	name    string
	article *clinic.ArticleID
	start   time.Time
}

func TestLedger_SequencesKeepOneConditionInForce(t *testing.T) {
	therapy, eval := article("therapy"), article("eval")
	create := func(name string, a *clinic.ArticleID, start time.Time) ledgerStep {
		return ledgerStep{name: name, article: a, start: start}
	}
	update := func(name string, a *clinic.ArticleID, start time.Time) ledgerStep {
		return ledgerStep{update: true, name: name, article: a, start: start}
	}

	tests := []struct {
		name  string
		steps []ledgerStep
		// disjoint: every pair ends with non-overlapping ranges. False only
		// when an earlier-starting condition is written after a later one.
		disjoint bool
	}{
		{
			name: "forward creates on one pair",
			steps: []ledgerStep{
				create("a", nil, day(2024, time.January, 1)),
				create("b", nil, day(2024, time.March, 1)),
				create("c", nil, day(2024, time.June, 1)),
			},
			disjoint: true,
		},
		{
			name: "interleaved pairs",
			steps: []ledgerStep{
				create("a", therapy, day(2024, time.January, 1)),
				create("b", eval, day(2024, time.February, 1)),
				create("c", therapy, day(2024, time.April, 1)),
				create("d", nil, day(2024, time.March, 1)),
				create("e", eval, day(2024, time.May, 1)),
			},
			disjoint: true,
		},
		{
			name: "update moves a successor later",
			steps: []ledgerStep{
				create("a", nil, day(2024, time.January, 1)),
				create("b", nil, day(2024, time.March, 1)),
				update("b", nil, day(2024, time.May, 1)),
				create("c", nil, day(2024, time.July, 1)),
			},
			disjoint: true,
		},
		{
			name: "update moves a condition to another article",
			steps: []ledgerStep{
				create("a", therapy, day(2024, time.January, 1)),
				create("b", eval, day(2024, time.February, 1)),
				create("c", therapy, day(2024, time.March, 1)),
				update("c", eval, day(2024, time.April, 1)),
				create("d", therapy, day(2024, time.June, 1)),
			},
			disjoint: true,
		},
		{
			name: "earlier start written after a later one",
			steps: []ledgerStep{
				create("a", nil, day(2024, time.March, 1)),
				create("b", nil, day(2024, time.January, 1)),
				create("c", nil, day(2024, time.May, 1)),
			},
			disjoint: false,
		},
	}

	pairs := []*clinic.ArticleID{nil, therapy, eval}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			ledger, store := newTestLedger()
			ids := map[string]clinic.ConditionID{}

			for i, step := range tt.steps {
				before := conditionsByID(t, store)

				// WHEN: the step is applied
				var written clinic.Condition
				var err error
				in := input("50", step.start)
				in.ArticleID = step.article
				if step.update {
					written, err = ledger.Update(ctx, ids[step.name], in)
				} else {
					written, err = ledger.Create(ctx, patient, in)
					ids[step.name] = written.ID
				}
				require.NoError(t, err, "step %d", i)

				after := conditionsByID(t, store)

				// THEN: no earlier condition of the written pair is still in force at its start
				for _, c := range after {
					if c.ID == written.ID || !c.SamePair(patient, written.ArticleID) {
						continue
					}
					if c.Range.Start.Before(written.Range.Start) {
						assert.False(t, c.Range.Covers(written.Range.Start),
							"step %d: %s still covers %s", i, c.Range, written.Range.Start)
					}
				}

				// AND: other pairs are untouched
				for id, c := range after {
					if id == written.ID || c.SamePair(patient, written.ArticleID) {
						continue
					}
					assert.Equal(t, before[id].Range, c.Range, "step %d: condition of another pair changed", i)
				}

				// AND: FindEffective agrees with the stored ranges on every day
				for _, a := range pairs {
					assertEffectiveConsistent(t, ledger, store, a, tt.disjoint && i == len(tt.steps)-1)
				}
			}
		})
	}
}

func conditionsByID(t *testing.T, store *memory.Memory) map[clinic.ConditionID]clinic.Condition {
	t.Helper()
	list, err := store.ListConditions(context.Background(), patient)
	require.NoError(t, err)
	out := make(map[clinic.ConditionID]clinic.Condition, len(list))
	for _, c := range list {
		out[c.ID] = c
	}
	return out
}

// assertEffectiveConsistent checks every day of 2024 plus each stored bound.
// With disjoint set, at most one condition of the pair may cover an instant.
func assertEffectiveConsistent(t *testing.T, ledger *pricing.Ledger, store *memory.Memory, a *clinic.ArticleID, disjoint bool) {
	t.Helper()
	ctx := context.Background()
	conds, err := store.ListConditionsForPair(ctx, patient, a)
	require.NoError(t, err)

	var instants []time.Time
	for d := day(2024, time.January, 1); d.Year() == 2024; d = d.AddDate(0, 0, 1) {
		instants = append(instants, d)
	}
	for _, c := range conds {
		instants = append(instants, c.Range.Start, c.Range.Start.Add(-time.Millisecond))
		if c.Range.End != nil {
			instants = append(instants, *c.Range.End, c.Range.End.Add(time.Millisecond))
		}
	}

	for _, at := range instants {
		var covering []clinic.Condition
		for _, c := range conds {
			if c.Range.Covers(at) {
				covering = append(covering, c)
			}
		}
		if disjoint {
			assert.LessOrEqual(t, len(covering), 1, "%v conditions cover %s", len(covering), at)
		}

		got, err := ledger.FindEffective(ctx, patient, a, at)
		require.NoError(t, err)
		if len(covering) == 0 {
			assert.Nil(t, got, "nothing covers %s", at)
			continue
		}
		require.NotNil(t, got, "a condition covers %s", at)
		assert.True(t, got.Range.Covers(at))
		for _, c := range covering {
			assert.False(t, c.Range.Start.After(got.Range.Start), "a later-starting condition covers %s", at)
		}
	}
}

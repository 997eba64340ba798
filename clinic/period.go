package clinic

import "time"

// =============================================================================
// EFFECTIVE RANGE - When a commercial condition is in force
// =============================================================================

// ClosingGap is how far before a successor's start an auto-closed condition
// ends. Timestamps are stored at millisecond precision, so one millisecond is
// the smallest representable gap.
const ClosingGap = time.Millisecond

// EffectiveRange is the validity window [Start, End] of a condition.
// A nil End means the condition is still in force.
type EffectiveRange struct {
	Start time.Time
	End   *time.Time
}

// NewRange builds a range, normalising both bounds to UTC milliseconds.
func NewRange(start time.Time, end *time.Time) EffectiveRange {
	r := EffectiveRange{Start: Truncate(start)}
	if end != nil {
		e := Truncate(*end)
		r.End = &e
	}
	return r
}

// IsOpen reports whether the range has no end.
func (r EffectiveRange) IsOpen() bool { return r.End == nil }

// Covers returns true when start <= t and (End is nil or End >= t).
func (r EffectiveRange) Covers(t time.Time) bool {
	if r.Start.After(t) {
		return false
	}
	return r.End == nil || !r.End.Before(t)
}

// ReachesOrPasses returns true when the range is open or ends on/after t.
func (r EffectiveRange) ReachesOrPasses(t time.Time) bool {
	return r.End == nil || !r.End.Before(t)
}

// Valid reports whether End, when set, is not before Start.
func (r EffectiveRange) Valid() bool {
	return r.End == nil || !r.End.Before(r.Start)
}

// ClosedBefore returns the end a predecessor gets when a condition starting
// at next begins.
func ClosedBefore(next time.Time) time.Time {
	return Truncate(next).Add(-ClosingGap)
}

// String returns a string representation of the range.
func (r EffectiveRange) String() string {
	end := "open"
	if r.End != nil {
		end = r.End.Format(time.RFC3339Nano)
	}
	return "[" + r.Start.Format(time.RFC3339Nano) + ", " + end + "]"
}

// Truncate normalises a timestamp to UTC at millisecond precision.
func Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// =============================================================================
// TIME UTILITIES
// =============================================================================

// Window is a half-open [From, To) interval used for calendar pulls and
// report filters.
type Window struct {
	From time.Time
	To   time.Time
}

// Contains returns true if From <= t < To.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// MonthKey formats t as YYYY-MM in UTC.
func MonthKey(t time.Time) string { return t.UTC().Format("2006-01") }

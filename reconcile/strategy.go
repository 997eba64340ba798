package reconcile

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sparkbloom/clinic-engine/calendar"
	"github.com/sparkbloom/clinic-engine/clinic"
)

// =============================================================================
// STRATEGY - How an event is tied to a patient
// =============================================================================

// Strategy selects how calendar events are matched to patients.
type Strategy string

const (
	// StrategySubject reads "UTENTE:<code>" from the event title.
	StrategySubject Strategy = "subject"
	// StrategyAttendee matches attendee emails against patient and guardian emails.
	StrategyAttendee Strategy = "attendee"
	// StrategyCategory reads "Utente:<code>" from the event categories.
	StrategyCategory Strategy = "category"
	// StrategyAll tries subject, attendee and category in that order.
	StrategyAll Strategy = "all"
)

// Strategies lists every accepted strategy.
var Strategies = []Strategy{StrategySubject, StrategyAttendee, StrategyCategory, StrategyAll}

// ParseStrategy parses a strategy name. The empty string means subject.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategySubject:
		return StrategySubject, nil
	case StrategyAttendee:
		return StrategyAttendee, nil
	case StrategyCategory:
		return StrategyCategory, nil
	case StrategyAll:
		return StrategyAll, nil
	}
	return "", clinic.Invalid("strategy", "oneof=subject attendee category all",
		fmt.Sprintf("unknown matching strategy %q", s))
}

var (
	subjectCode  = regexp.MustCompile(`(?i)UTENTE[:\s]+(\d+)`)
	categoryCode = regexp.MustCompile(`(?i)Utente[:\s]+(\d+)`)
)

// identityIndex answers "which active patient is this" for one run. Built
// once from patients ordered by code; the first patient owning a code or an
// email wins.
type identityIndex struct {
	byCode  map[int64]clinic.PatientID
	byEmail map[string]clinic.PatientID
}

func newIdentityIndex(patients []clinic.Patient) *identityIndex {
	idx := &identityIndex{
		byCode:  make(map[int64]clinic.PatientID, len(patients)),
		byEmail: make(map[string]clinic.PatientID),
	}
	for _, p := range patients {
		if _, ok := idx.byCode[p.Code]; !ok {
			idx.byCode[p.Code] = p.ID
		}
		for _, e := range p.Emails() {
			key := strings.ToLower(strings.TrimSpace(e))
			if _, ok := idx.byEmail[key]; !ok {
				idx.byEmail[key] = p.ID
			}
		}
	}
	return idx
}

// resolve returns the patient an event belongs to under strategy.
func (idx *identityIndex) resolve(ev calendar.Event, strategy Strategy) (clinic.PatientID, bool) {
	switch strategy {
	case StrategySubject:
		return idx.bySubject(ev)
	case StrategyAttendee:
		return idx.byAttendee(ev)
	case StrategyCategory:
		return idx.byCategory(ev)
	case StrategyAll:
		if id, ok := idx.bySubject(ev); ok {
			return id, true
		}
		if id, ok := idx.byAttendee(ev); ok {
			return id, true
		}
		return idx.byCategory(ev)
	}
	return "", false
}

func (idx *identityIndex) bySubject(ev calendar.Event) (clinic.PatientID, bool) {
	return idx.lookupCode(subjectCode, ev.Subject)
}

func (idx *identityIndex) byAttendee(ev calendar.Event) (clinic.PatientID, bool) {
	for _, addr := range ev.Attendees {
		if id, ok := idx.byEmail[strings.ToLower(strings.TrimSpace(addr))]; ok {
			return id, true
		}
	}
	return "", false
}

func (idx *identityIndex) byCategory(ev calendar.Event) (clinic.PatientID, bool) {
	for _, c := range ev.Categories {
		if id, ok := idx.lookupCode(categoryCode, c); ok {
			return id, true
		}
	}
	return "", false
}

func (idx *identityIndex) lookupCode(re *regexp.Regexp, text string) (clinic.PatientID, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	code, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return "", false
	}
	id, ok := idx.byCode[code]
	return id, ok
}

/*
report.go - Dashboard KPIs over sessions

PURPOSE:
  Aggregates the session list into the figures shown on the dashboard and
  feeds the CSV/XLSX/PDF exports. Amounts are summed as decimals from the
  session snapshots; nothing is re-priced.

KPIs:
  - TotalSessions:       sessions matching the filter
  - TotalValue:          sum of session values
  - UnpaidValue:         sum of session values still unpaid
  - PaidWithoutReceipt:  paid sessions that require a receipt and have none
  - SessionsPerMonth:    count per YYYY-MM (UTC)

SEE ALSO:
  - export.go: CSV and XLSX writers
  - pdf.go: PDF report
  - api/reports.go: HTTP entry points
*/
package report

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sparkbloom/clinic-engine/clinic"
)

// SessionLister lists sessions matching a filter.
type SessionLister interface {
	ListSessions(ctx context.Context, f clinic.SessionFilter) ([]clinic.Session, error)
}

// PatientLister lists patients, used to resolve display names.
type PatientLister interface {
	ListPatients(ctx context.Context, f clinic.PatientFilter) ([]clinic.Patient, error)
}

// Row is one session as it appears in reports.
type Row struct {
	SessionID     clinic.SessionID
	ScheduledAt   time.Time
	PatientID     clinic.PatientID
	PatientName   string
	State         clinic.SessionState
	Value         decimal.Decimal
	PaymentState  clinic.PaymentState
	ReceiptNumber string
}

// Dashboard holds the aggregated KPIs plus the rows they were computed from.
type Dashboard struct {
	TotalSessions      int
	TotalValue         decimal.Decimal
	UnpaidValue        decimal.Decimal
	PaidWithoutReceipt int
	SessionsPerMonth   map[string]int
	Rows               []Row
}

// Reporter builds reports from the stores.
type Reporter struct {
	Sessions SessionLister
	Patients PatientLister
}

func NewReporter(sessions SessionLister, patients PatientLister) *Reporter {
	return &Reporter{Sessions: sessions, Patients: patients}
}

// Rows returns the sessions matching f as report rows, oldest first.
func (r *Reporter) Rows(ctx context.Context, f clinic.SessionFilter) ([]Row, error) {
	sessions, err := r.Sessions.ListSessions(ctx, f)
	if err != nil {
		return nil, &clinic.PersistenceError{Op: "list sessions", Err: err}
	}
	return r.rows(ctx, sessions)
}

// Dashboard aggregates the sessions matching f.
func (r *Reporter) Dashboard(ctx context.Context, f clinic.SessionFilter) (Dashboard, error) {
	sessions, err := r.Sessions.ListSessions(ctx, f)
	if err != nil {
		return Dashboard{}, &clinic.PersistenceError{Op: "list sessions", Err: err}
	}
	d := Summarize(sessions)
	if d.Rows, err = r.rows(ctx, sessions); err != nil {
		return Dashboard{}, err
	}
	return d, nil
}

func (r *Reporter) rows(ctx context.Context, sessions []clinic.Session) ([]Row, error) {
	patients, err := r.Patients.ListPatients(ctx, clinic.PatientFilter{})
	if err != nil {
		return nil, &clinic.PersistenceError{Op: "list patients", Err: err}
	}
	names := make(map[clinic.PatientID]string, len(patients))
	for _, p := range patients {
		names[p.ID] = p.Name
	}

	rows := make([]Row, 0, len(sessions))
	for _, s := range sessions {
		row := Row{
			SessionID:    s.ID,
			ScheduledAt:  s.ScheduledAt,
			PatientID:    s.PatientID,
			PatientName:  names[s.PatientID],
			State:        s.State,
			Value:        s.Values.SessionValue,
			PaymentState: s.PaymentState,
		}
		if s.ReceiptNumber != nil {
			row.ReceiptNumber = *s.ReceiptNumber
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ScheduledAt.Before(rows[j].ScheduledAt) })
	return rows, nil
}

// Summarize computes the KPIs of sessions. Rows is left empty.
func Summarize(sessions []clinic.Session) Dashboard {
	d := Dashboard{
		TotalValue:       decimal.Zero,
		UnpaidValue:      decimal.Zero,
		SessionsPerMonth: make(map[string]int),
	}
	for _, s := range sessions {
		d.TotalSessions++
		d.TotalValue = d.TotalValue.Add(s.Values.SessionValue)
		if s.PaymentState == clinic.PaymentUnpaid {
			d.UnpaidValue = d.UnpaidValue.Add(s.Values.SessionValue)
		}
		if s.MissingReceipt() {
			d.PaidWithoutReceipt++
		}
		d.SessionsPerMonth[clinic.MonthKey(s.ScheduledAt)]++
	}
	return d
}

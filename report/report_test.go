package report_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/360EntSecGroup-Skylar/excelize"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkbloom/clinic-engine/clinic"
	"github.com/sparkbloom/clinic-engine/report"
	"github.com/sparkbloom/clinic-engine/store/memory"
)

func strPtr(s string) *string { return &s }

// seed creates two patients and four sessions across two months.
func seed(t *testing.T) (*memory.Memory, clinic.PatientID) {
	t.Helper()
	ctx := context.Background()
	m := memory.NewMemory()
	ana, err := m.CreatePatient(ctx, clinic.Patient{Name: "Ana"})
	require.NoError(t, err)
	rui, err := m.CreatePatient(ctx, clinic.Patient{Name: "Rui"})
	require.NoError(t, err)

	sessions := []clinic.Session{
		{
			ID: "s1", PatientID: ana.ID, ScheduledAt: time.Date(2024, 3, 5, 9, 30, 0, 0, time.UTC),
			PaymentState: clinic.PaymentPaid, ReceiptNumber: strPtr("R-001"),
			Values: clinic.Values{SessionValue: decimal.RequireFromString("50"), ReceiptRequired: true},
		},
		{
			ID: "s2", PatientID: ana.ID, ScheduledAt: time.Date(2024, 3, 12, 9, 30, 0, 0, time.UTC),
			PaymentState: clinic.PaymentPaid,
			Values:       clinic.Values{SessionValue: decimal.RequireFromString("50"), ReceiptRequired: true},
		},
		{
			ID: "s3", PatientID: rui.ID, ScheduledAt: time.Date(2024, 4, 2, 14, 0, 0, 0, time.UTC),
			PaymentState: clinic.PaymentUnpaid,
			Values:       clinic.Values{SessionValue: decimal.RequireFromString("42.5")},
		},
		{
			ID: "s4", PatientID: rui.ID, ScheduledAt: time.Date(2024, 2, 20, 14, 0, 0, 0, time.UTC),
			PaymentState: clinic.PaymentUnpaid,
			Values:       clinic.Values{SessionValue: decimal.RequireFromString("42.5"), ReceiptRequired: true},
		},
	}
	for _, s := range sessions {
		s.State = clinic.SessionConfirmed
		require.NoError(t, m.InsertSession(ctx, s))
	}
	return m, ana.ID
}

func TestDashboard_KPIs(t *testing.T) {
	m, _ := seed(t)
	r := report.NewReporter(m, m)

	d, err := r.Dashboard(context.Background(), clinic.SessionFilter{})
	require.NoError(t, err)

	assert.Equal(t, 4, d.TotalSessions)
	assert.Equal(t, "185.00", d.TotalValue.StringFixed(2))
	assert.Equal(t, "85.00", d.UnpaidValue.StringFixed(2))
	// s2 is paid, requires a receipt and has none; s4 is unpaid
	assert.Equal(t, 1, d.PaidWithoutReceipt)
	assert.Equal(t, map[string]int{"2024-02": 1, "2024-03": 2, "2024-04": 1}, d.SessionsPerMonth)

	require.Len(t, d.Rows, 4)
	assert.Equal(t, clinic.SessionID("s4"), d.Rows[0].SessionID, "rows are oldest first")
	assert.Equal(t, "Rui", d.Rows[0].PatientName)
}

func TestDashboard_Filtered(t *testing.T) {
	m, ana := seed(t)
	r := report.NewReporter(m, m)

	d, err := r.Dashboard(context.Background(), clinic.SessionFilter{PatientID: &ana})
	require.NoError(t, err)
	assert.Equal(t, 2, d.TotalSessions)
	assert.True(t, d.UnpaidValue.IsZero())
	assert.Equal(t, map[string]int{"2024-03": 2}, d.SessionsPerMonth)
}

func TestSummarize_Empty(t *testing.T) {
	d := report.Summarize(nil)
	assert.Equal(t, 0, d.TotalSessions)
	assert.Equal(t, "0.00", d.TotalValue.StringFixed(2))
	assert.NotNil(t, d.SessionsPerMonth)
}

func TestWriteCSV(t *testing.T) {
	m, _ := seed(t)
	rows, err := report.NewReporter(m, m).Rows(context.Background(), clinic.SessionFilter{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, report.WriteCSV(&buf, rows, nil))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, report.Header, records[0])
	assert.Equal(t, []string{"20/02/2024 14:00", "Rui", "42.50", "unpaid", ""}, records[1])
	assert.Equal(t, []string{"05/03/2024 09:30", "Ana", "50.00", "paid", "R-001"}, records[2])
}

func TestWriteCSV_Location(t *testing.T) {
	lisbon, err := time.LoadLocation("Europe/Lisbon")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	rows := []report.Row{{
		ScheduledAt: time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC),
		PatientName: "Ana, Jr.",
		Value:       decimal.RequireFromString("30"),
	}}

	var buf bytes.Buffer
	require.NoError(t, report.WriteCSV(&buf, rows, lisbon))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "01/07/2024 10:00", records[1][0], "summer time is UTC+1")
	assert.Equal(t, "Ana, Jr.", records[1][1], "commas are quoted")
}

func TestWriteXLSX(t *testing.T) {
	m, _ := seed(t)
	rows, err := report.NewReporter(m, m).Rows(context.Background(), clinic.SessionFilter{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, report.WriteXLSX(&buf, rows, nil))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, "Date", f.GetCellValue(report.SheetName, "A1"))
	assert.Equal(t, "Receipt No.", f.GetCellValue(report.SheetName, "E1"))
	assert.Equal(t, "20/02/2024 14:00", f.GetCellValue(report.SheetName, "A2"))
	assert.Equal(t, "R-001", f.GetCellValue(report.SheetName, "E3"))
	assert.Equal(t, "42.50", f.GetCellValue(report.SheetName, "C5"))
}

func TestWritePDF(t *testing.T) {
	m, _ := seed(t)
	d, err := report.NewReporter(m, m).Dashboard(context.Background(), clinic.SessionFilter{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, report.WritePDF(&buf, d, nil, nil, nil))

	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")))
	assert.Contains(t, buf.String(), "%%EOF")
}

func TestWritePDF_NoSessions(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, report.WritePDF(&buf, report.Summarize(nil), nil, nil, time.UTC))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")))
}

func TestFormat_ContentType(t *testing.T) {
	assert.Contains(t, report.FormatCSV.ContentType(), "text/csv")
	assert.Contains(t, report.FormatXLSX.ContentType(), "spreadsheetml")
	assert.Equal(t, "application/pdf", report.FormatPDF.ContentType())
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]report.Format{
		"":     report.FormatCSV,
		"CSV":  report.FormatCSV,
		"xlsx": report.FormatXLSX,
		"pdf":  report.FormatPDF,
	} {
		got, ok := report.ParseFormat(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := report.ParseFormat("docx")
	assert.False(t, ok)
}

package report

import (
	"fmt"
	"io"
	"time"

	"github.com/go-pdf/fpdf"
)

// Title is printed at the top of the PDF report.
const Title = "Spark & Bloom - Session Report"

// pdfColumns are the widths (mm) of the session table, in Header order.
var pdfColumns = []float64{32, 58, 28, 32, 30}

// WritePDF writes the dashboard as an A4 report: the period, the KPIs and one
// table row per session. from and to bound the printed period; when nil the
// first and last session dates are used.
func WritePDF(w io.Writer, d Dashboard, from, to *time.Time, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 15)
	pdf.SetTitle(Title, true)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, Title, "", 1, "C", false, 0, "")
	pdf.SetFont("Helvetica", "", 11)
	pdf.CellFormat(0, 7, "Period: "+period(d.Rows, from, to, loc), "", 1, "C", false, 0, "")
	pdf.Ln(6)

	pdf.SetFont("Helvetica", "B", 13)
	pdf.CellFormat(0, 8, "Summary", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 11)
	for _, line := range []string{
		fmt.Sprintf("Total sessions: %d", d.TotalSessions),
		"Total value: " + d.TotalValue.StringFixed(2) + " €",
		"Unpaid value: " + d.UnpaidValue.StringFixed(2) + " €",
		fmt.Sprintf("Paid sessions without receipt: %d", d.PaidWithoutReceipt),
	} {
		pdf.CellFormat(0, 6, tr(line), "", 1, "L", false, 0, "")
	}
	pdf.Ln(6)

	if len(d.Rows) > 0 {
		pdf.SetFont("Helvetica", "B", 13)
		pdf.CellFormat(0, 8, "Sessions", "", 1, "L", false, 0, "")

		pdf.SetFont("Helvetica", "B", 10)
		for i, h := range Header {
			pdf.CellFormat(pdfColumns[i], 7, h, "B", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)

		pdf.SetFont("Helvetica", "", 9)
		for _, r := range d.Rows {
			rec := record(r, loc)
			if rec[4] == "" {
				rec[4] = "-"
			}
			for i, v := range rec {
				pdf.CellFormat(pdfColumns[i], 6, tr(v), "", 0, "L", false, 0, "")
			}
			pdf.Ln(-1)
		}
	}

	return pdf.Output(w)
}

func period(rows []Row, from, to *time.Time, loc *time.Location) string {
	const layout = "02/01/2006"
	var start, end time.Time
	if len(rows) > 0 {
		start, end = rows[0].ScheduledAt, rows[len(rows)-1].ScheduledAt
	}
	if from != nil {
		start = *from
	}
	if to != nil {
		end = *to
	}
	if start.IsZero() && end.IsZero() {
		return "-"
	}
	return start.In(loc).Format(layout) + " - " + end.In(loc).Format(layout)
}

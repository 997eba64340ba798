package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/360EntSecGroup-Skylar/excelize"
)

// DateLayout is how session dates are printed in exports.
const DateLayout = "02/01/2006 15:04"

// Header is the column row of every export.
var Header = []string{"Date", "Patient", "Value", "Payment State", "Receipt No."}

// Format selects an export encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatPDF  Format = "pdf"
)

// ParseFormat parses an export format. The empty string means CSV.
func ParseFormat(s string) (Format, bool) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatCSV, true
	case FormatCSV, FormatXLSX, FormatPDF:
		return f, true
	}
	return "", false
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	switch f {
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatPDF:
		return "application/pdf"
	}
	return "text/csv; charset=utf-8"
}

func record(r Row, loc *time.Location) []string {
	if loc == nil {
		loc = time.UTC
	}
	return []string{
		r.ScheduledAt.In(loc).Format(DateLayout),
		r.PatientName,
		r.Value.StringFixed(2),
		string(r.PaymentState),
		r.ReceiptNumber,
	}
}

// WriteCSV writes rows as CSV with a header line. Dates are shown in loc
// (UTC when nil).
func WriteCSV(w io.Writer, rows []Row, loc *time.Location) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write(record(r, loc)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SheetName is the worksheet holding exported sessions.
const SheetName = "Sessions"

// WriteXLSX writes rows as a single-sheet workbook.
func WriteXLSX(w io.Writer, rows []Row, loc *time.Location) error {
	file := excelize.NewFile()
	idx := file.NewSheet(SheetName)
	file.DeleteSheet("Sheet1")
	file.SetActiveSheet(idx)

	for col, h := range Header {
		file.SetCellValue(SheetName, cell(col, 1), h)
	}
	for i, r := range rows {
		rowNum := i + 2
		for col, v := range record(r, loc) {
			file.SetCellValue(SheetName, cell(col, rowNum), v)
		}
	}
	if err := file.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

// cell returns the A1-style reference of a zero-based column (up to Z).
func cell(col, row int) string {
	return fmt.Sprintf("%c%d", 'A'+col, row)
}

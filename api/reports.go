package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/sparkbloom/clinic-engine/clinic"
	"github.com/sparkbloom/clinic-engine/report"
)

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// Dashboard returns the KPIs for the sessions matching the list filters.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	f, err := sessionFilter(r)
	if err != nil {
		h.fail(w, r, "Invalid filter", err)
		return
	}

	d, err := h.Reports.Dashboard(r.Context(), f)
	if err != nil {
		h.fail(w, r, "Failed to build dashboard", err)
		return
	}
	writeJSON(w, http.StatusOK, toDashboardDTO(d))
}

// Export streams the filtered sessions as CSV, XLSX or a PDF report
// (?format=, csv).
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	format, ok := report.ParseFormat(r.URL.Query().Get("format"))
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid export format",
			clinic.Invalid("format", "oneof=csv xlsx pdf", "must be csv, xlsx or pdf"))
		return
	}

	f, err := sessionFilter(r)
	if err != nil {
		h.fail(w, r, "Invalid filter", err)
		return
	}

	loc := h.Location
	if loc == nil {
		loc = time.UTC
	}

	// Buffered so a failed encode still gets a proper error response.
	var buf bytes.Buffer
	switch format {
	case report.FormatPDF:
		var d report.Dashboard
		if d, err = h.Reports.Dashboard(r.Context(), f); err == nil {
			err = report.WritePDF(&buf, d, f.From, f.To, loc)
		}
	case report.FormatXLSX:
		var rows []report.Row
		if rows, err = h.Reports.Rows(r.Context(), f); err == nil {
			err = report.WriteXLSX(&buf, rows, loc)
		}
	default:
		var rows []report.Row
		if rows, err = h.Reports.Rows(r.Context(), f); err == nil {
			err = report.WriteCSV(&buf, rows, loc)
		}
	}
	if err != nil {
		h.fail(w, r, "Failed to export sessions", err)
		return
	}

	filename := fmt.Sprintf("sessions-%s.%s", h.now().In(loc).Format(dateLayout), format)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

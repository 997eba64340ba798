package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sparkbloom/clinic-engine/clinic"
	"github.com/sparkbloom/clinic-engine/reconcile"
)

// =============================================================================
// SYNC HANDLERS
// =============================================================================

// TriggerSync runs the reconciler once. Omitted fields take the server
// defaults: configured calendars, window [now, now+30d), subject strategy.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if h.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, "Calendar sync is not configured", nil)
		return
	}

	var body SyncRequest
	if err := decodeOptional(r, &body); err != nil {
		h.fail(w, r, "Invalid request body", err)
		return
	}

	req := h.syncRequest(body, "manual")
	summary, err := h.Sync.Run(r.Context(), req)
	if err != nil {
		h.fail(w, r, "Sync failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SyncResponse(summary))
}

func (h *Handler) syncRequest(body SyncRequest, trigger string) reconcile.Request {
	req := reconcile.Request{
		CalendarIDs: body.CalendarIDs,
		Strategy:    reconcile.Strategy(body.Strategy),
		Trigger:     trigger,
	}
	if len(req.CalendarIDs) == 0 {
		req.CalendarIDs = h.SyncDefaults.CalendarIDs
	}
	if req.Strategy == "" {
		req.Strategy = h.SyncDefaults.Strategy
	}

	req.From = h.now()
	if body.From != nil {
		req.From = *body.From
	}
	window := h.SyncDefaults.Window
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	req.To = req.From.Add(window)
	if body.To != nil {
		req.To = *body.To
	}
	return req
}

// ListSyncRuns returns recorded reconciler runs, newest first (?limit=, 50).
func (h *Handler) ListSyncRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit",
				clinic.Invalid("limit", "gt=0", "must be a positive integer"))
			return
		}
		limit = n
	}

	runs, err := h.Store.ListSyncRuns(r.Context(), limit)
	if err != nil {
		h.fail(w, r, "Failed to list sync runs", err)
		return
	}

	dtos := make([]SyncRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toSyncRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// decodeOptional is decode for bodies that may be empty.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return clinic.Invalid("body", "json", err.Error())
	}
	return nil
}

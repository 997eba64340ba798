package api

import (
	"html/template"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sparkbloom/clinic-engine/clinic"
	"github.com/sparkbloom/clinic-engine/notify"
)

// =============================================================================
// CONFIRMATION WEBHOOKS - Magic-link targets, no login
// =============================================================================
//
// The emailed links point at /api/webhooks/sessions/{id}/{action}?token=.
// A GET renders a one-button page whose form POSTs back to the same URL.
// API clients POST JSON directly and get JSON back; form posts get HTML.

// ConfirmSession marks a pending session confirmed.
func (h *Handler) ConfirmSession(w http.ResponseWriter, r *http.Request) {
	if h.Confirmations == nil {
		writeError(w, http.StatusServiceUnavailable, "Confirmations are not configured", nil)
		return
	}
	id := clinic.SessionID(chi.URLParam(r, "id"))

	s, err := h.Confirmations.Confirm(r.Context(), id, r.URL.Query().Get("token"))
	if err != nil {
		h.webhookError(w, r, "Failed to confirm session", err)
		return
	}
	h.Logger.Info().Str("session_id", string(id)).Msg("session confirmed by link")
	h.webhookDone(w, r, "Session confirmed", s)
}

// RejectSession marks a pending session rejected. A reason is required.
func (h *Handler) RejectSession(w http.ResponseWriter, r *http.Request) {
	if h.Confirmations == nil {
		writeError(w, http.StatusServiceUnavailable, "Confirmations are not configured", nil)
		return
	}
	id := clinic.SessionID(chi.URLParam(r, "id"))

	var reason string
	if isFormPost(r) {
		reason = r.PostFormValue("reason")
	} else {
		var body RejectRequest
		if err := decodeOptional(r, &body); err != nil {
			h.webhookError(w, r, "Invalid request body", err)
			return
		}
		reason = body.Reason
	}

	s, err := h.Confirmations.Reject(r.Context(), id, r.URL.Query().Get("token"), reason)
	if err != nil {
		h.webhookError(w, r, "Failed to reject session", err)
		return
	}
	h.Logger.Info().Str("session_id", string(id)).Msg("session rejected by link")
	h.webhookDone(w, r, "Session rejected", s)
}

// WebhookPage renders the landing page of an emailed link.
func (h *Handler) WebhookPage(action notify.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") == "" {
			renderPage(w, http.StatusBadRequest, pageData{Title: "Invalid link", Message: "The link is missing its token."})
			return
		}
		d := pageData{Title: "Confirm session", Action: string(action), Form: true}
		if action == notify.ActionReject {
			d.Title = "Reject session"
		}
		renderPage(w, http.StatusOK, d)
	}
}

func (h *Handler) webhookDone(w http.ResponseWriter, r *http.Request, message string, s clinic.Session) {
	if isFormPost(r) {
		renderPage(w, http.StatusOK, pageData{Title: message, Message: "Thank you, the session was updated."})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": message,
		"session": toSessionDTO(s),
	})
}

func (h *Handler) webhookError(w http.ResponseWriter, r *http.Request, message string, err error) {
	if !isFormPost(r) {
		h.fail(w, r, message, err)
		return
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error().Err(err).Str("path", r.URL.Path).Msg(message)
		captureError(r, err)
	}
	renderPage(w, status, pageData{Title: message, Message: pageMessage(err)})
}

func pageMessage(err error) string {
	switch statusFor(err) {
	case http.StatusUnauthorized:
		return "This link is invalid or has expired."
	case http.StatusNotFound:
		return "The session no longer exists."
	case http.StatusBadRequest:
		return err.Error()
	}
	return "Something went wrong. Please try again later."
}

func isFormPost(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return strings.EqualFold(ct, "application/x-www-form-urlencoded")
}

// =============================================================================
// LANDING PAGE
// =============================================================================

type pageData struct {
	Title   string
	Message string
	Action  string
	Form    bool
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body style="font-family: Arial, sans-serif; max-width: 480px; margin: 40px auto;">
<h2>{{.Title}}</h2>
{{if .Message}}<p>{{.Message}}</p>{{end}}
{{if .Form}}
<form method="post">
{{if eq .Action "reject"}}<p><label>Reason<br><textarea name="reason" rows="3" cols="40" required></textarea></label></p>{{end}}
<button type="submit">{{if eq .Action "reject"}}Reject{{else}}Confirm{{end}}</button>
</form>
{{end}}
</body>
</html>
`))

func renderPage(w http.ResponseWriter, status int, d pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	pageTemplate.Execute(w, d)
}

/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Sentry:     Per-request hub; panics are reported, then re-raised
  5. Logger:     One zerolog line per request
  6. CORS:       Cross-origin requests for the frontend

ROUTE GROUPS:
  /api/patients/*       Patients and their commercial conditions
  /api/articles/*       Article catalog
  /api/sessions/*       Sessions
  /api/sync/*           Calendar reconciliation
  /api/webhooks/*       Magic-link confirmation (no auth)
  /api/reports/*        Dashboard and export
  /api/scenarios/*      Demo scenarios
  /health               Liveness

SECURITY NOTE:
  No authentication middleware. Webhooks authenticate through the signed
  token in the query string.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/sparkbloom/clinic-engine/notify"
)

// DefaultCORSOrigins is used when no origin is configured.
var DefaultCORSOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, corsOrigins []string) *chi.Mux {
	if len(corsOrigins) == 0 {
		corsOrigins = DefaultCORSOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(sentryHub)
	r.Use(requestLogger(h.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Patient routes
		r.Route("/patients", func(r chi.Router) {
			r.Get("/", h.ListPatients)
			r.Post("/", h.CreatePatient)
			r.Get("/{id}", h.GetPatient)
			r.Put("/{id}", h.UpdatePatient)
			r.Delete("/{id}", h.DeletePatient)

			// Commercial conditions
			r.Get("/{id}/conditions", h.ListConditions)
			r.Post("/{id}/conditions", h.CreateCondition)
			r.Get("/{id}/conditions/{cid}", h.GetCondition)
			r.Put("/{id}/conditions/{cid}", h.UpdateCondition)
			r.Delete("/{id}/conditions/{cid}", h.DeleteCondition)
		})

		// Article routes
		r.Route("/articles", func(r chi.Router) {
			r.Get("/", h.ListArticles)
			r.Post("/", h.CreateArticle)
			r.Get("/{id}", h.GetArticle)
			r.Put("/{id}", h.UpdateArticle)
			r.Delete("/{id}", h.DeleteArticle)
		})

		// Session routes
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.ListSessions)
			r.Post("/", h.CreateSession)
			r.Get("/{id}", h.GetSession)
			r.Put("/{id}", h.UpdateSession)
		})

		// Sync routes
		r.Route("/sync", func(r chi.Router) {
			r.Post("/", h.TriggerSync)
			r.Get("/runs", h.ListSyncRuns)
		})

		// Magic-link routes
		r.Route("/webhooks/sessions/{id}", func(r chi.Router) {
			r.Get("/confirm", h.WebhookPage(notify.ActionConfirm))
			r.Post("/confirm", h.ConfirmSession)
			r.Get("/reject", h.WebhookPage(notify.ActionReject))
			r.Post("/reject", h.RejectSession)
		})

		// Report routes
		r.Route("/reports", func(r chi.Router) {
			r.Get("/dashboard", h.Dashboard)
			r.Get("/export", h.Export)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetScenario)
		})
	})

	return r
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// requestLogger writes one line per request.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			evt := logger.Info()
			if ww.Status() >= http.StatusInternalServerError {
				evt = logger.Error()
			}
			evt.
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("latency", time.Since(start)).
				Str("remote_ip", r.RemoteAddr).
				Msg("request")
		})
	}
}

// sentryHub gives each request its own hub. Panics are reported and then
// re-raised for Recoverer.
func sentryHub(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub := sentry.GetHubFromContext(r.Context())
		if hub == nil {
			hub = sentry.CurrentHub().Clone()
		}
		hub.Scope().SetRequest(r)
		hub.Scope().SetTag("request_id", middleware.GetReqID(r.Context()))

		defer recoverWithSentry(hub, r)
		next.ServeHTTP(w, r.WithContext(sentry.SetHubOnContext(r.Context(), hub)))
	})
}

func recoverWithSentry(hub *sentry.Hub, r *http.Request) {
	if err := recover(); err != nil {
		if err == http.ErrAbortHandler {
			panic(err)
		}
		eventID := hub.RecoverWithContext(
			context.WithValue(r.Context(), sentry.RequestContextKey, r),
			err,
		)
		if eventID != nil {
			hub.Flush(2 * time.Second)
		}
		panic(err)
	}
}

// Package api is the local HTTP surface the capture UI talks to.
package api

import (
	"crypto/subtle"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"excursion-sync-service/internal/config"
	"excursion-sync-service/internal/events"
	"excursion-sync-service/internal/excursion"
	"excursion-sync-service/internal/logger"
	"excursion-sync-service/internal/preflight"
	"excursion-sync-service/internal/store"
	"excursion-sync-service/internal/sync"
)

type Deps struct {
	Excursions *excursion.Manager
	Sync       *sync.Manager
	Preflight  *preflight.Loader
	Store      store.Store
	Bus        *events.Bus
}

type Handler struct {
	excursions  *excursion.Manager
	syncManager *sync.Manager
	preflight   *preflight.Loader
	store       store.Store
	bus         *events.Bus
	authToken   string
	corsOrigins []string
}

func NewHandler(deps Deps, cfg config.ServerConfig) *Handler {
	bus := deps.Bus
	if bus == nil {
		bus = deps.Sync.Bus()
	}
	return &Handler{
		excursions:  deps.Excursions,
		syncManager: deps.Sync,
		preflight:   deps.Preflight,
		store:       deps.Store,
		bus:         bus,
		authToken:   cfg.AuthToken,
		corsOrigins: cfg.CorsOrigins,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(h.CorsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.AuthMiddleware)

		r.Post("/checkins", h.CheckIn)
		r.Post("/missing", h.MarkMissing)
		r.Post("/found", h.MarkFound)
		r.Post("/rollcall", h.RollCall)
		r.Post("/headcount", h.HeadCount)
		r.Post("/captures", h.SubmitCapture)
		r.Post("/progress", h.UpdateProgress)
		r.Post("/help", h.RequestHelp)
		r.Post("/feedback", h.SubmitFeedback)

		r.Post("/sync/trigger", h.TriggerSync)
		r.Post("/sync/retry", h.RetryFailed)
		r.Get("/sync/status", h.GetSyncStatus)
		r.Get("/sync/history", h.GetSyncHistory)
		r.Get("/conflicts", h.ListConflicts)

		r.Post("/preflight/{id}", h.RunPreflight)
		r.Get("/preflight/{id}", h.GetPreflight)
		r.Delete("/preflight/{id}", h.ClearPreflight)
		r.Delete("/excursions/{id}", h.CleanupExcursion)

		r.Get("/events", h.StreamEvents)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// RequestLogger logs each request through the global zap logger.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			logger.Log.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("requestId", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func (h *Handler) allowOrigin(origin string) bool {
	if len(h.corsOrigins) == 0 || slices.Contains(h.corsOrigins, "*") {
		return true
	}
	return slices.Contains(h.corsOrigins, origin)
}

func (h *Handler) CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case len(h.corsOrigins) == 0 || slices.Contains(h.corsOrigins, "*"):
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && h.allowOrigin(origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")

		if r.Method == "OPTIONS" {
			return
		}

		next.ServeHTTP(w, r)
	})
}

// AuthMiddleware checks the bearer token when one is configured. Browsers
// cannot set headers on a websocket upgrade, so ?token= is accepted too.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.authToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.authToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

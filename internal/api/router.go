package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/radarflight/fleetsync/internal/clearance"
	"github.com/radarflight/fleetsync/internal/config"
	"github.com/radarflight/fleetsync/internal/fleet"
	"github.com/radarflight/fleetsync/internal/storage/sqlite"
	"github.com/radarflight/fleetsync/internal/websocket"
	"github.com/radarflight/fleetsync/pkg/logger"
)

// Router wires the API handlers onto the HTTP mux
type Router struct {
	handler *Handler
	logger  *logger.Logger
}

// NewRouter creates a new API router
func NewRouter(
	fleetService *fleet.Service,
	tracker *clearance.Tracker,
	history *sqlite.HistoryStorage,
	cfg *config.Config,
	loggerObj *logger.Logger,
	wsServer *websocket.Server,
) *Router {
	return &Router{
		handler: NewHandler(fleetService, tracker, history, cfg, loggerObj, wsServer),
		logger:  loggerObj.Named("api-router"),
	}
}

// Routes returns the configured HTTP handler
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(rt.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/radar/view", rt.handler.GetRadarView)
		r.Get("/alerts", rt.handler.GetAlerts)
		r.Get("/dashboards/{role}", rt.handler.GetDashboard)

		r.Route("/clearance", func(r chi.Router) {
			r.Get("/", rt.handler.GetClearances)
			r.Get("/{aircraftID}", rt.handler.GetClearance)
			r.Post("/{aircraftID}/request", rt.handler.RequestClearance)
			r.Post("/{aircraftID}/poll", rt.handler.PollClearance)
			r.Post("/{aircraftID}/confirm-departure", rt.handler.ConfirmDeparture)
		})

		r.Route("/history", func(r chi.Router) {
			r.Get("/clearances", rt.handler.GetClearanceHistory)
			r.Get("/alerts", rt.handler.GetAlertHistory)
		})
	})

	r.Get("/ws", rt.handler.HandleWebSocket)

	return r
}

// requestLogger logs each request at debug level
func (rt *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		rt.logger.Debug("Request handled",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", ww.Status()),
			logger.Duration("duration", time.Since(start)))
	})
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/radarflight/fleetsync/internal/clearance"
	"github.com/radarflight/fleetsync/internal/config"
	"github.com/radarflight/fleetsync/internal/fleet"
	"github.com/radarflight/fleetsync/internal/storage/sqlite"
	"github.com/radarflight/fleetsync/internal/websocket"
	"github.com/radarflight/fleetsync/pkg/logger"
)

// Handler contains the API handlers
type Handler struct {
	fleetService *fleet.Service
	tracker      *clearance.Tracker
	history      *sqlite.HistoryStorage
	config       *config.Config
	logger       *logger.Logger
	wsServer     *websocket.Server
}

// NewHandler creates a new API handler. history may be nil when persistence
// is disabled.
func NewHandler(
	fleetService *fleet.Service,
	tracker *clearance.Tracker,
	history *sqlite.HistoryStorage,
	cfg *config.Config,
	loggerObj *logger.Logger,
	wsServer *websocket.Server,
) *Handler {
	return &Handler{
		fleetService: fleetService,
		tracker:      tracker,
		history:      history,
		config:       cfg,
		logger:       loggerObj.Named("api-handler"),
		wsServer:     wsServer,
	}
}

// GetRadarView returns every tracked aircraft projected onto the sector
func (h *Handler) GetRadarView(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.fleetService.RadarView())
}

// GetAlerts returns the merged alert feed
func (h *Handler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.fleetService.Alerts())
}

// GetDashboard returns the latest composite view for a role
func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	role := chi.URLParam(r, "role")
	raw, ok := h.fleetService.Dashboard(role)
	if !ok {
		h.respondError(w, http.StatusNotFound, "no dashboard snapshot for role "+role)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

// GetClearances returns every tracked clearance workflow
func (h *Handler) GetClearances(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.tracker.All())
}

// GetClearance returns the tracked workflow for one aircraft
func (h *Handler) GetClearance(w http.ResponseWriter, r *http.Request) {
	aircraftID := chi.URLParam(r, "aircraftID")
	req, ok := h.tracker.Get(aircraftID)
	if !ok {
		h.respondError(w, http.StatusNotFound, "no clearance request for aircraft "+aircraftID)
		return
	}
	h.respondJSON(w, http.StatusOK, req)
}

// RequestClearance starts a clearance workflow for an aircraft
func (h *Handler) RequestClearance(w http.ResponseWriter, r *http.Request) {
	aircraftID := chi.URLParam(r, "aircraftID")

	req, err := h.tracker.Request(r.Context(), aircraftID)
	switch {
	case errors.Is(err, clearance.ErrRequestActive):
		h.respondJSON(w, http.StatusConflict, req)
	case err != nil:
		// The workflow already recorded the terminal ERROR/REFUSED state;
		// hand it back with the failure so the dashboard can show both.
		h.broadcastClearance(req)
		h.respondJSON(w, http.StatusBadGateway, req)
	default:
		h.broadcastClearance(req)
		h.respondJSON(w, http.StatusOK, req)
	}
}

// PollClearance re-checks a pending clearance request
func (h *Handler) PollClearance(w http.ResponseWriter, r *http.Request) {
	aircraftID := chi.URLParam(r, "aircraftID")

	req, err := h.tracker.Poll(r.Context(), aircraftID)
	switch {
	case errors.Is(err, clearance.ErrNoActiveRequest):
		h.respondError(w, http.StatusConflict, "no pending clearance request for aircraft "+aircraftID)
	case err != nil:
		h.broadcastClearance(req)
		h.respondJSON(w, http.StatusBadGateway, req)
	default:
		h.broadcastClearance(req)
		h.respondJSON(w, http.StatusOK, req)
	}
}

// confirmDepartureBody is the request body for ConfirmDeparture
type confirmDepartureBody struct {
	DepartureAirportID string `json:"departure_airport_id"`
	ArrivalAirportID   string `json:"arrival_airport_id"`
}

// ConfirmDeparture confirms takeoff for a granted clearance
func (h *Handler) ConfirmDeparture(w http.ResponseWriter, r *http.Request) {
	aircraftID := chi.URLParam(r, "aircraftID")

	var body confirmDepartureBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req, err := h.tracker.ConfirmDeparture(r.Context(), aircraftID, body.DepartureAirportID, body.ArrivalAirportID)
	switch {
	case errors.Is(err, clearance.ErrNoActiveRequest):
		h.respondError(w, http.StatusConflict, "no granted clearance for aircraft "+aircraftID)
	case err != nil:
		h.broadcastClearance(req)
		h.respondJSON(w, http.StatusBadGateway, req)
	default:
		h.broadcastClearance(req)
		h.respondJSON(w, http.StatusOK, req)
	}
}

// GetClearanceHistory returns archived clearance workflows
func (h *Handler) GetClearanceHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.respondError(w, http.StatusServiceUnavailable, "history storage is disabled")
		return
	}

	limit, offset := h.pagination(r)
	aircraftID := r.URL.Query().Get("aircraft_id")

	var (
		records []*sqlite.ClearanceHistoryRecord
		err     error
	)
	if aircraftID != "" {
		records, err = h.history.GetClearanceHistoryByAircraft(aircraftID, limit, offset)
	} else {
		records, err = h.history.GetClearanceHistory(limit, offset)
	}
	if err != nil {
		h.logger.Error("Failed to read clearance history", logger.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to read clearance history")
		return
	}
	if records == nil {
		records = []*sqlite.ClearanceHistoryRecord{}
	}
	h.respondJSON(w, http.StatusOK, records)
}

// GetAlertHistory returns archived alerts
func (h *Handler) GetAlertHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.respondError(w, http.StatusServiceUnavailable, "history storage is disabled")
		return
	}

	limit, offset := h.pagination(r)
	records, err := h.history.GetAlertHistory(limit, offset)
	if err != nil {
		h.logger.Error("Failed to read alert history", logger.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to read alert history")
		return
	}
	if records == nil {
		records = []*sqlite.AlertHistoryRecord{}
	}
	h.respondJSON(w, http.StatusOK, records)
}

// broadcastClearance pushes a workflow state change to attached dashboards
func (h *Handler) broadcastClearance(req clearance.Request) {
	if h.wsServer == nil {
		return
	}
	h.wsServer.Broadcast(&websocket.Message{
		Type: websocket.MessageTypeClearanceUpdate,
		Data: req,
	})
}

// HandleWebSocket upgrades a dashboard connection
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsServer.HandleConnection(w, r)
}

// pagination reads limit/offset query parameters with the configured cap
func (h *Handler) pagination(r *http.Request) (limit, offset int) {
	limit = h.config.Storage.MaxHistoryRows
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v < limit {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode response", logger.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

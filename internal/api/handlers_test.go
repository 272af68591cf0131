package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/radarflight/fleetsync/internal/alerts"
	"github.com/radarflight/fleetsync/internal/clearance"
	"github.com/radarflight/fleetsync/internal/config"
	"github.com/radarflight/fleetsync/internal/fleet"
	"github.com/radarflight/fleetsync/internal/geo"
	"github.com/radarflight/fleetsync/internal/store"
	"github.com/radarflight/fleetsync/internal/transport"
	"github.com/radarflight/fleetsync/internal/websocket"
	"github.com/radarflight/fleetsync/pkg/logger"
)

// newTestRouter wires the full API against a scripted upstream backend
func newTestRouter(t *testing.T, upstream http.Handler) http.Handler {
	t.Helper()

	backend := httptest.NewServer(upstream)
	t.Cleanup(backend.Close)

	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create test logger: %v", err)
	}

	client := transport.NewClient(backend.URL, "token", 5*time.Second, 0, log)
	stream := transport.NewStream("ws://127.0.0.1:1/ws", "", time.Second, 1, log)
	t.Cleanup(stream.Close)

	aggregator, err := alerts.New(alerts.Config{}, log)
	if err != nil {
		t.Fatalf("failed to create aggregator: %v", err)
	}

	fleetService := fleet.NewService(client, stream, store.New(log), aggregator, nil, nil,
		fleet.Config{
			AircraftInterval:   time.Second,
			FlightsInterval:    time.Second,
			AlertsInterval:     time.Second,
			DashboardInterval:  time.Second,
			RadarCenter:        geo.Coord{Lat: 33.37, Lon: -7.58},
			SectorRadiusKm:     100,
			AircraftStaleAfter: 15 * time.Second,
		}, log, nil)

	tracker := clearance.NewTracker(client, nil, nil, nil, log)

	cfg := &config.Config{}
	cfg.Storage.MaxHistoryRows = 100

	return NewRouter(fleetService, tracker, nil, cfg, log, websocket.NewServer(log)).Routes()
}

func TestGetRadarView(t *testing.T) {
	router := newTestRouter(t, http.NewServeMux())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/radar/view", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var view fleet.RadarView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("failed to decode view: %v", err)
	}
	if view.SectorRadiusKm != 100 {
		t.Errorf("unexpected sector radius: %.0f", view.SectorRadiusKm)
	}
}

func TestGetAlertsEmptyFeed(t *testing.T) {
	router := newTestRouter(t, http.NewServeMux())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/alerts", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var feed []alerts.Alert
	if err := json.Unmarshal(rec.Body.Bytes(), &feed); err != nil {
		t.Fatalf("failed to decode feed: %v", err)
	}
	if len(feed) != 0 {
		t.Errorf("expected an empty feed, got %d alerts", len(feed))
	}
}

func TestClearanceWorkflowOverHTTP(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/atc/request-takeoff-clearance", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "GRANTED", "message": "Cleared"}`))
	})
	mux.HandleFunc("/flight/simulate-takeoff", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": true, "flightId": "F-42"}`))
	})
	router := newTestRouter(t, mux)

	// Request
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/clearance/7/request", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on request, got %d: %s", rec.Code, rec.Body.String())
	}

	var req clearance.Request
	if err := json.Unmarshal(rec.Body.Bytes(), &req); err != nil {
		t.Fatal(err)
	}
	if req.State != clearance.StateGranted {
		t.Errorf("expected GRANTED, got %s", req.State)
	}

	// Re-request conflicts with the active workflow
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/clearance/7/request", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 while active, got %d", rec.Code)
	}

	// Confirm departure
	body := strings.NewReader(`{"departure_airport_id": "1", "arrival_airport_id": "2"}`)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/clearance/7/confirm-departure", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on confirm, got %d: %s", rec.Code, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &req); err != nil {
		t.Fatal(err)
	}
	if req.State != clearance.StateInProgress || req.FlightID != "F-42" {
		t.Errorf("unexpected final state: %+v", req)
	}

	// Read back
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/clearance/7", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 on read, got %d", rec.Code)
	}
}

func TestClearanceNotFound(t *testing.T) {
	router := newTestRouter(t, http.NewServeMux())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/clearance/999", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHistoryUnavailableWithoutStorage(t *testing.T) {
	router := newTestRouter(t, http.NewServeMux())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/history/clearances", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without storage, got %d", rec.Code)
	}
}

package fleet

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/radarflight/fleetsync/internal/alerts"
	"github.com/radarflight/fleetsync/internal/geo"
	"github.com/radarflight/fleetsync/internal/store"
	"github.com/radarflight/fleetsync/internal/transport"
	"github.com/radarflight/fleetsync/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create test logger: %v", err)
	}
	return log
}

func newTestService(t *testing.T, handler http.Handler, onExpired SessionExpiredFunc) *Service {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	log := testLogger(t)
	client := transport.NewClient(srv.URL, "token", 5*time.Second, 0, log)
	stream := transport.NewStream("ws://127.0.0.1:1/ws", "", time.Second, 1, log)
	t.Cleanup(stream.Close)

	aggregator, err := alerts.New(alerts.Config{}, log)
	if err != nil {
		t.Fatalf("failed to create aggregator: %v", err)
	}

	return NewService(
		client,
		stream,
		store.New(log),
		aggregator,
		nil,
		nil,
		Config{
			AircraftInterval:   time.Second,
			FlightsInterval:    time.Second,
			AlertsInterval:     time.Second,
			DashboardInterval:  time.Second,
			RadarCenter:        geo.Coord{Lat: 33.37, Lon: -7.58},
			SectorRadiusKm:     100,
			AircraftStaleAfter: 15 * time.Second,
		},
		log,
		onExpired,
	)
}

func TestFetchAircraftFeedsStore(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/aircraft", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{
			"id": 7,
			"registration": "CN-RGA",
			"status": "AIRBORNE",
			"positionLat": 33.9,
			"positionLon": -7.58,
			"altitude": 12000,
			"speed": 420,
			"heading": 270
		}]`))
	})

	svc := newTestService(t, mux, nil)
	if err := svc.fetchAircraft(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, ok := svc.store.Get(store.KindAircraft, "7")
	if !ok {
		t.Fatal("expected the aircraft in the store")
	}
	if rec.Registration != "CN-RGA" || rec.Status != store.StatusAirborne {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.Position == nil || rec.Position.AltitudeFeet != 12000 {
		t.Errorf("expected a complete position fix, got %+v", rec.Position)
	}
}

func TestFetchAircraftIgnoresUnknownStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/aircraft", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id": 7, "registration": "CN-RGA", "status": "En vol"}]`))
	})

	svc := newTestService(t, mux, nil)
	if err := svc.fetchAircraft(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, ok := svc.store.Get(store.KindAircraft, "7")
	if !ok {
		t.Fatal("expected the aircraft despite the loose status")
	}
	if rec.Status != "" {
		t.Errorf("loose wire status must not reach the record, got %q", rec.Status)
	}
}

func TestRadarViewProjectsContacts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/aircraft", func(w http.ResponseWriter, r *http.Request) {
		// Roughly 59 km north of the radar center
		w.Write([]byte(`[{
			"id": 7,
			"registration": "CN-RGA",
			"positionLat": 33.9,
			"positionLon": -7.58,
			"altitude": 12000
		}]`))
	})

	svc := newTestService(t, mux, nil)
	if err := svc.fetchAircraft(context.Background()); err != nil {
		t.Fatal(err)
	}

	view := svc.RadarView()
	if len(view.Contacts) != 1 {
		t.Fatalf("expected one contact, got %d", len(view.Contacts))
	}

	contact := view.Contacts[0]
	if !contact.Known {
		t.Fatal("expected a known projection for a positioned aircraft")
	}
	if contact.BearingDeg > 5 && contact.BearingDeg < 355 {
		t.Errorf("expected a roughly northern bearing, got %.1f", contact.BearingDeg)
	}
	if contact.DistanceKm < 50 || contact.DistanceKm > 70 {
		t.Errorf("unexpected distance: %.1f km", contact.DistanceKm)
	}
	if !contact.InSector {
		t.Error("a contact inside the sector radius must be flagged in-sector")
	}
	if contact.Stale {
		t.Error("a freshly polled contact must not be stale")
	}
}

func TestMagneticDeclinationCachedPerDay(t *testing.T) {
	svc := newTestService(t, http.NewServeMux(), nil)
	now := time.Now()

	first := svc.magneticDeclination(now)

	// Poke the cache: within the same day the stored value is returned
	// without re-evaluating the magnetic model
	svc.declMu.Lock()
	svc.declination = first + 10
	svc.declMu.Unlock()
	if got := svc.magneticDeclination(now); got != first+10 {
		t.Errorf("expected the cached value within the same day, got %.4f", got)
	}

	// A new day recomputes and replaces the poked value
	if got := svc.magneticDeclination(now.Add(24 * time.Hour)); got == first+10 {
		t.Error("expected a recomputation on day rollover")
	}
}

func TestConflictAlertsReachMergedFeed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/conflicts", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{
			"aircraft1": {"id": 1, "registration": "CN-A"},
			"aircraft2": {"id": 2, "registration": "CN-B"},
			"conflictInfo": {"distance": 3.2, "altitudeDiff": 150, "severity": "CRITICAL"}
		}]`))
	})

	svc := newTestService(t, mux, nil)
	if err := svc.fetchConflicts(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	feed := svc.Alerts()
	if len(feed) != 1 {
		t.Fatalf("expected one alert, got %d", len(feed))
	}
	if feed[0].Key != alerts.ConflictKey("1", "2", "") {
		t.Errorf("unexpected key: %s", feed[0].Key)
	}
	if feed[0].Severity != alerts.SeverityCritical {
		t.Errorf("expected CRITICAL, got %s", feed[0].Severity)
	}
}

func TestNoDataResponsesAreNotFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/weather/alerts", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	svc := newTestService(t, mux, nil)
	if err := svc.fetchWeatherAlerts(context.Background()); err != nil {
		t.Errorf("a 403 on a cross-role endpoint must be absorbed, got %v", err)
	}
}

func TestAuthFailureTriggersSessionHookOnce(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/aircraft", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	calls := 0
	svc := newTestService(t, mux, func(err error) { calls++ })

	if err := svc.fetchAircraft(context.Background()); !transport.IsAuthFailure(err) {
		t.Fatalf("expected the auth failure to propagate, got %v", err)
	}
	if err := svc.fetchAircraft(context.Background()); !transport.IsAuthFailure(err) {
		t.Fatalf("expected the auth failure to propagate again, got %v", err)
	}
	if calls != 1 {
		t.Errorf("session teardown must fire exactly once, got %d", calls)
	}
}

func TestFetchDashboards(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/pilots/amine/dashboard", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"assignedAircraft": {"id": 7}}`))
	})
	mux.HandleFunc("/radar/dashboard", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"activeFlights": 3}`))
	})

	svc := newTestService(t, mux, nil)
	svc.cfg.PilotUsername = "amine"
	svc.cfg.PollRadarDashboard = true

	if err := svc.fetchDashboards(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := svc.Dashboard("pilot"); !ok {
		t.Error("expected the pilot dashboard snapshot")
	}
	if _, ok := svc.Dashboard("radar"); !ok {
		t.Error("expected the radar dashboard snapshot")
	}
}

package fleet

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/radarflight/fleetsync/internal/alerts"
	"github.com/radarflight/fleetsync/internal/geo"
	"github.com/radarflight/fleetsync/internal/store"
	"github.com/radarflight/fleetsync/internal/transport"
	"github.com/radarflight/fleetsync/internal/websocket"
	"github.com/radarflight/fleetsync/pkg/logger"
)

// Config tunes the fleet service
type Config struct {
	AircraftInterval  time.Duration
	FlightsInterval   time.Duration
	AlertsInterval    time.Duration
	DashboardInterval time.Duration

	PilotUsername      string
	PollRadarDashboard bool

	RadarCenter        geo.Coord
	RadarElevationFeet float64
	SectorRadiusKm     float64
	AircraftStaleAfter time.Duration
}

// Broadcaster pushes messages to attached dashboards. May be nil.
type Broadcaster interface {
	Broadcast(*websocket.Message)
}

// AlertRecorder archives newly observed alerts. May be nil.
type AlertRecorder interface {
	RecordAlert(alert alerts.Alert) error
}

// SessionExpiredFunc is invoked once when the upstream rejects the bearer
// credential. Nothing inside this process can recover from that.
type SessionExpiredFunc func(err error)

// Service is the orchestrator: it drives the pollers and the stream, feeds
// the entity store and the alert aggregator, and builds the presenter views.
type Service struct {
	client     *transport.Client
	stream     *transport.Stream
	poller     *transport.Poller
	store      *store.Store
	aggregator *alerts.Aggregator
	hub        Broadcaster
	alertLog   AlertRecorder
	cfg        Config
	logger     *logger.Logger

	onSessionExpired SessionExpiredFunc
	expireOnce       sync.Once

	mu         sync.Mutex
	tickets    []*transport.Ticket
	streamSubs map[string]*transport.Subscription
	dashboards map[string]json.RawMessage
	seenAlerts map[string]bool
	running    bool

	declMu         sync.Mutex
	declination    float64
	declinationDay string
}

// NewService creates the fleet service
func NewService(
	client *transport.Client,
	stream *transport.Stream,
	entityStore *store.Store,
	aggregator *alerts.Aggregator,
	hub Broadcaster,
	alertLog AlertRecorder,
	cfg Config,
	loggerObj *logger.Logger,
	onSessionExpired SessionExpiredFunc,
) *Service {
	return &Service{
		client:           client,
		stream:           stream,
		poller:           transport.NewPoller(loggerObj),
		store:            entityStore,
		aggregator:       aggregator,
		hub:              hub,
		alertLog:         alertLog,
		cfg:              cfg,
		logger:           loggerObj.Named("fleet"),
		onSessionExpired: onSessionExpired,
		streamSubs:       make(map[string]*transport.Subscription),
		dashboards:       make(map[string]json.RawMessage),
		seenAlerts:       make(map[string]bool),
	}
}

// Start launches all pollers
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true

	s.logger.Info("Starting fleet service",
		logger.Float64("radar_lat", s.cfg.RadarCenter.Lat),
		logger.Float64("radar_lon", s.cfg.RadarCenter.Lon),
		logger.Float64("sector_radius_km", s.cfg.SectorRadiusKm))

	s.tickets = append(s.tickets,
		s.poller.Start("aircraft", s.cfg.AircraftInterval, s.fetchAircraft),
		s.poller.Start("flights", s.cfg.FlightsInterval, s.fetchFlights),
		s.poller.Start("weather-alerts", s.cfg.AlertsInterval, s.fetchWeatherAlerts),
		s.poller.Start("conflicts", s.cfg.AlertsInterval, s.fetchConflicts),
	)

	if s.cfg.PilotUsername != "" || s.cfg.PollRadarDashboard {
		s.tickets = append(s.tickets,
			s.poller.Start("dashboards", s.cfg.DashboardInterval, s.fetchDashboards))
	}

	return nil
}

// Stop cancels all pollers and stream subscriptions
func (s *Service) Stop() {
	s.mu.Lock()
	tickets := s.tickets
	s.tickets = nil
	subs := s.streamSubs
	s.streamSubs = make(map[string]*transport.Subscription)
	s.running = false
	s.mu.Unlock()

	for _, ticket := range tickets {
		ticket.Cancel()
	}
	for _, ticket := range tickets {
		<-ticket.Done()
	}
	for _, sub := range subs {
		sub.Cancel()
	}
	s.stream.Close()

	s.logger.Info("Fleet service stopped")
}

// fetchAircraft polls GET /aircraft and feeds the store
func (s *Service) fetchAircraft(ctx context.Context) error {
	var aircraft []AircraftDTO
	if err := s.client.Get(ctx, "/aircraft", &aircraft); err != nil {
		return s.absorb("aircraft", err)
	}

	for _, dto := range aircraft {
		if err := s.upsertAircraft(dto, parseUpstreamTime(dto.LastUpdate)); err != nil {
			s.logger.Warn("Rejected aircraft update",
				logger.String("aircraft_id", dto.EntityID()),
				logger.Error(err))
			continue
		}
		s.ensureStreamSubscription(dto.EntityID())
	}

	s.broadcastRadarView()
	return nil
}

func (s *Service) upsertAircraft(dto AircraftDTO, observed time.Time) error {
	patch := store.Patch{
		ObservedAt:    observed,
		GroundSpeed:   dto.Speed,
		Heading:       dto.Heading,
		VerticalSpeed: dto.VerticalSpeed,
	}
	if dto.Registration != "" {
		reg := dto.Registration
		patch.Registration = &reg
	}
	if dto.PositionLat != nil && dto.PositionLon != nil && dto.Altitude != nil {
		patch.Latitude = dto.PositionLat
		patch.Longitude = dto.PositionLon
		patch.AltitudeFeet = dto.Altitude
	}
	if dto.Status != "" {
		status, err := store.ParseStatus(dto.Status)
		if err != nil {
			s.logger.Warn("Ignoring unknown aircraft status",
				logger.String("aircraft_id", dto.EntityID()),
				logger.String("status", dto.Status))
		} else {
			patch.Status = &status
		}
	}

	_, err := s.store.Upsert(store.KindAircraft, dto.EntityID(), patch)
	return err
}

// ensureStreamSubscription opens the per-aircraft streaming channel once
func (s *Service) ensureStreamSubscription(aircraftID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	if _, ok := s.streamSubs[aircraftID]; ok {
		return
	}

	sub, err := s.stream.Subscribe(transport.AircraftChannel(aircraftID), func(e transport.Event) {
		s.handleStreamEvent(aircraftID, e)
	})
	if err != nil {
		// The stream is dead; polling keeps the store fed and staleness
		// flags the degradation.
		s.logger.Warn("Stream subscription unavailable",
			logger.String("aircraft_id", aircraftID),
			logger.Error(err))
		return
	}
	s.streamSubs[aircraftID] = sub
}

// handleStreamEvent applies one streaming delivery in wire-arrival order
func (s *Service) handleStreamEvent(aircraftID string, e transport.Event) {
	if e.Err != nil {
		s.logger.Warn("Streaming terminated for aircraft, polling remains",
			logger.String("aircraft_id", aircraftID),
			logger.Error(e.Err))
		s.mu.Lock()
		delete(s.streamSubs, aircraftID)
		s.mu.Unlock()
		return
	}

	var update transport.FlightUpdate
	if err := json.Unmarshal(e.Data, &update); err != nil {
		s.logger.Debug("Discarding malformed flight update", logger.Error(err))
		return
	}
	if update.Type != transport.MessageTypeFlightUpdate {
		return
	}

	speed := update.Speed
	heading := update.Heading
	lat := update.Latitude
	lon := update.Longitude
	alt := update.Altitude

	_, err := s.store.Upsert(store.KindAircraft, aircraftID, store.Patch{
		Latitude:     &lat,
		Longitude:    &lon,
		AltitudeFeet: &alt,
		GroundSpeed:  &speed,
		Heading:      &heading,
	})
	if err != nil {
		s.logger.Warn("Rejected streaming update",
			logger.String("aircraft_id", aircraftID),
			logger.Error(err))
		return
	}

	s.broadcastRadarView()
}

// fetchFlights polls GET /flight and feeds the store
func (s *Service) fetchFlights(ctx context.Context) error {
	var flights []FlightDTO
	if err := s.client.Get(ctx, "/flight", &flights); err != nil {
		return s.absorb("flights", err)
	}

	for _, dto := range flights {
		payload := map[string]any{
			"flight_number": dto.FlightNumber,
			"airline":       dto.Airline,
			"status":        dto.FlightStatus,
		}
		if dto.Aircraft != nil {
			payload["aircraft_id"] = dto.Aircraft.EntityID()
		}
		if dto.ScheduledArrival != "" {
			payload["scheduled_arrival"] = dto.ScheduledArrival
		}

		id := strconv.FormatInt(dto.ID, 10)
		if _, err := s.store.Upsert(store.KindFlight, id, store.Patch{Payload: payload}); err != nil {
			s.logger.Warn("Rejected flight update", logger.String("flight_id", id), logger.Error(err))
		}
	}
	return nil
}

// fetchWeatherAlerts polls one of the two independent alert sources
func (s *Service) fetchWeatherAlerts(ctx context.Context) error {
	var dtos []WeatherAlertDTO
	if err := s.client.Get(ctx, "/weather/alerts", &dtos); err != nil {
		return s.absorb("weather-alerts", err)
	}

	batch := make([]alerts.Alert, 0, len(dtos))
	for _, dto := range dtos {
		alert := alerts.Alert{
			Key:         alerts.WeatherKey(strconv.FormatInt(dto.ID, 10)),
			Kind:        alerts.KindWeather,
			Severity:    weatherSeverity(dto),
			Description: dto.Conditions,
		}
		if dto.Airport != nil {
			alert.AirportID = strconv.FormatInt(dto.Airport.ID, 10)
			if dto.Conditions != "" {
				alert.Description = dto.Airport.Name + ": " + dto.Conditions
			}
		}
		batch = append(batch, alert)
	}

	s.applyAlerts("weather", batch)
	return nil
}

// weatherSeverity ranks a weather alert from the observed conditions.
// The upstream flags alerts but carries no severity of its own.
func weatherSeverity(dto WeatherAlertDTO) alerts.Severity {
	if dto.Visibility != nil && *dto.Visibility < 1 {
		return alerts.SeverityHigh
	}
	if dto.WindSpeed != nil && *dto.WindSpeed >= 80 {
		return alerts.SeverityHigh
	}
	return alerts.SeverityMedium
}

// fetchConflicts polls the other alert source
func (s *Service) fetchConflicts(ctx context.Context) error {
	var dtos []ConflictDTO
	if err := s.client.Get(ctx, "/conflicts", &dtos); err != nil {
		return s.absorb("conflicts", err)
	}

	batch := make([]alerts.Alert, 0, len(dtos))
	for _, dto := range dtos {
		severity, err := alerts.ParseSeverity(dto.ConflictInfo.Severity)
		if err != nil {
			s.logger.Warn("Unknown conflict severity, assuming critical",
				logger.String("severity", dto.ConflictInfo.Severity))
			severity = alerts.SeverityCritical
		}

		a := dto.Aircraft1.EntityID()
		b := dto.Aircraft2.EntityID()
		batch = append(batch, alerts.Alert{
			Key:         alerts.ConflictKey(a, b, ""),
			Kind:        alerts.KindConflict,
			Severity:    severity,
			Description: dto.Description(),
			AircraftIDs: []string{a, b},
		})
	}

	s.applyAlerts("conflicts", batch)
	return nil
}

// applyAlerts feeds one source snapshot into the aggregator, archives
// first sightings, and pushes the merged feed to dashboards.
func (s *Service) applyAlerts(source string, batch []alerts.Alert) {
	merged := s.aggregator.Update(source, batch)

	if s.alertLog != nil {
		s.mu.Lock()
		fresh := make([]alerts.Alert, 0)
		for _, alert := range merged {
			if !s.seenAlerts[alert.Key] {
				s.seenAlerts[alert.Key] = true
				fresh = append(fresh, alert)
			}
		}
		s.mu.Unlock()

		for _, alert := range fresh {
			if err := s.alertLog.RecordAlert(alert); err != nil {
				s.logger.Warn("Failed to archive alert",
					logger.String("key", alert.Key),
					logger.Error(err))
			}
		}
	}

	if s.hub != nil {
		s.hub.Broadcast(&websocket.Message{
			Type: websocket.MessageTypeAlertFeed,
			Data: merged,
		})
	}
}

// fetchDashboards polls the role composite views concurrently
func (s *Service) fetchDashboards(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if s.cfg.PilotUsername != "" {
		g.Go(func() error {
			var raw json.RawMessage
			err := s.client.Get(gctx, "/pilots/"+s.cfg.PilotUsername+"/dashboard", &raw)
			if err != nil {
				return s.absorb("pilot-dashboard", err)
			}
			s.setDashboard("pilot", raw)
			return nil
		})
	}

	if s.cfg.PollRadarDashboard {
		g.Go(func() error {
			var raw json.RawMessage
			err := s.client.Get(gctx, "/radar/dashboard", &raw)
			if err != nil {
				return s.absorb("radar-dashboard", err)
			}
			s.setDashboard("radar", raw)
			return nil
		})
	}

	return g.Wait()
}

func (s *Service) setDashboard(role string, raw json.RawMessage) {
	s.mu.Lock()
	s.dashboards[role] = raw
	s.mu.Unlock()
}

// Dashboard returns the latest composite view for a role
func (s *Service) Dashboard(role string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.dashboards[role]
	return raw, ok
}

// Alerts returns the current merged alert feed
func (s *Service) Alerts() []alerts.Alert {
	return s.aggregator.Merged()
}

// RadarView projects every tracked aircraft relative to the radar center.
// Recomputed on every call; stale contacts are flagged, never hidden.
func (s *Service) RadarView() RadarView {
	now := time.Now()
	records := s.store.AllOfKind(store.KindAircraft)
	declination := s.magneticDeclination(now)

	view := RadarView{
		CenterLatitude:  s.cfg.RadarCenter.Lat,
		CenterLongitude: s.cfg.RadarCenter.Lon,
		SectorRadiusKm:  s.cfg.SectorRadiusKm,
		GeneratedAt:     now,
		Contacts:        make([]RadarContact, 0, len(records)),
	}

	for _, rec := range records {
		contact := RadarContact{
			ID:           rec.ID,
			Registration: rec.Registration,
			Status:       rec.Status,
			Position:     rec.Position,
			GroundSpeed:  rec.GroundSpeed,
			Heading:      rec.Heading,
			Stale:        s.store.IsStale(store.KindAircraft, rec.ID, s.cfg.AircraftStaleAfter),
			LastUpdated:  rec.LastUpdated,
		}

		if rec.Position != nil {
			proj := geo.BearingDistance(s.cfg.RadarCenter, geo.Coord{
				Lat: rec.Position.Latitude,
				Lon: rec.Position.Longitude,
			})
			if proj.Known {
				contact.Known = true
				contact.BearingDeg = proj.BearingDeg
				contact.DistanceKm = proj.DistanceKm
				contact.MagneticBearingDeg = geo.NormalizeBearing(proj.BearingDeg - declination)
				contact.SectorX, contact.SectorY = geo.ProjectToSector(
					proj.BearingDeg, proj.DistanceKm, s.cfg.SectorRadiusKm)
				contact.InSector = proj.DistanceKm <= s.cfg.SectorRadiusKm
			}
		}

		view.Contacts = append(view.Contacts, contact)
	}

	return view
}

// magneticDeclination returns the WMM declination at the radar center,
// recomputed at most once per day. The center is fixed and declination
// drifts on a scale of months, so per-contact evaluation is wasted work.
func (s *Service) magneticDeclination(now time.Time) float64 {
	day := now.Format("2006-01-02")

	s.declMu.Lock()
	defer s.declMu.Unlock()

	if s.declinationDay != day {
		d, err := geo.MagneticDeclination(
			s.cfg.RadarCenter.Lat,
			s.cfg.RadarCenter.Lon,
			s.cfg.RadarElevationFeet,
			now,
		)
		if err != nil {
			s.logger.Warn("Magnetic model rejected the radar center, using true bearings",
				logger.Error(err))
			d = 0
		}
		s.declination = d
		s.declinationDay = day
	}
	return s.declination
}

// broadcastRadarView pushes the projected view to attached dashboards
func (s *Service) broadcastRadarView() {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(&websocket.Message{
		Type: websocket.MessageTypeAircraftUpdate,
		Data: s.RadarView(),
	})
}

// absorb maps a polling failure onto the propagation policy: auth failures
// escalate once to the session hook, no-data responses are silent, and
// everything else decays into staleness.
func (s *Service) absorb(resource string, err error) error {
	switch {
	case transport.IsAuthFailure(err):
		s.logger.Error("Upstream rejected credentials, session expired",
			logger.String("resource", resource),
			logger.Error(err))
		if s.onSessionExpired != nil {
			s.expireOnce.Do(func() { s.onSessionExpired(err) })
		}
		return err
	case transport.IsNoData(err):
		// Expected for cross-role endpoints; this panel simply has no data
		s.logger.Debug("No data for resource", logger.String("resource", resource))
		return nil
	default:
		s.logger.Warn("Poll failed, data will go stale",
			logger.String("resource", resource),
			logger.Error(err))
		return nil
	}
}

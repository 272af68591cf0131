package clearance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/radarflight/fleetsync/internal/store"
	"github.com/radarflight/fleetsync/internal/transport"
	"github.com/radarflight/fleetsync/pkg/logger"
)

// State is a clearance workflow state. GRANTED means the authorization is
// held and the aircraft is awaiting departure confirmation; IN_PROGRESS
// means the departure was confirmed and the flight started.
type State string

const (
	StateIdle       State = "IDLE"
	StateRequesting State = "REQUESTING"
	StateGranted    State = "GRANTED"
	StateInProgress State = "IN_PROGRESS"
	StateRefused    State = "REFUSED"
	StateError      State = "ERROR"
)

// Active reports whether the state holds the per-aircraft workflow slot.
// A new request is rejected while the current one is active.
func (s State) Active() bool {
	return s == StateRequesting || s == StateGranted || s == StateInProgress
}

// Terminal reports whether the request instance is finished. Terminal
// requests are retained for display until a fresh request evicts them.
func (s State) Terminal() bool {
	return s == StateRefused || s == StateError || s == StateInProgress
}

// ErrRequestActive is returned when a request is issued for an aircraft
// that already has an active workflow.
var ErrRequestActive = errors.New("a clearance workflow is already active for this aircraft")

// ErrNoActiveRequest is returned when Poll or ConfirmDeparture is called in
// a state that does not allow it.
var ErrNoActiveRequest = errors.New("no clearance request in the required state for this aircraft")

// Request is one clearance workflow instance for one aircraft
type Request struct {
	AircraftID  string    `json:"aircraft_id"`
	State       State     `json:"state"`
	Message     string    `json:"message,omitempty"`
	FlightID    string    `json:"flight_id,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// upstream is the slice of the REST client the tracker needs
type upstream interface {
	Get(ctx context.Context, path string, out interface{}) error
	Post(ctx context.Context, path string, body, out interface{}) error
}

// HistoryRecorder receives every settled state transition of a workflow.
// May be nil.
type HistoryRecorder interface {
	RecordClearance(req Request) error
}

// StatusFunc reports the current lifecycle status of an aircraft. A nil
// StatusFunc means no live status source is attached, so a completed flight
// never releases its slot.
type StatusFunc func(aircraftID string) (store.Status, bool)

// clearanceResponse is the envelope for both the request and the status poll
type clearanceResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Details string `json:"details"`
}

// takeoffResponse is the envelope for the departure confirmation call
type takeoffResponse struct {
	Success          bool   `json:"success"`
	FlightID         string `json:"flightId"`
	EstimatedArrival string `json:"estimatedArrival"`
}

// Tracker runs the takeoff-clearance workflow, one instance per aircraft.
// The single-flight guard is enforced here, not assumed from the server:
// entering REQUESTING claims the aircraft's slot before any network call is
// issued, so a second request can never produce a second call.
type Tracker struct {
	upstream upstream
	history  HistoryRecorder
	status   StatusFunc
	logger   *logger.Logger

	sessionExpired func(err error)
	expireOnce     sync.Once

	mu     sync.Mutex
	active map[string]*Request
	now    func() time.Time
}

// NewTracker creates a tracker. history, status and onSessionExpired may
// each be nil.
func NewTracker(upstreamClient upstream, history HistoryRecorder, status StatusFunc, onSessionExpired func(err error), loggerObj *logger.Logger) *Tracker {
	return &Tracker{
		upstream:       upstreamClient,
		history:        history,
		status:         status,
		sessionExpired: onSessionExpired,
		logger:         loggerObj.Named("clearance"),
		active:         make(map[string]*Request),
		now:            time.Now,
	}
}

// Get returns the tracked request for an aircraft, if any
func (t *Tracker) Get(aircraftID string) (Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	req, ok := t.active[aircraftID]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// All returns every tracked request
func (t *Tracker) All() []Request {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Request, 0, len(t.active))
	for _, req := range t.active {
		out = append(out, *req)
	}
	return out
}

// Request starts a clearance workflow for an aircraft. Exactly one network
// call is issued per accepted request; while one is active, further calls
// return ErrRequestActive with the current state unchanged. A terminal
// previous request is evicted and replaced; an IN_PROGRESS instance is
// released once the aircraft's status reverts to grounded.
func (t *Tracker) Request(ctx context.Context, aircraftID string) (Request, error) {
	if aircraftID == "" {
		return Request{}, fmt.Errorf("aircraft id is required")
	}

	t.mu.Lock()
	if existing, ok := t.active[aircraftID]; ok {
		if existing.State.Active() && !t.releasable(existing) {
			snapshot := *existing
			t.mu.Unlock()
			return snapshot, ErrRequestActive
		}
		delete(t.active, aircraftID)
	}

	req := &Request{
		AircraftID:  aircraftID,
		State:       StateRequesting,
		RequestedAt: t.now(),
		UpdatedAt:   t.now(),
	}
	t.active[aircraftID] = req
	t.mu.Unlock()

	t.logger.Info("Requesting takeoff clearance", logger.String("aircraft_id", aircraftID))

	var resp clearanceResponse
	err := t.upstream.Post(ctx, "/atc/request-takeoff-clearance",
		map[string]string{"aircraftId": aircraftID}, &resp)

	return t.applyResponse(aircraftID, req, resp, err)
}

// Poll re-checks a request that the server left pending. Only valid while
// the request is in REQUESTING.
func (t *Tracker) Poll(ctx context.Context, aircraftID string) (Request, error) {
	t.mu.Lock()
	req, ok := t.active[aircraftID]
	if !ok || req.State != StateRequesting {
		t.mu.Unlock()
		return Request{}, ErrNoActiveRequest
	}
	t.mu.Unlock()

	var resp clearanceResponse
	err := t.upstream.Get(ctx, "/atc/clearance-status/"+aircraftID, &resp)

	return t.applyResponse(aircraftID, req, resp, err)
}

// ConfirmDeparture confirms takeoff for a granted clearance and starts the
// flight. A failed confirmation keeps the request in GRANTED with the error
// attached, because the authorization itself is still valid.
func (t *Tracker) ConfirmDeparture(ctx context.Context, aircraftID, departureAirportID, arrivalAirportID string) (Request, error) {
	t.mu.Lock()
	req, ok := t.active[aircraftID]
	if !ok || req.State != StateGranted {
		t.mu.Unlock()
		return Request{}, ErrNoActiveRequest
	}
	t.mu.Unlock()

	var resp takeoffResponse
	err := t.upstream.Post(ctx, "/flight/simulate-takeoff", map[string]string{
		"aircraftId":         aircraftID,
		"departureAirportId": departureAirportID,
		"arrivalAirportId":   arrivalAirportID,
	}, &resp)

	t.mu.Lock()

	if t.active[aircraftID] != req {
		t.mu.Unlock()
		return Request{}, ErrNoActiveRequest
	}

	if err == nil && !resp.Success {
		err = fmt.Errorf("takeoff confirmation rejected by the server")
	}
	if err != nil {
		req.Message = err.Error()
		req.UpdatedAt = t.now()
		snapshot := *req
		t.mu.Unlock()

		t.expireSession(err)
		t.logger.Warn("Departure confirmation failed, clearance retained",
			logger.String("aircraft_id", aircraftID),
			logger.Error(err))
		return snapshot, err
	}

	req.State = StateInProgress
	req.FlightID = resp.FlightID
	req.Message = ""
	req.UpdatedAt = t.now()
	snapshot := *req
	t.mu.Unlock()

	t.record(snapshot)
	t.logger.Info("Departure confirmed",
		logger.String("aircraft_id", aircraftID),
		logger.String("flight_id", resp.FlightID))

	return snapshot, nil
}

// applyResponse maps a clearance envelope (or transport failure) onto the
// state machine.
func (t *Tracker) applyResponse(aircraftID string, req *Request, resp clearanceResponse, callErr error) (Request, error) {
	t.mu.Lock()

	// A fresh request may have replaced this instance while the call was in
	// flight; its result no longer applies.
	if t.active[aircraftID] != req {
		t.mu.Unlock()
		return Request{}, ErrNoActiveRequest
	}

	req.UpdatedAt = t.now()

	retErr := callErr
	if callErr != nil {
		req.State = StateError
		req.Message = callErr.Error()
	} else {
		switch resp.Status {
		case "GRANTED":
			req.State = StateGranted
			req.Message = resp.Message
		case "REFUSED":
			req.State = StateRefused
			req.Message = resp.Message
		case "PENDING":
			// The tower has not decided yet; the request stays in REQUESTING
			// and Poll re-checks it.
			req.Message = resp.Message
		case "ERROR":
			req.State = StateError
			req.Message = resp.Message
		default:
			perr := &transport.ProtocolError{Message: fmt.Sprintf("unexpected clearance status %q", resp.Status)}
			req.State = StateError
			req.Message = perr.Error()
			retErr = perr
		}
	}

	snapshot := *req
	t.mu.Unlock()

	if snapshot.State != StateRequesting {
		t.record(snapshot)
	}

	if retErr != nil {
		t.expireSession(retErr)
		t.logger.Warn("Clearance request failed",
			logger.String("aircraft_id", aircraftID),
			logger.Error(retErr))
		return snapshot, retErr
	}

	t.logger.Info("Clearance response applied",
		logger.String("aircraft_id", aircraftID),
		logger.String("state", string(snapshot.State)))

	return snapshot, nil
}

// releasable reports whether an active instance no longer holds the slot.
// Only a completed IN_PROGRESS flight releases, and only once the aircraft
// is grounded again; its transitions were already archived when they settled.
func (t *Tracker) releasable(req *Request) bool {
	if req.State != StateInProgress || t.status == nil {
		return false
	}
	status, ok := t.status(req.AircraftID)
	return ok && status == store.StatusGrounded
}

// expireSession escalates a credential rejection to the session boundary.
// Any other failure stays inside the workflow.
func (t *Tracker) expireSession(err error) {
	if t.sessionExpired == nil || !transport.IsAuthFailure(err) {
		return
	}
	t.expireOnce.Do(func() {
		t.logger.Error("Upstream rejected credentials, session expired", logger.Error(err))
		t.sessionExpired(err)
	})
}

// record hands a settled transition to the history recorder. Runs without
// the tracker lock so history writes never serialize the workflow.
func (t *Tracker) record(req Request) {
	if t.history == nil {
		return
	}
	if err := t.history.RecordClearance(req); err != nil {
		t.logger.Warn("Failed to record clearance history",
			logger.String("aircraft_id", req.AircraftID),
			logger.Error(err))
	}
}

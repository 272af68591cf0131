package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/radarflight/fleetsync/pkg/logger"
)

// Kind identifies a class of tracked entity
type Kind string

const (
	KindAircraft      Kind = "aircraft"
	KindFlight        Kind = "flight"
	KindAlert         Kind = "alert"
	KindCommunication Kind = "communication"
)

// Status is an aircraft lifecycle status. The set is closed; anything else
// coming off the wire is rejected at the boundary rather than compared as a
// loose string.
type Status string

const (
	StatusGrounded Status = "GROUNDED"
	StatusTaxi     Status = "TAXI"
	StatusTakeoff  Status = "TAKEOFF"
	StatusAirborne Status = "AIRBORNE"
	StatusApproach Status = "APPROACH"
	StatusLanded   Status = "LANDED"
)

// ParseStatus maps a wire status onto the closed lifecycle set
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusGrounded, StatusTaxi, StatusTakeoff, StatusAirborne, StatusApproach, StatusLanded:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown aircraft status: %q", s)
	}
}

// Position is an absolute fix. The three fields arrive together or not at
// all; partial fixes never reach a record.
type Position struct {
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	AltitudeFeet float64 `json:"altitude_feet"`
}

// Record is the latest known state for one entity. Records are created on
// first sight and never deleted within a session; presenters distinguish
// current from last-known via IsStale.
type Record struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`

	// Aircraft identity and kinematics (KindAircraft only)
	Registration  string    `json:"registration,omitempty"`
	Position      *Position `json:"position,omitempty"`
	GroundSpeed   *float64  `json:"ground_speed,omitempty"`
	Heading       *float64  `json:"heading,omitempty"`
	VerticalSpeed *float64  `json:"vertical_speed,omitempty"`
	Status        Status    `json:"status,omitempty"`

	// Opaque latest fields for other kinds, merged key by key
	Payload map[string]any `json:"payload,omitempty"`

	// LastUpdated is the local receipt time; ObservedAt is the source
	// observation time that gates ordering across sources.
	LastUpdated time.Time `json:"last_updated"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Patch is a partial update. Nil fields are left untouched on merge.
type Patch struct {
	ObservedAt time.Time

	Registration  *string
	Latitude      *float64
	Longitude     *float64
	AltitudeFeet  *float64
	GroundSpeed   *float64
	Heading       *float64
	VerticalSpeed *float64
	Status        *Status

	Payload map[string]any
}

// Store is the single source of truth for latest-known state per entity.
// Polling and streaming goroutines upsert concurrently for different ids;
// one mutex serializes all mutation, and per-record ObservedAt gating makes
// the outcome independent of arrival order.
type Store struct {
	mu      sync.RWMutex
	records map[Kind]map[string]*Record
	order   map[Kind][]string
	logger  *logger.Logger
	now     func() time.Time
}

// New creates an empty store
func New(loggerObj *logger.Logger) *Store {
	return &Store{
		records: make(map[Kind]map[string]*Record),
		order:   make(map[Kind][]string),
		logger:  loggerObj.Named("store"),
		now:     time.Now,
	}
}

// Upsert merges a partial update into the record for (kind, id), creating
// it on first sight. Returns whether the patch was applied: a patch whose
// ObservedAt is older than the record's current observation is discarded,
// which is what protects the store from slow out-of-order poll responses.
func (s *Store) Upsert(kind Kind, id string, patch Patch) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("entity id is required")
	}
	if err := validatePosition(patch); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.records[kind]
	if !ok {
		byID = make(map[string]*Record)
		s.records[kind] = byID
	}

	rec, exists := byID[id]
	if !exists {
		rec = &Record{Kind: kind, ID: id}
		byID[id] = rec
		s.order[kind] = append(s.order[kind], id)
	}

	observed := patch.ObservedAt
	if observed.IsZero() {
		observed = s.now()
	}

	if exists && observed.Before(rec.ObservedAt) {
		s.logger.Debug("Discarding out-of-order update",
			logger.String("kind", string(kind)),
			logger.String("id", id),
			logger.Time("patch_observed", observed),
			logger.Time("record_observed", rec.ObservedAt))
		return false, nil
	}

	merge(rec, patch)
	rec.ObservedAt = observed
	rec.LastUpdated = s.now()

	return true, nil
}

// Get returns a copy of the record for (kind, id)
func (s *Store) Get(kind Kind, id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[kind][id]
	if !ok {
		return Record{}, false
	}
	return copyRecord(rec), true
}

// AllOfKind returns copies of all records of a kind in insertion order.
// The slice is built fresh on every call; it is never a cached snapshot.
func (s *Store) AllOfKind(kind Kind) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.order[kind]
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.records[kind][id]; ok {
			out = append(out, copyRecord(rec))
		}
	}
	return out
}

// IsStale reports whether the record's last update is older than the
// threshold. A missing record is stale by definition: both polling and
// streaming can silently stop delivering, so absence of news is never
// treated as fresh.
func (s *Store) IsStale(kind Kind, id string, threshold time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[kind][id]
	if !ok {
		return true
	}
	return s.now().Sub(rec.LastUpdated) > threshold
}

// Count returns the number of records of a kind
func (s *Store) Count(kind Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[kind])
}

// validatePosition enforces the all-or-none position invariant on a patch
func validatePosition(patch Patch) error {
	set := 0
	for _, f := range []*float64{patch.Latitude, patch.Longitude, patch.AltitudeFeet} {
		if f != nil {
			set++
		}
	}
	if set != 0 && set != 3 {
		return fmt.Errorf("partial position fix rejected: latitude, longitude and altitude must arrive together")
	}
	return nil
}

func merge(rec *Record, patch Patch) {
	if patch.Registration != nil {
		rec.Registration = *patch.Registration
	}
	if patch.Latitude != nil {
		rec.Position = &Position{
			Latitude:     *patch.Latitude,
			Longitude:    *patch.Longitude,
			AltitudeFeet: *patch.AltitudeFeet,
		}
	}
	if patch.GroundSpeed != nil {
		rec.GroundSpeed = ptr(*patch.GroundSpeed)
	}
	if patch.Heading != nil {
		rec.Heading = ptr(*patch.Heading)
	}
	if patch.VerticalSpeed != nil {
		rec.VerticalSpeed = ptr(*patch.VerticalSpeed)
	}
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if len(patch.Payload) > 0 {
		if rec.Payload == nil {
			rec.Payload = make(map[string]any, len(patch.Payload))
		}
		for k, v := range patch.Payload {
			rec.Payload[k] = v
		}
	}
}

func copyRecord(rec *Record) Record {
	out := *rec
	if rec.Position != nil {
		p := *rec.Position
		out.Position = &p
	}
	if rec.GroundSpeed != nil {
		out.GroundSpeed = ptr(*rec.GroundSpeed)
	}
	if rec.Heading != nil {
		out.Heading = ptr(*rec.Heading)
	}
	if rec.VerticalSpeed != nil {
		out.VerticalSpeed = ptr(*rec.VerticalSpeed)
	}
	if rec.Payload != nil {
		payload := make(map[string]any, len(rec.Payload))
		for k, v := range rec.Payload {
			payload[k] = v
		}
		out.Payload = payload
	}
	return out
}

func ptr(f float64) *float64 { return &f }

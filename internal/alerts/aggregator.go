package alerts

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/radarflight/fleetsync/pkg/logger"
)

// Kind identifies the alert source family
type Kind string

const (
	KindWeather  Kind = "WEATHER"
	KindConflict Kind = "CONFLICT"
)

// Severity is the ranked alert severity
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the wire form of a severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseSeverity maps a wire severity onto the ranked set
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "LOW":
		return SeverityLow, nil
	case "MEDIUM":
		return SeverityMedium, nil
	case "HIGH":
		return SeverityHigh, nil
	case "CRITICAL":
		return SeverityCritical, nil
	default:
		return SeverityLow, fmt.Errorf("unknown severity: %q", s)
	}
}

// MarshalJSON emits the wire form
func (s Severity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Alert is one immutable observation from an upstream feed. The aggregator
// orders and deduplicates; it never mutates alert content.
type Alert struct {
	Key         string    `json:"key"`
	Kind        Kind      `json:"kind"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
	AirportID   string    `json:"airport_id,omitempty"`
	AircraftIDs []string  `json:"aircraft_ids,omitempty"`
	ObservedAt  time.Time `json:"observed_at"`
	FirstSeen   time.Time `json:"first_seen"`
}

// WeatherKey synthesizes the feed key for a weather alert with a
// source-provided id.
func WeatherKey(sourceID string) string {
	return "weather:" + sourceID
}

// ConflictKey synthesizes the feed key for a conflict alert. The upstream
// provides no stable id, so the key is the sorted participant pair plus the
// conflict type. Two concurrent distinct conflicts for the same pair and
// type collapse into one entry; isolating the synthesis here keeps that
// decision reversible if the upstream ever grows a real id.
func ConflictKey(aircraftA, aircraftB, conflictType string) string {
	if aircraftB < aircraftA {
		aircraftA, aircraftB = aircraftB, aircraftA
	}
	key := "conflict:" + aircraftA + "-" + aircraftB
	if conflictType != "" {
		key += ":" + strings.ToLower(conflictType)
	}
	return key
}

// Config tunes the aggregator
type Config struct {
	// ResolveAfterMisses is how many consecutive source snapshots an alert
	// must be absent from before it is treated as resolved. 1 reproduces
	// the upstream behavior of dropping on the first missed poll.
	ResolveAfterMisses int

	// ObservedKeyCache bounds the remembered first-seen timestamps
	ObservedKeyCache int
}

// Aggregator merges independently polled alert feeds into one ranked,
// deduplicated collection. There is no "alert closed" notification
// upstream: absence from a source's latest snapshot is the only resolution
// signal.
type Aggregator struct {
	cfg    Config
	logger *logger.Logger

	mu        sync.Mutex
	bySource  map[string]map[string]Alert
	misses    map[string]int
	firstSeen *lru.Cache[string, time.Time]
	now       func() time.Time
}

// New creates an aggregator
func New(cfg Config, loggerObj *logger.Logger) (*Aggregator, error) {
	if cfg.ResolveAfterMisses < 1 {
		cfg.ResolveAfterMisses = 1
	}
	if cfg.ObservedKeyCache <= 0 {
		cfg.ObservedKeyCache = 1024
	}

	firstSeen, err := lru.New[string, time.Time](cfg.ObservedKeyCache)
	if err != nil {
		return nil, fmt.Errorf("failed to create first-seen cache: %w", err)
	}

	return &Aggregator{
		cfg:       cfg,
		logger:    loggerObj.Named("alerts"),
		bySource:  make(map[string]map[string]Alert),
		misses:    make(map[string]int),
		firstSeen: firstSeen,
		now:       time.Now,
	}, nil
}

// Update applies one source's current snapshot and returns the merged feed.
// Alerts the source previously reported but omits now accumulate misses and
// are dropped once the confirmation window is exhausted.
func (a *Aggregator) Update(source string, current []Alert) []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	previous := a.bySource[source]
	next := make(map[string]Alert, len(current))

	for _, alert := range current {
		if alert.Key == "" {
			a.logger.Warn("Dropping alert without a key",
				logger.String("source", source),
				logger.String("description", alert.Description))
			continue
		}

		alert.ObservedAt = now
		if first, ok := a.firstSeen.Get(alert.Key); ok {
			alert.FirstSeen = first
		} else {
			alert.FirstSeen = now
			a.firstSeen.Add(alert.Key, now)
		}

		delete(a.misses, alert.Key)
		// Exact-key duplicate within one snapshot: keep the latest instance
		next[alert.Key] = alert
	}

	// Absence handling with the confirmation window
	for key, old := range previous {
		if _, stillPresent := next[key]; stillPresent {
			continue
		}
		a.misses[key]++
		if a.misses[key] < a.cfg.ResolveAfterMisses {
			// Not yet confirmed resolved: carry the last observation forward
			next[key] = old
			continue
		}
		delete(a.misses, key)
		a.logger.Debug("Alert resolved by absence",
			logger.String("source", source),
			logger.String("key", key))
	}

	a.bySource[source] = next
	return a.mergedLocked()
}

// Merged returns the current ordered, deduplicated feed
func (a *Aggregator) Merged() []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mergedLocked()
}

func (a *Aggregator) mergedLocked() []Alert {
	byKey := make(map[string]Alert)
	for _, alerts := range a.bySource {
		for key, alert := range alerts {
			existing, ok := byKey[key]
			if !ok || alert.ObservedAt.After(existing.ObservedAt) {
				byKey[key] = alert
			}
		}
	}

	merged := make([]Alert, 0, len(byKey))
	for _, alert := range byKey {
		merged = append(merged, alert)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Severity != merged[j].Severity {
			return merged[i].Severity > merged[j].Severity
		}
		if !merged[i].ObservedAt.Equal(merged[j].ObservedAt) {
			return merged[i].ObservedAt.After(merged[j].ObservedAt)
		}
		return merged[i].Key < merged[j].Key
	})

	return merged
}

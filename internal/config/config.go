package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server    ServerConfig    `toml:"server"`    // Local presenter API settings
	Upstream  UpstreamConfig  `toml:"upstream"`  // Flight-radar backend settings
	Stream    StreamConfig    `toml:"stream"`    // Streaming subscription settings
	Radar     RadarConfig     `toml:"radar"`     // Observer reference point and sector settings
	Alerts    AlertsConfig    `toml:"alerts"`    // Alert feed polling and resolution settings
	Staleness StalenessConfig `toml:"staleness"` // Freshness thresholds per entity kind
	Storage   StorageConfig   `toml:"storage"`   // Session history persistence settings
	Logging   LoggingConfig   `toml:"logging"`   // Application logging settings
}

// ServerConfig contains the local presenter API configuration.
// Role dashboards (pilot, radar, admin) attach here; they are external
// consumers, not part of this process.
type ServerConfig struct {
	Port             int    `toml:"port"`                  // HTTP port for the presenter API
	Host             string `toml:"host"`                  // Host address to bind to (127.0.0.1 keeps dashboards local)
	ReadTimeoutSecs  int    `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request
	WriteTimeoutSecs int    `toml:"write_timeout_seconds"` // Maximum duration for writing the response
	IdleTimeoutSecs  int    `toml:"idle_timeout_seconds"`  // Keep-alive idle timeout
}

// UpstreamConfig contains the remote flight-radar backend configuration
type UpstreamConfig struct {
	BaseURL             string `toml:"base_url"`              // Backend REST base URL (e.g., http://localhost:8080/api)
	BearerToken         string `toml:"bearer_token"`          // Credential attached to every request
	RequestTimeoutSecs  int    `toml:"request_timeout_seconds"` // Per-request timeout (treated like a network failure on expiry)
	RequestsPerSecond   float64 `toml:"requests_per_second"`  // Global cap on outbound request rate (0 = unlimited)
	AircraftIntervalSecs  int  `toml:"aircraft_interval_seconds"`  // How often to poll /aircraft
	FlightsIntervalSecs   int  `toml:"flights_interval_seconds"`   // How often to poll /flight
	DashboardIntervalSecs int  `toml:"dashboard_interval_seconds"` // How often to poll role composite views
	PilotUsername       string `toml:"pilot_username"`        // Pilot whose dashboard view to poll (empty = disabled)
	PollRadarDashboard  bool   `toml:"poll_radar_dashboard"`  // Whether to poll /radar/dashboard
}

// StreamConfig contains the streaming subscription configuration
type StreamConfig struct {
	URL                  string `toml:"url"`                     // WebSocket endpoint of the backend (e.g., ws://localhost:8080/ws)
	ReconnectDelaySecs   int    `toml:"reconnect_delay_seconds"` // Fixed backoff between reconnect attempts
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`  // Attempts before subscribers get a terminal error (0 = unlimited)
}

// RadarConfig contains the observer reference point used for display projection
type RadarConfig struct {
	Latitude       float64 `toml:"latitude"`         // Radar center latitude in decimal degrees
	Longitude      float64 `toml:"longitude"`        // Radar center longitude in decimal degrees
	ElevationFeet  float64 `toml:"elevation_feet"`   // Radar center elevation (used for magnetic declination)
	SectorRadiusKm float64 `toml:"sector_radius_km"` // Display radius; targets beyond it clamp to the sector rim
}

// AlertsConfig contains alert feed polling and resolution configuration
type AlertsConfig struct {
	IntervalSecs       int `toml:"interval_seconds"`     // How often to poll /weather/alerts and /conflicts
	ResolveAfterMisses int `toml:"resolve_after_misses"` // Consecutive polls an alert must be absent before it is dropped (1 = drop immediately)
	ObservedKeyCache   int `toml:"observed_key_cache"`   // Bound on remembered first-observed alert keys
}

// StalenessConfig contains per-kind freshness thresholds in seconds.
// A record older than its threshold is flagged stale, never hidden.
type StalenessConfig struct {
	AircraftSecs int `toml:"aircraft_seconds"` // Aircraft position/kinematics freshness threshold
	AlertSecs    int `toml:"alert_seconds"`    // Alert feed freshness threshold
	FlightSecs   int `toml:"flight_seconds"`   // Flight record freshness threshold
}

// StorageConfig contains session history persistence configuration
type StorageConfig struct {
	SQLiteBasePath string `toml:"sqlite_base_path"` // Base path for daily SQLite database files
	MaxHistoryRows int    `toml:"max_history_rows"` // Maximum rows returned by history endpoints
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// Load loads the configuration from the specified file path
func Load(path string) (*Config, error) {
	var config Config

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

// LoadWithFallback loads the configuration by checking multiple locations in order of preference
func LoadWithFallback(preferredPath string) (*Config, error) {
	searchPaths := []string{
		preferredPath,         // User-specified path (if provided)
		"configs/config.toml", // configs/ folder
		"config.toml",         // Root directory
	}

	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// applyDefaults fills unset fields with working defaults
func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8090
	}
	if c.Server.ReadTimeoutSecs == 0 {
		c.Server.ReadTimeoutSecs = 15
	}
	if c.Server.WriteTimeoutSecs == 0 {
		c.Server.WriteTimeoutSecs = 15
	}
	if c.Server.IdleTimeoutSecs == 0 {
		c.Server.IdleTimeoutSecs = 60
	}
	if c.Upstream.RequestTimeoutSecs == 0 {
		c.Upstream.RequestTimeoutSecs = 10
	}
	if c.Upstream.AircraftIntervalSecs == 0 {
		c.Upstream.AircraftIntervalSecs = 5
	}
	if c.Upstream.FlightsIntervalSecs == 0 {
		c.Upstream.FlightsIntervalSecs = 10
	}
	if c.Upstream.DashboardIntervalSecs == 0 {
		c.Upstream.DashboardIntervalSecs = 5
	}
	if c.Stream.ReconnectDelaySecs == 0 {
		c.Stream.ReconnectDelaySecs = 5
	}
	if c.Stream.MaxReconnectAttempts == 0 {
		c.Stream.MaxReconnectAttempts = 10
	}
	if c.Radar.SectorRadiusKm == 0 {
		c.Radar.SectorRadiusKm = 100
	}
	if c.Alerts.IntervalSecs == 0 {
		c.Alerts.IntervalSecs = 5
	}
	if c.Alerts.ResolveAfterMisses == 0 {
		c.Alerts.ResolveAfterMisses = 1
	}
	if c.Alerts.ObservedKeyCache == 0 {
		c.Alerts.ObservedKeyCache = 1024
	}
	if c.Staleness.AircraftSecs == 0 {
		c.Staleness.AircraftSecs = 15
	}
	if c.Staleness.AlertSecs == 0 {
		c.Staleness.AlertSecs = 30
	}
	if c.Staleness.FlightSecs == 0 {
		c.Staleness.FlightSecs = 30
	}
	if c.Storage.SQLiteBasePath == "" {
		c.Storage.SQLiteBasePath = "data"
	}
	if c.Storage.MaxHistoryRows == 0 {
		c.Storage.MaxHistoryRows = 500
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream base_url is required")
	}
	if !strings.HasPrefix(c.Upstream.BaseURL, "http://") && !strings.HasPrefix(c.Upstream.BaseURL, "https://") {
		return fmt.Errorf("upstream base_url must be an http(s) URL: %s", c.Upstream.BaseURL)
	}
	if c.Upstream.RequestTimeoutSecs <= 0 {
		return fmt.Errorf("upstream request_timeout_seconds must be greater than 0")
	}
	if c.Upstream.RequestsPerSecond < 0 {
		return fmt.Errorf("upstream requests_per_second must be 0 or greater")
	}
	if c.Upstream.AircraftIntervalSecs <= 0 {
		return fmt.Errorf("upstream aircraft_interval_seconds must be greater than 0")
	}

	if c.Stream.URL != "" && !strings.HasPrefix(c.Stream.URL, "ws://") && !strings.HasPrefix(c.Stream.URL, "wss://") {
		return fmt.Errorf("stream url must be a ws(s) URL: %s", c.Stream.URL)
	}
	if c.Stream.ReconnectDelaySecs <= 0 {
		return fmt.Errorf("stream reconnect_delay_seconds must be greater than 0")
	}
	if c.Stream.MaxReconnectAttempts < 0 {
		return fmt.Errorf("stream max_reconnect_attempts must be 0 or greater")
	}

	if c.Radar.Latitude < -90 || c.Radar.Latitude > 90 {
		return fmt.Errorf("invalid radar latitude: %f", c.Radar.Latitude)
	}
	if c.Radar.Longitude < -180 || c.Radar.Longitude > 180 {
		return fmt.Errorf("invalid radar longitude: %f", c.Radar.Longitude)
	}
	if c.Radar.SectorRadiusKm <= 0 {
		return fmt.Errorf("radar sector_radius_km must be greater than 0")
	}

	if c.Alerts.ResolveAfterMisses < 1 {
		return fmt.Errorf("alerts resolve_after_misses must be at least 1")
	}

	return nil
}

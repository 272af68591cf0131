package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/radarflight/fleetsync/internal/alerts"
	"github.com/radarflight/fleetsync/internal/clearance"
	"github.com/radarflight/fleetsync/pkg/logger"
)

// ClearanceHistoryRecord is one archived clearance workflow instance
type ClearanceHistoryRecord struct {
	ID          int64     `json:"id"`
	AircraftID  string    `json:"aircraft_id"`
	State       string    `json:"state"`
	Message     string    `json:"message,omitempty"`
	FlightID    string    `json:"flight_id,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	ResolvedAt  time.Time `json:"resolved_at"`
}

// AlertHistoryRecord is one archived alert observation
type AlertHistoryRecord struct {
	ID          int64     `json:"id"`
	Key         string    `json:"key"`
	Kind        string    `json:"kind"`
	Severity    string    `json:"severity"`
	Description string    `json:"description,omitempty"`
	Aircraft    string    `json:"aircraft,omitempty"`
	FirstSeen   time.Time `json:"first_seen"`
	ResolvedAt  time.Time `json:"resolved_at"`
}

// HistoryStorage is the SQLite-based archive for clearance workflow
// transitions and observed alerts. The live view lives in memory; this only
// serves the history endpoints.
type HistoryStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewHistoryStorage creates a new SQLite-based history storage
func NewHistoryStorage(dbPath string, log *logger.Logger) (*HistoryStorage, error) {
	storageLogger := log.Named("sqlite")

	storageLogger.Info("Initializing SQLite storage",
		logger.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := initDatabase(db, storageLogger); err != nil {
		db.Close()
		return nil, err
	}

	return &HistoryStorage{
		db:     db,
		logger: storageLogger,
	}, nil
}

// Close closes the database connection
func (s *HistoryStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// initDatabase initializes the database schema
func initDatabase(db *sql.DB, log *logger.Logger) error {
	log.Info("Initializing database schema")

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS clearance_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			aircraft_id TEXT NOT NULL,
			state TEXT NOT NULL,
			message TEXT,
			flight_id TEXT,
			requested_at TIMESTAMP NOT NULL,
			resolved_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create clearance_history table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_clearance_aircraft ON clearance_history(aircraft_id)`)
	if err != nil {
		return fmt.Errorf("failed to create aircraft_id index: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS alert_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL,
			kind TEXT NOT NULL,
			severity TEXT NOT NULL,
			description TEXT,
			aircraft TEXT,
			first_seen TIMESTAMP NOT NULL,
			resolved_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create alert_history table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_alert_resolved_at ON alert_history(resolved_at)`)
	if err != nil {
		return fmt.Errorf("failed to create resolved_at index: %w", err)
	}

	return nil
}

// RecordClearance archives a finished clearance workflow instance
func (s *HistoryStorage) RecordClearance(req clearance.Request) error {
	_, err := s.db.Exec(
		`INSERT INTO clearance_history
		(aircraft_id, state, message, flight_id, requested_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		req.AircraftID,
		string(req.State),
		req.Message,
		req.FlightID,
		req.RequestedAt.Format(time.RFC3339),
		req.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert clearance history: %w", err)
	}
	return nil
}

// GetClearanceHistory returns archived clearance workflows, newest first
func (s *HistoryStorage) GetClearanceHistory(limit, offset int) ([]*ClearanceHistoryRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, aircraft_id, state, message, flight_id, requested_at, resolved_at
		FROM clearance_history
		ORDER BY resolved_at DESC
		LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query clearance history: %w", err)
	}
	defer rows.Close()

	return scanClearanceRows(rows)
}

// GetClearanceHistoryByAircraft returns archived workflows for one aircraft
func (s *HistoryStorage) GetClearanceHistoryByAircraft(aircraftID string, limit, offset int) ([]*ClearanceHistoryRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, aircraft_id, state, message, flight_id, requested_at, resolved_at
		FROM clearance_history
		WHERE aircraft_id = ?
		ORDER BY resolved_at DESC
		LIMIT ? OFFSET ?`,
		aircraftID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query clearance history by aircraft: %w", err)
	}
	defer rows.Close()

	return scanClearanceRows(rows)
}

func scanClearanceRows(rows *sql.Rows) ([]*ClearanceHistoryRecord, error) {
	var records []*ClearanceHistoryRecord
	for rows.Next() {
		var record ClearanceHistoryRecord
		var message, flightID sql.NullString
		var requestedAt, resolvedAt string

		if err := rows.Scan(
			&record.ID,
			&record.AircraftID,
			&record.State,
			&message,
			&flightID,
			&requestedAt,
			&resolvedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan clearance history: %w", err)
		}

		var err error
		record.RequestedAt, err = time.Parse(time.RFC3339, requestedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse requested_at: %w", err)
		}
		record.ResolvedAt, err = time.Parse(time.RFC3339, resolvedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse resolved_at: %w", err)
		}

		if message.Valid {
			record.Message = message.String
		}
		if flightID.Valid {
			record.FlightID = flightID.String
		}

		records = append(records, &record)
	}

	return records, rows.Err()
}

// RecordAlert archives a resolved alert
func (s *HistoryStorage) RecordAlert(alert alerts.Alert) error {
	_, err := s.db.Exec(
		`INSERT INTO alert_history
		(key, kind, severity, description, aircraft, first_seen, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		alert.Key,
		string(alert.Kind),
		alert.Severity.String(),
		alert.Description,
		strings.Join(alert.AircraftIDs, ","),
		alert.FirstSeen.Format(time.RFC3339),
		alert.ObservedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert history: %w", err)
	}
	return nil
}

// GetAlertHistory returns archived alerts, newest first
func (s *HistoryStorage) GetAlertHistory(limit, offset int) ([]*AlertHistoryRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, key, kind, severity, description, aircraft, first_seen, resolved_at
		FROM alert_history
		ORDER BY resolved_at DESC
		LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert history: %w", err)
	}
	defer rows.Close()

	var records []*AlertHistoryRecord
	for rows.Next() {
		var record AlertHistoryRecord
		var description, aircraft sql.NullString
		var firstSeen, resolvedAt string

		if err := rows.Scan(
			&record.ID,
			&record.Key,
			&record.Kind,
			&record.Severity,
			&description,
			&aircraft,
			&firstSeen,
			&resolvedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alert history: %w", err)
		}

		record.FirstSeen, err = time.Parse(time.RFC3339, firstSeen)
		if err != nil {
			return nil, fmt.Errorf("failed to parse first_seen: %w", err)
		}
		record.ResolvedAt, err = time.Parse(time.RFC3339, resolvedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse resolved_at: %w", err)
		}

		if description.Valid {
			record.Description = description.String
		}
		if aircraft.Valid {
			record.Aircraft = aircraft.String
		}

		records = append(records, &record)
	}

	return records, rows.Err()
}

// Package store keeps device presence records in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO)
)

// Device status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Device is the stored presence record of one device.
type Device struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"`
	FirstSeen      time.Time  `json:"first_seen"`
	LastSeen       time.Time  `json:"last_seen"`
	ConnectedAt    *time.Time `json:"connected_at,omitempty"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	ConnectCount   int        `json:"connect_count"`
}

// Store persists device presence. Telemetry is never stored.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates the database at path and its tables.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps ":memory:" databases coherent and
	// serializes writers.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, now: time.Now}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'offline',
		first_seen DATETIME NOT NULL,
		last_seen DATETIME NOT NULL,
		connected_at DATETIME,
		disconnected_at DATETIME,
		connect_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_devices_status ON devices(status);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ResetOnline marks every device offline. Connections do not survive a
// restart, so rows left online by a previous process are stale.
func (s *Store) ResetOnline() (int64, error) {
	result, err := s.db.Exec(`UPDATE devices SET status = ?, disconnected_at = ? WHERE status = ?`,
		StatusOffline, s.now().UTC(), StatusOnline)
	if err != nil {
		return 0, fmt.Errorf("failed to reset device status: %w", err)
	}
	return result.RowsAffected()
}

// MarkOnline upserts deviceID as connected at the given time.
func (s *Store) MarkOnline(deviceID string, at time.Time) error {
	at = at.UTC()
	_, err := s.db.Exec(`
		INSERT INTO devices (id, status, first_seen, last_seen, connected_at, connect_count)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			last_seen = excluded.last_seen,
			connected_at = excluded.connected_at,
			connect_count = devices.connect_count + 1
	`, deviceID, StatusOnline, at, at, at)
	if err != nil {
		return fmt.Errorf("failed to mark %s online: %w", deviceID, err)
	}
	return nil
}

// MarkOffline records that deviceID disconnected. lastSeen is the last
// activity the relay observed; a zero value keeps the stored one.
func (s *Store) MarkOffline(deviceID string, lastSeen time.Time) error {
	now := s.now().UTC()
	var err error
	if lastSeen.IsZero() {
		_, err = s.db.Exec(`UPDATE devices SET status = ?, disconnected_at = ? WHERE id = ?`,
			StatusOffline, now, deviceID)
	} else {
		_, err = s.db.Exec(`UPDATE devices SET status = ?, disconnected_at = ?, last_seen = MAX(last_seen, ?) WHERE id = ?`,
			StatusOffline, now, lastSeen.UTC(), deviceID)
	}
	if err != nil {
		return fmt.Errorf("failed to mark %s offline: %w", deviceID, err)
	}
	return nil
}

// List returns every known device ordered by id.
func (s *Store) List() ([]Device, error) {
	rows, err := s.db.Query(`
		SELECT id, status, first_seen, last_seen, connected_at, disconnected_at, connect_count
		FROM devices ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var devices []Device
	for rows.Next() {
		var d Device
		var connectedAt, disconnectedAt sql.NullTime
		if err := rows.Scan(&d.ID, &d.Status, &d.FirstSeen, &d.LastSeen,
			&connectedAt, &disconnectedAt, &d.ConnectCount); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		if connectedAt.Valid {
			t := connectedAt.Time
			d.ConnectedAt = &t
		}
		if disconnectedAt.Valid {
			t := disconnectedAt.Time
			d.DisconnectedAt = &t
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

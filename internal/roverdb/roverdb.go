// Package roverdb persists ground-station state to SQLite: operating
// sessions, a log of completed scans, and serialized elevation map
// snapshots.
package roverdb

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/terrain.station/internal/rover/elevation"

	_ "modernc.org/sqlite"
)

type Store struct {
	*sql.DB
}

// Open opens (creating if needed) the station database at path and
// applies any pending schema migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc's driver is not safe for concurrent writers on one file.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	s := &Store{db}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Session is one continuous run of the station process.
type Session struct {
	SessionID     string `json:"session_id"`
	StartedUnixNs int64  `json:"started_unix_ns"`
	EndedUnixNs   *int64 `json:"ended_unix_ns,omitempty"`
	Notes         string `json:"notes"`
}

// StartSession creates a new session record and returns its id.
func (s *Store) StartSession(notes string) (string, error) {
	id := uuid.NewString()
	_, err := s.Exec(
		`INSERT INTO sessions (session_id, started_unix_ns, notes) VALUES (?, ?, ?)`,
		id, time.Now().UnixNano(), notes,
	)
	if err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	return id, nil
}

// EndSession stamps a session's end time.
func (s *Store) EndSession(sessionID string) error {
	res, err := s.Exec(
		`UPDATE sessions SET ended_unix_ns = ? WHERE session_id = ?`,
		time.Now().UnixNano(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("unknown session %q", sessionID)
	}
	return nil
}

// GetSession fetches one session record.
func (s *Store) GetSession(sessionID string) (*Session, error) {
	var sess Session
	err := s.QueryRow(
		`SELECT session_id, started_unix_ns, ended_unix_ns, notes FROM sessions WHERE session_id = ?`,
		sessionID,
	).Scan(&sess.SessionID, &sess.StartedUnixNs, &sess.EndedUnixNs, &sess.Notes)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &sess, nil
}

// ScanRecord is one completed scan's log entry.
type ScanRecord struct {
	ScanID         int64   `json:"scan_id"`
	SessionID      string  `json:"session_id"`
	RoverID        string  `json:"rover_id"`
	ScanTimestamp  float64 `json:"scan_timestamp"`
	PointCount     int     `json:"point_count"`
	ReceivedUnixNs int64   `json:"received_unix_ns"`
}

// RecordScan logs a completed scan.
func (s *Store) RecordScan(sessionID, roverID string, scanTimestamp float64, pointCount int) error {
	_, err := s.Exec(
		`INSERT INTO scan_log (session_id, rover_id, scan_timestamp, point_count, received_unix_ns)
		 VALUES (?, ?, ?, ?, ?)`,
		sessionID, roverID, scanTimestamp, pointCount, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record scan: %w", err)
	}
	return nil
}

// RecentScans returns the most recent scan log entries, newest first.
func (s *Store) RecentScans(limit int) ([]ScanRecord, error) {
	rows, err := s.Query(
		`SELECT scan_id, session_id, rover_id, scan_timestamp, point_count, received_unix_ns
		 FROM scan_log ORDER BY received_unix_ns DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query scan log: %w", err)
	}
	defer rows.Close()

	var recs []ScanRecord
	for rows.Next() {
		var r ScanRecord
		if err := rows.Scan(&r.ScanID, &r.SessionID, &r.RoverID, &r.ScanTimestamp, &r.PointCount, &r.ReceivedUnixNs); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// InsertElevationSnapshot stores a serialized elevation map. Implements
// elevation.SnapshotStore.
func (s *Store) InsertElevationSnapshot(snap *elevation.Snapshot) (int64, error) {
	res, err := s.Exec(
		`INSERT INTO elevation_snapshots
		 (session_id, taken_unix_ns, tile_count, leaf_count, params_json, map_blob, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.SessionID, snap.TakenUnixNanos, snap.TileCount, snap.LeafCount,
		snap.ParamsJSON, snap.MapBlob, snap.Reason,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert elevation snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get snapshot id: %w", err)
	}
	return id, nil
}

// LatestElevationSnapshot loads the newest snapshot for a session, or
// across all sessions when sessionID is empty. Returns sql.ErrNoRows
// when none exists.
func (s *Store) LatestElevationSnapshot(sessionID string) (*elevation.Snapshot, error) {
	query := `SELECT snapshot_id, session_id, taken_unix_ns, tile_count, leaf_count, params_json, map_blob, reason
	          FROM elevation_snapshots`
	args := []interface{}{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY taken_unix_ns DESC LIMIT 1`

	var snap elevation.Snapshot
	var id int64
	err := s.QueryRow(query, args...).Scan(
		&id, &snap.SessionID, &snap.TakenUnixNanos, &snap.TileCount, &snap.LeafCount,
		&snap.ParamsJSON, &snap.MapBlob, &snap.Reason,
	)
	if err != nil {
		return nil, err
	}
	snap.SnapshotID = &id
	return &snap, nil
}

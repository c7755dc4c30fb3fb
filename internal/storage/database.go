package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	-- Last commanded state per mapped device
	CREATE TABLE IF NOT EXISTS actuator_states (
		device_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		source TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- State changes, newest kept
	CREATE TABLE IF NOT EXISTS actuator_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		prev_state TEXT,
		new_state TEXT NOT NULL,
		source TEXT NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_actuator_events_device ON actuator_events(device_id);
	CREATE INDEX IF NOT EXISTS idx_actuator_events_timestamp ON actuator_events(timestamp);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// --- Actuator State Operations ---

// SaveActuatorState records the new state of a device and appends a history
// entry when the state changed
func (db *DB) SaveActuatorState(deviceID, state, source string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var prev sql.NullString
	err = tx.QueryRow("SELECT state FROM actuator_states WHERE device_id = ?", deviceID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	now := time.Now()
	_, err = tx.Exec(`INSERT INTO actuator_states (device_id, state, source, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			state = excluded.state,
			source = excluded.source,
			updated_at = excluded.updated_at`,
		deviceID, state, source, now)
	if err != nil {
		return err
	}

	if !prev.Valid || prev.String != state {
		_, err = tx.Exec(`INSERT INTO actuator_events (device_id, prev_state, new_state, source, timestamp)
			VALUES (?, ?, ?, ?, ?)`, deviceID, prev, state, source, now)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetActuatorState retrieves the state of a device. It returns nil, nil when
// the device has no stored state.
func (db *DB) GetActuatorState(deviceID string) (*ActuatorState, error) {
	s := &ActuatorState{}
	err := db.conn.QueryRow(`SELECT device_id, state, source, updated_at
		FROM actuator_states WHERE device_id = ?`, deviceID).Scan(&s.DeviceID, &s.State, &s.Source, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetAllActuatorStates retrieves every stored state ordered by device id
func (db *DB) GetAllActuatorStates() ([]*ActuatorState, error) {
	rows, err := db.conn.Query(`SELECT device_id, state, source, updated_at
		FROM actuator_states ORDER BY device_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*ActuatorState
	for rows.Next() {
		s := &ActuatorState{}
		if err := rows.Scan(&s.DeviceID, &s.State, &s.Source, &s.UpdatedAt); err != nil {
			return nil, err
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

// DeleteActuatorState removes the stored state of a device, reporting whether
// there was one
func (db *DB) DeleteActuatorState(deviceID string) (bool, error) {
	result, err := db.conn.Exec("DELETE FROM actuator_states WHERE device_id = ?", deviceID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// ClearActuatorStates removes every stored state and returns how many there were
func (db *DB) ClearActuatorStates() (int64, error) {
	result, err := db.conn.Exec("DELETE FROM actuator_states")
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- History Operations ---

// GetStateChanges retrieves the newest changes, for one device when deviceID
// is not empty
func (db *DB) GetStateChanges(deviceID string, limit int) ([]*StateChange, error) {
	query := `SELECT id, device_id, prev_state, new_state, source, timestamp
		FROM actuator_events`
	args := []any{}
	if deviceID != "" {
		query += " WHERE device_id = ?"
		args = append(args, deviceID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []*StateChange
	for rows.Next() {
		c := &StateChange{}
		var prev sql.NullString
		if err := rows.Scan(&c.ID, &c.DeviceID, &prev, &c.NewState, &c.Source, &c.Timestamp); err != nil {
			return nil, err
		}
		c.PrevState = prev.String
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// PruneStateChanges deletes history entries older than cutoff
func (db *DB) PruneStateChanges(cutoff time.Time) (int64, error) {
	result, err := db.conn.Exec("DELETE FROM actuator_events WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- agent.StateStore ---

// LastState returns the stored state of a device
func (db *DB) LastState(deviceID string) (string, bool, error) {
	s, err := db.GetActuatorState(deviceID)
	if err != nil || s == nil {
		return "", false, err
	}
	return s.State, true, nil
}

// SaveState stores a state received in a command
func (db *DB) SaveState(deviceID, state string) error {
	return db.SaveActuatorState(deviceID, state, SourceCommand)
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database holding the asset cache, registered player
// keys and server settings.
type DB struct {
	conn *sql.DB
}

// AssetRow is one cached asset.
type AssetRow struct {
	ID        string
	Name      string
	Data      []byte
	CreatedAt time.Time
}

// PlayerKeyRow is a public key registered for a player name.
type PlayerKeyRow struct {
	Name        string
	Role        Role
	Key         []byte
	Fingerprint string
	AddedAt     time.Time
}

// OpenDB opens (or creates) the SQLite database. ":memory:" keeps everything
// in process.
func OpenDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		// every pooled connection would otherwise get its own empty database
		conn.SetMaxOpenConns(1)
	} else if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates tables if they don't exist
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS assets (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		data BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS player_keys (
		name TEXT NOT NULL COLLATE NOCASE,
		role TEXT NOT NULL DEFAULT 'player',
		pubkey BLOB NOT NULL,
		fingerprint TEXT NOT NULL,
		added_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (name, fingerprint)
	);

	CREATE TABLE IF NOT EXISTS session_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		player TEXT NOT NULL DEFAULT '',
		conn_id TEXT NOT NULL DEFAULT '',
		data TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_events_created ON session_events(created_at);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// PutAsset stores an asset; storing the same id twice is a no-op.
func (db *DB) PutAsset(ctx context.Context, id, name string, data []byte) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT OR IGNORE INTO assets (id, name, data) VALUES (?, ?, ?)",
		id, name, data,
	)
	return err
}

// GetAsset returns an asset by id, or nil if it is not cached.
func (db *DB) GetAsset(ctx context.Context, id string) (*AssetRow, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT id, name, data, created_at FROM assets WHERE id = ?", id)
	a := &AssetRow{}
	err := row.Scan(&a.ID, &a.Name, &a.Data, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (db *DB) HasAsset(ctx context.Context, id string) (bool, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM assets WHERE id = ?", id).Scan(&count)
	return count > 0, err
}

func (db *DB) RemoveAsset(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx, "DELETE FROM assets WHERE id = ?", id)
	return err
}

// AddPlayerKey registers a public key for a player name.
func (db *DB) AddPlayerKey(name string, role Role, key []byte) error {
	_, err := db.conn.Exec(
		`INSERT INTO player_keys (name, role, pubkey, fingerprint) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name, fingerprint) DO UPDATE SET role = excluded.role`,
		name, string(role), key, Fingerprint(key),
	)
	return err
}

// GetPlayerKeys returns every key registered for name (case-insensitive).
func (db *DB) GetPlayerKeys(name string) ([]PlayerKeyRow, error) {
	rows, err := db.conn.Query(
		"SELECT name, role, pubkey, fingerprint, added_at FROM player_keys WHERE name = ? ORDER BY added_at",
		name,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []PlayerKeyRow
	for rows.Next() {
		var r PlayerKeyRow
		var role string
		if err := rows.Scan(&r.Name, &role, &r.Key, &r.Fingerprint, &r.AddedAt); err != nil {
			return nil, err
		}
		r.Role = Role(role)
		result = append(result, r)
	}
	return result, rows.Err()
}

// GetSetting returns a stored setting or "" when unset.
func (db *DB) GetSetting(key string) string {
	var v string
	if err := db.conn.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&v); err != nil {
		return ""
	}
	return v
}

func (db *DB) SetSetting(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	return err
}

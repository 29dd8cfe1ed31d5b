package addrbook

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps one JSON document per address in a SQLite table.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening address db: %w", err)
	}
	// One writer; the service loop is the only user.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS addresses (
		key TEXT PRIMARY KEY,
		data TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) Load() ([]Address, error) {
	rows, err := s.db.Query("SELECT data FROM addresses ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("querying addresses: %w", err)
	}
	defer rows.Close()
	var out []Address
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var d diskAddress
		if err := json.Unmarshal([]byte(data), &d); err != nil {
			continue
		}
		a, err := fromDisk(d)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Save(a Address) error {
	data, err := json.Marshal(toDisk(a))
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO addresses (key, data) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data`,
		a.Key(), string(data),
	)
	if err != nil {
		return fmt.Errorf("saving address: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM addresses WHERE key = ?", key); err != nil {
		return fmt.Errorf("deleting address: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

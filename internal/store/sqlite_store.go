package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore stores snapshots in a single SQLite table.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS grid_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		region TEXT NOT NULL,
		version INTEGER NOT NULL,
		fetched_at INTEGER NOT NULL, -- unix nanoseconds
		sample_count INTEGER NOT NULL,
		samples_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_grid_snapshots_region ON grid_snapshots(region, id);
	CREATE INDEX IF NOT EXISTS idx_grid_snapshots_fetched ON grid_snapshots(fetched_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	samplesJSON, err := json.Marshal(snap.Samples)
	if err != nil {
		return fmt.Errorf("failed to marshal samples: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO grid_snapshots (region, version, fetched_at, sample_count, samples_json)
		VALUES (?, ?, ?, ?, ?)
	`,
		snap.Region,
		snap.Version,
		snap.FetchedAt.UnixNano(),
		len(snap.Samples),
		string(samplesJSON),
	)
	return err
}

func (s *SQLiteStore) Latest(ctx context.Context, region string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT region, version, fetched_at, samples_json
		FROM grid_snapshots WHERE region = ?
		ORDER BY id DESC LIMIT 1
	`, region)

	var snap Snapshot
	var fetchedAt int64
	var samplesJSON string
	if err := row.Scan(&snap.Region, &snap.Version, &fetchedAt, &samplesJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, region)
		}
		return Snapshot{}, err
	}

	snap.FetchedAt = time.Unix(0, fetchedAt).UTC()
	if err := json.Unmarshal([]byte(samplesJSON), &snap.Samples); err != nil {
		return Snapshot{}, fmt.Errorf("failed to unmarshal samples: %w", err)
	}
	return snap, nil
}

func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM grid_snapshots
		WHERE fetched_at < ?
		AND id NOT IN (SELECT MAX(id) FROM grid_snapshots GROUP BY region)
	`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Package store persists periodic session snapshots to SQLite so a crashed
// or killed server can be recovered.
package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Snapshot is one saved session state. Payload is the serialized subtitle
// file; List omits it.
type Snapshot struct {
	ID          int64
	CreatedUnix int64
	Description string
	Payload     string
}

type SnapshotStore struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

func NewSnapshotStore(path string) *SnapshotStore {
	return &SnapshotStore{path: path}
}

func (s *SnapshotStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return err
	}

	schema := `
CREATE TABLE IF NOT EXISTS snapshots (
  snapshot_id INTEGER PRIMARY KEY AUTOINCREMENT,
  created_unix INTEGER NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_created ON snapshots(created_unix);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

// Save inserts a snapshot and returns its id.
func (s *SnapshotStore) Save(ctx context.Context, description, payload string) (int64, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(
		ctx,
		`INSERT INTO snapshots(created_unix, description, payload) VALUES(?, ?, ?)`,
		time.Now().Unix(), description, payload,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// List returns the most recent snapshots, newest first, without payloads.
func (s *SnapshotStore) List(ctx context.Context, limit int) ([]Snapshot, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(
		ctx,
		`SELECT snapshot_id, created_unix, description FROM snapshots ORDER BY snapshot_id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]Snapshot, 0, limit)
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.ID, &snap.CreatedUnix, &snap.Description); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Get returns one snapshot including its payload.
func (s *SnapshotStore) Get(ctx context.Context, id int64) (Snapshot, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	row := db.QueryRowContext(
		ctx,
		`SELECT snapshot_id, created_unix, description, payload FROM snapshots WHERE snapshot_id = ?`,
		id,
	)
	if err := row.Scan(&snap.ID, &snap.CreatedUnix, &snap.Description, &snap.Payload); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Latest returns the newest snapshot including its payload.
func (s *SnapshotStore) Latest(ctx context.Context) (Snapshot, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	row := db.QueryRowContext(
		ctx,
		`SELECT snapshot_id, created_unix, description, payload FROM snapshots ORDER BY snapshot_id DESC LIMIT 1`,
	)
	if err := row.Scan(&snap.ID, &snap.CreatedUnix, &snap.Description, &snap.Payload); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Prune deletes all but the keep most recent snapshots.
func (s *SnapshotStore) Prune(ctx context.Context, keep int) error {
	if keep <= 0 {
		return nil
	}
	db, err := s.ensureDB(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(
		ctx,
		`DELETE FROM snapshots WHERE snapshot_id NOT IN (
		   SELECT snapshot_id FROM snapshots ORDER BY snapshot_id DESC LIMIT ?
		 )`,
		keep,
	)
	return err
}

func (s *SnapshotStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SnapshotStore) ensureDB(ctx context.Context) (*sql.DB, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errors.New("sqlite db not initialized")
	}
	return s.db, nil
}

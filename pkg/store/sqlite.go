package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/heitortanoue/slidesync/pkg/object"
	"github.com/heitortanoue/slidesync/pkg/replication"
	"github.com/heitortanoue/slidesync/pkg/store/migrations"
)

// SQLiteStore persists session state in a local SQLite file.
type SQLiteStore struct {
	sqlDB     *sql.DB
	sessionID string
}

// OpenSQLite opens the database at path and applies the embedded
// migrations.
func OpenSQLite(path, sessionID string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB, sessionID: sessionID}, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLiteStore) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return ErrNotConfigured
	}
	return nil
}

// SaveObjects upserts the snapshots in one transaction.
func (s *SQLiteStore) SaveObjects(ctx context.Context, snaps []object.Snapshot) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save objects: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := toMillis(time.Now())
	for _, snap := range snaps {
		data, err := encodeSnapshot(snap)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO objects (session_id, id, snapshot, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (session_id, id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
			s.sessionID, snap.ID, data, now,
		); err != nil {
			return fmt.Errorf("save object %s: %w", snap.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save objects: %w", err)
	}
	return nil
}

// DeleteObjects removes the snapshots. Unknown ids are ignored.
func (s *SQLiteStore) DeleteObjects(ctx context.Context, ids []string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := s.sqlDB.ExecContext(ctx,
			`DELETE FROM objects WHERE session_id = ? AND id = ?`, s.sessionID, id,
		); err != nil {
			return fmt.Errorf("delete object %s: %w", id, err)
		}
	}
	return nil
}

func (s *SQLiteStore) SaveShow(ctx context.Context, show replication.Show) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	data, err := encodeShow(show)
	if err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO shows (session_id, controller, show, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (session_id, controller) DO UPDATE SET show = excluded.show, updated_at = excluded.updated_at`,
		s.sessionID, show.Controller, data, toMillis(time.Now()),
	); err != nil {
		return fmt.Errorf("save show %s: %w", show.Controller, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteShow(ctx context.Context, controller string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM shows WHERE session_id = ? AND controller = ?`, s.sessionID, controller,
	); err != nil {
		return fmt.Errorf("delete show %s: %w", controller, err)
	}
	return nil
}

// Load returns every saved snapshot of the session, sorted by id.
func (s *SQLiteStore) Load(ctx context.Context) ([]object.Snapshot, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT snapshot FROM objects WHERE session_id = ? ORDER BY id`, s.sessionID)
	if err != nil {
		return nil, fmt.Errorf("load objects: %w", err)
	}
	defer rows.Close()

	var out []object.Snapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan object: %w", err)
		}
		snap, err := decodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// LoadShows returns every saved show of the session, sorted by controller.
func (s *SQLiteStore) LoadShows(ctx context.Context) ([]replication.Show, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT show FROM shows WHERE session_id = ? ORDER BY controller`, s.sessionID)
	if err != nil {
		return nil, fmt.Errorf("load shows: %w", err)
	}
	defer rows.Close()

	var out []replication.Show
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan show: %w", err)
		}
		show, err := decodeShow(data)
		if err != nil {
			return nil, err
		}
		out = append(out, show)
	}
	return out, rows.Err()
}

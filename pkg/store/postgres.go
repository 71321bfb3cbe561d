package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/heitortanoue/slidesync/pkg/object"
	"github.com/heitortanoue/slidesync/pkg/replication"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS objects (
    session_id TEXT NOT NULL,
    id TEXT NOT NULL,
    snapshot JSONB NOT NULL,
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (session_id, id)
);
CREATE TABLE IF NOT EXISTS shows (
    session_id TEXT NOT NULL,
    controller TEXT NOT NULL,
    show JSONB NOT NULL,
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (session_id, controller)
);`

// PostgresStore persists session state in a shared PostgreSQL database.
type PostgresStore struct {
	pool      *pgxpool.Pool
	sessionID string
}

// OpenPostgres connects to url and creates the tables when missing.
func OpenPostgres(ctx context.Context, url, sessionID string) (*PostgresStore, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresStore{pool: pool, sessionID: sessionID}, nil
}

func (s *PostgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.pool == nil {
		return ErrNotConfigured
	}
	return nil
}

// SaveObjects upserts the snapshots in one batch.
func (s *PostgresStore) SaveObjects(ctx context.Context, snaps []object.Snapshot) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	now := toMillis(time.Now())
	batch := &pgx.Batch{}
	for _, snap := range snaps {
		data, err := encodeSnapshot(snap)
		if err != nil {
			return err
		}
		batch.Queue(
			`INSERT INTO objects (session_id, id, snapshot, updated_at) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (session_id, id) DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = EXCLUDED.updated_at`,
			s.sessionID, snap.ID, data, now,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save objects: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteObjects(ctx context.Context, ids []string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM objects WHERE session_id = $1 AND id = ANY($2)`, s.sessionID, ids,
	); err != nil {
		return fmt.Errorf("delete objects: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveShow(ctx context.Context, show replication.Show) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	data, err := encodeShow(show)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO shows (session_id, controller, show, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id, controller) DO UPDATE SET show = EXCLUDED.show, updated_at = EXCLUDED.updated_at`,
		s.sessionID, show.Controller, data, toMillis(time.Now()),
	); err != nil {
		return fmt.Errorf("save show %s: %w", show.Controller, err)
	}
	return nil
}

func (s *PostgresStore) DeleteShow(ctx context.Context, controller string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM shows WHERE session_id = $1 AND controller = $2`, s.sessionID, controller,
	); err != nil {
		return fmt.Errorf("delete show %s: %w", controller, err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) ([]object.Snapshot, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT snapshot::text FROM objects WHERE session_id = $1 ORDER BY id`, s.sessionID)
	if err != nil {
		return nil, fmt.Errorf("load objects: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (object.Snapshot, error) {
		var data string
		if err := row.Scan(&data); err != nil {
			return object.Snapshot{}, fmt.Errorf("scan object: %w", err)
		}
		return decodeSnapshot(data)
	})
}

func (s *PostgresStore) LoadShows(ctx context.Context) ([]replication.Show, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT show::text FROM shows WHERE session_id = $1 ORDER BY controller`, s.sessionID)
	if err != nil {
		return nil, fmt.Errorf("load shows: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (replication.Show, error) {
		var data string
		if err := row.Scan(&data); err != nil {
			return replication.Show{}, fmt.Errorf("scan show: %w", err)
		}
		return decodeShow(data)
	})
}

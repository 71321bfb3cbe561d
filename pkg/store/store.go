// Package store keeps a participant's object snapshots and shows so a
// restarted participant can restore its session.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/heitortanoue/slidesync/pkg/object"
	"github.com/heitortanoue/slidesync/pkg/replication"
)

// ErrNotConfigured is returned by a closed or zero store.
var ErrNotConfigured = errors.New("storage is not configured")

// Store persists the state of one session.
type Store interface {
	SaveObjects(ctx context.Context, snaps []object.Snapshot) error
	DeleteObjects(ctx context.Context, ids []string) error
	SaveShow(ctx context.Context, show replication.Show) error
	DeleteShow(ctx context.Context, controller string) error
	Load(ctx context.Context) ([]object.Snapshot, error)
	LoadShows(ctx context.Context) ([]replication.Show, error)
	Close() error
}

// Open picks the backend from the dsn: postgres URLs go to PostgresStore,
// anything else is a SQLite file path.
func Open(ctx context.Context, dsn, sessionID string) (Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return OpenPostgres(ctx, dsn, sessionID)
	}
	return OpenSQLite(dsn, sessionID)
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func encodeSnapshot(snap object.Snapshot) (string, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encode object %s: %w", snap.ID, err)
	}
	return string(data), nil
}

func decodeSnapshot(data string) (object.Snapshot, error) {
	var snap object.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return object.Snapshot{}, fmt.Errorf("decode object: %w", err)
	}
	return snap, nil
}

func encodeShow(show replication.Show) (string, error) {
	data, err := json.Marshal(show)
	if err != nil {
		return "", fmt.Errorf("encode show %s: %w", show.Controller, err)
	}
	return string(data), nil
}

func decodeShow(data string) (replication.Show, error) {
	var show replication.Show
	if err := json.Unmarshal([]byte(data), &show); err != nil {
		return replication.Show{}, fmt.Errorf("decode show: %w", err)
	}
	return show, nil
}

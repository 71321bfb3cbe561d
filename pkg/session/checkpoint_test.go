package session

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heitortanoue/slidesync/pkg/bus"
	"github.com/heitortanoue/slidesync/pkg/object"
	"github.com/heitortanoue/slidesync/pkg/replication"
	"github.com/heitortanoue/slidesync/pkg/schema"
)

// MockPersister keeps snapshots in memory and journals every call. Deleting
// the gated id blocks until the gate is closed.
type MockPersister struct {
	saved   map[string]object.Snapshot
	journal []string
	mutex   sync.Mutex

	gateID  string
	gate    chan struct{}
	blocked atomic.Bool
}

func NewMockPersister() *MockPersister {
	return &MockPersister{saved: make(map[string]object.Snapshot)}
}

func (m *MockPersister) SaveObjects(_ context.Context, snaps []object.Snapshot) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, snap := range snaps {
		m.saved[snap.ID] = snap
		m.journal = append(m.journal, "save "+snap.ID)
	}
	return nil
}

func (m *MockPersister) DeleteObjects(_ context.Context, ids []string) error {
	if m.gate != nil && slices.Contains(ids, m.gateID) {
		m.blocked.Store(true)
		<-m.gate
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, id := range ids {
		delete(m.saved, id)
		m.journal = append(m.journal, "delete "+id)
	}
	return nil
}

func (m *MockPersister) SaveShow(context.Context, replication.Show) error { return nil }
func (m *MockPersister) DeleteShow(context.Context, string) error       { return nil }

func (m *MockPersister) Has(id string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.saved[id]
	return ok
}

func (m *MockPersister) Journal() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]string(nil), m.journal...)
}

func lastIndex(entries []string, entry string) int {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i] == entry {
			return i
		}
	}
	return -1
}

func TestCheckpoint_DestroyAfterSnapshotStaysDeleted(t *testing.T) {
	p := NewMockPersister()
	p.gateID = "blocker"
	p.gate = make(chan struct{})

	cfg := testConfig("alice")
	cfg.TickInterval = time.Hour // nothing but the test touches the outbox
	s, err := New(cfg, testRegistry(t), bus.NewMemoryBus().Attach("alice", nil), WithPersister(p))
	require.NoError(t, err)
	startSession(t, s)

	var objs []*object.SharedObject
	for _, id := range []string{"blocker", "kept", "doomed"} {
		objs = append(objs, object.New(id, schema.DefaultTemplate))
	}
	ids, err := s.Create(context.Background(), objs, nil)
	require.NoError(t, err)
	for _, d := range ids {
		await(t, d)
	}

	// hold the outbox inside the delete of the blocker
	_, err = s.Destroy(context.Background(), "blocker")
	require.NoError(t, err)
	require.Eventually(t, p.blocked.Load, waitFor, poll)
	queued := s.outbox.Len()

	checkpointed := make(chan error, 1)
	go func() { checkpointed <- s.Checkpoint(context.Background()) }()
	require.Eventually(t, func() bool { return s.outbox.Len() == queued+1 }, waitFor, poll,
		"the checkpoint waits its turn in the outbox")

	// destroyed after the snapshot, deleted before the snapshot is written
	_, err = s.Destroy(context.Background(), "doomed")
	require.NoError(t, err)
	close(p.gate)

	select {
	case err := <-checkpointed:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("checkpoint did not finish")
	}
	require.Eventually(t, func() bool { return !p.Has("doomed") }, waitFor, poll)
	assert.True(t, p.Has("kept"))
	assert.False(t, p.Has("blocker"))

	journal := p.Journal()
	assert.Less(t, lastIndex(journal, "save doomed"), lastIndex(journal, "delete doomed"),
		"the delete lands after the checkpoint")
}

func TestCheckpoint_AfterStopSavesDirectly(t *testing.T) {
	p := NewMockPersister()
	s, err := New(testConfig("alice"), testRegistry(t), bus.NewMemoryBus().Attach("alice", nil), WithPersister(p))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	ids, err := s.Create(context.Background(), []*object.SharedObject{object.New("solo", schema.DefaultTemplate)}, nil)
	require.NoError(t, err)
	await(t, ids[0])
	cancel()
	<-done

	require.NoError(t, s.Checkpoint(context.Background()))
	assert.True(t, p.Has("solo"))
}

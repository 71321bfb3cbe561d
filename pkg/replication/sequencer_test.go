package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqs(us []Update) []uint64 {
	out := make([]uint64, len(us))
	for i, u := range us {
		out[i] = u.Seq
	}
	return out
}

func TestSequencer_InOrder(t *testing.T) {
	s := NewSequencer(4)
	for i := uint64(1); i <= 3; i++ {
		ready, skipped := s.Push("alice", Update{ObjectID: "o", Seq: i})
		assert.Equal(t, []uint64{i}, seqs(ready))
		assert.Zero(t, skipped)
	}
}

func TestSequencer_ReordersWithinStream(t *testing.T) {
	s := NewSequencer(4)
	ready, _ := s.Push("alice", Update{ObjectID: "o", Seq: 1})
	assert.Equal(t, []uint64{1}, seqs(ready))

	ready, _ = s.Push("alice", Update{ObjectID: "o", Seq: 3})
	assert.Empty(t, ready)
	ready, _ = s.Push("alice", Update{ObjectID: "o", Seq: 4})
	assert.Empty(t, ready)
	assert.Equal(t, 2, s.Pending())

	ready, _ = s.Push("alice", Update{ObjectID: "o", Seq: 2})
	assert.Equal(t, []uint64{2, 3, 4}, seqs(ready))
	assert.Zero(t, s.Pending())
}

func TestSequencer_DropsDuplicatesAndStale(t *testing.T) {
	s := NewSequencer(4)
	s.Push("alice", Update{ObjectID: "o", Seq: 5})

	ready, _ := s.Push("alice", Update{ObjectID: "o", Seq: 5})
	assert.Empty(t, ready)
	ready, _ = s.Push("alice", Update{ObjectID: "o", Seq: 4})
	assert.Empty(t, ready)
}

func TestSequencer_StreamsAreIndependent(t *testing.T) {
	s := NewSequencer(4)
	s.Push("alice", Update{ObjectID: "o", Seq: 1})

	ready, _ := s.Push("bob", Update{ObjectID: "o", Seq: 9})
	assert.Equal(t, []uint64{9}, seqs(ready), "first update of a stream sets its start")
	ready, _ = s.Push("alice", Update{ObjectID: "p", Seq: 7})
	assert.Equal(t, []uint64{7}, seqs(ready))
}

func TestSequencer_SkipsGapWhenWindowOverflows(t *testing.T) {
	s := NewSequencer(2)
	s.Push("alice", Update{ObjectID: "o", Seq: 1})

	s.Push("alice", Update{ObjectID: "o", Seq: 3})
	s.Push("alice", Update{ObjectID: "o", Seq: 4})
	ready, skipped := s.Push("alice", Update{ObjectID: "o", Seq: 5})

	assert.Equal(t, []uint64{3, 4, 5}, seqs(ready))
	assert.Equal(t, uint64(1), skipped)

	ready, _ = s.Push("alice", Update{ObjectID: "o", Seq: 2})
	assert.Empty(t, ready, "the skipped update is stale once it arrives")
}

func TestSequencer_Forget(t *testing.T) {
	s := NewSequencer(4)
	s.Push("alice", Update{ObjectID: "o", Seq: 1})
	s.Push("alice", Update{ObjectID: "o", Seq: 3})
	s.Forget("o")
	assert.Zero(t, s.Pending())

	ready, _ := s.Push("alice", Update{ObjectID: "o", Seq: 1})
	assert.Equal(t, []uint64{1}, seqs(ready))
}

func TestSequencer_NewEpochStartsOver(t *testing.T) {
	s := NewSequencer(4)
	for i := uint64(1); i <= 5; i++ {
		s.Push("alice", Update{ObjectID: "o", Epoch: 1, Seq: i})
	}
	s.Push("alice", Update{ObjectID: "o", Epoch: 1, Seq: 7})

	ready, _ := s.Push("alice", Update{ObjectID: "o", Epoch: 2, Seq: 1})
	assert.Equal(t, []uint64{1}, seqs(ready), "a restarted sender is not stale under a new epoch")
	assert.Zero(t, s.Pending(), "updates of the old epoch are discarded")

	ready, _ = s.Push("alice", Update{ObjectID: "o", Epoch: 1, Seq: 6})
	assert.Empty(t, ready, "older epochs are dropped")
	ready, _ = s.Push("alice", Update{ObjectID: "o", Epoch: 2, Seq: 2})
	assert.Equal(t, []uint64{2}, seqs(ready))
}

func TestSequencer_ExpireSkipsStaleGap(t *testing.T) {
	now := time.Unix(100, 0)
	s := NewSequencer(64)
	s.now = func() time.Time { return now }

	s.Push("alice", Update{ObjectID: "o", Seq: 1})
	s.Push("alice", Update{ObjectID: "o", Seq: 3})
	s.Push("alice", Update{ObjectID: "o", Seq: 4})

	released, skipped := s.Expire()
	assert.Empty(t, released, "the gap is still young")
	assert.Zero(t, skipped)

	now = now.Add(DefaultGapTimeout)
	released, skipped = s.Expire()
	require.Len(t, released, 2)
	assert.Equal(t, "alice", released[0].SenderID)
	assert.Equal(t, uint64(3), released[0].Update.Seq)
	assert.Equal(t, uint64(4), released[1].Update.Seq)
	assert.Equal(t, uint64(1), skipped)
	assert.Zero(t, s.Pending())

	released, _ = s.Expire()
	assert.Empty(t, released)
	ready, _ := s.Push("alice", Update{ObjectID: "o", Seq: 5})
	assert.Equal(t, []uint64{5}, seqs(ready))
}

package ownership

import (
	"context"
	"sync"
)

// Change is an ownership transition: from Epoch on, Owner (possibly empty)
// holds the object.
type Change struct {
	ObjectID string `json:"object_id"`
	Owner    string `json:"owner"`
	Epoch    uint64 `json:"epoch"`
}

// Arbiter is the session's arbitration service. Every transition is a
// compare-and-swap on the epoch the caller observed: the first claim made
// against an epoch wins and moves the object to observed+1; every other
// claim against that epoch fails and receives the current record.
type Arbiter interface {
	Claim(ctx context.Context, objectID, participant string, observed uint64) (Change, bool, error)
	Release(ctx context.Context, objectID, participant string, observed uint64) (Change, bool, error)
	Forget(ctx context.Context, objectID string) error
}

type record struct {
	owner string
	epoch uint64
}

// MemoryArbiter arbitrates inside one process. It serves single-node
// sessions and tests; participants sharing it must live in the same process.
type MemoryArbiter struct {
	records map[string]record
	mutex   sync.Mutex
}

// NewMemoryArbiter creates an empty arbiter.
func NewMemoryArbiter() *MemoryArbiter {
	return &MemoryArbiter{records: make(map[string]record)}
}

func (a *MemoryArbiter) Claim(ctx context.Context, objectID, participant string, observed uint64) (Change, bool, error) {
	if err := ctx.Err(); err != nil {
		return Change{}, false, err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	rec := a.records[objectID]
	if rec.epoch != observed {
		return Change{ObjectID: objectID, Owner: rec.owner, Epoch: rec.epoch}, false, nil
	}
	rec = record{owner: participant, epoch: observed + 1}
	a.records[objectID] = rec
	return Change{ObjectID: objectID, Owner: rec.owner, Epoch: rec.epoch}, true, nil
}

func (a *MemoryArbiter) Release(ctx context.Context, objectID, participant string, observed uint64) (Change, bool, error) {
	if err := ctx.Err(); err != nil {
		return Change{}, false, err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	rec := a.records[objectID]
	if rec.epoch != observed || rec.owner != participant {
		return Change{ObjectID: objectID, Owner: rec.owner, Epoch: rec.epoch}, false, nil
	}
	rec = record{epoch: observed + 1}
	a.records[objectID] = rec
	return Change{ObjectID: objectID, Epoch: rec.epoch}, true, nil
}

func (a *MemoryArbiter) Forget(_ context.Context, objectID string) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	delete(a.records, objectID)
	return nil
}

// Current returns the arbiter's record for an object.
func (a *MemoryArbiter) Current(objectID string) Change {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	rec := a.records[objectID]
	return Change{ObjectID: objectID, Owner: rec.owner, Epoch: rec.epoch}
}

package ownership

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heitortanoue/slidesync/pkg/deferred"
	"github.com/heitortanoue/slidesync/pkg/metrics"
	"github.com/heitortanoue/slidesync/pkg/object"
)

const objectID = "obj-1"

func newParticipant(t *testing.T, id string, arbiter Arbiter, opts ...Option) (*Manager, *object.Store) {
	t.Helper()
	store := object.NewStore(id)
	require.NoError(t, store.Add(object.New(objectID, "scriptable-media")))
	require.True(t, store.ResolveNetworkID(objectID, "net-"+objectID))
	return NewManager(store, arbiter, opts...), store
}

// queuePoster hands posted functions to the test instead of a loop.
type queuePoster chan func()

func (q queuePoster) Post(fn func()) bool {
	q <- fn
	return true
}

type failingArbiter struct{ MemoryArbiter }

func (f *failingArbiter) Claim(context.Context, string, string, uint64) (Change, bool, error) {
	return Change{}, false, errors.New("arbiter unreachable")
}

func TestManager_MutualExclusion(t *testing.T) {
	arbiter := NewMemoryArbiter()
	const n = 8

	managers := make([]*Manager, n)
	for i := range managers {
		managers[i], _ = newParticipant(t, fmt.Sprintf("p%d", i), arbiter)
	}

	var wg sync.WaitGroup
	results := make([]bool, n)
	for i, m := range managers {
		wg.Add(1)
		go func(i int, m *Manager) {
			defer wg.Done()
			results[i] = m.Acquire(context.Background(), objectID)
		}(i, m)
	}
	wg.Wait()

	winners := 0
	for i, won := range results {
		if won {
			winners++
			assert.True(t, managers[i].IsOwnedByLocal(objectID))
		}
	}
	assert.Equal(t, 1, winners)

	owners := 0
	for _, m := range managers {
		if m.IsOwnedByLocal(objectID) {
			owners++
		}
	}
	assert.Equal(t, 1, owners, "at most one participant holds the object")
	assert.Equal(t, uint64(1), arbiter.Current(objectID).Epoch)
}

func TestManager_AcquireIdempotentForOwner(t *testing.T) {
	arbiter := NewMemoryArbiter()
	m, store := newParticipant(t, "alice", arbiter)
	ctx := context.Background()

	require.True(t, m.Acquire(ctx, objectID))
	_, epoch, _ := store.Owner(objectID)

	for i := 0; i < 3; i++ {
		assert.True(t, m.Acquire(ctx, objectID))
	}
	owner, again, _ := store.Owner(objectID)
	assert.Equal(t, "alice", owner)
	assert.Equal(t, epoch, again)
	assert.Equal(t, epoch, arbiter.Current(objectID).Epoch, "no arbitration for the owner")
}

func TestManager_LosingClaimCatchesUp(t *testing.T) {
	arbiter := NewMemoryArbiter()
	alice, _ := newParticipant(t, "alice", arbiter)
	bob, bobStore := newParticipant(t, "bob", arbiter)

	var seen []Change
	bob.Subscribe(func(c Change, origin Origin) {
		assert.Equal(t, Remote, origin)
		seen = append(seen, c)
	})

	require.True(t, alice.Acquire(context.Background(), objectID))
	assert.False(t, bob.Acquire(context.Background(), objectID))

	owner, epoch, _ := bobStore.Owner(objectID)
	assert.Equal(t, "alice", owner)
	assert.Equal(t, uint64(1), epoch)
	assert.Equal(t, []Change{{ObjectID: objectID, Owner: "alice", Epoch: 1}}, seen)
}

func TestManager_NoArbitrationForMissingOrUnnetworkedObject(t *testing.T) {
	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	arbiter := NewMemoryArbiter()
	m, store := newParticipant(t, "alice", arbiter, WithMetrics(mt))

	require.NoError(t, store.Add(object.New("fresh", "scriptable-media")))
	assert.False(t, m.Acquire(context.Background(), "fresh"))

	store.Remove(objectID)
	assert.False(t, m.Acquire(context.Background(), objectID))
	assert.False(t, m.Acquire(context.Background(), "never-existed"))

	assert.Equal(t, uint64(0), arbiter.Current(objectID).Epoch)
	assert.Equal(t, uint64(0), arbiter.Current("fresh").Epoch)
	assert.Equal(t, 3.0, testutil.ToFloat64(mt.Acquisitions.With("unavailable")))
}

func TestManager_ArbiterErrorIsAFailedClaim(t *testing.T) {
	m, store := newParticipant(t, "alice", &failingArbiter{})

	assert.False(t, m.Acquire(context.Background(), objectID))
	owner, _, _ := store.Owner(objectID)
	assert.Empty(t, owner)
}

func TestManager_AcquireAsyncSettlesOnLoop(t *testing.T) {
	loop := make(queuePoster, 1)
	m, store := newParticipant(t, "alice", NewMemoryArbiter(), WithPoster(loop))

	d := m.AcquireAsync(context.Background(), objectID)
	again := m.AcquireAsync(context.Background(), objectID)
	assert.Same(t, d, again, "pending requests are shared")

	fn := <-loop
	assert.Equal(t, deferred.Pending, d.State())
	owner, _, _ := store.Owner(objectID)
	assert.Empty(t, owner, "nothing changes before the loop runs the result")

	fn()
	won, ok := d.Value()
	require.True(t, ok)
	assert.True(t, won)
	assert.True(t, m.IsOwnedByLocal(objectID))
}

func TestManager_AcquireAsyncCancelledOnDestroy(t *testing.T) {
	loop := make(queuePoster, 1)
	m, store := newParticipant(t, "alice", NewMemoryArbiter(), WithPoster(loop))

	d := m.AcquireAsync(context.Background(), objectID)
	ran := false
	d.Then(func(bool) { ran = true })

	fn := <-loop
	store.Remove(objectID)
	assert.True(t, m.Cancel(objectID))
	fn()

	assert.Equal(t, deferred.Cancelled, d.State())
	assert.False(t, ran)
	assert.False(t, store.Contains(objectID))
}

func TestManager_Release(t *testing.T) {
	arbiter := NewMemoryArbiter()
	m, store := newParticipant(t, "alice", arbiter)
	ctx := context.Background()

	assert.False(t, m.Release(ctx, objectID), "nothing to release while unowned")

	require.True(t, m.Acquire(ctx, objectID))
	var released Change
	var origin Origin = Remote
	m.Subscribe(func(c Change, o Origin) { released, origin = c, o })

	assert.True(t, m.Release(ctx, objectID))
	owner, epoch, _ := store.Owner(objectID)
	assert.Empty(t, owner)
	assert.Equal(t, uint64(2), epoch)
	assert.Equal(t, Change{ObjectID: objectID, Epoch: 2}, released)
	assert.Equal(t, Local, origin)
	assert.Equal(t, Change{ObjectID: objectID, Epoch: 2}, arbiter.Current(objectID))
}

func TestManager_ApplyRemoteOnlyNewer(t *testing.T) {
	m, store := newParticipant(t, "alice", NewMemoryArbiter())

	assert.True(t, m.ApplyRemote(Change{ObjectID: objectID, Owner: "bob", Epoch: 2}))
	assert.False(t, m.ApplyRemote(Change{ObjectID: objectID, Owner: "carol", Epoch: 1}))
	assert.False(t, m.ApplyRemote(Change{ObjectID: objectID, Owner: "carol", Epoch: 2}))

	owner, epoch, _ := store.Owner(objectID)
	assert.Equal(t, "bob", owner)
	assert.Equal(t, uint64(2), epoch)
}

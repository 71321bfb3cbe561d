// Package ownership enforces single-writer discipline on shared objects.
//
// Only the Manager changes an object's owner. Local claims go through an
// Arbiter; remote transitions are mirrored with ApplyRemote and only when
// they carry a newer epoch.
package ownership

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/heitortanoue/slidesync/logging"
	"github.com/heitortanoue/slidesync/pkg/deferred"
	"github.com/heitortanoue/slidesync/pkg/metrics"
	"github.com/heitortanoue/slidesync/pkg/object"
)

const tracerName = "github.com/heitortanoue/slidesync/pkg/ownership"

// Origin tells changes committed by this participant from mirrored ones.
type Origin int

const (
	// Local changes came out of this participant's arbitration and must be
	// announced to peers.
	Local Origin = iota
	// Remote changes were learned from a peer or from a lost claim.
	Remote
)

// Poster schedules a function on the session loop. Post reports false once
// the loop has stopped.
type Poster interface {
	Post(fn func()) bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the event logger.
func WithLogger(l *logging.SessionLogger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the counters.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithPoster makes AcquireAsync arbitrate off-loop and settle on the loop.
// Without a poster AcquireAsync arbitrates inline.
func WithPoster(p Poster) Option {
	return func(m *Manager) { m.poster = p }
}

// Manager tracks and changes the ownership of the objects in a store.
type Manager struct {
	localID string
	store   *object.Store
	arbiter Arbiter

	logger  *logging.SessionLogger
	metrics *metrics.Metrics
	poster  Poster
	tracer  trace.Tracer

	subscribers []func(Change, Origin)
	pending     map[string]*deferred.Deferred[bool]

	mutex sync.Mutex
}

// NewManager creates a manager acting for the store's local participant.
func NewManager(store *object.Store, arbiter Arbiter, opts ...Option) *Manager {
	m := &Manager{
		localID: store.LocalID(),
		store:   store,
		arbiter: arbiter,
		pending: make(map[string]*deferred.Deferred[bool]),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.New(nil)
	}
	return m
}

// LocalID returns the participant the manager claims for.
func (m *Manager) LocalID() string {
	return m.localID
}

// IsOwnedByLocal reports whether the local participant owns the object.
func (m *Manager) IsOwnedByLocal(id string) bool {
	return m.store.IsOwnedByLocal(id)
}

// Subscribe registers fn for every ownership change the manager commits,
// local or remote. fn runs on the goroutine that committed the change.
func (m *Manager) Subscribe(fn func(Change, Origin)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

func (m *Manager) notify(c Change, origin Origin) {
	m.mutex.Lock()
	subs := make([]func(Change, Origin), len(m.subscribers))
	copy(subs, m.subscribers)
	m.mutex.Unlock()

	for _, fn := range subs {
		fn(c, origin)
	}
}

// precheck decides what can be answered without arbitration.
func (m *Manager) precheck(id string) (observed uint64, owned bool, reason string) {
	snap, ok := m.store.View(id)
	switch {
	case !ok:
		return 0, false, "destroyed"
	case snap.Owner == m.localID:
		return snap.Epoch, true, ""
	case snap.NetworkID == "":
		return 0, false, object.ErrNotNetworked.Error()
	}
	return snap.Epoch, false, ""
}

func (m *Manager) skip(id, reason string) {
	m.metrics.Acquisitions.Increment("unavailable")
	m.logger.LogOwnershipRejected(id, reason)
}

// Acquire claims the object for the local participant. It returns true at
// once when the participant already owns it, false without arbitration when
// the object is gone or not networked, and otherwise the arbitration result.
// A lost claim is not retried.
func (m *Manager) Acquire(ctx context.Context, id string) bool {
	ctx, span := m.tracer.Start(ctx, "ownership.acquire",
		trace.WithAttributes(attribute.String("object.id", id)))
	defer span.End()

	observed, owned, reason := m.precheck(id)
	if owned {
		m.metrics.Acquisitions.Increment("owned")
		return true
	}
	if reason != "" {
		m.skip(id, reason)
		span.SetAttributes(attribute.String("ownership.skip", reason))
		return false
	}

	change, won, err := m.arbiter.Claim(ctx, id, m.localID, observed)
	return m.settle(span, id, change, won, err)
}

// AcquireAsync runs Acquire for the event loop. The returned deferred
// resolves on the loop, and is cancelled if the object is destroyed while
// arbitration is in flight. Concurrent requests for one object share the
// same deferred.
func (m *Manager) AcquireAsync(ctx context.Context, id string) *deferred.Deferred[bool] {
	observed, owned, reason := m.precheck(id)
	if owned {
		m.metrics.Acquisitions.Increment("owned")
		return deferred.ResolvedWith(true)
	}
	if reason != "" {
		m.skip(id, reason)
		return deferred.ResolvedWith(false)
	}
	if m.poster == nil {
		return deferred.ResolvedWith(m.Acquire(ctx, id))
	}

	m.mutex.Lock()
	if d, ok := m.pending[id]; ok {
		m.mutex.Unlock()
		return d
	}
	d := deferred.New[bool]()
	m.pending[id] = d
	m.mutex.Unlock()

	go func() {
		ctx, span := m.tracer.Start(context.WithoutCancel(ctx), "ownership.acquire",
			trace.WithAttributes(attribute.String("object.id", id)))
		change, won, err := m.arbiter.Claim(ctx, id, m.localID, observed)

		posted := m.poster.Post(func() {
			defer span.End()
			m.mutex.Lock()
			if m.pending[id] == d {
				delete(m.pending, id)
			}
			m.mutex.Unlock()

			if d.State() != deferred.Pending {
				span.SetAttributes(attribute.Bool("ownership.cancelled", true))
				return
			}
			d.Resolve(m.settle(span, id, change, won, err))
		})
		if !posted {
			span.End()
			d.Cancel()
		}
	}()
	return d
}

// settle commits an arbitration result to the store.
func (m *Manager) settle(span trace.Span, id string, change Change, won bool, err error) bool {
	if err != nil {
		m.metrics.Acquisitions.Increment("error")
		m.logger.LogError("acquire "+id, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false
	}

	applied := m.store.Transfer(change.ObjectID, change.Owner, change.Epoch)
	span.SetAttributes(attribute.Int64("ownership.epoch", int64(change.Epoch)), attribute.Bool("ownership.won", won))

	if !won {
		if applied {
			// caught up with a transition we had not seen yet
			m.notify(change, Remote)
		}
		m.metrics.Acquisitions.Increment("rejected")
		m.logger.LogOwnershipRejected(id, "conflict")
		return false
	}
	if !applied {
		m.metrics.Acquisitions.Increment("rejected")
		m.logger.LogOwnershipRejected(id, "superseded")
		return false
	}

	m.metrics.Acquisitions.Increment("acquired")
	m.logger.LogOwnershipAcquired(id, change.Epoch)
	m.notify(change, Local)
	return true
}

// Release gives up a locally owned object so no stale ownership record
// outlives it. It returns false when the object is not owned locally.
func (m *Manager) Release(ctx context.Context, id string) bool {
	ctx, span := m.tracer.Start(ctx, "ownership.release",
		trace.WithAttributes(attribute.String("object.id", id)))
	defer span.End()

	snap, ok := m.store.View(id)
	if !ok || snap.Owner != m.localID {
		return false
	}

	change, won, err := m.arbiter.Release(ctx, id, m.localID, snap.Epoch)
	if err != nil {
		m.metrics.Releases.Increment("error")
		m.logger.LogError("release "+id, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false
	}

	if m.store.Transfer(change.ObjectID, change.Owner, change.Epoch) {
		origin := Remote
		if won {
			origin = Local
		}
		m.notify(change, origin)
	}
	if !won {
		m.metrics.Releases.Increment("rejected")
		return false
	}
	m.metrics.Releases.Increment("released")
	m.logger.LogOwnershipReleased(id, change.Epoch)
	return true
}

// ApplyRemote mirrors a transition announced by another participant.
func (m *Manager) ApplyRemote(c Change) bool {
	if !m.store.Transfer(c.ObjectID, c.Owner, c.Epoch) {
		return false
	}
	m.logger.LogOwnershipChanged(c.ObjectID, c.Owner, c.Epoch)
	m.notify(c, Remote)
	return true
}

// Cancel discards a pending asynchronous acquisition of the object. The
// session calls it when the object is destroyed.
func (m *Manager) Cancel(id string) bool {
	m.mutex.Lock()
	d, ok := m.pending[id]
	delete(m.pending, id)
	m.mutex.Unlock()

	return ok && d.Cancel()
}

// Forget drops the arbiter's record of a destroyed object.
func (m *Manager) Forget(ctx context.Context, id string) error {
	return m.arbiter.Forget(ctx, id)
}

// GetStats returns the manager state for the stats endpoint.
func (m *Manager) GetStats() map[string]interface{} {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return map[string]interface{}{
		"participant_id":       m.localID,
		"pending_acquisitions": len(m.pending),
		"subscribers":          len(m.subscribers),
	}
}

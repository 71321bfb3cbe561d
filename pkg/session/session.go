// Package session runs one participant of a shared slideshow session: the
// event loop that owns the object state, the ownership protocol, the
// replication tick and the shows built on top of them.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/heitortanoue/slidesync/logging"
	"github.com/heitortanoue/slidesync/pkg/change"
	"github.com/heitortanoue/slidesync/pkg/crdt"
	"github.com/heitortanoue/slidesync/pkg/deferred"
	"github.com/heitortanoue/slidesync/pkg/metrics"
	"github.com/heitortanoue/slidesync/pkg/object"
	"github.com/heitortanoue/slidesync/pkg/ownership"
	"github.com/heitortanoue/slidesync/pkg/replication"
	"github.com/heitortanoue/slidesync/pkg/schema"
)

var (
	// ErrNotInShow is returned for an interaction on an object that belongs
	// to no show.
	ErrNotInShow = errors.New("object is not part of a show")
	// ErrSessionMismatch is returned when joining with another session's state.
	ErrSessionMismatch = errors.New("state belongs to another session")
)

const (
	DefaultTickInterval   = 100 * time.Millisecond
	DefaultPublishTimeout = 5 * time.Second
)

// Config identifies the participant and paces replication.
type Config struct {
	SessionID      string
	ParticipantID  string
	TickInterval   time.Duration
	PublishTimeout time.Duration
}

// Persister keeps object snapshots and shows across restarts.
type Persister interface {
	SaveObjects(ctx context.Context, snaps []object.Snapshot) error
	DeleteObjects(ctx context.Context, ids []string) error
	SaveShow(ctx context.Context, show replication.Show) error
	DeleteShow(ctx context.Context, controller string) error
}

// Option configures a Session.
type Option func(*Session)

func WithLogger(l *logging.SessionLogger) Option {
	return func(s *Session) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithArbiter replaces the in-process arbiter, e.g. with a RedisArbiter
// shared by every participant.
func WithArbiter(a ownership.Arbiter) Option {
	return func(s *Session) { s.arbiter = a }
}

func WithPersister(p Persister) Option {
	return func(s *Session) { s.persister = p }
}

// Session is one participant's view of a shared session.
//
// Every field below the loop is owned by the loop goroutine. Exported
// methods are safe to call from any goroutine except the loop itself;
// they hand their work to the loop and wait for it.
type Session struct {
	cfg       Config
	schemas   *schema.Registry
	transport replication.Transport
	arbiter   ownership.Arbiter
	persister Persister

	logger  *logging.SessionLogger
	metrics *metrics.Metrics

	store      *object.Store
	owners     *ownership.Manager
	replicator *replication.Replicator

	loop   *Loop
	outbox *Loop

	roster     *crdt.ORSet[string]
	identities map[string]*deferred.Deferred[string]
	shows      map[string]*showState
	showOf     map[string]string
	watchers   *watchers
}

// New assembles a session. The transport delivers envelopes published by
// the session; inbound envelopes are handed to Deliver.
func New(cfg Config, schemas *schema.Registry, transport replication.Transport, opts ...Option) (*Session, error) {
	if cfg.SessionID == "" || cfg.ParticipantID == "" {
		return nil, errors.New("session and participant ids are required")
	}
	if len(schemas.Names()) == 0 {
		return nil, fmt.Errorf("%w: no template registered", schema.ErrUnknownTemplate)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}

	s := &Session{
		cfg:        cfg,
		schemas:    schemas,
		transport:  transport,
		loop:       NewLoop(),
		outbox:     NewLoop(),
		identities: make(map[string]*deferred.Deferred[string]),
		shows:      make(map[string]*showState),
		showOf:     make(map[string]string),
		watchers:   newWatchers(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	if s.logger == nil {
		s.logger = logging.NewSessionLogger(cfg.ParticipantID, nil)
	}
	if s.arbiter == nil {
		s.arbiter = ownership.NewMemoryArbiter()
	}

	s.store = object.NewStore(cfg.ParticipantID)
	s.owners = ownership.NewManager(s.store, s.arbiter,
		ownership.WithLogger(s.logger),
		ownership.WithMetrics(s.metrics),
		ownership.WithPoster(s.loop))
	s.replicator = replication.New(s.store, schemas, change.NewDetector(), s.owners,
		replication.WithLogger(s.logger),
		replication.WithMetrics(s.metrics),
		replication.WithGuard(s.guard))

	// dots must never repeat across restarts of the same participant
	s.roster = crdt.NewORSet[string](cfg.ParticipantID + ":" + uuid.NewString()[:8])

	s.owners.Subscribe(func(c ownership.Change, origin ownership.Origin) {
		s.loop.Post(func() { s.onOwnership(c, origin) })
	})
	return s, nil
}

func (s *Session) ID() string            { return s.cfg.SessionID }
func (s *Session) ParticipantID() string { return s.cfg.ParticipantID }

// Store returns the object store. Reads are safe from any goroutine.
func (s *Session) Store() *object.Store { return s.store }

// Owners returns the ownership manager.
func (s *Session) Owners() *ownership.Manager { return s.owners }

// Objects returns a snapshot of every object, sorted by id.
func (s *Session) Objects() []object.Snapshot { return s.store.Snapshots() }

func (s *Session) IsOwnedByLocal(id string) bool { return s.owners.IsOwnedByLocal(id) }

// Release gives up a locally owned object. It blocks on arbitration and
// must not be called from the loop.
func (s *Session) Release(ctx context.Context, id string) bool {
	return s.owners.Release(ctx, id)
}

// Loop returns the event loop.
func (s *Session) Loop() *Loop { return s.loop }

// Run drives the loop, the outbound queue and the replication tick until
// ctx is done.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.outbox.Run(ctx) })
	g.Go(func() error { return s.loop.Run(ctx) })
	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.loop.Post(s.tick)
			}
		}
	})
	return g.Wait()
}

// tick sends what changed since the last tick.
func (s *Session) tick() {
	// Release updates stuck behind lost ones
	for id, keys := range s.replicator.Expire() {
		s.applied(id, keys)
	}

	updates := s.replicator.Collect()
	if len(updates) == 0 {
		return
	}
	env := s.envelope(replication.KindUpdate)
	env.Updates = updates
	s.publish(env, nil)
}

func (s *Session) envelope(kind replication.Kind) *replication.Envelope {
	return replication.NewEnvelope(kind, s.cfg.SessionID, s.cfg.ParticipantID)
}

// publish sends env from the outbox, in order with every other publish and
// persistence call. then, if set, runs on the loop with the send result.
func (s *Session) publish(env *replication.Envelope, then func(error)) {
	s.outbox.Post(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
		err := s.transport.Publish(ctx, env)
		cancel()
		if err != nil {
			s.logger.LogError("publish "+string(env.Kind), err)
		}
		if then != nil {
			s.loop.Post(func() { then(err) })
		}
	})
}

// persist runs fn from the outbox when a persister is configured.
func (s *Session) persist(op string, fn func(context.Context, Persister) error) {
	if s.persister == nil {
		return
	}
	s.outbox.Post(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
		defer cancel()
		if err := fn(ctx, s.persister); err != nil {
			s.logger.LogError(op, err)
		}
	})
}

// Checkpoint saves every object snapshot. The snapshot is taken on the loop
// and saved from the outbox, so it is ordered with the deletes of objects
// destroyed before and after it. Once the session has stopped nothing can
// change the store and the snapshot is saved directly.
func (s *Session) Checkpoint(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}

	done := make(chan error, 1)
	queued := false
	err := s.loop.Do(ctx, func() {
		snaps := s.store.Snapshots()
		if len(snaps) == 0 {
			done <- nil
			queued = true
			return
		}
		queued = s.outbox.Post(func() { done <- s.saveObjects(ctx, snaps) })
	})
	switch {
	case errors.Is(err, ErrStopped):
		return s.saveObjects(ctx, s.store.Snapshots())
	case err != nil:
		return err
	case !queued:
		return s.saveObjects(ctx, s.store.Snapshots())
	}

	select {
	case err := <-done:
		return err
	case <-s.outbox.done:
		// stopped with the save still queued
		return s.saveObjects(ctx, s.store.Snapshots())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) saveObjects(ctx context.Context, snaps []object.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	if err := s.persister.SaveObjects(ctx, snaps); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// Deliver queues an envelope received from a peer.
func (s *Session) Deliver(env *replication.Envelope) bool {
	return s.loop.Post(func() { s.handle(env) })
}

// onOwnership announces local transitions and redraws the affected show.
func (s *Session) onOwnership(c ownership.Change, origin ownership.Origin) {
	if origin == ownership.Local {
		env := s.envelope(replication.KindOwnership)
		change := c
		env.Ownership = &change
		s.publish(env, nil)
	}
	s.watchers.emit(Event{Type: EventOwnership, ObjectID: c.ObjectID, Owner: c.Owner, Epoch: c.Epoch})
	s.refreshShowOf(c.ObjectID)
}

// GetStats returns the state of every component for the stats endpoint.
func (s *Session) GetStats(ctx context.Context) (map[string]interface{}, error) {
	var stats map[string]interface{}
	err := s.loop.Do(ctx, func() {
		stats = map[string]interface{}{
			"session_id":         s.cfg.SessionID,
			"participant_id":     s.cfg.ParticipantID,
			"templates":          s.schemas.Names(),
			"store":              s.store.GetStats(),
			"ownership":          s.owners.GetStats(),
			"replication":        s.replicator.GetStats(),
			"roster":             s.roster.Len(),
			"shows":              len(s.shows),
			"pending_identities": len(s.identities),
			"outbox":             s.outbox.Len(),
			"watchers":           s.watchers.Len(),
		}
	})
	return stats, err
}

package replication

import (
	"sync"
	"time"

	"github.com/heitortanoue/slidesync/logging"
	"github.com/heitortanoue/slidesync/pkg/change"
	"github.com/heitortanoue/slidesync/pkg/metrics"
	"github.com/heitortanoue/slidesync/pkg/object"
	"github.com/heitortanoue/slidesync/pkg/ownership"
	"github.com/heitortanoue/slidesync/pkg/schema"
)

// OwnershipApplier mirrors ownership transitions implied by updates.
type OwnershipApplier interface {
	ApplyRemote(c ownership.Change) bool
}

// Guard vets a remote value before it is written. A non-nil error drops
// the property.
type Guard func(objectID string, p schema.Property, v object.Value) error

// Option configures a Replicator.
type Option func(*Replicator)

func WithLogger(l *logging.SessionLogger) Option {
	return func(r *Replicator) { r.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Replicator) { r.metrics = m }
}

func WithGuard(g Guard) Option {
	return func(r *Replicator) { r.guard = g }
}

// WithClock replaces time.Now for emission timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Replicator) { r.now = now }
}

// WithWindow sets the reorder window of authoritative streams.
func WithWindow(n int) Option {
	return func(r *Replicator) { r.sequencer = NewSequencer(n) }
}

// WithGapTimeout sets how long an authoritative stream waits for a missing
// update before Expire skips it.
func WithGapTimeout(d time.Duration) Option {
	return func(r *Replicator) { r.gapTimeout = d }
}

type stamp struct {
	at     int64
	sender string
}

// after orders stamps by time, then by sender id so ties resolve the same
// way everywhere.
func (s stamp) after(o stamp) bool {
	if s.at != o.at {
		return s.at > o.at
	}
	return s.sender > o.sender
}

// Replicator is the replication engine of one participant.
type Replicator struct {
	localID   string
	store     *object.Store
	schemas   *schema.Registry
	detector  *change.Detector
	owners    OwnershipApplier
	sequencer *Sequencer
	guard     Guard

	logger     *logging.SessionLogger
	metrics    *metrics.Metrics
	now        func() time.Time
	gapTimeout time.Duration

	// outgoing authoritative streams restart at 1 on every new epoch
	outSeq   map[string]uint64
	outEpoch map[string]uint64
	lastText map[change.Key]string
	latest   map[change.Key]stamp

	mutex sync.Mutex
}

// New creates a replicator for the store's local participant.
func New(store *object.Store, schemas *schema.Registry, detector *change.Detector, owners OwnershipApplier, opts ...Option) *Replicator {
	r := &Replicator{
		localID:   store.LocalID(),
		store:     store,
		schemas:   schemas,
		detector:  detector,
		owners:    owners,
		sequencer: NewSequencer(DefaultWindow),
		now:       time.Now,
		outSeq:    make(map[string]uint64),
		outEpoch:  make(map[string]uint64),
		lastText:  make(map[change.Key]string),
		latest:    make(map[change.Key]stamp),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.New(nil)
	}
	r.sequencer.now = r.now
	if r.gapTimeout > 0 {
		r.sequencer.gapTimeout = r.gapTimeout
	}
	return r
}

// Collect samples every networked object and returns the updates worth
// sending. Authoritative properties are collected only from objects the
// local participant owns; predicted properties from every object.
func (r *Replicator) Collect() []Update {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	now := r.now().UnixNano()
	var out []Update

	for _, snap := range r.store.Snapshots() {
		if snap.NetworkID == "" {
			continue
		}
		sch, ok := r.schemas.Schema(snap.Template)
		if !ok {
			continue
		}
		obj := object.FromSnapshot(snap)

		var auth, pred int
		if snap.Owner == r.localID {
			if props := r.changed(obj, sch.Authoritative, now, false); len(props) > 0 {
				if r.outEpoch[obj.ID] != snap.Epoch {
					r.outEpoch[obj.ID] = snap.Epoch
					r.outSeq[obj.ID] = 0
				}
				r.outSeq[obj.ID]++
				out = append(out, Update{
					ObjectID:   obj.ID,
					Class:      Authoritative,
					Epoch:      snap.Epoch,
					Seq:        r.outSeq[obj.ID],
					Timestamp:  now,
					Properties: props,
				})
				auth = len(props)
				r.metrics.Emitted.Increment(string(Authoritative))
			}
		}
		if props := r.changed(obj, sch.Predicted, now, true); len(props) > 0 {
			out = append(out, Update{
				ObjectID:   obj.ID,
				Class:      Predicted,
				Timestamp:  now,
				Properties: props,
			})
			pred = len(props)
			r.metrics.Emitted.Increment(string(Predicted))
		}
		if auth+pred > 0 {
			r.logger.LogUpdateEmitted(obj.ID, auth, pred)
		}
	}
	return out
}

func (r *Replicator) changed(obj *object.SharedObject, props []schema.Property, now int64, predicted bool) []PropertyValue {
	var out []PropertyValue
	for _, p := range props {
		v, err := p.Read(obj)
		if err != nil {
			continue
		}
		key := change.Key{ObjectID: obj.ID, Property: p.Key()}
		if !r.shouldEmit(key, v, p.Epsilon) {
			r.metrics.Suppressed.Increment(p.Key())
			continue
		}
		out = append(out, PropertyValue{Key: p.Key(), Value: v})
		if predicted {
			r.latest[key] = stamp{at: now, sender: r.localID}
		}
	}
	return out
}

func (r *Replicator) shouldEmit(key change.Key, v object.Value, epsilon float64) bool {
	if samples, ok := v.Samples(); ok {
		return r.detector.ShouldEmit(key, samples, epsilon)
	}
	text := ""
	if v.Text != nil {
		text = *v.Text
	}
	if last, seen := r.lastText[key]; seen && last == text {
		return false
	}
	r.lastText[key] = text
	return true
}

func (r *Replicator) observe(key change.Key, v object.Value, epsilon float64) {
	if samples, ok := v.Samples(); ok {
		r.detector.Observe(key, samples, epsilon)
		return
	}
	if v.Text != nil {
		r.lastText[key] = *v.Text
	}
}

// Seed records the current state of an object as already replicated. It is
// called for objects that arrive in a create envelope or a snapshot, so the
// first Collect does not send their state back.
func (r *Replicator) Seed(objectID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	snap, ok := r.store.View(objectID)
	if !ok {
		return
	}
	sch, ok := r.schemas.Schema(snap.Template)
	if !ok {
		return
	}
	obj := object.FromSnapshot(snap)
	for _, set := range [][]schema.Property{sch.Authoritative, sch.Predicted} {
		for _, p := range set {
			if v, err := p.Read(obj); err == nil {
				r.observe(change.Key{ObjectID: objectID, Property: p.Key()}, v, p.Epsilon)
			}
		}
	}
}

// Apply processes an update from senderID and returns the keys of the
// properties written. Authoritative updates are applied in emission order
// and only from the owner at the current epoch; predicted updates are
// applied when they are the most recent emission seen for the property.
func (r *Replicator) Apply(senderID string, u Update) []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	switch u.Class {
	case Authoritative:
		ready, skipped := r.sequencer.Push(senderID, u)
		if skipped > 0 {
			r.drop(senderID, u.ObjectID, "sequence gap skipped")
		}
		var keys []string
		for _, next := range ready {
			keys = append(keys, r.applyAuthoritative(senderID, next)...)
		}
		return keys
	case Predicted:
		return r.write(senderID, u)
	}
	r.drop(senderID, u.ObjectID, "unknown class")
	return nil
}

// Expire applies the authoritative updates held behind gaps that stayed
// open past the gap timeout, and returns the written keys per object.
func (r *Replicator) Expire() map[string][]string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	released, _ := r.sequencer.Expire()
	if len(released) == 0 {
		return nil
	}
	written := make(map[string][]string)
	reported := make(map[StreamKey]bool)
	for _, rel := range released {
		key := StreamKey{ObjectID: rel.Update.ObjectID, SenderID: rel.SenderID}
		if !reported[key] {
			reported[key] = true
			r.drop(rel.SenderID, rel.Update.ObjectID, "sequence gap expired")
		}
		if keys := r.applyAuthoritative(rel.SenderID, rel.Update); len(keys) > 0 {
			written[key.ObjectID] = append(written[key.ObjectID], keys...)
		}
	}
	return written
}

func (r *Replicator) applyAuthoritative(senderID string, u Update) []string {
	owner, epoch, ok := r.store.Owner(u.ObjectID)
	if !ok {
		r.drop(senderID, u.ObjectID, "unknown object")
		return nil
	}
	// an update stamped with a newer epoch proves the sender won it
	if u.Epoch > epoch && r.owners != nil {
		r.owners.ApplyRemote(ownership.Change{ObjectID: u.ObjectID, Owner: senderID, Epoch: u.Epoch})
		owner, epoch, _ = r.store.Owner(u.ObjectID)
	}
	if owner != senderID {
		r.drop(senderID, u.ObjectID, "sender is not the owner")
		return nil
	}
	if u.Epoch != epoch {
		r.drop(senderID, u.ObjectID, "stale epoch")
		return nil
	}
	return r.write(senderID, u)
}

func (r *Replicator) write(senderID string, u Update) []string {
	snap, ok := r.store.View(u.ObjectID)
	if !ok {
		r.drop(senderID, u.ObjectID, "unknown object")
		return nil
	}
	sch, ok := r.schemas.Schema(snap.Template)
	if !ok {
		r.drop(senderID, u.ObjectID, "unknown template")
		return nil
	}

	authoritative := u.Class == Authoritative
	st := stamp{at: u.Timestamp, sender: senderID}
	var keys []string

	r.store.Update(u.ObjectID, func(obj *object.SharedObject) {
		for _, pv := range u.Properties {
			p, isAuth, ok := sch.Lookup(pv.Key)
			if !ok || isAuth != authoritative {
				r.drop(senderID, u.ObjectID, "property not in schema")
				continue
			}
			key := change.Key{ObjectID: u.ObjectID, Property: pv.Key}
			if !authoritative {
				if last, seen := r.latest[key]; seen && !st.after(last) {
					r.drop(senderID, u.ObjectID, "older prediction")
					continue
				}
			}
			if r.guard != nil {
				if err := r.guard(u.ObjectID, p, pv.Value); err != nil {
					r.drop(senderID, u.ObjectID, "rejected by guard")
					continue
				}
			}
			if err := p.Write(obj, pv.Value); err != nil {
				r.drop(senderID, u.ObjectID, "invalid value")
				continue
			}
			r.observe(key, pv.Value, p.Epsilon)
			if !authoritative {
				r.latest[key] = st
			}
			keys = append(keys, pv.Key)
		}
	})

	if len(keys) > 0 {
		r.metrics.Applied.Increment(string(u.Class))
		r.logger.LogUpdateApplied(senderID, u.ObjectID, len(keys))
	}
	return keys
}

func (r *Replicator) drop(senderID, objectID, reason string) {
	r.metrics.Dropped.Increment(reason)
	r.logger.LogUpdateDropped(senderID, objectID, reason)
}

// Forget discards every piece of replication state of a destroyed object.
func (r *Replicator) Forget(objectID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.detector.Forget(objectID)
	r.sequencer.Forget(objectID)
	delete(r.outSeq, objectID)
	delete(r.outEpoch, objectID)
	for key := range r.lastText {
		if key.ObjectID == objectID {
			delete(r.lastText, key)
		}
	}
	for key := range r.latest {
		if key.ObjectID == objectID {
			delete(r.latest, key)
		}
	}
}

// GetStats returns replication counters for the stats endpoint.
func (r *Replicator) GetStats() map[string]interface{} {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return map[string]interface{}{
		"trackers":         r.detector.Len(),
		"buffered_updates": r.sequencer.Pending(),
		"streams_out":      len(r.outSeq),
	}
}

package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/heitortanoue/slidesync/pkg/crdt"
	"github.com/heitortanoue/slidesync/pkg/deferred"
	"github.com/heitortanoue/slidesync/pkg/object"
	"github.com/heitortanoue/slidesync/pkg/replication"
	"github.com/heitortanoue/slidesync/pkg/schema"
	"github.com/heitortanoue/slidesync/pkg/slides"
)

// State is the full session state handed to a late joiner.
type State struct {
	SessionID string               `json:"session_id"`
	Objects   []object.Snapshot    `json:"objects"`
	Shows     []replication.Show   `json:"shows"`
	Roster    *crdt.Kernel[string] `json:"roster"`
}

// Create adds objects to the session and announces them in one envelope.
// Each returned deferred resolves to the object's network id once the
// announcement went out, and is cancelled if the object is destroyed first.
// When show is set its counter starts as soon as the controller resolves.
func (s *Session) Create(ctx context.Context, objs []*object.SharedObject, show *replication.Show) ([]*deferred.Deferred[string], error) {
	var (
		ids []*deferred.Deferred[string]
		err error
	)
	if doErr := s.loop.Do(ctx, func() { ids, err = s.create(objs, show) }); doErr != nil {
		return nil, doErr
	}
	return ids, err
}

func (s *Session) create(objs []*object.SharedObject, show *replication.Show) ([]*deferred.Deferred[string], error) {
	seen := make(map[string]bool, len(objs))
	for _, obj := range objs {
		if _, ok := s.schemas.Schema(obj.Template); !ok {
			return nil, fmt.Errorf("%w: %s", schema.ErrUnknownTemplate, obj.Template)
		}
		if seen[obj.ID] || s.store.Contains(obj.ID) {
			return nil, fmt.Errorf("%w: %s", object.ErrExists, obj.ID)
		}
		seen[obj.ID] = true
	}
	if show != nil {
		if err := show.Deck.Validate(); err != nil {
			return nil, err
		}
		if !seen[show.Controller] || len(show.Slides) != show.Deck.Len() {
			return nil, fmt.Errorf("%w: show %s does not match its objects", slides.ErrInvalidSlide, show.Controller)
		}
		for _, id := range show.Slides {
			if !seen[id] {
				return nil, fmt.Errorf("%w: show %s does not match its objects", slides.ErrInvalidSlide, show.Controller)
			}
		}
	}

	env := s.envelope(replication.KindCreate)
	identities := make([]*deferred.Deferred[string], len(objs))
	for i, obj := range objs {
		networkID := obj.NetworkID
		if networkID == "" {
			networkID = uuid.NewString()
		}
		obj.NetworkID = ""
		if err := s.store.Add(obj); err != nil {
			return nil, err
		}
		s.roster.Add(obj.ID)

		identities[i] = deferred.New[string]()
		s.identities[obj.ID] = identities[i]

		snap, _ := s.store.View(obj.ID)
		snap.NetworkID = networkID
		env.Objects = append(env.Objects, snap)

		s.logger.LogObjectCreated(obj.ID, obj.Template)
		s.watchers.emit(Event{Type: EventCreated, ObjectID: obj.ID, Template: obj.Template, Index: snap.App.SlideIndex})
	}
	s.metrics.Objects.Set(float64(s.store.Len()))

	if show != nil {
		info := *show
		env.Show = &info
		s.registerShow(info)
		// the counter needs a networked controller
		for i, obj := range objs {
			if obj.ID == info.Controller {
				identities[i].Then(func(string) { s.attachCounter(info.Controller) })
			}
		}
	}
	env.Roster = s.roster.TakeDelta()

	snaps := env.Objects
	s.persist("save objects", func(ctx context.Context, p Persister) error {
		if err := p.SaveObjects(ctx, snaps); err != nil {
			return err
		}
		if env.Show != nil {
			return p.SaveShow(ctx, *env.Show)
		}
		return nil
	})

	s.publish(env, func(error) {
		for i, snap := range env.Objects {
			d := identities[i]
			if d.State() != deferred.Pending {
				continue
			}
			delete(s.identities, snap.ID)
			s.store.ResolveNetworkID(snap.ID, snap.NetworkID)
			s.replicator.Seed(snap.ID)
			d.Resolve(snap.NetworkID)
		}
	})
	return identities, nil
}

// Update changes an object locally. Replication picks the change up on
// the next tick when the local participant may send it.
func (s *Session) Update(ctx context.Context, id string, fn func(*object.SharedObject)) error {
	var found bool
	if err := s.loop.Do(ctx, func() { found = s.store.Update(id, fn) }); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", object.ErrNotFound, id)
	}
	return nil
}

// Destroy removes objects and announces the removal. Destroying a show's
// controller ends the show. It returns how many objects were removed.
func (s *Session) Destroy(ctx context.Context, ids ...string) (int, error) {
	var n int
	err := s.loop.Do(ctx, func() { n = s.destroy(ids) })
	return n, err
}

func (s *Session) destroy(ids []string) int {
	var gone []string
	for _, id := range ids {
		if s.destroyLocal(id) {
			s.roster.Remove(id)
			gone = append(gone, id)
		}
	}
	if len(gone) == 0 {
		return 0
	}

	env := s.envelope(replication.KindDestroy)
	env.Destroyed = gone
	env.Roster = s.roster.TakeDelta()
	s.publish(env, nil)

	// the arbiter record goes with the object
	s.outbox.Post(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
		defer cancel()
		for _, id := range gone {
			if err := s.owners.Forget(ctx, id); err != nil {
				s.logger.LogError("forget ownership "+id, err)
			}
		}
	})
	return len(gone)
}

// destroyLocal drops an object and everything that hangs off it.
func (s *Session) destroyLocal(id string) bool {
	if _, ok := s.store.Remove(id); !ok {
		return false
	}
	s.owners.Cancel(id)
	if d, ok := s.identities[id]; ok {
		delete(s.identities, id)
		d.Cancel()
	}
	s.replicator.Forget(id)
	s.dropShowOf(id)

	s.persist("delete objects", func(ctx context.Context, p Persister) error {
		return p.DeleteObjects(ctx, []string{id})
	})
	s.metrics.Objects.Set(float64(s.store.Len()))
	s.logger.LogObjectDestroyed(id)
	s.watchers.emit(Event{Type: EventDestroyed, ObjectID: id})
	return true
}

// Restore re-announces objects and shows saved by an earlier run. Saved
// ownership is not trusted: restored objects start unowned.
func (s *Session) Restore(ctx context.Context, snaps []object.Snapshot, shows []replication.Show) (int, error) {
	var (
		n   int
		err error
	)
	if doErr := s.loop.Do(ctx, func() { n, err = s.restore(snaps, shows) }); doErr != nil {
		return 0, doErr
	}
	return n, err
}

func (s *Session) restore(snaps []object.Snapshot, shows []replication.Show) (int, error) {
	byID := make(map[string]object.Snapshot, len(snaps))
	for _, snap := range snaps {
		if s.store.Contains(snap.ID) {
			continue
		}
		snap.Owner, snap.Epoch = "", 0
		byID[snap.ID] = snap
	}
	take := func(id string) (*object.SharedObject, bool) {
		snap, ok := byID[id]
		if !ok {
			return nil, false
		}
		delete(byID, id)
		return object.FromSnapshot(snap), true
	}

	restored := 0
	for _, info := range shows {
		controller, ok := take(info.Controller)
		if !ok {
			continue
		}
		objs := []*object.SharedObject{controller}
		for _, id := range info.Slides {
			if obj, ok := take(id); ok {
				objs = append(objs, obj)
			}
		}
		show := info
		if len(objs) != len(info.Slides)+1 {
			// a slide went missing: keep the objects, drop the show
			s.logger.Logger().Warn("show not restored", "controller", info.Controller)
			if _, err := s.create(objs, nil); err != nil {
				return restored, err
			}
			restored += len(objs)
			continue
		}
		if _, err := s.create(objs, &show); err != nil {
			return restored, err
		}
		restored += len(objs)
	}

	var loose []*object.SharedObject
	for _, snap := range snaps {
		if obj, ok := take(snap.ID); ok {
			loose = append(loose, obj)
		}
	}
	if len(loose) > 0 {
		if _, err := s.create(loose, nil); err != nil {
			return restored, err
		}
		restored += len(loose)
	}
	return restored, nil
}

// State returns the networked objects, the shows and the roster.
func (s *Session) State(ctx context.Context) (State, error) {
	var st State
	err := s.loop.Do(ctx, func() {
		st = State{
			SessionID: s.cfg.SessionID,
			Shows:     s.listShows(),
			Roster:    s.roster.State(),
		}
		for _, snap := range s.store.Snapshots() {
			if snap.NetworkID != "" {
				st.Objects = append(st.Objects, snap)
			}
		}
		s.logger.LogStateSnapshot(len(st.Objects), s.roster.Len())
	})
	return st, err
}

// Join merges the state of a peer: objects the merged roster holds are
// adopted, objects it dropped are removed.
func (s *Session) Join(ctx context.Context, st State) error {
	if st.SessionID != s.cfg.SessionID {
		return fmt.Errorf("%w: %s", ErrSessionMismatch, st.SessionID)
	}
	return s.loop.Do(ctx, func() { s.join(st) })
}

func (s *Session) join(st State) {
	if st.Roster != nil {
		s.roster.MergeDelta(st.Roster)
		for _, id := range s.store.IDs() {
			if _, pending := s.identities[id]; !pending && !s.roster.Contains(id) {
				s.destroyLocal(id)
			}
		}
	}
	s.adopt(st.Objects, st.Roster != nil)
	for _, info := range st.Shows {
		if s.store.Contains(info.Controller) {
			s.registerShow(info)
			s.attachCounter(info.Controller)
		}
	}
}

// adopt adds objects created by peers. When checkRoster is set only the
// objects still in the roster are taken.
func (s *Session) adopt(snaps []object.Snapshot, checkRoster bool) {
	for _, snap := range snaps {
		if s.store.Contains(snap.ID) || snap.NetworkID == "" {
			continue
		}
		if checkRoster && !s.roster.Contains(snap.ID) {
			continue
		}
		if _, ok := s.schemas.Schema(snap.Template); !ok {
			s.logger.LogUpdateDropped("", snap.ID, "unknown template")
			continue
		}
		if err := s.store.Add(object.FromSnapshot(snap)); err != nil {
			continue
		}
		s.replicator.Seed(snap.ID)
		s.logger.LogObjectCreated(snap.ID, snap.Template)
		s.watchers.emit(Event{Type: EventCreated, ObjectID: snap.ID, Template: snap.Template, Owner: snap.Owner, Epoch: snap.Epoch, Index: snap.App.SlideIndex})
	}
	s.metrics.Objects.Set(float64(s.store.Len()))
}

package session

import (
	"github.com/heitortanoue/slidesync/pkg/replication"
)

// handle applies an envelope from a peer on the loop.
func (s *Session) handle(env *replication.Envelope) {
	if env.SessionID != s.cfg.SessionID || env.SenderID == s.cfg.ParticipantID {
		return
	}

	switch env.Kind {
	case replication.KindCreate:
		s.roster.MergeDelta(env.Roster)
		s.adopt(env.Objects, env.Roster != nil)
		if env.Show != nil && s.store.Contains(env.Show.Controller) {
			s.registerShow(*env.Show)
			s.attachCounter(env.Show.Controller)
		}

	case replication.KindDestroy:
		s.roster.MergeDelta(env.Roster)
		for _, id := range env.Destroyed {
			s.destroyLocal(id)
		}

	case replication.KindOwnership:
		if env.Ownership != nil {
			s.owners.ApplyRemote(*env.Ownership)
		}

	case replication.KindUpdate:
		for _, u := range env.Updates {
			s.applied(u.ObjectID, s.replicator.Apply(env.SenderID, u))
		}

	default:
		s.logger.LogUpdateDropped(env.SenderID, "", "unknown envelope kind")
	}
}

// applied reacts to remotely written properties that drive a show.
func (s *Session) applied(id string, keys []string) {
	for _, key := range keys {
		switch key {
		case slideIndexKey:
			sh := s.shows[id]
			if sh == nil || sh.counter == nil {
				continue
			}
			snap, ok := s.store.View(id)
			if !ok {
				continue
			}
			if err := sh.counter.SetIndex(snap.App.SlideIndex); err != nil {
				s.logger.LogError("mirror slide index "+id, err)
				continue
			}
			s.watchers.emit(Event{Type: EventIndex, ObjectID: id, Index: snap.App.SlideIndex})

		case pinnedKey:
			snap, ok := s.store.View(id)
			if !ok {
				continue
			}
			s.watchers.emit(Event{Type: EventPinned, ObjectID: id, Pinned: snap.Pinned})
			s.refreshShowOf(id)
		}
	}
}

package session

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/heitortanoue/slidesync/pkg/deferred"
	"github.com/heitortanoue/slidesync/pkg/object"
	"github.com/heitortanoue/slidesync/pkg/replication"
	"github.com/heitortanoue/slidesync/pkg/schema"
	"github.com/heitortanoue/slidesync/pkg/slides"
)

var (
	slideIndexKey = schema.P(schema.KindSlideCounter, "index").Key()
	pinnedKey     = schema.Property{Kind: schema.KindPinnable}.Key()
)

// showState is a show known to the loop. The counter is nil until the
// controller is networked.
type showState struct {
	info    replication.Show
	counter *slides.Counter
}

// showDisplay writes the visible state of a show into the store.
type showDisplay struct {
	s    *Session
	show *showState
}

func (d *showDisplay) SetScale(slide int, scale float64) {
	if slide < 0 || slide >= len(d.show.info.Slides) {
		return
	}
	id := d.show.info.Slides[slide]
	if d.s.store.Update(id, func(o *object.SharedObject) { o.Transform.Scale = object.Splat(scale) }) {
		d.s.watchers.emit(Event{Type: EventScale, ObjectID: id, Index: slide, Scale: scale})
	}
}

func (d *showDisplay) SetIndex(index int) {
	id := d.show.info.Controller
	if d.s.store.Update(id, func(o *object.SharedObject) { o.App.SlideIndex = index }) {
		d.s.watchers.emit(Event{Type: EventIndex, ObjectID: id, Index: index})
	}
}

func (s *Session) registerShow(info replication.Show) *showState {
	if sh, ok := s.shows[info.Controller]; ok {
		return sh
	}
	sh := &showState{info: info}
	s.shows[info.Controller] = sh
	s.showOf[info.Controller] = info.Controller
	for _, id := range info.Slides {
		s.showOf[id] = info.Controller
	}
	return sh
}

// attachCounter starts the state machine of a show from the cursor stored
// on its controller.
func (s *Session) attachCounter(controller string) {
	sh, ok := s.shows[controller]
	if !ok || sh.counter != nil {
		return
	}
	snap, ok := s.store.View(controller)
	if !ok {
		return
	}
	counter, err := slides.New(controller, sh.info.Deck, s.owners, &showDisplay{s: s, show: sh})
	if err != nil {
		s.logger.LogError("attach counter "+controller, err)
		return
	}
	sh.counter = counter
	if snap.App.SlideIndex != 0 {
		if err := counter.SetIndex(snap.App.SlideIndex); err != nil {
			s.logger.LogError("attach counter "+controller, err)
		}
	}
}

func (s *Session) dropShowOf(id string) {
	controller, ok := s.showOf[id]
	if !ok {
		return
	}
	delete(s.showOf, id)
	if controller != id {
		return
	}
	sh := s.shows[controller]
	delete(s.shows, controller)
	for _, slide := range sh.info.Slides {
		delete(s.showOf, slide)
	}
	s.persist("delete show", func(ctx context.Context, p Persister) error {
		return p.DeleteShow(ctx, controller)
	})
}

// refreshShowOf redraws the show the object belongs to.
func (s *Session) refreshShowOf(id string) {
	controller, ok := s.showOf[id]
	if !ok {
		return
	}
	if sh := s.shows[controller]; sh != nil && sh.counter != nil {
		sh.counter.Refresh()
	}
}

// guard keeps replicated cursors inside their deck. Slide objects carry
// their fixed position in the deck and never move.
func (s *Session) guard(objectID string, p schema.Property, v object.Value) error {
	if p.Kind != schema.KindSlideCounter || v.Number == nil {
		return nil
	}
	controller, ok := s.showOf[objectID]
	if !ok {
		return nil
	}
	if controller != objectID {
		return fmt.Errorf("%w: slide objects keep their position", slides.ErrIndexOutOfRange)
	}
	n := *v.Number
	count := len(s.shows[controller].info.Slides)
	if n != math.Trunc(n) || n < 0 || int(n) >= count {
		return fmt.Errorf("%w: %v not in [0, %d)", slides.ErrIndexOutOfRange, n, count)
	}
	return nil
}

// Interact routes a user interaction on any object of a show to the show's
// counter. The deferred resolves to whether the deck advanced. While the
// controller is not networked yet the interaction is ignored.
func (s *Session) Interact(ctx context.Context, id string) (*deferred.Deferred[bool], error) {
	var (
		result *deferred.Deferred[bool]
		err    error
	)
	if doErr := s.loop.Do(ctx, func() { result, err = s.interact(ctx, id) }); doErr != nil {
		return nil, doErr
	}
	return result, err
}

func (s *Session) interact(ctx context.Context, id string) (*deferred.Deferred[bool], error) {
	if !s.store.Contains(id) {
		return nil, fmt.Errorf("%w: %s", object.ErrNotFound, id)
	}
	controller, ok := s.showOf[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotInShow, id)
	}
	sh := s.shows[controller]
	if sh.counter == nil {
		s.logger.Logger().Debug("interaction ignored", "object", id, "reason", object.ErrNotNetworked.Error())
		return deferred.ResolvedWith(false), nil
	}
	return sh.counter.Interact(ctx), nil
}

// Pin acquires the object and sets its pinned flag. The deferred resolves
// to whether the flag was written.
func (s *Session) Pin(ctx context.Context, id string, pinned bool) (*deferred.Deferred[bool], error) {
	var (
		result *deferred.Deferred[bool]
		err    error
	)
	if doErr := s.loop.Do(ctx, func() { result, err = s.pin(ctx, id, pinned) }); doErr != nil {
		return nil, doErr
	}
	return result, err
}

func (s *Session) pin(ctx context.Context, id string, pinned bool) (*deferred.Deferred[bool], error) {
	if !s.store.Contains(id) {
		return nil, fmt.Errorf("%w: %s", object.ErrNotFound, id)
	}
	result := deferred.New[bool]()
	s.owners.AcquireAsync(ctx, id).
		Then(func(won bool) {
			if won && s.store.Update(id, func(o *object.SharedObject) { o.Pinned = pinned }) {
				s.watchers.emit(Event{Type: EventPinned, ObjectID: id, Pinned: pinned})
				s.refreshShowOf(id)
			}
			result.Resolve(won)
		}).
		OnCancel(func() { result.Cancel() })
	return result, nil
}

// PermissionsChanged redraws every show after the participant's rights
// changed.
func (s *Session) PermissionsChanged(ctx context.Context) error {
	return s.loop.Do(ctx, func() {
		for _, sh := range s.shows {
			if sh.counter != nil {
				sh.counter.Refresh()
			}
		}
	})
}

// Show returns a show by its controller id.
func (s *Session) Show(ctx context.Context, controller string) (replication.Show, bool, error) {
	var (
		info replication.Show
		ok   bool
	)
	err := s.loop.Do(ctx, func() {
		var sh *showState
		if sh, ok = s.shows[controller]; ok {
			info = sh.info
		}
	})
	return info, ok, err
}

// Shows lists every show, sorted by controller id.
func (s *Session) Shows(ctx context.Context) ([]replication.Show, error) {
	var out []replication.Show
	err := s.loop.Do(ctx, func() { out = s.listShows() })
	return out, err
}

func (s *Session) listShows() []replication.Show {
	out := make([]replication.Show, 0, len(s.shows))
	for _, sh := range s.shows {
		out = append(out, sh.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Controller < out[j].Controller })
	return out
}

// Cursor returns the slide index of a show and whether its counter runs.
func (s *Session) Cursor(ctx context.Context, controller string) (int, bool, error) {
	var (
		index int
		ok    bool
	)
	err := s.loop.Do(ctx, func() {
		if sh := s.shows[controller]; sh != nil && sh.counter != nil {
			index, ok = sh.counter.Index(), true
		}
	})
	return index, ok, err
}

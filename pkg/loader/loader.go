// Package loader instantiates slideshows from decks and removes them again.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/heitortanoue/slidesync/pkg/deferred"
	"github.com/heitortanoue/slidesync/pkg/object"
	"github.com/heitortanoue/slidesync/pkg/replication"
	"github.com/heitortanoue/slidesync/pkg/schema"
	"github.com/heitortanoue/slidesync/pkg/slides"
)

// Slide layout: every slide sits at the same spot, each one a little
// further back than the previous.
const (
	originX = 1.0
	originY = 2.0
	originZ = 1.0
	stepZ   = 0.01
)

// Session is what the loader needs from a running session.
type Session interface {
	Create(ctx context.Context, objs []*object.SharedObject, show *replication.Show) ([]*deferred.Deferred[string], error)
	Update(ctx context.Context, id string, fn func(*object.SharedObject)) error
	Destroy(ctx context.Context, ids ...string) (int, error)
	Objects() []object.Snapshot
	Shows(ctx context.Context) ([]replication.Show, error)
	IsOwnedByLocal(id string) bool
	Release(ctx context.Context, id string) bool
}

// Handle is a created object and its network identity.
type Handle struct {
	ID       string
	Identity *deferred.Deferred[string]
}

// Show is a loaded deck: its controller and one handle per slide, in order.
type Show struct {
	Controller Handle
	Slides     []Handle
	Deck       slides.Deck
}

// IDs returns the slide ids followed by the controller id, the order in
// which a show is taken down.
func (s *Show) IDs() []string {
	ids := make([]string, 0, len(s.Slides)+1)
	for _, h := range s.Slides {
		ids = append(ids, h.ID)
	}
	return append(ids, s.Controller.ID)
}

// Ready waits until the controller is networked.
func (s *Show) Ready(ctx context.Context) error {
	if _, err := s.Controller.Identity.Wait(ctx); err != nil {
		return fmt.Errorf("show %s: %w", s.Controller.ID, err)
	}
	return nil
}

// Option configures a Loader.
type Option func(*Loader)

// WithTemplate sets the template shows are instantiated from.
func WithTemplate(name string) Option {
	return func(l *Loader) { l.template = name }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// Loader creates shows in a session and keeps track of them.
type Loader struct {
	session  Session
	template string
	logger   *slog.Logger

	shows map[string]*Show
	mutex sync.Mutex
}

// New creates a loader for the session.
func New(session Session, opts ...Option) *Loader {
	l := &Loader{
		session:  session,
		template: schema.DefaultTemplate,
		logger:   slog.Default(),
		shows:    make(map[string]*Show),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load creates the controller and one object per slide. The show's counter
// starts once the controller's identity resolves.
func (l *Loader) Load(ctx context.Context, deck slides.Deck) (*Show, error) {
	if err := deck.Validate(); err != nil {
		return nil, err
	}

	controller := object.New(uuid.NewString(), l.template)
	controller.Transform.Position = object.Vec3{X: originX, Y: originY, Z: originZ}
	objs := []*object.SharedObject{controller}
	info := &replication.Show{Controller: controller.ID, Deck: deck}

	for i, slide := range deck.Slides {
		obj := object.New(uuid.NewString(), l.template)
		obj.Media.Src = slide.Source
		obj.App.SlideIndex = i
		obj.Transform.Position = object.Vec3{X: originX, Y: originY, Z: originZ - stepZ*float64(i)}
		obj.Transform.Scale = object.Splat(slides.SmallScale)
		objs = append(objs, obj)
		info.Slides = append(info.Slides, obj.ID)
	}

	identities, err := l.session.Create(ctx, objs, info)
	if err != nil {
		return nil, fmt.Errorf("load deck %q: %w", deck.Name, err)
	}

	show := &Show{
		Controller: Handle{ID: controller.ID, Identity: identities[0]},
		Deck:       deck,
	}
	for i, obj := range objs[1:] {
		show.Slides = append(show.Slides, Handle{ID: obj.ID, Identity: identities[i+1]})
	}

	l.mutex.Lock()
	l.shows[controller.ID] = show
	l.mutex.Unlock()

	l.logger.Info("deck loaded", "deck", deck.Name, "controller", controller.ID, "slides", deck.Len())
	return show, nil
}

// Shows returns the shows loaded and not removed, sorted by controller id.
func (l *Loader) Shows() []*Show {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	out := make([]*Show, 0, len(l.shows))
	for _, s := range l.shows {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Controller.ID < out[j].Controller.ID })
	return out
}

// Lookup returns a loaded show by its controller id.
func (l *Loader) Lookup(controller string) (*Show, bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	s, ok := l.shows[controller]
	return s, ok
}

// Remove takes one show down, slides first and the controller last.
func (l *Loader) Remove(ctx context.Context, show *Show) (int, error) {
	n, err := l.remove(ctx, show.IDs())

	l.mutex.Lock()
	delete(l.shows, show.Controller.ID)
	l.mutex.Unlock()
	return n, err
}

// RemoveAll takes down every show this loader created and returns how many
// objects were destroyed.
func (l *Loader) RemoveAll(ctx context.Context) (int, error) {
	total := 0
	for _, show := range l.Shows() {
		n, err := l.Remove(ctx, show)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// RemoveMatching destroys every object whose media source contains substr.
// A show left without slides is taken down with its controller.
func (l *Loader) RemoveMatching(ctx context.Context, substr string) (int, error) {
	if substr == "" {
		return 0, errors.New("empty filter")
	}
	present := make(map[string]bool)
	matched := make(map[string]bool)
	var ids []string
	for _, snap := range l.session.Objects() {
		present[snap.ID] = true
		if strings.Contains(snap.Media.Src, substr) {
			matched[snap.ID] = true
			ids = append(ids, snap.ID)
		}
	}

	shows, err := l.session.Shows(ctx)
	if err != nil {
		return 0, err
	}
	var emptied []string
	for _, sh := range shows {
		if matched[sh.Controller] || !present[sh.Controller] || !emptiedBy(sh, present, matched) {
			continue
		}
		emptied = append(emptied, sh.Controller)
	}

	// controllers last, as in Remove
	n, err := l.remove(ctx, append(ids, emptied...))

	l.mutex.Lock()
	for _, id := range append(ids, emptied...) {
		delete(l.shows, id)
	}
	l.mutex.Unlock()
	return n, err
}

func emptiedBy(sh replication.Show, present, matched map[string]bool) bool {
	if len(sh.Slides) == 0 {
		return false
	}
	for _, id := range sh.Slides {
		if present[id] && !matched[id] {
			return false
		}
	}
	return true
}

// remove unpins each object, hands back its ownership when held locally so
// no stale ownership outlives it, then destroys it.
func (l *Loader) remove(ctx context.Context, ids []string) (int, error) {
	removed := 0
	for _, id := range ids {
		err := l.session.Update(ctx, id, func(o *object.SharedObject) { o.Pinned = false })
		if errors.Is(err, object.ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}

		if l.session.IsOwnedByLocal(id) && !l.session.Release(ctx, id) {
			l.logger.Warn("release before removal failed", "object", id)
		}

		n, err := l.session.Destroy(ctx, id)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Package slides holds the slide deck and the counter that advances it.
package slides

import (
	"context"
	"errors"
	"fmt"

	"github.com/heitortanoue/slidesync/pkg/deferred"
)

const (
	// LargeScale is the scale of the slide on show.
	LargeScale = 5.0
	// SmallScale is the scale every other slide is shrunk to.
	SmallScale = 0.0001
)

// ErrIndexOutOfRange is returned by SetIndex for an index outside the deck.
var ErrIndexOutOfRange = errors.New("slide index out of range")

// Owner gates interactions on the controller object.
type Owner interface {
	IsOwnedByLocal(id string) bool
	AcquireAsync(ctx context.Context, id string) *deferred.Deferred[bool]
}

// Display receives the visible state of a show.
type Display interface {
	SetScale(slide int, scale float64)
	SetIndex(index int)
}

// Counter is the state machine of one show. Its only state is Idle(index);
// transitions are instantaneous.
//
// Counter is not safe for concurrent use; the session loop drives it.
type Counter struct {
	controller string
	deck       Deck
	index      int

	owner   Owner
	display Display
}

// New creates a counter on slide 0 and shows it large.
func New(controller string, deck Deck, owner Owner, display Display) (*Counter, error) {
	if deck.Len() == 0 {
		return nil, ErrEmptyDeck
	}
	c := &Counter{
		controller: controller,
		deck:       deck,
		owner:      owner,
		display:    display,
	}
	c.Refresh()
	return c, nil
}

func (c *Counter) Controller() string { return c.controller }
func (c *Counter) Index() int         { return c.index }
func (c *Counter) Len() int           { return c.deck.Len() }
func (c *Counter) Deck() Deck         { return c.deck }

// Current returns the slide on show.
func (c *Counter) Current() Slide {
	return c.deck.Slides[c.index]
}

// Interact handles a user interaction on the show. The local participant
// advances the deck if it owns the controller or wins ownership of it;
// otherwise the event is ignored. The result resolves to whether the deck
// advanced and is cancelled if the controller is destroyed meanwhile.
func (c *Counter) Interact(ctx context.Context) *deferred.Deferred[bool] {
	if c.owner.IsOwnedByLocal(c.controller) {
		c.Advance()
		return deferred.ResolvedWith(true)
	}

	result := deferred.New[bool]()
	c.owner.AcquireAsync(ctx, c.controller).
		Then(func(won bool) {
			if won {
				c.Advance()
			}
			result.Resolve(won)
		}).
		OnCancel(func() { result.Cancel() })
	return result
}

// Advance moves to the next slide, wrapping after the last. Exactly two
// slides change scale.
func (c *Counter) Advance() int {
	next := (c.index + 1) % c.deck.Len()
	c.display.SetScale(c.index, SmallScale)
	c.display.SetScale(next, LargeScale)
	c.index = next
	c.display.SetIndex(next)
	return next
}

// Refresh recomputes every slide scale from the index. It runs after
// ownership, permission or pin changes and never touches ownership.
func (c *Counter) Refresh() {
	for i := 0; i < c.deck.Len(); i++ {
		scale := SmallScale
		if i == c.index {
			scale = LargeScale
		}
		c.display.SetScale(i, scale)
	}
}

// SetIndex mirrors an index replicated from a peer.
func (c *Counter) SetIndex(index int) error {
	if index < 0 || index >= c.deck.Len() {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, index, c.deck.Len())
	}
	if index == c.index {
		return nil
	}
	c.display.SetScale(c.index, SmallScale)
	c.display.SetScale(index, LargeScale)
	c.index = index
	return nil
}

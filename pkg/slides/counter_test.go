package slides

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heitortanoue/slidesync/pkg/deferred"
)

type scaleCall struct {
	slide int
	scale float64
}

// MockDisplay records what the counter shows.
type MockDisplay struct {
	scales map[int]float64
	calls  []scaleCall
	index  int
}

func NewMockDisplay() *MockDisplay {
	return &MockDisplay{scales: make(map[int]float64)}
}

func (m *MockDisplay) SetScale(slide int, scale float64) {
	m.scales[slide] = scale
	m.calls = append(m.calls, scaleCall{slide, scale})
}

func (m *MockDisplay) SetIndex(index int) { m.index = index }

func (m *MockDisplay) large() []int {
	var out []int
	for slide, scale := range m.scales {
		if scale == LargeScale {
			out = append(out, slide)
		}
	}
	return out
}

// MockOwner answers ownership questions from fixed values.
type MockOwner struct {
	owned    bool
	canClaim bool
	pending  *deferred.Deferred[bool]
	claims   int
}

func (m *MockOwner) IsOwnedByLocal(string) bool { return m.owned }

func (m *MockOwner) AcquireAsync(context.Context, string) *deferred.Deferred[bool] {
	m.claims++
	if m.pending != nil {
		return m.pending
	}
	if m.canClaim {
		m.owned = true
	}
	return deferred.ResolvedWith(m.canClaim)
}

func threeSlides() Deck {
	return FromSources("demo", "a.png", "b.png", "c.png")
}

func TestNew_RejectsEmptyDeck(t *testing.T) {
	_, err := New("ctl", Deck{}, &MockOwner{}, NewMockDisplay())
	assert.ErrorIs(t, err, ErrEmptyDeck)
}

func TestNew_InitialDisplay(t *testing.T) {
	display := NewMockDisplay()
	c, err := New("ctl", threeSlides(), &MockOwner{}, display)
	require.NoError(t, err)

	assert.Equal(t, 0, c.Index())
	assert.Equal(t, LargeScale, display.scales[0])
	assert.Equal(t, SmallScale, display.scales[1])
	assert.Equal(t, SmallScale, display.scales[2])
}

func TestCounter_OwnerVisitsOneTwoZero(t *testing.T) {
	display := NewMockDisplay()
	owner := &MockOwner{owned: true}
	c, err := New("ctl", threeSlides(), owner, display)
	require.NoError(t, err)

	var visited []int
	for i := 0; i < 3; i++ {
		display.calls = nil
		advanced, ok := c.Interact(context.Background()).Value()
		require.True(t, ok)
		require.True(t, advanced)

		visited = append(visited, c.Index())
		assert.Len(t, display.calls, 2, "exactly two slides mutate per transition")
		assert.Equal(t, []int{c.Index()}, display.large())
		assert.Equal(t, c.Index(), display.index)
	}

	assert.Equal(t, []int{1, 2, 0}, visited)
	assert.Zero(t, owner.claims, "the owner never arbitrates")
}

func TestCounter_RemoteOwnerIgnoresInteraction(t *testing.T) {
	display := NewMockDisplay()
	owner := &MockOwner{owned: false, canClaim: false}
	c, err := New("ctl", threeSlides(), owner, display)
	require.NoError(t, err)
	display.calls = nil

	advanced, ok := c.Interact(context.Background()).Value()
	require.True(t, ok)
	assert.False(t, advanced)

	assert.Equal(t, 0, c.Index())
	assert.Empty(t, display.calls, "no scale mutation after a failed acquisition")
	assert.Equal(t, 1, owner.claims)
}

func TestCounter_AcquiresThenAdvances(t *testing.T) {
	owner := &MockOwner{canClaim: true}
	c, err := New("ctl", threeSlides(), owner, NewMockDisplay())
	require.NoError(t, err)

	advanced, _ := c.Interact(context.Background()).Value()
	assert.True(t, advanced)
	assert.Equal(t, 1, c.Index())

	c.Interact(context.Background())
	assert.Equal(t, 1, owner.claims, "second interaction is by the owner")
	assert.Equal(t, 2, c.Index())
}

func TestCounter_PendingAcquisitionCancelled(t *testing.T) {
	pending := deferred.New[bool]()
	display := NewMockDisplay()
	c, err := New("ctl", threeSlides(), &MockOwner{pending: pending}, display)
	require.NoError(t, err)
	display.calls = nil

	result := c.Interact(context.Background())
	pending.Cancel()

	assert.Equal(t, deferred.Cancelled, result.State())
	assert.Equal(t, 0, c.Index())
	assert.Empty(t, display.calls)
}

func TestCounter_AdvanceWraps(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		srcs := make([]string, n)
		for i := range srcs {
			srcs[i] = "s"
		}
		c, err := New("ctl", FromSources("d", srcs...), &MockOwner{owned: true}, NewMockDisplay())
		require.NoError(t, err)
		require.NoError(t, c.SetIndex(n-1))

		assert.Equal(t, 0, c.Advance(), "N=%d", n)
	}
}

func TestCounter_SetIndexAndRefresh(t *testing.T) {
	display := NewMockDisplay()
	c, err := New("ctl", threeSlides(), &MockOwner{}, display)
	require.NoError(t, err)

	require.NoError(t, c.SetIndex(2))
	assert.Equal(t, []int{2}, display.large())

	assert.ErrorIs(t, c.SetIndex(3), ErrIndexOutOfRange)
	assert.ErrorIs(t, c.SetIndex(-1), ErrIndexOutOfRange)
	assert.Equal(t, 2, c.Index())

	display.scales = make(map[int]float64)
	c.Refresh()
	assert.Len(t, display.scales, 3)
	assert.Equal(t, []int{2}, display.large())
}

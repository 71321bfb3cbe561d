package crdt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exchange ships pending deltas both ways, the way the roster is gossiped.
func exchange(a, b *ORSet[string]) {
	da, db := a.TakeDelta(), b.TakeDelta()
	b.MergeDelta(da)
	a.MergeDelta(db)
}

func TestORSet_AddRemove(t *testing.T) {
	s := NewORSet[string]("A")

	s.Add("obj-1")
	assert.True(t, s.Contains("obj-1"))

	assert.True(t, s.Remove("obj-1"))
	assert.False(t, s.Contains("obj-1"))
	assert.False(t, s.Remove("obj-1"), "second remove has nothing to drop")
}

func TestORSet_AddWinsOverConcurrentRemove(t *testing.T) {
	a := NewORSet[string]("A")
	b := NewORSet[string]("B")

	a.Add("x")
	exchange(a, b)
	require.True(t, b.Contains("x"))

	// concurrent: A re-adds, B removes the dot it observed
	a.Add("x")
	b.Remove("x")
	exchange(a, b)

	assert.True(t, a.Contains("x"))
	assert.True(t, b.Contains("x"))
}

func TestORSet_RemoveWithoutConcurrentAdd(t *testing.T) {
	a := NewORSet[string]("A")
	b := NewORSet[string]("B")

	a.Add("x")
	exchange(a, b)

	b.Remove("x")
	exchange(a, b)

	assert.False(t, a.Contains("x"))
	assert.False(t, b.Contains("x"))
}

func TestORSet_MergeCommutative(t *testing.T) {
	a := NewORSet[string]("A")
	b := NewORSet[string]("B")
	a.Add("a")
	b.Add("b")

	left := NewORSet[string]("L")
	left.Merge(a)
	left.Merge(b)

	right := NewORSet[string]("R")
	right.Merge(b)
	right.Merge(a)

	assert.Equal(t, left.Elements(), right.Elements())
	assert.Equal(t, []string{"a", "b"}, left.Elements())
}

func TestORSet_MergeAssociative(t *testing.T) {
	a := NewORSet[string]("A")
	b := NewORSet[string]("B")
	c := NewORSet[string]("C")
	a.Add("1")
	b.Add("2")
	c.Add("3")

	ab := NewORSet[string]("AB")
	ab.Merge(a)
	ab.Merge(b)
	left := NewORSet[string]("L")
	left.Merge(ab)
	left.Merge(c)

	bc := NewORSet[string]("BC")
	bc.Merge(b)
	bc.Merge(c)
	right := NewORSet[string]("R")
	right.Merge(a)
	right.Merge(bc)

	assert.Equal(t, left.Elements(), right.Elements())
}

func TestORSet_MergeIdempotent(t *testing.T) {
	s := NewORSet[string]("A")
	s.Add("z")
	before := s.Elements()

	s.Merge(s)
	s.MergeDelta(s.State())

	assert.Equal(t, before, s.Elements())
}

func TestORSet_ReAddAfterRemove(t *testing.T) {
	s := NewORSet[string]("A")
	s.Add("go")
	s.Remove("go")
	s.Add("go")
	assert.True(t, s.Contains("go"))
	assert.Equal(t, 1, s.Len())
}

func TestORSet_OutOfOrderDeltas(t *testing.T) {
	a := NewORSet[string]("A")
	b := NewORSet[string]("B")

	a.Add("1")
	first := a.TakeDelta()
	a.Add("2")
	second := a.TakeDelta()

	b.MergeDelta(second)
	b.MergeDelta(first)
	assert.Equal(t, []string{"1", "2"}, b.Elements())

	a.Remove("1")
	b.MergeDelta(a.TakeDelta())
	assert.Equal(t, []string{"2"}, b.Elements())
}

func TestORSet_TakeDeltaClears(t *testing.T) {
	s := NewORSet[string]("A")
	assert.Nil(t, s.TakeDelta())

	s.Add("x")
	d := s.TakeDelta()
	require.NotNil(t, d)
	assert.False(t, d.Empty())
	assert.Nil(t, s.TakeDelta())
}

func TestKernel_JSONRoundTrip(t *testing.T) {
	s := NewORSet[string]("A")
	s.Add("keep")
	s.Add("drop")
	s.Remove("drop")

	data, err := json.Marshal(s.State())
	require.NoError(t, err)

	var k Kernel[string]
	require.NoError(t, json.Unmarshal(data, &k))

	// a stale copy still holding "drop" must lose it after the merge
	stale := NewORSet[string]("B")
	stale.core.Entries[Dot{Replica: "A", Seq: 2}] = "drop"
	stale.MergeDelta(&k)

	assert.Equal(t, []string{"keep"}, stale.Elements())
}

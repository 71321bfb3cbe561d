package crdt

import (
	"cmp"
	"encoding/json"
	"slices"
)

// Kernel is the live entries of a set together with the causal context
// that explains which entries were removed. It doubles as the delta format.
type Kernel[E cmp.Ordered] struct {
	Context *Context
	Entries map[Dot]E
}

// NewKernel creates an empty kernel.
func NewKernel[E cmp.Ordered]() *Kernel[E] {
	return &Kernel[E]{
		Context: NewContext(),
		Entries: make(map[Dot]E),
	}
}

// Empty reports whether the kernel carries neither entries nor history.
func (k *Kernel[E]) Empty() bool {
	return len(k.Entries) == 0 && len(k.Context.clock) == 0 && len(k.Context.cloud) == 0
}

// Merge joins other into k. Entries other has seen but no longer holds are
// removed; entries k has never seen are added.
func (k *Kernel[E]) Merge(other *Kernel[E]) {
	for d, v := range other.Entries {
		if _, ok := k.Entries[d]; !ok && !k.Context.Contains(d) {
			k.Entries[d] = v
		}
	}
	for d := range k.Entries {
		if _, ok := other.Entries[d]; !ok && other.Context.Contains(d) {
			delete(k.Entries, d)
		}
	}
	k.Context.Merge(other.Context)
}

// Clone returns a deep copy.
func (k *Kernel[E]) Clone() *Kernel[E] {
	out := &Kernel[E]{Context: k.Context.clone(), Entries: make(map[Dot]E, len(k.Entries))}
	for d, v := range k.Entries {
		out.Entries[d] = v
	}
	return out
}

type entryJSON[E cmp.Ordered] struct {
	Dot   Dot `json:"dot"`
	Value E   `json:"value"`
}

type kernelJSON[E cmp.Ordered] struct {
	Context *Context       `json:"context"`
	Entries []entryJSON[E] `json:"entries"`
}

// MarshalJSON implements json.Marshaler.
func (k *Kernel[E]) MarshalJSON() ([]byte, error) {
	out := kernelJSON[E]{Context: k.Context, Entries: make([]entryJSON[E], 0, len(k.Entries))}
	for d, v := range k.Entries {
		out.Entries = append(out.Entries, entryJSON[E]{Dot: d, Value: v})
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (k *Kernel[E]) UnmarshalJSON(data []byte) error {
	in := kernelJSON[E]{Context: NewContext()}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	k.Context = in.Context
	k.Entries = make(map[Dot]E, len(in.Entries))
	for _, e := range in.Entries {
		k.Entries[e.Dot] = e.Value
	}
	return nil
}

// ORSet is an add-wins observed-remove set. Local operations accumulate in a
// pending delta that the caller ships to peers with TakeDelta.
//
// ORSet is not safe for concurrent use; the session loop owns it.
type ORSet[E cmp.Ordered] struct {
	replica string
	core    *Kernel[E]
	delta   *Kernel[E]
}

// NewORSet creates an empty set whose local dots are issued for replica.
func NewORSet[E cmp.Ordered](replica string) *ORSet[E] {
	return &ORSet[E]{
		replica: replica,
		core:    NewKernel[E](),
	}
}

func (s *ORSet[E]) pending() *Kernel[E] {
	if s.delta == nil {
		s.delta = NewKernel[E]()
	}
	return s.delta
}

// Add inserts v under a fresh dot.
func (s *ORSet[E]) Add(v E) {
	d := s.core.Context.Next(s.replica)
	s.core.Entries[d] = v

	delta := s.pending()
	delta.Entries[d] = v
	delta.Context.Insert(d)
}

// Remove drops every observed occurrence of v. Concurrent adds that were
// not observed survive the merge.
func (s *ORSet[E]) Remove(v E) bool {
	removed := false
	for d, vv := range s.core.Entries {
		if vv != v {
			continue
		}
		delete(s.core.Entries, d)
		s.pending().Context.Insert(d)
		removed = true
	}
	return removed
}

// Contains reports whether v is in the set.
func (s *ORSet[E]) Contains(v E) bool {
	for _, vv := range s.core.Entries {
		if vv == v {
			return true
		}
	}
	return false
}

// Elements returns the distinct elements, sorted.
func (s *ORSet[E]) Elements() []E {
	seen := make(map[E]struct{}, len(s.core.Entries))
	out := make([]E, 0, len(s.core.Entries))
	for _, v := range s.core.Entries {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of distinct elements.
func (s *ORSet[E]) Len() int {
	return len(s.Elements())
}

// TakeDelta returns the operations accumulated since the last call, or nil.
func (s *ORSet[E]) TakeDelta() *Kernel[E] {
	d := s.delta
	s.delta = nil
	return d
}

// MergeDelta applies a delta or a full state received from a peer.
func (s *ORSet[E]) MergeDelta(k *Kernel[E]) {
	if k == nil {
		return
	}
	s.core.Merge(k)
}

// Merge joins the full state of another set.
func (s *ORSet[E]) Merge(other *ORSet[E]) {
	s.core.Merge(other.core)
}

// State returns a copy of the full state, suitable for late joiners.
func (s *ORSet[E]) State() *Kernel[E] {
	return s.core.Clone()
}

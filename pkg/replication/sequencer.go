package replication

import (
	"sync"
	"time"
)

// DefaultWindow is how many out-of-order updates a stream buffers before it
// gives up on the gap.
const DefaultWindow = 64

// DefaultGapTimeout is how long a stream waits for a missing update before
// Expire skips it.
const DefaultGapTimeout = 2 * time.Second

// StreamKey identifies the authoritative stream of one sender for one object.
type StreamKey struct {
	ObjectID string
	SenderID string
}

type stream struct {
	epoch    uint64
	next     uint64
	buffered map[uint64]Update
	// blockedSince is zero while nothing waits behind a gap
	blockedSince time.Time
}

// Released is an update a stream let go of after its gap expired.
type Released struct {
	SenderID string
	Update   Update
}

// Sequencer restores emission order per stream. A stream lives for one
// ownership epoch: the first update of an epoch sets its starting point,
// a newer epoch starts the stream over and older epochs are dropped.
// A gap is skipped when more than window updates wait behind it, or when
// Expire finds it older than the gap timeout.
type Sequencer struct {
	window     int
	gapTimeout time.Duration
	now        func() time.Time
	streams    map[StreamKey]*stream
	mutex      sync.Mutex
}

// NewSequencer creates a sequencer; window <= 0 uses DefaultWindow.
func NewSequencer(window int) *Sequencer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Sequencer{
		window:     window,
		gapTimeout: DefaultGapTimeout,
		now:        time.Now,
		streams:    make(map[StreamKey]*stream),
	}
}

// Push accepts one update and returns every update now deliverable, in
// order, plus the number of sequence numbers skipped over.
func (s *Sequencer) Push(senderID string, u Update) (ready []Update, skipped uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := StreamKey{ObjectID: u.ObjectID, SenderID: senderID}
	st, ok := s.streams[key]
	if ok && u.Epoch < st.epoch {
		return nil, 0
	}
	// New owner or restarted sender
	if !ok || u.Epoch > st.epoch {
		st = &stream{epoch: u.Epoch, next: u.Seq, buffered: make(map[uint64]Update)}
		s.streams[key] = st
	}
	if u.Seq < st.next {
		return nil, 0
	}
	st.buffered[u.Seq] = u

	ready = st.drain(ready)
	// Window full: give up on the gap
	for len(st.buffered) > s.window {
		skipped += st.skip()
		ready = st.drain(ready)
	}
	st.mark(s.now())
	return ready, skipped
}

// Expire skips the gaps that have been open longer than the gap timeout
// and returns what they held back, stream by stream.
func (s *Sequencer) Expire() (released []Released, skipped uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	for key, st := range s.streams {
		if st.blockedSince.IsZero() || now.Sub(st.blockedSince) < s.gapTimeout {
			continue
		}
		skipped += st.skip()
		for _, u := range st.drain(nil) {
			released = append(released, Released{SenderID: key.SenderID, Update: u})
		}
		st.blockedSince = time.Time{}
		st.mark(now)
	}
	return released, skipped
}

func (st *stream) drain(out []Update) []Update {
	for {
		u, ok := st.buffered[st.next]
		if !ok {
			return out
		}
		out = append(out, u)
		delete(st.buffered, st.next)
		st.next++
	}
}

// skip moves next to the lowest buffered update and returns the distance.
func (st *stream) skip() uint64 {
	lowest := st.lowest()
	n := lowest - st.next
	st.next = lowest
	return n
}

// mark starts the gap clock when updates are left waiting.
func (st *stream) mark(now time.Time) {
	switch {
	case len(st.buffered) == 0:
		st.blockedSince = time.Time{}
	case st.blockedSince.IsZero():
		st.blockedSince = now
	}
}

func (st *stream) lowest() uint64 {
	first := true
	var low uint64
	for seq := range st.buffered {
		if first || seq < low {
			low = seq
			first = false
		}
	}
	return low
}

// Forget drops every stream of an object.
func (s *Sequencer) Forget(objectID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for key := range s.streams {
		if key.ObjectID == objectID {
			delete(s.streams, key)
		}
	}
}

// Pending returns the number of buffered updates across all streams.
func (s *Sequencer) Pending() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	n := 0
	for _, st := range s.streams {
		n += len(st.buffered)
	}
	return n
}

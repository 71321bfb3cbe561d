package object

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

var (
	// ErrExists is returned when adding an object whose id is already stored.
	ErrExists = errors.New("object already exists")
	// ErrNotFound is returned when an object id is unknown.
	ErrNotFound = errors.New("object not found")
	// ErrNotNetworked is returned for an object whose network identity has
	// not resolved yet. Callers ignore the operation; it did not happen.
	ErrNotNetworked = errors.New("object not yet networked")
)

// Store holds the session's shared objects.
//
// Property mutations happen on the session loop. Ownership transfers may
// also land from a release in flight, and HTTP handlers read snapshots
// concurrently, hence the lock.
type Store struct {
	localID string

	objects map[string]*SharedObject

	mutex sync.RWMutex
}

// NewStore creates an empty store for the given local participant.
func NewStore(localID string) *Store {
	return &Store{
		localID: localID,
		objects: make(map[string]*SharedObject),
	}
}

// LocalID returns the local participant id.
func (s *Store) LocalID() string {
	return s.localID
}

// Add inserts a new object.
func (s *Store) Add(obj *SharedObject) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.objects[obj.ID]; exists {
		return ErrExists
	}
	s.objects[obj.ID] = obj

	slog.Debug("object added", "component", "store", "id", obj.ID, "template", obj.Template)
	return nil
}

// Remove deletes an object and returns its last state.
func (s *Store) Remove(id string) (Snapshot, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	obj, exists := s.objects[id]
	if !exists {
		return Snapshot{}, false
	}
	delete(s.objects, id)

	slog.Debug("object removed", "component", "store", "id", id)
	return obj.Snapshot(), true
}

// Contains reports whether the object exists.
func (s *Store) Contains(id string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	_, exists := s.objects[id]
	return exists
}

// View returns a copy of the object state.
func (s *Store) View(id string) (Snapshot, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	obj, exists := s.objects[id]
	if !exists {
		return Snapshot{}, false
	}
	return obj.Snapshot(), true
}

// Update runs fn on the stored object under the write lock.
// fn must not change ownership; Transfer is the only path for that.
func (s *Store) Update(id string, fn func(*SharedObject)) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	obj, exists := s.objects[id]
	if !exists {
		return false
	}
	owner, epoch := obj.owner, obj.epoch
	fn(obj)
	obj.owner, obj.epoch = owner, epoch
	return true
}

// Transfer records an ownership change decided by arbitration or received
// from the owner. It applies only when epoch is newer than the stored one.
func (s *Store) Transfer(id, owner string, epoch uint64) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	obj, exists := s.objects[id]
	if !exists || epoch <= obj.epoch {
		return false
	}
	obj.owner = owner
	obj.epoch = epoch
	return true
}

// ResolveNetworkID assigns the network identity once.
func (s *Store) ResolveNetworkID(id, networkID string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	obj, exists := s.objects[id]
	if !exists || obj.NetworkID != "" {
		return false
	}
	obj.NetworkID = networkID
	return true
}

// Owner returns the owner and epoch of an object.
func (s *Store) Owner(id string) (string, uint64, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	obj, exists := s.objects[id]
	if !exists {
		return "", 0, false
	}
	return obj.owner, obj.epoch, true
}

// IsOwnedByLocal reports whether the local participant owns the object.
func (s *Store) IsOwnedByLocal(id string) bool {
	owner, _, ok := s.Owner(id)
	return ok && owner != "" && owner == s.localID
}

// IDs returns all object ids in sorted order.
func (s *Store) IDs() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	ids := make([]string, 0, len(s.objects))
	for id := range s.objects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshots returns a copy of every object, sorted by id.
func (s *Store) Snapshots() []Snapshot {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	snaps := make([]Snapshot, 0, len(s.objects))
	for _, obj := range s.objects {
		snaps = append(snaps, obj.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	return snaps
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.objects)
}

// GetStats returns statistics about the store
func (s *Store) GetStats() map[string]interface{} {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	owned := 0
	networked := 0
	for _, obj := range s.objects {
		if obj.owner != "" && obj.owner == s.localID {
			owned++
		}
		if obj.NetworkID != "" {
			networked++
		}
	}

	return map[string]interface{}{
		"participant_id": s.localID,
		"objects":        len(s.objects),
		"owned_locally":  owned,
		"networked":      networked,
	}
}

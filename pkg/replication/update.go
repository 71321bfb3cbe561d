// Package replication turns local object state into updates for peers and
// applies the updates peers send.
package replication

import (
	"github.com/heitortanoue/slidesync/pkg/object"
)

// Class tells authoritative updates from predicted ones.
type Class string

const (
	Authoritative Class = "authoritative"
	Predicted     Class = "predicted"
)

// PropertyValue is one replicated property.
type PropertyValue struct {
	Key   string       `json:"key"`
	Value object.Value `json:"value"`
}

// Update is the set of changed properties of one class for one object.
//
// Authoritative updates carry the owner's epoch and a sequence number that
// grows by one per update the sender emits for the object. Timestamp is the
// emission time in nanoseconds and orders predicted updates.
type Update struct {
	ObjectID   string          `json:"object_id"`
	Class      Class           `json:"class"`
	Epoch      uint64          `json:"epoch,omitempty"`
	Seq        uint64          `json:"seq,omitempty"`
	Timestamp  int64           `json:"timestamp"`
	Properties []PropertyValue `json:"properties"`
}

package replication

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/heitortanoue/slidesync/pkg/crdt"
	"github.com/heitortanoue/slidesync/pkg/object"
	"github.com/heitortanoue/slidesync/pkg/ownership"
	"github.com/heitortanoue/slidesync/pkg/slides"
)

// Kind is the type of an envelope.
type Kind string

const (
	KindUpdate    Kind = "update"
	KindCreate    Kind = "create"
	KindDestroy   Kind = "destroy"
	KindOwnership Kind = "ownership"
)

// DefaultTTL is the hop budget of a new envelope.
const DefaultTTL = 4

// Show describes the objects that make up one slideshow: a controller that
// carries the cursor and one object per slide, in order.
type Show struct {
	Controller string      `json:"controller"`
	Slides     []string    `json:"slides"`
	Deck       slides.Deck `json:"deck"`
}

// Envelope is the unit exchanged between participants.
type Envelope struct {
	ID        uuid.UUID `json:"id"`
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id"`
	SenderID  string    `json:"sender_id"`
	TTL       int       `json:"ttl"`
	Timestamp int64     `json:"timestamp"`

	Updates   []Update             `json:"updates,omitempty"`
	Objects   []object.Snapshot    `json:"objects,omitempty"`
	Show      *Show                `json:"show,omitempty"`
	Destroyed []string             `json:"destroyed,omitempty"`
	Ownership *ownership.Change    `json:"ownership,omitempty"`
	Roster    *crdt.Kernel[string] `json:"roster,omitempty"`
}

// NewEnvelope creates an envelope with a fresh id.
func NewEnvelope(kind Kind, sessionID, senderID string) *Envelope {
	return &Envelope{
		ID:        uuid.New(),
		Kind:      kind,
		SessionID: sessionID,
		SenderID:  senderID,
		TTL:       DefaultTTL,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Forwarded returns a copy with one hop less.
func (e *Envelope) Forwarded() *Envelope {
	out := *e
	out.TTL--
	return &out
}

// Transport carries envelopes to the other participants of the session.
type Transport interface {
	Publish(ctx context.Context, env *Envelope) error
}

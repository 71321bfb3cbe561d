package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/heitortanoue/slidesync/pkg/replication"
)

// MemoryBus connects participants living in one process. Envelopes are
// copied through JSON so no participant shares memory with another.
type MemoryBus struct {
	handlers map[string]func(*replication.Envelope)
	mutex    sync.RWMutex
}

// NewMemoryBus creates a bus with no participants.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string]func(*replication.Envelope))}
}

// Attach registers the handler of a participant and returns its transport.
func (b *MemoryBus) Attach(participantID string, handler func(*replication.Envelope)) replication.Transport {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.handlers[participantID] = handler
	return &memoryEndpoint{bus: b, participantID: participantID}
}

// Detach removes a participant.
func (b *MemoryBus) Detach(participantID string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	delete(b.handlers, participantID)
}

type memoryEndpoint struct {
	bus           *MemoryBus
	participantID string
}

// Publish hands a copy of env to every other participant.
func (e *memoryEndpoint) Publish(ctx context.Context, env *replication.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("serialize envelope: %w", err)
	}

	e.bus.mutex.RLock()
	defer e.bus.mutex.RUnlock()
	for id, handler := range e.bus.handlers {
		if id == e.participantID {
			continue
		}
		var copied replication.Envelope
		if err := json.Unmarshal(payload, &copied); err != nil {
			return fmt.Errorf("copy envelope: %w", err)
		}
		handler(&copied)
	}
	return nil
}

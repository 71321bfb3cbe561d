// Package bus carries session envelopes over redis pub/sub: one channel
// per session, every participant subscribed.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/heitortanoue/slidesync/logging"
	"github.com/heitortanoue/slidesync/pkg/metrics"
	"github.com/heitortanoue/slidesync/pkg/replication"
)

// RedisBus is a replication.Transport backed by a redis channel.
type RedisBus struct {
	client        redis.UniversalClient
	channel       string
	participantID string

	logger  *logging.SessionLogger
	metrics *metrics.Metrics

	ready     chan struct{}
	readyOnce sync.Once
}

// NewRedisBus creates a bus on channel "slidesync:<session>:envelopes".
func NewRedisBus(client redis.UniversalClient, sessionID, participantID string, logger *logging.SessionLogger, m *metrics.Metrics) *RedisBus {
	if m == nil {
		m = metrics.New(nil)
	}
	return &RedisBus{
		client:        client,
		channel:       fmt.Sprintf("slidesync:%s:envelopes", sessionID),
		participantID: participantID,
		logger:        logger,
		metrics:       m,
		ready:         make(chan struct{}),
	}
}

// Channel returns the redis channel name.
func (b *RedisBus) Channel() string {
	return b.channel
}

// Publish sends env to every subscriber of the session channel.
func (b *RedisBus) Publish(ctx context.Context, env *replication.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("serialize envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}
	b.metrics.Envelopes.Increment("out", string(env.Kind))
	return nil
}

// Subscribed is closed once Run holds the subscription.
func (b *RedisBus) Subscribed() <-chan struct{} {
	return b.ready
}

// Run delivers envelopes published by other participants until ctx ends.
func (b *RedisBus) Run(ctx context.Context, handler func(*replication.Envelope)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.readyOnce.Do(func() { close(b.ready) })

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var env replication.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.LogError("decode envelope", err)
				continue
			}
			if env.SenderID == b.participantID {
				continue
			}
			b.metrics.Envelopes.Increment("in", string(env.Kind))
			handler(&env)
		}
	}
}

// Package gossip spreads envelopes to session peers with a bounded hop
// count, dropping the ones already seen.
package gossip

import (
	"context"
	"errors"
	"math/rand"
	"sync"

	"github.com/heitortanoue/slidesync/logging"
	"github.com/heitortanoue/slidesync/pkg/metrics"
	"github.com/heitortanoue/slidesync/pkg/replication"
)

// PeerGetter lists the base URLs of the other participants.
type PeerGetter interface {
	GetMemberURLs() []string
	Count() int
}

// Sender delivers one envelope to one peer.
type Sender interface {
	SendEnvelope(ctx context.Context, url string, env *replication.Envelope) error
}

// Handler receives envelopes that passed dedup.
type Handler func(env *replication.Envelope)

// Disseminator pushes envelopes to up to fanout random peers. Receivers
// deliver each envelope once and forward it while hops remain.
type Disseminator struct {
	participantID string
	fanout        int

	peers   PeerGetter
	sender  Sender
	cache   *DedupCache
	handler Handler

	logger  *logging.SessionLogger
	metrics *metrics.Metrics

	sentCount     int64
	receivedCount int64
	droppedCount  int64
	mutex         sync.RWMutex
}

// NewDisseminator creates a disseminator for the participant.
func NewDisseminator(participantID string, fanout int, peers PeerGetter, sender Sender, logger *logging.SessionLogger, m *metrics.Metrics) *Disseminator {
	if fanout <= 0 {
		fanout = 3
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Disseminator{
		participantID: participantID,
		fanout:        fanout,
		peers:         peers,
		sender:        sender,
		cache:         NewDedupCache(DefaultCacheSize),
		logger:        logger,
		metrics:       m,
	}
}

// SetHandler installs the receiver of delivered envelopes.
func (d *Disseminator) SetHandler(h Handler) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.handler = h
}

// Publish sends a local envelope. Its id is remembered so echoes from
// peers are dropped.
func (d *Disseminator) Publish(ctx context.Context, env *replication.Envelope) error {
	d.cache.Seen(env.ID)
	d.metrics.Envelopes.Increment("out", string(env.Kind))
	return d.forward(ctx, env)
}

// Receive handles an envelope posted by a peer: duplicates and expired
// envelopes are dropped, the rest is delivered and forwarded.
func (d *Disseminator) Receive(ctx context.Context, env *replication.Envelope) bool {
	d.mutex.Lock()
	d.receivedCount++
	handler := d.handler
	d.mutex.Unlock()

	// Dedup and TTL check
	if d.cache.Seen(env.ID) || env.TTL <= 0 {
		d.mutex.Lock()
		d.droppedCount++
		d.mutex.Unlock()
		return false
	}

	d.metrics.Envelopes.Increment("in", string(env.Kind))
	if handler != nil {
		handler(env)
	}

	// Decrement TTL and keep spreading
	if env.TTL > 1 {
		if err := d.forward(ctx, env.Forwarded()); err != nil {
			d.logger.LogError("forward envelope", err)
		}
	}
	return true
}

func (d *Disseminator) forward(ctx context.Context, env *replication.Envelope) error {
	peers := d.peers.GetMemberURLs()
	if len(peers) == 0 {
		return nil
	}

	// Limit to fanout random peers
	targets := selectRandomPeers(peers, d.fanout)

	var errs []error
	sent := 0
	for _, url := range targets {
		if err := d.sender.SendEnvelope(ctx, url, env); err != nil {
			d.logger.LogGossipSent(url, 1, false)
			errs = append(errs, err)
			continue
		}
		d.logger.LogGossipSent(url, 1, true)
		sent++
	}

	d.mutex.Lock()
	d.sentCount += int64(sent)
	d.mutex.Unlock()

	return errors.Join(errs...)
}

// selectRandomPeers picks up to count peers without repetition.
func selectRandomPeers(peers []string, count int) []string {
	if len(peers) <= count {
		return peers
	}
	// Copy so the caller's slice keeps its order
	shuffled := make([]string, len(peers))
	copy(shuffled, peers)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:count]
}

// GetStats returns dissemination statistics.
func (d *Disseminator) GetStats() map[string]interface{} {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	return map[string]interface{}{
		"fanout":         d.fanout,
		"sent_count":     d.sentCount,
		"received_count": d.receivedCount,
		"dropped_count":  d.droppedCount,
		"cache_size":     d.cache.Size(),
		"peer_count":     d.peers.Count(),
	}
}

package gossip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/heitortanoue/slidesync/pkg/replication"
)

// EnvelopePath is the peer endpoint envelopes are posted to.
const EnvelopePath = "/envelope"

// HTTPSender posts envelopes to peers as JSON.
type HTTPSender struct {
	client  *http.Client
	relayID string
}

// NewHTTPSender creates a sender that identifies itself as relayID.
func NewHTTPSender(relayID string, timeout time.Duration) *HTTPSender {
	return &HTTPSender{
		client:  &http.Client{Timeout: timeout},
		relayID: relayID,
	}
}

// SendEnvelope posts env to baseURL + EnvelopePath.
func (s *HTTPSender) SendEnvelope(ctx context.Context, baseURL string, env *replication.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("serialize envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+EnvelopePath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "slidesync-gossip/1.0")
	req.Header.Set("X-Envelope-Kind", string(env.Kind))
	req.Header.Set("X-Participant-ID", env.SenderID)
	req.Header.Set("X-Relay-ID", s.relayID)
	req.Header.Set("X-Session-ID", env.SessionID)
	req.Header.Set("X-Gossip-TTL", strconv.Itoa(env.TTL))
	req.Header.Set("X-Message-ID", env.ID.String())
	req.Header.Set("X-Timestamp", strconv.FormatInt(env.Timestamp, 10))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send envelope: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP status %d when sending envelope", resp.StatusCode)
	}
	return nil
}

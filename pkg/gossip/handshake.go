package gossip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// StatePath is the peer endpoint serving the full session state.
const StatePath = "/state"

// FetchState decodes a peer's session state into out.
func (s *HTTPSender) FetchState(ctx context.Context, baseURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+StatePath, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "slidesync-gossip/1.0")
	req.Header.Set("X-Relay-ID", s.relayID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("get state: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP status %d when fetching state", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	return nil
}

// RequestJoin asks the peers in order for the session state and stops at
// the first one that answers. It returns the peer that answered.
func (s *HTTPSender) RequestJoin(ctx context.Context, peers []string, out interface{}) (string, error) {
	if len(peers) == 0 {
		return "", errors.New("no peer to join")
	}
	var errs []error
	for _, peer := range peers {
		if err := s.FetchState(ctx, peer, out); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", peer, err))
			continue
		}
		return peer, nil
	}
	return "", errors.Join(errs...)
}

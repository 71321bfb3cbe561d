package gossip

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heitortanoue/slidesync/pkg/replication"
)

func TestHTTPSender_SendEnvelope(t *testing.T) {
	var got replication.Envelope
	var headers http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, EnvelopePath, r.URL.Path)
		headers = r.Header.Clone()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	env := replication.NewEnvelope(replication.KindDestroy, "demo", "bob")
	env.Destroyed = []string{"obj-1"}

	sender := NewHTTPSender("alice", time.Second)
	require.NoError(t, sender.SendEnvelope(context.Background(), server.URL, env))

	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, []string{"obj-1"}, got.Destroyed)
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, "bob", headers.Get("X-Participant-ID"))
	assert.Equal(t, "alice", headers.Get("X-Relay-ID"))
	assert.Equal(t, "destroy", headers.Get("X-Envelope-Kind"))
	assert.Equal(t, strconv.Itoa(env.TTL), headers.Get("X-Gossip-TTL"))
	assert.Equal(t, env.ID.String(), headers.Get("X-Message-ID"))
}

func TestHTTPSender_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	sender := NewHTTPSender("alice", time.Second)
	err := sender.SendEnvelope(context.Background(), server.URL, replication.NewEnvelope(replication.KindUpdate, "demo", "alice"))
	assert.ErrorContains(t, err, "503")
}

func TestHTTPSender_Unreachable(t *testing.T) {
	sender := NewHTTPSender("alice", 100*time.Millisecond)
	err := sender.SendEnvelope(context.Background(), "http://127.0.0.1:1", replication.NewEnvelope(replication.KindUpdate, "demo", "alice"))
	assert.Error(t, err)
}

package gossip

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stateFixture struct {
	SessionID string   `json:"session_id"`
	Objects   []string `json:"objects"`
}

func TestHTTPSender_FetchState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, StatePath, r.URL.Path)
		assert.Equal(t, "alice", r.Header.Get("X-Relay-ID"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"session_id":"demo","objects":["a","b"]}`))
	}))
	defer server.Close()

	var st stateFixture
	sender := NewHTTPSender("alice", time.Second)
	require.NoError(t, sender.FetchState(context.Background(), server.URL+"/", &st))
	assert.Equal(t, stateFixture{SessionID: "demo", Objects: []string{"a", "b"}}, st)
}

func TestHTTPSender_RequestJoinFallsBack(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"session_id":"demo"}`))
	}))
	defer up.Close()

	sender := NewHTTPSender("alice", time.Second)

	var st stateFixture
	peer, err := sender.RequestJoin(context.Background(), []string{down.URL, up.URL}, &st)
	require.NoError(t, err)
	assert.Equal(t, up.URL, peer)
	assert.Equal(t, "demo", st.SessionID)

	_, err = sender.RequestJoin(context.Background(), []string{down.URL}, &st)
	assert.ErrorContains(t, err, "HTTP status 503")

	_, err = sender.RequestJoin(context.Background(), nil, &st)
	assert.Error(t, err)
}

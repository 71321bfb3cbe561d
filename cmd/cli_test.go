package cmd

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heitortanoue/slidesync/internal/config"
)

const deckFixture = `name = "kickoff"

[[slide]]
title = "Welcome"
source = "https://example.org/deck/1.png"

[[slide]]
title = "Agenda"
source = "https://example.org/deck/2.png"
`

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func writeDeck(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deck.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestVersion(t *testing.T) {
	stdout, _, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", stdout)
}

func TestDeckValidate(t *testing.T) {
	stdout, _, err := executeCLI(t, "deck", "validate", writeDeck(t, deckFixture))
	require.NoError(t, err)
	assert.Equal(t, "deck \"kickoff\": 2 slides\n", stdout)
}

func TestDeckValidateRejectsEmptyDeck(t *testing.T) {
	_, _, err := executeCLI(t, "deck", "validate", writeDeck(t, `name = "empty"`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slide deck is empty")
}

func TestDeckLoad(t *testing.T) {
	var (
		gotBody        string
		gotContentType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/shows", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"controller":"ctrl-1","slides":["a","b"],"deck":"kickoff"}`))
	}))
	defer srv.Close()

	stdout, _, err := executeCLI(t, "deck", "load", "--url", srv.URL+"/", writeDeck(t, deckFixture))
	require.NoError(t, err)
	assert.Equal(t, "show ctrl-1: 2 slides\n", stdout)
	assert.Equal(t, deckFixture, gotBody)
	assert.Equal(t, "application/toml", gotContentType)
}

func TestDeckLoadReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, _, err := executeCLI(t, "deck", "load", "--url", srv.URL, writeDeck(t, deckFixture))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
}

func TestMergeFlags(t *testing.T) {
	serveCmd := newServeCmd()
	require.NoError(t, serveCmd.ParseFlags([]string{"--id", "carol", "--http-port", "9100", "--seed", "a:7946", "--seed", "b:7946"}))

	envCfg := config.DefaultConfig()
	envCfg.ParticipantID = "from-env"
	envCfg.SessionID = "room-1"

	flagCfg := config.DefaultConfig()
	flagCfg.ParticipantID = "carol"
	flagCfg.HTTPPort = 9100
	flagCfg.Seeds = []string{"a:7946", "b:7946"}
	flagCfg.SessionID = "ignored"

	merged := mergeFlags(serveCmd, envCfg, flagCfg)
	assert.Equal(t, "carol", merged.ParticipantID)
	assert.Equal(t, 9100, merged.HTTPPort)
	assert.Equal(t, []string{"a:7946", "b:7946"}, merged.Seeds)
	assert.Equal(t, "room-1", merged.SessionID, "unset flags keep the env value")
	assert.Equal(t, "from-env", envCfg.ParticipantID, "env config is not modified")
}

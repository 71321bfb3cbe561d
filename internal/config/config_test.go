package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heitortanoue/slidesync/pkg/schema"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 100*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, TransportGossip, cfg.Transport)
	assert.Equal(t, ArbiterMemory, cfg.Arbiter)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("SLIDESYNC_PARTICIPANT_ID", "bob")
	t.Setenv("SLIDESYNC_SESSION_ID", "room-7")
	t.Setenv("SLIDESYNC_HTTP_PORT", "9090")
	t.Setenv("SLIDESYNC_SEEDS", "10.0.0.1:7946,10.0.0.2:7946")
	t.Setenv("SLIDESYNC_TICK_INTERVAL", "250ms")
	t.Setenv("SLIDESYNC_TRANSPORT", "redis")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.ParticipantID)
	assert.Equal(t, "room-7", cfg.SessionID)
	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, []string{"10.0.0.1:7946", "10.0.0.2:7946"}, cfg.Seeds)
	assert.Equal(t, 250*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, TransportRedis, cfg.Transport)
	assert.Equal(t, 7946, cfg.GossipPort, "untouched fields keep their default")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing participant", func(c *Config) { c.ParticipantID = "" }},
		{"missing session", func(c *Config) { c.SessionID = "" }},
		{"bad http port", func(c *Config) { c.HTTPPort = 70000 }},
		{"bad gossip port", func(c *Config) { c.GossipPort = 0 }},
		{"zero tick", func(c *Config) { c.TickInterval = 0 }},
		{"unknown transport", func(c *Config) { c.Transport = "carrier-pigeon" }},
		{"unknown arbiter", func(c *Config) { c.Arbiter = "coin" }},
		{"redis without addr", func(c *Config) { c.Arbiter = ArbiterRedis; c.RedisAddr = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func writeTemplates(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "templates.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadTemplates_DefaultOnly(t *testing.T) {
	reg, err := LoadTemplates("")
	require.NoError(t, err)
	assert.Equal(t, []string{schema.DefaultTemplate}, reg.Names())
}

func TestLoadTemplates_FromFile(t *testing.T) {
	path := writeTemplates(t, `
[templates.whiteboard]
authoritative = [
  { key = "position", epsilon = 0.01 },
  { key = "scale", epsilon = 0.01 },
]
predicted = [{ key = "media-pager.index" }]
`)
	reg, err := LoadTemplates(path)
	require.NoError(t, err)
	assert.Equal(t, []string{schema.DefaultTemplate, "whiteboard"}, reg.Names())

	s, ok := reg.Schema("whiteboard")
	require.True(t, ok)
	require.Len(t, s.Authoritative, 2)
	assert.Equal(t, schema.KindPosition, s.Authoritative[0].Kind)
	assert.InDelta(t, 0.01, s.Authoritative[0].Epsilon, 1e-12)

	p, authoritative, ok := s.Lookup("media-pager.index")
	require.True(t, ok)
	assert.False(t, authoritative)
	assert.Equal(t, "index", p.Sub)
}

func TestLoadTemplates_Errors(t *testing.T) {
	_, err := LoadTemplates(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = LoadTemplates(writeTemplates(t, `
[templates.broken]
authoritative = [{ key = "teleport" }]
`))
	assert.ErrorIs(t, err, schema.ErrUnknownKind)

	_, err = LoadTemplates(writeTemplates(t, `
[templates.overlap]
authoritative = [{ key = "position" }]
predicted = [{ key = "position" }]
`))
	assert.ErrorIs(t, err, schema.ErrInvalidSchema)
}

// Package config holds the participant's process configuration and the
// template definitions it replicates.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	TransportGossip = "gossip"
	TransportRedis  = "redis"

	ArbiterMemory = "memory"
	ArbiterRedis  = "redis"
)

// Config is the process configuration of one participant.
type Config struct {
	// Identity
	ParticipantID string `env:"SLIDESYNC_PARTICIPANT_ID"`
	SessionID     string `env:"SLIDESYNC_SESSION_ID"`

	// Network
	BindAddr   string   `env:"SLIDESYNC_BIND_ADDR"`
	HTTPPort   int      `env:"SLIDESYNC_HTTP_PORT"`
	GossipPort int      `env:"SLIDESYNC_GOSSIP_PORT"` // memberlist
	Seeds      []string `env:"SLIDESYNC_SEEDS" envSeparator:","`
	JoinURL    string   `env:"SLIDESYNC_JOIN_URL"` // comma separated peers to fetch /state from at startup

	// Replication
	TickInterval       time.Duration `env:"SLIDESYNC_TICK_INTERVAL"`
	CheckpointInterval time.Duration `env:"SLIDESYNC_CHECKPOINT_INTERVAL"`
	Fanout             int           `env:"SLIDESYNC_FANOUT"`
	SendTimeout        time.Duration `env:"SLIDESYNC_SEND_TIMEOUT"`

	// Backends
	Transport string `env:"SLIDESYNC_TRANSPORT"`
	Arbiter   string `env:"SLIDESYNC_ARBITER"`
	RedisAddr string `env:"SLIDESYNC_REDIS_ADDR"`
	StoreDSN  string `env:"SLIDESYNC_STORE_DSN"` // sqlite path or postgres URL, empty disables

	TemplatesFile string `env:"SLIDESYNC_TEMPLATES"`
	OTELEndpoint  string `env:"SLIDESYNC_OTEL_ENDPOINT"`
	LogLevel      string `env:"LOG_LEVEL"`
}

// DefaultConfig returns the defaults for a local participant.
func DefaultConfig() *Config {
	return &Config{
		ParticipantID:      "participant-1",
		SessionID:          "default",
		BindAddr:           "0.0.0.0",
		HTTPPort:           8080,
		GossipPort:         7946,
		TickInterval:       100 * time.Millisecond,
		CheckpointInterval: 30 * time.Second,
		Fanout:             3,
		SendTimeout:        2 * time.Second,
		Transport:          TransportGossip,
		Arbiter:            ArbiterMemory,
		RedisAddr:          "localhost:6379",
		LogLevel:           "info",
	}
}

// Load returns the defaults overridden by SLIDESYNC_* variables.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the participant cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.ParticipantID == "" {
		errs = append(errs, errors.New("participant id is required"))
	}
	if c.SessionID == "" {
		errs = append(errs, errors.New("session id is required"))
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid http port %d", c.HTTPPort))
	}
	if c.Transport == TransportGossip && (c.GossipPort <= 0 || c.GossipPort > 65535) {
		errs = append(errs, fmt.Errorf("invalid gossip port %d", c.GossipPort))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("tick interval must be positive"))
	}
	switch c.Transport {
	case TransportGossip, TransportRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	switch c.Arbiter {
	case ArbiterMemory, ArbiterRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown arbiter %q", c.Arbiter))
	}
	if (c.Transport == TransportRedis || c.Arbiter == ArbiterRedis) && c.RedisAddr == "" {
		errs = append(errs, errors.New("redis address is required"))
	}
	return errors.Join(errs...)
}

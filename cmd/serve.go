package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/heitortanoue/slidesync/internal/config"
	"github.com/heitortanoue/slidesync/internal/telemetry"
	"github.com/heitortanoue/slidesync/logging"
	"github.com/heitortanoue/slidesync/pkg/bus"
	"github.com/heitortanoue/slidesync/pkg/gossip"
	"github.com/heitortanoue/slidesync/pkg/loader"
	"github.com/heitortanoue/slidesync/pkg/metrics"
	"github.com/heitortanoue/slidesync/pkg/network"
	"github.com/heitortanoue/slidesync/pkg/ownership"
	"github.com/heitortanoue/slidesync/pkg/replication"
	"github.com/heitortanoue/slidesync/pkg/session"
	"github.com/heitortanoue/slidesync/pkg/slides"
	"github.com/heitortanoue/slidesync/pkg/store"
	"github.com/heitortanoue/slidesync/swim"
)

const serviceName = "slidesync"

func newServeCmd() *cobra.Command {
	var decks []string
	cfg := config.DefaultConfig()

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a participant of a shared session",
		Long:  "serve joins the session, serves the HTTP API and replicates until interrupted. Flags override SLIDESYNC_* environment variables.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			envCfg, err := config.Load()
			if err != nil {
				return err
			}
			merged := mergeFlags(cmd, envCfg, cfg)
			if err := merged.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, merged, decks)
		},
	}

	flags := serveCmd.Flags()
	flags.StringVar(&cfg.ParticipantID, "id", cfg.ParticipantID, "Unique participant id")
	flags.StringVar(&cfg.SessionID, "session", cfg.SessionID, "Session id")
	flags.StringVar(&cfg.BindAddr, "bind", cfg.BindAddr, "Bind address")
	flags.IntVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "HTTP API port")
	flags.IntVar(&cfg.GossipPort, "gossip-port", cfg.GossipPort, "Membership port")
	flags.StringSliceVar(&cfg.Seeds, "seed", nil, "Membership seed address (repeatable)")
	flags.StringVar(&cfg.JoinURL, "join", "", "Peer base URL to fetch the session state from")
	flags.DurationVar(&cfg.TickInterval, "tick", cfg.TickInterval, "Replication tick interval")
	flags.IntVar(&cfg.Fanout, "fanout", cfg.Fanout, "Gossip fanout")
	flags.StringVar(&cfg.Transport, "transport", cfg.Transport, "Envelope transport: gossip or redis")
	flags.StringVar(&cfg.Arbiter, "arbiter", cfg.Arbiter, "Ownership arbiter: memory or redis")
	flags.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address")
	flags.StringVar(&cfg.StoreDSN, "store", "", "SQLite path or postgres URL for snapshots")
	flags.StringVar(&cfg.TemplatesFile, "templates", "", "TOML file with extra templates")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	flags.StringArrayVar(&decks, "deck", nil, "TOML deck to load at startup (repeatable)")
	return serveCmd
}

// mergeFlags applies the flags the user set on top of the env config.
func mergeFlags(cmd *cobra.Command, envCfg, flagCfg *config.Config) *config.Config {
	out := *envCfg
	set := func(name string, apply func()) {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
	set("id", func() { out.ParticipantID = flagCfg.ParticipantID })
	set("session", func() { out.SessionID = flagCfg.SessionID })
	set("bind", func() { out.BindAddr = flagCfg.BindAddr })
	set("http-port", func() { out.HTTPPort = flagCfg.HTTPPort })
	set("gossip-port", func() { out.GossipPort = flagCfg.GossipPort })
	set("seed", func() { out.Seeds = flagCfg.Seeds })
	set("join", func() { out.JoinURL = flagCfg.JoinURL })
	set("tick", func() { out.TickInterval = flagCfg.TickInterval })
	set("fanout", func() { out.Fanout = flagCfg.Fanout })
	set("transport", func() { out.Transport = flagCfg.Transport })
	set("arbiter", func() { out.Arbiter = flagCfg.Arbiter })
	set("redis", func() { out.RedisAddr = flagCfg.RedisAddr })
	set("store", func() { out.StoreDSN = flagCfg.StoreDSN })
	set("templates", func() { out.TemplatesFile = flagCfg.TemplatesFile })
	set("log-level", func() { out.LogLevel = flagCfg.LogLevel })
	return &out
}

func serve(ctx context.Context, cfg *config.Config, decks []string) error {
	logger := logging.SetDefaultLogger(serviceName, Version, cfg.LogLevel)
	sessLogger := logging.NewSessionLogger(cfg.ParticipantID, logger)

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.ParticipantID, cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flush traces", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	schemas, err := config.LoadTemplates(cfg.TemplatesFile)
	if err != nil {
		return err
	}
	defer schemas.Close()

	var redisClient redis.UniversalClient
	if cfg.Transport == config.TransportRedis || cfg.Arbiter == config.ArbiterRedis {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
	}

	var arbiter ownership.Arbiter = ownership.NewMemoryArbiter()
	if cfg.Arbiter == config.ArbiterRedis {
		arbiter = ownership.NewRedisArbiter(redisClient, cfg.SessionID)
	}

	var (
		transport    replication.Transport
		disseminator *gossip.Disseminator
		membership   *swim.MembershipManager
		redisBus     *bus.RedisBus
	)
	switch cfg.Transport {
	case config.TransportGossip:
		membership, err = swim.NewMembershipManager(swim.Config{
			ParticipantID: cfg.ParticipantID,
			SessionID:     cfg.SessionID,
			BindAddr:      cfg.BindAddr,
			BindPort:      cfg.GossipPort,
			HTTPPort:      cfg.HTTPPort,
			Seeds:         cfg.Seeds,
			Logger:        sessLogger,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := membership.Leave(); err != nil {
				logger.Warn("leave membership", "error", err)
			}
		}()
		sender := gossip.NewHTTPSender(cfg.ParticipantID, cfg.SendTimeout)
		disseminator = gossip.NewDisseminator(cfg.ParticipantID, cfg.Fanout, membership, sender, sessLogger, m)
		transport = disseminator
	case config.TransportRedis:
		redisBus = bus.NewRedisBus(redisClient, cfg.SessionID, cfg.ParticipantID, sessLogger, m)
		transport = redisBus
	}

	opts := []session.Option{
		session.WithLogger(sessLogger),
		session.WithMetrics(m),
		session.WithArbiter(arbiter),
	}
	var snapshots store.Store
	if cfg.StoreDSN != "" {
		snapshots, err = store.Open(ctx, cfg.StoreDSN, cfg.SessionID)
		if err != nil {
			return err
		}
		defer snapshots.Close()
		opts = append(opts, session.WithPersister(snapshots))
	}

	sess, err := session.New(session.Config{
		SessionID:     cfg.SessionID,
		ParticipantID: cfg.ParticipantID,
		TickInterval:  cfg.TickInterval,
	}, schemas, transport, opts...)
	if err != nil {
		return err
	}
	deliver := func(env *replication.Envelope) { sess.Deliver(env) }

	shows := loader.New(sess, loader.WithLogger(logger))
	serverOpts := []network.Option{
		network.WithPort(cfg.HTTPPort),
		network.WithLoader(shows),
		network.WithMetrics(registry),
	}
	if disseminator != nil {
		disseminator.SetHandler(deliver)
		serverOpts = append(serverOpts,
			network.WithReceiver(disseminator),
			network.WithStats("gossip", disseminator.GetStats),
			network.WithStats("membership", membership.GetStats))
	}
	server := network.NewServer(sess, serverOpts...)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return sess.Run(gCtx) })
	g.Go(func() error { return server.Serve(gCtx) })
	if redisBus != nil {
		g.Go(func() error { return redisBus.Run(gCtx, deliver) })
	}
	if snapshots != nil {
		g.Go(func() error { return checkpointLoop(gCtx, sess, cfg.CheckpointInterval) })
	}
	g.Go(func() error { return startup(gCtx, cfg, sess, snapshots, shows, decks) })

	logger.Info("participant started",
		"participant", cfg.ParticipantID,
		"session", cfg.SessionID,
		"http_port", cfg.HTTPPort,
		"transport", cfg.Transport,
		"arbiter", cfg.Arbiter)

	err = g.Wait()
	logger.Info("participant stopped", "participant", cfg.ParticipantID)
	return err
}

// startup restores saved state, catches up with a peer and loads the decks
// named on the command line, in that order.
func startup(ctx context.Context, cfg *config.Config, sess *session.Session, snapshots store.Store, shows *loader.Loader, decks []string) error {
	if snapshots != nil {
		objs, err := snapshots.Load(ctx)
		if err != nil {
			return fmt.Errorf("load snapshots: %w", err)
		}
		saved, err := snapshots.LoadShows(ctx)
		if err != nil {
			return fmt.Errorf("load shows: %w", err)
		}
		n, err := sess.Restore(ctx, objs, saved)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		slog.Info("session restored", "objects", n, "shows", len(saved))
	}

	if cfg.JoinURL != "" {
		var st session.State
		sender := gossip.NewHTTPSender(cfg.ParticipantID, cfg.SendTimeout)
		peer, err := sender.RequestJoin(ctx, strings.Split(cfg.JoinURL, ","), &st)
		if err != nil {
			slog.Warn("fetch session state", "peers", cfg.JoinURL, "error", err)
		} else if err := sess.Join(ctx, st); err != nil {
			return fmt.Errorf("join: %w", err)
		} else {
			slog.Info("joined session", "peer", peer, "objects", len(st.Objects))
		}
	}

	for _, path := range decks {
		deck, err := slides.LoadDeck(path)
		if err != nil {
			return err
		}
		if _, err := shows.Load(ctx, deck); err != nil {
			return err
		}
	}
	return nil
}

func checkpointLoop(ctx context.Context, sess *session.Session, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sess.Checkpoint(final); err != nil {
				slog.Warn("final checkpoint", "error", err)
			}
			return nil
		case <-ticker.C:
			if err := sess.Checkpoint(ctx); err != nil {
				slog.Warn("checkpoint", "error", err)
			}
		}
	}
}

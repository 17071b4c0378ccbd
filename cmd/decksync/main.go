package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/decksync/decksync/internal/bus"
	"github.com/decksync/decksync/internal/config"
	"github.com/decksync/decksync/internal/deck"
	"github.com/decksync/decksync/internal/gateway"
	"github.com/decksync/decksync/internal/store"
	"github.com/decksync/decksync/internal/surface"
	"github.com/decksync/decksync/internal/timeline"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(os.Getenv("DECKSYNC_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Info().
		Str("role", cfg.Engine.Role).
		Str("port", cfg.Server.Port).
		Bool("nats", cfg.NATS.Enabled).
		Msg("starting decksync engine")

	clock := clockwork.NewRealClock()
	timelineStore := timeline.NewStore(clock)

	// Snapshot persistence
	var snaps *store.Store
	if cfg.Engine.SnapshotPath != "" {
		snaps, err = store.Open(cfg.Engine.SnapshotPath, store.Options{
			BusyTimeout: 5 * time.Second,
		})
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Engine.SnapshotPath).Msg("failed to open snapshot store")
		}
		defer snaps.Close()
	}

	// Bus (optional)
	var publisher *bus.Publisher
	if cfg.NATS.Enabled {
		jsCfg := bus.DefaultJetStreamConfig()
		jsCfg.URL = cfg.NATS.URL
		publisher, err = bus.NewPublisher(jsCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer publisher.Close()
	}

	role := deck.RoleAuthority
	if cfg.Engine.Role == "replica" {
		role = deck.RoleReplica
	}

	// The gateway needs the engine for routing and the engine needs the
	// gateway for broadcasting; the fanout is filled in after both
	// exist, before any traffic flows.
	fanout := &deck.FanoutBroadcaster{}

	engineCfg := deck.EngineConfig{
		Role:      role,
		Clock:     clock,
		Factory:   surface.NewSimFactory(clock, nil),
		Broadcast: fanout,
	}
	if snaps != nil {
		engineCfg.Snapshots = snaps
	}
	if publisher != nil && role == deck.RoleReplica {
		engineCfg.Sender = publisher
	}

	engine := deck.NewEngine(timelineStore, engineCfg)
	cm := gateway.NewConnectionManager(gateway.DefaultConnectionConfig(), engine, engine, clock)

	*fanout = append(*fanout, cm)
	if publisher != nil && role == deck.RoleAuthority {
		*fanout = append(*fanout, publisher)
	}

	// Seed deck state from the last run.
	if snaps != nil {
		persisted, err := snaps.LoadSnapshots()
		if err != nil {
			log.Error().Err(err).Msg("failed to load snapshots; starting cold")
		} else {
			engine.Restore(persisted)
		}
	}

	server := setupServer(cfg, cm, engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go engine.Run(ctx)
	go cm.Start(ctx)

	// The bus consumer direction depends on the role: the authority
	// consumes forwarded commands, a replica consumes state broadcasts.
	if cfg.NATS.Enabled {
		var consCfg bus.ConsumerConfig
		if role == deck.RoleAuthority {
			consCfg = bus.DefaultCommandConsumerConfig("decksync-authority")
		} else {
			consCfg = bus.DefaultStateConsumerConfig("decksync-replica")
		}
		consCfg.URL = cfg.NATS.URL
		consumer, err := bus.NewConsumer(engine, consCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create bus consumer")
		}
		defer consumer.Stop()
		go func() {
			if err := consumer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("bus consumer failed")
			}
		}()
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()

	// Give coordinators time to tear surfaces down
	time.Sleep(1 * time.Second)

	log.Info().Msg("decksync shutdown complete")
}

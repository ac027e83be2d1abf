// Command platibus runs a standalone bus instance: it loads a YAML or TOML
// configuration, wires storage and security, starts the HTTP host, and
// keeps the configured subscriptions renewed until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	platibus "github.com/nickmkk/Platibus"
	"github.com/nickmkk/Platibus/diagnostics"
	"github.com/nickmkk/Platibus/httpapi"
	"github.com/nickmkk/Platibus/journal"
	"github.com/nickmkk/Platibus/message"
	"github.com/nickmkk/Platibus/queue"
	"github.com/nickmkk/Platibus/security"
	"github.com/nickmkk/Platibus/sqlitestore"
	"github.com/nickmkk/Platibus/subscription"
	"github.com/nickmkk/Platibus/transport"
)

const shutdownGrace = 15 * time.Second

func main() {
	configPath := flag.String("config", "platibus.yaml", "path to the configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		logger.Error("invalid configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	sink := diagnostics.NewSlogSink(logger)

	busOpts := []platibus.Option{
		platibus.WithLogger(logger),
		platibus.WithSink(sink),
		platibus.WithDefaultTTL(cfg.DefaultTTL()),
		platibus.WithOutboundOptions(queue.Options{
			ConcurrencyLimit: cfg.Outbound.ConcurrencyLimit,
			MaxAttempts:      cfg.Outbound.MaxAttempts,
			RetryDelay:       cfg.Outbound.RetryDelay(),
		}),
	}

	var subscriptionStore subscription.Store
	switch cfg.Storage.Driver {
	case "sqlite":
		db, err := sqlitestore.Open(ctx, cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("opening sqlite storage: %w", err)
		}
		defer db.Close()
		busOpts = append(busOpts,
			platibus.WithDurableStore(sqlitestore.NewQueueStore(db,
				sqlitestore.WithQueueStoreSink(sink),
				sqlitestore.WithQueueStoreLogger(logger))),
			platibus.WithJournal(sqlitestore.NewJournalStore(db)),
		)
		subscriptionStore = sqlitestore.NewSubscriptionStore(db)
	case "memory":
		busOpts = append(busOpts, platibus.WithJournal(journal.NewMemoryJournal()))
		subscriptionStore = subscription.NewMemoryStore()
	}
	if cfg.Storage.RedisURL != "" {
		redisStore, err := subscription.NewRedisStoreURL(cfg.Storage.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting subscription store to redis: %w", err)
		}
		defer redisStore.Close()
		subscriptionStore = redisStore
	}
	registry := subscription.NewRegistry(subscriptionStore, subscription.WithRegistryLogger(logger))
	busOpts = append(busOpts, platibus.WithRegistry(registry))

	if cfg.Security.SigningKey != "" {
		var jwtOpts []security.JWTOption
		if cfg.Security.Issuer != "" {
			jwtOpts = append(jwtOpts, security.WithIssuer(cfg.Security.Issuer))
		}
		tokens, err := security.NewJWTTokenService([]byte(cfg.Security.SigningKey), jwtOpts...)
		if err != nil {
			return fmt.Errorf("configuring token service: %w", err)
		}
		busOpts = append(busOpts, platibus.WithTokenService(tokens))
	}

	endpoints := make([]transport.Endpoint, 0, len(cfg.Endpoints))
	for _, epCfg := range cfg.Endpoints {
		var creds transport.Credentials
		switch {
		case epCfg.BearerToken != "":
			creds = transport.BearerToken{Token: epCfg.BearerToken}
		case epCfg.Username != "":
			creds = transport.BasicAuth{Username: epCfg.Username, Password: epCfg.Password}
		}
		ep, err := transport.NewEndpoint(epCfg.Name, epCfg.Address, creds)
		if err != nil {
			return fmt.Errorf("configuring endpoint %q: %w", epCfg.Name, err)
		}
		endpoints = append(endpoints, ep)
	}
	busOpts = append(busOpts, platibus.WithEndpoints(transport.NewEndpoints(endpoints...)))

	bus, err := platibus.New(cfg.BaseURI, busOpts...)
	if err != nil {
		return err
	}
	if cfg.AckUnhandled {
		if err := bus.HandleFallback(platibus.HandlerFunc(
			func(_ context.Context, msg message.Message, _ *security.Principal) error {
				logger.Info("acknowledging unhandled message",
					"messageId", msg.ID(), "messageName", msg.Headers().MessageName())
				return nil
			})); err != nil {
			return err
		}
	}

	if err := bus.Init(ctx); err != nil {
		return fmt.Errorf("initializing bus: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := bus.Shutdown(shutdownCtx); err != nil {
			logger.Error("bus shutdown failed", "error", err)
		}
	}()

	if cfg.Sweep.Enabled {
		sweeper, err := subscription.NewSweeper(registry, cfg.Sweep.Schedule, logger)
		if err != nil {
			return fmt.Errorf("configuring subscription sweeper: %w", err)
		}
		sweeper.Start()
		defer sweeper.Stop()
	}

	for _, sub := range cfg.Subscriptions {
		ttl := time.Duration(sub.TTLSeconds) * time.Second
		if err := bus.Subscribe(sub.Endpoint, sub.Topic, ttl); err != nil {
			return fmt.Errorf("subscribing to %q at %q: %w", sub.Topic, sub.Endpoint, err)
		}
	}

	server := &http.Server{
		Addr: cfg.Listen,
		Handler: httpapi.NewServer(bus,
			httpapi.WithRegistry(registry),
			httpapi.WithJournal(bus.Journal()),
			httpapi.WithTokenService(bus.TokenService()),
			httpapi.WithLogger(logger),
		).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("platibus listening", "addr", cfg.Listen, "baseUri", cfg.BaseURI)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("stopping http host: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http host failed: %w", err)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/pairchat/internal/api"
	"github.com/npezzotti/pairchat/internal/broker"
	"github.com/npezzotti/pairchat/internal/config"
	"github.com/npezzotti/pairchat/internal/database"
	"github.com/npezzotti/pairchat/internal/logging"
	"github.com/npezzotti/pairchat/internal/presence"
	"github.com/npezzotti/pairchat/internal/server"
	"github.com/npezzotti/pairchat/internal/stats"
	"github.com/npezzotti/pairchat/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const (
	presenceTTL     = 24 * time.Hour
	shutdownTimeout = 10 * time.Second
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the relay that routes events between connected users",
	RunE:  runRelay,
}

func init() {
	flags := relayCmd.Flags()
	flags.String("addr", "localhost:8000", "server address")
	flags.String("dsn", "", "postgres connection string; messages are kept in memory only when empty")
	flags.StringSlice("allowed-origins", nil, "comma-separated list of allowed origins for CORS")
	flags.String("redis-addr", "", "redis address for shared presence; presence is kept in memory when empty")
	flags.String("redis-password", "", "redis password")
	flags.Int("redis-db", 0, "redis database")
	flags.String("redis-prefix", "pairchat", "prefix of the redis presence keys")
	flags.StringSlice("kafka-brokers", nil, "kafka brokers receiving relayed messages")
	flags.String("kafka-topic", "pairchat.messages", "kafka topic for relayed messages")
	flags.Float64("rate-limit", 20, "inbound frames per second allowed per connection")
	flags.Int("rate-burst", 40, "inbound frame burst allowed per connection")
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewRelayConfig(v)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		storeOpts []store.Option
		db        api.Pinger
	)
	if cfg.DatabaseDSN != "" {
		repo, err := database.NewPgMessageRepository(cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("db open: %w", err)
		}
		defer func() {
			if err := repo.Close(); err != nil {
				logger.Errorf("db close: %v", err)
			}
		}()

		if err := repo.Migrate(); err != nil {
			return fmt.Errorf("db migrate: %w", err)
		}

		storeOpts = append(storeOpts, store.WithPersister(repo))
		db = repo
	}

	messageStore := store.NewMessageStore(logger, storeOpts...)
	if _, err := messageStore.Restore(ctx); err != nil {
		return fmt.Errorf("restore messages: %w", err)
	}

	var tracker presence.Tracker = presence.NewMemoryTracker()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		tracker = presence.NewRedisTracker(rdb, cfg.RedisPrefix, presenceTTL)
	}

	var sink broker.MessageSink = broker.NopSink{}
	if len(cfg.KafkaBrokers) > 0 {
		sink = broker.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		logger.Infof("streaming relayed messages to %s", cfg.KafkaTopic)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Errorf("close message sink: %v", err)
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	defer statsUpdater.Stop()

	chatServer, err := server.NewChatServer(logger, messageStore, tracker, sink, statsUpdater, server.Options{
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
	})
	if err != nil {
		return fmt.Errorf("new chat server: %w", err)
	}

	app := api.NewRelayApp(mux, logger, chatServer, messageStore, tracker, db, cfg)

	statsUpdater.Run()
	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}

	logger.Info("shutting down chat server...")
	if err := chatServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("chat server shutdown: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

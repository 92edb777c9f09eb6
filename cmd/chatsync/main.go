package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"chat_sync/internal/config"
	"chat_sync/internal/domain"
	"chat_sync/internal/metrics"
	"chat_sync/internal/realtime"
	"chat_sync/internal/repository"
	"chat_sync/internal/store"
	"chat_sync/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := logger.New(cfg.Log.Level)

	userID := os.Getenv("SYNC_USER_ID")
	if userID == "" {
		appLogger.Fatal("SYNC_USER_ID must be set")
	}

	dbPool, err := pgxpool.New(context.Background(), cfg.Database.DSN)
	if err != nil {
		appLogger.Fatal("Failed to connect to database", "error", err)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(context.Background()); err != nil {
		appLogger.Fatal("Failed to ping database", "error", err)
	}
	appLogger.Info("Database connection established")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	transport, err := buildTransport(cfg, rdb, userID, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to open realtime transport", "error", err)
	}
	defer transport.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	repos := repository.NewRepositories(dbPool, appLogger)

	conversations := store.NewConversationStore(repos.Conversations, appLogger)
	messages := store.NewMessageStore(repos.Messages, repos.Conversations, appLogger)

	manager := realtime.NewManager(transport, repos.Messages, repos.Profiles, messages, realtime.ManagerOptions{
		SubscribeTimeout: cfg.Realtime.SubscribeTimeout,
		PollInterval:     cfg.Realtime.PollInterval,
	}, appLogger, m)
	defer manager.Close()

	typing := realtime.NewTypingTracker(transport, cfg.Realtime.TypingTTL, appLogger, m)
	defer typing.Close()

	presence := realtime.NewPresenceTracker(transport, userID, appLogger)

	messages.SetOnChange(func(id domain.ConversationID) {
		appLogger.Debug("Messages changed", "conversation_id", id.String())
	})
	messages.SetOnUnsend(func(id domain.ConversationID) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		conversations.Refresh(ctx, userID)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := presence.Start(ctx); err != nil {
		appLogger.Warn("Presence unavailable", "error", err)
	}
	defer presence.Stop()

	summaries, err := conversations.Load(ctx, userID)
	cancel()
	if err != nil {
		appLogger.Fatal("Failed to load conversations", "error", err)
	}
	appLogger.Info("Conversations loaded", "count", len(summaries), "mode", manager.Mode().String())

	for _, summary := range summaries {
		manager.Subscribe(summary.ID)
		typing.Subscribe(summary.ID, userID)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down", "mode", manager.Mode().String())
	for _, summary := range summaries {
		typing.Unsubscribe(summary.ID)
		manager.Unsubscribe(summary.ID)
	}
}

func buildTransport(cfg *config.Config, rdb *redis.Client, userID string, appLogger logger.Logger) (realtime.Transport, error) {
	if cfg.Realtime.Transport == "redis" {
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return nil, err
		}
		appLogger.Info("Redis connection established")
		return realtime.NewRedisTransport(rdb, cfg.Realtime.PresenceTTL, appLogger), nil
	}

	token, err := realtime.MintToken(cfg.Realtime.JWTSecret, userID, time.Hour)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return realtime.NewWSTransport(ctx, cfg.Realtime.GatewayURL, token, appLogger)
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relaymsg/accountd/internal/cache"
	"github.com/relaymsg/accountd/internal/client"
	"github.com/relaymsg/accountd/internal/db"
	"github.com/relaymsg/accountd/internal/directory"
	"github.com/relaymsg/accountd/internal/httpapi"
	"github.com/relaymsg/accountd/internal/service/accounts"
	"github.com/relaymsg/accountd/internal/store"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "accountd").Logger()

	// Pretty logging for local dev
	if env("ENV", "dev") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()

	// Database connection
	pgURL := env("DATABASE_URL", "")
	if pgURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}

	if err := db.Migrate(pgURL); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	pool, err := db.Open(ctx, pgURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	redisAddr := env("REDIS_ADDR", "")
	if redisAddr == "" {
		log.Fatal().Msg("REDIS_ADDR is required")
	}
	rdb, err := db.OpenRedis(ctx, redisAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rdb.Close()

	tombstoneTTL := store.DefaultTombstoneTTL
	if v := env("DELETED_ACCOUNT_TTL", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid DELETED_ACCOUNT_TTL")
		}
		tombstoneTTL = d
	}

	manager := accounts.NewManager(accounts.Deps{
		Accounts:          store.NewAccounts(pool),
		PNIs:              store.NewPhoneNumberIdentifiers(pool),
		Cache:             cache.NewAccountCache(rdb),
		DeletedAccounts:   store.NewDeletedAccounts(pool, tombstoneTTL),
		DirectoryQueue:    directory.NewQueue(rdb),
		Keys:              store.NewKeys(pool),
		Messages:          store.NewMessages(pool),
		Profiles:          store.NewProfiles(pool),
		ReservedUsernames: store.NewReservedUsernames(pool),
		PendingAccounts:   store.NewPendingAccounts(pool),
		SecureStorage:     client.NewSecureStorage(env("SECURE_STORAGE_URL", "http://localhost:8180")),
		SecureBackup:      client.NewSecureBackup(env("SECURE_BACKUP_URL", "http://localhost:8181")),
		Presence:          cache.NewPresenceManager(rdb),
	})

	// HTTP server setup
	srv := &httpapi.Server{Accounts: manager}

	httpAddr := env("HTTP_ADDR", ":8081")
	httpServer := &http.Server{
		Addr:         httpAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", httpAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}

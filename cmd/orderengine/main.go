// Order Fulfillment Engine - B2B wholesale ordering core.
//
// Architecture: Ingress -> TxRunner -> {Stock, Credit, OrderState, Decision}
// - Ingress accepts idempotent commands and dispatches them to handlers
// - Every handler write runs inside TxRunner's serializable transactions
// - Decision awards orders to wholesalers ranked by Scoring
// - Workers recover from timeouts and reconcile the credit ledger
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fulfillnet/orderengine/internal/config"
	"github.com/fulfillnet/orderengine/internal/decision"
	"github.com/fulfillnet/orderengine/internal/events"
	"github.com/fulfillnet/orderengine/internal/flags"
	"github.com/fulfillnet/orderengine/internal/idempotency"
	"github.com/fulfillnet/orderengine/internal/ingress"
	"github.com/fulfillnet/orderengine/internal/store"
	"github.com/fulfillnet/orderengine/internal/txrunner"
	"github.com/fulfillnet/orderengine/internal/workers"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Str("version", version).Msg("order fulfillment engine starting")

	db, err := store.Open(cfg.DBURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}

	runner := txrunner.New(db.DB, cfg.TransactionMaxRetries, cfg.TransactionTimeout)
	publisher := events.New(cfg.RedisURL)
	engine := decision.New(runner, publisher)
	idemp := idempotency.New(db.DB)
	flagCache := flags.New(db.DB)
	// handler is the framework-agnostic command API (§6); wiring it to a
	// transport (HTTP, queue consumer, ...) is an explicit Non-goal here and
	// left to the deployment that embeds this engine.
	handler := ingress.New(runner, idemp, engine, flagCache, cfg.IdempotencyTTL)
	_ = handler

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := flagCache.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start launch-control flag cache")
	}

	scheduler := workers.New(db.DB, runner, engine, idemp, cfg)
	if err := scheduler.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start workers")
	}

	log.Info().Msg("all services started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	scheduler.Stop(shutdownCtx)
	flagCache.Stop()
	cancel()

	if err := publisher.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing event publisher")
	}
	if err := db.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing store")
	}

	log.Info().Msg("shutdown complete")
}

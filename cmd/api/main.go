package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradepost/settlement/internal/api"
	"github.com/tradepost/settlement/internal/cart"
	"github.com/tradepost/settlement/internal/config"
	"github.com/tradepost/settlement/internal/engine"
	"github.com/tradepost/settlement/internal/fulfillment"
	"github.com/tradepost/settlement/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.DBSource, cfg.LockTimeout)
	if err != nil {
		logger.Fatal("database connect failed", zap.Error(err))
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}

	policy := fulfillment.RetryPolicy{
		MaxAttempts: cfg.EnqueueMaxAttempts,
		BaseBackoff: cfg.EnqueueBackoffMin,
		MaxBackoff:  cfg.EnqueueBackoffMax,
	}
	gateway := fulfillment.NewKafkaGateway(cfg.KafkaBrokers, cfg.JobsTopic, policy, logger)

	var price engine.PriceFunc
	if cfg.InstantSellQuote.GreaterThan(decimal.Zero) {
		price = engine.FlatPrice(cfg.InstantSellQuote)
		logger.Info("instant sell enabled", zap.String("quote", cfg.InstantSellQuote.String()))
	}

	carts := cart.NewManager()
	eng := engine.New(st, gateway, carts, price, nil, engine.Config{FeeRate: cfg.FeeRate}, logger)

	consumer := fulfillment.NewOutcomeConsumer(cfg.KafkaBrokers, cfg.OutcomesTopic, cfg.ConsumerGroup, eng, logger)
	go func() {
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("outcome consumer stopped", zap.Error(err))
		}
	}()

	handler := api.NewHandler(eng, carts, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Env == "development" {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	if err := zcfg.Level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, err
	}
	return zcfg.Build()
}

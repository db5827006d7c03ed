package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/pubgate/pubgate/internal/auth"
	"github.com/pubgate/pubgate/internal/cluster"
	"github.com/pubgate/pubgate/internal/config"
	"github.com/pubgate/pubgate/internal/gateway"
	"github.com/pubgate/pubgate/internal/logging"
)

func main() {
	bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.NodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			bootLogger.Fatal().Err(err).Msg("Failed to resolve hostname for node id")
		}
		cfg.NodeID = hostname
	}

	logger := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state, err := cluster.NewRedisState(ctx, cluster.RedisConfig{
		Addr:              cfg.RedisAddr,
		Password:          cfg.RedisPassword,
		DB:                cfg.RedisDB,
		Prefix:            cfg.RedisPrefix,
		NodeID:            cfg.NodeID,
		TTL:               cfg.StateTTL,
		OfflineMessageTTL: cfg.OfflineMessageTTL,
		OfflineMessageMax: cfg.OfflineMessageMax,
		MetricsRetention:  cfg.MetricsRetention,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Failed to connect to cluster state")
	}
	defer state.Close()

	var provider auth.Provider
	switch cfg.AuthProvider {
	case "session":
		provider = auth.NewSessionProvider(state, true)
	default:
		provider = auth.NewTokenProvider(cfg.AuthSecret)
	}

	server, err := gateway.NewServer(gateway.Options{
		Config:   cfg,
		Logger:   logger,
		State:    state,
		Provider: provider,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create gateway server")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Signal received, shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Fatal().Err(err).Msg("Gateway server failed")
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Shutdown finished with errors")
	}
}

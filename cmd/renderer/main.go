package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/componentry/relay/internal/config"
	"github.com/componentry/relay/internal/logging"
	"github.com/componentry/relay/internal/relay"
	"github.com/componentry/relay/internal/renderer"
)

func main() {
	cfg, err := config.LoadRenderer()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck
	logger = logger.Named("renderer")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	display := renderer.New(cfg.TTL, os.Stdout, logger)
	defer display.Close()

	client := relay.NewClient(relay.ClientOptions{
		URL:            cfg.DaemonURL,
		Topic:          cfg.Topic,
		Handler:        display.Show,
		ReconnectBase:  cfg.ReconnectBase,
		ReconnectLimit: cfg.ReconnectLimit,
		Logger:         logger,
		OnGiveUp: func(err error) {
			logger.Error("daemon connection abandoned", zap.Error(err))
			stop()
		},
	})
	if err := client.Connect(ctx); err != nil {
		logger.Fatal("connect failed", zap.Error(err))
	}

	logger.Info("renderer started",
		zap.String("daemon", cfg.DaemonURL), zap.String("topic", cfg.Topic))

	<-ctx.Done()
	client.Disconnect()
}

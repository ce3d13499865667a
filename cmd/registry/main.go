package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/componentry/relay/internal/bridge"
	"github.com/componentry/relay/internal/broker"
	"github.com/componentry/relay/internal/config"
	"github.com/componentry/relay/internal/ingress"
	"github.com/componentry/relay/internal/logging"
	"github.com/componentry/relay/internal/metrics"
	"github.com/componentry/relay/internal/middleware"
	"github.com/componentry/relay/internal/relay"
)

func main() {
	cfg, err := config.LoadRegistry()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck
	logger = logger.Named("registry")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()

	b := broker.New(broker.Options{
		QueueSize:    cfg.QueueSize,
		HistoryLimit: cfg.HistoryLimit,
		Logger:       logger,
		Metrics:      reg,
	})
	defer b.Close()

	// Optional Kafka bridge: mirrors published events out and, when
	// enabled, ingests externally produced events.
	if len(cfg.KafkaBrokers) > 0 {
		kb, err := bridge.NewKafka(bridge.KafkaConfig{
			Brokers:       cfg.KafkaBrokers,
			Topic:         cfg.KafkaTopic,
			ConsumerGroup: cfg.KafkaConsumerGroup,
			Ingest:        cfg.KafkaIngest,
		}, b, cfg.Topic, logger)
		if err != nil {
			logger.Fatal("kafka bridge setup failed", zap.Error(err))
		}
		kb.Start(ctx)
		defer kb.Close() //nolint:errcheck
	}

	relaySrv := relay.NewServer(relay.ServerOptions{
		Broker:         b,
		IdleTimeout:    cfg.IdleTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
		Metrics:        reg,
	})
	defer relaySrv.Close()

	r := mux.NewRouter()
	r.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	ingress.New(b, cfg.Topic, logger).RegisterRoutes(r)
	relaySrv.RegisterRoutes(r)
	r.Handle("/metrics", reg.Handler()).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        r,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("registry listening",
			zap.String("addr", srv.Addr), zap.String("topic", cfg.Topic))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("registry failed", zap.Error(err))
	}
}

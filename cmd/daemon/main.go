package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/componentry/relay/internal/broker"
	"github.com/componentry/relay/internal/config"
	"github.com/componentry/relay/internal/daemon"
	"github.com/componentry/relay/internal/logging"
	"github.com/componentry/relay/internal/metrics"
	"github.com/componentry/relay/internal/relay"
)

func main() {
	cfg, err := config.LoadDaemon()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck
	logger = logger.Named("daemon")

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

	d := daemon.New(daemon.Options{
		Broker: b,
		Topic:  cfg.Topic,
		Logger: logger,
		Client: relay.ClientOptions{
			URL:            cfg.RegistryURL,
			Topic:          cfg.Topic,
			ReconnectBase:  cfg.ReconnectBase,
			ReconnectLimit: cfg.ReconnectLimit,
			Logger:         logger,
			Metrics:        reg,
			OnGiveUp: func(err error) {
				logger.Error("upstream connection abandoned", zap.Error(err))
				stop()
			},
		},
	})
	if err := d.Start(ctx); err != nil {
		logger.Fatal("daemon start failed", zap.Error(err))
	}
	defer d.Stop()

	relaySrv := relay.NewServer(relay.ServerOptions{
		Broker:         b,
		IdleTimeout:    cfg.IdleTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
		Metrics:        reg,
	})
	defer relaySrv.Close()

	r := mux.NewRouter()
	relaySrv.RegisterRoutes(r)
	r.Handle("/metrics", reg.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"status":   "ok",
			"upstream": d.Client().State().String(),
			"received": d.Received(),
			"sessions": relaySrv.SessionCount(),
		})
	}).Methods(http.MethodGet)

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
		logger.Info("daemon listening",
			zap.String("addr", srv.Addr), zap.String("upstream", cfg.RegistryURL))
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
		logger.Fatal("daemon failed", zap.Error(err))
	}
}

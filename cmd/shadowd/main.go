// cmd/shadowd/main.go
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/shadowsync/shadowd/pkg/api"
	"github.com/shadowsync/shadowd/pkg/command"
	"github.com/shadowsync/shadowd/pkg/config"
	"github.com/shadowsync/shadowd/pkg/hub"
	"github.com/shadowsync/shadowd/pkg/ingest"
	"github.com/shadowsync/shadowd/pkg/persistence"
	"github.com/shadowsync/shadowd/pkg/reconcile"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	log.Info("starting device shadow synchronization service")

	// --- Persistence ---
	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var store persistence.Store
	if cfg.Database.DSN != "" {
		pgStore, err := persistence.NewPostgresStore(initCtx, cfg.Database.DSN, log)
		if err != nil {
			log.WithError(err).Fatal("failed to initialize database connection")
		}
		store = pgStore
	} else {
		log.Warn("DATABASE_DSN not set, using in-memory store (state is not durable)")
		store = persistence.NewMemoryStore()
	}
	defer store.Close()

	// --- Core components ---
	events := hub.New(cfg.Hub.Buffer, log)
	defer events.Close()

	var mqttBridge *ingest.Service
	var sender command.Sender
	if cfg.MQTT.Enabled {
		mqttBridge = ingest.New(ingest.Options{
			Broker:       cfg.MQTT.Broker,
			ClientID:     cfg.MQTT.ClientID,
			ReportTopic:  cfg.MQTT.ReportTopic,
			CommandTopic: cfg.MQTT.CommandTopic,
		}, log)
		sender = mqttBridge
	} else {
		log.Warn("mqtt disabled, outbound commands are logged and dropped")
		sender = command.SenderFunc(func(_ context.Context, deviceID, capability string, value interface{}) error {
			log.WithFields(logrus.Fields{
				"deviceId":   deviceID,
				"capability": capability,
				"value":      value,
			}).Info("command (no transport configured)")
			return nil
		})
	}

	dispatcher := command.New(sender, events, command.Config{
		Timeout:       cfg.Command.TimeoutDuration(),
		MaxAttempts:   cfg.Command.MaxAttempts,
		RetryInterval: cfg.Command.RetryIntervalDuration(),
	}, log)
	defer dispatcher.Close()

	reconciler := reconcile.New(store, store, dispatcher, events, reconcile.Config{
		MaxRetries:    cfg.Reconcile.MaxRetries,
		RetryInterval: cfg.Reconcile.RetryIntervalDuration(),
		DeepMerge:     cfg.Reconcile.DeepMerge,
	}, log)

	if mqttBridge != nil {
		if err := mqttBridge.Start(reconciler); err != nil {
			log.WithError(err).Fatal("failed to start mqtt ingestion")
		}
		defer mqttBridge.Stop()
	}

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", api.HealthCheckHandler)
	apiHandler := api.New(store, store, reconciler, events, log)
	apiHandler.Routes(r)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // Websocket subscribers hold the connection open
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Info("server listening")
		serverErrors <- server.ListenAndServe()
	}()

	// --- Graceful shutdown ---
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	case sig := <-shutdown:
		log.WithField("signal", sig.String()).Info("shutdown signal received")

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancelShutdown()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("graceful server shutdown failed")
			if closeErr := server.Close(); closeErr != nil {
				log.WithError(closeErr).Error("server close failed")
			}
		}
	}

	log.Info("shutdown complete")
}

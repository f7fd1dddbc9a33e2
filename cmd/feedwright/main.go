package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/feedwright/feedwright/internal/config"
	"github.com/feedwright/feedwright/internal/consumer"
	"github.com/feedwright/feedwright/internal/hotreload"
	"github.com/feedwright/feedwright/internal/server"
	"github.com/feedwright/feedwright/internal/transform"
	"github.com/feedwright/feedwright/pkg/logger"
)

func main() {
	cfg := config.Load()

	log := logger.New(&logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stdout,
	})

	log.Info("starting service",
		"service", cfg.ServiceName,
		"port", cfg.Port,
		"catalog_dir", cfg.CatalogDir,
	)

	if cfg.CatalogDir == "" {
		log.Error("CATALOG_DIR must be set")
		os.Exit(1)
	}
	catalog, err := transform.LoadCatalogDir(cfg.CatalogDir)
	if err != nil {
		log.Error("failed to load catalog", "error", err)
		os.Exit(1)
	}
	log.Info("catalog loaded", "specs", len(catalog.Specs()))

	pipeline := transform.NewPipeline(catalog, transform.NewRegistry(), transform.Options{
		RaiseExceptions:           cfg.RaiseExceptions,
		SeparateBatchAssociations: cfg.SeparateBatchAssociations,
	}, log)

	var reloadManager *hotreload.Manager
	if cfg.RedisEnabled() {
		reloadManager = hotreload.NewManager(cfg, pipeline, log)
		if err := reloadManager.Start(); err != nil {
			log.Warn("hot reload disabled", "error", err)
		}
	}

	var kafkaConsumer *consumer.Consumer
	if cfg.KafkaEnabled() {
		kafkaConsumer, err = consumer.NewConsumer(cfg, pipeline, log)
		if err != nil {
			log.Error("failed to create Kafka consumer", "error", err)
			// Continue without Kafka - service can still work via HTTP
			kafkaConsumer = nil
		}
	}

	handler := server.NewHandler(pipeline, reloadManager, log)
	if kafkaConsumer != nil {
		handler.AddStatsProvider("consumer", kafkaConsumer)
	}

	router := mux.NewRouter()
	handler.RegisterHealthRoutes(router)
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(server.RequestID)
	handler.RegisterRoutes(api)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if kafkaConsumer != nil {
		kafkaConsumer.Start()
	}

	go func() {
		log.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down service")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if kafkaConsumer != nil {
		kafkaConsumer.Stop()
	}
	if reloadManager != nil {
		reloadManager.Stop()
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	log.Info("service exited")
}

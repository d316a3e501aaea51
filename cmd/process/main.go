package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/your-org/imgmeta/internal/broker"
	"github.com/your-org/imgmeta/internal/process"
	"github.com/your-org/imgmeta/pkg/config"
	"github.com/your-org/imgmeta/pkg/imagemeta"
	"github.com/your-org/imgmeta/pkg/logger"
	"github.com/your-org/imgmeta/pkg/storage/objectstore"
	"github.com/your-org/imgmeta/pkg/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	serviceName := cfg.App.Name + "-process"

	logr, err := logger.New(logger.Options{
		Level:       cfg.App.LogLevel,
		Service:     serviceName,
		Environment: cfg.App.Environment,
	})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	traceShutdown, err := tracing.Init(ctx, tracing.Config{
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		Attributes:     tracing.ParseAttributes(cfg.Tracing.ResourceAttr),
		ServiceName:    serviceName,
		ServiceVersion: cfg.App.Version,
	})
	if err != nil {
		logr.Fatal("init tracing", zap.Error(err))
	}
	defer traceShutdown(context.Background()) //nolint:errcheck

	store, err := objectstore.New(objectstore.Config{
		Provider:  cfg.Storage.Provider,
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
	})
	if err != nil {
		logr.Fatal("init object store", zap.Error(err))
	}
	defer store.Close() //nolint:errcheck

	consumer, err := broker.NewConsumer(cfg, logr)
	if err != nil {
		logr.Fatal("init queue consumer", zap.Error(err))
	}
	defer consumer.Close() //nolint:errcheck

	extractor := process.NewExtractor(process.Params{
		Store:          store,
		Decoder:        imagemeta.ConfigDecoder{},
		Logger:         logr,
		Concurrency:    cfg.Process.Concurrency,
		MaxObjectBytes: cfg.Process.MaxObjectBytes,
	})

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      healthRouter(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Error("health server failed", zap.Error(err))
		}
	}()

	logr.Info("metadata extractor starting",
		zap.String("queue", cfg.Queue.Provider),
		zap.String("version", cfg.App.Version),
		zap.Int("batch_size", cfg.Process.BatchSize),
		zap.Int("concurrency", cfg.Process.Concurrency),
	)
	runErr := consumer.Run(ctx, extractor)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logr.Error("http server shutdown failed", zap.Error(err))
	}
	if runErr != nil {
		logr.Fatal("queue consumer failed", zap.Error(runErr))
	}
	logr.Info("metadata extractor stopped")
}

func healthRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
	})
	return r
}

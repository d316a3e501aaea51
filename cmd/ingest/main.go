package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/imgmeta/internal/broker"
	"github.com/your-org/imgmeta/internal/ingest"
	"github.com/your-org/imgmeta/pkg/config"
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
	serviceName := cfg.App.Name + "-ingest"

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

	sender, err := broker.NewSender(cfg)
	if err != nil {
		logr.Fatal("init queue sender", zap.Error(err))
	}

	filter := ingest.NewFilter(ingest.Params{
		Sender: sender,
		Logger: logr,
	})

	mode := cfg.Ingest.Mode
	if mode != "webhook" && mode != "listen" && mode != "both" {
		logr.Fatal("unsupported ingest mode", zap.String("mode", mode))
	}

	if mode == "listen" || mode == "both" {
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

		listener := ingest.NewListener(ingest.ListenerParams{
			Notifier: store,
			Filter:   filter,
			Logger:   logr,
			Bucket:   cfg.Ingest.ListenBucket,
			Prefix:   cfg.Ingest.ListenPrefix,
		})
		go func() {
			if err := listener.Run(ctx); err != nil {
				logr.Error("bucket listener stopped", zap.Error(err))
			}
		}()
	}

	// The HTTP server always runs; in listen mode it only serves /healthz.
	webhook := filter
	if mode == "listen" {
		webhook = nil
	}
	handler := ingest.NewHTTPHandler(webhook, logr, cfg.HTTP.MaxBodyBytes)
	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logr.Error("http server shutdown failed", zap.Error(err))
		}
		if err := filter.Close(shutdownCtx); err != nil {
			logr.Error("filter shutdown failed", zap.Error(err))
		}
	}()

	logr.Info("ingest filter starting",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("mode", mode),
		zap.String("version", cfg.App.Version),
	)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logr.Fatal("http server failed", zap.Error(err))
	}
}

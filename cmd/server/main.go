package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Brownie44l1/classifier-api/internal/acquire"
	"github.com/Brownie44l1/classifier-api/internal/config"
	"github.com/Brownie44l1/classifier-api/internal/handlers"
	"github.com/Brownie44l1/classifier-api/internal/logging"
	"github.com/Brownie44l1/classifier-api/internal/metrics"
	"github.com/Brownie44l1/classifier-api/internal/model"
)

func main() {
	configPath := config.PathFromEnv()
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, logFile, err := logging.New(cfg.Logging.LogFilePath, cfg.Logging.Level, os.Stderr)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logFile.Close()
	defer logger.Sync()

	logger.Infof("configuration loaded from %s", configPath)

	engine, err := model.NewEngine(cfg.Classifier, cfg.GPU, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize classifier: %v", err)
	}
	defer engine.Close()

	m := metrics.New()
	limits := acquire.Limits{
		MaxBytes:  cfg.Classifier.MaxImageBytes,
		MaxPixels: cfg.Classifier.MaxImagePixels,
	}
	fetcher := acquire.NewFetcher(&http.Client{}, cfg.Classifier.FetchTimeout(), limits)
	handler := handlers.NewHandler(engine, fetcher, logger, m, handlers.Options{
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Image:        limits,
	})

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           handlers.NewRouter(handler, m, logger),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Infof("Server starting on port %d", cfg.Server.Port)
	logger.Info("Endpoints:")
	logger.Infof("  POST %s - Classify image (img | url)", handlers.ClassifyPath)
	logger.Info("  GET /health - Health check")
	logger.Info("  GET /metrics - Prometheus metrics")

	if err := run(ctx, srv, serve(srv), logger); err != nil {
		engine.Close()
		logger.Sync()
		logFile.Close()
		log.Fatalf("Server failed: %v", err)
	}
}

// serve starts the listener in the background. The returned channel yields
// the listener error, if any, and is closed once the server stops.
func serve(srv *http.Server) <-chan error {
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	return serveErr
}

// run blocks until a shutdown signal or a listener failure. A listener failure
// is returned so the process exits non-zero.
func run(ctx context.Context, srv *http.Server, serveErr <-chan error, logger *zap.SugaredLogger) error {
	var failure error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err, ok := <-serveErr:
		if !ok {
			return nil
		}
		logger.Errorf("Server failed: %v", err)
		failure = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("graceful shutdown failed: %v", err)
	}
	return failure
}

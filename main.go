package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"irma-supervisor/internal/app"
	"irma-supervisor/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.New(ctx, cfg, sugar)
	if err != nil {
		sugar.Fatalw("runtime init failed", "error", err)
	}
	if err := rt.Start(ctx); err != nil {
		sugar.Fatalw("runtime start failed", "error", err)
	}
	handler, err := rt.Handler()
	if err != nil {
		sugar.Fatalw("http handler init failed", "error", err)
	}

	// Cancelled on shutdown so open event streams end instead of holding Shutdown open.
	baseCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()
	server := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}
	serveErr := make(chan error, 1)
	go func() {
		sugar.Infow("http listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		sugar.Infow("shutdown requested")
	case err := <-serveErr:
		if err != nil {
			sugar.Errorw("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("runtime shutdown incomplete", "error", err)
	}
	cancelRequests()
	if err := server.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("http shutdown incomplete", "error", err)
	}
	sugar.Infow("stopped")
}

func newLogger(level string, development bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	return cfg.Build()
}

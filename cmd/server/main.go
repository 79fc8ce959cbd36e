package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"proxchat/internal/bus"
	"proxchat/internal/logging"
	"proxchat/internal/session"
	"proxchat/internal/watcher"

	"go.uber.org/zap"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("bus stopped with error", zap.Error(err))
	}
}

func run(cfg Config, logger *zap.Logger) error {
	sessMgr := session.NewManager(cfg.MaxSessions, cfg.HistorySize)

	reserved := watcher.New(logger, func(count int) {
		logger.Info("reserved names reloaded", zap.Int("count", count))
	})
	defer reserved.Shutdown()
	if cfg.ReservedNamesFile != "" {
		if err := reserved.Watch(cfg.ReservedNamesFile); err != nil {
			return fmt.Errorf("watch reserved names: %w", err)
		}
	}

	busServer := bus.New(logger, sessMgr, reserved, bus.Options{
		JoinTimeout: cfg.JoinTimeout,
		MaxPeers:    cfg.MaxPeers,
	})

	httpServer := &http.Server{
		Addr:              cfg.addr(),
		Handler:           busServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("bus listening", zap.String("addr", httpServer.Addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	busServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/homeprobe/homeprobe/internal/config"
	"github.com/homeprobe/homeprobe/internal/driver"
	"github.com/homeprobe/homeprobe/internal/probe"
	"github.com/homeprobe/homeprobe/internal/server"
	"github.com/homeprobe/homeprobe/internal/token"
	"github.com/homeprobe/homeprobe/internal/tunnel"
)

func main() {
	configPath := flag.String("config", "homeprobe.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("homeprobe starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("config loaded",
		"modules", len(cfg.Modules),
		"probe_timeout", cfg.ProbeTimeout,
		"routes", len(cfg.SSHProxy.Routes),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tokens, err := token.Open(cfg.TokenCache)
	if err != nil {
		slog.Error("failed to open token cache", "path", cfg.TokenCache, "err", err)
		os.Exit(1)
	}

	// Pick up tokens written out-of-band by homeprobe-login while we run.
	go func() {
		if err := tokens.Watch(ctx); err != nil {
			slog.Error("token cache watcher stopped", "err", err)
		}
	}()

	tunnels, err := tunnel.New(cfg.SSHProxy)
	if err != nil {
		slog.Error("failed to set up ssh forwards", "err", err)
		os.Exit(1)
	}
	defer tunnels.Close()

	drivers, err := driver.NewRegistry(cfg.Modules, tokens)
	if err != nil {
		slog.Error("failed to build drivers", "err", err)
		os.Exit(1)
	}
	slog.Info("drivers registered", "modules", drivers.Modules())

	orch := probe.New(cfg, drivers, tokens, tunnels, logger)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ListenPort),
		Handler: server.New(orch, tunnels, tokens, logger).Handler(),
	}

	go func() {
		slog.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server stopped", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("homeprobe shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown incomplete", "err", err)
	}
}

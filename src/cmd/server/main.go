//go:build !test

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"herald-main/src/internal/api"
	"herald-main/src/internal/config"
	"herald-main/src/internal/gateway"
	"herald-main/src/internal/storage"
	"herald-main/src/internal/system"
)

func main() {
	var configFile string
	var debug bool
	flag.StringVar(&configFile, "config", "", "path to config file to load first")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(configFile)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	st, err := storage.New(cfg.StorageDir, cfg.Storage.Codec)
	if err != nil {
		slog.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}

	pidPath := filepath.Join(st.GetBaseDir(), "herald.pid")
	if err := writePidFile(pidPath); err != nil {
		slog.Error("pidfile", "path", pidPath, "error", err)
		os.Exit(1)
	}
	defer func(name string) {
		if err := os.Remove(name); err != nil {
			slog.Error("failed to remove pidfile", "path", name, "error", err)
		}
	}(pidPath)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	gw, err := gateway.New(ctx, cfg, st, gateway.Options{})
	if err != nil {
		slog.Error("failed to initialize gateway", "error", err)
		os.Exit(1)
	}
	server := api.NewServer(gw)

	system.LogMemoryUsage("startup")
	slog.Info("starting task service", "addr", cfg.Server.Addr, "storage", cfg.StorageDir, "catalog", cfg.CatalogFile)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Run(ctx) })
	g.Go(func() error { return server.ListenAndServe(ctx, cfg.Server.Addr) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("service stopped with error", "error", err)
		system.LogMemoryUsage("shutdown")
		os.Exit(1)
	}
	system.LogMemoryUsage("shutdown")
}

// writePidFile refuses to start next to a live process and replaces a
// stale pid file.
func writePidFile(pidPath string) error {
	if pidBytes, err := os.ReadFile(pidPath); err == nil {
		pidStr := strings.TrimSpace(string(pidBytes))
		if pid, err := strconv.Atoi(pidStr); err == nil && pid > 0 {
			if syscall.Kill(pid, 0) == nil {
				return fmt.Errorf("herald already running with pid %d", pid)
			}
			if err := os.Remove(pidPath); err != nil {
				slog.Warn("failed to remove stale pidfile", "path", pidPath, "error", err)
			} else {
				slog.Info("cleaned stale pidfile", "pid", pid)
			}
		}
	}
	return os.WriteFile(pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}

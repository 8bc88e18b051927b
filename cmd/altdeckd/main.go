package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"altdeck/internal/authflow"
	"altdeck/internal/config"
	"altdeck/internal/daemon"
	"altdeck/internal/history"
	"altdeck/internal/launch"
	"altdeck/internal/registry"
)

func main() {
	configPath := pflag.String("config", config.DefaultConfigPath(), "config file path")
	listen := pflag.String("listen", "", "control-surface listen address (overrides config)")
	snapshot := pflag.String("snapshot", "", "registry snapshot path (overrides config)")
	historyDB := pflag.String("history-db", "", "launch history sqlite path (overrides config)")
	secret := pflag.String("secret", "", "control-surface shared secret (overrides config)")
	verbose := pflag.BoolP("verbose", "v", false, "debug logging")
	pflag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath, pflag.CommandLine.Changed("config"))
	if err != nil {
		fatal(logger, err)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *snapshot != "" {
		cfg.SnapshotPath = *snapshot
	}
	if *historyDB != "" {
		cfg.HistoryDB = *historyDB
	}
	if *secret != "" {
		cfg.Secret = *secret
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hist, err := history.Open(ctx, cfg.HistoryDB)
	if err != nil {
		fatal(logger, err)
	}
	defer hist.Close() //nolint:errcheck
	if err := history.ApplyMigrations(ctx, hist.DB()); err != nil {
		fatal(logger, err)
	}

	auth := authflow.New(
		authflow.WithBaseURLs(cfg.AuthBaseURL, cfg.WebBaseURL, cfg.UsersBaseURL),
		authflow.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
	)
	reg := registry.New(registry.NewFileStore(cfg.SnapshotPath), auth, logger)
	orch := launch.NewOrchestrator(reg, auth, launch.OSInvoker{}, hist, cfg.LauncherBaseURL, logger)

	srv := daemon.NewServer(cfg, reg, orch, hist, logger)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(logger, err)
	}
}

func fatal(logger *slog.Logger, err error) {
	logger.Error("altdeckd failed", "err", err)
	_, _ = fmt.Fprintf(os.Stderr, "altdeckd: %v\n", err)
	os.Exit(1)
}

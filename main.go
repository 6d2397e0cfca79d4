package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/ilievs/homesync/config"
	"github.com/ilievs/homesync/system"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Log)

	ctx, cancel := system.SignalContext(context.Background(), logger)
	defer cancel()

	app, err := NewApp(cfg, logger)
	if err != nil {
		logger.Error("creating app", "error", err)
		os.Exit(1)
	}

	logger.Info("starting homesync",
		"role", cfg.Role,
		"node", cfg.NodeID,
		"transport", cfg.Peer.Transport,
	)

	if err := app.Run(ctx); err != nil {
		logger.Error("app error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

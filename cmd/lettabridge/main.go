package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/oculairmedia/Letta-Matrix-sub002/common/version"
	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/app"
	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/config"
)

func main() {
	fmt.Printf("Letta Matrix Bridge\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: create data dir: %v\n", err)
		os.Exit(1)
	}
	if cfg.DevMode {
		slog.Warn("dev mode enabled: agent accounts use the well-known password")
	}

	bridge, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize bridge: %v\n", err)
		os.Exit(1)
	}
	defer bridge.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bridge.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error running bridge: %v\n", err)
		os.Exit(1)
	}
	slog.Info("bridge stopped")
}

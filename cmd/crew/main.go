package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"crew/cmd/commands"
	"crew/internal/config"
)

func main() {
	if path, err := config.DotEnvPath(); err == nil {
		if err := config.LoadDotEnv(path); err != nil {
			slog.Warn("failed to load .env", "error", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cmd := commands.NewRootCommand()
	if err := cmd.Run(ctx, os.Args); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

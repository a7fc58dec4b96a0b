// Package commands holds the crew CLI commands.
package commands

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"crew/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	defaultConfig, _ := config.ConfigPath()
	return &cli.Command{
		Name:  "crew",
		Usage: "A multi-agent workforce over your models and tools",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   defaultConfig,
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewServeCommand(),
			NewAskCommand(),
			NewStatusCommand(),
		},
	}
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	if cmd.Bool("debug") {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	path := cmd.String("config")
	cfg, err := config.Load(path)
	if err == config.ErrNotFound {
		slog.Warn("config not found, using defaults", "path", path)
		return cfg, nil
	}
	return cfg, err
}

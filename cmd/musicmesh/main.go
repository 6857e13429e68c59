package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/skroman/musicmesh/internal/config"
	"github.com/skroman/musicmesh/internal/util"
)

const (
	envConfigKey = "MESH_CONFIG"
	envDBKey     = "MESH_DATA"
)

var (
	// version is set via ldflags during build
	version = "dev"
)

func main() {
	app := &cli.App{
		Name:    "musicmesh",
		Usage:   "Share and play a music library across devices on the local network",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to configuration file",
				EnvVars: []string{envConfigKey},
				Value:   util.GetDefaultConfigPath(),
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Path to sync ledger database",
				EnvVars: []string{envDBKey},
				Value:   util.GetDefaultDBPath(),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error (overrides config)",
			},
		},
		Commands: []*cli.Command{
			serveCmd,
			discoverCmd,
			provisionCmd,
		},
		Action: serveCmd.Action,
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and installs the default logger.
// Flags win over the file and environment.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(ctx.String("config"))
	if err != nil {
		return nil, err
	}
	if ctx.IsSet("log-level") {
		cfg.LogLevel = ctx.String("log-level")
	}
	if ctx.IsSet("port") {
		cfg.Port = ctx.Int("port")
	}
	if ctx.IsSet("music-dir") {
		cfg.MusicDir = ctx.String("music-dir")
	}

	if err := setupLogging(cfg.LogLevel); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(level string) error {
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	}))
	slog.SetDefault(logger)
	return nil
}

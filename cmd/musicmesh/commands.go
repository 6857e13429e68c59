package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/skroman/musicmesh/internal/discovery"
	"github.com/skroman/musicmesh/internal/node"
	"github.com/skroman/musicmesh/internal/playback"
	"github.com/skroman/musicmesh/internal/provision"
	"github.com/skroman/musicmesh/internal/storage"
	"github.com/skroman/musicmesh/internal/util"
)

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "Run a mesh node (default)",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "port",
			Usage: "Control surface port (overrides config)",
		},
		&cli.StringFlag{
			Name:  "music-dir",
			Usage: "Root of the category directories (overrides config)",
		},
		&cli.BoolFlag{
			Name:  "reset",
			Usage: "Clear the sync ledger before starting",
		},
	},
	Action: func(ctx *cli.Context) error {
		cfg, err := loadConfig(ctx)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		dbPath := ctx.String("db")
		slog.Info("Music mesh is starting...", "version", version)
		slog.Info("Configuration", "path", ctx.String("config"))
		slog.Info("Database", "path", dbPath)

		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := storage.NewStore(dbPath)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer store.Close()

		if ctx.Bool("reset") {
			slog.Warn("Reset flag detected - clearing the sync ledger")
			if err := store.Clear(); err != nil {
				return fmt.Errorf("failed to clear storage: %w", err)
			}
		}

		n, err := node.New(cfg, store)
		if err != nil {
			return err
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		if err := n.Start(); err != nil {
			n.Stop()
			return fmt.Errorf("failed to start node: %w", err)
		}

		fmt.Printf("\nMusic mesh node %s listening on %s\n", n.Identity(), n.Addr())
		fmt.Println("Press Ctrl+C to stop")

		<-sigChan
		slog.Info("Shutdown signal received")

		if err := n.Stop(); err != nil {
			return fmt.Errorf("error during shutdown: %w", err)
		}
		slog.Info("Music mesh stopped gracefully")
		return nil
	},
}

var discoverCmd = &cli.Command{
	Name:  "discover",
	Usage: "Browse once and print the mesh nodes on the network",
	Action: func(ctx *cli.Context) error {
		cfg, err := loadConfig(ctx)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		// A throwaway identity so every advertised node is listed
		hostname, _ := os.Hostname()
		mdns := discovery.MDNS{}
		registry := discovery.NewRegistry(discovery.Options{
			Identity:     util.NewIdentity(hostname),
			Port:         cfg.Port,
			Service:      cfg.Discovery.Service,
			Domain:       cfg.Discovery.Domain,
			MeshTag:      cfg.Discovery.MeshTag,
			BrowseWindow: cfg.Discovery.BrowseWindow.Std(),
		}, mdns, mdns)

		found, err := registry.Scan(ctx.Context)
		if err != nil {
			return err
		}

		ids := make([]string, 0, len(found))
		for id := range found {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Printf("%s\t%s\n", id, found[id])
		}
		if len(ids) == 0 {
			fmt.Println("No mesh nodes found")
		}
		return nil
	},
}

var provisionCmd = &cli.Command{
	Name:      "provision",
	Usage:     "Apply wireless credentials given as \"ssid|password\"",
	ArgsUsage: "<ssid|password>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "mode",
			Usage: "append or overwrite (overrides config)",
		},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return cli.Exit("expected exactly one \"ssid|password\" argument", 2)
		}
		cfg, err := loadConfig(ctx)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		opts := provision.Options{
			Mode:         cfg.Provision.Mode,
			ConfPath:     cfg.Provision.ConfPath,
			Interface:    cfg.Provision.Interface,
			BaseTemplate: cfg.Provision.BaseTemplate,
		}
		if ctx.IsSet("mode") {
			opts.Mode = ctx.String("mode")
		}
		p, err := provision.New(opts, playback.ExecRunner{})
		if err != nil {
			return err
		}

		return p.Apply(ctx.Context, ctx.Args().First(), func(status string) {
			fmt.Println(status)
		})
	},
}

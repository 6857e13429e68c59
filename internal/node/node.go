// Package node composes the mesh components into one running process.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/skroman/musicmesh/internal/api"
	"github.com/skroman/musicmesh/internal/config"
	"github.com/skroman/musicmesh/internal/discovery"
	"github.com/skroman/musicmesh/internal/library"
	"github.com/skroman/musicmesh/internal/peer"
	"github.com/skroman/musicmesh/internal/playback"
	"github.com/skroman/musicmesh/internal/replication"
	"github.com/skroman/musicmesh/internal/storage"
	"github.com/skroman/musicmesh/internal/util"
	"github.com/skroman/musicmesh/pkg/meshclient"
)

// shutdownTimeout bounds how long Stop waits for in-flight requests
const shutdownTimeout = 5 * time.Second

// Node is one member of the mesh
type Node struct {
	cfg      *config.Config
	identity string
	store    *storage.Store
	log      *slog.Logger

	lib      *library.Library
	watcher  *library.Watcher
	dir      *peer.Directory
	registry *discovery.Registry
	coord    *replication.Coordinator
	player   *playback.Controller
	api      *api.Server
	ln       net.Listener

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds every component and binds the control port. Nothing runs
// until Start.
func New(cfg *config.Config, store *storage.Store) (*Node, error) {
	identity := cfg.Identity
	if identity == "" {
		hostname, _ := os.Hostname()
		identity = util.NewIdentity(hostname)
	}

	lib, err := library.New(cfg.MusicDir, cfg.Categories, cfg.DefaultCategory, cfg.Extensions)
	if err != nil {
		return nil, fmt.Errorf("failed to open library: %w", err)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", cfg.Port, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:      cfg,
		identity: identity,
		store:    store,
		log:      slog.With("component", "node", "identity", identity),
		lib:      lib,
		dir:      peer.NewDirectory(identity),
		ln:       ln,
		ctx:      ctx,
		cancel:   cancel,
	}

	client := meshclient.New(cfg.Sync.PeerTimeout.Std())
	n.coord = replication.NewCoordinator(lib, n.dir, client, store, replication.Options{
		Concurrency: cfg.Sync.Concurrency,
		PeerTimeout: cfg.Sync.PeerTimeout.Std(),
	})

	launcher := playback.ExecLauncher{Command: cfg.Playback.Command, Args: cfg.Playback.Args}
	n.player = playback.NewController(lib, launcher, cfg.Playback.StopTimeout.Std())
	mixer := playback.NewMixer(playback.ExecRunner{}, cfg.Mixer.Command, cfg.Mixer.Control)

	if cfg.Sync.AutoReplicate {
		n.watcher, err = library.NewWatcher(lib, store, n.replicate)
		if err != nil {
			ln.Close()
			cancel()
			return nil, fmt.Errorf("failed to create library watcher: %w", err)
		}
	}

	if !cfg.Discovery.Disabled {
		mdns := discovery.MDNS{}
		n.registry = discovery.NewRegistry(discovery.Options{
			Identity:       identity,
			Port:           port,
			Service:        cfg.Discovery.Service,
			Domain:         cfg.Discovery.Domain,
			MeshTag:        cfg.Discovery.MeshTag,
			BrowseInterval: cfg.Discovery.BrowseInterval.Std(),
			BrowseWindow:   cfg.Discovery.BrowseWindow.Std(),
			PeerTTL:        cfg.Discovery.PeerTTL.Std(),
		}, mdns, mdns)
	}

	n.api = api.New(api.Deps{
		Identity:   identity,
		Port:       port,
		Library:    lib,
		Player:     n.player,
		Mixer:      mixer,
		Replicator: n.coord,
		Peers:      n.dir,
		Client:     client,
		Ledger:     store,
	})

	return n, nil
}

// Identity returns the node identity
func (n *Node) Identity() string {
	return n.identity
}

// Addr returns the bound control address
func (n *Node) Addr() net.Addr {
	return n.ln.Addr()
}

// Directory returns the live peer set
func (n *Node) Directory() *peer.Directory {
	return n.dir
}

// Start serves the control surface, advertises the node, and begins
// observing peers and the library.
func (n *Node) Start() error {
	var startErr error
	n.startOnce.Do(func() {
		n.log.Info("Starting node", "addr", n.ln.Addr().String(), "musicDir", n.lib.Root())

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.api.Serve(n.ln); err != nil {
				n.log.Error("Control surface failed", "error", err)
			}
		}()

		if n.registry != nil {
			n.startDiscovery()
		}

		if n.watcher != nil {
			if err := n.watcher.Start(n.ctx, n.cfg.Sync.ScanOnStart); err != nil {
				startErr = err
				return
			}
		}

		n.log.Info("Node started", "peers", n.dir.Len())
	})
	return startErr
}

// startDiscovery advertises, seeds the directory with one browse so an
// offline scan has peers to send to, then keeps observing.
func (n *Node) startDiscovery() {
	// Discovery is advisory: a node that cannot advertise still serves
	if err := n.registry.Advertise(n.ctx); err != nil {
		n.log.Warn("Failed to advertise", "error", err)
	}

	for _, ev := range n.registry.Seed(n.ctx) {
		n.dir.Apply(ev)
	}

	events := n.registry.Observe(n.ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.dir.Run(n.ctx, events)
	}()
}

// replicate sends a changed library item to every peer
func (n *Node) replicate(ctx context.Context, item library.Item) {
	summary := n.coord.ReplicateOne(ctx, item)
	if summary.Outcome.Failed > 0 {
		n.log.Warn("Replication incomplete", "item", item.Key(), "failed", summary.Outcome.Failed)
	}
}

// Stop shuts every component down. It is safe to call more than once and
// without Start.
func (n *Node) Stop() error {
	var errs []error
	n.stopOnce.Do(func() {
		n.log.Info("Stopping node")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := n.api.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("control surface: %w", err))
		}
		// Covers a node that never started serving
		n.ln.Close()

		if n.watcher != nil {
			if err := n.watcher.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("watcher: %w", err))
			}
		}
		if n.registry != nil {
			n.registry.Close()
		}

		n.cancel()

		if err := n.player.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("playback: %w", err))
		}

		n.wg.Wait()
		n.log.Info("Node stopped")
	})
	return errors.Join(errs...)
}

// Package api is the node's HTTP control surface. Other nodes use it to
// replicate items and delegate commands; the local UI uses it for
// everything else.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/skroman/musicmesh/internal/library"
	"github.com/skroman/musicmesh/internal/peer"
	"github.com/skroman/musicmesh/internal/playback"
	"github.com/skroman/musicmesh/internal/replication"
	"github.com/skroman/musicmesh/pkg/meshclient"
)

// Library is the local content store
type Library interface {
	List() ([]library.Listing, error)
	ResolveCategory(category string) (string, error)
	Write(ctx context.Context, category, name string, r io.Reader) (library.Item, error)
	Delete(name string) (library.Item, error)
}

// Player is the local playback controller
type Player interface {
	Start(ctx context.Context, name string) (library.Item, error)
	Stop() error
	Status() playback.Status
}

// Mixer sets the output level
type Mixer interface {
	SetVolume(ctx context.Context, level int) (int, string, error)
}

// Replicator fans items out to peers
type Replicator interface {
	ReplicateOne(ctx context.Context, item library.Item) replication.Summary
	ReplicateAll(ctx context.Context) (replication.Summary, error)
}

// Directory is the live peer set
type Directory interface {
	IDs() []string
	Snapshot() []peer.Peer
	Resolve(identity string) (string, bool)
	Subscribe() chan peer.Event
	Unsubscribe(ch chan peer.Event)
}

// PeerClient calls other nodes
type PeerClient interface {
	Songs(ctx context.Context, t meshclient.Target) ([]meshclient.Listing, error)
	Forward(ctx context.Context, t meshclient.Target, method, path string, body []byte) (int, string, []byte, error)
}

// Ledger reads recorded replication summaries
type Ledger interface {
	LastSync(kind string, v any) error
}

// Deps are the components the control surface drives
type Deps struct {
	Identity   string
	Port       int
	Library    Library
	Player     Player
	Mixer      Mixer
	Replicator Replicator
	Peers      Directory
	Client     PeerClient
	Ledger     Ledger
}

// Server serves the control surface
type Server struct {
	deps Deps
	mux  *http.ServeMux
	http *http.Server
	log  *slog.Logger

	closing   chan struct{} // closed on Shutdown; ends event streams
	closeOnce sync.Once
}

// New creates a server and registers every route
func New(deps Deps) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
		log:  slog.With("component", "api"),

		closing: make(chan struct{}),
	}
	s.routes()
	s.http = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve accepts connections on ln until Shutdown is called
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("Control surface listening", "addr", ln.Addr().String())
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown ends event streams, stops accepting requests and waits for
// active ones until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	return s.http.Shutdown(ctx)
}

func (s *Server) routes() {
	handleGet(s.mux, "/health", s.handleHealth)
	handleGet(s.mux, "/songs", s.handleSongs)
	handlePost(s.mux, "/play", s.handlePlay)
	handleGet(s.mux, "/status", s.handleStatus)
	handleGet(s.mux, "/stop", s.handleStop)
	handleGet(s.mux, "/peers", s.handlePeers)
	handleGet(s.mux, "/songs-on-peer", s.handleSongsOnPeer)
	handlePost(s.mux, "/play-on-peer", s.handlePlayOnPeer)
	s.mux.HandleFunc("POST /upload", s.handleUpload)
	s.mux.HandleFunc("POST /sync-library", s.handleSyncLibrary)
	handleDelete(s.mux, "/delete", s.handleDelete)
	handlePost(s.mux, "/delete-on-peer", s.handleDeleteOnPeer)
	handlePost(s.mux, "/volume", s.handleVolume)
	handleGet(s.mux, "/sync/last", s.handleLastSync)
	handleGet(s.mux, "/events", s.handleEvents)
}

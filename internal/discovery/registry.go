// Package discovery advertises this node over DNS-SD and turns browse
// results from other nodes into peer arrivals and departures.
//
// Browsing runs in rounds: each round listens for browseWindow, then
// compares what it saw against what earlier rounds saw. An identity seen
// for the first time, or at a new address, yields an Arrived event. An
// identity not seen for longer than peerTTL yields Left. The stream may
// repeat itself; the peer directory folds duplicates.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/skroman/musicmesh/internal/peer"
	"github.com/skroman/musicmesh/internal/util"
)

// TXT record keys
const (
	TxtMesh = "mesh"
	TxtID   = "id"
)

// maxRenames bounds collision renames within one process
const maxRenames = 8

// Options configures a Registry
type Options struct {
	Identity       string
	Port           int
	Service        string
	Domain         string
	MeshTag        string
	BrowseInterval time.Duration
	BrowseWindow   time.Duration
	PeerTTL        time.Duration
}

type sighting struct {
	address  string
	lastSeen time.Time
}

// Registry advertises the local node and observes the others
type Registry struct {
	opts      Options
	browser   Browser
	publisher Publisher
	log       *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	instance string
	renames  int
	withdraw func()
	seen     map[string]sighting
}

// NewRegistry creates a registry. Nothing is advertised until Advertise.
func NewRegistry(opts Options, browser Browser, publisher Publisher) *Registry {
	return &Registry{
		opts:      opts,
		browser:   browser,
		publisher: publisher,
		log:       slog.With("component", "discovery"),
		now:       time.Now,
		instance:  opts.Identity,
		seen:      make(map[string]sighting),
	}
}

// Instance returns the DNS-SD instance name currently advertised
func (r *Registry) Instance() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instance
}

// Advertise registers the local control endpoint, retrying with backoff
func (r *Registry) Advertise(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.publishLocked(ctx)
}

// Close withdraws the advertisement
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.withdraw != nil {
		r.withdraw()
		r.withdraw = nil
		r.log.Info("Advertisement withdrawn", "instance", r.instance)
	}
}

func (r *Registry) publishLocked(ctx context.Context) error {
	text := []string{
		TxtMesh + "=" + r.opts.MeshTag,
		TxtID + "=" + r.opts.Identity,
	}

	var withdraw func()
	err := util.Retry(ctx, util.DefaultRetryConfig(), func() error {
		var err error
		withdraw, err = r.publisher.Publish(r.instance, r.opts.Service, r.opts.Domain, r.opts.Port, text)
		return err
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to advertise %s: %w", r.instance, err)
	}

	r.withdraw = withdraw
	r.log.Info("Advertising", "instance", r.instance, "service", r.opts.Service, "port", r.opts.Port)
	return nil
}

// Scan runs one browse round and returns the mesh peers it saw, keyed by
// identity. It also re-advertises under a new instance name when another
// node is using ours.
func (r *Registry) Scan(ctx context.Context) (map[string]string, error) {
	rctx, cancel := context.WithTimeout(ctx, r.opts.BrowseWindow)
	defer cancel()

	entries, err := r.browser.Browse(rctx, r.opts.Service, r.opts.Domain)
	if err != nil {
		return nil, fmt.Errorf("browse failed: %w", err)
	}

	if r.collides(entries) {
		r.rename(ctx)
	}

	return Sightings(entries, r.opts), nil
}

// Seed runs one tracked browse round and returns its events. Peers it
// reports expire through later Observe rounds like any other sighting.
func (r *Registry) Seed(ctx context.Context) []peer.Event {
	return r.round(ctx)
}

// Observe browses until ctx is done. The returned channel is closed when
// observation stops.
func (r *Registry) Observe(ctx context.Context) <-chan peer.Event {
	events := make(chan peer.Event, 16)

	go func() {
		defer close(events)

		ticker := time.NewTicker(r.opts.BrowseInterval)
		defer ticker.Stop()

		for {
			for _, ev := range r.round(ctx) {
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return events
}

// round performs one browse and returns the resulting events
func (r *Registry) round(ctx context.Context) []peer.Event {
	found, err := r.Scan(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("Discovery round failed", "error", err)
		}
		found = nil
	}

	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var events []peer.Event
	for id, addr := range found {
		prev, known := r.seen[id]
		r.seen[id] = sighting{address: addr, lastSeen: now}
		if !known || prev.address != addr {
			events = append(events, peer.Event{Type: peer.Arrived, Identity: id, Address: addr})
		}
	}
	for _, id := range expire(r.seen, now, r.opts.PeerTTL) {
		events = append(events, peer.Event{Type: peer.Left, Identity: id})
	}
	return events
}

// collides reports whether another node advertises our instance name
func (r *Registry) collides(entries []Entry) bool {
	instance := r.Instance()
	for _, e := range entries {
		if e.Instance != instance {
			continue
		}
		if id, ok := e.TXT(TxtID); ok && id != r.opts.Identity {
			return true
		}
	}
	return false
}

func (r *Registry) rename(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.withdraw == nil {
		// Not advertising, so there is nothing to rename
		return
	}
	if r.renames >= maxRenames {
		r.log.Warn("Instance name still collides, giving up renaming", "instance", r.instance)
		return
	}

	r.withdraw()
	r.withdraw = nil
	r.renames++
	old := r.instance
	r.instance = fmt.Sprintf("%s (%d)", r.opts.Identity, r.renames+1)
	r.log.Warn("Instance name collision, re-advertising", "old", old, "new", r.instance)

	if err := r.publishLocked(ctx); err != nil {
		r.log.Error("Failed to re-advertise", "instance", r.instance, "error", err)
	}
}

// Sightings filters browse entries down to mesh peers and returns their
// addresses keyed by identity.
func Sightings(entries []Entry, opts Options) map[string]string {
	found := make(map[string]string)
	for _, e := range entries {
		if tag, ok := e.TXT(TxtMesh); !ok || tag != opts.MeshTag {
			continue
		}
		if e.Port != opts.Port {
			continue
		}
		id := Identity(e)
		if id == "" || id == opts.Identity {
			continue
		}
		addr := Address(e)
		if addr == "" {
			continue
		}
		found[id] = addr
	}
	return found
}

// Identity is the entry's id TXT record, or its instance name
func Identity(e Entry) string {
	if id, ok := e.TXT(TxtID); ok && id != "" {
		return id
	}
	return e.Instance
}

// Address picks the first IPv4 address, else the first IPv6 address,
// else the host name, and joins it with the port.
func Address(e Entry) string {
	var host string
	switch {
	case len(e.IPv4) > 0:
		host = e.IPv4[0].String()
	case len(e.IPv6) > 0:
		host = e.IPv6[0].String()
	default:
		host = e.HostName
	}
	if host == "" {
		return ""
	}
	return net.JoinHostPort(host, strconv.Itoa(e.Port))
}

// expire removes and returns the identities not seen within ttl
func expire(seen map[string]sighting, now time.Time, ttl time.Duration) []string {
	var gone []string
	for id, s := range seen {
		if now.Sub(s.lastSeen) > ttl {
			delete(seen, id)
			gone = append(gone, id)
		}
	}
	return gone
}

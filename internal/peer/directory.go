// Package peer holds the live map of reachable nodes. Discovery feeds it;
// replication and the control surface read it.
package peer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// subscriberBuffer is the per-subscriber channel capacity. Events to a
// full subscriber are dropped.
const subscriberBuffer = 16

// Directory maps peer identity to address. It never contains the local node.
type Directory struct {
	self string
	log  *slog.Logger
	now  func() time.Time

	mu        sync.Mutex
	peers     map[string]Peer
	listeners []chan Event
}

// NewDirectory creates an empty directory for the node named self
func NewDirectory(self string) *Directory {
	return &Directory{
		self:  self,
		log:   slog.With("component", "directory"),
		now:   time.Now,
		peers: make(map[string]Peer),
	}
}

// Self returns the local identity
func (d *Directory) Self() string {
	return d.self
}

// Upsert adds a peer or updates its address. It reports whether anything
// other than the last-seen time changed.
func (d *Directory) Upsert(identity, address string) bool {
	if identity == "" || identity == d.self {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	existing, known := d.peers[identity]
	d.peers[identity] = Peer{Identity: identity, Address: address, LastSeen: d.now()}
	if known && existing.Address == address {
		return false
	}

	if known {
		d.log.Info("Peer moved", "peer", identity, "from", existing.Address, "to", address)
	} else {
		d.log.Info("Peer arrived", "peer", identity, "address", address)
	}
	d.notifyListeners(Event{Type: Arrived, Identity: identity, Address: address})
	return true
}

// Remove drops a peer. Removing an unknown identity is a no-op.
func (d *Directory) Remove(identity string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.peers[identity]; !ok {
		return false
	}
	delete(d.peers, identity)
	d.log.Info("Peer left", "peer", identity)
	d.notifyListeners(Event{Type: Left, Identity: identity})
	return true
}

// Apply folds one discovery event into the directory
func (d *Directory) Apply(ev Event) bool {
	switch ev.Type {
	case Arrived:
		return d.Upsert(ev.Identity, ev.Address)
	case Left:
		return d.Remove(ev.Identity)
	default:
		d.log.Warn("Ignoring unknown peer event", "type", ev.Type, "peer", ev.Identity)
		return false
	}
}

// Run applies events until the channel closes or ctx is done
func (d *Directory) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.Apply(ev)
		}
	}
}

// Resolve returns the address of a peer
func (d *Directory) Resolve(identity string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[identity]
	return p.Address, ok
}

// Snapshot returns a copy of every peer, sorted by identity
func (d *Directory) Snapshot() []Peer {
	d.mu.Lock()
	peers := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		peers = append(peers, p)
	}
	d.mu.Unlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i].Identity < peers[j].Identity })
	return peers
}

// IDs returns the sorted peer identities
func (d *Directory) IDs() []string {
	d.mu.Lock()
	ids := make([]string, 0, len(d.peers))
	for id := range d.peers {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Len returns the number of known peers
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.peers)
}

// Subscribe returns a channel receiving every subsequent change
func (d *Directory) Subscribe() chan Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan Event, subscriberBuffer)
	d.listeners = append(d.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a subscription
func (d *Directory) Unsubscribe(ch chan Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, listener := range d.listeners {
		if listener == ch {
			close(listener)
			d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
			return
		}
	}
}

// notifyListeners must be called with mu held
func (d *Directory) notifyListeners(ev Event) {
	for _, ch := range d.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Package replication copies library items to every known peer.
//
// Consistency is eventual and best-effort. An item is sent to a peer only
// if no category on that peer holds an item of the same name; content is
// never compared, so two different files sharing a name never both reach
// the same peer and whichever arrived first stays. Nothing is retried: a
// failed copy is repaired by the next sync that covers the item. No
// persisted state influences what is sent.
package replication

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skroman/musicmesh/internal/library"
	"github.com/skroman/musicmesh/internal/peer"
	"github.com/skroman/musicmesh/pkg/meshclient"
)

// Ledger kinds
const (
	KindOne = "last-sync-one"
	KindAll = "last-sync-all"
)

// Content is the local library as replication sees it
type Content interface {
	Items() ([]library.Item, error)
	Open(item library.Item) (*os.File, int64, error)
}

// Peers supplies the current peer set
type Peers interface {
	Snapshot() []peer.Peer
}

// Client talks to one peer's control surface
type Client interface {
	Songs(ctx context.Context, t meshclient.Target) ([]meshclient.Listing, error)
	Upload(ctx context.Context, t meshclient.Target, category, name string, content io.Reader) (*meshclient.UploadResult, error)
}

// Recorder persists the summary of a finished run
type Recorder interface {
	RecordSync(kind string, v any) error
}

// SyncOutcome counts (item, peer) pairs. Attempted is always the sum of
// the other three.
type SyncOutcome struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Add folds other into o
func (o *SyncOutcome) Add(other SyncOutcome) {
	o.Attempted += other.Attempted
	o.Succeeded += other.Succeeded
	o.Failed += other.Failed
	o.Skipped += other.Skipped
}

func (o *SyncOutcome) record(r result) {
	o.Attempted++
	switch r {
	case sent:
		o.Succeeded++
	case skipped:
		o.Skipped++
	default:
		o.Failed++
	}
}

// Summary describes one finished replication run
type Summary struct {
	Kind      string      `json:"kind"`
	Item      string      `json:"item,omitempty"`
	Peers     int         `json:"peers"`
	Files     int         `json:"files"`
	Outcome   SyncOutcome `json:"outcome"`
	StartedAt time.Time   `json:"startedAt"`
	Duration  string      `json:"duration"`
}

type result int

const (
	failed result = iota
	sent
	skipped
)

// Options tunes a Coordinator
type Options struct {
	Concurrency int           // items in flight during ReplicateAll
	PeerTimeout time.Duration // per peer request
}

// Coordinator fans items out to peers. It is safe for concurrent use.
type Coordinator struct {
	content  Content
	peers    Peers
	client   Client
	recorder Recorder
	opts     Options
	log      *slog.Logger
}

// NewCoordinator creates a coordinator. recorder may be nil.
func NewCoordinator(content Content, peers Peers, client Client, recorder Recorder, opts Options) *Coordinator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Coordinator{
		content:  content,
		peers:    peers,
		client:   client,
		recorder: recorder,
		opts:     opts,
		log:      slog.With("component", "replication"),
	}
}

// ReplicateOne sends item to every peer that lacks its name and returns
// once every peer attempt has settled.
func (c *Coordinator) ReplicateOne(ctx context.Context, item library.Item) Summary {
	started := time.Now()
	peers := c.peers.Snapshot()

	results := make([]result, len(peers))
	var wg sync.WaitGroup
	for i, p := range peers {
		wg.Add(1)
		go func(i int, p peer.Peer) {
			defer wg.Done()
			target := meshclient.Target{Identity: p.Identity, Address: p.Address}
			names, err := c.listing(ctx, target)
			if err != nil {
				c.log.Warn("Failed to list peer", "peer", p.Identity, "error", err)
				results[i] = failed
				return
			}
			results[i] = c.send(ctx, target, names, item)
		}(i, p)
	}
	wg.Wait()

	summary := Summary{
		Kind:      KindOne,
		Item:      item.Key(),
		Peers:     len(peers),
		Files:     1,
		StartedAt: started,
	}
	for _, r := range results {
		summary.Outcome.record(r)
	}
	c.finish(&summary)
	return summary
}

// ReplicateAll sends every local item to every peer that lacks its name.
// The peer set is read once and each peer is listed once per run. A name
// found in more than one local category is sent once, from the first
// category that holds it.
func (c *Coordinator) ReplicateAll(ctx context.Context) (Summary, error) {
	started := time.Now()

	all, err := c.content.Items()
	if err != nil {
		return Summary{}, fmt.Errorf("failed to enumerate library: %w", err)
	}
	items := uniqueByName(all)
	peers := c.peers.Snapshot()

	summary := Summary{
		Kind:      KindAll,
		Peers:     len(peers),
		Files:     len(items),
		StartedAt: started,
	}
	if len(peers) == 0 || len(items) == 0 {
		c.finish(&summary)
		return summary, nil
	}

	// Each peer's listing is fetched once up front
	type peerState struct {
		target meshclient.Target
		names  map[string]bool
		err    error
	}
	states := make([]peerState, len(peers))
	var wg sync.WaitGroup
	for i, p := range peers {
		wg.Add(1)
		go func(i int, p peer.Peer) {
			defer wg.Done()
			target := meshclient.Target{Identity: p.Identity, Address: p.Address}
			names, err := c.listing(ctx, target)
			if err != nil {
				c.log.Warn("Failed to list peer, counting its items as failed", "peer", p.Identity, "error", err)
			}
			states[i] = peerState{target: target, names: names, err: err}
		}(i, p)
	}
	wg.Wait()

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(c.opts.Concurrency)

	for _, item := range items {
		g.Go(func() error {
			var inner sync.WaitGroup
			for i := range states {
				st := &states[i]
				inner.Add(1)
				go func() {
					defer inner.Done()
					r := failed
					if st.err == nil {
						r = c.send(ctx, st.target, st.names, item)
					}
					mu.Lock()
					summary.Outcome.record(r)
					mu.Unlock()
				}()
			}
			inner.Wait()
			return nil
		})
	}
	g.Wait()

	c.finish(&summary)
	return summary, nil
}

// listing returns every name the peer holds, in any category
func (c *Coordinator) listing(ctx context.Context, t meshclient.Target) (map[string]bool, error) {
	ctx, cancel := c.peerContext(ctx)
	defer cancel()

	listings, err := c.client.Songs(ctx, t)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool)
	for _, l := range listings {
		for _, n := range l.Items {
			names[n] = true
		}
	}
	return names, nil
}

// send uploads item unless names already has it. names is read-only here.
func (c *Coordinator) send(ctx context.Context, t meshclient.Target, names map[string]bool, item library.Item) result {
	if names[item.Name] {
		c.log.Debug("Peer already has item", "peer", t.Identity, "item", item.Key())
		return skipped
	}

	f, _, err := c.content.Open(item)
	if err != nil {
		c.log.Error("Failed to open item", "item", item.Key(), "error", err)
		return failed
	}
	defer f.Close()

	ctx, cancel := c.peerContext(ctx)
	defer cancel()

	if _, err := c.client.Upload(ctx, t, item.Category, item.Name, f); err != nil {
		c.log.Warn("Failed to send item", "peer", t.Identity, "item", item.Key(), "error", err)
		return failed
	}
	c.log.Info("Sent item", "peer", t.Identity, "item", item.Key(), "direction", "-->")
	return sent
}

func (c *Coordinator) peerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.PeerTimeout > 0 {
		return context.WithTimeout(ctx, c.opts.PeerTimeout)
	}
	return context.WithCancel(ctx)
}

func (c *Coordinator) finish(s *Summary) {
	s.Duration = time.Since(s.StartedAt).Round(time.Millisecond).String()

	c.log.Info("Replication complete",
		"kind", s.Kind,
		"item", s.Item,
		"peers", s.Peers,
		"files", s.Files,
		"attempted", s.Outcome.Attempted,
		"succeeded", s.Outcome.Succeeded,
		"failed", s.Outcome.Failed,
		"skipped", s.Outcome.Skipped,
	)

	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordSync(s.Kind, s); err != nil {
		c.log.Warn("Failed to record sync outcome", "kind", s.Kind, "error", err)
	}
}

// uniqueByName keeps the first item of each name, preserving order
func uniqueByName(items []library.Item) []library.Item {
	seen := make(map[string]bool, len(items))
	out := make([]library.Item, 0, len(items))
	for _, it := range items {
		if seen[it.Name] {
			continue
		}
		seen[it.Name] = true
		out = append(out, it)
	}
	return out
}

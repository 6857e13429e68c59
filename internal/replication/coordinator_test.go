package replication

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/skroman/musicmesh/internal/library"
	"github.com/skroman/musicmesh/internal/peer"
	"github.com/skroman/musicmesh/pkg/meshclient"
)

// mockPeers is a fixed peer set
type mockPeers []peer.Peer

func (m mockPeers) Snapshot() []peer.Peer {
	return append([]peer.Peer(nil), m...)
}

// mockClient simulates remote libraries in memory
type mockClient struct {
	mu          sync.Mutex
	libraries   map[string]map[string][]string // identity -> category -> names
	listFails   map[string]bool
	uploadFails map[string]bool
	listCalls   map[string]int
	uploads     []string // identity:category/name
}

func newMockClient() *mockClient {
	return &mockClient{
		libraries:   make(map[string]map[string][]string),
		listFails:   make(map[string]bool),
		uploadFails: make(map[string]bool),
		listCalls:   make(map[string]int),
	}
}

func (m *mockClient) Songs(ctx context.Context, t meshclient.Target) ([]meshclient.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls[t.Identity]++
	if m.listFails[t.Identity] {
		return nil, &meshclient.PeerError{Peer: t.Identity, Op: "songs", Err: errors.New("connection refused")}
	}
	var out []meshclient.Listing
	for cat, names := range m.libraries[t.Identity] {
		out = append(out, meshclient.Listing{Category: cat, Items: append([]string(nil), names...)})
	}
	return out, nil
}

func (m *mockClient) Upload(ctx context.Context, t meshclient.Target, category, name string, content io.Reader) (*meshclient.UploadResult, error) {
	if _, err := io.ReadAll(content); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploadFails[t.Identity] {
		return nil, &meshclient.PeerError{Peer: t.Identity, Op: "upload", StatusCode: 500}
	}
	if m.libraries[t.Identity] == nil {
		m.libraries[t.Identity] = make(map[string][]string)
	}
	m.libraries[t.Identity][category] = append(m.libraries[t.Identity][category], name)
	m.uploads = append(m.uploads, t.Identity+":"+category+"/"+name)
	return &meshclient.UploadResult{OK: true, Filename: name, Category: category}, nil
}

// mockRecorder captures recorded summaries
type mockRecorder struct {
	mu      sync.Mutex
	records map[string]any
	fail    bool
}

func (m *mockRecorder) RecordSync(kind string, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk full")
	}
	if m.records == nil {
		m.records = make(map[string]any)
	}
	m.records[kind] = v
	return nil
}

func newTestLibrary(t *testing.T, files map[string]string) *library.Library {
	t.Helper()
	lib, err := library.New(t.TempDir(), []string{"lullabies", "white-noise", "favorites"}, "favorites", []string{".mp3"})
	if err != nil {
		t.Fatalf("Failed to create library: %v", err)
	}
	for key, content := range files {
		if err := os.WriteFile(filepath.Join(lib.Root(), filepath.FromSlash(key)), []byte(content), 0644); err != nil {
			t.Fatalf("Failed to place %s: %v", key, err)
		}
	}
	return lib
}

func twoPeers() mockPeers {
	return mockPeers{
		{Identity: "p1", Address: "10.0.0.2:3000"},
		{Identity: "p2", Address: "10.0.0.3:3000"},
	}
}

func checkOutcomeTotals(t *testing.T, o SyncOutcome) {
	t.Helper()
	if o.Succeeded+o.Failed+o.Skipped != o.Attempted {
		t.Errorf("Outcome does not add up: %+v", o)
	}
}

func TestReplicateOneSkipsPeersWithName(t *testing.T) {
	lib := newTestLibrary(t, map[string]string{"lullabies/a.mp3": "A"})
	client := newMockClient()
	// P1 holds the name under a different category
	client.libraries["p1"] = map[string][]string{"favorites": {"a.mp3"}}

	c := NewCoordinator(lib, twoPeers(), client, nil, Options{Concurrency: 2})
	summary := c.ReplicateOne(context.Background(), library.Item{Category: "lullabies", Name: "a.mp3"})

	expected := SyncOutcome{Attempted: 2, Succeeded: 1, Failed: 0, Skipped: 1}
	if summary.Outcome != expected {
		t.Errorf("Expected %+v, got %+v", expected, summary.Outcome)
	}
	if len(client.uploads) != 1 || client.uploads[0] != "p2:lullabies/a.mp3" {
		t.Errorf("Expected one upload to p2 under lullabies, got %v", client.uploads)
	}
}

func TestReplicateOneIsIdempotent(t *testing.T) {
	lib := newTestLibrary(t, map[string]string{"favorites/song.mp3": "S"})
	client := newMockClient()
	peers := mockPeers{{Identity: "p1", Address: "h:1"}}
	c := NewCoordinator(lib, peers, client, nil, Options{})
	item := library.Item{Category: "favorites", Name: "song.mp3"}

	first := c.ReplicateOne(context.Background(), item)
	if first.Outcome.Succeeded != 1 {
		t.Fatalf("Expected first run to send, got %+v", first.Outcome)
	}

	second := c.ReplicateOne(context.Background(), item)
	if second.Outcome != (SyncOutcome{Attempted: 1, Skipped: 1}) {
		t.Errorf("Expected second run to skip, got %+v", second.Outcome)
	}
}

func TestReplicateOneFailures(t *testing.T) {
	lib := newTestLibrary(t, map[string]string{"favorites/x.mp3": "X"})
	client := newMockClient()
	client.listFails["p1"] = true
	client.uploadFails["p2"] = true

	c := NewCoordinator(lib, twoPeers(), client, nil, Options{})
	summary := c.ReplicateOne(context.Background(), library.Item{Category: "favorites", Name: "x.mp3"})

	if summary.Outcome != (SyncOutcome{Attempted: 2, Failed: 2}) {
		t.Errorf("Expected two failures, got %+v", summary.Outcome)
	}
}

func TestReplicateOneMissingLocalItem(t *testing.T) {
	lib := newTestLibrary(t, nil)
	client := newMockClient()

	c := NewCoordinator(lib, twoPeers(), client, nil, Options{})
	summary := c.ReplicateOne(context.Background(), library.Item{Category: "favorites", Name: "ghost.mp3"})

	if summary.Outcome.Failed != 2 {
		t.Errorf("Expected failures for unreadable item, got %+v", summary.Outcome)
	}
}

func TestReplicateOneNoPeers(t *testing.T) {
	lib := newTestLibrary(t, map[string]string{"favorites/x.mp3": "X"})
	c := NewCoordinator(lib, mockPeers{}, newMockClient(), nil, Options{})

	summary := c.ReplicateOne(context.Background(), library.Item{Category: "favorites", Name: "x.mp3"})
	if summary.Outcome != (SyncOutcome{}) {
		t.Errorf("Expected empty outcome, got %+v", summary.Outcome)
	}
}

func TestReplicateAllCounts(t *testing.T) {
	lib := newTestLibrary(t, map[string]string{
		"lullabies/a.mp3":   "A",
		"white-noise/b.mp3": "B",
		"favorites/c.mp3":   "C",
		"favorites/a.mp3":   "A duplicate",
	})
	client := newMockClient()
	client.libraries["p2"] = map[string][]string{"lullabies": {"b.mp3"}}

	c := NewCoordinator(lib, twoPeers(), client, nil, Options{Concurrency: 2})
	summary, err := c.ReplicateAll(context.Background())
	if err != nil {
		t.Fatalf("ReplicateAll failed: %v", err)
	}

	// K=3 unique names, N=2 peers
	if summary.Files != 3 || summary.Peers != 2 {
		t.Errorf("Expected 3 files and 2 peers, got %d and %d", summary.Files, summary.Peers)
	}
	expected := SyncOutcome{Attempted: 6, Succeeded: 5, Skipped: 1}
	if summary.Outcome != expected {
		t.Errorf("Expected %+v, got %+v", expected, summary.Outcome)
	}
	checkOutcomeTotals(t, summary.Outcome)

	// The duplicate name is sent from the first category only
	for _, u := range client.uploads {
		if u == "p1:favorites/a.mp3" || u == "p2:favorites/a.mp3" {
			t.Errorf("Duplicate name sent from later category: %s", u)
		}
	}

	// Listings fetched once per peer
	if client.listCalls["p1"] != 1 || client.listCalls["p2"] != 1 {
		t.Errorf("Expected one listing per peer, got %v", client.listCalls)
	}
}

func TestReplicateAllTwiceSkipsEverything(t *testing.T) {
	lib := newTestLibrary(t, map[string]string{
		"lullabies/a.mp3": "A",
		"favorites/c.mp3": "C",
	})
	client := newMockClient()
	c := NewCoordinator(lib, twoPeers(), client, nil, Options{Concurrency: 4})

	if _, err := c.ReplicateAll(context.Background()); err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	summary, err := c.ReplicateAll(context.Background())
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	if summary.Outcome != (SyncOutcome{Attempted: 4, Skipped: 4}) {
		t.Errorf("Expected everything skipped, got %+v", summary.Outcome)
	}
}

func TestReplicateAllListingFailure(t *testing.T) {
	lib := newTestLibrary(t, map[string]string{
		"lullabies/a.mp3": "A",
		"favorites/c.mp3": "C",
	})
	client := newMockClient()
	client.listFails["p1"] = true

	c := NewCoordinator(lib, twoPeers(), client, nil, Options{Concurrency: 1})
	summary, err := c.ReplicateAll(context.Background())
	if err != nil {
		t.Fatalf("ReplicateAll failed: %v", err)
	}

	expected := SyncOutcome{Attempted: 4, Succeeded: 2, Failed: 2}
	if summary.Outcome != expected {
		t.Errorf("Expected %+v, got %+v", expected, summary.Outcome)
	}
	for _, u := range client.uploads {
		if u[:2] == "p1" {
			t.Errorf("Nothing should be sent to an unlistable peer, got %s", u)
		}
	}
}

func TestReplicateAllEmpty(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		peers mockPeers
	}{
		{"no peers", map[string]string{"favorites/a.mp3": "A"}, mockPeers{}},
		{"no items", nil, twoPeers()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCoordinator(newTestLibrary(t, tt.files), tt.peers, newMockClient(), nil, Options{})
			summary, err := c.ReplicateAll(context.Background())
			if err != nil {
				t.Fatalf("ReplicateAll failed: %v", err)
			}
			if summary.Outcome.Attempted != 0 {
				t.Errorf("Expected nothing attempted, got %+v", summary.Outcome)
			}
		})
	}
}

func TestSummariesAreRecorded(t *testing.T) {
	lib := newTestLibrary(t, map[string]string{"favorites/a.mp3": "A"})
	rec := &mockRecorder{}
	c := NewCoordinator(lib, twoPeers(), newMockClient(), rec, Options{})

	c.ReplicateOne(context.Background(), library.Item{Category: "favorites", Name: "a.mp3"})
	c.ReplicateAll(context.Background())

	one, ok := rec.records[KindOne].(*Summary)
	if !ok {
		t.Fatalf("Expected %s summary, got %T", KindOne, rec.records[KindOne])
	}
	if one.Item != "favorites/a.mp3" || one.Outcome.Succeeded != 2 {
		t.Errorf("Unexpected recorded summary: %+v", one)
	}
	if _, ok := rec.records[KindAll].(*Summary); !ok {
		t.Errorf("Expected %s summary to be recorded", KindAll)
	}
}

func TestRecorderFailureIsIgnored(t *testing.T) {
	lib := newTestLibrary(t, map[string]string{"favorites/a.mp3": "A"})
	c := NewCoordinator(lib, twoPeers(), newMockClient(), &mockRecorder{fail: true}, Options{})

	summary := c.ReplicateOne(context.Background(), library.Item{Category: "favorites", Name: "a.mp3"})
	if summary.Outcome.Succeeded != 2 {
		t.Errorf("Recorder failure must not affect outcome, got %+v", summary.Outcome)
	}
}

func TestConcurrentReplication(t *testing.T) {
	lib := newTestLibrary(t, map[string]string{
		"favorites/a.mp3": "A",
		"favorites/b.mp3": "B",
	})
	client := newMockClient()
	c := NewCoordinator(lib, twoPeers(), client, nil, Options{Concurrency: 2})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := c.ReplicateOne(context.Background(), library.Item{Category: "favorites", Name: "a.mp3"})
			checkOutcomeTotals(t, s.Outcome)
		}()
		go func() {
			defer wg.Done()
			s, _ := c.ReplicateAll(context.Background())
			checkOutcomeTotals(t, s.Outcome)
		}()
	}
	wg.Wait()
}

func TestSyncOutcomeAdd(t *testing.T) {
	o := SyncOutcome{Attempted: 2, Succeeded: 1, Skipped: 1}
	o.Add(SyncOutcome{Attempted: 3, Succeeded: 1, Failed: 2})

	expected := SyncOutcome{Attempted: 5, Succeeded: 2, Failed: 2, Skipped: 1}
	if o != expected {
		t.Errorf("Expected %+v, got %+v", expected, o)
	}
}

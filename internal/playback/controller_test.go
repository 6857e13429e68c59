package playback

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/skroman/musicmesh/internal/library"
)

// mockProcess exits when killed or when finish is called
type mockProcess struct {
	path       string
	exit       chan struct{}
	once       sync.Once
	ignoreKill bool
	launcher   *mockLauncher
}

func (p *mockProcess) Wait() error {
	<-p.exit
	p.launcher.mu.Lock()
	p.launcher.live--
	p.launcher.mu.Unlock()
	return nil
}

func (p *mockProcess) Kill() error {
	if !p.ignoreKill {
		p.finish()
	}
	return nil
}

func (p *mockProcess) finish() {
	p.once.Do(func() { close(p.exit) })
}

// mockLauncher records launches and tracks live processes
type mockLauncher struct {
	mu         sync.Mutex
	launched   []*mockProcess
	live       int
	maxLive    int
	fail       bool
	ignoreKill bool
}

func (l *mockLauncher) Launch(path string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return nil, errors.New("exec: mpg123 not found")
	}
	p := &mockProcess{path: path, exit: make(chan struct{}), ignoreKill: l.ignoreKill, launcher: l}
	l.launched = append(l.launched, p)
	l.live++
	if l.live > l.maxLive {
		l.maxLive = l.live
	}
	return p, nil
}

func (l *mockLauncher) liveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live
}

func newTestController(t *testing.T, launcher *mockLauncher) (*Controller, *library.Library) {
	t.Helper()
	lib, err := library.New(t.TempDir(), []string{"lullabies", "favorites"}, "favorites", []string{".mp3"})
	if err != nil {
		t.Fatalf("Failed to create library: %v", err)
	}
	for _, key := range []string{"lullabies/a.mp3", "favorites/b.mp3", "favorites/a.mp3"} {
		if err := os.WriteFile(filepath.Join(lib.Root(), filepath.FromSlash(key)), []byte("x"), 0644); err != nil {
			t.Fatalf("Failed to place %s: %v", key, err)
		}
	}
	return NewController(lib, launcher, 200*time.Millisecond), lib
}

func waitUntil(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestStartPlaysFirstCategoryMatch(t *testing.T) {
	launcher := &mockLauncher{}
	c, lib := newTestController(t, launcher)

	item, err := c.Start(context.Background(), "a.mp3")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if item.Category != "lullabies" {
		t.Errorf("Expected first category match, got %s", item.Category)
	}
	if launcher.launched[0].path != lib.Path(item) {
		t.Errorf("Expected player launched on %s, got %s", lib.Path(item), launcher.launched[0].path)
	}

	status := c.Status()
	if !status.Playing || status.CurrentSong != "a.mp3" || status.Category != "lullabies" {
		t.Errorf("Unexpected status: %+v", status)
	}
}

func TestStartNotFound(t *testing.T) {
	launcher := &mockLauncher{}
	c, _ := newTestController(t, launcher)

	_, err := c.Start(context.Background(), "missing.mp3")
	if !errors.Is(err, library.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if len(launcher.launched) != 0 {
		t.Error("Nothing should be launched for a missing item")
	}
	if c.Status().Playing {
		t.Error("Expected to stay idle")
	}
}

func TestStartReplacesCurrent(t *testing.T) {
	launcher := &mockLauncher{}
	c, _ := newTestController(t, launcher)

	c.Start(context.Background(), "a.mp3")
	c.Start(context.Background(), "b.mp3")

	if !waitUntil(func() bool { return launcher.liveCount() == 1 }, time.Second) {
		t.Fatalf("Expected exactly one live process, got %d", launcher.liveCount())
	}
	if launcher.maxLive != 1 {
		t.Errorf("Two players were alive at once (max %d)", launcher.maxLive)
	}
	if status := c.Status(); status.CurrentSong != "b.mp3" {
		t.Errorf("Expected b.mp3 playing, got %+v", status)
	}
}

func TestStopIdleIsNoop(t *testing.T) {
	c, _ := newTestController(t, &mockLauncher{})

	if err := c.Stop(); err != nil {
		t.Errorf("Stop while idle failed: %v", err)
	}
	if c.Status().Playing {
		t.Error("Expected idle")
	}
}

func TestStop(t *testing.T) {
	launcher := &mockLauncher{}
	c, _ := newTestController(t, launcher)

	c.Start(context.Background(), "b.mp3")
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if c.Status() != (Status{}) {
		t.Errorf("Expected idle status, got %+v", c.Status())
	}
	if !waitUntil(func() bool { return launcher.liveCount() == 0 }, time.Second) {
		t.Error("Expected player process to have exited")
	}

	// Stop is idempotent
	if err := c.Stop(); err != nil {
		t.Errorf("Second stop failed: %v", err)
	}
}

func TestNaturalExitReturnsToIdle(t *testing.T) {
	launcher := &mockLauncher{}
	c, _ := newTestController(t, launcher)

	c.Start(context.Background(), "b.mp3")
	launcher.launched[0].finish()

	if !waitUntil(func() bool { return !c.Status().Playing }, time.Second) {
		t.Error("Expected idle after player exited")
	}
}

func TestStaleExitDoesNotClearNewSession(t *testing.T) {
	launcher := &mockLauncher{ignoreKill: true}
	c, _ := newTestController(t, launcher)

	c.Start(context.Background(), "a.mp3")
	// The first player ignores the kill, so Start waits out stopTimeout
	c.Start(context.Background(), "b.mp3")

	// Now the first player finally exits
	launcher.launched[0].finish()
	time.Sleep(50 * time.Millisecond)

	status := c.Status()
	if !status.Playing || status.CurrentSong != "b.mp3" {
		t.Errorf("Late exit of old player cleared the new session: %+v", status)
	}

	launcher.launched[1].finish()
}

func TestCancelledStartWaitsForOldPlayer(t *testing.T) {
	launcher := &mockLauncher{ignoreKill: true}
	c, _ := newTestController(t, launcher)

	c.Start(context.Background(), "a.mp3")

	// The old player takes a moment to exit after the kill
	first := launcher.launched[0]
	go func() {
		time.Sleep(50 * time.Millisecond)
		first.finish()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Start(ctx, "b.mp3"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if launcher.maxLive != 1 {
		t.Errorf("New player launched before the old one exited (max %d)", launcher.maxLive)
	}

	launcher.launched[1].finish()
}

func TestLaunchFailureLeavesIdle(t *testing.T) {
	launcher := &mockLauncher{fail: true}
	c, _ := newTestController(t, launcher)

	if _, err := c.Start(context.Background(), "a.mp3"); err == nil {
		t.Error("Expected launch error")
	}
	if c.Status().Playing {
		t.Error("Expected idle after failed launch")
	}
}

func TestConcurrentStarts(t *testing.T) {
	launcher := &mockLauncher{}
	c, _ := newTestController(t, launcher)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			name := "a.mp3"
			if n%2 == 0 {
				name = "b.mp3"
			}
			c.Start(context.Background(), name)
		}(i)
	}
	wg.Wait()

	if !waitUntil(func() bool { return launcher.liveCount() == 1 }, time.Second) {
		t.Errorf("Expected one live process, got %d", launcher.liveCount())
	}
	if launcher.maxLive != 1 {
		t.Errorf("Players overlapped (max %d)", launcher.maxLive)
	}
}

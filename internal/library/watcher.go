package library

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/skroman/musicmesh/internal/util"
)

// Debounce time for file changes
const debounceDelay = 250 * time.Millisecond

// StatStore remembers the last "mtime-size" seen for each item key
type StatStore interface {
	FileStat(key string) (string, error)
	SetFileStat(key, stat string) error
	DeleteFileStat(key string) error
	FileStatKeys() ([]string, error)
}

// ChangeFunc is called once per item that appeared or changed on disk
// without going through Library.Write.
type ChangeFunc func(ctx context.Context, item Item)

// Watcher reports items dropped into the category directories out of band,
// e.g. copied over SSH or by a USB import script.
type Watcher struct {
	lib      *Library
	stats    StatStore
	onChange ChangeFunc
	watcher  *fsnotify.Watcher
	log      *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer // key -> timer

	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewWatcher creates a watcher over every category directory of lib
func NewWatcher(lib *Library, stats StatStore, onChange ChangeFunc) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		lib:      lib,
		stats:    stats,
		onChange: onChange,
		watcher:  fw,
		log:      slog.With("component", "watcher"),
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Start optionally scans for changes made while the node was down, then
// begins watching.
func (w *Watcher) Start(ctx context.Context, scanOffline bool) error {
	var startErr error
	w.startOnce.Do(func() {
		ctx, w.cancel = context.WithCancel(ctx)

		w.log.Info("Starting library watcher", "root", w.lib.Root())

		if scanOffline {
			if _, err := w.Scan(ctx); err != nil {
				startErr = fmt.Errorf("failed to scan offline changes: %w", err)
				return
			}
		}

		for _, c := range w.lib.Categories() {
			dir := filepath.Join(w.lib.Root(), c)
			if err := w.watcher.Add(dir); err != nil {
				startErr = fmt.Errorf("failed to watch %s: %w", dir, err)
				return
			}
			w.log.Debug("Watching directory", "path", dir)
		}

		go w.processEvents(ctx)
	})
	return startErr
}

// Stop cancels pending events and closes the underlying watcher
func (w *Watcher) Stop() error {
	var stopErr error
	w.stopOnce.Do(func() {
		w.mu.Lock()
		for _, timer := range w.pending {
			timer.Stop()
		}
		w.pending = make(map[string]*time.Timer)
		w.mu.Unlock()

		if w.cancel != nil {
			w.cancel()
		}
		stopErr = w.watcher.Close()
		w.log.Info("Library watcher stopped")
	})
	return stopErr
}

// Scan reports every item whose stat differs from the one last recorded
// and forgets stats of items that no longer exist. It returns the number
// of items reported.
func (w *Watcher) Scan(ctx context.Context) (int, error) {
	items, err := w.lib.Items()
	if err != nil {
		return 0, err
	}

	present := make(map[string]bool, len(items))
	changed := 0
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		present[item.Key()] = true

		info, err := os.Stat(w.lib.Path(item))
		if err != nil {
			w.log.Warn("Failed to stat file", "item", item.Key(), "error", err)
			continue
		}
		if !w.hasChanged(item.Key(), info) {
			continue
		}
		w.record(item.Key(), info)
		w.onChange(ctx, item)
		changed++
	}

	keys, err := w.stats.FileStatKeys()
	if err != nil {
		return changed, err
	}
	for _, key := range keys {
		if !present[key] {
			if err := w.stats.DeleteFileStat(key); err != nil {
				w.log.Warn("Failed to delete file stat", "item", key, "error", err)
			}
		}
	}

	w.log.Info("Offline scan complete", "changed", changed)
	return changed, nil
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("Watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return
	}

	rel, err := filepath.Rel(w.lib.Root(), event.Name)
	if err != nil {
		return
	}
	category, name := filepath.Split(rel)
	category = strings.TrimSuffix(category, string(filepath.Separator))
	if category == "" || strings.Contains(category, string(filepath.Separator)) {
		return
	}

	// Hidden files include in-flight uploads
	if strings.HasPrefix(name, ".") || !w.lib.Accepts(name) {
		return
	}

	w.debounce(ctx, Item{Category: category, Name: name})
}

func (w *Watcher) debounce(ctx context.Context, item Item) {
	key := item.Key()

	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, exists := w.pending[key]; exists {
		timer.Stop()
	}
	w.pending[key] = time.AfterFunc(debounceDelay, func() {
		w.mu.Lock()
		delete(w.pending, key)
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		w.processChange(ctx, item)
	})
}

func (w *Watcher) processChange(ctx context.Context, item Item) {
	key := item.Key()
	path := w.lib.Path(item)

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		// Deletions are local only
		if err := w.stats.DeleteFileStat(key); err != nil {
			w.log.Warn("Failed to delete file stat", "item", key, "error", err)
		}
		return
	}
	if err != nil {
		w.log.Error("Failed to stat file", "item", key, "error", err)
		return
	}
	if !info.Mode().IsRegular() || !w.hasChanged(key, info) {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		w.log.Error("Failed to open file", "item", key, "error", err)
		return
	}
	digest, err := util.ComputeHashReader(f)
	f.Close()
	if err != nil {
		w.log.Error("Failed to hash file", "item", key, "error", err)
		return
	}

	w.record(key, info)

	if w.lib.WroteRecently(key, digest) {
		w.log.Debug("Skipping own write", "item", key)
		return
	}

	w.log.Info("Detected new item", "item", key)
	w.onChange(ctx, item)
}

func (w *Watcher) hasChanged(key string, info fs.FileInfo) bool {
	stored, err := w.stats.FileStat(key)
	if err != nil || stored == "" {
		return true
	}
	return stored != fileStat(info)
}

func (w *Watcher) record(key string, info fs.FileInfo) {
	if err := w.stats.SetFileStat(key, fileStat(info)); err != nil {
		w.log.Warn("Failed to update file stat", "item", key, "error", err)
	}
}

func fileStat(info fs.FileInfo) string {
	return fmt.Sprintf("%d-%d", info.ModTime().Unix(), info.Size())
}

// Package library is the node's content store: a fixed set of category
// directories under one root, one flat file per item. Directory listings are
// the source of truth; there is no index.
package library

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/skroman/musicmesh/internal/util"
)

var (
	// ErrNotFound is returned when no category holds the requested name
	ErrNotFound = errors.New("item not found")
	// ErrInvalidName is returned for names that sanitize to nothing usable
	ErrInvalidName = errors.New("invalid item name")
	// ErrInvalidCategory is returned for categories outside the configured set
	ErrInvalidCategory = errors.New("invalid category")
	// ErrUnsupportedType is returned for names without an accepted extension
	ErrUnsupportedType = errors.New("unsupported file type")
)

// recentWrites bounds how many self-written digests are remembered for
// echo suppression.
const recentWrites = 512

var unsafeChars = regexp.MustCompile(`[^\w\s.\-()\[\]]`)

// Item identifies one stored file
type Item struct {
	Category string `json:"category"`
	Name     string `json:"name"`
}

// Key is the category-qualified path of the item, e.g. "lullabies/a.mp3"
func (i Item) Key() string {
	return i.Category + "/" + i.Name
}

// Listing is the contents of one category
type Listing struct {
	Category string   `json:"category"`
	Items    []string `json:"items"`
}

// Library is a filesystem-backed categorized item store
type Library struct {
	root            string
	categories      []string
	defaultCategory string
	extensions      []string

	mu     sync.Mutex // serialises name selection and rename in Write
	recent *util.Cache
}

// New creates the library rooted at root, creating category directories
// as needed.
func New(root string, categories []string, defaultCategory string, extensions []string) (*Library, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve music dir: %w", err)
	}

	for _, c := range categories {
		if err := os.MkdirAll(filepath.Join(absRoot, c), 0755); err != nil {
			return nil, fmt.Errorf("failed to create category %s: %w", c, err)
		}
	}

	recent, err := util.NewCache(recentWrites)
	if err != nil {
		return nil, err
	}

	exts := make([]string, len(extensions))
	for i, e := range extensions {
		exts[i] = strings.ToLower(e)
	}

	return &Library{
		root:            absRoot,
		categories:      append([]string(nil), categories...),
		defaultCategory: defaultCategory,
		extensions:      exts,
		recent:          recent,
	}, nil
}

// Root returns the absolute library root
func (l *Library) Root() string {
	return l.root
}

// Categories returns the configured categories in lookup order
func (l *Library) Categories() []string {
	return append([]string(nil), l.categories...)
}

// ResolveCategory maps an empty category to the default and rejects
// anything outside the configured set.
func (l *Library) ResolveCategory(category string) (string, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		return l.defaultCategory, nil
	}
	for _, c := range l.categories {
		if c == category {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCategory, category)
}

// SanitizeName reduces name to a file-system-safe base name: directory
// components are dropped and characters outside word characters, spaces,
// and ".-()[]" become "_".
func SanitizeName(name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSpace(unsafeChars.ReplaceAllString(name, "_"))
	if name == "" || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return name, nil
}

// Accepts reports whether name carries one of the configured extensions
func (l *Library) Accepts(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range l.extensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// List returns every category with its sorted item names
func (l *Library) List() ([]Listing, error) {
	listings := make([]Listing, 0, len(l.categories))
	for _, c := range l.categories {
		names, err := l.names(c)
		if err != nil {
			return nil, err
		}
		listings = append(listings, Listing{Category: c, Items: names})
	}
	return listings, nil
}

// Items returns every stored item across all categories, in category order
func (l *Library) Items() ([]Item, error) {
	var items []Item
	for _, c := range l.categories {
		names, err := l.names(c)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			items = append(items, Item{Category: c, Name: n})
		}
	}
	return items, nil
}

// Find resolves a name to the first category that holds it
func (l *Library) Find(name string) (Item, error) {
	clean, err := SanitizeName(name)
	if err != nil {
		return Item{}, err
	}
	for _, c := range l.categories {
		info, err := os.Stat(filepath.Join(l.root, c, clean))
		if err == nil && info.Mode().IsRegular() {
			return Item{Category: c, Name: clean}, nil
		}
	}
	return Item{}, fmt.Errorf("%w: %s", ErrNotFound, clean)
}

// Path returns the absolute path of an item
func (l *Library) Path(item Item) string {
	return filepath.Join(l.root, item.Category, item.Name)
}

// Open opens an item for reading and returns its size
func (l *Library) Open(item Item) (*os.File, int64, error) {
	f, err := os.Open(l.Path(item))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, item.Key())
		}
		return nil, 0, fmt.Errorf("failed to open %s: %w", item.Key(), err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat %s: %w", item.Key(), err)
	}
	return f, info.Size(), nil
}

// Write stores the content of r as name under category. An existing file
// of the same name is never overwritten: the new file becomes
// "name (1).ext", "name (2).ext" and so on. The returned item carries the
// name actually used.
func (l *Library) Write(ctx context.Context, category, name string, r io.Reader) (Item, error) {
	category, err := l.ResolveCategory(category)
	if err != nil {
		return Item{}, err
	}
	clean, err := SanitizeName(name)
	if err != nil {
		return Item{}, err
	}
	if !l.Accepts(clean) {
		return Item{}, fmt.Errorf("%w: %s", ErrUnsupportedType, clean)
	}

	dir := filepath.Join(l.root, category)
	tmp, err := os.CreateTemp(dir, ".incoming-*")
	if err != nil {
		return Item{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	hasher, err := blake2b.New256(nil)
	if err != nil {
		tmp.Close()
		return Item{}, err
	}
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), r); err != nil {
		tmp.Close()
		return Item{}, fmt.Errorf("failed to write %s: %w", clean, err)
	}
	if err := tmp.Close(); err != nil {
		return Item{}, fmt.Errorf("failed to write %s: %w", clean, err)
	}
	digest := fmt.Sprintf("%x", hasher.Sum(nil))

	l.mu.Lock()
	defer l.mu.Unlock()

	final := uniqueName(dir, clean)
	item := Item{Category: category, Name: final}

	// Remember before the rename so the watcher event finds it
	l.recent.Remember(item.Key(), digest)

	err = util.Retry(ctx, util.QuickRetryConfig(), func() error {
		return os.Rename(tmpPath, filepath.Join(dir, final))
	}, nil)
	if err != nil {
		l.recent.Forget(item.Key())
		return Item{}, fmt.Errorf("failed to store %s: %w", item.Key(), err)
	}

	return item, nil
}

// Delete removes the first item matching name
func (l *Library) Delete(name string) (Item, error) {
	item, err := l.Find(name)
	if err != nil {
		return Item{}, err
	}
	if err := os.Remove(l.Path(item)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Item{}, fmt.Errorf("%w: %s", ErrNotFound, item.Key())
		}
		return Item{}, fmt.Errorf("failed to delete %s: %w", item.Key(), err)
	}
	l.recent.Forget(item.Key())
	return item, nil
}

// WroteRecently reports whether this process stored key with this digest
func (l *Library) WroteRecently(key, digest string) bool {
	return l.recent.Seen(key, digest)
}

// names lists the accepted, visible files of one category
func (l *Library) names(category string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.root, category))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", category, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") || !l.Accepts(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func uniqueName(dir, name string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	candidate := name
	for n := 1; ; n++ {
		if _, err := os.Lstat(filepath.Join(dir, candidate)); errors.Is(err, fs.ErrNotExist) {
			return candidate
		}
		candidate = fmt.Sprintf("%s (%d)%s", base, n, ext)
	}
}

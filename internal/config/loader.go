package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/skroman/musicmesh/internal/util"
)

// EnvPrefix prefixes every environment override, e.g. MESH_PORT or
// MESH_DISCOVERY_PEER_TTL.
const EnvPrefix = "MESH"

// Provision modes
const (
	ProvisionAppend    = "append"
	ProvisionOverwrite = "overwrite"
)

// DefaultCategories is the category set used when none is configured
var DefaultCategories = []string{"lullabies", "white-noise", "mantras", "sleeping-songs", "favorites"}

// Default returns a configuration that runs a node out of the box
func Default() *Config {
	return &Config{
		Port:            3000,
		MusicDir:        util.GetDefaultMusicDir(),
		Categories:      append([]string(nil), DefaultCategories...),
		DefaultCategory: "favorites",
		Extensions:      []string{".mp3"},
		LogLevel:        "info",
		Discovery: DiscoveryConf{
			Service:        "_http._tcp",
			Domain:         "local.",
			MeshTag:        "music",
			BrowseInterval: Duration(10 * time.Second),
			BrowseWindow:   Duration(3 * time.Second),
			PeerTTL:        Duration(35 * time.Second),
		},
		Playback: PlaybackConf{
			Command:     "mpg123",
			StopTimeout: Duration(2 * time.Second),
		},
		Mixer: MixerConf{
			Command: "amixer",
		},
		Sync: SyncConf{
			Concurrency: 4,
			PeerTimeout: Duration(30 * time.Second),
		},
		Provision: ProvisionConf{
			Mode:         ProvisionAppend,
			ConfPath:     "/etc/wpa_supplicant/wpa_supplicant.conf",
			Interface:    "wlan0",
			BaseTemplate: "ctrl_interface=DIR=/var/run/wpa_supplicant GROUP=netdev\nupdate_config=1\n",
		},
	}
}

// LoadConfig builds the configuration from defaults, then the JSON file at
// path (skipped when path is empty or the file does not exist), then
// MESH_* environment variables.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// Defaults only
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	normalize(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// normalize trims list entries and lower-cases extensions
func normalize(cfg *Config) {
	for i, c := range cfg.Categories {
		cfg.Categories[i] = strings.TrimSpace(c)
	}
	for i, ext := range cfg.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		cfg.Extensions[i] = ext
	}
	cfg.DefaultCategory = strings.TrimSpace(cfg.DefaultCategory)
	cfg.Provision.Mode = strings.ToLower(strings.TrimSpace(cfg.Provision.Mode))
	if cfg.MusicDir != "" {
		cfg.MusicDir = filepath.Clean(cfg.MusicDir)
	}
}

// validateConfig performs validation on the loaded configuration
func validateConfig(cfg *Config) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}
	if cfg.MusicDir == "" {
		return fmt.Errorf("musicDir is required")
	}

	if len(cfg.Categories) == 0 {
		return fmt.Errorf("no categories configured")
	}
	seen := make(map[string]bool)
	for i, c := range cfg.Categories {
		if c == "" {
			return fmt.Errorf("category %d is empty", i)
		}
		if c != filepath.Base(c) || strings.HasPrefix(c, ".") {
			return fmt.Errorf("category %q must be a plain directory name", c)
		}
		if seen[c] {
			return fmt.Errorf("duplicate category: %s", c)
		}
		seen[c] = true
	}
	if !seen[cfg.DefaultCategory] {
		return fmt.Errorf("default category %q is not one of the configured categories", cfg.DefaultCategory)
	}

	if len(cfg.Extensions) == 0 {
		return fmt.Errorf("no extensions configured")
	}
	for i, ext := range cfg.Extensions {
		if ext == "" {
			return fmt.Errorf("extension %d is empty", i)
		}
	}

	if !cfg.Discovery.Disabled {
		if cfg.Discovery.Service == "" {
			return fmt.Errorf("discovery service type is required")
		}
		if cfg.Discovery.MeshTag == "" {
			return fmt.Errorf("discovery meshTag is required")
		}
		if cfg.Discovery.BrowseWindow <= 0 || cfg.Discovery.BrowseInterval <= 0 {
			return fmt.Errorf("discovery browseWindow and browseInterval must be positive")
		}
		if cfg.Discovery.PeerTTL < cfg.Discovery.BrowseInterval {
			return fmt.Errorf("discovery peerTTL (%s) must be at least browseInterval (%s)",
				cfg.Discovery.PeerTTL.Std(), cfg.Discovery.BrowseInterval.Std())
		}
	}

	if cfg.Playback.Command == "" {
		return fmt.Errorf("playback command is required")
	}
	if cfg.Sync.Concurrency <= 0 {
		return fmt.Errorf("sync concurrency must be positive")
	}
	if cfg.Sync.PeerTimeout <= 0 {
		return fmt.Errorf("sync peerTimeout must be positive")
	}

	switch cfg.Provision.Mode {
	case ProvisionAppend, ProvisionOverwrite:
	default:
		return fmt.Errorf("invalid provision mode '%s', must be one of: append, overwrite", cfg.Provision.Mode)
	}

	return nil
}

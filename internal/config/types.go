package config

import (
	"fmt"
	"time"
)

// Config represents the overall configuration for a mesh node
type Config struct {
	Identity        string   `json:"identity,omitempty" split_words:"true"` // Empty means hostname plus a random suffix
	Port            int      `json:"port"`
	MusicDir        string   `json:"musicDir" split_words:"true"`
	Categories      []string `json:"categories"`
	DefaultCategory string   `json:"defaultCategory" split_words:"true"`
	Extensions      []string `json:"extensions"`
	LogLevel        string   `json:"logLevel,omitempty" split_words:"true"`

	Discovery DiscoveryConf `json:"discovery"`
	Playback  PlaybackConf  `json:"playback"`
	Mixer     MixerConf     `json:"mixer"`
	Sync      SyncConf      `json:"sync"`
	Provision ProvisionConf `json:"provision"`
}

// DiscoveryConf configures mDNS advertisement and browsing
type DiscoveryConf struct {
	Disabled       bool     `json:"disabled,omitempty"`
	Service        string   `json:"service"`
	Domain         string   `json:"domain"`
	MeshTag        string   `json:"meshTag" split_words:"true"`
	BrowseInterval Duration `json:"browseInterval" split_words:"true"`
	BrowseWindow   Duration `json:"browseWindow" split_words:"true"`
	PeerTTL        Duration `json:"peerTTL" split_words:"true"`
}

// PlaybackConf configures the audio output process
type PlaybackConf struct {
	Command     string   `json:"command"`
	Args        []string `json:"args,omitempty"`
	StopTimeout Duration `json:"stopTimeout" split_words:"true"`
}

// MixerConf configures hardware volume control
type MixerConf struct {
	Command string `json:"command"`
	Control string `json:"control,omitempty"` // Empty means PCM, then Master, then the first control
}

// SyncConf configures replication
type SyncConf struct {
	AutoReplicate bool     `json:"autoReplicate,omitempty" split_words:"true"` // Replicate files dropped into the library out of band
	ScanOnStart   bool     `json:"scanOnStart,omitempty" split_words:"true"`
	Concurrency   int      `json:"concurrency"`
	PeerTimeout   Duration `json:"peerTimeout" split_words:"true"`
}

// ProvisionConf configures how network credentials are applied
type ProvisionConf struct {
	Mode         string `json:"mode"` // "append" or "overwrite"
	ConfPath     string `json:"confPath" split_words:"true"`
	Interface    string `json:"interface"`
	BaseTemplate string `json:"baseTemplate,omitempty" split_words:"true"` // Written before the new network in overwrite mode
}

// Duration is a time.Duration that reads from strings such as "10s" in
// both JSON and environment variables.
type Duration time.Duration

// UnmarshalText parses a Go duration string
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText renders the duration in Go syntax
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

package util

import (
	"os"
	"path/filepath"
	"runtime"
)

const appDirName = "musicmesh"

// baseDir picks the per-user directory for one kind of state. env and
// fallback apply to Linux/BSD (XDG); winEnv and winFallback to Windows.
// macOS keeps everything under Application Support.
func baseDir(env string, fallback []string, winEnv string, winFallback []string) string {
	homeDir, _ := os.UserHomeDir()

	switch runtime.GOOS {
	case "windows":
		if dir := os.Getenv(winEnv); dir != "" {
			return dir
		}
		return filepath.Join(append([]string{os.Getenv("USERPROFILE")}, winFallback...)...)
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support")
	default:
		if dir := os.Getenv(env); dir != "" {
			return dir
		}
		return filepath.Join(append([]string{homeDir}, fallback...)...)
	}
}

// GetConfigDir returns where the node configuration lives, e.g.
// ~/.config/musicmesh
func GetConfigDir() string {
	return filepath.Join(baseDir("XDG_CONFIG_HOME", []string{".config"},
		"APPDATA", []string{"AppData", "Roaming"}), appDirName)
}

// GetDataDir returns where the sync ledger lives, e.g.
// ~/.local/share/musicmesh
func GetDataDir() string {
	return filepath.Join(baseDir("XDG_DATA_HOME", []string{".local", "share"},
		"LOCALAPPDATA", []string{"AppData", "Local"}), appDirName)
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.json")
}

// GetDefaultDBPath returns the default sync ledger path
func GetDefaultDBPath() string {
	return filepath.Join(GetDataDir(), "musicmesh.db")
}

// GetDefaultMusicDir returns the default root of the category directories
func GetDefaultMusicDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil || homeDir == "" {
		return filepath.Join(GetDataDir(), "music")
	}
	return filepath.Join(homeDir, "music")
}

package config

import (
	"os"
	"path/filepath"
)

// Paths lists the files the node keeps under its home directory.
type Paths struct {
	Home    string // Node home directory (~/.audionode)
	Logs    string // Logs directory
	LogFile string // Daemon log file
	Cache   string // Track cache directory
	CacheDB string // SQLite track cache path
	PIDFile string // Daemon pid file
}

// GetPaths returns the layout rooted at home. Empty home uses GetHome().
func GetPaths(home string) Paths {
	if home == "" {
		home = GetHome()
	}
	home = ExpandPath(home)

	logs := filepath.Join(home, "logs")
	cache := filepath.Join(home, "cache")
	return Paths{
		Home:    home,
		Logs:    logs,
		LogFile: filepath.Join(logs, "audionode.log"),
		Cache:   cache,
		CacheDB: filepath.Join(cache, "tracks.db"),
		PIDFile: filepath.Join(home, "audionode.pid"),
	}
}

// GetHome returns the node home directory (~/.audionode).
func GetHome() string {
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".audionode")
}

// ExpandPath expands ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) == 1 {
			return home
		}
		if path[1] == '/' || path[1] == os.PathSeparator {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// EnsureDirs creates the directory structure for paths if it does not exist.
func EnsureDirs(paths Paths) error {
	for _, dir := range []string{paths.Home, paths.Logs, paths.Cache} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

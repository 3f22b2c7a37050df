// Package datadir resolves where engram keeps its database, config and
// migration sources.
package datadir

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default data directory name under $HOME.
	DefaultDirName = ".engram"

	// EnvVar is the environment variable that overrides the data directory.
	EnvVar = "ENGRAM_DATA_DIR"

	configSubdir   = "config"
	databaseSubdir = "data"

	configFile   = "engram.yaml"
	databaseFile = "engram.db"
	notesFile    = "MEMORY.md"
)

// DataDir provides every path engram reads or writes under its root.
type DataDir struct {
	root string
}

// New returns a DataDir rooted at the resolved data directory.
// It does NOT create anything; call EnsureDirs for that.
//
// Resolution priority:
//  1. ENGRAM_DATA_DIR environment variable
//  2. configValue argument (data_dir in engram.yaml)
//  3. ~/.engram/
func New(configValue string) (*DataDir, error) {
	root, err := resolveRoot(configValue)
	if err != nil {
		return nil, err
	}
	return &DataDir{root: root}, nil
}

// Root returns the base data directory path.
func (d *DataDir) Root() string { return d.root }

// ConfigDir returns {root}/config/.
func (d *DataDir) ConfigDir() string { return filepath.Join(d.root, configSubdir) }

// DatabaseDir returns {root}/data/.
func (d *DataDir) DatabaseDir() string { return filepath.Join(d.root, databaseSubdir) }

// ConfigFile returns {root}/config/engram.yaml.
func (d *DataDir) ConfigFile() string { return filepath.Join(d.ConfigDir(), configFile) }

// DatabasePath returns {root}/data/engram.db.
func (d *DataDir) DatabasePath() string { return filepath.Join(d.DatabaseDir(), databaseFile) }

// NotesPath returns {root}/MEMORY.md, the default first-run migration source.
func (d *DataDir) NotesPath() string { return filepath.Join(d.root, notesFile) }

// EnsureDirs creates the root and all subdirectories with 0700 permissions.
func (d *DataDir) EnsureDirs() error {
	for _, dir := range []string{d.root, d.ConfigDir(), d.DatabaseDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// resolveRoot determines the root path without creating it.
func resolveRoot(configValue string) (string, error) {
	dir := os.Getenv(EnvVar)
	if dir == "" {
		dir = configValue
	}
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, DefaultDirName)
	}
	return ExpandHome(dir), nil
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && (len(p) < 2 || p[:2] != "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	return filepath.Join(home, p[2:])
}

// Package manifest handles xmr.toml engine configuration.
package manifest

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// FileName is the name of the configuration file.
const FileName = "xmr.toml"

// Artifact store kinds.
const (
	StoreFS     = "fs"
	StoreSQLite = "sqlite"
)

// Manifest represents an xmr.toml configuration.
type Manifest struct {
	Engine  Engine  `toml:"engine"`
	Scripts Scripts `toml:"scripts"`
	Log     Log     `toml:"log"`

	// Dir is the directory containing the xmr.toml file (set at load time).
	Dir string `toml:"-"`
}

// Engine configures compilation and execution.
type Engine struct {
	ScriptBasePath string `toml:"script-base-path"`
	Store          string `toml:"store"`
	Database       string `toml:"database"`
	SaveSource     bool   `toml:"save-source"`
	SaveListing    bool   `toml:"save-listing"`
	Quantum        int    `toml:"quantum"`
}

// Scripts configures script source locations.
type Scripts struct {
	Dirs []string `toml:"dirs"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the configuration used when no xmr.toml exists, rooted at
// dir.
func Default(dir string) *Manifest {
	m := &Manifest{Dir: dir}
	m.applyDefaults()
	return m
}

// Load parses an xmr.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	m.applyDefaults()
	if err := m.applyEnv(); err != nil {
		return nil, err
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find an xmr.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

func (m *Manifest) applyDefaults() {
	if m.Engine.ScriptBasePath == "" {
		m.Engine.ScriptBasePath = filepath.Join(".xmr", "scripts")
	}
	if m.Engine.Store == "" {
		m.Engine.Store = StoreFS
	}
	if m.Engine.Database == "" {
		m.Engine.Database = filepath.Join(".xmr", "artifacts.db")
	}
	if len(m.Scripts.Dirs) == 0 {
		m.Scripts.Dirs = []string{"scripts"}
	}
}

// applyEnv lets XMR_SAVE_SOURCE and XMR_SAVE_LISTING override the file.
func (m *Manifest) applyEnv() error {
	for _, o := range []struct {
		name string
		dst  *bool
	}{
		{"XMR_SAVE_SOURCE", &m.Engine.SaveSource},
		{"XMR_SAVE_LISTING", &m.Engine.SaveListing},
	} {
		v, ok := os.LookupEnv(o.name)
		if !ok || v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", o.name, err)
		}
		*o.dst = b
	}
	return nil
}

func (m *Manifest) validate() error {
	switch m.Engine.Store {
	case StoreFS, StoreSQLite:
	default:
		return fmt.Errorf("unknown store %q (want %q or %q)", m.Engine.Store, StoreFS, StoreSQLite)
	}
	if m.Engine.Quantum < 0 {
		return fmt.Errorf("quantum must not be negative, got %d", m.Engine.Quantum)
	}
	return nil
}

func (m *Manifest) abs(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// ScriptBasePath returns the absolute artifact directory.
func (m *Manifest) ScriptBasePath() string {
	return m.abs(m.Engine.ScriptBasePath)
}

// DatabasePath returns the absolute path of the sqlite artifact store.
func (m *Manifest) DatabasePath() string {
	if m.Engine.Database == ":memory:" {
		return m.Engine.Database
	}
	return m.abs(m.Engine.Database)
}

// ScriptDirPaths returns absolute paths for the configured script directories.
func (m *Manifest) ScriptDirPaths() []string {
	var paths []string
	for _, d := range m.Scripts.Dirs {
		paths = append(paths, m.abs(d))
	}
	return paths
}

// ScriptFiles returns every .lsl file under the script directories, sorted.
// Missing directories are skipped.
func (m *Manifest) ScriptFiles() ([]string, error) {
	var files []string
	for _, dir := range m.ScriptDirPaths() {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == dir && os.IsNotExist(err) {
					return filepath.SkipDir
				}
				return err
			}
			if !d.IsDir() && strings.HasSuffix(path, ".lsl") {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", dir, err)
		}
	}
	sort.Strings(files)
	return files, nil
}

// Package manifest handles kestrel.toml run configuration.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// FileName is the manifest file looked up by Load and FindAndLoad.
const FileName = "kestrel.toml"

// Defaults applied to fields the manifest leaves unset.
const (
	DefaultEntry         = "Main.main"
	DefaultGCThreshold   = 1024
	DefaultMaxFrames     = 4096
	DefaultDispatchCache = 256
)

// ErrBadEntry reports an entry point that is not of the form Class.method.
var ErrBadEntry = errors.New("entry must be Class.method")

// Manifest represents a kestrel.toml run configuration.
type Manifest struct {
	Program Program       `toml:"program"`
	GC      GCConfig      `toml:"gc"`
	Machine MachineConfig `toml:"machine"`
	Log     LogConfig     `toml:"log"`

	// Dir is the directory containing the kestrel.toml file (set at load time).
	Dir string `toml:"-"`
}

// Program names the modules to link and the method to start in.
type Program struct {
	Name    string   `toml:"name"`
	Entry   string   `toml:"entry"`
	Modules []string `toml:"modules"`
}

// GCConfig configures the collector.
type GCConfig struct {
	Enabled   *bool `toml:"enabled"`
	Threshold int   `toml:"threshold"`
}

// MachineConfig sizes the interpreter.
type MachineConfig struct {
	MaxFrames     int `toml:"max-frames"`
	DispatchCache int `toml:"dispatch-cache"`
}

// LogConfig configures logging.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the manifest used when no kestrel.toml exists.
func Default() *Manifest {
	m := &Manifest{}
	m.applyDefaults()
	return m
}

// Load parses a kestrel.toml file from the given directory.
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
	if _, _, err := m.EntryPoint(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find a kestrel.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

func (m *Manifest) applyDefaults() {
	if m.Program.Entry == "" {
		m.Program.Entry = DefaultEntry
	}
	if m.GC.Enabled == nil {
		enabled := true
		m.GC.Enabled = &enabled
	}
	if m.GC.Threshold <= 0 {
		m.GC.Threshold = DefaultGCThreshold
	}
	if m.Machine.MaxFrames <= 0 {
		m.Machine.MaxFrames = DefaultMaxFrames
	}
	if m.Machine.DispatchCache <= 0 {
		m.Machine.DispatchCache = DefaultDispatchCache
	}
}

// GCEnabled reports whether threshold-triggered collection is on.
func (m *Manifest) GCEnabled() bool { return m.GC.Enabled == nil || *m.GC.Enabled }

// EntryPoint splits Program.Entry into class and method names.
func (m *Manifest) EntryPoint() (class, method string, err error) {
	return SplitEntry(m.Program.Entry)
}

// SplitEntry splits "Class.method" at its last dot.
func SplitEntry(entry string) (class, method string, err error) {
	i := strings.LastIndexByte(entry, '.')
	if i <= 0 || i == len(entry)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrBadEntry, entry)
	}
	return entry[:i], entry[i+1:], nil
}

// ModulePaths returns absolute paths for the configured modules.
func (m *Manifest) ModulePaths() []string {
	var paths []string
	for _, p := range m.Program.Modules {
		if filepath.IsAbs(p) {
			paths = append(paths, p)
			continue
		}
		paths = append(paths, filepath.Join(m.Dir, p))
	}
	return paths
}

// LogPath returns the absolute log file path, or "" for stderr.
func (m *Manifest) LogPath() string {
	if m.Log.File == "" || filepath.IsAbs(m.Log.File) {
		return m.Log.File
	}
	return filepath.Join(m.Dir, m.Log.File)
}

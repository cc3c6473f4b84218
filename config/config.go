// Package config handles loom.toml session configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents a loom.toml file.
type Config struct {
	Session   Session   `toml:"session"`
	Transport Transport `toml:"transport"`

	// Dir is the directory containing the loom.toml file (set at load time).
	Dir string `toml:"-"`
}

// Session tunes the protocol layer.
type Session struct {
	// Codec selects the frame codec: "json" (default) or "cbor". Both
	// peers must agree.
	Codec string `toml:"codec"`

	// PullTimeout bounds serving a single pull, e.g. "30s". Empty means
	// unbounded.
	PullTimeout string `toml:"pull-timeout"`

	// MaxMessage is loaded from max-message (bytes). No transport in this
	// module reads it; message sizes are not capped.
	MaxMessage uint32 `toml:"max-message"`
}

// Transport configures how the demo peer listens and dials.
type Transport struct {
	Listen string `toml:"listen"`
	Path   string `toml:"path"`
}

// PullTimeoutDuration parses the pull timeout, zero when unset.
func (s Session) PullTimeoutDuration() (time.Duration, error) {
	if s.PullTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.PullTimeout)
	if err != nil {
		return 0, fmt.Errorf("bad pull-timeout %q: %w", s.PullTimeout, err)
	}
	return d, nil
}

// Load parses a loom.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, "loom.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	applyDefaults(&c)
	return &c, nil
}

// FindAndLoad walks up from startDir to find a loom.toml file, then loads
// and returns the config. Returns defaults if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "loom.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			c := &Config{Dir: startDir}
			applyDefaults(c)
			return c, nil
		}
		dir = parent
	}
}

func applyDefaults(c *Config) {
	if c.Session.Codec == "" {
		c.Session.Codec = "json"
	}
	if c.Transport.Listen == "" {
		c.Transport.Listen = "localhost:7767"
	}
	if c.Transport.Path == "" {
		c.Transport.Path = "/loom"
	}
}

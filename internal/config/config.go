// Package config loads server and renderer settings from an optional YAML
// file, with defaults suitable for a stock KiCad 9 install.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort          = 8000
	DefaultHost          = "127.0.0.1"
	DefaultRenderTimeout = Duration(2 * time.Minute)
	DefaultCacheEntries  = 256
)

// Duration is a time.Duration that unmarshals from YAML duration strings
// like "30s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

func (d Duration) String() string { return time.Duration(d).String() }

// DefaultLayers is the set of PCB layers offered when the config does not
// name its own.
var DefaultLayers = []string{
	"F.Cu", "B.Cu",
	"F.Silkscreen", "B.Silkscreen",
	"F.Mask", "B.Mask",
	"Edge.Cuts",
}

type Config struct {
	// Host and Port for the local web UI.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// KicadCLI is the path to the kicad-cli executable.
	KicadCLI string `yaml:"kicad_cli"`

	// Layers lists the PCB layers offered for diffing.
	Layers []string `yaml:"layers"`

	// RenderTimeout bounds a single renderer invocation.
	RenderTimeout Duration `yaml:"render_timeout"`

	// CacheEntries is the in-memory render cache budget (entry count).
	CacheEntries int `yaml:"cache_entries"`

	// CacheDB optionally persists rendered images across restarts.
	CacheDB string `yaml:"cache_db"`

	// GitBackend selects "native" (go-git) or "cli" (git executable).
	GitBackend string `yaml:"git_backend"`

	// PCBPath and SchPath override project file auto-detection.
	PCBPath string `yaml:"pcb_path"`
	SchPath string `yaml:"sch_path"`

	// FitBoard exports PCB pages fitted to the board outline by default.
	FitBoard bool `yaml:"fit_board"`

	LogLevel string `yaml:"log_level"`
}

func (c *Config) defaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.KicadCLI == "" {
		c.KicadCLI = "kicad-cli"
	}
	if len(c.Layers) == 0 {
		c.Layers = append([]string(nil), DefaultLayers...)
	}
	if c.RenderTimeout <= 0 {
		c.RenderTimeout = DefaultRenderTimeout
	}
	if c.CacheEntries <= 0 {
		c.CacheEntries = DefaultCacheEntries
	}
	if c.GitBackend == "" {
		c.GitBackend = "native"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.defaults()
	return c
}

// Load reads a YAML config file and fills unset fields with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c := &Config{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	c.defaults()
	return c, nil
}

// Package config manages the global, persisted monitor configuration.
// Defaults are loaded from an embedded YAML file; the live config is stored
// as JSON in the conf dir and updated through the API.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed config.default.yaml
var defaultYAML []byte

// Data holds the serialisable global configuration.
type Data struct {
	// CheckInterval is the number of seconds between scheduler ticks.
	// Re-read at the top of every sleep, so updates apply without restart.
	CheckInterval int `json:"check_interval" yaml:"check_interval"`

	// MaxWorkers caps concurrent subscription checks per tick.
	MaxWorkers int `json:"max_workers" yaml:"max_workers"`

	// VerifySimpleRows controls whether legacy simple availability rows
	// (datacenter → status, no configuration) also go through price
	// verification.  Off by default to match the historical behaviour.
	VerifySimpleRows bool `json:"verify_simple_rows" yaml:"verify_simple_rows"`
}

func defaults() Data {
	var d Data
	if err := yaml.Unmarshal(defaultYAML, &d); err != nil {
		// The embedded file is compiled in; a parse failure is a build bug.
		panic(fmt.Sprintf("config: embedded defaults: %v", err))
	}
	return d
}

// Sanitize clamps out-of-range values to safe minimums.
func (d *Data) Sanitize() {
	if d.CheckInterval < 1 {
		d.CheckInterval = 5
	}
	if d.MaxWorkers < 1 {
		d.MaxWorkers = 4
	}
}

// Global is a thread-safe, disk-backed wrapper around Data.
type Global struct {
	mu      sync.RWMutex
	data    Data
	confDir string
}

// Load reads the config from confDir/config.json, filling in defaults for
// any missing fields.  Creates the directory if it does not exist.
func Load(confDir string) (*Global, error) {
	if err := os.MkdirAll(confDir, 0o755); err != nil {
		return nil, err
	}

	g := &Global{confDir: confDir, data: defaults()}

	raw, err := os.ReadFile(filepath.Join(confDir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return g, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(raw, &g.data); err != nil {
		return nil, err
	}
	g.data.Sanitize()
	return g, nil
}

// Get returns a thread-safe copy of the current configuration.
func (g *Global) Get() Data {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.data
}

// Set replaces the current configuration and persists it to disk.
func (g *Global) Set(d Data) error {
	d.Sanitize()
	g.mu.Lock()
	g.data = d
	g.mu.Unlock()
	return g.save()
}

func (g *Global) save() error {
	g.mu.RLock()
	raw, err := json.MarshalIndent(g.data, "", "  ")
	g.mu.RUnlock()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(g.confDir, "config.json"), raw, 0o644)
}

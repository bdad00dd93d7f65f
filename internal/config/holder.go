package config

import "sync/atomic"

// Holder provides atomic access to the current Config and supports
// reloading it from the original YAML path at runtime. A failed reload
// preserves the previously loaded config.
type Holder struct {
	current  atomic.Pointer[Config]
	yamlPath string
}

// NewHolder creates a Holder seeded with cfg, remembering yamlPath for
// future reloads.
func NewHolder(cfg *Config, yamlPath string) *Holder {
	h := &Holder{yamlPath: yamlPath}
	h.current.Store(cfg)
	return h
}

// Get returns the current config. The returned pointer must be treated
// as read-only.
func (h *Holder) Get() *Config {
	return h.current.Load()
}

// Reload re-runs the full load hierarchy (defaults < YAML < ENV) and
// swaps in the new config. On error the old config stays active.
func (h *Holder) Reload() error {
	cfg, err := LoadFrom(h.yamlPath)
	if err != nil {
		return err
	}
	h.current.Store(cfg)
	return nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/kellerow/modmount/pkg/modmount/mode"
)

// Overrides is the per-module mode override table. It is the write path the
// UI has into the daemon: the daemon only ever reads it.
type Overrides struct {
	// Modules maps module id to its forced mount mode.
	Modules map[string]mode.Mode `toml:"modules"`
}

// overridesFile is the on-disk shape; modes stay strings until validated so
// one bad entry does not invalidate the rest of the table.
type overridesFile struct {
	Modules map[string]string `toml:"modules"`
}

// Get returns the override for a module id, if any.
func (o *Overrides) Get(id string) (mode.Mode, bool) {
	if o == nil || o.Modules == nil {
		return mode.Overlay, false
	}
	m, ok := o.Modules[id]
	return m, ok
}

// Set records an override for a module id.
func (o *Overrides) Set(id string, m mode.Mode) {
	if o.Modules == nil {
		o.Modules = make(map[string]mode.Mode)
	}
	o.Modules[id] = m
}

// Delete removes the override for a module id.
func (o *Overrides) Delete(id string) {
	delete(o.Modules, id)
}

// IDs returns the overridden module ids in sorted order.
func (o *Overrides) IDs() []string {
	ids := make([]string, 0, len(o.Modules))
	for id := range o.Modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadOverrides reads the override table from path. A missing file yields
// an empty table. Entries with unknown mode strings are dropped and
// reported through the returned error, which wraps ErrParse; valid entries
// still apply.
func LoadOverrides(path string) (*Overrides, error) {
	out := &Overrides{Modules: make(map[string]mode.Mode)}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		return out, fmt.Errorf("%w: %s: %v", ErrParse, path, err)
	}

	var raw overridesFile
	if err := toml.Unmarshal(data, &raw); err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrParse, path, err)
	}

	var bad []string
	for id, s := range raw.Modules {
		m, err := mode.Parse(s)
		if err != nil {
			bad = append(bad, fmt.Sprintf("%s=%q", id, s))
			continue
		}
		out.Modules[id] = m
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return out, fmt.Errorf("%w: %s: invalid overrides: %v", ErrParse, path, bad)
	}
	return out, nil
}

// SaveOverrides writes the override table atomically.
func SaveOverrides(path string, o *Overrides) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating overrides directory: %w", err)
	}

	raw := overridesFile{Modules: make(map[string]string, len(o.Modules))}
	for id, m := range o.Modules {
		raw.Modules[id] = m.String()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".overrides-*.toml")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := toml.NewEncoder(tmp).Encode(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("encoding overrides: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming overrides: %w", err)
	}
	return nil
}

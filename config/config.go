// Package config handles crossvm.toml session configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/crossvm/vm"
)

// Config represents a crossvm.toml session configuration.
type Config struct {
	Session Session      `toml:"session"`
	Journal Journal      `toml:"journal"`
	Breaks  []Breakpoint `toml:"breakpoint"`
	Allows  []Allow      `toml:"allow"`

	// Dir is the directory containing the crossvm.toml file (set at load time).
	Dir string `toml:"-"`
}

// Session holds general debugger behavior.
type Session struct {
	Color  string `toml:"color"` // "auto", "always", "never"
	Unsafe bool   `toml:"unsafe"`
}

// Journal configures trace recording.
type Journal struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Breakpoint is a breakpoint to install before the first prompt.
type Breakpoint struct {
	Offset    uint32 `toml:"offset"`
	Condition string `toml:"condition"`
}

// Allow is an allow rule to install before the first prompt, by mnemonic.
type Allow struct {
	Opcode    string `toml:"opcode"`
	Condition string `toml:"condition"`
}

// Load parses a crossvm.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, "crossvm.toml")
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

	// Defaults
	if c.Session.Color == "" {
		c.Session.Color = "auto"
	}
	if c.Journal.Path == "" {
		c.Journal.Path = filepath.Join(c.Dir, "crossvm-journal.db")
	}
	return &c, nil
}

// Apply installs the configured breakpoints and allow rules into a session.
// Unknown mnemonics fail: a typo in the config should not silently leave an
// opcode gated.
func (c *Config) Apply(m *vm.VM) error {
	for _, bp := range c.Breaks {
		m.Breakpoints.Set(bp.Offset, bp.Condition)
	}
	table := vm.TableForVersion(m.Current().Code.Version)
	for _, rule := range c.Allows {
		op, ok := table.ByName(rule.Opcode)
		if !ok {
			return fmt.Errorf("config: unknown opcode %q in allow rule", rule.Opcode)
		}
		m.Allow.Allow(op, rule.Condition)
	}
	return nil
}

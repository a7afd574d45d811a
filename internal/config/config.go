// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the daemon's HCL configuration file. Command-line
// flags override file values; defaults cover everything else.
package config

import (
	"net/netip"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"grimm.is/dnswall/internal/errors"
	"grimm.is/dnswall/internal/logging"
)

// Config holds the daemon settings.
type Config struct {
	Listen        string `hcl:"listen,optional"`         // IPv4 listen address
	Port          int    `hcl:"port,optional"`           // UDP listen port
	Verbose       string `hcl:"verbose,optional"`        // default query trace level
	RuleFile      string `hcl:"rulefile,optional"`       // policy commands loaded at startup
	ControlSocket string `hcl:"control_socket,optional"` // UNIX socket path
	QueryLog      string `hcl:"querylog,optional"`       // SQLite query log path, empty disables
	MetricsListen string `hcl:"metrics_listen,optional"` // prometheus listen addr, empty disables
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Listen:  "0.0.0.0",
		Port:    53,
		Verbose: "warn",
	}
}

// LoadFile decodes an HCL config file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := hclsimple.DecodeFile(path, nil, cfg); err != nil {
		return nil, errors.Wrapf(err, errors.KindParse, "loading config %s", path)
	}
	return cfg, nil
}

// Validate checks the settings that would otherwise fail deep inside
// startup.
func (c *Config) Validate() error {
	addr, err := netip.ParseAddr(c.Listen)
	if err != nil || !addr.Is4() {
		return errors.Errorf(errors.KindValidation, "invalid IPv4 listen address: %s", c.Listen)
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.Errorf(errors.KindValidation, "port must be between 1 and 65535, got %d", c.Port)
	}
	if _, ok := logging.ParseLevel(c.Verbose); !ok {
		return errors.Errorf(errors.KindValidation, "unknown verbose level: %s", c.Verbose)
	}
	return nil
}

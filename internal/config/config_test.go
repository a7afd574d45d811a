// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen != "0.0.0.0" {
		t.Errorf("Listen = %s", cfg.Listen)
	}
	if cfg.Port != 53 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.Verbose != "warn" {
		t.Errorf("Verbose = %s", cfg.Verbose)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dnswall.hcl")
	content := `
listen = "127.0.0.1"
port = 5353
verbose = "debug"
rulefile = "/etc/dnswall/rules"
control_socket = "/tmp/dnswall-test.sock"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != "127.0.0.1" || cfg.Port != 5353 || cfg.Verbose != "debug" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.RuleFile != "/etc/dnswall/rules" {
		t.Errorf("RuleFile = %s", cfg.RuleFile)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	bad := []*Config{
		{Listen: "::1", Port: 53, Verbose: "warn"},
		{Listen: "nope", Port: 53, Verbose: "warn"},
		{Listen: "0.0.0.0", Port: 0, Verbose: "warn"},
		{Listen: "0.0.0.0", Port: 70000, Verbose: "warn"},
		{Listen: "0.0.0.0", Port: 53, Verbose: "shouty"},
	}
	for i, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d should fail validation", i)
		}
	}
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctl

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"grimm.is/dnswall/internal/engine"
)

func startServer(t *testing.T) (string, *engine.Tables) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ctl.sock")
	tables := engine.NewTables()
	srv := NewServer(path, tables)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("starting control server: %v", err)
	}
	t.Cleanup(srv.Close)
	return path, tables
}

func TestControl_CommandRoundTrip(t *testing.T) {
	path, tables := startServer(t)

	resp, err := Send(path, "add chain c1")
	if err != nil {
		t.Fatal(err)
	}
	if resp != "ok" {
		t.Errorf("response = %q, want ok", resp)
	}
	if _, err := Send(path, "add rule c1 qname *.x drop"); err != nil {
		t.Fatal(err)
	}

	rules, _ := tables.Command("list")
	if !strings.Contains(rules, "qname *.x drop") {
		t.Errorf("rule not installed:\n%s", rules)
	}
}

func TestControl_List(t *testing.T) {
	path, _ := startServer(t)

	if _, err := Send(path, "add chain c1"); err != nil {
		t.Fatal(err)
	}
	resp, err := Send(path, "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resp, "chain [0] c1 {") {
		t.Errorf("list response missing chain: %q", resp)
	}
}

func TestControl_ParseErrorReported(t *testing.T) {
	path, _ := startServer(t)

	resp, err := Send(path, "add rule ghost drop")
	if err != nil {
		t.Fatal(err)
	}
	if resp == "ok" {
		t.Error("bad command should not answer ok")
	}
	if !strings.Contains(resp, "ghost") {
		t.Errorf("error should name the missing hook: %q", resp)
	}
}

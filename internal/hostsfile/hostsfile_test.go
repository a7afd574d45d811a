// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package hostsfile

import (
	"os"
	"path/filepath"
	"testing"
)

func writeHosts(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hosts")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLookup(t *testing.T) {
	path := writeHosts(t, `
# comment line
127.0.0.1 localhost
10.0.0.1 foo bar.example   # inline comment
10.0.0.2 foo
not-an-ip broken
10.0.0.3
`)

	cases := []struct {
		qname string
		want  string
		found bool
	}{
		{"localhost", "127.0.0.1", true},
		{"foo", "10.0.0.1", true}, // first entry wins
		{"bar.example", "10.0.0.1", true},
		{"missing", "", false},
		{"broken", "", false}, // invalid IP line skipped
	}
	for _, tc := range cases {
		ip, found, err := Lookup(path, tc.qname)
		if err != nil {
			t.Fatalf("Lookup(%s): %v", tc.qname, err)
		}
		if found != tc.found {
			t.Errorf("Lookup(%s) found = %v, want %v", tc.qname, found, tc.found)
			continue
		}
		if found && ip.String() != tc.want {
			t.Errorf("Lookup(%s) = %s, want %s", tc.qname, ip, tc.want)
		}
	}
}

func TestLookup_CaseInsensitive(t *testing.T) {
	path := writeHosts(t, "10.0.0.1 MiXeD.Example\n")

	ip, found, err := Lookup(path, "mixed.example")
	if err != nil || !found {
		t.Fatalf("expected match, found=%v err=%v", found, err)
	}
	if ip.String() != "10.0.0.1" {
		t.Errorf("ip = %s", ip)
	}
}

func TestLookup_MissingFile(t *testing.T) {
	_, _, err := Lookup(filepath.Join(t.TempDir(), "nope"), "foo")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package hostsfile resolves names against hosts(5)-style files for the
// resolvefile action.
package hostsfile

import (
	"bufio"
	"net/netip"
	"os"
	"strings"
)

// Lookup scans path for the first entry whose name list contains qname
// (case-insensitive; both sides are lowercased). Lines are `IP NAME
// [NAME...]`; `#` starts a comment, blank lines are skipped. The boolean
// return is false when no entry matches.
func Lookup(path, qname string) (netip.Addr, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return netip.Addr{}, false, err
	}
	defer f.Close()

	want := strings.ToLower(qname)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.Index(line, "#"); idx != -1 {
			line = line[:idx]
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		ip, err := netip.ParseAddr(parts[0])
		if err != nil {
			continue
		}
		for _, name := range parts[1:] {
			if strings.ToLower(name) == want {
				return ip, true, nil
			}
		}
	}
	return netip.Addr{}, false, scanner.Err()
}

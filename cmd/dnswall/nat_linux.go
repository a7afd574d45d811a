// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package main

import (
	"grimm.is/dnswall/internal/fakeip"
	"grimm.is/dnswall/internal/logging"
	"grimm.is/dnswall/internal/nat"
)

// buildNAT programs the kernel fake-IP map when possible. Without the
// needed privileges the daemon still runs; fake IPs are handed out but not
// rewritten by the kernel.
func buildNAT() fakeip.NAT {
	n, err := nat.New()
	if err != nil {
		logging.Warn("[main] nftables unavailable, fake ip NAT disabled: %v", err)
		return nat.Noop{}
	}
	return n
}

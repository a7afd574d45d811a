// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package main

import (
	"grimm.is/dnswall/internal/fakeip"
	"grimm.is/dnswall/internal/logging"
	"grimm.is/dnswall/internal/nat"
)

func buildNAT() fakeip.NAT {
	logging.Warn("[main] fake ip NAT requires linux, running without kernel rewrite")
	return nat.Noop{}
}

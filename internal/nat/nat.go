// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package nat materializes the fake→real IP mapping in the host firewall.
// On Linux this is an nftables ip map with DNAT chains on prerouting and
// output; elsewhere, or when nftables cannot be programmed, a no-op
// implementation stands in.
package nat

import (
	"net/netip"

	"grimm.is/dnswall/internal/logging"
)

// Noop discards all NAT mutations. Used on unsupported platforms and when
// the daemon runs without the privileges to program the kernel.
type Noop struct{}

func (Noop) Add(fake, real netip.Addr) error { return nil }
func (Noop) Delete(fake netip.Addr) error    { return nil }
func (Noop) Flush() error                    { return nil }

var logger = logging.New("nat")

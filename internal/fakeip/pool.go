// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package fakeip allocates synthetic addresses from a configured subnet and
// maintains the bijection between live fake IPs and real IPs, with a
// reverse index by domain. Released addresses are recycled LIFO. Every
// allocation and release is mirrored into the NAT collaborator so the
// kernel can rewrite traffic addressed to a fake IP.
package fakeip

import (
	"net/netip"
	"sync"

	"grimm.is/dnswall/internal/errors"
	"grimm.is/dnswall/internal/logging"
	"grimm.is/dnswall/internal/metrics"
)

// NAT is the external collaborator materializing the fake→real mapping in
// the host firewall.
type NAT interface {
	Add(fake, real netip.Addr) error
	Delete(fake netip.Addr) error
	Flush() error
}

// FakeIP is one synthetic address and the domains currently claiming it.
type FakeIP struct {
	Fake    netip.Addr
	Real    netip.Addr
	domains map[string]struct{}
}

func (f *FakeIP) free() bool { return len(f.domains) == 0 }

// Domains returns the number of domains mapped to this fake IP.
func (f *FakeIP) Domains() int { return len(f.domains) }

// Pool allocates fake IPs from one CIDR.
type Pool struct {
	mu       sync.Mutex
	network  netip.Prefix
	cursor   netip.Addr // last address produced by next(), starts at the network address
	recycled []netip.Addr
	byDomain map[string]*FakeIP
	byReal   map[netip.Addr]*FakeIP

	nat     NAT
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewPool creates a pool over the given IPv4 CIDR. m may be nil.
func NewPool(cidr string, nat NAT, m *metrics.Metrics) (*Pool, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "invalid fake net %q", cidr)
	}
	if !prefix.Addr().Is4() {
		return nil, errors.Errorf(errors.KindValidation, "fake net %q is not IPv4", cidr)
	}
	prefix = prefix.Masked()
	return &Pool{
		network:  prefix,
		cursor:   prefix.Addr(),
		byDomain: make(map[string]*FakeIP),
		byReal:   make(map[netip.Addr]*FakeIP),
		nat:      nat,
		logger:   logging.New("fakeip").With("net", prefix.String()),
		metrics:  m,
	}, nil
}

// Network returns the pool's CIDR.
func (p *Pool) Network() netip.Prefix { return p.network }

// Contains reports whether ip falls inside the pool's subnet.
func (p *Pool) Contains(ip netip.Addr) bool { return p.network.Contains(ip) }

// next advances the lazy generator to the next usable host address. Host
// octets 0 and 255 are never handed out, which also excludes the network
// and broadcast addresses of /24-aligned ranges. Returns an invalid Addr
// when the subnet is exhausted. Callers hold p.mu.
func (p *Pool) next() netip.Addr {
	for {
		p.cursor = p.cursor.Next()
		if !p.network.Contains(p.cursor) {
			return netip.Addr{}
		}
		last := p.cursor.As4()[3]
		if last == 0 || last == 255 {
			continue
		}
		return p.cursor
	}
}

// Register maps (domain, real) to a fake IP and returns it. Registering the
// same pair again returns the existing fake IP. When the domain re-resolves
// to a different real IP, the old claim is released first. The second
// return is false when the pool is exhausted.
func (p *Pool) Register(domain string, real netip.Addr) (netip.Addr, bool) {
	p.mu.Lock()

	var natAdd, natDelete netip.Addr
	fake, ok := p.register(domain, real, &natAdd, &natDelete)
	p.mu.Unlock()

	// NAT mutations happen outside the pool lock; the collaborator may
	// block on a kernel transaction.
	if natDelete.IsValid() {
		if err := p.nat.Delete(natDelete); err != nil {
			p.logger.Warn("nat delete failed", "fake", natDelete, "error", err)
		}
	}
	if natAdd.IsValid() {
		if err := p.nat.Add(natAdd, real); err != nil {
			p.logger.Warn("nat add failed", "fake", natAdd, "real", real, "error", err)
		}
	}

	if !ok && p.metrics != nil {
		p.metrics.FakeIPExhausted.Inc()
	}
	return fake, ok
}

func (p *Pool) register(domain string, real netip.Addr, natAdd, natDelete *netip.Addr) (netip.Addr, bool) {
	if fip, ok := p.byDomain[domain]; ok {
		if fip.Real == real {
			return fip.Fake, true
		}
		// resolution changed, drop the stale claim and retry
		p.unregister(domain, natDelete)
		return p.register(domain, real, natAdd, natDelete)
	}

	if fip, ok := p.byReal[real]; ok {
		fip.domains[domain] = struct{}{}
		p.byDomain[domain] = fip
		return fip.Fake, true
	}

	var fake netip.Addr
	if n := len(p.recycled); n > 0 {
		fake = p.recycled[n-1]
		p.recycled = p.recycled[:n-1]
	} else {
		fake = p.next()
		if !fake.IsValid() {
			return netip.Addr{}, false
		}
	}

	fip := &FakeIP{Fake: fake, Real: real, domains: map[string]struct{}{domain: {}}}
	p.byDomain[domain] = fip
	p.byReal[real] = fip
	*natAdd = fake
	if p.metrics != nil {
		p.metrics.FakeIPAllocated.Inc()
	}
	return fake, true
}

// Unregister releases a domain's claim. When the owning fake IP has no
// remaining domains it is deleted from the NAT map and pushed onto the
// recycle stack for LIFO reuse.
func (p *Pool) Unregister(domain string) {
	p.mu.Lock()
	var natDelete netip.Addr
	p.unregister(domain, &natDelete)
	p.mu.Unlock()

	if natDelete.IsValid() {
		if err := p.nat.Delete(natDelete); err != nil {
			p.logger.Warn("nat delete failed", "fake", natDelete, "error", err)
		}
	}
}

func (p *Pool) unregister(domain string, natDelete *netip.Addr) {
	fip, ok := p.byDomain[domain]
	if !ok {
		return
	}
	delete(p.byDomain, domain)
	delete(fip.domains, domain)
	if !fip.free() {
		return
	}
	delete(p.byReal, fip.Real)
	p.recycled = append(p.recycled, fip.Fake)
	*natDelete = fip.Fake
	if p.metrics != nil {
		p.metrics.FakeIPRecycled.Inc()
	}
}

// LookupDomain returns the fake IP mapping for a domain, if any.
func (p *Pool) LookupDomain(domain string) (*FakeIP, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fip, ok := p.byDomain[domain]
	return fip, ok
}

// LookupReal returns the fake IP mapping for a real IP, if any.
func (p *Pool) LookupReal(real netip.Addr) (*FakeIP, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fip, ok := p.byReal[real]
	return fip, ok
}

// Pools is the registry of per-CIDR pools, created lazily on first use by
// the fakeip action.
type Pools struct {
	mu    sync.Mutex
	nat   NAT
	m     *metrics.Metrics
	pools map[string]*Pool
}

// NewPools creates the registry. All pools share the NAT collaborator.
func NewPools(nat NAT, m *metrics.Metrics) *Pools {
	return &Pools{
		nat:   nat,
		m:     m,
		pools: make(map[string]*Pool),
	}
}

// Get returns the pool for cidr, creating it on first use.
func (ps *Pools) Get(cidr string) (*Pool, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if p, ok := ps.pools[cidr]; ok {
		return p, nil
	}
	p, err := NewPool(cidr, ps.nat, ps.m)
	if err != nil {
		return nil, err
	}
	ps.pools[cidr] = p
	return p, nil
}

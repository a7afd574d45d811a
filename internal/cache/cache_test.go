// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cache

import (
	"net/netip"
	"testing"
	"time"

	"grimm.is/dnswall/internal/clock"
)

type fakePool struct {
	released []string
}

func (p *fakePool) Unregister(domain string) {
	p.released = append(p.released, domain)
}

func newTestCache() (*Cache, *clock.MockClock) {
	clk := clock.NewMockClock(time.Now())
	return New(clk, nil), clk
}

func TestCache_PutGet(t *testing.T) {
	c, clk := newTestCache()

	c.Put("foo", 1, []Answer{
		{IP: netip.MustParseAddr("1.2.3.4"), TTL: 100},
		{IP: netip.MustParseAddr("5.6.7.8"), TTL: 200},
	}, nil)

	clk.Advance(10 * time.Second)

	got := c.Get("foo", 1)
	if len(got) != 2 {
		t.Fatalf("expected 2 answers, got %d", len(got))
	}
	if got[0].TTL != 90 {
		t.Errorf("remaining ttl = %d, want 90", got[0].TTL)
	}
	if got[1].TTL != 190 {
		t.Errorf("remaining ttl = %d, want 190", got[1].TTL)
	}

	if c.Get("foo", 28) != nil {
		t.Error("different qtype must not hit")
	}
	if c.Get("bar", 1) != nil {
		t.Error("different qname must not hit")
	}
}

func TestCache_GetSkipsExpired(t *testing.T) {
	c, clk := newTestCache()

	c.Put("foo", 1, []Answer{
		{IP: netip.MustParseAddr("1.2.3.4"), TTL: 10},
		{IP: netip.MustParseAddr("5.6.7.8"), TTL: 100},
	}, nil)

	clk.Advance(50 * time.Second)

	got := c.Get("foo", 1)
	if len(got) != 1 {
		t.Fatalf("expected the surviving answer only, got %d", len(got))
	}
	if got[0].IP.String() != "5.6.7.8" {
		t.Errorf("wrong survivor: %s", got[0].IP)
	}
}

func TestCache_CleanupRemovesExpired(t *testing.T) {
	c, clk := newTestCache()

	c.Put("foo", 1, []Answer{{IP: netip.MustParseAddr("1.2.3.4"), TTL: 10}}, nil)
	c.Put("bar", 1, []Answer{{IP: netip.MustParseAddr("5.6.7.8"), TTL: 1000}}, nil)

	clk.Advance(20 * time.Second)
	c.Cleanup()

	if got := c.Get("foo", 1); got != nil {
		t.Errorf("expired key retrievable after cleanup: %v", got)
	}
	if got := c.Get("bar", 1); len(got) != 1 {
		t.Error("live key lost by cleanup")
	}
	if c.size() != 1 {
		t.Errorf("size = %d, want 1", c.size())
	}
}

func TestCache_CleanupReleasesPoolClaims(t *testing.T) {
	c, clk := newTestCache()
	pool := &fakePool{}

	c.Put("svc.test", 1, []Answer{{IP: netip.MustParseAddr("198.19.0.1"), TTL: 30}}, pool)
	c.Put("plain.test", 1, []Answer{{IP: netip.MustParseAddr("5.6.7.8"), TTL: 30}}, nil)

	clk.Advance(31 * time.Second)
	c.Cleanup()

	if len(pool.released) != 1 || pool.released[0] != "svc.test" {
		t.Errorf("pool releases = %v, want [svc.test]", pool.released)
	}
}

func TestCache_StaleHeapEntriesIgnored(t *testing.T) {
	c, clk := newTestCache()

	// two heap items under one key: the first pop prunes both entries and
	// drops the key, the second pop meets a stale item for the already-clean
	// key; a further cleanup finds nothing left
	c.Put("foo", 1, []Answer{
		{IP: netip.MustParseAddr("1.2.3.4"), TTL: 10},
		{IP: netip.MustParseAddr("5.6.7.8"), TTL: 10},
	}, nil)
	clk.Advance(11 * time.Second)
	c.Cleanup()
	c.Cleanup()

	if c.size() != 0 {
		t.Errorf("size = %d, want 0", c.size())
	}
}

func TestCache_DuplicateIPsAllowed(t *testing.T) {
	c, _ := newTestCache()

	c.Put("foo", 1, []Answer{{IP: netip.MustParseAddr("1.2.3.4"), TTL: 100}}, nil)
	c.Put("foo", 1, []Answer{{IP: netip.MustParseAddr("1.2.3.4"), TTL: 100}}, nil)

	if got := c.Get("foo", 1); len(got) != 2 {
		t.Errorf("duplicates should be kept, got %d entries", len(got))
	}
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package cache implements the TTL-indexed answer cache. Entries are kept
// per (qname, qtype) key; a shared min-heap over expiry timestamps drives
// bulk expiry from a periodic cleaner. Entries minted by a fake-IP pool
// carry a back-reference so the pool can release the domain's claim when
// the entry expires.
package cache

import (
	"container/heap"
	"context"
	"net/netip"
	"sync"
	"time"

	"grimm.is/dnswall/internal/clock"
	"grimm.is/dnswall/internal/logging"
	"grimm.is/dnswall/internal/metrics"
)

// Answer is one cached or cacheable A record.
type Answer struct {
	IP  netip.Addr
	TTL uint32
}

// PoolRef is the fake-IP pool hook consulted on expiry.
type PoolRef interface {
	Unregister(domain string)
}

type key struct {
	qname string
	qtype uint16
}

type entry struct {
	ip     netip.Addr
	expiry time.Time
	pool   PoolRef
}

type heapItem struct {
	at time.Time
	k  key
}

type expiryHeap []heapItem

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)         { *h = append(*h, x.(heapItem)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Cache is the process-wide answer cache.
type Cache struct {
	mu      sync.Mutex
	clk     clock.Clock
	entries map[key][]entry
	heap    expiryHeap
	count   int

	logger  *logging.Logger
	metrics *metrics.Metrics
}

// New creates an empty cache using clk as its time source. m may be nil.
func New(clk clock.Clock, m *metrics.Metrics) *Cache {
	return &Cache{
		clk:     clk,
		entries: make(map[key][]entry),
		logger:  logging.New("cache"),
		metrics: m,
	}
}

// Put appends the answers under (qname, qtype) with expiry now+TTL and
// schedules them on the expiry heap. pool may be nil; when set, expiry of
// the entry unregisters qname from the pool. Duplicate IPs under the same
// key are permitted; the cleaner converges them.
func (c *Cache) Put(qname string, qtype uint16, answers []Answer, pool PoolRef) {
	if len(answers) == 0 {
		return
	}
	now := c.clk.Now()
	k := key{qname: qname, qtype: qtype}

	c.mu.Lock()
	for _, a := range answers {
		exp := now.Add(time.Duration(a.TTL) * time.Second)
		c.entries[k] = append(c.entries[k], entry{ip: a.IP, expiry: exp, pool: pool})
		heap.Push(&c.heap, heapItem{at: exp, k: k})
		c.count++
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.CacheEntries.Set(float64(c.size()))
	}
}

// Get returns the unexpired answers for (qname, qtype), each with its
// remaining TTL in whole seconds. A nil return means nothing usable is
// cached.
func (c *Cache) Get(qname string, qtype uint16) []Answer {
	now := c.clk.Now()
	k := key{qname: qname, qtype: qtype}

	c.mu.Lock()
	list := c.entries[k]
	var out []Answer
	for _, e := range list {
		if e.expiry.After(now) {
			out = append(out, Answer{IP: e.ip, TTL: uint32(e.expiry.Sub(now) / time.Second)})
		}
	}
	c.mu.Unlock()

	if c.metrics != nil {
		if len(out) > 0 {
			c.metrics.CacheHits.Inc()
		} else {
			c.metrics.CacheMisses.Inc()
		}
	}
	return out
}

func (c *Cache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Run drives the periodic cleaner until ctx is cancelled. The spec cadence
// is about one second.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// Cleanup pops every heap item whose deadline has passed and prunes the
// expired entries from the owning lists. Pool unregistrations are invoked
// after the cache lock is released; the pool may in turn call into the NAT
// collaborator, which can block.
func (c *Cache) Cleanup() {
	now := c.clk.Now()

	type release struct {
		pool  PoolRef
		qname string
	}
	var releases []release

	c.mu.Lock()
	for len(c.heap) > 0 && !c.heap[0].at.After(now) {
		it := heap.Pop(&c.heap).(heapItem)
		list, ok := c.entries[it.k]
		if !ok {
			// stale heap item, the key was already cleaned
			continue
		}
		live := list[:0]
		for _, e := range list {
			if e.expiry.After(now) {
				live = append(live, e)
				continue
			}
			c.count--
			if e.pool != nil {
				releases = append(releases, release{pool: e.pool, qname: it.k.qname})
			}
		}
		if len(live) == 0 {
			delete(c.entries, it.k)
		} else {
			c.entries[it.k] = live
		}
	}
	remaining := c.count
	c.mu.Unlock()

	for _, r := range releases {
		r.pool.Unregister(r.qname)
	}
	if len(releases) > 0 {
		c.logger.Debug("released expired fake ip claims", "count", len(releases))
	}
	if c.metrics != nil {
		c.metrics.CacheEntries.Set(float64(remaining))
	}
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package engine implements the policy engine: ordered rule chains
// evaluated against DNS queries, with matchers deciding applicability and
// actions resolving, rewriting, caching, or dropping. Chains support
// break/return/jump/call control transfer and fall through to the next
// declared chain when they finish without a terminal verdict.
package engine

import (
	"context"
	"net/netip"

	"grimm.is/dnswall/internal/cache"
	"grimm.is/dnswall/internal/fakeip"
	"grimm.is/dnswall/internal/metrics"
)

// Verdict is the terminal state of an evaluation.
type Verdict int

const (
	// VerdictDone completes the query; an empty answer becomes NXDOMAIN at
	// the reply layer.
	VerdictDone Verdict = iota
	// VerdictDrop discards the query without a reply.
	VerdictDrop
)

func (v Verdict) String() string {
	if v == VerdictDrop {
		return "drop"
	}
	return "done"
}

// Answer is one (ip, ttl) element of a query's answer list.
type Answer struct {
	IP  netip.Addr
	TTL uint32
}

// Resolver is the external upstream client used by the forward action.
type Resolver interface {
	// Exchange sends rawQuery to upstream ("host" or "host:port") over UDP
	// and returns the A records of a NOERROR response.
	Exchange(ctx context.Context, rawQuery []byte, upstream string) ([]Answer, error)
}

// Env bundles the collaborators an evaluation may touch. One Env is shared
// by all queries; its members handle their own locking.
type Env struct {
	Tables   *Tables
	Cache    *cache.Cache
	Pools    *fakeip.Pools
	Resolver Resolver
	Metrics  *metrics.Metrics
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/google/uuid"

	"grimm.is/dnswall/internal/fakeip"
	"grimm.is/dnswall/internal/logging"
)

// maxChainEntries bounds chain traversal within one evaluation so cyclic
// jumps terminate (with a Drop) instead of looping forever.
const maxChainEntries = 64

// Query is the per-query unit of work. It is created when a packet
// arrives, threaded through the rule engine, and discarded once the reply
// is sent (or the query dropped). A Query is owned by a single evaluation;
// it is not safe for concurrent use.
type Query struct {
	ID      string
	SrcIP   netip.Addr
	SrcPort int
	Qname   string // lowercased, trailing dot stripped
	Qtype   uint16
	Raw     []byte // original wire bytes, forwarded verbatim upstream

	Answer []Answer

	// FakePool is the pool that minted the current answer's synthetic IPs,
	// set by the fakeip action and consulted by cache for co-eviction.
	FakePool *fakeip.Pool

	verbose     logging.Level
	trace       []string
	chainBudget int
}

// NewQuery builds a Query. qname is normalized to lowercase without the
// trailing dot.
func NewQuery(src netip.Addr, srcPort int, qname string, qtype uint16, raw []byte, verbose logging.Level) *Query {
	return &Query{
		ID:          uuid.NewString(),
		SrcIP:       src,
		SrcPort:     srcPort,
		Qname:       strings.ToLower(strings.TrimSuffix(qname, ".")),
		Qtype:       qtype,
		Raw:         raw,
		verbose:     verbose,
		chainBudget: maxChainEntries,
	}
}

// HasAnswer reports whether the answer list is non-empty.
func (q *Query) HasAnswer() bool { return len(q.Answer) > 0 }

// SetVerbose changes the query's trace threshold mid-evaluation.
func (q *Query) SetVerbose(l logging.Level) { q.verbose = l }

// Verbose returns the query's current trace threshold.
func (q *Query) Verbose() logging.Level { return q.verbose }

func formatAnswer(answer []Answer) string {
	parts := make([]string, 0, len(answer))
	for _, a := range answer {
		parts = append(parts, fmt.Sprintf("%s(ttl=%d)", a.IP, a.TTL))
	}
	return strings.Join(parts, ", ")
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"go4.org/netipx"

	"grimm.is/dnswall/internal/logging"
)

// Matcher is a side-effect-free predicate over a query. Matchers never
// mutate query or table state; a reference error (missing set) logs and
// fails the match.
type Matcher interface {
	Match(env *Env, q *Query) bool
	String() string
}

// evalMatch runs a matcher and traces its outcome at debug level.
func evalMatch(env *Env, q *Query, m Matcher) bool {
	matched := m.Match(env, q)
	trace(q, logging.LevelDebug, "matcher", fmt.Sprintf("matcher=%q ", m), func() string {
		return strconv.FormatBool(matched)
	})
	return matched
}

// NotMatcher negates its operand.
type NotMatcher struct {
	M Matcher
}

func (m *NotMatcher) Match(env *Env, q *Query) bool { return !evalMatch(env, q, m.M) }
func (m *NotMatcher) String() string                { return "not " + m.M.String() }

// AndMatcher short-circuits on the first non-match.
type AndMatcher struct {
	M0, M1 Matcher
}

func (m *AndMatcher) Match(env *Env, q *Query) bool {
	return evalMatch(env, q, m.M0) && evalMatch(env, q, m.M1)
}
func (m *AndMatcher) String() string { return m.M0.String() + " " + m.M1.String() }

// OrMatcher short-circuits on the first match.
type OrMatcher struct {
	M0, M1 Matcher
}

func (m *OrMatcher) Match(env *Env, q *Query) bool {
	return evalMatch(env, q, m.M0) || evalMatch(env, q, m.M1)
}
func (m *OrMatcher) String() string { return m.M0.String() + " or " + m.M1.String() }

// QnameMatcher matches the query name against a glob pattern or a named
// set ("@name"). Set elements are exact names or "*.suffix" wildcards.
type QnameMatcher struct {
	Pattern string
	g       glob.Glob // compiled at parse time unless Pattern is a set ref
}

func (m *QnameMatcher) Match(env *Env, q *Query) bool {
	if name, ok := strings.CutPrefix(m.Pattern, "@"); ok {
		set, ok := env.Tables.Set(name)
		if !ok {
			trace(q, logging.LevelWarn, "matcher", fmt.Sprintf("matcher=%q ", m),
				fmt.Sprintf("cannot find set '%s'", m.Pattern))
			return false
		}
		return qnameMatchSet(q.Qname, set)
	}
	return m.g.Match(q.Qname)
}

// qnameMatchSet checks exact membership, then every "*.suffix" formed from
// a non-empty trailing sub-path of qname (for a.b.c.d: *.b.c.d, *.c.d,
// *.d). A bare label never matches a wildcard.
func qnameMatchSet(qname string, set map[string]struct{}) bool {
	if _, ok := set[qname]; ok {
		return true
	}
	parts := strings.Split(qname, ".")
	for i := 1; i < len(parts); i++ {
		if _, ok := set["*."+strings.Join(parts[i:], ".")]; ok {
			return true
		}
	}
	return false
}

func (m *QnameMatcher) String() string { return "qname " + m.Pattern }

// IPMatcher matches the source IP or the answer IPs against a literal
// IP/CIDR or a named set of them. Key selects the quantifier: "src",
// "anyanswer" (some answer IP matches) or "everyanswer" (all do). Both
// answer quantifiers are false when the answer is empty.
//
// For set references the matcher materializes, on first use, the collapsed
// union of the set's networks plus a membership cache for recently tested
// IPs; containment is equivalent to testing the union of the set's CIDRs.
type IPMatcher struct {
	Pattern string
	Key     string // "src", "anyanswer", "everyanswer"

	mu   sync.Mutex
	nets *netipx.IPSet
	memo map[netip.Addr]bool
}

func (m *IPMatcher) Match(env *Env, q *Query) bool {
	switch m.Key {
	case "src":
		return m.matchOne(env, q, q.SrcIP)
	case "anyanswer", "everyanswer":
		if !q.HasAnswer() {
			return false
		}
		if m.Key == "anyanswer" {
			for _, a := range q.Answer {
				if m.matchOne(env, q, a.IP) {
					return true
				}
			}
			return false
		}
		for _, a := range q.Answer {
			if !m.matchOne(env, q, a.IP) {
				return false
			}
		}
		return true
	}
	return false
}

func (m *IPMatcher) matchOne(env *Env, q *Query, ip netip.Addr) bool {
	name, isSet := strings.CutPrefix(m.Pattern, "@")
	if !isSet {
		prefix, err := parsePrefix(m.Pattern)
		if err != nil {
			trace(q, logging.LevelWarn, "matcher", fmt.Sprintf("matcher=%q ", m),
				fmt.Sprintf("invalid ip pattern '%s'", m.Pattern))
			return false
		}
		return prefix.Contains(ip)
	}

	set, ok := env.Tables.Set(name)
	if !ok {
		trace(q, logging.LevelWarn, "matcher", fmt.Sprintf("matcher=%q ", m),
			fmt.Sprintf("cannot find set '%s'", m.Pattern))
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nets == nil {
		m.nets = buildIPSet(set)
		m.memo = make(map[netip.Addr]bool)
	}
	if matched, ok := m.memo[ip]; ok {
		return matched
	}
	matched := m.nets.Contains(ip)
	m.memo[ip] = matched
	return matched
}

// buildIPSet collapses the set's IPs and CIDRs into a merged network union.
// Unparseable elements are skipped.
func buildIPSet(set map[string]struct{}) *netipx.IPSet {
	var b netipx.IPSetBuilder
	for elem := range set {
		prefix, err := parsePrefix(elem)
		if err != nil {
			logging.Warn("[engine] skipping invalid ip set element %q: %v", elem, err)
			continue
		}
		b.AddPrefix(prefix)
	}
	s, err := b.IPSet()
	if err != nil {
		logging.Warn("[engine] ip set build failed: %v", err)
		s = &netipx.IPSet{}
	}
	return s
}

// parsePrefix accepts "1.2.3.4" (treated as /32) or "1.2.3.0/24".
func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func (m *IPMatcher) String() string { return m.Key + " " + m.Pattern }

// SrcPortMatcher matches the client source port exactly.
type SrcPortMatcher struct {
	Port int
}

func (m *SrcPortMatcher) Match(env *Env, q *Query) bool { return q.SrcPort == m.Port }
func (m *SrcPortMatcher) String() string                { return fmt.Sprintf("src_port %d", m.Port) }

// HasAnswerMatcher matches queries that already carry an answer.
type HasAnswerMatcher struct{}

func (m *HasAnswerMatcher) Match(env *Env, q *Query) bool { return q.HasAnswer() }
func (m *HasAnswerMatcher) String() string                { return "hasanswer" }

// buildMatcher consumes matcher tokens from the front of cmd and returns
// the matcher plus the unconsumed tail. Consecutive matchers and-combine.
// A nil matcher with nil error means the leading token is not a matcher.
func buildMatcher(cmd []string) (Matcher, []string, error) {
	if len(cmd) == 0 {
		return nil, cmd, nil
	}

	var (
		ret  Matcher
		rest []string
	)
	switch cmd[0] {
	case "not":
		inner, tail, err := buildMatcher(cmd[1:])
		if err != nil {
			return nil, cmd, err
		}
		if inner == nil {
			return nil, cmd, errParse("invalid matcher after 'not'")
		}
		// "not" binds everything and-combined after it
		return &NotMatcher{M: inner}, tail, nil
	case "hasanswer":
		ret, rest = &HasAnswerMatcher{}, cmd[1:]
	case "qname":
		if len(cmd) < 2 {
			return nil, cmd, nil
		}
		pattern := cmd[1]
		qm := &QnameMatcher{Pattern: pattern}
		if !strings.HasPrefix(pattern, "@") {
			g, err := glob.Compile(pattern)
			if err != nil {
				return nil, cmd, errParsef("invalid qname pattern %q", pattern)
			}
			qm.g = g
		}
		ret, rest = qm, cmd[2:]
	case "src_port":
		if len(cmd) < 2 {
			return nil, cmd, nil
		}
		port, err := strconv.Atoi(cmd[1])
		if err != nil || port < 0 || port > 65535 {
			return nil, cmd, errParsef("invalid src_port %q", cmd[1])
		}
		ret, rest = &SrcPortMatcher{Port: port}, cmd[2:]
	case "src", "anyanswer", "everyanswer":
		if len(cmd) < 2 {
			return nil, cmd, nil
		}
		ret, rest = &IPMatcher{Key: cmd[0], Pattern: cmd[1]}, cmd[2:]
	default:
		return nil, cmd, nil
	}

	// juxtaposed matchers and-combine
	next, tail, err := buildMatcher(rest)
	if err != nil {
		return nil, cmd, err
	}
	if next != nil {
		return &AndMatcher{M0: ret, M1: next}, tail, nil
	}
	return ret, rest, nil
}

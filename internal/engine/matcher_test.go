// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"net/netip"
	"testing"

	"grimm.is/dnswall/internal/cache"
	"grimm.is/dnswall/internal/clock"
	"grimm.is/dnswall/internal/fakeip"
	"grimm.is/dnswall/internal/logging"
)

type recordingNAT struct {
	adds    [][2]netip.Addr
	deletes []netip.Addr
}

func (n *recordingNAT) Add(fake, real netip.Addr) error {
	n.adds = append(n.adds, [2]netip.Addr{fake, real})
	return nil
}

func (n *recordingNAT) Delete(fake netip.Addr) error {
	n.deletes = append(n.deletes, fake)
	return nil
}

func (n *recordingNAT) Flush() error { return nil }

func testEnv(t *testing.T) (*Env, *clock.MockClock, *recordingNAT) {
	t.Helper()
	clk := clock.NewMockClock(clock.Now())
	nat := &recordingNAT{}
	env := &Env{
		Tables: NewTables(),
		Cache:  cache.New(clk, nil),
		Pools:  fakeip.NewPools(nat, nil),
	}
	return env, clk, nat
}

func testQuery(qname string) *Query {
	return NewQuery(netip.MustParseAddr("192.168.1.10"), 54321, qname, 1, nil, logging.LevelNone)
}

func mustCommand(t *testing.T, tables *Tables, line string) {
	t.Helper()
	if _, err := tables.Command(line); err != nil {
		t.Fatalf("command %q failed: %v", line, err)
	}
}

func TestQnameMatcher_Glob(t *testing.T) {
	env, _, _ := testEnv(t)

	cases := []struct {
		pattern string
		qname   string
		want    bool
	}{
		{"www.example.com", "www.example.com", true},
		{"www.example.com", "example.com", false},
		{"*.com", "a.com", true},
		{"*.com", "a.b.com", true},
		{"*.com", "com", false},
		{"a?.example.com", "ab.example.com", true},
		{"a?.example.com", "abc.example.com", false},
	}
	for _, tc := range cases {
		m, rest, err := buildMatcher([]string{"qname", tc.pattern})
		if err != nil || len(rest) != 0 {
			t.Fatalf("buildMatcher(qname %s): rest=%v err=%v", tc.pattern, rest, err)
		}
		if got := m.Match(env, testQuery(tc.qname)); got != tc.want {
			t.Errorf("qname %s vs %s: got %v, want %v", tc.pattern, tc.qname, got, tc.want)
		}
	}
}

func TestQnameMatcher_Set(t *testing.T) {
	env, _, _ := testEnv(t)
	mustCommand(t, env.Tables, "add set names")
	mustCommand(t, env.Tables, "add element names { exact.test *.wild.test }")

	m := &QnameMatcher{Pattern: "@names"}

	if !m.Match(env, testQuery("exact.test")) {
		t.Error("exact member should match")
	}
	if !m.Match(env, testQuery("a.wild.test")) {
		t.Error("wildcard should cover direct child")
	}
	if !m.Match(env, testQuery("a.b.wild.test")) {
		t.Error("wildcard should cover deeper names")
	}
	if m.Match(env, testQuery("wild.test")) {
		t.Error("wildcard must not cover the bare suffix")
	}
	if m.Match(env, testQuery("other.test")) {
		t.Error("non-member should not match")
	}
}

func TestQnameMatcher_MissingSet(t *testing.T) {
	env, _, _ := testEnv(t)
	m := &QnameMatcher{Pattern: "@nope"}
	if m.Match(env, testQuery("a.test")) {
		t.Error("missing set must fail the match")
	}
}

func TestIPMatcher_Src(t *testing.T) {
	env, _, _ := testEnv(t)

	m := &IPMatcher{Key: "src", Pattern: "192.168.1.0/24"}
	if !m.Match(env, testQuery("a.test")) {
		t.Error("src inside CIDR should match")
	}

	m = &IPMatcher{Key: "src", Pattern: "10.0.0.0/8"}
	if m.Match(env, testQuery("a.test")) {
		t.Error("src outside CIDR should not match")
	}

	m = &IPMatcher{Key: "src", Pattern: "192.168.1.10"}
	if !m.Match(env, testQuery("a.test")) {
		t.Error("exact src should match")
	}
}

func TestIPMatcher_AnswerQuantifiers(t *testing.T) {
	env, _, _ := testEnv(t)

	q := testQuery("a.test")
	anyM := &IPMatcher{Key: "anyanswer", Pattern: "10.0.0.0/8"}
	everyM := &IPMatcher{Key: "everyanswer", Pattern: "10.0.0.0/8"}

	// empty answer: both quantifiers are vacuously false
	if anyM.Match(env, q) {
		t.Error("anyanswer over empty answer must be false")
	}
	if everyM.Match(env, q) {
		t.Error("everyanswer over empty answer must be false")
	}

	q.Answer = []Answer{
		{IP: netip.MustParseAddr("10.1.2.3"), TTL: 60},
		{IP: netip.MustParseAddr("172.16.0.1"), TTL: 60},
	}
	if !anyM.Match(env, q) {
		t.Error("anyanswer should match the mixed answer")
	}
	if everyM.Match(env, q) {
		t.Error("everyanswer should reject the mixed answer")
	}

	q.Answer = q.Answer[:1]
	if !everyM.Match(env, q) {
		t.Error("everyanswer should accept a uniform answer")
	}
}

func TestIPMatcher_SetCollapsesNetworks(t *testing.T) {
	env, _, _ := testEnv(t)
	mustCommand(t, env.Tables, "add set nets")
	mustCommand(t, env.Tables, "add element nets { 10.0.0.0/9 10.128.0.0/9 192.0.2.7 }")

	m := &IPMatcher{Key: "src", Pattern: "@nets"}
	probe := func(ip string) bool {
		q := testQuery("a.test")
		q.SrcIP = netip.MustParseAddr(ip)
		return m.Match(env, q)
	}

	// adjacent /9s behave as the merged /8
	if !probe("10.0.0.1") || !probe("10.200.0.1") {
		t.Error("merged networks should contain both halves")
	}
	if !probe("192.0.2.7") {
		t.Error("bare IP element should match as /32")
	}
	if probe("11.0.0.1") || probe("192.0.2.8") {
		t.Error("addresses outside the union must not match")
	}
	// second probe of the same IP exercises the membership cache
	if !probe("10.0.0.1") {
		t.Error("cached membership changed answer")
	}
}

func TestSrcPortMatcher(t *testing.T) {
	env, _, _ := testEnv(t)
	q := testQuery("a.test")

	if !(&SrcPortMatcher{Port: 54321}).Match(env, q) {
		t.Error("equal port should match")
	}
	if (&SrcPortMatcher{Port: 53}).Match(env, q) {
		t.Error("different port should not match")
	}
}

func TestCombinators(t *testing.T) {
	env, _, _ := testEnv(t)
	q := testQuery("a.test")

	yes := &HasAnswerMatcher{}
	q.Answer = []Answer{{IP: netip.MustParseAddr("1.2.3.4"), TTL: 1}}

	if (&NotMatcher{M: yes}).Match(env, q) {
		t.Error("not(true) should be false")
	}
	if !(&AndMatcher{M0: yes, M1: yes}).Match(env, q) {
		t.Error("and(true,true) should be true")
	}
	if !(&OrMatcher{M0: &NotMatcher{M: yes}, M1: yes}).Match(env, q) {
		t.Error("or(false,true) should be true")
	}
}

func TestBuildMatcher_Chaining(t *testing.T) {
	// juxtaposition and-combines; "not" swallows the whole tail
	m, rest, err := buildMatcher([]string{"qname", "*.x", "src", "10.0.0.0/8", "forward", "8.8.8.8"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.(*AndMatcher); !ok {
		t.Fatalf("expected AndMatcher, got %T", m)
	}
	if len(rest) != 2 || rest[0] != "forward" {
		t.Fatalf("matcher consumed action tokens: rest=%v", rest)
	}

	m, rest, err = buildMatcher([]string{"not", "qname", "*.x", "src_port", "53"})
	if err != nil {
		t.Fatal(err)
	}
	nm, ok := m.(*NotMatcher)
	if !ok {
		t.Fatalf("expected NotMatcher, got %T", m)
	}
	if _, ok := nm.M.(*AndMatcher); !ok {
		t.Errorf("not should negate the and-combined tail, got %T", nm.M)
	}
	if len(rest) != 0 {
		t.Errorf("unexpected leftover: %v", rest)
	}
}

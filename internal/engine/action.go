// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"grimm.is/dnswall/internal/cache"
	"grimm.is/dnswall/internal/errors"
	"grimm.is/dnswall/internal/hostsfile"
	"grimm.is/dnswall/internal/logging"
)

type opcode int

const (
	opContinue opcode = iota
	opBreak
	opReturn
	opDrop
	opJump
	// opFinal carries the terminal verdict of a nested evaluation whose
	// result must end the enclosing one (drop, or jump tail-transfer).
	opFinal
)

// Outcome is the result of one action (or of a whole rule).
type Outcome struct {
	op      opcode
	chain   string  // jump target
	verdict Verdict // opFinal payload
}

var actionContinue = Outcome{op: opContinue}

// Action is a side-effecting operation applied to a query. Action errors
// are traced and reduce to Continue; they never abort an evaluation.
type Action interface {
	Act(ctx context.Context, env *Env, q *Query) Outcome
	String() string
}

func actionTrace(q *Query, lvl logging.Level, name string, msg traceMsg) {
	trace(q, lvl, "action", fmt.Sprintf("action=%s\t", name), msg)
}

// DummyAction does nothing.
type DummyAction struct{}

func (DummyAction) Act(ctx context.Context, env *Env, q *Query) Outcome { return actionContinue }
func (DummyAction) String() string                                      { return "dummy" }

// BreakAction exits the current chain; fall-through continues with the
// next declared chain.
type BreakAction struct{}

func (BreakAction) Act(ctx context.Context, env *Env, q *Query) Outcome { return Outcome{op: opBreak} }
func (BreakAction) String() string                                      { return "break" }

// ReturnAction terminates the evaluation, unwinding one call level.
type ReturnAction struct{}

func (ReturnAction) Act(ctx context.Context, env *Env, q *Query) Outcome { return Outcome{op: opReturn} }
func (ReturnAction) String() string                                      { return "return" }

// DropAction discards the query; no reply is sent.
type DropAction struct{}

func (DropAction) Act(ctx context.Context, env *Env, q *Query) Outcome { return Outcome{op: opDrop} }
func (DropAction) String() string                                      { return "drop" }

// JumpAction transfers control to another chain without returning.
type JumpAction struct {
	Chain string
}

func (a *JumpAction) Act(ctx context.Context, env *Env, q *Query) Outcome {
	actionTrace(q, logging.LevelDebug, "jump", func() string {
		return "jumping to chain " + a.Chain
	})
	return Outcome{op: opJump, chain: a.Chain}
}
func (a *JumpAction) String() string { return "jump " + a.Chain }

// CallAction runs a nested evaluation starting at the named chain. The
// caller resumes at its next action unless the sub-evaluation terminated.
type CallAction struct {
	Chain string
}

func (a *CallAction) Act(ctx context.Context, env *Env, q *Query) Outcome {
	actionTrace(q, logging.LevelDebug, "call", func() string {
		return "calling chain " + a.Chain
	})
	verdict, terminal := env.Tables.feedFrom(ctx, env, q, a.Chain)
	if terminal {
		return Outcome{op: opFinal, verdict: verdict}
	}
	return actionContinue
}
func (a *CallAction) String() string { return "call " + a.Chain }

// VerboseAction changes the query's trace threshold. An unknown level
// warns and leaves the threshold untouched.
type VerboseAction struct {
	Level string
	lvl   logging.Level
	known bool
}

func (a *VerboseAction) Act(ctx context.Context, env *Env, q *Query) Outcome {
	if !a.known {
		actionTrace(q, logging.LevelWarn, "verbose",
			fmt.Sprintf("unknown verbose level %s. Available levels are debug, info, warn, err, none", a.Level))
		return actionContinue
	}
	q.SetVerbose(a.lvl)
	actionTrace(q, logging.LevelDebug, "verbose", "verbose level set to "+a.lvl.String())
	return actionContinue
}
func (a *VerboseAction) String() string { return "verbose " + a.Level }

// CacheAction stores the current answer in the answer cache. When a fake
// pool produced the answer, the entries record it for co-eviction.
type CacheAction struct{}

func (CacheAction) Act(ctx context.Context, env *Env, q *Query) Outcome {
	if !q.HasAnswer() {
		return actionContinue
	}
	answers := make([]cache.Answer, 0, len(q.Answer))
	for _, a := range q.Answer {
		answers = append(answers, cache.Answer{IP: a.IP, TTL: a.TTL})
	}
	var pool cache.PoolRef
	if q.FakePool != nil {
		pool = q.FakePool
	}
	env.Cache.Put(q.Qname, q.Qtype, answers, pool)
	return actionContinue
}
func (CacheAction) String() string { return "cache" }

// CacheCheckAction answers from the cache when the query has no answer
// yet.
type CacheCheckAction struct{}

func (CacheCheckAction) Act(ctx context.Context, env *Env, q *Query) Outcome {
	if q.HasAnswer() {
		actionTrace(q, logging.LevelDebug, "cachecheck", "already got an answer, do nothing")
		return actionContinue
	}
	cached := env.Cache.Get(q.Qname, q.Qtype)
	if len(cached) == 0 {
		return actionContinue
	}
	q.Answer = q.Answer[:0]
	for _, a := range cached {
		q.Answer = append(q.Answer, Answer{IP: a.IP, TTL: a.TTL})
	}
	actionTrace(q, logging.LevelInfo, "cachecheck", func() string {
		return "cache check returns answer " + formatAnswer(q.Answer)
	})
	return actionContinue
}
func (CacheCheckAction) String() string { return "cachecheck" }

// ResolveFileAction answers from a hosts(5) file with a fixed 3600 TTL.
type ResolveFileAction struct {
	Path string
}

func (a *ResolveFileAction) Act(ctx context.Context, env *Env, q *Query) Outcome {
	if q.HasAnswer() {
		actionTrace(q, logging.LevelDebug, "resolvefile", "already got an answer, do nothing")
		return actionContinue
	}
	ip, found, err := hostsfile.Lookup(a.Path, q.Qname)
	if err != nil {
		actionTrace(q, logging.LevelWarn, "resolvefile", func() string {
			return fmt.Sprintf("reading hosts file %s failed: %v", a.Path, err)
		})
		return actionContinue
	}
	if !found {
		return actionContinue
	}
	q.Answer = []Answer{{IP: ip, TTL: localTTL}}
	actionTrace(q, logging.LevelInfo, "resolvefile", func() string {
		return fmt.Sprintf("hosts file %s returns answer %s ttl %d", a.Path, ip, localTTL)
	})
	return actionContinue
}
func (a *ResolveFileAction) String() string { return "resolvefile " + a.Path }

// localTTL is the TTL attached to locally resolved answers.
const localTTL = 3600

// ResolveLocalAction answers from a literal IP or a named qname→ip map.
type ResolveLocalAction struct {
	Target string
	ip     netip.Addr // parsed when Target is a literal
}

func (a *ResolveLocalAction) Act(ctx context.Context, env *Env, q *Query) Outcome {
	if q.HasAnswer() {
		actionTrace(q, logging.LevelDebug, "resolvelocal", "already got an answer, do nothing")
		return actionContinue
	}

	if name, ok := strings.CutPrefix(a.Target, "@"); ok {
		m, ok := env.Tables.Map(name)
		if !ok {
			actionTrace(q, logging.LevelWarn, "resolvelocal",
				fmt.Sprintf("cannot find map '%s'", a.Target))
			return actionContinue
		}
		val, ok := m.Get(q.Qname)
		if !ok {
			return actionContinue
		}
		ip, err := netip.ParseAddr(val)
		if err != nil {
			actionTrace(q, logging.LevelWarn, "resolvelocal", func() string {
				return fmt.Sprintf("map %s holds invalid ip %q for %s", a.Target, val, q.Qname)
			})
			return actionContinue
		}
		q.Answer = []Answer{{IP: ip, TTL: localTTL}}
		actionTrace(q, logging.LevelInfo, "resolvelocal", func() string {
			return fmt.Sprintf("local resolve %s returns answer %s ttl %d", a.Target, ip, localTTL)
		})
		return actionContinue
	}

	q.Answer = []Answer{{IP: a.ip, TTL: localTTL}}
	actionTrace(q, logging.LevelInfo, "resolvelocal", func() string {
		return fmt.Sprintf("local resolve returns answer %s ttl %d", a.ip, localTTL)
	})
	return actionContinue
}
func (a *ResolveLocalAction) String() string { return "resolvelocal " + a.Target }

// ForwardAction sends the raw query to an upstream resolver and adopts the
// A records of its answer. Upstream failures and timeouts are traced and
// leave the answer unchanged.
type ForwardAction struct {
	Upstream string
}

func (a *ForwardAction) Act(ctx context.Context, env *Env, q *Query) Outcome {
	if q.HasAnswer() {
		actionTrace(q, logging.LevelDebug, "forward", "already got an answer, do nothing")
		return actionContinue
	}

	server := a.Upstream
	if name, ok := strings.CutPrefix(a.Upstream, "@"); ok {
		m, ok := env.Tables.Map(name)
		if !ok {
			actionTrace(q, logging.LevelWarn, "forward",
				fmt.Sprintf("cannot find map '%s'", a.Upstream))
			return actionContinue
		}
		server, ok = m.Get(q.Qname)
		if !ok {
			actionTrace(q, logging.LevelWarn, "forward", func() string {
				return fmt.Sprintf("map %s has no upstream for %s", a.Upstream, q.Qname)
			})
			return actionContinue
		}
	}

	actionTrace(q, logging.LevelDebug, "forward", func() string {
		return "forwarding to upstream " + server
	})
	answers, err := env.Resolver.Exchange(ctx, q.Raw, server)
	if err != nil {
		if env.Metrics != nil {
			if errors.GetKind(err) == errors.KindTimeout {
				env.Metrics.UpstreamTimeouts.Inc()
			} else {
				env.Metrics.UpstreamErrors.Inc()
			}
		}
		actionTrace(q, logging.LevelInfo, "forward", func() string {
			return fmt.Sprintf("forwarding to upstream %s failed: %v", server, err)
		})
		return actionContinue
	}
	q.Answer = answers
	actionTrace(q, logging.LevelInfo, "forward", func() string {
		return "received upstream reply " + formatAnswer(q.Answer)
	})
	return actionContinue
}
func (a *ForwardAction) String() string { return "forward " + a.Upstream }

// FakeIPAction replaces the answer with a synthetic IP drawn from the pool
// for its subnet, registering the (qname, real_ip) pair. Only the first
// answer element is considered; its TTL is preserved.
type FakeIPAction struct {
	Net string
}

func (a *FakeIPAction) Act(ctx context.Context, env *Env, q *Query) Outcome {
	if !q.HasAnswer() {
		actionTrace(q, logging.LevelDebug, "fakeip", "no answer received, skip")
		return actionContinue
	}
	if q.FakePool != nil {
		actionTrace(q, logging.LevelDebug, "fakeip", "fake ip already set, skip")
		return actionContinue
	}

	pool, err := env.Pools.Get(a.Net)
	if err != nil {
		actionTrace(q, logging.LevelErr, "fakeip", func() string {
			return fmt.Sprintf("fake net %s unusable: %v", a.Net, err)
		})
		return actionContinue
	}

	real := q.Answer[0]
	fake, ok := pool.Register(q.Qname, real.IP)
	if !ok {
		actionTrace(q, logging.LevelErr, "fakeip",
			fmt.Sprintf("unable to map %s(%s) to fake net %s", q.Qname, real.IP, a.Net))
		return actionContinue
	}
	q.Answer = []Answer{{IP: fake, TTL: real.TTL}}
	q.FakePool = pool
	actionTrace(q, logging.LevelInfo, "fakeip", func() string {
		return fmt.Sprintf("replace answer %s for %s with fake ip %s from %s", real.IP, q.Qname, fake, a.Net)
	})
	return actionContinue
}
func (a *FakeIPAction) String() string { return "fakeip " + a.Net }

// buildAction consumes one action (keyword plus arguments) from the front
// of cmd. A nil action with nil error means the leading token is not an
// action keyword.
func buildAction(cmd []string) (Action, []string, error) {
	if len(cmd) == 0 {
		return nil, cmd, nil
	}

	arity, ok := actionArity[cmd[0]]
	if !ok {
		return nil, cmd, nil
	}
	if len(cmd)-1 < arity {
		return nil, cmd, errParsef("action %s requires %d argument(s)", cmd[0], arity)
	}

	var a Action
	switch cmd[0] {
	case "dummy":
		a = DummyAction{}
	case "break":
		a = BreakAction{}
	case "return":
		a = ReturnAction{}
	case "drop":
		a = DropAction{}
	case "jump":
		a = &JumpAction{Chain: cmd[1]}
	case "call":
		a = &CallAction{Chain: cmd[1]}
	case "verbose":
		lvl, known := logging.ParseLevel(cmd[1])
		a = &VerboseAction{Level: cmd[1], lvl: lvl, known: known}
	case "cache":
		a = CacheAction{}
	case "cachecheck":
		a = CacheCheckAction{}
	case "resolvefile":
		a = &ResolveFileAction{Path: cmd[1]}
	case "resolvelocal":
		ra := &ResolveLocalAction{Target: cmd[1]}
		if !strings.HasPrefix(cmd[1], "@") {
			ip, err := netip.ParseAddr(cmd[1])
			if err != nil {
				return nil, cmd, errParsef("resolvelocal: invalid ip %q", cmd[1])
			}
			ra.ip = ip
		}
		a = ra
	case "forward":
		a = &ForwardAction{Upstream: cmd[1]}
	case "fakeip":
		if _, err := netip.ParsePrefix(cmd[1]); err != nil {
			return nil, cmd, errParsef("fakeip: invalid network %q", cmd[1])
		}
		a = &FakeIPAction{Net: cmd[1]}
	}
	return a, cmd[1+arity:], nil
}

var actionArity = map[string]int{
	"dummy":        0,
	"break":        0,
	"return":       0,
	"drop":         0,
	"jump":         1,
	"call":         1,
	"verbose":      1,
	"cache":        0,
	"cachecheck":   0,
	"resolvefile":  1,
	"resolvelocal": 1,
	"forward":      1,
	"fakeip":       1,
}

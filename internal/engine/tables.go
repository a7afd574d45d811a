// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"grimm.is/dnswall/internal/logging"
)

// Rule is one matcher/action pair in a chain. A nil matcher matches every
// query. Every rule carries at least one action (enforced at parse time).
type Rule struct {
	Matcher Matcher
	Actions []Action

	// Hook and Index identify the rule for diagnostics.
	Hook  string
	Index int
}

func (r *Rule) String() string {
	parts := make([]string, 0, len(r.Actions)+1)
	if r.Matcher != nil {
		parts = append(parts, r.Matcher.String())
	}
	for _, a := range r.Actions {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, " ")
}

// apply evaluates the rule against a query: match, then run the actions in
// order until one yields a non-Continue outcome. The trace buffer is
// flushed afterwards so each rule's lines land contiguously.
func (r *Rule) apply(ctx context.Context, env *Env, q *Query) Outcome {
	defer q.flushTrace()

	decor := fmt.Sprintf("hook=%s index=%d query=%s rule=%q ", r.Hook, r.Index, q.ID, r)

	matched := true
	if r.Matcher != nil {
		matched = evalMatch(env, q, r.Matcher)
	}
	if !matched {
		trace(q, logging.LevelDebug, "rule", decor, "skipped rule")
		return actionContinue
	}

	trace(q, logging.LevelDebug, "rule", decor, func() string {
		return fmt.Sprintf("query matched: qname=%s, src=%s:%d", q.Qname, q.SrcIP, q.SrcPort)
	})
	for _, a := range r.Actions {
		if out := a.Act(ctx, env, q); out.op != opContinue {
			return out
		}
	}
	return actionContinue
}

// Tables holds the rule chains and the named sets and maps they reference.
// Chains keep insertion order, which defines fall-through order. All
// mutation happens through Command; evaluation takes snapshots, so
// mutating methods replace slices and maps instead of editing in place.
type Tables struct {
	mu     sync.RWMutex
	hooks  []string
	chains map[string][]*Rule
	sets   map[string]map[string]struct{}
	maps   map[string]*OrderedMap
}

// NewTables returns an empty rule table.
func NewTables() *Tables {
	return &Tables{
		chains: make(map[string][]*Rule),
		sets:   make(map[string]map[string]struct{}),
		maps:   make(map[string]*OrderedMap),
	}
}

// Set returns the named set. The returned map is a snapshot reference and
// must not be mutated.
func (t *Tables) Set(name string) (map[string]struct{}, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sets[name]
	return s, ok
}

// Map returns the named map. The returned OrderedMap is a snapshot
// reference and must not be mutated.
func (t *Tables) Map(name string) (*OrderedMap, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.maps[name]
	return m, ok
}

func (t *Tables) hooksSnapshot() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.hooks
}

func (t *Tables) chainRules(hook string) []*Rule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.chains[hook]
}

// Feed evaluates a query, starting at the first declared chain. An empty
// table completes immediately with no answer.
func (t *Tables) Feed(ctx context.Context, env *Env, q *Query) Verdict {
	hooks := t.hooksSnapshot()
	if len(hooks) == 0 {
		return VerdictDone
	}
	v, _ := t.feedFrom(ctx, env, q, hooks[0])
	q.flushTrace()
	return v
}

// feedFrom runs the named chain and falls through the chains declared
// after it. The boolean is true when the result is terminal for every
// enclosing evaluation (drop, traversal-limit drop, or completion of a
// jump tail-transfer).
func (t *Tables) feedFrom(ctx context.Context, env *Env, q *Query, hook string) (Verdict, bool) {
	hooks := t.hooksSnapshot()
	idx := -1
	for i, h := range hooks {
		if h == hook {
			idx = i
			break
		}
	}
	if idx < 0 {
		trace(q, logging.LevelErr, "tables", "", "unknown chain name "+hook)
		q.flushTrace()
		return VerdictDrop, true
	}

	for ; idx < len(hooks); idx++ {
		h := hooks[idx]
		if q.chainBudget <= 0 {
			trace(q, logging.LevelErr, "tables", "", "chain traversal limit exceeded at "+h)
			q.flushTrace()
			return VerdictDrop, true
		}
		q.chainBudget--
		trace(q, logging.LevelDebug, "tables", "", "enter chain "+h)

		out := t.runChain(ctx, env, q, h)
		switch out.op {
		case opContinue, opBreak:
			// fall through to the next declared chain
		case opReturn:
			return VerdictDone, false
		case opDrop:
			return VerdictDrop, true
		case opJump:
			v, _ := t.feedFrom(ctx, env, q, out.chain)
			return v, true
		case opFinal:
			return out.verdict, true
		}
	}
	return VerdictDone, false
}

// runChain applies the chain's rules in index order and returns the first
// non-Continue outcome, or Continue when the chain runs to its end.
func (t *Tables) runChain(ctx context.Context, env *Env, q *Query, hook string) Outcome {
	for _, r := range t.chainRules(hook) {
		if out := r.apply(ctx, env, q); out.op != opContinue {
			return out
		}
	}
	return actionContinue
}

// String renders the full table state: sets, maps, then chains, in the
// policy language's dump format.
func (t *Tables) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var lines []string

	setNames := make([]string, 0, len(t.sets))
	for name := range t.sets {
		setNames = append(setNames, name)
	}
	sort.Strings(setNames)
	for _, name := range setNames {
		lines = append(lines, fmt.Sprintf("set %s {", name))
		elems := make([]string, 0, len(t.sets[name]))
		for e := range t.sets[name] {
			elems = append(elems, e)
		}
		sort.Strings(elems)
		for _, e := range elems {
			lines = append(lines, "\t"+e)
		}
		lines = append(lines, "}\n")
	}

	mapNames := make([]string, 0, len(t.maps))
	for name := range t.maps {
		mapNames = append(mapNames, name)
	}
	sort.Strings(mapNames)
	for _, name := range mapNames {
		lines = append(lines, fmt.Sprintf("map %s {", name))
		m := t.maps[name]
		for _, k := range m.Keys() {
			v, _ := m.Get(k)
			lines = append(lines, fmt.Sprintf("\t%s : %s", k, v))
		}
		lines = append(lines, "}\n")
	}

	for hookIndex, hook := range t.hooks {
		lines = append(lines, fmt.Sprintf("chain [%d] %s {", hookIndex, hook))
		for index, rule := range t.chains[hook] {
			lines = append(lines, fmt.Sprintf("\t[%d] %s", index, rule))
		}
		lines = append(lines, "}\n")
	}

	return strings.Join(lines, "\n")
}

// OrderedMap is a string→string mapping preserving insertion order, used
// for the policy language's named maps.
type OrderedMap struct {
	keys []string
	vals map[string]string
}

// NewOrderedMap returns an empty ordered map.
func NewOrderedMap() *OrderedMap {
	return &OrderedMap{vals: make(map[string]string)}
}

// Get returns the value for key.
func (m *OrderedMap) Get(key string) (string, bool) {
	v, ok := m.vals[key]
	return v, ok
}

// Set inserts or replaces a key. New keys append to the order.
func (m *OrderedMap) Set(key, val string) {
	if _, ok := m.vals[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = val
}

// Delete removes a key if present.
func (m *OrderedMap) Delete(key string) {
	if _, ok := m.vals[key]; !ok {
		return
	}
	delete(m.vals, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i:i], m.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of entries.
func (m *OrderedMap) Len() int { return len(m.keys) }

// Keys returns the keys in insertion order. The returned slice must not be
// mutated.
func (m *OrderedMap) Keys() []string { return m.keys }

// clone returns a copy sharing nothing with the original.
func (m *OrderedMap) clone() *OrderedMap {
	c := &OrderedMap{
		keys: append([]string(nil), m.keys...),
		vals: make(map[string]string, len(m.vals)),
	}
	for k, v := range m.vals {
		c.vals[k] = v
	}
	return c
}

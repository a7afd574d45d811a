// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"strconv"
	"strings"

	"grimm.is/dnswall/internal/errors"
)

func errParse(msg string) error { return errors.New(errors.KindParse, msg) }

func errParsef(format string, args ...any) error {
	return errors.Errorf(errors.KindParse, format, args...)
}

// Command parses and applies one policy command. The returned string is
// the textual response for the control channel: empty for mutations (the
// caller answers "ok"), the state dump for "list". Commands are
// whitespace-tokenized after commas are stripped.
//
//	add|delete chain NAME
//	add|delete set NAME
//	add|delete map NAME
//	add|delete element NAME { tokens... }
//	add rule CHAIN [matchers] actions [index N]
//	delete rule CHAIN index N
//	list
func (t *Tables) Command(line string) (string, error) {
	cmd := strings.Fields(strings.ReplaceAll(line, ",", ""))
	if len(cmd) == 0 {
		return "", nil
	}
	if len(cmd) == 1 && cmd[0] == "list" {
		return t.String(), nil
	}
	if len(cmd) < 3 {
		return "", errParse("command too short")
	}
	if cmd[0] != "add" && cmd[0] != "delete" {
		return "", errParse("unknown command")
	}
	isAdd := cmd[0] == "add"
	cmd = cmd[1:]

	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	switch cmd[0] {
	case "set", "map":
		err = t.addDelSetMap(isAdd, cmd)
	case "rule":
		err = t.addDelRule(isAdd, cmd[1:])
	case "element":
		err = t.addDelElement(isAdd, cmd[1:])
	case "chain":
		err = t.addDelChain(isAdd, cmd[1:])
	default:
		err = errParsef("unknown keyword %s", cmd[0])
	}
	return "", err
}

func (t *Tables) addDelChain(isAdd bool, cmd []string) error {
	if len(cmd) != 1 {
		return errParse("invalid add/delete chain syntax")
	}
	name := cmd[0]
	if isAdd {
		if _, ok := t.chains[name]; !ok {
			t.hooks = append(append([]string(nil), t.hooks...), name)
			t.chains[name] = nil
		}
		return nil
	}
	if _, ok := t.chains[name]; ok {
		hooks := make([]string, 0, len(t.hooks)-1)
		for _, h := range t.hooks {
			if h != name {
				hooks = append(hooks, h)
			}
		}
		t.hooks = hooks
		delete(t.chains, name)
	}
	return nil
}

func (t *Tables) addDelSetMap(isAdd bool, cmd []string) error {
	if len(cmd) != 2 {
		return errParse("invalid add/delete set/map syntax")
	}
	isMap := cmd[0] == "map"
	name := cmd[1]

	if isAdd {
		if isMap {
			if _, ok := t.maps[name]; !ok {
				t.maps[name] = NewOrderedMap()
			}
		} else {
			if _, ok := t.sets[name]; !ok {
				t.sets[name] = make(map[string]struct{})
			}
		}
		return nil
	}

	if isMap {
		if _, ok := t.maps[name]; !ok {
			return errParsef("unable to find %s with type map", name)
		}
		delete(t.maps, name)
	} else {
		if _, ok := t.sets[name]; !ok {
			return errParsef("unable to find %s with type set", name)
		}
		delete(t.sets, name)
	}
	return nil
}

// addDelElement mutates a set or map through a copy so evaluations holding
// a snapshot reference never observe the change mid-match.
func (t *Tables) addDelElement(isAdd bool, cmd []string) error {
	if len(cmd) < 3 || cmd[1] != "{" || cmd[len(cmd)-1] != "}" {
		return errParse("invalid add/delete element syntax")
	}
	name := cmd[0]
	elems := cmd[2 : len(cmd)-1]

	if m, ok := t.maps[name]; ok {
		next := m.clone()
		if isAdd {
			if len(elems)%3 != 0 {
				return errParse("invalid add element (maps) syntax")
			}
			for i := 0; i < len(elems); i += 3 {
				if elems[i+1] != ":" {
					return errParse("invalid add element (maps) syntax")
				}
				next.Set(elems[i], elems[i+2])
			}
		} else {
			for _, k := range elems {
				next.Delete(k)
			}
		}
		t.maps[name] = next
		return nil
	}

	if s, ok := t.sets[name]; ok {
		next := make(map[string]struct{}, len(s)+len(elems))
		for e := range s {
			next[e] = struct{}{}
		}
		for _, e := range elems {
			if isAdd {
				next[e] = struct{}{}
			} else {
				delete(next, e)
			}
		}
		t.sets[name] = next
		return nil
	}

	return errParsef("unable to find set/map: %s", name)
}

func (t *Tables) addDelRule(isAdd bool, cmd []string) error {
	if len(cmd) == 0 {
		return errParse("invalid add/delete rule syntax")
	}
	hook := cmd[0]
	cmd = cmd[1:]
	rules, ok := t.chains[hook]
	if !ok {
		return errParsef("hook %s does not exist", hook)
	}

	if !isAdd {
		if len(cmd) != 2 || cmd[0] != "index" {
			return errParse("invalid delete rule syntax")
		}
		index, err := strconv.Atoi(cmd[1])
		if err != nil || index < 0 || index >= len(rules) {
			return errParsef("%s rulechain has no rule with index %s", hook, cmd[1])
		}
		next := make([]*Rule, 0, len(rules)-1)
		next = append(next, rules[:index]...)
		next = append(next, rules[index+1:]...)
		t.chains[hook] = next
		return nil
	}

	rule := &Rule{Hook: hook}
	index := -1
	prev := len(cmd)
	for len(cmd) > 0 {
		// matchers, with explicit "or" between them
		var final Matcher
		pendingOr := false
		for {
			m, rest, err := buildMatcher(cmd)
			if err != nil {
				return err
			}
			if m == nil {
				break
			}
			cmd = rest
			if pendingOr {
				final = &OrMatcher{M0: final, M1: m}
				pendingOr = false
			} else {
				final = m
			}
			if len(cmd) == 0 || cmd[0] != "or" {
				break
			}
			pendingOr = true
			cmd = cmd[1:]
		}
		if pendingOr {
			return errParse("invalid matcher after 'or'")
		}
		if final != nil {
			if rule.Matcher != nil || len(rule.Actions) > 0 {
				return errParse("matchers must precede actions")
			}
			rule.Matcher = final
		}
		if len(cmd) == 0 {
			break
		}

		// actions
		for {
			a, rest, err := buildAction(cmd)
			if err != nil {
				return err
			}
			if a == nil {
				break
			}
			rule.Actions = append(rule.Actions, a)
			cmd = rest
		}
		if len(cmd) == 0 {
			break
		}

		// trailing insertion index
		if cmd[0] == "index" {
			if len(cmd) < 2 {
				return errParse("invalid 'index' syntax")
			}
			n, err := strconv.Atoi(cmd[1])
			if err != nil || n < 0 {
				return errParse("invalid 'index' syntax")
			}
			index = n
			cmd = cmd[2:]
		}

		if len(cmd) == prev {
			return errParsef("failed to parse cmd at %s", strings.Join(cmd, " "))
		}
		prev = len(cmd)
	}

	if len(rule.Actions) == 0 {
		return errParse("require at least one action")
	}

	next := append([]*Rule(nil), rules...)
	if index >= 0 {
		if index > len(next) {
			index = len(next)
		}
		next = append(next[:index:index], append([]*Rule{rule}, next[index:]...)...)
	} else {
		index = len(next)
		next = append(next, rule)
	}
	rule.Index = index
	t.chains[hook] = next
	return nil
}

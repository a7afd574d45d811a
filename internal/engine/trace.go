// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"fmt"
	"strings"
	"time"

	"grimm.is/dnswall/internal/logging"
)

// traceMsg is either a string or a func() string. The producer form defers
// formatting until the query's verbose threshold is known to permit the
// line.
type traceMsg any

// trace appends one formatted line to the query's trace buffer. decor is
// tracer-specific context ("matcher=... ", "action=... ", ...), already
// trailing-space terminated or empty.
func trace(q *Query, lvl logging.Level, tracer, decor string, msg traceMsg) {
	if lvl < q.verbose || q.verbose == logging.LevelNone {
		return
	}
	var s string
	switch m := msg.(type) {
	case string:
		s = m
	case func() string:
		s = m()
	default:
		s = fmt.Sprint(m)
	}
	ts := time.Now().Format("2006-01-02 15:04:05")
	q.trace = append(q.trace, fmt.Sprintf("[%s] level=%s\ttracer=%s\t%smsg=%q", ts, lvl, tracer, decor, s))
}

// flushTrace writes the buffered lines as one block so a rule's trace stays
// contiguous in the log.
func (q *Query) flushTrace() {
	if len(q.trace) == 0 {
		return
	}
	logging.Output(strings.Join(q.trace, "\n"))
	q.trace = q.trace[:0]
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package server is the UDP DNS frontend. It decodes incoming questions,
// feeds A-record queries through the policy engine, and packs the verdict
// into a reply. Everything but A questions short-circuits to NXDOMAIN
// without entering the engine.
package server

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/miekg/dns"

	"grimm.is/dnswall/internal/engine"
	"grimm.is/dnswall/internal/logging"
	"grimm.is/dnswall/internal/metrics"
	"grimm.is/dnswall/internal/querylog"
)

// Server serves DNS over UDP and dispatches queries into the engine.
type Server struct {
	env     *engine.Env
	verbose logging.Level
	srv     *dns.Server
	logger  *logging.Logger

	queryLog *querylog.Store
	metrics  *metrics.Metrics
}

// New creates a server listening on listen:port. queryLog and m may be
// nil.
func New(listen string, port int, verbose logging.Level, env *engine.Env, queryLog *querylog.Store, m *metrics.Metrics) *Server {
	s := &Server{
		env:      env,
		verbose:  verbose,
		logger:   logging.New("dns"),
		queryLog: queryLog,
		metrics:  m,
	}
	s.srv = &dns.Server{
		Addr:    net.JoinHostPort(listen, strconv.Itoa(port)),
		Net:     "udp",
		Handler: s,
	}
	return s
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.srv.Shutdown()
	}()
	s.logger.Info("listening", "addr", s.srv.Addr, "net", "udp")
	return s.srv.ListenAndServe()
}

// ServeDNS handles one incoming request.
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	started := time.Now()

	reply := new(dns.Msg)
	reply.SetReply(r)

	if len(r.Question) == 0 {
		w.WriteMsg(reply)
		return
	}
	question := r.Question[0]

	if s.metrics != nil {
		s.metrics.Queries.Inc()
	}

	// only A questions enter the engine
	if question.Qtype != dns.TypeA {
		reply.Rcode = dns.RcodeNameError
		w.WriteMsg(reply)
		if s.metrics != nil {
			s.metrics.QueriesNX.Inc()
		}
		return
	}

	srcIP, srcPort := remoteAddr(w)
	raw, err := r.Pack()
	if err != nil {
		s.logger.Warn("failed to repack query", "error", err)
		return
	}

	q := engine.NewQuery(srcIP, srcPort, question.Name, question.Qtype, raw, s.verbose)
	verdict := s.env.Tables.Feed(context.Background(), s.env, q)

	if verdict == engine.VerdictDrop {
		if s.metrics != nil {
			s.metrics.QueriesDropped.Inc()
		}
		s.record(started, srcIP, q, verdict, "")
		return
	}

	if q.HasAnswer() {
		for _, a := range q.Answer {
			reply.Answer = append(reply.Answer, &dns.A{
				Hdr: dns.RR_Header{
					Name:   question.Name,
					Rrtype: dns.TypeA,
					Class:  dns.ClassINET,
					Ttl:    a.TTL,
				},
				A: a.IP.AsSlice(),
			})
		}
		if s.metrics != nil {
			s.metrics.QueriesAnswered.Inc()
		}
	} else {
		reply.Rcode = dns.RcodeNameError
		if s.metrics != nil {
			s.metrics.QueriesNX.Inc()
		}
	}
	w.WriteMsg(reply)
	s.record(started, srcIP, q, verdict, dns.RcodeToString[reply.Rcode])
}

func (s *Server) record(started time.Time, src netip.Addr, q *engine.Query, verdict engine.Verdict, rcode string) {
	if s.queryLog == nil {
		return
	}
	entry := querylog.Entry{
		Timestamp:  started,
		ClientIP:   src.String(),
		Qname:      q.Qname,
		Qtype:      dns.TypeToString[q.Qtype],
		Verdict:    verdict.String(),
		RCode:      rcode,
		Answers:    len(q.Answer),
		DurationMs: time.Since(started).Milliseconds(),
	}
	go func() {
		if err := s.queryLog.RecordEntry(entry); err != nil {
			s.logger.Debug("query log write failed", "error", err)
		}
	}()
}

func remoteAddr(w dns.ResponseWriter) (netip.Addr, int) {
	if ap, err := netip.ParseAddrPort(w.RemoteAddr().String()); err == nil {
		return ap.Addr().Unmap(), int(ap.Port())
	}
	return netip.Addr{}, 0
}

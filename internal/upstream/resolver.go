// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package upstream implements the external resolver client used by the
// forward action: one UDP exchange per call, default port 53, bounded by a
// five second timeout.
package upstream

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"grimm.is/dnswall/internal/engine"
	"grimm.is/dnswall/internal/errors"
)

const (
	defaultPort = "53"
	timeout     = 5 * time.Second
)

// Client resolves queries against a single upstream per call.
type Client struct {
	dns dns.Client
}

// New returns a ready client.
func New() *Client {
	return &Client{
		dns: dns.Client{
			Net:     "udp",
			Timeout: timeout,
		},
	}
}

// Exchange forwards rawQuery to server ("host" or "host:port") and returns
// the A records of a NOERROR reply. Timeouts surface as KindTimeout so
// callers can account for them separately.
func (c *Client) Exchange(ctx context.Context, rawQuery []byte, server string) ([]engine.Answer, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(rawQuery); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "unpacking query for forwarding")
	}

	addr := server
	if _, _, err := net.SplitHostPort(server); err != nil {
		addr = net.JoinHostPort(server, defaultPort)
	}

	resp, _, err := c.dns.ExchangeContext(ctx, msg, addr)
	if err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return nil, errors.Wrapf(err, errors.KindTimeout, "upstream %s timed out", addr)
		}
		return nil, errors.Wrapf(err, errors.KindUnavailable, "upstream %s exchange failed", addr)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errors.Errorf(errors.KindUnavailable, "upstream %s returns error %s", addr, dns.RcodeToString[resp.Rcode])
	}

	var answers []engine.Answer
	for _, rr := range resp.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(a.A.To4())
		if !ok {
			continue
		}
		answers = append(answers, engine.Answer{IP: ip, TTL: a.Hdr.Ttl})
	}
	return answers, nil
}

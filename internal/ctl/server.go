// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ctl implements the UNIX-socket control channel: one policy
// command per connection, answered with "ok", a state dump, or an error
// message, then closed.
package ctl

import (
	"context"
	"net"
	"os"
	"time"

	"grimm.is/dnswall/internal/engine"
	"grimm.is/dnswall/internal/errors"
	"grimm.is/dnswall/internal/logging"
)

// DefaultSocketPath is where the daemon listens unless configured
// otherwise.
const DefaultSocketPath = "/run/dnswall.sock"

const maxRequest = 1024

// Server accepts policy commands over a UNIX stream socket.
type Server struct {
	path   string
	tables *engine.Tables
	ln     net.Listener
	logger *logging.Logger
}

// NewServer creates a control server bound to tables.
func NewServer(path string, tables *engine.Tables) *Server {
	if path == "" {
		path = DefaultSocketPath
	}
	return &Server{
		path:   path,
		tables: tables,
		logger: logging.New("ctl"),
	}
}

// Start binds the socket and serves until ctx is cancelled. A stale socket
// file from a previous run is removed first.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, errors.KindInternal, "removing stale socket %s", s.path)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "binding control socket %s", s.path)
	}
	s.ln = ln
	s.logger.Info("control socket listening", "path", s.path)

	go func() {
		<-ctx.Done()
		s.Close()
	}()
	go s.acceptLoop()
	return nil
}

// Close stops the listener and unlinks the socket file.
func (s *Server) Close() {
	if s.ln != nil {
		s.ln.Close()
	}
	os.Remove(s.path)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			// listener closed on shutdown
			return
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))
	logPeer(conn, s.logger)

	buf := make([]byte, maxRequest)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		s.logger.Warn("control read failed", "error", err)
		return
	}
	request := string(buf[:n])

	response := "ok"
	out, cmdErr := s.tables.Command(request)
	switch {
	case cmdErr != nil:
		response = cmdErr.Error()
		s.logger.Warn("command rejected", "request", request, "error", cmdErr)
	case out != "":
		response = out
	}

	if _, err := conn.Write([]byte(response)); err != nil {
		s.logger.Warn("control write failed", "error", err)
	}
}

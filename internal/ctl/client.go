// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctl

import (
	"io"
	"net"
	"time"

	"grimm.is/dnswall/internal/errors"
)

// Send delivers one command line to the daemon's control socket and
// returns the decoded response. The connection is closed by the daemon
// after it answers.
func Send(path, command string) (string, error) {
	if path == "" {
		path = DefaultSocketPath
	}
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return "", errors.Wrapf(err, errors.KindUnavailable, "could not connect to %s (is the daemon running?)", path)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	if _, err := conn.Write([]byte(command)); err != nil {
		return "", errors.Wrap(err, errors.KindUnavailable, "sending command")
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		uc.CloseWrite()
	}

	response, err := io.ReadAll(conn)
	if err != nil {
		return "", errors.Wrap(err, errors.KindUnavailable, "reading response")
	}
	return string(response), nil
}

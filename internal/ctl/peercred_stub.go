// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package ctl

import (
	"net"

	"grimm.is/dnswall/internal/logging"
)

func logPeer(conn net.Conn, logger *logging.Logger) {
	logger.Debug("control connection", "addr", conn.RemoteAddr())
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package ctl

import (
	"net"

	"golang.org/x/sys/unix"

	"grimm.is/dnswall/internal/logging"
)

// logPeer logs the uid/pid of the connecting control client.
func logPeer(conn net.Conn, logger *logging.Logger) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return
	}
	var cred *unix.Ucred
	raw.Control(func(fd uintptr) {
		cred, _ = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if cred != nil {
		logger.Debug("control connection", "uid", cred.Uid, "pid", cred.Pid)
	}
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command dnswall-ctl sends one policy command to a running dnswall
// daemon and prints the response. The command is the joined argv, so
// quoting matches the rulefile syntax:
//
//	dnswall-ctl add chain preresolve
//	dnswall-ctl add rule preresolve qname '*.internal' resolvefile /etc/hosts return
//	dnswall-ctl list
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"grimm.is/dnswall/internal/ctl"
)

func main() {
	socket := flag.String("socket", ctl.DefaultSocketPath, "Control socket path")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: dnswall-ctl [--socket path] <command...>")
		os.Exit(2)
	}

	response, err := ctl.Send(*socket, strings.Join(flag.Args(), " "))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(response)
}

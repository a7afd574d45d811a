// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command dnswall is the policy-programmable DNS proxy daemon. Incoming A
// queries are evaluated against firewall-style rule chains that can answer
// from cache or hosts files, forward upstream, rewrite answers to fake IPs
// backed by an nftables DNAT map, or drop.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/dnswall/internal/cache"
	"grimm.is/dnswall/internal/clock"
	"grimm.is/dnswall/internal/config"
	"grimm.is/dnswall/internal/ctl"
	"grimm.is/dnswall/internal/engine"
	"grimm.is/dnswall/internal/fakeip"
	"grimm.is/dnswall/internal/logging"
	"grimm.is/dnswall/internal/metrics"
	"grimm.is/dnswall/internal/querylog"
	"grimm.is/dnswall/internal/server"
	"grimm.is/dnswall/internal/upstream"
)

func main() {
	configPath := flag.String("config", "", "Path to HCL config file")
	listen := flag.String("listen", "", "Listen address for DNS queries")
	port := flag.Int("port", 0, "Listen port for DNS queries")
	verbose := flag.String("verbose", "", "Default verbose level for query tracer (none, err, warn, info, debug)")
	rulefile := flag.String("rulefile", "", "Policy commands loaded at startup")
	socket := flag.String("socket", "", "Control socket path")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			fatal("loading config: %v", err)
		}
		cfg = loaded
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *verbose != "" {
		cfg.Verbose = *verbose
	}
	if *rulefile != "" {
		cfg.RuleFile = *rulefile
	}
	if *socket != "" {
		cfg.ControlSocket = *socket
	}
	if err := cfg.Validate(); err != nil {
		fatal("configuration error: %v", err)
	}

	level, _ := logging.ParseLevel(cfg.Verbose)
	logging.SetLevel(level)
	logging.Info("[main] starting dnswall on %s:%d", cfg.Listen, cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if cfg.MetricsListen != "" {
		reg := prometheus.NewRegistry()
		m.Register(reg)
		go func() {
			if err := metrics.Serve(cfg.MetricsListen, reg, logging.New("metrics")); err != nil {
				logging.Error("[main] metrics listener failed: %v", err)
			}
		}()
	}

	natMap := buildNAT()
	pools := fakeip.NewPools(natMap, m)

	answerCache := cache.New(clock.System, m)
	go answerCache.Run(ctx)

	tables := engine.NewTables()
	env := &engine.Env{
		Tables:   tables,
		Cache:    answerCache,
		Pools:    pools,
		Resolver: upstream.New(),
		Metrics:  m,
	}

	if cfg.RuleFile != "" {
		if err := loadRuleFile(tables, cfg.RuleFile); err != nil {
			fatal("%v", err)
		}
	} else {
		logging.Info("[main] no rulefile specified")
	}

	var store *querylog.Store
	if cfg.QueryLog != "" {
		var err error
		store, err = querylog.Open(cfg.QueryLog)
		if err != nil {
			fatal("opening query log: %v", err)
		}
		defer store.Close()
	}

	ctlServer := ctl.NewServer(cfg.ControlSocket, tables)
	if err := ctlServer.Start(ctx); err != nil {
		fatal("starting control socket: %v", err)
	}
	defer ctlServer.Close()

	dnsServer := server.New(cfg.Listen, cfg.Port, level, env, store, m)
	errCh := make(chan error, 1)
	go func() { errCh <- dnsServer.Run(ctx) }()

	select {
	case <-ctx.Done():
		logging.Info("[main] shutdown requested")
	case err := <-errCh:
		if err != nil {
			fatal("dns server failed: %v", err)
		}
	}
}

// loadRuleFile feeds the rulefile's commands through the policy parser,
// one per line. Blank lines and # comments are skipped; the first bad
// command aborts startup.
func loadRuleFile(tables *engine.Tables, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening rulefile: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := tables.Command(line); err != nil {
			return fmt.Errorf("rulefile %s line %d: %w", path, lineNo, err)
		}
	}
	return scanner.Err()
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

// Gnosisvpn-root is the privileged supervisor process. It owns the tunnel
// device, the routing table, and the firewall rules that exempt the
// worker's own traffic from the tunnel, and it forks/execs the unprivileged
// worker (gnosisvpnd), serving its privileged RPC requests over a pair of
// inherited pipes. If the worker exits or crashes, the supervisor tears
// down routes and the peer, then restarts it under bounded backoff.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/backoff"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/capability"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/privsep"
	"github.com/gnosisvpn/gnosisvpn/lib/process"
	"github.com/gnosisvpn/gnosisvpn/lib/version"
)

const defaultRestartCap = 5

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		workerBinary string
		workerUser   string
		workerConfig string
		workerSocket string
		workerHome   string
		restartCap   int
		showVersion  bool
	)

	flag.StringVar(&workerBinary, "worker-binary", "", "path to the gnosisvpnd binary (default: $GNOSISVPN_WORKER_BINARY)")
	flag.StringVar(&workerUser, "worker-user", "", "unprivileged account the worker runs as (default: $GNOSISVPN_WORKER_USER)")
	flag.StringVar(&workerConfig, "worker-config", "", "--config value passed through to the worker ($GNOSISVPN_CONFIG_PATH)")
	flag.StringVar(&workerSocket, "worker-socket", "", "--socket-path value passed through to the worker ($GNOSISVPN_SOCKET_PATH)")
	flag.StringVar(&workerHome, "worker-home", "", "--home value passed through to the worker ($GNOSISVPN_HOME)")
	flag.IntVar(&restartCap, "restart-cap", defaultRestartCap, "total worker restarts tolerated before the supervisor exits non-zero")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("gnosisvpn-root %s\n", version.Info())
		return nil
	}

	workerBinary = firstNonEmpty(workerBinary, os.Getenv("GNOSISVPN_WORKER_BINARY"))
	if workerBinary == "" {
		return fmt.Errorf("worker binary required: pass --worker-binary or set GNOSISVPN_WORKER_BINARY")
	}
	workerUser = firstNonEmpty(workerUser, os.Getenv("GNOSISVPN_WORKER_USER"))
	if workerUser == "" {
		return fmt.Errorf("worker user required: pass --worker-user or set GNOSISVPN_WORKER_USER")
	}
	workerConfig = firstNonEmpty(workerConfig, os.Getenv("GNOSISVPN_CONFIG_PATH"))
	workerSocket = firstNonEmpty(workerSocket, os.Getenv("GNOSISVPN_SOCKET_PATH"))
	workerHome = firstNonEmpty(workerHome, os.Getenv("GNOSISVPN_HOME"))

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if workerHome != "" {
		descriptor, err := privsep.LoadSafeDescriptor(filepath.Join(workerHome, "safe.yaml"))
		if err != nil {
			return fmt.Errorf("loading safe.yaml: %w", err)
		}
		if descriptor != nil {
			logger.Info("loaded deployment descriptor", "path", filepath.Join(workerHome, "safe.yaml"), "keys", descriptor.Len())
		}
	}

	args := []string{"--privsep"}
	if workerConfig != "" {
		args = append(args, "--config", workerConfig)
	}
	if workerSocket != "" {
		args = append(args, "--socket-path", workerSocket)
	}
	if workerHome != "" {
		args = append(args, "--home", workerHome)
	}

	// Real WireGuard device control and OS routing/firewall installation
	// are external collaborators this specification treats as capability
	// interfaces, not implementations to provide. Production deployments
	// link a real TunnelDriver/RouteInstaller pair in here; this build
	// wires the in-memory fakes so the supervisor is still runnable for
	// local testing of the privsep RPC bridge and restart policy.
	logger.Warn("wiring in-memory tunnel/route drivers: no privileged WireGuard/routing backend is compiled into this build")
	tunnelDriver := capability.NewFakeTunnelDriver()
	routeInstaller := capability.NewFakeRouteInstaller()

	sup := privsep.NewSupervisor(privsep.SupervisorConfig{
		WorkerPath:       workerBinary,
		WorkerArgs:       args,
		WorkerUser:       workerUser,
		RestartCap:       restartCap,
		RestartBackoff:   backoff.Config{Base: 500 * time.Millisecond, Cap: 30 * time.Second, Jitter: 0.2},
		ShutdownDeadline: 5 * time.Second,
	}, tunnelDriver, routeInstaller, logger)

	return sup.Run(ctx)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

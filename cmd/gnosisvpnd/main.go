// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

// Gnosisvpnd is the unprivileged worker process: it owns the connection
// lifecycle engine, the session and tunnel managers, and the control
// socket. It never touches kernel routing or device state directly —
// privileged operations are forwarded to gnosisvpn-root over the RPC pipes
// it inherits across exec, or, when run standalone for local testing,
// dispatched straight to in-process fakes.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/backoff"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/capability"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/config"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/control"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/engine"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/eventbus"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/identity"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/metrics"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/privsep"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/session"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/tunnel"
	"github.com/gnosisvpn/gnosisvpn/lib/clock"
	"github.com/gnosisvpn/gnosisvpn/lib/process"
	"github.com/gnosisvpn/gnosisvpn/lib/version"
)

const defaultSocketPath = "/var/run/gnosisvpn.sock"
const defaultMetricsAddr = "127.0.0.1:9475"

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		socketPath  string
		homeDir     string
		metricsAddr string
		underRoot   bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "path to the gnosisvpn TOML config file (default: $GNOSISVPN_CONFIG_PATH)")
	flag.StringVar(&socketPath, "socket-path", "", "control socket path (default: $GNOSISVPN_SOCKET_PATH or "+defaultSocketPath+")")
	flag.StringVar(&homeDir, "home", "", "state/cache root directory (default: $GNOSISVPN_HOME)")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "address to serve /metrics on (default: $GNOSISVPN_METRICS_ADDR or "+defaultMetricsAddr+")")
	flag.BoolVar(&underRoot, "privsep", false, "speak the privsep RPC protocol over stdin/stdout instead of dispatching privileged operations in-process")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("gnosisvpnd %s\n", version.Info())
		return nil
	}

	configPath = firstNonEmpty(configPath, os.Getenv("GNOSISVPN_CONFIG_PATH"))
	if configPath == "" {
		return fmt.Errorf("config path required: pass --config or set GNOSISVPN_CONFIG_PATH")
	}
	socketPath = firstNonEmpty(socketPath, os.Getenv("GNOSISVPN_SOCKET_PATH"), defaultSocketPath)
	homeDir = firstNonEmpty(homeDir, os.Getenv("GNOSISVPN_HOME"))
	if homeDir == "" {
		return fmt.Errorf("state directory required: pass --home or set GNOSISVPN_HOME")
	}
	metricsAddr = firstNonEmpty(metricsAddr, os.Getenv("GNOSISVPN_METRICS_ADDR"), defaultMetricsAddr)
	if err := os.MkdirAll(homeDir, 0o700); err != nil {
		return fmt.Errorf("creating state directory %s: %w", homeDir, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	for _, key := range cfg.UnknownKeys {
		logger.Warn("config: unrecognized key", "key", key)
	}

	ident, err := loadOrGenerateIdentity(homeDir, logger)
	if err != nil {
		return fmt.Errorf("loading identity: %w", err)
	}
	defer ident.Close()

	store := identity.NewStore(cfg, identity.OrderFromConfig(cfg))
	bus := eventbus.New(32)

	tunnelDriver, routeInstaller := driversFor(underRoot, logger)

	sessionMgr := session.New(session.Options{
		Client:             capability.NewFakeHOPRd(),
		Clock:              clock.Real(),
		ProbeTimeout:       cfg.Connection.Ping.Timeout,
		SessionOpenTimeout: 10 * time.Second,
		ProbeIntervalMin:   cfg.Connection.Ping.IntervalMin,
		ProbeIntervalMax:   cfg.Connection.Ping.IntervalMax,
		ProbeMaxFailures:   3,
		Backoff:            backoff.New(backoff.Config{Base: 200 * time.Millisecond, Cap: 2 * time.Second, Jitter: 0.1}),
		ProbePayloadSize:   32,
		Rand:               rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0xD1)),
	})

	forcedKey, err := forcePrivateKeyBytes(cfg)
	if err != nil {
		return err
	}
	tunnelMgr := tunnel.New(tunnel.Options{
		Driver:          tunnelDriver,
		Routes:          routeInstaller,
		ForcePrivateKey: forcedKey,
	})

	allowedIPs, err := parseAllowedIPs(cfg.WireGuard.AllowedIPs)
	if err != nil {
		return fmt.Errorf("parsing wireguard allowed_ips: %w", err)
	}

	eng := engine.New(engine.Config{
		DialMaxAttempts:   5,
		DialBackoff:       backoff.Config{Base: 200 * time.Millisecond, Cap: 2 * time.Second, Jitter: 0.1},
		ShutdownDeadline:  5 * time.Second,
		AllowedIPs:        allowedIPs,
		KeepaliveInterval: 25 * time.Second,
	}, clock.Real(), store, sessionMgr, tunnelMgr, bus, logger)

	ctrl := control.NewServer(eng, store, bus, logger)
	ctrl.SetRefresher(func(ctx context.Context) error {
		return refresh(ctx, configPath, store, eng, logger)
	})
	if socketGroup := os.Getenv("GNOSISVPN_WORKER_USER"); socketGroup != "" {
		ctrl.SetSocketGroupOwner(socketGroup)
	}

	metricsCollector := metrics.NewCollector(logger)

	errs := make(chan error, 3)
	go func() {
		eng.Run(ctx)
		errs <- nil
	}()
	go func() {
		// Run blocks until Shutdown is called explicitly, not merely when
		// ctx is cancelled — a SIGTERM/SIGINT only starts the engine's
		// Disconnecting(Shutdown) cleanup via Shutdown().
		<-ctx.Done()
		eng.Shutdown()
	}()
	go func() {
		errs <- ctrl.Serve(ctx, socketPath)
	}()
	go func() {
		metricsCollector.Run(ctx, bus)
	}()
	go func() {
		errs <- metrics.Serve(ctx, metricsAddr, logger)
	}()

	var firstErr error
	for i := 0; i < 3; i++ {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// driversFor returns the TunnelDriver/RouteInstaller this worker dispatches
// privileged operations to. With --privsep, these are RPC stubs talking to
// gnosisvpn-root over the inherited stdin/stdout pipes; standalone, the
// worker uses in-memory fakes since a real WireGuard/routing backend is a
// privileged external collaborator this binary does not hold the rights to
// drive itself.
func driversFor(underRoot bool, logger *slog.Logger) (capability.TunnelDriver, capability.RouteInstaller) {
	if underRoot {
		client := privsep.NewClient(os.Stdout, os.Stdin)
		return client, client
	}
	logger.Warn("running without --privsep: privileged operations dispatch to in-memory fakes, not a real tunnel device")
	return capability.NewFakeTunnelDriver(), capability.NewFakeRouteInstaller()
}

// loadOrGenerateIdentity loads identity.key/identity.pass from homeDir,
// generating and sealing a fresh identity on first run.
func loadOrGenerateIdentity(homeDir string, logger *slog.Logger) (*identity.Identity, error) {
	keyPath := filepath.Join(homeDir, "identity.key")
	passPath := filepath.Join(homeDir, "identity.pass")

	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		logger.Info("no identity found, generating a fresh one", "path", keyPath)
		ident, err := identity.GenerateIdentity()
		if err != nil {
			return nil, fmt.Errorf("generating identity: %w", err)
		}
		passphrase := os.Getenv("GNOSISVPN_IDENTITY_PASSPHRASE")
		if err := identity.SealToFile(ident, keyPath, passPath, passphrase); err != nil {
			return nil, fmt.Errorf("sealing identity: %w", err)
		}
		return ident, nil
	}

	return identity.LoadFromFile(keyPath, passPath)
}

// refresh re-reads the config file from disk for a control-socket Refresh
// request, replaces the destination table in store, and hands the resulting
// diff to the engine. This is the file-system side of CommandRefresh the
// engine's own task loop cannot perform, since the engine has no disk access
// of its own. The identity key files are not re-read; the identity loaded at
// startup stays in use.
func refresh(ctx context.Context, configPath string, store *identity.Store, eng *engine.Engine, logger *slog.Logger) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("refresh: loading config: %w", err)
	}
	for _, key := range cfg.UnknownKeys {
		logger.Warn("config: unrecognized key", "key", key)
	}
	diff := store.Replace(cfg, identity.OrderFromConfig(cfg))
	eng.Reload(diff)
	return nil
}

// forcePrivateKeyBytes decodes the config's base64 WireGuard private key,
// the same encoding wg-quick(8) config files use.
func forcePrivateKeyBytes(cfg *config.Config) ([]byte, error) {
	if cfg.WireGuard.ForcePrivateKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(cfg.WireGuard.ForcePrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decoding force_private_key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("force_private_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

func parseAllowedIPs(raw string) ([]net.IPNet, error) {
	if raw == "" {
		return nil, nil
	}
	_, ipnet, err := net.ParseCIDR(raw)
	if err != nil {
		return nil, err
	}
	return []net.IPNet{*ipnet}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

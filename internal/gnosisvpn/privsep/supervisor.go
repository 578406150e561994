// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

package privsep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/backoff"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/capability"
)

// ErrRestartsExhausted is returned by Run when the worker has exited more
// than RestartCap times over the supervisor's lifetime; the count is never
// reset (spec §4.7, DESIGN.md's teardown-failure decision).
var ErrRestartsExhausted = errors.New("privsep: worker exceeded its restart budget")

// SupervisorConfig configures worker spawning and restart behavior.
type SupervisorConfig struct {
	// WorkerPath is the gnosisvpnd binary to exec.
	WorkerPath string
	// WorkerArgs are passed to WorkerPath.
	WorkerArgs []string
	// WorkerUser names the unprivileged account the worker drops into
	// (GNOSISVPN_WORKER_USER in practice — spec §4.7).
	WorkerUser string
	// RestartCap bounds the total restart attempts before Run gives up.
	RestartCap int
	// RestartBackoff paces restart attempts.
	RestartBackoff backoff.Config
	// ShutdownDeadline bounds how long the worker is given to exit after
	// SIGTERM before the supervisor escalates to SIGKILL.
	ShutdownDeadline time.Duration
}

// Supervisor execs and supervises the worker process, serving privileged
// RPC requests over the pipes it wires into the child (spec §4.7).
type Supervisor struct {
	cfg    SupervisorConfig
	tunnel capability.TunnelDriver
	routes capability.RouteInstaller
	log    *slog.Logger

	mu           sync.Mutex
	pid          int
	restarts     int
}

// NewSupervisor constructs a Supervisor. tunnel/routes are the real
// privileged driver implementations the RPC Server dispatches into.
func NewSupervisor(cfg SupervisorConfig, tunnel capability.TunnelDriver, routes capability.RouteInstaller, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{cfg: cfg, tunnel: tunnel, routes: routes, log: log}
}

// Run spawns the worker and restarts it on unexpected exit, bounded by
// RestartCap, until ctx is cancelled (a graceful shutdown request) or the
// restart budget is exhausted (ErrRestartsExhausted).
func (sup *Supervisor) Run(ctx context.Context) error {
	policy := backoff.NewSeeded(sup.cfg.RestartBackoff, uint64(time.Now().UnixNano()), 0xC7)

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil
		}

		err := sup.runOnce(ctx)
		sup.tearDown(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// The worker exited cleanly (e.g. a Refresh-triggered restart
			// is out of scope for this spec's worker lifecycle) — treat as
			// a restart-worthy condition since the supervisor's job is to
			// keep a worker alive for the process lifetime.
			sup.log.Warn("privsep: worker exited cleanly, restarting")
		} else {
			sup.log.Error("privsep: worker exited with error", "error", err)
		}

		sup.mu.Lock()
		sup.restarts++
		restarts := sup.restarts
		sup.mu.Unlock()

		if restarts > sup.cfg.RestartCap {
			return fmt.Errorf("%w: %d restarts", ErrRestartsExhausted, restarts)
		}

		delay := policy.NextDelay(attempt)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// tearDown removes the WireGuard peer and kernel routes after the worker
// exits for any reason — crash, clean exit, or a supervisor-requested
// shutdown. runOnce only serves RPCs the worker itself issues, so a crashed
// worker can never send the remove_peer/tear_down_routes calls that would
// otherwise do this; the supervisor does it directly so no residual route or
// peer survives the crash window (spec §4.7, scenario 6). parent is not
// used: a bounded-deadline background context is used for the calls since
// parent may already be cancelled.
func (sup *Supervisor) tearDown(parent context.Context) {
	deadline := sup.cfg.ShutdownDeadline
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	if err := sup.routes.TearDownRoutes(ctx); err != nil {
		sup.log.Warn("privsep: tearing down routes after worker exit failed", "error", err)
	}
	if err := sup.tunnel.RemovePeer(ctx); err != nil {
		sup.log.Warn("privsep: removing peer after worker exit failed", "error", err)
	}
}

// runOnce execs the worker, serves RPC until it exits, and returns the
// worker's wait error (nil on a clean exit).
func (sup *Supervisor) runOnce(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, sup.cfg.WorkerPath, sup.cfg.WorkerArgs...)
	cmd.Stderr = os.Stderr

	// On ctx cancellation (SIGTERM/SIGINT to the supervisor), ask the
	// worker to exit cleanly first; exec escalates to SIGKILL after
	// WaitDelay if it hasn't exited (spec §4.7 shutdown sequencing).
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	if sup.cfg.ShutdownDeadline > 0 {
		cmd.WaitDelay = sup.cfg.ShutdownDeadline
	}

	// Requests flow worker-stdout -> supervisor; responses flow
	// supervisor -> worker-stdin. Both are anonymous pipes os/exec creates
	// and inherits across exec, framed identically to the control socket.
	requestReader, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("privsep: creating worker stdout pipe: %w", err)
	}
	responseWriter, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("privsep: creating worker stdin pipe: %w", err)
	}

	if err := dropPrivileges(cmd, sup.cfg.WorkerUser); err != nil {
		return fmt.Errorf("privsep: configuring worker credentials: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("privsep: starting worker: %w", err)
	}

	sup.mu.Lock()
	sup.pid = cmd.Process.Pid
	sup.mu.Unlock()

	server := NewServer(sup.tunnel, sup.routes, sup.log, sup.PID, sup.RestartCount)

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()

	var serveErr atomic.Value
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Serve(serveCtx, requestReader, responseWriter); err != nil {
			serveErr.Store(err)
		}
	}()

	waitErr := cmd.Wait()
	cancelServe()
	wg.Wait()

	sup.mu.Lock()
	sup.pid = 0
	sup.mu.Unlock()

	if waitErr != nil {
		return fmt.Errorf("worker process: %w", waitErr)
	}
	if v := serveErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// PID returns the worker's current process ID, or 0 if no worker is
// running. Exposed for ActionReportStatus.
func (sup *Supervisor) PID() int {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	return sup.pid
}

// RestartCount returns how many times the worker has been restarted so far.
func (sup *Supervisor) RestartCount() int {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	return sup.restarts
}

// dropPrivileges configures cmd to run as workerUser, resolved by username
// or numeric uid:gid. Grounded on sandbox/'s capability-dropping idiom,
// simplified from namespace construction to a plain setuid/setgid since this
// spec has no sandboxing requirement, just privilege separation (spec §4.7).
func dropPrivileges(cmd *exec.Cmd, workerUser string) error {
	if workerUser == "" {
		return nil
	}

	uid, gid, err := resolveUser(workerUser)
	if err != nil {
		return err
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uid, Gid: gid},
		Setpgid:    true,
	}
	return nil
}

func resolveUser(name string) (uid, gid uint32, err error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, 0, fmt.Errorf("looking up worker user %q: %w", name, err)
	}
	uid64, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing uid %q: %w", u.Uid, err)
	}
	gid64, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing gid %q: %w", u.Gid, err)
	}
	return uint32(uid64), uint32(gid64), nil
}

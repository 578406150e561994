// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine implements the top-level connection state machine (spec
// §4.5, component C5). It composes the session manager (C3) and tunnel
// manager (C4), consumes commands from the control socket (C6) and config
// reloads from the identity store (C2), and emits status on the event bus
// (C8).
//
// The engine runs as a single goroutine reading from a command channel, a
// probe-result channel, a reload channel, a redial-timer channel, and a
// shutdown channel via select — the Go rendering of the spec's single-
// threaded cooperative runtime: one goroutine owns EngineState, every other
// goroutine (the probe loop, a pending redial timer) only ever hands data
// back through a channel.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/backoff"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/eventbus"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/identity"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/model"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/session"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/tunnel"
	"github.com/gnosisvpn/gnosisvpn/lib/clock"
)

// Config carries the tunable parameters the engine needs beyond what C3/C4
// already own.
type Config struct {
	DialMaxAttempts  int
	DialBackoff      backoff.Config
	ShutdownDeadline time.Duration
	AllowedIPs       []net.IPNet
	KeepaliveInterval time.Duration
}

// Engine owns the process-wide EngineState and drives C3/C4 through it.
// Every exported method except State and Shutdown merely enqueues work for
// the Run loop; Run is the only goroutine that ever calls setState.
type Engine struct {
	cfg     Config
	clock   clock.Clock
	store   *identity.Store
	session *session.Manager
	tunnel  *tunnel.Manager
	bus     *eventbus.Bus
	log     *slog.Logger

	commands       chan model.Command
	reloads        chan identity.Diff
	manualConnects chan manualConnectRequest
	shutdown       chan struct{}
	done           chan struct{}

	mu    sync.RWMutex
	state model.EngineState
}

// probeResult is delivered by the background probe loop for whichever
// session/epoch is currently active; stale epochs are discarded.
type probeResult struct {
	epoch   uint64
	success bool
	rtt     time.Duration
}

// connectResult is delivered once the background pubkey-fetch+tunnel-up
// task launched on entering Verifying completes, for whichever epoch is
// currently active; stale epochs are discarded (spec §4.5 Verifying row:
// "request remote pubkey" then "pubkey ok -> Connected, C4.up").
type connectResult struct {
	epoch uint64
	peer  *model.TunnelPeer
	err   error
}

// manualConnectRequest is ConnectTunnel's enqueued work item. Like every
// other exported method besides State and Shutdown, ConnectTunnel never
// touches EngineState itself; it hands the request to the Run goroutine and
// blocks on result, so a manual override can never race the automatic
// requestConnect/finishConnect path over who calls tunnel.Up or setState.
type manualConnectRequest struct {
	remotePublicKey [32]byte
	result          chan error
}

// New returns an Engine ready to Run. store/sessionMgr/tunnelMgr/bus must
// be non-nil.
func New(cfg Config, clk clock.Clock, store *identity.Store, sessionMgr *session.Manager, tunnelMgr *tunnel.Manager, bus *eventbus.Bus, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		clock:    clk,
		store:    store,
		session:  sessionMgr,
		tunnel:   tunnelMgr,
		bus:      bus,
		log:      log,
		commands:       make(chan model.Command, 8),
		reloads:        make(chan identity.Diff, 1),
		manualConnects: make(chan manualConnectRequest),
		shutdown:       make(chan struct{}),
		done:           make(chan struct{}),
		state:    model.EngineState{Kind: model.StateIdle},
	}
}

// Submit enqueues a command for processing. Safe for concurrent callers;
// commands from a single control connection are processed in arrival
// order (spec §5).
func (e *Engine) Submit(cmd model.Command) {
	e.commands <- cmd
}

// Reload notifies the engine that the destination table changed (spec
// §4.5: "ConfigReloaded, dest removed" drives the active destination to
// Disconnecting(ConfigRemoved)).
func (e *Engine) Reload(diff identity.Diff) {
	e.reloads <- diff
}

// Shutdown requests a clean stop and blocks until Run returns.
func (e *Engine) Shutdown() {
	close(e.shutdown)
	<-e.done
}

// State returns a snapshot of the current EngineState. Safe for concurrent
// callers — the engine owns the authoritative copy; this is a read-only
// view (spec §5: "external readers obtain a snapshot copy").
func (e *Engine) State() model.EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(s model.EngineState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.bus.Publish(model.Event{Kind: model.EventStatusChanged, State: s})
}

// Run drives the task loop until Shutdown is called.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)

	var (
		epoch          uint64
		probeResults   = make(chan probeResult, 1)
		connectResults = make(chan connectResult, 1)
		redial         = make(chan struct{}, 1)
		probeCancel    context.CancelFunc
		retryTimer     <-chan time.Time
	)

	stopProbe := func() {
		if probeCancel != nil {
			probeCancel()
			probeCancel = nil
		}
	}
	defer stopProbe()

	armRetryTimer := func() {
		current := e.State()
		if current.Kind == model.StateFailed && !current.NextRetryAt.IsZero() {
			retryTimer = e.clock.After(current.NextRetryAt.Sub(e.clock.Now()))
		} else {
			retryTimer = nil
		}
	}

	dial := func(dest model.DestinationID, attempt int) {
		epoch++
		thisEpoch := epoch
		stopProbe()
		ok := e.dial(ctx, dest, attempt, thisEpoch, redial)
		if ok {
			probeCancel = e.startProbeLoop(ctx, thisEpoch, probeResults)
		}
	}

	for {
		select {
		case <-e.shutdown:
			e.transitionToDisconnecting(ctx, model.ReasonShutdown)
			stopProbe()
			e.setState(model.EngineState{Kind: model.StateIdle})
			e.bus.Publish(model.Event{Kind: model.EventShutdownRequested})
			return

		case cmd := <-e.commands:
			switch cmd.Kind {
			case model.CommandConnect:
				if e.State().Kind != model.StateIdle {
					e.transitionToDisconnecting(ctx, model.ReasonSwitch)
					stopProbe()
				}
				dial(cmd.Destination, 0)

			case model.CommandDisconnect:
				e.transitionToDisconnecting(ctx, model.ReasonUser)
				stopProbe()
				e.setState(model.EngineState{Kind: model.StateIdle})

			case model.CommandRefresh:
				// The actual identity/destination re-read happens at the
				// call site (cmd/gnosisvpnd), which then calls Reload with
				// the resulting diff; nothing to do here directly.

			case model.CommandStatus:
				// Answered synchronously by the control server via State().
			}

		case diff := <-e.reloads:
			e.bus.Publish(model.Event{Kind: model.EventConfigReloaded})
			current := e.State()
			if current.Kind != model.StateIdle && destinationRemoved(current, diff) {
				e.transitionToDisconnecting(ctx, model.ReasonConfigRemoved)
				stopProbe()
				e.setState(model.EngineState{Kind: model.StateIdle})
			}

		case pr := <-probeResults:
			if pr.epoch != epoch {
				continue // stale result from a superseded attempt
			}
			e.handleProbeResult(ctx, pr, epoch, connectResults)
			if kind := e.State().Kind; kind == model.StateIdle || kind == model.StateFailed {
				stopProbe()
			}

		case cr := <-connectResults:
			if cr.epoch != epoch {
				continue // stale result from a superseded attempt
			}
			e.finishConnect(ctx, cr)

		case req := <-e.manualConnects:
			req.result <- e.doConnectTunnel(ctx, req.remotePublicKey)

		case <-redial:
			current := e.State()
			dial(current.Destination, current.Attempt)

		case <-retryTimer:
			current := e.State()
			dial(current.Destination, 0)
		}

		armRetryTimer()
	}
}

func destinationRemoved(current model.EngineState, diff identity.Diff) bool {
	target := current.Destination
	if current.Session != nil {
		target = current.Session.Destination
	}
	for _, id := range diff.Removed {
		if id == target {
			return true
		}
	}
	return false
}

// dial attempts to open a session for destination at the given attempt
// number (spec §4.5 Dialing row). On a retryable failure it arms a backoff
// timer that signals redial when elapsed, rather than recursing, so state
// is only ever mutated from the Run goroutine. Returns true if dialing
// succeeded and a probe loop should be armed.
func (e *Engine) dial(ctx context.Context, dest model.DestinationID, attempt int, epoch uint64, redial chan<- struct{}) bool {
	e.setState(model.EngineState{Kind: model.StateDialing, Destination: dest, Attempt: attempt})

	d, err := e.store.Resolve(dest)
	if err != nil {
		e.log.Error("resolve destination failed", "destination", dest, "error", err)
		e.failDial(dest, model.ReasonDial)
		return false
	}

	s, err := e.session.Open(ctx, dest, nil, d.Path, 0)
	if err != nil {
		e.log.Warn("session open failed", "destination", dest, "attempt", attempt, "error", err)
		if attempt+1 >= e.cfg.DialMaxAttempts {
			e.failDial(dest, model.ReasonDial)
			return false
		}

		e.setState(model.EngineState{Kind: model.StateDialing, Destination: dest, Attempt: attempt + 1})
		policy := backoff.NewSeeded(e.cfg.DialBackoff, epoch, uint64(attempt))
		delay := policy.NextDelay(attempt)
		e.log.Info("retrying dial after backoff", "destination", dest, "delay", delay)
		e.clock.AfterFunc(delay, func() {
			select {
			case redial <- struct{}{}:
			default:
			}
		})
		return false
	}

	e.setState(model.EngineState{Kind: model.StateBridging, Session: s})
	e.log.Info("session bridging", "destination", dest, "remote_id", s.RemoteID)
	return true
}

func (e *Engine) failDial(dest model.DestinationID, reason model.DisconnectReason) {
	nextAt := e.clock.Now().Add(e.cfg.DialBackoff.Cap)
	e.setState(model.EngineState{Kind: model.StateFailed, Destination: dest, Reason: reason, NextRetryAt: nextAt})
}

// startProbeLoop spawns the probe goroutine for the session behind the
// given epoch: sleep for a random interval, send one probe, report the
// result, repeat. Scheduling is monotonic by construction — the goroutine
// never issues a second probe before the first completes (spec §4.3
// ordering guarantee). The returned cancel func stops the loop within one
// probe timeout (spec §4.3: "cancellation of a session cancels any
// outstanding probe within one probe timeout").
func (e *Engine) startProbeLoop(ctx context.Context, epoch uint64, results chan<- probeResult) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.clock.After(e.session.NextProbeDelay()):
			}

			current := e.State()
			if current.Session == nil {
				return
			}
			rtt, err := e.session.Verify(ctx, current.Session)
			select {
			case results <- probeResult{epoch: epoch, success: err == nil, rtt: rtt}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return cancel
}

// handleProbeResult applies a single probe outcome and advances the state
// machine per spec §4.5 (Bridging->Verifying on first success, ProbeFail
// disconnects into Failed(ProbeFail, next_retry_at) on exhaustion so the
// same armRetryTimer/redial machinery that recovers a dial failure also
// recovers a degraded session).
func (e *Engine) handleProbeResult(ctx context.Context, pr probeResult, epoch uint64, connectResults chan<- connectResult) {
	current := e.State()

	if !pr.success {
		degraded := current.Session != nil && e.session.RecordProbeResult(current.Session, false)
		if degraded {
			e.bus.Publish(model.Event{Kind: model.EventProbeResult, Success: false})
		}
		if degraded || current.Kind == model.StateBridging {
			dest := current.Destination
			if current.Session != nil {
				dest = current.Session.Destination
			}
			e.transitionToDisconnecting(ctx, model.ReasonProbeFail)
			nextAt := e.clock.Now().Add(e.cfg.DialBackoff.Cap)
			e.setState(model.EngineState{Kind: model.StateFailed, Destination: dest, Reason: model.ReasonProbeFail, NextRetryAt: nextAt})
		}
		return
	}

	switch current.Kind {
	case model.StateBridging:
		e.setState(model.EngineState{Kind: model.StateVerifying, Session: current.Session})
		e.requestConnect(ctx, current.Session, epoch, connectResults)
	case model.StateVerifying:
		// Further probes while awaiting the pubkey are successes already
		// folded into the Bridging->Verifying transition; nothing to do
		// until requestConnect's background task reports back.
	case model.StateConnected:
		e.session.RecordProbeResult(current.Session, true)
		e.bus.Publish(model.Event{Kind: model.EventProbeResult, Success: true, RTT: pr.rtt})
	}
}

// requestConnect fetches the destination's WireGuard public key over the
// verified session and brings the tunnel up, off the Run goroutine so a
// slow entry node or driver never blocks the state machine's select loop.
// The result is delivered on connectResults, tagged with epoch so a
// superseded attempt (a Disconnect racing the fetch) is discarded rather
// than resurrecting a stale session into Connected.
func (e *Engine) requestConnect(ctx context.Context, s *model.Session, epoch uint64, connectResults chan<- connectResult) {
	go func() {
		key, err := e.session.RemotePublicKey(ctx, s)
		if err != nil {
			select {
			case connectResults <- connectResult{epoch: epoch, err: fmt.Errorf("fetching remote public key: %w", err)}:
			case <-ctx.Done():
			}
			return
		}

		peer, err := e.tunnel.Up(ctx, s, key, e.cfg.AllowedIPs, e.cfg.KeepaliveInterval)
		select {
		case connectResults <- connectResult{epoch: epoch, peer: peer, err: err}:
		case <-ctx.Done():
		}
	}()
}

// finishConnect applies the outcome of requestConnect's background task,
// called only from the Run goroutine so EngineState mutations stay
// single-threaded.
func (e *Engine) finishConnect(ctx context.Context, cr connectResult) {
	current := e.State()
	if current.Kind != model.StateVerifying {
		return // raced with a Disconnect/ConfigReloaded that already moved on
	}
	if cr.err != nil {
		e.log.Warn("tunnel connect failed", "destination", current.Session.Destination, "error", cr.err)
		e.transitionToDisconnecting(ctx, model.ReasonDial)
		e.setState(model.EngineState{Kind: model.StateIdle})
		return
	}
	e.setState(model.EngineState{Kind: model.StateConnected, Session: current.Session, Peer: cr.peer})
}

// ConnectTunnel brings the tunnel up once a session has verified and the
// remote public key is known. Exported for tests and for any driver that
// already holds the pubkey out of band; production code reaches Connected
// automatically through requestConnect/finishConnect instead. ConnectTunnel
// only enqueues the request and waits for the Run goroutine to apply it, so
// it can never race requestConnect/finishConnect over who calls tunnel.Up or
// mutates EngineState.
func (e *Engine) ConnectTunnel(ctx context.Context, remotePublicKey [32]byte) error {
	req := manualConnectRequest{remotePublicKey: remotePublicKey, result: make(chan error, 1)}
	select {
	case e.manualConnects <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// doConnectTunnel is ConnectTunnel's body, run only from the Run goroutine.
func (e *Engine) doConnectTunnel(ctx context.Context, remotePublicKey [32]byte) error {
	current := e.State()
	if current.Kind != model.StateVerifying || current.Session == nil {
		return fmt.Errorf("engine: ConnectTunnel called outside Verifying (state=%s)", current.Kind)
	}

	peer, err := e.tunnel.Up(ctx, current.Session, remotePublicKey, e.cfg.AllowedIPs, e.cfg.KeepaliveInterval)
	if err != nil {
		return fmt.Errorf("engine: tunnel up: %w", err)
	}

	e.setState(model.EngineState{Kind: model.StateConnected, Session: current.Session, Peer: peer})
	return nil
}

// transitionToDisconnecting tears down the active session/peer. It always
// completes within ShutdownDeadline; downstream errors are logged, never
// propagated as a stuck state (spec §4.5 invariant ii).
func (e *Engine) transitionToDisconnecting(ctx context.Context, reason model.DisconnectReason) {
	current := e.State()
	e.setState(model.EngineState{Kind: model.StateDisconnecting, Reason: reason, Session: current.Session})

	ctx, cancel := context.WithTimeout(ctx, e.cfg.ShutdownDeadline)
	defer cancel()

	if current.Peer != nil {
		if err := e.tunnel.Down(ctx); err != nil {
			e.log.Warn("tunnel down failed during disconnect", "reason", reason, "error", err)
		}
	}
	if current.Session != nil {
		if err := e.session.Close(ctx, current.Session); err != nil {
			e.log.Warn("session close failed during disconnect", "reason", reason, "error", err)
		}
	}
}

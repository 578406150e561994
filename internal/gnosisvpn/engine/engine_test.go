// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/backoff"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/capability"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/config"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/eventbus"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/identity"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/model"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/session"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/tunnel"
	"github.com/gnosisvpn/gnosisvpn/lib/clock"
)

type harness struct {
	engine *Engine
	hoprd  *capability.FakeHOPRd
	driver *capability.FakeTunnelDriver
	clock  *clock.FakeClock
	bus    *eventbus.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	hoprd := capability.NewFakeHOPRd()
	driver := capability.NewFakeTunnelDriver()
	fakeClock := clock.Fake(time.Unix(0, 0))
	bus := eventbus.New(8)

	sessionMgr := session.New(session.Options{
		Client:             hoprd,
		Clock:              fakeClock,
		ProbeTimeout:       time.Second,
		SessionOpenTimeout: time.Second,
		ProbeIntervalMin:   time.Second,
		ProbeIntervalMax:   2 * time.Second,
		ProbeMaxFailures:   3,
		Backoff:            backoff.NewSeeded(backoff.Config{Base: 10 * time.Millisecond, Cap: time.Second, Jitter: 0}, 1, 2),
		ProbePayloadSize:   16,
	})
	tunnelMgr := tunnel.New(tunnel.Options{Driver: driver})

	cfg := sampleConfig()
	store := identity.NewStore(cfg, identity.OrderFromConfig(cfg))

	eng := New(Config{
		DialMaxAttempts:  3,
		DialBackoff:      backoff.Config{Base: 10 * time.Millisecond, Cap: 100 * time.Millisecond, Jitter: 0},
		ShutdownDeadline: time.Second,
		KeepaliveInterval: 25 * time.Second,
	}, fakeClock, store, sessionMgr, tunnelMgr, bus, slog.Default())

	return &harness{engine: eng, hoprd: hoprd, driver: driver, clock: fakeClock, bus: bus}
}

func sampleConfig() *config.Config {
	return &config.Config{
		Version: config.CurrentVersion,
		Destinations: map[model.DestinationID]config.Destination{
			"alpha": {Hops: 1},
		},
	}
}

// waitForState polls the engine state in real time until want is reached
// or timeout elapses, mirroring the teacher's waitForFile/waitForHealthy
// polling idiom for cross-goroutine test synchronization.
func waitForState(t *testing.T, eng *Engine, want model.EngineStateKind, timeout time.Duration) model.EngineState {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		s := eng.State()
		if s.Kind == want {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %s waiting for state %s, last state was %s", timeout, want, s.Kind)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConnectReachesBridging(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.engine.Run(ctx)
	defer h.engine.Shutdown()

	h.engine.Submit(model.Command{Kind: model.CommandConnect, Destination: "alpha"})

	s := waitForState(t, h.engine, model.StateBridging, time.Second)
	if s.Session == nil || s.Session.Destination != "alpha" {
		t.Fatalf("Bridging session = %+v, want destination alpha", s.Session)
	}
}

func TestConnectReachesVerifyingAfterFirstProbe(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.engine.Run(ctx)
	defer h.engine.Shutdown()

	h.engine.Submit(model.Command{Kind: model.CommandConnect, Destination: "alpha"})
	waitForState(t, h.engine, model.StateBridging, time.Second)

	h.clock.WaitForTimers(1)
	h.clock.Advance(2 * time.Second)

	waitForState(t, h.engine, model.StateVerifying, time.Second)
}

// TestConnectTunnelAppliesPeerWhenVerifying exercises ConnectTunnel as a
// manual override, with the engine parked in Verifying directly (never
// dialed/probed) so the automatic requestConnect/finishConnect path never
// fires and cannot race this call over who applies the peer.
func TestConnectTunnelAppliesPeerWhenVerifying(t *testing.T) {
	h := newHarness(t)
	s := &model.Session{Destination: "alpha", RemoteID: "remote-alpha-1", Status: model.SessionOpen}
	h.engine.setState(model.EngineState{Kind: model.StateVerifying, Session: s})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.engine.Run(ctx)
	defer h.engine.Shutdown()

	var remote [32]byte
	remote[0] = 0x42
	if err := h.engine.ConnectTunnel(context.Background(), remote); err != nil {
		t.Fatalf("ConnectTunnel: %v", err)
	}

	got := h.engine.State()
	if got.Kind != model.StateConnected || got.Peer == nil || got.Peer.RemotePublicKey != remote {
		t.Fatalf("state = %+v, want Connected with RemotePublicKey %x", got, remote)
	}
}

// TestConnectTunnelRejectedOutsideVerifying confirms the manual-override
// guard still rejects calls made from the wrong state, entirely off the
// automatic path.
func TestConnectTunnelRejectedOutsideVerifying(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.engine.Run(ctx)
	defer h.engine.Shutdown()

	var remote [32]byte
	if err := h.engine.ConnectTunnel(context.Background(), remote); err == nil {
		t.Fatal("ConnectTunnel from Idle: want error, got nil")
	}
}

// TestConnectReachesConnectedAutomatically drives a full Connect end to end
// with no manual ConnectTunnel call: the engine's own Verifying handler
// must fetch the remote public key and bring the tunnel up by itself (spec
// §4.5, the Bridging->Verifying->Connected path C4's tunnel.Up belongs to).
func TestConnectReachesConnectedAutomatically(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.engine.Run(ctx)
	defer h.engine.Shutdown()

	h.engine.Submit(model.Command{Kind: model.CommandConnect, Destination: "alpha"})
	waitForState(t, h.engine, model.StateBridging, time.Second)
	h.clock.WaitForTimers(1)
	h.clock.Advance(2 * time.Second)

	s := waitForState(t, h.engine, model.StateConnected, time.Second)
	if s.Peer == nil {
		t.Fatal("Connected state has nil Peer, want tunnel.Up to have run automatically")
	}
	want, err := h.hoprd.RemotePublicKey(context.Background(), s.Session.RemoteID)
	if err != nil {
		t.Fatalf("RemotePublicKey: %v", err)
	}
	if s.Peer.RemotePublicKey != want {
		t.Fatalf("Peer.RemotePublicKey = %x, want %x", s.Peer.RemotePublicKey, want)
	}
	if !h.driver.IsApplied() {
		t.Error("tunnel driver should be applied after automatic connect")
	}
}

func TestDisconnectReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.engine.Run(ctx)
	defer h.engine.Shutdown()

	h.engine.Submit(model.Command{Kind: model.CommandConnect, Destination: "alpha"})
	waitForState(t, h.engine, model.StateBridging, time.Second)

	h.engine.Submit(model.Command{Kind: model.CommandDisconnect})
	waitForState(t, h.engine, model.StateIdle, time.Second)

	if h.driver.IsApplied() {
		t.Errorf("tunnel driver should not be applied after disconnect from Bridging")
	}
}

func TestEntryNodeDownThenRecovers(t *testing.T) {
	h := newHarness(t)
	h.hoprd.OpenErr = capability.ErrProbeTimeout // any non-nil open error
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.engine.Run(ctx)
	defer h.engine.Shutdown()

	h.engine.Submit(model.Command{Kind: model.CommandConnect, Destination: "alpha"})

	// First attempt fails immediately; engine should be retrying (still
	// Dialing) rather than giving up after one failure.
	waitForState(t, h.engine, model.StateDialing, time.Second)

	h.clock.WaitForTimers(1)
	h.clock.Advance(200 * time.Millisecond)
	waitForState(t, h.engine, model.StateDialing, time.Second)

	h.hoprd.OpenErr = nil // entry node recovers
	h.clock.WaitForTimers(1)
	h.clock.Advance(200 * time.Millisecond)

	waitForState(t, h.engine, model.StateBridging, time.Second)
}

func TestDialExhaustionReachesFailed(t *testing.T) {
	h := newHarness(t)
	h.hoprd.OpenErr = capability.ErrProbeTimeout
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.engine.Run(ctx)
	defer h.engine.Shutdown()

	h.engine.Submit(model.Command{Kind: model.CommandConnect, Destination: "alpha"})
	waitForState(t, h.engine, model.StateDialing, time.Second)

	// DialMaxAttempts=3 allows attempts 0 and 1 to schedule a backoff
	// retry; attempt 2 fails outright into Failed without arming a timer.
	for i := 0; i < 2; i++ {
		h.clock.WaitForTimers(1)
		h.clock.Advance(200 * time.Millisecond)
	}

	s := waitForState(t, h.engine, model.StateFailed, time.Second)
	if s.Reason != model.ReasonDial {
		t.Errorf("Failed reason = %v, want Dial", s.Reason)
	}
}

// TestProbeFailureFromBridgingReachesFailedThenRecovers exercises the probe-
// exhaustion path: a failed probe while Bridging must land in
// Failed(ProbeFail, next_retry_at), not Idle, so the same retry-timer
// machinery that recovers a dial failure also auto-reconnects a session
// that never verified.
func TestProbeFailureFromBridgingReachesFailedThenRecovers(t *testing.T) {
	h := newHarness(t)
	h.hoprd.ProbeCorrupt = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.engine.Run(ctx)
	defer h.engine.Shutdown()

	h.engine.Submit(model.Command{Kind: model.CommandConnect, Destination: "alpha"})
	waitForState(t, h.engine, model.StateBridging, time.Second)

	h.clock.WaitForTimers(1)
	h.clock.Advance(2 * time.Second)

	s := waitForState(t, h.engine, model.StateFailed, time.Second)
	if s.Reason != model.ReasonProbeFail {
		t.Fatalf("Failed reason = %v, want ProbeFail", s.Reason)
	}
	if s.NextRetryAt.IsZero() {
		t.Fatal("Failed state has zero NextRetryAt, want auto-reconnect armed")
	}

	h.hoprd.ProbeCorrupt = false
	h.clock.WaitForTimers(1)
	h.clock.Advance(h.engine.cfg.DialBackoff.Cap)

	waitForState(t, h.engine, model.StateBridging, time.Second)
}

func TestSwitchDestinationTearsDownPrevious(t *testing.T) {
	h := newHarness(t)
	cfg := &config.Config{
		Version: config.CurrentVersion,
		Destinations: map[model.DestinationID]config.Destination{
			"alpha": {Hops: 1},
			"beta":  {Hops: 2},
		},
	}
	h.engine.store = identity.NewStore(cfg, identity.OrderFromConfig(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.engine.Run(ctx)
	defer h.engine.Shutdown()

	h.engine.Submit(model.Command{Kind: model.CommandConnect, Destination: "alpha"})
	first := waitForState(t, h.engine, model.StateBridging, time.Second)

	h.engine.Submit(model.Command{Kind: model.CommandConnect, Destination: "beta"})
	second := waitForState(t, h.engine, model.StateBridging, time.Second)

	if second.Session == nil || second.Session.Destination != "beta" {
		t.Fatalf("after switch, Bridging session = %+v, want destination beta", second.Session)
	}
	if first.Session.RemoteID == second.Session.RemoteID {
		t.Errorf("switch should have opened a distinct session")
	}
}

func TestConfigRemovalDisconnectsActiveDestination(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.engine.Run(ctx)
	defer h.engine.Shutdown()

	h.engine.Submit(model.Command{Kind: model.CommandConnect, Destination: "alpha"})
	waitForState(t, h.engine, model.StateBridging, time.Second)

	h.engine.Reload(identity.Diff{Removed: []model.DestinationID{"alpha"}})

	waitForState(t, h.engine, model.StateIdle, time.Second)
}

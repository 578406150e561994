// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/config"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/eventbus"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/identity"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/model"
)

// fakeEngine is a minimal Engine whose State reflects the last Submit'd
// command, letting tests assert the control server forwarded commands
// without needing a real connection engine goroutine.
type fakeEngine struct {
	mu    sync.Mutex
	state model.EngineState
}

func (f *fakeEngine) Submit(cmd model.Command) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch cmd.Kind {
	case model.CommandConnect:
		f.state = model.EngineState{Kind: model.StateDialing, Destination: cmd.Destination}
	case model.CommandDisconnect:
		f.state = model.EngineState{Kind: model.StateIdle}
	case model.CommandRefresh:
		// no state change modeled
	}
}

func (f *fakeEngine) State() model.EngineState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func newTestServer(t *testing.T) (*Server, *fakeEngine, *eventbus.Bus, string) {
	t.Helper()

	cfg := &config.Config{
		Version: config.CurrentVersion,
		Destinations: map[model.DestinationID]config.Destination{
			"alpha": {Hops: 1},
		},
	}
	store := identity.NewStore(cfg, identity.OrderFromConfig(cfg))
	bus := eventbus.New(8)
	eng := &fakeEngine{state: model.EngineState{Kind: model.StateIdle}}
	srv := NewServer(eng, store, bus, nil)

	socketPath := filepath.Join(t.TempDir(), "control.sock")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ready := make(chan struct{})
	go func() {
		go func() {
			for srv.Addr() == nil {
				time.Sleep(time.Millisecond)
			}
			close(ready)
		}()
		srv.Serve(ctx, socketPath)
	}()
	<-ready

	return srv, eng, bus, socketPath
}

func TestStatusRoundTrip(t *testing.T) {
	_, _, _, socketPath := newTestServer(t)
	client := Dial(socketPath)

	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State.Kind != model.StateIdle {
		t.Errorf("State.Kind = %v, want Idle", status.State.Kind)
	}
	if len(status.Destinations) != 1 || status.Destinations[0] != "alpha" {
		t.Errorf("Destinations = %v, want [alpha]", status.Destinations)
	}
}

func TestConnectForwardsCommand(t *testing.T) {
	_, eng, _, socketPath := newTestServer(t)
	client := Dial(socketPath)

	if err := client.Connect(context.Background(), "alpha"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	got := eng.State()
	if got.Kind != model.StateDialing || got.Destination != "alpha" {
		t.Errorf("engine state after Connect = %+v, want Dialing(alpha)", got)
	}
}

func TestDisconnectForwardsCommand(t *testing.T) {
	_, eng, _, socketPath := newTestServer(t)
	client := Dial(socketPath)

	if err := client.Connect(context.Background(), "alpha"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := client.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	if got := eng.State(); got.Kind != model.StateIdle {
		t.Errorf("engine state after Disconnect = %+v, want Idle", got)
	}
}

func TestMutatorBusyWhileInFlight(t *testing.T) {
	srv, _, _, socketPath := newTestServer(t)

	if !srv.busy.CompareAndSwap(false, true) {
		t.Fatal("expected to acquire busy flag")
	}
	defer srv.busy.Store(false)

	client := Dial(socketPath)
	err := client.Connect(context.Background(), "alpha")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("Connect error = %v, want ErrBusy", err)
	}
}

func TestFollowDeliversInitialAndSubsequentSnapshots(t *testing.T) {
	_, _, bus, socketPath := newTestServer(t)
	client := Dial(socketPath)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	received := make(chan *StatusPayload, 4)
	go client.Follow(ctx, func(p *StatusPayload) bool {
		received <- p
		return len(received) < 2
	})

	first := <-received
	if first.State.Kind != model.StateIdle {
		t.Errorf("initial snapshot Kind = %v, want Idle", first.State.Kind)
	}

	bus.Publish(model.Event{Kind: model.EventStatusChanged, State: model.EngineState{Kind: model.StateDialing, Destination: "alpha"}})

	second := <-received
	if second.State.Kind != model.StateDialing {
		t.Errorf("second snapshot Kind = %v, want Dialing", second.State.Kind)
	}
}

func TestFollowIgnoresNonStatusEvents(t *testing.T) {
	_, _, bus, socketPath := newTestServer(t)
	client := Dial(socketPath)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	received := make(chan *StatusPayload, 4)
	go client.Follow(ctx, func(p *StatusPayload) bool {
		received <- p
		return true
	})

	<-received // initial snapshot

	bus.Publish(model.Event{Kind: model.EventProbeResult, Success: true})

	select {
	case <-received:
		t.Fatal("ProbeResult event should not have produced a follow update")
	case <-time.After(100 * time.Millisecond):
	}
}

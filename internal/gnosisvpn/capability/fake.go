// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/zeebo/blake3"
)

// FakeHOPRd is an in-memory HOPRdClient for tests. It never opens a socket.
// Behavior is driven by the exported fields/funcs, which tests mutate
// between calls to simulate entry-node downtime, protocol errors, and
// probe failures.
type FakeHOPRd struct {
	mu sync.Mutex

	// OpenErr, when non-nil, is returned by CreateSession instead of
	// succeeding.
	OpenErr error

	// ProbeBlocked, when true, makes Probe return ErrProbeTimeout instead
	// of echoing.
	ProbeBlocked bool

	// ProbeCorrupt, when true, makes Probe echo back a mutated payload
	// instead of an exact echo.
	ProbeCorrupt bool

	// RemotePublicKeyErr, when non-nil, is returned by RemotePublicKey
	// instead of succeeding.
	RemotePublicKeyErr error

	nextPort uint16
	sessions map[string]SessionHandle
}

// NewFakeHOPRd returns a FakeHOPRd ready for use.
func NewFakeHOPRd() *FakeHOPRd {
	return &FakeHOPRd{
		nextPort: 40000,
		sessions: make(map[string]SessionHandle),
	}
}

// ErrProbeTimeout is returned by FakeHOPRd.Probe when ProbeBlocked is set.
var ErrProbeTimeout = fmt.Errorf("capability: probe timed out")

func (f *FakeHOPRd) CreateSession(ctx context.Context, spec SessionSpec) (SessionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.OpenErr != nil {
		return SessionHandle{}, f.OpenErr
	}

	port := f.nextPort
	f.nextPort++

	handle := SessionHandle{
		RemoteID:  fmt.Sprintf("remote-%s-%d", spec.Destination, port),
		LocalAddr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(port)},
	}
	f.sessions[handle.RemoteID] = handle
	return handle, nil
}

func (f *FakeHOPRd) ListSessions(ctx context.Context) ([]SessionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]SessionHandle, 0, len(f.sessions))
	for _, h := range f.sessions {
		out = append(out, h)
	}
	return out, nil
}

func (f *FakeHOPRd) CloseSession(ctx context.Context, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.sessions, remoteID)
	return nil
}

func (f *FakeHOPRd) Probe(ctx context.Context, remoteID string, payload []byte) ([]byte, error) {
	f.mu.Lock()
	blocked := f.ProbeBlocked
	corrupt := f.ProbeCorrupt
	_, known := f.sessions[remoteID]
	f.mu.Unlock()

	if !known {
		return nil, fmt.Errorf("capability: unknown session %s", remoteID)
	}
	if blocked {
		<-ctx.Done()
		return nil, ErrProbeTimeout
	}
	if corrupt {
		mutated := append([]byte(nil), payload...)
		if len(mutated) > 0 {
			mutated[0] ^= 0xFF
		}
		return mutated, nil
	}
	return append([]byte(nil), payload...), nil
}

func (f *FakeHOPRd) RemotePublicKey(ctx context.Context, remoteID string) ([32]byte, error) {
	f.mu.Lock()
	_, known := f.sessions[remoteID]
	err := f.RemotePublicKeyErr
	f.mu.Unlock()

	if !known {
		return [32]byte{}, fmt.Errorf("capability: unknown session %s", remoteID)
	}
	if err != nil {
		return [32]byte{}, err
	}
	return blake3.Sum256([]byte(remoteID)), nil
}

// EchoMatches reports whether an echoed payload matches what was sent,
// the success criterion spec §4.3 defines for a probe round-trip.
func EchoMatches(sent, echoed []byte) bool {
	return bytes.Equal(sent, echoed)
}

// FakeTunnelDriver is an in-memory TunnelDriver for tests.
type FakeTunnelDriver struct {
	mu sync.Mutex

	// ApplyErr, when non-nil, is returned by ApplyPeer.
	ApplyErr error

	applied bool
	current PeerSpec
}

func NewFakeTunnelDriver() *FakeTunnelDriver {
	return &FakeTunnelDriver{}
}

func (f *FakeTunnelDriver) ApplyPeer(ctx context.Context, spec PeerSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ApplyErr != nil {
		return f.ApplyErr
	}
	f.applied = true
	f.current = spec
	return nil
}

func (f *FakeTunnelDriver) RemovePeer(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.applied = false
	f.current = PeerSpec{}
	return nil
}

func (f *FakeTunnelDriver) RotateKeypair(ctx context.Context) ([32]byte, error) {
	var pub [32]byte
	for i := range pub {
		pub[i] = byte(i + 1)
	}
	return pub, nil
}

// IsApplied reports whether a peer is currently installed.
func (f *FakeTunnelDriver) IsApplied() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied
}

// FakeRouteInstaller is an in-memory RouteInstaller for tests. Re-applying
// an identical spec is a no-op, matching the real idempotence invariant.
type FakeRouteInstaller struct {
	mu sync.Mutex

	// InstallErr, when non-nil, is returned by InstallRoutes.
	InstallErr error

	installed bool
	spec      RouteSpec
}

func NewFakeRouteInstaller() *FakeRouteInstaller {
	return &FakeRouteInstaller{}
}

func (f *FakeRouteInstaller) InstallRoutes(ctx context.Context, spec RouteSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.InstallErr != nil {
		return f.InstallErr
	}
	if f.installed && f.spec.TunnelDevice == spec.TunnelDevice {
		return nil // idempotent re-apply
	}
	f.installed = true
	f.spec = spec
	return nil
}

func (f *FakeRouteInstaller) TearDownRoutes(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.installed = false
	f.spec = RouteSpec{}
	return nil
}

// IsInstalled reports whether routes are currently installed.
func (f *FakeRouteInstaller) IsInstalled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installed
}

// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

// Package tunnel owns the WireGuard peer/keypair lifecycle (spec §4.4,
// component C4). It consumes an open mixnet session as its transport
// target and never opens a kernel device itself — device state goes through
// a capability.TunnelDriver and route state through a
// capability.RouteInstaller, so tests run without privilege.
package tunnel

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/capability"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/model"
)

// Tunnel-time errors (spec §4.4).
var (
	ErrKeyGen    = errors.New("tunnel: key generation failed")
	ErrPeerApply = errors.New("tunnel: peer apply failed")
	ErrAlreadyUp = errors.New("tunnel: already up")
)

// Options configures a Manager.
type Options struct {
	Driver capability.TunnelDriver

	// Routes installs/removes the kernel routing and firewall state that
	// accompanies an active peer. Nil disables route management, for
	// callers (and existing tests) that only care about the peer lifecycle.
	Routes capability.RouteInstaller
	// Device names the tunnel interface passed to Routes. Defaults to
	// "gnosisvpn0" when empty.
	Device string

	// ForcePrivateKey, when non-empty, pins the WireGuard private key
	// (raw 32 bytes). When set, Rotate is a no-op and Up reuses this key
	// instead of generating a fresh one (spec §4.4 key policy).
	ForcePrivateKey []byte
}

// Manager owns at most one TunnelPeer at a time.
type Manager struct {
	opts Options
	peer *model.TunnelPeer
}

// New returns a Manager.
func New(opts Options) *Manager {
	return &Manager{opts: opts}
}

// Up constructs a peer bound to session's local UDP endpoint (spec §4.4).
// Fails with ErrAlreadyUp if a peer is already installed.
func (m *Manager) Up(ctx context.Context, s *model.Session, remotePublicKey [32]byte, allowedIPs []net.IPNet, keepalive time.Duration) (*model.TunnelPeer, error) {
	if m.peer != nil {
		return nil, ErrAlreadyUp
	}

	pub, priv, err := m.keypair()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGen, err)
	}

	spec := capability.PeerSpec{
		PublicKey:         remotePublicKey,
		AllowedIPs:        allowedIPs,
		Endpoint:          s.LocalAddr,
		KeepaliveInterval: int(keepalive.Seconds()),
	}
	if err := m.opts.Driver.ApplyPeer(ctx, spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerApply, err)
	}

	if m.opts.Routes != nil {
		routeSpec := capability.RouteSpec{TunnelDevice: m.deviceName(), AllowedIPs: allowedIPs}
		if err := m.opts.Routes.InstallRoutes(ctx, routeSpec); err != nil {
			// Roll back the peer we just applied so no half-installed state
			// survives the failed Up (spec §7 kind 5: privileged-op rollback).
			if rmErr := m.opts.Driver.RemovePeer(ctx); rmErr != nil {
				return nil, fmt.Errorf("%w: %v (and peer rollback failed: %v)", ErrPeerApply, err, rmErr)
			}
			return nil, fmt.Errorf("%w: installing routes: %v", ErrPeerApply, err)
		}
	}

	peer := &model.TunnelPeer{
		PrivateKey:        priv,
		PublicKey:         pub,
		RemotePublicKey:   remotePublicKey,
		AllowedIPs:        allowedIPs,
		KeepaliveInterval: keepalive,
		Endpoint:          s.LocalAddr,
	}
	m.peer = peer
	return peer, nil
}

// Down removes the current peer and zeroises its private key. Idempotent:
// calling Down with no peer installed succeeds.
func (m *Manager) Down(ctx context.Context) error {
	if m.peer == nil {
		return nil
	}
	if m.opts.Routes != nil {
		if err := m.opts.Routes.TearDownRoutes(ctx); err != nil {
			return fmt.Errorf("tunnel: tearing down routes: %w", err)
		}
	}
	if err := m.opts.Driver.RemovePeer(ctx); err != nil {
		return fmt.Errorf("tunnel: removing peer: %w", err)
	}
	zero(m.peer.PrivateKey)
	m.peer = nil
	return nil
}

func (m *Manager) deviceName() string {
	if m.opts.Device != "" {
		return m.opts.Device
	}
	return "gnosisvpn0"
}

// Rotate generates a new keypair and replaces the current peer. The old
// peer is removed only after the new one is installed — never both
// simultaneously missing (spec §4.4). A pinned ForcePrivateKey makes
// Rotate a no-op, returning the existing peer unchanged.
func (m *Manager) Rotate(ctx context.Context, remotePublicKey [32]byte) (*model.TunnelPeer, error) {
	if m.peer == nil {
		return nil, fmt.Errorf("tunnel: rotate with no peer up")
	}
	if len(m.opts.ForcePrivateKey) > 0 {
		return m.peer, nil
	}

	pub, err := m.opts.Driver.RotateKeypair(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGen, err)
	}

	spec := capability.PeerSpec{
		PublicKey:         remotePublicKey,
		AllowedIPs:        m.peer.AllowedIPs,
		Endpoint:          m.peer.Endpoint,
		KeepaliveInterval: int(m.peer.KeepaliveInterval.Seconds()),
	}
	if err := m.opts.Driver.ApplyPeer(ctx, spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerApply, err)
	}

	old := m.peer
	next := &model.TunnelPeer{
		// PrivateKey stays empty: the driver now holds the device handle
		// and its private half entirely on the privileged side (spec §5).
		PublicKey:         pub,
		RemotePublicKey:   remotePublicKey,
		AllowedIPs:        old.AllowedIPs,
		KeepaliveInterval: old.KeepaliveInterval,
		Endpoint:          old.Endpoint,
	}
	m.peer = next
	zero(old.PrivateKey)
	return next, nil
}

// keypair returns the pinned static key if configured, otherwise generates
// a fresh X25519 keypair via curve25519.
func (m *Manager) keypair() (pub [32]byte, priv []byte, err error) {
	if len(m.opts.ForcePrivateKey) == 32 {
		var p [32]byte
		copy(p[:], m.opts.ForcePrivateKey)
		clampScalar(&p)
		var out [32]byte
		curve25519.ScalarBaseMult(&out, &p)
		return out, p[:], nil
	}

	var p [32]byte
	if _, err := rand.Read(p[:]); err != nil {
		return pub, nil, err
	}
	clampScalar(&p)

	var out [32]byte
	curve25519.ScalarBaseMult(&out, &p)
	return out, p[:], nil
}

// clampScalar applies the X25519 scalar clamping WireGuard and the rest of
// the Curve25519 ecosystem expect (RFC 7748 §5).
func clampScalar(s *[32]byte) {
	s[0] &= 248
	s[31] &= 127
	s[31] |= 64
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

// Package capability defines the narrow interfaces the connection-lifecycle
// engine uses to reach collaborators deliberately kept out of scope: the
// entry-node HTTP client, the WireGuard driver, and OS routing/firewall
// installation. Production binaries wire real implementations; tests use
// the in-memory fakes in this package so the core never opens a socket.
package capability

import (
	"context"
	"net"
)

// SessionSpec describes a session to open against an entry node.
type SessionSpec struct {
	Destination  string
	Capabilities []string
	Intermediates []string
	Hops          uint8
	LocalPort     uint16
}

// SessionHandle is the entry node's view of an opened session.
type SessionHandle struct {
	RemoteID  string
	LocalAddr *net.UDPAddr
}

// HOPRdClient is the typed capability over the entry node's HTTP API
// (spec §1: create_session, list_sessions, close_session).
type HOPRdClient interface {
	CreateSession(ctx context.Context, spec SessionSpec) (SessionHandle, error)
	ListSessions(ctx context.Context) ([]SessionHandle, error)
	CloseSession(ctx context.Context, remoteID string) error

	// Probe sends payload through the session identified by remoteID and
	// returns the echoed bytes. The caller applies the timeout.
	Probe(ctx context.Context, remoteID string, payload []byte) ([]byte, error)

	// RemotePublicKey returns the destination's WireGuard public key, learned
	// through the mixnet session once it first verifies (spec §3 TunnelPeer:
	// "a remote public key learned from the exit node when the session
	// first verifies").
	RemotePublicKey(ctx context.Context, remoteID string) ([32]byte, error)
}

// PeerSpec describes a WireGuard peer to install.
type PeerSpec struct {
	PublicKey         [32]byte
	AllowedIPs        []net.IPNet
	Endpoint          *net.UDPAddr
	KeepaliveInterval int // seconds
}

// TunnelDriver is the typed capability over the WireGuard userspace/kernel
// bindings (spec §1: apply_peer, remove_peer, rotate_keypair).
type TunnelDriver interface {
	ApplyPeer(ctx context.Context, spec PeerSpec) error
	RemovePeer(ctx context.Context) error
	// RotateKeypair generates a new device keypair and returns the public
	// half only — the tunnel device handle, and the private half with it,
	// is held entirely by the privileged side (spec §5: "the tunnel device
	// handle is held by C7 and never leaks to the worker").
	RotateKeypair(ctx context.Context) (publicKey [32]byte, err error)
}

// RouteSpec describes the kernel routing/firewall state the supervisor
// installs for an active tunnel.
type RouteSpec struct {
	TunnelDevice string
	AllowedIPs   []net.IPNet
	ExemptUIDs   []int
}

// RouteInstaller is the typed capability over OS-specific routing/firewall
// rule installation (spec §1: install_routes, tear_down_routes). Re-
// applying an identical spec must be a no-op (spec §4.7 idempotence
// invariant).
type RouteInstaller interface {
	InstallRoutes(ctx context.Context, spec RouteSpec) error
	TearDownRoutes(ctx context.Context) error
}

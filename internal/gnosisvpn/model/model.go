// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

// Package model defines the data types shared by every connection-lifecycle
// component: destinations, sessions, tunnel peers, the engine's state
// variant, and the commands/events that flow between them.
package model

import (
	"fmt"
	"net"
	"time"
)

// DestinationID identifies an exit node. Stable across reloads as long as
// the destination's entry in the config file is unchanged.
type DestinationID string

// Path expresses how a session should be routed through the mixnet: either
// an explicit ordered list of intermediate hop identifiers, or a bare hop
// count that the entry node is free to choose intermediates for.
type Path struct {
	// Intermediates, when non-empty, is the explicit ordered hop list.
	Intermediates []string

	// Hops is the desired hop count, used when Intermediates is empty.
	Hops uint8
}

// Explicit reports whether the path names its intermediates directly.
func (p Path) Explicit() bool { return len(p.Intermediates) > 0 }

// Destination is a stable identifier for an exit node plus its metadata
// labels and routing preference. Destinations are loaded from configuration
// and are immutable for the lifetime of a reload epoch.
type Destination struct {
	ID   DestinationID
	Meta map[string]string
	Path Path
}

// SessionStatus is the lifecycle status of a mixnet Session.
type SessionStatus int

const (
	SessionOpening SessionStatus = iota
	SessionOpen
	SessionVerifying
	SessionDegraded
	SessionClosing
	SessionClosed
)

func (s SessionStatus) String() string {
	switch s {
	case SessionOpening:
		return "Opening"
	case SessionOpen:
		return "Open"
	case SessionVerifying:
		return "Verifying"
	case SessionDegraded:
		return "Degraded"
	case SessionClosing:
		return "Closing"
	case SessionClosed:
		return "Closed"
	default:
		return fmt.Sprintf("SessionStatus(%d)", int(s))
	}
}

// Capability is a session transport feature requested from the entry node.
type Capability string

const (
	CapabilitySegmentation   Capability = "segmentation"
	CapabilityRetransmission Capability = "retransmission"
)

// Session is a mixnet tunnel identified by (destination, local_port,
// capabilities, path). At most one non-Closed session exists per
// destination at any time within the engine.
type Session struct {
	Destination  DestinationID
	RemoteID     string
	LocalAddr    *net.UDPAddr
	Capabilities []Capability
	Path         Path
	CreatedAt    time.Time
	FailureCount int
	Status       SessionStatus
}

func (s *Session) String() string {
	if s == nil {
		return "Session(nil)"
	}
	return fmt.Sprintf("Session[%s %s %s]", s.Destination, s.LocalAddr, s.Status)
}

// TunnelPeer is the WireGuard side of a connection. A non-empty TunnelPeer
// exists iff the owning Session is Open and has passed first verification.
type TunnelPeer struct {
	PrivateKey        []byte // raw 32-byte Curve25519 scalar, zeroised on Down
	PublicKey         [32]byte
	RemotePublicKey   [32]byte
	AllowedIPs        []net.IPNet
	KeepaliveInterval time.Duration
	Endpoint          *net.UDPAddr
}

// EngineStateKind tags the variant held by EngineState.
type EngineStateKind int

const (
	StateIdle EngineStateKind = iota
	StateDialing
	StateBridging
	StateVerifying
	StateConnected
	StateDisconnecting
	StateFailed
)

func (k EngineStateKind) String() string {
	switch k {
	case StateIdle:
		return "Idle"
	case StateDialing:
		return "Dialing"
	case StateBridging:
		return "Bridging"
	case StateVerifying:
		return "Verifying"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("EngineStateKind(%d)", int(k))
	}
}

// DisconnectReason explains why the engine is in, or moved through,
// Disconnecting.
type DisconnectReason int

const (
	ReasonNone DisconnectReason = iota
	ReasonUser
	ReasonSwitch
	ReasonConfigRemoved
	ReasonProbeFail
	ReasonShutdown
	ReasonDial
	ReasonTransport
	ReasonProtocol
	ReasonPrivilege
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNone:
		return "None"
	case ReasonUser:
		return "User"
	case ReasonSwitch:
		return "Switch"
	case ReasonConfigRemoved:
		return "ConfigRemoved"
	case ReasonProbeFail:
		return "ProbeFail"
	case ReasonShutdown:
		return "Shutdown"
	case ReasonDial:
		return "Dial"
	case ReasonTransport:
		return "Transport"
	case ReasonProtocol:
		return "Protocol"
	case ReasonPrivilege:
		return "Privilege"
	default:
		return fmt.Sprintf("DisconnectReason(%d)", int(r))
	}
}

// EngineState is the tagged variant the connection engine occupies.
// Exactly one EngineState exists process-wide; readers receive copies.
type EngineState struct {
	Kind EngineStateKind

	// Destination and Attempt are set for Dialing.
	Destination DestinationID
	Attempt     int

	// Session is set for Bridging, Verifying, Connected, and (optionally)
	// Disconnecting.
	Session *Session

	// Peer is set for Connected.
	Peer *TunnelPeer

	// Reason is set for Disconnecting and Failed.
	Reason DisconnectReason

	// NextRetryAt is set for Failed.
	NextRetryAt time.Time
}

func (s EngineState) String() string {
	switch s.Kind {
	case StateDialing:
		return fmt.Sprintf("Dialing(%s,%d)", s.Destination, s.Attempt)
	case StateBridging:
		return fmt.Sprintf("Bridging(%s)", s.Session)
	case StateVerifying:
		return fmt.Sprintf("Verifying(%s)", s.Session)
	case StateConnected:
		return fmt.Sprintf("Connected(%s)", s.Session)
	case StateDisconnecting:
		return fmt.Sprintf("Disconnecting(%s)", s.Reason)
	case StateFailed:
		return fmt.Sprintf("Failed(%s,%s)", s.Reason, s.NextRetryAt.Format(time.RFC3339))
	default:
		return s.Kind.String()
	}
}

// CommandKind tags the variant held by Command.
type CommandKind int

const (
	CommandStatus CommandKind = iota
	CommandConnect
	CommandDisconnect
	CommandRefresh
)

// Command is issued by the control socket to the connection engine.
type Command struct {
	Kind        CommandKind
	Destination DestinationID
}

// EventKind tags the variant held by Event.
type EventKind int

const (
	EventStatusChanged EventKind = iota
	EventConfigReloaded
	EventProbeResult
	EventShutdownRequested
)

// Event is broadcast on the event bus.
type Event struct {
	Kind    EventKind
	State   EngineState // set for EventStatusChanged
	Success bool        // set for EventProbeResult
	RTT     time.Duration
	Dropped int // count of events dropped before this one on the subscriber's channel
}

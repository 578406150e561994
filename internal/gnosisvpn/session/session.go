// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

// Package session owns the lifecycle of a single mixnet session to a chosen
// destination: open, probe, close (spec §4.3, component C3). It is driven
// exclusively by the connection engine; nothing in this package talks
// directly to a socket — all entry-node I/O goes through a
// capability.HOPRdClient so tests can run without a real HOPRd process.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"

	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/backoff"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/capability"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/model"
	"github.com/gnosisvpn/gnosisvpn/lib/clock"
)

// defaultProbeRateLimit caps liveness probes issued to a single destination,
// independent of ProbeIntervalMin/Max pacing, so a degraded session bouncing
// through RetryDelay cannot flood the entry node with retries once backoff
// collapses toward its floor.
const defaultProbeRateLimit = 5 // probes per second

// Open-time errors (spec §4.3).
var (
	ErrEntryUnavailable       = errors.New("session: entry node unavailable")
	ErrDestinationUnreachable = errors.New("session: destination unreachable")
	ErrPortInUse              = errors.New("session: local port in use")
	ErrProtocol               = errors.New("session: protocol error")
	ErrProbeTimeout           = errors.New("session: probe timed out")
	ErrProbeMismatch          = errors.New("session: probe echo mismatch")
)

// Options configures a Manager.
type Options struct {
	Client             capability.HOPRdClient
	Clock              clock.Clock
	ProbeTimeout       time.Duration
	SessionOpenTimeout time.Duration
	ProbeIntervalMin   time.Duration
	ProbeIntervalMax   time.Duration
	ProbeMaxFailures   int
	Backoff            *backoff.Policy
	ProbePayloadSize   int
	Rand               *rand.Rand // interval jitter source; nil uses a process-global source

	// ProbeLimiter caps the rate of outgoing Verify calls, independent of
	// ProbeIntervalMin/Max and RetryDelay. Nil constructs a Manager-owned
	// limiter at defaultProbeRateLimit.
	ProbeLimiter *rate.Limiter
}

// Manager owns exactly one Session at a time (spec §3 invariant: at most
// one non-Closed session per destination within the engine — enforced by
// the engine only ever holding one Manager active per destination).
type Manager struct {
	opts    Options
	rng     *rand.Rand
	limiter *rate.Limiter
}

// New returns a Manager. opts.Client and opts.Clock must be non-nil.
func New(opts Options) *Manager {
	m := &Manager{opts: opts, limiter: opts.ProbeLimiter}
	if opts.Rand != nil {
		m.rng = opts.Rand
	} else {
		m.rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}
	if m.limiter == nil {
		m.limiter = rate.NewLimiter(rate.Limit(defaultProbeRateLimit), defaultProbeRateLimit)
	}
	return m
}

// Open requests a new session from the entry node. A successful
// CreateSession return is taken as the entry node's acknowledgement, so on
// success Open returns the session already in SessionOpen.
func (m *Manager) Open(ctx context.Context, dest model.DestinationID, caps []model.Capability, path model.Path, localPort uint16) (*model.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.SessionOpenTimeout)
	defer cancel()

	spec := capability.SessionSpec{
		Destination:   string(dest),
		Capabilities:  capabilityStrings(caps),
		Intermediates: path.Intermediates,
		Hops:          path.Hops,
		LocalPort:     localPort,
	}

	handle, err := m.opts.Client.CreateSession(ctx, spec)
	if err != nil {
		return nil, classifyOpenError(err)
	}

	return &model.Session{
		Destination:  dest,
		RemoteID:     handle.RemoteID,
		LocalAddr:    handle.LocalAddr,
		Capabilities: caps,
		Path:         path,
		CreatedAt:    m.opts.Clock.Now(),
		Status:       model.SessionOpen,
	}, nil
}

// classifyOpenError maps a lower-level error into one of the documented
// SessionError sentinels. The fakes and any real client are expected to
// return errors wrapping these sentinels directly; anything else is
// treated as a protocol error, since an unrecognized failure from the
// entry node cannot be assumed transient.
func classifyOpenError(err error) error {
	switch {
	case errors.Is(err, ErrEntryUnavailable), errors.Is(err, ErrDestinationUnreachable),
		errors.Is(err, ErrPortInUse), errors.Is(err, ErrProtocol):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
}

// Verify sends a single in-band liveness probe and awaits its echo (spec
// §4.3). Round-trip is successful iff the echo arrives within ProbeTimeout
// with a byte-identical payload.
func (m *Manager) Verify(ctx context.Context, s *model.Session) (time.Duration, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrProbeTimeout, err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	payload := probePayload(m.opts.ProbePayloadSize, m.rng)
	start := m.opts.Clock.Now()

	echoed, err := m.opts.Client.Probe(ctx, s.RemoteID, payload)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, ErrProbeTimeout
		}
		return 0, fmt.Errorf("%w: %v", ErrProbeTimeout, err)
	}
	if !capability.EchoMatches(payload, echoed) {
		return 0, ErrProbeMismatch
	}
	return m.opts.Clock.Now().Sub(start), nil
}

// RemotePublicKey fetches the destination's WireGuard public key over the
// verified session (spec §4.5 Verifying row: "request remote pubkey").
func (m *Manager) RemotePublicKey(ctx context.Context, s *model.Session) ([32]byte, error) {
	return m.opts.Client.RemotePublicKey(ctx, s.RemoteID)
}

// Close issues an explicit close to the entry node and releases local
// resources. Idempotent: closing an already-closed session succeeds.
func (m *Manager) Close(ctx context.Context, s *model.Session) error {
	if s.Status == model.SessionClosed {
		return nil
	}
	if err := m.opts.Client.CloseSession(ctx, s.RemoteID); err != nil {
		return fmt.Errorf("session: closing %s: %w", s.RemoteID, err)
	}
	s.Status = model.SessionClosed
	return nil
}

// NextProbeDelay returns the interval before the next scheduled probe,
// drawn uniformly from [ProbeIntervalMin, ProbeIntervalMax) (spec §4.3
// "schedule the next probe at now + uniform(probe_interval_min,
// probe_interval_max)").
func (m *Manager) NextProbeDelay() time.Duration {
	lo, hi := m.opts.ProbeIntervalMin, m.opts.ProbeIntervalMax
	if hi <= lo {
		return lo
	}
	span := hi - lo
	return lo + time.Duration(m.rng.Int64N(int64(span)))
}

// RecordProbeResult applies a probe outcome to s, returning true if the
// session should transition to Degraded (probe_max_failures consecutive
// failures reached). A successful probe resets the failure counter and, if
// the session was Degraded, returns it to Open.
func (m *Manager) RecordProbeResult(s *model.Session, success bool) (degraded bool) {
	if success {
		s.FailureCount = 0
		if s.Status == model.SessionDegraded {
			s.Status = model.SessionOpen
		}
		return false
	}
	s.FailureCount++
	if s.FailureCount >= m.opts.ProbeMaxFailures {
		s.Status = model.SessionDegraded
		return true
	}
	return false
}

// RetryDelay returns the backoff delay before re-probing after a failed
// probe (spec §4.3: "re-probe immediately with next_delay(failure_count)").
func (m *Manager) RetryDelay(failureCount int) time.Duration {
	return m.opts.Backoff.NextDelay(failureCount)
}

func capabilityStrings(caps []model.Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}

// probePayload builds a size-bounded opaque payload for a liveness probe.
// Content is arbitrary; only its length and exact echo matter.
func probePayload(size int, rng *rand.Rand) []byte {
	if size <= 0 {
		size = 32
	}
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(rng.IntN(256))
	}
	return payload
}

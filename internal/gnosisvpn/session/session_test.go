// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/backoff"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/capability"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/model"
	"github.com/gnosisvpn/gnosisvpn/lib/clock"
)

func newManager(t *testing.T, client capability.HOPRdClient, fakeClock clock.Clock) *Manager {
	t.Helper()
	return New(Options{
		Client:             client,
		Clock:              fakeClock,
		ProbeTimeout:       time.Second,
		SessionOpenTimeout: time.Second,
		ProbeIntervalMin:   time.Second,
		ProbeIntervalMax:   2 * time.Second,
		ProbeMaxFailures:   3,
		Backoff:            backoff.NewSeeded(backoff.Config{Base: 10 * time.Millisecond, Cap: time.Second, Jitter: 0.1}, 1, 2),
		ProbePayloadSize:   16,
		Rand:               rand.New(rand.NewPCG(7, 7)),
	})
}

func TestOpenSucceeds(t *testing.T) {
	hoprd := capability.NewFakeHOPRd()
	fakeClock := clock.Fake(time.Unix(0, 0))
	mgr := newManager(t, hoprd, fakeClock)

	s, err := mgr.Open(context.Background(), "alpha", []model.Capability{model.CapabilitySegmentation}, model.Path{Hops: 2}, 51820)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Status != model.SessionOpen {
		t.Errorf("Status = %v, want Open", s.Status)
	}
	if s.RemoteID == "" {
		t.Errorf("RemoteID is empty")
	}
}

func TestOpenSurfacesEntryUnavailable(t *testing.T) {
	hoprd := capability.NewFakeHOPRd()
	hoprd.OpenErr = ErrEntryUnavailable
	mgr := newManager(t, hoprd, clock.Fake(time.Unix(0, 0)))

	_, err := mgr.Open(context.Background(), "alpha", nil, model.Path{Hops: 1}, 51820)
	if !errors.Is(err, ErrEntryUnavailable) {
		t.Fatalf("Open error = %v, want ErrEntryUnavailable", err)
	}
}

func TestVerifySucceedsOnMatchingEcho(t *testing.T) {
	hoprd := capability.NewFakeHOPRd()
	mgr := newManager(t, hoprd, clock.Fake(time.Unix(0, 0)))

	s, err := mgr.Open(context.Background(), "alpha", nil, model.Path{Hops: 1}, 51820)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := mgr.Verify(context.Background(), s); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyFailsOnCorruptEcho(t *testing.T) {
	hoprd := capability.NewFakeHOPRd()
	hoprd.ProbeCorrupt = true
	mgr := newManager(t, hoprd, clock.Fake(time.Unix(0, 0)))

	s, err := mgr.Open(context.Background(), "alpha", nil, model.Path{Hops: 1}, 51820)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := mgr.Verify(context.Background(), s); !errors.Is(err, ErrProbeMismatch) {
		t.Fatalf("Verify error = %v, want ErrProbeMismatch", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	hoprd := capability.NewFakeHOPRd()
	mgr := newManager(t, hoprd, clock.Fake(time.Unix(0, 0)))

	s, err := mgr.Open(context.Background(), "alpha", nil, model.Path{Hops: 1}, 51820)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := mgr.Close(context.Background(), s); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := mgr.Close(context.Background(), s); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestRecordProbeResultDegradesAfterMaxFailures(t *testing.T) {
	mgr := newManager(t, capability.NewFakeHOPRd(), clock.Fake(time.Unix(0, 0)))
	s := &model.Session{Status: model.SessionOpen}

	for i := 0; i < mgr.opts.ProbeMaxFailures-1; i++ {
		if degraded := mgr.RecordProbeResult(s, false); degraded {
			t.Fatalf("degraded too early at failure %d", i+1)
		}
	}
	if !mgr.RecordProbeResult(s, false) {
		t.Fatalf("expected degraded after %d consecutive failures", mgr.opts.ProbeMaxFailures)
	}
	if s.Status != model.SessionDegraded {
		t.Errorf("Status = %v, want Degraded", s.Status)
	}

	if degraded := mgr.RecordProbeResult(s, true); degraded {
		t.Errorf("success should never report degraded")
	}
	if s.Status != model.SessionOpen {
		t.Errorf("Status after recovery = %v, want Open", s.Status)
	}
	if s.FailureCount != 0 {
		t.Errorf("FailureCount after recovery = %d, want 0", s.FailureCount)
	}
}

func TestNextProbeDelayWithinInterval(t *testing.T) {
	mgr := newManager(t, capability.NewFakeHOPRd(), clock.Fake(time.Unix(0, 0)))
	for i := 0; i < 50; i++ {
		d := mgr.NextProbeDelay()
		if d < mgr.opts.ProbeIntervalMin || d >= mgr.opts.ProbeIntervalMax {
			t.Fatalf("NextProbeDelay() = %v, want in [%v, %v)", d, mgr.opts.ProbeIntervalMin, mgr.opts.ProbeIntervalMax)
		}
	}
}

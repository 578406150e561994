// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/model"
)

func TestObserveStatusChangedSetsEngineStateAndTunnelUp(t *testing.T) {
	c := NewCollector(nil)

	c.Observe(model.Event{Kind: model.EventStatusChanged, State: model.EngineState{Kind: model.StateConnected}})

	if got := testutil.ToFloat64(engineState.WithLabelValues(model.StateConnected.String())); got != 1 {
		t.Errorf("engine_state{state=connected} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(engineState.WithLabelValues(model.StateIdle.String())); got != 0 {
		t.Errorf("engine_state{state=idle} = %v, want 0", got)
	}
	if got := testutil.ToFloat64(tunnelUp); got != 1 {
		t.Errorf("tunnel_up = %v, want 1", got)
	}

	c.Observe(model.Event{Kind: model.EventStatusChanged, State: model.EngineState{Kind: model.StateIdle}})
	if got := testutil.ToFloat64(tunnelUp); got != 0 {
		t.Errorf("tunnel_up after returning to idle = %v, want 0", got)
	}
}

func TestObserveProbeResultIncrementsCounters(t *testing.T) {
	c := NewCollector(nil)

	before := testutil.ToFloat64(probeResultsTotal.WithLabelValues("success"))
	c.Observe(model.Event{Kind: model.EventProbeResult, Success: true, RTT: 50 * time.Millisecond})
	after := testutil.ToFloat64(probeResultsTotal.WithLabelValues("success"))
	if after != before+1 {
		t.Errorf("probe_results_total{result=success} = %v, want %v", after, before+1)
	}

	before = testutil.ToFloat64(probeResultsTotal.WithLabelValues("failure"))
	c.Observe(model.Event{Kind: model.EventProbeResult, Success: false})
	after = testutil.ToFloat64(probeResultsTotal.WithLabelValues("failure"))
	if after != before+1 {
		t.Errorf("probe_results_total{result=failure} = %v, want %v", after, before+1)
	}
}

func TestObserveDroppedEventsAccumulate(t *testing.T) {
	c := NewCollector(nil)

	before := testutil.ToFloat64(eventsDroppedTotal)
	c.Observe(model.Event{Kind: model.EventConfigReloaded, Dropped: 3})
	after := testutil.ToFloat64(eventsDroppedTotal)
	if after != before+3 {
		t.Errorf("events_dropped_total = %v, want %v", after, before+3)
	}
}

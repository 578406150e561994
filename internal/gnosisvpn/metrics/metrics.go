// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes session/tunnel gauges and counters for the C8
// event stream over a `/metrics` HTTP endpoint (spec §4.8 operator
// observability), grounded on the instrumentation idiom the example corpus
// uses for its own mix-network metrics: package-level collectors registered
// once, a dedicated HTTP server separate from any control-plane listener.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/model"
)

const namespace = "gnosisvpn"

var (
	engineState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "engine_state",
		Help:      "1 for the connection engine's current state, 0 for all others.",
	}, []string{"state"})

	tunnelUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tunnel_up",
		Help:      "1 if a WireGuard peer is currently installed, 0 otherwise.",
	})

	probeResultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probe_results_total",
		Help:      "Liveness probe outcomes, by result.",
	}, []string{"result"})

	probeRTTSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "probe_rtt_seconds",
		Help:      "Round-trip time of successful liveness probes.",
		Buckets:   prometheus.DefBuckets,
	})

	eventsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events dropped on the metrics collector's event bus subscription before delivery.",
	})

	configReloadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "config_reloads_total",
		Help:      "Completed Refresh/reload cycles.",
	})
)

func init() {
	prometheus.MustRegister(engineState, tunnelUp, probeResultsTotal, probeRTTSeconds, eventsDroppedTotal, configReloadsTotal)
}

// allStates lists every EngineStateKind so engineState always reports a
// complete 0/1 vector instead of only ever emitting the labels seen so far.
var allStates = []model.EngineStateKind{
	model.StateIdle, model.StateDialing, model.StateBridging, model.StateVerifying,
	model.StateConnected, model.StateDisconnecting, model.StateFailed,
}

// Collector folds C8 events into the package's registered metrics.
type Collector struct {
	log *slog.Logger
}

// NewCollector returns a Collector. log defaults to slog.Default() if nil.
func NewCollector(log *slog.Logger) *Collector {
	if log == nil {
		log = slog.Default()
	}
	return &Collector{log: log}
}

// Observe applies a single bus event to the metrics it affects.
func (c *Collector) Observe(event model.Event) {
	if event.Dropped > 0 {
		eventsDroppedTotal.Add(float64(event.Dropped))
	}
	switch event.Kind {
	case model.EventStatusChanged:
		for _, st := range allStates {
			v := 0.0
			if st == event.State.Kind {
				v = 1
			}
			engineState.WithLabelValues(st.String()).Set(v)
		}
		if event.State.Kind == model.StateConnected {
			tunnelUp.Set(1)
		} else {
			tunnelUp.Set(0)
		}
	case model.EventProbeResult:
		if event.Success {
			probeResultsTotal.WithLabelValues("success").Inc()
			probeRTTSeconds.Observe(event.RTT.Seconds())
		} else {
			probeResultsTotal.WithLabelValues("failure").Inc()
		}
	case model.EventConfigReloaded:
		configReloadsTotal.Inc()
	}
}

// Run subscribes to bus and applies every event to the registered metrics
// until ctx is cancelled.
func (c *Collector) Run(ctx context.Context, bus eventSource) {
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			c.Observe(event)
		}
	}
}

// eventSource is the subset of *eventbus.Bus Run depends on, declared
// locally so this package does not need to import eventbus just to name its
// subscribe method (same capability-interface idiom as control.Engine).
type eventSource interface {
	Subscribe() (<-chan model.Event, func())
}

// Serve starts the Prometheus HTTP handler on addr and blocks until ctx is
// cancelled or the server fails to start.
func Serve(ctx context.Context, addr string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics: listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics: serving %s: %w", addr, err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

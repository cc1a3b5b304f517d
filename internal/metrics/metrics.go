// Copyright 2025 The AnyRouter Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus metrics for the monitor daemon.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's Prometheus metrics on a private registry, so
// multiple instances (tests included) never collide.
type Metrics struct {
	registry *prometheus.Registry

	ProbesTotal          *prometheus.CounterVec
	SwitchesTotal        *prometheus.CounterVec
	HelperFallbacksTotal prometheus.Counter
	MonitoredDomains     prometheus.Gauge
	PinnedDomains        prometheus.Gauge
	ProbeDuration        prometheus.Histogram
}

// New creates and registers the metric set.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ProbesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anyrouter",
			Name:      "probes_total",
			Help:      "Total number of endpoint probes by outcome",
		}, []string{"outcome"}),
		SwitchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anyrouter",
			Name:      "switches_total",
			Help:      "Total number of automatic route switches by direction",
		}, []string{"direction"}),
		HelperFallbacksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "anyrouter",
			Name:      "helper_fallbacks_total",
			Help:      "Times a hosts operation fell back from the helper to direct writes",
		}),
		MonitoredDomains: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "anyrouter",
			Name:      "monitored_domains",
			Help:      "Number of enabled endpoints the monitor loop covers",
		}),
		PinnedDomains: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "anyrouter",
			Name:      "pinned_domains",
			Help:      "Number of domains currently pinned in the hosts file",
		}),
		ProbeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "anyrouter",
			Name:      "probe_duration_seconds",
			Help:      "Histogram of whole-endpoint probe durations",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// ObserveProbe records one endpoint probe.
func (m *Metrics) ObserveProbe(outcome string, duration time.Duration) {
	m.ProbesTotal.WithLabelValues(outcome).Inc()
	m.ProbeDuration.Observe(duration.Seconds())
}

// RecordSwitch records an automatic switch, direction "pin" or "unpin".
func (m *Metrics) RecordSwitch(direction string) {
	m.SwitchesTotal.WithLabelValues(direction).Inc()
}

// RecordHelperFallback records one helper-to-direct fallback.
func (m *Metrics) RecordHelperFallback() {
	m.HelperFallbacksTotal.Inc()
}

// SetDomainCounts updates the monitored and pinned domain gauges.
func (m *Metrics) SetDomainCounts(monitored, pinned int) {
	m.MonitoredDomains.Set(float64(monitored))
	m.PinnedDomains.Set(float64(pinned))
}

// Handler serves /metrics and a plain /healthz.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","timestamp":%q}`, time.Now().Format(time.RFC3339))
	})
	return mux
}

// ListenAndServe serves the metrics endpoint on addr until ctx is canceled.
func (m *Metrics) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      m.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown", "error", err)
		}
	}()

	slog.Info("metrics listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

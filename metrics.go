// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package httpgate

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink is an EventSink exporting request outcomes and circuit
// transitions as Prometheus metrics. The forwarding core stays agnostic
// of the metrics system; it only emits events.
type MetricsSink struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	retries     prometheus.Counter
	transitions *prometheus.CounterVec
}

// NewMetricsSink registers the gateway metrics with reg and returns the sink.
func NewMetricsSink(reg prometheus.Registerer) *MetricsSink {
	ms := &MetricsSink{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httpgate",
			Name:      "requests_total",
			Help:      "Forwarded requests by route, outcome and status.",
		}, []string{"route", "outcome", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "httpgate",
			Name:      "request_duration_seconds",
			Help:      "Whole-request latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "httpgate",
			Name:      "retries_total",
			Help:      "Upstream attempts beyond the first.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httpgate",
			Name:      "circuit_transitions_total",
			Help:      "Circuit state transitions by target and new state.",
		}, []string{"target", "to"}),
	}
	reg.MustRegister(ms.requests, ms.latency, ms.retries, ms.transitions)
	return ms
}

// RequestDone implements EventSink.
func (ms *MetricsSink) RequestDone(ev RequestEvent) {
	route := ev.Route
	if route == "" {
		route = "none"
	}
	ms.requests.WithLabelValues(route, string(ev.Outcome), strconv.Itoa(ev.Status)).Inc()
	ms.latency.WithLabelValues(route).Observe(ev.Latency.Seconds())
	if ev.Retries > 0 {
		ms.retries.Add(float64(ev.Retries))
	}
}

// HealthChanged implements EventSink.
func (ms *MetricsSink) HealthChanged(ev HealthEvent) {
	ms.transitions.WithLabelValues(ev.Target, ev.To.String()).Inc()
}

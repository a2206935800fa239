// comfyfleet schedules image-generation workflows across a fleet of ComfyUI servers.
// Copyright (C) 2025 comfyfleet contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics exposes Prometheus collectors for session transport,
// dispatch, and job execution: per-operation request/retry/phase
// histograms and counters.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	sessionRequests  *prometheus.CounterVec
	sessionDuration  *prometheus.HistogramVec
	sessionRetries   *prometheus.CounterVec
	reconnectTotal   *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
	queueDepth       *prometheus.GaugeVec
	jobOutcomes      *prometheus.CounterVec
)

// Session operations recorded by ObserveSessionRequest.
const (
	OpSubmit       = "submit"
	OpInterrupt    = "interrupt"
	OpUpload       = "upload"
	OpQueueStatus  = "queue_status"
	OpObjectInfo   = "object_info"
	OpSystemStats  = "system_stats"
	OpFree         = "free"
	OpHealthPing   = "health_ping"
	OpCheckpoints  = "checkpoints"
)

func init() {
	resetLocked()
}

// Reset reinitializes all collectors. Used by tests for isolation.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler exposes the registry in Prometheus text format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveSessionRequest records one HTTP call a Session made to its server.
func ObserveSessionRequest(server, op string, code int, d time.Duration) {
	labelServer := sanitizeLabel(server, "unknown")
	labelOp := sanitizeLabel(op, "unknown")
	status := "error"
	if code >= 0 {
		status = strconv.Itoa(code)
	}
	mu.RLock()
	defer mu.RUnlock()
	if sessionRequests != nil {
		sessionRequests.WithLabelValues(labelServer, labelOp, status).Inc()
	}
	if sessionDuration != nil {
		sessionDuration.WithLabelValues(labelServer, labelOp).Observe(d.Seconds())
	}
}

// IncSessionRetry increments the retry counter for a session operation.
func IncSessionRetry(server, op string) {
	mu.RLock()
	defer mu.RUnlock()
	if sessionRetries != nil {
		sessionRetries.WithLabelValues(sanitizeLabel(server, "unknown"), sanitizeLabel(op, "unknown")).Inc()
	}
}

// IncReconnect records a reconnect attempt outcome ("success", "failed", "exhausted").
func IncReconnect(server, outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if reconnectTotal != nil {
		reconnectTotal.WithLabelValues(sanitizeLabel(server, "unknown"), sanitizeLabel(outcome, "unknown")).Inc()
	}
}

// ObserveDispatchPass records the wall time of one dispatch-loop pass.
func ObserveDispatchPass(d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if dispatchDuration != nil {
		dispatchDuration.Observe(d.Seconds())
	}
}

// SetQueueDepth publishes the current count of jobs in a given status.
func SetQueueDepth(status string, n int) {
	mu.RLock()
	defer mu.RUnlock()
	if queueDepth != nil {
		queueDepth.WithLabelValues(sanitizeLabel(status, "unknown")).Set(float64(n))
	}
}

// IncJobOutcome records a terminal job outcome ("completed", "failed", "cancelled").
func IncJobOutcome(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobOutcomes != nil {
		jobOutcomes.WithLabelValues(sanitizeLabel(outcome, "unknown")).Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	reqTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "comfyfleet",
		Subsystem: "session",
		Name:      "requests_total",
		Help:      "Total HTTP requests a Session issued, by server, operation, and status code.",
	}, []string{"server", "op", "code"})

	reqDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "comfyfleet",
		Subsystem: "session",
		Name:      "request_duration_seconds",
		Help:      "Duration of Session HTTP requests by server and operation.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"server", "op"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "comfyfleet",
		Subsystem: "session",
		Name:      "request_retries_total",
		Help:      "Total retried Session HTTP requests by server and operation.",
	}, []string{"server", "op"})

	reconnects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "comfyfleet",
		Subsystem: "session",
		Name:      "reconnects_total",
		Help:      "Reconnect attempts by server and outcome.",
	}, []string{"server", "outcome"})

	dispatch := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "comfyfleet",
		Subsystem: "pool",
		Name:      "dispatch_pass_duration_seconds",
		Help:      "Duration of a single dispatch-loop pass.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	depth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "comfyfleet",
		Subsystem: "pool",
		Name:      "queue_depth",
		Help:      "Current number of jobs per status.",
	}, []string{"status"})

	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "comfyfleet",
		Subsystem: "pool",
		Name:      "job_outcomes_total",
		Help:      "Terminal job outcomes.",
	}, []string{"outcome"})

	registry.MustRegister(reqTotal, reqDuration, retries, reconnects, dispatch, depth, outcomes)

	reg = registry
	sessionRequests = reqTotal
	sessionDuration = reqDuration
	sessionRetries = retries
	reconnectTotal = reconnects
	dispatchDuration = dispatch
	queueDepth = depth
	jobOutcomes = outcomes
}

func sanitizeLabel(v, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

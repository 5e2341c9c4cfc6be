// Package metrics is a minimal, concurrency-safe counter registry exposed on
// /metrics in Prometheus' text exposition format.
package metrics

import "sync"

// Bridge counters. These are the relay's primary traffic counters and their
// names are part of the operational contract (dashboards scrape them by name).
const (
	PktToUDP = "pkt_to_udp_total" // DataChannel -> UDP forwards that hit the wire
	PktToDC  = "pkt_to_dc_total"  // UDP -> DataChannel sends that were enqueued
)

// Sidecar boundary counters (split-mode deployments only).
const (
	GoToPython = "go_to_python_total"
	PythonToGo = "python_to_go_total"
)

// Secondary event counters.
const (
	AuthFailure         = "auth_failure"
	PolicyDenied        = "policy_denied"
	SessionsOpened      = "sessions_opened"
	SessionsClosed      = "sessions_closed"
	SessionsIdleClosed  = "sessions_idle_closed"
	DroppedBackpressure = "dropped_backpressure"
	DroppedSendError    = "dropped_send_error"
	SignalingRejected   = "signaling_rejected"
)

// defaultCounters are always present in the exposition, even at zero, so
// scrapers see the full contract from the first scrape.
var defaultCounters = []string{PktToUDP, PktToDC, GoToPython, PythonToGo}

type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	m := &Metrics{m: make(map[string]uint64)}
	for _, name := range defaultCounters {
		m.m[name] = 0
	}
	return m
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

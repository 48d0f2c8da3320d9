package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight process-level observability.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	quotesPublished atomic.Uint64
	pairsPublished  atomic.Uint64
	pushDropped     atomic.Uint64
	errorsTotal     atomic.Uint64

	// Tick-to-publish latency
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	activeSessions atomic.Int32
	circuitOpen    atomic.Int32 // 1 = open, 0 = closed
}

// NewMetrics creates a zeroed metrics set.
func NewMetrics() *Metrics { return &Metrics{} }

// RecordQuote records a published quote with its tick-to-publish latency.
func (m *Metrics) RecordQuote(latencyNs int64) {
	m.quotesPublished.Add(1)
	if latencyNs >= 0 {
		m.latencySumNs.Add(latencyNs)
		m.latencyCount.Add(1)
	}
}

// RecordPair records a published pair comparison.
func (m *Metrics) RecordPair() {
	m.pairsPublished.Add(1)
}

// RecordPushDrop records a record not delivered to a push session.
func (m *Metrics) RecordPushDrop() {
	m.pushDropped.Add(1)
}

// RecordError records an error occurrence.
func (m *Metrics) RecordError() {
	m.errorsTotal.Add(1)
}

// IncrementSessions increments active push sessions by 1.
func (m *Metrics) IncrementSessions() {
	m.activeSessions.Add(1)
}

// DecrementSessions decrements active push sessions by 1.
func (m *Metrics) DecrementSessions() {
	m.activeSessions.Add(-1)
}

// SetCircuitState sets the circuit breaker state (true = open).
func (m *Metrics) SetCircuitState(open bool) {
	if open {
		m.circuitOpen.Store(1)
	} else {
		m.circuitOpen.Store(0)
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	QuotesPublished uint64    `json:"quotesPublished"`
	PairsPublished  uint64    `json:"pairsPublished"`
	PushDropped     uint64    `json:"pushDropped"`
	ErrorsTotal     uint64    `json:"errorsTotal"`
	AvgLatencyNs    int64     `json:"avgLatencyNs"`
	ActiveSessions  int32     `json:"activeSessions"`
	CircuitOpen     bool      `json:"circuitOpen"`
	Timestamp       time.Time `json:"timestamp"`
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		QuotesPublished: m.quotesPublished.Load(),
		PairsPublished:  m.pairsPublished.Load(),
		PushDropped:     m.pushDropped.Load(),
		ErrorsTotal:     m.errorsTotal.Load(),
		AvgLatencyNs:    avgLatency,
		ActiveSessions:  m.activeSessions.Load(),
		CircuitOpen:     m.circuitOpen.Load() == 1,
		Timestamp:       time.Now(),
	}
}

package logqueue

import (
	"sync"
	"time"
)

// MetricsCollector receives delivery measurements from the queue
type MetricsCollector interface {
	RecordBatch(experimentID string, count int, success bool, duration time.Duration)
	RecordEviction(count int)
	RecordPending(count int)
}

// NoOpMetricsCollector is used when no collector is configured
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordBatch(string, int, bool, time.Duration) {}
func (NoOpMetricsCollector) RecordEviction(int)                           {}
func (NoOpMetricsCollector) RecordPending(int)                            {}

// CountingMetrics keeps running totals, exposed through Stats
type CountingMetrics struct {
	mu        sync.Mutex
	delivered int
	failed    int
	evicted   int
	pending   int
}

func (m *CountingMetrics) RecordBatch(_ string, count int, success bool, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.delivered += count
	} else {
		m.failed++
	}
}

func (m *CountingMetrics) RecordEviction(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evicted += count
}

func (m *CountingMetrics) RecordPending(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = count
}

// MetricsSnapshot is a point-in-time copy of CountingMetrics
type MetricsSnapshot struct {
	Delivered     int
	FailedBatches int
	Evicted       int
	LastPending   int
}

func (m *CountingMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		Delivered:     m.delivered,
		FailedBatches: m.failed,
		Evicted:       m.evicted,
		LastPending:   m.pending,
	}
}

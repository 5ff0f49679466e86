// Package traffic samples interface byte counters and turns consecutive
// samples into deltas that survive counter resets.
package traffic

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"frameworks/api_tunnel/internal/apperr"
	"frameworks/api_tunnel/pkg/monitoring"
)

// Sample is one reading of an interface's cumulative counters.
type Sample struct {
	Interface string    `json:"interface" yaml:"interface"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	RxBytes   uint64    `json:"rx_bytes" yaml:"rx_bytes"`
	TxBytes   uint64    `json:"tx_bytes" yaml:"tx_bytes"`
}

// CounterSource reads raw cumulative counters for a link.
type CounterSource interface {
	Counters(ctx context.Context, name string) (rx, tx uint64, err error)
}

// Monitor reads samples from a CounterSource.
type Monitor struct {
	source CounterSource
	now    func() time.Time

	rxBytes *prometheus.GaugeVec
	txBytes *prometheus.GaugeVec
}

// NewMonitor returns a Monitor. metrics may be nil.
func NewMonitor(source CounterSource, metrics *monitoring.MetricsCollector) *Monitor {
	m := &Monitor{source: source, now: time.Now}
	if metrics != nil {
		m.rxBytes = metrics.NewGauge("interface_rx_bytes", "Cumulative bytes received on a tunnel interface", []string{"interface"})
		m.txBytes = metrics.NewGauge("interface_tx_bytes", "Cumulative bytes sent on a tunnel interface", []string{"interface"})
	}
	return m
}

// Sample reads the current counters of name. Any failure, including a
// missing link, is a TrafficReadError.
func (m *Monitor) Sample(ctx context.Context, name string) (Sample, error) {
	rx, tx, err := m.source.Counters(ctx, name)
	if err != nil {
		return Sample{}, &apperr.TrafficReadError{Interface: name, Cause: err}
	}
	if m.rxBytes != nil {
		m.rxBytes.WithLabelValues(name).Set(float64(rx))
		m.txBytes.WithLabelValues(name).Set(float64(tx))
	}
	return Sample{Interface: name, Timestamp: m.now(), RxBytes: rx, TxBytes: tx}, nil
}

// Delta returns the bytes moved between prev and curr. A counter that went
// backwards was reset, so its delta is its current value.
func Delta(prev, curr Sample) (rx, tx uint64) {
	return counterDelta(prev.RxBytes, curr.RxBytes), counterDelta(prev.TxBytes, curr.TxBytes)
}

func counterDelta(prev, curr uint64) uint64 {
	if curr < prev {
		return curr
	}
	return curr - prev
}

// Tracker remembers the last sample per interface.
type Tracker struct {
	mu   sync.Mutex
	last map[string]Sample
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{last: make(map[string]Sample)}
}

// Observe records s and returns the bytes moved since the previous sample
// of the same interface. The first sample yields zero.
func (t *Tracker) Observe(s Sample) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.last[s.Interface]
	t.last[s.Interface] = s
	if !ok {
		return 0
	}
	rx, tx := Delta(prev, s)
	return rx + tx
}

package nbd

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram bucket bounds in
// nanoseconds, 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks operational statistics for a device session. All fields
// are updated atomically; a single Metrics value may be shared by several
// sessions.
type Metrics struct {
	ReadOps  atomic.Uint64
	WriteOps atomic.Uint64
	TrimOps  atomic.Uint64
	FlushOps atomic.Uint64

	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64
	TrimBytes  atomic.Uint64

	ReadErrors  atomic.Uint64
	WriteErrors atomic.Uint64
	TrimErrors  atomic.Uint64
	FlushErrors atomic.Uint64

	// MaxInflight is the high-water mark of outstanding requests.
	MaxInflight atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Histogram[i] counts operations with latency <= LatencyBuckets[i].
	Histogram [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a metrics instance stamped with the current time.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// Stop stamps the session end time.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bound := range LatencyBuckets {
		if latencyNs <= bound {
			m.Histogram[i].Add(1)
		}
	}
}

// RecordRead records a read completion.
func (m *Metrics) RecordRead(bytes, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordWrite records a write completion.
func (m *Metrics) RecordWrite(bytes, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordTrim records a trim completion.
func (m *Metrics) RecordTrim(bytes, latencyNs uint64, success bool) {
	m.TrimOps.Add(1)
	if success {
		m.TrimBytes.Add(bytes)
	} else {
		m.TrimErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordFlush records a flush completion.
func (m *Metrics) RecordFlush(latencyNs uint64, success bool) {
	m.FlushOps.Add(1)
	if !success {
		m.FlushErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordInflight updates the outstanding-request high-water mark.
func (m *Metrics) RecordInflight(n uint32) {
	for {
		cur := m.MaxInflight.Load()
		if n <= cur || m.MaxInflight.CompareAndSwap(cur, n) {
			return
		}
	}
}

// MetricsSnapshot is a point-in-time copy of a Metrics value.
type MetricsSnapshot struct {
	ReadOps    uint64 `json:"read_ops"`
	WriteOps   uint64 `json:"write_ops"`
	TrimOps    uint64 `json:"trim_ops"`
	FlushOps   uint64 `json:"flush_ops"`
	ReadBytes  uint64 `json:"read_bytes"`
	WriteBytes uint64 `json:"write_bytes"`
	TrimBytes  uint64 `json:"trim_bytes"`
	Errors     uint64 `json:"errors"`

	MaxInflight  uint32 `json:"max_inflight"`
	AvgLatencyNs uint64 `json:"avg_latency_ns"`
	UptimeNs     int64  `json:"uptime_ns"`
}

// Snapshot copies the counters into a plain struct.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		ReadOps:    m.ReadOps.Load(),
		WriteOps:   m.WriteOps.Load(),
		TrimOps:    m.TrimOps.Load(),
		FlushOps:   m.FlushOps.Load(),
		ReadBytes:  m.ReadBytes.Load(),
		WriteBytes: m.WriteBytes.Load(),
		TrimBytes:  m.TrimBytes.Load(),
		Errors: m.ReadErrors.Load() + m.WriteErrors.Load() +
			m.TrimErrors.Load() + m.FlushErrors.Load(),
		MaxInflight: m.MaxInflight.Load(),
	}

	if ops := m.OpCount.Load(); ops > 0 {
		s.AvgLatencyNs = m.TotalLatencyNs.Load() / ops
	}

	end := m.StopTime.Load()
	if end == 0 {
		end = time.Now().UnixNano()
	}
	s.UptimeNs = end - m.StartTime.Load()

	return s
}

// MetricsObserver feeds session completion events into a Metrics value.
type MetricsObserver struct {
	m *Metrics
}

// NewMetricsObserver wraps m as an Observer.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{m: m}
}

func (o *MetricsObserver) ObserveRead(bytes, latencyNs uint64, success bool) {
	o.m.RecordRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveWrite(bytes, latencyNs uint64, success bool) {
	o.m.RecordWrite(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveTrim(bytes, latencyNs uint64, success bool) {
	o.m.RecordTrim(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveFlush(latencyNs uint64, success bool) {
	o.m.RecordFlush(latencyNs, success)
}

func (o *MetricsObserver) ObserveInflight(n uint32) {
	o.m.RecordInflight(n)
}

// NoOpObserver discards every event.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(bytes, latencyNs uint64, success bool)  {}
func (NoOpObserver) ObserveWrite(bytes, latencyNs uint64, success bool) {}
func (NoOpObserver) ObserveTrim(bytes, latencyNs uint64, success bool)  {}
func (NoOpObserver) ObserveFlush(latencyNs uint64, success bool)        {}
func (NoOpObserver) ObserveInflight(n uint32)                           {}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
)

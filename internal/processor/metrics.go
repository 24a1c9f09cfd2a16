package processor

import (
	"sync/atomic"
	"time"
)

// ServiceMetrics keeps in-process totals for the periodic log line; the
// Prometheus series live in pkg/prom.
type ServiceMetrics struct {
	totalSent       int64
	totalFailed     int64
	totalSkipped    int64
	totalDurationNs int64
	startedNs       int64
}

func NewServiceMetrics() *ServiceMetrics {
	return &ServiceMetrics{startedNs: time.Now().UnixNano()}
}

func (m *ServiceMetrics) RecordSent(duration time.Duration) {
	atomic.AddInt64(&m.totalSent, 1)
	atomic.AddInt64(&m.totalDurationNs, int64(duration))
}

func (m *ServiceMetrics) RecordFailure() {
	atomic.AddInt64(&m.totalFailed, 1)
}

func (m *ServiceMetrics) RecordSkipped() {
	atomic.AddInt64(&m.totalSkipped, 1)
}

type Snapshot struct {
	Sent          int64
	Failed        int64
	Skipped       int64
	AvgDuration   time.Duration
	UptimeSeconds float64
}

func (m *ServiceMetrics) Snapshot() Snapshot {
	sent := atomic.LoadInt64(&m.totalSent)
	durationNs := atomic.LoadInt64(&m.totalDurationNs)

	s := Snapshot{
		Sent:          sent,
		Failed:        atomic.LoadInt64(&m.totalFailed),
		Skipped:       atomic.LoadInt64(&m.totalSkipped),
		UptimeSeconds: time.Since(time.Unix(0, atomic.LoadInt64(&m.startedNs))).Seconds(),
	}
	if sent > 0 {
		s.AvgDuration = time.Duration(durationNs / sent)
	}
	return s
}

package processor

import (
	"sync/atomic"
	"time"
)

// throughputMeter tracks reconcile consumption since startup. All fields are
// advanced atomically from the worker pool.
type throughputMeter struct {
	settled   int64
	failed    int64
	busyNs    int64
	startedNs int64
}

type meterSnapshot struct {
	Settled     int64
	Failed      int64
	PerSecond   float64
	AvgDuration time.Duration
	Uptime      time.Duration
}

func newThroughputMeter() *throughputMeter {
	return &throughputMeter{
		startedNs: time.Now().UnixNano(),
	}
}

func (m *throughputMeter) settle(d time.Duration) {
	atomic.AddInt64(&m.settled, 1)
	atomic.AddInt64(&m.busyNs, int64(d))
}

func (m *throughputMeter) fail() {
	atomic.AddInt64(&m.failed, 1)
}

func (m *throughputMeter) snapshot() meterSnapshot {
	settled := atomic.LoadInt64(&m.settled)
	failed := atomic.LoadInt64(&m.failed)
	busyNs := atomic.LoadInt64(&m.busyNs)
	startedNs := atomic.LoadInt64(&m.startedNs)

	uptime := time.Since(time.Unix(0, startedNs))

	snap := meterSnapshot{
		Settled: settled,
		Failed:  failed,
		Uptime:  uptime,
	}
	if secs := uptime.Seconds(); secs > 0 {
		snap.PerSecond = float64(settled) / secs
	}
	if settled > 0 {
		snap.AvgDuration = time.Duration(busyNs / settled)
	}
	return snap
}

package quotagate

import (
	"time"

	"github.com/prometheus/procfs"
)

// bytesPerMB converts RSS bytes to megabytes.
const bytesPerMB = 1024 * 1024

// Meter snapshots process CPU time and resident memory at request start so
// the deltas can be attributed to the request at completion. The numbers
// are process-level estimates: concurrent requests share the process, so a
// request may be charged for a neighbour's work. Zero is a legitimate
// reading when /proc is unavailable.
type Meter struct {
	start      time.Time
	cpuSeconds float64
	rssBytes   int64
	ok         bool
}

// NewMeter takes the start-of-request snapshot.
func NewMeter() *Meter {
	m := &Meter{start: time.Now()}
	if cpu, rss, ok := sampleProcess(); ok {
		m.cpuSeconds = cpu
		m.rssBytes = rss
		m.ok = true
	}
	return m
}

// Measure takes the end-of-request snapshot and returns the deltas. CPU and
// memory come back zero when either snapshot failed; duration is always
// real. A negative memory delta (GC ran mid-request) is clamped to zero.
func (m *Meter) Measure() Measurement {
	out := Measurement{Duration: time.Since(m.start)}
	if !m.ok {
		return out
	}
	cpu, rss, ok := sampleProcess()
	if !ok {
		return out
	}
	if d := cpu - m.cpuSeconds; d > 0 {
		out.CPUSeconds = d
	}
	if d := rss - m.rssBytes; d > 0 {
		out.MemDeltaMB = d / bytesPerMB
	}
	return out
}

// sampleProcess reads the current process's cumulative CPU seconds and RSS
// from /proc.
func sampleProcess() (cpuSeconds float64, rssBytes int64, ok bool) {
	proc, err := procfs.Self()
	if err != nil {
		return 0, 0, false
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, 0, false
	}
	return stat.CPUTime(), int64(stat.ResidentMemory()), true
}

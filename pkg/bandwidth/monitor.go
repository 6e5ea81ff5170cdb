// Package bandwidth derives a hysteretic low-bandwidth flag from a
// fixed-capacity ring of recent download timings. Image loads feed the
// ring; consumers poll the flag to degrade politely on slow links.
package bandwidth

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"fetchq/pkg/logging"
)

// Thresholds in kB/s. The band between them is the hysteresis zone:
// once low, the flag stays low until throughput clears the upper bound.
const (
	// LowerKBps is just above the upper limit of a 2G link.
	LowerKBps = 40

	// UpperKBps is the throughput at which the flag clears.
	UpperKBps = 80

	// RingSize is how many recent samples the estimate averages over.
	RingSize = 4
)

var lowBandwidthGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "fetchq_low_bandwidth",
	Help: "1 when the hysteretic low-bandwidth flag is set",
})

type sample struct {
	bytes   int
	elapsed time.Duration
}

// Monitor keeps the sample ring and the derived flag. Safe for
// concurrent use.
type Monitor struct {
	mu       sync.Mutex
	ring     []sample
	capacity int
	lower    int
	upper    int
	low      bool
	logger   zerolog.Logger
}

// New creates a monitor with the default ring size and thresholds.
func New() *Monitor {
	return NewWithThresholds(LowerKBps, UpperKBps)
}

// NewWithThresholds creates a monitor with custom kB/s bounds.
func NewWithThresholds(lower, upper int) *Monitor {
	return &Monitor{
		ring:     make([]sample, 0, RingSize),
		capacity: RingSize,
		lower:    lower,
		upper:    upper,
		logger:   logging.NewLogger("bandwidth"),
	}
}

// Add records one download of the given size and duration and
// re-derives the flag once the ring is full.
func (m *Monitor) Add(bytes int, elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.ring) >= m.capacity {
		m.ring = m.ring[1:]
	}
	m.ring = append(m.ring, sample{bytes: bytes, elapsed: elapsed})
	m.logger.Debug().Int("bytes", bytes).Dur("elapsed", elapsed).Msg("Recorded download sample")

	if len(m.ring) < m.capacity {
		return
	}

	var byteSum int
	var timeSum time.Duration
	for _, s := range m.ring {
		byteSum += s.bytes
		timeSum += s.elapsed
	}
	ms := int(timeSum.Milliseconds())
	if ms <= 0 {
		return
	}
	// bytes per millisecond is kB/s.
	kbps := byteSum / ms

	if kbps < m.lower && !m.low {
		m.setLowLocked(true, kbps)
	} else if kbps > m.upper && m.low {
		m.setLowLocked(false, kbps)
	}
}

func (m *Monitor) setLowLocked(low bool, kbps int) {
	m.low = low
	if low {
		lowBandwidthGauge.Set(1)
	} else {
		lowBandwidthGauge.Set(0)
	}
	m.logger.Debug().Int("kbps", kbps).Bool("low", low).Msg("Bandwidth flag changed")
}

// LowBandwidth reports the current flag.
func (m *Monitor) LowBandwidth() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.low
}

// SetLowBandwidth seeds the flag, e.g. from link-type detection before
// any samples arrive.
func (m *Monitor) SetLowBandwidth(low bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLowLocked(low, 0)
}

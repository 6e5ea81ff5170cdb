package bandwidth

import (
	"testing"
	"time"
)

func TestMonitor_StartsHealthy(t *testing.T) {
	m := New()
	if m.LowBandwidth() {
		t.Error("new monitor reports low bandwidth")
	}
}

func TestMonitor_NoFlagUntilRingFull(t *testing.T) {
	m := New()
	// Three crawling samples: below ring capacity, no verdict yet.
	for i := 0; i < RingSize-1; i++ {
		m.Add(1000, time.Second)
	}
	if m.LowBandwidth() {
		t.Error("flag set before the ring filled")
	}
}

func TestMonitor_Hysteresis(t *testing.T) {
	m := New()

	// Four samples at 10 kB/s set the flag.
	for i := 0; i < RingSize; i++ {
		m.Add(10_000, time.Second)
	}
	if !m.LowBandwidth() {
		t.Fatal("flag not set on slow samples")
	}

	// Samples inside the hysteresis band (40-80 kB/s) keep it set.
	for i := 0; i < RingSize; i++ {
		m.Add(60_000, time.Second)
	}
	if !m.LowBandwidth() {
		t.Error("flag cleared inside the hysteresis band")
	}

	// Fast samples clear it.
	for i := 0; i < RingSize; i++ {
		m.Add(200_000, time.Second)
	}
	if m.LowBandwidth() {
		t.Error("flag not cleared on fast samples")
	}
}

func TestMonitor_SeededFlag(t *testing.T) {
	m := New()
	m.SetLowBandwidth(true)
	if !m.LowBandwidth() {
		t.Error("seeded flag not visible")
	}
}

func TestMonitor_IgnoresZeroElapsed(t *testing.T) {
	m := New()
	for i := 0; i < RingSize*2; i++ {
		m.Add(1, 0)
	}
	if m.LowBandwidth() {
		t.Error("zero-duration samples changed the flag")
	}
}

package swap

import (
	"context"
	"time"

	"github.com/nassro199/Horizon-sub003/kernel/sync"
)

const (
	defaultInterval          = 100 * time.Millisecond
	defaultPressureThreshold = 0.8

	highPressure     = 0.9
	elevatedPressure = 0.75
)

// MonitorOptions configure a Monitor.
type MonitorOptions struct {
	// Interval is the time between two samples when the monitor runs in
	// the background.
	Interval time.Duration

	// PressureThreshold is the memory pressure, the fraction of managed
	// frames in use, at or above which a sample triggers threshold
	// reclaim.
	PressureThreshold float64

	// AutoAdjust lowers the engine threshold and shortens the interval as
	// pressure rises and restores them once it falls.
	AutoAdjust bool
}

// MonitorStats is a point-in-time view of the swap activity seen by a
// Monitor.
type MonitorStats struct {
	Samples  uint64  `json:"samples"`
	Pressure float64 `json:"pressure"`

	// Rates are expressed in pages per second between the two latest
	// samples.
	SwapOutRate float64 `json:"swapOutRate"`
	SwapInRate  float64 `json:"swapInRate"`

	PeakSwapOutRate float64 `json:"peakSwapOutRate"`
	PeakSwapInRate  float64 `json:"peakSwapInRate"`

	Reclaims  uint64        `json:"reclaims"`
	Reclaimed uint64        `json:"reclaimed"`
	Threshold int           `json:"threshold"`
	Interval  time.Duration `json:"interval"`
}

// Monitor samples memory pressure and swap activity and triggers reclaim
// when pressure exceeds a threshold.
type Monitor struct {
	engine *Engine
	opts   MonitorOptions

	baseThreshold int
	baseInterval  time.Duration

	lock     sync.Spinlock
	last     time.Time
	lastOuts uint64
	lastIns  uint64
	interval time.Duration
	stats    MonitorStats
}

// NewMonitor creates a monitor for e. The current engine threshold and the
// configured interval are the values auto-adjustment starts from.
func NewMonitor(e *Engine, opts MonitorOptions) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.PressureThreshold <= 0 || opts.PressureThreshold > 1 {
		opts.PressureThreshold = defaultPressureThreshold
	}

	return &Monitor{
		engine:        e,
		opts:          opts,
		baseThreshold: e.Threshold(),
		baseInterval:  opts.Interval,
		interval:      opts.Interval,
	}
}

// Interval returns the current sampling interval.
func (m *Monitor) Interval() time.Duration {
	m.lock.Acquire()
	defer m.lock.Release()
	return m.interval
}

// Pressure returns the fraction of managed frames currently in use.
func (m *Monitor) Pressure() float64 {
	alloc := m.engine.reg.PMM()
	managed := alloc.ManagedPages()
	if managed == 0 {
		return 0
	}
	return 1 - float64(alloc.FreePages())/float64(managed)
}

// Tick takes one sample at time now. It returns the number of pages
// reclaimed by the sample.
func (m *Monitor) Tick(now time.Time) int {
	var (
		pressure = m.Pressure()
		stats    = m.engine.Stats()
	)

	m.lock.Acquire()
	m.stats.Samples++
	m.stats.Pressure = pressure
	if !m.last.IsZero() {
		if elapsed := now.Sub(m.last).Seconds(); elapsed > 0 {
			m.stats.SwapOutRate = float64(stats.SwapOuts-m.lastOuts) / elapsed
			m.stats.SwapInRate = float64(stats.SwapIns-m.lastIns) / elapsed
			if m.stats.SwapOutRate > m.stats.PeakSwapOutRate {
				m.stats.PeakSwapOutRate = m.stats.SwapOutRate
			}
			if m.stats.SwapInRate > m.stats.PeakSwapInRate {
				m.stats.PeakSwapInRate = m.stats.SwapInRate
			}
		}
	}
	m.last, m.lastOuts, m.lastIns = now, stats.SwapOuts, stats.SwapIns

	if m.opts.AutoAdjust {
		m.adjust(pressure)
	}
	m.lock.Release()

	if pressure < m.opts.PressureThreshold {
		return 0
	}

	reclaimed := m.engine.ReclaimToThreshold()

	m.lock.Acquire()
	m.stats.Reclaims++
	m.stats.Reclaimed += uint64(reclaimed)
	m.lock.Release()

	if reclaimed > 0 {
		log.Debugf("pressure %.2f: reclaimed %d pages", pressure, reclaimed)
	}
	return reclaimed
}

// adjust derives the engine threshold and the interval from their base
// values. The monitor lock must be held.
func (m *Monitor) adjust(pressure float64) {
	threshold, interval := m.baseThreshold, m.baseInterval
	switch {
	case pressure >= highPressure:
		threshold, interval = threshold/2, interval/4
	case pressure >= elevatedPressure:
		threshold, interval = threshold*3/4, interval/2
	}

	if threshold != m.engine.Threshold() {
		log.Infof("pressure %.2f: swap threshold %d pages, sampling every %s", pressure, threshold, interval)
	}
	m.engine.SetThreshold(threshold)
	m.interval = interval
}

// Run samples every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	timer := time.NewTimer(m.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-timer.C:
			m.Tick(now)
			timer.Reset(m.Interval())
		}
	}
}

// Stats returns the monitor statistics.
func (m *Monitor) Stats() MonitorStats {
	m.lock.Acquire()
	defer m.lock.Release()

	stats := m.stats
	stats.Threshold = m.engine.Threshold()
	stats.Interval = m.interval
	return stats
}

package pl360

import (
	"github.com/go-logr/logr"

	"modemlink/core"
)

// MonitorConfig describes the PVDD sense divider and the good window.
// PVDD is good inside [LowMV, HighMV]; once bad it must come back inside
// [LowHystMV, HighHystMV] to be good again.
type MonitorConfig struct {
	RUpOhm   uint32
	RDownOhm uint32
	RefMV    uint32
	Bits     uint8

	LowMV      uint32
	HighMV     uint32
	LowHystMV  uint32
	HighHystMV uint32
}

// DefaultMonitorConfig is the reference board: 36k/10k divider on a 3.3 V
// ADC with the given resolution.
func DefaultMonitorConfig(bits uint8) MonitorConfig {
	return MonitorConfig{
		RUpOhm:     36000,
		RDownOhm:   10000,
		RefMV:      3300,
		Bits:       bits,
		LowMV:      10000,
		HighMV:     13000,
		LowHystMV:  10200,
		HighHystMV: 12900,
	}
}

// Thresholds are the window limits in ADC counts.
type Thresholds struct {
	Low, High         uint16
	LowHyst, HighHyst uint16
}

// Thresholds converts the millivolt limits to ADC counts, rounded to
// nearest.
func (c MonitorConfig) Thresholds() Thresholds {
	den := uint64(c.RDownOhm+c.RUpOhm) * uint64(c.RefMV)
	counts := func(mv uint32) uint16 {
		num := (uint64(mv) * uint64(c.RDownOhm)) << c.Bits
		return uint16((num + den/2) / den)
	}
	return Thresholds{
		Low:      counts(c.LowMV),
		High:     counts(c.HighMV),
		LowHyst:  counts(c.LowHystMV),
		HighHyst: counts(c.HighHystMV),
	}
}

// Monitor tracks the PVDD supply and gates transmission while it is out of
// range. PVDD is assumed good at start.
type Monitor struct {
	th      Thresholds
	good    bool
	handler func(bool)
	dev     *Device
	log     logr.Logger
}

// NewMonitor creates a monitor. dev, when not nil, has its TX enable line
// driven by every sample.
func NewMonitor(cfg MonitorConfig, dev *Device, log logr.Logger) *Monitor {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Monitor{th: cfg.Thresholds(), good: true, dev: dev, log: log.WithName("pvdd")}
}

// Thresholds returns the window in ADC counts.
func (m *Monitor) Thresholds() Thresholds { return m.th }

// Good reports the current supply state.
func (m *Monitor) Good() bool {
	var good bool
	core.Critical(func() { good = m.good })
	return good
}

// SetHandler installs the state change callback and calls it at once with
// the current state.
func (m *Monitor) SetHandler(fn func(good bool)) {
	var good bool
	core.Critical(func() {
		m.handler = fn
		good = m.good
	})
	if fn != nil {
		fn(good)
	}
}

// Sample feeds one ADC reading and returns the resulting state.
func (m *Monitor) Sample(v uint16) bool {
	var prev, good bool
	var fn func(bool)
	core.Critical(func() {
		prev = m.good
		good = prev
		if prev {
			if v < m.th.Low || v > m.th.High {
				good = false
			}
		} else if v > m.th.LowHyst && v < m.th.HighHyst {
			good = true
		}
		m.good = good
		fn = m.handler
	})

	if m.dev != nil {
		if err := m.dev.SetTxEnable(good); err != nil {
			m.log.Error(err, "tx enable")
		}
	}
	if good != prev {
		m.log.Info("supply state changed", "good", good, "adc", v)
		if fn != nil {
			fn(good)
		}
	}
	return good
}

// Timer returns a scheduler timer that samples read every period.
func (m *Monitor) Timer(period uint32, read func() (uint16, error)) *core.Timer {
	return &core.Timer{
		Handler: func(t *core.Timer) uint8 {
			if v, err := read(); err == nil {
				m.Sample(v)
			} else {
				m.log.Error(err, "adc read")
			}
			t.WakeTime += period
			return core.SF_RESCHEDULE
		},
	}
}

package pl360

import (
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"

	"modemlink/core"
)

func TestThresholds(t *testing.T) {
	tests := []struct {
		bits uint8
		want Thresholds
	}{
		{10, Thresholds{Low: 675, High: 877, LowHyst: 688, HighHyst: 870}},
		{12, Thresholds{Low: 2698, High: 3508, LowHyst: 2752, HighHyst: 3481}},
	}
	for _, tt := range tests {
		got := DefaultMonitorConfig(tt.bits).Thresholds()
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("%d-bit thresholds (-want +got):\n%s", tt.bits, diff)
		}
	}
}

func TestMonitorHysteresis(t *testing.T) {
	dev, _, gpio := newDevice(t, nil)
	m := NewMonitor(DefaultMonitorConfig(12), dev, logr.Discard())

	var states []bool
	m.SetHandler(func(good bool) { states = append(states, good) })

	samples := []struct {
		v    uint16
		good bool
	}{
		{3000, true},
		{2698, true},  // on the low limit
		{3600, false}, // above high
		{3490, false}, // inside the window but not the hysteresis window
		{2752, false}, // on the hysteresis limit
		{3400, true},
		{2697, false},
		{2753, true},
	}
	for i, s := range samples {
		if got := m.Sample(s.v); got != s.good {
			t.Errorf("sample %d (%d): good=%v, want %v", i, s.v, got, s.good)
		}
		if gpio.Level(pinTxEn) != s.good {
			t.Errorf("sample %d: tx enable %v, want %v", i, gpio.Level(pinTxEn), s.good)
		}
	}

	want := []bool{true, false, true, false, true}
	if diff := cmp.Diff(want, states); diff != "" {
		t.Errorf("handler calls (-want +got):\n%s", diff)
	}
	if !m.Good() {
		t.Error("final state should be good")
	}
}

func TestMonitorTimer(t *testing.T) {
	m := NewMonitor(DefaultMonitorConfig(10), nil, logr.Logger{})
	readings := []uint16{800, 900, 0, 750}
	i := 0
	read := func() (uint16, error) {
		if i >= len(readings) {
			return 0, errors.New("no sample")
		}
		v := readings[i]
		i++
		return v, nil
	}

	var changes []bool
	m.SetHandler(func(good bool) { changes = append(changes, good) })
	changes = nil

	s := core.NewScheduler()
	s.Add(m.Timer(10, read))
	for now := uint32(0); now <= 50; now += 10 {
		s.Dispatch(now)
	}
	if i != len(readings) {
		t.Errorf("sampled %d times, want %d", i, len(readings))
	}
	if diff := cmp.Diff([]bool{false, true}, changes); diff != "" {
		t.Errorf("changes (-want +got):\n%s", diff)
	}
}

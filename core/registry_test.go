package core_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"modemlink/backend/sim"
	"modemlink/core"
)

func TestChannels(t *testing.T) {
	ch := core.NewChannels()
	if _, err := ch.Get(0); err != core.ErrInvalidChannel {
		t.Errorf("empty registry: err = %v", err)
	}

	a := newEngine(t, sim.NewBus(nil), core.EngineConfig{Name: "plc"})
	b := newEngine(t, sim.NewBus(nil), core.EngineConfig{Name: "rf"})
	ch.Open(3, b)
	ch.Open(1, a)

	if diff := cmp.Diff([]uint8{1, 3}, ch.Indexes()); diff != "" {
		t.Errorf("indexes (-want +got):\n%s", diff)
	}
	got, err := ch.Get(3)
	if err != nil || got.Name() != "rf" {
		t.Errorf("Get(3) = %v, %v", got, err)
	}
	if _, err := ch.Get(2); err != core.ErrInvalidChannel {
		t.Errorf("Get(2): err = %v", err)
	}
}

func TestPumpAllAndTimer(t *testing.T) {
	busA, busB := sim.NewBus(nil), sim.NewBus(nil)
	busA.SetBusyPolls(1)
	busB.SetBusyPolls(1)
	a := newEngine(t, busA, core.EngineConfig{Name: "a"})
	b := newEngine(t, busB, core.EngineConfig{Name: "b"})
	ch := core.NewChannels()
	ch.Open(0, a)
	ch.Open(1, b)

	for _, e := range []*core.Engine{a, b} {
		req := write(0x10, []byte{1})
		req.Blocking = false
		if _, err := e.Do(req); err != nil {
			t.Fatal(err)
		}
	}
	ch.PumpAll()
	ch.PumpAll()
	if a.State() != core.StateIdle || b.State() != core.StateIdle {
		t.Errorf("states after PumpAll: %v %v", a.State(), b.State())
	}

	// Same thing driven from a scheduler timer
	req := write(0x10, []byte{2})
	req.Blocking = false
	if _, err := a.Do(req); err != nil {
		t.Fatal(err)
	}
	s := core.NewScheduler()
	s.Add(a.PumpTimer(1))
	for now := uint32(0); now < 5 && a.State() != core.StateIdle; now++ {
		s.Dispatch(now)
	}
	if a.State() != core.StateIdle {
		t.Errorf("timer did not drain: %v", a.State())
	}
}

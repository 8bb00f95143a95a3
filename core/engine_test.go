package core_test

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"modemlink/backend/sim"
	"modemlink/core"
)

var short = core.ShortAddress{Max: 1024}

func newEngine(t *testing.T, bus *sim.Bus, cfg core.EngineConfig) *core.Engine {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	e, err := core.NewEngine(bus, cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func write(addr uint32, data []byte) core.Request {
	return core.Request{
		Layout:   short,
		Header:   core.Header{Address: addr, Direction: core.Write, Length: len(data)},
		Data:     data,
		Blocking: true,
	}
}

func read(addr uint32, dst []byte) core.Request {
	return core.Request{
		Layout:   short,
		Header:   core.Header{Address: addr, Direction: core.Read, Length: len(dst)},
		Data:     dst,
		Blocking: true,
	}
}

func TestWriteThenRead(t *testing.T) {
	regs := sim.NewRegisterFile(short)
	bus := sim.NewBus(regs)
	bus.SetBusyPolls(3)
	e := newEngine(t, bus, core.EngineConfig{MaxPayload: 512})

	if _, err := e.Do(write(0x1234, []byte{0xAB, 0xCD})); err != nil {
		t.Fatalf("write: %v", err)
	}
	if diff := cmp.Diff([]byte{0x92, 0x34, 0x00, 0xAB, 0xCD}, bus.LastFrame()); diff != "" {
		t.Errorf("write frame (-want +got):\n%s", diff)
	}

	got := make([]byte, 2)
	res, err := e.Do(read(0x1234, got))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if diff := cmp.Diff([]byte{0xAB, 0xCD}, got); diff != "" {
		t.Errorf("read back (-want +got):\n%s", diff)
	}
	if res.Length != 2 {
		t.Errorf("result length %d, want 2", res.Length)
	}
	if e.State() != core.StateIdle {
		t.Errorf("state %v after blocking read, want idle", e.State())
	}
	if s := e.Stats(); s.Transactions != 2 {
		t.Errorf("transactions = %d, want 2", s.Transactions)
	}
}

func TestPayloadTooLargeNeverStarts(t *testing.T) {
	bus := sim.NewBus(nil)
	e := newEngine(t, bus, core.EngineConfig{MaxPayload: 512})

	_, err := e.Do(read(0x0000, make([]byte, 600)))
	if !errors.Is(err, core.ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
	if bus.Starts() != 0 {
		t.Errorf("%d transfers started for a rejected request", bus.Starts())
	}

	// max_payload is accepted, max_payload+1 is not
	if _, err := e.Do(read(0, make([]byte, 512))); err != nil {
		t.Errorf("max payload: %v", err)
	}
	if _, err := e.Do(read(0, make([]byte, 513))); err != core.ErrPayloadTooLarge {
		t.Errorf("max payload + 1: err = %v", err)
	}
	if bus.Starts() != 1 {
		t.Errorf("starts = %d, want 1", bus.Starts())
	}
	if e.Stats().Rejected != 2 {
		t.Errorf("rejected = %d, want 2", e.Stats().Rejected)
	}
}

func TestWriteDataShorterThanLength(t *testing.T) {
	bus := sim.NewBus(nil)
	e := newEngine(t, bus, core.EngineConfig{})
	req := write(0x10, []byte{1})
	req.Header.Length = 4
	if _, err := e.Do(req); err != core.ErrPayloadTooLarge {
		t.Errorf("err = %v", err)
	}
	if bus.Starts() != 0 {
		t.Error("transfer started")
	}
}

func TestAtMostOneInFlight(t *testing.T) {
	bus := sim.NewBus(nil)
	bus.SetStuck(true)
	e := newEngine(t, bus, core.EngineConfig{})

	first := write(0x0100, []byte{1, 2, 3, 4})
	first.Blocking = false
	if _, err := e.Do(first); err != nil {
		t.Fatalf("first: %v", err)
	}
	snap := bus.Snapshot()

	second := write(0x0200, []byte{9, 9, 9, 9})
	for i := 0; i < 3; i++ {
		if _, err := e.Do(second); err != core.ErrChannelBusy {
			t.Fatalf("second: err = %v, want ErrChannelBusy", err)
		}
	}
	if diff := cmp.Diff(snap, bus.Snapshot()); diff != "" {
		t.Errorf("in-flight buffer modified (-before +after):\n%s", diff)
	}
	if bus.Starts() != 1 {
		t.Errorf("starts = %d, want 1", bus.Starts())
	}
	if e.Stats().Busy != 3 {
		t.Errorf("busy = %d, want 3", e.Stats().Busy)
	}

	bus.SetStuck(false)
	if _, err := e.Do(second); err != nil {
		t.Fatalf("after completion: %v", err)
	}
	if e.Stats().Transactions != 2 {
		t.Errorf("transactions = %d, want 2", e.Stats().Transactions)
	}
}

func TestSharedBusRejectsSecondEngine(t *testing.T) {
	bus := sim.NewBus(nil)
	bus.SetStuck(true)
	a := newEngine(t, bus, core.EngineConfig{Name: "a", SharedBus: true})
	b := newEngine(t, bus, core.EngineConfig{Name: "b", SharedBus: true})

	req := write(0x0001, []byte{1})
	req.Blocking = false
	if _, err := a.Do(req); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Do(req); err != core.ErrChannelBusy {
		t.Errorf("second engine: err = %v, want ErrChannelBusy", err)
	}
	if b.State() != core.StateIdle {
		t.Errorf("refused engine state %v", b.State())
	}
}

func TestTimeoutKeepsGateBalanced(t *testing.T) {
	bus := sim.NewBus(nil)
	irq := &sim.IRQ{}
	gate := core.NewGate(irq)
	e := newEngine(t, bus, core.EngineConfig{Gate: gate, Budget: core.BudgetFor(1)})

	gate.Disable()
	bus.SetStuck(true)

	var done []error
	req := write(0x0040, []byte{0x55})
	req.Done = func(_ core.Result, err error) { done = append(done, err) }
	if _, err := e.Do(req); err != core.ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if gate.Count() != 1 {
		t.Errorf("gate count = %d after timeout, want 1", gate.Count())
	}
	if !irq.Masked() {
		t.Error("caller's gate hold was released")
	}
	if bus.Aborts() != 1 {
		t.Errorf("aborts = %d, want 1", bus.Aborts())
	}
	if len(done) != 1 || done[0] != core.ErrTimeout {
		t.Errorf("done callback got %v", done)
	}
	if e.State() != core.StateFaulted {
		t.Fatalf("state %v, want faulted", e.State())
	}

	bus.SetStuck(false)
	if _, err := e.Do(write(0x0040, []byte{1})); err != core.ErrFaulted {
		t.Errorf("faulted channel accepted a request: %v", err)
	}
	if err := e.Reset(); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Do(write(0x0040, []byte{1})); err != nil {
		t.Errorf("after reset: %v", err)
	}
	gate.Enable()
	if !gate.Enabled() || irq.Masked() {
		t.Error("gate did not reopen")
	}
	if e.Stats().Timeouts != 1 {
		t.Errorf("timeouts = %d", e.Stats().Timeouts)
	}
}

func TestPumpTimeout(t *testing.T) {
	bus := sim.NewBus(nil)
	bus.SetStuck(true)
	e := newEngine(t, bus, core.EngineConfig{Budget: core.BudgetFor(2)})

	req := write(0, []byte{1})
	req.Blocking = false
	if _, err := e.Do(req); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := e.Pump(); err != nil {
			t.Fatalf("pump %d: %v", i, err)
		}
	}
	if err := e.Pump(); err != core.ErrTimeout {
		t.Errorf("pump past budget: %v", err)
	}
	if !e.Gate().Enabled() {
		t.Error("gate held after timeout")
	}
}

func TestGateHeldDuringTransfer(t *testing.T) {
	irq := &sim.IRQ{}
	var maskedDuring []bool
	bus := sim.NewBus(sim.PeerFunc(func(tx, rx []byte) {
		maskedDuring = append(maskedDuring, irq.Masked())
	}))
	e := newEngine(t, bus, core.EngineConfig{Gate: core.NewGate(irq)})

	if _, err := e.Do(write(0x0001, []byte{1})); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]bool{true}, maskedDuring); diff != "" {
		t.Errorf("masked during transfer (-want +got):\n%s", diff)
	}
	if irq.Masked() {
		t.Error("line still masked after transaction")
	}
	masks, unmasks := irq.Counts()
	if masks != 1 || unmasks != 2 {
		t.Errorf("masks=%d unmasks=%d, want 1 and 2", masks, unmasks)
	}
}

func TestLatchedIRQAfterDrain(t *testing.T) {
	bus := sim.NewBus(nil)
	bus.SetBusyPolls(1)
	e := newEngine(t, bus, core.EngineConfig{})

	var stateInHandler core.EngineState
	calls := 0
	e.Gate().SetHandler(func() {
		calls++
		stateInHandler = e.State()
	})

	req := write(0x0010, []byte{7})
	req.Blocking = false
	if _, err := e.Do(req); err != nil {
		t.Fatal(err)
	}
	e.Gate().Fire()
	if calls != 0 {
		t.Fatal("handler ran during the transaction")
	}
	_ = e.Pump() // busy
	_ = e.Pump() // drains
	if calls != 1 {
		t.Fatalf("handler calls = %d, want 1", calls)
	}
	if stateInHandler != core.StateIdle {
		t.Errorf("state in handler %v, want idle", stateInHandler)
	}
}

func TestNonBlockingReadComplete(t *testing.T) {
	regs := sim.NewRegisterFile(short)
	regs.Poke(0x0300, []byte{1, 2, 3, 4})
	bus := sim.NewBus(regs)
	bus.SetBusyPolls(4)
	e := newEngine(t, bus, core.EngineConfig{})

	if _, err := e.Complete(make([]byte, 1)); err != core.ErrNoPendingRead {
		t.Errorf("complete with nothing pending: %v", err)
	}

	var doneRes core.Result
	req := core.Request{
		Layout: short,
		Header: core.Header{Address: 0x0300, Direction: core.Read, Length: 4},
		Done:   func(r core.Result, _ error) { doneRes = r },
	}
	if _, err := e.Do(req); err != nil {
		t.Fatal(err)
	}
	if e.State() != core.StateInFlight {
		t.Fatalf("state %v, want in-flight", e.State())
	}

	got := make([]byte, 4)
	if _, err := e.Complete(got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{1, 2, 3, 4}, got); diff != "" {
		t.Errorf("payload (-want +got):\n%s", diff)
	}
	if doneRes.Length != 4 {
		t.Errorf("done result %+v", doneRes)
	}

	// Still available until the next transaction
	again := make([]byte, 2)
	if _, err := e.Complete(again); err != nil || !bytes.Equal(again, []byte{1, 2}) {
		t.Errorf("second complete: %v %v", again, err)
	}
	if _, err := e.Complete(make([]byte, 5)); err != core.ErrPayloadTooLarge {
		t.Errorf("oversized complete: %v", err)
	}

	if _, err := e.Do(write(0x0000, []byte{0})); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Complete(again); err != core.ErrNoPendingRead {
		t.Errorf("complete after new transaction: %v", err)
	}
}

func TestOpportunisticDrain(t *testing.T) {
	bus := sim.NewBus(nil)
	e := newEngine(t, bus, core.EngineConfig{})

	drained := 0
	req := write(0x0001, []byte{1})
	req.Blocking = false
	req.Done = func(core.Result, error) { drained++ }
	if _, err := e.Do(req); err != nil {
		t.Fatal(err)
	}
	// The sim completes on the next poll, so Do drains the previous
	// transfer instead of refusing.
	if _, err := e.Do(write(0x0002, []byte{2})); err != nil {
		t.Fatalf("second: %v", err)
	}
	if drained != 1 {
		t.Errorf("drained = %d, want 1", drained)
	}
}

func TestCacheMaintenance(t *testing.T) {
	bus := sim.NewBus(nil)
	e := newEngine(t, bus, core.EngineConfig{Cache: bus})
	for i := 0; i < 3; i++ {
		if _, err := e.Do(read(0x0001, make([]byte, 8))); err != nil {
			t.Fatal(err)
		}
	}
	cleans, invalidates := bus.CacheOps()
	if cleans != 3 || invalidates != 3 {
		t.Errorf("cleans=%d invalidates=%d, want 3 each", cleans, invalidates)
	}
}

func TestWordSizeFollowsLayout(t *testing.T) {
	layout := core.WordCommand{Max: 256}
	regs := sim.NewRegisterFile(layout)
	regs.Poke(0x0010, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	bus := sim.NewBus(regs)
	e := newEngine(t, bus, core.EngineConfig{Bus: core.BusConfig{ClockHz: 8000000}})

	got := make([]byte, 4)
	_, err := e.Do(core.Request{
		Layout:   layout,
		Header:   core.Header{Address: 0x0010, Direction: core.Read, Length: 4},
		Data:     got,
		Blocking: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{0xDE, 0xAD, 0xBE, 0xEF}, got); diff != "" {
		t.Errorf("payload (-want +got):\n%s", diff)
	}
	cfgs := bus.Configs()
	if len(cfgs) != 2 {
		t.Fatalf("configs = %d, want 2", len(cfgs))
	}
	if cfgs[1].WordSize != core.Word16 || cfgs[1].ClockHz != 8000000 {
		t.Errorf("reconfigured to %+v", cfgs[1])
	}
	if e.Bus().WordSize != core.Word16 {
		t.Errorf("engine bus word size %d", e.Bus().WordSize)
	}
}

func TestStartFailureReturnsToIdle(t *testing.T) {
	bus := sim.NewBus(nil)
	e := newEngine(t, bus, core.EngineConfig{})
	boom := errors.New("dma error")
	bus.FailStart(boom)
	if _, err := e.Do(write(0, []byte{1})); err != boom {
		t.Fatalf("err = %v", err)
	}
	if e.State() != core.StateIdle || !e.Gate().Enabled() {
		t.Errorf("state %v gate enabled %v", e.State(), e.Gate().Enabled())
	}
	bus.FailStart(nil)
	if _, err := e.Do(write(0, []byte{1})); err != nil {
		t.Error(err)
	}
}

func TestSetSpeed(t *testing.T) {
	bus := sim.NewBus(nil)
	e := newEngine(t, bus, core.EngineConfig{Bus: core.BusConfig{ClockHz: 15000000, Phase: 1, PeripheralHz: 120000000, Div: 8}})
	if err := e.SetSpeed(30000000); err != nil {
		t.Fatal(err)
	}
	cfgs := bus.Configs()
	last := cfgs[len(cfgs)-1]
	if last.ClockHz != 30000000 || last.Phase != 1 {
		t.Errorf("applied %+v", last)
	}
	if last.Divider() != 4 {
		t.Errorf("divider %d, want 4", last.Divider())
	}
	if e.State() != core.StateIdle {
		t.Errorf("state %v", e.State())
	}
}

func TestTraceRecordsFrames(t *testing.T) {
	trace := core.NewTrace()
	regs := sim.NewRegisterFile(short)
	regs.Poke(0x20, []byte{0x42})
	e := newEngine(t, sim.NewBus(regs), core.EngineConfig{Trace: trace})

	if _, err := e.Do(read(0x20, make([]byte, 1))); err != nil {
		t.Fatal(err)
	}
	events := trace.Events()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Kind != core.EvtFrame || !bytes.Equal(events[0].Tx, []byte{0x00, 0x20, 0x00, 0x00}) {
		t.Errorf("frame event %+v", events[0])
	}
	if events[1].Kind != core.EvtDrained || !bytes.Equal(events[1].Rx, []byte{0x42}) {
		t.Errorf("drained event %+v", events[1])
	}

	trace.SetEnabled(false)
	_, _ = e.Do(read(0x20, make([]byte, 1)))
	if len(trace.Events()) != 2 {
		t.Error("disabled trace recorded events")
	}
	trace.Clear()
	if len(trace.Events()) != 0 {
		t.Error("Clear left events")
	}
}

func TestConcurrentCallers(t *testing.T) {
	regs := sim.NewRegisterFile(short)
	bus := sim.NewBus(regs)
	bus.SetBusyPolls(2)
	e := newEngine(t, bus, core.EngineConfig{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_, err := e.Do(write(uint32(w), []byte{byte(i)}))
				switch err {
				case nil:
					mu.Lock()
					ok++
					mu.Unlock()
				case core.ErrChannelBusy:
				default:
					t.Errorf("unexpected error %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	if int(e.Stats().Transactions) != ok {
		t.Errorf("transactions = %d, successful calls = %d", e.Stats().Transactions, ok)
	}
	if bus.Starts() != ok {
		t.Errorf("starts = %d, successful calls = %d", bus.Starts(), ok)
	}
	if !e.Gate().Enabled() {
		t.Error("gate left closed")
	}
}

func TestSetBusKeepsWordSize(t *testing.T) {
	bus := sim.NewBus(nil)
	e := newEngine(t, bus, core.EngineConfig{Bus: core.BusConfig{ClockHz: 1000000, WordSize: core.Word16, PeripheralHz: 48000000}})
	if err := e.SetBus(core.BusConfig{ClockHz: 4000000, Polarity: 1, Phase: 1}); err != nil {
		t.Fatal(err)
	}
	got := e.Bus()
	want := core.BusConfig{ClockHz: 4000000, Polarity: 1, Phase: 1, WordSize: core.Word16, PeripheralHz: 48000000}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("bus (-want +got):\n%s", diff)
	}
	if got.Mode() != 3 {
		t.Errorf("mode %d", got.Mode())
	}
}

func TestRawReadReturnsClockedBytes(t *testing.T) {
	peer := sim.PeerFunc(func(tx, rx []byte) {
		for i := range tx {
			rx[i] = ^tx[i]
		}
	})
	e := newEngine(t, sim.NewBus(peer), core.EngineConfig{MaxPayload: 16})
	buf := []byte{0x0F, 0xF0, 0x55}
	_, err := e.Do(core.Request{
		Layout:   core.Raw{Max: 16},
		Header:   core.Header{Direction: core.Read, Length: 3},
		Data:     buf,
		Blocking: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{0xF0, 0x0F, 0xAA}, buf); diff != "" {
		t.Errorf("clocked in (-want +got):\n%s", diff)
	}
}

// failingBus reports an exchange error once the sim transfer completes,
// like a backend whose ioctl fails on another goroutine.
type failingBus struct {
	*sim.Bus
	mu  sync.Mutex
	err error
}

func (b *failingBus) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *failingBus) set(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

func TestBackendErrorFaultsTransaction(t *testing.T) {
	eio := errors.New("input/output error")
	bus := &failingBus{Bus: sim.NewBus(sim.NewRegisterFile(short))}
	trace := core.NewTrace()
	e, err := core.NewEngine(bus, core.EngineConfig{Name: "rf", Trace: trace})
	if err != nil {
		t.Fatal(err)
	}
	bus.set(eio)

	_, err = e.Do(read(0x10, make([]byte, 2)))
	if !errors.Is(err, eio) || !errors.Is(err, core.ErrTransfer) {
		t.Fatalf("err = %v", err)
	}
	if e.State() != core.StateFaulted || !e.Gate().Enabled() {
		t.Errorf("state %v gate enabled %v", e.State(), e.Gate().Enabled())
	}
	if s := e.Stats(); s.Failures != 1 || s.Transactions != 0 || s.Timeouts != 0 {
		t.Errorf("stats %+v", s)
	}
	events := trace.Events()
	if last := events[len(events)-1]; last.Kind != core.EvtFailed || !errors.Is(last.Err, eio) {
		t.Errorf("last trace event %+v", last)
	}
	if _, err := e.Do(write(0x10, []byte{1})); err != core.ErrFaulted {
		t.Errorf("write on faulted channel: %v", err)
	}

	bus.set(nil)
	if err := e.Reset(); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Do(write(0x10, []byte{1})); err != nil {
		t.Errorf("write after reset: %v", err)
	}
}

func TestBackendErrorReachesDone(t *testing.T) {
	eio := errors.New("input/output error")
	bus := &failingBus{Bus: sim.NewBus(nil)}
	bus.SetBusyPolls(1)
	e, err := core.NewEngine(bus, core.EngineConfig{})
	if err != nil {
		t.Fatal(err)
	}
	bus.set(eio)

	var got error
	calls := 0
	req := read(0, nil)
	req.Header.Length = 1
	req.Blocking = false
	req.Done = func(_ core.Result, err error) {
		calls++
		got = err
	}
	if _, err := e.Do(req); err != nil {
		t.Fatal(err)
	}
	var perr error
	for i := 0; i < 5 && perr == nil && e.State() == core.StateInFlight; i++ {
		perr = e.Pump()
	}
	if !errors.Is(perr, eio) {
		t.Errorf("Pump err = %v", perr)
	}
	if calls != 1 || !errors.Is(got, core.ErrTransfer) {
		t.Errorf("Done called %d times with %v", calls, got)
	}
	if _, err := e.Complete(make([]byte, 1)); err != core.ErrFaulted {
		t.Errorf("Complete after failure: %v", err)
	}
}

// slowBus asks for wall-clock waits, like a backend that runs the
// exchange on another goroutine.
type slowBus struct {
	*sim.Bus
	min time.Duration
}

func (b slowBus) MinDeadline() time.Duration { return b.min }

func TestScheduledBackendWaitsByDeadline(t *testing.T) {
	bus := sim.NewBus(nil)
	bus.SetBusyPolls(200000)
	e, err := core.NewEngine(slowBus{Bus: bus, min: 5 * time.Second}, core.EngineConfig{
		Budget: core.BudgetFor(10),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Do(write(0, []byte{1})); err != nil {
		t.Fatalf("spin count applied to a scheduled backend: %v", err)
	}

	bus.SetStuck(true)
	e, err = core.NewEngine(slowBus{Bus: bus, min: 20 * time.Millisecond}, core.EngineConfig{
		Budget: core.BudgetFor(1),
	})
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if _, err := e.Do(write(0, []byte{1})); err != core.ErrTimeout {
		t.Fatalf("stuck bus: %v", err)
	}
	if d := time.Since(start); d < 20*time.Millisecond {
		t.Errorf("gave up after %v", d)
	}
}

func TestResetAbortsPendingTransfer(t *testing.T) {
	bus := sim.NewBus(nil)
	bus.SetStuck(true)
	e := newEngine(t, bus, core.EngineConfig{})

	var got error
	calls := 0
	req := write(0, []byte{1})
	req.Blocking = false
	req.Done = func(_ core.Result, err error) {
		calls++
		got = err
	}
	if _, err := e.Do(req); err != nil {
		t.Fatal(err)
	}
	if err := e.Reset(); err != nil {
		t.Fatal(err)
	}
	if calls != 1 || got != core.ErrAborted {
		t.Errorf("Done called %d times with %v", calls, got)
	}
	if e.State() != core.StateIdle || !e.Gate().Enabled() {
		t.Errorf("state %v gate enabled %v", e.State(), e.Gate().Enabled())
	}

	bus.SetStuck(false)
	if err := e.Reset(); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("second reset called Done again")
	}
	if bus.Aborts() != 1 {
		t.Errorf("aborts = %d", bus.Aborts())
	}
}

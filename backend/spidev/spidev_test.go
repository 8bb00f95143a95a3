package spidev

import (
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"modemlink/core"
)

type fakeConn struct {
	mu      sync.Mutex
	frames  [][]byte
	release chan struct{}
	err     error
}

func (c *fakeConn) String() string      { return "fake" }
func (c *fakeConn) Duplex() conn.Duplex { return conn.Full }
func (c *fakeConn) Halt() error         { return nil }

func (c *fakeConn) TxPackets(p []spi.Packet) error {
	for _, pk := range p {
		if err := c.Tx(pk.W, pk.R); err != nil {
			return err
		}
	}
	return nil
}

func (c *fakeConn) Tx(w, r []byte) error {
	if c.release != nil {
		<-c.release
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), w...))
	if c.err != nil {
		return c.err
	}
	copy(r, w)
	return nil
}

func (c *fakeConn) last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[len(c.frames)-1]
}

type fakePort struct {
	conn     *fakeConn
	connects []physic.Frequency
	modes    []spi.Mode
	closed   int
}

func (p *fakePort) String() string                    { return "fakeport" }
func (p *fakePort) LimitSpeed(physic.Frequency) error { return nil }
func (p *fakePort) Close() error                      { p.closed++; return nil }

func (p *fakePort) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	if bits != 8 {
		return nil, errors.New("bits")
	}
	p.connects = append(p.connects, f)
	p.modes = append(p.modes, mode)
	return p.conn, nil
}

func newBus(t *testing.T, c *fakeConn) (*Bus, *fakePort, *int) {
	t.Helper()
	port := &fakePort{conn: c}
	opens := 0
	b := New(func() (spi.PortCloser, error) {
		opens++
		return port, nil
	}, logr.Discard())
	if err := b.Configure(core.BusConfig{ClockHz: 1000000, Phase: 1}); err != nil {
		t.Fatal(err)
	}
	return b, port, &opens
}

func waitIdle(t *testing.T, b *Bus) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for b.IsBusy() {
		if time.Now().After(deadline) {
			t.Fatal("exchange never finished")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConfigureReopensPort(t *testing.T) {
	b, port, opens := newBus(t, &fakeConn{})
	if err := b.Configure(core.BusConfig{ClockHz: 8000000, Polarity: 1}); err != nil {
		t.Fatal(err)
	}
	if *opens != 2 || port.closed != 1 {
		t.Errorf("opens=%d closes=%d", *opens, port.closed)
	}
	want := []physic.Frequency{physic.MegaHertz, 8 * physic.MegaHertz}
	if diff := cmp.Diff(want, port.connects); diff != "" {
		t.Errorf("connects (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]spi.Mode{spi.Mode1, spi.Mode2}, port.modes); diff != "" {
		t.Errorf("modes (-want +got):\n%s", diff)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if port.closed != 2 {
		t.Errorf("closes = %d", port.closed)
	}
}

func TestExchangeDoesNotBlock(t *testing.T) {
	c := &fakeConn{release: make(chan struct{})}
	b, _, _ := newBus(t, c)

	tx := []byte{0xDE, 0xAD}
	rx := make([]byte, 2)
	if err := b.StartTransfer(tx, rx, 2); err != nil {
		t.Fatal(err)
	}
	if !b.IsBusy() {
		t.Fatal("not busy while the exchange is held")
	}
	if err := b.StartTransfer(tx, rx, 2); err != core.ErrChannelBusy {
		t.Errorf("second start: %v", err)
	}
	close(c.release)
	waitIdle(t, b)
	if diff := cmp.Diff(tx, rx); diff != "" {
		t.Errorf("rx (-want +got):\n%s", diff)
	}
}

func TestWord16Swap(t *testing.T) {
	c := &fakeConn{}
	b, _, _ := newBus(t, c)
	if err := b.Configure(core.BusConfig{ClockHz: 1000000, WordSize: core.Word16}); err != nil {
		t.Fatal(err)
	}
	tx := []byte{1, 2, 3, 4}
	rx := make([]byte, 4)
	if err := b.StartTransfer(tx, rx, 4); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, b)
	if diff := cmp.Diff([]byte{2, 1, 4, 3}, c.last()); diff != "" {
		t.Errorf("wire (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(tx, rx); diff != "" {
		t.Errorf("rx (-want +got):\n%s", diff)
	}
}

func TestExchangeError(t *testing.T) {
	boom := errors.New("ioctl")
	b, _, _ := newBus(t, &fakeConn{err: boom})
	if err := b.StartTransfer(make([]byte, 1), make([]byte, 1), 1); err != nil {
		t.Fatal(err)
	}
	b.Abort()
	if b.IsBusy() {
		t.Error("busy after Abort")
	}
	if b.Err() != boom || b.Errors() != 1 {
		t.Errorf("err=%v count=%d", b.Err(), b.Errors())
	}
}

func TestNotConfigured(t *testing.T) {
	b := New(func() (spi.PortCloser, error) { return nil, errors.New("no port") }, logr.Discard())
	if err := b.Configure(core.BusConfig{ClockHz: 1}); err == nil {
		t.Error("configure succeeded without a port")
	}
	err := b.StartTransfer(make([]byte, 1), make([]byte, 1), 1)
	if !errors.Is(err, core.ErrNotSupported) {
		t.Errorf("err = %v", err)
	}
}

func TestEngineOverSpidev(t *testing.T) {
	c := &fakeConn{}
	b, _, _ := newBus(t, c)
	eng, err := core.NewEngine(b, core.EngineConfig{
		Name:       "rf",
		Bus:        core.BusConfig{ClockHz: 1000000},
		MaxPayload: 32,
		Budget:     core.PollBudget{Deadline: time.Second},
	})
	if err != nil {
		t.Fatal(err)
	}
	buf := []byte{0x11, 0x22}
	_, err = eng.Do(core.Request{
		Layout:   core.CommandWord{Max: 32, LastRegister: 0x3FFE},
		Header:   core.Header{Address: 0x0005, Direction: core.Write, Length: 2},
		Data:     buf,
		Blocking: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{0x80, 0x05, 0x11, 0x22}, c.last()); diff != "" {
		t.Errorf("frame (-want +got):\n%s", diff)
	}
}

func TestEngineFaultsOnExchangeError(t *testing.T) {
	b, _, _ := newBus(t, &fakeConn{err: syscall.EIO})
	eng, err := core.NewEngine(b, core.EngineConfig{
		Name:       "rf",
		Bus:        core.BusConfig{ClockHz: 1000000},
		MaxPayload: 32,
		Budget:     core.PollBudget{Deadline: 100 * time.Millisecond},
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = eng.Do(core.Request{
		Layout:   core.CommandWord{Max: 32, LastRegister: 0x3FFE},
		Header:   core.Header{Address: 0x0005, Direction: core.Read, Length: 2},
		Data:     make([]byte, 2),
		Blocking: true,
	})
	if !errors.Is(err, syscall.EIO) || !errors.Is(err, core.ErrTransfer) {
		t.Fatalf("Do err = %v", err)
	}
	if eng.State() != core.StateFaulted {
		t.Errorf("state %v", eng.State())
	}
	if eng.Stats().Failures != 1 {
		t.Errorf("stats %+v", eng.Stats())
	}
}

func TestEngineDefaultBudgetWaitsForGoroutine(t *testing.T) {
	c := &fakeConn{release: make(chan struct{})}
	b, _, _ := newBus(t, c)
	eng, err := core.NewEngine(b, core.EngineConfig{
		Name:       "rf",
		Bus:        core.BusConfig{ClockHz: 1000000},
		MaxPayload: 32,
		Budget:     core.DefaultBudget(),
	})
	if err != nil {
		t.Fatal(err)
	}
	timer := time.AfterFunc(20*time.Millisecond, func() { close(c.release) })
	defer timer.Stop()

	buf := []byte{0x11}
	_, err = eng.Do(core.Request{
		Layout:   core.CommandWord{Max: 32, LastRegister: 0x3FFE},
		Header:   core.Header{Address: 0x0005, Direction: core.Write, Length: 1},
		Data:     buf,
		Blocking: true,
	})
	if err != nil {
		t.Fatalf("slow exchange: %v", err)
	}
	if eng.State() != core.StateIdle {
		t.Errorf("state %v", eng.State())
	}
}

func TestGPIODriver(t *testing.T) {
	pins := map[core.GPIOPin]*gpiotest.Pin{
		5: {N: "GPIO5", Num: 5},
		6: {N: "GPIO6", Num: 6, L: gpio.High},
	}
	g := NewGPIO(func(p core.GPIOPin) gpio.PinIO {
		if pin, ok := pins[p]; ok {
			return pin
		}
		return nil
	})

	if err := g.ConfigureOutput(5); err != nil {
		t.Fatal(err)
	}
	if err := g.SetPin(5, true); err != nil {
		t.Fatal(err)
	}
	if pins[5].Read() != gpio.High {
		t.Error("pin 5 not driven high")
	}
	if err := g.ConfigureInputPullUp(6); err != nil {
		t.Fatal(err)
	}
	if v, err := g.GetPin(6); err != nil || !v {
		t.Errorf("pulled-up input = %v, %v", v, err)
	}
	if err := g.SetPin(9, true); !errors.Is(err, core.ErrNotSupported) {
		t.Errorf("missing pin: %v", err)
	}
}

func TestIRQWatcherFiresGate(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO25", Num: 25, EdgesChan: make(chan gpio.Level, 1)}
	gate := core.NewGate(nil)
	fired := make(chan struct{}, 4)
	gate.SetHandler(func() { fired <- struct{}{} })

	w, err := WatchIRQ(pin, gate, logr.Discard())
	if err != nil {
		t.Fatal(err)
	}
	pin.EdgesChan <- gpio.Low
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("edge not delivered")
	}

	gate.Disable()
	pin.EdgesChan <- gpio.Low
	deadline := time.Now().Add(time.Second)
	for w.Edges() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("second edge not seen")
		}
		time.Sleep(time.Millisecond)
	}
	if !gate.Pending() {
		t.Error("edge not latched while disabled")
	}
	gate.Enable()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("latched edge not delivered")
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

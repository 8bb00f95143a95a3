package core

import "github.com/go-logr/logr"

// EngineState is the transaction state of one channel.
type EngineState uint8

const (
	StateIdle EngineState = iota
	StateArming
	StateInFlight
	StateDraining
	StateFaulted
)

func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArming:
		return "arming"
	case StateInFlight:
		return "in-flight"
	case StateDraining:
		return "draining"
	case StateFaulted:
		return "faulted"
	}
	return "unknown"
}

// DefaultMaxPayload is used when EngineConfig.MaxPayload is zero.
const DefaultMaxPayload = 512

// defaultHeaderCapacity fits every layout in this package.
const defaultHeaderCapacity = 6

// EngineConfig describes one Channel Handle.
type EngineConfig struct {
	Name           string
	Bus            BusConfig
	MaxPayload     int
	HeaderCapacity int
	Budget         PollBudget

	// Gate is the peer notification gate held during every transaction.
	// A gate without a line is created when nil.
	Gate *Gate

	// Cache is set on platforms whose DMA bypasses the data cache.
	Cache CacheMaintainer

	// SharedBus arms transfers inside the global critical section, for
	// buses shared with another engine.
	SharedBus bool

	Logger logr.Logger
	Trace  *Trace
}

// Request is one transaction.
type Request struct {
	Layout Layout
	Header Header

	// Data is the write payload, or the read destination. Non-blocking
	// reads may leave it nil and collect the payload with Complete.
	Data []byte

	Blocking bool

	// Done is called when a non-blocking transaction drains, fails or is
	// aborted by Reset.
	Done func(Result, error)
}

// Result of a drained transaction.
type Result struct {
	Status Status
	Length int
}

// Stats are running counters for one engine.
type Stats struct {
	Transactions uint32
	Busy         uint32
	Rejected     uint32
	Timeouts     uint32
	Failures     uint32
}

type inflight struct {
	req    Request
	n      int
	header int
}

// Engine runs at most one SPI transaction at a time on one Backend.
type Engine struct {
	cfg     EngineConfig
	backend Backend
	gate    *Gate
	log     logr.Logger
	trace   *Trace

	tx []byte
	rx []byte

	state EngineState
	bus   BusConfig
	cur   inflight
	guard *Guard
	meter meter

	pendingRead   bool
	pendingHeader int
	pendingLen    int
	pendingStatus Status

	stats Stats
}

// NewEngine allocates the channel buffers and configures the bus.
func NewEngine(backend Backend, cfg EngineConfig) (*Engine, error) {
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	if cfg.HeaderCapacity <= 0 {
		cfg.HeaderCapacity = defaultHeaderCapacity
	}
	if cfg.Bus.WordSize == 0 {
		cfg.Bus.WordSize = Word8
	}
	cfg.Budget = cfg.Budget.normalize()
	if s, ok := backend.(Scheduled); ok {
		cfg.Budget = cfg.Budget.scheduled(s.MinDeadline())
	}
	if cfg.Gate == nil {
		cfg.Gate = NewGate(nil)
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}

	size := cfg.HeaderCapacity + cfg.MaxPayload + 1
	e := &Engine{
		cfg:     cfg,
		backend: backend,
		gate:    cfg.Gate,
		log:     cfg.Logger.WithValues("channel", cfg.Name),
		trace:   cfg.Trace,
		tx:      make([]byte, size),
		rx:      make([]byte, size),
		bus:     cfg.Bus,
	}
	if err := backend.Configure(e.bus); err != nil {
		return nil, err
	}
	return e, nil
}

// Name returns the channel name.
func (e *Engine) Name() string { return e.cfg.Name }

// MaxPayload returns the largest payload accepted by Do.
func (e *Engine) MaxPayload() int { return e.cfg.MaxPayload }

// Gate returns the channel's notification gate.
func (e *Engine) Gate() *Gate { return e.gate }

// Trace returns the channel's SPI log, which may be nil.
func (e *Engine) Trace() *Trace { return e.trace }

// Bus returns the bus configuration currently applied.
func (e *Engine) Bus() BusConfig {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	return e.bus
}

// State returns the transaction state.
func (e *Engine) State() EngineState {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	return e.state
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	return e.stats
}

func (e *Engine) setState(s EngineState) {
	state := disableInterrupts()
	e.state = s
	restoreInterrupts(state)
}

// Do runs one transaction. Blocking requests return after the payload has
// been copied back. Non-blocking requests return once the transfer is
// armed; Pump or Complete finish them.
func (e *Engine) Do(req Request) (Result, error) {
	if err := e.validate(req); err != nil {
		e.count(func(s *Stats) { s.Rejected++ })
		return Result{}, err
	}

	// A non-blocking transfer whose hardware is done does not hold the
	// channel.
	e.tryDrain()

	guard := e.gate.Hold()
	var n int
	var err error
	claimed := false
	state := disableInterrupts()
	if err = e.claimLocked(); err == nil {
		claimed = true
		if e.cfg.SharedBus {
			n, err = e.arm(req)
		}
	}
	restoreInterrupts(state)
	if claimed && !e.cfg.SharedBus {
		n, err = e.arm(req)
	}
	if err != nil {
		if claimed {
			e.setState(StateIdle)
		} else if err == ErrChannelBusy {
			e.count(func(s *Stats) { s.Busy++ })
		}
		guard.Release()
		e.log.V(1).Info("transaction refused", "error", err.Error())
		return Result{}, err
	}

	e.cur = inflight{req: req, n: n, header: req.Layout.HeaderSize()}
	e.guard = guard
	e.meter = newMeter(e.cfg.Budget)
	e.setState(StateInFlight)
	e.trace.Record(EvtFrame, e.cfg.Name, e.tx[:n], nil, nil)
	e.log.V(1).Info("transfer armed", "layout", req.Layout.Name(),
		"address", req.Header.Address, "direction", req.Header.Direction.String(),
		"length", req.Header.Length, "blocking", req.Blocking)

	if !req.Blocking {
		return Result{}, nil
	}
	for e.backend.IsBusy() {
		if !e.meter.step() {
			e.setState(StateDraining)
			return Result{}, e.fault()
		}
	}
	e.setState(StateDraining)
	return e.drain()
}

func (e *Engine) validate(req Request) error {
	if req.Layout == nil {
		return ErrNotSupported
	}
	h := req.Header
	if h.Length < 0 {
		return ErrZeroLength
	}
	if h.Length > e.cfg.MaxPayload || framedLength(req.Layout, h.Length) > len(e.tx) {
		return ErrPayloadTooLarge
	}
	if req.Layout.HeaderSize() > e.cfg.HeaderCapacity {
		return ErrPayloadTooLarge
	}
	switch {
	case h.Direction == Write && len(req.Data) < h.Length:
		return ErrPayloadTooLarge
	case h.Direction == Read && req.Data != nil && len(req.Data) < h.Length:
		return ErrPayloadTooLarge
	}
	return nil
}

// claimLocked moves Idle to Arming. Must be called inside the critical
// section.
func (e *Engine) claimLocked() error {
	switch e.state {
	case StateIdle:
		if e.backend.IsBusy() {
			return ErrChannelBusy
		}
		e.state = StateArming
		e.pendingRead = false
		return nil
	case StateFaulted:
		return ErrFaulted
	}
	return ErrChannelBusy
}

// arm encodes the frame and hands it to the backend. Runs in Arming.
func (e *Engine) arm(req Request) (int, error) {
	if ws := req.Layout.WordSize(); ws != e.bus.WordSize {
		cfg := e.bus
		cfg.WordSize = ws
		if err := e.backend.Configure(cfg); err != nil {
			return 0, err
		}
		e.bus = cfg
	}
	n, err := req.Layout.Encode(e.tx, req.Header, req.Data)
	if err != nil {
		return 0, err
	}
	if e.cfg.Cache != nil {
		e.cfg.Cache.CleanTx(e.tx[:n])
	}
	if err := e.backend.StartTransfer(e.tx, e.rx, n); err != nil {
		return 0, err
	}
	return n, nil
}

// drain finishes the current transaction. The caller has moved the
// state to Draining.
func (e *Engine) drain() (Result, error) {
	if r, ok := e.backend.(ErrorReporter); ok {
		if err := r.Err(); err != nil {
			return Result{}, e.fail(&TransferError{Channel: e.cfg.Name, Err: err})
		}
	}
	cur := e.cur
	if e.cfg.Cache != nil {
		e.cfg.Cache.InvalidateRx(e.rx[:cur.n])
	}
	h := cur.req.Header
	res := Result{
		Status: cur.req.Layout.Status(e.rx[:cur.n]),
		Length: h.Length,
	}
	var rx []byte
	if h.Direction == Read {
		rx = e.rx[cur.header : cur.header+h.Length]
		if cur.req.Data != nil {
			copy(cur.req.Data, rx)
		}
		if !cur.req.Blocking {
			e.pendingRead = true
			e.pendingHeader = cur.header
			e.pendingLen = h.Length
			e.pendingStatus = res.Status
		}
	}
	e.trace.Record(EvtDrained, e.cfg.Name, nil, rx, nil)

	guard := e.guard
	e.guard = nil
	state := disableInterrupts()
	e.stats.Transactions++
	e.state = StateIdle
	restoreInterrupts(state)

	// Idle before the gate reopens: a latched notification may start the
	// next transaction from its handler.
	guard.Release()
	if cur.req.Done != nil {
		cur.req.Done(res, nil)
	}
	return res, nil
}

// fault ends the current transaction on budget exhaustion.
func (e *Engine) fault() error {
	return e.fail(ErrTimeout)
}

// fail abandons the current transaction with cause and leaves the channel
// Faulted.
func (e *Engine) fail(cause error) error {
	e.backend.Abort()
	cur := e.cur
	guard := e.guard
	e.guard = nil
	timeout := cause == ErrTimeout

	state := disableInterrupts()
	if timeout {
		e.stats.Timeouts++
	} else {
		e.stats.Failures++
	}
	e.pendingRead = false
	e.state = StateFaulted
	restoreInterrupts(state)

	guard.Release()
	kv := []interface{}{"address", cur.req.Header.Address, "length", cur.req.Header.Length}
	if timeout {
		e.trace.Record(EvtTimeout, e.cfg.Name, nil, nil, cause)
		e.log.Error(cause, "transfer abandoned", append(kv, "spins", e.meter.spins)...)
	} else {
		e.trace.Record(EvtFailed, e.cfg.Name, nil, nil, cause)
		e.log.Error(cause, "transfer failed", kv...)
	}
	if cur.req.Done != nil {
		cur.req.Done(Result{}, cause)
	}
	return cause
}

// tryDrain finishes a non-blocking transfer whose hardware is done,
// without consuming budget.
func (e *Engine) tryDrain() {
	claimed := false
	state := disableInterrupts()
	if e.state == StateInFlight && !e.cur.req.Blocking && !e.backend.IsBusy() {
		e.state = StateDraining
		claimed = true
	}
	restoreInterrupts(state)
	if claimed {
		// a failure reaches Done and leaves the channel Faulted
		_, _ = e.drain()
	}
}

// Pump advances a non-blocking transaction. Each call consumes one poll
// of the budget; it returns ErrTimeout when the budget runs out.
func (e *Engine) Pump() error {
	var claimed, expired bool
	state := disableInterrupts()
	if e.state == StateInFlight && !e.cur.req.Blocking {
		if !e.backend.IsBusy() {
			claimed = true
		} else if !e.meter.step() {
			expired = true
		}
		if claimed || expired {
			e.state = StateDraining
		}
	}
	restoreInterrupts(state)

	switch {
	case claimed:
		_, err := e.drain()
		return err
	case expired:
		return e.fault()
	}
	return nil
}

// Complete waits for the last non-blocking read and copies its payload
// into dst. The payload stays available until the next transaction.
func (e *Engine) Complete(dst []byte) (Result, error) {
	if len(dst) > e.cfg.MaxPayload {
		return Result{}, ErrPayloadTooLarge
	}
	for {
		state := disableInterrupts()
		s, blocking := e.state, e.cur.req.Blocking
		restoreInterrupts(state)
		if s == StateFaulted {
			return Result{}, ErrFaulted
		}
		if s != StateInFlight {
			break
		}
		if blocking {
			return Result{}, ErrChannelBusy
		}
		if err := e.Pump(); err != nil {
			return Result{}, err
		}
	}

	state := disableInterrupts()
	ok, hdr, n, st := e.pendingRead, e.pendingHeader, e.pendingLen, e.pendingStatus
	restoreInterrupts(state)
	if !ok {
		return Result{}, ErrNoPendingRead
	}
	if len(dst) > n {
		return Result{}, ErrPayloadTooLarge
	}
	copy(dst, e.rx[hdr:hdr+len(dst)])
	return Result{Status: st, Length: len(dst)}, nil
}

// WaitIdle finishes any non-blocking transfer and waits, within the
// budget, for the backend to go idle.
func (e *Engine) WaitIdle() error {
	for e.State() == StateInFlight {
		if err := e.Pump(); err != nil {
			return err
		}
		state := disableInterrupts()
		blocking := e.state == StateInFlight && e.cur.req.Blocking
		restoreInterrupts(state)
		if blocking {
			return ErrChannelBusy
		}
	}
	m := newMeter(e.cfg.Budget)
	for e.backend.IsBusy() {
		if !m.step() {
			return ErrTimeout
		}
	}
	return nil
}

// SetSpeed waits for the bus to go idle and reprograms its clock.
func (e *Engine) SetSpeed(hz uint32) error {
	cfg := e.Bus()
	cfg.ClockHz = hz
	cfg.Div = 0
	return e.SetBus(cfg)
}

// SetBus waits for the bus to go idle and applies cfg. A zero word size
// or peripheral clock keeps the current one.
func (e *Engine) SetBus(cfg BusConfig) error {
	if err := e.WaitIdle(); err != nil {
		return err
	}
	state := disableInterrupts()
	err := e.claimLocked()
	restoreInterrupts(state)
	if err != nil {
		return err
	}
	defer e.setState(StateIdle)

	if cfg.WordSize == 0 {
		cfg.WordSize = e.bus.WordSize
	}
	if cfg.PeripheralHz == 0 {
		cfg.PeripheralHz = e.bus.PeripheralHz
	}
	if err := e.backend.Configure(cfg); err != nil {
		return err
	}
	e.bus = cfg
	e.log.V(1).Info("bus reconfigured", "hz", cfg.ClockHz, "mode", cfg.Mode(), "divider", cfg.Divider())
	return nil
}

// Reset aborts whatever is on the bus, reprograms it and returns the
// channel to Idle. It is the only way out of Faulted. A non-blocking
// transaction still in flight gets ErrAborted through its Done.
func (e *Engine) Reset() error {
	e.backend.Abort()
	guard := e.guard
	e.guard = nil
	guard.Release()

	var orphan func(Result, error)
	state := disableInterrupts()
	if e.state == StateInFlight && !e.cur.req.Blocking {
		orphan = e.cur.req.Done
	}
	e.cur = inflight{}
	restoreInterrupts(state)

	err := e.backend.Configure(e.bus)
	state = disableInterrupts()
	e.pendingRead = false
	if err != nil {
		e.state = StateFaulted
	} else {
		e.state = StateIdle
	}
	restoreInterrupts(state)

	if orphan != nil {
		e.trace.Record(EvtFailed, e.cfg.Name, nil, nil, ErrAborted)
		orphan(Result{}, ErrAborted)
	}
	if err != nil {
		return err
	}
	e.log.Info("channel reset")
	return nil
}

func (e *Engine) count(fn func(*Stats)) {
	state := disableInterrupts()
	fn(&e.stats)
	restoreInterrupts(state)
}

// PumpTimer returns a scheduler timer that pumps this engine every period.
func (e *Engine) PumpTimer(period uint32) *Timer {
	return &Timer{
		Handler: func(t *Timer) uint8 {
			_ = e.Pump()
			t.WakeTime += period
			return SF_RESCHEDULE
		},
	}
}

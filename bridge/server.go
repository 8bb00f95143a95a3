package bridge

import (
	"errors"
	"sync/atomic"

	"github.com/go-logr/logr"

	"modemlink/core"
	"modemlink/protocol"
	"modemlink/tinycompress"
)

// Sender is the output side of the firmware link. protocol.Transport
// implements it.
type Sender interface {
	SendCommand(cmdID uint16, args func(output protocol.OutputBuffer))
	Flush()
}

// maxIRQChannels bounds the oids whose interrupts are forwarded.
const maxIRQChannels = 32

type slot struct {
	oid    uint8
	eng    *core.Engine
	word   core.WordSize
	staged []byte
	irq    atomic.Bool
}

// Server executes bridge commands against local channels. Transfers are
// staged with spi_load, clocked out by spi_start as one raw frame and
// returned with spi_result.
type Server struct {
	reg   *Registry
	gpio  core.GPIODriver
	log   logr.Logger
	out   Sender
	slots map[uint8]*slot
	dict  []byte
	zdict []byte // identify payload

	pending atomic.Uint32 // oids with an undelivered interrupt
}

// NewServer binds every channel open in channels. Each channel's gate
// handler is replaced by the interrupt forwarder. gpio may be nil.
func NewServer(channels *core.Channels, gpio core.GPIODriver, log logr.Logger) *Server {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	s := &Server{
		reg:   NewRegistry(),
		gpio:  gpio,
		log:   log.WithName("bridge"),
		slots: make(map[uint8]*slot),
	}
	order := []string{"channels", "chunk"}
	config := map[string]string{"chunk": core.Itoa(ChunkSize)}
	list := ""
	for _, oid := range channels.Indexes() {
		eng, err := channels.Get(oid)
		if err != nil {
			continue
		}
		sl := &slot{oid: oid, eng: eng, word: eng.Bus().WordSize, staged: make([]byte, eng.MaxPayload())}
		s.slots[oid] = sl
		if oid < maxIRQChannels {
			bit := uint32(1) << oid
			eng.Gate().SetHandler(func() { s.raise(bit) })
		}
		if list != "" {
			list += ","
		}
		list += core.Itoa(int(oid))
		key := "max_payload_" + core.Itoa(int(oid))
		config[key] = core.Itoa(eng.MaxPayload())
		order = append(order, key)
	}
	config["channels"] = list
	s.register()
	s.dict = s.reg.Dictionary(config, order)
	s.zdict = tinycompress.Append(nil, s.dict)
	return s
}

func (s *Server) register() {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(s.reg.Register(CmdIdentify, "identify", "offset=%u count=%c", s.identify))
	must(s.reg.Register(CmdSPIConfig, "spi_config", "oid=%c clock=%u mode=%c word=%c cs=%c", s.spiConfig))
	must(s.reg.Register(CmdSPILoad, "spi_load", "oid=%c offset=%u data=%*s", s.spiLoad))
	must(s.reg.Register(CmdSPIStart, "spi_start", "oid=%c length=%u", s.spiStart))
	must(s.reg.Register(CmdSPIAbort, "spi_abort", "oid=%c", s.spiAbort))
	must(s.reg.Register(CmdIRQEnable, "irq_enable", "oid=%c enable=%c", s.irqEnable))
	must(s.reg.Register(CmdPinSet, "pin_set", "pin=%u value=%c", s.pinSet))
	must(s.reg.Register(CmdPinGet, "pin_get", "pin=%u", s.pinGet))
	must(s.reg.Register(CmdPinConfig, "pin_config", "pin=%u mode=%c", s.pinConfig))
	must(s.reg.Response(MsgIdentify, "identify_response", "offset=%u data=%.*s"))
	must(s.reg.Response(MsgSPIStatus, "spi_status", "oid=%c state=%c"))
	must(s.reg.Response(MsgSPIResult, "spi_result", "oid=%c offset=%u last=%c data=%*s"))
	must(s.reg.Response(MsgIRQEvent, "irq_event", "oid=%c"))
	must(s.reg.Response(MsgPinState, "pin_state", "pin=%u value=%c"))
	must(s.reg.Response(MsgError, "bridge_error", "oid=%c code=%c"))
}

// Attach sets the link responses go out on.
func (s *Server) Attach(out Sender) { s.out = out }

// Handle is the protocol.CommandHandler for the firmware transport.
func (s *Server) Handle(cmdID uint16, data *[]byte) error {
	return s.reg.Dispatch(cmdID, data)
}

// Registry returns the command table.
func (s *Server) Registry() *Registry { return s.reg }

// Dictionary returns the dictionary JSON.
func (s *Server) Dictionary() []byte { return s.dict }

// IdentifyData returns the zlib stream identify serves in chunks.
func (s *Server) IdentifyData() []byte { return s.zdict }

func (s *Server) raise(bit uint32) {
	for {
		old := s.pending.Load()
		if s.pending.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

// Process sends irq_event for every forwarded interrupt raised since the
// last call. Run it from the main loop, never from interrupt context.
func (s *Server) Process() {
	bits := s.pending.Swap(0)
	if bits == 0 || s.out == nil {
		return
	}
	for oid := uint8(0); oid < maxIRQChannels; oid++ {
		if bits&(1<<oid) == 0 {
			continue
		}
		sl, ok := s.slots[oid]
		if !ok || !sl.irq.Load() {
			continue
		}
		s.send(MsgIRQEvent, uint32(oid))
	}
	s.out.Flush()
}

func (s *Server) send(id uint16, args ...uint32) {
	if s.out == nil {
		return
	}
	s.out.SendCommand(id, func(o protocol.OutputBuffer) { protocol.EncodeArgs(o, args...) })
}

func (s *Server) fail(oid, code uint32) {
	s.log.V(1).Info("command refused", "oid", oid, "code", CodeText(code))
	s.send(MsgError, oid, code)
}

// lookup decodes the oid argument and finds its slot. A missing channel
// is reported to the host and returns nil with no error.
func (s *Server) lookup(data *[]byte) (*slot, error) {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return nil, err
	}
	sl, ok := s.slots[uint8(oid)]
	if !ok || oid > 0xFF {
		s.fail(oid, CodeInvalidChannel)
		return nil, nil
	}
	return sl, nil
}

func errorCode(err error) uint32 {
	switch {
	case errors.Is(err, core.ErrChannelBusy):
		return CodeBusy
	case errors.Is(err, core.ErrTimeout):
		return CodeTimeout
	case errors.Is(err, core.ErrFaulted):
		return CodeFaulted
	case errors.Is(err, core.ErrPayloadTooLarge), errors.Is(err, core.ErrZeroLength):
		return CodeTooLarge
	case errors.Is(err, core.ErrInvalidChannel):
		return CodeInvalidChannel
	}
	return CodeFailed
}

func (s *Server) identify(data *[]byte) error {
	var offset, count uint32
	if err := protocol.DecodeArgs(data, &offset, &count); err != nil {
		return err
	}
	if count > IdentifyChunk {
		count = IdentifyChunk
	}
	var chunk []byte
	if offset < uint32(len(s.zdict)) {
		end := offset + count
		if end > uint32(len(s.zdict)) {
			end = uint32(len(s.zdict))
		}
		chunk = s.zdict[offset:end]
	}
	if s.out != nil {
		s.out.SendCommand(MsgIdentify, func(o protocol.OutputBuffer) {
			protocol.EncodeVLQUint(o, offset)
			protocol.EncodeVLQBytes(o, chunk)
		})
	}
	return nil
}

func (s *Server) spiConfig(data *[]byte) error {
	sl, err := s.lookup(data)
	if err != nil {
		return err
	}
	var clock, mode, word, cs uint32
	if err := protocol.DecodeArgs(data, &clock, &mode, &word, &cs); err != nil {
		return err
	}
	if sl == nil {
		return nil
	}
	ws := core.WordSize(word)
	if ws != core.Word8 && ws != core.Word16 {
		s.fail(uint32(sl.oid), CodeFailed)
		return nil
	}
	cfg := core.BusConfig{
		ClockHz:    clock,
		Polarity:   uint8(mode>>1) & 1,
		Phase:      uint8(mode) & 1,
		WordSize:   ws,
		ChipSelect: uint8(cs),
	}
	if err := sl.eng.SetBus(cfg); err != nil {
		s.fail(uint32(sl.oid), errorCode(err))
		return nil
	}
	sl.word = ws
	s.send(MsgSPIStatus, uint32(sl.oid), uint32(sl.eng.State()))
	return nil
}

func (s *Server) spiLoad(data *[]byte) error {
	sl, err := s.lookup(data)
	if err != nil {
		return err
	}
	offset, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	chunk, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}
	if sl == nil {
		return nil
	}
	if uint64(offset)+uint64(len(chunk)) > uint64(len(sl.staged)) {
		s.fail(uint32(sl.oid), CodeTooLarge)
		return nil
	}
	copy(sl.staged[offset:], chunk)
	return nil
}

func (s *Server) spiStart(data *[]byte) error {
	sl, err := s.lookup(data)
	if err != nil {
		return err
	}
	length, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	if sl == nil {
		return nil
	}
	if length == 0 || length > uint32(len(sl.staged)) {
		s.fail(uint32(sl.oid), CodeTooLarge)
		return nil
	}
	buf := sl.staged[:length]
	_, err = sl.eng.Do(core.Request{
		Layout:   core.Raw{Max: len(sl.staged), Word: sl.word},
		Header:   core.Header{Direction: core.Read, Length: int(length)},
		Data:     buf,
		Blocking: true,
	})
	if err != nil {
		s.fail(uint32(sl.oid), errorCode(err))
		return nil
	}
	if s.out == nil {
		return nil
	}
	for off := 0; off < len(buf); off += ChunkSize {
		end := off + ChunkSize
		last := uint32(0)
		if end >= len(buf) {
			end, last = len(buf), 1
		}
		part := buf[off:end]
		s.out.SendCommand(MsgSPIResult, func(o protocol.OutputBuffer) {
			protocol.EncodeArgs(o, uint32(sl.oid), uint32(off), last)
			protocol.EncodeVLQBytes(o, part)
		})
		// results can exceed the output buffer; push each block out
		s.out.Flush()
	}
	return nil
}

func (s *Server) spiAbort(data *[]byte) error {
	sl, err := s.lookup(data)
	if err != nil || sl == nil {
		return err
	}
	if err := sl.eng.Reset(); err != nil {
		s.fail(uint32(sl.oid), errorCode(err))
		return nil
	}
	s.send(MsgSPIStatus, uint32(sl.oid), uint32(sl.eng.State()))
	return nil
}

func (s *Server) irqEnable(data *[]byte) error {
	sl, err := s.lookup(data)
	if err != nil {
		return err
	}
	enable, err := protocol.DecodeVLQUint(data)
	if err != nil || sl == nil {
		return err
	}
	if sl.oid >= maxIRQChannels {
		s.fail(uint32(sl.oid), CodeInvalidChannel)
		return nil
	}
	sl.irq.Store(enable != 0)
	return nil
}

func (s *Server) pinConfig(data *[]byte) error {
	var pin, mode uint32
	if err := protocol.DecodeArgs(data, &pin, &mode); err != nil {
		return err
	}
	if s.gpio == nil {
		s.fail(pin, CodePin)
		return nil
	}
	var err error
	switch mode {
	case PinOutput:
		err = s.gpio.ConfigureOutput(core.GPIOPin(pin))
	case PinInputPullUp:
		err = s.gpio.ConfigureInputPullUp(core.GPIOPin(pin))
	default:
		err = core.ErrNotSupported
	}
	if err != nil {
		s.fail(pin, CodePin)
	}
	return nil
}

func (s *Server) pinSet(data *[]byte) error {
	var pin, value uint32
	if err := protocol.DecodeArgs(data, &pin, &value); err != nil {
		return err
	}
	if s.gpio == nil || s.gpio.SetPin(core.GPIOPin(pin), value != 0) != nil {
		s.fail(pin, CodePin)
	}
	return nil
}

func (s *Server) pinGet(data *[]byte) error {
	pin, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	if s.gpio == nil {
		s.fail(pin, CodePin)
		return nil
	}
	v, err := s.gpio.GetPin(core.GPIOPin(pin))
	if err != nil {
		s.fail(pin, CodePin)
		return nil
	}
	level := uint32(0)
	if v {
		level = 1
	}
	s.send(MsgPinState, pin, level)
	return nil
}

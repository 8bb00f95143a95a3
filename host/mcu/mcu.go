// Package mcu is the host end of a bridge session. An MCU talks to the
// bridge firmware over a serial link; each remote SPI channel appears as
// a Channel, which is a core.Backend, and the MCU itself is the
// core.GPIODriver for the firmware's pins.
package mcu

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"modemlink/bridge"
	"modemlink/core"
	"modemlink/host/serial"
	"modemlink/protocol"
)

// ReplyTimeout bounds waits for spi_status and pin_state.
const ReplyTimeout = time.Second

// ExchangeDeadline is the shortest wait an engine on a remote channel may
// use: a full-size frame crosses the serial link twice.
const ExchangeDeadline = 250 * time.Millisecond

// Dictionary is the identify payload.
type Dictionary struct {
	Version   string            `json:"version"`
	Config    map[string]string `json:"config"`
	Commands  map[string]int    `json:"commands"`
	Responses map[string]int    `json:"responses"`
}

// ID returns the id of a command or response by name.
func (d *Dictionary) ID(name string) (int, bool) {
	for _, set := range []map[string]int{d.Commands, d.Responses} {
		for sig, id := range set {
			if sig == name || strings.HasPrefix(sig, name+" ") {
				return id, true
			}
		}
	}
	return 0, false
}

// Channels returns the channel indexes the firmware announced.
func (d *Dictionary) Channels() []uint8 {
	var out []uint8
	for _, f := range strings.Split(d.Config["channels"], ",") {
		if n, err := strconv.ParseUint(f, 10, 8); err == nil {
			out = append(out, uint8(n))
		}
	}
	return out
}

// MaxPayload returns the firmware staging size for oid, or 0.
func (d *Dictionary) MaxPayload(oid uint8) int {
	n, _ := strconv.Atoi(d.Config["max_payload_"+strconv.Itoa(int(oid))])
	return n
}

type pinReply struct {
	value bool
	err   error
}

// MCU is one bridge session.
type MCU struct {
	transport *protocol.HostTransport
	log       logr.Logger

	mu       sync.Mutex
	dict     *Dictionary
	channels map[uint8]*Channel

	identify chan []byte
	pins     chan pinReply
	pinMu    sync.Mutex
}

// Connect opens the serial device and starts a session.
func Connect(cfg *serial.Config, log logr.Logger) (*MCU, error) {
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, err
	}
	return New(port, log), nil
}

// New starts a session on an open link.
func New(port io.ReadWriteCloser, log logr.Logger) *MCU {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	m := &MCU{
		log:      log.WithName("mcu"),
		channels: make(map[uint8]*Channel),
		identify: make(chan []byte, 1),
		pins:     make(chan pinReply, 1),
	}
	m.transport = protocol.NewHostTransport(port, log)
	m.transport.SetResponseHandler(m.handleResponse)
	return m
}

// Transport returns the link, for raw commands.
func (m *MCU) Transport() *protocol.HostTransport { return m.transport }

// Close stops every channel and closes the link.
func (m *MCU) Close() error {
	m.mu.Lock()
	for _, c := range m.channels {
		c.stop()
	}
	m.mu.Unlock()
	return m.transport.Close()
}

func (m *MCU) send(id uint16, args func(protocol.OutputBuffer)) error {
	return m.transport.SendCommand(id, args)
}

// Identify reads the firmware dictionary and checks the protocol version.
func (m *MCU) Identify() (*Dictionary, error) {
	var raw []byte
	for {
		offset := uint32(len(raw))
		err := m.send(bridge.CmdIdentify, func(o protocol.OutputBuffer) {
			protocol.EncodeArgs(o, offset, bridge.IdentifyChunk)
		})
		if err != nil {
			return nil, errors.Wrap(err, "identify")
		}
		var chunk []byte
		select {
		case chunk = <-m.identify:
		case <-time.After(ReplyTimeout):
			return nil, errors.Errorf("identify: no reply at offset %d", offset)
		}
		raw = append(raw, chunk...)
		if len(chunk) < bridge.IdentifyChunk {
			break
		}
	}
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "inflate dictionary")
	}
	text, err := io.ReadAll(zr)
	if err != nil {
		return nil, errors.Wrap(err, "inflate dictionary")
	}
	d := &Dictionary{}
	if err := json.Unmarshal(text, d); err != nil {
		return nil, errors.Wrap(err, "parse dictionary")
	}
	if d.Version != protocol.Version {
		return nil, errors.Errorf("firmware speaks %q, host %q", d.Version, protocol.Version)
	}
	if id, ok := d.ID("spi_start"); !ok || id != int(bridge.CmdSPIStart) {
		return nil, errors.New("firmware command ids do not match")
	}
	m.mu.Lock()
	m.dict = d
	m.mu.Unlock()
	m.log.Info("identified", "version", d.Version, "channels", d.Config["channels"])
	return d, nil
}

// Dictionary returns the dictionary read by Identify, or nil.
func (m *MCU) Dictionary() *Dictionary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dict
}

// Channel returns the backend for oid. Interrupts forwarded by the
// firmware fire gate; a nil gate leaves forwarding off.
func (m *MCU) Channel(oid uint8, gate *core.Gate) (*Channel, error) {
	m.mu.Lock()
	if c, ok := m.channels[oid]; ok {
		m.mu.Unlock()
		return c, nil
	}
	if m.dict != nil {
		found := false
		for _, i := range m.dict.Channels() {
			found = found || i == oid
		}
		if !found {
			m.mu.Unlock()
			return nil, errors.Wrapf(core.ErrInvalidChannel, "oid %d", oid)
		}
	}
	c := newChannel(m, oid, gate)
	m.channels[oid] = c
	m.mu.Unlock()

	if gate != nil {
		err := m.send(bridge.CmdIRQEnable, func(o protocol.OutputBuffer) {
			protocol.EncodeArgs(o, uint32(oid), 1)
		})
		if err != nil {
			return nil, errors.Wrapf(err, "enable interrupts on oid %d", oid)
		}
	}
	return c, nil
}

func (m *MCU) channel(oid uint32) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[uint8(oid)]
}

// handleResponse runs on the read goroutine. It decodes every argument
// of the message and never sends.
func (m *MCU) handleResponse(id uint16, data *[]byte) error {
	switch id {
	case bridge.MsgIdentify:
		var offset uint32
		if err := protocol.DecodeArgs(data, &offset); err != nil {
			return err
		}
		chunk, err := protocol.DecodeVLQBytes(data)
		if err != nil {
			return err
		}
		deliver(m.identify, append([]byte(nil), chunk...))
	case bridge.MsgSPIResult:
		var oid, offset, last uint32
		if err := protocol.DecodeArgs(data, &oid, &offset, &last); err != nil {
			return err
		}
		chunk, err := protocol.DecodeVLQBytes(data)
		if err != nil {
			return err
		}
		if c := m.channel(oid); c != nil {
			c.result(int(offset), last != 0, chunk)
		}
	case bridge.MsgSPIStatus:
		var oid, state uint32
		if err := protocol.DecodeArgs(data, &oid, &state); err != nil {
			return err
		}
		if c := m.channel(oid); c != nil {
			deliver(c.replies, error(nil))
		}
	case bridge.MsgIRQEvent:
		oid, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		if c := m.channel(oid); c != nil {
			c.notify()
		}
	case bridge.MsgPinState:
		var pin, value uint32
		if err := protocol.DecodeArgs(data, &pin, &value); err != nil {
			return err
		}
		deliver(m.pins, pinReply{value: value != 0})
	case bridge.MsgError:
		var oid, code uint32
		if err := protocol.DecodeArgs(data, &oid, &code); err != nil {
			return err
		}
		err := &RemoteError{OID: oid, Code: code}
		if code == bridge.CodePin {
			deliver(m.pins, pinReply{err: err})
			return nil
		}
		if c := m.channel(oid); c != nil {
			c.fail(err)
		} else {
			m.log.Error(err, "bridge error")
		}
	default:
		return errors.Errorf("unexpected message %d", id)
	}
	return nil
}

// deliver replaces any unread value in a one-slot channel.
func deliver[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func drain[T any](ch chan T) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// RemoteError is a bridge_error report.
type RemoteError struct {
	OID  uint32
	Code uint32
}

func (e *RemoteError) Error() string {
	return "bridge: oid " + strconv.Itoa(int(e.OID)) + ": " + bridge.CodeText(e.Code)
}

// Unwrap maps the code to the core sentinel.
func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case bridge.CodeInvalidChannel:
		return core.ErrInvalidChannel
	case bridge.CodeTooLarge:
		return core.ErrPayloadTooLarge
	case bridge.CodeBusy:
		return core.ErrChannelBusy
	case bridge.CodeTimeout:
		return core.ErrTimeout
	case bridge.CodeFaulted:
		return core.ErrFaulted
	case bridge.CodePin:
		return core.ErrNotSupported
	}
	return nil
}

// Package inspect decodes captured traffic: bridge message blocks off the
// serial link and modem frames off the SPI bus.
package inspect

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"modemlink/bridge"
	"modemlink/core"
	"modemlink/protocol"
)

// Arg is one decoded message argument. Data is set for byte fields.
type Arg struct {
	Name  string
	Value uint32
	Data  []byte
}

func (a Arg) String() string {
	if a.Data != nil {
		return a.Name + "=" + core.Hex(a.Data)
	}
	return fmt.Sprintf("%s=%d", a.Name, a.Value)
}

// Message is one command or response in a block.
type Message struct {
	ID   uint16
	Name string
	Args []Arg
}

func (m Message) String() string {
	parts := []string{m.Name}
	for _, a := range m.Args {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, " ")
}

// BlockInfo is a decoded message block.
type BlockInfo struct {
	Length   int
	Seq      uint8
	Messages []Message
}

// Ack reports whether the block carried no messages.
func (b BlockInfo) Ack() bool { return len(b.Messages) == 0 }

type format struct {
	name   string
	fields []string // a leading '*' marks a byte field
}

var formats = map[uint16]format{
	bridge.CmdIdentify:  {"identify", []string{"offset", "count"}},
	bridge.CmdSPIConfig: {"spi_config", []string{"oid", "clock", "mode", "word", "cs"}},
	bridge.CmdSPILoad:   {"spi_load", []string{"oid", "offset", "*data"}},
	bridge.CmdSPIStart:  {"spi_start", []string{"oid", "length"}},
	bridge.CmdSPIAbort:  {"spi_abort", []string{"oid"}},
	bridge.CmdIRQEnable: {"irq_enable", []string{"oid", "enable"}},
	bridge.CmdPinSet:    {"pin_set", []string{"pin", "value"}},
	bridge.CmdPinGet:    {"pin_get", []string{"pin"}},
	bridge.CmdPinConfig: {"pin_config", []string{"pin", "mode"}},
	bridge.MsgIdentify:  {"identify_response", []string{"offset", "*data"}},
	bridge.MsgSPIStatus: {"spi_status", []string{"oid", "state"}},
	bridge.MsgSPIResult: {"spi_result", []string{"oid", "offset", "last", "*data"}},
	bridge.MsgIRQEvent:  {"irq_event", []string{"oid"}},
	bridge.MsgPinState:  {"pin_state", []string{"pin", "value"}},
	bridge.MsgError:     {"bridge_error", []string{"oid", "code"}},
}

// Names lists the message names Block understands.
func Names() []string {
	out := make([]string, 0, len(formats))
	for _, f := range formats {
		out = append(out, f.name)
	}
	sort.Strings(out)
	return out
}

// Block decodes the first message block in raw.
func Block(raw []byte) (BlockInfo, error) {
	b, _, err := protocol.DecodeBlock(raw)
	if err != nil {
		return BlockInfo{}, err
	}
	info := BlockInfo{Length: len(b.Payload) + protocol.MessageLengthMin, Seq: b.Seq & protocol.MessageSeqMask}
	data := b.Payload
	for len(data) > 0 {
		id, err := protocol.DecodeVLQUint(&data)
		if err != nil {
			return info, errors.Wrap(err, "message id")
		}
		f, ok := formats[uint16(id)]
		if !ok {
			return info, errors.Errorf("unknown message id %d", id)
		}
		m := Message{ID: uint16(id), Name: f.name}
		for _, field := range f.fields {
			a := Arg{Name: strings.TrimPrefix(field, "*")}
			if field[0] == '*' {
				a.Data, err = protocol.DecodeVLQBytes(&data)
				if a.Data == nil {
					a.Data = []byte{}
				}
			} else {
				a.Value, err = protocol.DecodeVLQUint(&data)
			}
			if err != nil {
				return info, errors.Wrapf(err, "%s %s", f.name, a.Name)
			}
			m.Args = append(m.Args, a)
		}
		info.Messages = append(info.Messages, m)
	}
	return info, nil
}

// Layouts are the frame formats Frame accepts, by name.
var Layouts = map[string]core.Layout{
	"short-address": core.ShortAddress{Max: 0xFFFF},
	"command-word":  core.CommandWord{Max: 0xFFFF, LastRegister: 0x3FFF},
	"boot-command":  core.BootCommand{Max: 0xFFFF},
	"word-command":  core.WordCommand{Max: 0xFFFF},
}

// FrameInfo is a decoded modem frame.
type FrameInfo struct {
	Layout  string
	Header  core.Header
	Payload []byte

	// Status is decoded from rx, the bytes clocked in with the frame.
	Status core.Status
}

// Frame decodes tx, a frame as clocked out in logical byte order, with
// the named layout. rx may be nil.
func Frame(layout string, tx, rx []byte) (FrameInfo, error) {
	l, ok := Layouts[layout]
	if !ok {
		return FrameInfo{}, errors.Errorf("unknown layout %q", layout)
	}
	h, err := l.Decode(tx)
	if err != nil {
		return FrameInfo{}, errors.Wrapf(err, "%s frame", layout)
	}
	payload := tx[l.HeaderSize():]
	if h.Length < len(payload) {
		payload = payload[:h.Length]
	}
	return FrameInfo{Layout: l.Name(), Header: h, Payload: payload, Status: l.Status(rx)}, nil
}

func (f FrameInfo) String() string {
	s := fmt.Sprintf("%s %s addr=%#x len=%d", f.Layout, f.Header.Direction, f.Header.Address, f.Header.Length)
	if f.Header.Opcode != 0 || f.Header.Repeat != 0 {
		s += fmt.Sprintf(" op=%#x repeat=%d", f.Header.Opcode, f.Header.Repeat)
	}
	if len(f.Payload) > 0 {
		s += " data=" + core.Hex(f.Payload)
	}
	if f.Status.Mode != core.ModeUnknown {
		s += fmt.Sprintf(" mode=%s flags=%#x", f.Status.Mode, f.Status.Flags)
	}
	return s
}

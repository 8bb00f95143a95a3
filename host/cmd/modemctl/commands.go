package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"

	"modemlink/core"
	"modemlink/host/inspect"
)

type command struct {
	usage string
	args  int // minimum
	run   func(s *Session, out io.Writer, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"help":     {"help", 0, cmdHelp},
		"channels": {"channels", 0, cmdChannels},
		"identify": {"identify", 0, cmdIdentify},
		"read":     {"read <channel> <addr> <count>", 3, cmdRead},
		"write":    {"write <channel> <addr> <hex>...", 3, cmdWrite},
		"reset":    {"reset <channel>", 1, cmdReset},
		"speed":    {"speed <channel> <hz>", 2, cmdSpeed},
		"irq":      {"irq <channel> on|off", 2, cmdIRQ},
		"pin":      {"pin <n> [0|1|in]", 1, cmdPin},
		"trace":    {"trace [on|off|clear|dump]", 0, cmdTrace},
		"fire":     {"fire <channel>  (sim only)", 1, cmdFire},
		"decode":   {"decode block <hex> | decode <layout> <tx-hex> [rx-hex]", 2, cmdDecode},
	}
}

// Run executes one tokenized command line.
func (s *Session) Run(out io.Writer, args []string) error {
	cmd, ok := commands[args[0]]
	if !ok {
		return errors.Errorf("unknown command %q, try help", args[0])
	}
	if len(args)-1 < cmd.args {
		return errors.Errorf("usage: %s", cmd.usage)
	}
	return cmd.run(s, out, args[1:])
}

func parseUint(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, bits)
	return v, errors.Wrapf(err, "bad number %q", s)
}

func cmdHelp(s *Session, out io.Writer, _ []string) error {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(out, "  %s\n", commands[n].usage)
	}
	fmt.Fprintln(out, "  quit")
	return nil
}

func cmdChannels(s *Session, out io.Writer, _ []string) error {
	for _, name := range s.cfg.Names() {
		c := s.modems[name]
		eng := c.dev.Engine()
		st := eng.Stats()
		fmt.Fprintf(out, "%-8s %-6s oid=%d %-9s %d Hz  tx=%d busy=%d rejected=%d timeouts=%d irqs=%d\n",
			name, c.cfg.Chip, c.cfg.Index, eng.State(), eng.Bus().ClockHz,
			st.Transactions, st.Busy, st.Rejected, st.Timeouts, atomic.LoadUint32(&c.irqs))
	}
	return nil
}

func cmdIdentify(s *Session, out io.Writer, _ []string) error {
	if s.mcu == nil {
		return errors.Wrap(core.ErrNotSupported, "no bridge in this session")
	}
	d, err := s.mcu.Identify()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "version %s\n", d.Version)
	keys := make([]string, 0, len(d.Config))
	for k := range d.Config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "  %s = %s\n", k, d.Config[k])
	}
	fmt.Fprintf(out, "%d commands, %d responses\n", len(d.Commands), len(d.Responses))
	return nil
}

func cmdRead(s *Session, out io.Writer, args []string) error {
	c, err := s.channel(args[0])
	if err != nil {
		return err
	}
	addr, err := parseUint(args[1], 16)
	if err != nil {
		return err
	}
	n, err := parseUint(args[2], 16)
	if err != nil {
		return err
	}
	data, err := c.dev.Read(uint16(addr), int(n))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%04x: %s\n", addr, hex.EncodeToString(data))
	return nil
}

func cmdWrite(s *Session, out io.Writer, args []string) error {
	c, err := s.channel(args[0])
	if err != nil {
		return err
	}
	addr, err := parseUint(args[1], 16)
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(strings.Join(args[2:], ""))
	if err != nil {
		return errors.Wrap(err, "data")
	}
	return c.dev.Write(uint16(addr), data)
}

func cmdReset(s *Session, out io.Writer, args []string) error {
	c, err := s.channel(args[0])
	if err != nil {
		return err
	}
	if err := c.dev.Engine().Reset(); err != nil {
		return err
	}
	if err := c.dev.Reset(); err != nil && !errors.Is(err, core.ErrNotSupported) {
		return err
	}
	return nil
}

func cmdSpeed(s *Session, out io.Writer, args []string) error {
	c, err := s.channel(args[0])
	if err != nil {
		return err
	}
	hz, err := parseUint(args[1], 32)
	if err != nil {
		return err
	}
	return c.dev.Engine().SetSpeed(uint32(hz))
}

func cmdIRQ(s *Session, out io.Writer, args []string) error {
	c, err := s.channel(args[0])
	if err != nil {
		return err
	}
	switch args[1] {
	case "on":
		c.dev.SetHandler(func() {
			n := atomic.AddUint32(&c.irqs, 1)
			s.log.Info("modem interrupt", "channel", c.name, "count", n)
		})
		c.dev.EnableInterrupt(true)
	case "off":
		c.dev.EnableInterrupt(false)
		c.dev.SetHandler(nil)
	default:
		return errors.Errorf("irq: %q is not on or off", args[1])
	}
	return nil
}

func cmdPin(s *Session, out io.Writer, args []string) error {
	n, err := parseUint(args[0], 32)
	if err != nil {
		return err
	}
	pin := core.GPIOPin(n)
	if len(args) == 1 {
		v, err := s.gpio.GetPin(pin)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "pin %d = %t\n", pin, v)
		return nil
	}
	switch args[1] {
	case "in":
		return s.gpio.ConfigureInputPullUp(pin)
	case "0", "1":
		if err := s.gpio.ConfigureOutput(pin); err != nil {
			return err
		}
		return s.gpio.SetPin(pin, args[1] == "1")
	}
	return errors.Errorf("pin: %q is not 0, 1 or in", args[1])
}

func cmdTrace(s *Session, out io.Writer, args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "on":
			s.trace.SetEnabled(true)
		case "off":
			s.trace.SetEnabled(false)
		case "clear":
			s.trace.Clear()
		case "dump":
			s.trace.Dump(s.log)
		default:
			return errors.Errorf("trace: unknown option %q", args[0])
		}
		return nil
	}
	for _, ev := range s.trace.Events() {
		fmt.Fprintf(out, "%s\n", formatEvent(ev))
	}
	return nil
}

func cmdFire(s *Session, out io.Writer, args []string) error {
	if s.sim == nil {
		return errors.Wrap(core.ErrNotSupported, "fire needs a sim session")
	}
	c, err := s.channel(args[0])
	if err != nil {
		return err
	}
	return s.sim.Fire(c.cfg.Index)
}

func cmdDecode(s *Session, out io.Writer, args []string) error {
	if args[0] == "block" {
		raw, err := hex.DecodeString(strings.Join(args[1:], ""))
		if err != nil {
			return errors.Wrap(err, "block")
		}
		info, err := inspect.Block(raw)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "seq %d, %d bytes\n", info.Seq, info.Length)
		if info.Ack() {
			fmt.Fprintln(out, "  ack")
		}
		for _, m := range info.Messages {
			fmt.Fprintf(out, "  %s\n", m)
		}
		return nil
	}
	tx, err := hex.DecodeString(args[1])
	if err != nil {
		return errors.Wrap(err, "tx")
	}
	var rx []byte
	if len(args) > 2 {
		if rx, err = hex.DecodeString(args[2]); err != nil {
			return errors.Wrap(err, "rx")
		}
	}
	f, err := inspect.Frame(args[0], tx, rx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, f)
	return nil
}

var eventNames = map[uint8]string{
	core.EvtFrame:   "frame",
	core.EvtDrained: "drained",
	core.EvtIRQ:     "irq",
	core.EvtTimeout: "timeout",
}

func formatEvent(ev core.TraceEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%8d %-7s %s", ev.Clock, eventNames[ev.Kind], ev.Channel)
	if ev.Tx != nil {
		fmt.Fprintf(&b, " tx=%s", hex.EncodeToString(ev.Tx))
	}
	if ev.Rx != nil {
		fmt.Fprintf(&b, " rx=%s", hex.EncodeToString(ev.Rx))
	}
	if ev.Err != nil {
		fmt.Fprintf(&b, " err=%v", ev.Err)
	}
	return b.String()
}

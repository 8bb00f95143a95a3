package main

import (
	"bytes"
	"encoding/hex"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"modemlink/bridge"
	"modemlink/host/config"
	"modemlink/protocol"
)

func simSession(t *testing.T) *Session {
	t.Helper()
	cfg, err := config.Parse([]byte(`{
		"transport": {"kind": "sim"},
		"channels": {
			"plc": {"index": 0, "chip": "pplc"},
			"rf":  {"index": 1, "chip": "rf215"}
		}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	s, err := Open(cfg, logr.Discard())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestSimSession(t *testing.T) {
	s := simSession(t)
	script := strings.Join([]string{
		"write rf 0x0005 be ef",
		"read rf 0x0005 2",
		"write plc 0x0100 0102",
		"read plc 0x0100 2",
		"pin 7 1",
		"pin 7",
		"read nowhere 0 1",
		"bogus",
		"quit",
		"read rf 0 1",
	}, "\n")
	var out bytes.Buffer
	if err := repl(s, strings.NewReader(script), &out); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	for _, want := range []string{
		"0005: beef",
		"0100: 0102",
		"pin 7 = true",
		`error: channel "nowhere"`,
		`unknown command "bogus"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output lacks %q:\n%s", want, got)
		}
	}
	if strings.Count(got, "0005:") != 1 {
		t.Errorf("commands ran after quit:\n%s", got)
	}
	if !s.sim.gpio.Level(7) {
		t.Error("remote pin 7 low")
	}
}

func TestSimInterrupt(t *testing.T) {
	s := simSession(t)
	var out bytes.Buffer
	for _, line := range [][]string{{"irq", "rf", "on"}, {"fire", "rf"}} {
		if err := s.Run(&out, line); err != nil {
			t.Fatalf("%v: %v", line, err)
		}
	}
	c := s.modems["rf"]
	deadline := time.Now().Add(time.Second)
	for atomic.LoadUint32(&c.irqs) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("forwarded interrupt never reached the handler")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestUsage(t *testing.T) {
	s := simSession(t)
	var out bytes.Buffer
	if err := s.Run(&out, []string{"read", "rf"}); err == nil || !strings.Contains(err.Error(), "usage: read") {
		t.Errorf("err = %v", err)
	}
	if err := s.Run(&out, []string{"speed", "plc", "fast"}); err == nil {
		t.Error("bad number accepted")
	}
	if err := s.Run(&out, []string{"help"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "write <channel> <addr> <hex>...") {
		t.Errorf("help:\n%s", out.String())
	}
	if err := s.Run(&out, []string{"identify"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "version modemlink-bridge-1") {
		t.Errorf("identify:\n%s", out.String())
	}
}

func TestDecode(t *testing.T) {
	s := simSession(t)
	var out bytes.Buffer
	if err := s.Run(&out, []string{"decode", "command-word", "800511"}); err != nil {
		t.Fatal(err)
	}
	payload := []byte{byte(bridge.MsgIRQEvent), 1}
	raw, err := protocol.EncodeBlock(0x14, payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Run(&out, []string{"decode", "block", hex.EncodeToString(raw)}); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"command-word write addr=0x5 len=1 data=11",
		"seq 4, 7 bytes",
		"  irq_event oid=1",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output lacks %q:\n%s", want, out.String())
		}
	}
	if err := s.Run(&out, []string{"decode", "word-command", "zz"}); err == nil {
		t.Error("bad hex accepted")
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"modemlink/core"
	"modemlink/host/serial"
	"modemlink/pl360"
	"modemlink/rf215"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"channels": {
			"plc": {"index": 0, "chip": "pl360", "lines": {"reset": {"pin": 2, "active_low": true}}},
			"rf":  {"index": 1, "chip": "rf215", "budget_spins": 1000}
		}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	want := TransportConfig{Kind: KindBridge, Device: "/dev/ttyACM0", Baud: serial.DefaultBaud, ReadTimeoutMs: 100}
	if diff := cmp.Diff(want, cfg.Transport); diff != "" {
		t.Errorf("transport (-want +got):\n%s", diff)
	}
	plc := cfg.Channels["plc"]
	if plc.MaxPayload != pl360.MaxPayload || plc.ClockHz != 8000000 || plc.BudgetMs != 100 {
		t.Errorf("plc %+v", plc)
	}
	rf := cfg.Channels["rf"]
	if rf.BudgetMs != 0 || rf.MaxPayload != rf215.MaxMsgLen {
		t.Errorf("rf %+v", rf)
	}
	if diff := cmp.Diff([]string{"plc", "rf"}, cfg.Names()); diff != "" {
		t.Errorf("names (-want +got):\n%s", diff)
	}
	if got := cfg.Serial().ReadTimeout; got != 100*time.Millisecond {
		t.Errorf("read timeout %v", got)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name, json, want string
	}{
		{"transport", `{"transport": {"kind": "can"}}`, "unknown transport"},
		{"chip", `{"channels": {"a": {"chip": "wifi"}}}`, "unknown chip"},
		{"index", `{"channels": {"a": {"index": 2}, "b": {"index": 2}}}`, "share index 2"},
		{"mode", `{"channels": {"a": {"mode": 4}}}`, "spi mode 4"},
		{"spidev", `{"transport": {"kind": "spidev"}, "channels": {"a": {}}}`, "needs a port"},
		{"syntax", `{"channels": [`, "unexpected end"},
	}
	for _, tt := range tests {
		_, err := Parse([]byte(tt.json))
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: err = %v, want %q", tt.name, err, tt.want)
		}
	}
}

func TestChannelEngineConfig(t *testing.T) {
	ch := ChannelConfig{Index: 1, Chip: ChipPPLC, ClockHz: 24000000, Mode: 3, MaxPayload: 256, BudgetMs: 20}
	ec := ch.EngineConfig("plc")
	want := core.BusConfig{ClockHz: 24000000, Polarity: 1, Phase: 1, WordSize: core.Word8, ChipSelect: 1}
	if diff := cmp.Diff(want, ec.Bus); diff != "" {
		t.Errorf("bus (-want +got):\n%s", diff)
	}
	if ec.Name != "plc" || ec.MaxPayload != 256 || ec.Budget.Deadline != 20*time.Millisecond {
		t.Errorf("engine config %+v", ec)
	}

	rf := ChannelConfig{Chip: ChipRF215, ClockHz: 150000000}
	if got := rf.EngineConfig("rf").Bus.PeripheralHz; got != 150000000 {
		t.Errorf("rf peripheral clock %d", got)
	}
}

func TestLines(t *testing.T) {
	ch := ChannelConfig{Lines: map[string]LineConfig{
		"reset": {Pin: 4, Name: "GPIO4", ActiveLow: true},
		"ldo":   {Pin: 5},
	}}
	if got := ch.Line("reset"); got != (core.Line{Pin: 4, ActiveLow: true}) {
		t.Errorf("reset %+v", got)
	}
	if ch.Line("standby").Wired() {
		t.Error("missing line is wired")
	}
	if diff := cmp.Diff(map[core.GPIOPin]string{4: "GPIO4"}, ch.PinNames()); diff != "" {
		t.Errorf("pin names (-want +got):\n%s", diff)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modem.json")
	if err := os.WriteFile(path, []byte(`{"transport": {"kind": "sim"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transport.Kind != KindSim || cfg.Transport.Device != "" {
		t.Errorf("transport %+v", cfg.Transport)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("missing file loaded")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if !cfg.Channels["plc"].Line("reset").ActiveLow {
		t.Error("plc reset not active low")
	}
}

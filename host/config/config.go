// Package config loads the JSON description of a modemctl session.
package config

import (
	"encoding/json"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"

	"modemlink/core"
	"modemlink/host/serial"
	"modemlink/pl360"
	"modemlink/pplc"
	"modemlink/rf215"
)

// Load reads and parses a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg, err := Parse(data)
	return cfg, errors.Wrapf(err, "config %s", path)
}

// Parse decodes a JSON config and fills in defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	t := &cfg.Transport
	if t.Kind == "" {
		t.Kind = KindBridge
	}
	if t.Device == "" && t.Kind == KindBridge {
		t.Device = "/dev/ttyACM0"
	}
	if t.Baud == 0 {
		t.Baud = serial.DefaultBaud
	}
	if t.ReadTimeoutMs == 0 {
		t.ReadTimeoutMs = 100
	}

	for name, ch := range cfg.Channels {
		if ch.Chip == "" {
			ch.Chip = ChipPPLC
		}
		if ch.ClockHz == 0 {
			switch ch.Chip {
			case ChipRF215:
				ch.ClockHz = 150000000 // peripheral clock
			case ChipPL360:
				ch.ClockHz = pl360.DefaultClock
			default:
				ch.ClockHz = pplc.Clock15M
			}
		}
		if ch.MaxPayload == 0 {
			ch.MaxPayload = chipMaxPayload(ch.Chip)
		}
		// host polling is wall-clock bound
		if ch.BudgetMs == 0 && ch.BudgetSpin == 0 {
			ch.BudgetMs = 100
		}
		cfg.Channels[name] = ch
	}
}

func chipMaxPayload(chip string) int {
	switch chip {
	case ChipPL360:
		return pl360.MaxPayload
	case ChipRF215:
		return rf215.MaxMsgLen
	}
	return pplc.MaxPayload
}

// Validate checks transport kind, chip names and channel indexes.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case KindBridge, KindSpidev, KindSim:
	default:
		return errors.Errorf("unknown transport %q", c.Transport.Kind)
	}
	seen := make(map[uint8]string)
	for _, name := range c.Names() {
		ch := c.Channels[name]
		switch ch.Chip {
		case ChipPPLC, ChipPL360, ChipRF215:
		default:
			return errors.Errorf("channel %s: unknown chip %q", name, ch.Chip)
		}
		if other, ok := seen[ch.Index]; ok {
			return errors.Errorf("channels %s and %s share index %d", other, name, ch.Index)
		}
		seen[ch.Index] = name
		if ch.Mode > 3 {
			return errors.Errorf("channel %s: spi mode %d", name, ch.Mode)
		}
		if c.Transport.Kind == KindSpidev && ch.Port == "" {
			return errors.Errorf("channel %s: spidev needs a port", name)
		}
	}
	return nil
}

// Names returns the channel names in sorted order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Channels))
	for n := range c.Channels {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Serial returns the serial link settings.
func (c *Config) Serial() *serial.Config {
	return &serial.Config{
		Device:      c.Transport.Device,
		Baud:        c.Transport.Baud,
		ReadTimeout: time.Duration(c.Transport.ReadTimeoutMs) * time.Millisecond,
	}
}

// Line returns the named board line, or core.Unwired.
func (ch ChannelConfig) Line(name string) core.Line {
	l, ok := ch.Lines[name]
	if !ok {
		return core.Unwired
	}
	return core.Line{Pin: core.GPIOPin(l.Pin), ActiveLow: l.ActiveLow}
}

// PinNames maps wired lines to their periph names.
func (ch ChannelConfig) PinNames() map[core.GPIOPin]string {
	out := make(map[core.GPIOPin]string)
	for _, l := range ch.Lines {
		if l.Name != "" {
			out[core.GPIOPin(l.Pin)] = l.Name
		}
	}
	return out
}

// EngineConfig returns the chip's engine settings with the overrides of
// this channel applied.
func (ch ChannelConfig) EngineConfig(name string) core.EngineConfig {
	var ec core.EngineConfig
	switch ch.Chip {
	case ChipPL360:
		ec = pl360.EngineConfig(name, ch.ClockHz)
	case ChipRF215:
		ec = rf215.EngineConfig(name, ch.ClockHz)
	default:
		ec = pplc.EngineConfig(name, ch.ClockHz)
	}
	ec.Bus.Polarity = (ch.Mode >> 1) & 1
	ec.Bus.Phase = ch.Mode & 1
	ec.Bus.ChipSelect = ch.Index
	ec.MaxPayload = ch.MaxPayload
	ec.Budget = core.PollBudget{
		Spins:    ch.BudgetSpin,
		Deadline: time.Duration(ch.BudgetMs) * time.Millisecond,
	}
	return ec
}

// Default returns a session with a PLC modem on channel 0 and an RF
// transceiver on channel 1 behind the bridge firmware.
func Default() *Config {
	cfg := &Config{
		Channels: map[string]ChannelConfig{
			"plc": {
				Index: 0,
				Chip:  ChipPL360,
				Lines: map[string]LineConfig{
					"reset":   {Pin: 2, ActiveLow: true},
					"ldo":     {Pin: 3},
					"standby": {Pin: 6},
				},
			},
			"rf": {
				Index: 1,
				Chip:  ChipRF215,
				Lines: map[string]LineConfig{
					"reset": {Pin: 14, ActiveLow: true},
				},
			},
		},
	}
	applyDefaults(cfg)
	return cfg
}

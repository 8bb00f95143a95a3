package main

import (
	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio/gpioreg"

	"modemlink/backend/spidev"
	"modemlink/core"
	"modemlink/host/config"
	"modemlink/host/mcu"
	"modemlink/pl360"
	"modemlink/pplc"
	"modemlink/rf215"
)

// modem is the part of a chip façade the command loop needs.
type modem interface {
	Read(addr uint16, n int) ([]byte, error)
	Write(addr uint16, data []byte) error
	Reset() error
	Engine() *core.Engine
	SetHandler(fn func())
	EnableInterrupt(on bool)
}

type pplcModem struct{ *pplc.Device }

func (m pplcModem) Read(addr uint16, n int) ([]byte, error) {
	buf := make([]byte, n)
	return buf, m.ReadBuffer(addr, buf, true)
}

func (m pplcModem) Write(addr uint16, data []byte) error {
	return m.WriteBuffer(addr, data, true)
}

type rf215Modem struct{ *rf215.Device }

func (m rf215Modem) Read(addr uint16, n int) ([]byte, error) {
	buf := make([]byte, n)
	return buf, m.ReadBuffer(addr, buf, true)
}

func (m rf215Modem) Write(addr uint16, data []byte) error {
	return m.WriteBuffer(addr, data)
}

type pl360Modem struct {
	d   *pl360.Device
	log logr.Logger
}

func (m pl360Modem) Read(addr uint16, n int) ([]byte, error) {
	buf := make([]byte, n)
	st, err := m.d.Read(addr, buf)
	m.log.V(1).Info("status", "word", st)
	return buf, err
}

func (m pl360Modem) Write(addr uint16, data []byte) error {
	st, err := m.d.Write(addr, data)
	m.log.V(1).Info("status", "word", st)
	return err
}

func (m pl360Modem) Reset() error            { return m.d.Reset() }
func (m pl360Modem) Engine() *core.Engine    { return m.d.Engine() }
func (m pl360Modem) SetHandler(fn func())    { m.d.SetHandler(fn) }
func (m pl360Modem) EnableInterrupt(on bool) { m.d.EnableInterrupt(on) }

// channel is one configured modem.
type channel struct {
	name string
	cfg  config.ChannelConfig
	dev  modem
	irqs uint32
}

// Session holds the open transport and the modems on it.
type Session struct {
	cfg   *config.Config
	log   logr.Logger
	trace *core.Trace
	gpio  core.GPIODriver
	mcu   *mcu.MCU
	sim   *simFirmware

	modems  map[string]*channel
	closers []func() error
}

// Open connects the transport named by cfg and builds every channel.
func Open(cfg *config.Config, log logr.Logger) (*Session, error) {
	s := &Session{
		cfg:    cfg,
		log:    log,
		trace:  core.NewTrace(),
		modems: make(map[string]*channel),
	}
	var err error
	switch cfg.Transport.Kind {
	case config.KindBridge:
		var m *mcu.MCU
		if m, err = mcu.Connect(cfg.Serial(), log); err == nil {
			err = s.openBridge(m)
		}
	case config.KindSim:
		var fw *simFirmware
		if fw, err = startSim(cfg, log); err == nil {
			s.sim = fw
			s.closers = append(s.closers, fw.Close)
			err = s.openBridge(mcu.New(fw.Port(), log))
		}
	case config.KindSpidev:
		err = s.openSpidev()
	default:
		err = errors.Errorf("unknown transport %q", cfg.Transport.Kind)
	}
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) openBridge(m *mcu.MCU) error {
	s.mcu, s.gpio = m, m
	d, err := m.Identify()
	if err != nil {
		return err
	}
	for _, name := range s.cfg.Names() {
		ch := s.cfg.Channels[name]
		if remote := d.MaxPayload(ch.Index); remote > 0 && ch.MaxPayload > remote {
			s.log.Info("payload limited by the bridge", "channel", name, "max", remote)
		}
		gate := core.NewGate(nil)
		backend, err := m.Channel(ch.Index, gate)
		if err != nil {
			return err
		}
		if err := s.addChannel(name, ch, backend, gate); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) openSpidev() error {
	if err := spidev.Init(); err != nil {
		return err
	}
	names := make(map[core.GPIOPin]string)
	for _, ch := range s.cfg.Channels {
		for pin, name := range ch.PinNames() {
			names[pin] = name
		}
	}
	s.gpio = spidev.NewGPIO(spidev.ByName(names))

	for _, name := range s.cfg.Names() {
		ch := s.cfg.Channels[name]
		bus := spidev.New(spidev.PortByName(ch.Port), s.log)
		s.closers = append(s.closers, bus.Close)
		gate := core.NewGate(nil)
		if ch.IRQ != "" {
			pin := gpioreg.ByName(ch.IRQ)
			if pin == nil {
				return errors.Errorf("channel %s: no pin %q", name, ch.IRQ)
			}
			w, err := spidev.WatchIRQ(pin, gate, s.log)
			if err != nil {
				return err
			}
			s.closers = append(s.closers, w.Close)
		}
		if err := s.addChannel(name, ch, bus, gate); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) addChannel(name string, ch config.ChannelConfig, backend core.Backend, gate *core.Gate) error {
	ec := ch.EngineConfig(name)
	ec.Gate = gate
	ec.Logger = s.log
	ec.Trace = s.trace
	eng, err := core.NewEngine(backend, ec)
	if err != nil {
		return errors.Wrapf(err, "channel %s", name)
	}
	log := s.log.WithValues("channel", name)

	var dev modem
	switch ch.Chip {
	case config.ChipPL360:
		cfg := pl360.DefaultConfig()
		cfg.Reset = ch.Line("reset")
		cfg.LDO = ch.Line("ldo")
		cfg.Standby = ch.Line("standby")
		cfg.TxEnable = ch.Line("tx_enable")
		cfg.Thermal = ch.Line("thermal")
		cfg.CarrierDetect = ch.Line("carrier_detect")
		cfg.Logger = log
		d, err := pl360.New(eng, s.gpio, cfg)
		if err != nil {
			return errors.Wrapf(err, "channel %s", name)
		}
		dev = pl360Modem{d: d, log: log}
	case config.ChipRF215:
		cfg := rf215.DefaultConfig()
		cfg.Reset = ch.Line("reset")
		cfg.LEDTx = ch.Line("led_tx")
		cfg.LEDRx = ch.Line("led_rx")
		cfg.Logger = log
		d, err := rf215.New(eng, s.gpio, cfg)
		if err != nil {
			return errors.Wrapf(err, "channel %s", name)
		}
		dev = rf215Modem{d}
	default:
		cfg := pplc.DefaultConfig()
		cfg.Reset = ch.Line("reset")
		cfg.Logger = log
		d, err := pplc.New(eng, s.gpio, cfg)
		if err != nil {
			return errors.Wrapf(err, "channel %s", name)
		}
		dev = pplcModem{d}
	}
	s.modems[name] = &channel{name: name, cfg: ch, dev: dev}
	return nil
}

func (s *Session) channel(name string) (*channel, error) {
	c, ok := s.modems[name]
	if !ok {
		return nil, errors.Wrapf(core.ErrInvalidChannel, "channel %q", name)
	}
	return c, nil
}

// Close releases the transport. Errors are logged.
func (s *Session) Close() {
	if s.mcu != nil {
		if err := s.mcu.Close(); err != nil {
			s.log.Error(err, "close bridge")
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.log.Error(err, "close")
		}
	}
	s.closers = nil
}

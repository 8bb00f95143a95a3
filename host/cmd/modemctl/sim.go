package main

import (
	"io"
	"sync"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"modemlink/backend/sim"
	"modemlink/bridge"
	"modemlink/core"
	"modemlink/host/config"
	"modemlink/pl360"
	"modemlink/pplc"
	"modemlink/protocol"
	"modemlink/rf215"
)

// pl360 application status preamble: ready, no events
var simStatus = []byte{0x22, 0x10, 0x05, 0x00}

type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p pipePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p pipePort) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p pipePort) Close() error {
	p.w.Close()
	return p.r.Close()
}

// simFirmware is the bridge firmware running in-process, with a register
// file behind every channel.
type simFirmware struct {
	srv    *bridge.Server
	stream *protocol.Stream
	gpio   *sim.GPIO
	gates  map[uint8]*core.Gate
	regs   map[uint8]*sim.RegisterFile
	host   pipePort
	dev    pipePort
	done   chan error
	once   sync.Once
}

func simLayout(chip string) core.Layout {
	switch chip {
	case config.ChipPL360:
		return pl360.WordLayout
	case config.ChipRF215:
		return rf215.Layout
	}
	return pplc.Layout
}

func startSim(cfg *config.Config, log logr.Logger) (*simFirmware, error) {
	fw := &simFirmware{
		gpio:  sim.NewGPIO(),
		gates: make(map[uint8]*core.Gate),
		regs:  make(map[uint8]*sim.RegisterFile),
		done:  make(chan error, 1),
	}
	chans := core.NewChannels()
	for _, name := range cfg.Names() {
		ch := cfg.Channels[name]
		regs := sim.NewRegisterFile(simLayout(ch.Chip))
		if ch.Chip == config.ChipPL360 {
			regs.SetPreamble(simStatus)
		}
		gate := core.NewGate(nil)
		eng, err := core.NewEngine(sim.NewBus(regs), core.EngineConfig{
			Name:       "sim-" + name,
			MaxPayload: ch.MaxPayload + 16,
			Budget:     core.BudgetFor(1000),
			Gate:       gate,
			Logger:     log,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "sim channel %s", name)
		}
		chans.Open(ch.Index, eng)
		fw.gates[ch.Index] = gate
		fw.regs[ch.Index] = regs
	}
	fw.srv = bridge.NewServer(chans, fw.gpio, log)

	hostR, devW := io.Pipe()
	devR, hostW := io.Pipe()
	fw.host = pipePort{r: hostR, w: hostW}
	fw.dev = pipePort{r: devR, w: devW}
	fw.stream = protocol.NewStream(fw.dev, fw.srv.Handle, log)
	fw.srv.Attach(fw.stream.Transport())
	go func() { fw.done <- fw.stream.Run() }()
	return fw, nil
}

// Port is the host end of the link.
func (fw *simFirmware) Port() io.ReadWriteCloser { return fw.host }

// Fire raises the modem interrupt of channel oid and forwards it.
func (fw *simFirmware) Fire(oid uint8) error {
	g, ok := fw.gates[oid]
	if !ok {
		return errors.Wrapf(core.ErrInvalidChannel, "oid %d", oid)
	}
	g.Fire()
	return fw.stream.Do(func(*protocol.Transport) { fw.srv.Process() })
}

func (fw *simFirmware) Close() error {
	var err error
	fw.once.Do(func() {
		fw.host.Close()
		fw.dev.Close()
		err = <-fw.done
	})
	return err
}

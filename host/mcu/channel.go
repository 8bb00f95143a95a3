package mcu

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"modemlink/bridge"
	"modemlink/core"
	"modemlink/protocol"
)

// Channel is a remote SPI channel. StartTransfer stages the frame with
// spi_load and clocks it with spi_start; IsBusy stays true until the last
// spi_result chunk has been copied into rx.
//
// A remote failure during a transfer leaves the channel busy, so the
// local engine's budget runs out and Abort resets the remote side.
type Channel struct {
	m    *MCU
	oid  uint8
	gate *core.Gate
	log  logr.Logger

	mu      sync.Mutex
	busy    bool
	stuck   bool
	rx      []byte
	err     error
	replies chan error

	irqs chan struct{}
	quit chan struct{}
	done chan struct{}
}

func newChannel(m *MCU, oid uint8, gate *core.Gate) *Channel {
	c := &Channel{
		m:       m,
		oid:     oid,
		gate:    gate,
		log:     m.log.WithValues("oid", oid),
		replies: make(chan error, 1),
		irqs:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.fireLoop()
	return c
}

// OID returns the firmware channel index.
func (c *Channel) OID() uint8 { return c.oid }

// fireLoop fires the gate off the read goroutine, so a handler may start
// the next transaction.
func (c *Channel) fireLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.irqs:
			if c.gate != nil {
				c.gate.Fire()
			}
		case <-c.quit:
			return
		}
	}
}

func (c *Channel) notify() {
	select {
	case c.irqs <- struct{}{}:
	default:
	}
}

func (c *Channel) stop() {
	select {
	case <-c.quit:
	default:
		close(c.quit)
		<-c.done
	}
}

// Configure sends spi_config and waits for the firmware's spi_status.
func (c *Channel) Configure(cfg core.BusConfig) error {
	if cfg.WordSize == 0 {
		cfg.WordSize = core.Word8
	}
	drain(c.replies)
	err := c.m.send(bridge.CmdSPIConfig, func(o protocol.OutputBuffer) {
		protocol.EncodeArgs(o, uint32(c.oid), cfg.ClockHz, uint32(cfg.Mode()),
			uint32(cfg.WordSize), uint32(cfg.ChipSelect))
	})
	if err != nil {
		return errors.Wrapf(err, "configure oid %d", c.oid)
	}
	return c.await("configure")
}

func (c *Channel) await(what string) error {
	select {
	case err := <-c.replies:
		return errors.Wrapf(err, "%s oid %d", what, c.oid)
	case <-time.After(ReplyTimeout):
		return errors.Errorf("%s oid %d: no reply", what, c.oid)
	}
}

func (c *Channel) StartTransfer(tx, rx []byte, n int) error {
	if err := core.CheckTransfer(tx, rx, n); err != nil {
		return err
	}
	if d := c.m.Dictionary(); d != nil {
		if max := d.MaxPayload(c.oid); max > 0 && n > max {
			return core.ErrPayloadTooLarge
		}
	}
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return core.ErrChannelBusy
	}
	c.busy, c.stuck, c.err = true, false, nil
	c.rx = rx[:n]
	c.mu.Unlock()

	for off := 0; off < n; off += bridge.ChunkSize {
		end := off + bridge.ChunkSize
		if end > n {
			end = n
		}
		part := tx[off:end]
		err := c.m.send(bridge.CmdSPILoad, func(o protocol.OutputBuffer) {
			protocol.EncodeArgs(o, uint32(c.oid), uint32(off))
			protocol.EncodeVLQBytes(o, part)
		})
		if err != nil {
			return c.abandon(err)
		}
	}
	err := c.m.send(bridge.CmdSPIStart, func(o protocol.OutputBuffer) {
		protocol.EncodeArgs(o, uint32(c.oid), uint32(n))
	})
	if err != nil {
		return c.abandon(err)
	}
	return nil
}

func (c *Channel) abandon(err error) error {
	c.mu.Lock()
	c.busy = false
	c.rx = nil
	c.mu.Unlock()
	return errors.Wrapf(err, "transfer on oid %d", c.oid)
}

func (c *Channel) result(offset int, last bool, chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.busy || offset > len(c.rx) {
		c.log.V(1).Info("stray result", "offset", offset)
		return
	}
	copy(c.rx[offset:], chunk)
	if last {
		c.busy = false
		c.rx = nil
	}
}

func (c *Channel) fail(err error) {
	c.mu.Lock()
	c.err = err
	inFlight := c.busy
	if inFlight {
		c.stuck = true
	}
	c.mu.Unlock()
	c.log.Error(err, "remote failure", "in_flight", inFlight)
	if !inFlight {
		deliver(c.replies, error(err))
	}
}

func (c *Channel) IsBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Abort resets the remote channel and drops the local transfer.
func (c *Channel) Abort() {
	drain(c.replies)
	err := c.m.send(bridge.CmdSPIAbort, func(o protocol.OutputBuffer) {
		protocol.EncodeArgs(o, uint32(c.oid))
	})
	if err == nil {
		err = c.await("abort")
	}
	if err != nil {
		c.log.Error(err, "abort")
	}
	c.mu.Lock()
	c.busy, c.stuck = false, false
	c.rx = nil
	c.mu.Unlock()
}

// MinDeadline makes engines on this channel wait by wall-clock time.
func (c *Channel) MinDeadline() time.Duration { return ExchangeDeadline }

// Err returns the last remote failure.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stuck reports whether a remote failure is holding the channel busy.
func (c *Channel) Stuck() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stuck
}

var (
	_ core.Backend       = (*Channel)(nil)
	_ core.ErrorReporter = (*Channel)(nil)
	_ core.Scheduled     = (*Channel)(nil)
)

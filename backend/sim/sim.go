// Package sim provides in-memory SPI backends and board lines for tests
// and for running the façades without hardware.
package sim

import (
	"sync"

	"modemlink/core"
)

// Peer models the chip at the far end of the bus. Respond is called when
// a transfer completes and fills rx from the frame in tx.
type Peer interface {
	Respond(tx, rx []byte)
}

// PeerFunc adapts a function to Peer.
type PeerFunc func(tx, rx []byte)

func (f PeerFunc) Respond(tx, rx []byte) { f(tx, rx) }

// Loopback is a peer whose receive buffer mirrors the transmit buffer.
var Loopback Peer = PeerFunc(func(tx, rx []byte) { copy(rx, tx) })

// Bus is a simulated DMA-driven SPI channel. A transfer completes, and the
// peer responds, on the first IsBusy poll after BusyPolls busy answers.
type Bus struct {
	mu sync.Mutex

	peer      Peer
	busyPolls int
	stuck     bool
	failStart error

	active   bool
	busyLeft int
	tx, rx   []byte
	n        int

	starts      int
	aborts      int
	cleans      int
	invalidates int
	configs     []core.BusConfig
	frames      [][]byte
}

// NewBus creates a bus connected to peer. A nil peer behaves as Loopback.
func NewBus(peer Peer) *Bus {
	if peer == nil {
		peer = Loopback
	}
	return &Bus{peer: peer}
}

// SetBusyPolls sets how many IsBusy polls report busy per transfer.
func (b *Bus) SetBusyPolls(n int) {
	b.mu.Lock()
	b.busyPolls = n
	b.mu.Unlock()
}

// SetStuck makes every transfer hang until aborted.
func (b *Bus) SetStuck(stuck bool) {
	b.mu.Lock()
	b.stuck = stuck
	b.mu.Unlock()
}

// FailStart makes StartTransfer return err. nil restores normal operation.
func (b *Bus) FailStart(err error) {
	b.mu.Lock()
	b.failStart = err
	b.mu.Unlock()
}

// SetPeer replaces the peer.
func (b *Bus) SetPeer(p Peer) {
	b.mu.Lock()
	b.peer = p
	b.mu.Unlock()
}

func (b *Bus) Configure(cfg core.BusConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.configs = append(b.configs, cfg)
	return nil
}

func (b *Bus) StartTransfer(tx, rx []byte, n int) error {
	if err := core.CheckTransfer(tx, rx, n); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failStart != nil {
		return b.failStart
	}
	if b.active {
		return core.ErrChannelBusy
	}
	b.starts++
	b.frames = append(b.frames, append([]byte(nil), tx[:n]...))
	b.tx, b.rx, b.n = tx, rx, n
	b.busyLeft = b.busyPolls
	b.active = true
	return nil
}

func (b *Bus) IsBusy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active {
		return false
	}
	if b.stuck {
		return true
	}
	if b.busyLeft > 0 {
		b.busyLeft--
		return true
	}
	b.peer.Respond(b.tx[:b.n], b.rx[:b.n])
	b.active = false
	return false
}

func (b *Bus) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active {
		b.aborts++
	}
	b.active = false
}

// CleanTx and InvalidateRx count cache maintenance calls.
func (b *Bus) CleanTx([]byte) {
	b.mu.Lock()
	b.cleans++
	b.mu.Unlock()
}

func (b *Bus) InvalidateRx([]byte) {
	b.mu.Lock()
	b.invalidates++
	b.mu.Unlock()
}

// Starts returns the number of accepted StartTransfer calls.
func (b *Bus) Starts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts
}

// Aborts returns the number of transfers aborted while active.
func (b *Bus) Aborts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aborts
}

// CacheOps returns the clean and invalidate counts.
func (b *Bus) CacheOps() (cleans, invalidates int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cleans, b.invalidates
}

// Configs returns every configuration applied so far.
func (b *Bus) Configs() []core.BusConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]core.BusConfig(nil), b.configs...)
}

// Frames returns copies of every frame sent.
func (b *Bus) Frames() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.frames...)
}

// LastFrame returns the most recent frame, or nil.
func (b *Bus) LastFrame() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) == 0 {
		return nil
	}
	return b.frames[len(b.frames)-1]
}

// Snapshot returns a copy of the buffer the engine handed to the last
// transfer, as it is now.
func (b *Bus) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tx == nil {
		return nil
	}
	return append([]byte(nil), b.tx[:b.n]...)
}

package core

import "github.com/go-logr/logr"

// TraceEvent captures one SPI frame or interrupt mark for post-mortem
// analysis.
type TraceEvent struct {
	Kind    uint8  // Event type code
	Channel string // Engine name
	Clock   uint32 // Millis() at capture
	Tx      []byte // frame as sent (nil for marks)
	Rx      []byte // payload as received (reads only)
	Err     error
}

// Event type codes
const (
	EvtFrame   = 1 // frame handed to the backend
	EvtDrained = 2 // frame drained, Rx filled for reads
	EvtIRQ     = 3 // peer interrupt delivered
	EvtTimeout = 4 // poll budget exhausted
	EvtFailed  = 5 // backend reported a failed exchange
)

// TraceRingSize keeps the last frames for post-mortem.
const TraceRingSize = 32

// Trace is the SPI log: a fixed ring of recent frames. Recording is
// non-blocking; the frame bytes are copied.
type Trace struct {
	ring    [TraceRingSize]TraceEvent
	head    uint8
	enabled bool
}

// NewTrace returns an enabled trace ring.
func NewTrace() *Trace {
	return &Trace{enabled: true}
}

// SetEnabled turns capture on or off.
func (t *Trace) SetEnabled(on bool) {
	if t == nil {
		return
	}
	state := disableInterrupts()
	t.enabled = on
	restoreInterrupts(state)
}

// Record captures one event. A nil Trace records nothing.
func (t *Trace) Record(kind uint8, channel string, tx, rx []byte, err error) {
	if t == nil {
		return
	}
	evt := TraceEvent{Kind: kind, Channel: channel, Clock: Millis(), Err: err}
	if tx != nil {
		evt.Tx = append([]byte(nil), tx...)
	}
	if rx != nil {
		evt.Rx = append([]byte(nil), rx...)
	}
	state := disableInterrupts()
	if t.enabled {
		t.ring[t.head] = evt
		t.head = (t.head + 1) % TraceRingSize
	}
	restoreInterrupts(state)
}

// MarkIRQ records a peer interrupt delivery.
func (t *Trace) MarkIRQ(channel string) {
	t.Record(EvtIRQ, channel, nil, nil, nil)
}

// Events returns the captured events, oldest first.
func (t *Trace) Events() []TraceEvent {
	if t == nil {
		return nil
	}
	state := disableInterrupts()
	defer restoreInterrupts(state)

	var out []TraceEvent
	start := t.head
	for i := uint8(0); i < TraceRingSize; i++ {
		evt := t.ring[(start+i)%TraceRingSize]
		if evt.Kind == 0 {
			continue // Empty slot
		}
		out = append(out, evt)
	}
	return out
}

// Dump writes the ring to log, oldest first.
func (t *Trace) Dump(log logr.Logger) {
	events := t.Events()
	log.Info("spi trace dump", "events", len(events))
	for _, evt := range events {
		var name string
		switch evt.Kind {
		case EvtFrame:
			name = "FRAME"
		case EvtDrained:
			name = "DRAINED"
		case EvtIRQ:
			name = "IRQ"
		case EvtTimeout:
			name = "TIMEOUT!"
		case EvtFailed:
			name = "FAILED!"
		default:
			name = "UNKNOWN"
		}
		kv := []interface{}{"channel", evt.Channel, "clock", utoa(evt.Clock)}
		if evt.Tx != nil {
			kv = append(kv, "tx", Hex(evt.Tx))
		}
		if evt.Rx != nil {
			kv = append(kv, "rx", Hex(evt.Rx))
		}
		if evt.Err != nil {
			log.Error(evt.Err, name, kv...)
			continue
		}
		log.Info(name, kv...)
	}
}

// Clear empties the ring.
func (t *Trace) Clear() {
	if t == nil {
		return
	}
	state := disableInterrupts()
	for i := range t.ring {
		t.ring[i] = TraceEvent{}
	}
	t.head = 0
	restoreInterrupts(state)
}

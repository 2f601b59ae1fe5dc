package circuit

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/cvsouth/snowflake-tor/errs"
)

// CellEvent is the tagged result of decrypting one relay cell: which hop it
// was recognized at, what relay command it carries, and (for data-bearing
// commands) which stream it belongs to.
type CellEvent struct {
	HopIdx   int
	RelayCmd uint8
	StreamID uint16
	Data     []byte
}

// Dispatcher owns the single reader goroutine for a circuit's underlying
// link and fans decrypted relay cells out to the right consumer: a
// per-stream channel keyed by stream ID, or the circuit's single in-flight
// control promise for stream-ID-0 replies (EXTENDED2, and other control
// cells that only ever have one waiter at a time because circuit building
// and truncation happen one hop at a time).
//
// Running the link read loop on one goroutine per circuit means Circuit's
// own read path (ReceiveRelay/DecryptRelay) must not be used concurrently
// with a running Dispatcher — callers pick one or the other.
type Dispatcher struct {
	circuit *Circuit
	logger  *slog.Logger

	mu      sync.Mutex
	streams map[uint16]chan CellEvent
	control chan CellEvent // single-consumer promise for stream-ID-0 replies

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	runErr   error
}

// NewDispatcher creates a Dispatcher for the given circuit. Call Run in a
// goroutine to start reading.
func NewDispatcher(c *Circuit, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		circuit: c,
		logger:  logger,
		streams: make(map[uint16]chan CellEvent),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// RegisterStream installs a routing-table entry for streamID and returns
// the channel future relay cells for that stream will arrive on, plus a
// cleanup func the caller must invoke exactly once when done consuming
// (typically on stream close).
func (d *Dispatcher) RegisterStream(streamID uint16) (<-chan CellEvent, func()) {
	ch := make(chan CellEvent, 32)
	d.mu.Lock()
	d.streams[streamID] = ch
	d.mu.Unlock()
	return ch, func() {
		d.mu.Lock()
		delete(d.streams, streamID)
		d.mu.Unlock()
	}
}

// AwaitControl reserves the circuit's single control promise slot, runs fn
// (expected to send a control cell, e.g. RELAY_EXTEND2), and blocks for the
// next stream-ID-0 reply. Only one AwaitControl may be in flight at a time;
// this mirrors circuit building and truncation, which always proceed one
// hop at a time on a given circuit.
func (d *Dispatcher) AwaitControl(fn func() error) (CellEvent, error) {
	d.mu.Lock()
	if d.control != nil {
		d.mu.Unlock()
		return CellEvent{}, fmt.Errorf("%w: control promise already in flight", errs.ErrProtocolViolation)
	}
	ch := make(chan CellEvent, 1)
	d.control = ch
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		if d.control == ch {
			d.control = nil
		}
		d.mu.Unlock()
	}()

	if err := fn(); err != nil {
		return CellEvent{}, err
	}

	select {
	case ev := <-ch:
		return ev, nil
	case <-d.stopCh:
		if d.runErr != nil {
			return CellEvent{}, d.runErr
		}
		return CellEvent{}, errs.ErrClosed
	}
}

// isControlReply reports whether a relay command is addressed to the
// circuit itself (stream ID 0) rather than to a multiplexed stream.
func isControlReply(relayCmd uint8) bool {
	switch relayCmd {
	case RelayExtended2, RelayRendezvousEstablished, RelayIntroduceAck, RelayRendezvous2:
		return true
	default:
		return false
	}
}

// Run reads and decrypts relay cells until the circuit is destroyed, an
// unrecoverable read error occurs, or Stop is called. It is the only
// goroutine permitted to call Circuit.ReceiveRelay for this circuit.
func (d *Dispatcher) Run() {
	defer close(d.doneCh)
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		hopIdx, relayCmd, streamID, data, err := d.circuit.ReceiveRelay()
		if err != nil {
			d.runErr = err
			d.broadcastErr(err)
			return
		}

		ev := CellEvent{HopIdx: hopIdx, RelayCmd: relayCmd, StreamID: streamID, Data: data}

		if relayCmd == RelaySendMe && streamID == 0 {
			// Circuit-level SENDME refills every open stream's send window,
			// not just one waiter's — broadcast it.
			d.broadcastCircuitSendMe(ev)
			continue
		}

		if streamID == 0 || isControlReply(relayCmd) {
			d.mu.Lock()
			ch := d.control
			d.mu.Unlock()
			if ch != nil {
				select {
				case ch <- ev:
				default:
					d.logger.Warn("dropped control reply, no waiter", "relay_cmd", relayCmd)
				}
				continue
			}
			d.logger.Debug("no control waiter for stream-0 cell", "relay_cmd", relayCmd)
			continue
		}

		d.mu.Lock()
		ch, ok := d.streams[streamID]
		d.mu.Unlock()
		if !ok {
			d.logger.Debug("dropped cell for unregistered stream", "stream_id", streamID, "relay_cmd", relayCmd)
			continue
		}
		select {
		case ch <- ev:
		default:
			d.logger.Warn("stream channel full, dropping cell", "stream_id", streamID)
		}
	}
}

// broadcastCircuitSendMe delivers a circuit-level SENDME to every
// registered stream so each can refill its circuit-window accounting.
func (d *Dispatcher) broadcastCircuitSendMe(ev CellEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, ch := range d.streams {
		select {
		case ch <- ev:
		default:
			d.logger.Warn("stream channel full, dropping circuit SENDME", "stream_id", id)
		}
	}
}

// broadcastErr delivers a terminal read error to every registered consumer
// so no one blocks forever on a dead circuit.
func (d *Dispatcher) broadcastErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ev := CellEvent{RelayCmd: RelayEnd, Data: []byte(err.Error())}
	for _, ch := range d.streams {
		select {
		case ch <- ev:
		default:
		}
	}
	if d.control != nil {
		select {
		case d.control <- ev:
		default:
		}
	}
}

// Stop terminates the dispatcher's read loop and waits for it to exit.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	<-d.doneCh
}

// Err returns the error that terminated Run, if any.
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runErr
}

package stream

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cvsouth/snowflake-tor/circuit"
	"github.com/cvsouth/snowflake-tor/errs"
)

var _ io.ReadWriteCloser = (*Stream)(nil)

const (
	relayEndReasonDone = 6
)

// Stream represents a multiplexed Tor stream over a circuit. Multiple
// Streams can be open on the same Circuit at once; each is fed by the
// circuit's Dispatcher through a dedicated channel keyed by stream ID.
type Stream struct {
	ID                 uint16
	Circuit            *circuit.Circuit
	CircWindow         int // Circuit-level send package window (init 1000)
	StreamWindow       int // Stream-level send package window (init 500)
	buf                []byte
	closed             bool
	eof                bool
	circDataReceived   int // DATA cells received since last circuit SENDME
	streamDataReceived int // DATA cells received since last stream SENDME

	table      *Table
	events     <-chan circuit.CellEvent
	unregister func()
}

// BEGIN flag bits (tor-spec §6.2).
const (
	FlagIPv6OK     uint32 = 1 << 0
	FlagIPv4NotOK  uint32 = 1 << 1
	FlagIPv6Prefer uint32 = 1 << 2
)

// Begin opens a new stream to the given target (host:port) through the
// circuit with no BEGIN flags set. It sends RELAY_BEGIN and waits for
// RELAY_CONNECTED. tbl is the circuit's stream-ID table (shared across
// every Stream on that circuit); pass the same *Table for every Begin call
// on a given circuit.
func Begin(circ *circuit.Circuit, tbl *Table, target string) (*Stream, error) {
	return BeginWithFlags(circ, tbl, target, 0)
}

// BeginWithFlags is Begin with an explicit BEGIN flags word, letting the
// caller express an IPv6 policy (spec.md §4.5: never/avoided/preferred/
// always map to FlagIPv6OK/FlagIPv4NotOK/FlagIPv6Prefer combinations).
func BeginWithFlags(circ *circuit.Circuit, tbl *Table, target string, flags uint32) (*Stream, error) {
	// RELAY_BEGIN payload: "host:port\0" + flags(4 bytes, big-endian)
	payload := make([]byte, len(target)+1+4)
	copy(payload, target)
	// null terminator already zero
	binary.BigEndian.PutUint32(payload[len(target)+1:], flags)
	return open(circ, tbl, circuit.RelayBegin, payload)
}

// BeginDir opens a directory stream to the circuit's exit relay's own
// directory port (no destination address: the exit interprets RELAY_BEGIN_DIR
// as "connect me to your own directory cache"). Used for get_consensus()
// fetches and diff requests over an already-built circuit.
func BeginDir(circ *circuit.Circuit, tbl *Table) (*Stream, error) {
	return open(circ, tbl, circuit.RelayBeginDir, nil)
}

func open(circ *circuit.Circuit, tbl *Table, beginCmd uint8, payload []byte) (*Stream, error) {
	id, err := tbl.Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocate stream id: %w", err)
	}

	disp := circ.StartDispatcher(nil)
	events, unregister := disp.RegisterStream(id)

	s := &Stream{
		ID:           id,
		Circuit:      circ,
		CircWindow:   initCircWindow,
		StreamWindow: initStreamWindow,
		table:        tbl,
		events:       events,
		unregister:   unregister,
	}

	if err := circ.SendRelay(beginCmd, id, payload); err != nil {
		s.release()
		return nil, fmt.Errorf("send relay begin (cmd %d): %w", beginCmd, err)
	}

	// Wait for RELAY_CONNECTED (or RELAY_END on failure)
	ev, ok := <-events
	if !ok {
		s.release()
		return nil, fmt.Errorf("%w: dispatcher closed before RELAY_CONNECTED", errs.ErrClosed)
	}
	switch ev.RelayCmd {
	case circuit.RelayConnected:
		return s, nil
	case circuit.RelayEnd:
		s.release()
		reason := uint8(0)
		if len(ev.Data) > 0 {
			reason = ev.Data[0]
		}
		return nil, fmt.Errorf("stream rejected: RELAY_END reason=%d", reason)
	default:
		s.release()
		return nil, fmt.Errorf("%w: unexpected relay command %d while waiting for CONNECTED", errs.ErrUnexpectedCell, ev.RelayCmd)
	}
}

// Write sends data through the stream as RELAY_DATA cells.
// Data is split into chunks of up to 498 bytes (MaxRelayDataLen).
// Respects send-side flow control windows.
func (s *Stream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, fmt.Errorf("%w: stream closed", errs.ErrClosed)
	}

	total := 0
	for len(p) > 0 {
		if s.CircWindow <= 0 || s.StreamWindow <= 0 {
			if err := s.waitForSendMe(); err != nil {
				return total, err
			}
			continue
		}

		chunk := p
		if len(chunk) > circuit.MaxRelayDataLen {
			chunk = p[:circuit.MaxRelayDataLen]
		}
		if err := s.Circuit.SendRelay(circuit.RelayData, s.ID, chunk); err != nil {
			return total, fmt.Errorf("send RELAY_DATA: %w", err)
		}
		s.CircWindow--
		s.StreamWindow--
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// waitForSendMe blocks until a SENDME (circuit- or stream-level) refills a
// send window, or the stream ends.
func (s *Stream) waitForSendMe() error {
	for {
		ev, ok := <-s.events
		if !ok {
			return fmt.Errorf("%w: stream closed while waiting for send window", errs.ErrClosed)
		}
		switch ev.RelayCmd {
		case circuit.RelaySendMe:
			if ev.StreamID == 0 {
				s.CircWindow += circSendMeWindow
			} else {
				s.StreamWindow += streamSendMeWindow
			}
			if s.CircWindow > 0 && s.StreamWindow > 0 {
				return nil
			}
		case circuit.RelayEnd:
			s.eof = true
			return io.EOF
		}
	}
}

// Read receives data from the stream.
// It reads RELAY_DATA cells (delivered by the circuit's Dispatcher) and
// buffers their contents.
func (s *Stream) Read(p []byte) (int, error) {
	if s.eof {
		return 0, io.EOF
	}
	if s.closed {
		return 0, fmt.Errorf("%w: stream closed", errs.ErrClosed)
	}

	// Return buffered data first
	if len(s.buf) > 0 {
		n := copy(p, s.buf)
		s.buf = s.buf[n:]
		return n, nil
	}

	for {
		ev, ok := <-s.events
		if !ok {
			return 0, fmt.Errorf("%w: dispatcher closed", errs.ErrClosed)
		}

		switch ev.RelayCmd {
		case circuit.RelayData:
			if err := s.handleDataReceived(); err != nil {
				return 0, err
			}
			n := copy(p, ev.Data)
			if n < len(ev.Data) {
				s.buf = append(s.buf, ev.Data[n:]...)
			}
			return n, nil
		case circuit.RelayEnd:
			s.eof = true
			return 0, io.EOF
		case circuit.RelaySendMe:
			if ev.StreamID == 0 {
				s.CircWindow += circSendMeWindow
			} else {
				s.StreamWindow += streamSendMeWindow
			}
			continue
		default:
			return 0, fmt.Errorf("%w: unexpected relay command %d on stream", errs.ErrUnexpectedCell, ev.RelayCmd)
		}
	}
}

// Close sends RELAY_END to close the stream and retires its stream ID.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.Circuit.SendRelay(circuit.RelayEnd, s.ID, []byte{relayEndReasonDone})
	s.release()
	return err
}

// release unregisters the stream from the circuit's dispatcher and retires
// its ID in the stream table, if both were set up.
func (s *Stream) release() {
	if s.unregister != nil {
		s.unregister()
	}
	if s.table != nil {
		s.table.Retire(s.ID)
	}
}

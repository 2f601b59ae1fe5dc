package cell

import (
	"encoding/binary"
	"fmt"
	"io"
)

// The cell codec supports both v3 (2-byte CircID) and v4+ (4-byte CircID)
// fixed-cell framing, selected by the negotiated link protocol version
// (tor-spec §3). Reader.ReadCell/Writer.WriteCell in io.go dispatch to the
// functions below whenever SetVersion has configured a version < 4,
// repacking to/from the canonical 4-byte-CircID Cell layout so every other
// package only ever sees one Cell shape regardless of wire framing.

// NewFixedCellV3 creates a 512-byte fixed-length cell using 2-byte CircID
// framing (link protocol version 3).
func NewFixedCellV3(circID uint16, cmd uint8) Cell {
	c := make(Cell, FixedCellLenV3)
	binary.BigEndian.PutUint16(c[0:2], circID)
	c[2] = cmd
	return c
}

// NewVarCellV3 creates a variable-length cell using 2-byte CircID framing.
func NewVarCellV3(circID uint16, cmd uint8, payload []byte) Cell {
	c := make(Cell, 5+len(payload))
	binary.BigEndian.PutUint16(c[0:2], circID)
	c[2] = cmd
	binary.BigEndian.PutUint16(c[3:5], uint16(len(payload)))
	copy(c[5:], payload)
	return c
}

// ReadCellV3 reads a cell using 2-byte CircID framing (link protocol
// version 3), mirroring Reader.ReadCell's v4+ logic.
func (cr *Reader) ReadCellV3() (Cell, error) {
	hdr := make([]byte, 3)
	if _, err := io.ReadFull(cr.r, hdr); err != nil {
		return nil, fmt.Errorf("read v3 cell header: %w", err)
	}
	cmd := hdr[2]

	if IsVariableLength(cmd) {
		var lenBuf [2]byte
		if _, err := io.ReadFull(cr.r, lenBuf[:]); err != nil {
			return nil, fmt.Errorf("read v3 varlen length: %w", err)
		}
		pLen := binary.BigEndian.Uint16(lenBuf[:])
		if int(pLen) > MaxVarPayloadLen {
			return nil, fmt.Errorf("v3 variable-length cell payload too large: %d bytes (max %d)", pLen, MaxVarPayloadLen)
		}
		c := make(Cell, 5+int(pLen))
		copy(c[0:3], hdr)
		copy(c[3:5], lenBuf[:])
		if pLen > 0 {
			if _, err := io.ReadFull(cr.r, c[5:]); err != nil {
				return nil, fmt.Errorf("read v3 varlen payload: %w", err)
			}
		}
		return c, nil
	}

	c := make(Cell, FixedCellLenV3)
	copy(c[0:3], hdr)
	if _, err := io.ReadFull(cr.r, c[3:]); err != nil {
		return nil, fmt.Errorf("read v3 fixed payload: %w", err)
	}
	return c, nil
}

// CircIDV3 reads the 2-byte CircID from a cell framed per link version 3.
func CircIDV3(c Cell) uint16 { return binary.BigEndian.Uint16(c[0:2]) }

// CommandV3 reads the command byte from a cell framed per link version 3.
func CommandV3(c Cell) uint8 { return c[2] }

// PayloadV3 returns the payload of a cell framed per link version 3.
func PayloadV3(c Cell) []byte {
	if IsVariableLength(CommandV3(c)) {
		return c[5:]
	}
	return c[3:]
}

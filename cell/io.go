package cell

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Reader reads Tor cells from a buffered reader.
type Reader struct {
	r       *bufio.Reader
	version uint16
}

func NewReader(r *bufio.Reader) *Reader {
	return &Reader{r: r}
}

// SetVersion records the negotiated link protocol version (tor-spec §3) so
// ReadCell knows which CircID width to expect on the wire: 2 bytes for v3,
// 4 bytes for v4+. Cells are always handed back in the canonical 4-byte
// CircID layout regardless of wire version, so every other package only
// ever deals with one Cell shape.
func (cr *Reader) SetVersion(v uint16) {
	cr.version = v
}

// ReadCell reads the next cell, using the CircID width SetVersion last
// configured (4-byte framing until a version is negotiated).
func (cr *Reader) ReadCell() (Cell, error) {
	if cr.version != 0 && cr.version < 4 {
		return cr.readCellV3Canonical()
	}
	return cr.readCellV4()
}

// readCellV3Canonical reads a v3-framed (2-byte CircID) cell off the wire
// and repacks it into the canonical 4-byte-CircID Cell layout.
func (cr *Reader) readCellV3Canonical() (Cell, error) {
	raw, err := cr.ReadCellV3()
	if err != nil {
		return nil, err
	}
	circID := uint32(CircIDV3(raw))
	cmd := CommandV3(raw)
	payload := PayloadV3(raw)
	if IsVariableLength(cmd) {
		return NewVarCell(circID, cmd, payload), nil
	}
	c := NewFixedCell(circID, cmd)
	copy(c.Payload(), payload)
	return c, nil
}

// readCellV4 reads a cell with 4-byte CircID (link protocol v4+).
func (cr *Reader) readCellV4() (Cell, error) {
	// Read 5-byte header: 4-byte CircID + 1-byte command
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(cr.r, hdr); err != nil {
		return nil, fmt.Errorf("read cell header: %w", err)
	}
	cmd := hdr[4]

	if IsVariableLength(cmd) {
		// Read 2-byte length
		var lenBuf [2]byte
		if _, err := io.ReadFull(cr.r, lenBuf[:]); err != nil {
			return nil, fmt.Errorf("read varlen length: %w", err)
		}
		pLen := binary.BigEndian.Uint16(lenBuf[:])
		if int(pLen) > MaxVarPayloadLen {
			return nil, fmt.Errorf("variable-length cell payload too large: %d bytes (max %d)", pLen, MaxVarPayloadLen)
		}
		c := make(Cell, 7+int(pLen))
		copy(c[0:5], hdr)
		copy(c[5:7], lenBuf[:])
		if pLen > 0 {
			if _, err := io.ReadFull(cr.r, c[7:]); err != nil {
				return nil, fmt.Errorf("read varlen payload: %w", err)
			}
		}
		return c, nil
	}

	// Fixed-length: read remaining 509 bytes
	c := make(Cell, FixedCellLen)
	copy(c[0:5], hdr)
	if _, err := io.ReadFull(cr.r, c[5:]); err != nil {
		return nil, fmt.Errorf("read fixed payload: %w", err)
	}
	return c, nil
}

// ReadVersionsCell reads a VERSIONS cell which uses 2-byte CircID.
func (cr *Reader) ReadVersionsCell() (Cell, error) {
	// 2-byte CircID + 1-byte command + 2-byte length
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(cr.r, hdr); err != nil {
		return nil, fmt.Errorf("read versions header: %w", err)
	}
	if hdr[2] != CmdVersions {
		return nil, fmt.Errorf("expected VERSIONS (7), got command %d", hdr[2])
	}
	pLen := binary.BigEndian.Uint16(hdr[3:5])
	c := make(Cell, 5+int(pLen))
	copy(c[0:5], hdr)
	if pLen > 0 {
		if _, err := io.ReadFull(cr.r, c[5:]); err != nil {
			return nil, fmt.Errorf("read versions payload: %w", err)
		}
	}
	return c, nil
}

// ParseVersions extracts version numbers from a VERSIONS cell read with ReadVersionsCell.
// The cell format is: 2-byte CircID + 1-byte cmd + 2-byte length + payload.
// Note: VERSIONS cells have a 2-byte CircID layout, so Cell accessor methods
// (CircID, Command, Payload, PayloadLen) must NOT be used on them.
func ParseVersions(c Cell) []uint16 {
	payload := c[5:] // after 2-byte circID + cmd + 2-byte length
	n := len(payload) / 2
	versions := make([]uint16, n)
	for i := range versions {
		versions[i] = binary.BigEndian.Uint16(payload[2*i:])
	}
	return versions
}

// Writer writes Tor cells.
type Writer struct {
	w       io.Writer
	version uint16
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// SetVersion records the negotiated link protocol version so WriteCell
// knows which CircID width to put on the wire (see Reader.SetVersion).
func (cw *Writer) SetVersion(v uint16) {
	cw.version = v
}

// WriteCell writes c using the CircID width SetVersion last configured,
// repacking the canonical 4-byte-CircID Cell down to 2-byte v3 framing
// when negotiated.
func (cw *Writer) WriteCell(c Cell) error {
	if cw.version != 0 && cw.version < 4 {
		circID := uint16(c.CircID())
		cmd := c.Command()
		var raw Cell
		if IsVariableLength(cmd) {
			raw = NewVarCellV3(circID, cmd, c.Payload())
		} else {
			raw = NewFixedCellV3(circID, cmd)
			copy(raw[3:], c.Payload())
		}
		_, err := cw.w.Write(raw)
		return err
	}
	_, err := cw.w.Write(c)
	return err
}

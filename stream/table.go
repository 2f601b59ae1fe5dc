package stream

import (
	"fmt"
	"sync"

	"github.com/cvsouth/snowflake-tor/errs"
)

// Table tracks stream-ID allocation for a single circuit. Stream IDs are
// scoped to the circuit they're opened on (tor-spec §5.1.1: "unique to a
// circuit"), so each Circuit gets one Table rather than sharing a global
// counter across circuits.
//
// A retired ID is never reissued for the lifetime of the table. Reusing an
// ID risks a stray late cell from the old stream being delivered to a new
// one under the same number, so the table reuses nothing; this trades a
// little of the 16-bit ID space for simplicity and safety.
type Table struct {
	mu      sync.Mutex
	next    uint16
	used    map[uint16]bool
	retired map[uint16]bool
}

// NewTable creates an empty stream-ID table for one circuit.
func NewTable() *Table {
	return &Table{next: 1, used: make(map[uint16]bool), retired: make(map[uint16]bool)}
}

// Allocate reserves and returns the next unused, never-retired stream ID.
func (t *Table) Allocate() (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := t.next
	for {
		id := t.next
		t.next++
		if t.next == 0 {
			t.next = 1 // skip 0: reserved for circuit-level control cells
		}
		if id != 0 && !t.used[id] && !t.retired[id] {
			t.used[id] = true
			return id, nil
		}
		if t.next == start {
			return 0, fmt.Errorf("%w", errs.ErrStreamIDExhausted)
		}
	}
}

// Retire marks id as permanently unavailable: it will never be allocated
// again on this circuit. Stream.Close calls it right after sending
// RELAY_END, without waiting for the far end's RELAY_END.
func (t *Table) Retire(id uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.used, id)
	t.retired[id] = true
}

// InUse reports whether id is currently allocated.
func (t *Table) InUse(id uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used[id]
}

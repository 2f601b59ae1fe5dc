package stream

import "testing"

func TestTableAllocateUnique(t *testing.T) {
	tbl := NewTable()
	ids := make(map[uint16]bool)
	for i := 0; i < 100; i++ {
		id, err := tbl.Allocate()
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if id == 0 {
			t.Fatal("stream ID should never be 0")
		}
		if ids[id] {
			t.Fatalf("duplicate stream ID: %d", id)
		}
		ids[id] = true
	}
}

func TestTableRetireDoesNotReuse(t *testing.T) {
	tbl := NewTable()
	id, err := tbl.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	tbl.Retire(id)
	if tbl.InUse(id) {
		t.Fatal("retired ID should not be in use")
	}
	for i := 0; i < 10; i++ {
		other, err := tbl.Allocate()
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if other == id {
			t.Fatal("retired ID must not be reissued")
		}
	}
}

func TestTableInUse(t *testing.T) {
	tbl := NewTable()
	id, err := tbl.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if !tbl.InUse(id) {
		t.Fatal("freshly allocated ID should be in use")
	}
}

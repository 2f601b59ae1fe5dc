package storage

import (
	"errors"
	"sort"
	"testing"
)

func TestMemoryReadWrite(t *testing.T) {
	m := NewMemory()
	if err := m.Write("consensus:2026-07-30", []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	v, err := m.Read("consensus:2026-07-30")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(v) != "hello" {
		t.Fatalf("Read = %q, want %q", v, "hello")
	}
}

func TestMemoryReadMissingReturnsErrNotFound(t *testing.T) {
	m := NewMemory()
	_, err := m.Read("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryListPrefix(t *testing.T) {
	m := NewMemory()
	m.Write("cert:aaa", []byte("1"))
	m.Write("cert:bbb", []byte("2"))
	m.Write("microdesc:ccc", []byte("3"))

	keys, err := m.List("cert:")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "cert:aaa" || keys[1] != "cert:bbb" {
		t.Fatalf("List(cert:) = %v", keys)
	}
}

func TestMemoryRemoveAll(t *testing.T) {
	m := NewMemory()
	m.Write("cert:aaa", []byte("1"))
	m.Write("cert:bbb", []byte("2"))
	m.Write("microdesc:ccc", []byte("3"))

	if err := m.RemoveAll("cert:"); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	keys, _ := m.List("")
	if len(keys) != 1 || keys[0] != "microdesc:ccc" {
		t.Fatalf("after RemoveAll(cert:): %v", keys)
	}
}

func TestMemoryWriteCopiesValue(t *testing.T) {
	m := NewMemory()
	buf := []byte("original")
	m.Write("k", buf)
	buf[0] = 'X'

	v, _ := m.Read("k")
	if string(v) != "original" {
		t.Fatalf("Memory.Write should copy its input; got %q after mutating caller's buffer", v)
	}
}

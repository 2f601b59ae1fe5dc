// Package storage abstracts the key-value persistence used by the
// directory subsystem's consensus/certificate/microdescriptor caches.
package storage

import "errors"

// ErrNotFound is returned by Read when the key does not exist.
var ErrNotFound = errors.New("storage: key not found")

// Store is the key-value persistence interface consumed by this module.
// Keys are opaque strings; FileStore mangles them for filesystem safety,
// but callers never need to know that.
type Store interface {
	Read(key string) ([]byte, error)
	Write(key string, value []byte) error
	List(prefix string) ([]string, error)
	Remove(key string) error
	// RemoveAll removes every key matching prefix. An empty prefix
	// removes everything.
	RemoveAll(prefix string) error
}

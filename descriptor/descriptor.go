// Package descriptor holds the per-relay material needed to run an ntor
// handshake against a relay. The legacy plaintext single-relay descriptor
// fetch path has been superseded by the consensus + microdescriptor
// pipeline in package directory, which is signature-chained back to a
// verified consensus; RelayInfo survives as the shape circuit.Create and
// circuit.Extend key off.
package descriptor

// RelayInfo contains the parsed relay material needed for an ntor handshake.
type RelayInfo struct {
	NodeID       [20]byte // SHA-1 of relay's RSA identity key
	NtorOnionKey [32]byte // Curve25519 public key
	Address      string   // IPv4 address
	ORPort       uint16   // OR port
	Fingerprint  string   // Hex fingerprint string (uppercase, no spaces)
}

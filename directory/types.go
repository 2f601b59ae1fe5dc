package directory

import "time"

// Consensus represents a parsed Tor microdescriptor consensus.
type Consensus struct {
	ValidAfter              time.Time
	FreshUntil              time.Time
	ValidUntil              time.Time
	SharedRandCurrentValue  []byte
	SharedRandPreviousValue []byte
	Relays                  []Relay
	BandwidthWeights        map[string]int64 // Wgg, Wgm, Wmg, Wmm, etc.

	// Preimage is the exact signed prefix of the document: everything up to
	// and including the space after the first "directory-signature ". This
	// is what X-Or-Diff-From-Consensus hashes, and what a diff's "from" hash
	// is checked against.
	Preimage string
	// SignatureText is everything after Preimage: the directory-signature
	// lines and their PEM signature blocks.
	SignatureText string
	// FullTextHash is the SHA3-256 of Preimage+SignatureText concatenated,
	// i.e. of the whole document. A diff's "to" hash is checked against
	// this after application (dir-spec §4.2).
	FullTextHash [32]byte
}

// Relay represents a router entry in the consensus.
type Relay struct {
	Nickname        string
	Identity        [20]byte // SHA-1 of RSA identity key (base64-decoded from "r" line)
	Address         string   // IPv4 address
	ORPort          uint16
	DirPort         uint16
	Flags           RelayFlags
	Bandwidth       int64  // From "w Bandwidth=" line
	MicrodescDigest string // Base64 microdesc digest from "m" line

	// Populated after microdescriptor fetch
	NtorOnionKey [32]byte
	Ed25519ID    [32]byte
	HasNtorKey   bool
	HasEd25519   bool

	// ExitSummary is the raw dir-spec §3.8 "p accept/reject PORTS" line
	// from the relay's microdescriptor, e.g. "accept 80,443" or
	// "reject 1-65535". Empty means no summary was parsed (the relay's
	// exit policy is then consulted via the Exit flag alone).
	ExitSummary string
}

// RelayFlags represents the flags assigned to a relay in the consensus.
type RelayFlags struct {
	Authority bool
	BadExit   bool
	Exit      bool
	Fast      bool
	Guard     bool
	HSDir     bool
	Running   bool
	Stable    bool
	V2Dir     bool
	Valid     bool
}

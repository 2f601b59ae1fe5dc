// Package errs defines the sentinel error kinds surfaced by every layer
// of this module, grouped as spec'd. Callers match with errors.Is; every
// wrapping site uses fmt.Errorf("...: %w", err) so the originating
// sentinel survives to the top.
package errs

import "errors"

// Transport layer.
var (
	ErrConnectFailed = errors.New("transport: connect failed")
	ErrClosed        = errors.New("transport: closed")
	ErrCancelled     = errors.New("transport: cancelled")
	ErrTimeout       = errors.New("transport: timeout")
)

// Link layer.
var (
	ErrProtocolViolation = errors.New("link: protocol violation")
	ErrInvalidCert       = errors.New("link: invalid certificate")
	ErrInvalidSignature  = errors.New("link: invalid signature")
	ErrUnexpectedCell    = errors.New("link: unexpected cell")
)

// Circuit layer.
var (
	ErrDestroyed         = errors.New("circuit: destroyed")
	ErrExtendFailed      = errors.New("circuit: extend failed")
	ErrTruncateFailed    = errors.New("circuit: truncate failed")
	ErrOpenFailed        = errors.New("circuit: open failed")
	ErrStreamIDExhausted = errors.New("circuit: stream id space exhausted")
)

// Relay layer.
var (
	ErrUnrecognizedCell = errors.New("relay: unrecognized cell")
	ErrDigestMismatch   = errors.New("relay: digest mismatch")
	ErrReplayDetected   = errors.New("relay: replay detected")
	ErrWindowUnderflow  = errors.New("relay: window underflow")
)

// Directory layer.
var (
	ErrConsensusStale        = errors.New("directory: consensus stale")
	ErrConsensusExpired      = errors.New("directory: consensus expired")
	ErrDiffBaseUnknown       = errors.New("directory: diff base unknown")
	ErrDiffHashMismatch      = errors.New("directory: diff hash mismatch")
	ErrSignatureQuorumNotMet = errors.New("directory: signature quorum not met")
	ErrCertificateExpired    = errors.New("directory: certificate expired")
	ErrMicrodescHashMismatch = errors.New("directory: microdesc hash mismatch")
	ErrNotModifiedNoBase     = errors.New("directory: 304 received with no valid cached base")
)

// Manager layer.
var (
	ErrNoCreationConfigured = errors.New("manager: no creation configured")
	ErrBackoffInEffect      = errors.New("manager: backoff in effect")
	ErrAllAttemptsExhausted = errors.New("manager: all attempts exhausted")
)

package circuit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cvsouth/snowflake-tor/descriptor"
	"github.com/cvsouth/snowflake-tor/directory"
	"github.com/cvsouth/snowflake-tor/link"
	"github.com/cvsouth/snowflake-tor/pathselect"
)

// BuildAttempts is the number of independent path-selection + extend
// attempts the builder makes before giving up (spec §4.6).
const BuildAttempts = 10

// Dial opens the byte-duplex a guard relay is reached over. In production
// this wraps a *transport.WSConn carrying the Snowflake tunnel; callers
// inject it so builder.go stays agnostic of the transport in use.
type Dial func(ctx context.Context, addr string) (net.Conn, error)

// Built is a freshly-built 3-hop circuit together with the link it rides
// on, so the caller can tear both down together.
type Built struct {
	Circuit *Circuit
	Link    *link.Link
}

// Build selects a guard/middle/exit path and extends a circuit through all
// three, retrying up to BuildAttempts times with fresh relay selection on
// failure (spec §4.6). destPort, when nonzero, constrains exit selection to
// relays whose exit-policy summary permits that destination port; 0 skips
// the check (e.g. for a directory-only circuit). consensus.Relays must
// already carry microdescriptor data (NtorOnionKey/HasNtorKey) for
// pathselect to have anything to choose from — callers fetch it via
// directory.EnsureMicrodescs before handing the consensus to Build.
func Build(ctx context.Context, consensus *directory.Consensus, destPort uint16, dial Dial, circuitTimeout time.Duration, logger *slog.Logger) (*Built, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 0; attempt < BuildAttempts; attempt++ {
		built, err := tryBuild(ctx, consensus, destPort, dial, circuitTimeout, logger)
		if err == nil {
			return built, nil
		}
		lastErr = err
		logger.Warn("circuit build attempt failed", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("circuit build cancelled: %w", ctx.Err())
		default:
		}
	}
	return nil, fmt.Errorf("circuit build: all %d attempts failed, last error: %w", BuildAttempts, lastErr)
}

func tryBuild(ctx context.Context, consensus *directory.Consensus, destPort uint16, dial Dial, circuitTimeout time.Duration, logger *slog.Logger) (built *Built, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, circuitTimeout)
	defer cancel()

	path, err := pathselect.SelectPathForPort(consensus, destPort)
	if err != nil {
		return nil, fmt.Errorf("path selection: %w", err)
	}
	logger.Debug("path selected", "guard", path.Guard.Nickname, "middle", path.Middle.Nickname, "exit", path.Exit.Nickname)

	guardAddr := fmt.Sprintf("%s:%d", path.Guard.Address, path.Guard.ORPort)
	duplex, err := dial(attemptCtx, guardAddr)
	if err != nil {
		return nil, fmt.Errorf("dial guard %s: %w", guardAddr, err)
	}

	l, err := link.Handshake(duplex, guardAddr, logger)
	if err != nil {
		_ = duplex.Close()
		return nil, fmt.Errorf("guard link handshake: %w", err)
	}

	// Tear the link down on any failure past this point; success returns
	// before this defer fires.
	succeeded := false
	defer func() {
		if !succeeded {
			_ = l.Close()
		}
	}()

	if deadline, ok := attemptCtx.Deadline(); ok {
		_ = l.SetDeadline(deadline)
	}

	circ, err := Create(l, relayInfoFromConsensus(&path.Guard), logger)
	if err != nil {
		return nil, fmt.Errorf("circuit create via guard: %w", err)
	}

	if err := circ.Extend(relayInfoFromConsensus(&path.Middle), logger); err != nil {
		return nil, fmt.Errorf("extend to middle %s: %w", path.Middle.Nickname, err)
	}

	if err := circ.Extend(relayInfoFromConsensus(&path.Exit), logger); err != nil {
		return nil, fmt.Errorf("extend to exit %s: %w", path.Exit.Nickname, err)
	}

	_ = l.SetDeadline(time.Time{})
	succeeded = true
	logger.Info("circuit built", "circID", fmt.Sprintf("0x%08x", circ.ID), "hops", len(circ.Hops))
	return &Built{Circuit: circ, Link: l}, nil
}

func relayInfoFromConsensus(relay *directory.Relay) *descriptor.RelayInfo {
	return &descriptor.RelayInfo{
		NodeID:       relay.Identity,
		NtorOnionKey: relay.NtorOnionKey,
		Address:      relay.Address,
		ORPort:       relay.ORPort,
	}
}

// Package gateway is the library entry point: construction options in,
// fetch() out. It wires together directory bootstrap, the circuit
// manager, and the stream multiplexer behind the small consumer surface
// spec.md §6 names (fetch, wait_for_circuit, get_circuit_state, close).
package gateway

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cvsouth/snowflake-tor/circuit"
	"github.com/cvsouth/snowflake-tor/config"
	"github.com/cvsouth/snowflake-tor/directory"
	"github.com/cvsouth/snowflake-tor/manager"
	"github.com/cvsouth/snowflake-tor/stream"
	"github.com/cvsouth/snowflake-tor/transport"
)

// IPv6Policy controls whether a stream may/must use IPv6, mirroring the
// flag bits stream.Begin's BEGIN cell carries (spec.md §4.5).
type IPv6Policy int

const (
	IPv6Never IPv6Policy = iota
	IPv6Avoided
	IPv6Preferred
	IPv6Always
)

// FetchOptions customizes a single fetch() call. Zero value is a GET with
// no extra headers/body, default timeout, IPv6Never.
type FetchOptions struct {
	Method     string
	Headers    http.Header
	Body       io.Reader
	Timeout    time.Duration
	IPv6Policy IPv6Policy
}

// Response is fetch()'s result: status, headers, and the fully-drained
// body (directory/circuit fetches are all small-ish text/binary payloads,
// so buffering the body keeps the consumer API simple).
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// CircuitState summarizes the manager's buffer for get_circuit_state().
type CircuitState struct {
	Buffered int
	Building int
	Bound    int
}

// Client is the constructed library surface: fetch(), wait_for_circuit(),
// get_circuit_state(), close().
type Client struct {
	opts config.Options
	mgr  *manager.Manager

	mu        sync.RWMutex
	consensus *directory.Consensus
	cache     *directory.Cache
	certs     *directory.CertManager
	coalesce  *directory.CallCoalescer
}

// New bootstraps the client: loads or fetches an initial consensus over
// plaintext HTTP to a directory authority (the one-time pre-circuit path,
// spec.md §4.7/§12 — every subsequent refresh goes through
// directory.GetConsensus over a circuit's BEGIN_DIR stream), then starts
// the circuit manager.
func New(ctx context.Context, opts config.Options) (*Client, error) {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	cache := &directory.Cache{Store: opts.Storage}
	certs := directory.NewCertManager(opts.Storage)

	text, ok := cache.LoadConsensus()
	if !ok {
		fetched, err := directory.FetchConsensus()
		if err != nil {
			return nil, fmt.Errorf("bootstrap consensus fetch: %w", err)
		}
		text = fetched
	}
	consensus, err := directory.ParseConsensus(text)
	if err != nil {
		return nil, fmt.Errorf("parse bootstrap consensus: %w", err)
	}

	if keyCerts, err := directory.FetchKeyCerts(); err == nil {
		for _, kc := range keyCerts {
			if err := certs.Put(kc); err != nil {
				opts.Logger.Warn("cache authority key cert", "error", err)
			}
		}
		if err := directory.ValidateSignatures(text, keyCerts); err != nil {
			return nil, fmt.Errorf("bootstrap consensus signatures: %w", err)
		}
	} else {
		opts.Logger.Warn("fetch authority key certs, falling back to structural validation", "error", err)
		if err := directory.ValidateSignaturesStructural(text); err != nil {
			return nil, fmt.Errorf("bootstrap consensus signatures: %w", err)
		}
	}

	if err := cache.SaveConsensus(text, consensus.FreshUntil, consensus.ValidUntil); err != nil {
		opts.Logger.Warn("cache bootstrap consensus", "error", err)
	}

	// Path selection needs every relay's ntor key, which the consensus
	// itself only references by microdesc digest (spec.md §4.6 step 3).
	if err := directory.EnsureMicrodescs(cache, consensus.Relays); err != nil {
		opts.Logger.Warn("fetch bootstrap microdescriptors", "error", err)
	}

	c := &Client{opts: opts, consensus: consensus, cache: cache, certs: certs, coalesce: directory.NewCallCoalescer()}

	c.mgr = manager.New(c.buildCircuit, manager.Config{
		CircuitBuffer:      opts.CircuitBuffer,
		CircuitTimeout:     opts.CircuitTimeout,
		MaxCircuitLifetime: opts.MaxCircuitLifetime,
		Clock:              opts.Clock,
		Logger:             opts.Logger,
	})
	go c.mgr.Run()

	return c, nil
}

// buildCircuit is the manager.BuildFunc: dial the Snowflake WebSocket
// tunnel and build a 3-hop circuit over it against the current consensus.
func (c *Client) buildCircuit(ctx context.Context, destPort uint16) (*circuit.Built, error) {
	c.mu.RLock()
	consensus := c.consensus
	c.mu.RUnlock()

	return circuit.Build(ctx, consensus, destPort, c.wsDial, c.opts.CircuitTimeout, c.opts.Logger)
}

// wsDial is the circuit builder's Dial: every hop of every circuit rides
// the same Snowflake WebSocket tunnel to the bridge, which forwards to the
// guard relay's OR port (spec.md §1, §6) — addr is not separately dialed.
func (c *Client) wsDial(ctx context.Context, addr string) (net.Conn, error) {
	return transport.Dial(ctx, c.opts.SnowflakeURL)
}

// refreshConsensusIfNeeded runs the steady-state get_consensus(circuit)
// path (spec.md §4.7) over a directory-only circuit when the cached
// consensus is no longer fresh. Concurrent Fetch() calls that all notice
// the same staleness share one refresh via coalesce rather than each
// opening their own directory stream. Best-effort: a failure here just
// means the next fetch keeps using the last consensus it had, rather than
// failing the caller's actual request.
func (c *Client) refreshConsensusIfNeeded(ctx context.Context) {
	if !c.cache.NeedsRefresh() {
		return
	}
	_, err := c.coalesce.Do("consensus", func() (any, error) {
		err := c.mgr.UseCircuit(ctx, "directory", 0, func(circ *circuit.Circuit, tbl *stream.Table) error {
			dirStream, err := stream.BeginDir(circ, tbl)
			if err != nil {
				return fmt.Errorf("open directory stream: %w", err)
			}
			defer func() { _ = dirStream.Close() }()

			consensus, err := directory.GetConsensus(dirStream, c.cache, c.certs)
			if err != nil {
				return fmt.Errorf("get_consensus: %w", err)
			}
			if err := directory.EnsureMicrodescs(c.cache, consensus.Relays); err != nil {
				c.opts.Logger.Warn("fetch refreshed microdescriptors", "error", err)
			}
			c.mu.Lock()
			c.consensus = consensus
			c.mu.Unlock()
			return nil
		})
		return nil, err
	})
	if err != nil {
		c.opts.Logger.Warn("consensus refresh failed, keeping last known consensus", "error", err)
	}
}

// Fetch implements fetch(url, options) (spec.md §6): opens a stream to
// url's host:port over a circuit-manager-bound circuit and runs one
// HTTP/1.1 request/response over it.
func (c *Client) Fetch(ctx context.Context, rawURL string, opts FetchOptions) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch: parse url: %w", err)
	}
	host, port := hostPort(u)
	target := fmt.Sprintf("%s:%d", host, port)

	c.refreshConsensusIfNeeded(ctx)

	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, opts.Method, u.String(), opts.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}
	if opts.Headers != nil {
		req.Header = opts.Headers
	}
	req.Host = u.Host

	var resp *Response
	err = c.mgr.UseCircuit(ctx, target, destPort(port), func(circ *circuit.Circuit, tbl *stream.Table) error {
		s, err := stream.BeginWithFlags(circ, tbl, target, beginFlags(opts.IPv6Policy))
		if err != nil {
			return fmt.Errorf("open stream to %s: %w", target, err)
		}
		defer func() { _ = s.Close() }()

		var rw io.ReadWriter = s
		if u.Scheme == "https" {
			tlsConn := tls.Client(stream.NewConn(s), &tls.Config{
				ServerName: host,
				MinVersion: tls.VersionTLS12,
			})
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				return fmt.Errorf("tls handshake to %s: %w", target, err)
			}
			defer func() { _ = tlsConn.Close() }()
			rw = tlsConn
		}

		if err := req.Write(rw); err != nil {
			return fmt.Errorf("write request: %w", err)
		}

		httpResp, err := http.ReadResponse(bufio.NewReader(rw), req)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		defer func() { _ = httpResp.Body.Close() }()

		body, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return fmt.Errorf("read response body: %w", err)
		}
		resp = &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// WaitForCircuit implements wait_for_circuit() (spec.md §6).
func (c *Client) WaitForCircuit(ctx context.Context) error {
	return c.mgr.WaitForCircuitReady(ctx)
}

// GetCircuitState implements get_circuit_state() (spec.md §6). It's a
// best-effort snapshot; the manager's actual state lives on its own
// goroutine, so this value can be stale the instant it's returned.
func (c *Client) GetCircuitState() CircuitState {
	s := c.mgr.Stats()
	return CircuitState{Buffered: s.Buffered, Building: s.Building, Bound: s.Bound}
}

// Close implements close() (spec.md §6): tears down every circuit the
// manager holds.
func (c *Client) Close() error {
	return c.mgr.Close()
}

func hostPort(u *url.URL) (string, int) {
	host := u.Hostname()
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err == nil {
			return host, n
		}
	}
	if u.Scheme == "https" {
		return host, 443
	}
	return host, 80
}

func destPort(port int) uint16 {
	if port <= 0 || port > 65535 {
		return 0
	}
	return uint16(port)
}

// beginFlags maps an IPv6Policy to the BEGIN flag bits tor-spec §6.2
// defines (spec.md §4.5).
func beginFlags(policy IPv6Policy) uint32 {
	switch policy {
	case IPv6Avoided:
		return 0
	case IPv6Preferred:
		return stream.FlagIPv6OK | stream.FlagIPv6Prefer
	case IPv6Always:
		return stream.FlagIPv6OK | stream.FlagIPv4NotOK | stream.FlagIPv6Prefer
	default: // IPv6Never
		return 0
	}
}

package directory

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/cvsouth/snowflake-tor/storage"
)

// buildStructurallySignedConsensus returns a consensus body with
// minConsensusSignatures fake-but-structurally-valid directory-signature
// blocks from known authorities, timestamped relative to now.
func buildStructurallySignedConsensus(t *testing.T, validAfter, freshUntil, validUntil time.Time) string {
	t.Helper()
	var sigs []string
	i := 0
	for fp := range dirAuthorityFingerprints {
		sigs = append(sigs, "directory-signature sha256 "+fp+" AABBCCDD\n-----BEGIN SIGNATURE-----\nZmFrZQ==\n-----END SIGNATURE-----")
		i++
		if i >= minConsensusSignatures {
			break
		}
	}
	preamble := fmt.Sprintf(
		"network-status-version 3 microdesc\nvalid-after %s\nfresh-until %s\nvalid-until %s\n",
		validAfter.UTC().Format("2006-01-02 15:04:05"),
		freshUntil.UTC().Format("2006-01-02 15:04:05"),
		validUntil.UTC().Format("2006-01-02 15:04:05"),
	)
	return preamble + strings.Join(sigs, "\n") + "\n"
}

// servePipe runs serve against the accept side of a net.Pipe and returns the
// other side for the caller (GetConsensus) to use as dirConn.
func servePipe(t *testing.T, serve func(conn net.Conn)) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		serve(server)
		_ = server.Close()
	}()
	return client
}

func writeResponse(t *testing.T, conn net.Conn, status int, headers map[string]string, body []byte) {
	t.Helper()
	buf := bytes.NewBufferString(fmt.Sprintf("HTTP/1.0 %d X\r\n", status))
	for k, v := range headers {
		buf.WriteString(fmt.Sprintf("%s: %s\r\n", k, v))
	}
	buf.WriteString(fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body)))
	buf.Write(body)
	if _, err := conn.Write(buf.Bytes()); err != nil {
		t.Fatalf("write response: %v", err)
	}
}

func drainRequest(t *testing.T, conn net.Conn) {
	t.Helper()
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	_ = n
}

func TestGetConsensusFetchesFullDocument(t *testing.T) {
	now := time.Now()
	text := buildStructurallySignedConsensus(t, now.Add(-time.Hour), now.Add(time.Hour), now.Add(3*time.Hour))

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	_, _ = zw.Write([]byte(text))
	_ = zw.Close()

	conn := servePipe(t, func(server net.Conn) {
		drainRequest(t, server)
		writeResponse(t, server, 200, map[string]string{"Content-Type": "text/plain"}, compressed.Bytes())
	})

	cache := &Cache{Store: storage.NewMemory()}
	certs := NewCertManager(storage.NewMemory())

	consensus, err := GetConsensus(conn, cache, certs)
	if err != nil {
		t.Fatalf("GetConsensus: %v", err)
	}
	if len(consensus.Relays) != 0 {
		t.Fatalf("expected no relays in minimal test consensus, got %d", len(consensus.Relays))
	}

	cached, ok := cache.LoadConsensus()
	if !ok || cached != text {
		t.Fatalf("expected fetched consensus to be cached")
	}
}

func TestGetConsensusReturnsCachedWhenFresh(t *testing.T) {
	now := time.Now()
	text := buildStructurallySignedConsensus(t, now.Add(-time.Hour), now.Add(time.Hour), now.Add(3*time.Hour))

	cache := &Cache{Store: storage.NewMemory()}
	if err := cache.SaveConsensus(text, now.Add(time.Hour), now.Add(3*time.Hour)); err != nil {
		t.Fatal(err)
	}

	// No server: GetConsensus must return without touching dirConn.
	consensus, err := GetConsensus(nil, cache, nil)
	if err != nil {
		t.Fatalf("GetConsensus: %v", err)
	}
	if consensus == nil {
		t.Fatal("expected cached consensus")
	}
}

func TestGetConsensus304ReturnsStaleButValidCache(t *testing.T) {
	now := time.Now()
	text := buildStructurallySignedConsensus(t, now.Add(-2*time.Hour), now.Add(-time.Hour), now.Add(time.Hour))

	cache := &Cache{Store: storage.NewMemory()}
	if err := cache.SaveConsensus(text, now.Add(-time.Hour), now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	conn := servePipe(t, func(server net.Conn) {
		drainRequest(t, server)
		writeResponse(t, server, 304, nil, nil)
	})

	consensus, err := GetConsensus(conn, cache, nil)
	if err != nil {
		t.Fatalf("GetConsensus: %v", err)
	}
	if consensus == nil {
		t.Fatal("expected 304 path to return the cached consensus")
	}
}

func TestGetConsensus304WithNoCacheFails(t *testing.T) {
	cache := &Cache{Store: storage.NewMemory()}
	conn := servePipe(t, func(server net.Conn) {
		drainRequest(t, server)
		writeResponse(t, server, 304, nil, nil)
	})

	if _, err := GetConsensus(conn, cache, nil); err == nil {
		t.Fatal("expected error for 304 with no cached consensus")
	}
}

func TestGetConsensusErrorStatus(t *testing.T) {
	cache := &Cache{Store: storage.NewMemory()}
	conn := servePipe(t, func(server net.Conn) {
		drainRequest(t, server)
		writeResponse(t, server, 500, nil, []byte("oops"))
	})

	if _, err := GetConsensus(conn, cache, nil); err == nil {
		t.Fatal("expected error for HTTP 500")
	}
}

func TestReadHTTPResponseContentLength(t *testing.T) {
	raw := "HTTP/1.0 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nhello"
	status, headers, body, err := readHTTPResponse(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("readHTTPResponse: %v", err)
	}
	if status != 200 || string(body) != "hello" || headers["content-type"] != "text/plain" {
		t.Fatalf("got status=%d headers=%v body=%q", status, headers, body)
	}
}

func TestMaybeInflatePassesThroughPlainBody(t *testing.T) {
	plain := []byte("network-status-version 3 microdesc\n")
	out, err := maybeInflate(plain)
	if err != nil {
		t.Fatalf("maybeInflate: %v", err)
	}
	if string(out) != string(plain) {
		t.Fatalf("got %q, want unchanged", out)
	}
}

func TestMaybeInflateDecompressesZlibBody(t *testing.T) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, _ = zw.Write([]byte("compressed payload"))
	_ = zw.Close()

	out, err := maybeInflate(buf.Bytes())
	if err != nil {
		t.Fatalf("maybeInflate: %v", err)
	}
	if string(out) != "compressed payload" {
		t.Fatalf("got %q", out)
	}
}

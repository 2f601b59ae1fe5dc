package directory

import (
	"bufio"
	"compress/zlib"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"
)

const consensusPath = "/tor/status-vote/current/consensus-microdesc.z"

// GetConsensus implements the steady-state consensus refresh (spec.md §4.7):
// if cache holds a not-yet-stale consensus it's returned without touching
// the network; otherwise a GET is issued over dirConn (an already-open
// directory stream on some circuit — see stream.BeginDir) carrying
// X-Or-Diff-From-Consensus for the cached document, and the response is
// either a 304 (cache hit), an ed-style diff, or a full document.
func GetConsensus(dirConn io.ReadWriter, cache *Cache, certs *CertManager) (*Consensus, error) {
	if !cache.NeedsRefresh() {
		if text, ok := cache.LoadConsensus(); ok {
			return ParseConsensus(text)
		}
	}

	cachedText, haveCached := cache.LoadConsensus()
	var cachedPreimage string
	if haveCached {
		if cc, err := ParseConsensus(cachedText); err == nil {
			cachedPreimage = cc.Preimage
		}
	}

	diffHeader := ""
	if cachedPreimage != "" {
		diffHeader = fmt.Sprintf("X-Or-Diff-From-Consensus: %x\r\n", sha3.Sum256([]byte(cachedPreimage)))
	}
	httpReq := fmt.Sprintf("GET %s HTTP/1.0\r\nHost: dirauth\r\n%sAccept-Encoding: identity\r\n\r\n", consensusPath, diffHeader)
	if _, err := dirConn.Write([]byte(httpReq)); err != nil {
		return nil, fmt.Errorf("write consensus request: %w", err)
	}

	status, headers, body, err := readHTTPResponse(dirConn)
	if err != nil {
		return nil, fmt.Errorf("read consensus response: %w", err)
	}

	if status == http.StatusNotModified {
		if !haveCached {
			return nil, fmt.Errorf("304 Not Modified but no cached consensus available")
		}
		return ParseConsensus(cachedText)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("get_consensus: HTTP %d", status)
	}

	if deflated, err := maybeInflate(body); err == nil {
		body = deflated
	} else {
		return nil, fmt.Errorf("decompress consensus body: %w", err)
	}
	text := string(body)

	if IsDiff(headers["content-type"], text) {
		if !haveCached {
			return nil, fmt.Errorf("received diff but have no cached consensus to apply it to")
		}
		diff, err := ParseDiff(text)
		if err != nil {
			return nil, fmt.Errorf("parse consensus diff: %w", err)
		}
		text, err = diff.Apply(cachedPreimage)
		if err != nil {
			return nil, fmt.Errorf("apply consensus diff: %w", err)
		}
	}

	consensus, err := ParseConsensus(text)
	if err != nil {
		return nil, fmt.Errorf("parse consensus: %w", err)
	}
	if err := ValidateFreshness(consensus); err != nil {
		return nil, fmt.Errorf("consensus freshness: %w", err)
	}
	if err := ValidateSignatures(text, resolveCerts(text, certs)); err != nil {
		return nil, fmt.Errorf("consensus signatures: %w", err)
	}

	if err := cache.SaveConsensus(text, consensus.FreshUntil, consensus.ValidUntil); err != nil {
		return nil, fmt.Errorf("save consensus to cache: %w", err)
	}
	return consensus, nil
}

// resolveCerts looks up, via certs, the signing certificate for every
// directory-signature block found in text, skipping any it can't resolve
// (ValidateSignatures simply won't count those toward the required
// minimum). certs is populated by the one-time bootstrap fetch
// (gateway.New) and by whatever the caller chooses to Put over time;
// resolveCerts itself stays a pure lookup rather than reaching for the
// network, so get_consensus never makes a surprise HTTP call of its own.
func resolveCerts(text string, certs *CertManager) []KeyCert {
	if certs == nil {
		return nil
	}
	var out []KeyCert
	for _, sig := range parseSignatureBlocks(text) {
		if kc, ok := certs.Get(sig.identity, sig.signingKeyDigest); ok {
			out = append(out, kc)
		}
	}
	return out
}

// readHTTPResponse parses a minimal HTTP/1.0 response (status line, headers,
// body) directly off r. Directory responses over a BEGIN_DIR stream have no
// TLS framing to lean on net/http for, so headers are read line-by-line and
// the body is read as raw bytes (binary-safe, since get_consensus bodies are
// zlib-compressed).
func readHTTPResponse(r io.Reader) (status int, headers map[string]string, body []byte, err error) {
	br := bufio.NewReader(r)

	statusLine, err := br.ReadString('\n')
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read status line: %w", err)
	}
	fields := strings.Fields(statusLine)
	if len(fields) < 2 {
		return 0, nil, nil, fmt.Errorf("malformed status line: %q", statusLine)
	}
	status, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("malformed status code: %q", fields[1])
	}

	headers = make(map[string]string)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return 0, nil, nil, fmt.Errorf("read headers: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		kv := strings.SplitN(line, ":", 2)
		if len(kv) == 2 {
			headers[strings.ToLower(strings.TrimSpace(kv[0]))] = strings.TrimSpace(kv[1])
		}
	}

	if cl, ok := headers["content-length"]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil {
			return 0, nil, nil, fmt.Errorf("malformed content-length: %q", cl)
		}
		body = make([]byte, n)
		if _, err := io.ReadFull(br, body); err != nil {
			return 0, nil, nil, fmt.Errorf("read body (content-length %d): %w", n, err)
		}
		return status, headers, body, nil
	}

	body, err = io.ReadAll(br)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read body: %w", err)
	}
	return status, headers, body, nil
}

// maybeInflate zlib-decompresses body if it looks zlib-framed (the ".z"
// consensus endpoint is deflate-compressed per dir-spec); otherwise it
// returns body unchanged.
func maybeInflate(body []byte) ([]byte, error) {
	if len(body) < 2 || (int(body[0])<<8+int(body[1]))%31 != 0 {
		return body, nil
	}
	zr, err := zlib.NewReader(strings.NewReader(string(body)))
	if err != nil {
		return body, nil
	}
	defer func() { _ = zr.Close() }()
	return io.ReadAll(zr)
}

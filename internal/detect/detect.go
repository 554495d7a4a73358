// Package detect implements the prefix detector: a pure classifier over a
// closed set of wire protocols (section 4.A). The signature checks do not
// allocate; the WebSocket-upgrade refinement of an Http match does, since
// it parses the peeked header with net/http.
//
// Detect is total and deterministic. Extending a prefix never changes a
// definite (non-Unknown) classification, with one exception: an Http
// result becomes WebSocketUpgrade once the upgrade headers arrive (see
// DESIGN.md). Signatures are mutually
// disjoint on their discriminating bytes, so checks may run in any order;
// the order below favors the cheapest checks first.
package detect

import (
	"bufio"
	"bytes"
	"net/http"

	"github.com/gorilla/websocket"
	"golang.org/x/net/http2"

	"github.com/owlnet/portmux/internal/model"
)

var httpMethods = []string{
	"GET ", "POST ", "PUT ", "DELETE ", "HEAD ", "OPTIONS ", "CONNECT ", "PATCH ", "TRACE ",
}

// http2Preface is the literal byte sequence a conforming HTTP/2 client
// writes before any frames. golang.org/x/net/http2 exports this exact
// string as http2.ClientPreface, so the signature below is never
// hand-copied out of sync with the library's own framing code.
const http2Preface = http2.ClientPreface

const proxyProtoV1Prefix = "PROXY "

// proxyProtoV2Magic is the 12-byte PROXY protocol v2 signature.
var proxyProtoV2Magic = []byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

// Detect classifies the given prefix. Empty input yields {Unknown, 0}.
func Detect(prefix []byte) model.DetectionResult {
	if len(prefix) == 0 {
		return model.DetectionResult{Tag: model.Unknown}
	}

	if r, ok := detectSocks5(prefix); ok {
		return r
	}
	if r, ok := detectTLS(prefix); ok {
		return r
	}
	if r, ok := detectProxyProtocol(prefix); ok {
		return r
	}
	if r, ok := detectSSH(prefix); ok {
		return r
	}
	if r, ok := detectHTTPFamily(prefix); ok {
		return r
	}

	return model.DetectionResult{Tag: model.Unknown}
}

func detectSocks5(p []byte) (model.DetectionResult, bool) {
	if p[0] == 0x05 && len(p) >= 2 {
		return model.DetectionResult{Tag: model.Socks5, BytesConsumed: 2}, true
	}
	return model.DetectionResult{}, false
}

func detectTLS(p []byte) (model.DetectionResult, bool) {
	if len(p) < 3 {
		return model.DetectionResult{}, false
	}
	if p[0] != 0x16 || p[1] != 0x03 {
		return model.DetectionResult{}, false
	}
	switch p[2] {
	case 0x00, 0x01, 0x02, 0x03, 0x04:
		return model.DetectionResult{Tag: model.Tls, BytesConsumed: 3}, true
	default:
		return model.DetectionResult{}, false
	}
}

func detectProxyProtocol(p []byte) (model.DetectionResult, bool) {
	if bytes.HasPrefix(p, proxyProtoV2Magic) {
		n := len(proxyProtoV2Magic)
		if len(p) < n {
			n = len(p)
		}
		return model.DetectionResult{Tag: model.ProxyProtocol, BytesConsumed: n}, true
	}
	if hasLiteralPrefix(p, proxyProtoV1Prefix) {
		return model.DetectionResult{Tag: model.ProxyProtocol, BytesConsumed: len(proxyProtoV1Prefix)}, true
	}
	return model.DetectionResult{}, false
}

func detectSSH(p []byte) (model.DetectionResult, bool) {
	if hasLiteralPrefix(p, "SSH-") {
		return model.DetectionResult{Tag: model.Ssh, BytesConsumed: 4}, true
	}
	return model.DetectionResult{}, false
}

// detectHTTPFamily handles the Http / Http2Preface / WebSocketUpgrade trio.
// Http2Preface and WebSocketUpgrade are refinements of Http; when both
// match, the more specific tag wins (Http2 > WebSocket > Http).
func detectHTTPFamily(p []byte) (model.DetectionResult, bool) {
	if hasLiteralPrefix(p, http2Preface) {
		return model.DetectionResult{Tag: model.Http2Preface, BytesConsumed: len(http2Preface)}, true
	}

	method, ok := matchHTTPMethod(p)
	if !ok {
		return model.DetectionResult{}, false
	}

	if looksLikeWebSocketUpgrade(p) {
		return model.DetectionResult{Tag: model.WebSocketUpgrade, BytesConsumed: len(p)}, true
	}

	return model.DetectionResult{Tag: model.Http, BytesConsumed: len(method)}, true
}

func matchHTTPMethod(p []byte) (string, bool) {
	for _, m := range httpMethods {
		if hasLiteralPrefix(p, m) {
			return m, true
		}
	}
	return "", false
}

// hasLiteralPrefix reports whether p starts with lit, treating a shorter p
// that is itself a prefix of lit as "not yet decided" (false) rather than a
// match — Detect must not claim a definite tag before the bytes prove it.
func hasLiteralPrefix(p []byte, lit string) bool {
	if len(p) < len(lit) {
		return false
	}
	return string(p[:len(lit)]) == lit
}

// looksLikeWebSocketUpgrade parses the peeked bytes as a best-effort HTTP
// request line + headers and asks gorilla/websocket whether it carries the
// standard Upgrade: websocket handshake headers, matching the case
// insensitivity gorilla/websocket itself implements.
func looksLikeWebSocketUpgrade(p []byte) bool {
	idx := bytes.Index(p, []byte("\r\n\r\n"))
	headerBytes := p
	if idx >= 0 {
		headerBytes = p[:idx+4]
	} else if !bytes.Contains(bytes.ToLower(p), []byte("upgrade")) {
		// No header terminator yet and no "upgrade" token anywhere in the
		// peeked window: cannot be a websocket upgrade within this prefix.
		return false
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(headerBytes)))
	if err != nil {
		return false
	}
	return websocket.IsWebSocketUpgrade(req)
}

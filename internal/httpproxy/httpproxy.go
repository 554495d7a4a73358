// Package httpproxy implements the HTTP Handler (section 4.E): CONNECT
// tunneling, absolute-form forward proxying, and PAC/WPAD document
// serving.
//
// Grounded on proxy/entry.go's ServeHTTP/handleConnect/establishConnection
// (raw "HTTP/1.1 200 Connection Established\r\n\r\n" write, 502 on dial
// failure, slog.Default().With("in", ...) logger shape) and
// directTransfer's dial-then-transfer structure, adapted from an
// http.Server-owned handler to one driven directly off a raw
// io.ReadWriteCloser dispatched by the Protocol Registry.
package httpproxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/match"

	"github.com/owlnet/portmux/internal/discovery"
	"github.com/owlnet/portmux/internal/errs"
	"github.com/owlnet/portmux/internal/relay"
	"github.com/owlnet/portmux/internal/resolver"
	"github.com/owlnet/portmux/internal/stream"
)

// MaxHeaderBytes bounds the request header section (spec.md §4.E
// "Parsing bounds").
const MaxHeaderBytes = 4096

// ConnectTimeout is the upstream dial deadline (spec.md §5).
const ConnectTimeout = 5 * time.Second

// bypassPatterns are the glob patterns shared by the PAC document's
// DIRECT fallback list and Bypass, grounded on internal/helper/host_test.go's
// MatchHost wildcard exercises.
var bypassPatterns = []string{
	"10.*", "192.168.*",
	"172.16.*", "172.17.*", "172.18.*", "172.19.*", "172.20.*", "172.21.*", "172.22.*", "172.23.*",
	"172.24.*", "172.25.*", "172.26.*", "172.27.*", "172.28.*", "172.29.*", "172.30.*", "172.31.*",
	"127.*", "::1",
}

// Bypass reports whether host matches one of the PAC document's DIRECT
// fallback patterns (RFC 1918 + loopback, as enumerated by spec.md §6).
func Bypass(host string) bool {
	for _, p := range bypassPatterns {
		if match.Match(host, p) {
			return true
		}
	}
	return false
}

// Dialer opens an upstream connection. Matches net.Dialer.DialContext's
// signature so a *net.Dialer can be used directly.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// Handler serves HTTP-classified connections.
type Handler struct {
	// ProxyAuthority is the "host:port" this proxy advertises in the PAC
	// document's PROXY line.
	ProxyAuthority string
	Resolver       *resolver.Resolver
	Dial           Dialer
	Logger         *slog.Logger

	// Discovery is consulted for a known alternate route before resolving
	// the request's own Host. Nil disables the lookup; absence of a match
	// is equally benign and the request falls back to dialing Host directly.
	Discovery *discovery.Table

	// ConnectTimeout overrides ConnectTimeout; zero means use the package
	// default.
	ConnectTimeout time.Duration
}

// New constructs a Handler with a default net.Dialer egress. egressBindAddress,
// if non-empty, is used as the dialer's LocalAddr so outbound connections
// originate from that interface (spec.md §6 egress_bind_address).
func New(proxyAuthority string, r *resolver.Resolver, egressBindAddress string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	// No dialer Timeout: dialTarget bounds every dial with connectTimeout().
	d := &net.Dialer{LocalAddr: egressLocalAddr(egressBindAddress)}
	return &Handler{
		ProxyAuthority: proxyAuthority,
		Resolver:       r,
		Dial:           d.DialContext,
		Logger:         logger,
		ConnectTimeout: ConnectTimeout,
	}
}

// egressLocalAddr resolves egressBindAddress to a *net.TCPAddr suitable for
// net.Dialer.LocalAddr, or nil if unset (letting the kernel pick the source
// address as usual).
func egressLocalAddr(egressBindAddress string) net.Addr {
	if egressBindAddress == "" {
		return nil
	}
	return &net.TCPAddr{IP: net.ParseIP(egressBindAddress)}
}

func (h *Handler) connectTimeout() time.Duration {
	if h.ConnectTimeout > 0 {
		return h.ConnectTimeout
	}
	return ConnectTimeout
}

// Handle implements registry.Handler.
func (h *Handler) Handle(ctx context.Context, conn io.ReadWriteCloser) error {
	logger := h.Logger.With("in", "httpproxy.Handle")

	br := bufio.NewReaderSize(conn, MaxHeaderBytes)
	raw, err := readRawHeader(br, MaxHeaderBytes)
	if err != nil {
		writeStatusLine(conn, "400 Bad Request")
		return err
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		writeStatusLine(conn, "400 Bad Request")
		return &errs.ProtocolError{Op: "http.parse_request", Reason: err.Error()}
	}
	logger = logger.With("method", req.Method, "host", req.Host)

	leftover, _ := br.Peek(br.Buffered())
	src := rewind(conn, leftover)

	if req.Method == http.MethodConnect {
		return h.handleConnect(ctx, logger, src, req)
	}
	if req.Method == http.MethodGet && isPACRequest(req) {
		return h.servePAC(src)
	}
	return h.handleAbsoluteForm(ctx, logger, src, raw, req)
}

func isPACRequest(req *http.Request) bool {
	path := req.URL.Path
	return path == "/proxy.pac" || path == "/wpad.dat"
}

func (h *Handler) handleConnect(ctx context.Context, logger *slog.Logger, src io.ReadWriteCloser, req *http.Request) error {
	hostport := withDefaultPort(req.Host, "443")

	upstream, err := h.dialTarget(ctx, hostport)
	if err != nil {
		logger.Debug("connect dial failed", "target", hostport, "error", err)
		writeStatusLine(src, "502 Bad Gateway")
		return err
	}
	defer upstream.Close()

	if _, err := io.WriteString(src, "HTTP/1.1 200 Connection established\r\n\r\n"); err != nil {
		return err
	}

	relay.Relay(ctx, logger, src, upstream)
	return nil
}

func (h *Handler) handleAbsoluteForm(ctx context.Context, logger *slog.Logger, src io.ReadWriteCloser, raw []byte, req *http.Request) error {
	if req.Host == "" {
		writeStatusLine(src, "400 Bad Request")
		return &errs.ProtocolError{Op: "http.forward", Reason: "missing Host"}
	}
	hostport := withDefaultPort(req.Host, "80")

	upstream, err := h.dialTarget(ctx, hostport)
	if err != nil {
		logger.Debug("forward dial failed", "target", hostport, "error", err)
		writeStatusLine(src, "502 Bad Gateway")
		return err
	}
	defer upstream.Close()

	// The already-read request bytes are replayed verbatim; the request
	// line is not rewritten to origin form (spec.md §4.E item 2).
	if _, err := upstream.Write(raw); err != nil {
		return err
	}

	relay.Relay(ctx, logger, src, upstream)
	return nil
}

// dialTarget resolves hostport through the shared Resolver before
// dialing, so cache/dedup and the 5s resolution deadline apply uniformly
// to both CONNECT and absolute-form targets. When a discovery record names
// an alternate location for the request's host, that location is dialed
// instead of the host's own address.
func (h *Handler) dialTarget(ctx context.Context, hostport string) (net.Conn, error) {
	hostport = h.applyDiscoveredRoute(hostport)

	target, err := resolver.Parse(hostport)
	if err != nil {
		return nil, err
	}

	ip, err := h.Resolver.Resolve(ctx, target)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, h.connectTimeout())
	defer cancel()
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(int(target.Port)))
	conn, err := h.Dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, &errs.DialError{Target: addr, Cause: errs.ClassifyDialErr(err), Err: err}
	}
	return conn, nil
}

// applyDiscoveredRoute looks up hostport's bare host in the discovery
// table and, if a record names a reachable location, substitutes its
// host:port. Absence of a table or a matching record is benign: hostport
// is returned unchanged and the caller dials it directly.
func (h *Handler) applyDiscoveredRoute(hostport string) string {
	if h.Discovery == nil {
		return hostport
	}
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	rec, ok := h.Discovery.Lookup(host)
	if !ok {
		return hostport
	}
	u, err := url.Parse(rec.LocationURL)
	if err != nil || u.Host == "" {
		return hostport
	}
	return withDefaultPort(u.Host, port)
}

func (h *Handler) servePAC(dst io.ReadWriteCloser) error {
	body := h.pacDocument()
	resp := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: %s\r\nCache-Control: max-age=3600\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		"application/x-ns-proxy-autoconfig", len(body))
	if _, err := io.WriteString(dst, resp); err != nil {
		return err
	}
	_, err := dst.Write(body)
	return err
}

func (h *Handler) pacDocument() []byte {
	var sb strings.Builder
	sb.WriteString("function FindProxyForURL(url, host) {\n")
	for _, p := range bypassPatterns {
		fmt.Fprintf(&sb, "    if (shExpMatch(host, %q)) { return \"DIRECT\"; }\n", p)
	}
	fmt.Fprintf(&sb, "    return \"PROXY %s; DIRECT\";\n", h.ProxyAuthority)
	sb.WriteString("}\n")
	return []byte(sb.String())
}

// readRawHeader reads lines from br until a blank line (end of the
// header section), returning the exact bytes read. It errors if the
// accumulated section exceeds maxBytes before the terminator is found.
func readRawHeader(br *bufio.Reader, maxBytes int) ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := br.ReadString('\n')
		buf.WriteString(line)
		if buf.Len() > maxBytes {
			return nil, &errs.ProtocolError{Op: "http.read_header", Reason: "header section exceeds max bytes"}
		}
		if err != nil {
			return nil, err
		}
		if line == "\r\n" || line == "\n" {
			return buf.Bytes(), nil
		}
	}
}

// rewind wraps conn so any bytes bufio already buffered past the header
// terminator are re-emitted before further reads reach conn directly.
// Falls back to conn itself when it isn't a net.Conn (never happens via
// the listener, but keeps this package testable against plain pipes too).
func rewind(conn io.ReadWriteCloser, leftover []byte) io.ReadWriteCloser {
	if nc, ok := conn.(net.Conn); ok {
		return stream.New(nc, leftover)
	}
	if len(leftover) == 0 {
		return conn
	}
	return &leftoverConn{leftover: leftover, ReadWriteCloser: conn}
}

type leftoverConn struct {
	leftover []byte
	io.ReadWriteCloser
}

func (l *leftoverConn) Read(b []byte) (int, error) {
	if len(l.leftover) > 0 {
		n := copy(b, l.leftover)
		l.leftover = l.leftover[n:]
		return n, nil
	}
	return l.ReadWriteCloser.Read(b)
}

func withDefaultPort(hostport, defaultPort string) string {
	if _, _, err := net.SplitHostPort(hostport); err == nil {
		return hostport
	}
	return net.JoinHostPort(hostport, defaultPort)
}

func writeStatusLine(dst io.Writer, status string) {
	_, _ = io.WriteString(dst, "HTTP/1.1 "+status+"\r\n\r\n")
}

// Package socks5 implements the SOCKS5 Handler (section 4.F): RFC 1928
// CONNECT-only, no-authentication handshake followed by a relay.
//
// New to this module — the teacher has no SOCKS5 support. Structured the
// way the teacher structures handlers (small struct, a single
// Handle(ctx, stream) error method, log/slog with "in"/"host" attribute
// keys grounded on proxy/internal/websocket/handler.go, explicit per-step
// deadlines via conn.SetReadDeadline). The wire protocol and REP-code
// mapping come directly from the RFC, not from any example file.
package socks5

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/owlnet/portmux/internal/discovery"
	"github.com/owlnet/portmux/internal/errs"
	"github.com/owlnet/portmux/internal/model"
	"github.com/owlnet/portmux/internal/relay"
	"github.com/owlnet/portmux/internal/resolver"
)

const (
	version5 = 0x05

	methodNoAuth       = 0x00
	methodNoAcceptable = 0xFF

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSuccess             = 0x00
	repGeneralFailure      = 0x01
	repNetworkUnreachable  = 0x03
	repHostUnreachable     = 0x04
	repConnectionRefused   = 0x05
	repTTLExpired          = 0x06
	repCommandNotSupported = 0x07
	repAddressNotSupported = 0x08
)

// HandshakeReadDeadline bounds every read during the handshake (spec.md
// §4.F "Robustness").
const HandshakeReadDeadline = 30 * time.Second

// ConnectTimeout is the upstream dial deadline (spec.md §5).
const ConnectTimeout = 5 * time.Second

// Dialer opens an upstream connection.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// Handler serves SOCKS5-classified connections.
type Handler struct {
	Resolver *resolver.Resolver
	Dial     Dialer
	Logger   *slog.Logger

	// Discovery is consulted for domain targets before resolution; see
	// httpproxy.Handler.Discovery for the same nil-safe, absence-is-benign
	// contract.
	Discovery *discovery.Table

	// ConnectTimeout overrides ConnectTimeout; zero means use the package
	// default.
	ConnectTimeout time.Duration
}

// New constructs a Handler with a default net.Dialer egress. egressBindAddress,
// if non-empty, is used as the dialer's LocalAddr so outbound connections
// originate from that interface (spec.md §6 egress_bind_address).
func New(r *resolver.Resolver, egressBindAddress string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	// No dialer Timeout: dialTarget bounds every dial with connectTimeout().
	d := &net.Dialer{LocalAddr: egressLocalAddr(egressBindAddress)}
	return &Handler{Resolver: r, Dial: d.DialContext, Logger: logger, ConnectTimeout: ConnectTimeout}
}

// egressLocalAddr resolves egressBindAddress to a *net.TCPAddr suitable for
// net.Dialer.LocalAddr, or nil if unset.
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
	logger := h.Logger.With("in", "socks5.Handle")

	if err := h.greet(conn); err != nil {
		logger.Debug("greeting failed", "error", err)
		return err
	}

	target, err := h.readRequest(conn)
	if err != nil {
		logger.Debug("request failed", "error", err)
		return err
	}
	logger = logger.With("host", target.String())

	upstream, err := h.dialTarget(ctx, target)
	if err != nil {
		_ = writeReply(conn, replyCodeForErr(err), nil, 0)
		return err
	}
	defer upstream.Close()

	if err := writeSuccessReply(conn, upstream.LocalAddr()); err != nil {
		return err
	}

	relay.Relay(ctx, logger, conn, upstream)
	return nil
}

// greet performs the method-negotiation exchange, step 1-2 of spec.md
// §4.F. It replies 0x05 0xFF and returns an error when no-auth isn't
// offered by the client.
func (h *Handler) greet(conn io.ReadWriteCloser) error {
	hdr := make([]byte, 2)
	if err := readFull(conn, hdr); err != nil {
		return err
	}
	if hdr[0] != version5 {
		return &errs.ProtocolError{Op: "socks5.greet", Reason: fmt.Sprintf("unsupported version %d", hdr[0])}
	}

	nMethods := int(hdr[1])
	methods := make([]byte, nMethods)
	if err := readFull(conn, methods); err != nil {
		return err
	}

	hasNoAuth := false
	for _, m := range methods {
		if m == methodNoAuth {
			hasNoAuth = true
			break
		}
	}
	if !hasNoAuth {
		_, _ = conn.Write([]byte{version5, methodNoAcceptable})
		return &errs.ProtocolError{Op: "socks5.greet", Reason: "no acceptable auth method"}
	}

	_, err := conn.Write([]byte{version5, methodNoAuth})
	return err
}

// readRequest parses the CONNECT request, step 3 of spec.md §4.F.
func (h *Handler) readRequest(conn io.ReadWriteCloser) (model.Target, error) {
	hdr := make([]byte, 4)
	if err := readFull(conn, hdr); err != nil {
		return model.Target{}, err
	}
	ver, cmd, _, atyp := hdr[0], hdr[1], hdr[2], hdr[3]

	if ver != version5 {
		return model.Target{}, &errs.ProtocolError{Op: "socks5.request", Reason: fmt.Sprintf("unsupported version %d", ver)}
	}
	if cmd != cmdConnect {
		_ = writeReply(conn, repCommandNotSupported, nil, 0)
		return model.Target{}, &errs.ProtocolError{Op: "socks5.request", Reason: fmt.Sprintf("unsupported command %d", cmd)}
	}

	var kind model.AddrKind
	var host string
	switch atyp {
	case atypIPv4:
		b := make([]byte, 4)
		if err := readFull(conn, b); err != nil {
			return model.Target{}, err
		}
		kind = model.AddrIPv4
		host = net.IP(b).String()
	case atypDomain:
		lenBuf := make([]byte, 1)
		if err := readFull(conn, lenBuf); err != nil {
			return model.Target{}, err
		}
		b := make([]byte, lenBuf[0])
		if err := readFull(conn, b); err != nil {
			return model.Target{}, err
		}
		kind = model.AddrDomain
		host = string(b)
	case atypIPv6:
		b := make([]byte, 16)
		if err := readFull(conn, b); err != nil {
			return model.Target{}, err
		}
		kind = model.AddrIPv6
		host = net.IP(b).String()
	default:
		_ = writeReply(conn, repAddressNotSupported, nil, 0)
		return model.Target{}, &errs.ProtocolError{Op: "socks5.request", Reason: fmt.Sprintf("unsupported address type %d", atyp)}
	}

	portBuf := make([]byte, 2)
	if err := readFull(conn, portBuf); err != nil {
		return model.Target{}, err
	}
	port := binary.BigEndian.Uint16(portBuf)

	return model.Target{Kind: kind, Host: host, Port: port}, nil
}

func (h *Handler) dialTarget(ctx context.Context, target model.Target) (net.Conn, error) {
	target = h.applyDiscoveredRoute(target)

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

// applyDiscoveredRoute substitutes target for a discovery-announced
// alternate location when one is known for its domain name. IP targets
// are never looked up: a discovery Name is a hostname, not an address.
// Absence of a table or a matching record is benign.
func (h *Handler) applyDiscoveredRoute(target model.Target) model.Target {
	if h.Discovery == nil || target.Kind != model.AddrDomain {
		return target
	}
	rec, ok := h.Discovery.Lookup(target.Host)
	if !ok {
		return target
	}
	u, err := url.Parse(rec.LocationURL)
	if err != nil || u.Host == "" {
		return target
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return target
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return target
	}
	return model.Target{Kind: model.AddrDomain, Host: host, Port: uint16(port)}
}

// replyCodeForErr maps a dial/resolution failure to the REP-code table
// of spec.md §4.F step 4.
func replyCodeForErr(err error) byte {
	var cause errs.DialCause
	switch e := err.(type) {
	case *errs.DialError:
		cause = e.Cause
	case *errs.ResolutionError:
		cause = e.Cause
	default:
		return repGeneralFailure
	}
	switch cause {
	case errs.DialRefused:
		return repConnectionRefused
	case errs.DialHostUnreachable:
		return repHostUnreachable
	case errs.DialNetworkUnreachable:
		return repNetworkUnreachable
	case errs.DialTimedOut:
		return repTTLExpired
	default:
		return repGeneralFailure
	}
}

func writeSuccessReply(conn io.Writer, bindAddr net.Addr) error {
	tcpAddr, ok := bindAddr.(*net.TCPAddr)
	if !ok || tcpAddr.IP == nil {
		return writeReply(conn, repSuccess, net.IPv4zero, 0)
	}
	return writeReply(conn, repSuccess, tcpAddr.IP, uint16(tcpAddr.Port))
}

func writeReply(conn io.Writer, rep byte, ip net.IP, port uint16) error {
	var atyp byte
	var addrBytes []byte
	switch {
	case ip == nil:
		atyp, addrBytes = atypIPv4, net.IPv4zero.To4()
	case ip.To4() != nil:
		atyp, addrBytes = atypIPv4, ip.To4()
	default:
		atyp, addrBytes = atypIPv6, ip.To16()
	}

	buf := make([]byte, 0, 6+len(addrBytes))
	buf = append(buf, version5, rep, 0x00, atyp)
	buf = append(buf, addrBytes...)
	buf = binary.BigEndian.AppendUint16(buf, port)

	_, err := conn.Write(buf)
	return err
}

func readFull(conn io.ReadWriteCloser, buf []byte) error {
	if nc, ok := conn.(net.Conn); ok {
		_ = nc.SetReadDeadline(time.Now().Add(HandshakeReadDeadline))
		defer nc.SetReadDeadline(time.Time{})
	}
	_, err := io.ReadFull(conn, buf)
	if err != nil {
		return &errs.ProtocolError{Op: "socks5.read", Reason: err.Error()}
	}
	return nil
}

// Package listener implements the Universal Listener (section 4.H): an
// accept loop that TCP-tunes each connection, peeks a detection prefix,
// dispatches through the Protocol Registry, and spawns the selected
// handler without blocking the loop.
//
// Grounded on proxy/entry.go's wrapListener (decorate-then-Accept shape,
// logging one line per accepted connection) generalized from an
// HTTP-server-owned listener to a raw accept loop driving
// internal/registry directly.
package listener

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/owlnet/portmux/internal/channel"
	"github.com/owlnet/portmux/internal/registry"
	"github.com/owlnet/portmux/internal/stream"
)

// PeekDeadline is the hard deadline for collecting the detection prefix
// (spec.md §4.H step 2 / §5).
const PeekDeadline = 2 * time.Second

// TCPTuning holds the per-connection socket tuning spec.md §4.H step 1
// names. A zero TCPTuning passed to New is replaced by DefaultTuning; a
// zero keepalive idle, interval or count uses Go's net.KeepAliveConfig
// default for that field.
type TCPTuning struct {
	NoDelay          bool
	KeepAlive        bool
	KeepAliveIdle    time.Duration
	KeepAliveInterval time.Duration
	KeepAliveCount   int
}

// DefaultTuning matches spec.md §4.H's reference values.
var DefaultTuning = TCPTuning{
	NoDelay:           true,
	KeepAlive:         true,
	KeepAliveIdle:     30 * time.Second,
	KeepAliveInterval: 10 * time.Second,
	KeepAliveCount:    3,
}

// Listener drives the accept loop over an already-bound net.Listener.
type Listener struct {
	ln       net.Listener
	registry *registry.Registry
	channels *channel.Manager
	tuning   TCPTuning
	logger   *slog.Logger

	// PeekTimeout overrides PeekDeadline; exported so callers that load a
	// configurable peek-timeout-ms option can apply it after construction.
	PeekTimeout time.Duration
}

// New constructs a Listener. tuning.NoDelay/KeepAlive default to
// DefaultTuning's values when tuning is the zero value.
func New(ln net.Listener, reg *registry.Registry, channels *channel.Manager, tuning TCPTuning, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	if tuning == (TCPTuning{}) {
		tuning = DefaultTuning
	}
	return &Listener{ln: ln, registry: reg, channels: channels, tuning: tuning, logger: logger, PeekTimeout: PeekDeadline}
}

// Serve runs the accept loop until ctx is cancelled or Accept returns a
// non-temporary error; temporary errors (e.g. EMFILE) are logged and
// retried after a short sleep. It never blocks on handler completion: each
// dispatched connection runs in its own goroutine.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				l.logger.Error("accept failed, retrying", "error", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
			l.logger.Error("accept failed", "error", err)
			return err
		}
		go l.serveOne(ctx, conn)
	}
}

func (l *Listener) serveOne(ctx context.Context, conn net.Conn) {
	tuneTCP(conn, l.tuning)

	prefix, err := peek(conn, l.registry.MaxDetectionBytes(), l.PeekTimeout)
	if err != nil {
		l.logger.Debug("peek failed, dropping connection", "remote", conn.RemoteAddr(), "error", err)
		_ = conn.Close()
		return
	}

	handler, name, tag, ok := l.registry.Dispatch(prefix)
	if !ok {
		l.logger.Debug("no handler matched, closing", "remote", conn.RemoteAddr(), "tag", tag.String())
		_ = conn.Close()
		return
	}

	lease, err := l.channels.Open(channelName(name))
	if err != nil {
		l.logger.Debug("channel at capacity, dropping connection", "channel", name, "error", err)
		_ = conn.Close()
		return
	}

	l.logger.Info("dispatching connection", "remote", conn.RemoteAddr(), "handler", name,
		"tag", tag.String(), "connection_id", lease.ID)

	wrapped := stream.New(conn, prefix)
	go func() {
		defer lease.Close()
		defer conn.Close()
		if err := handler.Handle(ctx, wrapped); err != nil && !isBenignHandlerErr(err) {
			l.channels.Channel(channelName(name)).RecordError()
			l.logger.Debug("handler returned error", "handler", name, "error", err)
		}
	}()
}

func channelName(descriptorName string) string {
	if descriptorName == "" {
		return "fallback"
	}
	return descriptorName
}

func isBenignHandlerErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed)
}

// peek collects up to maxBytes from conn without losing them for the
// handler, by reading into a buffer under a temporary read deadline and
// returning the bytes actually read (spec.md §4.H step 2 note: read-and-
// buffer is an accepted equivalent to a true non-destructive peek).
func peek(conn net.Conn, maxBytes int, deadline time.Duration) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
		return nil, err
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, maxBytes)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		return nil, err
	}
	return buf[:n], nil
}

// tuneTCP applies spec.md §4.H step 1's socket options when conn is a
// *net.TCPConn. Unsupported platforms/options are skipped silently, per
// spec.
func tuneTCP(conn net.Conn, t TCPTuning) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if t.NoDelay {
		_ = tcpConn.SetNoDelay(true)
	}
	if t.KeepAlive {
		_ = tcpConn.SetKeepAliveConfig(net.KeepAliveConfig{
			Enable:   true,
			Idle:     t.KeepAliveIdle,
			Interval: t.KeepAliveInterval,
			Count:    t.KeepAliveCount,
		})
	}
}

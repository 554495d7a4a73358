// Package relay implements the Relay Engine (section 4.D): a bidirectional
// byte pump between two streams with half-close propagation and
// cancellation.
//
// Grounded on proxy/internal/websocket/handler.go's transfer/logErr pair:
// two io.Copy goroutines racing into a shared error channel, a done
// channel to prevent goroutine leaks, and a fixed allowlist of benign
// network errors that are logged at Debug rather than Error.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
)

// BufferSize is the reference per-direction buffer budget from spec.md §4.D.
const BufferSize = 16 * 1024

// halfCloser is satisfied by connections that can shut down their write
// side independently (e.g. *net.TCPConn, *stream.Prefixed).
type halfCloser interface {
	CloseWrite() error
}

// Relay pumps bytes between a and b in both directions until either side
// sees EOF or a fatal I/O error, propagating half-close and cancelling the
// other direction on error. It returns once both directions have finished,
// or as soon as ctx is cancelled, after closing both a and b.
func Relay(ctx context.Context, logger *slog.Logger, a, b io.ReadWriteCloser) {
	if logger == nil {
		logger = slog.Default()
	}

	done := make(chan struct{})
	defer close(done)

	errCh := make(chan error, 2)

	pump := func(dst, src io.ReadWriteCloser, direction string) {
		buf := make([]byte, BufferSize)
		_, err := io.CopyBuffer(dst, src, buf)
		logger.Debug("relay direction ended", "direction", direction, "error", err)

		// Half-close: stop writing to dst, but let the opposite pump keep
		// draining until it independently terminates.
		if hc, ok := dst.(halfCloser); ok {
			_ = hc.CloseWrite()
		} else {
			_ = dst.Close()
		}

		select {
		case <-done:
		case errCh <- err:
		}
	}

	go pump(b, a, "a->b")
	go pump(a, b, "b->a")

	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			if err != nil && !isBenign(err) {
				logger.Error("relay error", "error", err)
				_ = a.Close()
				_ = b.Close()
			}
		case <-ctx.Done():
			_ = a.Close()
			_ = b.Close()
			return
		}
	}
}

// isBenign filters the network errors that are expected noise in the wild
// (peer reset, broken pipe, timeouts, use-of-closed-connection after the
// relay already tore down one side) from genuinely unexpected failures.
func isBenign(err error) bool {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	for _, substr := range []string{
		"connection reset by peer",
		"broken pipe",
		"use of closed network connection",
		"i/o timeout",
		"operation was canceled",
		"context canceled",
		"deadline exceeded",
		"operation timed out",
	} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

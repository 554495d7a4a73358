// Package binding implements the Binding Strategy (section 4.J): bind the
// primary (interface_hint, bind_address, port) triple, retrying against a
// fixed loopback fallback if the primary bind fails, then report which
// configuration ended up active.
//
// The bind-then-report shape is grounded on proxy/entry.go's start()
// (listen, log the active address, hand the listener to the accept loop)
// and proxy/instance_logger.go's InstanceLogger, which is the precedent
// for logging "which config is active" once at startup with bound fields.
package binding

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/owlnet/portmux/internal/errs"
)

// Target is a single (interface_hint, bind_address, port) bind attempt.
type Target struct {
	InterfaceHint string
	BindAddress   string
	Port          uint16
}

func (t Target) addr() string {
	return fmt.Sprintf("%s:%d", t.BindAddress, t.Port)
}

// Fallback is the fixed loopback target spec.md §4.J retries against when
// the primary bind fails for any reason.
var Fallback = Target{InterfaceHint: "lo", BindAddress: "127.0.0.1", Port: 8888}

// Result reports which of the two configurations ended up bound.
type Result struct {
	Listener net.Listener
	Active   Target
	UsedFallback bool
}

// Bind attempts primary, falling back to Fallback on any error, and fails
// hard (errs.BindError) if both attempts fail. It applies SO_REUSEADDR
// always and SO_REUSEPORT where the platform supports it.
func Bind(ctx context.Context, logger *slog.Logger, primary Target) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}

	lc := net.ListenConfig{Control: controlReuseAddrPort}

	ln, err := lc.Listen(ctx, "tcp", primary.addr())
	if err == nil {
		logger.Info("bound listener", "interface_hint", primary.InterfaceHint,
			"bind_address", primary.BindAddress, "port", primary.Port, "fallback", false)
		return &Result{Listener: ln, Active: primary}, nil
	}
	primaryErr := err
	logger.Info("primary bind failed, retrying fallback", "error", err,
		"bind_address", primary.BindAddress, "port", primary.Port)

	ln, err = lc.Listen(ctx, "tcp", Fallback.addr())
	if err != nil {
		return nil, &errs.BindError{Primary: primary.addr(), Fallback: Fallback.addr(), Err: err}
	}

	logger.Info("bound listener", "interface_hint", Fallback.InterfaceHint,
		"bind_address", Fallback.BindAddress, "port", Fallback.Port, "fallback", true,
		"primary_error", primaryErr)
	return &Result{Listener: ln, Active: Fallback, UsedFallback: true}, nil
}

// controlReuseAddrPort sets SO_REUSEADDR (always) and SO_REUSEPORT (best
// effort, ignored where unsupported) on the listening socket before bind.
func controlReuseAddrPort(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		// SO_REUSEPORT is a nice-to-have; some platforms/containers deny
		// it even with CAP_NET_ADMIN, so failures here are not fatal.
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

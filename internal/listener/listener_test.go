package listener_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/owlnet/portmux/internal/channel"
	"github.com/owlnet/portmux/internal/listener"
	"github.com/owlnet/portmux/internal/model"
	"github.com/owlnet/portmux/internal/registry"
)

func echoHandler() registry.HandlerFunc {
	return func(ctx context.Context, conn io.ReadWriteCloser) error {
		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if err != nil {
			return err
		}
		_, err = conn.Write(buf[:n])
		return err
	}
}

func TestServeDispatchesAndEchoes(t *testing.T) {
	c := qt.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, qt.IsNil)

	reg := registry.New(64)
	reg.Register(registry.Descriptor{
		Name: "probe",
		Detector: registry.DetectorFunc(func(prefix []byte) model.DetectionResult {
			if len(prefix) > 0 {
				return model.DetectionResult{Tag: model.Http, BytesConsumed: len(prefix)}
			}
			return model.DetectionResult{Tag: model.Unknown}
		}),
		Handler:  echoHandler(),
		Priority: 1,
	})

	mgr := channel.NewManager(0)
	l := listener.New(ln, reg, mgr, listener.TCPTuning{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go l.Serve(ctx)

	conn, err := net.Dial("tcp", ln.Addr().String())
	c.Assert(err, qt.IsNil)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	c.Assert(err, qt.IsNil)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	c.Assert(err, qt.IsNil)
	c.Assert(string(buf), qt.Equals, "ping")
}

func TestServeClosesUnmatchedConnections(t *testing.T) {
	c := qt.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, qt.IsNil)

	reg := registry.New(64) // no descriptors, no fallback
	mgr := channel.NewManager(0)
	l := listener.New(ln, reg, mgr, listener.TCPTuning{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)

	conn, err := net.Dial("tcp", ln.Addr().String())
	c.Assert(err, qt.IsNil)
	defer conn.Close()

	_, err = conn.Write([]byte("x"))
	c.Assert(err, qt.IsNil)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	c.Assert(err, qt.Not(qt.IsNil))
}

package socks5_test

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/owlnet/portmux/internal/discovery"
	"github.com/owlnet/portmux/internal/resolver"
	"github.com/owlnet/portmux/internal/socks5"
)

func domainRequest(name string, port uint16) []byte {
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(name))}
	req = append(req, []byte(name)...)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, port)
	return append(req, portBuf...)
}

func newHandler() *socks5.Handler {
	return socks5.New(resolver.New(), "", nil)
}

func TestHandleConnectIPv4Success(t *testing.T) {
	c := qt.New(t)
	h := newHandler()

	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, qt.IsNil)
	defer upstream.Close()
	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 16)
		n, _ := conn.Read(buf)
		conn.Write(buf[:n])
	}()

	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- h.Handle(context.Background(), server) }()

	// Greeting: VER=5, NMETHODS=1, METHODS={0x00}
	_, err = client.Write([]byte{0x05, 0x01, 0x00})
	c.Assert(err, qt.IsNil)

	greetReply := make([]byte, 2)
	_, err = io.ReadFull(client, greetReply)
	c.Assert(err, qt.IsNil)
	c.Assert(greetReply, qt.DeepEquals, []byte{0x05, 0x00})

	tcpAddr := upstream.Addr().(*net.TCPAddr)
	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, tcpAddr.IP.To4()...)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, uint16(tcpAddr.Port))
	req = append(req, portBuf...)
	_, err = client.Write(req)
	c.Assert(err, qt.IsNil)

	reply := make([]byte, 10)
	_, err = io.ReadFull(client, reply)
	c.Assert(err, qt.IsNil)
	c.Assert(reply[0], qt.Equals, byte(0x05))
	c.Assert(reply[1], qt.Equals, byte(0x00))
	c.Assert(reply[3], qt.Equals, byte(0x01)) // ATYP IPv4

	_, err = client.Write([]byte("ping"))
	c.Assert(err, qt.IsNil)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, 4)
	_, err = io.ReadFull(client, got)
	c.Assert(err, qt.IsNil)
	c.Assert(string(got), qt.Equals, "ping")

	client.Close()
	<-done
}

func TestNewBindsEgressAddress(t *testing.T) {
	c := qt.New(t)
	h := socks5.New(resolver.New(), "127.0.0.1", nil)

	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, qt.IsNil)
	defer upstream.Close()

	remoteAddr := make(chan net.Addr, 1)
	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		remoteAddr <- conn.RemoteAddr()
	}()

	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- h.Handle(context.Background(), server) }()

	_, err = client.Write([]byte{0x05, 0x01, 0x00})
	c.Assert(err, qt.IsNil)
	greetReply := make([]byte, 2)
	_, err = io.ReadFull(client, greetReply)
	c.Assert(err, qt.IsNil)

	tcpAddr := upstream.Addr().(*net.TCPAddr)
	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, tcpAddr.IP.To4()...)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, uint16(tcpAddr.Port))
	req = append(req, portBuf...)
	_, err = client.Write(req)
	c.Assert(err, qt.IsNil)

	reply := make([]byte, 10)
	_, err = io.ReadFull(client, reply)
	c.Assert(err, qt.IsNil)

	select {
	case addr := <-remoteAddr:
		host, _, err := net.SplitHostPort(addr.String())
		c.Assert(err, qt.IsNil)
		c.Assert(host, qt.Equals, "127.0.0.1")
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never observed a connection")
	}

	client.Close()
	<-done
}

func TestHandleRejectsNonNoAuth(t *testing.T) {
	c := qt.New(t)
	h := newHandler()

	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- h.Handle(context.Background(), server) }()

	_, err := client.Write([]byte{0x05, 0x01, 0x02}) // only method 0x02 offered
	c.Assert(err, qt.IsNil)

	reply := make([]byte, 2)
	_, err = io.ReadFull(client, reply)
	c.Assert(err, qt.IsNil)
	c.Assert(reply, qt.DeepEquals, []byte{0x05, 0xFF})

	c.Assert(<-done, qt.Not(qt.IsNil))
}

func TestHandleRejectsBadVersion(t *testing.T) {
	c := qt.New(t)
	h := newHandler()

	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- h.Handle(context.Background(), server) }()

	_, err := client.Write([]byte{0x04, 0x01, 0x00})
	c.Assert(err, qt.IsNil)

	c.Assert(<-done, qt.Not(qt.IsNil))
	client.Close()
}

func TestHandleRejectsUnsupportedCommand(t *testing.T) {
	c := qt.New(t)
	h := newHandler()

	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- h.Handle(context.Background(), server) }()

	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	c.Assert(err, qt.IsNil)
	greetReply := make([]byte, 2)
	_, err = io.ReadFull(client, greetReply)
	c.Assert(err, qt.IsNil)

	// CMD=0x02 (BIND), unsupported.
	req := []byte{0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50}
	_, err = client.Write(req)
	c.Assert(err, qt.IsNil)

	reply := make([]byte, 10)
	_, err = io.ReadFull(client, reply)
	c.Assert(err, qt.IsNil)
	c.Assert(reply[1], qt.Equals, byte(0x07))

	c.Assert(<-done, qt.Not(qt.IsNil))
	client.Close()
}

func TestHandleDomainConnectUsesDiscoveredRoute(t *testing.T) {
	c := qt.New(t)
	h := newHandler()

	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, qt.IsNil)
	defer upstream.Close()
	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 16)
		n, _ := conn.Read(buf)
		conn.Write(buf[:n])
	}()

	tbl := discovery.NewTable()
	tbl.Ingest(discovery.Record{Name: "printer.local", LocationURL: "http://" + upstream.Addr().String()})
	h.Discovery = tbl

	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- h.Handle(context.Background(), server) }()

	_, err = client.Write([]byte{0x05, 0x01, 0x00})
	c.Assert(err, qt.IsNil)
	greetReply := make([]byte, 2)
	_, err = io.ReadFull(client, greetReply)
	c.Assert(err, qt.IsNil)

	// "printer.local:9" would not resolve on its own; the table redirects
	// it to the real upstream listener's address.
	_, err = client.Write(domainRequest("printer.local", 9))
	c.Assert(err, qt.IsNil)

	reply := make([]byte, 10)
	_, err = io.ReadFull(client, reply)
	c.Assert(err, qt.IsNil)
	c.Assert(reply[1], qt.Equals, byte(0x00)) // REP success

	_, err = client.Write([]byte("ping"))
	c.Assert(err, qt.IsNil)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, 4)
	_, err = io.ReadFull(client, got)
	c.Assert(err, qt.IsNil)
	c.Assert(string(got), qt.Equals, "ping")

	client.Close()
	<-done
}

func TestHandleIPv4ConnectFailureMapsRefused(t *testing.T) {
	c := qt.New(t)
	h := newHandler()

	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- h.Handle(context.Background(), server) }()

	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	c.Assert(err, qt.IsNil)
	greetReply := make([]byte, 2)
	_, err = io.ReadFull(client, greetReply)
	c.Assert(err, qt.IsNil)

	// Connect to a port nothing listens on, on loopback: ECONNREFUSED.
	req := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x01}
	_, err = client.Write(req)
	c.Assert(err, qt.IsNil)

	reply := make([]byte, 10)
	_, err = io.ReadFull(client, reply)
	c.Assert(err, qt.IsNil)
	c.Assert(reply[1], qt.Equals, byte(0x05)) // REP connection refused

	c.Assert(<-done, qt.Not(qt.IsNil))
	client.Close()
}

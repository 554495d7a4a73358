// Package stream implements the Prefixed Stream (section 4.B): a net.Conn
// decorator that re-emits bytes already consumed for protocol detection
// before any further reads reach the underlying connection.
//
// Grounded on proxy/internal/conn/wrapper.go's WrapClientConn, which wraps
// net.Conn with a bufio.Reader for Peek/Read and guards Close with a mutex
// so it only runs once. This type plays the same role but is driven
// directly by an explicit, already-read prefix rather than a live peek,
// matching spec.md §9's "read-and-rewind is the canonical implementation".
package stream

import (
	"net"
	"sync"
)

// Prefixed wraps a net.Conn so that the first len(prefix) bytes read come
// from prefix, after which reads pass through to the underlying
// connection. Writes always pass through. Closing Prefixed closes the
// underlying connection.
type Prefixed struct {
	net.Conn
	mu     sync.Mutex
	prefix []byte // remaining, undelivered prefix bytes
}

// New constructs a Prefixed stream over conn carrying the already-consumed
// prefix bytes. prefix is copied so the caller's buffer can be reused.
func New(conn net.Conn, prefix []byte) *Prefixed {
	p := make([]byte, len(prefix))
	copy(p, prefix)
	return &Prefixed{Conn: conn, prefix: p}
}

// Read implements net.Conn. Until the prefix is fully drained, reads are
// satisfied from it exclusively (short reads are permitted); once drained,
// reads pass through to the underlying connection unconditionally.
func (p *Prefixed) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()
	return p.Conn.Read(b)
}

// Unread reports the number of prefix bytes not yet delivered to a Read
// call. Used only for statistics/testing.
func (p *Prefixed) Unread() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prefix)
}

// halfCloser is satisfied by *net.TCPConn and similar connections that
// support shutting down one direction independently.
type halfCloser interface {
	CloseWrite() error
}

type halfReader interface {
	CloseRead() error
}

// CloseWrite shuts down the write side for half-close propagation in the
// Relay Engine. If the underlying connection has no CloseWrite, it closes
// the whole connection instead.
func (p *Prefixed) CloseWrite() error {
	if hc, ok := p.Conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return p.Conn.Close()
}

// CloseRead shuts down the read side. If the underlying connection has no
// CloseRead, it closes the whole connection instead.
func (p *Prefixed) CloseRead() error {
	if hr, ok := p.Conn.(halfReader); ok {
		return hr.CloseRead()
	}
	return p.Conn.Close()
}

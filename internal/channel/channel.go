// Package channel implements the Channel Manager (section 4.I): per-handler
// lifecycle bookkeeping and a cap on the number of distinct registered
// channel names.
//
// The ID and atomic-counter shapes are grounded on
// proxy/internal/conn/conn.go's ClientConn/Context (satori/go.uuid IDs,
// go.uber.org/atomic counters).
package channel

import (
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/atomic"

	"github.com/owlnet/portmux/internal/errs"
)

// Stats is an immutable snapshot of a Channel's counters, suitable for
// JSON encoding by internal/statsweb.
type Stats struct {
	Name              string    `json:"name"`
	ActiveConnections uint32    `json:"active_connections"`
	TotalConnections  uint64    `json:"total_connections"`
	BytesTransferred  uint64    `json:"bytes_transferred"`
	Errors            uint64    `json:"errors"`
	UptimeStartedAt   time.Time `json:"uptime_started_at"`
}

// Channel tracks the lifecycle and health counters for a single registered
// handler (e.g. "http", "socks5").
type Channel struct {
	Name string

	active  atomic.Uint32
	total   atomic.Uint64
	bytes   atomic.Uint64
	errors  atomic.Uint64
	started time.Time
}

func newChannel(name string) *Channel {
	return &Channel{Name: name, started: time.Now()}
}

// Stats returns a point-in-time snapshot of the channel's counters.
func (c *Channel) Stats() Stats {
	return Stats{
		Name:              c.Name,
		ActiveConnections: c.active.Load(),
		TotalConnections:  c.total.Load(),
		BytesTransferred:  c.bytes.Load(),
		Errors:            c.errors.Load(),
		UptimeStartedAt:   c.started,
	}
}

// AddBytes accumulates n into the channel's bytes-transferred counter.
// internal/relay does not report byte counts and the built-in handlers do
// not call AddBytes, so the counter only moves when a caller adds to it.
func (c *Channel) AddBytes(n uint64) {
	c.bytes.Add(n)
}

// RecordError increments the channel's error counter.
func (c *Channel) RecordError() {
	c.errors.Add(1)
}

// Connection is a single handle-scoped lease on a Channel's capacity. It
// must be closed exactly once, typically via a deferred Close in the
// handler that opened it.
type Connection struct {
	ID      uuid.UUID
	channel *Channel
	mgr     *Manager
	closed  atomic.Bool
}

// Close releases the connection's slot in the manager and decrements the
// channel's active-connection counter. Safe to call more than once.
func (cn *Connection) Close() {
	if cn.closed.Swap(true) {
		return
	}
	cn.channel.active.Sub(1)
	cn.mgr.release()
}

// Manager bounds the number of distinct registered channel names (spec.md
// §4.I max_channels) and hands out per-handler Channel counters. Per-channel
// active/total connection counts are tracked but never capped: the listener
// does not globally limit concurrent connections, only the set of distinct
// named channels it will track.
type Manager struct {
	mu          sync.Mutex
	channels    map[string]*Channel
	maxChannels int
	inFlight    int
}

// NewManager constructs a Manager. maxChannels <= 0 means unbounded.
func NewManager(maxChannels int) *Manager {
	return &Manager{
		channels:    make(map[string]*Channel),
		maxChannels: maxChannels,
	}
}

// Channel returns (creating if necessary) the named Channel's counters.
func (m *Manager) Channel(name string) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[name]
	if !ok {
		ch = newChannel(name)
		m.channels[name] = ch
	}
	return ch
}

// Open registers (or looks up) the named channel and leases a connection on
// it, incrementing the channel's active/total counters and the manager's
// in-flight count. max_channels bounds the number of distinct channel names
// the manager will register, not the number of concurrent connections: only
// opening a name that does not yet exist, once that many channels are
// already registered, returns a CapacityError. Opening an already-registered
// name always succeeds, however many connections are already active on it.
func (m *Manager) Open(name string) (*Connection, error) {
	m.mu.Lock()
	ch, ok := m.channels[name]
	if !ok {
		if m.maxChannels > 0 && len(m.channels) >= m.maxChannels {
			m.mu.Unlock()
			return nil, &errs.CapacityError{Channel: name}
		}
		ch = newChannel(name)
		m.channels[name] = ch
	}
	m.inFlight++
	m.mu.Unlock()

	ch.active.Add(1)
	ch.total.Add(1)

	return &Connection{ID: uuid.NewV4(), channel: ch, mgr: m}, nil
}

func (m *Manager) release() {
	m.mu.Lock()
	m.inFlight--
	m.mu.Unlock()
}

// InFlight returns the current count of open connections across all
// channels.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight
}

// Snapshot returns a Stats value for every registered channel, in no
// particular order.
func (m *Manager) Snapshot() []Stats {
	m.mu.Lock()
	names := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch)
	}
	m.mu.Unlock()

	out := make([]Stats, len(names))
	for i, ch := range names {
		out[i] = ch.Stats()
	}
	return out
}

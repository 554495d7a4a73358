package channel_test

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/owlnet/portmux/internal/channel"
	"github.com/owlnet/portmux/internal/errs"
)

func TestOpenIncrementsCounters(t *testing.T) {
	c := qt.New(t)
	mgr := channel.NewManager(0)

	conn, err := mgr.Open("http")
	c.Assert(err, qt.IsNil)
	c.Assert(conn.ID.String(), qt.Not(qt.Equals), "")

	stats := mgr.Channel("http").Stats()
	c.Assert(stats.ActiveConnections, qt.Equals, uint32(1))
	c.Assert(stats.TotalConnections, qt.Equals, uint64(1))

	conn.Close()
	stats = mgr.Channel("http").Stats()
	c.Assert(stats.ActiveConnections, qt.Equals, uint32(0))
	c.Assert(stats.TotalConnections, qt.Equals, uint64(1))
}

func TestCloseIsIdempotent(t *testing.T) {
	c := qt.New(t)
	mgr := channel.NewManager(0)

	conn, err := mgr.Open("socks5")
	c.Assert(err, qt.IsNil)

	conn.Close()
	conn.Close()

	c.Assert(mgr.Channel("socks5").Stats().ActiveConnections, qt.Equals, uint32(0))
	c.Assert(mgr.InFlight(), qt.Equals, 0)
}

func TestOpenRejectsNewChannelNameAtCapacity(t *testing.T) {
	c := qt.New(t)
	mgr := channel.NewManager(1)

	first, err := mgr.Open("http")
	c.Assert(err, qt.IsNil)

	// A second, distinct channel name exceeds max_channels=1.
	_, err = mgr.Open("socks5")
	c.Assert(err, qt.Not(qt.IsNil))
	var capErr *errs.CapacityError
	c.Assert(errAs(err, &capErr), qt.IsTrue)

	// Re-opening the already-registered name is never capped: this is a
	// per-connection lease on an existing channel, not a new registration.
	second, err := mgr.Open("http")
	c.Assert(err, qt.IsNil)
	c.Assert(mgr.Channel("http").Stats().ActiveConnections, qt.Equals, uint32(2))

	first.Close()
	second.Close()

	_, err = mgr.Open("socks5")
	c.Assert(err, qt.IsNil)
}

func errAs(err error, target **errs.CapacityError) bool {
	ce, ok := err.(*errs.CapacityError)
	if ok {
		*target = ce
	}
	return ok
}

func TestAddBytesAndRecordError(t *testing.T) {
	c := qt.New(t)
	mgr := channel.NewManager(0)
	ch := mgr.Channel("http")

	ch.AddBytes(1024)
	ch.RecordError()

	stats := ch.Stats()
	c.Assert(stats.BytesTransferred, qt.Equals, uint64(1024))
	c.Assert(stats.Errors, qt.Equals, uint64(1))
}

func TestSnapshotCoversAllChannels(t *testing.T) {
	c := qt.New(t)
	mgr := channel.NewManager(0)
	mgr.Channel("http")
	mgr.Channel("socks5")

	snap := mgr.Snapshot()
	c.Assert(snap, qt.HasLen, 2)
}

// Package discovery implements the discovery ingestion surface named in
// spec.md §1/§6: external discovery subsystems may deliver records, which
// the core uses only to populate an optional upstream route table.
// Discovery itself (SSDP/mDNS) is out of scope; absence of any records is
// benign.
//
// The LRU-bounded table is grounded on the same
// github.com/golang/groupcache/lru usage as internal/resolver's
// resolution cache.
package discovery

import (
	"sync"

	"github.com/golang/groupcache/lru"
)

const defaultRouteEntries = 256

// Capabilities flags which protocols a discovered location serves.
type Capabilities struct {
	Proxy  bool
	Socks5 bool
	HTTP   bool
	HTTPS  bool
}

// Record is a single discovery announcement.
type Record struct {
	LocationURL  string
	Name         string
	Capabilities Capabilities
}

// Table is an LRU-bounded, thread-safe route table keyed by destination
// host. It is populated only via Ingest and consulted only via Lookup;
// the core never blocks waiting for it to be populated.
type Table struct {
	mu    sync.Mutex
	cache *lru.Cache
}

// NewTable constructs a Table with the default bound.
func NewTable() *Table {
	return &Table{cache: lru.New(defaultRouteEntries)}
}

// Sink receives discovery records as external subsystems deliver them.
type Sink interface {
	Ingest(rec Record)
}

// Ingest implements Sink, keying the route table by Name.
func (t *Table) Ingest(rec Record) {
	if rec.Name == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Add(rec.Name, rec)
}

// Lookup returns the most recently ingested record for name, if any.
// Absence is benign: callers fall back to direct dial.
func (t *Table) Lookup(name string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.cache.Get(name)
	if !ok {
		return Record{}, false
	}
	return v.(Record), true
}

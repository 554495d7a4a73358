// Package resolver implements the Target Resolver (section 4.C): parsing
// of host:port forms and name resolution bounded by a hard per-attempt
// deadline.
//
// Parsing is grounded on internal/helper/helper.go's CanonicalAddr
// (net.JoinHostPort usage, default ports by scheme). The resolution cache
// and duplicate-suppression are grounded on examples/trusted-ca/trustedca.go,
// which pairs github.com/golang/groupcache/lru with
// github.com/golang/groupcache/singleflight for exactly this
// cache-plus-dedup shape.
package resolver

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"
	"golang.org/x/net/idna"

	"github.com/owlnet/portmux/internal/errs"
	"github.com/owlnet/portmux/internal/model"
)

// Deadline is the hard per-attempt resolution timeout mandated by §4.C/§5.
const Deadline = 5 * time.Second

const defaultCacheEntries = 512

// Resolver parses and resolves target addresses, caching successful
// lookups for a bounded number of distinct hosts.
type Resolver struct {
	mu    sync.Mutex
	cache *lru.Cache
	group singleflight.Group
}

// New constructs a Resolver with the default cache size.
func New() *Resolver {
	return &Resolver{cache: lru.New(defaultCacheEntries)}
}

// Parse splits raw into a model.Target, handling bracketed IPv6
// ([::1]:443), bare IPv4 (10.0.0.1:80), and domain (example.com:443)
// forms. It does not perform name resolution.
func Parse(raw string) (model.Target, error) {
	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		return model.Target{}, &errs.ProtocolError{Op: "resolver.Parse", Reason: "malformed host:port: " + err.Error()}
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return model.Target{}, &errs.ProtocolError{Op: "resolver.Parse", Reason: "invalid port " + portStr}
	}

	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return model.Target{Kind: model.AddrIPv4, Host: ip4.String(), Port: uint16(port)}, nil
		}
		return model.Target{Kind: model.AddrIPv6, Host: ip.String(), Port: uint16(port)}, nil
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil || len(ascii) == 0 || len(ascii) > 253 {
		return model.Target{}, &errs.ProtocolError{Op: "resolver.Parse", Reason: "invalid domain " + host}
	}
	return model.Target{Kind: model.AddrDomain, Host: host, Port: uint16(port)}, nil
}

// Resolve returns the first IP address for target, using the host
// platform's name service with the hard 5s deadline. IPv4/IPv6 targets
// resolve to themselves without a lookup. Concurrent resolutions for the
// same host are deduplicated via singleflight; successful results are
// cached.
func (r *Resolver) Resolve(ctx context.Context, target model.Target) (net.IP, error) {
	if target.Kind != model.AddrDomain {
		ip := net.ParseIP(target.Host)
		if ip == nil {
			return nil, &errs.ResolutionError{Host: target.Host, Cause: errs.DialUnknown, Err: fmt.Errorf("not an IP: %s", target.Host)}
		}
		return ip, nil
	}

	if ip, ok := r.lookupCache(target.Host); ok {
		return ip, nil
	}

	ctx, cancel := context.WithTimeout(ctx, Deadline)
	defer cancel()

	v, err, _ := r.group.Do(target.Host, func() (any, error) {
		var resolver net.Resolver
		addrs, lookupErr := resolver.LookupIPAddr(ctx, target.Host)
		if lookupErr != nil {
			if ctx.Err() != nil {
				return nil, &errs.ResolutionError{Host: target.Host, Cause: errs.DialTimedOut, Err: ctx.Err()}
			}
			return nil, &errs.ResolutionError{Host: target.Host, Cause: errs.DialUnknown, Err: lookupErr}
		}
		if len(addrs) == 0 {
			return nil, &errs.ResolutionError{Host: target.Host, Cause: errs.DialUnknown, Err: fmt.Errorf("no addresses for %s", target.Host)}
		}
		ip := addrs[0].IP
		r.storeCache(target.Host, ip)
		return ip, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(net.IP), nil
}

func (r *Resolver) lookupCache(host string) (net.IP, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.cache.Get(host)
	if !ok {
		return nil, false
	}
	return v.(net.IP), true
}

func (r *Resolver) storeCache(host string, ip net.IP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Add(host, ip)
}

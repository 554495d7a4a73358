// Package proxy wires the universal listener, protocol registry, channel
// manager, binding strategy, resolver, discovery table, and optional stats
// server into a single runnable server.
//
// Grounded on proxy/proxy.go's Proxy struct (NewProxy builds every internal
// dependency, Start/Close/Shutdown delegate to the entry point) and
// proxy/instance_logger.go's instance-tagged logger, adapted from an
// http.Server-owning MITM proxy to a raw TCP dispatcher over
// internal/listener.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/owlnet/portmux/internal/binding"
	"github.com/owlnet/portmux/internal/channel"
	"github.com/owlnet/portmux/internal/config"
	"github.com/owlnet/portmux/internal/detect"
	"github.com/owlnet/portmux/internal/discovery"
	"github.com/owlnet/portmux/internal/httpproxy"
	"github.com/owlnet/portmux/internal/listener"
	"github.com/owlnet/portmux/internal/model"
	"github.com/owlnet/portmux/internal/registry"
	"github.com/owlnet/portmux/internal/resolver"
	"github.com/owlnet/portmux/internal/socks5"
	"github.com/owlnet/portmux/internal/statsweb"
	"github.com/owlnet/portmux/version"
)

// Priorities for the built-in descriptors (higher runs first). There is no
// overlap between the signatures these detectors recognize, so relative
// order only matters for the rare case of a future detector refinement.
const (
	PrioritySocks5 = 100
	PriorityHTTP   = 90
)

// Proxy is the top-level server: one Protocol Registry, one Channel
// Manager, one bound Universal Listener, and an optional stats server.
type Proxy struct {
	InstanceID string
	Version    string

	cfg       *config.Config
	logger    *slog.Logger
	registry  *registry.Registry
	channels  *channel.Manager
	resolver  *resolver.Resolver
	discovery *discovery.Table

	bound    *binding.Result
	listener *listener.Listener
	stats    *http.Server
}

// NewProxy builds every internal dependency from cfg but does not bind or
// listen yet; call Start for that.
func NewProxy(cfg *config.Config, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	instanceID := uuid.NewV4().String()[:8]
	logger = logger.With("instance_id", instanceID)

	res := resolver.New()
	disc := discovery.NewTable()
	reg := registry.New(cfg.PeekBudget)

	proxyAuthority := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.BindPort)
	connectTimeout := time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond

	httpHandler := httpproxy.New(proxyAuthority, res, cfg.EgressBindAddress, logger)
	httpHandler.Discovery = disc
	httpHandler.ConnectTimeout = connectTimeout

	socks5Handler := socks5.New(res, cfg.EgressBindAddress, logger)
	socks5Handler.Discovery = disc
	socks5Handler.ConnectTimeout = connectTimeout

	reg.Register(registry.Descriptor{
		Name:     "socks5",
		Detector: registry.DetectorFunc(tagDetector(model.Socks5)),
		Handler:  socks5Handler,
		Priority: PrioritySocks5,
	})
	reg.Register(registry.Descriptor{
		Name:     "http",
		Detector: registry.DetectorFunc(tagDetector(model.Http, model.Http2Preface, model.WebSocketUpgrade)),
		Handler:  httpHandler,
		Priority: PriorityHTTP,
	})

	p := &Proxy{
		InstanceID: instanceID,
		Version:    version.Version,
		cfg:        cfg,
		logger:     logger,
		registry:   reg,
		channels:   channel.NewManager(cfg.MaxChannels),
		resolver:   res,
		discovery:  disc,
	}

	if cfg.StatsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/stats", statsweb.NewServer(p.channels, logger))
		p.stats = &http.Server{Addr: cfg.StatsAddress, Handler: mux}
	}

	return p
}

// tagDetector adapts detect.Detect into a registry.Detector that only
// fires for one of the given tags, so the same shared detector function
// can back two differently-prioritized descriptors.
func tagDetector(tags ...model.Tag) func(prefix []byte) model.DetectionResult {
	want := make(map[model.Tag]bool, len(tags))
	for _, t := range tags {
		want[t] = true
	}
	return func(prefix []byte) model.DetectionResult {
		result := detect.Detect(prefix)
		if want[result.Tag] {
			return result
		}
		return model.DetectionResult{Tag: model.Unknown}
	}
}

// Start binds the configured address (falling back per internal/binding on
// failure), begins serving, and starts the stats server if configured. It
// returns once the bind has completed; serving runs in background
// goroutines.
func (p *Proxy) Start(ctx context.Context) error {
	primary := binding.Target{
		InterfaceHint: p.cfg.InterfaceHint,
		BindAddress:   p.cfg.BindAddress,
		Port:          p.cfg.BindPort,
	}
	bound, err := binding.Bind(ctx, p.logger, primary)
	if err != nil {
		return err
	}
	p.bound = bound

	tuning := listener.TCPTuning{
		NoDelay:           p.cfg.TCPNoDelay,
		KeepAlive:         p.cfg.TCPKeepAlive,
		KeepAliveIdle:     time.Duration(p.cfg.KeepAliveIdleS) * time.Second,
		KeepAliveInterval: time.Duration(p.cfg.KeepAliveIntervalS) * time.Second,
		KeepAliveCount:    p.cfg.KeepAliveCountS,
	}
	p.listener = listener.New(bound.Listener, p.registry, p.channels, tuning, p.logger)
	if p.cfg.PeekTimeoutMS > 0 {
		p.listener.PeekTimeout = time.Duration(p.cfg.PeekTimeoutMS) * time.Millisecond
	}

	go func() {
		if err := p.listener.Serve(ctx); err != nil {
			p.logger.Error("listener serve failed", "error", err)
		}
	}()

	if p.stats != nil {
		go func() {
			p.logger.Info("stats server listening", "addr", p.stats.Addr)
			if err := p.stats.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				p.logger.Error("stats server failed", "error", err)
			}
		}()
	}

	return nil
}

// Close immediately stops accepting new connections and closes the stats
// server. Connections already dispatched keep running until their handlers
// return.
func (p *Proxy) Close() error {
	var err error
	if p.bound != nil {
		err = p.bound.Listener.Close()
	}
	if p.stats != nil {
		_ = p.stats.Close()
	}
	return err
}

// Shutdown gracefully stops the stats server (if any) within ctx's
// deadline, then closes the main listener. The Universal Listener itself
// has no graceful-drain mode: in-flight connections keep relaying until
// their own Relay loop ends, since a proxy tunnel has no natural
// request/response boundary to wait on.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.stats != nil {
		_ = p.stats.Shutdown(ctx)
	}
	return p.Close()
}

// IngestDiscovery feeds a discovery announcement into the route table
// consulted by the HTTP and SOCKS5 handlers. Safe to call from any
// goroutine at any time, including before Start.
func (p *Proxy) IngestDiscovery(rec discovery.Record) {
	p.discovery.Ingest(rec)
}

// Snapshot returns the current per-channel counters.
func (p *Proxy) Snapshot() []channel.Stats {
	return p.channels.Snapshot()
}

// BoundAddress returns the address actually listening, once Start has
// succeeded.
func (p *Proxy) BoundAddress() string {
	if p.bound == nil {
		return ""
	}
	return p.bound.Listener.Addr().String()
}

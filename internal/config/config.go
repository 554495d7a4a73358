// Package config implements configuration loading (spec.md §6): flags
// first, then PORTMUX_* environment variables as a fallback, producing a
// ConfigurationError (exit code 1) on invalid values.
//
// Grounded on cmd/go-mitmproxy/utils.go's Config struct +
// cmd/dummycert/main.go's loadConfig() *Config shape (flag.StringVar,
// flag.Parse), generalized to also consult os.Getenv per field.
package config

import (
	"flag"
	"net"
	"strconv"

	"github.com/owlnet/portmux/internal/errs"
)

// Config holds the options table of spec.md §6.
type Config struct {
	BindAddress   string
	BindPort      uint16
	InterfaceHint string

	PeekBudget        int
	ConnectTimeoutMS  int
	PeekTimeoutMS     int
	MaxChannels       int

	TCPNoDelay         bool
	TCPKeepAlive       bool
	KeepAliveIdleS     int
	KeepAliveIntervalS int
	KeepAliveCountS    int

	EgressBindAddress string

	StatsAddress string // empty disables internal/statsweb
}

// Defaults matches spec.md §6's default column.
var Defaults = Config{
	BindAddress:        "0.0.0.0",
	BindPort:           8888,
	InterfaceHint:      "swlan0",
	PeekBudget:         1024,
	ConnectTimeoutMS:   5000,
	PeekTimeoutMS:      2000,
	MaxChannels:        100,
	TCPNoDelay:         true,
	TCPKeepAlive:       true,
	KeepAliveIdleS:     30,
	KeepAliveIntervalS: 10,
	KeepAliveCountS:    3,
}

// envLookup abstracts os.Getenv so tests can supply a fake environment.
type envLookup func(key string) (string, bool)

// Load parses flags (registered on fs) falling back to PORTMUX_* env vars
// read through lookupEnv for any flag not given in args, then validates
// the result.
func Load(fs *flag.FlagSet, args []string, lookupEnv envLookup) (*Config, error) {
	cfg := Defaults

	var bindPort, peekBudget, connectTimeoutMS, peekTimeoutMS, maxChannels int
	var keepAliveIdleS, keepAliveIntervalS, keepAliveCountS int
	var tcpNoDelay, tcpKeepAlive bool

	fs.StringVar(&cfg.BindAddress, "bind-address", cfg.BindAddress, "bind IP address")
	fs.IntVar(&bindPort, "bind-port", int(cfg.BindPort), "bind TCP port")
	fs.StringVar(&cfg.InterfaceHint, "interface-hint", cfg.InterfaceHint, "preferred network interface name")
	fs.IntVar(&peekBudget, "peek-budget", cfg.PeekBudget, "max detection bytes")
	fs.IntVar(&connectTimeoutMS, "connect-timeout-ms", cfg.ConnectTimeoutMS, "upstream connect timeout")
	fs.IntVar(&peekTimeoutMS, "peek-timeout-ms", cfg.PeekTimeoutMS, "peek deadline")
	fs.IntVar(&maxChannels, "max-channels", cfg.MaxChannels, "max concurrent channels")
	fs.BoolVar(&tcpNoDelay, "tcp-nodelay", cfg.TCPNoDelay, "set TCP_NODELAY")
	fs.BoolVar(&tcpKeepAlive, "tcp-keepalive", cfg.TCPKeepAlive, "set SO_KEEPALIVE")
	fs.IntVar(&keepAliveIdleS, "keepalive-idle-s", cfg.KeepAliveIdleS, "keepalive idle seconds")
	fs.IntVar(&keepAliveIntervalS, "keepalive-interval-s", cfg.KeepAliveIntervalS, "keepalive probe interval seconds")
	fs.IntVar(&keepAliveCountS, "keepalive-count", cfg.KeepAliveCountS, "keepalive probe count")
	fs.StringVar(&cfg.EgressBindAddress, "egress-bind-address", "", "optional outbound bind address")
	fs.StringVar(&cfg.StatsAddress, "stats-address", "", "optional stats websocket listen address")

	if err := fs.Parse(args); err != nil {
		return nil, &errs.ConfigurationError{Field: "flags", Reason: err.Error()}
	}

	cfg.BindPort = uint16(bindPort)
	cfg.PeekBudget = peekBudget
	cfg.ConnectTimeoutMS = connectTimeoutMS
	cfg.PeekTimeoutMS = peekTimeoutMS
	cfg.MaxChannels = maxChannels
	cfg.TCPNoDelay = tcpNoDelay
	cfg.TCPKeepAlive = tcpKeepAlive
	cfg.KeepAliveIdleS = keepAliveIdleS
	cfg.KeepAliveIntervalS = keepAliveIntervalS
	cfg.KeepAliveCountS = keepAliveCountS

	applyEnvFallback(fs, &cfg, lookupEnv)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvFallback overrides any flag not set on the command line with the
// matching PORTMUX_* environment variable, when present. A flag given
// explicitly, even with its default value, is never overridden.
func applyEnvFallback(fs *flag.FlagSet, cfg *Config, lookupEnv envLookup) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	str := func(flagName, envName string, dst *string) {
		if set[flagName] {
			return
		}
		if v, ok := lookupEnv(envName); ok && v != "" {
			*dst = v
		}
	}
	num := func(flagName, envName string, dst *int) {
		if set[flagName] {
			return
		}
		if v, ok := lookupEnv(envName); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	boolean := func(flagName, envName string, dst *bool) {
		if set[flagName] {
			return
		}
		if v, ok := lookupEnv(envName); ok && v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	bindPort := int(cfg.BindPort)
	str("bind-address", "PORTMUX_BIND_ADDRESS", &cfg.BindAddress)
	num("bind-port", "PORTMUX_BIND_PORT", &bindPort)
	cfg.BindPort = uint16(bindPort)
	str("interface-hint", "PORTMUX_INTERFACE_HINT", &cfg.InterfaceHint)
	num("peek-budget", "PORTMUX_PEEK_BUDGET", &cfg.PeekBudget)
	num("connect-timeout-ms", "PORTMUX_CONNECT_TIMEOUT_MS", &cfg.ConnectTimeoutMS)
	num("peek-timeout-ms", "PORTMUX_PEEK_TIMEOUT_MS", &cfg.PeekTimeoutMS)
	num("max-channels", "PORTMUX_MAX_CHANNELS", &cfg.MaxChannels)
	boolean("tcp-nodelay", "PORTMUX_TCP_NODELAY", &cfg.TCPNoDelay)
	boolean("tcp-keepalive", "PORTMUX_TCP_KEEPALIVE", &cfg.TCPKeepAlive)
	num("keepalive-idle-s", "PORTMUX_KEEPALIVE_IDLE_S", &cfg.KeepAliveIdleS)
	num("keepalive-interval-s", "PORTMUX_KEEPALIVE_INTERVAL_S", &cfg.KeepAliveIntervalS)
	num("keepalive-count", "PORTMUX_KEEPALIVE_COUNT", &cfg.KeepAliveCountS)
	str("egress-bind-address", "PORTMUX_EGRESS_BIND_ADDRESS", &cfg.EgressBindAddress)
}

func (c *Config) validate() error {
	if net.ParseIP(c.BindAddress) == nil {
		return &errs.ConfigurationError{Field: "bind_address", Reason: "not a valid IP literal"}
	}
	if c.BindPort == 0 {
		return &errs.ConfigurationError{Field: "bind_port", Reason: "must be nonzero"}
	}
	if c.PeekBudget < 24 {
		return &errs.ConfigurationError{Field: "peek_budget", Reason: "must be >= 24"}
	}
	if c.MaxChannels <= 0 {
		return &errs.ConfigurationError{Field: "max_channels", Reason: "must be positive"}
	}
	if c.EgressBindAddress != "" && net.ParseIP(c.EgressBindAddress) == nil {
		return &errs.ConfigurationError{Field: "egress_bind_address", Reason: "not a valid IP literal"}
	}
	return nil
}

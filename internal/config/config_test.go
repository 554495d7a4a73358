package config_test

import (
	"flag"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/owlnet/portmux/internal/config"
	"github.com/owlnet/portmux/internal/errs"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	c := qt.New(t)
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := config.Load(fs, nil, noEnv)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.BindAddress, qt.Equals, config.Defaults.BindAddress)
	c.Assert(cfg.BindPort, qt.Equals, config.Defaults.BindPort)
	c.Assert(cfg.MaxChannels, qt.Equals, config.Defaults.MaxChannels)
}

func TestLoadFlagOverridesDefault(t *testing.T) {
	c := qt.New(t)
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := config.Load(fs, []string{"-bind-port", "9999"}, noEnv)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.BindPort, qt.Equals, uint16(9999))
}

func TestLoadEnvFallsBackWhenFlagUnset(t *testing.T) {
	c := qt.New(t)
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	env := envMap(map[string]string{"PORTMUX_BIND_PORT": "7777"})
	cfg, err := config.Load(fs, nil, env)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.BindPort, qt.Equals, uint16(7777))
}

func TestLoadFlagTakesPrecedenceOverEnv(t *testing.T) {
	c := qt.New(t)
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	env := envMap(map[string]string{"PORTMUX_BIND_PORT": "7777"})
	cfg, err := config.Load(fs, []string{"-bind-port", "9999"}, env)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.BindPort, qt.Equals, uint16(9999))
}

func TestLoadRejectsInvalidBindAddress(t *testing.T) {
	c := qt.New(t)
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	_, err := config.Load(fs, []string{"-bind-address", "not-an-ip"}, noEnv)
	c.Assert(err, qt.Not(qt.IsNil))
	cfgErr, ok := err.(*errs.ConfigurationError)
	c.Assert(ok, qt.IsTrue)
	c.Assert(cfgErr.Field, qt.Equals, "bind_address")
}

func TestLoadRejectsTooSmallPeekBudget(t *testing.T) {
	c := qt.New(t)
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	_, err := config.Load(fs, []string{"-peek-budget", "4"}, noEnv)
	c.Assert(err, qt.Not(qt.IsNil))
}

// Command portmux runs the multi-protocol forwarding proxy: one listener,
// classified per connection into HTTP or SOCKS5 handling.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/owlnet/portmux/internal/config"
	"github.com/owlnet/portmux/internal/errs"
	"github.com/owlnet/portmux/proxy"
	"github.com/owlnet/portmux/version"
)

// Exit codes (spec.md §6).
const (
	exitOK            = 0
	exitConfiguration = 1
	exitBindFailure   = 2
	exitListenerFatal = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	showVersion := flag.Bool("version", false, "print version and exit")
	debug := flag.Bool("debug", false, "enable debug logging")

	fs := flag.CommandLine
	cfg, err := config.Load(fs, os.Args[1:], lookupEnv)

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *showVersion {
		fmt.Println("portmux: " + version.String())
		return exitOK
	}

	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return exitConfiguration
	}

	p := proxy.NewProxy(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := p.Start(ctx); err != nil {
		logger.Error("start failed", "error", err)
		if _, ok := err.(*errs.BindError); ok {
			return exitBindFailure
		}
		return exitListenerFatal
	}

	logger.Info("portmux started", "version", version.Version, "instance_id", p.InstanceID,
		"bound_address", p.BoundAddress())

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return exitListenerFatal
	}

	return exitOK
}

func lookupEnv(key string) (string, bool) {
	return os.LookupEnv(key)
}

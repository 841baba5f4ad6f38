// Command pureboot runs the boot dispatch and node lifecycle engine: the
// ProxyDHCP responder, TFTP gateway, and node-facing/agent-channel HTTP API
// all wired against one in-memory node store.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"golang.org/x/sync/errgroup"

	"github.com/pureboot/pureboot/internal/approvalsvc"
	"github.com/pureboot/pureboot/internal/audit"
	"github.com/pureboot/pureboot/internal/blobstore"
	"github.com/pureboot/pureboot/internal/clock"
	"github.com/pureboot/pureboot/internal/config"
	"github.com/pureboot/pureboot/internal/engine"
	"github.com/pureboot/pureboot/internal/httpserver"
	"github.com/pureboot/pureboot/internal/notify"
	"github.com/pureboot/pureboot/internal/store"
)

func main() {
	var exitCode int
	defer func() { os.Exit(exitCode) }()

	ctx, done := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM)
	defer done()

	c := &cli{Cfg: config.NewConfig(config.Config{})}

	rc := &ff.Command{
		Name:     "pureboot",
		Usage:    "pureboot [flags]",
		LongHelp: "pureboot dispatches netboot decisions and drives node lifecycle transitions.",
		Flags:    RegisterAllFlags(c),
	}

	if err := rc.Parse(os.Args[1:], ff.WithEnvVarPrefix("PUREBOOT")); err != nil {
		fmt.Fprintln(os.Stderr, ffhelp.Command(rc))
		if !errors.Is(err, ff.ErrHelp) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			exitCode = 1
		}
		return
	}

	log := defaultLogger(c.LogLevel)
	log.Info("starting pureboot",
		"tftpEnabled", c.Cfg.TFTP.Enabled,
		"dhcpProxyEnabled", c.Cfg.DHCPProxy.Enabled,
		"notifyEnabled", c.Cfg.Notify.Enabled,
	)

	notifier, err := buildNotifier(c.Cfg.Notify)
	if err != nil {
		log.Error(err, "failed to configure notify publisher")
		exitCode = 1
		return
	}

	wallClock := clock.Real{}
	e := engine.New(c.Cfg, engine.Collaborators{
		Store:     store.NewMemory(wallClock),
		Blobs:     blobstore.NewMemory(),
		Approvals: approvalsvc.NewMemory(wallClock),
		AuditSink: audit.NewMemory(),
		Clock:     wallClock,
		Notifier:  notifier,
	}, log)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.Run(ctx)
	})

	g.Go(func() error {
		hc := httpserver.Config{BindAddr: c.Cfg.HTTP.BindAddr.String(), BindPort: c.Cfg.HTTP.BindPort}
		return hc.Serve(ctx, log.WithValues("listener", "http"), e.HTTPAPI.Router())
	})

	// The Agent Channel (C6) is registered on the same router as the
	// node-facing API (C5); serving it on a second listener lets an
	// operator firewall the two surfaces apart without a route split.
	g.Go(func() error {
		ac := httpserver.Config{BindAddr: c.Cfg.Agent.BindAddr.String(), BindPort: c.Cfg.Agent.BindPort}
		return ac.Serve(ctx, log.WithValues("listener", "agent"), e.HTTPAPI.Router())
	})

	if c.Cfg.TFTP.Enabled {
		g.Go(func() error {
			addr := fmt.Sprintf("%s:%d", c.Cfg.TFTP.BindAddr, c.Cfg.TFTP.BindPort)
			return e.TFTP.ListenAndServe(ctx, addr)
		})
	}

	if c.Cfg.DHCPProxy.Enabled {
		g.Go(func() error {
			addr := fmt.Sprintf("%s:%d", c.Cfg.DHCPProxy.BindAddr, c.Cfg.DHCPProxy.BindPort)
			return e.DHCP.ListenAndServe(ctx, addr)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error(err, "pureboot exited with error")
		exitCode = 1
		return
	}
	log.Info("stopped pureboot")
}

// buildNotifier dials the configured NATS broker, or returns nil so
// engine.New falls back to notify.NoopPublisher (spec.md: a broker is
// always optional).
func buildNotifier(cfg config.Notify) (notify.Publisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return notify.Connect(cfg.Addr, cfg.SubjectPrefix)
}

// defaultLogger uses the slog logr implementation, trimming source file
// paths to the repository-relative portion and rendering -log-level as a
// raw integer in emitted logs.
func defaultLogger(level int) logr.Logger {
	customAttr := func(_ []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			ss, ok := a.Value.Any().(*slog.Source)
			if !ok || ss == nil {
				return a
			}
			ss.Function = ""
			p := strings.Split(ss.File, "/")
			var idx int
			for i, v := range p {
				if v == "pureboot" {
					idx = i
					break
				}
			}
			ss.File = filepath.Join(p[idx:]...)
			return a
		}
		if a.Key == slog.LevelKey {
			b, ok := a.Value.Any().(slog.Level)
			if !ok {
				return a
			}
			a.Value = slog.Float64Value(math.Abs(float64(b)))
			return a
		}
		return a
	}
	opts := &slog.HandlerOptions{
		AddSource:   true,
		Level:       slog.Level(-level),
		ReplaceAttr: customAttr,
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, opts))
	return logr.FromSlogHandler(log.Handler())
}

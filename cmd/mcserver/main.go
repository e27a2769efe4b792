// Command mcserver is a minimal example of wiring mccore into a standalone
// process: it loads a YAML configuration, registers one example
// calibration segment and one example DAQ event, and serves XCP
// connections over the reference Ethernet transport until interrupted.
//
// Usage:
//
//	mcserver --config /etc/mccore/mccore.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/xcplite/mccore/internal/calseg"
	"github.com/xcplite/mccore/internal/daq"
	"github.com/xcplite/mccore/internal/dtoring"
	"github.com/xcplite/mccore/internal/mcconfig"
	"github.com/xcplite/mccore/internal/registry"
	"github.com/xcplite/mccore/internal/transport"
	"github.com/xcplite/mccore/internal/xcp"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "mcserver: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("mcserver", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML configuration file (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return fmt.Errorf("--config is required")
	}

	cfg, err := mcconfig.ParseFile(*configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging)

	reg, cal, daqCfg, ring, srv := buildServer(cfg, logger)
	registerExampleObjects(reg, cal, daqCfg)
	reg.Freeze()

	addr := net.JoinHostPort(cfg.Transport.Addr, fmt.Sprintf("%d", cfg.Transport.Port))
	ln, err := transport.Listen(addr, logger)
	if err != nil {
		return err
	}
	defer ln.Close()
	logger.Info("mcserver: listening", "addr", ln.Addr().String(), "protocol", cfg.Transport.Protocol)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return acceptLoop(ctx, ln, srv, logger)
}

func newLogger(cfg mcconfig.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case mcconfig.LogLevelDebug:
		level = slog.LevelDebug
	case mcconfig.LogLevelWarn:
		level = slog.LevelWarn
	case mcconfig.LogLevelError:
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == mcconfig.LogFormatText {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func buildServer(cfg *mcconfig.Config, logger *slog.Logger) (*registry.Registry, *calseg.Engine, *daq.Config, *dtoring.Ring, *xcp.Server) {
	reg := registry.New(cfg.App.SegmentBase, cfg.App.AutoEPK)
	cal := calseg.NewEngine()
	daqCfg := daq.NewConfig(cfg.Daq.MaxDTO, cfg.Daq.MaxDAQ, cfg.Daq.MaxEvent, cfg.Daq.HeaderSize)
	ring := dtoring.New(cfg.Daq.RingDepth, int(cfg.Daq.MaxDTO))

	srv := xcp.New(reg, cal, daqCfg, ring, 8, cfg.Daq.MaxDTO, uint8(cfg.Daq.HeaderSize), xcp.WithLogger(logger))
	return reg, cal, daqCfg, ring, srv
}

// registerExampleObjects seeds the registry with one calibration segment
// and one 100ms DAQ event, standing in for the application-specific
// measurement/calibration objects a real embedding program would declare.
func registerExampleObjects(reg *registry.Registry, cal *calseg.Engine, daqCfg *daq.Config) {
	if err := reg.SetAppInfo("mcserver-example", "example mccore wiring", 1); err != nil {
		panic(err)
	}

	desc, err := reg.AddCalSeg("params", 16)
	if err != nil {
		panic(err)
	}
	if _, err := cal.Create("params", desc.Index, make([]byte, 16)); err != nil {
		panic(err)
	}

	const eventID = 1
	if err := reg.AddEvent(registry.Event{Name: "ENGINE_100MS", ID: eventID, CycleTimeNs: 100_000_000}); err != nil {
		panic(err)
	}
	ev := daq.NewEvent("ENGINE_100MS", eventID, 100_000_000, 64)
	if err := daqCfg.RegisterEvent(ev); err != nil {
		panic(err)
	}
}

// acceptLoop accepts connections until ctx is cancelled, serving each one
// in its own goroutine under a shared errgroup so a panic-free shutdown
// waits for in-flight sessions to drain.
func acceptLoop(ctx context.Context, ln *transport.Listener, srv *xcp.Server, logger *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return g.Wait()
			}
			logger.Error("mcserver: accept failed", "error", err)
			continue
		}
		g.Go(func() error {
			defer conn.Close()
			if err := srv.Serve(ctx, conn); err != nil && ctx.Err() == nil {
				logger.Warn("mcserver: session ended", "remote", conn.RemoteAddr(), "error", err)
			}
			return nil
		})
	}
}

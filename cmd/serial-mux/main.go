package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kstaniek/go-serial-mux/internal/engine"
	"github.com/kstaniek/go-serial-mux/internal/metrics"
	"github.com/kstaniek/go-serial-mux/internal/serial"
)

// Process exit codes.
const (
	exitOK = iota
	exitUsage
	exitConfigMissing
	exitConfigInvalid
	exitDeviceOpen
	exitLinkOpen
	exitVirtualPorts
	exitLinkDown
)

// Test hook.
var openSerialPort serial.OpenFunc = serial.Open

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run wires the multiplexer and blocks until ctx is cancelled or the
// physical link fails. It returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, showVersion, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	if showVersion {
		fmt.Fprintf(stdout, "serial-mux %s (commit %s, built %s)\n", version, commit, date)
		return exitOK
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel, stderr)

	specs, unknown, err := loadChannels(cfg.configPath, cfg.withReal)
	if err != nil {
		l.Error("config_error", "path", cfg.configPath, "error", err)
		if errors.Is(err, errConfigMissing) {
			return exitConfigMissing
		}
		return exitConfigInvalid
	}
	for _, k := range unknown {
		l.Warn("config_unknown_key", "key", k)
	}

	link, err := openSerialPort(cfg.device, cfg.baud, 0)
	if err != nil {
		l.Error("link_open_error", "device", cfg.device, "error", err)
		return exitLinkOpen
	}
	l.Info("link_open", "device", cfg.device, "baud", cfg.baud)

	ecfg := engine.Config{
		DesyncWait:     cfg.desyncWait,
		ReopenInterval: cfg.reopenInterval,
		RetryDelay:     cfg.reopenInterval,
		Open:           openSerialPort,
		Logger:         l,
	}
	var vports []virtualPort
	if cfg.withVirtual {
		vports, err = openVirtualPorts(cfg.vttyDir, specs, cfg.virtualReadTO, l)
		if err != nil {
			l.Error("virtual_ports_error", "dir", cfg.vttyDir, "error", err)
			_ = link.Close()
			return exitVirtualPorts
		}
		defer closeVirtualPorts(vports, l)
		for _, vp := range vports {
			ecfg.Channels = append(ecfg.Channels, engine.Channel{
				ID: uint8(vp.spec.ID), Name: vp.spec.name, Path: vp.pair.SlaveName(), Device: vp.pair.Master,
			})
		}
	} else {
		for _, s := range specs {
			ecfg.Channels = append(ecfg.Channels, engine.Channel{
				ID: uint8(s.ID), Name: s.name, Path: s.DevicePath, Baud: s.BaudRate,
			})
		}
	}

	eng, err := engine.New(link, ecfg)
	if err != nil {
		_ = link.Close()
		switch {
		case errors.Is(err, engine.ErrDeviceOpen):
			l.Error("device_open_error", "error", err)
			return exitDeviceOpen
		default:
			l.Error("setup_error", "error", err)
			return exitConfigInvalid
		}
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)
	startObservability(ctx, cfg, len(ecfg.Channels), eng, l)

	err = eng.Run(ctx)
	logSnapshot(l, metrics.Snap())
	if err != nil {
		// engine.Run only fails when the physical link is gone
		l.Error("link_failure", "error", err)
		return exitLinkDown
	}
	l.Info("shutdown")
	return exitOK
}

// startObservability exposes /metrics and /ready and, when asked, advertises
// the metrics endpoint over mDNS. Everything stops with ctx.
func startObservability(ctx context.Context, cfg *appConfig, channels int, eng *engine.Engine, l *slog.Logger) {
	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil && eng.Ready() })
	if cfg.metricsAddr == "" {
		if cfg.mdnsEnable {
			l.Warn("mdns_skipped", "reason", "no metrics-addr to advertise")
		}
		return
	}
	metrics.InitBuildInfo(version, commit, date)
	srv := metrics.StartHTTP(cfg.metricsAddr)
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	if !cfg.mdnsEnable {
		return
	}
	port := portOf(cfg.metricsAddr)
	cleanup, err := startMDNS(ctx, cfg, port, channels)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return
	}
	l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
	go func() { <-ctx.Done(); cleanup() }()
}

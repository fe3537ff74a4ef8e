package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	device          string
	baud            int
	configPath      string
	withVirtual     bool
	withReal        bool
	vttyDir         string
	desyncWait      time.Duration
	reopenInterval  time.Duration
	virtualReadTO   time.Duration
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

// defaultVTTYDir is $HOME/vtty, or /dev/vtty when there is no home directory.
func defaultVTTYDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, "vtty")
	}
	return "/dev/vtty"
}

// parseFlags parses args (without the program name). The bool result asks
// for the version banner.
func parseFlags(args []string, stderr io.Writer) (*appConfig, bool, error) {
	fs := flag.NewFlagSet("serial-mux", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg := &appConfig{}
	fs.StringVar(&cfg.device, "device", "/dev/ttyUSB0", "Physical (multiplexed) serial device")
	fs.IntVar(&cfg.baud, "baud", 115200, "Physical link baud rate")
	fs.StringVar(&cfg.configPath, "config", "config.toml", "Channel configuration file (TOML)")
	fs.BoolVar(&cfg.withVirtual, "with-virtual-ports", false, "Expose each channel as a virtual pty linked under -vtty-dir")
	fs.BoolVar(&cfg.withReal, "with-real-ports", false, "Bridge each channel to the real device in its device_path")
	fs.StringVar(&cfg.vttyDir, "vtty-dir", defaultVTTYDir(), "Directory for virtual port symlinks")
	fs.DurationVar(&cfg.desyncWait, "desync-wait", time.Second, "Quiet period between input clears after an unknown channel id")
	fs.DurationVar(&cfg.reopenInterval, "reopen-interval", 100*time.Millisecond, "Pause between attempts to reopen a channel device")
	fs.DurationVar(&cfg.virtualReadTO, "virtual-read-timeout", 100*time.Millisecond, "Read timeout on virtual port masters")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Advertise the metrics endpoint via mDNS (needs -metrics-addr)")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default serial-mux-<hostname>)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return cfg, true, nil
	}

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, false, fmt.Errorf("environment override error: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, false, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, false, nil
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.withVirtual == c.withReal {
		return errors.New("specify exactly one of -with-virtual-ports or -with-real-ports")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.device == "" {
		return errors.New("device must not be empty")
	}
	if c.configPath == "" {
		return errors.New("config must not be empty")
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.desyncWait <= 0 {
		return fmt.Errorf("desync-wait must be > 0")
	}
	if c.reopenInterval <= 0 {
		return fmt.Errorf("reopen-interval must be > 0")
	}
	if c.virtualReadTO <= 0 {
		return fmt.Errorf("virtual-read-timeout must be > 0")
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	if c.withVirtual && c.vttyDir == "" {
		return errors.New("vtty-dir must not be empty")
	}
	return nil
}

// applyEnvOverrides maps SERIAL_MUX_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
// Durations use time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	str := func(flagName, env string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			*dst = v
		}
	}
	dur := func(flagName, env string, dst *time.Duration) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	boolean := func(flagName, env string, dst *bool) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				if firstErr == nil {
					firstErr = fmt.Errorf("invalid %s: %q", env, v)
				}
			}
		}
	}

	str("device", "SERIAL_MUX_DEVICE", &c.device)
	if _, ok := set["baud"]; !ok {
		if v, ok := get("SERIAL_MUX_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid SERIAL_MUX_BAUD: %w", err)
			}
		}
	}
	str("config", "SERIAL_MUX_CONFIG", &c.configPath)
	boolean("with-virtual-ports", "SERIAL_MUX_WITH_VIRTUAL_PORTS", &c.withVirtual)
	boolean("with-real-ports", "SERIAL_MUX_WITH_REAL_PORTS", &c.withReal)
	str("vtty-dir", "SERIAL_MUX_VTTY_DIR", &c.vttyDir)
	dur("desync-wait", "SERIAL_MUX_DESYNC_WAIT", &c.desyncWait)
	dur("reopen-interval", "SERIAL_MUX_REOPEN_INTERVAL", &c.reopenInterval)
	dur("virtual-read-timeout", "SERIAL_MUX_VIRTUAL_READ_TIMEOUT", &c.virtualReadTO)
	str("log-format", "SERIAL_MUX_LOG_FORMAT", &c.logFormat)
	str("log-level", "SERIAL_MUX_LOG_LEVEL", &c.logLevel)
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("SERIAL_MUX_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	dur("log-metrics-interval", "SERIAL_MUX_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	boolean("mdns-enable", "SERIAL_MUX_MDNS_ENABLE", &c.mdnsEnable)
	str("mdns-name", "SERIAL_MUX_MDNS_NAME", &c.mdnsName)
	return firstErr
}

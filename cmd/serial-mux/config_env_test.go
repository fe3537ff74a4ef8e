package main

import (
	"io"
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := validConfig()
	t.Setenv("SERIAL_MUX_BAUD", "230400")
	t.Setenv("SERIAL_MUX_MDNS_ENABLE", "true")
	t.Setenv("SERIAL_MUX_DESYNC_WAIT", "2s")
	t.Setenv("SERIAL_MUX_LOG_METRICS_INTERVAL", "5s")
	t.Setenv("SERIAL_MUX_VTTY_DIR", "/run/vtty")
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.baud != 230400 {
		t.Fatalf("expected baud override, got %d", base.baud)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if base.desyncWait != 2*time.Second {
		t.Fatalf("expected desyncWait 2s got %v", base.desyncWait)
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
	if base.vttyDir != "/run/vtty" {
		t.Fatalf("expected vtty dir override got %q", base.vttyDir)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := &appConfig{baud: 115200}
	t.Setenv("SERIAL_MUX_BAUD", "230400")
	// Simulate user passed -baud flag (so env should be ignored)
	if err := applyEnvOverrides(base, map[string]struct{}{"baud": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.baud != 115200 {
		t.Fatalf("expected baud unchanged 115200 got %d", base.baud)
	}
}

func TestApplyEnvOverrides_Bad(t *testing.T) {
	for env, val := range map[string]string{
		"SERIAL_MUX_BAUD":               "notint",
		"SERIAL_MUX_REOPEN_INTERVAL":    "soon",
		"SERIAL_MUX_WITH_VIRTUAL_PORTS": "maybe",
	} {
		t.Run(env, func(t *testing.T) {
			t.Setenv(env, val)
			if err := applyEnvOverrides(validConfig(), map[string]struct{}{}); err == nil {
				t.Fatalf("expected error for %s=%s", env, val)
			}
		})
	}
}

func TestParseFlags_EnvSelectsMode(t *testing.T) {
	t.Setenv("SERIAL_MUX_WITH_REAL_PORTS", "1")
	t.Setenv("SERIAL_MUX_CONFIG", "/etc/serial-mux/channels.toml")
	cfg, _, err := parseFlags(nil, io.Discard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.withReal || cfg.configPath != "/etc/serial-mux/channels.toml" {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

package main

import (
	"io"
	"strings"
	"testing"
	"time"
)

func validConfig() *appConfig {
	return &appConfig{
		device:         "/dev/ttyUSB0",
		baud:           115200,
		configPath:     "config.toml",
		withReal:       true,
		vttyDir:        "/tmp/vtty",
		desyncWait:     time.Second,
		reopenInterval: 100 * time.Millisecond,
		virtualReadTO:  100 * time.Millisecond,
		logFormat:      "text",
		logLevel:       "info",
	}
}

func TestConfigValidate_OK(t *testing.T) {
	if err := validConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"noMode", func(c *appConfig) { c.withReal = false }},
		{"bothModes", func(c *appConfig) { c.withVirtual = true }},
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"noDevice", func(c *appConfig) { c.device = "" }},
		{"noConfig", func(c *appConfig) { c.configPath = "" }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badDesync", func(c *appConfig) { c.desyncWait = 0 }},
		{"badReopen", func(c *appConfig) { c.reopenInterval = 0 }},
		{"badVirtualTO", func(c *appConfig) { c.virtualReadTO = 0 }},
		{"badMetricsInterval", func(c *appConfig) { c.logMetricsEvery = -time.Second }},
		{"noVTTYDir", func(c *appConfig) { c.withReal, c.withVirtual, c.vttyDir = false, true, "" }},
	}
	for _, tc := range tests {
		base := validConfig()
		tc.mod(base)
		if err := base.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestParseFlags(t *testing.T) {
	cfg, ver, err := parseFlags([]string{"-with-virtual-ports", "-device", "/dev/ttyAMA0", "-baud", "921600", "-desync-wait", "250ms"}, io.Discard)
	if err != nil || ver {
		t.Fatalf("unexpected: ver=%v err=%v", ver, err)
	}
	if !cfg.withVirtual || cfg.device != "/dev/ttyAMA0" || cfg.baud != 921600 || cfg.desyncWait != 250*time.Millisecond {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if cfg.reopenInterval != 100*time.Millisecond || cfg.virtualReadTO != 100*time.Millisecond {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !strings.HasSuffix(cfg.vttyDir, "vtty") {
		t.Fatalf("unexpected vtty dir %q", cfg.vttyDir)
	}
}

func TestParseFlags_ModeRequired(t *testing.T) {
	if _, _, err := parseFlags(nil, io.Discard); err == nil {
		t.Fatal("expected error without a port mode")
	}
	if _, _, err := parseFlags([]string{"-bogus"}, io.Discard); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestParseFlags_Version(t *testing.T) {
	_, ver, err := parseFlags([]string{"-version"}, io.Discard)
	if err != nil || !ver {
		t.Fatalf("expected version request, got ver=%v err=%v", ver, err)
	}
}

package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New("json", slog.LevelInfo, &buf)
	l.Info("device_reopen", "channel", 3)
	if !strings.Contains(buf.String(), `"msg":"device_reopen"`) || !strings.Contains(buf.String(), `"channel":3`) {
		t.Fatalf("unexpected json output: %s", buf.String())
	}
}

func TestSetIgnoresNil(t *testing.T) {
	before := L()
	Set(nil)
	if L() != before {
		t.Fatalf("Set(nil) replaced the global logger")
	}
}

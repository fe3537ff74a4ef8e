package main

import (
	"io"
	"log/slog"

	"github.com/kstaniek/go-serial-mux/internal/logging"
)

func setupLogger(format, level string, w io.Writer) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), w).With("app", "serial-mux")
	logging.Set(l)
	return l
}

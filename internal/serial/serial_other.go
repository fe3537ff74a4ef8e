//go:build !linux

package serial

import (
	"time"

	"github.com/tarm/serial"
)

// tarmDevice falls back to tarm/serial where the termios/dup path is not available.
type tarmDevice struct {
	*serial.Port
}

func Open(name string, baud int, readTimeout time.Duration) (Device, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	p, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, err
	}
	return &tarmDevice{Port: p}, nil
}

// Clone shares the port; tarm exposes no descriptor to duplicate.
func (d *tarmDevice) Clone() (Port, error) { return sharedPort{d.Port}, nil }

// ClearInput flushes both directions; tarm has no input-only flush.
func (d *tarmDevice) ClearInput() error { return d.Port.Flush() }

type sharedPort struct{ p *serial.Port }

func (s sharedPort) Read(b []byte) (int, error)  { return s.p.Read(b) }
func (s sharedPort) Write(b []byte) (int, error) { return s.p.Write(b) }
func (s sharedPort) Close() error                { return nil }

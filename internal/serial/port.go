package serial

import (
	"errors"
	"net"
	"os"
	"time"
)

// Port is one handle on a serial device. Read timeouts surface as
// os.ErrDeadlineExceeded (see IsTimeout).
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Device is an open serial device that can hand out independent handles.
type Device interface {
	Port
	// Clone returns a new handle sharing the underlying device. Closing the
	// clone does not close the device.
	Clone() (Port, error)
	// ClearInput discards data received but not yet read.
	ClearInput() error
}

// OpenFunc opens a device; readTimeout 0 means reads block until data arrives.
type OpenFunc func(name string, baud int, readTimeout time.Duration) (Device, error)

// IsTimeout reports whether err is a read timeout rather than a device failure.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

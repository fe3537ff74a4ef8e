//go:build !linux

package serial

import (
	"errors"
	"os"
	"time"
)

// ErrVirtualUnsupported is returned by OpenPair on platforms without the pty path.
var ErrVirtualUnsupported = errors.New("virtual ports unsupported on this platform")

type Pair struct {
	Master Device
	Slave  *os.File
}

func (p *Pair) SlaveName() string { return "" }

func (p *Pair) Close() error { return nil }

func OpenPair(readTimeout time.Duration) (*Pair, error) { return nil, ErrVirtualUnsupported }

//go:build linux

package serial

import (
	"fmt"
	"os"
	"time"

	"github.com/creack/pty"
)

// Pair is a virtual serial port: the master side is multiplexed, the slave
// path is what local programs open.
type Pair struct {
	Master *File
	Slave  *os.File
}

// SlaveName returns the path of the slave side (e.g. /dev/pts/7).
func (p *Pair) SlaveName() string { return p.Slave.Name() }

// Close closes both sides.
func (p *Pair) Close() error {
	err := p.Master.Close()
	if serr := p.Slave.Close(); err == nil {
		err = serr
	}
	return err
}

// OpenPair allocates a pseudo-terminal in raw mode. The slave stays open for
// the lifetime of the pair so master reads do not fail with EIO while no
// client has the port open.
func OpenPair(readTimeout time.Duration) (*Pair, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("open pty: %w", err)
	}
	if err := control(slave, func(fd int) error { return makeRaw(fd, 0) }); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, fmt.Errorf("raw pty %s: %w", slave.Name(), err)
	}
	return &Pair{Master: NewFile(master, readTimeout), Slave: slave}, nil
}

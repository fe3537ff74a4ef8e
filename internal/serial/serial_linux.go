//go:build linux

package serial

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var baudRates = map[int]uint32{
	1200:    unix.B1200,
	2400:    unix.B2400,
	4800:    unix.B4800,
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	500000:  unix.B500000,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	1500000: unix.B1500000,
	2000000: unix.B2000000,
	3000000: unix.B3000000,
	4000000: unix.B4000000,
}

// File is a tty handle registered with the runtime poller, so Close unblocks
// pending reads and read timeouts use deadlines instead of VTIME.
type File struct {
	f           *os.File
	name        string
	readTimeout time.Duration
}

// Open opens a real serial device in raw 8N1 mode at baud.
func Open(name string, baud int, readTimeout time.Duration) (Device, error) {
	if _, ok := baudRates[baud]; !ok {
		return nil, fmt.Errorf("open %s: unsupported baud rate %d", name, baud)
	}
	f, err := os.OpenFile(name, os.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}
	if err := control(f, func(fd int) error { return makeRaw(fd, baud) }); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("configure %s: %w", name, err)
	}
	return &File{f: f, name: name, readTimeout: readTimeout}, nil
}

// NewFile wraps an already open tty (e.g. a pty master).
func NewFile(f *os.File, readTimeout time.Duration) *File {
	return &File{f: f, name: f.Name(), readTimeout: readTimeout}
}

func (p *File) Name() string { return p.name }

func (p *File) Read(b []byte) (int, error) {
	if p.readTimeout > 0 {
		_ = p.f.SetReadDeadline(time.Now().Add(p.readTimeout))
	}
	return p.f.Read(b)
}

func (p *File) Write(b []byte) (int, error) { return p.f.Write(b) }

func (p *File) Close() error { return p.f.Close() }

// Clone duplicates the descriptor (F_DUPFD_CLOEXEC).
func (p *File) Clone() (Port, error) {
	var nfd int
	err := control(p.f, func(fd int) error {
		var derr error
		nfd, derr = unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
		return derr
	})
	if err != nil {
		return nil, fmt.Errorf("clone %s: %w", p.name, err)
	}
	return &File{f: os.NewFile(uintptr(nfd), p.name), name: p.name, readTimeout: p.readTimeout}, nil
}

// ClearInput flushes the kernel input queue (TCIFLUSH).
func (p *File) ClearInput() error {
	return control(p.f, func(fd int) error { return unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIFLUSH) })
}

// control runs fn on the raw descriptor without switching the file to blocking mode.
func control(f *os.File, fn func(fd int) error) error {
	rc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var ferr error
	if err := rc.Control(func(fd uintptr) { ferr = fn(int(fd)) }); err != nil {
		return err
	}
	return ferr
}

// makeRaw disables all terminal processing; baud 0 keeps the current speed.
func makeRaw(fd int, baud int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS
	t.Cflag |= unix.CS8 | unix.CLOCAL | unix.CREAD
	if baud > 0 {
		rate := baudRates[baud]
		t.Cflag &^= unix.CBAUD
		t.Cflag |= rate
		t.Ispeed = rate
		t.Ospeed = rate
	}
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

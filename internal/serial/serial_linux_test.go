//go:build linux

package serial

import (
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"
)

func openPtyPort(t *testing.T, readTimeout time.Duration) (*File, *ptyEnds) {
	t.Helper()
	master, slave, err := pty.Open()
	require.NoError(t, err)
	ends := &ptyEnds{name: slave.Name()}
	t.Cleanup(func() { master.Close(); slave.Close() })

	dev, err := Open(slave.Name(), 115200, readTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	ends.write = func(b []byte) {
		_, err := master.Write(b)
		require.NoError(t, err)
	}
	ends.read = func(n int) []byte {
		buf := make([]byte, n)
		got := 0
		for got < n {
			m, err := master.Read(buf[got:])
			require.NoError(t, err)
			got += m
		}
		return buf
	}
	return dev.(*File), ends
}

type ptyEnds struct {
	name  string
	write func([]byte)
	read  func(int) []byte
}

func TestFileReadWrite(t *testing.T) {
	p, ends := openPtyPort(t, time.Second)

	ends.write([]byte{0x01, 0x02, 0x68, 0x69})
	buf := make([]byte, 16)
	n, err := p.Read(buf)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02, 0x68, 0x69}, buf[:n])

	_, err = p.Write([]byte("pong"))
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), ends.read(4))
}

func TestFileReadTimeout(t *testing.T) {
	p, _ := openPtyPort(t, 30*time.Millisecond)
	start := time.Now()
	_, err := p.Read(make([]byte, 8))
	require.Error(t, err)
	require.True(t, IsTimeout(err), "expected timeout, got %v", err)
	require.Less(t, time.Since(start), time.Second)
}

func TestFileCloneIndependentClose(t *testing.T) {
	p, ends := openPtyPort(t, time.Second)
	c, err := p.Clone()
	require.NoError(t, err)
	require.NoError(t, c.Close())

	// source handle still usable after closing the clone
	_, err = p.Write([]byte("ok"))
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), ends.read(2))

	c2, err := p.Clone()
	require.NoError(t, err)
	defer c2.Close()
	_, err = c2.Write([]byte("c2"))
	require.NoError(t, err)
	require.Equal(t, []byte("c2"), ends.read(2))
}

func TestFileClearInput(t *testing.T) {
	p, ends := openPtyPort(t, 50*time.Millisecond)
	ends.write([]byte("stale"))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.ClearInput())

	_, err := p.Read(make([]byte, 8))
	require.True(t, IsTimeout(err), "expected no data after clear, got %v", err)

	ends.write([]byte("fresh"))
	buf := make([]byte, 8)
	n, err := p.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "fresh", string(buf[:n]))
}

func TestOpenRejectsUnknownBaud(t *testing.T) {
	_, err := Open("/dev/null", 12345, 0)
	require.Error(t, err)
}

func TestOpenPairRoundTrip(t *testing.T) {
	pair, err := OpenPair(100 * time.Millisecond)
	require.NoError(t, err)
	defer pair.Close()
	require.NotEmpty(t, pair.SlaveName())

	_, err = pair.Slave.Write([]byte("abc"))
	require.NoError(t, err)
	buf := make([]byte, 8)
	n, err := pair.Master.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "abc", string(buf[:n]))
}

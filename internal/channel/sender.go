package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/kstaniek/go-serial-mux/internal/logging"
	"github.com/kstaniek/go-serial-mux/internal/metrics"
	"github.com/kstaniek/go-serial-mux/internal/queue"
	"github.com/kstaniek/go-serial-mux/internal/serial"
)

// Sender drains the channel inbox and writes each payload to the device.
// A failed write is resumed on a fresh handle from the first unwritten byte,
// so every block reaches the device once, in order.
type Sender struct {
	ID         uint8
	Handles    Handles
	Inbox      Source
	Logger     *slog.Logger
	RetryDelay time.Duration
}

func (s *Sender) Run(ctx context.Context) error {
	l := s.Logger
	if l == nil {
		l = logging.L()
	}
	l = l.With("channel", s.ID, "worker", "sender")
	delay := s.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	port, err := acquire(ctx, s.Handles, delay, l)
	if err != nil {
		return stopErr(ctx, err)
	}
	defer func() {
		if port != nil {
			_ = port.Close()
		}
	}()
	l.Debug("sender_start")

	for {
		b, err := s.Inbox.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		}
		p := b.Payload
		for len(p) > 0 {
			n, werr := writeSome(port, p)
			p = p[n:]
			if n > 0 {
				metrics.AddChannelTx(s.ID, n)
			}
			if werr == nil {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			metrics.IncError(metrics.ErrChannelWrite)
			l.Warn("channel_write_error", "error", werr, "remaining", len(p))
			_ = port.Close()
			np, err := acquire(ctx, s.Handles, delay, l)
			if err != nil {
				port = nil
				return stopErr(ctx, err)
			}
			port = np
		}
	}
}

// writeSome writes p and reports how much of it the device accepted.
func writeSome(w serial.Port, p []byte) (int, error) {
	n, err := w.Write(p)
	if n < 0 || n > len(p) {
		n = 0
	}
	if err == nil && n == 0 {
		return 0, io.ErrShortWrite
	}
	return n, err
}

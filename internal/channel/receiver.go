package channel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-serial-mux/internal/logging"
	"github.com/kstaniek/go-serial-mux/internal/metrics"
	"github.com/kstaniek/go-serial-mux/internal/mux"
)

// Receiver reads from the channel device and publishes blocks to the link bus.
type Receiver struct {
	ID         uint8
	Handles    Handles
	Bus        Publisher
	Logger     *slog.Logger
	RetryDelay time.Duration
}

// Run loops until ctx is done, the bus stops accepting blocks, or the device
// turns out to be unrecoverable. Read errors, including EOF from a hung-up
// tty, are logged and answered with a fresh handle.
func (r *Receiver) Run(ctx context.Context) error {
	l := r.Logger
	if l == nil {
		l = logging.L()
	}
	l = l.With("channel", r.ID, "worker", "receiver")
	delay := r.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	port, err := acquire(ctx, r.Handles, delay, l)
	if err != nil {
		return stopErr(ctx, err)
	}
	defer func() {
		if port != nil {
			_ = port.Close()
		}
	}()
	l.Debug("receiver_start")

	buf := make([]byte, mux.MaxPayload)
	for {
		n, rerr := port.Read(buf)
		if n > 0 {
			metrics.AddChannelRx(r.ID, n)
			for _, b := range mux.Split(r.ID, buf[:n]) {
				if err := r.Bus.Publish(ctx, b); err != nil {
					return stopErr(ctx, fmt.Errorf("publish: %w", err))
				}
			}
		}
		if rerr == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		if isIdle(rerr) {
			continue
		}
		metrics.IncError(metrics.ErrChannelRead)
		l.Warn("channel_read_error", "error", rerr)
		_ = port.Close()
		np, err := acquire(ctx, r.Handles, delay, l)
		if err != nil {
			port = nil
			return stopErr(ctx, err)
		}
		port = np
	}
}

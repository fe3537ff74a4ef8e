// Package channel runs the two workers of one logical channel: a Receiver
// that turns device reads into blocks for the link, and a Sender that writes
// blocks from the link to the device in order.
package channel

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kstaniek/go-serial-mux/internal/device"
	"github.com/kstaniek/go-serial-mux/internal/mux"
	"github.com/kstaniek/go-serial-mux/internal/serial"
)

// DefaultRetryDelay is the pause after a failed handle acquisition.
const DefaultRetryDelay = 100 * time.Millisecond

// Handles hands out device handles; implemented by *device.Manager.
type Handles interface {
	Acquire(ctx context.Context) (serial.Port, error)
}

// Publisher accepts blocks bound for the physical link.
type Publisher interface {
	Publish(ctx context.Context, b mux.Block) error
}

// Source yields blocks received from the link for this channel.
type Source interface {
	Pop(ctx context.Context) (mux.Block, error)
}

var _ Handles = (*device.Manager)(nil)

// acquire keeps asking for a handle until it gets one. Only an
// unreconnectable device or ctx cancellation ends the loop.
func acquire(ctx context.Context, h Handles, delay time.Duration, l *slog.Logger) (serial.Port, error) {
	for {
		p, err := h.Acquire(ctx)
		if err == nil {
			return p, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, device.ErrNotReconnectable) || errors.Is(err, device.ErrClosed) {
			return nil, err
		}
		l.Warn("handle_acquire_error", "error", err, "retry_in", delay)
		mux.SleepContext(ctx, delay)
	}
}

package channel

import (
	"context"
	"errors"

	"github.com/kstaniek/go-serial-mux/internal/serial"
)

// stopErr maps a worker exit cause to its Run result: nil for cancellation.
func stopErr(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// isIdle reports read results that mean "no data yet" rather than a bad handle.
// EOF is not idle: a hung-up tty reports it on every read.
func isIdle(err error) bool { return serial.IsTimeout(err) }

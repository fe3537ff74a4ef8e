package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/kstaniek/go-serial-mux/internal/logging"
	"github.com/kstaniek/go-serial-mux/internal/metrics"
)

// ErrUnknownChannel is returned by a Dispatcher for ids that are not configured.
var ErrUnknownChannel = errors.New("mux: unknown channel id")

// ErrLinkDown reports that the physical link can no longer be read or written.
var ErrLinkDown = errors.New("mux: physical link down")

const (
	defaultDesyncWait    = time.Second
	defaultMaxLinkErrors = 50
	defaultLinkErrDelay  = 20 * time.Millisecond
)

// Link is the read side of the physical multiplexed link.
type Link interface {
	io.Reader
	// ClearInput discards bytes received but not yet read.
	ClearInput() error
}

// Dispatcher routes a decoded block to its channel.
type Dispatcher interface {
	Dispatch(Block) error
}

// Demux reads frames from the physical link and routes them to channels.
type Demux struct {
	link          Link
	routes        Dispatcher
	codec         Codec
	logger        *slog.Logger
	desyncWait    time.Duration
	maxLinkErrors int
	linkErrDelay  time.Duration
	sleep         func(context.Context, time.Duration)
}

// DemuxOption configures a Demux.
type DemuxOption func(*Demux)

// WithDesyncWait sets the quiet period between the two input clears of a resync.
func WithDesyncWait(d time.Duration) DemuxOption {
	return func(m *Demux) {
		if d >= 0 {
			m.desyncWait = d
		}
	}
}

// WithMaxLinkErrors sets how many consecutive failed reads make the link fatal.
func WithMaxLinkErrors(n int) DemuxOption {
	return func(m *Demux) {
		if n > 0 {
			m.maxLinkErrors = n
		}
	}
}

// WithLinkErrorDelay sets the pause after a failed link read before the next one.
func WithLinkErrorDelay(d time.Duration) DemuxOption {
	return func(m *Demux) {
		if d >= 0 {
			m.linkErrDelay = d
		}
	}
}

// WithDemuxLogger sets the logger; nil keeps the package default.
func WithDemuxLogger(l *slog.Logger) DemuxOption {
	return func(m *Demux) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithSleep replaces the context-aware sleep (tests).
func WithSleep(fn func(context.Context, time.Duration)) DemuxOption {
	return func(m *Demux) {
		if fn != nil {
			m.sleep = fn
		}
	}
}

// NewDemux returns a Demux reading link and dispatching through routes.
// Unset options take the package defaults.
func NewDemux(link Link, routes Dispatcher, opts ...DemuxOption) *Demux {
	d := &Demux{
		link:          link,
		routes:        routes,
		logger:        logging.L(),
		desyncWait:    defaultDesyncWait,
		maxLinkErrors: defaultMaxLinkErrors,
		linkErrDelay:  defaultLinkErrDelay,
		sleep:         SleepContext,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Run is the main loop. It returns nil when ctx is cancelled and a wrapped
// ErrLinkDown once the link is closed or keeps failing.
func (d *Demux) Run(ctx context.Context) error {
	d.logger.Info("demux_start")
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		b, err := d.readFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, os.ErrClosed) || errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("%w: %v", ErrLinkDown, err)
			}
			if isTimeout(err) {
				continue
			}
			failures++
			metrics.IncError(metrics.ErrLinkRead)
			d.logger.Warn("link_read_error", "error", err, "consecutive", failures)
			if failures >= d.maxLinkErrors {
				return fmt.Errorf("%w: %d consecutive read failures: %v", ErrLinkDown, failures, err)
			}
			d.sleep(ctx, d.linkErrDelay)
			continue
		}
		failures = 0
		metrics.IncLinkRx(b.Len())
		if err := d.routes.Dispatch(b); err != nil {
			if errors.Is(err, ErrUnknownChannel) {
				d.resync(ctx, b)
				continue
			}
			d.logger.Error("dispatch_error", "channel", b.ID, "error", err)
			continue
		}
		d.logger.Debug("link_rx", "channel", b.ID, "len", b.Len())
	}
}

func (d *Demux) readFrame() (Block, error) {
	id, n, err := d.codec.DecodeHeader(d.link)
	if err != nil {
		return Block{}, fmt.Errorf("read header: %w", err)
	}
	p, err := d.codec.DecodePayload(d.link, n)
	if err != nil {
		return Block{}, err
	}
	return Block{ID: id, Payload: p}, nil
}

// resync drops everything buffered, waits for the remote side to finish any
// partial frame, then drops again.
func (d *Demux) resync(ctx context.Context, bad Block) {
	metrics.IncDesync()
	d.logger.Warn("link_desync", "channel", bad.ID, "len", bad.Len(), "wait", d.desyncWait)
	if err := d.link.ClearInput(); err != nil {
		metrics.IncError(metrics.ErrLinkClear)
		d.logger.Warn("link_clear_error", "error", err)
	}
	d.sleep(ctx, d.desyncWait)
	if err := d.link.ClearInput(); err != nil {
		metrics.IncError(metrics.ErrLinkClear)
		d.logger.Warn("link_clear_error", "error", err)
	}
}

// SleepContext sleeps for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

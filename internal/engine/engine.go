// Package engine assembles the multiplexer: one device manager and a
// sender/receiver pair per channel, the link writer bus, and the demux loop
// on the read side of the physical link.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-serial-mux/internal/channel"
	"github.com/kstaniek/go-serial-mux/internal/device"
	"github.com/kstaniek/go-serial-mux/internal/logging"
	"github.com/kstaniek/go-serial-mux/internal/metrics"
	"github.com/kstaniek/go-serial-mux/internal/mux"
	"github.com/kstaniek/go-serial-mux/internal/queue"
	"github.com/kstaniek/go-serial-mux/internal/router"
	"github.com/kstaniek/go-serial-mux/internal/serial"
	"github.com/kstaniek/go-serial-mux/internal/transport"
)

var (
	ErrNoChannels  = errors.New("engine: no channels configured")
	ErrDuplicateID = errors.New("engine: duplicate channel id")
	ErrDeviceOpen  = errors.New("engine: channel device open failed")
)

// Channel describes one logical channel. When Device is set the channel
// uses that already open handle and cannot be reopened; otherwise Path is
// opened at Baud.
type Channel struct {
	ID          uint8
	Name        string
	Path        string
	Baud        int
	ReadTimeout time.Duration
	Device      serial.Device
}

// Config tunes an Engine. Zero values take the defaults noted per field.
type Config struct {
	Channels       []Channel
	BusBuffer      int           // outbound bus capacity; 0 = transport.DefaultBusSize
	DesyncWait     time.Duration // 0 = 1s
	ReopenInterval time.Duration // 0 = device.DefaultRetryInterval
	RetryDelay     time.Duration // worker pause after a failed acquire; 0 = channel.DefaultRetryDelay
	MaxLinkErrors  int
	Open           serial.OpenFunc // nil = serial.Open
	Logger         *slog.Logger
}

// Engine multiplexes a set of channels over one link.
type Engine struct {
	link     serial.Device
	cfg      Config
	logger   *slog.Logger
	routes   *router.Router
	chans    []*chanState
	running  atomic.Bool
	closeMgr sync.Once
}

type chanState struct {
	Channel
	mgr   *device.Manager
	inbox *router.Inbox
}

// New validates cfg and opens every real channel device once. A device that
// cannot be opened here is a startup error; managers opened so far are closed.
func New(link serial.Device, cfg Config) (*Engine, error) {
	if len(cfg.Channels) == 0 {
		return nil, ErrNoChannels
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.L()
	}
	if cfg.ReopenInterval <= 0 {
		cfg.ReopenInterval = device.DefaultRetryInterval
	}
	e := &Engine{link: link, cfg: cfg, logger: cfg.Logger, routes: router.New()}
	seen := make(map[uint8]string, len(cfg.Channels))
	for _, c := range cfg.Channels {
		if prev, dup := seen[c.ID]; dup {
			e.closeManagers()
			return nil, fmt.Errorf("%w: %d (%s, %s)", ErrDuplicateID, c.ID, prev, c.Name)
		}
		seen[c.ID] = c.Name
		opts := []device.Option{
			device.WithOpener(cfg.Open),
			device.WithRetryPolicy(device.ConstantRetry(cfg.ReopenInterval)),
			device.WithLogger(e.logger),
		}
		var mgr *device.Manager
		if c.Device != nil {
			mgr = device.FromDevice(c.ID, c.Device, opts...)
		} else {
			var err error
			mgr, err = device.Open(c.ID, device.Settings{Path: c.Path, Baud: c.Baud, ReadTimeout: c.ReadTimeout}, opts...)
			if err != nil {
				e.closeManagers()
				return nil, fmt.Errorf("%w: channel %d (%s): %w", ErrDeviceOpen, c.ID, c.Name, err)
			}
		}
		st := &chanState{Channel: c, mgr: mgr, inbox: queue.New[mux.Block]()}
		e.chans = append(e.chans, st)
		if err := e.routes.Add(c.ID, st.inbox); err != nil {
			e.closeManagers()
			return nil, fmt.Errorf("%w: %w", ErrDuplicateID, err)
		}
	}
	return e, nil
}

// Ready reports whether Run is moving data and at least one channel is active.
func (e *Engine) Ready() bool { return e.running.Load() && e.routes.Active() > 0 }

// Router exposes the routing table (status reporting).
func (e *Engine) Router() *router.Router { return e.routes }

// Run starts the channel workers and the bus writer, then runs the demux on
// the calling goroutine. It returns nil after ctx is cancelled and a wrapped
// mux.ErrLinkDown when the physical link fails in either direction.
func (e *Engine) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	w, err := e.link.Clone()
	if err != nil {
		e.closeManagers()
		return fmt.Errorf("%w: clone link for writing: %v", mux.ErrLinkDown, err)
	}
	bus := transport.NewLinkWriter(ctx, w, e.cfg.BusBuffer)

	var wg sync.WaitGroup
	for _, st := range e.chans {
		e.startChannel(ctx, &wg, st, bus)
	}
	e.running.Store(true)
	e.logger.Info("engine_start", "channels", len(e.chans))

	// closing the link and the devices is what unblocks pending reads
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-bus.Done():
		case <-stopped:
		}
		cancel()
		_ = e.link.Close()
		e.closeManagers()
	}()

	opts := []mux.DemuxOption{mux.WithMaxLinkErrors(e.cfg.MaxLinkErrors), mux.WithDemuxLogger(e.logger)}
	if e.cfg.DesyncWait > 0 {
		opts = append(opts, mux.WithDesyncWait(e.cfg.DesyncWait))
	}
	derr := mux.NewDemux(e.link, e.routes, opts...).Run(ctx)

	close(stopped)
	cancel()
	bus.Close()
	wg.Wait()
	_ = w.Close()
	e.running.Store(false)

	if berr := bus.Err(); berr != nil {
		e.logger.Error("link_write_failed", "error", berr)
		return berr
	}
	if parent.Err() != nil {
		e.logger.Info("engine_stop")
		return nil
	}
	if derr != nil {
		e.logger.Error("link_read_failed", "error", derr)
	}
	return derr
}

// startChannel runs one channel in the background until its workers stop.
func (e *Engine) startChannel(ctx context.Context, wg *sync.WaitGroup, st *chanState, bus transport.BlockSink) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.runChannel(ctx, st, bus)
	}()
}

// runChannel runs the sender and receiver of one channel and returns once
// both have stopped. If either finds the device unrecoverable the channel
// is disabled and both workers stop; the rest of the multiplexer carries on.
func (e *Engine) runChannel(ctx context.Context, st *chanState, bus transport.BlockSink) {
	cctx, ccancel := context.WithCancel(ctx)
	defer ccancel()
	l := e.logger.With("name", st.Name)
	workers := []interface{ Run(context.Context) error }{
		&channel.Sender{ID: st.ID, Handles: st.mgr, Inbox: st.inbox, Logger: l, RetryDelay: e.cfg.RetryDelay},
		&channel.Receiver{ID: st.ID, Handles: st.mgr, Bus: bus, Logger: l, RetryDelay: e.cfg.RetryDelay},
	}
	var wg sync.WaitGroup
	for _, wk := range workers {
		wg.Add(1)
		go func(wk interface{ Run(context.Context) error }) {
			defer wg.Done()
			err := wk.Run(cctx)
			switch {
			case err == nil:
			case errors.Is(err, device.ErrNotReconnectable):
				metrics.IncError(metrics.ErrUnrecoverable)
				l.Error("channel_unrecoverable", "channel", st.ID, "error", err)
				e.routes.Disable(st.ID)
				ccancel()
			case errors.Is(err, device.ErrClosed), errors.Is(err, transport.ErrBusClosed):
				l.Debug("channel_worker_stop", "channel", st.ID, "error", err)
			default:
				l.Warn("channel_worker_exit", "channel", st.ID, "error", err)
			}
		}(wk)
	}
	wg.Wait()
}

func (e *Engine) closeManagers() {
	e.closeMgr.Do(func() {
		for _, st := range e.chans {
			_ = st.mgr.Close()
		}
	})
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/kstaniek/go-serial-mux/internal/logging"
	"github.com/kstaniek/go-serial-mux/internal/metrics"
	"github.com/kstaniek/go-serial-mux/internal/mux"
)

// ErrBusClosed is returned by Publish once the bus no longer accepts blocks.
var ErrBusClosed = errors.New("bus closed")

// DefaultBusSize is the capacity of the outbound bus.
const DefaultBusSize = 1024

// Bus funnels blocks from every channel receiver into one goroutine that owns
// the write side of the physical link (fan-in). Publish blocks while the bus
// is full, so producers are slowed down instead of losing data.
//
// Life-cycle:
//
//	b := NewBus(ctx, buf, sendFn, hooks)
//	b.Publish(ctx, block)
//	b.Close()
//
// The first send error is terminal: the worker exits, Done is closed and Err
// reports the cause. The channel itself is never closed, so a Publish racing
// with shutdown cannot panic.
type Bus struct {
	ch      chan mux.Block
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	send    func(mux.Block) error
	hooks   Hooks
	done    chan struct{}
	errOnce sync.Once
	err     error
}

// Hooks customize Bus behavior.
type Hooks struct {
	// OnError is called with the send error that stopped the bus.
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func(mux.Block)
}

// NewBus constructs a Bus with a buffered channel of size buf.
func NewBus(parent context.Context, buf int, send func(mux.Block) error, hooks Hooks) *Bus {
	if buf <= 0 {
		buf = DefaultBusSize
	}
	ctx, cancel := context.WithCancel(parent)
	b := &Bus{
		ch:     make(chan mux.Block, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
		done:   make(chan struct{}),
	}
	b.wg.Add(1)
	go b.loop()
	return b
}

// NewLinkWriter returns a Bus that frames every block onto w with mux.Codec.
// Header and payload go out back to back from the single bus goroutine, so
// frames from different channels never interleave.
func NewLinkWriter(parent context.Context, w io.Writer, buf int) *Bus {
	return NewFramedWriter(parent, w, mux.Codec{}, buf)
}

// NewFramedWriter is NewLinkWriter with a caller-supplied encoder.
func NewFramedWriter(parent context.Context, w io.Writer, enc BlockEncoder, buf int) *Bus {
	send := func(b mux.Block) error {
		_, err := enc.EncodeTo(w, b)
		return err
	}
	hooks := Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrLinkWrite)
			logging.L().Error("link_write_error", "error", err)
		},
		OnAfter: func(b mux.Block) {
			metrics.IncLinkTx(b.Len())
			logging.L().Debug("link_tx", "channel", b.ID, "len", b.Len())
		},
	}
	return NewBus(parent, buf, send, hooks)
}

func (b *Bus) loop() {
	defer b.wg.Done()
	defer close(b.done)
	for {
		select {
		case blk := <-b.ch:
			if err := b.send(blk); err != nil {
				b.setErr(fmt.Errorf("%w: %v", mux.ErrLinkDown, err))
				if b.hooks.OnError != nil {
					b.hooks.OnError(err)
				}
				return
			}
			if b.hooks.OnAfter != nil {
				b.hooks.OnAfter(blk)
			}
		case <-b.ctx.Done():
			return
		}
	}
}

// Publish queues blk for the link, waiting while the bus is full.
func (b *Bus) Publish(ctx context.Context, blk mux.Block) error {
	select {
	case <-b.done:
		return b.closedErr()
	default:
	}
	select {
	case b.ch <- blk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return b.closedErr()
	}
}

// Done is closed when the bus worker exits.
func (b *Bus) Done() <-chan struct{} { return b.done }

// Err returns the send error that stopped the bus, if any.
func (b *Bus) Err() error {
	select {
	case <-b.done:
	default:
		return nil
	}
	return b.err
}

// Len returns the number of blocks waiting to be written.
func (b *Bus) Len() int { return len(b.ch) }

// Close stops the worker and waits for it. Queued blocks are discarded.
func (b *Bus) Close() {
	b.cancel()
	b.wg.Wait()
}

func (b *Bus) setErr(err error) { b.errOnce.Do(func() { b.err = err }) }

func (b *Bus) closedErr() error {
	if err := b.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBusClosed, err)
	}
	return ErrBusClosed
}

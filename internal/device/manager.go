// Package device owns the serial device of one logical channel and hands out
// handles to its workers, reopening the device when handles go bad.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kstaniek/go-serial-mux/internal/logging"
	"github.com/kstaniek/go-serial-mux/internal/metrics"
	"github.com/kstaniek/go-serial-mux/internal/serial"
)

const (
	// DefaultCloneLimit is how many handles are issued per open before the
	// next request forces a close/reopen.
	DefaultCloneLimit = 2
	// DefaultRetryInterval is the pause between failed reopen attempts.
	DefaultRetryInterval = 100 * time.Millisecond
)

// ErrNotReconnectable is returned when a pre-opened device would need reopening.
var ErrNotReconnectable = errors.New("device: pre-opened handle cannot be reopened")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("device: manager closed")

// Settings describe how to (re)open a real device.
type Settings struct {
	Path        string
	Baud        int
	ReadTimeout time.Duration
}

// Manager is the handle broker for one channel. All state is guarded by mu;
// callers hold it only for the duration of Acquire/Reopen, never during I/O.
type Manager struct {
	mu         sync.Mutex
	id         uint8
	dev        serial.Device
	settings   *Settings
	issued     int
	handed     []serial.Port
	limit      int
	closed     bool
	open       serial.OpenFunc
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithOpener replaces serial.Open (tests, platform shims).
func WithOpener(fn serial.OpenFunc) Option {
	return func(m *Manager) {
		if fn != nil {
			m.open = fn
		}
	}
}

// WithRetryPolicy sets the backoff used between reopen attempts. The policy
// should never return backoff.Stop: a missing device is expected to come back.
func WithRetryPolicy(fn func() backoff.BackOff) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newBackOff = fn
		}
	}
}

// WithCloneLimit overrides DefaultCloneLimit.
func WithCloneLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.limit = n
		}
	}
}

// WithLogger sets the logger; nil keeps the package default.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// ConstantRetry returns a policy retrying forever every d.
func ConstantRetry(d time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff { return backoff.NewConstantBackOff(d) }
}

func newManager(id uint8, opts []Option) *Manager {
	m := &Manager{
		id:         id,
		limit:      DefaultCloneLimit,
		open:       serial.Open,
		newBackOff: ConstantRetry(DefaultRetryInterval),
		logger:     logging.L(),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With("channel", id)
	return m
}

// Open opens the device described by s once and returns a reconnectable Manager.
// A failure here is a startup error and is not retried.
func Open(id uint8, s Settings, opts ...Option) (*Manager, error) {
	m := newManager(id, opts)
	dev, err := m.open(s.Path, s.Baud, s.ReadTimeout)
	if err != nil {
		metrics.IncError(metrics.ErrDeviceOpen)
		return nil, fmt.Errorf("open %s: %w", s.Path, err)
	}
	m.dev = dev
	m.settings = &s
	m.logger.Info("device_open", "device", s.Path, "baud", s.Baud)
	return m, nil
}

// FromDevice wraps an already open device (virtual ports). It cannot be reopened.
func FromDevice(id uint8, dev serial.Device, opts ...Option) *Manager {
	m := newManager(id, opts)
	m.dev = dev
	return m
}

// ID returns the channel id.
func (m *Manager) ID() uint8 { return m.id }

// Reconnectable reports whether the device can be reopened by path.
func (m *Manager) Reconnectable() bool { return m.settings != nil }

// Issued returns the handles issued since the device was last (re)opened.
func (m *Manager) Issued() int { m.mu.Lock(); defer m.mu.Unlock(); return m.issued }

// Acquire returns a fresh handle. Once the limit of handles has been issued
// the device is closed and reopened first.
func (m *Manager) Acquire(ctx context.Context) (serial.Port, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.issued >= m.limit || m.dev == nil {
		if err := m.reopenLocked(ctx); err != nil {
			return nil, err
		}
	}
	p, err := m.dev.Clone()
	if err != nil {
		// A device that cannot be cloned is treated as dead: force a reopen next time.
		m.issued = m.limit
		return nil, fmt.Errorf("channel %d: %w", m.id, err)
	}
	m.issued++
	m.handed = append(m.handed, p)
	m.logger.Debug("handle_issued", "issued", m.issued)
	return p, nil
}

// Reopen closes the device and opens it again, retrying until it succeeds or
// ctx is done. Pre-opened devices return ErrNotReconnectable.
func (m *Manager) Reopen(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.reopenLocked(ctx)
}

func (m *Manager) reopenLocked(ctx context.Context) error {
	if m.settings == nil {
		return fmt.Errorf("channel %d: %w", m.id, ErrNotReconnectable)
	}
	s := *m.settings
	if m.dev != nil {
		_ = m.dev.Close()
		m.dev = nil
	}
	// Outstanding handles belong to the workers now; they close them on replacement.
	m.handed = nil
	op := func() error {
		dev, err := m.open(s.Path, s.Baud, s.ReadTimeout)
		if err != nil {
			return err
		}
		m.dev = dev
		return nil
	}
	notify := func(err error, wait time.Duration) {
		metrics.IncError(metrics.ErrDeviceOpen)
		m.logger.Warn("device_reopen_failed", "device", s.Path, "error", err, "retry_in", wait)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(m.newBackOff(), ctx), notify); err != nil {
		return fmt.Errorf("channel %d reopen %s: %w", m.id, s.Path, err)
	}
	m.issued = 0
	metrics.IncReopen(m.id)
	m.logger.Info("device_reopen", "device", s.Path, "baud", s.Baud)
	return nil
}

// Close closes the device and every handle issued since the last reopen, which
// unblocks workers parked in Read. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, p := range m.handed {
		_ = p.Close()
	}
	m.handed = nil
	if m.dev == nil {
		return nil
	}
	return m.dev.Close()
}

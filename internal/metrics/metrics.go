package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-serial-mux/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	LinkRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_rx_frames_total",
		Help: "Total frames decoded from the physical multiplexed link.",
	})
	LinkRxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_rx_payload_bytes_total",
		Help: "Total payload bytes decoded from the physical link.",
	})
	LinkTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_tx_frames_total",
		Help: "Total frames written to the physical multiplexed link.",
	})
	LinkTxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_tx_payload_bytes_total",
		Help: "Total payload bytes written to the physical link.",
	})
	LinkDesyncs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_desync_total",
		Help: "Total resynchronizations triggered by unknown channel ids.",
	})
	ChannelRxBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channel_rx_bytes_total",
		Help: "Bytes read from a logical channel device.",
	}, []string{"channel"})
	ChannelTxBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channel_tx_bytes_total",
		Help: "Bytes written to a logical channel device.",
	}, []string{"channel"})
	DeviceReopens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_reopens_total",
		Help: "Channel device close/reopen cycles.",
	}, []string{"channel"})
	DroppedBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dropped_blocks_total",
		Help: "Blocks addressed to a disabled (unrecoverable) channel.",
	})
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "channel_queue_depth",
		Help: "Blocks waiting in a channel's inbound queue.",
	}, []string{"channel"})
	ActiveChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_channels",
		Help: "Channels currently accepting traffic.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrLinkRead      = "link_read"
	ErrLinkWrite     = "link_write"
	ErrLinkClear     = "link_clear"
	ErrChannelRead   = "channel_read"
	ErrChannelWrite  = "channel_write"
	ErrDeviceOpen    = "device_open"
	ErrUnrecoverable = "channel_unrecoverable"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localLinkRx      uint64
	localLinkRxBytes uint64
	localLinkTx      uint64
	localLinkTxBytes uint64
	localDesyncs     uint64
	localChannelRx   uint64
	localChannelTx   uint64
	localReopens     uint64
	localDropped     uint64
	localErrors      uint64
	localActive      uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	LinkRx         uint64
	LinkRxBytes    uint64
	LinkTx         uint64
	LinkTxBytes    uint64
	Desyncs        uint64
	ChannelRx      uint64 // bytes, summed across channels
	ChannelTx      uint64 // bytes, summed across channels
	Reopens        uint64
	Dropped        uint64
	Errors         uint64 // sum across error labels
	ActiveChannels uint64
}

func Snap() Snapshot {
	return Snapshot{
		LinkRx:         atomic.LoadUint64(&localLinkRx),
		LinkRxBytes:    atomic.LoadUint64(&localLinkRxBytes),
		LinkTx:         atomic.LoadUint64(&localLinkTx),
		LinkTxBytes:    atomic.LoadUint64(&localLinkTxBytes),
		Desyncs:        atomic.LoadUint64(&localDesyncs),
		ChannelRx:      atomic.LoadUint64(&localChannelRx),
		ChannelTx:      atomic.LoadUint64(&localChannelTx),
		Reopens:        atomic.LoadUint64(&localReopens),
		Dropped:        atomic.LoadUint64(&localDropped),
		Errors:         atomic.LoadUint64(&localErrors),
		ActiveChannels: atomic.LoadUint64(&localActive),
	}
}

func label(id uint8) string { return strconv.Itoa(int(id)) }

// Wrapper helpers to keep call sites simple.
func IncLinkRx(n int) {
	LinkRxFrames.Inc()
	LinkRxBytes.Add(float64(n))
	atomic.AddUint64(&localLinkRx, 1)
	atomic.AddUint64(&localLinkRxBytes, uint64(n))
}

func IncLinkTx(n int) {
	LinkTxFrames.Inc()
	LinkTxBytes.Add(float64(n))
	atomic.AddUint64(&localLinkTx, 1)
	atomic.AddUint64(&localLinkTxBytes, uint64(n))
}

func IncDesync() {
	LinkDesyncs.Inc()
	atomic.AddUint64(&localDesyncs, 1)
}

// AddChannelRx records n bytes read from channel id's device.
func AddChannelRx(id uint8, n int) {
	ChannelRxBytes.WithLabelValues(label(id)).Add(float64(n))
	atomic.AddUint64(&localChannelRx, uint64(n))
}

// AddChannelTx records n bytes written to channel id's device.
func AddChannelTx(id uint8, n int) {
	ChannelTxBytes.WithLabelValues(label(id)).Add(float64(n))
	atomic.AddUint64(&localChannelTx, uint64(n))
}

func IncReopen(id uint8) {
	DeviceReopens.WithLabelValues(label(id)).Inc()
	atomic.AddUint64(&localReopens, 1)
}

func IncDropped() {
	DroppedBlocks.Inc()
	atomic.AddUint64(&localDropped, 1)
}

func SetQueueDepth(id uint8, n int) {
	QueueDepth.WithLabelValues(label(id)).Set(float64(n))
}

func SetActiveChannels(n int) {
	ActiveChannels.Set(float64(n))
	atomic.StoreUint64(&localActive, uint64(n))
}

func IncError(lbl string) {
	Errors.WithLabelValues(lbl).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register error label series so dashboards see zeros before the first error.
	for _, lbl := range []string{
		ErrLinkRead, ErrLinkWrite, ErrLinkClear,
		ErrChannelRead, ErrChannelWrite, ErrDeviceOpen, ErrUnrecoverable,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

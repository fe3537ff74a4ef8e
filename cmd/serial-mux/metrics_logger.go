package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-serial-mux/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				logSnapshot(l, metrics.Snap())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func logSnapshot(l *slog.Logger, snap metrics.Snapshot) {
	l.Info("metrics_snapshot",
		"link_rx", snap.LinkRx,
		"link_rx_bytes", snap.LinkRxBytes,
		"link_tx", snap.LinkTx,
		"link_tx_bytes", snap.LinkTxBytes,
		"desyncs", snap.Desyncs,
		"channel_rx_bytes", snap.ChannelRx,
		"channel_tx_bytes", snap.ChannelTx,
		"reopens", snap.Reopens,
		"dropped", snap.Dropped,
		"active_channels", snap.ActiveChannels,
		"errors", snap.Errors,
	)
}

package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/romixlab/mcan/internal/metrics"
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
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"tx_submitted", snap.TxSubmitted,
					"tx_completed", snap.TxCompleted,
					"tx_rejected", snap.TxRejected,
					"rx_frames", snap.RxFrames,
					"rx_overflows", snap.RxOverflows,
					"host_tx", snap.HostTx,
					"host_rx", snap.HostRx,
					"bus_off", snap.BusOff,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}

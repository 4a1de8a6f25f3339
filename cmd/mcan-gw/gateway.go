package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/romixlab/mcan/frame"
	"github.com/romixlab/mcan/internal/metrics"
	"github.com/romixlab/mcan/internal/socketcan"
	"github.com/romixlab/mcan/internal/transport"
	"github.com/romixlab/mcan/mcan"
	"github.com/romixlab/mcan/msgram"
)

// gateway pumps frames between one M_CAN instance and a host SocketCAN
// interface. The driver is single-owner, so one goroutine runs the whole
// controller side: submissions, completion polling, FIFO draining and state
// polling all happen on that loop.
type gateway struct {
	cfg    *appConfig
	be     *backend
	l      *slog.Logger
	drv    *mcan.Driver
	dev    *socketcan.Device
	hostTx *transport.AsyncTx
	hostRx chan frame.Frame
	ready  atomic.Bool
}

func newGateway(cfg *appConfig, be *backend, l *slog.Logger) (*gateway, error) {
	size := msgram.Data8
	frames := mcan.FrameClassic
	if cfg.fdMode {
		size = msgram.Data64
		frames = mcan.FrameFDWithBRS
	}
	layout, err := msgram.NewBuilder(msgram.Words(cfg.ramWords)).
		RxFifo0(cfg.rxFifoSize, size).
		TxEventFifo(cfg.txEvents).
		TxBuffers(0, cfg.txFifoSize, size).
		Build()
	if err != nil {
		return nil, fmt.Errorf("message ram layout: %w", err)
	}

	mode := mcan.ModeNormal
	if be.loopback {
		mode = mcan.ModeInternalLoopback
	}
	dcfg := mcan.Config{
		Layout:  layout,
		Nominal: mcan.NominalBitTiming{Prescaler: 4, Seg1: 13, Seg2: 2, SyncJumpWidth: 1},
		Data:    mcan.DataBitTiming{Prescaler: 1, Seg1: 5, Seg2: 2, SyncJumpWidth: 1},
		Mode:    mode,
		Frames:  frames,

		RxFifo0Watermark:        cfg.rxWatermark,
		AutomaticRetransmission: true,
	}

	drv, err := mcan.New(be.rw, be.mem, mcan.CAN1)
	if err != nil {
		return nil, err
	}
	if err := drv.EnterConfig(); err != nil {
		return nil, fmt.Errorf("controller config window: %w", err)
	}
	if err := drv.Configure(dcfg); err != nil {
		return nil, fmt.Errorf("controller configure: %w", err)
	}
	if err := drv.Start(); err != nil {
		return nil, fmt.Errorf("controller start: %w", err)
	}
	if err := be.health(); err != nil {
		return nil, fmt.Errorf("controller access: %w", err)
	}

	dev, err := socketcan.Open(cfg.canIf)
	if err != nil {
		return nil, fmt.Errorf("host socketcan: %w", err)
	}
	return &gateway{cfg: cfg, be: be, l: l, drv: drv, dev: dev,
		hostRx: make(chan frame.Frame, cfg.txBuffer)}, nil
}

func (g *gateway) run(ctx context.Context, wg *sync.WaitGroup) {
	g.hostTx = transport.NewAsyncTx(ctx, g.cfg.txBuffer, func(f frame.Frame) error {
		if err := g.dev.WriteFrame(f); err != nil {
			return err
		}
		metrics.IncHostTx()
		return nil
	}, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrHostWrite)
			g.l.Error("host_write_error", "error", err)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrHostOverflow)
			return nil
		},
	})

	wg.Add(2)
	go g.hostReadLoop(ctx, wg)
	go g.driverLoop(ctx, wg)
	g.ready.Store(true)
}

func (g *gateway) close() {
	g.ready.Store(false)
	if g.hostTx != nil {
		g.hostTx.Close()
	}
	_ = g.dev.Close()
	g.be.cleanup()
}

// hostReadLoop moves frames from the host interface into the driver loop's
// inbox. Closing the device on shutdown unblocks the read.
func (g *gateway) hostReadLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	go func() { <-ctx.Done(); _ = g.dev.Close() }()
	for {
		var f frame.Frame
		if err := g.dev.ReadFrame(&f); err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.IncError(metrics.ErrHostRead)
			g.l.Error("host_read_error", "error", err)
			return
		}
		metrics.IncHostRx()
		select {
		case g.hostRx <- f:
		case <-ctx.Done():
			return
		default:
			// Inbox full: drop at the edge rather than block the socket.
			metrics.IncError(metrics.ErrHostOverflow)
		}
	}
}

// driverLoop owns the controller: it is the only goroutine touching the
// driver after configuration.
func (g *gateway) driverLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	tick := time.NewTicker(g.cfg.pollInterval)
	defer tick.Stop()
	statusEvery := 0
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-g.hostRx:
			g.submit(&f)
		case <-tick.C:
			g.service()
			statusEvery++
			if statusEvery >= 100 {
				statusEvery = 0
				g.pollStatus()
			}
		}
	}
}

func (g *gateway) submit(f *frame.Frame) {
	if _, err := g.drv.Submit(f, mcan.AnySlot); err != nil {
		metrics.IncError(metrics.ErrDriverSubmit)
		if errors.Is(err, mcan.ErrNoSlotAvailable) {
			// Backpressure: completions free slots on the next tick; the
			// frame is dropped, counted above.
			g.l.Debug("tx_backpressure", "id", f.ID)
			return
		}
		g.l.Warn("submit_error", "error", err, "id", f.ID)
	}
}

func (g *gateway) service() {
	ev := g.drv.OnInterrupt()
	if ev.RxFifo0New || ev.RxFifo0Watermark || ev.RxFifo0Lost {
		g.drain(mcan.Fifo0)
	}
	if ev.RxFifo1New || ev.RxFifo1Watermark || ev.RxFifo1Lost {
		g.drain(mcan.Fifo1)
	}
	if ev.TxEventNew || ev.TxComplete || ev.TxCancelled {
		g.drv.PollTxCompletions(func(c mcan.Completion) {
			if c.Err != nil {
				metrics.IncError(metrics.ErrDriverPoll)
				g.l.Warn("tx_completion_error", "error", c.Err)
			}
		})
	}
	if ev.BusOffSet {
		g.l.Error("controller_bus_off")
	}
}

func (g *gateway) drain(fifo mcan.Fifo) {
	for {
		st, err := g.drv.DrainRx(fifo, func(f frame.Frame, _ msgram.RxMeta) {
			_ = g.hostTx.SendFrame(f)
		})
		if err != nil {
			var oe *mcan.OverflowError
			if errors.As(err, &oe) {
				g.l.Warn("rx_overflow", "fifo", int(oe.Fifo))
				continue // next pass drains the surviving frames
			}
			metrics.IncError(metrics.ErrDriverPoll)
			g.l.Error("rx_drain_error", "error", err)
			return
		}
		if st.Drained == 0 {
			return
		}
	}
}

// pollStatus refreshes counters and drives bus-off recovery. Recovery is
// explicit by contract; the gateway's policy is to always request it.
func (g *gateway) pollStatus() {
	st := g.drv.Poll()
	if st.State == mcan.BusOff {
		if err := g.drv.RecoverBusOff(); err == nil {
			g.l.Warn("bus_off_recovery_requested")
		}
	}
	if err := g.be.health(); err != nil {
		metrics.IncError(metrics.ErrBridgeRead)
		g.l.Error("controller_access_error", "error", err)
	}
}

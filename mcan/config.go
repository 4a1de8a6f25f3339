package mcan

import (
	"fmt"

	"github.com/romixlab/mcan/msgram"
	"github.com/romixlab/mcan/regs"
)

// OperatingMode selects the controller's bus coupling.
type OperatingMode uint8

const (
	// ModeNormal takes part in bus traffic.
	ModeNormal OperatingMode = iota
	// ModeInternalLoopback feeds TX back to RX without touching the pins.
	ModeInternalLoopback
	// ModeExternalLoopback transmits on the bus and receives its own frames.
	ModeExternalLoopback
	// ModeBusMonitoring listens without acknowledging or transmitting.
	ModeBusMonitoring
	// ModeRestricted receives and acknowledges but never transmits data or
	// active error frames.
	ModeRestricted
)

// FrameMode selects which frame formats the controller accepts for transmit.
type FrameMode uint8

const (
	// FrameClassic: classic CAN only, FDF/BRS disabled.
	FrameClassic FrameMode = iota
	// FrameFD: CAN FD frames without bit rate switching.
	FrameFD
	// FrameFDWithBRS: CAN FD frames with bit rate switching.
	FrameFDWithBRS
)

// NominalBitTiming holds the arbitration phase bit timing. All values are in
// time quanta as the datasheet presents them; the register encoding (value
// minus one) is applied on write.
type NominalBitTiming struct {
	// Prescaler divides the CAN clock, 1..512.
	Prescaler uint16
	// Seg1 is PropSeg+PhaseSeg1 in quanta, 2..256.
	Seg1 uint16
	// Seg2 is PhaseSeg2 in quanta, 2..128.
	Seg2 uint8
	// SyncJumpWidth in quanta, 1..128.
	SyncJumpWidth uint8
}

func (t NominalBitTiming) validate() error {
	switch {
	case t.Prescaler < 1 || t.Prescaler > 512:
		return fmt.Errorf("mcan: nominal prescaler %d out of range 1..512", t.Prescaler)
	case t.Seg1 < 2 || t.Seg1 > 256:
		return fmt.Errorf("mcan: nominal seg1 %d out of range 2..256", t.Seg1)
	case t.Seg2 < 2 || uint16(t.Seg2) > 128:
		return fmt.Errorf("mcan: nominal seg2 %d out of range 2..128", t.Seg2)
	case t.SyncJumpWidth < 1 || uint16(t.SyncJumpWidth) > 128:
		return fmt.Errorf("mcan: nominal sjw %d out of range 1..128", t.SyncJumpWidth)
	case uint16(t.SyncJumpWidth) > uint16(t.Seg2):
		return fmt.Errorf("mcan: nominal sjw %d exceeds seg2 %d", t.SyncJumpWidth, t.Seg2)
	}
	return nil
}

func (t NominalBitTiming) regWord() uint32 {
	return uint32(t.SyncJumpWidth-1)<<regs.NBTPSJWShift |
		uint32(t.Prescaler-1)<<regs.NBTPBRPShift |
		uint32(t.Seg1-1)<<regs.NBTPTSEG1Shift |
		uint32(t.Seg2-1)<<regs.NBTPTSEG2Shift
}

// DataBitTiming holds the data phase bit timing used when bit rate switching
// is active.
type DataBitTiming struct {
	// Prescaler divides the CAN clock, 1..32.
	Prescaler uint8
	// Seg1 in quanta, 1..32.
	Seg1 uint8
	// Seg2 in quanta, 1..16.
	Seg2 uint8
	// SyncJumpWidth in quanta, 1..16.
	SyncJumpWidth uint8
	// TransceiverDelayComp enables TDC for high data rates.
	TransceiverDelayComp bool
}

func (t DataBitTiming) validate() error {
	switch {
	case t.Prescaler < 1 || t.Prescaler > 32:
		return fmt.Errorf("mcan: data prescaler %d out of range 1..32", t.Prescaler)
	case t.Seg1 < 1 || t.Seg1 > 32:
		return fmt.Errorf("mcan: data seg1 %d out of range 1..32", t.Seg1)
	case t.Seg2 < 1 || t.Seg2 > 16:
		return fmt.Errorf("mcan: data seg2 %d out of range 1..16", t.Seg2)
	case t.SyncJumpWidth < 1 || t.SyncJumpWidth > 16:
		return fmt.Errorf("mcan: data sjw %d out of range 1..16", t.SyncJumpWidth)
	case t.SyncJumpWidth > t.Seg2:
		return fmt.Errorf("mcan: data sjw %d exceeds seg2 %d", t.SyncJumpWidth, t.Seg2)
	}
	return nil
}

func (t DataBitTiming) regWord() uint32 {
	w := uint32(t.Prescaler-1)<<regs.DBTPBRPShift |
		uint32(t.Seg1-1)<<regs.DBTPTSEG1Shift |
		uint32(t.Seg2-1)<<regs.DBTPTSEG2Shift |
		uint32(t.SyncJumpWidth-1)<<regs.DBTPSJWShift
	if t.TransceiverDelayComp {
		w |= regs.DBTPTDC
	}
	return w
}

// Wait iteration budgets. Every register wait in the driver is bounded; the
// defaults are generous for MMIO and still finite over a serial bridge.
const (
	defaultShortWaitIters = 1_000
	defaultLongWaitIters  = 100_000
)

// Config describes one full controller configuration. Configure applies it
// atomically while the core sits in Configuration state; there is no partial
// reconfiguration.
type Config struct {
	// Layout is the Message RAM partitioning for this instance, usually from
	// msgram.NewBuilder. Required.
	Layout *msgram.Layout

	Nominal NominalBitTiming
	// Data is required when Frames is FrameFDWithBRS.
	Data DataBitTiming

	Mode   OperatingMode
	Frames FrameMode

	// TxQueueMode transmits by identifier priority instead of FIFO order.
	TxQueueMode bool

	// RxFifo0Watermark and RxFifo1Watermark set the fill level at which
	// DrainRx reports AboveWatermark and the watermark interrupt fires.
	// Zero disables the watermark.
	RxFifo0Watermark int
	RxFifo1Watermark int

	// AutomaticRetransmission keeps the hardware default of retrying after
	// arbitration loss or errors. Clearing it sets CCCR.DAR.
	AutomaticRetransmission bool

	// ShortWaitIters and LongWaitIters override the bounded register wait
	// budgets; zero selects the defaults.
	ShortWaitIters int
	LongWaitIters  int
}

func (c *Config) validate() error {
	if c.Layout == nil {
		return fmt.Errorf("mcan: config requires a message ram layout")
	}
	if err := c.Nominal.validate(); err != nil {
		return err
	}
	if c.Frames == FrameFDWithBRS {
		if err := c.Data.validate(); err != nil {
			return err
		}
	}
	for _, wm := range [2]struct {
		level int
		kind  msgram.RegionKind
	}{
		{c.RxFifo0Watermark, msgram.RxFifo0},
		{c.RxFifo1Watermark, msgram.RxFifo1},
	} {
		if wm.level == 0 {
			continue
		}
		r, ok := c.Layout.Region(wm.kind)
		if !ok || wm.level < 0 || wm.level > r.Count {
			return fmt.Errorf("mcan: %s watermark %d exceeds fifo size", wm.kind, wm.level)
		}
	}
	return nil
}

func (c *Config) shortWait() int {
	if c.ShortWaitIters > 0 {
		return c.ShortWaitIters
	}
	return defaultShortWaitIters
}

func (c *Config) longWait() int {
	if c.LongWaitIters > 0 {
		return c.LongWaitIters
	}
	return defaultLongWaitIters
}

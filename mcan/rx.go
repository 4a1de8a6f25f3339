package mcan

import (
	"fmt"

	"github.com/romixlab/mcan/frame"
	"github.com/romixlab/mcan/internal/logging"
	"github.com/romixlab/mcan/internal/metrics"
	"github.com/romixlab/mcan/msgram"
	"github.com/romixlab/mcan/regs"
)

// Fifo selects one of the two RX FIFOs.
type Fifo uint8

const (
	Fifo0 Fifo = iota
	Fifo1
)

func (f Fifo) kind() msgram.RegionKind {
	if f == Fifo1 {
		return msgram.RxFifo1
	}
	return msgram.RxFifo0
}

func (f Fifo) statusReg() regs.Reg {
	if f == Fifo1 {
		return regs.RXF1S
	}
	return regs.RXF0S
}

func (f Fifo) ackReg() regs.Reg {
	if f == Fifo1 {
		return regs.RXF1A
	}
	return regs.RXF0A
}

func (f Fifo) lostBit() uint32 {
	if f == Fifo1 {
		return regs.IRRF1L
	}
	return regs.IRRF0L
}

// DrainStatus summarizes one DrainRx pass.
type DrainStatus struct {
	// Drained is the number of frames delivered to the callback.
	Drained int
	// Fill is the FIFO fill level sampled at entry, before draining.
	Fill int
	// AboveWatermark is set when Fill reached the configured watermark.
	AboveWatermark bool
	// Malformed counts elements skipped because their DLC decoded to no
	// defined length. They are acknowledged so the FIFO keeps moving.
	Malformed int
}

// rxState carries per-FIFO drain bookkeeping.
type rxState struct {
	watermark [2]int
}

func (r *rxState) reset(cfg Config) {
	r.watermark = [2]int{cfg.RxFifo0Watermark, cfg.RxFifo1Watermark}
}

// DrainRx empties the given RX FIFO, delivering each decoded frame to fn.
// The iteration bound is the fill level sampled at entry, so a bus that
// refills the FIFO as fast as it drains cannot starve the caller.
//
// An overflow is surfaced as an OverflowError exactly once per episode,
// before any frames from that pass are delivered; the next call drains
// normally. Malformed elements are counted, acknowledged and skipped.
func (d *Driver) DrainRx(f Fifo, fn func(frame.Frame, msgram.RxMeta)) (DrainStatus, error) {
	var st DrainStatus
	if f != Fifo0 && f != Fifo1 {
		return st, fmt.Errorf("mcan: rx fifo %d out of range", int(f))
	}
	if d.layout == nil {
		return st, ErrNotConfigured
	}
	region, ok := d.layout.Region(f.kind())
	if !ok {
		return st, ErrNotConfigured
	}

	s := d.rw.Read(f.statusReg())
	st.Fill = int(s & regs.RXFSFillMask)
	if st.Fill > region.Count {
		st.Fill = region.Count
	}
	wm := d.rx.watermark[f]
	st.AboveWatermark = wm > 0 && st.Fill >= wm

	// The report acknowledges the lost flag, so a set flag at entry is
	// always a fresh overflow episode.
	if s&regs.RXFSMsgLost != 0 {
		d.rw.Write(regs.IR, f.lostBit())
		metrics.IncRxOverflow()
		logging.L().Warn("mcan_rx_overflow", "instance", d.inst.String(),
			"fifo", int(f), "fill", st.Fill)
		return st, &OverflowError{Fifo: f}
	}

	get := int(s & regs.RXFSGetMask >> regs.RXFSGetShift)
	elemWords := region.ElementWords()
	for i := 0; i < st.Fill; i++ {
		raw := d.readElement(region.ElementOffset(get), elemWords)
		fr, meta, err := msgram.DecodeRx(raw, region.DataSize)
		d.rw.Write(f.ackReg(), uint32(get))
		get = (get + 1) % region.Count
		if err != nil {
			st.Malformed++
			continue
		}
		metrics.IncRx()
		fn(fr, meta)
		st.Drained++
	}
	return st, nil
}

// ReadRxBuffer reads dedicated RX buffer idx if the hardware flagged new
// data for it, clearing the new-data flag. ok is false when the buffer holds
// nothing new. Buffers beyond index 31 would need NDAT2; the allocator's
// ceiling for this driver keeps dedicated buffers within the first flag
// register when used with ReadRxBuffer.
func (d *Driver) ReadRxBuffer(idx int) (frame.Frame, bool, error) {
	var fr frame.Frame
	if d.layout == nil {
		return fr, false, ErrNotConfigured
	}
	region, ok := d.layout.Region(msgram.RxBuffers)
	if !ok || idx < 0 || idx >= region.Count || idx > 31 {
		return fr, false, ErrNotConfigured
	}
	bit := uint32(1) << uint(idx)
	if d.rw.Read(regs.NDAT1)&bit == 0 {
		return fr, false, nil
	}
	raw := d.readElement(region.ElementOffset(idx), region.ElementWords())
	fr, _, err := msgram.DecodeRx(raw, region.DataSize)
	// Write-one-to-clear releases the buffer for the next reception.
	d.rw.Write(regs.NDAT1, bit)
	if err != nil {
		return frame.Frame{}, false, err
	}
	metrics.IncRx()
	return fr, true, nil
}

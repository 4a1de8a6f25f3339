package mcan

import (
	"fmt"

	"github.com/romixlab/mcan/frame"
	"github.com/romixlab/mcan/internal/logging"
	"github.com/romixlab/mcan/internal/metrics"
	"github.com/romixlab/mcan/msgram"
	"github.com/romixlab/mcan/regs"
)

// Slot is a transmit slot preference. AnySlot takes the next FIFO/queue
// position; a non-negative value addresses a dedicated buffer by index.
type Slot int

// AnySlot lets the hardware pick the FIFO/queue put position.
const AnySlot Slot = -1

// TxHandle identifies one submitted transmit request until its completion is
// delivered. The zero handle is never issued.
type TxHandle struct {
	seq  uint64
	slot int
}

// Seq returns the handle's monotonically increasing submission number.
func (h TxHandle) Seq() uint64 { return h.seq }

// Valid reports whether the handle was issued by Submit.
func (h TxHandle) Valid() bool { return h.seq != 0 }

// Outcome classifies how a transmit request ended.
type Outcome uint8

const (
	// OutcomePending: not finished yet. Never delivered through
	// PollTxCompletions; it is the implicit state between Submit and the
	// completion callback.
	OutcomePending Outcome = iota
	// OutcomeSent: the frame went out on the bus. Timestamp is valid. Also
	// used when a cancellation lost the race and the frame was transmitted
	// anyway; CancelledButSent distinguishes that case.
	OutcomeSent
	// OutcomeCancelled: cancelled before transmission started, confirmed
	// synchronously by Cancel.
	OutcomeCancelled
	// OutcomeAborted: the hardware confirmed the abort after Cancel had
	// already returned with the request still pending.
	OutcomeAborted
)

var outcomeNames = [...]string{"pending", "sent", "cancelled", "aborted"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "unknown"
}

// Completion reports the end of one transmit request. Err is non-nil only
// for protocol-level reports that carry no request: an unmatched TX event or
// a malformed event element.
type Completion struct {
	Handle  TxHandle
	Outcome Outcome
	// Timestamp is the raw bus timestamp of the transmission, valid for
	// OutcomeSent.
	Timestamp uint16
	// CancelledButSent is set for OutcomeSent when a cancellation request
	// raced the transmission and lost.
	CancelledButSent bool
	Err              error
}

type txRequest struct {
	seq             uint64
	marker          uint8
	cancelRequested bool
}

// txState tracks pending requests per hardware slot plus completions that
// were decided locally (synchronous cancels) and wait for the next poll.
type txState struct {
	slots        []txRequest
	occupied     []bool
	pendingCount int
	nextSeq      uint64
	dedicated    int
	queued       []Completion
}

func (t *txState) reset(l *msgram.Layout) {
	n := l.TxSlots()
	t.slots = make([]txRequest, n)
	t.occupied = make([]bool, n)
	t.pendingCount = 0
	t.queued = t.queued[:0]
	t.dedicated = 0
	if r, ok := l.Region(msgram.TxBuffers); ok {
		t.dedicated = r.Count
	}
}

func (t *txState) dropAll() {
	for i := range t.occupied {
		t.occupied[i] = false
	}
	t.pendingCount = 0
}

func (t *txState) release(slot int) {
	if t.occupied[slot] {
		t.occupied[slot] = false
		t.pendingCount--
	}
}

// findByMarker locates the pending request carrying the given message
// marker. The pending set is bounded by 32 hardware slots, far below the
// 256 marker values, so markers in flight are unique.
func (t *txState) findByMarker(marker uint8) (int, bool) {
	for i := range t.slots {
		if t.occupied[i] && t.slots[i].marker == marker {
			return i, true
		}
	}
	return -1, false
}

// Submit encodes the frame into a transmit slot and requests transmission.
// It never blocks: a full FIFO/queue or a busy dedicated buffer returns
// ErrNoSlotAvailable immediately and the caller decides whether to retry,
// drop, or queue upstream. The returned handle correlates the eventual
// completion.
func (d *Driver) Submit(f *frame.Frame, slot Slot) (TxHandle, error) {
	if d.layout == nil {
		return TxHandle{}, ErrNotConfigured
	}
	if !d.state.running() {
		return TxHandle{}, &StateError{Op: "submit", State: d.state}
	}
	if err := f.Validate(); err != nil {
		return TxHandle{}, err
	}

	var idx int
	if slot == AnySlot {
		fqs := d.rw.Read(regs.TXFQS)
		if fqs&regs.TXFQSQueueFull != 0 || fqs&regs.TXFQSFreeMask == 0 {
			metrics.IncTxRejected()
			return TxHandle{}, ErrNoSlotAvailable
		}
		idx = int(fqs & regs.TXFQSPutMask >> regs.TXFQSPutShift)
	} else {
		idx = int(slot)
		if idx < 0 || idx >= d.tx.dedicated {
			return TxHandle{}, fmt.Errorf("mcan: dedicated buffer %d out of range", idx)
		}
		if d.rw.Read(regs.TXBRP)&(1<<uint(idx)) != 0 || d.tx.occupied[idx] {
			metrics.IncTxRejected()
			return TxHandle{}, ErrNoSlotAvailable
		}
	}
	if idx >= len(d.tx.slots) || d.tx.occupied[idx] {
		// Hardware handed out a slot the driver still considers pending;
		// completions have not been polled. Backpressure instead of
		// clobbering the older request.
		metrics.IncTxRejected()
		return TxHandle{}, ErrNoSlotAvailable
	}

	off, size, ok := d.layout.TxElementOffset(idx)
	if !ok {
		return TxHandle{}, fmt.Errorf("mcan: no tx element for slot %d", idx)
	}
	d.tx.nextSeq++
	seq := d.tx.nextSeq
	marker := uint8(seq)

	n := int(2 + size.Words())
	buf := d.scratch[:n:n]
	if err := msgram.EncodeTx(f, marker, size, buf); err != nil {
		d.tx.nextSeq--
		return TxHandle{}, err
	}
	d.writeElement(off, buf)

	d.tx.slots[idx] = txRequest{seq: seq, marker: marker}
	d.tx.occupied[idx] = true
	d.tx.pendingCount++
	d.rw.Write(regs.TXBAR, 1<<uint(idx))
	metrics.IncTxSubmitted()
	logging.L().Debug("mcan_tx_submit", "instance", d.inst.String(),
		"seq", seq, "slot", idx, "id", f.ID)
	return TxHandle{seq: seq, slot: idx}, nil
}

// Cancel requests cancellation of a pending transmit. When the hardware
// confirms the request never started, the slot is freed and an
// OutcomeCancelled completion is queued for the next PollTxCompletions.
// When transmission already started (or the confirmation does not arrive
// within the bounded wait) the request stays pending and resolves through
// the TX event FIFO or a later abort confirmation.
func (d *Driver) Cancel(h TxHandle) error {
	if d.layout == nil {
		return ErrNotConfigured
	}
	if h.slot < 0 || h.slot >= len(d.tx.slots) ||
		!d.tx.occupied[h.slot] || d.tx.slots[h.slot].seq != h.seq {
		return ErrUnknownHandle
	}
	bit := uint32(1) << uint(h.slot)
	d.rw.Write(regs.TXBCR, bit)
	for i := 0; i < d.shortWait; i++ {
		to := d.rw.Read(regs.TXBTO)
		cf := d.rw.Read(regs.TXBCF)
		if to&bit != 0 {
			// Transmission occurred; the TX event will resolve the request.
			d.tx.slots[h.slot].cancelRequested = true
			return nil
		}
		if cf&bit != 0 {
			d.tx.release(h.slot)
			d.tx.queued = append(d.tx.queued, Completion{
				Handle:  h,
				Outcome: OutcomeCancelled,
			})
			metrics.IncTxCancelled()
			logging.L().Debug("mcan_tx_cancelled", "instance", d.inst.String(),
				"seq", h.seq, "slot", h.slot)
			return nil
		}
	}
	// Confirmation pending; resolve on a later poll.
	d.tx.slots[h.slot].cancelRequested = true
	return nil
}

// PollTxCompletions drains the TX event FIFO and delivers one Completion per
// finished request, in hardware completion order. Locally decided
// cancellations queued by Cancel are delivered first. An event that matches
// no pending request is delivered with Err set to ErrUnmatchedTxEvent and
// processing continues; a single bad event never wedges the FIFO. Returns
// the number of completions delivered.
func (d *Driver) PollTxCompletions(fn func(Completion)) int {
	if d.layout == nil {
		return 0
	}
	delivered := 0
	for _, c := range d.tx.queued {
		fn(c)
		delivered++
	}
	d.tx.queued = d.tx.queued[:0]

	evr, ok := d.layout.Region(msgram.TxEventFifo)
	if ok {
		efs := d.rw.Read(regs.TXEFS)
		fill := int(efs & regs.TXEFSFillMask)
		if fill > evr.Count {
			fill = evr.Count
		}
		get := int(efs & regs.TXEFSGetMask >> regs.TXEFSGetShift)
		for i := 0; i < fill; i++ {
			raw := d.readElement(evr.ElementOffset(get), 2)
			ev, err := msgram.DecodeTxEvent(raw)
			d.rw.Write(regs.TXEFA, uint32(get))
			get = (get + 1) % evr.Count
			if err != nil {
				fn(Completion{Err: err})
				delivered++
				continue
			}
			slot, found := d.tx.findByMarker(ev.Marker)
			if !found {
				metrics.IncUnmatched()
				logging.L().Warn("mcan_tx_event_unmatched",
					"instance", d.inst.String(), "marker", ev.Marker, "id", ev.ID)
				fn(Completion{Err: fmt.Errorf("%w: marker %d", ErrUnmatchedTxEvent, ev.Marker)})
				delivered++
				continue
			}
			req := d.tx.slots[slot]
			d.tx.release(slot)
			metrics.IncTxCompleted()
			fn(Completion{
				Handle:           TxHandle{seq: req.seq, slot: slot},
				Outcome:          OutcomeSent,
				Timestamp:        ev.Timestamp,
				CancelledButSent: ev.CancelledButSent,
			})
			delivered++
		}
	}

	// Requests with an unconfirmed cancel: the abort may have completed
	// without a TX event.
	if d.tx.pendingCount > 0 {
		cf := d.rw.Read(regs.TXBCF)
		to := d.rw.Read(regs.TXBTO)
		for slot := range d.tx.slots {
			if !d.tx.occupied[slot] || !d.tx.slots[slot].cancelRequested {
				continue
			}
			bit := uint32(1) << uint(slot)
			if cf&bit != 0 && to&bit == 0 {
				req := d.tx.slots[slot]
				d.tx.release(slot)
				metrics.IncTxCancelled()
				fn(Completion{
					Handle:  TxHandle{seq: req.seq, slot: slot},
					Outcome: OutcomeAborted,
				})
				delivered++
			}
		}
	}
	return delivered
}

// Package simcan is a behavioral model of an M_CAN instance used by the
// driver tests and the gateway's sim backend. It implements the register
// and Message RAM access interfaces and reproduces the handshakes the
// driver depends on: INIT/CCE entry, clock stop, TX buffer add/cancel,
// FIFO fill/get/lost accounting, the TX event FIFO and bus-off recovery.
package simcan

import (
	"fmt"
	"sync"

	"github.com/romixlab/mcan/frame"
	"github.com/romixlab/mcan/msgram"
	"github.com/romixlab/mcan/regs"
)

const defaultRecoveryReads = 3

type fifoState struct {
	fill, put, get int
	lost           bool
	lostCount      uint32
}

// Peripheral models one controller instance plus its Message RAM slice.
// All methods are safe for concurrent use.
type Peripheral struct {
	mu  sync.Mutex
	r   map[regs.Reg]uint32
	ram []uint32

	fifo   [2]fifoState
	evFill int
	evPut  int
	evGet  int
	evLost bool

	txbrp uint32
	txbto uint32
	txbcf uint32
	txPut int

	tec, rec uint8
	busOff   bool
	// recovery counts PSR reads remaining until a started bus-off recovery
	// completes, modeling the 129 bus-idle sequences.
	recovery      int
	recoveryReads int

	holdTx    bool
	heldOrder []int

	timestamp uint16

	// OnTransmit, when set, observes every transmitted frame (the gateway's
	// sim backend uses it as its bus tap). Called with the mutex held; do
	// not call back into the peripheral.
	onTransmit func(frame.Frame)
}

// New creates a peripheral with a Message RAM of the given word count.
func New(ramWords int) *Peripheral {
	p := &Peripheral{
		r:             make(map[regs.Reg]uint32),
		ram:           make([]uint32, ramWords),
		recoveryReads: defaultRecoveryReads,
	}
	p.r[regs.CCCR] = regs.CCCRInit // reset state: init set
	return p
}

// Regs returns the register access view.
func (p *Peripheral) Regs() regs.Interface { return (*periphRegs)(p) }

// Mem returns the Message RAM view.
func (p *Peripheral) Mem() regs.Memory { return (*periphMem)(p) }

// SetOnTransmit installs the bus tap for transmitted frames.
func (p *Peripheral) SetOnTransmit(fn func(frame.Frame)) {
	p.mu.Lock()
	p.onTransmit = fn
	p.mu.Unlock()
}

// SetHoldTx stops transmit requests from completing until ReleaseHeld,
// letting tests fill slots and exercise cancellation before transmit start.
func (p *Peripheral) SetHoldTx(hold bool) {
	p.mu.Lock()
	p.holdTx = hold
	p.mu.Unlock()
}

// ReleaseHeld transmits all held requests. In queue mode the hardware
// arbitrates by identifier, so held frames go out in ascending ID order;
// in FIFO mode they keep arrival order.
func (p *Peripheral) ReleaseHeld() {
	p.mu.Lock()
	defer p.mu.Unlock()
	order := append([]int(nil), p.heldOrder...)
	p.heldOrder = p.heldOrder[:0]
	if p.r[regs.TXBC]&regs.TXBCQueueMode != 0 {
		p.sortHeldByID(order)
	}
	for _, idx := range order {
		if p.txbrp&(1<<uint(idx)) != 0 {
			p.transmitSlot(idx)
		}
	}
}

func (p *Peripheral) sortHeldByID(order []int) {
	ids := make(map[int]uint32, len(order))
	for _, idx := range order {
		f, _, _, err := p.readTxElement(idx)
		if err == nil {
			ids[idx] = f.ID
		}
	}
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && ids[order[j]] < ids[order[j-1]]; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
}

// SetErrorCounters forces the error counters, driving the EW/EP thresholds.
func (p *Peripheral) SetErrorCounters(tec, rec uint8) {
	p.mu.Lock()
	p.tec, p.rec = tec, rec
	p.mu.Unlock()
}

// ForceBusOff drives the controller bus-off: PSR.BO sets, CCCR.INIT is set
// by the hardware, pending transmit requests are cleared.
func (p *Peripheral) ForceBusOff() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.busOff = true
	p.tec = 255
	p.txbrp = 0
	p.heldOrder = p.heldOrder[:0]
	p.r[regs.CCCR] |= regs.CCCRInit
	p.r[regs.IR] |= regs.IRBO | regs.IREW | regs.IREP
}

// SetRecoveryReads sets how many PSR reads a bus-off recovery takes.
func (p *Peripheral) SetRecoveryReads(n int) {
	p.mu.Lock()
	p.recoveryReads = n
	p.mu.Unlock()
}

// InjectTxEvent pushes a TX event that corresponds to no transmit request,
// the desync case a real core produces after a missed poll or a reset.
func (p *Peripheral) InjectTxEvent(ev msgram.TxEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushTxEvent(ev)
}

// LostCount returns how many frames the given RX FIFO dropped.
func (p *Peripheral) LostCount(fifo int) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fifo[fifo].lostCount
}

// InjectRx delivers a frame into RX FIFO 0 or 1, as if received from the
// bus and accepted by filtering. A full FIFO drops the frame and raises the
// message-lost condition.
func (p *Peripheral) InjectRx(fifo int, f frame.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.injectLocked(fifo, f, msgram.RxMeta{})
}

// InjectRxBuffer stores a frame into dedicated RX buffer idx and flags new
// data.
func (p *Peripheral) InjectRxBuffer(idx int, f frame.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	base := int(p.r[regs.RXBC]&regs.StartAddrMask) / 4
	size := msgram.DataSizeForCode(uint8(p.r[regs.RXESC] >> regs.RXESCRBShift))
	elemWords := int(2 + size.Words())
	off := base + idx*elemWords
	if off+elemWords > len(p.ram) {
		return fmt.Errorf("simcan: rx buffer %d outside ram", idx)
	}
	f.Timestamp = p.nextTimestamp()
	if err := msgram.EncodeRx(&f, msgram.RxMeta{}, size, p.ram[off:off+elemWords]); err != nil {
		return err
	}
	p.r[regs.NDAT1] |= 1 << uint(idx)
	p.r[regs.IR] |= regs.IRDRX
	return nil
}

func (p *Peripheral) injectLocked(fifo int, f frame.Frame, meta msgram.RxMeta) error {
	cfgReg := regs.RXF0C
	escShift := regs.RXESCF0Shift
	lostBit := regs.IRRF0L
	newBit := regs.IRRF0N
	wmBit := regs.IRRF0W
	if fifo == 1 {
		cfgReg = regs.RXF1C
		escShift = regs.RXESCF1Shift
		lostBit = regs.IRRF1L
		newBit = regs.IRRF1N
		wmBit = regs.IRRF1W
	}
	cfg := p.r[cfgReg]
	count := int(cfg >> regs.RXFCSizeShift & 0x7F)
	if count == 0 {
		return fmt.Errorf("simcan: rx fifo %d not configured", fifo)
	}
	fs := &p.fifo[fifo]
	if fs.fill >= count {
		fs.lost = true
		fs.lostCount++
		p.r[regs.IR] |= lostBit
		return nil
	}
	base := int(cfg&regs.StartAddrMask) / 4
	size := msgram.DataSizeForCode(uint8(p.r[regs.RXESC] >> escShift))
	elemWords := int(2 + size.Words())
	off := base + fs.put*elemWords
	if off+elemWords > len(p.ram) {
		return fmt.Errorf("simcan: rx fifo %d element outside ram", fifo)
	}
	f.Timestamp = p.nextTimestamp()
	if err := msgram.EncodeRx(&f, meta, size, p.ram[off:off+elemWords]); err != nil {
		return err
	}
	fs.put = (fs.put + 1) % count
	fs.fill++
	p.r[regs.IR] |= newBit
	if wm := int(cfg >> regs.RXFCWatermarkShift & 0x7F); wm > 0 && fs.fill >= wm {
		p.r[regs.IR] |= wmBit
	}
	return nil
}

func (p *Peripheral) nextTimestamp() uint16 {
	p.timestamp++
	return p.timestamp
}

func (p *Peripheral) readTxElement(idx int) (frame.Frame, uint8, bool, error) {
	txbc := p.r[regs.TXBC]
	base := int(txbc&regs.StartAddrMask) / 4
	size := msgram.DataSizeForCode(uint8(p.r[regs.TXESC] >> regs.TXESCShift))
	elemWords := int(2 + size.Words())
	off := base + idx*elemWords
	if off+elemWords > len(p.ram) {
		return frame.Frame{}, 0, false, fmt.Errorf("simcan: tx element %d outside ram", idx)
	}
	return msgram.DecodeTx(p.ram[off:off+elemWords], size)
}

func (p *Peripheral) transmitSlot(idx int) {
	bit := uint32(1) << uint(idx)
	f, marker, efc, err := p.readTxElement(idx)
	p.txbrp &^= bit
	p.txbto |= bit
	p.r[regs.IR] |= regs.IRTC
	if err != nil {
		return
	}
	ts := p.nextTimestamp()
	if efc {
		p.pushTxEvent(msgram.TxEvent{
			ID:        f.ID,
			Extended:  f.Extended,
			Marker:    marker,
			FD:        f.FD,
			BRS:       f.BRS,
			Len:       f.Len,
			Timestamp: ts,
		})
	}
	if p.r[regs.TEST]&regs.TESTLbck != 0 {
		f.ESI = false
		_ = p.injectLocked(0, f, msgram.RxMeta{})
	}
	if p.onTransmit != nil {
		p.onTransmit(f)
	}
}

func (p *Peripheral) pushTxEvent(ev msgram.TxEvent) {
	cfg := p.r[regs.TXEFC]
	count := int(cfg >> regs.TXEFCSizeShift & 0x3F)
	if count == 0 {
		return
	}
	if p.evFill >= count {
		p.evLost = true
		p.r[regs.IR] |= regs.IRTEFL
		return
	}
	words, err := ev.Encode()
	if err != nil {
		return
	}
	base := int(cfg&regs.StartAddrMask) / 4
	off := base + p.evPut*2
	if off+2 > len(p.ram) {
		return
	}
	p.ram[off] = words[0]
	p.ram[off+1] = words[1]
	p.evPut = (p.evPut + 1) % count
	p.evFill++
	p.r[regs.IR] |= regs.IRTEFN
}

// register access implementation

type periphRegs Peripheral

func (pr *periphRegs) Read(r regs.Reg) uint32 {
	p := (*Peripheral)(pr)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readLocked(r)
}

func (pr *periphRegs) Write(r regs.Reg, v uint32) {
	p := (*Peripheral)(pr)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeLocked(r, v)
}

func (pr *periphRegs) Modify(r regs.Reg, mask, bits uint32) {
	p := (*Peripheral)(pr)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeLocked(r, p.readLocked(r)&^mask|bits&mask)
}

func (p *Peripheral) readLocked(r regs.Reg) uint32 {
	switch r {
	case regs.ENDN:
		return regs.ENDNValue
	case regs.CREL:
		return 0x32141218 // release 3.2.1
	case regs.ECR:
		w := uint32(p.tec) | uint32(p.rec&0x7F)<<regs.ECRRECShift
		if p.rec >= 128 {
			w |= regs.ECRRP
		}
		return w
	case regs.PSR:
		return p.psrLocked()
	case regs.RXF0S:
		return p.fifoStatusLocked(0)
	case regs.RXF1S:
		return p.fifoStatusLocked(1)
	case regs.TXFQS:
		return p.txfqsLocked()
	case regs.TXEFS:
		w := uint32(p.evFill) | uint32(p.evGet)<<regs.TXEFSGetShift
		if p.evLost {
			w |= regs.TXEFSLost
		}
		return w
	case regs.TXBRP:
		return p.txbrp
	case regs.TXBTO:
		return p.txbto
	case regs.TXBCF:
		return p.txbcf
	default:
		return p.r[r]
	}
}

func (p *Peripheral) psrLocked() uint32 {
	if p.busOff {
		if p.recovery > 0 {
			p.recovery--
			if p.recovery == 0 {
				p.busOff = false
				p.tec = 0
				return p.psrLocked()
			}
		}
		return regs.PSRBO | regs.PSREP | regs.PSREW
	}
	var w uint32
	if p.tec >= 128 || p.rec >= 128 {
		w |= regs.PSREP
	}
	if p.tec >= 96 || p.rec >= 96 {
		w |= regs.PSREW
	}
	return w
}

func (p *Peripheral) fifoStatusLocked(fifo int) uint32 {
	fs := &p.fifo[fifo]
	w := uint32(fs.fill) | uint32(fs.get)<<regs.RXFSGetShift
	if fs.lost {
		w |= regs.RXFSMsgLost
	}
	return w
}

func (p *Peripheral) txfqsLocked() uint32 {
	txbc := p.r[regs.TXBC]
	ndtb := int(txbc >> regs.TXBCDedicatedShift & 0x3F)
	tfqs := int(txbc >> regs.TXBCFifoQueueShift & 0x3F)
	if tfqs == 0 {
		return regs.TXFQSQueueFull
	}
	free := 0
	lowest := -1
	for i := ndtb; i < ndtb+tfqs; i++ {
		if p.txbrp&(1<<uint(i)) == 0 {
			free++
			if lowest < 0 {
				lowest = i
			}
		}
	}
	if free == 0 {
		return regs.TXFQSQueueFull
	}
	put := p.txPut
	if txbc&regs.TXBCQueueMode != 0 {
		put = lowest
	} else if put < ndtb || put >= ndtb+tfqs || p.txbrp&(1<<uint(put)) != 0 {
		put = lowest
	}
	return uint32(free) | uint32(put)<<regs.TXFQSPutShift
}

func (p *Peripheral) writeLocked(r regs.Reg, v uint32) {
	switch r {
	case regs.CCCR:
		p.cccrWriteLocked(v)
	case regs.TXBAR:
		p.txbarLocked(v)
	case regs.TXBCR:
		p.txbcrLocked(v)
	case regs.RXF0A:
		p.rxAckLocked(0, v)
	case regs.RXF1A:
		p.rxAckLocked(1, v)
	case regs.TXEFA:
		if p.evFill > 0 {
			cfg := p.r[regs.TXEFC]
			count := int(cfg >> regs.TXEFCSizeShift & 0x3F)
			p.evFill--
			p.evGet = (p.evGet + 1) % count
		}
	case regs.IR:
		p.r[regs.IR] &^= v
		if v&regs.IRRF0L != 0 {
			p.fifo[0].lost = false
			p.fifo[0].lostCount = 0
		}
		if v&regs.IRRF1L != 0 {
			p.fifo[1].lost = false
			p.fifo[1].lostCount = 0
		}
		if v&regs.IRTEFL != 0 {
			p.evLost = false
		}
	case regs.NDAT1:
		p.r[regs.NDAT1] &^= v
	case regs.TXBC:
		p.r[regs.TXBC] = v
		p.txPut = int(v >> regs.TXBCDedicatedShift & 0x3F)
	default:
		p.r[r] = v
	}
}

func (p *Peripheral) cccrWriteLocked(v uint32) {
	old := p.r[regs.CCCR]
	// CSA is read-only and tracks CSR; the core enters init with clock stop.
	v &^= regs.CCCRCSA
	if v&regs.CCCRCSR != 0 {
		v |= regs.CCCRCSA | regs.CCCRInit
	}
	if p.busOff {
		if old&regs.CCCRInit != 0 && v&regs.CCCRInit == 0 {
			// Recovery: the core waits for bus idle before clearing BO.
			p.recovery = p.recoveryReads
			// INIT stays clear from the host's perspective once recovery
			// is requested.
		}
	}
	p.r[regs.CCCR] = v
}

func (p *Peripheral) txbarLocked(v uint32) {
	for idx := 0; idx < 32; idx++ {
		bit := uint32(1) << uint(idx)
		if v&bit == 0 {
			continue
		}
		p.txbto &^= bit
		p.txbcf &^= bit
		p.txbrp |= bit
		p.advancePut(idx)
		if p.holdTx {
			p.heldOrder = append(p.heldOrder, idx)
			continue
		}
		p.transmitSlot(idx)
	}
}

func (p *Peripheral) advancePut(idx int) {
	txbc := p.r[regs.TXBC]
	ndtb := int(txbc >> regs.TXBCDedicatedShift & 0x3F)
	tfqs := int(txbc >> regs.TXBCFifoQueueShift & 0x3F)
	if tfqs == 0 || idx != p.txPut {
		return
	}
	p.txPut = ndtb + (p.txPut-ndtb+1)%tfqs
}

func (p *Peripheral) txbcrLocked(v uint32) {
	for idx := 0; idx < 32; idx++ {
		bit := uint32(1) << uint(idx)
		if v&bit == 0 || p.txbrp&bit == 0 {
			continue
		}
		// Pending and not yet started: cancellation succeeds.
		p.txbrp &^= bit
		p.txbcf |= bit
		p.r[regs.IR] |= regs.IRTCF
		for i, h := range p.heldOrder {
			if h == idx {
				p.heldOrder = append(p.heldOrder[:i], p.heldOrder[i+1:]...)
				break
			}
		}
	}
}

func (p *Peripheral) rxAckLocked(fifo int, v uint32) {
	cfgReg := regs.RXF0C
	if fifo == 1 {
		cfgReg = regs.RXF1C
	}
	count := int(p.r[cfgReg] >> regs.RXFCSizeShift & 0x7F)
	fs := &p.fifo[fifo]
	if count == 0 || fs.fill == 0 {
		return
	}
	fs.fill--
	fs.get = (fs.get + 1) % count
	_ = v // the ack index is implied by the get pointer
}

// Message RAM access implementation

type periphMem Peripheral

func (pm *periphMem) ReadWord(i int) uint32 {
	p := (*Peripheral)(pm)
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.ram) {
		return 0
	}
	return p.ram[i]
}

func (pm *periphMem) WriteWord(i int, v uint32) {
	p := (*Peripheral)(pm)
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.ram) {
		return
	}
	p.ram[i] = v
}

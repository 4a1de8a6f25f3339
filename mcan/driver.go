package mcan

import (
	"fmt"

	"github.com/romixlab/mcan/internal/logging"
	"github.com/romixlab/mcan/internal/metrics"
	"github.com/romixlab/mcan/msgram"
	"github.com/romixlab/mcan/regs"
)

// Instance selects one of the controller instances sharing a Message RAM.
type Instance uint8

const (
	CAN1 Instance = iota
	CAN2
	CAN3

	numInstances
)

func (i Instance) String() string { return fmt.Sprintf("can%d", i+1) }

// Driver owns one M_CAN instance. It is not safe for concurrent use; the
// expected shape is one goroutine (or interrupt context) per instance, with
// fan-in in front of Submit when several producers exist.
type Driver struct {
	rw   regs.Interface
	ram  regs.Memory
	inst Instance

	state  ProtocolState
	cfg    Config
	layout *msgram.Layout

	// Bounded wait budgets, defaulted before the first Configure.
	shortWait int
	longWait  int

	// recovering is set between RecoverBusOff and the Poll that observes
	// PSR.BO cleared.
	recovering bool

	tx txState
	rx rxState

	// scratch holds one Message RAM element during encode/decode. 2 header
	// words plus the largest data field.
	scratch [18]uint32
}

// New binds a driver to an instance behind the given register and Message
// RAM access. No hardware is touched until EnterConfig.
func New(rw regs.Interface, ram regs.Memory, inst Instance) (*Driver, error) {
	if rw == nil || ram == nil {
		return nil, fmt.Errorf("mcan: nil register or memory interface")
	}
	if inst >= numInstances {
		return nil, fmt.Errorf("%w: %d", ErrBadInstance, inst)
	}
	return &Driver{
		rw:        rw,
		ram:       ram,
		inst:      inst,
		state:     Uninitialized,
		shortWait: defaultShortWaitIters,
		longWait:  defaultLongWaitIters,
	}, nil
}

// State returns the driver's current protocol state without touching the
// hardware.
func (d *Driver) State() ProtocolState { return d.state }

// Instance returns the instance this driver is bound to.
func (d *Driver) Instance() Instance { return d.inst }

// waitReg polls r until masked bits equal want, bounded by iters reads.
func (d *Driver) waitReg(r regs.Reg, mask, want uint32, iters int) error {
	for i := 0; i < iters; i++ {
		if d.rw.Read(r)&mask == want {
			return nil
		}
	}
	return fmt.Errorf("%w: reg 0x%02x mask 0x%08x", ErrTimeout, uint32(r), mask)
}

// probe checks that the core answers and is a supported release. ENDN is a
// read-only constant; any other value means the access path is broken.
func (d *Driver) probe() error {
	if v := d.rw.Read(regs.ENDN); v != regs.ENDNValue {
		return fmt.Errorf("%w: endn reads 0x%08x", ErrCoreCommunication, v)
	}
	rel := d.rw.Read(regs.CREL) & regs.CRELRelMask >> regs.CRELRelShift
	if rel < 3 {
		return fmt.Errorf("%w: core release %d", ErrUnsupportedCore, rel)
	}
	return nil
}

// EnterConfig halts the controller and opens the configuration window.
// It fails with ErrTxInFlight while transmit requests are pending: the
// driver never discards in-flight traffic implicitly. From Uninitialized it
// also probes the core first.
func (d *Driver) EnterConfig() error {
	switch d.state {
	case Configuration:
		return nil
	case Sleep, BusOff:
		return &StateError{Op: "enter_config", State: d.state}
	case Uninitialized:
		if err := d.probe(); err != nil {
			return err
		}
	}
	if d.tx.pendingCount > 0 {
		return fmt.Errorf("%w: %d pending", ErrTxInFlight, d.tx.pendingCount)
	}
	d.rw.Modify(regs.CCCR, regs.CCCRInit, regs.CCCRInit)
	if err := d.waitReg(regs.CCCR, regs.CCCRInit, regs.CCCRInit, d.longWait); err != nil {
		return fmt.Errorf("entering init: %w", err)
	}
	// CCE is only writable while INIT is set.
	d.rw.Modify(regs.CCCR, regs.CCCRCCE, regs.CCCRCCE)
	d.setState(Configuration)
	return nil
}

// Configure applies cfg to the halted controller: bit timing, operating
// mode, the Message RAM layout registers and element size classes. The
// instance's RAM span is zeroed first so stale elements cannot leak into
// the FIFOs. Filters are written separately with SetStandardFilter and
// SetExtendedFilter while still in Configuration state.
func (d *Driver) Configure(cfg Config) error {
	if d.state != Configuration {
		return &StateError{Op: "configure", State: d.state}
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	d.cfg = cfg
	d.layout = cfg.Layout
	d.shortWait = cfg.shortWait()
	d.longWait = cfg.longWait()

	for _, r := range cfg.Layout.Regions() {
		for w := r.Offset; w < r.End(); w++ {
			d.ram.WriteWord(int(w), 0)
		}
	}

	d.rw.Write(regs.NBTP, cfg.Nominal.regWord())

	cccr := uint32(0)
	switch cfg.Frames {
	case FrameFD:
		cccr |= regs.CCCRFDOE
	case FrameFDWithBRS:
		cccr |= regs.CCCRFDOE | regs.CCCRBRSE
		d.rw.Write(regs.DBTP, cfg.Data.regWord())
	}
	var test uint32
	switch cfg.Mode {
	case ModeInternalLoopback:
		cccr |= regs.CCCRTest | regs.CCCRMon
		test = regs.TESTLbck
	case ModeExternalLoopback:
		cccr |= regs.CCCRTest
		test = regs.TESTLbck
	case ModeBusMonitoring:
		cccr |= regs.CCCRMon
	case ModeRestricted:
		cccr |= regs.CCCRASM
	}
	if !cfg.AutomaticRetransmission {
		cccr |= regs.CCCRDAR
	}
	modeMask := regs.CCCRFDOE | regs.CCCRBRSE | regs.CCCRTest |
		regs.CCCRMon | regs.CCCRASM | regs.CCCRDAR
	d.rw.Modify(regs.CCCR, modeMask, cccr)
	if test != 0 {
		d.rw.Write(regs.TEST, test)
	}
	d.rw.Write(regs.TSCC, regs.TSCCInternal)

	d.programLayout(cfg)

	d.tx.reset(cfg.Layout)
	d.rx.reset(cfg)
	d.rw.Write(regs.IR, regs.IRMask)
	d.rw.Write(regs.IE, regs.IRMask)

	logging.L().Info("mcan_configured",
		"instance", d.inst.String(),
		"ram_words", int(cfg.Layout.TotalWords()),
		"tx_slots", cfg.Layout.TxSlots(),
		"mode", int(cfg.Mode))
	return nil
}

// programLayout writes the region base/size registers from the layout. Region
// start addresses are byte offsets into the shared Message RAM.
func (d *Driver) programLayout(cfg Config) {
	l := cfg.Layout

	word := func(kind msgram.RegionKind, extra uint32) uint32 {
		r, ok := l.Region(kind)
		if !ok {
			return 0
		}
		return uint32(r.Offset.Bytes())&regs.StartAddrMask | extra
	}

	if r, ok := l.Region(msgram.StdFilter); ok {
		d.rw.Write(regs.SIDFC, word(msgram.StdFilter, uint32(r.Count)<<regs.SIDFCSizeShift))
	} else {
		d.rw.Write(regs.SIDFC, 0)
	}
	if r, ok := l.Region(msgram.ExtFilter); ok {
		d.rw.Write(regs.XIDFC, word(msgram.ExtFilter, uint32(r.Count)<<regs.XIDFCSizeShift))
	} else {
		d.rw.Write(regs.XIDFC, 0)
	}

	var esc uint32
	if r, ok := l.Region(msgram.RxFifo0); ok {
		w := word(msgram.RxFifo0, uint32(r.Count)<<regs.RXFCSizeShift)
		w |= uint32(cfg.RxFifo0Watermark) << regs.RXFCWatermarkShift
		d.rw.Write(regs.RXF0C, w)
		esc |= uint32(r.DataSize.Code()) << regs.RXESCF0Shift
	} else {
		d.rw.Write(regs.RXF0C, 0)
	}
	if r, ok := l.Region(msgram.RxFifo1); ok {
		w := word(msgram.RxFifo1, uint32(r.Count)<<regs.RXFCSizeShift)
		w |= uint32(cfg.RxFifo1Watermark) << regs.RXFCWatermarkShift
		d.rw.Write(regs.RXF1C, w)
		esc |= uint32(r.DataSize.Code()) << regs.RXESCF1Shift
	} else {
		d.rw.Write(regs.RXF1C, 0)
	}
	if r, ok := l.Region(msgram.RxBuffers); ok {
		d.rw.Write(regs.RXBC, word(msgram.RxBuffers, 0))
		esc |= uint32(r.DataSize.Code()) << regs.RXESCRBShift
	} else {
		d.rw.Write(regs.RXBC, 0)
	}
	d.rw.Write(regs.RXESC, esc)

	var txbc uint32
	ded, hasDed := l.Region(msgram.TxBuffers)
	fq, hasFq := l.Region(msgram.TxFifoOrQueue)
	switch {
	case hasDed:
		txbc = uint32(ded.Offset.Bytes()) & regs.StartAddrMask
	case hasFq:
		txbc = uint32(fq.Offset.Bytes()) & regs.StartAddrMask
	}
	if hasDed {
		txbc |= uint32(ded.Count) << regs.TXBCDedicatedShift
	}
	if hasFq {
		txbc |= uint32(fq.Count) << regs.TXBCFifoQueueShift
	}
	if cfg.TxQueueMode {
		txbc |= regs.TXBCQueueMode
	}
	d.rw.Write(regs.TXBC, txbc)
	var txSize msgram.DataSize
	switch {
	case hasDed:
		txSize = ded.DataSize
	case hasFq:
		txSize = fq.DataSize
	default:
		txSize = msgram.Data8
	}
	d.rw.Write(regs.TXESC, uint32(txSize.Code())<<regs.TXESCShift)

	if r, ok := l.Region(msgram.TxEventFifo); ok {
		d.rw.Write(regs.TXEFC, word(msgram.TxEventFifo, uint32(r.Count)<<regs.TXEFCSizeShift))
	} else {
		d.rw.Write(regs.TXEFC, 0)
	}
}

// SetStandardFilter writes standard acceptance filter element i. Only legal
// in Configuration state.
func (d *Driver) SetStandardFilter(i int, f msgram.StandardFilter) error {
	if d.state != Configuration {
		return &StateError{Op: "set_standard_filter", State: d.state}
	}
	if d.layout == nil {
		return ErrNotConfigured
	}
	r, ok := d.layout.Region(msgram.StdFilter)
	if !ok || i < 0 || i >= r.Count {
		return fmt.Errorf("mcan: standard filter index %d out of range", i)
	}
	d.ram.WriteWord(int(r.ElementOffset(i)), f.Encode())
	return nil
}

// SetExtendedFilter writes extended acceptance filter element i. Only legal
// in Configuration state.
func (d *Driver) SetExtendedFilter(i int, f msgram.ExtendedFilter) error {
	if d.state != Configuration {
		return &StateError{Op: "set_extended_filter", State: d.state}
	}
	if d.layout == nil {
		return ErrNotConfigured
	}
	r, ok := d.layout.Region(msgram.ExtFilter)
	if !ok || i < 0 || i >= r.Count {
		return fmt.Errorf("mcan: extended filter index %d out of range", i)
	}
	w := f.Encode()
	off := int(r.ElementOffset(i))
	d.ram.WriteWord(off, w[0])
	d.ram.WriteWord(off+1, w[1])
	return nil
}

// Start leaves Configuration state and joins the bus. The controller comes
// up ErrorActive.
func (d *Driver) Start() error {
	if d.state != Configuration {
		return &StateError{Op: "start", State: d.state}
	}
	if d.layout == nil {
		return ErrNotConfigured
	}
	d.rw.Modify(regs.CCCR, regs.CCCRInit|regs.CCCRCCE, 0)
	if err := d.waitReg(regs.CCCR, regs.CCCRInit, 0, d.longWait); err != nil {
		return fmt.Errorf("leaving init: %w", err)
	}
	d.setState(ErrorActive)
	logging.L().Info("mcan_started", "instance", d.inst.String())
	return nil
}

// Sleep requests clock stop. Fails with ErrTxInFlight while transmit
// requests are pending.
func (d *Driver) Sleep() error {
	if !d.state.running() {
		return &StateError{Op: "sleep", State: d.state}
	}
	if d.tx.pendingCount > 0 {
		return fmt.Errorf("%w: %d pending", ErrTxInFlight, d.tx.pendingCount)
	}
	d.rw.Modify(regs.CCCR, regs.CCCRCSR, regs.CCCRCSR)
	if err := d.waitReg(regs.CCCR, regs.CCCRCSA, regs.CCCRCSA, d.longWait); err != nil {
		return fmt.Errorf("awaiting clock stop ack: %w", err)
	}
	d.setState(Sleep)
	return nil
}

// Wake clears the clock stop request and resumes operation.
func (d *Driver) Wake() error {
	if d.state != Sleep {
		return &StateError{Op: "wake", State: d.state}
	}
	d.rw.Modify(regs.CCCR, regs.CCCRCSR, 0)
	if err := d.waitReg(regs.CCCR, regs.CCCRCSA, 0, d.longWait); err != nil {
		return fmt.Errorf("awaiting clock stop release: %w", err)
	}
	// The core holds INIT after a clock stop; release it to rejoin the bus.
	d.rw.Modify(regs.CCCR, regs.CCCRInit, 0)
	if err := d.waitReg(regs.CCCR, regs.CCCRInit, 0, d.longWait); err != nil {
		return fmt.Errorf("leaving init after wake: %w", err)
	}
	d.setState(ErrorActive)
	return nil
}

// RecoverBusOff starts bus-off recovery. The hardware set CCCR.INIT on
// bus-off entry; clearing it makes the core wait for 129 sequences of 11
// recessive bits before rejoining. The transition back to ErrorActive is
// observed by a later Poll, never synchronously here. Recovery is only ever
// explicit: the driver does not restart on its own.
func (d *Driver) RecoverBusOff() error {
	if d.state != BusOff {
		return &StateError{Op: "recover_bus_off", State: d.state}
	}
	// Requests that were in flight at bus-off entry are dead; the hardware
	// cleared its pending bits when INIT was set.
	d.tx.dropAll()
	d.rw.Modify(regs.CCCR, regs.CCCRInit, 0)
	d.recovering = true
	logging.L().Warn("mcan_bus_off_recovery_started", "instance", d.inst.String())
	return nil
}

// Poll refreshes the protocol state from PSR/ECR and returns a status
// snapshot. It drives the bus-off recovery observation and the
// warning/passive transitions, so callers without an interrupt line run it
// periodically.
func (d *Driver) Poll() Status {
	st := d.readStatus()
	d.applyBusState()
	st.State = d.state
	metrics.SetErrorCounters(st.TxErrorCount, st.RxErrorCount)
	return st
}

// Status reads the hardware counters without advancing state transitions.
func (d *Driver) Status() Status {
	st := d.readStatus()
	st.State = d.state
	return st
}

func (d *Driver) readStatus() Status {
	ecr := d.rw.Read(regs.ECR)
	psr := d.rw.Read(regs.PSR)
	return Status{
		TxErrorCount:   uint8(ecr & regs.ECRTECMask),
		RxErrorCount:   uint8(ecr & regs.ECRRECMask >> regs.ECRRECShift),
		ReceivePassive: ecr&regs.ECRRP != 0,
		LastErrorCode:  uint8(psr & regs.PSRLECMask),
		PendingTx:      d.tx.pendingCount,
	}
}

// applyBusState maps PSR flags onto the protocol state. Only meaningful
// while the controller runs or recovers; configuration and sleep states are
// driven by explicit calls.
func (d *Driver) applyBusState() {
	psr := d.rw.Read(regs.PSR)
	switch {
	case psr&regs.PSRBO != 0:
		if d.state != BusOff {
			d.enterBusOff()
		}
	case d.state == BusOff && d.recovering:
		d.recovering = false
		d.setState(ErrorActive)
		logging.L().Info("mcan_bus_off_recovered", "instance", d.inst.String())
	case d.state.running():
		switch {
		case psr&regs.PSREP != 0:
			d.setState(ErrorPassive)
		case psr&regs.PSREW != 0:
			d.setState(ErrorWarning)
		default:
			d.setState(ErrorActive)
		}
	}
}

func (d *Driver) enterBusOff() {
	d.setState(BusOff)
	d.recovering = false
	metrics.IncBusOff()
	logging.L().Error("mcan_bus_off", "instance", d.inst.String(),
		"pending_tx", d.tx.pendingCount)
}

// OnInterrupt reads and acknowledges the interrupt flags, updates the
// protocol state for the error events, and returns the decoded set. The
// caller reacts by draining FIFOs and polling completions as indicated.
func (d *Driver) OnInterrupt() Events {
	ir := d.rw.Read(regs.IR) & regs.IRMask
	if ir == 0 {
		return Events{}
	}
	// Write-one-to-clear; overflow flags are left for DrainRx so the
	// once-per-episode reporting stays with the drain path.
	d.rw.Write(regs.IR, ir&^(regs.IRRF0L|regs.IRRF1L))
	ev := Events{
		RxFifo0New:       ir&regs.IRRF0N != 0,
		RxFifo0Watermark: ir&regs.IRRF0W != 0,
		RxFifo0Lost:      ir&regs.IRRF0L != 0,
		RxFifo1New:       ir&regs.IRRF1N != 0,
		RxFifo1Watermark: ir&regs.IRRF1W != 0,
		RxFifo1Lost:      ir&regs.IRRF1L != 0,
		RxBufferNew:      ir&regs.IRDRX != 0,
		TxComplete:       ir&regs.IRTC != 0,
		TxCancelled:      ir&regs.IRTCF != 0,
		TxEventNew:       ir&regs.IRTEFN != 0,
		TxEventLost:      ir&regs.IRTEFL != 0,
		ErrorWarningSet:  ir&regs.IREW != 0,
		ErrorPassiveSet:  ir&regs.IREP != 0,
		BusOffSet:        ir&regs.IRBO != 0,
	}
	if ev.BusOffSet || ev.ErrorPassiveSet || ev.ErrorWarningSet {
		d.applyBusState()
	}
	return ev
}

func (d *Driver) setState(s ProtocolState) {
	if d.state == s {
		return
	}
	logging.L().Debug("mcan_state", "instance", d.inst.String(),
		"from", d.state.String(), "to", s.String())
	d.state = s
	metrics.SetState(int(s))
}

// readElement copies n words starting at word offset off into the scratch
// buffer.
func (d *Driver) readElement(off msgram.Words, n msgram.Words) []uint32 {
	buf := d.scratch[:n]
	for i := range buf {
		buf[i] = d.ram.ReadWord(int(off) + i)
	}
	return buf
}

func (d *Driver) writeElement(off msgram.Words, words []uint32) {
	for i, w := range words {
		d.ram.WriteWord(int(off)+i, w)
	}
}

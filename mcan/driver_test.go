package mcan_test

import (
	"errors"
	"testing"

	"github.com/romixlab/mcan/frame"
	"github.com/romixlab/mcan/internal/simcan"
	"github.com/romixlab/mcan/mcan"
	"github.com/romixlab/mcan/msgram"
	"github.com/romixlab/mcan/regs"
)

const testRAMWords = 2000

func testLayout(t *testing.T) *msgram.Layout {
	t.Helper()
	l, err := msgram.NewBuilder(testRAMWords).
		StandardFilters(2).
		ExtendedFilters(1).
		RxFifo0(4, msgram.Data64).
		RxFifo1(2, msgram.Data64).
		RxBuffers(2, msgram.Data64).
		TxEventFifo(4).
		TxBuffers(2, 4, msgram.Data64).
		Build()
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	return l
}

func testConfig(t *testing.T) mcan.Config {
	return mcan.Config{
		Layout:  testLayout(t),
		Nominal: mcan.NominalBitTiming{Prescaler: 1, Seg1: 13, Seg2: 2, SyncJumpWidth: 1},
		Data:    mcan.DataBitTiming{Prescaler: 1, Seg1: 5, Seg2: 2, SyncJumpWidth: 1},
		Frames:  mcan.FrameFDWithBRS,
		Mode:    mcan.ModeNormal,

		AutomaticRetransmission: true,
	}
}

// startDriver brings a fresh driver to ErrorActive against a simulated
// peripheral.
func startDriver(t *testing.T, cfg mcan.Config) (*mcan.Driver, *simcan.Peripheral) {
	t.Helper()
	p := simcan.New(testRAMWords)
	d, err := mcan.New(p.Regs(), p.Mem(), mcan.CAN1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := d.EnterConfig(); err != nil {
		t.Fatalf("enter config: %v", err)
	}
	if err := d.Configure(cfg); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	return d, p
}

func TestNewRejectsBadInstance(t *testing.T) {
	p := simcan.New(64)
	if _, err := mcan.New(p.Regs(), p.Mem(), mcan.Instance(7)); !errors.Is(err, mcan.ErrBadInstance) {
		t.Fatalf("expected ErrBadInstance, got %v", err)
	}
}

func TestProbeUnreachableCore(t *testing.T) {
	dead := regs.Funcs{
		ReadFn:  func(regs.Reg) uint32 { return 0 },
		WriteFn: func(regs.Reg, uint32) {},
	}
	p := simcan.New(64)
	d, err := mcan.New(dead, p.Mem(), mcan.CAN1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := d.EnterConfig(); !errors.Is(err, mcan.ErrCoreCommunication) {
		t.Fatalf("expected ErrCoreCommunication, got %v", err)
	}
}

func TestConfigureValidation(t *testing.T) {
	p := simcan.New(testRAMWords)
	d, err := mcan.New(p.Regs(), p.Mem(), mcan.CAN1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := d.EnterConfig(); err != nil {
		t.Fatalf("enter config: %v", err)
	}

	cfg := testConfig(t)
	cfg.Layout = nil
	if err := d.Configure(cfg); err == nil {
		t.Fatal("expected error for missing layout")
	}

	cfg = testConfig(t)
	cfg.RxFifo0Watermark = 99 // fifo only holds 4
	if err := d.Configure(cfg); err == nil {
		t.Fatal("expected error for oversized watermark")
	}

	cfg = testConfig(t)
	cfg.Nominal.Prescaler = 0
	if err := d.Configure(cfg); err == nil {
		t.Fatal("expected error for zero prescaler")
	}
}

func TestInternalLoopbackRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = mcan.ModeInternalLoopback
	d, _ := startDriver(t, cfg)

	want := frame.Frame{ID: 0x5A5, FD: true, BRS: true, Len: 16}
	for i := 0; i < 16; i++ {
		want.Data[i] = byte(0xA0 + i)
	}
	h, err := d.Submit(&want, mcan.AnySlot)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	var comps []mcan.Completion
	if n := d.PollTxCompletions(func(c mcan.Completion) { comps = append(comps, c) }); n != 1 {
		t.Fatalf("expected 1 completion, got %d", n)
	}
	if comps[0].Handle != h || comps[0].Outcome != mcan.OutcomeSent {
		t.Fatalf("completion = %+v", comps[0])
	}
	if comps[0].Timestamp == 0 {
		t.Fatal("expected a bus timestamp on the sent completion")
	}

	var got []frame.Frame
	st, err := d.DrainRx(mcan.Fifo0, func(f frame.Frame, _ msgram.RxMeta) {
		got = append(got, f)
	})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if st.Drained != 1 || len(got) != 1 {
		t.Fatalf("drained %d frames", st.Drained)
	}
	f := got[0]
	if f.ID != want.ID || f.Len != want.Len || !f.FD || !f.BRS {
		t.Fatalf("got %+v, want %+v", f, want)
	}
	for i := 0; i < 16; i++ {
		if f.Data[i] != want.Data[i] {
			t.Fatalf("payload byte %d = %#x, want %#x", i, f.Data[i], want.Data[i])
		}
	}
}

func TestSetFiltersOnlyInConfig(t *testing.T) {
	p := simcan.New(testRAMWords)
	d, err := mcan.New(p.Regs(), p.Mem(), mcan.CAN1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := d.EnterConfig(); err != nil {
		t.Fatalf("enter config: %v", err)
	}
	cfg := testConfig(t)
	if err := d.Configure(cfg); err != nil {
		t.Fatalf("configure: %v", err)
	}

	sf := msgram.StandardFilter{Type: msgram.FilterDual, Action: msgram.ActionStoreFifo0, ID1: 0x100, ID2: 0x200}
	if err := d.SetStandardFilter(0, sf); err != nil {
		t.Fatalf("set standard filter: %v", err)
	}
	region, _ := cfg.Layout.Region(msgram.StdFilter)
	if got := msgram.DecodeStandardFilter(p.Mem().ReadWord(int(region.ElementOffset(0)))); got != sf {
		t.Fatalf("filter in ram = %+v, want %+v", got, sf)
	}
	if err := d.SetStandardFilter(5, sf); err == nil {
		t.Fatal("expected range error for filter index 5")
	}

	ef := msgram.ExtendedFilter{Type: msgram.FilterRange, Action: msgram.ActionStoreFifo1, ID1: 0x1000, ID2: 0x2000}
	if err := d.SetExtendedFilter(0, ef); err != nil {
		t.Fatalf("set extended filter: %v", err)
	}

	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	var se *mcan.StateError
	if err := d.SetStandardFilter(0, sf); !errors.As(err, &se) {
		t.Fatalf("expected StateError while running, got %v", err)
	}
}

func TestOnInterruptAcknowledges(t *testing.T) {
	d, p := startDriver(t, testConfig(t))
	if ev := d.OnInterrupt(); ev.Any() {
		t.Fatalf("unexpected initial events: %+v", ev)
	}
	if err := p.InjectRx(0, frame.Frame{ID: 1, Len: 1}); err != nil {
		t.Fatalf("inject: %v", err)
	}
	ev := d.OnInterrupt()
	if !ev.RxFifo0New {
		t.Fatalf("expected rx fifo0 event, got %+v", ev)
	}
	if ev := d.OnInterrupt(); ev.Any() {
		t.Fatalf("events not acknowledged: %+v", ev)
	}
}

package mcan_test

import (
	"errors"
	"testing"

	"github.com/romixlab/mcan/frame"
	"github.com/romixlab/mcan/mcan"
	"github.com/romixlab/mcan/msgram"
)

func TestDrainRxDeliversInOrder(t *testing.T) {
	d, p := startDriver(t, testConfig(t))
	for i := 0; i < 3; i++ {
		if err := p.InjectRx(0, frame.Frame{ID: uint32(0x10 + i), Len: 8}); err != nil {
			t.Fatalf("inject %d: %v", i, err)
		}
	}

	var got []frame.Frame
	st, err := d.DrainRx(mcan.Fifo0, func(f frame.Frame, _ msgram.RxMeta) {
		got = append(got, f)
	})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if st.Fill != 3 || st.Drained != 3 {
		t.Fatalf("status = %+v", st)
	}
	for i, f := range got {
		if f.ID != uint32(0x10+i) {
			t.Fatalf("frame %d id %#x, want %#x", i, f.ID, 0x10+i)
		}
		if i > 0 && f.Timestamp <= got[i-1].Timestamp {
			t.Fatalf("timestamps not monotonic")
		}
	}

	st, err = d.DrainRx(mcan.Fifo0, func(frame.Frame, msgram.RxMeta) {
		t.Fatal("no frames expected on second drain")
	})
	if err != nil || st.Drained != 0 {
		t.Fatalf("second drain: %+v, %v", st, err)
	}
}

func TestDrainRxSecondFifo(t *testing.T) {
	d, p := startDriver(t, testConfig(t))
	if err := p.InjectRx(1, frame.Frame{ID: 0x300, Len: 2}); err != nil {
		t.Fatalf("inject: %v", err)
	}
	st, err := d.DrainRx(mcan.Fifo1, func(f frame.Frame, _ msgram.RxMeta) {
		if f.ID != 0x300 {
			t.Fatalf("id = %#x", f.ID)
		}
	})
	if err != nil || st.Drained != 1 {
		t.Fatalf("drain fifo1: %+v, %v", st, err)
	}
}

func TestDrainRxWatermark(t *testing.T) {
	cfg := testConfig(t)
	cfg.RxFifo0Watermark = 2
	d, p := startDriver(t, cfg)

	if err := p.InjectRx(0, frame.Frame{ID: 1, Len: 0}); err != nil {
		t.Fatalf("inject: %v", err)
	}
	st, err := d.DrainRx(mcan.Fifo0, func(frame.Frame, msgram.RxMeta) {})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if st.AboveWatermark {
		t.Fatal("fill 1 should be below watermark 2")
	}

	for i := 0; i < 2; i++ {
		if err := p.InjectRx(0, frame.Frame{ID: uint32(i), Len: 0}); err != nil {
			t.Fatalf("inject: %v", err)
		}
	}
	st, err = d.DrainRx(mcan.Fifo0, func(frame.Frame, msgram.RxMeta) {})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !st.AboveWatermark {
		t.Fatal("fill 2 should reach watermark 2")
	}
}

func TestOverflowReportedOnce(t *testing.T) {
	d, p := startDriver(t, testConfig(t))
	// FIFO 0 holds 4; the 6th frame is lost.
	for i := 0; i < 6; i++ {
		if err := p.InjectRx(0, frame.Frame{ID: uint32(i), Len: 0}); err != nil {
			t.Fatalf("inject %d: %v", i, err)
		}
	}
	if got := p.LostCount(0); got != 2 {
		t.Fatalf("lost count = %d, want 2", got)
	}

	_, err := d.DrainRx(mcan.Fifo0, func(frame.Frame, msgram.RxMeta) {
		t.Fatal("overflow must be surfaced before delivery")
	})
	var oe *mcan.OverflowError
	if !errors.As(err, &oe) {
		t.Fatalf("expected OverflowError, got %v", err)
	}
	if oe.Fifo != mcan.Fifo0 {
		t.Fatalf("overflow fifo = %d", oe.Fifo)
	}

	// Exactly once: the next drain proceeds normally with the surviving
	// frames.
	st, err := d.DrainRx(mcan.Fifo0, func(frame.Frame, msgram.RxMeta) {})
	if err != nil {
		t.Fatalf("drain after overflow: %v", err)
	}
	if st.Drained != 4 {
		t.Fatalf("drained %d, want 4", st.Drained)
	}
}

func TestOverflowNewEpisodeReportedAgain(t *testing.T) {
	d, p := startDriver(t, testConfig(t))
	overflow := func() {
		for i := 0; i < 5; i++ {
			if err := p.InjectRx(0, frame.Frame{ID: uint32(i), Len: 0}); err != nil {
				t.Fatalf("inject: %v", err)
			}
		}
	}
	overflow()
	if _, err := d.DrainRx(mcan.Fifo0, func(frame.Frame, msgram.RxMeta) {}); err == nil {
		t.Fatal("expected first overflow report")
	}
	if _, err := d.DrainRx(mcan.Fifo0, func(frame.Frame, msgram.RxMeta) {}); err != nil {
		t.Fatalf("drain between episodes: %v", err)
	}
	overflow()
	if _, err := d.DrainRx(mcan.Fifo0, func(frame.Frame, msgram.RxMeta) {}); err == nil {
		t.Fatal("expected second episode to be reported")
	}
}

func TestOverflowBeforeCleanDrainReportedAgain(t *testing.T) {
	d, p := startDriver(t, testConfig(t))
	// Overflow the size-4 FIFO, report it, then lose another frame before
	// any clean drain happens.
	for i := 0; i < 5; i++ {
		if err := p.InjectRx(0, frame.Frame{ID: uint32(i), Len: 0}); err != nil {
			t.Fatalf("inject: %v", err)
		}
	}
	var oe *mcan.OverflowError
	if _, err := d.DrainRx(mcan.Fifo0, func(frame.Frame, msgram.RxMeta) {}); !errors.As(err, &oe) {
		t.Fatalf("first episode: expected OverflowError, got %v", err)
	}
	if err := p.InjectRx(0, frame.Frame{ID: 0x50, Len: 0}); err != nil {
		t.Fatalf("inject during episode: %v", err)
	}
	if _, err := d.DrainRx(mcan.Fifo0, func(frame.Frame, msgram.RxMeta) {}); !errors.As(err, &oe) {
		t.Fatalf("second episode: expected OverflowError, got %v", err)
	}

	// Reporting must not wedge: drain the survivors, overflow again, and the
	// fresh episode still surfaces.
	st, err := d.DrainRx(mcan.Fifo0, func(frame.Frame, msgram.RxMeta) {})
	if err != nil {
		t.Fatalf("drain survivors: %v", err)
	}
	if st.Drained != 4 {
		t.Fatalf("drained %d, want 4", st.Drained)
	}
	for i := 0; i < 5; i++ {
		if err := p.InjectRx(0, frame.Frame{ID: uint32(0x60 + i), Len: 0}); err != nil {
			t.Fatalf("inject: %v", err)
		}
	}
	if _, err := d.DrainRx(mcan.Fifo0, func(frame.Frame, msgram.RxMeta) {}); !errors.As(err, &oe) {
		t.Fatalf("episode after clean drain: expected OverflowError, got %v", err)
	}
}

func TestDrainRxRejectsBadFifo(t *testing.T) {
	d, _ := startDriver(t, testConfig(t))
	_, err := d.DrainRx(mcan.Fifo(5), func(frame.Frame, msgram.RxMeta) {
		t.Fatal("no delivery expected for an invalid fifo")
	})
	if err == nil {
		t.Fatal("expected error for fifo selector 5")
	}
}

func TestReadRxBuffer(t *testing.T) {
	d, p := startDriver(t, testConfig(t))
	want := frame.Frame{ID: 0x123, Len: 4}
	want.Data[0] = 0xDE
	if err := p.InjectRxBuffer(1, want); err != nil {
		t.Fatalf("inject buffer: %v", err)
	}

	if _, ok, err := d.ReadRxBuffer(0); err != nil || ok {
		t.Fatalf("buffer 0 should be empty: ok=%v err=%v", ok, err)
	}
	f, ok, err := d.ReadRxBuffer(1)
	if err != nil || !ok {
		t.Fatalf("read buffer 1: ok=%v err=%v", ok, err)
	}
	if f.ID != want.ID || f.Len != want.Len || f.Data[0] != 0xDE {
		t.Fatalf("got %+v", f)
	}
	// The new-data flag clears on read.
	if _, ok, err := d.ReadRxBuffer(1); err != nil || ok {
		t.Fatalf("buffer 1 should read empty again: ok=%v err=%v", ok, err)
	}
}

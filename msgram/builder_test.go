package msgram

import (
	"errors"
	"testing"
)

func TestBuilderChain(t *testing.T) {
	l, err := NewBuilder(2000).
		StandardFilters(2).
		RxFifo0(8, Data64).
		TxBuffers(0, 4, Data64).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if want := Words(2 + 8*18 + 4*18); l.TotalWords() != want {
		t.Fatalf("total = %d, want %d", l.TotalWords(), want)
	}
	r, ok := l.Region(RxFifo0)
	if !ok || r.Count != 8 || r.DataSize != Data64 {
		t.Fatalf("rx fifo0 region = %+v ok=%v", r, ok)
	}
}

func TestBuilderCapacityReportsWholeRAM(t *testing.T) {
	b := NewBuilder(300)
	if _, err := b.RxFifo0(8, Data64).Build(); err != nil {
		t.Fatalf("first build: %v", err)
	}
	// 8*18 = 144 words committed; 16 more FD elements cannot fit.
	_, err := b.RxFifo1(16, Data64).Build()
	var ce *CapacityError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CapacityError, got %v", err)
	}
	// The shortfall is reported against the whole RAM, committed regions
	// included.
	if ce.Available != 300 || ce.Requested != 144+16*18 {
		t.Fatalf("requested=%d available=%d", ce.Requested, ce.Available)
	}
}

func TestBuilderDuplicateKind(t *testing.T) {
	_, err := NewBuilder(1000).RxFifo0(2, Data8).RxFifo0(3, Data8).Build()
	if err == nil {
		t.Fatal("expected duplicate kind error")
	}
}

func TestBuilderInvalidDataSize(t *testing.T) {
	_, err := NewBuilder(1000).RxFifo0(2, DataSize(13)).Build()
	if err == nil {
		t.Fatal("expected invalid data size error")
	}
}

func TestBuilderRestart(t *testing.T) {
	b := NewBuilder(1000)
	if _, err := b.RxFifo0(2, Data8).RxFifo0(2, Data8).Build(); err == nil {
		t.Fatal("expected error before restart")
	}
	l, err := b.Restart().RxFifo0(2, Data8).Build()
	if err != nil {
		t.Fatalf("build after restart: %v", err)
	}
	if l.TotalWords() != 2*4 {
		t.Fatalf("total = %d, want 8", l.TotalWords())
	}
}

func TestBuilderMultiInstance(t *testing.T) {
	b := NewBuilder(1000)
	first, err := b.RxFifo0(4, Data8).Build()
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := b.RxFifo0(4, Data8).Build()
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	r1, _ := first.Region(RxFifo0)
	r2, _ := second.Region(RxFifo0)
	if r2.Offset != r1.End() {
		t.Fatalf("second instance at %d, want %d", r2.Offset, r1.End())
	}
	if got := b.Remaining(); got != 1000-second.TotalWords() {
		t.Fatalf("remaining = %d", got)
	}
}

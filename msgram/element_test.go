package msgram

import (
	"bytes"
	"errors"
	"testing"

	"github.com/romixlab/mcan/frame"
)

func TestTxElementRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		f    frame.Frame
	}{
		{"classic_std", frame.Frame{ID: 0x123, Len: 8}},
		{"classic_ext", frame.Frame{ID: 0x1234567, Extended: true, Len: 3}},
		{"classic_rtr", frame.Frame{ID: 0x7FF, RTR: true, Len: 0}},
		{"fd_brs", frame.Frame{ID: 0x100, FD: true, BRS: true, Len: 48}},
		{"fd_esi", frame.Frame{ID: 0x1FFFFFFF, Extended: true, FD: true, ESI: true, Len: 64}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for i := range tc.f.Data[:tc.f.Len] {
				tc.f.Data[i] = byte(i * 7)
			}
			var buf [18]uint32
			if err := EncodeTx(&tc.f, 0xAB, Data64, buf[:]); err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, marker, efc, err := DecodeTx(buf[:], Data64)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !efc {
				t.Fatal("event fifo control must always be set")
			}
			if marker != 0xAB {
				t.Fatalf("marker = %#x, want 0xAB", marker)
			}
			if got.ID != tc.f.ID || got.Extended != tc.f.Extended ||
				got.RTR != tc.f.RTR || got.FD != tc.f.FD ||
				got.BRS != tc.f.BRS || got.ESI != tc.f.ESI || got.Len != tc.f.Len {
				t.Fatalf("decoded %+v, want %+v", got, tc.f)
			}
			if !bytes.Equal(got.Payload(), tc.f.Payload()) {
				t.Fatalf("payload mismatch: %x vs %x", got.Payload(), tc.f.Payload())
			}
		})
	}
}

func TestTxEncodePadsToDLC(t *testing.T) {
	// 13 payload bytes round up to the 16-byte DLC via PadLen; the pad
	// region must read zero after the round trip.
	f := frame.Frame{ID: 1, FD: true, Len: frame.PadLen(13)}
	for i := 0; i < 13; i++ {
		f.Data[i] = 0xFF
	}
	var buf [6]uint32
	if err := EncodeTx(&f, 0, Data16, buf[:]); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, _, _, err := DecodeTx(buf[:], Data16)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Len != 16 {
		t.Fatalf("len = %d, want 16 after dlc rounding", got.Len)
	}
	for i := 13; i < 16; i++ {
		if got.Data[i] != 0 {
			t.Fatalf("pad byte %d = %#x, want 0", i, got.Data[i])
		}
	}
}

func TestTxEncodeRejectsOversizedPayload(t *testing.T) {
	f := frame.Frame{ID: 1, FD: true, Len: 32}
	var buf [18]uint32
	err := EncodeTx(&f, 0, Data16, buf[:])
	var de *DataTooLargeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DataTooLargeError, got %v", err)
	}
}

func TestTxEncodeTruncatedDst(t *testing.T) {
	f := frame.Frame{ID: 1, Len: 4}
	var buf [3]uint32
	err := EncodeTx(&f, 0, Data64, buf[:])
	var te *ElementTruncatedError
	if !errors.As(err, &te) {
		t.Fatalf("expected ElementTruncatedError, got %v", err)
	}
}

func TestRxElementRoundTrip(t *testing.T) {
	f := frame.Frame{ID: 0x456, FD: true, BRS: true, Len: 24, Timestamp: 0xBEEF}
	for i := 0; i < 24; i++ {
		f.Data[i] = byte(i)
	}
	var buf [8]uint32
	meta := RxMeta{FilterIndex: 5}
	if err := EncodeRx(&f, meta, Data24, buf[:]); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, gotMeta, err := DecodeRx(buf[:], Data24)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != f.ID || got.Len != f.Len || !got.FD || !got.BRS {
		t.Fatalf("decoded %+v, want %+v", got, f)
	}
	// The raw timestamp passes through uninterpreted.
	if got.Timestamp != 0xBEEF {
		t.Fatalf("timestamp = %#x, want 0xBEEF", got.Timestamp)
	}
	if gotMeta != meta {
		t.Fatalf("meta = %+v, want %+v", gotMeta, meta)
	}
	if !bytes.Equal(got.Payload(), f.Payload()) {
		t.Fatal("payload mismatch")
	}
}

func TestRxDecodeNonMatching(t *testing.T) {
	f := frame.Frame{ID: 0x10, Len: 2}
	var buf [4]uint32
	if err := EncodeRx(&f, RxMeta{NonMatching: true}, Data8, buf[:]); err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, meta, err := DecodeRx(buf[:], Data8)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !meta.NonMatching {
		t.Fatal("expected non-matching flag")
	}
}

func TestRxDecodeInvalidClassicDLC(t *testing.T) {
	// DLC 12 without FDF has no defined length.
	raw := [4]uint32{0x123 << 18, 12 << 16, 0, 0}
	_, _, err := DecodeRx(raw[:], Data8)
	var de *InvalidDLCError
	if !errors.As(err, &de) {
		t.Fatalf("expected InvalidDLCError, got %v", err)
	}
	if de.DLC != 12 || de.FD {
		t.Fatalf("error detail = %+v", de)
	}
}

func TestTxEventRoundTrip(t *testing.T) {
	cases := []TxEvent{
		{ID: 0x123, Marker: 7, Len: 8, Timestamp: 0x1234},
		{ID: 0x1ABCDEF, Extended: true, Marker: 255, FD: true, BRS: true, Len: 64, Timestamp: 0xFFFF},
		{ID: 0x42, Marker: 0, CancelledButSent: true, Len: 0},
	}
	for _, ev := range cases {
		words, err := ev.Encode()
		if err != nil {
			t.Fatalf("encode %+v: %v", ev, err)
		}
		got, err := DecodeTxEvent(words[:])
		if err != nil {
			t.Fatalf("decode %+v: %v", ev, err)
		}
		if got != ev {
			t.Fatalf("round trip: got %+v, want %+v", got, ev)
		}
	}
}

func TestStandardFilterRoundTrip(t *testing.T) {
	f := StandardFilter{Type: FilterRange, Action: ActionStoreFifo1, ID1: 0x100, ID2: 0x1FF}
	if got := DecodeStandardFilter(f.Encode()); got != f {
		t.Fatalf("round trip: got %+v, want %+v", got, f)
	}
}

func TestExtendedFilterRoundTrip(t *testing.T) {
	f := ExtendedFilter{Type: FilterClassic, Action: ActionStoreFifo0, ID1: 0x1234567, ID2: 0x1FFFFFFF}
	if got := DecodeExtendedFilter(f.Encode()); got != f {
		t.Fatalf("round trip: got %+v, want %+v", got, f)
	}
}

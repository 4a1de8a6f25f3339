package msgram

import (
	"fmt"

	"github.com/romixlab/mcan/frame"
	"github.com/romixlab/mcan/internal/metrics"
)

// Message RAM element header bits. The first header word is shared by TX
// buffer, RX buffer/FIFO and TX event elements: ESI[31] XTD[30] RTR[29]
// ID[28:0] (a standard identifier sits in ID[28:18]).
const (
	hdrESI = 1 << 31
	hdrXTD = 1 << 30
	hdrRTR = 1 << 29

	stdIDShift = 18

	// Second header word, shared field positions.
	hdrDLCShift = 16
	hdrDLCMask  = 0xF << hdrDLCShift
	hdrBRS      = 1 << 20
	hdrFDF      = 1 << 21

	// TX buffer T1.
	txEFC         = 1 << 23
	txMarkerShift = 24

	// RX buffer/FIFO R1.
	rxANMF        = 1 << 31
	rxFilterShift = 24
	rxFilterMask  = 0x7F << rxFilterShift

	// TX event E1.
	evTypeShift = 22
	evTypeMask  = 0x3 << evTypeShift
	evMarkShift = 24
)

// InvalidDLCError reports a RAM element whose DLC has no defined payload
// length for its format (classic DLC above 8, or a corrupted FD element).
type InvalidDLCError struct {
	DLC uint8
	FD  bool
}

func (e *InvalidDLCError) Error() string {
	return fmt.Sprintf("msgram: invalid dlc %d (fd=%v)", e.DLC, e.FD)
}

// DataTooLargeError reports a frame that does not fit the region's
// configured element data size.
type DataTooLargeError struct {
	Len      uint8
	DataSize DataSize
}

func (e *DataTooLargeError) Error() string {
	return fmt.Sprintf("msgram: %d byte payload exceeds %d byte element data field", e.Len, e.DataSize)
}

// ElementTruncatedError reports a destination or source slice shorter than
// the element the layout promises.
type ElementTruncatedError struct {
	Have, Need Words
}

func (e *ElementTruncatedError) Error() string {
	return fmt.Sprintf("msgram: element slice has %d words, need %d", e.Have, e.Need)
}

func idWord(f *frame.Frame) uint32 {
	var w uint32
	if f.Extended {
		w = hdrXTD | f.ID&frame.ExtIDMask
	} else {
		w = (f.ID & frame.StdIDMask) << stdIDShift
	}
	if f.RTR {
		w |= hdrRTR
	}
	if f.ESI {
		w |= hdrESI
	}
	return w
}

func idFromWord(w uint32, f *frame.Frame) {
	f.Extended = w&hdrXTD != 0
	f.RTR = w&hdrRTR != 0
	f.ESI = w&hdrESI != 0
	if f.Extended {
		f.ID = w & frame.ExtIDMask
	} else {
		f.ID = (w >> stdIDShift) & frame.StdIDMask
	}
}

// EncodeTx writes a TX buffer element (T0, T1, data words) for a region with
// the given element data size. marker is the message marker copied by the
// hardware into the TX event element on completion; EFC is always set so
// every transmission produces an event. dst must span the full element.
func EncodeTx(f *frame.Frame, marker uint8, size DataSize, dst []uint32) error {
	need := 2 + size.Words()
	if Words(len(dst)) < need {
		return &ElementTruncatedError{Have: Words(len(dst)), Need: need}
	}
	if err := f.Validate(); err != nil {
		return err
	}
	if f.Len > uint8(size) {
		return &DataTooLargeError{Len: f.Len, DataSize: size}
	}
	dlc, err := frame.DLCForLen(f.Len, f.FD)
	if err != nil {
		return err
	}
	t1 := uint32(dlc)<<hdrDLCShift | uint32(marker)<<txMarkerShift | txEFC
	if f.FD {
		t1 |= hdrFDF
		if f.BRS {
			t1 |= hdrBRS
		}
	}
	dst[0] = idWord(f)
	dst[1] = t1
	packData(f.Payload(), dst[2:need])
	return nil
}

// RxMeta carries the receive-side element fields that are not part of the
// frame itself.
type RxMeta struct {
	// FilterIndex is the matching acceptance filter, valid when !NonMatching.
	FilterIndex uint8
	// NonMatching is set when the frame was accepted without a filter match.
	NonMatching bool
}

// DecodeRx decodes an RX buffer/FIFO element of the given data size class.
// The raw timestamp is passed through uninterpreted.
func DecodeRx(src []uint32, size DataSize) (frame.Frame, RxMeta, error) {
	var f frame.Frame
	var meta RxMeta
	need := 2 + size.Words()
	if Words(len(src)) < need {
		return f, meta, &ElementTruncatedError{Have: Words(len(src)), Need: need}
	}
	r1 := src[1]
	f.FD = r1&hdrFDF != 0
	f.BRS = r1&hdrBRS != 0
	dlc := uint8(r1 >> hdrDLCShift & 0xF)
	n, ok := frame.LenForDLC(dlc, f.FD)
	if !ok || n > uint8(size) {
		metrics.IncMalformed()
		return f, meta, &InvalidDLCError{DLC: dlc, FD: f.FD}
	}
	idFromWord(src[0], &f)
	f.Len = n
	f.Timestamp = uint16(r1)
	meta.NonMatching = r1&rxANMF != 0
	meta.FilterIndex = uint8(r1 & rxFilterMask >> rxFilterShift)
	unpackData(src[2:need], f.Data[:n])
	return f, meta, nil
}

// EncodeRx writes an RX buffer/FIFO element. It is the inverse of DecodeRx
// and backs the simulated peripheral and the codec tests.
func EncodeRx(f *frame.Frame, meta RxMeta, size DataSize, dst []uint32) error {
	need := 2 + size.Words()
	if Words(len(dst)) < need {
		return &ElementTruncatedError{Have: Words(len(dst)), Need: need}
	}
	if err := f.Validate(); err != nil {
		return err
	}
	if f.Len > uint8(size) {
		return &DataTooLargeError{Len: f.Len, DataSize: size}
	}
	dlc, err := frame.DLCForLen(f.Len, f.FD)
	if err != nil {
		return err
	}
	r1 := uint32(dlc)<<hdrDLCShift | uint32(f.Timestamp)
	if f.FD {
		r1 |= hdrFDF
		if f.BRS {
			r1 |= hdrBRS
		}
	}
	if meta.NonMatching {
		r1 |= rxANMF
	} else {
		r1 |= uint32(meta.FilterIndex) << rxFilterShift & rxFilterMask
	}
	dst[0] = idWord(f)
	dst[1] = r1
	packData(f.Payload(), dst[2:need])
	return nil
}

// DecodeTx decodes a TX buffer element back into a frame, returning the
// message marker and the event-FIFO-control flag alongside. The simulated
// peripheral uses it to read submitted elements out of the Message RAM.
func DecodeTx(src []uint32, size DataSize) (frame.Frame, uint8, bool, error) {
	var f frame.Frame
	need := 2 + size.Words()
	if Words(len(src)) < need {
		return f, 0, false, &ElementTruncatedError{Have: Words(len(src)), Need: need}
	}
	t1 := src[1]
	f.FD = t1&hdrFDF != 0
	f.BRS = t1&hdrBRS != 0
	dlc := uint8(t1 >> hdrDLCShift & 0xF)
	n, ok := frame.LenForDLC(dlc, f.FD)
	if !ok || n > uint8(size) {
		metrics.IncMalformed()
		return f, 0, false, &InvalidDLCError{DLC: dlc, FD: f.FD}
	}
	idFromWord(src[0], &f)
	f.Len = n
	unpackData(src[2:need], f.Data[:n])
	return f, uint8(t1 >> txMarkerShift), t1&txEFC != 0, nil
}

// TxEvent is a decoded TX event FIFO element: the hardware's record of one
// finished (or cancelled-but-transmitted) transmission.
type TxEvent struct {
	ID       uint32
	Extended bool
	Marker   uint8
	// CancelledButSent is set for event type 0b10: the frame went out on the
	// bus despite a cancellation request.
	CancelledButSent bool
	FD               bool
	BRS              bool
	Len              uint8
	// Raw hardware timestamp, uninterpreted.
	Timestamp uint16
}

// DecodeTxEvent decodes a two-word TX event FIFO element.
func DecodeTxEvent(src []uint32) (TxEvent, error) {
	var ev TxEvent
	if len(src) < 2 {
		return ev, &ElementTruncatedError{Have: Words(len(src)), Need: 2}
	}
	e1 := src[1]
	ev.FD = e1&hdrFDF != 0
	ev.BRS = e1&hdrBRS != 0
	dlc := uint8(e1 >> hdrDLCShift & 0xF)
	n, ok := frame.LenForDLC(dlc, ev.FD)
	if !ok {
		metrics.IncMalformed()
		return ev, &InvalidDLCError{DLC: dlc, FD: ev.FD}
	}
	ev.Len = n
	ev.Extended = src[0]&hdrXTD != 0
	if ev.Extended {
		ev.ID = src[0] & frame.ExtIDMask
	} else {
		ev.ID = src[0] >> stdIDShift & frame.StdIDMask
	}
	ev.Marker = uint8(e1 >> evMarkShift)
	ev.CancelledButSent = e1&evTypeMask>>evTypeShift == 0b10
	ev.Timestamp = uint16(e1)
	return ev, nil
}

// EncodeTxEvent writes a two-word TX event FIFO element, the inverse of
// DecodeTxEvent.
func (ev TxEvent) Encode() ([2]uint32, error) {
	dlc, err := frame.DLCForLen(ev.Len, ev.FD)
	if err != nil {
		return [2]uint32{}, err
	}
	var e0 uint32
	if ev.Extended {
		e0 = hdrXTD | ev.ID&frame.ExtIDMask
	} else {
		e0 = (ev.ID & frame.StdIDMask) << stdIDShift
	}
	et := uint32(0b01)
	if ev.CancelledButSent {
		et = 0b10
	}
	e1 := uint32(dlc)<<hdrDLCShift | uint32(ev.Marker)<<evMarkShift |
		et<<evTypeShift | uint32(ev.Timestamp)
	if ev.FD {
		e1 |= hdrFDF
		if ev.BRS {
			e1 |= hdrBRS
		}
	}
	return [2]uint32{e0, e1}, nil
}

// packData packs payload bytes into little-endian data words, zero padding
// the tail the way the peripheral expects the unused data field to read.
func packData(src []byte, dst []uint32) {
	for i := range dst {
		var w uint32
		for b := 0; b < 4; b++ {
			if idx := i*4 + b; idx < len(src) {
				w |= uint32(src[idx]) << (8 * b)
			}
		}
		dst[i] = w
	}
}

func unpackData(src []uint32, dst []byte) {
	for i := range dst {
		dst[i] = byte(src[i/4] >> (8 * (i % 4)))
	}
}

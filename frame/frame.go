// Package frame defines the application-level CAN frame representation used
// by the driver: identifier, payload, format flags and the raw hardware
// timestamp. The Message RAM encoding of a frame lives in package msgram.
package frame

import (
	"errors"
	"fmt"
)

// Identifier masks (same values as the M_CAN ID field widths).
const (
	StdIDMask = 0x7FF
	ExtIDMask = 0x1FFFFFFF

	// MaxDataLen is the largest FD payload.
	MaxDataLen = 64
)

// ErrInvalidLen is returned when a payload length is not one of the discrete
// DLC-encodable sizes (0..8, 12, 16, 20, 24, 32, 48, 64).
var ErrInvalidLen = errors.New("frame: payload length not DLC-encodable")

// ErrIDRange is returned when an identifier exceeds its 11/29-bit range.
var ErrIDRange = errors.New("frame: identifier out of range")

// Frame is a single CAN or CAN FD frame.
//
// Timestamp is the raw 16-bit counter value captured by the peripheral; no
// unit conversion is performed anywhere in this module, callers own the
// tick-to-time mapping.
type Frame struct {
	ID       uint32
	Extended bool
	RTR      bool
	FD       bool
	BRS      bool
	ESI      bool
	Len      uint8
	Data     [MaxDataLen]byte
	// Raw hardware timestamp (RXTS/TXTS), uninterpreted.
	Timestamp uint16
}

// Validate checks the identifier range and that Len maps to a legal DLC for
// the frame format.
func (f *Frame) Validate() error {
	if f.Extended {
		if f.ID > ExtIDMask {
			return fmt.Errorf("%w: ext id 0x%X", ErrIDRange, f.ID)
		}
	} else if f.ID > StdIDMask {
		return fmt.Errorf("%w: std id 0x%X", ErrIDRange, f.ID)
	}
	if _, err := DLCForLen(f.Len, f.FD); err != nil {
		return err
	}
	return nil
}

// Payload returns the valid prefix of Data.
func (f *Frame) Payload() []byte { return f.Data[:f.Len] }

// fdLens maps FD DLC codes 9..15 to payload lengths.
var fdLens = [7]uint8{12, 16, 20, 24, 32, 48, 64}

// DLCForLen returns the DLC code for a payload length. Lengths above 8 are
// only representable in FD format and must match the table exactly; use
// PadLen first when a payload needs padding up to the next legal size.
func DLCForLen(n uint8, fd bool) (uint8, error) {
	if n <= 8 {
		return n, nil
	}
	if fd {
		for i, l := range fdLens {
			if l == n {
				return uint8(9 + i), nil
			}
		}
	}
	return 0, fmt.Errorf("%w (%d)", ErrInvalidLen, n)
}

// LenForDLC returns the payload length for a DLC code, or ok=false when the
// code has no defined length in the given format (classic DLC > 8).
func LenForDLC(dlc uint8, fd bool) (uint8, bool) {
	if dlc <= 8 {
		return dlc, true
	}
	if !fd || dlc > 15 {
		return 0, false
	}
	return fdLens[dlc-9], true
}

// IsValidLen reports whether n is a DLC-encodable payload length.
func IsValidLen(n uint8, fd bool) bool {
	_, err := DLCForLen(n, fd)
	return err == nil
}

// PadLen rounds n up to the next DLC-encodable FD length. The pad bytes are
// the transmitter's to fill; the M_CAN sends whole data fields only.
func PadLen(n uint8) uint8 {
	if n <= 8 {
		return n
	}
	for _, l := range fdLens {
		if n <= l {
			return l
		}
	}
	return MaxDataLen
}

package msgram

import "github.com/romixlab/mcan/frame"

// FilterType selects how ID1/ID2 are interpreted by an acceptance filter.
type FilterType uint8

const (
	// FilterRange accepts IDs from ID1 to ID2 (ID2 >= ID1).
	FilterRange FilterType = 0b00
	// FilterDual accepts ID1 or ID2 exactly.
	FilterDual FilterType = 0b01
	// FilterClassic matches ID1 under mask ID2.
	FilterClassic FilterType = 0b10
	// FilterDisabled disables the element.
	FilterDisabled FilterType = 0b11
)

// FilterAction is the disposition of a matching frame (SFEC/EFEC encoding).
type FilterAction uint8

const (
	ActionDisable FilterAction = iota
	ActionStoreFifo0
	ActionStoreFifo1
	ActionReject
	ActionPriority
	ActionPriorityFifo0
	ActionPriorityFifo1
	// ActionStoreRxBuffer stores into the dedicated RX buffer indexed by the
	// low bits of ID2; the filter type field is ignored by the hardware.
	ActionStoreRxBuffer
)

// StandardFilter is one 11-bit acceptance filter element (one word).
type StandardFilter struct {
	Type     FilterType
	Action   FilterAction
	ID1, ID2 uint16
}

// Encode returns the S0 filter word: SFT[31:30] SFEC[29:27] SFID1[26:16]
// SFID2[10:0].
func (f StandardFilter) Encode() uint32 {
	return uint32(f.Type&0x3)<<30 |
		uint32(f.Action&0x7)<<27 |
		uint32(f.ID1&frame.StdIDMask)<<16 |
		uint32(f.ID2&frame.StdIDMask)
}

// DecodeStandardFilter is the inverse of StandardFilter.Encode.
func DecodeStandardFilter(w uint32) StandardFilter {
	return StandardFilter{
		Type:   FilterType(w >> 30 & 0x3),
		Action: FilterAction(w >> 27 & 0x7),
		ID1:    uint16(w >> 16 & frame.StdIDMask),
		ID2:    uint16(w & frame.StdIDMask),
	}
}

// ExtendedFilter is one 29-bit acceptance filter element (two words).
type ExtendedFilter struct {
	Type     FilterType
	Action   FilterAction
	ID1, ID2 uint32
}

// Encode returns the F0/F1 words: EFEC[31:29] EFID1[28:0], then EFT[31:30]
// EFID2[28:0].
func (f ExtendedFilter) Encode() [2]uint32 {
	return [2]uint32{
		uint32(f.Action&0x7)<<29 | f.ID1&frame.ExtIDMask,
		uint32(f.Type&0x3)<<30 | f.ID2&frame.ExtIDMask,
	}
}

// DecodeExtendedFilter is the inverse of ExtendedFilter.Encode.
func DecodeExtendedFilter(w [2]uint32) ExtendedFilter {
	return ExtendedFilter{
		Action: FilterAction(w[0] >> 29 & 0x7),
		ID1:    w[0] & frame.ExtIDMask,
		Type:   FilterType(w[1] >> 30 & 0x3),
		ID2:    w[1] & frame.ExtIDMask,
	}
}

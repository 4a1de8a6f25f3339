// Package msgram partitions the M_CAN Message RAM into typed regions and
// encodes/decodes the fixed-size RAM elements the hardware reads and writes
// there. Offsets and sizes are expressed in 32-bit words, the unit the
// peripheral's configuration registers use.
package msgram

import "fmt"

// Words is a size or offset measured in 32-bit Message RAM words.
type Words int

// Bytes returns the byte equivalent.
func (w Words) Bytes() int { return int(w) * 4 }

// RegionKind identifies a Message RAM sub-region.
type RegionKind uint8

const (
	StdFilter RegionKind = iota
	ExtFilter
	RxFifo0
	RxFifo1
	RxBuffers
	TxEventFifo
	TxBuffers
	TxFifoOrQueue

	numRegionKinds
)

var regionKindNames = [numRegionKinds]string{
	"std_filter", "ext_filter", "rx_fifo0", "rx_fifo1",
	"rx_buffers", "tx_event_fifo", "tx_buffers", "tx_fifo_or_queue",
}

func (k RegionKind) String() string {
	if int(k) < len(regionKindNames) {
		return regionKindNames[k]
	}
	return fmt.Sprintf("region(%d)", uint8(k))
}

// Hardware element-count ceilings per region kind (M_CAN user's manual,
// H7-class core). The TX ceiling is shared between dedicated buffers and the
// FIFO/queue.
const (
	MaxStdFilters  = 128
	MaxExtFilters  = 64
	MaxRxFifoElems = 64
	MaxRxBuffers   = 64
	MaxTxEvents    = 32
	MaxTxElems     = 32
)

// DataSize is the data field size of an RX FIFO/buffer or TX buffer element.
// The full element is two header words longer.
type DataSize uint8

const (
	Data8  DataSize = 8
	Data12 DataSize = 12
	Data16 DataSize = 16
	Data20 DataSize = 20
	Data24 DataSize = 24
	Data32 DataSize = 32
	Data48 DataSize = 48
	Data64 DataSize = 64
)

// Words returns the data field size in words.
func (s DataSize) Words() Words { return Words(s) / 4 }

// Code returns the 3-bit RXESC/TXESC register encoding.
func (s DataSize) Code() uint8 {
	switch s {
	case Data8:
		return 0b000
	case Data12:
		return 0b001
	case Data16:
		return 0b010
	case Data20:
		return 0b011
	case Data24:
		return 0b100
	case Data32:
		return 0b101
	case Data48:
		return 0b110
	default:
		return 0b111
	}
}

// DataSizeForCode is the inverse of Code.
func DataSizeForCode(code uint8) DataSize {
	sizes := [8]DataSize{Data8, Data12, Data16, Data20, Data24, Data32, Data48, Data64}
	return sizes[code&0x7]
}

// Valid reports whether s is one of the eight hardware sizes.
func (s DataSize) Valid() bool {
	switch s {
	case Data8, Data12, Data16, Data20, Data24, Data32, Data48, Data64:
		return true
	}
	return false
}

// RegionRequest asks the allocator for one region. DataSize is only
// meaningful for RX FIFO/buffer and TX kinds; filter and TX event elements
// have fixed sizes.
type RegionRequest struct {
	Kind     RegionKind
	Count    int
	DataSize DataSize
}

// ElementWords returns the per-element size for the request's kind.
func (r RegionRequest) ElementWords() Words {
	switch r.Kind {
	case StdFilter:
		return 1
	case ExtFilter, TxEventFifo:
		return 2
	default:
		return 2 + r.DataSize.Words()
	}
}

func (r RegionRequest) maxCount() int {
	switch r.Kind {
	case StdFilter:
		return MaxStdFilters
	case ExtFilter:
		return MaxExtFilters
	case RxFifo0, RxFifo1:
		return MaxRxFifoElems
	case RxBuffers:
		return MaxRxBuffers
	case TxEventFifo:
		return MaxTxEvents
	default:
		return MaxTxElems
	}
}

// Region is one allocated sub-region: Count elements of ElementWords each,
// starting at word Offset.
type Region struct {
	Kind     RegionKind
	Offset   Words
	Count    int
	DataSize DataSize
}

// ElementWords returns the per-element size for the region's kind.
func (r Region) ElementWords() Words {
	return RegionRequest{Kind: r.Kind, DataSize: r.DataSize}.ElementWords()
}

// SizeWords returns the total words the region spans.
func (r Region) SizeWords() Words { return Words(r.Count) * r.ElementWords() }

// End returns the first word past the region.
func (r Region) End() Words { return r.Offset + r.SizeWords() }

// ElementOffset returns the word offset of element i within the RAM.
func (r Region) ElementOffset(i int) Words { return r.Offset + Words(i)*r.ElementWords() }

func (r Region) overlaps(o Region) bool {
	return r.Offset < o.End() && o.Offset < r.End()
}

// Layout is an immutable, ordered, non-overlapping set of regions for one
// peripheral instance (or, after Merge, for several instances sharing one
// physical RAM). Reconfiguration replaces the whole Layout; nothing mutates
// one in place.
type Layout struct {
	regions []Region
	total   Words
}

// Regions returns a copy of the region list in offset order.
func (l *Layout) Regions() []Region {
	out := make([]Region, len(l.regions))
	copy(out, l.regions)
	return out
}

// Region returns the region of the given kind, if allocated with a non-zero
// element count.
func (l *Layout) Region(kind RegionKind) (Region, bool) {
	for _, r := range l.regions {
		if r.Kind == kind {
			return r, true
		}
	}
	return Region{}, false
}

// TotalWords returns the highest word consumed by any region.
func (l *Layout) TotalWords() Words { return l.total }

// TxSlots returns the number of TX buffer elements (dedicated + FIFO/queue).
func (l *Layout) TxSlots() int {
	n := 0
	if r, ok := l.Region(TxBuffers); ok {
		n += r.Count
	}
	if r, ok := l.Region(TxFifoOrQueue); ok {
		n += r.Count
	}
	return n
}

// TxElementOffset returns the word offset of TX slot i. Dedicated buffers
// come first, FIFO/queue slots follow in the same contiguous section.
func (l *Layout) TxElementOffset(i int) (Words, DataSize, bool) {
	ded, hasDed := l.Region(TxBuffers)
	fq, hasFq := l.Region(TxFifoOrQueue)
	switch {
	case hasDed && i < ded.Count:
		return ded.ElementOffset(i), ded.DataSize, true
	case hasFq && i < l.TxSlots():
		if hasDed {
			i -= ded.Count
		}
		return fq.ElementOffset(i), fq.DataSize, true
	}
	return 0, 0, false
}

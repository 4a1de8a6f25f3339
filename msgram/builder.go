package msgram

import (
	"errors"
	"fmt"
)

// Builder accumulates region requests for one peripheral instance and turns
// them into a Layout via Allocate. Calls chain; errors (a kind requested
// twice, an invalid data size) are recorded and reported by Build, matching
// the allocator's fail-don't-truncate contract.
//
// One Builder can lay out several instances sharing a physical RAM: each
// successful Build advances the builder's base offset, so the next
// instance's regions land after the previous one's.
type Builder struct {
	capacity Words
	base     Words
	reqs     []RegionRequest
	seen     [numRegionKinds]bool
	err      error
}

// NewBuilder creates a Builder for a RAM of the given word capacity.
func NewBuilder(capacity Words) *Builder {
	return &Builder{capacity: capacity}
}

func (b *Builder) add(req RegionRequest) *Builder {
	if b.err != nil {
		return b
	}
	if b.seen[req.Kind] {
		b.err = fmt.Errorf("msgram: builder: %s configured twice", req.Kind)
		return b
	}
	b.seen[req.Kind] = true
	b.reqs = append(b.reqs, req)
	return b
}

func (b *Builder) addSized(kind RegionKind, count int, size DataSize) *Builder {
	if b.err == nil && !size.Valid() {
		b.err = fmt.Errorf("msgram: builder: %s: invalid data size %d", kind, size)
		return b
	}
	return b.add(RegionRequest{Kind: kind, Count: count, DataSize: size})
}

// StandardFilters allocates n 11-bit filter elements.
func (b *Builder) StandardFilters(n int) *Builder {
	return b.add(RegionRequest{Kind: StdFilter, Count: n})
}

// ExtendedFilters allocates n 29-bit filter elements.
func (b *Builder) ExtendedFilters(n int) *Builder {
	return b.add(RegionRequest{Kind: ExtFilter, Count: n})
}

// RxFifo0 allocates n RX FIFO 0 elements with the given data field size.
func (b *Builder) RxFifo0(n int, size DataSize) *Builder {
	return b.addSized(RxFifo0, n, size)
}

// RxFifo1 allocates n RX FIFO 1 elements with the given data field size.
func (b *Builder) RxFifo1(n int, size DataSize) *Builder {
	return b.addSized(RxFifo1, n, size)
}

// RxBuffers allocates n dedicated RX buffer elements.
func (b *Builder) RxBuffers(n int, size DataSize) *Builder {
	return b.addSized(RxBuffers, n, size)
}

// TxEventFifo allocates n TX event FIFO elements.
func (b *Builder) TxEventFifo(n int) *Builder {
	return b.add(RegionRequest{Kind: TxEventFifo, Count: n})
}

// TxBuffers allocates the TX section: dedicated buffers first, then the
// FIFO/queue, contiguously as the TX handler expects. Dedicated + FIFO/queue
// together may not exceed 32 elements.
func (b *Builder) TxBuffers(dedicated, fifoOrQueue int, size DataSize) *Builder {
	b.addSized(TxBuffers, dedicated, size)
	return b.addSized(TxFifoOrQueue, fifoOrQueue, size)
}

// Build runs the allocator over the accumulated requests. On success the
// returned Layout is final and the builder moves past it, ready to describe
// the next instance in the same RAM. On failure the builder is left as-is so
// the caller can Restart and retry with a smaller request set.
func (b *Builder) Build() (*Layout, error) {
	if b.err != nil {
		return nil, b.err
	}
	l, err := Allocate(b.reqs, b.capacity-b.base)
	if err != nil {
		var ce *CapacityError
		if errors.As(err, &ce) {
			// Report against the whole RAM, not the remaining slice.
			return nil, &CapacityError{Requested: ce.Requested + b.base, Available: b.capacity}
		}
		return nil, err
	}
	for i := range l.regions {
		l.regions[i].Offset += b.base
	}
	l.total += b.base
	b.base = l.total
	b.clearRequests()
	return l, nil
}

// Restart discards the accumulated requests (and any recorded error) without
// touching regions already committed by previous Builds.
func (b *Builder) Restart() *Builder {
	b.clearRequests()
	b.err = nil
	return b
}

// Remaining returns the words still unclaimed by committed layouts.
func (b *Builder) Remaining() Words { return b.capacity - b.base }

func (b *Builder) clearRequests() {
	b.reqs = b.reqs[:0]
	b.seen = [numRegionKinds]bool{}
}

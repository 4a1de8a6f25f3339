package msgram

import "fmt"

// CapacityError reports a layout that does not fit the Message RAM. Requested
// is the true total the request sequence needs, not the point of failure.
type CapacityError struct {
	Requested Words
	Available Words
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("msgram: layout needs %d words, %d available", e.Requested, e.Available)
}

// TooManyElementsError reports a region exceeding its hardware element
// ceiling.
type TooManyElementsError struct {
	Kind  RegionKind
	Count int
	Max   int
}

func (e *TooManyElementsError) Error() string {
	return fmt.Sprintf("msgram: %s: %d elements, hardware maximum %d", e.Kind, e.Count, e.Max)
}

// OverlapError reports two regions that cannot coexist in one RAM.
type OverlapError struct {
	A, B Region
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("msgram: %s [%d..%d) overlaps %s [%d..%d)",
		e.A.Kind, e.A.Offset, e.A.End(), e.B.Kind, e.B.Offset, e.B.End())
}

// regionAlign returns the start alignment for a region kind, in words. Every
// M_CAN region start register addresses whole words, so the rule is uniform;
// it is still applied per kind so a core revision with stricter rules only
// touches this table.
func regionAlign(RegionKind) Words { return 1 }

func alignUp(v, align Words) Words {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}

// Allocate packs the requests, in order, into a RAM of the given word
// capacity. It is pure and deterministic: identical input always yields
// identical offsets. A request sequence that does not fit fails with
// *CapacityError carrying the full shortfall; nothing is truncated or
// dropped. Zero-count requests are legal and produce no region.
func Allocate(reqs []RegionRequest, capacity Words) (*Layout, error) {
	var (
		regions []Region
		seen    [numRegionKinds]bool
		pos     Words
		txTotal int
	)
	for _, req := range reqs {
		if req.Kind >= numRegionKinds {
			return nil, fmt.Errorf("msgram: unknown region kind %d", req.Kind)
		}
		if seen[req.Kind] {
			return nil, fmt.Errorf("msgram: %s requested twice", req.Kind)
		}
		seen[req.Kind] = true
		if req.Count < 0 {
			return nil, fmt.Errorf("msgram: %s: negative element count %d", req.Kind, req.Count)
		}
		if req.Count > req.maxCount() {
			return nil, &TooManyElementsError{Kind: req.Kind, Count: req.Count, Max: req.maxCount()}
		}
		if req.Kind == TxBuffers || req.Kind == TxFifoOrQueue {
			txTotal += req.Count
			if txTotal > MaxTxElems {
				return nil, &TooManyElementsError{Kind: req.Kind, Count: txTotal, Max: MaxTxElems}
			}
		}
		if req.Count == 0 {
			continue
		}
		pos = alignUp(pos, regionAlign(req.Kind))
		r := Region{Kind: req.Kind, Offset: pos, Count: req.Count, DataSize: req.DataSize}
		regions = append(regions, r)
		pos = r.End()
	}
	if pos > capacity {
		return nil, &CapacityError{Requested: pos, Available: capacity}
	}
	return &Layout{regions: regions, total: pos}, nil
}

// Merge combines per-instance layouts that share one physical Message RAM
// into a single superset layout, failing with *OverlapError when any two
// regions collide or *CapacityError when the union exceeds capacity. Region
// kinds may repeat across instances; within one RAM only the offsets matter.
func Merge(capacity Words, layouts ...*Layout) (*Layout, error) {
	var all []Region
	for _, l := range layouts {
		all = append(all, l.regions...)
	}
	// Insertion sort by offset keeps the merge deterministic without pulling
	// in sort for a handful of regions.
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].Offset < all[j-1].Offset; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	var total Words
	for i, r := range all {
		if i > 0 && r.overlaps(all[i-1]) {
			return nil, &OverlapError{A: all[i-1], B: r}
		}
		if r.End() > total {
			total = r.End()
		}
	}
	if total > capacity {
		return nil, &CapacityError{Requested: total, Available: capacity}
	}
	return &Layout{regions: all, total: total}, nil
}

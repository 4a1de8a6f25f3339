package mcan

import (
	"errors"
	"fmt"
)

// Sentinel errors. Wrapped with fmt.Errorf("...: %w", err) where call sites
// add context; classify with errors.Is.
var (
	// ErrNoSlotAvailable is the TX backpressure signal: the requested
	// buffer, FIFO or queue is full. Retry after a completion frees a slot.
	ErrNoSlotAvailable = errors.New("mcan: no tx slot available")

	// ErrTxInFlight rejects a mode change while transmit requests are
	// pending. The driver never quiesces implicitly; cancel or drain first.
	ErrTxInFlight = errors.New("mcan: tx requests in flight")

	// ErrUnmatchedTxEvent marks a TX event with no pending request, a
	// driver/hardware desync. Reported per event, never halts the poll.
	ErrUnmatchedTxEvent = errors.New("mcan: unmatched tx event")

	// ErrUnknownHandle is returned by Cancel for a handle that is not
	// pending (already completed, cancelled, or from an older layout).
	ErrUnknownHandle = errors.New("mcan: unknown tx handle")

	// ErrTimeout is returned when a bounded register wait exhausts its
	// iteration budget.
	ErrTimeout = errors.New("mcan: register wait timed out")

	// ErrCoreCommunication means the ENDN probe read back garbage; the core
	// is unreachable (clock gated, bridge down, wrong base).
	ErrCoreCommunication = errors.New("mcan: core communication failed")

	// ErrUnsupportedCore means CREL reported an unknown core release.
	ErrUnsupportedCore = errors.New("mcan: unsupported core version")

	// ErrNotConfigured is returned by data-path operations before Configure.
	ErrNotConfigured = errors.New("mcan: not configured")

	// ErrBadInstance rejects an out-of-range instance selector.
	ErrBadInstance = errors.New("mcan: invalid instance")
)

// StateError reports an operation that is not legal in the current protocol
// state (e.g. Submit while BusOff, Wake while running).
type StateError struct {
	Op    string
	State ProtocolState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("mcan: %s not allowed in state %s", e.Op, e.State)
}

// OverflowError reports that the hardware lost one or more frames on an RX
// FIFO. It is surfaced by exactly one DrainRx call per overflow episode;
// the next call resumes normal delivery. Lost is zero when the core exposes
// no loss counter.
type OverflowError struct {
	Fifo Fifo
	Lost uint32
}

func (e *OverflowError) Error() string {
	if e.Lost > 0 {
		return fmt.Sprintf("mcan: rx fifo %d overflow, %d frames lost", e.Fifo, e.Lost)
	}
	return fmt.Sprintf("mcan: rx fifo %d overflow", e.Fifo)
}

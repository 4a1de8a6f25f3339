// Package mcan drives a Bosch M_CAN CAN FD controller through an injected
// register and Message RAM access interface. The package owns no bus or MMIO
// code itself; callers plug in memory-mapped access, a serial register
// bridge, or the simulated peripheral used by the tests.
package mcan

// ProtocolState is the driver's view of the controller fault-confinement and
// power state. It refines the hardware states with an explicit Uninitialized
// before the first configuration and a Configuration state while CCCR.INIT
// is held.
type ProtocolState uint8

const (
	// Uninitialized: New succeeded but the core has not been probed or
	// configured yet.
	Uninitialized ProtocolState = iota
	// Configuration: CCCR.INIT and CCCR.CCE are set; registers and Message
	// RAM may be written, no bus activity.
	Configuration
	// ErrorActive: normal operation, both error counters below 96.
	ErrorActive
	// ErrorWarning: at least one error counter reached 96.
	ErrorWarning
	// ErrorPassive: at least one error counter reached 128; the node no
	// longer sends active error flags.
	ErrorPassive
	// BusOff: TEC overflowed; the hardware has set CCCR.INIT itself and
	// stays off the bus until RecoverBusOff is invoked.
	BusOff
	// Sleep: clock stop requested and acknowledged.
	Sleep

	numStates
)

var stateNames = [numStates]string{
	"uninitialized", "configuration", "error_active", "error_warning",
	"error_passive", "bus_off", "sleep",
}

func (s ProtocolState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// running reports whether the state allows bus traffic.
func (s ProtocolState) running() bool {
	switch s {
	case ErrorActive, ErrorWarning, ErrorPassive:
		return true
	}
	return false
}

// Status is a point-in-time snapshot of the controller, refreshed from
// PSR/ECR by Poll and Status.
type Status struct {
	State ProtocolState
	// TxErrorCount is ECR.TEC. When State is BusOff the hardware freezes it.
	TxErrorCount uint8
	// RxErrorCount is ECR.REC.
	RxErrorCount uint8
	// ReceivePassive is ECR.RP: REC reached its passive limit.
	ReceivePassive bool
	// LastErrorCode is PSR.LEC from the most recent read.
	LastErrorCode uint8
	// PendingTx counts transmit requests submitted but not yet completed,
	// aborted or cancelled.
	PendingTx int
}

// Events is the decoded interrupt status returned by OnInterrupt. All
// reported bits have been acknowledged in hardware before the call returns.
type Events struct {
	RxFifo0New       bool
	RxFifo0Watermark bool
	RxFifo0Lost      bool
	RxFifo1New       bool
	RxFifo1Watermark bool
	RxFifo1Lost      bool
	RxBufferNew      bool
	TxComplete       bool
	TxCancelled      bool
	TxEventNew       bool
	TxEventLost      bool
	ErrorWarningSet  bool
	ErrorPassiveSet  bool
	BusOffSet        bool
}

// Any reports whether any event bit is set.
func (e Events) Any() bool { return e != Events{} }

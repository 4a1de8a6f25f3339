// Package regs defines the register-access abstraction the driver core is
// built against, together with the subset of the M_CAN register map the core
// drives. It deliberately is not a full register description of any silicon
// variant; only driver-consumed registers and fields appear here. Concrete
// backends (memory-mapped hardware, a serial debug bridge, the simulator)
// implement Interface and Memory.
package regs

// Reg is a register's byte offset from the peripheral instance base.
type Reg uint32

// Interface is read/modify/write access to one M_CAN instance's registers.
// Implementations must tolerate being called from exactly one logical
// execution context at a time; the driver never calls concurrently.
type Interface interface {
	Read(r Reg) uint32
	Write(r Reg, v uint32)
	// Modify clears mask and sets bits in one read-modify-write.
	Modify(r Reg, mask, bits uint32)
}

// Memory is word access to the shared Message RAM. Offsets are word indexes
// from the RAM base.
type Memory interface {
	ReadWord(i int) uint32
	WriteWord(i int, v uint32)
}

// Funcs adapts plain closures to Interface; Modify is derived from
// Read/Write when not supplied.
type Funcs struct {
	ReadFn   func(Reg) uint32
	WriteFn  func(Reg, uint32)
	ModifyFn func(Reg, uint32, uint32)
}

func (f Funcs) Read(r Reg) uint32     { return f.ReadFn(r) }
func (f Funcs) Write(r Reg, v uint32) { f.WriteFn(r, v) }

func (f Funcs) Modify(r Reg, mask, bits uint32) {
	if f.ModifyFn != nil {
		f.ModifyFn(r, mask, bits)
		return
	}
	f.WriteFn(r, f.ReadFn(r)&^mask|bits&mask)
}

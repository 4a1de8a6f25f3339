// Package regbridge speaks a framed request/response protocol to an M_CAN
// core sitting behind a UART debug bridge (development boards expose the
// register file this way). It adapts the serial link to the register and
// Message RAM access interfaces the driver consumes.
package regbridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/romixlab/mcan/internal/logging"
	"github.com/romixlab/mcan/internal/metrics"
	"github.com/romixlab/mcan/regs"
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open opens the named serial port and wraps it in a Bridge.
func Open(name string, baud int, readTimeout time.Duration) (*Bridge, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	p, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("regbridge: open %s: %w", name, err)
	}
	return NewBridge(p), nil
}

// Bridge is one serial register bridge connection. The register access
// interface it exposes cannot propagate errors, so transaction failures are
// counted, logged and latched; callers check Err after a configuration
// sequence, and the driver's core probe fails fast when the link is down.
type Bridge struct {
	mu   sync.Mutex
	port Port
	err  error
}

// NewBridge wraps an open port.
func NewBridge(p Port) *Bridge { return &Bridge{port: p} }

// Regs returns the register access view.
func (b *Bridge) Regs() regs.Interface { return (*bridgeRegs)(b) }

// Mem returns the Message RAM access view.
func (b *Bridge) Mem() regs.Memory { return (*bridgeMem)(b) }

// Err returns the first transaction error since the last ClearErr.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// ClearErr resets the latched error, e.g. before a reconnect attempt.
func (b *Bridge) ClearErr() {
	b.mu.Lock()
	b.err = nil
	b.mu.Unlock()
}

// Close closes the underlying port.
func (b *Bridge) Close() error { return b.port.Close() }

func (b *Bridge) read(addr uint16, op byte) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, err := b.transact(op, addr, 0)
	if err != nil {
		b.fail(err, metrics.ErrBridgeRead)
		return 0
	}
	return v
}

func (b *Bridge) write(addr uint16, op byte, val uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.transact(op, addr, val); err != nil {
		b.fail(err, metrics.ErrBridgeWrite)
	}
}

func (b *Bridge) fail(err error, label string) {
	metrics.IncError(label)
	logging.L().Error("bridge_transaction_failed", "error", err)
	if b.err == nil {
		b.err = err
	}
}

// transact sends one request and reads its response. Called with the mutex
// held; the wire carries one transaction at a time.
func (b *Bridge) transact(op byte, addr uint16, val uint32) (uint32, error) {
	req := encodeRequest(op, addr, val)
	if _, err := b.port.Write(req); err != nil {
		return 0, fmt.Errorf("regbridge: write: %w", err)
	}
	var buf [respLen]byte
	got := 0
	for got < respLen {
		n, err := b.port.Read(buf[got:])
		if err != nil {
			return 0, fmt.Errorf("regbridge: read: %w", err)
		}
		if n == 0 {
			return 0, fmt.Errorf("regbridge: response timeout (%d/%d bytes)", got, respLen)
		}
		got += n
	}
	return parseResponse(buf[:])
}

type bridgeRegs Bridge

func (br *bridgeRegs) Read(r regs.Reg) uint32 {
	return (*Bridge)(br).read(uint16(r), opReadReg)
}

func (br *bridgeRegs) Write(r regs.Reg, v uint32) {
	(*Bridge)(br).write(uint16(r), opWriteReg, v)
}

func (br *bridgeRegs) Modify(r regs.Reg, mask, bits uint32) {
	b := (*Bridge)(br)
	v := b.read(uint16(r), opReadReg)
	b.write(uint16(r), opWriteReg, v&^mask|bits&mask)
}

type bridgeMem Bridge

func (bm *bridgeMem) ReadWord(i int) uint32 {
	return (*Bridge)(bm).read(uint16(i), opReadRAM)
}

func (bm *bridgeMem) WriteWord(i int, v uint32) {
	(*Bridge)(bm).write(uint16(i), opWriteRAM, v)
}

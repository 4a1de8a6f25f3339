package regbridge

import (
	"encoding/binary"
	"testing"

	"github.com/romixlab/mcan/regs"
)

// fakePort is an in-memory bridge device: it decodes each request against a
// register map and a small RAM and queues the response for the next Read.
type fakePort struct {
	regs map[uint16]uint32
	ram  []uint32
	resp []byte

	corruptNext bool
	failStatus  bool
}

func newFakePort() *fakePort {
	return &fakePort{regs: make(map[uint16]uint32), ram: make([]uint32, 64)}
}

func (p *fakePort) Write(b []byte) (int, error) {
	if len(b) != reqLen || b[0] != pre0 || b[1] != preReq {
		return len(b), nil
	}
	if checksum(b[2:9]) != b[9] {
		return len(b), nil
	}
	op := b[2]
	addr := binary.BigEndian.Uint16(b[3:5])
	val := binary.BigEndian.Uint32(b[5:9])
	var out uint32
	switch op {
	case opReadReg:
		out = p.regs[addr]
	case opWriteReg:
		p.regs[addr] = val
	case opReadRAM:
		out = p.ram[addr]
	case opWriteRAM:
		p.ram[addr] = val
	}
	status := byte(statusOK)
	if p.failStatus {
		status = 0xEE
	}
	p.resp = encodeResponse(status, out)
	if p.corruptNext {
		p.resp[len(p.resp)-1] ^= 0xFF
		p.corruptNext = false
	}
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	if len(p.resp) == 0 {
		return 0, nil
	}
	n := copy(b, p.resp)
	p.resp = p.resp[n:]
	return n, nil
}

func (p *fakePort) Close() error { return nil }

func TestBridgeRegisterRoundTrip(t *testing.T) {
	port := newFakePort()
	b := NewBridge(port)
	rw := b.Regs()

	rw.Write(regs.NBTP, 0x06000A03)
	if got := rw.Read(regs.NBTP); got != 0x06000A03 {
		t.Fatalf("read back %#x", got)
	}
	rw.Modify(regs.CCCR, regs.CCCRInit|regs.CCCRCCE, regs.CCCRInit)
	if got := rw.Read(regs.CCCR); got != regs.CCCRInit {
		t.Fatalf("cccr = %#x, want init only", got)
	}
	if err := b.Err(); err != nil {
		t.Fatalf("unexpected latched error: %v", err)
	}
}

func TestBridgeRAMRoundTrip(t *testing.T) {
	b := NewBridge(newFakePort())
	mem := b.Mem()
	mem.WriteWord(5, 0xDEADBEEF)
	if got := mem.ReadWord(5); got != 0xDEADBEEF {
		t.Fatalf("ram word = %#x", got)
	}
	if err := b.Err(); err != nil {
		t.Fatalf("unexpected latched error: %v", err)
	}
}

func TestBridgeLatchesChecksumError(t *testing.T) {
	port := newFakePort()
	port.regs[uint16(regs.ENDN)] = regs.ENDNValue
	port.corruptNext = true
	b := NewBridge(port)

	if got := b.Regs().Read(regs.ENDN); got != 0 {
		t.Fatalf("corrupted response should read as 0, got %#x", got)
	}
	if b.Err() == nil {
		t.Fatal("expected latched error after checksum mismatch")
	}
	// The next clean transaction works, the latch keeps the first error.
	if got := b.Regs().Read(regs.ENDN); got != regs.ENDNValue {
		t.Fatalf("clean read = %#x", got)
	}
	b.ClearErr()
	if b.Err() != nil {
		t.Fatal("expected latch cleared")
	}
}

func TestBridgeStatusError(t *testing.T) {
	port := newFakePort()
	port.failStatus = true
	b := NewBridge(port)
	b.Regs().Write(regs.IE, 1)
	if b.Err() == nil {
		t.Fatal("expected latched error for non-ok status")
	}
}

func TestResponseParsing(t *testing.T) {
	if _, err := parseResponse([]byte{1, 2}); err == nil {
		t.Fatal("short response must fail")
	}
	bad := encodeResponse(statusOK, 42)
	bad[1] = preReq
	if _, err := parseResponse(bad); err == nil {
		t.Fatal("wrong preamble must fail")
	}
	good := encodeResponse(statusOK, 42)
	v, err := parseResponse(good)
	if err != nil || v != 42 {
		t.Fatalf("parse: v=%d err=%v", v, err)
	}
}

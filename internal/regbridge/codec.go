package regbridge

import (
	"encoding/binary"
	"fmt"
)

// Wire format, one transaction per frame.
//
// Request:  A5 5A op addr(2 BE) value(4 BE) checksum
// Response: A5 5B status value(4 BE) checksum
//
// checksum = sum of all bytes after the preamble, mod 256. Reads carry a
// zero value field; register addresses are byte offsets, RAM addresses are
// word indexes.
const (
	pre0    = 0xA5
	preReq  = 0x5A
	preResp = 0x5B

	opReadReg  = 0x01
	opWriteReg = 0x02
	opReadRAM  = 0x03
	opWriteRAM = 0x04

	statusOK = 0x00

	reqLen  = 2 + 1 + 2 + 4 + 1
	respLen = 2 + 1 + 4 + 1
)

func checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

func encodeRequest(op byte, addr uint16, val uint32) []byte {
	f := make([]byte, reqLen)
	f[0] = pre0
	f[1] = preReq
	f[2] = op
	binary.BigEndian.PutUint16(f[3:5], addr)
	binary.BigEndian.PutUint32(f[5:9], val)
	f[9] = checksum(f[2:9])
	return f
}

func parseResponse(f []byte) (uint32, error) {
	if len(f) < respLen {
		return 0, fmt.Errorf("regbridge: short response (%d bytes)", len(f))
	}
	if f[0] != pre0 || f[1] != preResp {
		return 0, fmt.Errorf("regbridge: bad response preamble %02x %02x", f[0], f[1])
	}
	if sum := checksum(f[2:7]); sum != f[7] {
		return 0, fmt.Errorf("regbridge: response checksum %02x, computed %02x", f[7], sum)
	}
	if f[2] != statusOK {
		return 0, fmt.Errorf("regbridge: bridge status %#02x", f[2])
	}
	return binary.BigEndian.Uint32(f[3:7]), nil
}

// encodeResponse builds a response frame; the test harness's fake bridge
// device uses it.
func encodeResponse(status byte, val uint32) []byte {
	f := make([]byte, respLen)
	f[0] = pre0
	f[1] = preResp
	f[2] = status
	binary.BigEndian.PutUint32(f[3:7], val)
	f[7] = checksum(f[2:7])
	return f
}

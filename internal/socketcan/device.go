//go:build linux

// Package socketcan is the host-side bus attachment for the gateway: a raw
// CAN socket carrying classic and FD frames to and from the Linux network
// stack.
package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/romixlab/mcan/frame"
)

// canfd_frame flag bits (linux/can.h).
const (
	canfdBRS = 0x01
	canfdESI = 0x02

	// canfd_frame wire size (linux/can.h); x/sys/unix does not export it.
	canfdMTU = 72
)

type Device struct {
	fd int
}

// Open binds a raw CAN socket to the named interface with CAN FD frames
// enabled where the kernel supports them.
func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err != nil {
		// Older kernels may not know this option; classic frames still work.
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("enable CAN FD: %w", err)
		}
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// ReadFrame reads one frame from the raw CAN socket. The kernel hands over
// either a 16-byte can_frame or a 72-byte canfd_frame; the read size tells
// them apart.
//
// struct can(fd)_frame (linux/can.h):
//
//	can_id  u32  [0:4]  (includes EFF/RTR/ERR flags)
//	len     u8   [4]
//	flags   u8   [5]    (FD only: BRS/ESI)
//	pad     2B   [6:8]
//	data         [8:]
//
// Fields are host byte order; common Linux targets are little-endian.
func (d *Device) ReadFrame(fr *frame.Frame) error {
	var buf [canfdMTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return err
	}
	if n != unix.CAN_MTU && n != canfdMTU {
		return fmt.Errorf("unexpected frame size: %d", n)
	}

	id := binary.LittleEndian.Uint32(buf[0:4])
	*fr = frame.Frame{}
	fr.Extended = id&unix.CAN_EFF_FLAG != 0
	fr.RTR = id&unix.CAN_RTR_FLAG != 0
	if fr.Extended {
		fr.ID = id & unix.CAN_EFF_MASK
	} else {
		fr.ID = id & unix.CAN_SFF_MASK
	}

	ln := int(buf[4])
	if n == canfdMTU {
		fr.FD = true
		fr.BRS = buf[5]&canfdBRS != 0
		fr.ESI = buf[5]&canfdESI != 0
		if ln > frame.MaxDataLen {
			ln = frame.MaxDataLen
		}
	} else if ln > 8 {
		ln = 8
	}
	fr.Len = uint8(ln)
	copy(fr.Data[:ln], buf[8:8+ln])
	return nil
}

// WriteFrame writes one frame to the raw CAN socket, choosing the classic or
// FD wire structure by the frame's format.
func (d *Device) WriteFrame(fr frame.Frame) error {
	id := fr.ID
	if fr.Extended {
		id |= unix.CAN_EFF_FLAG
	}
	if fr.RTR {
		id |= unix.CAN_RTR_FLAG
	}
	if fr.FD {
		var buf [canfdMTU]byte
		binary.LittleEndian.PutUint32(buf[0:4], id)
		buf[4] = fr.Len
		if fr.BRS {
			buf[5] |= canfdBRS
		}
		if fr.ESI {
			buf[5] |= canfdESI
		}
		copy(buf[8:], fr.Data[:fr.Len])
		_, err := unix.Write(d.fd, buf[:])
		return err
	}
	var buf [unix.CAN_MTU]byte
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = fr.Len
	copy(buf[8:], fr.Data[:fr.Len])
	_, err := unix.Write(d.fd, buf[:])
	return err
}

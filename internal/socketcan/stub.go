//go:build !linux

package socketcan

import (
	"errors"

	"github.com/romixlab/mcan/frame"
)

// ErrUnsupported keeps non-linux builds compiling; raw CAN sockets are a
// Linux facility.
var ErrUnsupported = errors.New("socketcan: only supported on linux")

type Device struct{}

func Open(string) (*Device, error) { return nil, ErrUnsupported }

func (d *Device) Close() error { return ErrUnsupported }

func (d *Device) ReadFrame(*frame.Frame) error { return ErrUnsupported }

func (d *Device) WriteFrame(frame.Frame) error { return ErrUnsupported }

//go:build linux

package faultq

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/rocketbitz/memxchg/exchange"
)

// Requests understood by the fault-management driver.
const (
	ioctlSetBuffer    = 0x12345678
	ioctlFaultHandled = 0x12345679
)

// DefaultUVMPath is the driver node that accepts buffer registration.
const DefaultUVMPath = "/dev/nvidia-uvm"

// Device is the control handle of the fault-management subsystem. Errors are
// *exchange.ExternalSubsystemError and are not fatal to a session.
type Device struct {
	file *os.File
}

// OpenDevice opens the driver node at path.
func OpenDevice(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, &exchange.ExternalSubsystemError{Call: "open", Err: err}
	}
	return &Device{file: f}, nil
}

// RegisterBuffer binds the buffer at base to the calling process so faults on
// it are reported here.
func (d *Device) RegisterBuffer(base uintptr) error {
	if err := d.ioctl(ioctlSetBuffer, base); err != nil {
		return &exchange.ExternalSubsystemError{Call: "register_buffer", Err: err}
	}
	return nil
}

// AcknowledgeFault reports that the last fault has been handled.
func (d *Device) AcknowledgeFault() error {
	if err := d.ioctl(ioctlFaultHandled, 0); err != nil {
		return &exchange.ExternalSubsystemError{Call: "acknowledge_fault", Err: err}
	}
	return nil
}

// Close closes the driver handle.
func (d *Device) Close() error {
	return d.file.Close()
}

func (d *Device) ioctl(req, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.file.Fd(), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

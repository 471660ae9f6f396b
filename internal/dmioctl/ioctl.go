//go:build linux
// +build linux

// Package dmioctl implements the raw DM_IOCTL transport to the kernel
// device-mapper control device, independent of any particular target type.
package dmioctl

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl encoding, ported from the _IOWR macro: 0-7 NR, 8-15 TYPE, 16-29
// SIZE, 30-31 DIR.
const (
	iocWrite    = 1
	iocRead     = 2
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocTypeShift = iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocWRBase    = (iocRead | iocWrite) << (iocSizeShift + iocSizeBits)
)

// Ioctl makes a syscall described by command with data dataPtr against the
// open device driver file f.
func Ioctl(f *os.File, command int, dataPtr unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		f.Fd(),
		uintptr(command),
		uintptr(dataPtr),
	); errno != 0 {
		return errno
	}
	return nil
}

//go:build linux
// +build linux

package dmioctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/gyrodfs/cryptvol/internal/volerr"
)

//nolint:stylecheck // ST1003: ALL_CAPS mirrors the kernel header names
const (
	_DM_IOCTL      = 0xfd
	_DM_IOCTL_SIZE = 312
	_DM_IOCTL_BASE = iocWRBase | _DM_IOCTL<<iocTypeShift | _DM_IOCTL_SIZE<<iocSizeShift

	_DM_READONLY_FLAG = 1 << 0
)

//nolint:stylecheck // ST1003: ALL_CAPS mirrors the kernel header names
const (
	_DM_VERSION = iota
	_DM_REMOVE_ALL
	_DM_LIST_DEVICES
	_DM_DEV_CREATE
	_DM_DEV_REMOVE
	_DM_DEV_RENAME
	_DM_DEV_SUSPEND
	_DM_DEV_STATUS
	_DM_DEV_WAIT
	_DM_TABLE_LOAD
	_DM_TABLE_CLEAR
	_DM_TABLE_DEPS
	_DM_TABLE_STATUS
)

var dmOpName = []string{
	"version", "remove all", "list devices", "device create", "device remove",
	"device rename", "device suspend", "device status", "device wait",
	"table load", "table clear", "table deps", "table status",
}

const blockSize = 512

type header struct {
	Version     [3]uint32
	DataSize    uint32
	DataStart   uint32
	TargetCount uint32
	OpenCount   int32
	Flags       uint32
	EventNumber uint32
	_           uint32
	Dev         uint64
	Name        [128]byte
	UUID        [129]byte
	_           [7]byte
}

type targetSpec struct {
	SectorStart    int64
	LengthInBlocks int64
	Status         int32
	Next           uint32
	Type           [16]byte
}

func initHeader(d *header, size int, name string) {
	*d = header{
		Version:  [3]uint32{4, 0, 0},
		DataSize: uint32(size),
	}
	copy(d.Name[:], name)
}

type dmError struct {
	op  int
	err error
}

func (e *dmError) Error() string {
	op := "<bad operation>"
	if e.op >= 0 && e.op < len(dmOpName) {
		op = dmOpName[e.op]
	}
	return "device-mapper " + op + ": " + e.err.Error()
}

func (e *dmError) Unwrap() error { return e.err }

func (e *dmError) Kind() volerr.Kind { return volerr.TransportError }

func ioctlCall(f *os.File, code int, data *header) error {
	if err := Ioctl(f, code|_DM_IOCTL_BASE, unsafe.Pointer(data)); err != nil {
		return &dmError{op: code, err: err}
	}
	return nil
}

// test seams, reassigned by tests the same way the package this was ported
// from stubs its own openMapperWrapper/removeDeviceWrapper/_createDevice.
var (
	openFunc         = openControl
	removeDeviceFunc = removeDevice
	createDeviceFunc = CreateDevice
)

// Open opens /dev/mapper/control and validates that it speaks the expected
// DM_IOCTL version.
func Open() (f *os.File, err error) {
	return openFunc()
}

func openControl() (f *os.File, err error) {
	f, err = os.OpenFile("/dev/mapper/control", os.O_RDWR, 0)
	if err != nil {
		return nil, volerr.Wrap(err, volerr.TransportError)
	}
	defer func() {
		if err != nil {
			f.Close()
		}
	}()
	var d header
	initHeader(&d, int(unsafe.Sizeof(d)), "")
	if err = ioctlCall(f, _DM_VERSION, &d); err != nil {
		return nil, err
	}
	return f, nil
}

// Target specifies a single entry in a device's target table.
type Target struct {
	Type           string
	SectorStart    int64
	LengthInBlocks int64
	Params         string
}

func (t *Target) sizeof() int {
	// include a NUL terminator and round up to 8-byte alignment
	return (int(unsafe.Sizeof(targetSpec{})) + len(t.Params) + 1 + 7) &^ 7
}

// LinearTarget builds a "linear" target mapping a portion of a block device
// at the given offset.
func LinearTarget(sectorStart, lengthBlocks int64, devPath string, deviceStart int64) Target {
	return Target{
		Type:           "linear",
		SectorStart:    sectorStart,
		LengthInBlocks: lengthBlocks,
		Params:         fmt.Sprintf("%s %d", devPath, deviceStart),
	}
}

// ZeroSectorLinearTarget is LinearTarget for callers working in bytes
// rather than 512-byte sectors.
func ZeroSectorLinearTarget(lengthBytes int64, devPath string, deviceStartBytes int64) Target {
	return LinearTarget(0, lengthBytes/blockSize, devPath, deviceStartBytes/blockSize)
}

func makeTableIoctl(name string, targets []Target, readOnly bool) *header {
	off := int(unsafe.Sizeof(header{}))
	n := off
	for _, t := range targets {
		n += t.sizeof()
	}
	b := make([]byte, n)
	d := (*header)(unsafe.Pointer(&b[0]))
	initHeader(d, n, name)
	d.DataStart = uint32(off)
	d.TargetCount = uint32(len(targets))
	if readOnly {
		d.Flags |= _DM_READONLY_FLAG
	}
	for _, t := range targets {
		spec := (*targetSpec)(unsafe.Pointer(&b[off]))
		sn := t.sizeof()
		spec.SectorStart = t.SectorStart
		spec.LengthInBlocks = t.LengthInBlocks
		spec.Next = uint32(sn)
		copy(spec.Type[:], t.Type)
		copy(b[off+int(unsafe.Sizeof(*spec)):], t.Params)
		off += sn
	}
	return d
}

// CreateDevice creates a device-mapper device named name with the given
// target table and returns the path of the device node it creates under
// /dev/mapper. Retries DM_TABLE_LOAD up to 10 times on a 500ms backoff, the
// same discipline the original daemon used against transient EBUSY/EAGAIN
// races with in-flight suspends elsewhere in the kernel.
func CreateDevice(ctx context.Context, name string, readOnly bool, targets []Target) (_ string, err error) {
	f, err := Open()
	if err != nil {
		return "", err
	}
	defer f.Close()

	var d header
	size := int(unsafe.Sizeof(d))
	initHeader(&d, size, name)
	if err = ioctlCall(f, _DM_DEV_CREATE, &d); err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = removeDevice(f, name)
		}
	}()

	dev := int(d.Dev)

	di := makeTableIoctl(name, targets, readOnly)
	if err = loadTableWithRetry(ctx, f, di); err != nil {
		return "", err
	}

	initHeader(&d, size, name)
	if err = ioctlCall(f, _DM_DEV_SUSPEND, &d); err != nil {
		return "", err
	}

	p := devicePath(name)
	os.Remove(p)
	if err = os.MkdirAll("/dev/mapper", 0o755); err != nil {
		return "", volerr.Wrap(err, volerr.TransportError)
	}
	if err = unix.Mknod(p, unix.S_IFBLK|0o660, dev); err != nil {
		return "", volerr.Wrap(err, volerr.TransportError)
	}
	return p, nil
}

func loadTableWithRetry(ctx context.Context, f *os.File, di *header) error {
	var err error
	for i := 0; i < 10; i++ {
		if err = ioctlCall(f, _DM_TABLE_LOAD, di); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			time.Sleep(500 * time.Millisecond)
		}
	}
	return err
}

func devicePath(name string) string {
	return path.Join("/dev/mapper", name)
}

// RemoveDevice removes a device-mapper device and its device node. When the
// kernel reports ENXIO (already gone) it returns volerr.NotFound, so that
// callers can tell that case apart and treat removal idempotently.
// Retries on EBUSY for up to 10 iterations, 10ms apart, matching the
// occasional "device or resource busy" race observed right after an
// unmount.
func RemoveDevice(name string) error {
	var err error
	for i := 0; i < 10; i++ {
		f, oerr := openFunc()
		if oerr != nil {
			return oerr
		}
		os.Remove(devicePath(name))
		err = removeDeviceFunc(f, name)
		f.Close()
		if err == nil {
			return nil
		}
		var dmErr *dmError
		if !errors.As(err, &dmErr) || !errors.Is(dmErr.err, syscall.ENXIO) {
			if errors.As(err, &dmErr) && errors.Is(dmErr.err, syscall.EBUSY) {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			break
		}
		return volerr.New(volerr.NotFound) // ENXIO: already removed
	}
	return err
}

func removeDevice(f *os.File, name string) error {
	var d header
	initHeader(&d, int(unsafe.Sizeof(d)), name)
	return ioctlCall(f, _DM_DEV_REMOVE, &d)
}

// CreateDeviceWithRetryErrors keeps retrying CreateDevice while the failure
// matches one of errs, backing off 100ms between attempts and bailing out
// the moment ctx is done.
func CreateDeviceWithRetryErrors(
	ctx context.Context,
	name string,
	readOnly bool,
	targets []Target,
	errs ...error,
) (string, error) {
	for {
		dmPath, err := createDeviceFunc(ctx, name, readOnly, targets)
		if err == nil {
			return dmPath, nil
		}
		var dmErr *dmError
		if !errors.As(err, &dmErr) {
			return "", err
		}
		retryable := false
		for _, e := range errs {
			if errors.Is(dmErr.err, e) {
				retryable = true
				break
			}
		}
		if !retryable {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
			time.Sleep(100 * time.Millisecond)
		}
	}
}

// GetTargetType returns the kernel-reported target type string ("integrity",
// "crypt", "verity", ...) for the first target of the named device, or
// volerr.NotFound if the device does not exist.
func GetTargetType(name string) (string, error) {
	f, err := Open()
	if err != nil {
		return "", err
	}
	defer f.Close()

	size := int(unsafe.Sizeof(header{})) + int(unsafe.Sizeof(targetSpec{})) + 4096
	b := make([]byte, size)
	d := (*header)(unsafe.Pointer(&b[0]))
	initHeader(d, size, name)
	d.DataStart = uint32(unsafe.Sizeof(header{}))

	if err := ioctlCall(f, _DM_TABLE_STATUS, d); err != nil {
		var dmErr *dmError
		if errors.As(err, &dmErr) && errors.Is(dmErr.err, syscall.ENXIO) {
			return "", volerr.New(volerr.NotFound)
		}
		return "", err
	}
	if d.TargetCount == 0 {
		return "", volerr.New(volerr.NotFound)
	}
	specOff := int(unsafe.Sizeof(header{}))
	spec := (*targetSpec)(unsafe.Pointer(&b[specOff]))
	n := 0
	for n < len(spec.Type) && spec.Type[n] != 0 {
		n++
	}
	return string(spec.Type[:n]), nil
}

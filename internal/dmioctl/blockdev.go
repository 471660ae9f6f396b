//go:build linux
// +build linux

package dmioctl

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/gyrodfs/cryptvol/internal/volerr"
)

// BlockDeviceSize returns the size in bytes of the block device at path,
// via BLKGETSIZE64. Grounded on dm_get_blkdev_size64 in the original
// daemon, which hcsshim has no equivalent for since Windows obtains VHD
// sizes through the HCS API instead.
func BlockDeviceSize(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, volerr.Wrap(err, volerr.TransportError)
	}
	defer f.Close()
	size, err := unix.IoctlGetUint64(int(f.Fd()), unix.BLKGETSIZE64)
	if err != nil {
		return 0, volerr.Wrap(err, volerr.TransportError)
	}
	return int64(size), nil
}

// BlockDeviceSectorSize returns the logical sector size in bytes of the
// block device at path, via BLKSSZGET.
func BlockDeviceSectorSize(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, volerr.Wrap(err, volerr.TransportError)
	}
	defer f.Close()
	size, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKSSZGET)
	if err != nil {
		return 0, volerr.Wrap(err, volerr.TransportError)
	}
	return size, nil
}

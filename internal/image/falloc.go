//go:build linux
// +build linux

package image

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/gyrodfs/cryptvol/internal/volerr"
)

// zeroRange marks the first n bytes of f as a zeroed range without
// allocating backing storage for it, via fallocate(FALLOC_FL_ZERO_RANGE).
func zeroRange(f *os.File, n int64) error {
	if err := unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_ZERO_RANGE, 0, n); err != nil {
		return volerr.Wrap(err, volerr.FormatFailed)
	}
	return nil
}

//go:build linux
// +build linux

package mount

import (
	"context"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gyrodfs/cryptvol/internal/cryptfs"
)

// Driver performs the mount-entry dispatch for a single container.
type Driver struct {
	Loop      LoopAllocator
	Verity    VerityBackend
	IDShift   IDShifter
	Keys      KeyProvider
	Mode      cryptfs.VolumeMode
	SetupMode bool

	// PollInterval is how often device-appearance waits re-check, exposed
	// for tests; defaults to 10ms when zero.
	PollInterval time.Duration
}

func (d *Driver) pollInterval() time.Duration {
	if d.PollInterval > 0 {
		return d.PollInterval
	}
	return 10 * time.Millisecond
}

// defaultFlags returns the baseline mount flags for a non-bind, non-tmpfs
// entry: MS_NOATIME everywhere, plus MS_NODEV outside of setup mode (setup
// mode needs device nodes visible, e.g. to run mkfs against them).
func (d *Driver) defaultFlags() uintptr {
	flags := uintptr(unix.MS_NOATIME)
	if !d.SetupMode {
		flags |= unix.MS_NODEV
	}
	return flags
}

// waitForDevice polls for path to appear, the same 10ms-interval pattern
// storage/scsi.go uses while waiting on a SCSI device to be attached.
func waitForDevice(ctx context.Context, path string, interval time.Duration) error {
	for {
		if pathExists(path) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			time.Sleep(interval)
		}
	}
}

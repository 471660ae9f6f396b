//go:build linux
// +build linux

package overlay

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/gyrodfs/cryptvol/internal/oc"
)

// EnsureSubvolume creates the btrfs subvolume named by "subvol=<name>" in
// mountData on upperDevice if it does not already exist, by briefly
// mounting upperDevice at a temporary directory. Grounded on
// c_vol_btrfs_create_subvol: overlayfs upperdir/workdir must themselves
// live on a btrfs subvolume for OverlayRw entries whose mount_data
// requests one, and that subvolume has to be created once, out of band,
// before the overlay mount itself is attempted.
func EnsureSubvolume(ctx context.Context, upperDevice, mountData string) (err error) {
	name := subvolName(mountData)
	if name == "" {
		return nil
	}

	_, span := oc.StartSpan(ctx, "overlay::EnsureSubvolume")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()

	tmp, err := os.MkdirTemp("", "cryptvol-subvol-")
	if err != nil {
		return errors.Wrap(err, "overlay: create temp mount dir")
	}
	defer os.RemoveAll(tmp)

	if err := unix.Mount(upperDevice, tmp, "btrfs", 0, ""); err != nil {
		return errors.Wrapf(err, "overlay: mount %s for subvolume setup", upperDevice)
	}
	defer unix.Unmount(tmp, 0)

	if exists, err := subvolumeExists(ctx, tmp, name); err != nil {
		return err
	} else if exists {
		return nil
	}

	cmd := exec.CommandContext(ctx, "btrfs", "subvolume", "create", tmp+"/"+name)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "overlay: btrfs subvolume create: %s", out)
	}
	return nil
}

func subvolumeExists(ctx context.Context, mountPoint, name string) (bool, error) {
	cmd := exec.CommandContext(ctx, "btrfs", "subvolume", "list", mountPoint)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return false, errors.Wrapf(err, "overlay: btrfs subvolume list: %s", out)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasSuffix(strings.TrimSpace(line), "path "+name) {
			return true, nil
		}
	}
	return false, nil
}

func subvolName(mountData string) string {
	for _, field := range strings.Split(mountData, ",") {
		if v, ok := strings.CutPrefix(field, "subvol="); ok {
			return v
		}
	}
	return ""
}

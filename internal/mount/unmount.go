//go:build linux
// +build linux

package mount

import (
	"context"
	"errors"
	"os"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/gyrodfs/cryptvol/internal/cryptfs"
	"github.com/gyrodfs/cryptvol/internal/log"
)

// unixUnmount is a test seam over unix.Unmount.
var unixUnmount = unix.Unmount

// UnmountEntry reverses MountEntry: unmounts the target, tears down any
// crypt/integrity stack and verity device, and releases the loop device.
// Every step is tolerant of "already gone" so a caller can retry an
// unmount that partially failed.
func (d *Driver) UnmountEntry(ctx context.Context, s Spec) error {
	if s.Type == Flash {
		return nil
	}
	if s.Type == BindFile || s.Type == BindFileRw || s.Type == BindDir || s.Type == BindDirRw {
		return unmountTolerant(ctx, s.TargetPath)
	}

	overlay := s.Type == OverlayRw || s.Type == OverlayRo || s.Type == SharedRw
	if overlay {
		if err := unmountTolerant(ctx, s.TargetPath); err != nil {
			return err
		}
		if err := unmountTolerant(ctx, s.TargetPath+".upper"); err != nil {
			return err
		}
	} else {
		if err := unmountTolerant(ctx, s.TargetPath); err != nil {
			return err
		}
	}

	if s.Encrypted {
		cryptoLabel := label(s.ContainerUUID, s.Image)
		if err := cryptfs.DeleteVolume(ctx, cryptoLabel, d.Mode); err != nil {
			log.G(ctx).WithError(err).Warn("mount: teardown crypto volume")
		}
	}

	if s.VerityRootHash != "" && d.Verity != nil {
		if err := d.Verity.Close(ctx, label(s.ContainerUUID, s.Image)); err != nil {
			log.G(ctx).WithError(err).Warn("mount: close verity device")
		}
		return nil
	}

	if d.Loop != nil {
		// Attach is idempotent to call with the image path again only in
		// the sense that the caller is expected to have remembered the
		// loop device path; we only know the image here, so detaching is
		// the allocator's responsibility to map back internally.
		if err := d.Loop.Detach(ctx, s.ImagePath); err != nil {
			log.G(ctx).WithError(err).Warn("mount: detach loop device")
		}
	}
	return nil
}

func unmountTolerant(ctx context.Context, target string) error {
	if _, err := os.Stat(target); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return pkgerrors.Wrapf(err, "mount: stat %s", target)
	}
	if err := unixUnmount(target, unix.MNT_DETACH); err != nil {
		if errors.Is(err, unix.EINVAL) {
			// not a mountpoint; nothing to do.
			return nil
		}
		return pkgerrors.Wrapf(err, "mount: unmount %s", target)
	}
	return nil
}

// Mount walks entries forward, mounting each in order so later entries can
// depend on earlier ones (e.g. an overlay's lowerdir living under a Shared
// entry mounted earlier in the same set). On the first failure it unwinds
// everything already mounted, in reverse order.
func (d *Driver) Mount(ctx context.Context, specs []Spec) (err error) {
	mounted := make([]Spec, 0, len(specs))
	defer func() {
		if err == nil {
			return
		}
		for i := len(mounted) - 1; i >= 0; i-- {
			if uerr := d.UnmountEntry(ctx, mounted[i]); uerr != nil {
				log.G(ctx).WithError(uerr).Warn("mount: rollback unmount")
			}
		}
	}()

	for _, s := range specs {
		if err = d.MountEntry(ctx, s); err != nil {
			return pkgerrors.Wrapf(err, "mount: entry %s", s.Image)
		}
		mounted = append(mounted, s)
	}
	return nil
}

// Unmount walks entries in reverse order, the mirror image of Mount,
// continuing past individual failures so a caller always gets the rootfs
// torn down as far as possible rather than stopping at the first error.
func (d *Driver) Unmount(ctx context.Context, specs []Spec) error {
	var first error
	for i := len(specs) - 1; i >= 0; i-- {
		if err := d.UnmountEntry(ctx, specs[i]); err != nil {
			log.G(ctx).WithError(err).Warn("mount: unmount entry")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

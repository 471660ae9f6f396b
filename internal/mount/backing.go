//go:build linux
// +build linux

package mount

import (
	"context"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/gyrodfs/cryptvol/internal/cryptfs"
	"github.com/gyrodfs/cryptvol/internal/mount/overlay"
	"github.com/gyrodfs/cryptvol/internal/volerr"
)

// splitLowerDirs parses a colon-separated list of lowerdir paths out of an
// entry's MountData, the same delimiter overlayfs itself uses.
func splitLowerDirs(mountData string) []string {
	if mountData == "" {
		return nil
	}
	return strings.Split(mountData, ":")
}

// backingDevice resolves the block device a mount entry should be mounted
// from: a loop device over the plain image, a dm-verity device for
// integrity-checked read-only shares, or either of those further stacked
// under an encrypted/authenticated volume.
func (d *Driver) backingDevice(ctx context.Context, s Spec) (string, error) {
	var (
		device string
		err    error
	)

	switch {
	case s.VerityRootHash != "":
		if d.Verity == nil {
			return "", volerr.New(volerr.NotFound)
		}
		device, err = d.Verity.Open(ctx, label(s.ContainerUUID, s.Image), s.ImagePath, s.HashImagePath, s.VerityRootHash, true)
		if err != nil {
			return "", pkgerrors.Wrapf(err, "mount: open verity device for %s", s.Image)
		}
	default:
		if d.Loop == nil {
			return "", volerr.New(volerr.NotFound)
		}
		readonly := s.Type == Shared || s.Type == Device || s.Type == OverlayRo
		device, err = d.Loop.Attach(ctx, s.ImagePath, readonly)
		if err != nil {
			return "", pkgerrors.Wrapf(err, "mount: attach loop device for %s", s.Image)
		}
	}

	if err := waitForDevice(ctx, device, d.pollInterval()); err != nil {
		return "", pkgerrors.Wrapf(err, "mount: wait for %s", device)
	}

	if !s.Encrypted {
		return device, nil
	}

	if d.Keys == nil {
		return "", volerr.New(volerr.MissingKey)
	}
	keyHex, err := d.Keys.ContainerKey(ctx)
	if err != nil {
		return "", pkgerrors.Wrap(err, "mount: fetch container key")
	}

	cryptoLabel := label(s.ContainerUUID, s.Image)
	metaDevice := ""
	if s.MetaImagePath != "" {
		metaDevice, err = d.attachMeta(ctx, s)
		if err != nil {
			return "", err
		}
	}

	cryptDevice, err := cryptfs.SetupVolume(ctx, cryptoLabel, device, metaDevice, keyHex, d.Mode)
	if err != nil {
		return "", pkgerrors.Wrapf(err, "mount: setup crypto volume for %s", s.Image)
	}
	return cryptDevice, nil
}

// attachMeta attaches a loop device over the integrity metadata image that
// accompanies an encrypted data image, when the volume mode needs one.
func (d *Driver) attachMeta(ctx context.Context, s Spec) (string, error) {
	metaDevice, err := d.Loop.Attach(ctx, s.MetaImagePath, false)
	if err != nil {
		return "", pkgerrors.Wrapf(err, "mount: attach meta loop device for %s", s.Image)
	}
	if err := waitForDevice(ctx, metaDevice, d.pollInterval()); err != nil {
		return "", pkgerrors.Wrapf(err, "mount: wait for meta device %s", metaDevice)
	}
	return metaDevice, nil
}

// mountOverlay composes the final overlay for OverlayRo/OverlayRw/SharedRw
// entries:
// the upper device is mounted onto a private scratch directory, then
// layered with the lowerdirs named in MountData (colon-separated absolute
// paths resolved by the caller).
func (d *Driver) mountOverlay(ctx context.Context, s Spec, upperDevice string) error {
	upperMount := s.TargetPath + ".upper"
	if err := d.mountPlain(ctx, upperMount, upperDevice, s.FSType, s.MountData); err != nil {
		return err
	}
	if err := overlay.EnsureSubvolume(ctx, upperDevice, s.MountData); err != nil {
		return err
	}
	lowers := splitLowerDirs(s.MountData)
	if err := overlay.Mount(ctx, lowers, upperMount, upperMount+".work", s.TargetPath, false); err != nil {
		return err
	}
	return d.finalize(ctx, s.TargetPath, s.shiftsIDs())
}

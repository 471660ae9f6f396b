//go:build linux
// +build linux

package mount

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	pkgerrors "github.com/pkg/errors"
	"go.opencensus.io/trace"
	"golang.org/x/sys/unix"

	"github.com/gyrodfs/cryptvol/internal/image"
	"github.com/gyrodfs/cryptvol/internal/log"
	"github.com/gyrodfs/cryptvol/internal/oc"
	"github.com/gyrodfs/cryptvol/internal/volerr"
)

// test seams
var (
	unixMount   = unix.Mount
	formatImage = image.Format
)

// Spec describes everything MountEntry needs beyond the Entry itself: the
// image paths the image provisioner resolved, the container's identity
// (used to build device-mapper/verity labels), and whether newImage is
// true because the image provisioner just created it.
type Spec struct {
	Entry
	ContainerUUID string
	TargetPath    string // absolute: root + entry.TargetDir
	ImagePath     string
	MetaImagePath string
	HashImagePath string
	NewImage      bool
}

func label(containerUUID, image string) string {
	return fmt.Sprintf("%s-%s", containerUUID, image)
}

// MountEntry performs the full dispatch for a single mount entry: backing
// device selection, optional crypt/integrity stacking, the kernel mount
// itself, and the final MS_REC|MS_PRIVATE + id-shift pass every successful
// plain/bind mount gets.
func (d *Driver) MountEntry(ctx context.Context, s Spec) (err error) {
	ctx, span := oc.StartSpan(ctx, "mount::MountEntry")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(trace.StringAttribute("type", s.Type.String()), trace.StringAttribute("target", s.TargetPath))

	switch s.Type {
	case Flash:
		return nil
	case BindFile, BindFileRw:
		return d.mountBind(ctx, s, false)
	case BindDir, BindDirRw:
		return d.mountBind(ctx, s, true)
	}

	if err := os.MkdirAll(s.TargetPath, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "mount: create target dir %s", s.TargetPath)
	}

	if s.FSType == "tmpfs" {
		if err := unixMount("tmpfs", s.TargetPath, "tmpfs", d.defaultFlags(), s.MountData); err != nil {
			return pkgerrors.Wrapf(err, "mount: tmpfs at %s", s.TargetPath)
		}
		return d.finalize(ctx, s.TargetPath, true)
	}

	device, err := d.backingDevice(ctx, s)
	if err != nil {
		return err
	}

	overlay := s.Type == OverlayRw || s.Type == OverlayRo || s.Type == SharedRw
	if overlay {
		return d.mountOverlay(ctx, s, device)
	}

	if err := d.mountPlain(ctx, s.TargetPath, device, s.FSType, s.MountData); err != nil {
		if errors.Is(err, unix.EINVAL) && s.Type == Empty {
			if ferr := formatImage(ctx, device, s.FSType); ferr != nil {
				return ferr
			}
			if err = d.mountPlain(ctx, s.TargetPath, device, s.FSType, s.MountData); err != nil {
				return err
			}
		} else {
			return err
		}
	}
	return d.finalize(ctx, s.TargetPath, s.shiftsIDs())
}

// shiftsIDs reports whether entry's type needs its mounted tree registered
// for user-namespace id-shifting, matching the shiftids assignments in the
// dispatch this was ported from (Shared, SharedRw, OverlayRw, DeviceRw,
// Empty, Copy, BindDir/BindDirRw all shift; the read-only, single-owner
// forms do not need to since nothing inside them ever changes ownership).
func (e Entry) shiftsIDs() bool {
	switch e.Type {
	case Shared, SharedRw, OverlayRw, DeviceRw, Empty, Copy, BindDir, BindDirRw:
		return true
	default:
		return false
	}
}

func (d *Driver) mountPlain(ctx context.Context, target, device, fsType, mountData string) error {
	flags := d.defaultFlags()
	err := unixMount(device, target, fsType, flags, mountData)
	if err != nil && mountData != "" {
		log.G(ctx).WithError(err).Debug("mount: retrying without mount data")
		err = unixMount(device, target, fsType, flags, "")
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "mount: %s at %s", device, target)
	}
	return nil
}

func (d *Driver) mountBind(ctx context.Context, s Spec, dir bool) (err error) {
	readonly := s.Type == BindFile || s.Type == BindDir
	if dir {
		if err := os.MkdirAll(s.TargetPath, 0o755); err != nil {
			return pkgerrors.Wrapf(err, "mount: create bind target %s", s.TargetPath)
		}
	} else {
		_ = os.MkdirAll(filepath.Dir(s.TargetPath), 0o755)
		f, cerr := os.OpenFile(s.TargetPath, os.O_CREATE, 0o644)
		if cerr != nil {
			return pkgerrors.Wrapf(cerr, "mount: create bind file target %s", s.TargetPath)
		}
		f.Close()
	}

	if err := unixMount(s.BindSourcePath, s.TargetPath, "", unix.MS_BIND, ""); err != nil {
		return pkgerrors.Wrapf(err, "mount: bind %s to %s", s.BindSourcePath, s.TargetPath)
	}
	if readonly {
		if err := unixMount("", s.TargetPath, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
			return pkgerrors.Wrapf(err, "mount: remount bind %s readonly", s.TargetPath)
		}
	}
	return d.finalize(ctx, s.TargetPath, s.shiftsIDs())
}

// finalize applies the MS_REC|MS_PRIVATE pass every successful mount gets
// so its propagation doesn't leak into the host mount namespace, then
// shifts ownership when the entry calls for it.
func (d *Driver) finalize(ctx context.Context, target string, shift bool) error {
	if err := unixMount("", target, "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return pkgerrors.Wrapf(err, "mount: make %s private", target)
	}
	if shift && d.IDShift != nil {
		if err := d.IDShift.Shift(ctx, target); err != nil {
			return volerr.Wrap(err, volerr.MountFailed)
		}
	}
	return nil
}

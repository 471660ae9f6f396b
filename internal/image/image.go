//go:build linux
// +build linux

// Package image provisions backing image files for mount entries: sparse
// empty images, images copied from a shared source, and images copied
// straight from a device. Grounded on the daemon's c_vol_create_image*
// family; the btrfs-specific UUID regeneration step is kept because btrfs
// refuses to mount two filesystems sharing a UUID, which happens routinely
// when an image is duplicated from a template.
package image

import (
	"context"
	"io"
	"os"
	"os/exec"

	"go.opencensus.io/trace"

	"github.com/gyrodfs/cryptvol/internal/oc"
	"github.com/gyrodfs/cryptvol/internal/volerr"
)

// metaSizeFactor is the fraction of an image's data size reserved for its
// dm-integrity metadata device, matching MOUNT_DM_INTEGRITY_META_FACTOR in
// the original daemon.
const metaSizeFactor = 1.0 / 32

// minImageSizeMB is the floor applied to a requested image size.
const minImageSizeMB = 10

// copyBlockSize is the block size used for the block-by-block copies in
// CreateFromCopy/CreateFromDevice.
const copyBlockSize = 512

// Exists reports whether the image file at path has already been created.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// sizeBytes normalizes a requested size in MB, floored at minImageSizeMB.
func sizeBytes(sizeMB int64) int64 {
	if sizeMB < minImageSizeMB {
		sizeMB = minImageSizeMB
	}
	return sizeMB * 1024 * 1024
}

// CreateSparse creates a sparse file of the given logical size at path,
// using ftruncate plus FALLOC_FL_ZERO_RANGE the way the daemon's
// c_vol_create_sparse_file does, so the filesystem doesn't actually back
// the image until something is written to it.
func CreateSparse(ctx context.Context, path string, sizeMB int64) (err error) {
	_, span := oc.StartSpan(ctx, "image::CreateSparse")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(trace.StringAttribute("path", path), trace.Int64Attribute("sizeMB", sizeMB))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return volerr.Wrap(err, volerr.FormatFailed)
	}
	defer f.Close()

	size := sizeBytes(sizeMB)
	if err := f.Truncate(size); err != nil {
		return volerr.Wrap(err, volerr.FormatFailed)
	}
	return zeroRange(f, size)
}

// CreateEmpty creates a sparse data image and, when metaPath is non-empty,
// a correspondingly-sized sparse metadata image for an integrity layer.
func CreateEmpty(ctx context.Context, path, metaPath string, sizeMB int64) error {
	if err := CreateSparse(ctx, path, sizeMB); err != nil {
		return err
	}
	if metaPath == "" {
		return nil
	}
	metaMB := int64(float64(sizeBytes(sizeMB)) * metaSizeFactor / (1024 * 1024))
	if metaMB < 1 {
		metaMB = 1
	}
	return CreateSparse(ctx, metaPath, metaMB)
}

// CreateFromCopy copies srcPath to dstPath block by block and, for btrfs
// images, regenerates the filesystem UUID so the copy doesn't collide with
// its source on mount.
func CreateFromCopy(ctx context.Context, srcPath, dstPath, fsType string) (err error) {
	_, span := oc.StartSpan(ctx, "image::CreateFromCopy")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()

	if err := copyFile(srcPath, dstPath); err != nil {
		return volerr.Wrap(err, volerr.CopyFailed)
	}
	if fsType == "btrfs" {
		return regenBtrfsUUID(ctx, dstPath)
	}
	return nil
}

// CreateFromDevice copies an absolute-path source device's contents into
// dstPath. devPath must be absolute, matching the daemon's guard against
// relative device paths.
func CreateFromDevice(ctx context.Context, devPath, dstPath string) (err error) {
	_, span := oc.StartSpan(ctx, "image::CreateFromDevice")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()

	if len(devPath) == 0 || devPath[0] != '/' {
		return volerr.Wrapf(volerr.CopyFailed, "device path %q must be absolute", devPath)
	}
	if err := copyFile(devPath, dstPath); err != nil {
		return volerr.Wrap(err, volerr.CopyFailed)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, copyBlockSize)
	_, err = io.CopyBuffer(out, in, buf)
	return err
}

func regenBtrfsUUID(ctx context.Context, path string) error {
	cmd := exec.CommandContext(ctx, "btrfstune", "-f", "-u", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return volerr.Wrapf(volerr.UUIDRegenFailed, "btrfstune: %s: %s", err, out)
	}
	return nil
}

// Format runs the appropriate mkfs utility over path.
func Format(ctx context.Context, path, fsType string) error {
	var cmd *exec.Cmd
	switch fsType {
	case "ext4":
		cmd = exec.CommandContext(ctx, "mkfs.ext4", "-F", "-q", path)
	case "btrfs":
		cmd = exec.CommandContext(ctx, "mkfs.btrfs", "-f", path)
	default:
		return volerr.Wrapf(volerr.FormatFailed, "unsupported filesystem type %q", fsType)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return volerr.Wrapf(volerr.FormatFailed, "%s: %s: %s", cmd.Path, err, out)
	}
	return nil
}

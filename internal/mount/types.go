// Package mount drives the per-entry backing/mount logic for a container's
// rootfs composition: choosing a loop or verity-backed device, optionally
// stacking an encrypted/authenticated volume over it, then performing the
// actual kernel mount (plain, bind, or overlay). Ported from the daemon's
// c_vol_mount_image, the single largest dispatch function in that source.
package mount

import "context"

// Type identifies the shape of a mount entry: where its image lives, how
// it is backed, and whether it participates in an overlay.
type Type int

const (
	// Shared is a read-only image owned by the guest OS template, reused
	// across containers.
	Shared Type = iota
	// SharedRw layers a writable tmpfs (or device-backed) upper directory
	// over a Shared image via overlayfs.
	SharedRw
	// OverlayRo is the read-only side of an overlay composed from
	// multiple base images.
	OverlayRo
	// OverlayRw is the writable side of an overlay, backed by its own
	// image.
	OverlayRw
	// Device is a read-only image private to one container.
	Device
	// DeviceRw is a writable image private to one container.
	DeviceRw
	// Empty creates a new, empty image on first use.
	Empty
	// Copy duplicates a source image into a private copy (deprecated in
	// favor of Device/DeviceRw, kept for existing container configs).
	Copy
	// Flash marks an entry whose image is provisioned entirely out of
	// band; the driver never creates or mounts it.
	Flash
	// BindFile bind-mounts a single host file read-only.
	BindFile
	// BindFileRw bind-mounts a single host file read-write.
	BindFileRw
	// BindDir bind-mounts a host directory read-only.
	BindDir
	// BindDirRw bind-mounts a host directory read-write.
	BindDirRw
)

func (t Type) String() string {
	switch t {
	case Shared:
		return "shared"
	case SharedRw:
		return "shared-rw"
	case OverlayRo:
		return "overlay-ro"
	case OverlayRw:
		return "overlay-rw"
	case Device:
		return "device"
	case DeviceRw:
		return "device-rw"
	case Empty:
		return "empty"
	case Copy:
		return "copy"
	case Flash:
		return "flash"
	case BindFile:
		return "bind-file"
	case BindFileRw:
		return "bind-file-rw"
	case BindDir:
		return "bind-dir"
	case BindDirRw:
		return "bind-dir-rw"
	default:
		return "unknown"
	}
}

// Entry describes one mount to perform when assembling a container's
// rootfs. It is an external type the core consumes; guest-OS metadata and
// the container's own configuration are what populate it.
type Entry struct {
	Type            Type
	Image           string
	TargetDir       string
	FSType          string
	MountData       string
	SizeMB          int64
	Encrypted       bool
	VerityRootHash  string
	BindSourcePath  string // host-side source for BindFile*/BindDir*
}

// Set is an ordered sequence of mount entries as declared by guest-OS and
// container configuration, before image paths have been resolved. The
// rootfs assembler resolves each Entry into a Spec (filling in image
// paths and the container's identity) and hands the resulting []Spec to
// Driver.Mount, which walks it forward; Driver.Unmount walks the same
// slice in reverse, matching the layering order entries were mounted in.
type Set []Entry

// LoopAllocator attaches and detaches loop devices over backing image
// files. External collaborator: loop-device allocation itself is out of
// scope for this engine.
type LoopAllocator interface {
	Attach(ctx context.Context, imagePath string, readonly bool) (devicePath string, err error)
	Detach(ctx context.Context, devicePath string) error
}

// VerityBackend opens and closes dm-verity devices over a data/hash image
// pair. External collaborator: verity tree construction and verification
// are out of scope for this engine; it only needs somewhere to mount the
// device this produces.
type VerityBackend interface {
	Open(ctx context.Context, label, dataImage, hashImage, rootHash string, readonly bool) (devicePath string, err error)
	Close(ctx context.Context, label string) error
}

// IDShifter registers a mounted path for user-namespace id-shifting.
// External collaborator.
type IDShifter interface {
	Shift(ctx context.Context, path string) error
}

// KeyProvider returns the container's volume key, if it has one.
type KeyProvider interface {
	ContainerKey(ctx context.Context) (string, error)
}

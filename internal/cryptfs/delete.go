//go:build linux
// +build linux

package cryptfs

import (
	"context"

	"go.opencensus.io/trace"

	"github.com/gyrodfs/cryptvol/internal/dmtarget/dmcrypt"
	"github.com/gyrodfs/cryptvol/internal/dmtarget/integrity"
	"github.com/gyrodfs/cryptvol/internal/log"
	"github.com/gyrodfs/cryptvol/internal/oc"
	"github.com/gyrodfs/cryptvol/internal/volerr"
)

// DeleteVolume removes every device-mapper target created for label by
// SetupVolume under the given mode.
//
// Unlike the daemon this was ported from — whose delete routine returns on
// the first failure and so can leave the integrity device behind if the
// crypt device's removal fails — both layers are always attempted here:
// cleanup must be idempotent and tolerant of partial state, since a caller
// retrying a failed setup needs label to come back completely clean. The
// first error encountered, if any, is returned after both attempts.
func DeleteVolume(ctx context.Context, label string, mode VolumeMode) (err error) {
	ctx, span := oc.StartSpan(ctx, "cryptfs::DeleteVolume")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(trace.StringAttribute("label", label), trace.StringAttribute("mode", mode.String()))

	if mode == NotImplemented {
		return nil
	}
	l, lerr := mode.layout()
	if lerr != nil {
		return lerr
	}

	var first error
	if l.encrypt {
		if derr := dmcrypt.Delete(label); derr != nil && !volerr.Is(derr, volerr.NotFound) {
			log.G(ctx).WithError(derr).Warning("cryptfs: failed to remove crypt device")
			first = derr
		}
	}
	if l.integrity {
		if derr := integrity.Delete(integrityLabel(label)); derr != nil && !volerr.Is(derr, volerr.NotFound) {
			log.G(ctx).WithError(derr).Warning("cryptfs: failed to remove integrity device")
			if first == nil {
				first = derr
			}
		}
	}
	return first
}

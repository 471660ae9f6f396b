//go:build linux
// +build linux

package cryptfs

import (
	"context"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"github.com/gyrodfs/cryptvol/internal/dmioctl"
	"github.com/gyrodfs/cryptvol/internal/dmtarget/dmcrypt"
	"github.com/gyrodfs/cryptvol/internal/dmtarget/integrity"
	"github.com/gyrodfs/cryptvol/internal/log"
	"github.com/gyrodfs/cryptvol/internal/oc"
	"github.com/gyrodfs/cryptvol/internal/volerr"
)

const sectorSize = 512

func integrityLabel(label string) string { return label + "-integrity" }

// SetupVolume builds the device stack requested by mode on top of
// realBlockDevice (and, when the mode needs one, metaBlockDevice), and
// returns the path of the topmost device a caller should mount.
//
// Partial construction is always rolled back: if any step after the first
// fails, every device created so far under label is torn down before the
// error is returned. Key material is zeroized on every exit path, success
// or failure.
func SetupVolume(ctx context.Context, label, realBlockDevice, metaBlockDevice, keyHex string, mode VolumeMode) (_ string, err error) {
	ctx, span := oc.StartSpan(ctx, "cryptfs::SetupVolume")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(trace.StringAttribute("label", label), trace.StringAttribute("mode", mode.String()))

	if label == "" || realBlockDevice == "" {
		return "", volerr.New(volerr.InvalidMode)
	}

	if mode == NotImplemented {
		log.G(ctx).WithField("device", realBlockDevice).
			Warning("cryptfs: volume mode not implemented, returning backing device unprotected")
		return realBlockDevice, nil
	}

	l, err := mode.layout()
	if err != nil {
		return "", err
	}
	if l.integrity && metaBlockDevice == "" {
		return "", volerr.New(volerr.MissingMetaDevice)
	}

	cryptoKey, integrityKey, err := splitKey(ctx, keyHex, l)
	if err != nil {
		return "", err
	}
	defer cryptoKey.Zero()
	defer integrityKey.Zero()

	size, err := dmioctl.BlockDeviceSize(realBlockDevice)
	if err != nil {
		return "", errors.Wrap(err, "cryptfs: stat backing device")
	}
	sectors := size / sectorSize

	var createdIntegrity, createdCrypt bool
	defer func() {
		if err == nil {
			return
		}
		if createdCrypt {
			if derr := dmcrypt.Delete(label); derr != nil {
				log.G(ctx).WithError(derr).Warning("cryptfs: rollback: failed to remove crypt device")
			}
		}
		if createdIntegrity {
			if derr := integrity.Delete(integrityLabel(label)); derr != nil {
				log.G(ctx).WithError(derr).Warning("cryptfs: rollback: failed to remove integrity device")
			}
		}
	}()

	sourceDevice := realBlockDevice
	if l.integrity {
		initialFormat, perr := isFirstUse(metaBlockDevice, sectors)
		if perr != nil {
			return "", perr
		}

		integPath, cerr := integrity.Create(ctx, integrityLabel(label), realBlockDevice, sectors, integrity.Params{
			MetaDevice:      metaBlockDevice,
			Stacked:         l.stacked,
			InternalHashKey: integrityKey,
		})
		if cerr != nil {
			return "", cerr
		}
		createdIntegrity = true
		sourceDevice = integPath

		// When a crypt layer follows, the zero-fill must happen through it
		// (it's the device that actually computes and writes the
		// integrity tags) rather than directly on the integrity device, so
		// that pass is deferred until after crypt creation below.
		if initialFormat && !l.encrypt {
			if zerr := writeZeros(ctx, sourceDevice, size); zerr != nil {
				return "", zerr
			}
		}

		if l.encrypt {
			cryptPath, cerr2 := dmcrypt.Create(ctx, label, sectors, dmcrypt.Params{
				Device:    sourceDevice,
				Key:       cryptoKey,
				Integrity: l.stacked,
			})
			if cerr2 != nil {
				return "", cerr2
			}
			createdCrypt = true

			if initialFormat {
				if zerr := writeZeros(ctx, cryptPath, size); zerr != nil {
					return "", zerr
				}
			}
			return cryptPath, nil
		}
		return sourceDevice, nil
	}

	// encrypt-only, no integrity layer beneath it
	cryptPath, cerr := dmcrypt.Create(ctx, label, sectors, dmcrypt.Params{
		Device: sourceDevice,
		Key:    cryptoKey,
	})
	if cerr != nil {
		return "", cerr
	}
	createdCrypt = true
	return cryptPath, nil
}

// isFirstUse reports whether metaDevice's integrity superblock disagrees
// with the data device's current sector count, which the original treats
// as "never been formatted by dm-integrity" and uses to trigger the
// zero-fill MAC-initialization pass.
func isFirstUse(metaDevice string, sectors int64) (bool, error) {
	provided, err := integrity.ProbeSuperblock(metaDevice)
	if err != nil {
		return false, errors.Wrap(err, "cryptfs: probe integrity superblock")
	}
	return provided != sectors, nil
}

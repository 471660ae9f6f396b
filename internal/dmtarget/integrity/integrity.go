//go:build linux
// +build linux

// Package integrity builds dm-integrity target tables and probes an
// integrity metadata device's superblock to decide whether it has ever been
// formatted.
//
// Two parameter shapes are produced, mirroring the daemon this was ported
// from exactly:
//
//	stacked (journal only, no internal hash — used under a fused AEAD crypt
//	target that authenticates the data itself):
//
//	    <data_dev> 0 32 J 1 meta_device:<meta_dev>
//
//	standalone (internal hmac-sha256, used when no crypt layer sits above
//	it, or when the crypt layer above is plain XTS):
//
//	    <data_dev> 0 32 J 3 meta_device:<meta_dev> internal_hash:hmac(sha256):<hex_key> allow_discards
package integrity

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"github.com/gyrodfs/cryptvol/internal/dmioctl"
	"github.com/gyrodfs/cryptvol/internal/oc"
	"github.com/gyrodfs/cryptvol/internal/secret"
)

// TagSize is the per-sector integrity tag size in bytes used throughout
// this tree.
const TagSize = 32

const superblockTag = "integrt"
const providedDataSectorsOffset = 16

// Params holds what's needed to build an integrity target's parameter
// string.
type Params struct {
	DataDevice string
	MetaDevice string
	// Stacked selects the journal-only form (no internal_hash), used when a
	// fused AEAD crypt target will authenticate the data above this target.
	Stacked bool
	// InternalHashKey is the hmac(sha256) key, required when Stacked is
	// false.
	InternalHashKey secret.Bytes
}

// BuildTable returns the dm-integrity target table params string for the
// given data device length in sectors.
func BuildTable(sectors int64, p Params) (string, error) {
	var extra string
	if p.Stacked {
		extra = fmt.Sprintf("1 meta_device:%s", p.MetaDevice)
	} else {
		if len(p.InternalHashKey) == 0 {
			return "", errors.New("integrity: internal hash key required for standalone target")
		}
		extra = fmt.Sprintf("3 meta_device:%s internal_hash:hmac(sha256):%s allow_discards",
			p.MetaDevice, p.InternalHashKey.Hex())
	}
	return fmt.Sprintf("%s 0 %d J %s", p.DataDevice, TagSize, extra), nil
}

// Create builds and loads the integrity target under the given label,
// returning the resulting /dev/mapper device path.
func Create(ctx context.Context, label string, dataDevice string, sectors int64, p Params) (_ string, err error) {
	ctx, span := oc.StartSpan(ctx, "integrity::Create")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(trace.StringAttribute("label", label))

	p.DataDevice = dataDevice
	params, err := BuildTable(sectors, p)
	if err != nil {
		return "", err
	}
	target := dmioctl.Target{
		Type:           "integrity",
		SectorStart:    0,
		LengthInBlocks: sectors,
		Params:         params,
	}
	return dmioctl.CreateDevice(ctx, label, false, []dmioctl.Target{target})
}

// Delete removes the integrity device with the given label. If the device
// is already gone it returns volerr.NotFound.
func Delete(label string) error {
	return dmioctl.RemoveDevice(label)
}

// ProbeSuperblock reads the provided_data_sectors field of metaDevice's
// integrity superblock. When the superblock's signature tag is absent
// entirely (the device has never been formatted by dm-integrity), it
// returns 0 so the caller's "sectors != providedDataSectors" first-use
// check fires unconditionally, exactly as the original probe does when it
// can't find the tag.
func ProbeSuperblock(metaDevice string) (int64, error) {
	f, err := os.Open(metaDevice)
	if err != nil {
		return 0, errors.Wrap(err, "integrity: open meta device")
	}
	defer f.Close()

	header := make([]byte, providedDataSectorsOffset+8)
	if _, err := f.ReadAt(header, 0); err != nil {
		return 0, errors.Wrap(err, "integrity: read meta device header")
	}
	if string(header[:len(superblockTag)]) != superblockTag {
		return 0, nil
	}
	return int64(binary.LittleEndian.Uint64(header[providedDataSectorsOffset:])), nil
}

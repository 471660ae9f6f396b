//go:build linux
// +build linux

// Package dmcrypt builds dm-crypt target tables for the two crypto
// arrangements this engine supports:
//
//	plain XTS, stacked directly on a block device:
//
//	    aes-xts-plain64 <hex_key> 0 <dev> 0 1 allow_discards
//
//	fused AEAD, stacked on a dm-integrity "journal only" target so the
//	crypt layer itself authenticates every sector via the integrity tag
//	space the layer below reserved for it:
//
//	    capi:authenc(hmac(sha256),xts(aes))-random <hex_key> 0 <dev> 0 1 integrity:32:aead
package dmcrypt

import (
	"context"
	"fmt"

	"go.opencensus.io/trace"

	"github.com/gyrodfs/cryptvol/internal/dmioctl"
	"github.com/gyrodfs/cryptvol/internal/dmtarget/integrity"
	"github.com/gyrodfs/cryptvol/internal/oc"
	"github.com/gyrodfs/cryptvol/internal/secret"
)

// Cipher names for the two supported table shapes.
const (
	CipherPlainXTS   = "aes-xts-plain64"
	CipherAuthencXTS = "capi:authenc(hmac(sha256),xts(aes))-random"
)

// KeyLenPlain and KeyLenAuthenc are the raw key lengths, in bytes, expected
// by each cipher.
const (
	KeyLenPlain   = 64
	KeyLenAuthenc = 96
)

// Params holds what's needed to build a crypt target's parameter string.
type Params struct {
	Device string
	Key    secret.Bytes
	// Integrity selects the fused AEAD form. The orchestrator sets it from
	// the volume mode's "stacked" flag, so it is true only for AuthEnc;
	// IntegrityEncrypt places this target over a standalone integrity
	// device with Integrity false, which builds the plain XTS form.
	Integrity bool
}

// BuildTable returns the dm-crypt target table params string.
func BuildTable(p Params) string {
	cipher := CipherPlainXTS
	extra := "1 allow_discards"
	if p.Integrity {
		cipher = CipherAuthencXTS
		extra = fmt.Sprintf("1 integrity:%d:aead", integrity.TagSize)
	}
	return fmt.Sprintf("%s %s 0 %s 0 %s", cipher, p.Key.Hex(), p.Device, extra)
}

// Create builds and loads the crypt target under the given label, returning
// the resulting /dev/mapper device path.
func Create(ctx context.Context, label string, sectors int64, p Params) (_ string, err error) {
	ctx, span := oc.StartSpan(ctx, "dmcrypt::Create")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(trace.StringAttribute("label", label), trace.BoolAttribute("integrity", p.Integrity))

	target := dmioctl.Target{
		Type:           "crypt",
		SectorStart:    0,
		LengthInBlocks: sectors,
		Params:         BuildTable(p),
	}
	return dmioctl.CreateDevice(ctx, label, false, []dmioctl.Target{target})
}

// Delete removes the crypt device with the given label. If the device is
// already gone it returns volerr.NotFound.
func Delete(label string) error {
	return dmioctl.RemoveDevice(label)
}

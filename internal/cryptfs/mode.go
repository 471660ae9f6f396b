// Package cryptfs assembles and tears down the dm-integrity/dm-crypt
// device stack backing a single encrypted-and/or-authenticated volume. It
// is the Go counterpart of the daemon's cryptfs module: callers hand it a
// block device, an optional metadata device, a hex key and a VolumeMode,
// and get back the path of the topmost device to mount.
package cryptfs

// VolumeMode selects which of the layers (dm-integrity, dm-crypt) are
// assembled and how the supplied key is divided between them.
type VolumeMode int

const (
	// NotImplemented passes the raw block device through untouched. Kept
	// for parity with callers that still reference the mode but have no
	// protection configured; SetupVolume logs a warning and hands back
	// realBlockDevice as-is.
	NotImplemented VolumeMode = iota
	// EncryptOnly stacks a plain XTS dm-crypt target directly on the block
	// device. No integrity layer.
	EncryptOnly
	// AuthEnc stacks a fused AEAD dm-crypt target on a journal-only
	// dm-integrity target, so the crypt layer authenticates every sector
	// using the tag space the integrity layer reserves for it.
	AuthEnc
	// IntegrityEncrypt stacks a plain XTS dm-crypt target on a standalone
	// dm-integrity target (internal hmac-sha256, not fused AEAD).
	IntegrityEncrypt
	// IntegrityOnly exposes a standalone dm-integrity target with no crypt
	// layer above it.
	IntegrityOnly
)

func (m VolumeMode) String() string {
	switch m {
	case NotImplemented:
		return "not-implemented"
	case EncryptOnly:
		return "encrypt-only"
	case AuthEnc:
		return "auth-enc"
	case IntegrityEncrypt:
		return "integrity-encrypt"
	case IntegrityOnly:
		return "integrity-only"
	default:
		return "unknown"
	}
}

// layout describes, for a given VolumeMode, which layers are built and how
// the combined key hex string is divided between them.
type layout struct {
	encrypt    bool
	integrity  bool
	stacked    bool // fused AEAD crypt-over-integrity, see dmcrypt.Params.Integrity
	cryptoLen  int  // bytes
	integLen   int  // bytes
	strictKey  bool // hard-fail on key length mismatch instead of warn-and-proceed
	useAllHex  bool // crypto key consumes the entire decoded key, ignoring cryptoLen
}

func (m VolumeMode) layout() (layout, error) {
	switch m {
	case NotImplemented:
		return layout{}, nil
	case EncryptOnly:
		return layout{encrypt: true, cryptoLen: cryptoKeyLen, useAllHex: true}, nil
	case AuthEnc:
		return layout{encrypt: true, integrity: true, stacked: true, cryptoLen: authencKeyLen, useAllHex: true}, nil
	case IntegrityEncrypt:
		return layout{encrypt: true, integrity: true, cryptoLen: cryptoKeyLen, integLen: integrityKeyLen, strictKey: true}, nil
	case IntegrityOnly:
		return layout{integrity: true, integLen: integrityKeyLen, strictKey: true}, nil
	default:
		return layout{}, errInvalidMode
	}
}

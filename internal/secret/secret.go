// Package secret holds key material that must be scrubbed from memory as
// soon as it is no longer needed, mirroring the explicit zeroize-then-free
// discipline the crypt/integrity key split requires.
package secret

import "encoding/hex"

// Bytes is a byte slice that remembers it may hold key material. Callers
// must call Zero once the bytes are no longer needed, on every exit path
// including error returns.
type Bytes []byte

// FromHex decodes a hex string into a Bytes value.
func FromHex(s string) (Bytes, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return Bytes(b), nil
}

// Zero overwrites the underlying array with zeroes. Safe to call more than
// once and on a nil/empty value.
func (b Bytes) Zero() {
	for i := range b {
		b[i] = 0
	}
}

// Hex returns the hex encoding of b, for building dm-crypt/dm-integrity
// table parameter strings. Does not consume or zero b.
func (b Bytes) Hex() string {
	return hex.EncodeToString(b)
}

// Split divides the combined key hex string into a crypto-key prefix and an
// integrity-key suffix of cryptoLen/integrityLen raw bytes respectively
// (lengths given in raw bytes, not hex characters). Either length may be
// zero. The caller owns and must Zero both returned values independently.
func Split(combined Bytes, cryptoLen, integrityLen int) (crypto, integrity Bytes, err error) {
	if len(combined) < cryptoLen+integrityLen {
		return nil, nil, errShortKey
	}
	if cryptoLen > 0 {
		crypto = make(Bytes, cryptoLen)
		copy(crypto, combined[:cryptoLen])
	}
	if integrityLen > 0 {
		integrity = make(Bytes, integrityLen)
		copy(integrity, combined[cryptoLen:cryptoLen+integrityLen])
	}
	return crypto, integrity, nil
}

var errShortKey = shortKeyError{}

type shortKeyError struct{}

func (shortKeyError) Error() string { return "secret: combined key shorter than requested split" }

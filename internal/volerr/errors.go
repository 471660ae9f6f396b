// Package volerr defines the typed error taxonomy returned by the volume
// provisioning and rootfs composition packages. It follows the wrapped,
// kind-tagged error shape used elsewhere in this tree (see gcserr in the
// package this one was adapted from) but keys errors on abstract Kind
// values instead of Windows HRESULTs.
package volerr

import (
	"errors"
	"fmt"
)

// Kind identifies the class of failure a Error carries.
type Kind int

const (
	Unknown Kind = iota
	InvalidMode
	InvalidKeyLength
	MissingMetaDevice
	MissingKey
	TransportError
	KernelError
	LoopAllocFailed
	LoopReleaseFailed
	MountFailed
	FormatFailed
	CopyFailed
	UUIDRegenFailed
	NotFound
	CleanupWarn
)

func (k Kind) String() string {
	switch k {
	case InvalidMode:
		return "invalid mode"
	case InvalidKeyLength:
		return "invalid key length"
	case MissingMetaDevice:
		return "missing meta device"
	case MissingKey:
		return "missing key"
	case TransportError:
		return "device-mapper transport error"
	case KernelError:
		return "kernel error"
	case LoopAllocFailed:
		return "loop device allocation failed"
	case LoopReleaseFailed:
		return "loop device release failed"
	case MountFailed:
		return "mount failed"
	case FormatFailed:
		return "filesystem format failed"
	case CopyFailed:
		return "image copy failed"
	case UUIDRegenFailed:
		return "filesystem uuid regeneration failed"
	case NotFound:
		return "not found"
	case CleanupWarn:
		return "cleanup warning"
	default:
		return "unknown"
	}
}

type wrappedError struct {
	kind  Kind
	cause error
}

func (e *wrappedError) Error() string {
	if e.cause == nil {
		return e.kind.String()
	}
	return e.kind.String() + ": " + e.cause.Error()
}

func (e *wrappedError) Unwrap() error { return e.cause }

func (e *wrappedError) Kind() Kind { return e.kind }

// New produces a bare error of the given kind.
func New(kind Kind) error {
	return &wrappedError{kind: kind}
}

// Wrap produces a new error of the given kind wrapping cause.
func Wrap(cause error, kind Kind) error {
	if cause == nil {
		return New(kind)
	}
	return &wrappedError{kind: kind, cause: cause}
}

// Wrapf is Wrap with a formatted cause.
func Wrapf(kind Kind, format string, args ...any) error {
	return Wrap(fmt.Errorf(format, args...), kind)
}

// GetKind returns the topmost Kind carried by err's chain, or Unknown if
// none of err's wrapped causes carry one.
func GetKind(err error) Kind {
	type kinder interface{ Kind() Kind }
	var k kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	return Unknown
}

// Is reports whether err's chain carries the given Kind.
func Is(err error, kind Kind) bool {
	return GetKind(err) == kind
}

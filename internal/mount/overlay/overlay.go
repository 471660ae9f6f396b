//go:build linux
// +build linux

// Package overlay composes overlayfs mounts for OverlayRo/OverlayRw/SharedRw
// mount entries: a read-only set of lower directories, plus, for the
// writable variants, an upper/work pair sitting beside them.
package overlay

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"golang.org/x/sys/unix"

	"github.com/gyrodfs/cryptvol/internal/log"
	"github.com/gyrodfs/cryptvol/internal/oc"
)

// test seams
var (
	osMkdirAll  = osMkdirAllImpl
	osRemoveAll = osRemoveAllImpl
	unixMount   = unix.Mount
)

// IDShifter registers a mounted tree for user-namespace id-shifting. It is
// an external collaborator; overlay mounts already land inside an
// id-shifted upper/lower pair so this is a no-op hook for the caller to
// wire in rather than something overlay itself needs to perform.
type IDShifter interface {
	Shift(ctx context.Context, path string) error
}

// Mount creates an overlay mount with basePaths (lower directories, most
// specific first) at target. If upperdirPath/workdirPath are non-empty they
// are created alongside the mount; on failure anything this call created is
// cleaned up.
func Mount(ctx context.Context, basePaths []string, upperdirPath, workdirPath, target string, readonly bool) (err error) {
	ctx, span := oc.StartSpan(ctx, "overlay::Mount")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()

	lowerdir := strings.Join(basePaths, ":")
	span.AddAttributes(
		trace.StringAttribute("lowerdir", lowerdir),
		trace.StringAttribute("upperdirPath", upperdirPath),
		trace.StringAttribute("workdirPath", workdirPath),
		trace.StringAttribute("target", target),
		trace.BoolAttribute("readonly", readonly))

	if target == "" {
		return errors.New("overlay: target must not be empty")
	}
	if readonly && (upperdirPath != "" || workdirPath != "") {
		return errors.Errorf("overlay: upperdirPath %q and workdirPath %q must be empty when readonly", upperdirPath, workdirPath)
	}

	options := []string{"lowerdir=" + lowerdir}
	if upperdirPath != "" {
		if err := osMkdirAll(upperdirPath, 0o755); err != nil {
			return errors.Wrap(err, "overlay: create upperdir")
		}
		defer cleanupOnError(&err, upperdirPath)
		options = append(options, "upperdir="+upperdirPath)
	}
	if workdirPath != "" {
		if err := osMkdirAll(workdirPath, 0o755); err != nil {
			return errors.Wrap(err, "overlay: create workdir")
		}
		defer cleanupOnError(&err, workdirPath)
		options = append(options, "workdir="+workdirPath)
	}
	if err := osMkdirAll(target, 0o755); err != nil {
		return errors.Wrapf(err, "overlay: create target %s", target)
	}
	defer cleanupOnError(&err, target)

	var flags uintptr
	if readonly {
		flags |= unix.MS_RDONLY
	}
	if err := unixMount("overlay", target, "overlay", flags, strings.Join(options, ",")); err != nil {
		return errors.Wrapf(err, "overlay: mount at %s", target)
	}
	log.G(ctx).WithField("target", target).Debug("overlay: mounted")
	return nil
}

func cleanupOnError(err *error, path string) {
	if *err != nil {
		osRemoveAll(path)
	}
}

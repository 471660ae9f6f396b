//go:build linux
// +build linux

package mount

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gyrodfs/cryptvol/internal/cryptfs"
)

func resetMountSeams() {
	unixMount = unix.Mount
	unixUnmount = unix.Unmount
	formatImage = func(ctx context.Context, path, fsType string) error { return nil }
}

type fakeLoop struct {
	attachPath string
	attachErr  error
	detached   []string
}

func (f *fakeLoop) Attach(ctx context.Context, imagePath string, readonly bool) (string, error) {
	if f.attachErr != nil {
		return "", f.attachErr
	}
	return f.attachPath, nil
}

func (f *fakeLoop) Detach(ctx context.Context, devicePath string) error {
	f.detached = append(f.detached, devicePath)
	return nil
}

type fakeShifter struct{ shifted []string }

func (f *fakeShifter) Shift(ctx context.Context, path string) error {
	f.shifted = append(f.shifted, path)
	return nil
}

func TestMountEntryFlashSkipsEntirely(t *testing.T) {
	resetMountSeams()
	defer resetMountSeams()
	unixMount = func(source, target, fstype string, flags uintptr, data string) error {
		t.Fatal("unexpected mount call for flash entry")
		return nil
	}

	d := &Driver{}
	if err := d.MountEntry(context.Background(), Spec{Entry: Entry{Type: Flash}}); err != nil {
		t.Fatal(err)
	}
}

func TestMountEntryEmptyFormatsOnEINVAL(t *testing.T) {
	resetMountSeams()
	defer resetMountSeams()

	mountCalls := 0
	unixMount = func(source, target, fstype string, flags uintptr, data string) error {
		if fstype != "ext4" {
			return nil // the final MS_REC|MS_PRIVATE pass
		}
		mountCalls++
		if mountCalls == 1 {
			return unix.EINVAL
		}
		return nil
	}
	formatted := false
	formatImage = func(ctx context.Context, path, fsType string) error {
		formatted = true
		return nil
	}

	dir := t.TempDir()
	loop := &fakeLoop{attachPath: dir + "/loop0"}
	if err := os.WriteFile(loop.attachPath, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	shifter := &fakeShifter{}
	d := &Driver{Loop: loop, IDShift: shifter, PollInterval: time.Millisecond}

	err := d.MountEntry(context.Background(), Spec{
		Entry:      Entry{Type: Empty, FSType: "ext4"},
		TargetPath: dir + "/target",
		ImagePath:  dir + "/image",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !formatted {
		t.Fatal("expected format to be attempted on EINVAL")
	}
	if mountCalls != 2 {
		t.Fatalf("expected 2 mount attempts, got %d", mountCalls)
	}
	if len(shifter.shifted) != 1 {
		t.Fatalf("expected target to be shifted, got %v", shifter.shifted)
	}
}

func TestShiftsIDsMatchesDispatchTable(t *testing.T) {
	cases := map[Type]bool{
		Shared:     false,
		SharedRw:   true,
		OverlayRo:  false,
		OverlayRw:  true,
		Device:     false,
		DeviceRw:   true,
		Empty:      true,
		Copy:       true,
		Flash:      false,
		BindFile:   false,
		BindFileRw: false,
		BindDir:    true,
		BindDirRw:  true,
	}
	for typ, want := range cases {
		e := Entry{Type: typ}
		if got := e.shiftsIDs(); got != want {
			t.Errorf("Type(%s).shiftsIDs() = %v, want %v", typ, got, want)
		}
	}
}

func TestUnmountEntryToleratesMissingTarget(t *testing.T) {
	resetMountSeams()
	defer resetMountSeams()

	d := &Driver{}
	dir := t.TempDir()
	err := d.UnmountEntry(context.Background(), Spec{
		Entry:      Entry{Type: BindFile},
		TargetPath: dir + "/does-not-exist",
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestUnmountEntryDetachesLoopDevice(t *testing.T) {
	resetMountSeams()
	defer resetMountSeams()
	unixUnmount = func(target string, flags int) error { return nil }

	dir := t.TempDir()
	if err := os.WriteFile(dir+"/target", nil, 0o644); err != nil {
		t.Fatal(err)
	}

	loop := &fakeLoop{}
	d := &Driver{Loop: loop, Mode: cryptfs.NotImplemented}
	err := d.UnmountEntry(context.Background(), Spec{
		Entry:      Entry{Type: Device},
		TargetPath: dir + "/target",
		ImagePath:  dir + "/image",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(loop.detached) != 1 || loop.detached[0] != dir+"/image" {
		t.Fatalf("expected loop device to be detached, got %v", loop.detached)
	}
}

func TestMountRollsBackOnFailure(t *testing.T) {
	resetMountSeams()
	defer resetMountSeams()

	calls := 0
	unixMount = func(source, target, fstype string, flags uintptr, data string) error {
		calls++
		if calls == 2 {
			return errors.New("boom")
		}
		return nil
	}
	unixUnmount = func(target string, flags int) error { return nil }

	dir := t.TempDir()
	if err := os.WriteFile(dir+"/src", nil, 0o644); err != nil {
		t.Fatal(err)
	}

	d := &Driver{}
	specs := []Spec{
		{Entry: Entry{Type: Flash}, TargetPath: dir + "/a"},
		{Entry: Entry{Type: BindFile}, TargetPath: dir + "/b", BindSourcePath: dir + "/src"},
	}

	if err := d.Mount(context.Background(), specs); err == nil {
		t.Fatal("expected mount failure to propagate")
	}
}

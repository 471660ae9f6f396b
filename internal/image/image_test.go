//go:build linux
// +build linux

package image

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestCreateSparseSetsSize(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "data.img")
	if err := CreateSparse(context.Background(), p, 16); err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(p)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != 16*1024*1024 {
		t.Fatalf("got size %d, want %d", fi.Size(), 16*1024*1024)
	}
}

func TestCreateSparseFloorsToMinimum(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "data.img")
	if err := CreateSparse(context.Background(), p, 1); err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(p)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != minImageSizeMB*1024*1024 {
		t.Fatalf("got size %d, want floor of %dMB", fi.Size(), minImageSizeMB)
	}
}

func TestCreateFromDeviceRejectsRelativePath(t *testing.T) {
	dir := t.TempDir()
	if err := CreateFromDevice(context.Background(), "relative/path", filepath.Join(dir, "out.img")); err == nil {
		t.Fatal("expected error for relative device path")
	}
}

func TestCreateEmptyWithMeta(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "data.img")
	meta := filepath.Join(dir, "data.meta.img")
	if err := CreateEmpty(context.Background(), data, meta, 32); err != nil {
		t.Fatal(err)
	}
	if !Exists(data) || !Exists(meta) {
		t.Fatal("expected both data and meta images to exist")
	}
}

//go:build linux
// +build linux

package integrity

import (
	"testing"

	"github.com/gyrodfs/cryptvol/internal/secret"
)

func TestBuildTableStacked(t *testing.T) {
	got, err := BuildTable(2048, Params{
		DataDevice: "/dev/mapper/vol0-crypt",
		MetaDevice: "/dev/loop1",
		Stacked:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "/dev/mapper/vol0-crypt 0 32 J 1 meta_device:/dev/loop1"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBuildTableStandalone(t *testing.T) {
	key, _ := secret.FromHex("aabbccdd")
	got, err := BuildTable(2048, Params{
		DataDevice:      "/dev/loop0",
		MetaDevice:      "/dev/loop1",
		Stacked:         false,
		InternalHashKey: key,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "/dev/loop0 0 32 J 3 meta_device:/dev/loop1 internal_hash:hmac(sha256):aabbccdd allow_discards"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBuildTableStandaloneRequiresKey(t *testing.T) {
	_, err := BuildTable(2048, Params{
		DataDevice: "/dev/loop0",
		MetaDevice: "/dev/loop1",
	})
	if err == nil {
		t.Fatal("expected error for missing internal hash key")
	}
}

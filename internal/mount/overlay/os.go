//go:build linux
// +build linux

package overlay

import "os"

func osMkdirAllImpl(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }
func osRemoveAllImpl(path string) error                  { return os.RemoveAll(path) }

//go:build linux
// +build linux

package mount

import "os"

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

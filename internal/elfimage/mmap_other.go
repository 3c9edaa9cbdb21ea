//go:build !linux

package elfimage

import (
	"fmt"
	"os"
)

// mmapFile falls back to a plain read on non-Linux hosts. bintail only
// ever targets Linux x86-64 binaries (spec.md Non-goals), so this path
// exists purely so the module builds as a library/tests run on any GOOS.
func mmapFile(path string) ([]byte, func(), error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return data, func() {}, nil
}

func fsyncAndChmod(f *os.File, srcPerm os.FileMode) error {
	if err := f.Chmod(srcPerm); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}
	return f.Sync()
}

//go:build linux

package elfimage

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mmapFile opens path read-only and maps it into memory with mmap(2),
// avoiding a full-file copy for potentially large executables — the
// same direct golang.org/x/sys/unix usage the teacher relies on in
// filewatcher_unix.go for low-level Linux syscalls. The returned closer
// unmaps the region and closes the descriptor.
func mmapFile(path string) ([]byte, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	size := info.Size()
	if size == 0 {
		f.Close()
		return nil, nil, fmt.Errorf("empty file")
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("mmap: %w", err)
	}

	closer := func() {
		unix.Munmap(data)
		f.Close()
	}
	return data, closer, nil
}

// fsyncAndChmod durably flushes f and propagates the executable bit from
// the input file's mode to the freshly-written output, matching a
// multiverse-tailored binary's need to remain runnable.
func fsyncAndChmod(f *os.File, srcPerm os.FileMode) error {
	if err := unix.Fchmod(int(f.Fd()), uint32(srcPerm)); err != nil {
		return fmt.Errorf("fchmod: %w", err)
	}
	if err := unix.Fsync(int(f.Fd())); err != nil {
		return fmt.Errorf("fsync: %w", err)
	}
	return nil
}

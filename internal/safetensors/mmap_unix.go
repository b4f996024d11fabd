//go:build unix

package safetensors

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/emberml/ember/internal/fault"
)

// mapFile maps path read-only. Container payloads are sliced straight out of
// the mapping, so decoding never copies the raw bytes twice. Falls back to a
// plain read when mmap is unavailable (e.g. some filesystems).
func mapFile(path string) ([]byte, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	size64 := stat.Size()
	if size64 > int64(int(^uint(0)>>1)) {
		return nil, nil, fault.Formatf(path, "file too large to map")
	}
	size := int(size64)
	if size == 0 {
		return nil, nil, fault.Formatf(path, "file too small (0 bytes)")
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return readFile(path)
	}
	return data, func() error { return unix.Munmap(data) }, nil
}

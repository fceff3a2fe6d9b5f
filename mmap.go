package btable

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// PageAllocator supplies the physical chunks backing a table's
// partitions. Free is handed the exact slice Alloc returned; len(mem)
// is the size it was allocated with.
type PageAllocator interface {
	Alloc(size uint32) ([]byte, error)
	Free(mem []byte) error
}

// MmapAllocator backs chunks with anonymous memory maps. The kernel
// hands the pages back zeroed, and regions well past the heap's
// contiguous-allocation comfort zone cost nothing until touched.
type MmapAllocator struct{}

func (MmapAllocator) Alloc(size uint32) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrap(err, "mmap failed")
	}
	return mem, nil
}

func (MmapAllocator) Free(mem []byte) error {
	return errors.Wrap(unix.Munmap(mem), "munmap failed")
}

// HeapAllocator backs chunks with ordinary garbage-collected slices.
// Useful where mmap is unavailable or unwanted; Free only drops the
// reference.
type HeapAllocator struct{}

func (HeapAllocator) Alloc(size uint32) ([]byte, error) {
	return make([]byte, size), nil
}

func (HeapAllocator) Free(mem []byte) error {
	return nil
}

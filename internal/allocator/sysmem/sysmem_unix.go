//go:build unix

package sysmem

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// defaultSource serves pages via anonymous mmap, matching the reserve-
// commit-release shape of the spec's OS primitive: allocate reserves and
// commits in one call (MAP_ANON|MAP_PRIVATE already touches physical pages
// lazily under Linux/BSD overcommit), deallocate releases the entire
// mapping.
type defaultSource struct{}

func (defaultSource) Info() (Info, error) {
	return Info{PageSize: os.Getpagesize()}, nil
}

func (defaultSource) Allocate(size int) (uintptr, error) {
	if size <= 0 {
		return 0, fmt.Errorf("sysmem: allocate size must be positive, got %d", size)
	}

	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, &ErrAllocationFailed{Size: size, Err: err}
	}

	return uintptr(unsafe.Pointer(unsafe.SliceData(b))), nil
}

func (defaultSource) Deallocate(ptr uintptr, size int) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), size)
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("sysmem: munmap %d bytes at %#x: %w", size, ptr, err)
	}

	return nil
}

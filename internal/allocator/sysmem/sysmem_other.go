//go:build !unix

package sysmem

import (
	"fmt"
	"sync"
	"unsafe"
)

// registry keeps the over-allocated backing slices alive (and out of the
// GC's "this range is unused" radar) for the lifetime of the mapping; the
// allocator only ever hands out the aligned sub-slice address.
var (
	registryMu sync.Mutex
	registry   = make(map[uintptr][]byte)
)

// defaultSource serves page-aligned memory from Go's own allocator on
// platforms without mmap/munmap. It over-allocates to guarantee alignment
// and leaks the misalignment slack (the backing array is reclaimed by the Go
// GC only after Deallocate drops it from the registry — this fallback exists
// only to keep the module buildable everywhere, not as a production page
// source).
type defaultSource struct{}

const fallbackPageSize = 4096

func (defaultSource) Info() (Info, error) {
	return Info{PageSize: fallbackPageSize}, nil
}

func (defaultSource) Allocate(size int) (uintptr, error) {
	if size <= 0 {
		return 0, fmt.Errorf("sysmem: allocate size must be positive, got %d", size)
	}

	buf := make([]byte, size+fallbackPageSize)
	base := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	aligned := (base + fallbackPageSize - 1) &^ (fallbackPageSize - 1)

	registryMu.Lock()
	registry[aligned] = buf
	registryMu.Unlock()

	return aligned, nil
}

func (defaultSource) Deallocate(ptr uintptr, _ int) error {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, ok := registry[ptr]; !ok {
		return fmt.Errorf("sysmem: deallocate: unknown mapping at %#x", ptr)
	}

	delete(registry, ptr)

	return nil
}

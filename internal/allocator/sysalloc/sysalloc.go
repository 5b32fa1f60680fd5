// Package sysalloc is a trivial adapter over the OS page primitive,
// exposing allocate/deallocate/reallocate with memcpy-based grow, plus the
// configuration-traits base (page size, pool sizes) shared by the page and
// pool allocator configs.
package sysalloc

import (
	"unsafe"

	"github.com/orizon-lang/galloc/internal/allocator/sysmem"
)

// Traits are the page/pool-size compile-time defaults shared across tiers.
type Traits struct {
	PageSize       uintptr
	BlockPoolSize  uintptr
	SysmemPoolSize uintptr
}

// DefaultTraits returns the spec's documented defaults.
func DefaultTraits() Traits {
	return Traits{PageSize: 4096, BlockPoolSize: 4096, SysmemPoolSize: 4096}
}

// Adapter serves allocate/deallocate/reallocate directly over an
// sysmem.Source, with no pooling or coalescing of its own.
type Adapter struct {
	traits Traits
	source sysmem.Source
}

// New returns an adapter over source, resolving PageSize from the OS when
// traits.PageSize is zero.
func New(traits Traits, source sysmem.Source) (*Adapter, error) {
	if traits.PageSize == 0 {
		info, err := source.Info()
		if err != nil {
			return nil, err
		}

		traits.PageSize = uintptr(info.PageSize)
	}

	return &Adapter{traits: traits, source: source}, nil
}

// Traits returns the adapter's resolved configuration traits.
func (a *Adapter) Traits() Traits { return a.traits }

// Allocate requests size bytes directly from the OS primitive.
func (a *Adapter) Allocate(size uintptr) (uintptr, error) {
	return a.source.Allocate(int(size))
}

// Deallocate releases a mapping obtained from Allocate.
func (a *Adapter) Deallocate(ptr, size uintptr) error {
	return a.source.Deallocate(ptr, int(size))
}

// Reallocate grows or shrinks a mapping by allocating fresh, copying
// min(old,new) bytes, and releasing the old mapping.
func (a *Adapter) Reallocate(ptr, oldSize, newSize uintptr) (uintptr, error) {
	if oldSize == newSize {
		return ptr, nil
	}

	newPtr, err := a.source.Allocate(int(newSize))
	if err != nil {
		return 0, err
	}

	n := oldSize
	if newSize < n {
		n = newSize
	}

	if n > 0 {
		dst := unsafe.Slice((*byte)(unsafe.Pointer(newPtr)), n)
		src := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n)
		copy(dst, src)
	}

	if err := a.source.Deallocate(ptr, int(oldSize)); err != nil {
		return 0, err
	}

	return newPtr, nil
}

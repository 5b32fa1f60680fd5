package poolalloc

import (
	"testing"
	"unsafe"

	"github.com/orizon-lang/galloc/internal/allocator/pagealloc"
	"github.com/orizon-lang/galloc/internal/allocator/sysmem"
)

type fakeSource struct {
	pageSize int
	arena    []byte
	next     uintptr
}

func newFakeSource(pageSize, arenaSize int) *fakeSource {
	arena := make([]byte, arenaSize+pageSize)
	base := uintptr(unsafe.Pointer(unsafe.SliceData(arena)))
	aligned := (base + uintptr(pageSize) - 1) &^ (uintptr(pageSize) - 1)

	return &fakeSource{pageSize: pageSize, arena: arena, next: aligned}
}

func (f *fakeSource) Info() (sysmem.Info, error) { return sysmem.Info{PageSize: f.pageSize}, nil }

func (f *fakeSource) Allocate(size int) (uintptr, error) {
	ptr := f.next
	f.next += uintptr(size)

	return ptr, nil
}

func (f *fakeSource) Deallocate(uintptr, int) error { return nil }

func newTestAllocator() (*Allocator, *pagealloc.Allocator) {
	src := newFakeSource(4096, 8<<20)
	pages := pagealloc.New(pagealloc.Config{
		PageSize: 4096, BlockPoolSize: 4096, SysmemPoolSize: 4096, MinBlockSize: 4096, MergeCoef: 4,
	}, src)

	return New(DefaultConfig(), pages), pages
}

func TestMallocZeroReturnsStableSentinel(t *testing.T) {
	a, _ := newTestAllocator()

	p1 := a.Malloc(0)
	p2 := a.Malloc(0)

	if p1 == 0 || p1 != p2 {
		t.Fatalf("Malloc(0) = %#x, %#x, want equal non-zero sentinels", p1, p2)
	}

	a.Free(p1) // freeing the sentinel must be a safe no-op
}

func TestMallocByteRoundTrip(t *testing.T) {
	a, _ := newTestAllocator()

	ptrs := make([]uintptr, 0, 16)
	for i := 0; i < 16; i++ {
		p := a.Malloc(1)
		if p == 0 {
			t.Fatalf("Malloc(1) failed at i=%d", i)
		}

		*(*byte)(unsafe.Pointer(p)) = byte(i)
		ptrs = append(ptrs, p)
	}

	for i, p := range ptrs {
		if got := *(*byte)(unsafe.Pointer(p)); got != byte(i) {
			t.Fatalf("byte slot %d = %d, want %d", i, got, i)
		}
	}

	for _, p := range ptrs {
		a.Free(p)
	}

	if a.DebugLiveCount() != 0 {
		t.Fatalf("DebugLiveCount() = %d, want 0 after freeing every byte", a.DebugLiveCount())
	}
}

func TestMallocPow2ClassRoundTrip(t *testing.T) {
	a, _ := newTestAllocator()

	const n = 64
	ptrs := make([]uintptr, 0, n)

	for i := 0; i < n; i++ {
		p := a.Malloc(32)
		if p == 0 {
			t.Fatalf("Malloc(32) failed at i=%d", i)
		}

		buf := unsafe.Slice((*byte)(unsafe.Pointer(p)), 32)
		for j := range buf {
			buf[j] = byte(i)
		}

		ptrs = append(ptrs, p)
	}

	if a.DebugLiveCount() != n {
		t.Fatalf("DebugLiveCount() = %d, want %d", a.DebugLiveCount(), n)
	}

	for i, p := range ptrs {
		buf := unsafe.Slice((*byte)(unsafe.Pointer(p)), 32)
		for j, b := range buf {
			if b != byte(i) {
				t.Fatalf("ptrs[%d][%d] = %d, want %d", i, j, b, i)
			}
		}
	}

	for _, p := range ptrs {
		a.Free(p)
	}

	if a.DebugLiveCount() != 0 {
		t.Fatalf("DebugLiveCount() = %d, want 0 after freeing every chunk", a.DebugLiveCount())
	}
}

func TestFreeDestroysPoolWhenDrained(t *testing.T) {
	a, pages := newTestAllocator()

	free0 := len(pages.DebugFreeBlocks())

	p := a.Malloc(64)
	a.Free(p)

	if got := len(pages.DebugFreeBlocks()); got <= free0 {
		t.Fatalf("draining the only chunk in a pool should return its slab to the page tier (free blocks before=%d after=%d)", free0, got)
	}
}

func TestMallocRawLargeAllocation(t *testing.T) {
	a, _ := newTestAllocator()

	size := uintptr(1) << 20
	p := a.Malloc(size)
	if p == 0 {
		t.Fatalf("Malloc(%d) failed", size)
	}

	buf := unsafe.Slice((*byte)(unsafe.Pointer(p)), size)
	buf[0] = 1
	buf[size-1] = 2

	a.Free(p)

	if a.DebugLiveCount() != 0 {
		t.Fatalf("DebugLiveCount() = %d, want 0", a.DebugLiveCount())
	}
}

func TestReallocSameClassIsNoop(t *testing.T) {
	a, _ := newTestAllocator()

	p := a.Malloc(64)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(p)), 64)
	buf[0] = 7

	grown := a.Realloc(p, 60) // still within the 64-byte pow2 class
	if grown != p {
		t.Fatalf("Realloc() within the same size class moved the pointer: %#x -> %#x", p, grown)
	}

	a.Free(grown)
}

func TestReallocAcrossClassesCopiesData(t *testing.T) {
	a, _ := newTestAllocator()

	p := a.Malloc(16)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(p)), 16)
	for i := range buf {
		buf[i] = byte(i + 1)
	}

	grown := a.Realloc(p, 2048)
	if grown == 0 {
		t.Fatalf("Realloc() to a larger class failed")
	}

	newBuf := unsafe.Slice((*byte)(unsafe.Pointer(grown)), 16)
	for i, b := range newBuf {
		if b != byte(i+1) {
			t.Fatalf("Realloc() lost data at byte %d: got %d, want %d", i, b, i+1)
		}
	}

	a.Free(grown)
}

func TestFreeUnknownPointerAborts(t *testing.T) {
	a, _ := newTestAllocator()

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("Free() of an unknown pointer should panic with an InvariantError")
		}
	}()

	a.Free(0xdeadbeef)
}

func TestAdoptMergesLiveAllocations(t *testing.T) {
	src := newFakeSource(4096, 8<<20)
	pages := pagealloc.New(pagealloc.Config{
		PageSize: 4096, BlockPoolSize: 4096, SysmemPoolSize: 4096, MinBlockSize: 4096, MergeCoef: 4,
	}, src)

	a := New(DefaultConfig(), pages)
	b := New(DefaultConfig(), pages)

	pa := a.Malloc(32)
	pb := b.Malloc(32)

	a.Adopt(b)

	if a.DebugLiveCount() != 2 {
		t.Fatalf("DebugLiveCount() = %d after Adopt, want 2", a.DebugLiveCount())
	}

	if b.DebugLiveCount() != 0 {
		t.Fatalf("other allocator's DebugLiveCount() = %d after Adopt, want 0", b.DebugLiveCount())
	}

	a.Free(pa)
	a.Free(pb)

	if a.DebugLiveCount() != 0 {
		t.Fatalf("DebugLiveCount() = %d after freeing both, want 0", a.DebugLiveCount())
	}
}

package allocator

import (
	"testing"
	"unsafe"
)

func newTestHeap(options ...Option) *Heap {
	opts := append([]Option{
		WithPageSize(4096),
		WithBlockPoolSize(4096),
		WithSysmemPoolSize(4096),
		WithMinBlockSize(4096),
	}, options...)

	return New(opts...)
}

func TestMallocFreeRoundTrip(t *testing.T) {
	h := newTestHeap()

	ptr := h.Malloc(128)
	if ptr == 0 {
		t.Fatalf("Malloc() = 0")
	}

	buf := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), 128)
	for i := range buf {
		buf[i] = byte(i)
	}

	stats := h.Stats()
	if stats.LiveAllocations != 1 {
		t.Fatalf("Stats().LiveAllocations = %d, want 1", stats.LiveAllocations)
	}

	h.Free(ptr)

	if got := h.Stats().LiveAllocations; got != 0 {
		t.Fatalf("Stats().LiveAllocations = %d after Free, want 0", got)
	}
}

func TestFreeZeroIsNoop(t *testing.T) {
	h := newTestHeap()
	h.Free(0) // must not panic
}

func TestReallocPreservesData(t *testing.T) {
	h := newTestHeap()

	ptr := h.Malloc(64)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), 64)
	for i := range buf {
		buf[i] = byte(i + 1)
	}

	grown := h.Realloc(ptr, 4096)
	if grown == 0 {
		t.Fatalf("Realloc() failed")
	}

	newBuf := unsafe.Slice((*byte)(unsafe.Pointer(grown)), 64)
	for i, b := range newBuf {
		if b != byte(i+1) {
			t.Fatalf("Realloc() lost data at byte %d: got %d, want %d", i, b, i+1)
		}
	}

	h.Free(grown)
}

func TestReleaseMemReturnsFreedPages(t *testing.T) {
	h := newTestHeap()

	ptr := h.Malloc(1 << 20) // large enough to route through the raw bin tier
	h.Free(ptr)

	before := h.Stats()
	h.ReleaseMem()
	after := h.Stats()

	if after.SysmemRanges >= before.SysmemRanges {
		t.Fatalf("ReleaseMem() did not shrink sysmem ranges: before=%d after=%d",
			before.SysmemRanges, after.SysmemRanges)
	}
}

func TestAdoptMergesTwoHeaps(t *testing.T) {
	a := newTestHeap()
	b := newTestHeap()

	pa := a.Malloc(64)
	pb := b.Malloc(64)

	a.Adopt(b)

	if got := a.Stats().LiveAllocations; got != 2 {
		t.Fatalf("Stats().LiveAllocations = %d after Adopt, want 2", got)
	}

	if got := b.Stats().LiveAllocations; got != 0 {
		t.Fatalf("other heap's LiveAllocations = %d after Adopt, want 0", got)
	}

	a.Free(pa)
	a.Free(pb)
}

func TestCachedLayerServesFromCache(t *testing.T) {
	h := newTestHeap(WithCache(true), WithCacheSlots(4), WithCacheSlotRange(4096, 1<<20))

	big := uintptr(1) << 20
	ptr := h.Malloc(big)
	if ptr == 0 {
		t.Fatalf("Malloc() failed")
	}

	h.Free(ptr)

	reused := h.Malloc(big)
	if reused == 0 {
		t.Fatalf("Malloc() after Free() failed")
	}

	h.Free(reused)
	h.FlushCache()
}

func TestGlobalHeapConvenienceFunctions(t *testing.T) {
	if err := Initialize(WithPageSize(4096), WithMinBlockSize(4096)); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	ptr := Alloc(256)
	if ptr == 0 {
		t.Fatalf("Alloc() = 0")
	}

	if got := GetStats().LiveAllocations; got != 1 {
		t.Fatalf("GetStats().LiveAllocations = %d, want 1", got)
	}

	moved := Realloc(ptr, 8192)
	if moved == 0 {
		t.Fatalf("Realloc() failed")
	}

	Free(moved)

	if got := GetStats().LiveAllocations; got != 0 {
		t.Fatalf("GetStats().LiveAllocations = %d after Free, want 0", got)
	}
}

package sysmem

import (
	"testing"
	"unsafe"
)

func TestDefaultInfo(t *testing.T) {
	info, err := Default.Info()
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}

	if info.PageSize <= 0 {
		t.Fatalf("PageSize = %d, want > 0", info.PageSize)
	}
}

func TestAllocateIsPageAligned(t *testing.T) {
	info, err := Default.Info()
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}

	ptr, err := Default.Allocate(info.PageSize * 4)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}

	if ptr%uintptr(info.PageSize) != 0 {
		t.Fatalf("Allocate() returned unaligned pointer %#x", ptr)
	}

	if err := Default.Deallocate(ptr, info.PageSize*4); err != nil {
		t.Fatalf("Deallocate() error = %v", err)
	}
}

func TestAllocateWriteRoundTrip(t *testing.T) {
	info, _ := Default.Info()
	size := info.PageSize * 2

	ptr, err := Default.Allocate(size)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	defer Default.Deallocate(ptr, size)

	buf := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), size)
	for i := range buf {
		buf[i] = byte(i)
	}

	for i := range buf {
		if buf[i] != byte(i) {
			t.Fatalf("buf[%d] = %d, want %d", i, buf[i], byte(i))
		}
	}
}

func TestAllocateZeroSizeErrors(t *testing.T) {
	if _, err := Default.Allocate(0); err == nil {
		t.Fatalf("Allocate(0) did not error")
	}
}

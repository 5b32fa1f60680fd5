// Package pagealloc implements the page allocator: a coalescing free-range
// manager over page-aligned slabs obtained from the OS page primitive
// (sysmem). It is the substrate the pool allocator carves chunks out of.
package pagealloc

import (
	"errors"
	"fmt"
	"sort"
	"unsafe"

	"github.com/orizon-lang/galloc/internal/allocator/descpool"
	"github.com/orizon-lang/galloc/internal/allocator/rbtree"
	"github.com/orizon-lang/galloc/internal/allocator/sysalloc"
	"github.com/orizon-lang/galloc/internal/allocator/sysmem"
)

// ErrDescriptorExhaustion is wrapped into an InvariantError when a
// free-block or sysmem descriptor cannot be obtained during deallocate —
// deallocation must not fail silently.
var ErrDescriptorExhaustion = errors.New("pagealloc: descriptor pool exhausted")

// InvariantError reports a corrupted-heap condition. The allocator never
// recovers from one; callers are expected to let it propagate and crash,
// matching the spec's abort policy for invariant violations.
type InvariantError struct {
	Op  string
	Err error
}

func (e *InvariantError) Error() string { return fmt.Sprintf("pagealloc: %s: %v", e.Op, e.Err) }
func (e *InvariantError) Unwrap() error { return e.Err }

func abort(op string, err error) {
	panic(&InvariantError{Op: op, Err: err})
}

func addrCmp(a, b uintptr) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func alignUp(n, align uintptr) uintptr {
	if align == 0 {
		return n
	}

	return (n + align - 1) &^ (align - 1)
}

type freeBlock struct {
	data uintptr
	size uintptr

	addrNode *rbtree.Node[uintptr, *freeBlock]
	sizeNode *rbtree.Node[uintptr, *freeBlock]

	poolOwner *descpool.Pool[freeBlock]
	poolOff   uint16
}

type sysmemDescr struct {
	data      uintptr
	size      uintptr
	allocated uintptr

	addrNode *rbtree.Node[uintptr, *sysmemDescr]

	poolOwner *descpool.Pool[sysmemDescr]
	poolOff   uint16
}

// Config mirrors the spec's compile-time allocator traits relevant to the
// page tier.
type Config struct {
	PageSize       uintptr
	BlockPoolSize  uintptr
	SysmemPoolSize uintptr
	MinBlockSize   uintptr
	MergeCoef      uintptr
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		PageSize:       4096,
		BlockPoolSize:  4096,
		SysmemPoolSize: 4096,
		MinBlockSize:   1 << 20,
		MergeCoef:      4,
	}
}

// Allocator is one page-allocator instance: a free-block index, a sysmem
// range index, and the descriptor pools backing both.
type Allocator struct {
	cfg    Config
	source *sysalloc.Adapter

	addrIndex     *rbtree.Tree[uintptr, *freeBlock]
	sizeIndex     *rbtree.Tree[uintptr, *freeBlock]
	freeBlockPool *descpool.Set[freeBlock]

	sysmemIndex *rbtree.Tree[uintptr, *sysmemDescr]
	sysmemPool  *descpool.Set[sysmemDescr]
}

// New returns an empty page allocator drawing substrate from source, via the
// sysalloc adapter (pagealloc never talks to the OS primitive directly).
func New(cfg Config, source sysmem.Source) *Allocator {
	adapter, err := sysalloc.New(sysalloc.Traits{
		PageSize:       cfg.PageSize,
		BlockPoolSize:  cfg.BlockPoolSize,
		SysmemPoolSize: cfg.SysmemPoolSize,
	}, source)
	if err != nil {
		abort("resolve page size", err)
	}

	return &Allocator{
		cfg:           cfg,
		source:        adapter,
		addrIndex:     rbtree.New[uintptr, *freeBlock](addrCmp),
		sizeIndex:     rbtree.New[uintptr, *freeBlock](addrCmp),
		freeBlockPool: descpool.NewSet[freeBlock](),
		sysmemIndex:   rbtree.New[uintptr, *sysmemDescr](addrCmp),
		sysmemPool:    descpool.NewSet[sysmemDescr](),
	}
}

// PageSize returns the allocator's effective page size.
func (a *Allocator) PageSize() uintptr { return a.cfg.PageSize }

// newDescrSlab sources a fresh, page-aligned slab straight from the OS page
// primitive — descriptor pools sit below the page allocator's own free-map
// bookkeeping, so they cannot draw substrate through a.Allocate without
// risking unbounded recursion during extension.
func (a *Allocator) newDescrSlab(size uintptr) uintptr {
	ptr, err := a.source.Allocate(size)
	if err != nil {
		abort("allocate descriptor pool slab", err)
	}

	return ptr
}

func (a *Allocator) newFreeBlock() *freeBlock {
	slot, owner, off, ok := a.freeBlockPool.Acquire()
	if !ok {
		slab := a.newDescrSlab(a.cfg.BlockPoolSize)
		a.freeBlockPool.CreatePool(slab, a.cfg.BlockPoolSize)

		slot, owner, off, ok = a.freeBlockPool.Acquire()
		if !ok {
			abort("allocate free-block descriptor", ErrDescriptorExhaustion)
		}
	}

	slot.poolOwner, slot.poolOff = owner, off

	return slot
}

func (a *Allocator) releaseFreeBlock(fb *freeBlock) {
	empty, ok := a.freeBlockPool.Release(fb.poolOwner, fb.poolOff)
	if ok {
		a.freeBlockPool.FinishRelease(empty)

		slab, size := empty.Slab()
		if err := a.source.Deallocate(slab, size); err != nil {
			abort("release free-block descriptor pool", err)
		}
	}
}

func (a *Allocator) newSysmemDescr() *sysmemDescr {
	slot, owner, off, ok := a.sysmemPool.Acquire()
	if !ok {
		slab := a.newDescrSlab(a.cfg.SysmemPoolSize)
		a.sysmemPool.CreatePool(slab, a.cfg.SysmemPoolSize)

		slot, owner, off, ok = a.sysmemPool.Acquire()
		if !ok {
			abort("allocate sysmem descriptor", ErrDescriptorExhaustion)
		}
	}

	slot.poolOwner, slot.poolOff = owner, off

	return slot
}

func (a *Allocator) releaseSysmemDescr(sd *sysmemDescr) {
	empty, ok := a.sysmemPool.Release(sd.poolOwner, sd.poolOff)
	if ok {
		a.sysmemPool.FinishRelease(empty)

		slab, size := empty.Slab()
		if err := a.source.Deallocate(slab, size); err != nil {
			abort("release sysmem descriptor pool", err)
		}
	}
}

func (a *Allocator) removeFromSize(fb *freeBlock) {
	a.sizeIndex.Remove(fb.sizeNode)
	fb.sizeNode = nil
}

// coalesceInfo performs the single rb-tree pass that yields both the
// lower-bound node (first free block with start >= ptr) and its predecessor
// — the at-most-two coalescing neighbors for a new range starting at ptr.
func (a *Allocator) coalesceInfo(ptr uintptr) (lb, pred *rbtree.Node[uintptr, *freeBlock]) {
	lb = a.addrIndex.LowerBound(ptr)
	if lb != nil {
		pred = a.addrIndex.Predecessor(lb)
	} else {
		pred = a.addrIndex.Max()
	}

	return lb, pred
}

// insertFree inserts [ptr, ptr+size) as a free range, coalescing with at
// most one left and one right neighbor. Overlap with an existing free block
// indicates a double free and aborts.
func (a *Allocator) insertFree(ptr, size uintptr) {
	lb, pred := a.coalesceInfo(ptr)
	end := ptr + size

	if lb != nil && lb.Value.data < end {
		abort("insert free block", fmt.Errorf("overlaps existing free block at %#x", lb.Value.data))
	}

	if pred != nil && pred.Value.data+pred.Value.size > ptr {
		abort("insert free block", fmt.Errorf("overlaps existing free block at %#x", pred.Value.data))
	}

	mergeLeft := pred != nil && pred.Value.data+pred.Value.size == ptr
	mergeRight := lb != nil && lb.Value.data == end

	switch {
	case mergeLeft && mergeRight:
		left, right := pred.Value, lb.Value
		a.removeFromSize(left)
		a.removeFromSize(right)
		a.addrIndex.Remove(right.addrNode)
		left.size += size + right.size
		left.sizeNode = a.sizeIndex.Insert(left.size, left)
		a.releaseFreeBlock(right)
	case mergeLeft:
		left := pred.Value
		a.removeFromSize(left)
		left.size += size
		left.sizeNode = a.sizeIndex.Insert(left.size, left)
	case mergeRight:
		right := lb.Value
		a.removeFromSize(right)
		a.addrIndex.Remove(right.addrNode)
		right.data = ptr
		right.size += size
		right.addrNode = a.addrIndex.Insert(right.data, right)
		right.sizeNode = a.sizeIndex.Insert(right.size, right)
	default:
		fb := a.newFreeBlock()
		fb.data, fb.size = ptr, size
		fb.addrNode = a.addrIndex.Insert(ptr, fb)
		fb.sizeNode = a.sizeIndex.Insert(size, fb)
	}
}

// bite shrinks a free block's left edge by n bytes, charging those bytes to
// the overlapping sysmem ranges, and returns the removed prefix address.
func (a *Allocator) bite(fb *freeBlock, n uintptr) uintptr {
	a.chargeSysmem(fb.data, n)

	ptr := fb.data
	if fb.size == n {
		a.addrIndex.Remove(fb.addrNode)
		a.removeFromSize(fb)
		a.releaseFreeBlock(fb)
	} else {
		a.addrIndex.Remove(fb.addrNode)
		a.removeFromSize(fb)
		fb.data += n
		fb.size -= n
		fb.addrNode = a.addrIndex.Insert(fb.data, fb)
		fb.sizeNode = a.sizeIndex.Insert(fb.size, fb)
	}

	return ptr
}

func (a *Allocator) chargeSysmem(ptr, size uintptr) {
	end := ptr + size

	node := a.sysmemIndex.Floor(ptr)
	if node == nil {
		node = a.sysmemIndex.Min()
	}

	for node != nil && node.Value.data < end {
		sd := node.Value
		rangeEnd := sd.data + sd.size

		if rangeEnd > ptr {
			os, oe := max(ptr, sd.data), min(end, rangeEnd)
			if oe > os {
				sd.allocated += oe - os
			}
		}

		node = a.sysmemIndex.Successor(node)
	}
}

func (a *Allocator) dischargeSysmem(ptr, size uintptr) {
	end := ptr + size

	node := a.sysmemIndex.Floor(ptr)
	if node == nil {
		node = a.sysmemIndex.Min()
	}

	for node != nil && node.Value.data < end {
		sd := node.Value
		next := a.sysmemIndex.Successor(node)
		rangeEnd := sd.data + sd.size

		if rangeEnd > ptr {
			os, oe := max(ptr, sd.data), min(end, rangeEnd)
			if oe > os {
				delta := oe - os
				if delta > sd.allocated {
					abort("deallocate", fmt.Errorf("sysmem range at %#x under-allocated", sd.data))
				}

				sd.allocated -= delta
			}
		}

		node = next
	}
}

// Allocate serves a page-aligned range of at least size bytes, best-fit from
// the free map or by extending from the OS primitive. Returns 0 on OOM.
func (a *Allocator) Allocate(size uintptr) uintptr {
	size = alignUp(size, a.cfg.PageSize)
	if size == 0 {
		size = a.cfg.PageSize
	}

	if node := a.sizeIndex.LowerBound(size); node != nil {
		return a.bite(node.Value, size)
	}

	return a.extend(size)
}

func (a *Allocator) extend(size uintptr) uintptr {
	want := size
	if a.cfg.MinBlockSize > want {
		want = a.cfg.MinBlockSize
	}

	ptr, err := a.source.Allocate(want)
	if err != nil {
		if want == size {
			return 0
		}

		ptr, err = a.source.Allocate(size)
		if err != nil {
			return 0
		}

		want = size
	}

	sd := a.newSysmemDescr()
	sd.data, sd.size, sd.allocated = ptr, want, size
	sd.addrNode = a.sysmemIndex.Insert(ptr, sd)

	if want > size {
		a.insertFree(ptr+size, want-size)
	}

	return ptr
}

// Deallocate returns [ptr, ptr+size) to the free map, coalescing with
// neighbors. A size of 0 is an empty range and releases nothing. It does not
// itself release substrate back to the OS — call ReleaseMem for that.
func (a *Allocator) Deallocate(ptr, size uintptr) {
	size = alignUp(size, a.cfg.PageSize)
	if size == 0 {
		return
	}

	a.dischargeSysmem(ptr, size)
	a.insertFree(ptr, size)
}

// Reallocate resizes a page-aligned range in place when possible (shrink, or
// grow into an adjacent free block), else allocates fresh, copies, and frees
// the old range. Returns 0 on OOM.
func (a *Allocator) Reallocate(ptr, oldSize, newSize uintptr) uintptr {
	oldSize = alignUp(oldSize, a.cfg.PageSize)
	newSize = alignUp(newSize, a.cfg.PageSize)

	if oldSize == newSize {
		return ptr
	}

	if newSize < oldSize {
		a.Deallocate(ptr+newSize, oldSize-newSize)
		return ptr
	}

	delta := newSize - oldSize
	if right := a.addrIndex.Find(ptr + oldSize); right != nil && right.Value.size >= delta {
		a.bite(right.Value, delta)
		return ptr
	}

	newPtr := a.Allocate(newSize)
	if newPtr == 0 {
		return 0
	}

	copyMem(newPtr, ptr, min(oldSize, newSize))
	a.Deallocate(ptr, oldSize)

	return newPtr
}

func copyMem(dst, src, n uintptr) {
	if n == 0 {
		return
	}

	d := unsafe.Slice((*byte)(unsafe.Pointer(dst)), n)
	s := unsafe.Slice((*byte)(unsafe.Pointer(src)), n)
	copy(d, s)
}

// ReleaseMem returns every sysmem range with no live allocations back to the
// OS primitive, discarding the free blocks that describe it.
func (a *Allocator) ReleaseMem() {
	var candidates []*sysmemDescr

	for node := a.sysmemIndex.Min(); node != nil; node = a.sysmemIndex.Successor(node) {
		if node.Value.allocated == 0 {
			candidates = append(candidates, node.Value)
		}
	}

	for _, sd := range candidates {
		a.removeFreeBlocksIn(sd.data, sd.data+sd.size)

		if err := a.source.Deallocate(sd.data, sd.size); err != nil {
			abort("release mem", err)
		}

		a.sysmemIndex.Remove(sd.addrNode)
		a.releaseSysmemDescr(sd)
	}
}

func (a *Allocator) removeFreeBlocksIn(start, end uintptr) {
	node := a.addrIndex.LowerBound(start)
	for node != nil && node.Value.data < end {
		next := a.addrIndex.Successor(node)
		fb := node.Value
		a.addrIndex.Remove(fb.addrNode)
		a.removeFromSize(fb)
		a.releaseFreeBlock(fb)
		node = next
	}
}

type rangeItem struct {
	data, size uintptr
}

// Adopt merges other's state into a, leaving other empty. The merge
// strategy (insertion vs. flatten-and-rebuild) is chosen by the merge
// coefficient over the two free-block counts: when (na+nb)/|na-nb| exceeds
// it (close-sized allocators) the trees are flattened and rebuilt, otherwise
// (divergent sizes) other's blocks are inserted one by one. Equal counts
// always use insertion (avoids a division by zero).
func (a *Allocator) Adopt(other *Allocator) {
	na, nb := a.addrIndex.Len(), other.addrIndex.Len()

	diff := na - nb
	if diff < 0 {
		diff = -diff
	}

	useFlatten := false
	if diff != 0 {
		coef := (na + nb) / diff
		useFlatten = uintptr(coef) > a.cfg.MergeCoef
	}

	if useFlatten {
		a.adoptFlatten(other)
	} else {
		a.adoptInsertion(other)
	}

	a.sysmemAdopt(other)
}

func (a *Allocator) adoptInsertion(other *Allocator) {
	items := make([]rangeItem, 0, other.addrIndex.Len())
	for node := other.addrIndex.Min(); node != nil; node = other.addrIndex.Successor(node) {
		items = append(items, rangeItem{node.Value.data, node.Value.size})
	}

	for _, it := range items {
		a.insertFree(it.data, it.size)
	}

	other.addrIndex = rbtree.New[uintptr, *freeBlock](addrCmp)
	other.sizeIndex = rbtree.New[uintptr, *freeBlock](addrCmp)
	other.freeBlockPool = descpool.NewSet[freeBlock]()
}

func (a *Allocator) adoptFlatten(other *Allocator) {
	var items []rangeItem

	collect := func(al *Allocator) {
		for node := al.addrIndex.Min(); node != nil; node = al.addrIndex.Successor(node) {
			items = append(items, rangeItem{node.Value.data, node.Value.size})
		}
	}
	collect(a)
	collect(other)

	sort.Slice(items, func(i, j int) bool { return items[i].data < items[j].data })

	var merged []rangeItem

	for _, it := range items {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			switch {
			case last.data+last.size == it.data:
				last.size += it.size
				continue
			case last.data+last.size > it.data:
				abort("adopt", fmt.Errorf("overlapping free ranges at %#x", it.data))
			}
		}

		merged = append(merged, it)
	}

	a.addrIndex = rbtree.New[uintptr, *freeBlock](addrCmp)
	a.sizeIndex = rbtree.New[uintptr, *freeBlock](addrCmp)
	a.freeBlockPool = descpool.NewSet[freeBlock]()

	for _, it := range merged {
		fb := a.newFreeBlock()
		fb.data, fb.size = it.data, it.size
		fb.addrNode = a.addrIndex.Insert(fb.data, fb)
		fb.sizeNode = a.sizeIndex.Insert(fb.size, fb)
	}

	other.addrIndex = rbtree.New[uintptr, *freeBlock](addrCmp)
	other.sizeIndex = rbtree.New[uintptr, *freeBlock](addrCmp)
	other.freeBlockPool = descpool.NewSet[freeBlock]()
}

func (a *Allocator) sysmemAdopt(other *Allocator) {
	for node := other.sysmemIndex.Min(); node != nil; node = other.sysmemIndex.Successor(node) {
		sd := node.Value
		if a.sysmemIndex.Find(sd.data) != nil {
			abort("adopt", fmt.Errorf("duplicate sysmem range at %#x", sd.data))
		}

		nd := a.newSysmemDescr()
		nd.data, nd.size, nd.allocated = sd.data, sd.size, sd.allocated
		nd.addrNode = a.sysmemIndex.Insert(nd.data, nd)
	}

	other.sysmemIndex = rbtree.New[uintptr, *sysmemDescr](addrCmp)
	other.sysmemPool = descpool.NewSet[sysmemDescr]()
}

// DebugFreeBlock is a read-only snapshot of one free range, exposed for
// invariant-checking tests and debug inspection only.
type DebugFreeBlock struct {
	Data uintptr
	Size uintptr
}

// DebugFreeBlocks returns every free range in ascending address order.
func (a *Allocator) DebugFreeBlocks() []DebugFreeBlock {
	out := make([]DebugFreeBlock, 0, a.addrIndex.Len())
	for node := a.addrIndex.Min(); node != nil; node = a.addrIndex.Successor(node) {
		out = append(out, DebugFreeBlock{node.Value.data, node.Value.size})
	}

	return out
}

// DebugSysmemRange is a read-only snapshot of one OS-backed range.
type DebugSysmemRange struct {
	Data      uintptr
	Size      uintptr
	Allocated uintptr
}

// DebugSysmemRanges returns every sysmem range in ascending address order.
func (a *Allocator) DebugSysmemRanges() []DebugSysmemRange {
	out := make([]DebugSysmemRange, 0, a.sysmemIndex.Len())
	for node := a.sysmemIndex.Min(); node != nil; node = a.sysmemIndex.Successor(node) {
		out = append(out, DebugSysmemRange{node.Value.data, node.Value.size, node.Value.allocated})
	}

	return out
}

// Package poolalloc implements the pool allocator: size-class routing of
// variable-sized user requests to pow2/auxiliary chunk pools, a two-level
// byte pool for single-byte requests, and a raw bin tier for large
// allocations, over a central address-to-descriptor map.
package poolalloc

import (
	"errors"
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/orizon-lang/galloc/internal/allocator/descpool"
	"github.com/orizon-lang/galloc/internal/allocator/dlist"
	"github.com/orizon-lang/galloc/internal/allocator/rbtree"
)

// ErrUnknownPointer is wrapped into an InvariantError when free/realloc is
// given a pointer absent from the central address map.
var ErrUnknownPointer = errors.New("poolalloc: unknown pointer")

// InvariantError reports a corrupted-heap condition; the allocator never
// recovers from one.
type InvariantError struct {
	Op  string
	Err error
}

func (e *InvariantError) Error() string { return fmt.Sprintf("poolalloc: %s: %v", e.Op, e.Err) }
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

func ceilLog2(n uintptr) uint8 {
	if n <= 1 {
		return 0
	}

	return uint8(bits.Len(uint(n - 1)))
}

func copyMem(dst, src, n uintptr) {
	if n == 0 {
		return
	}

	d := unsafe.Slice((*byte)(unsafe.Pointer(dst)), n)
	s := unsafe.Slice((*byte)(unsafe.Pointer(src)), n)
	copy(d, s)
}

type kind uint8

const (
	kindPool kind = iota
	kindPoolAux
	kindPoolBytes
	kindRaw
)

// chunkHeadEmpty is the in-slab chunk free-list sentinel, the 14-bit
// head_empty value from the spec (2^14 - 1), stored in a full uint16 word
// rather than bit-packed.
const chunkHeadEmpty = uint16(0x3FFF)

// allocDescr is the spec's single "alloc descriptor" record, doing double
// duty: for Pool/PoolAux/PoolBytes it describes one whole chunk-carved slab
// (capacity/used/count/head refer to chunks inside it); for Raw it
// describes exactly one live allocation (those fields are unused).
type allocDescr struct {
	kind kind

	chunkSize uintptr // valid for Pool/PoolAux/PoolBytes
	alignLog  uint8   // valid for Raw: base-2 log of the requested alignment

	data uintptr
	size uintptr // pool kinds: total slab size; Raw: user-visible size

	capacity, used, count, head uint16

	addrNode *rbtree.Node[uintptr, *allocDescr]
	listNode *dlist.Node[*allocDescr]

	poolOwner *descpool.Pool[allocDescr]
	poolOff   uint16
}

func (d *allocDescr) hasAddr(ptr uintptr) bool {
	return ptr >= d.data && ptr < d.data+d.size
}

// poolEntry is one size class: the free/full membership lists over every
// slab (allocDescr) currently serving that class.
type poolEntry struct {
	kind      kind
	chunkSize uintptr
	free      *dlist.List[*allocDescr]
	full      *dlist.List[*allocDescr]
}

func newEntry(k kind, chunkSize uintptr) *poolEntry {
	return &poolEntry{kind: k, chunkSize: chunkSize, free: dlist.New[*allocDescr](), full: dlist.New[*allocDescr]()}
}

const (
	byteSlotCount    = 12
	byteChunkSize    = 16
	byteSentinelBits = uint16(0x3000) // bits 12,13 preset so find-first-zero yields 14 when full
	byteFullMask     = uint16(0x3FFF)
)

// bytePool is the two-level byte allocator: a poolEntry of 16-byte chunks
// (sub-pool headers), each subdivided into 12 single-byte slots tracked by
// a 14-bit bitmask at the chunk's offset +2.
type bytePool struct {
	entry        *poolEntry
	freeSubpools []uintptr
}

func newBytePool() *bytePool {
	return &bytePool{entry: newEntry(kindPoolBytes, byteChunkSize)}
}

// Config mirrors the spec's pool-tier compile-time traits.
type Config struct {
	MinChunkSizeLog2        uint8
	MaxChunkSizeLog2        uint8
	RawBinCount             int
	BasicAlignment          uintptr
	EntryPoolCapacityChunks uint16
	DescrPoolSize           uintptr
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MinChunkSizeLog2:        1,
		MaxChunkSizeLog2:        13,
		RawBinCount:             24,
		BasicAlignment:          16,
		EntryPoolCapacityChunks: 256,
		DescrPoolSize:           1 << 16,
	}
}

// Pages is the substrate a pool allocator draws slabs from: a
// *pagealloc.Allocator directly, or the cached layer interposed in front of
// one when the heap facade enables it.
type Pages interface {
	Allocate(size uintptr) uintptr
	Deallocate(ptr, size uintptr)
	Reallocate(ptr, oldSize, newSize uintptr) uintptr
	PageSize() uintptr
}

// Allocator is one pool-allocator instance, drawing slabs from a page
// allocator and indexing every live allocation in a central address map.
type Allocator struct {
	cfg   Config
	pages Pages

	descrPool *descpool.Set[allocDescr]
	addrIndex *rbtree.Tree[uintptr, *allocDescr]

	bytes *bytePool
	pow2  []*poolEntry
	aux   map[uintptr]*poolEntry

	rawBins []*dlist.List[*allocDescr]

	zeroByte        byte
	zeroSentinelPtr uintptr
}

// New returns a pool allocator drawing substrate from pages.
func New(cfg Config, pages Pages) *Allocator {
	a := &Allocator{
		cfg:       cfg,
		pages:     pages,
		descrPool: descpool.NewSet[allocDescr](),
		addrIndex: rbtree.New[uintptr, *allocDescr](addrCmp),
		bytes:     newBytePool(),
		pow2:      make([]*poolEntry, int(cfg.MaxChunkSizeLog2)+1),
		aux:       make(map[uintptr]*poolEntry),
		rawBins:   make([]*dlist.List[*allocDescr], cfg.RawBinCount),
	}

	for i := range a.rawBins {
		a.rawBins[i] = dlist.New[*allocDescr]()
	}

	a.zeroSentinelPtr = uintptr(unsafe.Pointer(&a.zeroByte))

	return a
}

func (a *Allocator) newDescr() *allocDescr {
	slot, owner, off, ok := a.descrPool.Acquire()
	if !ok {
		slab := a.pages.Allocate(a.cfg.DescrPoolSize)
		if slab == 0 {
			abort("allocate descriptor pool slab", errors.New("page allocator out of memory"))
		}

		a.descrPool.CreatePool(slab, a.cfg.DescrPoolSize)

		slot, owner, off, ok = a.descrPool.Acquire()
		if !ok {
			abort("allocate descriptor", errors.New("descriptor pool exhausted"))
		}
	}

	slot.poolOwner, slot.poolOff = owner, off

	return slot
}

func (a *Allocator) releaseDescr(pd *allocDescr) {
	empty, ok := a.descrPool.Release(pd.poolOwner, pd.poolOff)
	if ok {
		a.descrPool.FinishRelease(empty)

		slab, size := empty.Slab()
		a.pages.Deallocate(slab, size)
	}
}

func readNext(base uintptr, idx uint16, chunkSize uintptr) uint16 {
	return *(*uint16)(unsafe.Pointer(base + uintptr(idx)*chunkSize))
}

func writeNext(base uintptr, idx uint16, chunkSize uintptr, v uint16) {
	*(*uint16)(unsafe.Pointer(base + uintptr(idx)*chunkSize)) = v
}

func chunkAlloc(pd *allocDescr) uintptr {
	var idx uint16
	if pd.head != chunkHeadEmpty {
		idx = pd.head
		pd.head = readNext(pd.data, idx, pd.chunkSize)
	} else {
		idx = pd.used
		pd.used++
	}

	pd.count++

	return pd.data + uintptr(idx)*pd.chunkSize
}

func chunkFree(pd *allocDescr, ptr uintptr) {
	idx := uint16((ptr - pd.data) / pd.chunkSize)
	writeNext(pd.data, idx, pd.chunkSize, pd.head)
	pd.head = idx
	pd.count--
}

func (a *Allocator) extendEntry(e *poolEntry) *allocDescr {
	capacity := a.cfg.EntryPoolCapacityChunks
	if uintptr(capacity) > uintptr(chunkHeadEmpty) {
		capacity = chunkHeadEmpty
	}

	slabSize := e.chunkSize * uintptr(capacity)

	ptr := a.pages.Allocate(slabSize)
	if ptr == 0 {
		return nil
	}

	pd := a.newDescr()
	pd.kind = e.kind
	pd.chunkSize = e.chunkSize
	pd.data = ptr
	pd.size = slabSize
	pd.capacity = capacity
	pd.used, pd.count = 0, 0
	pd.head = chunkHeadEmpty
	pd.addrNode = a.addrIndex.Insert(ptr, pd)

	return pd
}

func (a *Allocator) entryAcquire(e *poolEntry) (uintptr, *allocDescr) {
	var pd *allocDescr
	if n := e.free.Front(); n != nil {
		pd = n.Value
	} else {
		pd = a.extendEntry(e)
		if pd == nil {
			return 0, nil
		}

		pd.listNode = e.free.PushBack(pd, &dlist.Node[*allocDescr]{})
	}

	ptr := chunkAlloc(pd)

	if pd.count == pd.capacity {
		e.free.Remove(pd.listNode)
		pd.listNode = e.full.PushBack(pd, &dlist.Node[*allocDescr]{})
	}

	return ptr, pd
}

func (a *Allocator) entryRelease(e *poolEntry, pd *allocDescr, ptr uintptr) {
	wasFull := pd.count == pd.capacity
	chunkFree(pd, ptr)

	if pd.count == 0 {
		if wasFull {
			e.full.Remove(pd.listNode)
		} else {
			e.free.Remove(pd.listNode)
		}

		a.addrIndex.Remove(pd.addrNode)
		a.pages.Deallocate(pd.data, pd.size)
		a.releaseDescr(pd)

		return
	}

	if wasFull {
		e.full.Remove(pd.listNode)
		pd.listNode = e.free.PushBack(pd, &dlist.Node[*allocDescr]{})
	}
}

func firstZeroBit14(mask uint16) uint16 {
	for i := uint16(0); i < 14; i++ {
		if mask&(1<<i) == 0 {
			return i
		}
	}

	return 14
}

func (a *Allocator) mallocByte() uintptr {
	if len(a.bytes.freeSubpools) == 0 {
		base, pd := a.entryAcquire(a.bytes.entry)
		if pd == nil {
			return 0
		}

		*(*uint16)(unsafe.Pointer(base + 2)) = byteSentinelBits
		a.bytes.freeSubpools = append(a.bytes.freeSubpools, base)
	}

	base := a.bytes.freeSubpools[len(a.bytes.freeSubpools)-1]
	maskPtr := (*uint16)(unsafe.Pointer(base + 2))
	slot := firstZeroBit14(*maskPtr)
	*maskPtr |= 1 << slot

	if *maskPtr == byteFullMask {
		a.bytes.freeSubpools = a.bytes.freeSubpools[:len(a.bytes.freeSubpools)-1]
	}

	return base + 4 + uintptr(slot)
}

func (a *Allocator) freeByte(pd *allocDescr, ptr uintptr) {
	offset := ptr - pd.data
	base := pd.data + (offset/byteChunkSize)*byteChunkSize
	slot := uint16((offset % byteChunkSize) - 4)

	maskPtr := (*uint16)(unsafe.Pointer(base + 2))
	wasFull := *maskPtr == byteFullMask
	*maskPtr &^= 1 << slot

	if wasFull {
		a.bytes.freeSubpools = append(a.bytes.freeSubpools, base)
	}

	if *maskPtr == byteSentinelBits {
		a.removeFreeSubpool(base)
		a.entryRelease(a.bytes.entry, pd, base)
	}
}

func (a *Allocator) removeFreeSubpool(base uintptr) {
	for i, b := range a.bytes.freeSubpools {
		if b == base {
			a.bytes.freeSubpools[i] = a.bytes.freeSubpools[len(a.bytes.freeSubpools)-1]
			a.bytes.freeSubpools = a.bytes.freeSubpools[:len(a.bytes.freeSubpools)-1]

			return
		}
	}
}

// selectClass picks the tightest-fitting pow2 or auxiliary chunk class for
// sizeAligned, or reports isRaw when nothing in the pool range fits.
func (a *Allocator) selectClass(sizeAligned, alignment uintptr) (isAux bool, chunkSize uintptr, pow2Log uint8, isRaw bool) {
	pow2Log = ceilLog2(sizeAligned)
	if pow2Log < a.cfg.MinChunkSizeLog2 {
		pow2Log = a.cfg.MinChunkSizeLog2
	}

	if pow2Log > a.cfg.MaxChunkSizeLog2 {
		return false, 0, 0, true
	}

	pow2Size := uintptr(1) << pow2Log

	if pow2Log > a.cfg.MinChunkSizeLog2+1 {
		auxSize := (uintptr(1) << (pow2Log - 1)) + (uintptr(1) << (pow2Log - 2))
		if auxSize >= sizeAligned && auxSize < pow2Size && auxSize%alignment == 0 {
			return true, auxSize, 0, false
		}
	}

	return false, pow2Size, pow2Log, false
}

func (a *Allocator) getOrCreatePow2Entry(log uint8, chunkSize uintptr) *poolEntry {
	if a.pow2[log] == nil {
		a.pow2[log] = newEntry(kindPool, chunkSize)
	}

	return a.pow2[log]
}

func (a *Allocator) getOrCreateAuxEntry(chunkSize uintptr) *poolEntry {
	e := a.aux[chunkSize]
	if e == nil {
		e = newEntry(kindPoolAux, chunkSize)
		a.aux[chunkSize] = e
	}

	return e
}

func (a *Allocator) rawBinIndex(size uintptr) int {
	minRaw := uintptr(1) << (a.cfg.MaxChunkSizeLog2 + 1)

	thr := minRaw
	for i := 0; i < len(a.rawBins)-1; i++ {
		if size <= thr {
			return i
		}

		thr <<= 1
	}

	return len(a.rawBins) - 1
}

func (a *Allocator) mallocRaw(size, alignment uintptr) uintptr {
	alignedSize := alignUp(size, alignment)

	ptr := a.pages.Allocate(alignedSize)
	if ptr == 0 {
		return 0
	}

	pd := a.newDescr()
	pd.kind = kindRaw
	pd.alignLog = ceilLog2(alignment)
	pd.data = ptr
	pd.size = size
	pd.addrNode = a.addrIndex.Insert(ptr, pd)

	bin := a.rawBinIndex(alignedSize)
	pd.listNode = a.rawBins[bin].PushBack(pd, &dlist.Node[*allocDescr]{})

	return ptr
}

func (a *Allocator) freeRaw(pd *allocDescr) {
	alignment := uintptr(1) << pd.alignLog
	alignedSize := alignUp(pd.size, alignment)

	bin := a.rawBinIndex(alignedSize)
	a.rawBins[bin].Remove(pd.listNode)
	a.addrIndex.Remove(pd.addrNode)
	a.pages.Deallocate(pd.data, alignedSize)
	a.releaseDescr(pd)
}

func (a *Allocator) reallocRaw(pd *allocDescr, newSize, alignment uintptr) uintptr {
	oldAligned := alignUp(pd.size, uintptr(1)<<pd.alignLog)
	newAligned := alignUp(newSize, alignment)

	oldBin := a.rawBinIndex(oldAligned)
	a.rawBins[oldBin].Remove(pd.listNode)

	newPtr := a.pages.Reallocate(pd.data, oldAligned, newAligned)
	if newPtr == 0 {
		pd.listNode = a.rawBins[oldBin].PushBack(pd, &dlist.Node[*allocDescr]{})
		return 0
	}

	if newPtr != pd.data {
		a.addrIndex.Remove(pd.addrNode)
		pd.data = newPtr
		pd.addrNode = a.addrIndex.Insert(pd.data, pd)
	}

	pd.size = newSize
	pd.alignLog = ceilLog2(alignment)

	newBin := a.rawBinIndex(newAligned)
	pd.listNode = a.rawBins[newBin].PushBack(pd, &dlist.Node[*allocDescr]{})

	return newPtr
}

// Malloc serves size bytes at the default alignment.
func (a *Allocator) Malloc(size uintptr) uintptr { return a.MallocExt(size, 0, 0) }

// MallocExt serves size bytes with an explicit alignment (0 = default,
// clamped to the page size) and reserved flags (only 0 is defined).
func (a *Allocator) MallocExt(size, alignment, flags uintptr) uintptr {
	_ = flags

	if size == 0 {
		return a.zeroSentinelPtr
	}

	if alignment == 0 {
		alignment = a.cfg.BasicAlignment
	}

	if ps := a.pages.PageSize(); alignment > ps {
		alignment = ps
	}

	if size == 1 {
		return a.mallocByte()
	}

	sizeAligned := alignUp(size, alignment)

	isAux, chunkSize, pow2Log, isRaw := a.selectClass(sizeAligned, alignment)
	if isRaw {
		return a.mallocRaw(size, alignment)
	}

	var e *poolEntry
	if isAux {
		e = a.getOrCreateAuxEntry(chunkSize)
	} else {
		e = a.getOrCreatePow2Entry(pow2Log, chunkSize)
	}

	ptr, _ := a.entryAcquire(e)

	return ptr
}

func (a *Allocator) findLive(ptr uintptr) *allocDescr {
	node := a.addrIndex.Floor(ptr)
	if node == nil || !node.Value.hasAddr(ptr) {
		abort("lookup", fmt.Errorf("%w: %#x", ErrUnknownPointer, ptr))
	}

	return node.Value
}

// Free releases ptr, a pointer previously returned by Malloc/MallocExt.
func (a *Allocator) Free(ptr uintptr) { a.FreeExt(ptr, 0, 0, 0) }

// FreeExt releases ptr. size/alignment are accepted for symmetry with the
// public facade but are not required to locate the descriptor: the central
// address map is authoritative.
func (a *Allocator) FreeExt(ptr, size, alignment, flags uintptr) {
	_, _, _ = size, alignment, flags

	if ptr == 0 || ptr == a.zeroSentinelPtr {
		return
	}

	pd := a.findLive(ptr)

	switch pd.kind {
	case kindRaw:
		a.freeRaw(pd)
	case kindPoolBytes:
		a.freeByte(pd, ptr)
	case kindPool:
		log := uint8(bits.TrailingZeros(uint(pd.chunkSize)))
		a.entryRelease(a.pow2[log], pd, ptr)
	case kindPoolAux:
		e := a.aux[pd.chunkSize]
		if e == nil {
			abort("free", errors.New("no auxiliary entry for chunk size class"))
		}

		a.entryRelease(e, pd, ptr)
	default:
		abort("free", errors.New("invalid descriptor type"))
	}
}

// Realloc resizes ptr to newSize, following the standard realloc contract
// (null ptr behaves as Malloc, newSize 0 behaves as Free).
func (a *Allocator) Realloc(ptr, newSize uintptr) uintptr {
	return a.ReallocExt(ptr, 0, newSize, 0, 0)
}

// ReallocExt is the extension form of Realloc.
func (a *Allocator) ReallocExt(ptr, oldSize, newSize, alignment, flags uintptr) uintptr {
	if ptr == 0 || ptr == a.zeroSentinelPtr {
		return a.MallocExt(newSize, alignment, flags)
	}

	if newSize == 0 {
		a.FreeExt(ptr, oldSize, alignment, flags)
		return a.zeroSentinelPtr
	}

	pd := a.findLive(ptr)

	if alignment == 0 {
		alignment = a.cfg.BasicAlignment
	}

	if pd.kind == kindRaw {
		return a.reallocRaw(pd, newSize, alignment)
	}

	sizeAligned := alignUp(newSize, alignment)

	isAux, chunkSize, pow2Log, isRaw := a.selectClass(sizeAligned, alignment)
	_ = pow2Log

	samePool := !isRaw && chunkSize == pd.chunkSize &&
		((pd.kind == kindPool && !isAux) || (pd.kind == kindPoolAux && isAux))
	if samePool {
		return ptr
	}

	newPtr := a.MallocExt(newSize, alignment, flags)
	if newPtr == 0 {
		return 0
	}

	// realloc42: copy min(old,new) using the raw, user-visible byte counts,
	// not the class-aligned sizes — preserved per the spec's open question.
	// Without a caller-supplied oldSize, the old chunk's capacity bounds the
	// copy: one byte for a byte-pool slot, the chunk size otherwise (a pool
	// descriptor's size is its whole slab).
	rawOld := oldSize
	if rawOld == 0 {
		rawOld = pd.chunkSize
		if pd.kind == kindPoolBytes {
			rawOld = 1
		}
	}

	copyMem(newPtr, ptr, min(rawOld, newSize))
	a.FreeExt(ptr, oldSize, alignment, flags)

	return newPtr
}

func (a *Allocator) spliceEntry(from, to *poolEntry, pd *allocDescr) {
	full := pd.count == pd.capacity
	if full {
		from.full.Remove(pd.listNode)
		pd.listNode = to.full.PushBack(pd, &dlist.Node[*allocDescr]{})
	} else {
		from.free.Remove(pd.listNode)
		pd.listNode = to.free.PushBack(pd, &dlist.Node[*allocDescr]{})
	}
}

func (a *Allocator) adoptBytePool(other *Allocator, pd *allocDescr) {
	a.spliceEntry(other.bytes.entry, a.bytes.entry, pd)

	kept := other.bytes.freeSubpools[:0]

	for _, base := range other.bytes.freeSubpools {
		if pd.hasAddr(base) {
			a.bytes.freeSubpools = append(a.bytes.freeSubpools, base)
		} else {
			kept = append(kept, base)
		}
	}

	other.bytes.freeSubpools = kept
}

// Adopt merges descriptor pools, the address tree, the byte pool, every
// pow2 and auxiliary class, and every raw bin from other into a, leaving
// other empty.
func (a *Allocator) Adopt(other *Allocator) {
	a.descrPool.Adopt(other.descrPool)

	items := make([]*allocDescr, 0, other.addrIndex.Len())
	for node := other.addrIndex.Min(); node != nil; node = other.addrIndex.Successor(node) {
		items = append(items, node.Value)
	}

	for _, pd := range items {
		other.addrIndex.Remove(pd.addrNode)

		if a.addrIndex.Find(pd.data) != nil {
			abort("adopt", fmt.Errorf("duplicate descriptor at %#x", pd.data))
		}

		pd.addrNode = a.addrIndex.Insert(pd.data, pd)

		switch pd.kind {
		case kindRaw:
			alignment := uintptr(1) << pd.alignLog
			oldBin := other.rawBinIndex(alignUp(pd.size, alignment))
			newBin := a.rawBinIndex(alignUp(pd.size, alignment))
			other.rawBins[oldBin].Remove(pd.listNode)
			pd.listNode = a.rawBins[newBin].PushBack(pd, &dlist.Node[*allocDescr]{})
		case kindPoolBytes:
			a.adoptBytePool(other, pd)
		case kindPool:
			log := uint8(bits.TrailingZeros(uint(pd.chunkSize)))
			a.spliceEntry(other.pow2[log], a.getOrCreatePow2Entry(log, pd.chunkSize), pd)
		case kindPoolAux:
			a.spliceEntry(other.aux[pd.chunkSize], a.getOrCreateAuxEntry(pd.chunkSize), pd)
		}
	}
}

// DebugLiveCount returns the number of live allocations indexed by the
// central address map (one per raw allocation, per live pool chunk, and per
// live byte-pool slot), for invariant-checking tests and debug inspection.
func (a *Allocator) DebugLiveCount() int {
	n := 0
	for node := a.addrIndex.Min(); node != nil; node = a.addrIndex.Successor(node) {
		switch pd := node.Value; pd.kind {
		case kindRaw:
			n++
		case kindPoolBytes:
			for i := uintptr(0); i < uintptr(pd.used); i++ {
				n += bits.OnesCount16(*(*uint16)(unsafe.Pointer(pd.data + i*byteChunkSize + 2)) &^ byteSentinelBits)
			}
		default:
			n += int(pd.count)
		}
	}

	return n
}

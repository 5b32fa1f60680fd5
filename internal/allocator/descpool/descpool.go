// Package descpool implements the descriptor pool: a fixed-size record pool
// carved out of one page-aligned slab, with an embedded free list and
// primary-block offset recovery.
//
// The spec's byte-level layout (a block_pool header at offset 0, 64-byte
// records starting at offset 64, a 16-bit next-index embedded in each free
// record's head) is replaced here by a generic typed view: Pool[T] views the
// caller's slab as a []T slice of sizeof(T)-byte records (via unsafe.Slice)
// and keeps the header fields and a parallel []uint16 free-list-chain array
// on the Go heap. The GC does not scan the slab, so pointer fields inside T
// must point at objects kept alive elsewhere (see Pool).
package descpool

import (
	"unsafe"

	"github.com/orizon-lang/galloc/internal/allocator/dlist"
)

// HeadEmpty is the sentinel free-list-head value meaning "every slot below
// used is live", the analogue of the spec's block_pool_head_empty.
const HeadEmpty = ^uint16(0)

// Pool is one page-backed slab of capacity record slots. The slots backing
// array is reinterpreted, via unsafe.Slice, from a raw slab the caller
// obtained from the page allocator (or the OS page primitive directly) —
// CreatePool never allocates record storage on the Go heap. Every Go pointer
// field a record type T carries (addrNode, poolOwner, and similar) stays
// safe to store in that unmanaged memory only because the tree/list
// structure owning the pointed-to object is itself the thing keeping it
// alive; the record's copy of the pointer is never the sole reference.
type Pool[T any] struct {
	slots []T
	next  []uint16

	head     uint16
	used     uint16
	count    uint16
	capacity uint16

	slab     uintptr
	slabSize uintptr

	node *dlist.Node[*Pool[T]]
}

func newPool[T any](slab, size uintptr) *Pool[T] {
	var zero T

	recordSize := unsafe.Sizeof(zero)
	capacity := uint16(size / recordSize)

	return &Pool[T]{
		slots:    unsafe.Slice((*T)(unsafe.Pointer(slab)), capacity),
		next:     make([]uint16, capacity),
		head:     HeadEmpty,
		capacity: capacity,
		slab:     slab,
		slabSize: size,
	}
}

// Slab returns the backing address and byte size this pool was created
// with, so a now-empty pool's memory can be returned to whatever substrate
// it came from.
func (p *Pool[T]) Slab() (uintptr, uintptr) { return p.slab, p.slabSize }

// Empty reports whether the pool holds no live records.
func (p *Pool[T]) Empty() bool { return p.count == 0 }

// Full reports whether the pool has no spare capacity.
func (p *Pool[T]) Full() bool { return p.count == p.capacity }

// Count returns the number of live records.
func (p *Pool[T]) Count() uint16 { return p.count }

// Capacity returns the total number of record slots.
func (p *Pool[T]) Capacity() uint16 { return p.capacity }

// SlotAt returns the record at offset — the typed-arena analogue of the
// primary-block recovery arithmetic slot_ptr - (offset+1)*64: here, offset
// is already all the caller needs, since the owning *Pool is carried
// alongside it instead of recovered from the pointer.
func (p *Pool[T]) SlotAt(offset uint16) *T { return &p.slots[offset] }

func (p *Pool[T]) acquire() (*T, uint16, bool) {
	if p.head != HeadEmpty {
		off := p.head
		p.head = p.next[off]
		p.count++

		return &p.slots[off], off, true
	}

	if p.used < p.capacity {
		off := p.used
		p.used++
		p.count++

		return &p.slots[off], off, true
	}

	return nil, 0, false
}

func (p *Pool[T]) release(offset uint16) {
	p.next[offset] = p.head
	p.head = offset
	p.count--
}

// Set is a collection of Pool[T] slabs tracked by free/full membership, the
// descriptor-pool-of-pools that CreatePool/Acquire/Release/Adopt operate on.
type Set[T any] struct {
	free *dlist.List[*Pool[T]]
	full *dlist.List[*Pool[T]]
}

// NewSet returns an empty descriptor-pool set.
func NewSet[T any]() *Set[T] {
	return &Set[T]{free: dlist.New[*Pool[T]](), full: dlist.New[*Pool[T]]()}
}

// CreatePool installs a freshly obtained, page-aligned slab as a new pool
// (capacity = size / sizeof(T) record slots) and inserts it into the free
// list.
func (s *Set[T]) CreatePool(slab, size uintptr) *Pool[T] {
	p := newPool[T](slab, size)
	p.node = s.free.PushBack(p, &dlist.Node[*Pool[T]]{})

	return p
}

// Acquire pops a slot from some non-full pool, incrementing its count and
// moving it to the full list if it becomes full. ok is false if every pool
// in the set is full (or the set is empty) — the caller must then extend
// the set with a fresh pool via CreatePool.
func (s *Set[T]) Acquire() (slot *T, owner *Pool[T], offset uint16, ok bool) {
	n := s.free.Front()
	if n == nil {
		return nil, nil, 0, false
	}

	p := n.Value

	slot, offset, ok = p.acquire()
	if !ok {
		return nil, nil, 0, false
	}

	if p.Full() {
		s.free.Remove(p.node)
		p.node = s.full.PushBack(p, &dlist.Node[*Pool[T]]{})
	}

	return slot, p, offset, true
}

// Release returns a slot to its owning pool, moving the pool back to the
// free list if it had been full. If the pool becomes empty, Release returns
// it with ok=true; the caller may then call FinishRelease to drop it from
// the set and return its backing slab to the page allocator.
func (s *Set[T]) Release(owner *Pool[T], offset uint16) (empty *Pool[T], ok bool) {
	wasFull := owner.Full()
	owner.release(offset)

	if wasFull {
		s.full.Remove(owner.node)
		owner.node = s.free.PushBack(owner, &dlist.Node[*Pool[T]]{})
	}

	if owner.Empty() {
		return owner, true
	}

	return nil, false
}

// FinishRelease removes an emptied pool (as returned by Release) from the
// set. The caller is responsible for returning the pool's backing slab to
// the page allocator.
func (s *Set[T]) FinishRelease(p *Pool[T]) {
	s.free.Remove(p.node)
}

// Adopt splices every pool from other's free/full lists into s, leaving
// other empty.
func (s *Set[T]) Adopt(other *Set[T]) {
	s.free.AdoptFrom(other.free)
	s.full.AdoptFrom(other.full)
}

// Len returns the total number of pools tracked by the set (free + full).
func (s *Set[T]) Len() int { return s.free.Len() + s.full.Len() }

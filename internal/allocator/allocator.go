// Package allocator is the public facade: a process-wide heap combining the
// page tier (pagealloc), the pool tier (poolalloc), and an optional cached
// layer (cache) behind a single mutex, exposing malloc/realloc/free plus the
// spec's documented configuration knobs as functional options.
package allocator

import (
	"sync"

	"github.com/orizon-lang/galloc/internal/allocator/cache"
	"github.com/orizon-lang/galloc/internal/allocator/pagealloc"
	"github.com/orizon-lang/galloc/internal/allocator/poolalloc"
	"github.com/orizon-lang/galloc/internal/allocator/sysmem"
)

// Config mirrors the spec's documented alloc_* compile-time traits across
// all three tiers, plus the cached-layer toggle.
type Config struct {
	PageSize       uintptr
	BlockPoolSize  uintptr
	SysmemPoolSize uintptr
	MinBlockSize   uintptr
	MergeCoef      uintptr

	MinChunkSizeLog2        uint8
	MaxChunkSizeLog2        uint8
	RawBinCount             int
	BasicAlignment          uintptr
	EntryPoolCapacityChunks uint16
	DescrPoolSize           uintptr

	UseCache    bool
	CacheSlots  int
	MinSlotSize uintptr
	MaxSlotSize uintptr

	Source sysmem.Source
}

// Option mutates a Config, following the functional-options idiom.
type Option func(*Config)

func defaultConfig() *Config {
	pc := pagealloc.DefaultConfig()
	qc := poolalloc.DefaultConfig()
	cc := cache.DefaultConfig()

	return &Config{
		PageSize:       pc.PageSize,
		BlockPoolSize:  pc.BlockPoolSize,
		SysmemPoolSize: pc.SysmemPoolSize,
		MinBlockSize:   pc.MinBlockSize,
		MergeCoef:      pc.MergeCoef,

		MinChunkSizeLog2:        qc.MinChunkSizeLog2,
		MaxChunkSizeLog2:        qc.MaxChunkSizeLog2,
		RawBinCount:             qc.RawBinCount,
		BasicAlignment:          qc.BasicAlignment,
		EntryPoolCapacityChunks: qc.EntryPoolCapacityChunks,
		DescrPoolSize:           qc.DescrPoolSize,

		UseCache:    false,
		CacheSlots:  cc.Slots,
		MinSlotSize: cc.MinSlotSize,
		MaxSlotSize: cc.MaxSlotSize,

		Source: sysmem.Default,
	}
}

// WithPageSize overrides alloc_page_size.
func WithPageSize(size uintptr) Option {
	return func(c *Config) { c.PageSize = size }
}

// WithBlockPoolSize overrides alloc_block_pool_size.
func WithBlockPoolSize(size uintptr) Option {
	return func(c *Config) { c.BlockPoolSize = size }
}

// WithSysmemPoolSize overrides alloc_sysmem_pool_size.
func WithSysmemPoolSize(size uintptr) Option {
	return func(c *Config) { c.SysmemPoolSize = size }
}

// WithMinBlockSize overrides alloc_min_block_size, the smallest chunk the
// page allocator requests from the OS when extending.
func WithMinBlockSize(size uintptr) Option {
	return func(c *Config) { c.MinBlockSize = size }
}

// WithMergeCoef overrides alloc_merge_coef, the flatten-vs-insertion
// threshold used by Adopt.
func WithMergeCoef(coef uintptr) Option {
	return func(c *Config) { c.MergeCoef = coef }
}

// WithChunkSizeRange overrides alloc_min_chunk_size_log2/
// alloc_max_chunk_size_log2, the inclusive log2 range of pow2 pool-tier
// size classes.
func WithChunkSizeRange(minLog2, maxLog2 uint8) Option {
	return func(c *Config) { c.MinChunkSizeLog2 = minLog2; c.MaxChunkSizeLog2 = maxLog2 }
}

// WithRawBinCount overrides alloc_raw_bin_count.
func WithRawBinCount(n int) Option {
	return func(c *Config) { c.RawBinCount = n }
}

// WithBasicAlignment overrides alloc_basic_alignment, the default alignment
// every pool-tier allocation is rounded up to.
func WithBasicAlignment(alignment uintptr) Option {
	return func(c *Config) { c.BasicAlignment = alignment }
}

// WithEntryPoolCapacity overrides the number of chunk-descriptor slots
// carved out of each descriptor-pool slab.
func WithEntryPoolCapacity(n uint16) Option {
	return func(c *Config) { c.EntryPoolCapacityChunks = n }
}

// WithDescrPoolSize overrides the byte size of the page-allocated slab the
// pool tier carves its alloc-descriptor records out of.
func WithDescrPoolSize(size uintptr) Option {
	return func(c *Config) { c.DescrPoolSize = size }
}

// WithCache enables the cached layer (use_alloc_cache).
func WithCache(enabled bool) Option {
	return func(c *Config) { c.UseCache = enabled }
}

// WithCacheSlots overrides alloc_cache_slots.
func WithCacheSlots(n int) Option {
	return func(c *Config) { c.CacheSlots = n }
}

// WithCacheSlotRange overrides alloc_min_slot_size/alloc_max_slot_size.
func WithCacheSlotRange(min, max uintptr) Option {
	return func(c *Config) { c.MinSlotSize = min; c.MaxSlotSize = max }
}

// WithSource overrides the OS page primitive, mainly for tests.
func WithSource(source sysmem.Source) Option {
	return func(c *Config) { c.Source = source }
}

// AllocatorStats reports the live state of a Heap, the allocator-wide
// analogue of the page and pool tiers' individual debug counters.
type AllocatorStats struct {
	LiveAllocations int
	FreeBlocks      int
	SysmemRanges    int
}

// Heap is one process-wide allocator instance: a page tier, a pool tier
// drawing from it, an optional cached layer interposed between the pool
// tier's slab and raw allocations and the page tier, and a mutex serializing
// every call —
// the "process-wide singleton with mutual-exclusion wrapper" the spec calls
// for, generalized here to also work as an independently constructed,
// non-global instance for tests.
type Heap struct {
	mu sync.Mutex

	cfg   Config
	pages *pagealloc.Allocator
	pools *poolalloc.Allocator
	cache *cache.Cache
}

// New constructs a Heap from options layered over the spec's documented
// defaults.
func New(options ...Option) *Heap {
	cfg := defaultConfig()
	for _, opt := range options {
		opt(cfg)
	}

	pages := pagealloc.New(pagealloc.Config{
		PageSize:       cfg.PageSize,
		BlockPoolSize:  cfg.BlockPoolSize,
		SysmemPoolSize: cfg.SysmemPoolSize,
		MinBlockSize:   cfg.MinBlockSize,
		MergeCoef:      cfg.MergeCoef,
	}, cfg.Source)

	var poolSubstrate poolalloc.Pages = pages

	h := &Heap{cfg: *cfg, pages: pages}

	if cfg.UseCache {
		h.cache = cache.New(cache.Config{
			Slots:       cfg.CacheSlots,
			MinSlotSize: cfg.MinSlotSize,
			MaxSlotSize: cfg.MaxSlotSize,
		}, pages)
		poolSubstrate = cachedPages{cache: h.cache, pages: pages}
	}

	h.pools = poolalloc.New(poolalloc.Config{
		MinChunkSizeLog2:        cfg.MinChunkSizeLog2,
		MaxChunkSizeLog2:        cfg.MaxChunkSizeLog2,
		RawBinCount:             cfg.RawBinCount,
		BasicAlignment:          cfg.BasicAlignment,
		EntryPoolCapacityChunks: cfg.EntryPoolCapacityChunks,
		DescrPoolSize:           cfg.DescrPoolSize,
	}, poolSubstrate)

	return h
}

// cachedPages fronts the page tier with the cached layer for the pool
// tier's Allocate/Deallocate traffic, while PageSize and the raw-bin-growth
// Reallocate path go straight to the page tier (the cache only holds whole
// slabs, never grows one in place).
type cachedPages struct {
	cache *cache.Cache
	pages *pagealloc.Allocator
}

func (c cachedPages) Allocate(size uintptr) uintptr { return c.cache.Allocate(size) }
func (c cachedPages) Deallocate(ptr, size uintptr)  { c.cache.Deallocate(ptr, size) }
func (c cachedPages) PageSize() uintptr             { return c.pages.PageSize() }

func (c cachedPages) Reallocate(ptr, oldSize, newSize uintptr) uintptr {
	return c.pages.Reallocate(ptr, oldSize, newSize)
}

// Malloc requests size bytes at the pool tier's default alignment.
func (h *Heap) Malloc(size uintptr) uintptr {
	return h.MallocExt(size, 0, 0)
}

// MallocExt requests size bytes aligned to alignment (0 means the pool
// tier's basic alignment), with flags reserved for future use.
func (h *Heap) MallocExt(size, alignment, flags uintptr) uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.pools.MallocExt(size, alignment, flags)
}

// Free releases a pointer obtained from Malloc/MallocExt.
func (h *Heap) Free(ptr uintptr) {
	h.FreeExt(ptr, 0, 0, 0)
}

// FreeExt releases a pointer, with size/alignment/flags as hints mirroring
// the call that produced it (the pool tier recovers the true values from
// its descriptor regardless).
func (h *Heap) FreeExt(ptr, size, alignment, flags uintptr) {
	if ptr == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.pools.FreeExt(ptr, size, alignment, flags)
}

// Realloc resizes a live allocation, preserving min(old, new) bytes.
func (h *Heap) Realloc(ptr, newSize uintptr) uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.pools.Realloc(ptr, newSize)
}

// ReallocExt is Realloc with explicit alignment/flags hints.
func (h *Heap) ReallocExt(ptr, oldSize, newSize, alignment, flags uintptr) uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.pools.ReallocExt(ptr, oldSize, newSize, alignment, flags)
}

// ReleaseMem scans the page tier for fully free OS ranges and returns them
// to the platform. It does not touch the cached layer — call FlushCache first if
// cached slots should also be released.
func (h *Heap) ReleaseMem() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pages.ReleaseMem()
}

// FlushCache returns every cached-layer slot to the page tier. A no-op when
// the cache is disabled.
func (h *Heap) FlushCache() {
	if h.cache == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.cache.Flush()
}

// Adopt merges other's live state into h (every free block, sysmem range,
// and pool-tier descriptor), leaving other empty. Both heaps' caches, if
// any, are left untouched — callers that need a clean merge should flush
// first.
func (h *Heap) Adopt(other *Heap) {
	if h == other {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	other.mu.Lock()
	defer other.mu.Unlock()

	h.pools.Adopt(other.pools)
	h.pages.Adopt(other.pages)
}

// Stats reports the heap's current live-allocation and free-block counts.
func (h *Heap) Stats() AllocatorStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	ranges := h.pages.DebugSysmemRanges()

	return AllocatorStats{
		LiveAllocations: h.pools.DebugLiveCount(),
		FreeBlocks:      len(h.pages.DebugFreeBlocks()),
		SysmemRanges:    len(ranges),
	}
}

// GlobalHeap is the default heap used by the package-level convenience
// functions below. It is constructed lazily on first use with the spec's
// documented defaults; call Initialize first to override them.
var (
	globalOnce sync.Once
	globalMu   sync.Mutex
	globalHeap *Heap
)

// Initialize installs a freshly constructed GlobalHeap built from options,
// replacing any heap installed by a previous call or by lazy first use.
func Initialize(options ...Option) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	globalHeap = New(options...)

	return nil
}

// GlobalHeap returns the process-wide heap, constructing it with defaults
// on first use if Initialize was never called.
func GlobalHeap() *Heap {
	globalOnce.Do(func() {
		globalMu.Lock()
		defer globalMu.Unlock()

		if globalHeap == nil {
			globalHeap = New()
		}
	})

	globalMu.Lock()
	h := globalHeap
	globalMu.Unlock()

	if h == nil {
		return New()
	}

	return h
}

// Alloc requests size bytes from the global heap.
func Alloc(size uintptr) uintptr { return GlobalHeap().Malloc(size) }

// Free releases a pointer obtained from Alloc/Realloc on the global heap.
func Free(ptr uintptr) { GlobalHeap().Free(ptr) }

// Realloc resizes a pointer obtained from Alloc/Realloc on the global heap.
func Realloc(ptr, newSize uintptr) uintptr { return GlobalHeap().Realloc(ptr, newSize) }

// MallocExt requests size bytes from the global heap with explicit
// alignment/flags.
func MallocExt(size, alignment, flags uintptr) uintptr {
	return GlobalHeap().MallocExt(size, alignment, flags)
}

// FreeExt releases a pointer on the global heap with explicit hints.
func FreeExt(ptr, size, alignment, flags uintptr) {
	GlobalHeap().FreeExt(ptr, size, alignment, flags)
}

// ReallocExt resizes a pointer on the global heap with explicit hints.
func ReallocExt(ptr, oldSize, newSize, alignment, flags uintptr) uintptr {
	return GlobalHeap().ReallocExt(ptr, oldSize, newSize, alignment, flags)
}

// GetStats reports the global heap's current statistics.
func GetStats() AllocatorStats { return GlobalHeap().Stats() }

// ReleaseMem returns fully free OS ranges held by the global heap.
func ReleaseMem() { GlobalHeap().ReleaseMem() }

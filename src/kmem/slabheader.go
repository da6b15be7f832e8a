package kmem

import (
	"fmt"
	"sync"
	"unsafe"
)

// bufferCacheCount is the number of power-of-two buffer caches kmalloc
// is backed by: object sizes 2^5 .. 2^16 bytes (spec section 6).
const (
	bufferMinOrder = 5
	bufferMaxOrder = 16
	bufferCacheCount = bufferMaxOrder - bufferMinOrder + 1
)

// SlabHeader is the registry of every live CacheHeader: the metadata
// blocks that hold CacheHeader slots (partitioned into "has room" and
// "full" buckets, mirroring a cache's own slab buckets one level up),
// and the fixed set of power-of-two buffer caches that back kmalloc.
type SlabHeader struct {
	hasSpace cacheHeaderList
	full     cacheHeaderList

	buffers [bufferCacheCount]*CacheHeader

	buddy *BuddyHeader
	mu    sync.Mutex
}

func (sh *SlabHeader) initialize(buddy *BuddyHeader) error {
	sh.hasSpace = cacheHeaderList{}
	sh.full = cacheHeaderList{}
	sh.buddy = buddy
	sh.mu = sync.Mutex{}

	for i := 0; i < bufferCacheCount; i++ {
		objectSize := uint64(1) << uint(bufferMinOrder+i)
		name := fmt.Sprintf("size-%d", objectSize)
		ch, err := sh.createLocked(name, objectSize, nil, nil)
		if err != nil {
			return err
		}
		sh.buffers[i] = ch
	}
	return nil
}

func (sh *SlabHeader) newCacheHeaderBlock() (*cacheHeaderBlock, error) {
	blk, err := sh.buddy.AllocatePowerOfTwo(0)
	if err != nil {
		return nil, err
	}
	b := cacheHeaderBlockAt(uintptr(unsafe.Pointer(blk)))
	b.initialize()
	return b, nil
}

// Create allocates and initializes a new named cache.
func (sh *SlabHeader) Create(name string, objectSize uint64, ctor ConstructorFunc, dtor DestructorFunc) (*CacheHeader, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.createLocked(name, objectSize, ctor, dtor)
}

func (sh *SlabHeader) createLocked(name string, objectSize uint64, ctor ConstructorFunc, dtor DestructorFunc) (*CacheHeader, error) {
	b := sh.hasSpace.first()
	if b == nil {
		nb, err := sh.newCacheHeaderBlock()
		if err != nil {
			return nil, err
		}
		sh.hasSpace.insert(nb)
		b = nb
	}

	ch, err := b.create(name, objectSize, ctor, dtor, sh.buddy)
	if err != nil {
		return nil, err
	}

	if !b.hasMoreSpace() {
		_ = sh.hasSpace.remove(b)
		sh.full.insert(b)
	}
	return ch, nil
}

// Destroy shrinks ch and releases it, refusing (per spec's latched
// error bit) to destroy a cache that still owns live slabs.
func (sh *SlabHeader) Destroy(ch *CacheHeader) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if err := ch.shrink(); err != nil {
		return err
	}
	if !ch.isEmptyOfSlabs() {
		ch.mu.Lock()
		ch.errorCode |= ErrDestroyingNonEmptyCache
		ch.mu.Unlock()
		return ErrInvalidArgument
	}

	block, wasFull := sh.locateBlock(ch)
	if block == nil {
		return ErrInvalidArgument
	}
	if err := block.destroy(ch); err != nil {
		return err
	}

	if wasFull {
		_ = sh.full.remove(block)
		sh.hasSpace.insert(block)
	}

	if block.isEmpty() {
		_ = sh.hasSpace.remove(block)
		blk := (*Block)(unsafe.Pointer(block))
		return sh.buddy.DeallocatePowerOfTwo(blk, 0)
	}
	return nil
}

func (sh *SlabHeader) locateBlock(ch *CacheHeader) (*cacheHeaderBlock, bool) {
	for b := sh.full.first(); b != nil; b = b.listNext {
		if b.contains(ch) {
			return b, true
		}
	}
	for b := sh.hasSpace.first(); b != nil; b = b.listNext {
		if b.contains(ch) {
			return b, false
		}
	}
	return nil, false
}

// bufferAllocate services kmalloc: size is rounded up to the nearest
// bootstrapped power-of-two buffer cache, with sizes below 2^5 bytes
// served from the smallest one. Sizes above the largest bootstrapped
// buffer (2^16 bytes) return a nil pointer, the documented behavior for
// a request kmalloc cannot service, rather than panicking.
func (sh *SlabHeader) bufferAllocate(size uint64) (unsafe.Pointer, error) {
	if size == 0 {
		return nil, ErrInvalidArgument
	}
	order := ceilPow2(size)
	if order < bufferMinOrder {
		order = bufferMinOrder
	}
	if order > bufferMaxOrder {
		return nil, nil
	}
	return sh.buffers[order-bufferMinOrder].allocate()
}

// bufferDeallocate services kfree: it has no size hint, so it probes
// each buffer cache for the one that owns ptr.
func (sh *SlabHeader) bufferDeallocate(ptr unsafe.Pointer) error {
	for _, ch := range sh.buffers {
		if ch == nil {
			continue
		}
		if _, _, found := ch.locateSlab(ptr); found {
			return ch.deallocate(ptr)
		}
	}
	return ErrInvalidArgument
}

package kmem

import "unsafe"

// cacheHeaderBlock is a single buddy block (order 0) sub-allocated into
// fixed-size CacheHeader slots. Unused slots chain together through
// their own CacheHeader.next pointer — the same intrusive-free-chain
// idiom the slab tier uses for objects, reused here one level up for
// cache metadata itself.
type cacheHeaderBlock struct {
	listNext *cacheHeaderBlock
	listPrev *cacheHeaderBlock

	freeHead *CacheHeader
	numUsed  uint64
	capacity uint64
}

func cacheHeaderBlockAt(addr uintptr) *cacheHeaderBlock {
	return (*cacheHeaderBlock)(unsafe.Pointer(addr))
}

func (b *cacheHeaderBlock) addr() uintptr {
	return uintptr(unsafe.Pointer(b))
}

func (b *cacheHeaderBlock) headersBase() uintptr {
	return b.addr() + unsafe.Sizeof(cacheHeaderBlock{})
}

func (b *cacheHeaderBlock) headerAt(i uint64) *CacheHeader {
	return (*CacheHeader)(unsafe.Pointer(b.headersBase() + uintptr(i)*unsafe.Sizeof(CacheHeader{})))
}

func cacheHeaderBlockCapacity() uint64 {
	overhead := uint64(unsafe.Sizeof(cacheHeaderBlock{}))
	slot := uint64(unsafe.Sizeof(CacheHeader{}))
	if BlockSize <= overhead || slot == 0 {
		return 0
	}
	return (BlockSize - overhead) / slot
}

// initialize chains every slot in the block onto the free list.
func (b *cacheHeaderBlock) initialize() {
	b.listNext = nil
	b.listPrev = nil
	b.numUsed = 0
	b.capacity = cacheHeaderBlockCapacity()
	b.freeHead = nil

	for i := b.capacity; i > 0; i-- {
		h := b.headerAt(i - 1)
		h.next = b.freeHead
		b.freeHead = h
	}
}

func (b *cacheHeaderBlock) hasMoreSpace() bool {
	return b.freeHead != nil
}

func (b *cacheHeaderBlock) isEmpty() bool {
	return b.numUsed == 0
}

// contains reports whether h is one of this block's slots (used or not).
func (b *cacheHeaderBlock) contains(h *CacheHeader) bool {
	addr := uintptr(unsafe.Pointer(h))
	base := b.headersBase()
	if addr < base {
		return false
	}
	slot := unsafe.Sizeof(CacheHeader{})
	delta := addr - base
	return delta%slot == 0 && delta/slot < b.capacity
}

// create claims one free slot and initializes it as a live cache.
func (b *cacheHeaderBlock) create(name string, objectSize uint64, ctor ConstructorFunc, dtor DestructorFunc, buddy *BuddyHeader) (*CacheHeader, error) {
	if b.freeHead == nil {
		return nil, ErrOutOfMemory
	}
	h := b.freeHead
	b.freeHead = h.next
	h.next = nil

	if err := h.initialize(name, objectSize, ctor, dtor, buddy); err != nil {
		h.next = b.freeHead
		b.freeHead = h
		return nil, err
	}
	b.numUsed++
	return h, nil
}

// destroy returns h's slot to the free list.
func (b *cacheHeaderBlock) destroy(h *CacheHeader) error {
	if !b.contains(h) {
		return ErrInvalidArgument
	}
	h.next = b.freeHead
	h.prev = nil
	b.freeHead = h
	if b.numUsed > 0 {
		b.numUsed--
	}
	return nil
}

// cacheHeaderList is a plain doubly-linked list of cacheHeaderBlocks
// (a SlabHeader's "has room" vs "full" buckets).
type cacheHeaderList struct {
	head *cacheHeaderBlock
}

func (l *cacheHeaderList) insert(b *cacheHeaderBlock) {
	b.listNext = l.head
	b.listPrev = nil
	if l.head != nil {
		l.head.listPrev = b
	}
	l.head = b
}

// remove unlinks b from wherever it sits in the list.
func (l *cacheHeaderList) remove(b *cacheHeaderBlock) error {
	if b == nil {
		return ErrInvalidArgument
	}
	left, right := b.listPrev, b.listNext
	if right != nil {
		right.listPrev = left
	}
	if left != nil {
		left.listNext = right
	} else if l.head == b {
		l.head = right
	} else {
		return ErrInvalidArgument
	}
	b.listNext = nil
	b.listPrev = nil
	return nil
}

func (l *cacheHeaderList) isEmpty() bool {
	return l.head == nil
}

func (l *cacheHeaderList) first() *cacheHeaderBlock {
	return l.head
}

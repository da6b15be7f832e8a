package kmem

import (
	"math/bits"
	"sync"
	"unsafe"
)

// BuddyHeader is the low tier of the allocator: a bitmap-backed buddy
// system over a fixed run of blocks. Free chunks are tracked both by an
// intrusive free list per order (fast allocation/coalescing) and by a
// bitmap (fast, unambiguous allocated/free queries for the slab tier).
type BuddyHeader struct {
	pointers   [PowersOfTwo]*Block
	numBitmaps uint64
	numBlocks  uint64
	base       uintptr
	mu         sync.Mutex
}

// log2 returns floor(log2(n)) for n >= 1.
func log2(n uint64) uint {
	return uint(bits.Len64(n) - 1)
}

// ceilPow2 returns the smallest k such that 2^k >= n, for n >= 1.
func ceilPow2(n uint64) uint {
	k := log2(n)
	if uint64(1)<<k < n {
		k++
	}
	return k
}

func numOfBitmaps(numBlocks uint64) uint64 {
	return (numBlocks + EntriesInBitmap - 1) / EntriesInBitmap
}

// Initialize lays out the buddy metadata over memory, which must be at
// least numBlocks*BlockSize bytes. The leading numOfBitmaps(numBlocks)
// blocks are claimed for bitmap storage and are permanently allocated;
// the remainder is decomposed into the largest power-of-two runs that
// exactly cover it and seeded onto the free lists.
func (h *BuddyHeader) Initialize(memory uintptr, numBlocks uint64) error {
	if memory == 0 || numBlocks < 2 {
		return ErrInvalidArgument
	}

	nb := numOfBitmaps(numBlocks)
	if nb >= numBlocks {
		return ErrInvalidArgument
	}

	h.base = memory
	h.numBlocks = numBlocks
	h.numBitmaps = nb
	h.pointers = [PowersOfTwo]*Block{}
	h.mu = sync.Mutex{}

	for i := uint64(0); i < nb; i++ {
		h.bitmapAt(i).initialize()
	}
	if err := h.markRange(0, nb, true); err != nil {
		return err
	}

	offset := nb
	remaining := numBlocks - nb
	for order := PowersOfTwo - 1; order >= 0 && remaining > 0; order-- {
		size := uint64(1) << uint(order)
		if remaining < size {
			continue
		}
		b := blockAt(h.base, offset)
		b.index = offset
		if err := insertHead(&h.pointers[order], b); err != nil {
			return err
		}
		offset += size
		remaining -= size
	}
	return nil
}

func (h *BuddyHeader) bitmapAt(i uint64) *bitMapBlock {
	return (*bitMapBlock)(unsafe.Pointer(h.base + uintptr(i)*BlockSize))
}

func (h *BuddyHeader) isInRange(index uint64) bool {
	return index < h.numBlocks
}

func (h *BuddyHeader) blockLocation(index uint64) (bitmapIdx, bitIdx uint64) {
	return index / EntriesInBitmap, index % EntriesInBitmap
}

// isAllocated reports whether the single block at index is currently
// allocated (per the bitmap's literal 1-means-allocated semantics).
func (h *BuddyHeader) isAllocated(index uint64) (bool, error) {
	if !h.isInRange(index) {
		return false, ErrOutOfRange
	}
	bitmapIdx, bitIdx := h.blockLocation(index)
	if bitmapIdx >= h.numBitmaps {
		return false, ErrOutOfRange
	}
	return h.bitmapAt(bitmapIdx).isFree(bitIdx)
}

// markRange flips sizeInBlocks bits starting at index, splitting the
// range across adjacent BitMapBlocks when it crosses a boundary.
func (h *BuddyHeader) markRange(index, sizeInBlocks uint64, doAllocate bool) error {
	cur, remaining := index, sizeInBlocks
	for remaining > 0 {
		bitmapIdx, bitIdx := h.blockLocation(cur)
		if bitmapIdx >= h.numBitmaps {
			return ErrOutOfRange
		}
		bm := h.bitmapAt(bitmapIdx)
		room := EntriesInBitmap - bitIdx
		n := remaining
		if n > room {
			n = room
		}
		var err error
		if doAllocate {
			err = bm.allocate(bitIdx, n)
		} else {
			err = bm.deallocate(bitIdx, n)
		}
		if err != nil {
			return err
		}
		cur += n
		remaining -= n
	}
	return nil
}

// buddyOf computes the sibling of a 2^order run starting at the
// absolute block index. XOR-based buddy pairing only holds relative to
// an aligned origin, so the offset of the manageable region (numBitmaps
// blocks, reserved for bitmap storage) is subtracted out and added back
// in — the data region itself is always laid out with every free run
// aligned to its own size (see Initialize's greedy seeding), but the
// region rarely starts at block 0 of the whole pool.
func (h *BuddyHeader) buddyOf(index uint64, order uint) uint64 {
	rel := index - h.numBitmaps
	return (rel ^ (uint64(1) << order)) + h.numBitmaps
}

// AllocatePowerOfTwo returns a 2^k-block run, splitting a larger free
// run if no exact match is on hand.
func (h *BuddyHeader) AllocatePowerOfTwo(k uint) (*Block, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocatePowerOfTwoLocked(k)
}

func (h *BuddyHeader) allocatePowerOfTwoLocked(k uint) (*Block, error) {
	if k >= PowersOfTwo {
		return nil, ErrInvalidArgument
	}

	order := k
	for order < PowersOfTwo && h.pointers[order] == nil {
		order++
	}
	if order >= PowersOfTwo {
		return nil, ErrOutOfMemory
	}

	b, err := removeHead(&h.pointers[order])
	if err != nil {
		return nil, err
	}

	for order > k {
		order--
		buddyIdx := b.index + (uint64(1) << order)
		buddy := blockAt(h.base, buddyIdx)
		buddy.index = buddyIdx
		if err := insertHead(&h.pointers[order], buddy); err != nil {
			return nil, err
		}
	}

	if err := h.markRange(b.index, uint64(1)<<k, true); err != nil {
		return nil, err
	}
	return b, nil
}

// Allocate rounds sizeInBlocks up to the next power of two and returns
// the block and the order actually reserved.
func (h *BuddyHeader) Allocate(sizeInBlocks uint64) (*Block, uint, error) {
	if sizeInBlocks == 0 {
		return nil, 0, ErrInvalidArgument
	}
	k := ceilPow2(sizeInBlocks)
	b, err := h.AllocatePowerOfTwo(k)
	return b, k, err
}

// DeallocatePowerOfTwo returns a 2^k-block run, coalescing with its
// buddy while the buddy is wholly free.
func (h *BuddyHeader) DeallocatePowerOfTwo(b *Block, k uint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deallocatePowerOfTwoLocked(b, k)
}

func (h *BuddyHeader) deallocatePowerOfTwoLocked(b *Block, k uint) error {
	if b == nil || k >= PowersOfTwo {
		return ErrInvalidArgument
	}

	// An allocated run's bytes belong to the caller (a slab or cache
	// block descriptor overwrites the Block fields), so its position is
	// recovered from its address.
	addr := uintptr(unsafe.Pointer(b))
	if addr < h.base || (addr-h.base)%BlockSize != 0 {
		return ErrInvalidArgument
	}
	index := uint64((addr - h.base) / BlockSize)
	if index < h.numBitmaps || !h.isInRange(index) {
		return ErrInvalidArgument
	}
	if err := h.markRange(index, uint64(1)<<k, false); err != nil {
		return err
	}

	for k < PowersOfTwo-1 {
		buddyIdx := h.buddyOf(index, k)
		if !h.isInRange(buddyIdx) {
			break
		}
		allocated, err := h.isAllocated(buddyIdx)
		if err != nil || allocated {
			break
		}
		buddy := blockAt(h.base, buddyIdx)
		onList := false
		for e := h.pointers[k]; e != nil; e = e.next {
			if e == buddy {
				onList = true
				break
			}
		}
		if !onList {
			break
		}
		if err := removeSpecific(&h.pointers[k], buddy); err != nil {
			break
		}
		if buddyIdx < index {
			index = buddyIdx
		}
		k++
	}

	merged := blockAt(h.base, index)
	merged.index = index
	return insertHead(&h.pointers[k], merged)
}

// Deallocate is the counterpart of Allocate. Size 0 is a no-op, not an
// error: there is nothing to return to the pool.
func (h *BuddyHeader) Deallocate(b *Block, sizeInBlocks uint64) error {
	if sizeInBlocks == 0 {
		return nil
	}
	return h.DeallocatePowerOfTwo(b, ceilPow2(sizeInBlocks))
}

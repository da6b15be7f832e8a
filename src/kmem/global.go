package kmem

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Header is the top-level handle for one fixed-size pool: the buddy
// tier managing raw blocks, the slab tier managing caches carved from
// those blocks, and the console mutex guarding kmem_cache_info /
// kmem_cache_error output.
type Header struct {
	buddy     BuddyHeader
	slab      SlabHeader
	consoleMu sync.Mutex
}

// Initialize lays out a fresh allocator over memory, which must be at
// least blockCount*BlockSize bytes and is never touched again except
// through the returned Header. Block 0 is reserved for the Header
// itself; the buddy tier only ever manages blocks 1..blockCount-1.
// blockCount must be at least 3: the reserved header block plus the
// buddy tier's own two-block minimum.
func Initialize(memory unsafe.Pointer, blockCount uint64) (*Header, error) {
	if memory == nil || blockCount < 3 {
		return nil, ErrInvalidArgument
	}

	h := (*Header)(memory)
	poolBase := uintptr(memory) + BlockSize
	if err := h.buddy.Initialize(poolBase, blockCount-1); err != nil {
		return nil, err
	}
	if err := h.slab.initialize(&h.buddy); err != nil {
		return nil, err
	}
	h.consoleMu = sync.Mutex{}
	return h, nil
}

// NewMmapPool obtains a fresh, anonymous, page-backed region of
// blockCount blocks for callers that don't already own a block of
// memory (tests, demos, the facade's package-level singleton). The
// returned teardown func unmaps the region; it must not be called
// while any pointer returned by the allocator is still in use.
func NewMmapPool(blockCount uint64) (unsafe.Pointer, func() error, error) {
	if blockCount < 3 {
		return nil, nil, ErrInvalidArgument
	}

	size := int(blockCount * BlockSize)
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, nil, err
	}

	ptr := unsafe.Pointer(&data[0])
	teardown := func() error {
		return unix.Munmap(data)
	}
	return ptr, teardown, nil
}

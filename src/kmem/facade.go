package kmem

import (
	"io"
	"sync"
	"unsafe"
)

// global is the package-level allocator instance the kmem_*/kmalloc
// compatibility surface below operates on, mirroring the original's
// free-function façade over a single process-wide allocator state.
var (
	global   *Header
	globalMu sync.Mutex
)

// KmemInit brings the package-level allocator up over memory (at least
// blockCount*BlockSize bytes). Calling it again replaces the prior
// allocator state; callers are responsible for not doing so while
// objects from the old one are still live.
func KmemInit(memory unsafe.Pointer, blockCount uint64) error {
	h, err := Initialize(memory, blockCount)
	if err != nil {
		return err
	}
	globalMu.Lock()
	global = h
	globalMu.Unlock()
	return nil
}

func currentHeader() (*Header, error) {
	globalMu.Lock()
	h := global
	globalMu.Unlock()
	if h == nil {
		return nil, ErrInvalidArgument
	}
	return h, nil
}

// KmemCacheCreate creates a new named cache of fixed-size objects.
func KmemCacheCreate(name string, objectSize uint64, ctor ConstructorFunc, dtor DestructorFunc) (*CacheHeader, error) {
	h, err := currentHeader()
	if err != nil {
		return nil, err
	}
	return h.slab.Create(name, objectSize, ctor, dtor)
}

// KmemCacheAlloc returns one object from cache.
func KmemCacheAlloc(cache *CacheHeader) (unsafe.Pointer, error) {
	if cache == nil {
		return nil, ErrInvalidArgument
	}
	return cache.allocate()
}

// KmemCacheFree returns ptr to cache.
func KmemCacheFree(cache *CacheHeader, ptr unsafe.Pointer) error {
	if cache == nil {
		return ErrInvalidArgument
	}
	return cache.deallocate(ptr)
}

// KmemCacheShrink releases cache's wholly-empty slabs back to the
// buddy tier.
func KmemCacheShrink(cache *CacheHeader) error {
	if cache == nil {
		return ErrInvalidArgument
	}
	return cache.shrink()
}

// KmemCacheDestroy releases cache entirely, failing (with the
// DESTROYING_NON_EMPTY_CACHE bit latched) if any slab still holds a
// live object.
func KmemCacheDestroy(cache *CacheHeader) error {
	h, err := currentHeader()
	if err != nil {
		return err
	}
	if cache == nil {
		return ErrInvalidArgument
	}
	return h.slab.Destroy(cache)
}

// Kmalloc returns a size-byte buffer from the nearest bootstrapped
// power-of-two buffer cache (2^5..2^16 bytes; smaller sizes are served
// from the 2^5 cache), or nil if size is 0 or larger than 2^16 bytes.
func Kmalloc(size uint64) unsafe.Pointer {
	h, err := currentHeader()
	if err != nil {
		return nil
	}
	ptr, err := h.slab.bufferAllocate(size)
	if err != nil {
		return nil
	}
	return ptr
}

// Kfree returns a buffer obtained from Kmalloc.
func Kfree(ptr unsafe.Pointer) error {
	h, err := currentHeader()
	if err != nil {
		return err
	}
	return h.slab.bufferDeallocate(ptr)
}

// KmemCacheInfo writes a one-line summary of cache to w, serialized
// against every other console writer the allocator owns.
func KmemCacheInfo(cache *CacheHeader, w io.Writer) error {
	h, err := currentHeader()
	if err != nil {
		return err
	}
	if cache == nil {
		return ErrInvalidArgument
	}
	cache.printInfo(w, &h.consoleMu)
	return nil
}

// KmemCacheError writes cache's latched error bitmask to w and returns it.
func KmemCacheError(cache *CacheHeader, w io.Writer) (ErrorCode, error) {
	h, err := currentHeader()
	if err != nil {
		return OK, err
	}
	if cache == nil {
		return OK, ErrInvalidArgument
	}
	return cache.printErrorInfo(w, &h.consoleMu), nil
}

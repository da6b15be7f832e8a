package kmem

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initTestFacade(t *testing.T, blockCount uint64) func() {
	t.Helper()
	mem, teardown, err := NewMmapPool(blockCount)
	require.NoError(t, err)
	require.NoError(t, KmemInit(mem, blockCount))
	return teardown
}

func TestKmallocKfreeRoundTrip(t *testing.T) {
	defer initTestFacade(t, 512)()

	ptr := Kmalloc(100)
	require.NotNil(t, ptr)

	*(*byte)(ptr) = 0xAB
	assert.Equal(t, byte(0xAB), *(*byte)(ptr))

	require.NoError(t, Kfree(ptr))
}

func TestKmallocOutsideBootstrappedRangeReturnsNil(t *testing.T) {
	defer initTestFacade(t, 512)()

	assert.Nil(t, Kmalloc(1<<20))
}

func TestKmallocRoundsUpToSmallestBuffer(t *testing.T) {
	defer initTestFacade(t, 512)()

	ptr := Kmalloc(1)
	require.NotNil(t, ptr)
	require.NoError(t, Kfree(ptr))
}

func TestKfreeOfUnknownPointerFails(t *testing.T) {
	defer initTestFacade(t, 512)()

	var local int
	err := Kfree(unsafe.Pointer(&local))
	assert.Error(t, err)
}

func TestFacadeCacheLifecycle(t *testing.T) {
	defer initTestFacade(t, 512)()

	ch, err := KmemCacheCreate("facade-cache", 24, nil, nil)
	require.NoError(t, err)

	ptr, err := KmemCacheAlloc(ch)
	require.NoError(t, err)
	require.NotNil(t, ptr)

	require.NoError(t, KmemCacheFree(ch, ptr))
	require.NoError(t, KmemCacheShrink(ch))
	require.NoError(t, KmemCacheDestroy(ch))
}

func TestKmemCacheErrorClearsLatch(t *testing.T) {
	defer initTestFacade(t, 512)()

	chA, err := KmemCacheCreate("a", 16, nil, nil)
	require.NoError(t, err)
	chB, err := KmemCacheCreate("b", 16, nil, nil)
	require.NoError(t, err)

	ptr, err := KmemCacheAlloc(chA)
	require.NoError(t, err)

	err = KmemCacheFree(chB, ptr)
	assert.Error(t, err)

	var buf bytes.Buffer
	code, err := KmemCacheError(chB, &buf)
	require.NoError(t, err)
	assert.NotZero(t, code&ErrDeallocatingWrongObject)

	buf.Reset()
	code, err = KmemCacheError(chB, &buf)
	require.NoError(t, err)
	assert.Equal(t, OK, code, "a second back-to-back read must find the latch already cleared")

	require.NoError(t, KmemCacheFree(chA, ptr))
}

func TestFacadeOperationsFailBeforeInit(t *testing.T) {
	globalMu.Lock()
	global = nil
	globalMu.Unlock()

	_, err := KmemCacheCreate("no-init", 8, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Nil(t, Kmalloc(32))
}

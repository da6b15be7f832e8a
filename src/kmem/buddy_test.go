package kmem

import (
	"math/rand"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	rand.Seed(1)
	m.Run()
}

func newTestBuddy(t *testing.T, blockCount uint64) (*BuddyHeader, func()) {
	t.Helper()
	mem, teardown, err := NewMmapPool(blockCount)
	require.NoError(t, err)

	h := &BuddyHeader{}
	require.NoError(t, h.Initialize(uintptr(mem), blockCount))
	return h, func() { require.NoError(t, teardown()) }
}

func TestBuddyInitializeRejectsTooFewBlocks(t *testing.T) {
	mem, teardown, err := NewMmapPool(8)
	require.NoError(t, err)
	defer teardown()

	h := &BuddyHeader{}
	assert.ErrorIs(t, h.Initialize(uintptr(mem), 1), ErrInvalidArgument)
}

func TestBuddyInitializeAcceptsMinimumBlocks(t *testing.T) {
	mem, teardown, err := NewMmapPool(8)
	require.NoError(t, err)
	defer teardown()

	h := &BuddyHeader{}
	assert.NoError(t, h.Initialize(uintptr(mem), 2))
}

func TestBuddyAllocateMarksBitmapAllocated(t *testing.T) {
	h, teardown := newTestBuddy(t, 64)
	defer teardown()

	b, err := h.AllocatePowerOfTwo(0)
	require.NoError(t, err)
	require.NotNil(t, b)

	allocated, err := h.isAllocated(b.index)
	require.NoError(t, err)
	assert.True(t, allocated)
}

func TestBuddySplitsLargerRunsOnDemand(t *testing.T) {
	h, teardown := newTestBuddy(t, 64)
	defer teardown()

	// Initialize seeds 63 data blocks as 32+16+8+4+2+1, so the first
	// request takes the lone order-0 run; the second finds order 0
	// empty and must split the order-1 run.
	b1, err := h.AllocatePowerOfTwo(0)
	require.NoError(t, err)
	b2, err := h.AllocatePowerOfTwo(0)
	require.NoError(t, err)
	assert.NotEqual(t, b1.index, b2.index)
}

func TestBuddyDeallocateClearsBitmap(t *testing.T) {
	h, teardown := newTestBuddy(t, 64)
	defer teardown()

	const order = 2
	b, err := h.AllocatePowerOfTwo(order)
	require.NoError(t, err)

	require.NoError(t, h.DeallocatePowerOfTwo(b, order))

	allocated, err := h.isAllocated(b.index)
	require.NoError(t, err)
	assert.False(t, allocated)
}

func TestBuddyAllocateExhaustsPool(t *testing.T) {
	h, teardown := newTestBuddy(t, 16)
	defer teardown()

	var blocks []*Block
	for {
		b, err := h.AllocatePowerOfTwo(0)
		if err != nil {
			assert.ErrorIs(t, err, ErrOutOfMemory)
			break
		}
		blocks = append(blocks, b)
	}
	assert.NotEmpty(t, blocks)

	for _, b := range blocks {
		require.NoError(t, h.DeallocatePowerOfTwo(b, 0))
	}
}

func TestBuddyRoundTripPreservesCapacity(t *testing.T) {
	h, teardown := newTestBuddy(t, 128)
	defer teardown()

	var allocated []*Block
	for i := 0; i < 8; i++ {
		b, err := h.AllocatePowerOfTwo(1)
		require.NoError(t, err)
		allocated = append(allocated, b)
	}

	perm := rand.Perm(len(allocated))
	for _, i := range perm {
		require.NoError(t, h.DeallocatePowerOfTwo(allocated[i], 1))
	}

	// Having freed everything, the pool should again satisfy a
	// request for a single block.
	b, err := h.AllocatePowerOfTwo(0)
	require.NoError(t, err)
	assert.NotNil(t, b)
}

func TestCeilPow2(t *testing.T) {
	cases := map[uint64]uint{1: 0, 2: 1, 3: 2, 4: 2, 5: 3, 1024: 10, 1025: 11}
	for n, want := range cases {
		assert.Equal(t, want, ceilPow2(n), "ceilPow2(%d)", n)
	}
}

func TestBlockListInsertRemove(t *testing.T) {
	mem, teardown, err := NewMmapPool(4)
	require.NoError(t, err)
	defer teardown()

	base := uintptr(mem)
	var head *Block
	b0 := blockAt(base, 0)
	b1 := blockAt(base, 1)
	b2 := blockAt(base, 2)

	require.NoError(t, insertHead(&head, b0))
	require.NoError(t, insertHead(&head, b1))
	require.NoError(t, insertHead(&head, b2))
	assert.Equal(t, b2, head)

	require.NoError(t, removeSpecific(&head, b1))
	got, err := removeHead(&head)
	require.NoError(t, err)
	assert.Equal(t, b2, got)

	got, err = removeHead(&head)
	require.NoError(t, err)
	assert.Equal(t, b0, got)

	_, err = removeHead(&head)
	assert.ErrorIs(t, err, ErrUnderflow)

	_ = unsafe.Sizeof(Block{})
}

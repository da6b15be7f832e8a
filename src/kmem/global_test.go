package kmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMmapPoolRejectsTooFewBlocks(t *testing.T) {
	_, _, err := NewMmapPool(2)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestInitializeRejectsNilMemory(t *testing.T) {
	_, err := Initialize(nil, 16)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestInitializeWiresBuddyAndSlabTogether(t *testing.T) {
	mem, teardown, err := NewMmapPool(256)
	require.NoError(t, err)
	defer teardown()

	h, err := Initialize(mem, 256)
	require.NoError(t, err)
	require.NotNil(t, h)

	// The bootstrap buffer caches must all have been created against
	// the same buddy tier Initialize wired in.
	for _, ch := range h.slab.buffers {
		require.NotNil(t, ch)
		assert.Same(t, &h.buddy, ch.buddy)
	}
}

package metadata_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/thinpool/internal/metadata"
)

func TestSpaceMapAllocMarksBlockReferenced(t *testing.T) {
	sm := metadata.NewSpaceMap(4)
	b, err := sm.Alloc()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), sm.RefCount(b))
	assert.Equal(t, uint32(3), sm.FreeBlocks())
}

func TestSpaceMapAllocExhaustion(t *testing.T) {
	sm := metadata.NewSpaceMap(2)
	_, err := sm.Alloc()
	require.NoError(t, err)
	_, err = sm.Alloc()
	require.NoError(t, err)
	_, err = sm.Alloc()
	assert.ErrorIs(t, err, metadata.ErrNoSpace)
}

func TestSpaceMapIncDecTracksSharing(t *testing.T) {
	sm := metadata.NewSpaceMap(4)
	b, err := sm.Alloc()
	require.NoError(t, err)

	require.NoError(t, sm.Inc(b))
	assert.Equal(t, uint32(2), sm.RefCount(b))

	rc, err := sm.Dec(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), rc)
	assert.Equal(t, uint32(3), sm.FreeBlocks(), "block is still referenced once, not free yet")

	rc, err = sm.Dec(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), rc)
	assert.Equal(t, uint32(4), sm.FreeBlocks())
}

func TestSpaceMapDecOutOfRangeFails(t *testing.T) {
	sm := metadata.NewSpaceMap(4)
	_, err := sm.Dec(99)
	assert.ErrorIs(t, err, metadata.ErrInvalid)
}

func TestSpaceMapResizeGrowsFreeCount(t *testing.T) {
	sm := metadata.NewSpaceMap(2)
	_, err := sm.Alloc()
	require.NoError(t, err)
	require.NoError(t, sm.Resize(6))
	assert.Equal(t, uint32(6), sm.TotalBlocks())
	assert.Equal(t, uint32(5), sm.FreeBlocks())
}

func TestSpaceMapResizeRejectsShrink(t *testing.T) {
	sm := metadata.NewSpaceMap(6)
	err := sm.Resize(2)
	assert.ErrorIs(t, err, metadata.ErrInvalid)
}

func TestSpaceMapAllocReusesFreedBlocks(t *testing.T) {
	sm := metadata.NewSpaceMap(1)
	b, err := sm.Alloc()
	require.NoError(t, err)
	_, err = sm.Dec(b)
	require.NoError(t, err)

	b2, err := sm.Alloc()
	require.NoError(t, err)
	assert.Equal(t, b, b2)
}

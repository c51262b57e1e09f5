package metadata_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/thinpool/internal/metadata"
)

func TestCreateThinDeviceRejectsDuplicate(t *testing.T) {
	h, err := metadata.Open(16, "")
	require.NoError(t, err)
	require.NoError(t, h.CreateThinDevice(1))
	err = h.CreateThinDevice(1)
	assert.ErrorIs(t, err, metadata.ErrExists)
}

func TestAllocateInsertFindRoundTrip(t *testing.T) {
	h, err := metadata.Open(16, "")
	require.NoError(t, err)
	require.NoError(t, h.CreateThinDevice(1))

	data, err := h.AllocateDataBlock()
	require.NoError(t, err)
	require.NoError(t, h.InsertBlock(1, 5, data, false))

	m, err := h.FindBlock(1, 5)
	require.NoError(t, err)
	assert.Equal(t, data, m.Data)
	assert.False(t, m.Shared)
}

func TestFindBlockNonBlockingWouldBlockUntilHotCacheTouched(t *testing.T) {
	h, err := metadata.Open(16, "")
	require.NoError(t, err)
	require.NoError(t, h.CreateThinDevice(1))
	data, err := h.AllocateDataBlock()
	require.NoError(t, err)
	require.NoError(t, h.InsertBlock(1, 5, data, false))

	// InsertBlock itself touches the hot cache, so a fresh block not yet
	// inserted must still would-block.
	_, err = h.FindBlockNonBlocking(1, 99)
	assert.ErrorIs(t, err, metadata.ErrWouldBlock)

	m, err := h.FindBlockNonBlocking(1, 5)
	require.NoError(t, err)
	assert.Equal(t, data, m.Data)
}

func TestFindBlockNotFoundOnUnmappedBlock(t *testing.T) {
	h, err := metadata.Open(16, "")
	require.NoError(t, err)
	require.NoError(t, h.CreateThinDevice(1))
	_, err = h.FindBlock(1, 42)
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}

func TestCreateSnapSharesOriginBlocksAndBumpsRefcount(t *testing.T) {
	h, err := metadata.Open(16, "")
	require.NoError(t, err)
	require.NoError(t, h.CreateThinDevice(1))
	data, err := h.AllocateDataBlock()
	require.NoError(t, err)
	require.NoError(t, h.InsertBlock(1, 0, data, false))

	require.NoError(t, h.CreateSnap(2, 1))

	origin, err := h.FindBlock(1, 0)
	require.NoError(t, err)
	assert.True(t, origin.Shared, "origin block must be marked shared after snapshotting")

	snap, err := h.FindBlock(2, 0)
	require.NoError(t, err)
	assert.Equal(t, origin.Data, snap.Data)
	assert.True(t, snap.Shared)
}

func TestCreateSnapOfUnknownOriginFails(t *testing.T) {
	h, err := metadata.Open(16, "")
	require.NoError(t, err)
	err = h.CreateSnap(2, 1)
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}

func TestCreateSnapOntoExistingDeviceFails(t *testing.T) {
	h, err := metadata.Open(16, "")
	require.NoError(t, err)
	require.NoError(t, h.CreateThinDevice(1))
	require.NoError(t, h.CreateThinDevice(2))
	err = h.CreateSnap(2, 1)
	assert.ErrorIs(t, err, metadata.ErrExists)
}

func TestDeleteThinDeviceReleasesReferences(t *testing.T) {
	h, err := metadata.Open(4, "")
	require.NoError(t, err)
	require.NoError(t, h.CreateThinDevice(1))
	data, err := h.AllocateDataBlock()
	require.NoError(t, err)
	require.NoError(t, h.InsertBlock(1, 0, data, false))

	assert.Equal(t, uint32(3), h.FreeBlocks())
	require.NoError(t, h.DeleteThinDevice(1))
	assert.Equal(t, uint32(4), h.FreeBlocks(), "deleting the sole referencing device must free the block")
}

func TestTrimThinDeviceDropsAndDereferencesTailBlocks(t *testing.T) {
	h, err := metadata.Open(4, "")
	require.NoError(t, err)
	require.NoError(t, h.CreateThinDevice(1))
	d0, err := h.AllocateDataBlock()
	require.NoError(t, err)
	require.NoError(t, h.InsertBlock(1, 0, d0, false))
	d1, err := h.AllocateDataBlock()
	require.NoError(t, err)
	require.NoError(t, h.InsertBlock(1, 1, d1, false))

	require.NoError(t, h.TrimThinDevice(1, 1))

	_, err = h.FindBlock(1, 1)
	assert.ErrorIs(t, err, metadata.ErrNotFound, "block beyond the new size must be dropped")
	_, err = h.FindBlock(1, 0)
	assert.NoError(t, err, "block within the new size must survive")
	assert.Equal(t, uint32(3), h.FreeBlocks())
}

func TestAllocateDataBlockExhaustionReturnsNoSpace(t *testing.T) {
	h, err := metadata.Open(2, "")
	require.NoError(t, err)
	_, err = h.AllocateDataBlock()
	require.NoError(t, err)
	_, err = h.AllocateDataBlock()
	require.NoError(t, err)
	_, err = h.AllocateDataBlock()
	assert.ErrorIs(t, err, metadata.ErrNoSpace)
}

func TestReleaseDataBlockReturnsItToTheFreePool(t *testing.T) {
	h, err := metadata.Open(1, "")
	require.NoError(t, err)
	data, err := h.AllocateDataBlock()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), h.FreeBlocks())

	require.NoError(t, h.ReleaseDataBlock(data))
	assert.Equal(t, uint32(1), h.FreeBlocks())
}

func TestResizeDataDeviceGrowsFreeBlocks(t *testing.T) {
	h, err := metadata.Open(4, "")
	require.NoError(t, err)
	require.NoError(t, h.ResizeDataDevice(8))
	assert.Equal(t, uint32(8), h.TotalDataBlocks())
	assert.Equal(t, uint32(8), h.FreeBlocks())
}

func TestResizeDataDeviceRejectsShrink(t *testing.T) {
	h, err := metadata.Open(8, "")
	require.NoError(t, err)
	err = h.ResizeDataDevice(4)
	assert.ErrorIs(t, err, metadata.ErrInvalid)
}

func TestSetTransactionIDCompareAndSet(t *testing.T) {
	h, err := metadata.Open(4, "")
	require.NoError(t, err)
	require.NoError(t, h.SetTransactionID(0, 1))
	assert.Equal(t, uint64(1), h.TransactionID())

	err = h.SetTransactionID(0, 2)
	assert.ErrorIs(t, err, metadata.ErrInvalid, "a stale old value must be rejected")
}

func TestCommitWritesDurableLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "commit.log")

	h, err := metadata.Open(4, path)
	require.NoError(t, err)
	require.NoError(t, h.CreateThinDevice(1))
	require.NoError(t, h.SetTransactionID(0, 7))
	require.NoError(t, h.Commit())
	assert.False(t, h.Degraded())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

// TestReopenAfterCommitRecoversMappingsAndTransactionID exercises spec.md §8
// invariant 6: close+reopen of a pool must preserve every installed mapping
// and the transaction id, not just a non-empty log file.
func TestReopenAfterCommitRecoversMappingsAndTransactionID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "commit.log")

	h, err := metadata.Open(8, path)
	require.NoError(t, err)
	require.NoError(t, h.CreateThinDevice(1))
	data, err := h.AllocateDataBlock()
	require.NoError(t, err)
	require.NoError(t, h.InsertBlock(1, 3, data, false))
	require.NoError(t, h.SetTransactionID(0, 7))
	require.NoError(t, h.Commit())

	reopened, err := metadata.Open(8, path)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), reopened.TransactionID())

	m, err := reopened.FindBlock(1, 3)
	require.NoError(t, err)
	assert.Equal(t, data, m.Data)
	assert.False(t, m.Shared)

	// The recovered block's reference must also be reflected in the space
	// map so a second allocation doesn't double-issue it.
	assert.Equal(t, uint32(7), reopened.FreeBlocks())
}

// TestReopenAfterMultipleCommitsReplaysEveryTransaction checks that the WAL
// accumulates across several Commit calls rather than only the last one.
func TestReopenAfterMultipleCommitsReplaysEveryTransaction(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "commit.log")

	h, err := metadata.Open(8, path)
	require.NoError(t, err)
	require.NoError(t, h.CreateThinDevice(1))
	require.NoError(t, h.Commit())

	d0, err := h.AllocateDataBlock()
	require.NoError(t, err)
	require.NoError(t, h.InsertBlock(1, 0, d0, false))
	require.NoError(t, h.Commit())

	d1, err := h.AllocateDataBlock()
	require.NoError(t, err)
	require.NoError(t, h.InsertBlock(1, 1, d1, false))
	require.NoError(t, h.Commit())

	reopened, err := metadata.Open(8, path)
	require.NoError(t, err)
	m0, err := reopened.FindBlock(1, 0)
	require.NoError(t, err)
	assert.Equal(t, d0, m0.Data)
	m1, err := reopened.FindBlock(1, 1)
	require.NoError(t, err)
	assert.Equal(t, d1, m1.Data)
}

// TestDeleteThinDeviceRequiresClosedDevice covers spec.md §6's precondition
// that `delete` only succeeds on a closed device.
func TestDeleteThinDeviceRequiresClosedDevice(t *testing.T) {
	h, err := metadata.Open(4, "")
	require.NoError(t, err)
	require.NoError(t, h.CreateThinDevice(1))
	require.NoError(t, h.OpenThinDevice(1))

	err = h.DeleteThinDevice(1)
	assert.ErrorIs(t, err, metadata.ErrInvalid, "deleting a still-open device must fail")

	require.NoError(t, h.CloseThinDevice(1))
	require.NoError(t, h.DeleteThinDevice(1))
}

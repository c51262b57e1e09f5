package metadata_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/thinpool/internal/metadata"
)

func TestSuperblockSetTransactionIDMismatch(t *testing.T) {
	sb := metadata.NewSuperblock(16, "")
	require.NoError(t, sb.SetTransactionID(0, 1))
	err := sb.SetTransactionID(0, 2)
	assert.ErrorIs(t, err, metadata.ErrInvalid)
}

func TestSuperblockHeldRootDefaultsToNone(t *testing.T) {
	sb := metadata.NewSuperblock(16, "")
	assert.Less(t, sb.HeldRoot(), int64(0), "a fresh superblock holds no root")

	sb.SetHeldRoot(3)
	assert.Equal(t, int64(3), sb.HeldRoot())
}

func TestSuperblockCommitAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sb.log")

	sb := metadata.NewSuperblock(16, path)
	require.NoError(t, sb.SetTransactionID(0, 5))
	sb.SetHeldRoot(2)
	roots := []byte("mapping-roots-digest-input")
	require.NoError(t, sb.Commit(roots))

	loaded, err := metadata.Load(path, roots)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), loaded.TransactionID())
	assert.Equal(t, int64(2), loaded.HeldRoot())
	assert.Equal(t, uint32(16), loaded.DataBlocks())
}

func TestSuperblockLoadDetectsDigestMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sb.log")

	sb := metadata.NewSuperblock(16, path)
	require.NoError(t, sb.Commit([]byte("original-roots")))

	_, err := metadata.Load(path, []byte("tampered-roots"))
	assert.ErrorIs(t, err, metadata.ErrCorrupt)
}

func TestSuperblockNoPersistenceWhenPathEmpty(t *testing.T) {
	sb := metadata.NewSuperblock(16, "")
	assert.NoError(t, sb.Commit(nil))
	assert.False(t, sb.Degraded())
}

package tabline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePool(t *testing.T) {
	t.Run("minimal line", func(t *testing.T) {
		args, err := ParsePool("/dev/meta /dev/data 128 4096")
		require.NoError(t, err)
		assert.Equal(t, "/dev/meta", args.MetadataDev)
		assert.Equal(t, "/dev/data", args.DataDev)
		assert.Equal(t, uint32(128), args.BlockSizeSectors)
		assert.Equal(t, uint32(4096), args.LowWaterSectors)
		assert.False(t, args.SkipBlockZeroing)
	})

	t.Run("with skip_block_zeroing feature", func(t *testing.T) {
		args, err := ParsePool("- - 256 1024 1 skip_block_zeroing")
		require.NoError(t, err)
		assert.True(t, args.SkipBlockZeroing)
	})

	t.Run("too few fields", func(t *testing.T) {
		_, err := ParsePool("/dev/meta /dev/data 128")
		assert.Error(t, err)
	})

	t.Run("block size not a power of two", func(t *testing.T) {
		_, err := ParsePool("/dev/meta /dev/data 100 4096")
		assert.Error(t, err)
	})

	t.Run("block size below the 64KiB minimum", func(t *testing.T) {
		_, err := ParsePool("/dev/meta /dev/data 2 4096")
		assert.Error(t, err)
	})

	t.Run("block size above the 1GiB maximum", func(t *testing.T) {
		_, err := ParsePool("/dev/meta /dev/data 4194304 4096")
		assert.Error(t, err)
	})

	t.Run("nfeat count mismatch", func(t *testing.T) {
		_, err := ParsePool("- - 128 4096 2 skip_block_zeroing")
		assert.Error(t, err)
	})

	t.Run("unknown feature", func(t *testing.T) {
		_, err := ParsePool("- - 128 4096 1 unknown_feature")
		assert.Error(t, err)
	})
}

func TestParseThin(t *testing.T) {
	t.Run("valid line", func(t *testing.T) {
		args, err := ParseThin("/dev/mapper/pool 7")
		require.NoError(t, err)
		assert.Equal(t, "/dev/mapper/pool", args.PoolPath)
		assert.Equal(t, uint32(7), args.DevID)
	})

	t.Run("wrong arity", func(t *testing.T) {
		_, err := ParseThin("/dev/mapper/pool")
		assert.Error(t, err)
	})

	t.Run("non-numeric dev id", func(t *testing.T) {
		_, err := ParseThin("/dev/mapper/pool seven")
		assert.Error(t, err)
	})
}

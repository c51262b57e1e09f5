package thinpool

import "github.com/behrlich/thinpool/internal/logging"

// Config mirrors the DeviceParams pattern: a plain struct plus a Default
// constructor, describing the pool target arguments of spec.md §6
// (`<metadata_dev> <data_dev> <block_size_sectors> <low_water_sectors>
// [<nfeat> <feat>...]`).
type Config struct {
	// DataDevice is the backend the pool's blocks are allocated from.
	DataDevice DataBackend

	// MetadataLogPath persists the superblock commit log; "" disables
	// persistence (used by in-memory tests).
	MetadataLogPath string

	// BlockSectors is the block size in 512-byte sectors; must be a power
	// of two corresponding to between 64KiB and 1GiB.
	BlockSectors uint32

	// LowWaterSectors is the free-space threshold, in sectors, below which
	// the pool raises a resize event.
	LowWaterSectors uint32

	// ZeroNewBlocks mirrors the `skip_block_zeroing` feature: when true,
	// newly provisioned blocks are zeroed before the virtual mapping is
	// installed; the only feature spec.md §6 names is the inverse flag.
	ZeroNewBlocks bool

	// CopierWorkers sizes the copier's goroutine pool.
	CopierWorkers int

	Logger *logging.Logger
}

const sectorSize = 512

// DefaultConfig returns sensible defaults for a pool over dataDevice.
func DefaultConfig(dataDevice DataBackend) Config {
	return Config{
		DataDevice:      dataDevice,
		BlockSectors:    128, // 64KiB blocks
		LowWaterSectors: 128 * 32,
		ZeroNewBlocks:   true,
		CopierWorkers:   4,
		Logger:          logging.Default(),
	}
}

// blockBytes returns the block size in bytes.
func (c Config) blockBytes() int64 {
	return int64(c.BlockSectors) * sectorSize
}

// lowWaterBlocks returns the low-water mark expressed in blocks.
func (c Config) lowWaterBlocks() uint32 {
	return c.LowWaterSectors / c.BlockSectors
}

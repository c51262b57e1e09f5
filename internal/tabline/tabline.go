// Package tabline parses the positional-argument lines used by pool and
// thin target creation (spec.md §6): each line is split on whitespace with
// strings.Fields and read as fixed-arity, typed positional fields.
package tabline

import (
	"fmt"
	"strconv"
	"strings"
)

// Block size bounds per spec.md §6: a power of two between 64 KiB and 1 GiB,
// expressed in 512-byte sectors.
const (
	minBlockSizeSectors = 128     // 64 KiB / 512
	maxBlockSizeSectors = 2097152 // 1 GiB / 512
)

// PoolArgs is a parsed `<metadata_dev> <data_dev> <block_size_sectors>
// <low_water_sectors> [<nfeat> <feat>...]` pool target line.
type PoolArgs struct {
	MetadataDev      string
	DataDev          string
	BlockSizeSectors uint32
	LowWaterSectors  uint32
	SkipBlockZeroing bool
}

// ParsePool parses a pool target argument line.
func ParsePool(line string) (PoolArgs, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return PoolArgs{}, fmt.Errorf("tabline: pool line needs at least 4 fields, got %d", len(fields))
	}

	blockSize, err := parseUint32(fields[2])
	if err != nil {
		return PoolArgs{}, fmt.Errorf("tabline: block_size_sectors: %w", err)
	}
	if blockSize == 0 || blockSize&(blockSize-1) != 0 {
		return PoolArgs{}, fmt.Errorf("tabline: block_size_sectors must be a power of two, got %d", blockSize)
	}
	if blockSize < minBlockSizeSectors || blockSize > maxBlockSizeSectors {
		return PoolArgs{}, fmt.Errorf("tabline: block_size_sectors must be between %d and %d sectors (64KiB-1GiB), got %d", minBlockSizeSectors, maxBlockSizeSectors, blockSize)
	}

	lowWater, err := parseUint32(fields[3])
	if err != nil {
		return PoolArgs{}, fmt.Errorf("tabline: low_water_sectors: %w", err)
	}

	args := PoolArgs{
		MetadataDev:      fields[0],
		DataDev:          fields[1],
		BlockSizeSectors: blockSize,
		LowWaterSectors:  lowWater,
	}

	if len(fields) > 4 {
		nfeat, err := parseUint32(fields[4])
		if err != nil {
			return PoolArgs{}, fmt.Errorf("tabline: nfeat: %w", err)
		}
		feats := fields[5:]
		if uint32(len(feats)) != nfeat {
			return PoolArgs{}, fmt.Errorf("tabline: nfeat=%d but %d feature args given", nfeat, len(feats))
		}
		for _, f := range feats {
			switch f {
			case "skip_block_zeroing":
				args.SkipBlockZeroing = true
			default:
				return PoolArgs{}, fmt.Errorf("tabline: unknown feature %q", f)
			}
		}
	}

	return args, nil
}

// ThinArgs is a parsed `<pool_path> <dev_id>` thin target line.
type ThinArgs struct {
	PoolPath string
	DevID    uint32
}

// ParseThin parses a thin target argument line.
func ParseThin(line string) (ThinArgs, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return ThinArgs{}, fmt.Errorf("tabline: thin line needs exactly 2 fields, got %d", len(fields))
	}
	devID, err := parseUint32(fields[1])
	if err != nil {
		return ThinArgs{}, fmt.Errorf("tabline: dev_id: %w", err)
	}
	return ThinArgs{PoolPath: fields[0], DevID: devID}, nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

package metadata

import (
	"sync"

	"github.com/pkg/errors"
)

// SpaceMap is a reference-counted free list over the data device's blocks.
// A block is free when its refcount is zero. Sharing a block (snapshot)
// bumps the refcount; breaking sharing or deleting a device drops it.
type SpaceMap struct {
	mu       sync.Mutex
	refcount []uint32
	cursor   uint32 // next block to probe when searching for a free one
	free     uint32 // cached count of zero-refcount blocks
}

// NewSpaceMap creates a space map covering nrBlocks data blocks, all free.
func NewSpaceMap(nrBlocks uint32) *SpaceMap {
	return &SpaceMap{
		refcount: make([]uint32, nrBlocks),
		free:     nrBlocks,
	}
}

// Resize grows (never shrinks) the space map to cover nrBlocks blocks.
func (s *SpaceMap) Resize(nrBlocks uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int(nrBlocks) < len(s.refcount) {
		return errors.Wrap(ErrInvalid, "space map cannot shrink")
	}
	added := nrBlocks - uint32(len(s.refcount))
	s.refcount = append(s.refcount, make([]uint32, added)...)
	s.free += added
	return nil
}

// FreeBlocks returns the number of blocks with a zero refcount.
func (s *SpaceMap) FreeBlocks() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.free
}

// TotalBlocks returns the size of the data device in blocks.
func (s *SpaceMap) TotalBlocks() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(len(s.refcount))
}

// Alloc finds a free block, sets its refcount to 1, and returns its number.
// Returns ErrNoSpace if none are free.
func (s *SpaceMap) Alloc() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := uint32(len(s.refcount))
	if n == 0 || s.free == 0 {
		return 0, ErrNoSpace
	}
	for i := uint32(0); i < n; i++ {
		idx := (s.cursor + i) % n
		if s.refcount[idx] == 0 {
			s.refcount[idx] = 1
			s.free--
			s.cursor = idx + 1
			return idx, nil
		}
	}
	return 0, ErrNoSpace
}

// Inc increments the refcount of block, marking it shared.
func (s *SpaceMap) Inc(block uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(block) >= len(s.refcount) {
		return errors.Wrap(ErrInvalid, "block out of range")
	}
	s.refcount[block]++
	return nil
}

// Dec decrements the refcount of block. If it drops to zero the block
// becomes free. Returns the refcount after decrementing.
func (s *SpaceMap) Dec(block uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(block) >= len(s.refcount) {
		return 0, errors.Wrap(ErrInvalid, "block out of range")
	}
	if s.refcount[block] == 0 {
		return 0, nil
	}
	s.refcount[block]--
	if s.refcount[block] == 0 {
		s.free++
	}
	return s.refcount[block], nil
}

// RefCount returns the current refcount of block, without mutating it.
func (s *SpaceMap) RefCount(block uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(block) >= len(s.refcount) {
		return 0
	}
	return s.refcount[block]
}

// snapshot returns a copy of the refcount table, for superblock checksums.
func (s *SpaceMap) snapshot() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, len(s.refcount))
	copy(out, s.refcount)
	return out
}

// Package deferred implements the read-barrier used to gate installation of
// a new mapping on the completion of reads issued against the old, shared
// data block it replaces.
package deferred

import "sync"

// numSlots is the size of the fixed ring.
const numSlots = 64

// Waiter is a mapping (or other unit of work) waiting for a slot to drain.
type Waiter interface{}

type slot struct {
	count   uint32
	waiters []Waiter
}

// Handle names the slot an Inc() call landed in, so a later Dec() can find
// it again.
type Handle struct {
	index int
}

// Set is a fixed ring of slots, each a counter of outstanding shared reads
// plus a list of waiters for that slot to drain.
type Set struct {
	mu      sync.Mutex
	slots   [numSlots]slot
	current int
	sweeper int
}

// New creates an empty deferred set.
func New() *Set {
	return &Set{}
}

func next(i int) int {
	return (i + 1) % numSlots
}

// Inc increments the counter of the slot currently accepting new
// increments and returns a handle naming it. Call this before issuing a
// read against a shared block.
func (s *Set) Inc() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.slots[s.current].count++
	return Handle{index: s.current}
}

// Dec decrements the counter of the slot named by h, then advances the
// sweeper past every slot with a zero count up to (but not exceeding)
// current, collecting each skipped slot's waiters. If the sweeper lands on
// current and its count is zero, current's waiters drain too.
func (s *Set) Dec(h Handle) []Waiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl := &s.slots[h.index]
	if sl.count > 0 {
		sl.count--
	}

	var drained []Waiter
	for s.sweeper != s.current && s.slots[s.sweeper].count == 0 {
		drained = append(drained, s.slots[s.sweeper].waiters...)
		s.slots[s.sweeper].waiters = nil
		s.sweeper = next(s.sweeper)
	}
	if s.sweeper == s.current && s.slots[s.sweeper].count == 0 {
		drained = append(drained, s.slots[s.sweeper].waiters...)
		s.slots[s.sweeper].waiters = nil
	}
	return drained
}

// AddWork registers waiter to be released once all shared reads that began
// before it have completed. It returns false when no barrier is needed
// (the current slot is already quiescent and is the sweeper), in which case
// the caller may proceed immediately. Otherwise it appends waiter to the
// current slot and, if the next slot is empty, advances current onto it so
// later increments do not queue behind this waiter.
func (s *Set) AddWork(w Waiter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.slots[s.current].count == 0 && s.sweeper == s.current {
		return false
	}

	s.slots[s.current].waiters = append(s.slots[s.current].waiters, w)

	n := next(s.current)
	if s.slots[n].count == 0 && len(s.slots[n].waiters) == 0 {
		s.current = n
	}
	return true
}

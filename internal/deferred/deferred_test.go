package deferred_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/behrlich/thinpool/internal/deferred"
)

func TestAddWorkNoBarrierWhenQuiescent(t *testing.T) {
	s := deferred.New()
	needed := s.AddWork("waiter")
	assert.False(t, needed, "a fresh set has no in-flight reads, so no barrier is needed")
}

func TestIncThenAddWorkThenDecReleasesWaiter(t *testing.T) {
	s := deferred.New()
	h := s.Inc()

	needed := s.AddWork("waiter")
	assert.True(t, needed, "an outstanding read must force the waiter to queue")

	drained := s.Dec(h)
	assert.Equal(t, []deferred.Waiter{"waiter"}, drained)
}

func TestMultipleIncsMustAllDecBeforeRelease(t *testing.T) {
	s := deferred.New()
	h1 := s.Inc()
	h2 := s.Inc()

	assert.True(t, s.AddWork("waiter"))

	drained := s.Dec(h1)
	assert.Empty(t, drained, "one outstanding read remains")

	drained = s.Dec(h2)
	assert.Equal(t, []deferred.Waiter{"waiter"}, drained)
}

func TestIncAfterAddWorkDoesNotBlockEarlierWaiter(t *testing.T) {
	s := deferred.New()
	h1 := s.Inc()
	assert.True(t, s.AddWork("waiter"))

	// A read that starts after the waiter was queued lands in a later slot
	// and must not be required to finish before the waiter drains.
	h2 := s.Inc()

	drained := s.Dec(h1)
	assert.Equal(t, []deferred.Waiter{"waiter"}, drained)

	drained = s.Dec(h2)
	assert.Empty(t, drained)
}

func TestAddWorkWithNoOutstandingIncButNonemptySweeperSlot(t *testing.T) {
	s := deferred.New()
	h := s.Inc()
	assert.True(t, s.AddWork("first"))
	_ = s.Dec(h) // drains "first", advances sweeper back to current

	needed := s.AddWork("second")
	assert.False(t, needed, "once the sweeper has caught up, a later waiter needs no barrier")
}

func TestSequentialWaitersEachGetTheirOwnBarrier(t *testing.T) {
	s := deferred.New()

	h1 := s.Inc()
	assert.True(t, s.AddWork("w1"))
	h2 := s.Inc()
	assert.True(t, s.AddWork("w2"))

	drained := s.Dec(h1)
	assert.Equal(t, []deferred.Waiter{"w1"}, drained)

	drained = s.Dec(h2)
	assert.Equal(t, []deferred.Waiter{"w2"}, drained)
}

package prison_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/thinpool/internal/prison"
)

func TestDetainFirstCallerOwnsCell(t *testing.T) {
	p := prison.New(128)
	key := prison.Key{Virtual: true, Device: 1, Block: 42}

	before, cell, err := p.Detain(key, "req1")
	require.NoError(t, err)
	assert.Equal(t, 0, before, "first detainer owns the cell")
	assert.Equal(t, key, cell.Key())
	assert.Equal(t, 1, cell.Len())
}

func TestDetainSameKeyCoalesces(t *testing.T) {
	p := prison.New(128)
	key := prison.Key{Virtual: false, Device: 0, Block: 7}

	before1, cell1, err := p.Detain(key, "req1")
	require.NoError(t, err)
	assert.Equal(t, 0, before1)

	before2, cell2, err := p.Detain(key, "req2")
	require.NoError(t, err)
	assert.Equal(t, 1, before2, "second detainer finds the existing cell")
	assert.Same(t, cell1, cell2)
	assert.Equal(t, 2, cell1.Len())
}

func TestDetainDifferentKeysDoNotCoalesce(t *testing.T) {
	p := prison.New(128)
	keyA := prison.Key{Virtual: true, Device: 1, Block: 1}
	keyB := prison.Key{Virtual: true, Device: 1, Block: 2}

	_, cellA, err := p.Detain(keyA, "reqA")
	require.NoError(t, err)
	_, cellB, err := p.Detain(keyB, "reqB")
	require.NoError(t, err)

	assert.NotSame(t, cellA, cellB)
}

func TestDetainVirtualAndDataKeysWithSameBlockDoNotCoalesce(t *testing.T) {
	p := prison.New(128)
	virt := prison.Key{Virtual: true, Device: 0, Block: 9}
	data := prison.Key{Virtual: false, Device: 0, Block: 9}

	_, cv, err := p.Detain(virt, "v")
	require.NoError(t, err)
	_, cd, err := p.Detain(data, "d")
	require.NoError(t, err)

	assert.NotSame(t, cv, cd)
}

func TestReleaseRemovesCellAndReturnsQueuedRequests(t *testing.T) {
	p := prison.New(128)
	key := prison.Key{Virtual: true, Device: 2, Block: 5}

	_, cell, err := p.Detain(key, "r1")
	require.NoError(t, err)
	_, _, err = p.Detain(key, "r2")
	require.NoError(t, err)

	reqs := p.Release(cell)
	assert.Equal(t, []prison.Request{"r1", "r2"}, reqs)

	// Re-detaining the same key must not coalesce with the released cell.
	before, newCell, err := p.Detain(key, "r3")
	require.NoError(t, err)
	assert.Equal(t, 0, before)
	assert.NotSame(t, cell, newCell)
}

func TestReleaseSingletonRejectsMultipleRequests(t *testing.T) {
	p := prison.New(128)
	key := prison.Key{Virtual: true, Device: 0, Block: 1}

	_, cell, err := p.Detain(key, "only")
	require.NoError(t, err)
	_, _, err = p.Detain(key, "extra")
	require.NoError(t, err)

	err = p.ReleaseSingleton(cell, "only")
	assert.Error(t, err, "a cell with more than one request is not a singleton")
}

func TestReleaseSingletonRejectsMismatchedRequest(t *testing.T) {
	p := prison.New(128)
	key := prison.Key{Virtual: true, Device: 0, Block: 1}

	_, cell, err := p.Detain(key, "actual")
	require.NoError(t, err)

	err = p.ReleaseSingleton(cell, "expected")
	assert.Error(t, err)
}

func TestReleaseSingletonSucceeds(t *testing.T) {
	p := prison.New(128)
	key := prison.Key{Virtual: true, Device: 0, Block: 1}

	_, cell, err := p.Detain(key, "only")
	require.NoError(t, err)

	err = p.ReleaseSingleton(cell, "only")
	assert.NoError(t, err)
}

func TestFailDeliversErrorToEveryQueuedRequest(t *testing.T) {
	p := prison.New(128)
	key := prison.Key{Virtual: true, Device: 0, Block: 3}

	_, cell, err := p.Detain(key, "r1")
	require.NoError(t, err)
	_, _, err = p.Detain(key, "r2")
	require.NoError(t, err)

	wantErr := errors.New("allocation failed")
	var failed []prison.Request
	var gotErrs []error
	p.Fail(cell, wantErr, func(req prison.Request, err error) {
		failed = append(failed, req)
		gotErrs = append(gotErrs, err)
	})

	assert.Equal(t, []prison.Request{"r1", "r2"}, failed)
	assert.Equal(t, []error{wantErr, wantErr}, gotErrs)
}

func TestDetainConcurrentSameKeyExactlyOneOwner(t *testing.T) {
	p := prison.New(128)
	key := prison.Key{Virtual: true, Device: 1, Block: 100}

	const n = 64
	var wg sync.WaitGroup
	owners := make([]bool, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			before, _, err := p.Detain(key, i)
			require.NoError(t, err)
			owners[i] = before == 0
		}(i)
	}
	wg.Wait()

	ownerCount := 0
	for _, isOwner := range owners {
		if isOwner {
			ownerCount++
		}
	}
	assert.Equal(t, 1, ownerCount, "exactly one goroutine must observe before==0")
}

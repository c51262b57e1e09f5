package admin_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/thinpool/backend"
	"github.com/behrlich/thinpool/internal/admin"
	"github.com/behrlich/thinpool/internal/thinpool"
)

func newTestPool(t *testing.T) *thinpool.Pool {
	t.Helper()
	mem := backend.NewMemory(8 * 128 * 512)
	cfg := thinpool.DefaultConfig(mem)
	cfg.BlockSectors = 128
	p, err := thinpool.New(cfg)
	require.NoError(t, err)
	p.Start()
	t.Cleanup(func() { _ = p.Destroy() })
	return p
}

func TestDispatchCreateThin(t *testing.T) {
	p := newTestPool(t)
	require.NoError(t, admin.Dispatch(p, "create_thin", []string{"1"}))

	err := admin.Dispatch(p, "create_thin", []string{"1"})
	assert.Error(t, err, "creating the same device twice must fail")
}

func TestDispatchCreateSnapAndDelete(t *testing.T) {
	p := newTestPool(t)
	require.NoError(t, admin.Dispatch(p, "create_thin", []string{"1"}))
	require.NoError(t, admin.Dispatch(p, "create_snap", []string{"2", "1"}))
	require.NoError(t, admin.Dispatch(p, "delete", []string{"2"}))

	err := admin.Dispatch(p, "delete", []string{"2"})
	assert.Error(t, err, "deleting an already-deleted device must fail")
}

func TestDispatchTrim(t *testing.T) {
	p := newTestPool(t)
	require.NoError(t, admin.Dispatch(p, "create_thin", []string{"1"}))
	require.NoError(t, admin.Dispatch(p, "trim", []string{"1", "256"}))
}

func TestDispatchSetTransactionID(t *testing.T) {
	p := newTestPool(t)
	require.NoError(t, admin.Dispatch(p, "set_transaction_id", []string{"0", "1"}))

	err := admin.Dispatch(p, "set_transaction_id", []string{"0", "2"})
	assert.Error(t, err, "a stale compare-and-set old value must fail")
}

func TestDispatchUnknownCommand(t *testing.T) {
	p := newTestPool(t)
	err := admin.Dispatch(p, "reticulate_splines", nil)
	assert.Error(t, err)
}

func TestDispatchBadArity(t *testing.T) {
	p := newTestPool(t)
	err := admin.Dispatch(p, "create_snap", []string{"1"})
	assert.Error(t, err)
}

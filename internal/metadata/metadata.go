// Package metadata implements the METADATA store spec.md §6 specifies only
// at its interface: a copy-on-write mapping tree per thin device, a
// reference-counted space map, and a transactional superblock, recoverable
// across a restart via an append-only write-ahead log of committed
// mutations.
//
// The mapping tree is backed by github.com/tidwall/btree, whose Map type
// supports an O(1) Copy() that shares internal nodes between the original
// and the clone until a write forces a path copy — the same copy-on-write
// property spec.md §3/§6 ascribes to the on-disk B-tree.
//
// Every mutating call queues a WAL record in memory; Commit flushes and
// fsyncs the queue to the WAL file and durably records the transaction
// id/digest to a sibling superblock file. Open replays the WAL from the
// start to reconstruct every device's mapping tree, then rebuilds the space
// map's refcounts from the replayed mappings rather than replaying
// allocation calls directly, so an allocation that never reached a flushed
// WAL record is correctly treated as never having happened.
package metadata

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/tidwall/btree"
)

// Mapping is a single virtual-to-data-block entry. Shared is conservative:
// it may be true after sharing has actually been broken, but is never false
// while sharing is still in effect (spec.md §3 invariant).
type Mapping struct {
	Data   uint32
	Shared bool
}

// hotCacheSize bounds the simulated "resident in metadata cache" set used
// to decide whether a non-blocking lookup can be satisfied inline. A real
// on-disk B-tree's node cache behaves similarly: most-recently-touched
// blocks are cheap, cold ones require a blocking fetch.
const hotCacheSize = 256

// hotCache is a small fixed-capacity FIFO membership set simulating which
// virtual blocks are currently cache-resident, so FindBlockNonBlocking can
// exercise the would-block path the real driver hits on a cold B-tree node.
type hotCache struct {
	mu    sync.Mutex
	order []uint64
	set   map[uint64]struct{}
}

func newHotCache() *hotCache {
	return &hotCache{set: make(map[uint64]struct{}, hotCacheSize)}
}

func (h *hotCache) has(key uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.set[key]
	return ok
}

func (h *hotCache) touch(key uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.set[key]; ok {
		return
	}
	if len(h.order) >= hotCacheSize {
		oldest := h.order[0]
		h.order = h.order[1:]
		delete(h.set, oldest)
	}
	h.order = append(h.order, key)
	h.set[key] = struct{}{}
}

// deviceTree is one thin device's mapping subtree plus its hot-cache view.
type deviceTree struct {
	mu      sync.RWMutex
	tree    *btree.Map[uint64, Mapping]
	hot     *hotCache
	blocks  uint64 // logical size in blocks, for trim/status
	closed  bool
}

func newDeviceTree() *deviceTree {
	return &deviceTree{tree: &btree.Map[uint64, Mapping]{}, hot: newHotCache(), closed: true}
}

// Handle is the open metadata store for one pool: the directory of thin
// device subtrees, the space map, and the superblock.
type Handle struct {
	mu      sync.RWMutex
	sb      *Superblock
	sm      *SpaceMap
	devices map[uint32]*deviceTree

	walPath string
	walMu   sync.Mutex
	pending []walRecord
}

// Open creates a metadata store over a data device of dataBlocks blocks,
// committing to logPath (pass "" to disable persistence, useful in tests).
// If logPath names an existing WAL, its records are replayed so every
// previously committed device, mapping, and transaction id is restored
// before Open returns.
func Open(dataBlocks uint32, logPath string) (*Handle, error) {
	h := &Handle{
		sb:      NewSuperblock(dataBlocks, superblockPath(logPath)),
		sm:      NewSpaceMap(dataBlocks),
		devices: make(map[uint32]*deviceTree),
		walPath: logPath,
	}
	if logPath == "" {
		return h, nil
	}
	if err := h.replayWAL(); err != nil {
		return nil, err
	}
	return h, nil
}

// logRecord queues rec for the next Commit. Pending records are lost if the
// process crashes before a Commit flushes them, matching the durability
// point every other mutating call already documents.
func (h *Handle) logRecord(rec walRecord) {
	if h.walPath == "" {
		return
	}
	h.walMu.Lock()
	h.pending = append(h.pending, rec)
	h.walMu.Unlock()
}

// Close releases the handle. The metadata tree is in-memory resident in
// this implementation, so Close is a no-op beyond marking intent; a
// disk-backed store would flush and unmap here.
func (h *Handle) Close() error {
	return nil
}

// RebindDataDevice updates the space map's notion of the data device size
// after the underlying device has been swapped or resized out of band.
func (h *Handle) RebindDataDevice(dataBlocks uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if dataBlocks < h.sm.TotalBlocks() {
		return errors.Wrap(ErrInvalid, "cannot rebind to a smaller data device")
	}
	if err := h.sm.Resize(dataBlocks); err != nil {
		return err
	}
	h.sb.SetDataBlocks(dataBlocks)
	h.logRecord(walRecord{op: walResizeDataDevice, blocks: uint64(dataBlocks)})
	return nil
}

// ResizeDataDevice grows the data device's capacity and records the new
// size, per the pool's preresume/resize protocol (spec.md §4.5/§8 scenario
// 5).
func (h *Handle) ResizeDataDevice(dataBlocks uint32) error {
	return h.RebindDataDevice(dataBlocks)
}

// FreeBlocks returns the number of unreferenced data blocks.
func (h *Handle) FreeBlocks() uint32 {
	return h.sm.FreeBlocks()
}

// TotalDataBlocks returns the data device's capacity in blocks.
func (h *Handle) TotalDataBlocks() uint32 {
	return h.sm.TotalBlocks()
}

// TransactionID returns the current user-visible transaction id.
func (h *Handle) TransactionID() uint64 {
	return h.sb.TransactionID()
}

// SetTransactionID performs the `set_transaction_id old new` compare-and-set.
func (h *Handle) SetTransactionID(old, new uint64) error {
	if err := h.sb.SetTransactionID(old, new); err != nil {
		return err
	}
	h.logRecord(walRecord{op: walSetTransactionID, old: old, new: new})
	return nil
}

// GetHeldRoot returns the device id whose root is held for userspace
// export, or false if none is held.
func (h *Handle) GetHeldRoot() (uint32, bool) {
	r := h.sb.HeldRoot()
	if r < 0 {
		return 0, false
	}
	return uint32(r), true
}

// CreateThinDevice creates an empty virtual device with id devID. Per
// spec.md §8 idempotence: a second call with the same id fails with
// ErrExists rather than silently succeeding.
func (h *Handle) CreateThinDevice(devID uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.devices[devID]; ok {
		return errors.Wrapf(ErrExists, "device %d already exists", devID)
	}
	h.devices[devID] = newDeviceTree()
	h.logRecord(walRecord{op: walCreateThin, devID: devID})
	return nil
}

// CreateSnap snapshots originID into a new device devID in O(1) node-sharing
// via the mapping tree's Copy(), after conservatively marking every
// currently-mapped block in the origin as shared and bumping its space-map
// refcount — the origin and the new snapshot now both reference it. Walking
// the origin's mapped entries is O(mapped blocks), not O(1); dm-thin's real
// B-tree performs an equivalent range-increment in O(log n) amortized by
// walking shared subtrees once. See DESIGN.md for why this repo takes the
// simpler, still-correct route.
func (h *Handle) CreateSnap(devID, originID uint32) error {
	h.mu.Lock()
	origin, ok := h.devices[originID]
	if !ok {
		h.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "origin device %d not found", originID)
	}
	if _, exists := h.devices[devID]; exists {
		h.mu.Unlock()
		return errors.Wrapf(ErrExists, "device %d already exists", devID)
	}
	h.mu.Unlock()

	origin.mu.Lock()
	defer origin.mu.Unlock()

	var toShare []uint64
	origin.tree.Scan(func(key uint64, m Mapping) bool {
		if !m.Shared {
			toShare = append(toShare, key)
		}
		return true
	})
	for _, key := range toShare {
		m, _ := origin.tree.Get(key)
		m.Shared = true
		origin.tree.Set(key, m)
		if err := h.sm.Inc(m.Data); err != nil {
			return err
		}
	}

	snap := &deviceTree{
		tree:   origin.tree.Copy(),
		hot:    newHotCache(),
		blocks: origin.blocks,
		closed: true,
	}

	h.mu.Lock()
	h.devices[devID] = snap
	h.mu.Unlock()
	h.logRecord(walRecord{op: walCreateSnap, devID: devID, originID: originID})
	return nil
}

// DeleteThinDevice removes a closed virtual device, releasing its
// references on the blocks it mapped. Per spec.md §6, `delete` requires the
// device be closed first; deleting a still-open device would drop space-map
// references out from under requests that may still be in flight against it.
func (h *Handle) DeleteThinDevice(devID uint32) error {
	h.mu.RLock()
	dt, ok := h.devices[devID]
	h.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrNotFound, "device %d not found", devID)
	}

	dt.mu.Lock()
	if !dt.closed {
		dt.mu.Unlock()
		return errors.Wrapf(ErrInvalid, "device %d must be closed before deletion", devID)
	}
	defer dt.mu.Unlock()

	var err error
	dt.tree.Scan(func(_ uint64, m Mapping) bool {
		if _, e := h.sm.Dec(m.Data); e != nil {
			err = e
			return false
		}
		return true
	})
	if err != nil {
		return err
	}

	h.mu.Lock()
	delete(h.devices, devID)
	h.mu.Unlock()
	h.logRecord(walRecord{op: walDeleteThin, devID: devID})
	return nil
}

// TrimThinDevice shrinks devID to newBlocks blocks, dropping and
// dereferencing any mappings beyond the new size.
func (h *Handle) TrimThinDevice(devID uint32, newBlocks uint64) error {
	h.mu.RLock()
	dt, ok := h.devices[devID]
	h.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrNotFound, "device %d not found", devID)
	}

	dt.mu.Lock()
	defer dt.mu.Unlock()

	var drop []uint64
	dt.tree.Scan(func(key uint64, _ Mapping) bool {
		if key >= newBlocks {
			drop = append(drop, key)
		}
		return true
	})
	for _, key := range drop {
		m, _ := dt.tree.Get(key)
		dt.tree.Delete(key)
		if _, err := h.sm.Dec(m.Data); err != nil {
			return err
		}
	}
	dt.blocks = newBlocks
	h.logRecord(walRecord{op: walTrim, devID: devID, blocks: newBlocks})
	return nil
}

// OpenThinDevice opens devID's subtree for I/O, returning ErrNotFound if it
// does not exist.
func (h *Handle) OpenThinDevice(devID uint32) error {
	h.mu.RLock()
	dt, ok := h.devices[devID]
	h.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrNotFound, "device %d not found", devID)
	}
	dt.mu.Lock()
	dt.closed = false
	dt.mu.Unlock()
	return nil
}

// CloseThinDevice closes devID's subtree, required before DeleteThinDevice.
func (h *Handle) CloseThinDevice(devID uint32) error {
	h.mu.RLock()
	dt, ok := h.devices[devID]
	h.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrNotFound, "device %d not found", devID)
	}
	dt.mu.Lock()
	dt.closed = true
	dt.mu.Unlock()
	return nil
}

func (h *Handle) tree(devID uint32) (*deviceTree, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	dt, ok := h.devices[devID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "device %d not found", devID)
	}
	return dt, nil
}

// FindBlockNonBlocking is the fast-path lookup: it never blocks and returns
// ErrWouldBlock when the entry is not in the simulated hot cache. It returns
// the raw mapping on a cache hit regardless of its Shared flag; the
// orchestrator's fast path is the one that treats a shared hit as requiring
// the deferred, lock-held path, not this lookup.
func (h *Handle) FindBlockNonBlocking(devID uint32, block uint64) (Mapping, error) {
	dt, err := h.tree(devID)
	if err != nil {
		return Mapping{}, err
	}
	if !dt.hot.has(block) {
		return Mapping{}, ErrWouldBlock
	}
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	m, ok := dt.tree.Get(block)
	if !ok {
		return Mapping{}, ErrNotFound
	}
	return m, nil
}

// FindBlock is the blocking lookup used on the worker: it always completes,
// pulling block into the hot cache so a subsequent fast-path hit can use it
// inline.
func (h *Handle) FindBlock(devID uint32, block uint64) (Mapping, error) {
	dt, err := h.tree(devID)
	if err != nil {
		return Mapping{}, err
	}
	dt.mu.RLock()
	m, ok := dt.tree.Get(block)
	dt.mu.RUnlock()
	dt.hot.touch(block)
	if !ok {
		return Mapping{}, ErrNotFound
	}
	return m, nil
}

// InsertBlock installs virt -> data into devID's mapping tree. shared
// records the conservative sharing flag for the new entry (false for a
// freshly provisioned or just-unshared block).
func (h *Handle) InsertBlock(devID uint32, virt uint64, data uint32, shared bool) error {
	dt, err := h.tree(devID)
	if err != nil {
		return err
	}
	dt.mu.Lock()
	defer dt.mu.Unlock()
	dt.tree.Set(virt, Mapping{Data: data, Shared: shared})
	dt.hot.touch(virt)
	h.logRecord(walRecord{op: walInsertBlock, devID: devID, virt: virt, data: data, shared: shared})
	return nil
}

// AllocateDataBlock allocates a fresh, exclusively-owned data block.
func (h *Handle) AllocateDataBlock() (uint32, error) {
	return h.sm.Alloc()
}

// ReleaseDataBlock drops one reference on block (used when unwinding a
// failed provisioning/break-sharing attempt).
func (h *Handle) ReleaseDataBlock(block uint32) error {
	_, err := h.sm.Dec(block)
	return err
}

// rootsDigestInput serializes enough state to detect metadata corruption
// across a commit: every device's mapping count and the space map contents.
// It is not a full on-disk format, just the integrity surface this
// in-memory store exposes to Superblock.Commit.
func (h *Handle) rootsDigestInput() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()

	buf := make([]byte, 0, 8*len(h.devices)+4*h.sm.TotalBlocks())
	for _, id := range sortedDeviceIDs(h.devices) {
		dt := h.devices[id]
		dt.mu.RLock()
		n := uint64(dt.tree.Len())
		dt.mu.RUnlock()
		buf = append(buf,
			byte(id), byte(id>>8), byte(id>>16), byte(id>>24),
			byte(n), byte(n>>8), byte(n>>16), byte(n>>24))
	}
	for _, rc := range h.sm.snapshot() {
		buf = append(buf, byte(rc), byte(rc>>8), byte(rc>>16), byte(rc>>24))
	}
	return buf
}

func sortedDeviceIDs(devices map[uint32]*deviceTree) []uint32 {
	ids := make([]uint32, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Commit durably records the current metadata state. Per spec.md §4.4, this
// is the atomic durability point: data writes to freshly allocated blocks
// need not wait for it, since an uncommitted allocation is simply
// unreferenced and reclaimable after a crash. Any mutations logged since the
// last Commit are first flushed and fsynced to the WAL, so a reopen after a
// crash between the WAL flush and this digest write still replays them.
func (h *Handle) Commit() error {
	h.walMu.Lock()
	pending := h.pending
	h.pending = nil
	h.walMu.Unlock()

	if h.walPath != "" && len(pending) > 0 {
		if err := appendWALRecords(h.walPath, pending); err != nil {
			h.walMu.Lock()
			h.pending = append(pending, h.pending...)
			h.walMu.Unlock()
			h.sb.markDegraded()
			return err
		}
	}
	return h.sb.Commit(h.rootsDigestInput())
}

// Degraded reports whether the last commit attempt failed.
func (h *Handle) Degraded() bool {
	return h.sb.Degraded()
}

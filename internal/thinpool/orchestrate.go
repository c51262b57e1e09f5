package thinpool

import (
	stderrors "errors"

	"github.com/behrlich/thinpool/internal/copier"
	"github.com/behrlich/thinpool/internal/deferred"
	"github.com/behrlich/thinpool/internal/metadata"
	"github.com/behrlich/thinpool/internal/prison"
)

// newMapping tracks one in-flight virtual-to-data-block mapping from the
// moment a data block is set aside for it until it is installed in the
// metadata tree, per spec.md §4.4. It becomes ready to install only once
// both of its independent gates clear: the copy/zero/overwrite I/O has
// completed, and (for a break-of-sharing copy only) every shared read that
// was in flight against the old data block when the copy began has drained
// from the deferred set.
type newMapping struct {
	device uint32
	virt   uint64
	data   uint32
	cell   *prison.Cell // released (wholly or all-but-one) once installed

	// req is set when the triggering request's own I/O can serve as the
	// mapping's data-path step directly (a write that covers the whole
	// block, or any read being provisioned/broken out from under), instead
	// of a copier-scheduled copy or zero.
	req *Request

	hasOldData bool
	oldData    uint32

	// ioDone, dsWaiting and added are guarded by the owning Pool's mutex,
	// not a lock of their own, since every access already happens while
	// holding it (maybeReady, decShared, the copier/zero callbacks).
	ioDone    bool
	dsWaiting bool
	added     bool
	err       error
}

// maybeReady schedules m for installation once its I/O has completed and it
// is no longer parked on the deferred set, mirroring __maybe_add_mapping's
// two-condition check (list_empty(m->list) && m->prepared).
func (p *Pool) maybeReady(m *newMapping) {
	p.mu.Lock()
	ready := m.ioDone && !m.dsWaiting && !m.added
	if ready {
		m.added = true
	}
	p.mu.Unlock()
	if ready {
		p.schedulePrepared(m)
	}
}

func (p *Pool) regionFor(data uint32) copier.Region {
	return copier.Region{
		Offset: int64(data) * p.cfg.blockBytes(),
		Length: p.cfg.blockBytes(),
	}
}

func failReq(r prison.Request, err error) {
	r.(*Request).complete(err)
}

// failOrRetry handles an allocation failure for cell: a NoSpace failure
// parks every queued request on the retry list (spec.md §4.4 provisioning/
// breaking-sharing "on no-space"), anything else fails the cell outright.
func (p *Pool) failOrRetry(cell *prison.Cell, err error) {
	if classify(err) == KindNoSpace {
		for _, r := range p.prison.Release(cell) {
			p.retry(r.(*Request))
		}
		return
	}
	p.prison.Fail(cell, newError(classify(err), err), failReq)
}

// allocateDataBlock wraps the metadata space map with the pool's low-water
// and no-space notification policy (spec.md §4.4/§4.5).
func (p *Pool) allocateDataBlock() (uint32, error) {
	if p.meta.FreeBlocks() <= p.cfg.lowWaterBlocks() {
		p.mu.Lock()
		firstCrossing := !p.lowWaterTriggered
		p.lowWaterTriggered = true
		p.mu.Unlock()
		if firstCrossing {
			p.logger.Warn("free data blocks crossed low water mark", "free", p.meta.FreeBlocks())
			p.metrics.recordLowWater()
			p.emit(EventLowWater)
		}
	}

	data, err := p.meta.AllocateDataBlock()
	if err != nil {
		if stderrors.Is(err, metadata.ErrNoSpace) {
			p.logger.Warn("data device out of space")
			p.metrics.recordNoSpace()
			p.emit(EventNoSpace)
		}
		return 0, err
	}
	p.metrics.recordAllocation()
	p.metrics.setFreeDataBlocks(p.meta.FreeBlocks())
	return data, nil
}

// deferRequestForLookup is thin_bio_map's fast path: a non-blocking lookup,
// called directly on the submitting goroutine before any prison cell is
// involved. A clean hit remaps and issues the I/O inline; anything else
// (no mapping yet, a cold cache entry, or a shared block) falls through to
// the deferred-request queue, where the worker retries with a blocking
// lookup under the virtual-key cell.
func (p *Pool) deferRequestForLookup(req *Request) {
	m, err := p.meta.FindBlockNonBlocking(req.Device, req.Block)
	if err == nil && !m.Shared {
		p.issueRemap(req, m.Data)
		return
	}
	p.deferBio(req)
}

// processRequest is the worker's entry point for one deferred request: it
// detains the request in its virtual-key cell and, if it is the cell's sole
// occupant (the owner), drives the block's state machine. Non-owners simply
// return — they ride in the cell and are redelivered once the owner
// installs a mapping or releases the block, per spec.md invariant 1.
func (p *Pool) processRequest(req *Request) {
	if req.Op == OpFlush {
		p.flush()
		if err := p.meta.Commit(); err != nil {
			req.complete(newError(classify(err), err))
			return
		}
		p.metrics.recordFlush()
		req.complete(nil)
		return
	}

	key := prison.Key{Virtual: true, Device: req.Device, Block: req.Block}
	before, cell, err := p.prison.Detain(key, req)
	if err != nil {
		req.complete(newError(KindOutOfMemory, err))
		return
	}
	if before > 0 {
		return
	}
	p.processOwnedRequest(req, cell)
}

// processOwnedRequest runs the lookup dm-thin's process_bio performs once a
// request owns its virtual-key cell: remap directly on a clean hit, hand
// off to processSharedBlock on a shared hit, or provision on a miss.
func (p *Pool) processOwnedRequest(req *Request, cell *prison.Cell) {
	m, err := p.meta.FindBlock(req.Device, req.Block)
	switch {
	case err == nil && !m.Shared:
		if rerr := p.prison.ReleaseSingleton(cell, req); rerr != nil {
			req.complete(newError(KindIO, rerr))
			return
		}
		p.issueRemap(req, m.Data)

	case err == nil && m.Shared:
		p.processSharedBlock(req, cell, m)

	case stderrors.Is(err, metadata.ErrNotFound):
		p.provisionBlock(req, cell)

	default:
		p.prison.Fail(cell, newError(classify(err), err), failReq)
	}
}

// processSharedBlock implements process_shared_bio: the virtual cell is
// released immediately (this goroutine is its sole occupant), and
// serialisation moves to a data-key cell over the shared physical block so
// concurrent breakers on the same data block coalesce.
func (p *Pool) processSharedBlock(req *Request, vcell *prison.Cell, m metadata.Mapping) {
	if err := p.prison.ReleaseSingleton(vcell, req); err != nil {
		req.complete(newError(KindIO, err))
		return
	}

	// The data-key cell is keyed on the pool's single physical data device,
	// not the virtual device the request arrived on: two siblings sharing
	// data block m.Data must coalesce onto the same cell regardless of
	// which thin device either one belongs to.
	dataKey := prison.Key{Virtual: false, Device: 0, Block: uint64(m.Data)}
	before, dataCell, err := p.prison.Detain(dataKey, req)
	if err != nil {
		req.complete(newError(KindOutOfMemory, err))
		return
	}
	if before > 0 {
		// A breaker is already in flight for this data block; we ride in
		// its data cell and are redelivered once it installs.
		return
	}

	if req.Op == OpWrite {
		p.breakSharing(req, dataCell, m)
		return
	}

	// Shared read: no breaker was in flight (we own an otherwise-empty
	// data cell), so release it immediately and serve straight from the
	// still-shared old block. The deferred-set increment blocks any
	// concurrent break-of-sharing's mapping install until this read
	// drains, so the old block is never reused out from under it.
	if err := p.prison.ReleaseSingleton(dataCell, req); err != nil {
		req.complete(newError(KindIO, err))
		return
	}
	h := p.def.Inc()
	req.sharedEntry = &sharedReadHook{dec: func() { p.decShared(h) }}
	p.issueRemap(req, m.Data)
}

// decShared releases h on the deferred set and marks any waiting mappings
// ready once their gate has cleared.
func (p *Pool) decShared(h deferred.Handle) {
	for _, w := range p.def.Dec(h) {
		if nm, ok := w.(*newMapping); ok {
			p.mu.Lock()
			nm.dsWaiting = false
			p.mu.Unlock()
			p.maybeReady(nm)
		}
	}
}

// breakSharing implements break_sharing/schedule_copy: allocate a private
// block, register the mapping as a deferred-set waiter (so install is gated
// on in-flight shared reads of the old block), and either copy the old data
// across or, if this write covers the whole block, write it directly.
func (p *Pool) breakSharing(req *Request, dataCell *prison.Cell, m metadata.Mapping) {
	data, err := p.allocateDataBlock()
	if err != nil {
		p.failOrRetry(dataCell, err)
		return
	}

	nm := &newMapping{device: req.Device, virt: req.Block, data: data, cell: dataCell, hasOldData: true, oldData: m.Data}
	if p.def.AddWork(nm) {
		nm.dsWaiting = true
	}

	if req.Whole {
		nm.req = req
		p.issueOverwrite(nm, p.regionFor(data))
		return
	}

	from := p.regionFor(m.Data)
	to := p.regionFor(data)
	if cerr := p.copier.Copy(from, to, nm, p.onCopyComplete); cerr != nil {
		nm.err = cerr
		nm.ioDone = true
		p.maybeReady(nm)
	}
}

// provisionBlock implements provision_block/schedule_zero: allocate a fresh,
// exclusively-owned block and either zero it (unless the pool is configured
// to skip zeroing, or the request covers the whole block and can write it
// directly) before installing its mapping.
func (p *Pool) provisionBlock(req *Request, vcell *prison.Cell) {
	data, err := p.allocateDataBlock()
	if err != nil {
		p.failOrRetry(vcell, err)
		return
	}

	nm := &newMapping{device: req.Device, virt: req.Block, data: data, cell: vcell}
	to := p.regionFor(data)

	if !p.cfg.ZeroNewBlocks || req.Whole {
		nm.req = req
		p.issueOverwrite(nm, to)
		return
	}

	if zerr := p.copier.Zero(to, nm, p.onZeroComplete); zerr != nil {
		nm.err = zerr
		nm.ioDone = true
		p.maybeReady(nm)
	}
}

func (p *Pool) onCopyComplete(readErr, writeErr error, ctx interface{}) {
	nm := ctx.(*newMapping)
	p.mu.Lock()
	if readErr != nil {
		nm.err = readErr
	} else if writeErr != nil {
		nm.err = writeErr
	}
	nm.ioDone = true
	p.mu.Unlock()
	p.maybeReady(nm)
}

func (p *Pool) onZeroComplete(err error, ctx interface{}) {
	nm := ctx.(*newMapping)
	p.mu.Lock()
	nm.err = err
	nm.ioDone = true
	p.mu.Unlock()
	p.maybeReady(nm)
}

// issueOverwrite performs the triggering request's own I/O directly against
// the newly allocated block, standing in for schedule_copy/schedule_zero's
// "io_covers_block" fast path where a separate copy or zero is unnecessary.
func (p *Pool) issueOverwrite(nm *newMapping, to copier.Region) {
	off := to.Offset + int64(nm.req.BufOff)
	var err error
	if nm.req.Op == OpRead {
		_, err = p.cfg.DataDevice.ReadAt(nm.req.Buf, off)
	} else {
		_, err = p.cfg.DataDevice.WriteAt(nm.req.Buf, off)
	}
	nm.err = err
	nm.ioDone = true
	p.maybeReady(nm)
}

// testOnBeforeIssueRemap, when non-nil, fires just before issueRemap's own
// I/O; it exists to let tests pause a specific in-flight read or write at a
// deterministic point without adding concurrency knobs to the public API.
var testOnBeforeIssueRemap func(req *Request)

// issueRemap performs req's I/O against an already-installed mapping; this
// is the true fast path (remap_and_issue) when no new mapping is involved.
func (p *Pool) issueRemap(req *Request, data uint32) {
	if testOnBeforeIssueRemap != nil {
		testOnBeforeIssueRemap(req)
	}
	off := int64(data)*p.cfg.blockBytes() + int64(req.BufOff)
	var err error
	if req.Op == OpRead {
		_, err = p.cfg.DataDevice.ReadAt(req.Buf, off)
		p.metrics.recordRead(uint64(len(req.Buf)), err)
	} else {
		_, err = p.cfg.DataDevice.WriteAt(req.Buf, off)
		p.metrics.recordWrite(uint64(len(req.Buf)), err)
	}
	if err != nil {
		req.complete(newError(KindIO, err))
		return
	}
	req.complete(nil)
}

// installMapping implements process_prepared_mapping: insert the mapping
// into the metadata tree, release the old shared block's reference if this
// mapping broke sharing, then complete or requeue every request that was
// waiting in its cell.
func (p *Pool) installMapping(nm *newMapping) {
	if nm.err != nil {
		p.logger.Error("mapping I/O failed, failing cell", "device", nm.device, "virt", nm.virt, "error", nm.err)
		p.prison.Fail(nm.cell, newError(KindIO, nm.err), failReq)
		return
	}

	if err := p.meta.InsertBlock(nm.device, nm.virt, nm.data, false); err != nil {
		p.logger.Error("inserting mapping failed", "device", nm.device, "virt", nm.virt, "error", err)
		p.prison.Fail(nm.cell, newError(classify(err), err), failReq)
		return
	}
	p.logger.Debug("installed mapping", "device", nm.device, "virt", nm.virt, "data", nm.data)
	if nm.hasOldData {
		_ = p.meta.ReleaseDataBlock(nm.oldData)
	}
	p.metrics.setFreeDataBlocks(p.meta.FreeBlocks())

	reqs := p.prison.Release(nm.cell)
	for _, r := range reqs {
		rr := r.(*Request)
		if nm.req != nil && rr == nm.req {
			if rr.Op == OpRead {
				p.metrics.recordRead(uint64(len(rr.Buf)), nil)
			} else {
				p.metrics.recordWrite(uint64(len(rr.Buf)), nil)
			}
			rr.complete(nil)
			continue
		}
		p.deferBio(rr)
	}
}

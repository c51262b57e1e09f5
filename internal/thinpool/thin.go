package thinpool

import (
	"fmt"
	"io"
)

// Thin is one virtual block device bound to a Pool. It implements
// interfaces.Backend, so it can be handed directly to the host's device
// vehicle (ublk.CreateAndServe) as the Backend for a kernel block device,
// the same way backend.Memory does.
type Thin struct {
	pool    *Pool
	id      uint32
	sizeBlk uint64 // device size, in blocks
	closed  bool
}

// OpenThin attaches a thin device id to pool, sizing it to sizeBytes.
func OpenThin(pool *Pool, id uint32, sizeBytes int64) (*Thin, error) {
	if err := pool.meta.OpenThinDevice(id); err != nil {
		return nil, newError(classify(err), err)
	}
	pool.Bind()
	return &Thin{
		pool:    pool,
		id:      id,
		sizeBlk: uint64(sizeBytes) / uint64(pool.cfg.blockBytes()),
	}, nil
}

func (t *Thin) blockBytes() int64 {
	return t.pool.cfg.blockBytes()
}

// Size implements interfaces.Backend.
func (t *Thin) Size() int64 {
	return int64(t.sizeBlk) * t.blockBytes()
}

// Close implements interfaces.Backend: it detaches from the pool, allowing
// the pool to shut down once every bound Thin has closed.
func (t *Thin) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.pool.meta.CloseThinDevice(t.id); err != nil {
		return newError(classify(err), err)
	}
	t.pool.Unbind()
	return nil
}

// Flush implements interfaces.Backend: a flush/FUA bio, deferred per
// spec.md §4.4 so it orders after every mapping already queued ahead of it.
func (t *Thin) Flush() error {
	req := newRequest(t.id, 0, OpFlush, false, nil, 0)
	t.pool.deferBio(req)
	return req.wait()
}

// ReadAt implements interfaces.Backend, splitting the byte range across
// virtual blocks and driving each through the pool's fast path or deferred
// path (spec.md §4.4).
func (t *Thin) ReadAt(p []byte, off int64) (int, error) {
	return t.doIO(p, off, OpRead)
}

// WriteAt implements interfaces.Backend.
func (t *Thin) WriteAt(p []byte, off int64) (int, error) {
	return t.doIO(p, off, OpWrite)
}

func (t *Thin) doIO(p []byte, off int64, op Op) (int, error) {
	if off < 0 || off > t.Size() {
		return 0, io.EOF
	}
	if int64(len(p)) > t.Size()-off {
		p = p[:t.Size()-off]
	}

	block := t.blockBytes()
	done := 0
	for done < len(p) {
		virt := uint64((off + int64(done)) / block)
		bufOff := int((off + int64(done)) % block)
		n := int(block) - bufOff
		if n > len(p)-done {
			n = len(p) - done
		}
		whole := bufOff == 0 && n == int(block)

		req := newRequest(t.id, virt, op, whole, p[done:done+n], bufOff)
		t.pool.deferRequestForLookup(req)
		if err := req.wait(); err != nil {
			return done, err
		}
		done += n
	}
	return done, nil
}

// String satisfies fmt.Stringer for logging/diagnostics.
func (t *Thin) String() string {
	return fmt.Sprintf("thin(dev=%d)", t.id)
}

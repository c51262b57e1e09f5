// Package copier implements the asynchronous block-copy engine spec.md §6
// specifies as an external collaborator: copy or zero a region of the data
// device and notify on completion from the copier's own goroutine.
package copier

import (
	"sync"

	"github.com/pkg/errors"
)

// DataDevice is the minimal surface the copier needs against the pool's
// data device backend.
type DataDevice interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// Region is a byte range on the data device.
type Region struct {
	Offset int64
	Length int64
}

// CopyCallback is invoked on the copier's own goroutine with the read and
// write errors observed (either may be nil independently), matching
// spec.md §6's `(read_err, write_err, user_ctx)` triple. ctx is opaque,
// round-tripped from the Copy/Zero call.
type CopyCallback func(readErr, writeErr error, ctx interface{})

// ZeroCallback is invoked on the copier's own goroutine with the write
// error observed, if any.
type ZeroCallback func(err error, ctx interface{})

type job struct {
	isZero bool
	from   Region
	to     Region
	ctx    interface{}
	onCopy CopyCallback
	onZero ZeroCallback
}

// Copier runs a small fixed pool of worker goroutines that perform region
// copies and zeroes against a data device, reusing power-of-two buffers
// (grounded on internal/queue's buffer-pool sizing idea) to
// avoid per-job allocation.
type Copier struct {
	dev     DataDevice
	jobs    chan job
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// New creates a Copier with nrWorkers goroutines servicing the job queue.
func New(dev DataDevice, nrWorkers int) *Copier {
	if nrWorkers < 1 {
		nrWorkers = 1
	}
	c := &Copier{
		dev:  dev,
		jobs: make(chan job, nrWorkers*4),
	}
	for i := 0; i < nrWorkers; i++ {
		c.wg.Add(1)
		go c.run()
	}
	return c
}

func (c *Copier) run() {
	defer c.wg.Done()
	for j := range c.jobs {
		if j.isZero {
			c.doZero(j)
		} else {
			c.doCopy(j)
		}
	}
}

func bufferFor(length int64) []byte {
	return getBuffer(length)
}

func (c *Copier) doCopy(j job) {
	buf := bufferFor(j.from.Length)
	defer putBuffer(buf)

	_, readErr := c.dev.ReadAt(buf, j.from.Offset)
	if readErr != nil {
		readErr = errors.Wrap(readErr, "copier: read source region")
	}

	var writeErr error
	if readErr == nil {
		_, writeErr = c.dev.WriteAt(buf, j.to.Offset)
		if writeErr != nil {
			writeErr = errors.Wrap(writeErr, "copier: write target region")
		}
	}

	if j.onCopy != nil {
		j.onCopy(readErr, writeErr, j.ctx)
	}
}

func (c *Copier) doZero(j job) {
	buf := bufferFor(j.to.Length)
	defer putBuffer(buf)
	for i := range buf {
		buf[i] = 0
	}

	_, err := c.dev.WriteAt(buf, j.to.Offset)
	if err != nil {
		err = errors.Wrap(err, "copier: write zeroed region")
	}
	if j.onZero != nil {
		j.onZero(err, j.ctx)
	}
}

// Copy schedules an asynchronous copy from one region to another. cb fires
// on the copier's own goroutine once the read and write (or the first
// failure) have completed.
func (c *Copier) Copy(from, to Region, ctx interface{}, cb CopyCallback) error {
	return c.enqueue(job{from: from, to: to, ctx: ctx, onCopy: cb})
}

// Zero schedules an asynchronous zero-fill of a region. cb fires on the
// copier's own goroutine once the write (or its failure) has completed.
func (c *Copier) Zero(to Region, ctx interface{}, cb ZeroCallback) error {
	return c.enqueue(job{isZero: true, to: to, ctx: ctx, onZero: cb})
}

func (c *Copier) enqueue(j job) error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return errors.New("copier: closed")
	}
	c.closeMu.Unlock()

	c.jobs <- j
	return nil
}

// Close stops accepting new jobs and waits for in-flight ones to finish.
func (c *Copier) Close() {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	c.closeMu.Unlock()

	close(c.jobs)
	c.wg.Wait()
}

// Package thinpool implements the runtime I/O engine of a thin-provisioning
// block-storage target: the mapping orchestrator, worker pipeline, and pool
// lifecycle built on top of internal/prison, internal/deferred,
// internal/metadata, and internal/copier.
package thinpool

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/behrlich/thinpool/internal/copier"
	"github.com/behrlich/thinpool/internal/deferred"
	"github.com/behrlich/thinpool/internal/logging"
	"github.com/behrlich/thinpool/internal/metadata"
	"github.com/behrlich/thinpool/internal/prison"
)

// EventKind names the two administrative events the pool raises
// asynchronously, per spec.md §4.4/§5.
type EventKind int

const (
	EventLowWater EventKind = iota
	EventNoSpace
)

// Event is delivered on Pool.Events(); see EventKind.
type Event struct {
	Kind EventKind
}

// Pool owns the metadata handle, prison, deferred set, copier, and worker
// shared by every Thin device bound to it, per spec.md §3/§4.5.
type Pool struct {
	cfg    Config
	meta   *metadata.Handle
	prison *prison.Prison
	def    *deferred.Set
	copier *copier.Copier
	logger *logging.Logger

	mu               sync.Mutex
	deferredBios     []*Request
	preparedMappings []*newMapping
	retryList        []*Request

	lowWaterTriggered bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	events chan Event

	refcount int32

	metrics *Metrics
}

// New creates a pool bound to cfg's data device and metadata log, but does
// not start its worker; call Start to begin processing.
func New(cfg Config) (*Pool, error) {
	if cfg.BlockSectors == 0 {
		cfg.BlockSectors = 128
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	dataBlocks := uint32(cfg.DataDevice.Size() / cfg.blockBytes())
	meta, err := metadata.Open(dataBlocks, cfg.MetadataLogPath)
	if err != nil {
		return nil, newError(classify(err), err)
	}

	p := &Pool{
		cfg:       cfg,
		meta:      meta,
		prison:    prison.New(1024),
		def:       deferred.New(),
		copier:    copier.New(cfg.DataDevice, cfg.CopierWorkers),
		logger:    cfg.Logger,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		events:    make(chan Event, 16),
		metrics:   NewMetrics(),
	}
	p.logger.Info("pool created", "block_sectors", cfg.BlockSectors, "low_water_sectors", cfg.LowWaterSectors, "data_blocks", dataBlocks)
	return p, nil
}

// Start launches the pool's single worker goroutine.
func (p *Pool) Start() {
	go p.workerLoop()
}

// Events exposes the pool's low-water/no-space notifications.
func (p *Pool) Events() <-chan Event {
	return p.events
}

func (p *Pool) emit(kind EventKind) {
	select {
	case p.events <- Event{Kind: kind}:
	default:
		// Best-effort: a slow or absent consumer must not stall the worker.
	}
}

// Bind increments the pool's reference count, called when a Thin instance
// attaches.
func (p *Pool) Bind() {
	atomic.AddInt32(&p.refcount, 1)
}

// Unbind decrements the reference count and reports whether the pool is now
// unreferenced.
func (p *Pool) Unbind() bool {
	return atomic.AddInt32(&p.refcount, -1) == 0
}

// Preresume compares the configured data device size against the metadata
// store's recorded size; if the device has grown, it resizes the space map
// and commits, clears the low-water trigger, and requeues the retry list
// onto the deferred list (spec.md §4.5).
func (p *Pool) Preresume() error {
	want := uint32(p.cfg.DataDevice.Size() / p.cfg.blockBytes())
	have := p.meta.TotalDataBlocks()
	if want > have {
		p.logger.Info("data device grew, resizing space map", "from_blocks", have, "to_blocks", want)
		if err := p.meta.ResizeDataDevice(want); err != nil {
			return err
		}
		if err := p.meta.Commit(); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.lowWaterTriggered = false
	requeued := p.retryList
	p.retryList = nil
	p.deferredBios = append(p.deferredBios, requeued...)
	p.mu.Unlock()
	p.metrics.setRetryListDepth(0)

	if len(requeued) > 0 {
		p.wakeWorker()
	}
	return nil
}

// Postsuspend flushes the worker (drains both queues) and commits
// metadata, per spec.md §4.5.
func (p *Pool) Postsuspend() error {
	p.flush()
	if err := p.meta.Commit(); err != nil {
		p.logger.Error("postsuspend commit failed", "error", err)
		return err
	}
	if p.meta.Degraded() {
		p.logger.Error("pool metadata is degraded")
	}
	return nil
}

// Destroy stops the worker and releases the pool's resources. The caller
// (host) is expected to have already drained in-flight requests via the
// suspend protocol.
func (p *Pool) Destroy() error {
	p.logger.Info("destroying pool")
	close(p.stop)
	<-p.done
	p.copier.Close()
	return p.meta.Close()
}

// flush blocks until both the prepared-mappings and deferred-request queues
// are empty, used by Postsuspend. The worker drains both queues on every
// wake; polling at a short interval is sufficient since this path only runs
// on the (infrequent) suspend transition, not the I/O hot path.
func (p *Pool) flush() {
	for {
		p.mu.Lock()
		empty := len(p.deferredBios) == 0 && len(p.preparedMappings) == 0
		p.mu.Unlock()
		if empty {
			return
		}
		p.wakeWorker()
		time.Sleep(time.Millisecond)
	}
}

func (p *Pool) wakeWorker() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// deferBio appends req to the deferred-request list under the pool mutex
// and wakes the worker, per spec.md §5's "guarded by the pool's single
// mutex, held briefly only to append/splice".
func (p *Pool) deferBio(req *Request) {
	p.mu.Lock()
	p.deferredBios = append(p.deferredBios, req)
	p.mu.Unlock()
	p.wakeWorker()
}

// schedulePrepared pushes m onto the prepared-mappings list and wakes the
// worker; called from copier completion callbacks and from the fast-path
// writer's own completion hook.
func (p *Pool) schedulePrepared(m *newMapping) {
	p.mu.Lock()
	p.preparedMappings = append(p.preparedMappings, m)
	p.mu.Unlock()
	p.wakeWorker()
}

// retry parks req on the retry list after an allocation failure; it will
// be replayed after the next successful Preresume/resize.
func (p *Pool) retry(req *Request) {
	p.mu.Lock()
	p.retryList = append(p.retryList, req)
	depth := len(p.retryList)
	p.mu.Unlock()
	p.metrics.setRetryListDepth(depth)
}

// InfoLine renders the `pool_status` info line: transaction id, free
// metadata sectors (unmodelled here, reported as 0), free data sectors, and
// held metadata root, per spec.md §6.
func (p *Pool) InfoLine() (txID uint64, freeMetadataSectors, freeDataSectors uint64, heldRoot string) {
	txID = p.meta.TransactionID()
	freeDataSectors = uint64(p.meta.FreeBlocks()) * uint64(p.cfg.BlockSectors)
	if id, ok := p.meta.GetHeldRoot(); ok {
		heldRoot = strconv.FormatUint(uint64(id), 10)
	} else {
		heldRoot = "-"
	}
	return txID, 0, freeDataSectors, heldRoot
}

// CreateThinDevice creates an empty virtual device, for the administrative
// `create_thin` message (spec.md §6).
func (p *Pool) CreateThinDevice(devID uint32) error {
	if err := p.meta.CreateThinDevice(devID); err != nil {
		return newError(classify(err), err)
	}
	return nil
}

// CreateSnap snapshots originID into devID, for the administrative
// `create_snap` message.
func (p *Pool) CreateSnap(devID, originID uint32) error {
	if err := p.meta.CreateSnap(devID, originID); err != nil {
		return newError(classify(err), err)
	}
	return nil
}

// DeleteThinDevice removes a closed virtual device, for the administrative
// `delete` message.
func (p *Pool) DeleteThinDevice(devID uint32) error {
	if err := p.meta.DeleteThinDevice(devID); err != nil {
		return newError(classify(err), err)
	}
	return nil
}

// TrimThinDevice shrinks devID to ceil(sizeSectors/blockSectors) blocks,
// for the administrative `trim` message.
func (p *Pool) TrimThinDevice(devID, sizeSectors uint32) error {
	blocks := uint64(sizeSectors+p.cfg.BlockSectors-1) / uint64(p.cfg.BlockSectors)
	if err := p.meta.TrimThinDevice(devID, blocks); err != nil {
		return newError(classify(err), err)
	}
	return nil
}

// SetTransactionID performs the administrative `set_transaction_id`
// compare-and-set.
func (p *Pool) SetTransactionID(old, new uint64) error {
	if err := p.meta.SetTransactionID(old, new); err != nil {
		return newError(classify(err), err)
	}
	return nil
}

// Commit durably records the current metadata state, called after every
// successful administrative message per spec.md §6.
func (p *Pool) Commit() error {
	return p.meta.Commit()
}

// TableLine renders the `<metadata_dev> <data_dev> <block_size_sectors>
// <low_water_sectors> <nfeat> [skip_block_zeroing]` status table line,
// per spec.md §6. The metadata field is MetadataLogPath ("-" when empty).
// Config holds no name for the data device, so the data field is always
// the literal token `data_dev`.
func (p *Pool) TableLine() string {
	metaDev := p.cfg.MetadataLogPath
	if metaDev == "" {
		metaDev = "-"
	}
	line := metaDev + " data_dev " + strconv.FormatUint(uint64(p.cfg.BlockSectors), 10) + " " + strconv.FormatUint(uint64(p.cfg.LowWaterSectors), 10)
	if !p.cfg.ZeroNewBlocks {
		return line + " 1 skip_block_zeroing"
	}
	return line + " 0"
}

// Metrics returns the pool's prometheus-backed metrics collector.
func (p *Pool) Metrics() *Metrics {
	return p.metrics
}

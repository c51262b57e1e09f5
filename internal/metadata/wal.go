package metadata

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// walOp tags the kind of mutation a WAL record replays.
type walOp byte

const (
	walCreateThin walOp = iota + 1
	walDeleteThin
	walCreateSnap
	walTrim
	walInsertBlock
	walSetTransactionID
	walResizeDataDevice
)

// walRecord is one committed mutation, replayed in order on Open to
// reconstruct every device's mapping tree. Fields unused by a given op are
// left zero.
type walRecord struct {
	op       walOp
	devID    uint32
	originID uint32
	virt     uint64
	data     uint32
	shared   bool
	blocks   uint64
	old      uint64
	new      uint64
}

const walRecordSize = 1 + 4 + 4 + 8 + 4 + 1 + 8 + 8 + 8

func writeWALRecord(w io.Writer, r walRecord) error {
	var buf [walRecordSize]byte
	buf[0] = byte(r.op)
	binary.LittleEndian.PutUint32(buf[1:5], r.devID)
	binary.LittleEndian.PutUint32(buf[5:9], r.originID)
	binary.LittleEndian.PutUint64(buf[9:17], r.virt)
	binary.LittleEndian.PutUint32(buf[17:21], r.data)
	if r.shared {
		buf[21] = 1
	}
	binary.LittleEndian.PutUint64(buf[22:30], r.blocks)
	binary.LittleEndian.PutUint64(buf[30:38], r.old)
	binary.LittleEndian.PutUint64(buf[38:46], r.new)
	_, err := w.Write(buf[:])
	return err
}

func readWALRecord(r io.Reader) (walRecord, error) {
	var buf [walRecordSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return walRecord{}, err
	}
	return walRecord{
		op:       walOp(buf[0]),
		devID:    binary.LittleEndian.Uint32(buf[1:5]),
		originID: binary.LittleEndian.Uint32(buf[5:9]),
		virt:     binary.LittleEndian.Uint64(buf[9:17]),
		data:     binary.LittleEndian.Uint32(buf[17:21]),
		shared:   buf[21] != 0,
		blocks:   binary.LittleEndian.Uint64(buf[22:30]),
		old:      binary.LittleEndian.Uint64(buf[30:38]),
		new:      binary.LittleEndian.Uint64(buf[38:46]),
	}, nil
}

// appendWALRecords opens path in append mode, writes records, and fsyncs
// before returning, so a successful call is durable across a crash.
func appendWALRecords(path string, records []walRecord) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "metadata: open WAL for append")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, rec := range records {
		if err := writeWALRecord(w, rec); err != nil {
			return errors.Wrap(err, "metadata: encode WAL record")
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "metadata: flush WAL")
	}
	return f.Sync()
}

// superblockPath derives the sibling file the transactional superblock
// digest is kept in, separate from the append-only WAL at walPath so the
// superblock's truncate-and-rewrite commit never clobbers replay history.
func superblockPath(walPath string) string {
	if walPath == "" {
		return ""
	}
	return walPath + ".sb"
}

// replayWAL reconstructs h.devices, h.sb's transaction id/data block count,
// and h.sm's refcounts from the WAL at h.walPath. A missing WAL file means
// a fresh, never-committed pool and is not an error.
func (h *Handle) replayWAL() error {
	if _, err := os.Stat(h.walPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "metadata: stat WAL")
	}

	f, err := os.Open(h.walPath)
	if err != nil {
		return errors.Wrap(err, "metadata: open WAL for replay")
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		rec, err := readWALRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(ErrCorrupt, "metadata: truncated WAL record")
		}
		h.applyRecord(rec)
	}
	h.rebuildSpaceMap()

	sbPath := superblockPath(h.walPath)
	if _, err := os.Stat(sbPath); err == nil {
		loaded, err := Load(sbPath, h.rootsDigestInput())
		if err != nil {
			h.sb.markDegraded()
		} else {
			h.sb.heldRoot = loaded.heldRoot
		}
	}
	return nil
}

// applyRecord replays a single WAL record against the in-memory state being
// reconstructed. It mirrors the corresponding public method's tree
// mutation exactly, but never touches the space map — refcounts are
// rebuilt from the final mapping state in one pass by rebuildSpaceMap,
// since allocation itself is never logged (an allocated-but-uncommitted
// block is simply unreferenced, matching Commit's documented durability
// point).
func (h *Handle) applyRecord(rec walRecord) {
	switch rec.op {
	case walCreateThin:
		h.devices[rec.devID] = newDeviceTree()
	case walDeleteThin:
		delete(h.devices, rec.devID)
	case walCreateSnap:
		origin, ok := h.devices[rec.originID]
		if !ok {
			return
		}
		origin.tree.Scan(func(key uint64, m Mapping) bool {
			if !m.Shared {
				m.Shared = true
				origin.tree.Set(key, m)
			}
			return true
		})
		h.devices[rec.devID] = &deviceTree{
			tree:   origin.tree.Copy(),
			hot:    newHotCache(),
			blocks: origin.blocks,
			closed: true,
		}
	case walTrim:
		dt, ok := h.devices[rec.devID]
		if !ok {
			return
		}
		var drop []uint64
		dt.tree.Scan(func(key uint64, _ Mapping) bool {
			if key >= rec.blocks {
				drop = append(drop, key)
			}
			return true
		})
		for _, key := range drop {
			dt.tree.Delete(key)
		}
		dt.blocks = rec.blocks
	case walInsertBlock:
		dt, ok := h.devices[rec.devID]
		if !ok {
			return
		}
		dt.tree.Set(rec.virt, Mapping{Data: rec.data, Shared: rec.shared})
		dt.hot.touch(rec.virt)
	case walSetTransactionID:
		h.sb.transactionID = rec.new
	case walResizeDataDevice:
		h.sb.dataBlocks = uint32(rec.blocks)
	}
}

// rebuildSpaceMap recomputes every data block's refcount as the number of
// mapping-tree entries across all devices that currently reference it, the
// same quantity SpaceMap.Inc/Dec track incrementally during normal
// operation, so replay doesn't need its own allocation/release records.
func (h *Handle) rebuildSpaceMap() {
	total := h.sb.DataBlocks()
	sm := NewSpaceMap(total)
	for _, dt := range h.devices {
		dt.tree.Scan(func(_ uint64, m Mapping) bool {
			if int(m.Data) < len(sm.refcount) {
				if sm.refcount[m.Data] == 0 {
					sm.free--
				}
				sm.refcount[m.Data]++
			}
			return true
		})
	}
	h.sm = sm
}

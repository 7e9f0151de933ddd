package flow

// Discrete flow writer: produces grains into the ring, supports
// slice-by-slice progressive commit, and signals readers through the futex
// word.
//
// Publish ordering is the heart of the protocol: payload bytes are written
// first, then the slice counters (release), then the head index (release),
// then the sync counter increment (release) paired with the readers'
// acquire loads. Go's sync/atomic operations are sequentially consistent,
// which is strictly stronger than the required release/acquire pairing.

import (
	"fmt"
	"sync/atomic"

	mxlerrors "github.com/dmf-mxl/go-mxl/internal/errors"
	"github.com/dmf-mxl/go-mxl/internal/metrics"
	"github.com/dmf-mxl/go-mxl/internal/mxl/shm"
	"github.com/dmf-mxl/go-mxl/internal/mxl/timing"
)

// CommitInfo carries the caller-controlled metadata applied on commit.
// GrainSize and TotalSlices are optional; zero keeps the slot's value.
type CommitInfo struct {
	Flags       uint32
	ValidSlices uint16
	TotalSlices uint16
	GrainSize   uint32
}

// DiscreteWriter publishes grains into a discrete flow. One writer handle
// is used by one goroutine at a time.
type DiscreteWriter struct {
	data *Data

	hasOpen   bool
	openIndex uint64
	openSlot  uint32
	lastValid uint16 // highest validSlices committed in this open session
}

// NewDiscreteWriter wraps a writable discrete flow mapping.
func NewDiscreteWriter(data *Data) (*DiscreteWriter, error) {
	if data == nil {
		return nil, mxlerrors.NewFlowError("writer.new", mxlerrors.StatusInvalidWriter, nil)
	}
	if !data.Format().IsDiscrete() {
		return nil, mxlerrors.NewInvalidArgError("writer.new", fmt.Errorf("flow format %s is not discrete", data.Format()))
	}
	return &DiscreteWriter{data: data}, nil
}

// Data exposes the underlying mapping (used by the fabrics layer to build
// destination regions).
func (w *DiscreteWriter) Data() *Data { return w.data }

// FlowInfo returns a snapshot of the flow header.
func (w *DiscreteWriter) FlowInfo() FlowInfo { return *w.data.Info() }

// OpenGrain opens ring slot index%grainCount for producing grain `index`.
// It resets the slot's metadata and returns a copy of it plus the mutable
// payload bytes. Only one grain may be open at a time.
func (w *DiscreteWriter) OpenGrain(index uint64) (GrainInfo, []byte, error) {
	if w.hasOpen {
		return GrainInfo{}, nil, mxlerrors.NewStateError("writer.openGrain",
			fmt.Errorf("grain %d is already open", w.openIndex))
	}
	slot := uint32(index % uint64(w.data.GrainCount()))
	g := w.data.GrainAt(slot)
	if g == nil {
		return GrainInfo{}, nil, mxlerrors.NewFlowError("writer.openGrain", mxlerrors.StatusUnknown,
			fmt.Errorf("slot %d is not mapped", slot))
	}

	gi := g.Info()
	atomic.StoreUint64(&gi.Index, index)
	gi.Flags = 0
	total, _ := gi.LoadSliceCounts()
	gi.StoreSliceCounts(total, 0)

	w.hasOpen = true
	w.openIndex = index
	w.openSlot = slot
	w.lastValid = 0

	return *gi, g.Payload, nil
}

// Commit publishes the currently open grain's state. It may be called
// several times for one open grain with non-decreasing ValidSlices to
// stream slices; the slot stays open until ValidSlices reaches TotalSlices
// or CloseGrain or Cancel is called.
func (w *DiscreteWriter) Commit(info CommitInfo) error {
	if !w.hasOpen {
		return mxlerrors.NewStateError("writer.commit", fmt.Errorf("no open grain"))
	}
	g := w.data.GrainAt(w.openSlot)
	gi := g.Info()

	total, _ := gi.LoadSliceCounts()
	if info.TotalSlices != 0 {
		total = info.TotalSlices
	}
	if info.ValidSlices > total {
		return mxlerrors.NewInvalidArgError("writer.commit",
			fmt.Errorf("validSlices %d exceeds totalSlices %d", info.ValidSlices, total))
	}
	if info.ValidSlices < w.lastValid {
		return mxlerrors.NewInvalidArgError("writer.commit",
			fmt.Errorf("validSlices %d decreases below %d", info.ValidSlices, w.lastValid))
	}
	if info.GrainSize != 0 {
		if int(info.GrainSize) > len(g.Payload) {
			return mxlerrors.NewInvalidArgError("writer.commit",
				fmt.Errorf("grainSize %d exceeds mapped payload %d", info.GrainSize, len(g.Payload)))
		}
		gi.GrainSize = info.GrainSize
	}

	gi.Flags = info.Flags
	gi.StoreSliceCounts(total, info.ValidSlices)
	w.lastValid = info.ValidSlices

	fi := w.data.Info()
	if w.openIndex > fi.LoadHeadIndex() {
		fi.StoreHeadIndex(w.openIndex)
	}
	atomic.StoreUint64(&fi.Runtime.LastWriteTime, uint64(timing.TAINow()))
	fi.BumpSyncCounter()
	shm.WakeAll(fi.SyncWord())
	metrics.GrainsCommitted.Inc()
	metrics.ReaderWakes.Inc()

	if info.ValidSlices == total {
		w.hasOpen = false
	}
	return nil
}

// CloseGrain finishes an open grain's session without a further commit.
// Unlike Cancel the already-committed slices stay published.
func (w *DiscreteWriter) CloseGrain() error {
	if !w.hasOpen {
		return mxlerrors.NewStateError("writer.closeGrain", fmt.Errorf("no open grain"))
	}
	w.hasOpen = false
	return nil
}

// Cancel discards the open state without advancing the head index or
// waking readers.
func (w *DiscreteWriter) Cancel() error {
	if !w.hasOpen {
		return mxlerrors.NewStateError("writer.cancel", fmt.Errorf("no open grain"))
	}
	w.hasOpen = false
	return nil
}

// GrainInfoAt returns a copy of the metadata currently held in the ring
// slot for index, without opening it.
func (w *DiscreteWriter) GrainInfoAt(index uint64) (GrainInfo, error) {
	slot := uint32(index % uint64(w.data.GrainCount()))
	g := w.data.GrainAt(slot)
	if g == nil {
		return GrainInfo{}, mxlerrors.NewFlowError("writer.grainInfo", mxlerrors.StatusUnknown,
			fmt.Errorf("slot %d is not mapped", slot))
	}
	return *g.Info(), nil
}

// CommitDelivered publishes a ring slot whose header and payload were
// deposited by an external agent (the fabrics target path: the transport
// has already DMA'd the bytes). The slot's own header supplies the absolute
// index. validSlices == 0 keeps the delivered slice counters.
func (w *DiscreteWriter) CommitDelivered(slot uint32, validSlices uint16) (uint64, error) {
	g := w.data.GrainAt(slot)
	if g == nil {
		return 0, mxlerrors.NewInvalidArgError("writer.commitDelivered",
			fmt.Errorf("slot %d out of range", slot))
	}
	gi := g.Info()
	index := atomic.LoadUint64(&gi.Index)
	if validSlices != 0 {
		total, _ := gi.LoadSliceCounts()
		if validSlices > total {
			return 0, mxlerrors.NewInvalidArgError("writer.commitDelivered",
				fmt.Errorf("validSlices %d exceeds totalSlices %d", validSlices, total))
		}
		gi.StoreSliceCounts(total, validSlices)
	}

	fi := w.data.Info()
	if index > fi.LoadHeadIndex() {
		fi.StoreHeadIndex(index)
	}
	atomic.StoreUint64(&fi.Runtime.LastWriteTime, uint64(timing.TAINow()))
	fi.BumpSyncCounter()
	shm.WakeAll(fi.SyncWord())
	metrics.GrainsCommitted.Inc()
	return index, nil
}

// UpgradeExclusive attempts a non-blocking upgrade of the header's shared
// advisory lock.
func (w *DiscreteWriter) UpgradeExclusive() (bool, error) { return w.data.UpgradeExclusive() }

// Touch bumps the data file mtime as a liveness signal.
func (w *DiscreteWriter) Touch() error { return w.data.Touch() }

// SetLastReadTime records a reader-activity timestamp; called by the
// domain watcher, never by readers directly.
func (w *DiscreteWriter) SetLastReadTime(t timing.Timepoint) {
	atomic.StoreUint64(&w.data.Info().Runtime.LastReadTime, uint64(t))
}

// ID returns the flow id.
func (w *DiscreteWriter) ID() string { return w.data.ID().String() }

// Close releases all mappings and locks.
func (w *DiscreteWriter) Close() error { return w.data.Close() }

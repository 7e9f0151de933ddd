package flow

// Continuous flow writer. Samples are committed in batches; readers are
// only woken when a sync-batch boundary is crossed, which keeps the futex
// syscall rate far below the commit rate for high-rate audio.

import (
	"fmt"
	"sync/atomic"

	mxlerrors "github.com/dmf-mxl/go-mxl/internal/errors"
	"github.com/dmf-mxl/go-mxl/internal/metrics"
	"github.com/dmf-mxl/go-mxl/internal/mxl/shm"
	"github.com/dmf-mxl/go-mxl/internal/mxl/timing"
)

const undefinedIndex = ^uint64(0)

// ContinuousWriter publishes sample windows into a continuous flow.
type ContinuousWriter struct {
	data *Data

	bufferLength uint32
	currentIndex uint64

	syncBatchSize      uint32
	earlySyncThreshold uint32
	lastSignaledBatch  uint64
}

// NewContinuousWriter wraps a writable continuous flow mapping and caches
// the batch parameters from the header hints.
func NewContinuousWriter(data *Data) (*ContinuousWriter, error) {
	if data == nil {
		return nil, mxlerrors.NewFlowError("writer.new", mxlerrors.StatusInvalidWriter, nil)
	}
	if !data.Format().IsContinuous() {
		return nil, mxlerrors.NewInvalidArgError("writer.new", fmt.Errorf("flow format %s is not continuous", data.Format()))
	}
	common := &data.Info().Config.Common
	commit := max(common.MaxCommitBatchSizeHint, 1)
	syncBatch := max(common.MaxSyncBatchSizeHint, 1)

	w := &ContinuousWriter{
		data:          data,
		bufferLength:  data.Info().Config.Continuous().BufferLength,
		currentIndex:  undefinedIndex,
		syncBatchSize: syncBatch,
	}
	// Signalling slightly before the batch boundary avoids overshooting it
	// by a whole commit batch on the next commit.
	if syncBatch >= commit {
		w.earlySyncThreshold = syncBatch - commit
	}
	return w, nil
}

// Data exposes the underlying mapping.
func (w *ContinuousWriter) Data() *Data { return w.data }

// FlowInfo returns a snapshot of the flow header.
func (w *ContinuousWriter) FlowInfo() FlowInfo { return *w.data.Info() }

// OpenSamples returns mutable fragment views for the range
// [index-count+1, index] on every channel. count is limited to half the
// buffer so readers' half of the ring is never invaded.
func (w *ContinuousWriter) OpenSamples(index uint64, count int) (SampleWindow, error) {
	if count <= 0 || uint64(count) > uint64(w.bufferLength)/2 {
		return SampleWindow{}, mxlerrors.NewInvalidArgError("writer.openSamples",
			fmt.Errorf("count %d outside (0, %d]", count, w.bufferLength/2))
	}
	w.currentIndex = index
	return windowFor(w.data, index, count), nil
}

// Commit publishes the currently open range: head index first, then the
// batched sync counter signal.
func (w *ContinuousWriter) Commit() error {
	if w.currentIndex == undefinedIndex {
		return mxlerrors.NewStateError("writer.commit", fmt.Errorf("no open sample range"))
	}
	fi := w.data.Info()
	fi.StoreHeadIndex(w.currentIndex)
	atomic.StoreUint64(&fi.Runtime.LastWriteTime, uint64(timing.TAINow()))
	index := w.currentIndex
	w.currentIndex = undefinedIndex
	metrics.SamplesCommitted.Inc()

	if w.signalCompletedBatch(index) {
		fi.BumpSyncCounter()
		shm.WakeAll(fi.SyncWord())
		metrics.ReaderWakes.Inc()
	}
	return nil
}

// Cancel discards the open range without publishing.
func (w *ContinuousWriter) Cancel() error {
	w.currentIndex = undefinedIndex
	return nil
}

// signalCompletedBatch decides whether this commit crosses a sync-batch
// boundary (or comes close enough that the next commit would overshoot).
func (w *ContinuousWriter) signalCompletedBatch(index uint64) bool {
	batch := index / uint64(w.syncBatchSize)
	switch {
	case batch < w.lastSignaledBatch:
		return false
	case batch == w.lastSignaledBatch:
		if uint32(index%uint64(w.syncBatchSize)) > w.earlySyncThreshold {
			w.lastSignaledBatch = batch + 1
			return true
		}
		return false
	default:
		w.lastSignaledBatch = batch
		return true
	}
}

// UpgradeExclusive attempts a non-blocking upgrade of the header lock.
func (w *ContinuousWriter) UpgradeExclusive() (bool, error) { return w.data.UpgradeExclusive() }

// Touch bumps the data file mtime as a liveness signal.
func (w *ContinuousWriter) Touch() error { return w.data.Touch() }

// SetLastReadTime records a reader-activity timestamp (domain watcher).
func (w *ContinuousWriter) SetLastReadTime(t timing.Timepoint) {
	atomic.StoreUint64(&w.data.Info().Runtime.LastReadTime, uint64(t))
}

// ID returns the flow id.
func (w *ContinuousWriter) ID() string { return w.data.ID().String() }

// Close releases all mappings and locks.
func (w *ContinuousWriter) Close() error { return w.data.Close() }

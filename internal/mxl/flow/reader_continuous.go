package flow

// Continuous flow reader. The readable window at any instant is the upper
// half of the ring ending at the head index; the lower half is the writer's
// exclusion zone.

import (
	"fmt"
	"path/filepath"
	"time"

	mxlerrors "github.com/dmf-mxl/go-mxl/internal/errors"
	"github.com/dmf-mxl/go-mxl/internal/logger"
	"github.com/dmf-mxl/go-mxl/internal/mxl/shm"
)

// ContinuousReader reads sample windows from a continuous flow.
type ContinuousReader struct {
	data         *Data
	bufferLength uint32
	accessPath   string
	accessWarn   bool
}

// NewContinuousReader wraps a read-only continuous flow mapping.
func NewContinuousReader(data *Data) (*ContinuousReader, error) {
	if data == nil {
		return nil, mxlerrors.NewFlowError("reader.new", mxlerrors.StatusInvalidReader, nil)
	}
	if !data.Format().IsContinuous() {
		return nil, mxlerrors.NewInvalidArgError("reader.new", fmt.Errorf("flow format %s is not continuous", data.Format()))
	}
	return &ContinuousReader{
		data:         data,
		bufferLength: data.Info().Config.Continuous().BufferLength,
		accessPath:   filepath.Join(data.Dir(), AccessFileName),
	}, nil
}

// Data exposes the underlying mapping.
func (r *ContinuousReader) Data() *Data { return r.data }

// FlowInfo returns a snapshot of the flow header.
func (r *ContinuousReader) FlowInfo() FlowInfo { return *r.data.Info() }

// HeadIndex returns the current publish cursor.
func (r *ContinuousReader) HeadIndex() uint64 { return r.data.Info().LoadHeadIndex() }

// GetSamples returns fragment views of the range [index-count+1, index],
// parking on the sync counter until it is published or the deadline passes.
func (r *ContinuousReader) GetSamples(index uint64, count int, deadline time.Time) (SampleWindow, error) {
	fi := r.data.Info()
	for {
		sync := fi.LoadSyncCounter()

		win, err := r.trySamples(index, count)
		if err == nil {
			r.touchAccess()
			return win, nil
		}
		if !mxlerrors.IsTooEarly(err) {
			return SampleWindow{}, err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			if !r.data.Valid() {
				return SampleWindow{}, mxlerrors.NewFlowInvalidError("reader.getSamples", nil)
			}
			return SampleWindow{}, err
		}
		shm.WaitUntilChanged(fi.SyncWord(), sync, deadline)
	}
}

// GetSamplesNonBlocking returns the window immediately or fails with a
// range error; it never parks.
func (r *ContinuousReader) GetSamplesNonBlocking(index uint64, count int) (SampleWindow, error) {
	win, err := r.trySamples(index, count)
	if err != nil {
		if mxlerrors.IsTooEarly(err) && !r.data.Valid() {
			return SampleWindow{}, mxlerrors.NewFlowInvalidError("reader.getSamples", nil)
		}
		return SampleWindow{}, err
	}
	r.touchAccess()
	return win, nil
}

// WaitForSamples blocks until sample index is published, without
// materializing a window. Used by the synchronization group.
func (r *ContinuousReader) WaitForSamples(index uint64, deadline time.Time) error {
	fi := r.data.Info()
	for {
		sync := fi.LoadSyncCounter()
		head := fi.LoadHeadIndex()
		if index <= head {
			return nil
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			if !r.data.Valid() {
				return mxlerrors.NewFlowInvalidError("reader.waitForSamples", nil)
			}
			return mxlerrors.NewTooEarlyError("reader.waitForSamples", index, head)
		}
		shm.WaitUntilChanged(fi.SyncWord(), sync, deadline)
	}
}

// trySamples evaluates the availability predicate once:
// index <= head and index-count+1 >= head - bufferLength/2.
func (r *ContinuousReader) trySamples(index uint64, count int) (SampleWindow, error) {
	if count <= 0 || uint64(count) > uint64(r.bufferLength)/2 {
		return SampleWindow{}, mxlerrors.NewInvalidArgError("reader.getSamples",
			fmt.Errorf("count %d outside (0, %d]", count, r.bufferLength/2))
	}
	fi := r.data.Info()
	head := fi.LoadHeadIndex()
	if index > head {
		return SampleWindow{}, mxlerrors.NewTooEarlyError("reader.getSamples", index, head)
	}
	var tail uint64
	if half := uint64(r.bufferLength) / 2; head >= half {
		tail = head - half
	}
	if index+1 < uint64(count) || index-uint64(count)+1 < tail {
		return SampleWindow{}, mxlerrors.NewTooLateError("reader.getSamples", index, head)
	}
	return windowFor(r.data, index, count), nil
}

// Valid re-checks the inode stamp.
func (r *ContinuousReader) Valid() bool { return r.data.Valid() }

// ID returns the flow id.
func (r *ContinuousReader) ID() string { return r.data.ID().String() }

func (r *ContinuousReader) touchAccess() {
	if err := shm.TouchPath(r.accessPath); err != nil && !r.accessWarn {
		r.accessWarn = true
		logger.Warn("failed to update flow access time", "path", r.accessPath, "err", err)
	}
}

// Close releases all mappings and locks.
func (r *ContinuousReader) Close() error { return r.data.Close() }

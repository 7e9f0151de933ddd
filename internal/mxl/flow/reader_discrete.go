package flow

// Discrete flow reader. Readers hold read-only mappings and park on the
// header's futex word until the index they want is published.
//
// The park protocol loads the sync counter before re-checking the
// availability predicate; if the writer publishes in between, the futex
// value no longer matches and the wait returns immediately instead of
// losing the wake.

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	mxlerrors "github.com/dmf-mxl/go-mxl/internal/errors"
	"github.com/dmf-mxl/go-mxl/internal/logger"
	"github.com/dmf-mxl/go-mxl/internal/mxl/shm"
)

// DiscreteReader reads grains from a discrete flow.
type DiscreteReader struct {
	data       *Data
	accessPath string
	accessWarn bool
}

// NewDiscreteReader wraps a read-only discrete flow mapping.
func NewDiscreteReader(data *Data) (*DiscreteReader, error) {
	if data == nil {
		return nil, mxlerrors.NewFlowError("reader.new", mxlerrors.StatusInvalidReader, nil)
	}
	if !data.Format().IsDiscrete() {
		return nil, mxlerrors.NewInvalidArgError("reader.new", fmt.Errorf("flow format %s is not discrete", data.Format()))
	}
	return &DiscreteReader{
		data:       data,
		accessPath: filepath.Join(data.Dir(), AccessFileName),
	}, nil
}

// Data exposes the underlying mapping (used by the fabrics layer to build
// source regions).
func (r *DiscreteReader) Data() *Data { return r.data }

// FlowInfo returns a snapshot of the flow header.
func (r *DiscreteReader) FlowInfo() FlowInfo { return *r.data.Info() }

// HeadIndex returns the current publish cursor.
func (r *DiscreteReader) HeadIndex() uint64 { return r.data.Info().LoadHeadIndex() }

// GetGrain returns the metadata and read-only payload of grain index,
// parking on the sync counter until the grain reaches minValidSlices or the
// deadline passes. A zero minValidSlices waits for any committed state of
// the slot.
func (r *DiscreteReader) GetGrain(index uint64, minValidSlices uint16, deadline time.Time) (GrainInfo, []byte, error) {
	fi := r.data.Info()
	for {
		sync := fi.LoadSyncCounter()

		gi, payload, err := r.tryGrain(index, minValidSlices)
		if err == nil {
			r.touchAccess()
			return gi, payload, nil
		}
		if !mxlerrors.IsTooEarly(err) {
			return GrainInfo{}, nil, err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			if !r.data.Valid() {
				return GrainInfo{}, nil, mxlerrors.NewFlowInvalidError("reader.getGrain", nil)
			}
			return GrainInfo{}, nil, err
		}
		shm.WaitUntilChanged(fi.SyncWord(), sync, deadline)
	}
}

// GetGrainNonBlocking returns the grain immediately or fails with a range
// error, or with flow_invalid when the mapping is stale; it never parks.
func (r *DiscreteReader) GetGrainNonBlocking(index uint64, minValidSlices uint16) (GrainInfo, []byte, error) {
	gi, payload, err := r.tryGrain(index, minValidSlices)
	if err != nil {
		if mxlerrors.IsTooEarly(err) && !r.data.Valid() {
			return GrainInfo{}, nil, mxlerrors.NewFlowInvalidError("reader.getGrain", nil)
		}
		return GrainInfo{}, nil, err
	}
	if !r.data.Valid() {
		return GrainInfo{}, nil, mxlerrors.NewFlowInvalidError("reader.getGrain", nil)
	}
	r.touchAccess()
	return gi, payload, nil
}

// WaitForGrain blocks until grain index reaches minValidSlices without
// returning the payload. Used by the synchronization group.
func (r *DiscreteReader) WaitForGrain(index uint64, minValidSlices uint16, deadline time.Time) error {
	_, _, err := r.GetGrain(index, minValidSlices, deadline)
	return err
}

// tryGrain evaluates the availability decision table once.
func (r *DiscreteReader) tryGrain(index uint64, minValidSlices uint16) (GrainInfo, []byte, error) {
	fi := r.data.Info()
	head := fi.LoadHeadIndex()

	if index > head {
		return GrainInfo{}, nil, mxlerrors.NewTooEarlyError("reader.getGrain", index, head)
	}
	grainCount := uint64(r.data.GrainCount())
	var tail uint64
	if head >= grainCount {
		tail = head - grainCount + 1
	}
	if index < tail {
		return GrainInfo{}, nil, mxlerrors.NewTooLateError("reader.getGrain", index, head)
	}

	g := r.data.GrainAt(uint32(index % grainCount))
	gi := g.Info()
	slotIndex := atomic.LoadUint64(&gi.Index)
	if slotIndex > index {
		// The writer lapped this slot between our head check and now.
		return GrainInfo{}, nil, mxlerrors.NewTooLateError("reader.getGrain", index, head)
	}
	_, valid := gi.LoadSliceCounts()
	if slotIndex < index || valid < minValidSlices {
		// Slot not yet filled to the requested depth; park and re-enter.
		return GrainInfo{}, nil, mxlerrors.NewTooEarlyError("reader.getGrain", index, head)
	}
	return *gi, g.Payload, nil
}

// GrainRange scans the ring and reports the oldest and newest grain
// indices currently held in the slots.
func (r *DiscreteReader) GrainRange() (oldest, newest uint64, err error) {
	count := r.data.GrainCount()
	if count == 0 {
		return 0, 0, mxlerrors.NewFlowError("reader.grainRange", mxlerrors.StatusUnknown, fmt.Errorf("empty ring"))
	}
	oldest = ^uint64(0)
	for n := uint32(0); n < count; n++ {
		idx := atomic.LoadUint64(&r.data.GrainAt(n).Info().Index)
		if idx < oldest {
			oldest = idx
		}
		if idx > newest {
			newest = idx
		}
	}
	return oldest, newest, nil
}

// Valid re-checks the inode stamp; false means the flow was deleted or
// recreated behind this mapping.
func (r *DiscreteReader) Valid() bool { return r.data.Valid() }

// ID returns the flow id.
func (r *DiscreteReader) ID() string { return r.data.ID().String() }

// touchAccess bumps the access sentinel so the domain watcher can surface
// lastReadTime. Failures are expected on read-only domains and only logged
// once.
func (r *DiscreteReader) touchAccess() {
	if err := shm.TouchPath(r.accessPath); err != nil && !r.accessWarn {
		r.accessWarn = true
		logger.Warn("failed to update flow access time", "path", r.accessPath, "err", err)
	}
}

// Close releases all mappings and locks.
func (r *DiscreteReader) Close() error { return r.data.Close() }

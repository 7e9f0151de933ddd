package mxl

// SyncObject is a free-running tick sleeper: it converts a tick index to
// its nominal TAI time at the configured rate, adds the source delay, and
// sleeps until that moment. Media functions use it to pace generation or
// consumption against the house clock without holding any flow open.

import (
	"fmt"
	"time"

	mxlerrors "github.com/dmf-mxl/go-mxl/internal/errors"
	"github.com/dmf-mxl/go-mxl/internal/mxl/flow"
	"github.com/dmf-mxl/go-mxl/internal/mxl/timing"
)

// SyncObject paces a caller against the TAI clock at a tick rate.
type SyncObject struct {
	TickRate    timing.Rational
	SourceDelay timing.Timepoint // ns added to every tick's nominal time
}

// NewSyncObject builds a sync object from an explicit tick rate.
func NewSyncObject(rate timing.Rational) (*SyncObject, error) {
	if !rate.Valid() {
		return nil, mxlerrors.NewInvalidArgError("syncobject.new",
			fmt.Errorf("invalid tick rate %d/%d", rate.Numerator, rate.Denominator))
	}
	return &SyncObject{TickRate: rate}, nil
}

// NewSyncObjectFromDiscrete derives the tick rate from a discrete flow:
// one tick per grain.
func NewSyncObjectFromDiscrete(r *flow.DiscreteReader) (*SyncObject, error) {
	if r == nil {
		return nil, mxlerrors.NewFlowError("syncobject.new", mxlerrors.StatusInvalidReader, nil)
	}
	return NewSyncObject(r.FlowInfo().Config.Common.GrainRate)
}

// NewSyncObjectFromContinuous derives the tick rate from a continuous
// flow, folding batchSize samples into one tick (e.g. 48000/1 with batch
// 1920 ticks 25 times per second).
func NewSyncObjectFromContinuous(r *flow.ContinuousReader, batchSize int64) (*SyncObject, error) {
	if r == nil {
		return nil, mxlerrors.NewFlowError("syncobject.new", mxlerrors.StatusInvalidReader, nil)
	}
	if batchSize <= 0 {
		return nil, mxlerrors.NewInvalidArgError("syncobject.new", fmt.Errorf("batch size %d must be positive", batchSize))
	}
	rate := r.FlowInfo().Config.Common.GrainRate
	if !rate.Valid() {
		return nil, mxlerrors.NewInvalidArgError("syncobject.new", fmt.Errorf("flow has no valid sample rate"))
	}
	if rate.Numerator%batchSize == 0 {
		rate.Numerator /= batchSize
	} else {
		rate.Denominator *= batchSize
	}
	return &SyncObject{TickRate: rate}, nil
}

// WaitForTick sleeps until tick index's nominal time (plus the source
// delay) on the TAI clock. Returns immediately for ticks in the past.
func (s *SyncObject) WaitForTick(index uint64) error {
	if !s.TickRate.Valid() {
		return mxlerrors.NewInvalidArgError("syncobject.wait", fmt.Errorf("invalid tick rate"))
	}
	due := timing.IndexToTimestamp(s.TickRate, index) + s.SourceDelay
	now := timing.TAINow()
	if due <= now {
		return nil
	}
	time.Sleep(time.Duration(due - now))
	return nil
}

// TickIndexAt returns the tick index corresponding to a TAI timestamp.
func (s *SyncObject) TickIndexAt(t timing.Timepoint) uint64 {
	return timing.TimestampToIndex(s.TickRate, t)
}

package syncgroup

// Multi-flow synchronization. A Group waits until a given media timestamp
// is present on every participating flow.
//
// In multi-essence setups the flows arrive with different source delays
// (network paths, processing chains), so a fixed visiting order would park
// once per slow flow on a typical call. The group therefore measures each
// flow's observed source delay and moves newly-slowest flows to the front
// of the list: after a few calls the slowest flow is visited first and the
// remaining flows are observed already ready.

import (
	"time"

	"github.com/dmf-mxl/go-mxl/internal/mxl/flow"
	"github.com/dmf-mxl/go-mxl/internal/mxl/timing"
)

// entry is one participating reader.
type entry struct {
	discrete   *flow.DiscreteReader
	continuous *flow.ContinuousReader

	minValidSlices         uint16 // discrete only
	rate                   timing.Rational
	maxObservedSourceDelay int64 // ns
}

func (e *entry) headIndex() uint64 {
	if e.discrete != nil {
		return e.discrete.HeadIndex()
	}
	return e.continuous.HeadIndex()
}

func (e *entry) wait(index uint64, deadline time.Time) error {
	if e.discrete != nil {
		return e.discrete.WaitForGrain(index, e.minValidSlices, deadline)
	}
	return e.continuous.WaitForSamples(index, deadline)
}

// Group is an ordered set of flow readers joined on media timestamps.
// A Group is used by one goroutine at a time.
type Group struct {
	entries []*entry
}

// New returns an empty group.
func New() *Group { return &Group{} }

// Len returns the number of participating readers.
func (g *Group) Len() int { return len(g.entries) }

// AddDiscrete adds a discrete reader, or updates minValidSlices when the
// reader is already a member.
func (g *Group) AddDiscrete(r *flow.DiscreteReader, minValidSlices uint16) {
	for _, e := range g.entries {
		if e.discrete == r {
			e.minValidSlices = minValidSlices
			return
		}
	}
	g.entries = append(g.entries, &entry{
		discrete:       r,
		minValidSlices: minValidSlices,
		rate:           r.FlowInfo().Config.Common.GrainRate,
	})
}

// AddContinuous adds a continuous reader; adding an existing member is a
// no-op.
func (g *Group) AddContinuous(r *flow.ContinuousReader) {
	for _, e := range g.entries {
		if e.continuous == r {
			return
		}
	}
	g.entries = append(g.entries, &entry{
		continuous: r,
		rate:       r.FlowInfo().Config.Common.GrainRate,
	})
}

// RemoveDiscrete removes a discrete reader; unknown readers are a no-op.
func (g *Group) RemoveDiscrete(r *flow.DiscreteReader) {
	for i, e := range g.entries {
		if e.discrete == r {
			g.entries = append(g.entries[:i], g.entries[i+1:]...)
			return
		}
	}
}

// RemoveContinuous removes a continuous reader; unknown readers are a
// no-op.
func (g *Group) RemoveContinuous(r *flow.ContinuousReader) {
	for i, e := range g.entries {
		if e.continuous == r {
			g.entries = append(g.entries[:i], g.entries[i+1:]...)
			return
		}
	}
}

// WaitForDataAt blocks until every flow in the group has data for
// originTime, or deadline passes. The first per-flow failure is returned
// immediately. On success the visiting order may be adapted so the slowest
// source is checked first on the next call.
func (g *Group) WaitForDataAt(originTime timing.Timepoint, deadline time.Time) error {
	for i := 0; i < len(g.entries); i++ {
		e := g.entries[i]
		expectedIndex := timing.TimestampToIndex(e.rate, originTime)
		if expectedIndex <= e.headIndex() {
			continue // already available
		}
		if err := e.wait(expectedIndex, deadline); err != nil {
			return err
		}

		// Measure how late this flow delivered relative to its nominal
		// timeline and promote it when it becomes the slowest seen so far.
		expectedArrival := timing.IndexToTimestamp(e.rate, expectedIndex)
		if now := timing.TAINow(); now > expectedArrival {
			sourceDelay := int64(now - expectedArrival)
			if sourceDelay > e.maxObservedSourceDelay {
				e.maxObservedSourceDelay = sourceDelay
				if sourceDelay > g.entries[0].maxObservedSourceDelay && i > 0 {
					copy(g.entries[1:i+1], g.entries[:i])
					g.entries[0] = e
				}
			}
		}
	}
	return nil
}

// VisitOrderIDs reports the current visiting order (flow ids). Intended
// for diagnostics and tests.
func (g *Group) VisitOrderIDs() []string {
	ids := make([]string, 0, len(g.entries))
	for _, e := range g.entries {
		if e.discrete != nil {
			ids = append(ids, e.discrete.ID())
		} else {
			ids = append(ids, e.continuous.ID())
		}
	}
	return ids
}

package fabrics

// Memory regions for RDMA registration. The fabrics layer reuses the flow
// core's grain mappings directly: a region set built from a flow reader is
// the initiator's source view, one built from a flow writer is the
// target's destination view. Each ring slot contributes one region
// covering its grain header plus payload, so an incoming write deposits
// both the metadata and the bytes.

import (
	"fmt"

	mxlerrors "github.com/dmf-mxl/go-mxl/internal/errors"
	"github.com/dmf-mxl/go-mxl/internal/mxl/flow"
)

// MemoryLocation describes where a region physically resides.
type MemoryLocation struct {
	Type        flow.PayloadLocation
	DeviceIndex uint64
}

// Region is one contiguous byte range eligible for registration.
type Region struct {
	Bytes []byte
	Loc   MemoryLocation
}

// GrainGeometry tells an initiator how to slice writes for a flow-backed
// region set.
type GrainGeometry struct {
	GrainCount  uint32
	GrainSize   uint64 // bytes per region (header + payload)
	TotalSlices uint16
}

// Regions is an ordered set of registrable regions, optionally annotated
// with the grain geometry when built from a flow.
type Regions struct {
	regions  []Region
	geometry GrainGeometry
	hasGeo   bool
}

// RegionsForFlowReader builds the initiator-side source view of a discrete
// flow: one region per ring slot.
func RegionsForFlowReader(r *flow.DiscreteReader) (*Regions, error) {
	if r == nil {
		return nil, mxlerrors.NewFlowError("regions.forReader", mxlerrors.StatusInvalidReader, nil)
	}
	return regionsForFlow(r.Data())
}

// RegionsForFlowWriter builds the target-side destination view of a
// discrete flow: one region per ring slot.
func RegionsForFlowWriter(w *flow.DiscreteWriter) (*Regions, error) {
	if w == nil {
		return nil, mxlerrors.NewFlowError("regions.forWriter", mxlerrors.StatusInvalidWriter, nil)
	}
	return regionsForFlow(w.Data())
}

func regionsForFlow(d *flow.Data) (*Regions, error) {
	if !d.Format().IsDiscrete() {
		return nil, mxlerrors.NewInvalidArgError("regions.forFlow",
			fmt.Errorf("fabric transfer supports discrete flows, got %s", d.Format()))
	}
	cfg := d.Info().Config
	loc := MemoryLocation{Type: flow.PayloadLocation(cfg.Common.PayloadLocation)}
	if cfg.Common.DeviceIndex >= 0 {
		loc.DeviceIndex = uint64(cfg.Common.DeviceIndex)
	}

	count := d.GrainCount()
	rs := &Regions{regions: make([]Region, 0, count), hasGeo: true}
	var grainSize uint64
	var totalSlices uint16
	for n := uint32(0); n < count; n++ {
		g := d.GrainAt(n)
		if g == nil {
			return nil, mxlerrors.NewFlowError("regions.forFlow", mxlerrors.StatusUnknown,
				fmt.Errorf("slot %d is not mapped", n))
		}
		b := g.Bytes()
		if grainSize == 0 {
			grainSize = uint64(len(b))
			totalSlices, _ = g.Info().LoadSliceCounts()
		}
		rs.regions = append(rs.regions, Region{Bytes: b, Loc: loc})
	}
	rs.geometry = GrainGeometry{GrainCount: count, GrainSize: grainSize, TotalSlices: totalSlices}
	return rs, nil
}

// RegionsFromUserBuffers wraps caller-supplied buffers. No grain geometry
// is attached; such region sets carry raw bytes only.
func RegionsFromUserBuffers(buffers []Region) (*Regions, error) {
	if len(buffers) == 0 {
		return nil, mxlerrors.NewInvalidArgError("regions.fromBuffers", fmt.Errorf("no buffers supplied"))
	}
	for i, b := range buffers {
		if len(b.Bytes) == 0 {
			return nil, mxlerrors.NewInvalidArgError("regions.fromBuffers", fmt.Errorf("buffer %d is empty", i))
		}
	}
	return &Regions{regions: append([]Region(nil), buffers...)}, nil
}

// Count returns the number of regions.
func (r *Regions) Count() int { return len(r.regions) }

// At returns region i.
func (r *Regions) At(i int) Region { return r.regions[i] }

// Geometry returns the grain geometry and whether one is attached.
func (r *Regions) Geometry() (GrainGeometry, bool) { return r.geometry, r.hasGeo }

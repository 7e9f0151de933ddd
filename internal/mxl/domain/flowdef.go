package domain

// NMOS flow-definition handling. The definition blob is stored verbatim;
// the core only extracts the `id` and `grain_rate` fields and otherwise
// treats it as opaque.

import (
	"fmt"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	mxlerrors "github.com/dmf-mxl/go-mxl/internal/errors"
	"github.com/dmf-mxl/go-mxl/internal/mxl/timing"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FlowDef is the subset of an NMOS flow resource the core reads.
type FlowDef struct {
	ID        uuid.UUID
	GrainRate timing.Rational
	Raw       string
}

type nmosRational struct {
	Numerator   int64 `json:"numerator"`
	Denominator int64 `json:"denominator"`
}

type nmosFlow struct {
	ID         string        `json:"id"`
	GrainRate  *nmosRational `json:"grain_rate"`
	SampleRate *nmosRational `json:"sample_rate"`
}

// ParseFlowDef extracts the id and grain rate from an NMOS flow resource.
// A missing denominator defaults to 1 as in NMOS IS-04. For audio flows the
// sample_rate field is accepted in place of grain_rate.
func ParseFlowDef(raw string) (FlowDef, error) {
	if raw == "" {
		return FlowDef{}, mxlerrors.NewInvalidArgError("flowdef.parse", fmt.Errorf("empty definition"))
	}
	var nf nmosFlow
	if err := json.UnmarshalFromString(raw, &nf); err != nil {
		return FlowDef{}, mxlerrors.NewInvalidArgError("flowdef.parse", fmt.Errorf("unreadable definition: %w", err))
	}
	id, err := uuid.Parse(nf.ID)
	if err != nil {
		return FlowDef{}, mxlerrors.NewInvalidArgError("flowdef.parse", fmt.Errorf("bad flow id %q: %w", nf.ID, err))
	}

	rate := nf.GrainRate
	if rate == nil {
		rate = nf.SampleRate
	}
	def := FlowDef{ID: id, Raw: raw}
	if rate != nil {
		den := rate.Denominator
		if den == 0 {
			den = 1
		}
		def.GrainRate = timing.Rational{Numerator: rate.Numerator, Denominator: den}
	}
	return def, nil
}

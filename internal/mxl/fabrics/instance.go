package fabrics

// FabricsInstance binds the fabric layer to an MXL instance. Targets and
// initiators created from it move grains of flows that live in the bound
// instance's domain.

import (
	mxlerrors "github.com/dmf-mxl/go-mxl/internal/errors"
	"github.com/dmf-mxl/go-mxl/internal/mxl"
)

// FabricsInstance is the root object of the fabric subsystem.
type FabricsInstance struct {
	instance *mxl.Instance
}

// NewFabricsInstance binds to an MXL instance.
func NewFabricsInstance(instance *mxl.Instance) (*FabricsInstance, error) {
	if instance == nil {
		return nil, mxlerrors.NewFabricError("fabrics.new", mxlerrors.StatusInvalidState, nil)
	}
	return &FabricsInstance{instance: instance}, nil
}

// Instance returns the bound MXL instance.
func (f *FabricsInstance) Instance() *mxl.Instance { return f.instance }

// NewTarget creates a receiving endpoint in the Created state.
func (f *FabricsInstance) NewTarget() *Target { return NewTarget() }

// NewInitiator creates a sending endpoint; call Setup before use.
func (f *FabricsInstance) NewInitiator() *Initiator { return NewInitiator() }

// Close releases the binding. The underlying MXL instance stays open; it
// is owned by the caller.
func (f *FabricsInstance) Close() error {
	f.instance = nil
	return nil
}

package fabrics

// Fabric target: accepts RDMA writes from initiators into the memory
// backing a local flow writer and republishes each completed write as a
// local grain commit, so local readers of the target's flow observe
// fabric-delivered grains exactly like locally produced ones.
//
// States: Created -> SetUp -> Ready -> Closed.

import (
	"fmt"
	"log/slog"
	"time"

	mxlerrors "github.com/dmf-mxl/go-mxl/internal/errors"
	"github.com/dmf-mxl/go-mxl/internal/logger"
	"github.com/dmf-mxl/go-mxl/internal/metrics"
	"github.com/dmf-mxl/go-mxl/internal/mxl/flow"
)

type targetState int

const (
	targetCreated targetState = iota
	targetSetUp
	targetReady
	targetClosed
)

// TargetConfig parameterizes Target.Setup.
type TargetConfig struct {
	Bind     EndpointBind
	Provider Provider
	// Regions are the destination regions incoming grains land in,
	// normally built with RegionsForFlowWriter.
	Regions *Regions
	// Writer is the local flow writer whose ring backs Regions; each
	// delivery is published through it.
	Writer *flow.DiscreteWriter
}

// Target is the receiving end of the fabric protocol.
type Target struct {
	state    targetState
	endpoint TargetEndpoint
	writer   *flow.DiscreteWriter
	imm      ImmLayout
	log      *slog.Logger
}

// NewTarget returns a target in the Created state.
func NewTarget() *Target {
	return &Target{log: logger.Logger()}
}

// Setup opens the endpoint on the bind address, registers the destination
// regions for remote writes, and exports the TargetInfo an initiator
// needs.
func (t *Target) Setup(cfg TargetConfig) (*TargetInfo, error) {
	if t.state != targetCreated {
		return nil, mxlerrors.NewFabricError("target.setup", mxlerrors.StatusInvalidState,
			fmt.Errorf("setup in state %d", t.state))
	}
	if cfg.Regions == nil || cfg.Regions.Count() == 0 {
		return nil, mxlerrors.NewFabricError("target.setup", mxlerrors.StatusInvalidState,
			fmt.Errorf("no destination regions"))
	}
	if cfg.Writer == nil {
		return nil, mxlerrors.NewFlowError("target.setup", mxlerrors.StatusInvalidWriter, nil)
	}
	geometry, ok := cfg.Regions.Geometry()
	if !ok {
		return nil, mxlerrors.NewFabricError("target.setup", mxlerrors.StatusInvalidState,
			fmt.Errorf("regions carry no grain geometry"))
	}
	imm, err := ImmLayoutFor(geometry.GrainCount)
	if err != nil {
		return nil, err
	}
	transport, err := transportFor(cfg.Provider)
	if err != nil {
		return nil, err
	}
	endpoint, err := transport.NewTarget(cfg.Bind, cfg.Regions)
	if err != nil {
		return nil, err
	}

	t.endpoint = endpoint
	t.writer = cfg.Writer
	t.imm = imm
	t.state = targetSetUp
	t.log = logger.WithTarget(logger.Logger(), transport.Provider().String(), endpoint.Address().String())
	t.log.Info("fabric target ready", "regions", cfg.Regions.Count(), "grain_count", geometry.GrainCount)

	return &TargetInfo{
		Provider:      transport.Provider(),
		FabricAddress: endpoint.Address(),
		Mode:          transport.AddressMode(),
		Regions:       endpoint.RemoteRegions(),
		Geometry:      geometry,
		Imm:           imm,
	}, nil
}

// TryNewGrain polls the completion queue once. On a completion carrying
// immediate data it publishes the delivered slot locally and returns the
// grain's absolute index. Returns not_ready when no completion is pending.
func (t *Target) TryNewGrain() (uint64, error) {
	if err := t.enterReady(); err != nil {
		return 0, err
	}
	completion, ok := t.endpoint.Poll()
	if !ok {
		return 0, mxlerrors.NewFabricError("target.tryNewGrain", mxlerrors.StatusNotReady, nil)
	}
	return t.publish(completion)
}

// WaitForNewGrain blocks until a grain is delivered or the deadline
// passes; on timeout it returns not_ready.
func (t *Target) WaitForNewGrain(deadline time.Time) (uint64, error) {
	if err := t.enterReady(); err != nil {
		return 0, err
	}
	completion, ok := t.endpoint.Wait(deadline)
	if !ok {
		return 0, mxlerrors.NewFabricError("target.waitForNewGrain", mxlerrors.StatusNotReady, nil)
	}
	return t.publish(completion)
}

func (t *Target) enterReady() error {
	switch t.state {
	case targetSetUp:
		t.state = targetReady
		return nil
	case targetReady:
		return nil
	}
	return mxlerrors.NewFabricError("target.receive", mxlerrors.StatusInvalidState,
		fmt.Errorf("receive in state %d", t.state))
}

func (t *Target) publish(completion Completion) (uint64, error) {
	if !completion.HasImm {
		return 0, mxlerrors.NewFabricError("target.publish", mxlerrors.StatusInvalidState,
			fmt.Errorf("completion without immediate data"))
	}
	slot, slices := t.imm.Unpack(completion.Imm)
	index, err := t.writer.CommitDelivered(slot, slices)
	if err != nil {
		return 0, err
	}
	metrics.FabricDeliveries.Inc()
	t.log.Debug("fabric grain delivered", "slot", slot, "index", index, "slices", slices)
	return index, nil
}

// Close tears the target down; connections and registrations are released
// by the endpoint in reverse order.
func (t *Target) Close() error {
	if t.state == targetClosed {
		return nil
	}
	t.state = targetClosed
	if t.endpoint != nil {
		return t.endpoint.Close()
	}
	return nil
}

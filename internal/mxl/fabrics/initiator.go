package fabrics

// Fabric initiator: for each locally available grain, issues one RDMA
// write per added target with immediate data encoding the ring slot.
//
// Every mutating call (AddTarget, RemoveTarget, TransferGrain) is a pure
// state update; MakeProgress is the sole place network I/O happens, which
// hands scheduling control to the caller. Per-target states:
// Added -> Connecting -> Connected -> Removing -> Removed.

import (
	"fmt"
	"log/slog"
	"time"

	mxlerrors "github.com/dmf-mxl/go-mxl/internal/errors"
	"github.com/dmf-mxl/go-mxl/internal/logger"
	"github.com/dmf-mxl/go-mxl/internal/metrics"
	"github.com/dmf-mxl/go-mxl/internal/mxl/flow"
)

type initiatorTargetState int

const (
	targetAdded initiatorTargetState = iota
	targetConnecting
	targetConnected
	targetRemoving
	targetRemoved
)

type initiatorTarget struct {
	info  *TargetInfo
	state initiatorTargetState
	conn  InitiatorConn
	queue []WriteOp
}

// InitiatorConfig parameterizes Initiator.Setup.
type InitiatorConfig struct {
	Bind     EndpointBind
	Provider Provider
	// Regions are the source regions grains are read from, normally built
	// with RegionsForFlowReader.
	Regions *Regions
	// Reader is the local flow reader whose ring backs Regions.
	Reader *flow.DiscreteReader
}

// Initiator is the sending end of the fabric protocol.
type Initiator struct {
	endpoint InitiatorEndpoint
	regions  *Regions
	geometry GrainGeometry
	reader   *flow.DiscreteReader
	targets  map[string]*initiatorTarget // keyed by fabric address
	log      *slog.Logger
}

// NewInitiator returns an initiator with no endpoint; call Setup first.
func NewInitiator() *Initiator {
	return &Initiator{targets: make(map[string]*initiatorTarget), log: logger.Logger()}
}

// Setup opens the local endpoint and registers the source regions. No
// connections are made yet.
func (i *Initiator) Setup(cfg InitiatorConfig) error {
	if i.endpoint != nil {
		return mxlerrors.NewFabricError("initiator.setup", mxlerrors.StatusInvalidState,
			fmt.Errorf("setup called twice"))
	}
	if cfg.Regions == nil || cfg.Regions.Count() == 0 {
		return mxlerrors.NewFabricError("initiator.setup", mxlerrors.StatusInvalidState,
			fmt.Errorf("no source regions"))
	}
	geometry, ok := cfg.Regions.Geometry()
	if !ok {
		return mxlerrors.NewFabricError("initiator.setup", mxlerrors.StatusInvalidState,
			fmt.Errorf("regions carry no grain geometry"))
	}
	transport, err := transportFor(cfg.Provider)
	if err != nil {
		return err
	}
	endpoint, err := transport.NewInitiator(cfg.Bind, cfg.Regions)
	if err != nil {
		return err
	}
	i.endpoint = endpoint
	i.regions = cfg.Regions
	i.geometry = geometry
	i.reader = cfg.Reader
	i.log = logger.Logger().With("provider", transport.Provider().String())
	return nil
}

// AddTarget enqueues connection establishment towards the described
// target for the next progress cycle. Duplicate adds collapse onto the
// existing logical connection.
func (i *Initiator) AddTarget(info *TargetInfo) error {
	if i.endpoint == nil {
		return mxlerrors.NewFabricError("initiator.addTarget", mxlerrors.StatusInvalidState,
			fmt.Errorf("setup not called"))
	}
	if info == nil || info.FabricAddress.IsZero() {
		return mxlerrors.NewFabricError("initiator.addTarget", mxlerrors.StatusInvalidState,
			fmt.Errorf("target info carries no fabric address"))
	}
	if info.Geometry.GrainCount != i.geometry.GrainCount {
		return mxlerrors.NewFabricTargetError("initiator.addTarget", mxlerrors.StatusInvalidState,
			info.FabricAddress.String(),
			fmt.Errorf("target ring has %d slots, local ring has %d", info.Geometry.GrainCount, i.geometry.GrainCount))
	}
	key := info.FabricAddress.String()
	if existing, ok := i.targets[key]; ok && existing.state != targetRemoved {
		return nil
	}
	i.targets[key] = &initiatorTarget{info: info, state: targetAdded}
	i.log.Info("fabric target added", "target_addr", key)
	return nil
}

// RemoveTarget enqueues a graceful shutdown of the connection to the
// described target. After it returns, no further grain transfers will be
// queued for that target; the disconnect completes on a later progress
// call.
func (i *Initiator) RemoveTarget(info *TargetInfo) error {
	if info == nil {
		return mxlerrors.NewFabricError("initiator.removeTarget", mxlerrors.StatusInvalidState, nil)
	}
	key := info.FabricAddress.String()
	entry, ok := i.targets[key]
	if !ok || entry.state == targetRemoved {
		return mxlerrors.NewFabricTargetError("initiator.removeTarget", mxlerrors.StatusNotFound, key, nil)
	}
	entry.state = targetRemoving
	entry.queue = nil
	return nil
}

// TransferGrain enqueues one RDMA write of grain grainIndex's slot to
// every connected target; for targets not yet connected the transfer is
// dropped. The write carries the packed (slot, 0) immediate; a zero slice
// count makes the target keep the slice counters delivered in the header.
func (i *Initiator) TransferGrain(grainIndex uint64) error {
	return i.TransferGrainSlices(grainIndex, 0)
}

// TransferGrainSlices is TransferGrain for a partially valid grain: the
// immediate word advertises validSlices so the target can republish the
// same partial depth. validSlices == 0 means the full grain.
func (i *Initiator) TransferGrainSlices(grainIndex uint64, validSlices uint16) error {
	if i.endpoint == nil {
		return mxlerrors.NewFabricError("initiator.transferGrain", mxlerrors.StatusInvalidState,
			fmt.Errorf("setup not called"))
	}
	slot := uint32(grainIndex % uint64(i.geometry.GrainCount))
	region := i.regions.At(int(slot))

	for key, entry := range i.targets {
		if entry.state != targetConnected {
			i.log.Debug("transfer dropped for unconnected target", "target_addr", key, "index", grainIndex)
			continue
		}
		imm, err := entry.info.Imm.Pack(slot, validSlices)
		if err != nil {
			return mxlerrors.NewFabricTargetError("initiator.transferGrain", mxlerrors.StatusInternal, key, err)
		}
		remote := entry.info.Regions[slot]
		length := min(uint64(len(region.Bytes)), remote.Length)
		entry.queue = append(entry.queue, WriteOp{
			RegionIndex:  int(slot),
			LocalOffset:  0,
			RemoteOffset: remote.Addr, // zero in offset mode
			Length:       length,
			RKey:         remote.RKey,
			Imm:          imm,
			HasImm:       true,
		})
		metrics.FabricTransfers.Inc()
	}
	return nil
}

// MakeProgress drives all queued work: connection establishment, writes,
// removals. Returns nil when nothing is pending and a not_ready fabric
// error while work remains. Transfer failures identify the offending
// target and fail the call.
func (i *Initiator) MakeProgress() error {
	if i.endpoint == nil {
		return mxlerrors.NewFabricError("initiator.progress", mxlerrors.StatusInvalidState,
			fmt.Errorf("setup not called"))
	}
	pending := false
	for key, entry := range i.targets {
		switch entry.state {
		case targetAdded:
			entry.state = targetConnecting
			pending = true
		case targetConnecting:
			conn, err := i.endpoint.Connect(entry.info)
			if err != nil {
				// Stay in Connecting; the next progress cycle retries.
				pending = true
				i.log.Warn("fabric connect pending", "target_addr", key, "err", err)
				continue
			}
			entry.conn = conn
			entry.state = targetConnected
			i.log.Info("fabric target connected", "target_addr", key)
		case targetConnected:
			if len(entry.queue) == 0 {
				continue
			}
			for len(entry.queue) > 0 {
				op := entry.queue[0]
				if err := entry.conn.Write(op); err != nil {
					return mxlerrors.NewFabricTargetError("initiator.progress", mxlerrors.StatusInternal, key, err)
				}
				entry.queue = entry.queue[1:]
			}
		case targetRemoving:
			if entry.conn != nil {
				entry.conn.Close()
				entry.conn = nil
			}
			entry.state = targetRemoved
			delete(i.targets, key)
			i.log.Info("fabric target removed", "target_addr", key)
		}
	}
	if pending {
		return mxlerrors.NewFabricError("initiator.progress", mxlerrors.StatusNotReady, nil)
	}
	return nil
}

// MakeProgressBlocking repeats MakeProgress until nothing is pending or
// the timeout elapses, at which point it returns not_ready.
func (i *Initiator) MakeProgressBlocking(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		err := i.MakeProgress()
		if err == nil || !mxlerrors.IsNotReady(err) {
			return err
		}
		if !time.Now().Before(deadline) {
			return err
		}
		time.Sleep(time.Millisecond)
	}
}

// TargetState reports the connection state of the target described by
// info, for diagnostics.
func (i *Initiator) TargetState(info *TargetInfo) (connected bool, known bool) {
	entry, ok := i.targets[info.FabricAddress.String()]
	if !ok {
		return false, false
	}
	return entry.state == targetConnected, true
}

// Close disconnects all targets and releases the endpoint.
func (i *Initiator) Close() error {
	for key, entry := range i.targets {
		if entry.conn != nil {
			entry.conn.Close()
		}
		delete(i.targets, key)
	}
	if i.endpoint != nil {
		err := i.endpoint.Close()
		i.endpoint = nil
		return err
	}
	return nil
}

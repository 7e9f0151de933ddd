package mxl

// Instance is the root object of the SDK: one per domain per process. It
// owns the flow manager and the domain watcher, collects orphaned flows on
// startup, and hands out reader/writer handles wired into the watcher.

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmf-mxl/go-mxl/internal/logger"
	"github.com/dmf-mxl/go-mxl/internal/mxl/domain"
	"github.com/dmf-mxl/go-mxl/internal/mxl/flow"
	"github.com/dmf-mxl/go-mxl/internal/mxl/syncgroup"
)

// InstanceOptions tunes instance construction.
type InstanceOptions struct {
	// SkipStartupGC leaves orphaned flows in place at startup.
	SkipStartupGC bool
	// DisableWatcher skips the inotify domain watcher (lastReadTime will
	// not be maintained).
	DisableWatcher bool
}

// Instance binds a process to one MXL domain.
type Instance struct {
	manager *domain.Manager
	watcher *domain.Watcher
	log     *slog.Logger
	options domain.Options
}

// NewInstance opens the domain directory, loads its options file, runs a
// garbage-collection pass and starts the domain watcher.
func NewInstance(domainPath string, opts InstanceOptions) (*Instance, error) {
	mgr, err := domain.NewManager(domainPath)
	if err != nil {
		return nil, err
	}
	domOpts, err := domain.LoadOptions(domainPath)
	if err != nil {
		return nil, err
	}

	inst := &Instance{
		manager: mgr,
		log:     logger.WithDomain(logger.Logger(), domainPath),
		options: domOpts,
	}
	if !opts.SkipStartupGC {
		if removed, err := mgr.CollectGarbage(); err != nil {
			inst.log.Warn("startup garbage collection failed", "err", err)
		} else if len(removed) > 0 {
			inst.log.Info("startup garbage collection", "removed", len(removed))
		}
	}
	if !opts.DisableWatcher {
		watcher, err := domain.NewWatcher(domainPath)
		if err != nil {
			return nil, err
		}
		inst.watcher = watcher
	}
	return inst, nil
}

// Domain returns the domain directory path.
func (i *Instance) Domain() string { return i.manager.Domain() }

// Manager exposes the flow manager.
func (i *Instance) Manager() *domain.Manager { return i.manager }

// Options returns the domain-level options loaded at startup.
func (i *Instance) Options() domain.Options { return i.options }

// CreateDiscreteWriter creates (or joins) a discrete flow and returns a
// writer registered with the domain watcher.
func (i *Instance) CreateDiscreteWriter(spec domain.DiscreteSpec) (*flow.DiscreteWriter, bool, error) {
	if spec.Options == (domain.Options{}) {
		spec.Options = i.options
	}
	data, created, err := i.manager.CreateOrOpenDiscrete(spec)
	if err != nil {
		return nil, false, err
	}
	w, err := flow.NewDiscreteWriter(data)
	if err != nil {
		data.Close()
		return nil, false, err
	}
	i.watchFlow(w, data.ID())
	return w, created, nil
}

// CreateContinuousWriter creates (or joins) a continuous flow and returns
// a writer registered with the domain watcher.
func (i *Instance) CreateContinuousWriter(spec domain.ContinuousSpec) (*flow.ContinuousWriter, bool, error) {
	if spec.Options == (domain.Options{}) {
		spec.Options = i.options
	}
	data, created, err := i.manager.CreateOrOpenContinuous(spec)
	if err != nil {
		return nil, false, err
	}
	w, err := flow.NewContinuousWriter(data)
	if err != nil {
		data.Close()
		return nil, false, err
	}
	i.watchFlow(w, data.ID())
	return w, created, nil
}

func (i *Instance) watchFlow(w domain.ReadObserver, id uuid.UUID) {
	if i.watcher == nil {
		return
	}
	if err := i.watcher.AddFlow(w, id); err != nil {
		i.log.Warn("failed to watch flow access file", "flow_id", id.String(), "err", err)
	}
}

// ReleaseWriter unregisters a writer from the watcher and closes it.
func (i *Instance) ReleaseWriter(w interface {
	domain.ReadObserver
	ID() string
	Close() error
}) error {
	if i.watcher != nil {
		if id, err := uuid.Parse(w.ID()); err == nil {
			i.watcher.RemoveFlow(w, id)
		}
	}
	return w.Close()
}

// OpenDiscreteReader opens a flow for reading grains.
func (i *Instance) OpenDiscreteReader(id uuid.UUID) (*flow.DiscreteReader, error) {
	data, err := i.manager.OpenReader(id)
	if err != nil {
		return nil, err
	}
	r, err := flow.NewDiscreteReader(data)
	if err != nil {
		data.Close()
		return nil, err
	}
	return r, nil
}

// OpenContinuousReader opens a flow for reading samples.
func (i *Instance) OpenContinuousReader(id uuid.UUID) (*flow.ContinuousReader, error) {
	data, err := i.manager.OpenReader(id)
	if err != nil {
		return nil, err
	}
	r, err := flow.NewContinuousReader(data)
	if err != nil {
		data.Close()
		return nil, err
	}
	return r, nil
}

// OpenReader opens a flow and returns the variant-appropriate reader as a
// tagged pair; exactly one of the results is non-nil on success.
func (i *Instance) OpenReader(id uuid.UUID) (*flow.DiscreteReader, *flow.ContinuousReader, error) {
	data, err := i.manager.OpenReader(id)
	if err != nil {
		return nil, nil, err
	}
	if data.Format().IsDiscrete() {
		r, err := flow.NewDiscreteReader(data)
		if err != nil {
			data.Close()
			return nil, nil, err
		}
		return r, nil, nil
	}
	r, err := flow.NewContinuousReader(data)
	if err != nil {
		data.Close()
		return nil, nil, err
	}
	return nil, r, nil
}

// NewSyncGroup returns an empty multi-flow synchronization group.
func (i *Instance) NewSyncGroup() *syncgroup.Group { return syncgroup.New() }

// DeleteFlow removes a flow directory; live mappings turn stale.
func (i *Instance) DeleteFlow(id uuid.UUID) error { return i.manager.Delete(id) }

// CollectGarbage runs an on-demand GC pass.
func (i *Instance) CollectGarbage() ([]uuid.UUID, error) { return i.manager.CollectGarbage() }

// Close stops the watcher. Reader and writer handles are closed by their
// owners; the instance does not track them.
func (i *Instance) Close() error {
	if i.watcher != nil {
		err := i.watcher.Close()
		i.watcher = nil
		return err
	}
	return nil
}

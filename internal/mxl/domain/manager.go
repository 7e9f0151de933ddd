package domain

// Flow CRUD within one MXL domain directory. The manager is stateless
// except for the domain path: flow mappings are owned by the reader/writer
// handles, not cached here, and concurrent creates of the same flow are
// arbitrated by the filesystem (mkdir/O_EXCL).
//
// Garbage collection is conservative: a flow directory is removed only when
// a non-blocking exclusive lock on its data file succeeds, which proves no
// reader or writer currently holds the flow.

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	mxlerrors "github.com/dmf-mxl/go-mxl/internal/errors"
	"github.com/dmf-mxl/go-mxl/internal/logger"
	"github.com/dmf-mxl/go-mxl/internal/metrics"
	"github.com/dmf-mxl/go-mxl/internal/mxl/flow"
	"github.com/dmf-mxl/go-mxl/internal/mxl/shm"
	"github.com/dmf-mxl/go-mxl/internal/mxl/timing"
)

// Manager performs flow lifecycle operations inside one domain.
type Manager struct {
	domain string
	log    *slog.Logger
}

// NewManager validates the domain directory and returns a manager for it.
func NewManager(domain string) (*Manager, error) {
	st, err := os.Stat(domain)
	if err != nil {
		return nil, mxlerrors.NewFlowError("domain.open", mxlerrors.StatusFlowNotFound,
			fmt.Errorf("domain %s: %w", domain, err))
	}
	if !st.IsDir() {
		return nil, mxlerrors.NewInvalidArgError("domain.open", fmt.Errorf("domain %s is not a directory", domain))
	}
	return &Manager{
		domain: domain,
		log:    logger.WithDomain(logger.Logger(), domain),
	}, nil
}

// Domain returns the domain directory.
func (m *Manager) Domain() string { return m.domain }

// DiscreteSpec is everything needed to create a discrete flow.
type DiscreteSpec struct {
	FlowDef          string // NMOS resource JSON; stored verbatim
	Format           flow.Format
	GrainCount       uint32
	GrainRate        timing.Rational
	GrainPayloadSize uint32
	TotalSlices      uint16
	SliceSizes       [flow.MaxPlanes]uint32
	Options          Options
}

// ContinuousSpec is everything needed to create a continuous flow.
type ContinuousSpec struct {
	FlowDef        string
	SampleRate     timing.Rational
	ChannelCount   uint32
	BufferLength   uint32
	SampleWordSize uint32
	Options        Options
}

// CreateOrOpenDiscrete creates the flow described by spec, or opens it
// read-write if its directory already exists. The returned bool is true
// when this call created the flow.
func (m *Manager) CreateOrOpenDiscrete(spec DiscreteSpec) (*flow.Data, bool, error) {
	def, err := ParseFlowDef(spec.FlowDef)
	if err != nil {
		return nil, false, err
	}
	rate := spec.GrainRate
	if !rate.Valid() {
		rate = def.GrainRate
	}
	grainCount := spec.GrainCount
	if grainCount == 0 && spec.Options.HistoryDurationNs > 0 {
		grainCount = ringSlotsFor(rate, spec.Options.HistoryDurationNs)
	}

	dir, created, err := m.prepareFlowDir(def)
	if err != nil {
		return nil, false, err
	}
	if !created {
		d, err := m.openFlow(def.ID, shm.ReadWrite)
		return d, false, err
	}

	d, err := flow.CreateDiscrete(dir, flow.DiscreteOptions{
		ID:               def.ID,
		Format:           spec.Format,
		GrainRate:        rate,
		GrainCount:       grainCount,
		GrainPayloadSize: spec.GrainPayloadSize,
		TotalSlices:      spec.TotalSlices,
		SliceSizes:       spec.SliceSizes,
		DeviceIndex:      -1,
		CommitBatchHint:  spec.Options.MaxCommitBatchSizeHint,
		SyncBatchHint:    spec.Options.MaxSyncBatchSizeHint,
	})
	if err != nil {
		os.RemoveAll(dir)
		return nil, false, err
	}
	m.log.Info("flow created", "flow_id", def.ID.String(), "format", spec.Format.String(), "grain_count", grainCount)
	return d, true, nil
}

// CreateOrOpenContinuous creates the continuous flow described by spec, or
// opens it read-write if it already exists.
func (m *Manager) CreateOrOpenContinuous(spec ContinuousSpec) (*flow.Data, bool, error) {
	def, err := ParseFlowDef(spec.FlowDef)
	if err != nil {
		return nil, false, err
	}
	rate := spec.SampleRate
	if !rate.Valid() {
		rate = def.GrainRate
	}
	bufferLength := spec.BufferLength
	if bufferLength == 0 && spec.Options.HistoryDurationNs > 0 {
		// The usable history is half the ring, so size the buffer at twice
		// the requested span.
		bufferLength = 2 * ringSlotsFor(rate, spec.Options.HistoryDurationNs)
	}

	dir, created, err := m.prepareFlowDir(def)
	if err != nil {
		return nil, false, err
	}
	if !created {
		d, err := m.openFlow(def.ID, shm.ReadWrite)
		return d, false, err
	}

	d, err := flow.CreateContinuous(dir, flow.ContinuousOptions{
		ID:              def.ID,
		SampleRate:      rate,
		ChannelCount:    spec.ChannelCount,
		BufferLength:    bufferLength,
		SampleWordSize:  spec.SampleWordSize,
		CommitBatchHint: spec.Options.MaxCommitBatchSizeHint,
		SyncBatchHint:   spec.Options.MaxSyncBatchSizeHint,
	})
	if err != nil {
		os.RemoveAll(dir)
		return nil, false, err
	}
	m.log.Info("flow created", "flow_id", def.ID.String(), "format", "audio",
		"channels", spec.ChannelCount, "buffer_length", bufferLength)
	return d, true, nil
}

// ringSlotsFor converts a history duration to a slot count at rate.
func ringSlotsFor(rate timing.Rational, historyNs int64) uint32 {
	period := timing.GrainPeriodNs(rate)
	if period <= 0 {
		return 0
	}
	slots := historyNs / period
	if slots < 1 {
		slots = 1
	}
	return uint32(slots)
}

// prepareFlowDir makes the flow directory exclusively and installs the
// definition blob and access sentinel. created is false when the directory
// already existed.
func (m *Manager) prepareFlowDir(def FlowDef) (string, bool, error) {
	dir := FlowDir(m.domain, def.ID)
	if err := os.Mkdir(dir, 0o775); err != nil {
		if os.IsExist(err) {
			return dir, false, nil
		}
		return "", false, mxlerrors.NewFlowError("flow.create", mxlerrors.StatusPermissionDenied,
			fmt.Errorf("mkdir %s: %w", dir, err))
	}
	if err := os.WriteFile(filepath.Join(dir, flow.FlowDefFileName), []byte(def.Raw), 0o664); err != nil {
		os.RemoveAll(dir)
		return "", false, mxlerrors.NewFlowError("flow.create", mxlerrors.StatusUnknown, err)
	}
	if err := os.WriteFile(filepath.Join(dir, flow.AccessFileName), nil, 0o664); err != nil {
		os.RemoveAll(dir)
		return "", false, mxlerrors.NewFlowError("flow.create", mxlerrors.StatusUnknown, err)
	}
	return dir, true, nil
}

// OpenReader maps an existing flow read-only.
func (m *Manager) OpenReader(id uuid.UUID) (*flow.Data, error) {
	return m.openFlow(id, shm.ReadOnly)
}

// OpenWriter maps an existing flow read-write.
func (m *Manager) OpenWriter(id uuid.UUID) (*flow.Data, error) {
	return m.openFlow(id, shm.ReadWrite)
}

func (m *Manager) openFlow(id uuid.UUID, mode shm.AccessMode) (*flow.Data, error) {
	dir := FlowDir(m.domain, id)
	if _, err := os.Stat(dir); err != nil {
		return nil, mxlerrors.NewFlowError("flow.open", mxlerrors.StatusFlowNotFound,
			fmt.Errorf("flow %s: %w", id, err))
	}
	return flow.Open(dir, id, mode)
}

// Delete removes a flow's directory unconditionally. Live mappings of the
// flow turn stale and report flow_invalid through the inode check.
func (m *Manager) Delete(id uuid.UUID) error {
	dir := FlowDir(m.domain, id)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil // idempotent
		}
		return mxlerrors.NewFlowError("flow.delete", mxlerrors.StatusUnknown, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return mxlerrors.NewFlowError("flow.delete", mxlerrors.StatusPermissionDenied, err)
	}
	m.log.Info("flow deleted", "flow_id", id.String())
	return nil
}

// List enumerates the flow ids present in the domain.
func (m *Manager) List() ([]uuid.UUID, error) {
	entries, err := os.ReadDir(m.domain)
	if err != nil {
		return nil, mxlerrors.NewFlowError("domain.list", mxlerrors.StatusUnknown, err)
	}
	var ids []uuid.UUID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if id, ok := ParseFlowDirName(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// FlowDef returns the stored NMOS definition of a flow.
func (m *Manager) FlowDef(id uuid.UUID) (string, error) {
	raw, err := os.ReadFile(FlowDefFile(m.domain, id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", mxlerrors.NewFlowError("flow.def", mxlerrors.StatusFlowNotFound, err)
		}
		return "", mxlerrors.NewFlowError("flow.def", mxlerrors.StatusUnknown, err)
	}
	return string(raw), nil
}

// CollectGarbage removes every flow directory whose data file can be
// locked exclusively without blocking, i.e. flows with no live reader or
// writer. It returns the removed flow ids.
func (m *Manager) CollectGarbage() ([]uuid.UUID, error) {
	ids, err := m.List()
	if err != nil {
		return nil, err
	}
	var removed []uuid.UUID
	for _, id := range ids {
		if !m.flowIsOrphaned(id) {
			continue
		}
		if err := os.RemoveAll(FlowDir(m.domain, id)); err != nil {
			m.log.Warn("failed to remove orphaned flow", "flow_id", id.String(), "err", err)
			continue
		}
		metrics.FlowsCollected.Inc()
		m.log.Info("collected orphaned flow", "flow_id", id.String())
		removed = append(removed, id)
	}
	return removed, nil
}

// flowIsOrphaned probes the data file with a non-blocking exclusive lock.
// A flow with no data file at all is also orphaned (half-created debris).
func (m *Manager) flowIsOrphaned(id uuid.UUID) bool {
	fd, err := unix.Open(DataFile(m.domain, id), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return err == unix.ENOENT
	}
	defer unix.Close(fd)
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return false
	}
	// Lock released on close.
	return true
}

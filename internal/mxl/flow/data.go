package flow

// Flow data mappings. A Data owns the header segment plus the payload
// segments of one flow: per-slot grain files for discrete flows, the single
// strided channels file for continuous flows. It is the shared substrate
// under readers and writers; a Data is exclusively used by the one handle
// that owns it.

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	mxlerrors "github.com/dmf-mxl/go-mxl/internal/errors"
	"github.com/dmf-mxl/go-mxl/internal/mxl/shm"
	"github.com/dmf-mxl/go-mxl/internal/mxl/timing"
)

func statSize(path string) (int64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, mxlerrors.NewFlowError("flow.stat", mxlerrors.StatusFlowNotFound, fmt.Errorf("stat %s: %w", path, err))
	}
	return st.Size, nil
}

func statInode(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}
	return st.Ino, nil
}

// Fixed names inside a flow directory. Part of the on-disk contract.
const (
	DataFileName     = "data"
	AccessFileName   = "access"
	FlowDefFileName  = "flow_def.json"
	GrainsDirName    = "grains"
	ChannelsFileName = "channels"
	grainFilePrefix  = "data."
)

// GrainFileName returns the file name of ring slot n.
func GrainFileName(n uint32) string {
	return grainFilePrefix + strconv.FormatUint(uint64(n), 10)
}

// Grain is one mapped ring slot: its header plus its payload bytes.
type Grain struct {
	seg     *shm.Segment
	Header  *GrainHeader
	Payload []byte
}

// Info returns the slot's metadata block.
func (g *Grain) Info() *GrainInfo { return &g.Header.Info }

// Bytes returns the slot's full mapping: header followed by payload.
func (g *Grain) Bytes() []byte { return g.seg.Bytes() }

// Data is the full set of mappings of one flow.
type Data struct {
	dir  string
	id   uuid.UUID
	seg  *shm.Segment // the data file
	info *FlowInfo

	grains   []*Grain     // discrete only, indexed by ring slot
	channels *shm.Segment // continuous only

	sampleWordSize int // continuous only, derived from the channels file size
}

// DiscreteOptions parameterizes creation of a discrete flow.
type DiscreteOptions struct {
	ID               uuid.UUID
	Format           Format
	GrainRate        timing.Rational
	GrainCount       uint32
	GrainPayloadSize uint32
	TotalSlices      uint16
	SliceSizes       [MaxPlanes]uint32
	PayloadLocation  PayloadLocation
	DeviceIndex      int32
	CommitBatchHint  uint32
	SyncBatchHint    uint32
}

// ContinuousOptions parameterizes creation of a continuous flow.
type ContinuousOptions struct {
	ID              uuid.UUID
	SampleRate      timing.Rational
	ChannelCount    uint32
	BufferLength    uint32
	SampleWordSize  uint32
	CommitBatchHint uint32
	SyncBatchHint   uint32
}

func normalizeHints(commit, sync uint32) (uint32, uint32, error) {
	if commit == 0 {
		commit = 1
	}
	if sync == 0 {
		sync = commit
	}
	if sync%commit != 0 {
		return 0, 0, mxlerrors.NewInvalidArgError("flow.create",
			fmt.Errorf("maxSyncBatchSizeHint %d is not a multiple of maxCommitBatchSizeHint %d", sync, commit))
	}
	return commit, sync, nil
}

// CreateDiscrete creates the data file, grain directory and grain files of
// a discrete flow inside flowDir (which must already exist), installs the
// header with the inode stamp, and returns the writable mappings. The data
// file ends up holding a shared advisory lock, downgraded from the
// exclusive lock taken during creation.
func CreateDiscrete(flowDir string, opts DiscreteOptions) (*Data, error) {
	if !opts.Format.IsDiscrete() {
		return nil, mxlerrors.NewInvalidArgError("flow.create", fmt.Errorf("format %s is not discrete", opts.Format))
	}
	if opts.GrainCount == 0 {
		return nil, mxlerrors.NewInvalidArgError("flow.create", fmt.Errorf("grainCount must be positive"))
	}
	if !opts.GrainRate.Valid() {
		return nil, mxlerrors.NewInvalidArgError("flow.create", fmt.Errorf("invalid grain rate %d/%d", opts.GrainRate.Numerator, opts.GrainRate.Denominator))
	}
	if opts.TotalSlices == 0 {
		return nil, mxlerrors.NewInvalidArgError("flow.create", fmt.Errorf("totalSlices must be positive"))
	}
	commit, syncHint, err := normalizeHints(opts.CommitBatchHint, opts.SyncBatchHint)
	if err != nil {
		return nil, err
	}

	d, err := createHeader(flowDir, opts.ID)
	if err != nil {
		return nil, err
	}

	cfg := &d.info.Config
	cfg.Common.Format = uint32(opts.Format)
	cfg.Common.GrainRate = opts.GrainRate
	cfg.Common.MaxCommitBatchSizeHint = commit
	cfg.Common.MaxSyncBatchSizeHint = syncHint
	cfg.Common.PayloadLocation = uint32(opts.PayloadLocation)
	cfg.Common.DeviceIndex = opts.DeviceIndex
	disc := cfg.Discrete()
	disc.SliceSizes = opts.SliceSizes
	disc.GrainCount = opts.GrainCount

	if err := d.createGrains(opts); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.finishCreate(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// CreateContinuous creates the data file and channels file of a continuous
// flow inside flowDir.
func CreateContinuous(flowDir string, opts ContinuousOptions) (*Data, error) {
	if opts.ChannelCount == 0 || opts.BufferLength == 0 || opts.SampleWordSize == 0 {
		return nil, mxlerrors.NewInvalidArgError("flow.create", fmt.Errorf("channelCount, bufferLength and sampleWordSize must be positive"))
	}
	if !opts.SampleRate.Valid() {
		return nil, mxlerrors.NewInvalidArgError("flow.create", fmt.Errorf("invalid sample rate"))
	}
	commit, syncHint, err := normalizeHints(opts.CommitBatchHint, opts.SyncBatchHint)
	if err != nil {
		return nil, err
	}
	if uint64(commit) > uint64(opts.BufferLength)/2 {
		return nil, mxlerrors.NewInvalidArgError("flow.create",
			fmt.Errorf("maxCommitBatchSizeHint %d exceeds half the buffer length %d", commit, opts.BufferLength))
	}

	d, err := createHeader(flowDir, opts.ID)
	if err != nil {
		return nil, err
	}

	cfg := &d.info.Config
	cfg.Common.Format = uint32(FormatAudio)
	cfg.Common.GrainRate = opts.SampleRate
	cfg.Common.MaxCommitBatchSizeHint = commit
	cfg.Common.MaxSyncBatchSizeHint = syncHint
	cfg.Common.DeviceIndex = -1
	cont := cfg.Continuous()
	cont.ChannelCount = opts.ChannelCount
	cont.BufferLength = opts.BufferLength

	size := int64(opts.ChannelCount) * int64(opts.BufferLength) * int64(opts.SampleWordSize)
	seg, err := shm.Open(filepath.Join(flowDir, ChannelsFileName), shm.CreateReadWrite, size, shm.LockNone)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("create channels file: %w", err)
	}
	d.channels = seg
	d.sampleWordSize = int(opts.SampleWordSize)

	if err := d.finishCreate(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Open maps an existing flow read-only (for readers) or read-write (for
// writers joining an existing flow). The mapping is accepted only if the
// data file's current inode matches the inode stamp in the header.
func Open(flowDir string, id uuid.UUID, mode shm.AccessMode) (*Data, error) {
	if mode == shm.CreateReadWrite {
		return nil, mxlerrors.NewInvalidArgError("flow.open", fmt.Errorf("use CreateDiscrete/CreateContinuous to create"))
	}
	seg, err := shm.Open(filepath.Join(flowDir, DataFileName), mode, FlowInfoSize, shm.LockShared)
	if err != nil {
		return nil, err
	}
	d := &Data{dir: flowDir, id: id, seg: seg}
	d.info = (*FlowInfo)(unsafe.Pointer(&seg.Bytes()[0]))

	if d.info.Version != FlowInfoVersion || d.info.Size != FlowInfoSize {
		d.Close()
		return nil, mxlerrors.NewFlowError("flow.open", mxlerrors.StatusUnknown,
			fmt.Errorf("unsupported flow header version %d size %d", d.info.Version, d.info.Size))
	}
	inode, err := seg.Inode()
	if err != nil {
		d.Close()
		return nil, err
	}
	if inode != d.info.Runtime.Inode {
		d.Close()
		return nil, mxlerrors.NewFlowInvalidError("flow.open",
			fmt.Errorf("inode %d does not match header stamp %d", inode, d.info.Runtime.Inode))
	}

	if d.Format().IsDiscrete() {
		if err := d.openGrains(mode); err != nil {
			d.Close()
			return nil, err
		}
	} else {
		if err := d.openChannels(mode); err != nil {
			d.Close()
			return nil, err
		}
	}
	return d, nil
}

func createHeader(flowDir string, id uuid.UUID) (*Data, error) {
	seg, err := shm.Open(filepath.Join(flowDir, DataFileName), shm.CreateReadWrite, FlowInfoSize, shm.LockExclusive)
	if err != nil {
		return nil, err
	}
	d := &Data{dir: flowDir, id: id, seg: seg}
	d.info = (*FlowInfo)(unsafe.Pointer(&seg.Bytes()[0]))
	d.info.Version = FlowInfoVersion
	d.info.Size = FlowInfoSize
	copy(d.info.Config.Common.ID[:], id[:])
	return d, nil
}

// finishCreate stamps the inode and downgrades the creation lock to shared
// so further writers and the garbage collector can coordinate.
func (d *Data) finishCreate() error {
	inode, err := d.seg.Inode()
	if err != nil {
		return err
	}
	d.info.Runtime.Inode = inode
	return d.downgradeLock()
}

func (d *Data) downgradeLock() error {
	return d.seg.DowngradeShared()
}

func (d *Data) createGrains(opts DiscreteOptions) error {
	grainsDir := filepath.Join(d.dir, GrainsDirName)
	if err := os.MkdirAll(grainsDir, 0o775); err != nil {
		return mxlerrors.NewFlowError("flow.create", mxlerrors.StatusUnknown, err)
	}
	d.grains = make([]*Grain, 0, opts.GrainCount)
	for n := uint32(0); n < opts.GrainCount; n++ {
		path := filepath.Join(grainsDir, GrainFileName(n))
		size := int64(GrainPayloadOffset) + int64(opts.GrainPayloadSize)
		seg, err := shm.Open(path, shm.CreateReadWrite, size, shm.LockShared)
		if err != nil {
			return fmt.Errorf("create grain %d: %w", n, err)
		}
		g := newGrain(seg)
		gi := g.Info()
		gi.Version = GrainHeaderVersion
		gi.Size = GrainInfoSize
		gi.GrainSize = opts.GrainPayloadSize
		gi.StoreSliceCounts(opts.TotalSlices, 0)
		d.grains = append(d.grains, g)
	}
	return nil
}

func (d *Data) openGrains(mode shm.AccessMode) error {
	disc := d.info.Config.Discrete()
	grainsDir := filepath.Join(d.dir, GrainsDirName)
	d.grains = make([]*Grain, 0, disc.GrainCount)
	for n := uint32(0); n < disc.GrainCount; n++ {
		path := filepath.Join(grainsDir, GrainFileName(n))
		g, err := openGrainFile(path, mode)
		if err != nil {
			return fmt.Errorf("map grain %d: %w", n, err)
		}
		d.grains = append(d.grains, g)
	}
	return nil
}

func openGrainFile(path string, mode shm.AccessMode) (*Grain, error) {
	// Probe the header first to learn the payload size, then map in full.
	probe, err := shm.Open(path, shm.ReadOnly, GrainPayloadOffset, shm.LockNone)
	if err != nil {
		return nil, err
	}
	hdr := (*GrainHeader)(unsafe.Pointer(&probe.Bytes()[0]))
	if hdr.Info.Version != GrainHeaderVersion {
		v := hdr.Info.Version
		probe.Close()
		return nil, mxlerrors.NewFlowError("grain.map", mxlerrors.StatusUnknown,
			fmt.Errorf("unsupported grain header version %d", v))
	}
	size := int64(GrainPayloadOffset) + int64(hdr.Info.GrainSize)
	probe.Close()

	seg, err := shm.Open(path, mode, size, shm.LockShared)
	if err != nil {
		return nil, err
	}
	return newGrain(seg), nil
}

func newGrain(seg *shm.Segment) *Grain {
	b := seg.Bytes()
	return &Grain{
		seg:     seg,
		Header:  (*GrainHeader)(unsafe.Pointer(&b[0])),
		Payload: b[GrainPayloadOffset:],
	}
}

func (d *Data) openChannels(mode shm.AccessMode) error {
	cont := d.info.Config.Continuous()
	path := filepath.Join(d.dir, ChannelsFileName)
	st, err := statSize(path)
	if err != nil {
		return err
	}
	seg, err := shm.Open(path, mode, st, shm.LockNone)
	if err != nil {
		return err
	}
	d.channels = seg
	samples := int64(cont.ChannelCount) * int64(cont.BufferLength)
	if samples == 0 || st%samples != 0 {
		seg.Close()
		d.channels = nil
		return mxlerrors.NewFlowError("flow.open", mxlerrors.StatusUnknown,
			fmt.Errorf("channels file size %d does not divide into %d samples", st, samples))
	}
	d.sampleWordSize = int(st / samples)
	return nil
}

// Dir returns the flow directory.
func (d *Data) Dir() string { return d.dir }

// ID returns the flow UUID.
func (d *Data) ID() uuid.UUID { return d.id }

// Info returns the mapped flow header.
func (d *Data) Info() *FlowInfo { return d.info }

// Format returns the flow's media format tag.
func (d *Data) Format() Format { return Format(d.info.Config.Common.Format) }

// GrainCount returns the ring size of a discrete flow.
func (d *Data) GrainCount() uint32 { return d.info.Config.Discrete().GrainCount }

// GrainAt returns the mapping of ring slot n.
func (d *Data) GrainAt(n uint32) *Grain {
	if int(n) >= len(d.grains) {
		return nil
	}
	return d.grains[n]
}

// ChannelData returns the raw strided sample memory of a continuous flow.
func (d *Data) ChannelData() []byte {
	if d.channels == nil {
		return nil
	}
	return d.channels.Bytes()
}

// SampleWordSize returns the byte width of one sample.
func (d *Data) SampleWordSize() int { return d.sampleWordSize }

// Created reports whether this Data created the flow on disk.
func (d *Data) Created() bool { return d.seg.Created() }

// Exclusive reports whether the header lock is exclusive.
func (d *Data) Exclusive() bool { return d.seg.Exclusive() }

// UpgradeExclusive attempts a non-blocking shared-to-exclusive upgrade on
// the header lock.
func (d *Data) UpgradeExclusive() (bool, error) { return d.seg.UpgradeExclusive() }

// Touch bumps the data file's mtime (writer liveness).
func (d *Data) Touch() error { return d.seg.Touch() }

// Valid re-stats the data file and compares its inode against the header
// stamp. False means the flow was deleted (and possibly recreated) behind
// this mapping.
func (d *Data) Valid() bool {
	inode, err := statInode(filepath.Join(d.dir, DataFileName))
	if err != nil {
		return false
	}
	return inode == d.info.Runtime.Inode
}

// Close unmaps everything in reverse construction order.
func (d *Data) Close() error {
	var first error
	if d.channels != nil {
		if err := d.channels.Close(); err != nil && first == nil {
			first = err
		}
		d.channels = nil
	}
	for i := len(d.grains) - 1; i >= 0; i-- {
		if err := d.grains[i].seg.Close(); err != nil && first == nil {
			first = err
		}
	}
	d.grains = nil
	if d.seg != nil {
		if err := d.seg.Close(); err != nil && first == nil {
			first = err
		}
		d.seg = nil
	}
	return first
}

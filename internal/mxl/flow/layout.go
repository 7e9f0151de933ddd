package flow

// Binary layout of the shared-memory flow header and grain headers.
//
// These structures are the on-disk ABI: they are memory-mapped by writers
// (read-write) and readers (read-only) in multiple processes, so their
// layout is fixed forever. Every structure starts with {version, size} so a
// consumer can reject layouts it does not understand, and every structure
// carries explicit reserved tails so future fields never change the overall
// size. Sizes: CommonFlowConfig 128, DiscreteFlowConfig 64,
// ContinuousFlowConfig 64, FlowRuntime 64, FlowInfo 2048, GrainInfo 4096,
// GrainHeader 8192. The 8192-byte grain header keeps the payload page- and
// AVX-512-aligned.

import (
	"sync/atomic"
	"unsafe"

	"github.com/dmf-mxl/go-mxl/internal/mxl/timing"
)

const (
	// FlowInfoVersion is the only header version this implementation reads
	// or writes.
	FlowInfoVersion = 1
	// FlowInfoSize is the fixed size of the flow header file.
	FlowInfoSize = 2048
	// GrainHeaderVersion is the only grain header version supported.
	GrainHeaderVersion = 1
	// GrainInfoSize is the logical grain metadata size.
	GrainInfoSize = 4096
	// GrainPayloadOffset is where a grain's payload starts within its file.
	GrainPayloadOffset = 8192
	// MaxPlanes is the maximum number of payload planes per grain.
	MaxPlanes = 4
)

// Format tags the media variant carried by a flow.
type Format uint32

const (
	FormatUnspecified Format = iota
	FormatVideo
	FormatAudio
	FormatData
)

// IsDiscrete reports whether the format uses the grain ring.
func (f Format) IsDiscrete() bool { return f == FormatVideo || f == FormatData }

// IsContinuous reports whether the format uses the sample ring.
func (f Format) IsContinuous() bool { return f == FormatAudio }

func (f Format) String() string {
	switch f {
	case FormatVideo:
		return "video"
	case FormatAudio:
		return "audio"
	case FormatData:
		return "data"
	}
	return "unspecified"
}

// PayloadLocation describes where a flow's payload bytes physically live.
type PayloadLocation uint32

const (
	// LocationHostMemory: payload is in mmap-accessible host RAM.
	LocationHostMemory PayloadLocation = 0
	// LocationDeviceMemory: payload is on a GPU or other accelerator.
	LocationDeviceMemory PayloadLocation = 1
)

// CommonFlowConfig is the format-independent immutable configuration block
// at the start of every flow header. 128 bytes.
type CommonFlowConfig struct {
	ID                     [16]byte // flow UUID, raw bytes
	Format                 uint32
	Flags                  uint32
	GrainRate              timing.Rational
	MaxCommitBatchSizeHint uint32
	MaxSyncBatchSizeHint   uint32
	PayloadLocation        uint32
	DeviceIndex            int32
	_                      [72]byte
}

// DiscreteFlowConfig is the immutable configuration of a grain-ring flow.
// 64 bytes.
type DiscreteFlowConfig struct {
	SliceSizes [MaxPlanes]uint32 // bytes per slice, per payload plane
	GrainCount uint32
	_          [44]byte
}

// ContinuousFlowConfig is the immutable configuration of a sample-ring
// flow. 64 bytes.
type ContinuousFlowConfig struct {
	ChannelCount uint32
	BufferLength uint32 // samples per channel ring
	_            [56]byte
}

// FlowConfig is the complete immutable configuration: the common block
// followed by the format-specific union. 192 bytes.
type FlowConfig struct {
	Common  CommonFlowConfig
	variant [64]byte
}

// Discrete returns the discrete view of the format-specific union. Only
// meaningful when Common.Format is a discrete format.
func (c *FlowConfig) Discrete() *DiscreteFlowConfig {
	return (*DiscreteFlowConfig)(unsafe.Pointer(&c.variant))
}

// Continuous returns the continuous view of the format-specific union.
func (c *FlowConfig) Continuous() *ContinuousFlowConfig {
	return (*ContinuousFlowConfig)(unsafe.Pointer(&c.variant))
}

// FlowRuntime is the mutable runtime block: written by the flow's writer,
// read by everyone. The inode stamp and the futex word live in what the
// on-disk contract calls the reserved tail, at offsets 24 and 32. 64 bytes.
type FlowRuntime struct {
	HeadIndex     uint64
	LastWriteTime uint64 // TAI ns
	LastReadTime  uint64 // TAI ns
	Inode         uint64 // inode of the data file at creation time
	SyncCounter   uint32 // futex word
	_             [28]byte
}

// FlowInfo is the full 2048-byte flow header stored in the data file.
type FlowInfo struct {
	Version uint32
	Size    uint32
	Config  FlowConfig
	Runtime FlowRuntime
	_       [1784]byte
}

// Grain flags.
const (
	// GrainFlagInvalid marks a slot whose producer could not deliver the
	// grain in time; the payload bytes are meaningless.
	GrainFlagInvalid uint32 = 1 << 0
)

// GrainInfo is the fixed metadata at the start of every grain file.
// The reserved tail is reserved-must-be-zero; user metadata is left to a
// future header version. 4096 bytes.
type GrainInfo struct {
	Version     uint32
	Size        uint32
	Index       uint64 // absolute epoch-based grain index
	Flags       uint32
	GrainSize   uint32 // payload bytes
	TotalSlices uint16
	ValidSlices uint16
	_           [4068]byte
}

// GrainHeader pads GrainInfo out to the payload offset.
type GrainHeader struct {
	Info GrainInfo
	_    [GrainPayloadOffset - GrainInfoSize]byte
}

// Compile-time layout assertions. An out-of-range index here means a field
// change altered the on-disk ABI.
var (
	_ = [1]struct{}{}[unsafe.Sizeof(CommonFlowConfig{})-128]
	_ = [1]struct{}{}[unsafe.Sizeof(DiscreteFlowConfig{})-64]
	_ = [1]struct{}{}[unsafe.Sizeof(ContinuousFlowConfig{})-64]
	_ = [1]struct{}{}[unsafe.Sizeof(FlowConfig{})-192]
	_ = [1]struct{}{}[unsafe.Sizeof(FlowRuntime{})-64]
	_ = [1]struct{}{}[unsafe.Sizeof(FlowInfo{})-FlowInfoSize]
	_ = [1]struct{}{}[unsafe.Sizeof(GrainInfo{})-GrainInfoSize]
	_ = [1]struct{}{}[unsafe.Sizeof(GrainHeader{})-GrainPayloadOffset]
	_ = [1]struct{}{}[unsafe.Offsetof(FlowRuntime{}.SyncCounter)-32]
	_ = [1]struct{}{}[unsafe.Offsetof(FlowInfo{}.Runtime)-200]
)

// Atomic accessors. The header is shared across processes, so the publish
// ordering is: payload/slice stores, then HeadIndex (release), then
// SyncCounter (release). Readers load in the opposite order with acquire.

// LoadHeadIndex atomically reads the publish cursor.
func (fi *FlowInfo) LoadHeadIndex() uint64 {
	return atomic.LoadUint64(&fi.Runtime.HeadIndex)
}

// StoreHeadIndex atomically publishes a new head index.
func (fi *FlowInfo) StoreHeadIndex(v uint64) {
	atomic.StoreUint64(&fi.Runtime.HeadIndex, v)
}

// SyncWord returns the futex word used for cross-process wait/wake.
func (fi *FlowInfo) SyncWord() *uint32 { return &fi.Runtime.SyncCounter }

// LoadSyncCounter atomically reads the futex word.
func (fi *FlowInfo) LoadSyncCounter() uint32 {
	return atomic.LoadUint32(&fi.Runtime.SyncCounter)
}

// BumpSyncCounter atomically increments the futex word.
func (fi *FlowInfo) BumpSyncCounter() {
	atomic.AddUint32(&fi.Runtime.SyncCounter, 1)
}

// LoadValidSlices atomically reads a grain's committed slice count.
func (gi *GrainInfo) LoadValidSlices() uint16 {
	v := atomic.LoadUint32((*uint32)(unsafe.Pointer(&gi.TotalSlices)))
	return uint16(v >> 16)
}

// StoreSliceCounts atomically publishes totalSlices and validSlices as one
// 32-bit store so readers never observe a torn pair.
func (gi *GrainInfo) StoreSliceCounts(total, valid uint16) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&gi.TotalSlices)), uint32(total)|uint32(valid)<<16)
}

// LoadSliceCounts atomically reads the (total, valid) pair.
func (gi *GrainInfo) LoadSliceCounts() (total, valid uint16) {
	v := atomic.LoadUint32((*uint32)(unsafe.Pointer(&gi.TotalSlices)))
	return uint16(v), uint16(v >> 16)
}

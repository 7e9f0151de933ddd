package fabrics

// TargetInfo is the full serialized descriptor an initiator needs to
// contact a target: the fabric address, one remote key and remote address
// per registered region, the grain geometry, and the immediate-data bit
// partition. It is exchanged out of band (config file, REST, signaling
// channel) as a base64 string and must round-trip exactly.

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"

	mxlerrors "github.com/dmf-mxl/go-mxl/internal/errors"
	"github.com/dmf-mxl/go-mxl/internal/mxl/flow"
)

// AddressMode tells the initiator how remote region addresses are
// expressed.
type AddressMode uint8

const (
	// AddrVirtual: the remote address is the target's virtual address.
	AddrVirtual AddressMode = iota
	// AddrOffset: the remote address is zero-based within each region.
	AddrOffset
)

// RegionDescriptor describes one registered remote region.
type RegionDescriptor struct {
	RKey    uint64
	Addr    uint64 // virtual address or zero-based offset per AddressMode
	Length  uint64
	Loc     MemoryLocation
}

// TargetInfo is everything needed to address a target.
type TargetInfo struct {
	Provider      Provider
	FabricAddress EndpointAddress
	Mode          AddressMode
	Regions       []RegionDescriptor
	Geometry      GrainGeometry
	Imm           ImmLayout
}

const (
	targetInfoMagic   = 0x4d584c54 // "MXLT"
	targetInfoVersion = 1
)

// MarshalBinary serializes the descriptor as a little-endian blob.
func (ti *TargetInfo) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	le := binary.LittleEndian

	var scratch [8]byte
	putU32 := func(v uint32) {
		le.PutUint32(scratch[:4], v)
		buf.Write(scratch[:4])
	}
	putU64 := func(v uint64) {
		le.PutUint64(scratch[:8], v)
		buf.Write(scratch[:8])
	}

	putU32(targetInfoMagic)
	putU32(targetInfoVersion)
	putU32(uint32(ti.Provider))
	buf.WriteByte(byte(ti.Mode))
	buf.WriteByte(ti.Imm.SlotBits)
	buf.WriteByte(ti.Imm.SliceBits)
	buf.WriteByte(0)

	addr := ti.FabricAddress.Bytes()
	putU32(uint32(len(addr)))
	buf.Write(addr)

	putU32(ti.Geometry.GrainCount)
	putU64(ti.Geometry.GrainSize)
	putU32(uint32(ti.Geometry.TotalSlices))

	putU32(uint32(len(ti.Regions)))
	for _, r := range ti.Regions {
		putU64(r.RKey)
		putU64(r.Addr)
		putU64(r.Length)
		putU32(uint32(r.Loc.Type))
		putU64(r.Loc.DeviceIndex)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary reverses MarshalBinary.
func (ti *TargetInfo) UnmarshalBinary(data []byte) error {
	rd := bytes.NewReader(data)
	le := binary.LittleEndian

	var scratch [8]byte
	readU32 := func() (uint32, error) {
		if _, err := io.ReadFull(rd, scratch[:4]); err != nil {
			return 0, err
		}
		return le.Uint32(scratch[:4]), nil
	}
	readU64 := func() (uint64, error) {
		if _, err := io.ReadFull(rd, scratch[:8]); err != nil {
			return 0, err
		}
		return le.Uint64(scratch[:8]), nil
	}
	fail := func(err error) error {
		return mxlerrors.NewFabricError("targetinfo.parse", mxlerrors.StatusInvalidState,
			fmt.Errorf("truncated or corrupt target info: %w", err))
	}

	magic, err := readU32()
	if err != nil {
		return fail(err)
	}
	if magic != targetInfoMagic {
		return mxlerrors.NewFabricError("targetinfo.parse", mxlerrors.StatusInvalidState,
			fmt.Errorf("bad magic %#x", magic))
	}
	version, err := readU32()
	if err != nil {
		return fail(err)
	}
	if version != targetInfoVersion {
		return mxlerrors.NewFabricError("targetinfo.parse", mxlerrors.StatusInvalidState,
			fmt.Errorf("unsupported target info version %d", version))
	}
	provider, err := readU32()
	if err != nil {
		return fail(err)
	}
	ti.Provider = Provider(provider)

	var hdr [4]byte
	if _, err := io.ReadFull(rd, hdr[:]); err != nil {
		return fail(err)
	}
	ti.Mode = AddressMode(hdr[0])
	ti.Imm = ImmLayout{SlotBits: hdr[1], SliceBits: hdr[2]}

	addrLen, err := readU32()
	if err != nil {
		return fail(err)
	}
	if uint64(addrLen) > uint64(rd.Len()) {
		return fail(io.ErrUnexpectedEOF)
	}
	addr := make([]byte, addrLen)
	if _, err := io.ReadFull(rd, addr); err != nil {
		return fail(err)
	}
	ti.FabricAddress = NewEndpointAddress(addr)

	if ti.Geometry.GrainCount, err = readU32(); err != nil {
		return fail(err)
	}
	if ti.Geometry.GrainSize, err = readU64(); err != nil {
		return fail(err)
	}
	slices, err := readU32()
	if err != nil {
		return fail(err)
	}
	ti.Geometry.TotalSlices = uint16(slices)

	regionCount, err := readU32()
	if err != nil {
		return fail(err)
	}
	ti.Regions = make([]RegionDescriptor, 0, regionCount)
	for i := uint32(0); i < regionCount; i++ {
		var r RegionDescriptor
		if r.RKey, err = readU64(); err != nil {
			return fail(err)
		}
		if r.Addr, err = readU64(); err != nil {
			return fail(err)
		}
		if r.Length, err = readU64(); err != nil {
			return fail(err)
		}
		locType, err := readU32()
		if err != nil {
			return fail(err)
		}
		r.Loc.Type = flow.PayloadLocation(locType)
		if r.Loc.DeviceIndex, err = readU64(); err != nil {
			return fail(err)
		}
		ti.Regions = append(ti.Regions, r)
	}
	if rd.Len() != 0 {
		return mxlerrors.NewFabricError("targetinfo.parse", mxlerrors.StatusInvalidState,
			fmt.Errorf("%d trailing bytes", rd.Len()))
	}
	return nil
}

// String serializes the descriptor for out-of-band exchange.
func (ti *TargetInfo) String() string {
	raw, _ := ti.MarshalBinary()
	return base64.StdEncoding.EncodeToString(raw)
}

// ParseTargetInfo reverses String.
func ParseTargetInfo(s string) (*TargetInfo, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, mxlerrors.NewFabricError("targetinfo.parse", mxlerrors.StatusInvalidState,
			fmt.Errorf("bad encoding: %w", err))
	}
	ti := &TargetInfo{}
	if err := ti.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return ti, nil
}

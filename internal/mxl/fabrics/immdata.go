package fabrics

// Immediate-data encoding. Each grain write carries a 32-bit immediate
// word: the low bits address the destination ring slot, the high bits
// carry a slice count for split transfers. The partition is derived from
// the grain geometry and advertised in TargetInfo, so both sides always
// agree on it.

import (
	"fmt"
	"math/bits"

	mxlerrors "github.com/dmf-mxl/go-mxl/internal/errors"
)

// immWidth is the immediate word width of the reference transport.
const immWidth = 32

// ImmLayout is the negotiated bit partition of the immediate word.
type ImmLayout struct {
	SlotBits  uint8
	SliceBits uint8
}

// ImmLayoutFor derives the partition from the ring size: the slot field is
// just wide enough for grainCount slots, the slice field takes the rest.
func ImmLayoutFor(grainCount uint32) (ImmLayout, error) {
	if grainCount == 0 {
		return ImmLayout{}, mxlerrors.NewFabricError("imm.layout", mxlerrors.StatusInvalidState,
			fmt.Errorf("grain count must be positive"))
	}
	slotBits := uint8(bits.Len32(grainCount - 1))
	if slotBits == 0 {
		slotBits = 1
	}
	if slotBits >= immWidth {
		return ImmLayout{}, mxlerrors.NewFabricError("imm.layout", mxlerrors.StatusInvalidState,
			fmt.Errorf("grain count %d does not fit the immediate word", grainCount))
	}
	return ImmLayout{SlotBits: slotBits, SliceBits: immWidth - slotBits}, nil
}

// Pack encodes (slot, slices) into an immediate word.
func (l ImmLayout) Pack(slot uint32, slices uint16) (uint32, error) {
	if slot >= 1<<l.SlotBits {
		return 0, mxlerrors.NewFabricError("imm.pack", mxlerrors.StatusInternal,
			fmt.Errorf("slot %d exceeds %d-bit field", slot, l.SlotBits))
	}
	if uint32(slices) >= 1<<l.SliceBits {
		return 0, mxlerrors.NewFabricError("imm.pack", mxlerrors.StatusInternal,
			fmt.Errorf("slice count %d exceeds %d-bit field", slices, l.SliceBits))
	}
	return slot | uint32(slices)<<l.SlotBits, nil
}

// Unpack decodes an immediate word into (slot, slices).
func (l ImmLayout) Unpack(imm uint32) (slot uint32, slices uint16) {
	mask := uint32(1)<<l.SlotBits - 1
	return imm & mask, uint16(imm >> l.SlotBits)
}

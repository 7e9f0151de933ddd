package fabrics

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	mxlerrors "github.com/dmf-mxl/go-mxl/internal/errors"
	"github.com/dmf-mxl/go-mxl/internal/mxl/flow"
	"github.com/dmf-mxl/go-mxl/internal/mxl/shm"
	"github.com/dmf-mxl/go-mxl/internal/mxl/timing"
)

const (
	testGrainCount  = 16
	testPayloadSize = 2048
	testSlices      = 8
)

func makeFlow(t *testing.T, name string) (*flow.DiscreteWriter, *flow.DiscreteReader) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name+".mxl-flow")
	require.NoError(t, os.MkdirAll(dir, 0o775))
	require.NoError(t, os.WriteFile(filepath.Join(dir, flow.AccessFileName), nil, 0o664))

	id := uuid.New()
	d, err := flow.CreateDiscrete(dir, flow.DiscreteOptions{
		ID:               id,
		Format:           flow.FormatVideo,
		GrainRate:        timing.Rational{Numerator: 50, Denominator: 1},
		GrainCount:       testGrainCount,
		GrainPayloadSize: testPayloadSize,
		TotalSlices:      testSlices,
		SliceSizes:       [flow.MaxPlanes]uint32{testPayloadSize / testSlices},
	})
	require.NoError(t, err)
	w, err := flow.NewDiscreteWriter(d)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	rd, err := flow.Open(dir, id, shm.ReadOnly)
	require.NoError(t, err)
	r, err := flow.NewDiscreteReader(rd)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return w, r
}

// setupPair wires a loopback initiator/target pair over the TCP provider:
// the target is backed by a local flow writer, the initiator by a local
// flow reader of a second flow.
func setupPair(t *testing.T) (*flow.DiscreteWriter, *flow.DiscreteReader, *flow.DiscreteReader, *Target, *Initiator, *TargetInfo) {
	t.Helper()
	srcWriter, srcReader := makeFlow(t, "src")
	dstWriter, dstReader := makeFlow(t, "dst")

	dstRegions, err := RegionsForFlowWriter(dstWriter)
	require.NoError(t, err)

	target := NewTarget()
	t.Cleanup(func() { target.Close() })
	info, err := target.Setup(TargetConfig{
		Bind:     EndpointBind{Node: "127.0.0.1"},
		Provider: ProviderTCP,
		Regions:  dstRegions,
		Writer:   dstWriter,
	})
	require.NoError(t, err)

	// Round-trip the descriptor through its text form, as a real
	// deployment would.
	parsed, err := ParseTargetInfo(info.String())
	require.NoError(t, err)

	srcRegions, err := RegionsForFlowReader(srcReader)
	require.NoError(t, err)

	initiator := NewInitiator()
	t.Cleanup(func() { initiator.Close() })
	require.NoError(t, initiator.Setup(InitiatorConfig{
		Bind:     EndpointBind{Node: "127.0.0.1"},
		Provider: ProviderTCP,
		Regions:  srcRegions,
		Reader:   srcReader,
	}))
	require.NoError(t, initiator.AddTarget(parsed))

	return srcWriter, srcReader, dstReader, target, initiator, parsed
}

func pumpUntilConnected(t *testing.T, initiator *Initiator, info *TargetInfo) {
	t.Helper()
	require.NoError(t, initiator.MakeProgressBlocking(5*time.Second))
	connected, known := initiator.TargetState(info)
	require.True(t, known)
	require.True(t, connected)
}

func TestInitiatorTargetRoundTripOverTCP(t *testing.T) {
	srcWriter, srcReader, _, target, initiator, info := setupPair(t)
	pumpUntilConnected(t, initiator, info)

	// Produce grain k locally on the initiator side.
	const k = uint64(5)
	_, payload, err := srcWriter.OpenGrain(k)
	require.NoError(t, err)
	binary.LittleEndian.PutUint64(payload, k)
	require.NoError(t, srcWriter.Commit(flow.CommitInfo{ValidSlices: testSlices}))

	// The grain is locally readable; replicate it.
	_, _, err = srcReader.GetGrain(k, testSlices, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.NoError(t, initiator.TransferGrain(k))
	require.NoError(t, initiator.MakeProgressBlocking(5*time.Second))

	// The target surfaces the delivery and republishes it locally.
	index, err := target.WaitForNewGrain(time.Now().Add(5 * time.Second))
	require.NoError(t, err)
	require.Equal(t, k, index)
}

func TestRoundTripPayloadVisibleToTargetSideReaders(t *testing.T) {
	srcWriter, _, dstReader, target, initiator, info := setupPair(t)
	pumpUntilConnected(t, initiator, info)

	const k = uint64(3)
	_, payload, err := srcWriter.OpenGrain(k)
	require.NoError(t, err)
	for i := range payload {
		payload[i] = byte(k)
	}
	binary.LittleEndian.PutUint64(payload, 0x746172676574) // marker
	require.NoError(t, srcWriter.Commit(flow.CommitInfo{ValidSlices: testSlices}))

	require.NoError(t, initiator.TransferGrain(k))
	require.NoError(t, initiator.MakeProgressBlocking(5*time.Second))

	index, err := target.WaitForNewGrain(time.Now().Add(5 * time.Second))
	require.NoError(t, err)
	require.Equal(t, k, index)

	// A reader of the target's flow observes the fabric-delivered grain
	// like a local one.
	gi, view, err := dstReader.GetGrain(k, testSlices, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, k, gi.Index)
	require.EqualValues(t, 0x746172676574, binary.LittleEndian.Uint64(view))
}

func TestTransferDroppedForUnconnectedTarget(t *testing.T) {
	srcWriter, _, _, _, initiator, _ := setupPair(t)

	// No progress pumped yet: the target is still Added, transfers drop.
	_, _, err := srcWriter.OpenGrain(0)
	require.NoError(t, err)
	require.NoError(t, srcWriter.Commit(flow.CommitInfo{ValidSlices: testSlices}))
	require.NoError(t, initiator.TransferGrain(0))
}

func TestRemoveTargetStopsTransfers(t *testing.T) {
	_, _, _, _, initiator, info := setupPair(t)
	pumpUntilConnected(t, initiator, info)

	require.NoError(t, initiator.RemoveTarget(info))
	// Transfers after removal queue to no one.
	require.NoError(t, initiator.TransferGrain(1))
	// The disconnect completes on a later progress call.
	require.NoError(t, initiator.MakeProgressBlocking(time.Second))
	_, known := initiator.TargetState(info)
	require.False(t, known)

	err := initiator.RemoveTarget(info)
	require.Equal(t, mxlerrors.StatusNotFound, mxlerrors.StatusOf(err))
}

func TestDuplicateAddTargetCollapses(t *testing.T) {
	_, _, _, _, initiator, info := setupPair(t)
	require.NoError(t, initiator.AddTarget(info))
	require.NoError(t, initiator.AddTarget(info))
	pumpUntilConnected(t, initiator, info)
}

func TestTargetTryNewGrainNotReady(t *testing.T) {
	_, _, _, target, _, _ := setupPair(t)
	_, err := target.TryNewGrain()
	require.Equal(t, mxlerrors.StatusNotReady, mxlerrors.StatusOf(err))
}

func TestTargetSetupTwiceIsInvalidState(t *testing.T) {
	dstWriter, _ := makeFlow(t, "dst2")
	regions, err := RegionsForFlowWriter(dstWriter)
	require.NoError(t, err)

	target := NewTarget()
	defer target.Close()
	_, err = target.Setup(TargetConfig{
		Bind: EndpointBind{Node: "127.0.0.1"}, Provider: ProviderTCP,
		Regions: regions, Writer: dstWriter,
	})
	require.NoError(t, err)
	_, err = target.Setup(TargetConfig{
		Bind: EndpointBind{Node: "127.0.0.1"}, Provider: ProviderTCP,
		Regions: regions, Writer: dstWriter,
	})
	require.Equal(t, mxlerrors.StatusInvalidState, mxlerrors.StatusOf(err))
}

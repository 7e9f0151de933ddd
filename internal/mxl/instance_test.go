package mxl

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	mxlerrors "github.com/dmf-mxl/go-mxl/internal/errors"
	"github.com/dmf-mxl/go-mxl/internal/mxl/domain"
	"github.com/dmf-mxl/go-mxl/internal/mxl/flow"
	"github.com/dmf-mxl/go-mxl/internal/mxl/timing"
)

func testInstance(t *testing.T) *Instance {
	t.Helper()
	inst, err := NewInstance(t.TempDir(), InstanceOptions{DisableWatcher: true})
	require.NoError(t, err)
	t.Cleanup(func() { inst.Close() })
	return inst
}

func testDiscreteSpec(id uuid.UUID) domain.DiscreteSpec {
	def := fmt.Sprintf(`{"id":%q,"grain_rate":{"numerator":50,"denominator":1}}`, id)
	return domain.DiscreteSpec{
		FlowDef:          def,
		Format:           flow.FormatVideo,
		GrainCount:       8,
		GrainPayloadSize: 1024,
		TotalSlices:      4,
		SliceSizes:       [flow.MaxPlanes]uint32{256},
	}
}

func TestInstanceWriterReaderLifecycle(t *testing.T) {
	inst := testInstance(t)

	id := uuid.New()
	w, created, err := inst.CreateDiscreteWriter(testDiscreteSpec(id))
	require.NoError(t, err)
	require.True(t, created)

	_, payload, err := w.OpenGrain(0)
	require.NoError(t, err)
	payload[0] = 42
	require.NoError(t, w.Commit(flow.CommitInfo{ValidSlices: 4}))

	r, err := inst.OpenDiscreteReader(id)
	require.NoError(t, err)
	gi, view, err := r.GetGrain(0, 4, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.EqualValues(t, 0, gi.Index)
	require.EqualValues(t, 42, view[0])

	require.NoError(t, r.Close())
	require.NoError(t, inst.ReleaseWriter(w))
}

func TestInstanceOpenReaderDispatchesOnVariant(t *testing.T) {
	inst := testInstance(t)

	vid := uuid.New()
	w, _, err := inst.CreateDiscreteWriter(testDiscreteSpec(vid))
	require.NoError(t, err)
	defer inst.ReleaseWriter(w)

	aud := uuid.New()
	audioDef := fmt.Sprintf(`{"id":%q,"sample_rate":{"numerator":48000}}`, aud)
	cw, _, err := inst.CreateContinuousWriter(domain.ContinuousSpec{
		FlowDef:        audioDef,
		ChannelCount:   2,
		BufferLength:   4096,
		SampleWordSize: 4,
	})
	require.NoError(t, err)
	defer inst.ReleaseWriter(cw)

	dr, cr, err := inst.OpenReader(vid)
	require.NoError(t, err)
	require.NotNil(t, dr)
	require.Nil(t, cr)
	dr.Close()

	dr, cr, err = inst.OpenReader(aud)
	require.NoError(t, err)
	require.Nil(t, dr)
	require.NotNil(t, cr)
	cr.Close()

	_, _, err = inst.OpenReader(uuid.New())
	require.Equal(t, mxlerrors.StatusFlowNotFound, mxlerrors.StatusOf(err))
}

func TestInstanceStartupGC(t *testing.T) {
	dir := t.TempDir()
	inst1, err := NewInstance(dir, InstanceOptions{DisableWatcher: true})
	require.NoError(t, err)

	id := uuid.New()
	w, _, err := inst1.CreateDiscreteWriter(testDiscreteSpec(id))
	require.NoError(t, err)
	require.NoError(t, inst1.ReleaseWriter(w)) // orphan the flow
	require.NoError(t, inst1.Close())

	inst2, err := NewInstance(dir, InstanceOptions{DisableWatcher: true})
	require.NoError(t, err)
	defer inst2.Close()

	ids, err := inst2.Manager().List()
	require.NoError(t, err)
	require.Empty(t, ids, "startup GC should have removed the orphaned flow")
}

func TestSyncObject(t *testing.T) {
	_, err := NewSyncObject(timing.Rational{})
	require.Equal(t, mxlerrors.StatusInvalidArg, mxlerrors.StatusOf(err))

	so, err := NewSyncObject(timing.Rational{Numerator: 1000, Denominator: 1})
	require.NoError(t, err)

	// A tick two periods ahead of now should sleep roughly 2 ms.
	now := timing.TAINow()
	idx := so.TickIndexAt(now) + 2
	start := time.Now()
	require.NoError(t, so.WaitForTick(idx))
	elapsed := time.Since(start)
	require.Less(t, elapsed, 250*time.Millisecond)

	// Ticks in the past return immediately.
	start = time.Now()
	require.NoError(t, so.WaitForTick(0))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestSyncObjectFromContinuousFoldsBatch(t *testing.T) {
	inst := testInstance(t)
	aud := uuid.New()
	audioDef := fmt.Sprintf(`{"id":%q,"sample_rate":{"numerator":48000}}`, aud)
	cw, _, err := inst.CreateContinuousWriter(domain.ContinuousSpec{
		FlowDef:        audioDef,
		ChannelCount:   1,
		BufferLength:   9600,
		SampleWordSize: 4,
	})
	require.NoError(t, err)
	defer inst.ReleaseWriter(cw)

	cr, err := inst.OpenContinuousReader(aud)
	require.NoError(t, err)
	defer cr.Close()

	so, err := NewSyncObjectFromContinuous(cr, 1920)
	require.NoError(t, err)
	// 48000/1 with batch 1920 ticks 25 times per second.
	require.Equal(t, timing.Rational{Numerator: 25, Denominator: 1}, so.TickRate)

	_, err = NewSyncObjectFromContinuous(cr, 0)
	require.Equal(t, mxlerrors.StatusInvalidArg, mxlerrors.StatusOf(err))
}

func TestVersion(t *testing.T) {
	require.Equal(t, "1.0.0", Version())
}

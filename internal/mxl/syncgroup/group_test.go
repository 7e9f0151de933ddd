package syncgroup

import (
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

func makeDiscretePair(t *testing.T, rate timing.Rational) (*flow.DiscreteWriter, *flow.DiscreteReader) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "v.mxl-flow")
	require.NoError(t, os.MkdirAll(dir, 0o775))
	require.NoError(t, os.WriteFile(filepath.Join(dir, flow.AccessFileName), nil, 0o664))

	id := uuid.New()
	d, err := flow.CreateDiscrete(dir, flow.DiscreteOptions{
		ID:               id,
		Format:           flow.FormatVideo,
		GrainRate:        rate,
		GrainCount:       16,
		GrainPayloadSize: 512,
		TotalSlices:      1,
		SliceSizes:       [flow.MaxPlanes]uint32{512},
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

func makeContinuousPair(t *testing.T, rate timing.Rational) (*flow.ContinuousWriter, *flow.ContinuousReader) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "a.mxl-flow")
	require.NoError(t, os.MkdirAll(dir, 0o775))
	require.NoError(t, os.WriteFile(filepath.Join(dir, flow.AccessFileName), nil, 0o664))

	id := uuid.New()
	d, err := flow.CreateContinuous(dir, flow.ContinuousOptions{
		ID:             id,
		SampleRate:     rate,
		ChannelCount:   1,
		BufferLength:   96000,
		SampleWordSize: 4,
	})
	require.NoError(t, err)
	w, err := flow.NewContinuousWriter(d)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	rd, err := flow.Open(dir, id, shm.ReadOnly)
	require.NoError(t, err)
	r, err := flow.NewContinuousReader(rd)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return w, r
}

func commitGrainAt(t *testing.T, w *flow.DiscreteWriter, index uint64) {
	t.Helper()
	_, _, err := w.OpenGrain(index)
	require.NoError(t, err)
	require.NoError(t, w.Commit(flow.CommitInfo{ValidSlices: 1}))
}

func TestAddIsIdempotent(t *testing.T) {
	_, r := makeDiscretePair(t, timing.Rational{Numerator: 24000, Denominator: 1001})
	g := New()
	g.AddDiscrete(r, 100)
	g.AddDiscrete(r, 200) // updates minValidSlices only
	require.Equal(t, 1, g.Len())

	g.RemoveDiscrete(r)
	require.Equal(t, 0, g.Len())
	g.RemoveDiscrete(r) // no-op
}

func TestWaitForDataAtAllReady(t *testing.T) {
	rateV := timing.Rational{Numerator: 24000, Denominator: 1001}
	rateA := timing.Rational{Numerator: 48000, Denominator: 1}
	wv, rv := makeDiscretePair(t, rateV)
	wa, ra := makeContinuousPair(t, rateA)

	origin := timing.TAINow()
	commitGrainAt(t, wv, timing.TimestampToIndex(rateV, origin))
	_, err := wa.OpenSamples(timing.TimestampToIndex(rateA, origin), 48)
	require.NoError(t, err)
	require.NoError(t, wa.Commit())

	g := New()
	g.AddDiscrete(rv, 1)
	g.AddContinuous(ra)

	require.NoError(t, g.WaitForDataAt(origin, time.Now().Add(time.Second)))
}

func TestWaitForDataAtTimesOutOnMissingFlow(t *testing.T) {
	rateV := timing.Rational{Numerator: 24000, Denominator: 1001}
	_, rv := makeDiscretePair(t, rateV)

	g := New()
	g.AddDiscrete(rv, 1)

	err := g.WaitForDataAt(timing.TAINow(), time.Now().Add(50*time.Millisecond))
	require.Error(t, err)
	require.Equal(t, mxlerrors.StatusTooEarly, mxlerrors.StatusOf(err))
}

func TestAdaptiveReorderVisitsSlowestFirst(t *testing.T) {
	rateV := timing.Rational{Numerator: 24000, Denominator: 1001}
	rateA := timing.Rational{Numerator: 48000, Denominator: 1}
	wv, rv := makeDiscretePair(t, rateV)
	wa, ra := makeContinuousPair(t, rateA)

	g := New()
	// B (audio) is added first, so the initial visit order is B, A.
	g.AddContinuous(ra)
	g.AddDiscrete(rv, 1)
	require.Equal(t, []string{ra.ID(), rv.ID()}, g.VisitOrderIDs())

	// Twice in a row: B is ready up front, A arrives late.
	for round := 0; round < 2; round++ {
		origin := timing.TAINow()
		sampleIdx := timing.TimestampToIndex(rateA, origin)
		grainIdx := timing.TimestampToIndex(rateV, origin)

		_, err := wa.OpenSamples(sampleIdx, 48)
		require.NoError(t, err)
		require.NoError(t, wa.Commit())

		go func() {
			time.Sleep(40 * time.Millisecond)
			commitGrainAt(t, wv, grainIdx)
		}()
		require.NoError(t, g.WaitForDataAt(origin, time.Now().Add(2*time.Second)))
	}

	// The slow video flow has been promoted to the front.
	require.Equal(t, []string{rv.ID(), ra.ID()}, g.VisitOrderIDs())

	// Third call: both ready, order stays.
	origin := timing.TAINow()
	commitGrainAt(t, wv, timing.TimestampToIndex(rateV, origin))
	_, err := wa.OpenSamples(timing.TimestampToIndex(rateA, origin), 48)
	require.NoError(t, err)
	require.NoError(t, wa.Commit())
	require.NoError(t, g.WaitForDataAt(origin, time.Now().Add(time.Second)))
	require.Equal(t, []string{rv.ID(), ra.ID()}, g.VisitOrderIDs())
}
